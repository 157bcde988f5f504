package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"calexpand/internal/config"
	appLog "calexpand/internal/log"
	"calexpand/internal/store"
	"calexpand/internal/web"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve expanded calendars over HTTP and refresh them on a schedule.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "/etc/calexpand/config.yaml", Usage: "Path to config file"},
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			// CLI --listen overrides config file and environment.
			if v := c.String("listen"); v != "" {
				cfg.Listen = v
			}

			appLog.Info("effective config",
				"listen", cfg.Listen,
				"timezone", cfg.Timezone,
				"refresh", cfg.RefreshCron,
				"max_iterations", cfg.Expand.String(),
				"skip_invalid_dates", cfg.Expand.SkipInvalidDates,
				"calendar_count", len(cfg.Calendars),
			)

			// Root context with cancellation on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st := store.NewFromConfig(cfg)
			if err := st.Refresh(ctx); err != nil {
				// Partial data is still worth serving.
				appLog.Error("initial refresh finished with errors", err)
			}

			sched, err := store.NewScheduler(ctx, cfg.RefreshCron, st)
			if err != nil {
				return err
			}
			sched.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				sched.Stop(stopCtx)
			}()

			err = web.NewServer(cfg, st).Run(ctx)
			appLog.Info("calexpand exiting")
			return err
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
