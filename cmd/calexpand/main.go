package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"calexpand/internal/config"
	appLog "calexpand/internal/log"
)

const version = "0.1.0"

func main() {
	// Load .env first; a missing file is fine.
	if err := config.LoadEnvFiles(".env"); err != nil {
		appLog.Error("failed to load .env", err)
	}
	appLog.SetLevel(appLog.ParseLevel(os.Getenv(config.EnvLogLevel)))

	app := &cli.App{
		Name:    "calexpand",
		Usage:   "Expand recurring iCalendar events into concrete occurrences.",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			expandCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("calexpand failed", err)
		os.Exit(1)
	}
}
