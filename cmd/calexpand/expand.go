package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/mo"
	"github.com/urfave/cli/v2"

	"calexpand/internal/expander"
	"calexpand/internal/feed"
	"calexpand/internal/ics"
	appLog "calexpand/internal/log"
	"calexpand/internal/model"
	"calexpand/internal/store"
)

// expandRequest carries the flags of one `calexpand expand` run.
type expandRequest struct {
	File          string
	URL           string
	After         string
	Before        string
	MaxIterations mo.Option[int]
	SkipInvalid   bool
	Format        string
	Timezone      string
	CacheDir      string
}

func expandCommand() *cli.Command {
	return &cli.Command{
		Name:  "expand",
		Usage: "Expand one ICS file or URL and print the occurrences.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "Local .ics file"},
			&cli.StringFlag{Name: "url", Usage: "ICS URL (http, https or webcal)"},
			&cli.StringFlag{Name: "after", Usage: "Window start, RFC3339 or YYYY-MM-DD (open if empty)"},
			&cli.StringFlag{Name: "before", Usage: "Window end, RFC3339 or YYYY-MM-DD; a date includes that whole day (open if empty)"},
			&cli.IntFlag{Name: "max-iterations", Value: expander.DefaultMaxIterations, Usage: "Instants per recurring event, 0 for unbounded"},
			&cli.BoolFlag{Name: "skip-invalid-dates", Usage: "Drop events with unparseable dates instead of failing"},
			&cli.StringFlag{Name: "format", Value: "text", Usage: "Output format: text, json or ics"},
			&cli.StringFlag{Name: "timezone", EnvVars: []string{"CALEXPAND_TIMEZONE"}, Usage: "Display and floating-time zone (default local)"},
			&cli.StringFlag{Name: "cache-dir", Value: filepath.Join(os.TempDir(), "calexpand-cache"), Usage: "Cache directory for URL sources"},
		},
		Action: func(c *cli.Context) error {
			req := expandRequest{
				File:        c.String("file"),
				URL:         c.String("url"),
				After:       c.String("after"),
				Before:      c.String("before"),
				SkipInvalid: c.Bool("skip-invalid-dates"),
				Format:      c.String("format"),
				Timezone:    c.String("timezone"),
				CacheDir:    c.String("cache-dir"),
			}
			if c.IsSet("max-iterations") {
				req.MaxIterations = mo.Some(c.Int("max-iterations"))
			}
			return runExpand(c.Context, os.Stdout, req)
		},
	}
}

func runExpand(ctx context.Context, w io.Writer, req expandRequest) error {
	if (req.File == "") == (req.URL == "") {
		return errors.New("exactly one of --file or --url is required")
	}
	switch req.Format {
	case "text", "json", "ics":
	default:
		return fmt.Errorf("unknown format %q", req.Format)
	}

	if n, ok := req.MaxIterations.Get(); ok && n == 0 && req.Before == "" {
		return errors.New("--max-iterations 0 needs --before; an endless rule would never finish")
	}

	loc := store.ResolveLocation(req.Timezone)
	after, err := parseBound(req.After, loc, false)
	if err != nil {
		return fmt.Errorf("--after: %w", err)
	}
	before, err := parseBound(req.Before, loc, true)
	if err != nil {
		return fmt.Errorf("--before: %w", err)
	}

	src := ics.Source{ID: "cli", Path: req.File, URL: req.URL}
	if req.File != "" {
		src.ID = filepath.Base(req.File)
	}
	fetched, err := ics.NewFetcher(req.CacheDir).FetchOne(ctx, src)
	if err != nil {
		return fmt.Errorf("load %s: %w", src.ID, err)
	}
	doc, err := ics.ParseDocument(src, fetched.Body, ics.ParseOptions{FloatingLocation: loc})
	if err != nil {
		return err
	}

	opts := []expander.Option{expander.WithSkipInvalidDates(req.SkipInvalid)}
	if n, ok := req.MaxIterations.Get(); ok {
		opts = append(opts, expander.WithMaxIterations(n))
	}
	idx, err := expander.New(doc, opts...)
	if err != nil {
		return err
	}

	res, err := idx.Between(after, before)
	if err != nil {
		return err
	}
	if len(res.Truncated) > 0 {
		appLog.Info("expansion stopped at the iteration cap", "uids", strings.Join(res.Truncated, ","), "cap", idx.MaxIterations())
	}

	items := feed.FromResult(src.ID, res, loc)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Start.Before(items[j].Start) })

	switch req.Format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			StartDate time.Time          `json:"start_date"`
			Items     []model.EventInput `json:"items"`
			Truncated []string           `json:"truncated_uids,omitempty"`
		}{idx.StartDate(), items, res.Truncated})
	case "ics":
		return feed.WriteICS(w, src.ID, items, time.Now())
	default:
		return writeText(w, items)
	}
}

func writeText(w io.Writer, items []model.EventInput) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, it := range items {
		layout := "2006-01-02 15:04 MST"
		if it.AllDay {
			layout = time.DateOnly
		}
		end := it.End.Format(layout)
		if !it.HasEnd && !it.AllDay {
			end = "-"
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.Start.Format(layout), end, it.Title, it.UID); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// parseBound reads an optional window bound. Date-only values mean the
// start of that day in loc, or its last nanosecond when endOfDay is set.
func parseBound(v string, loc *time.Location, endOfDay bool) (mo.Option[time.Time], error) {
	if v == "" {
		return mo.None[time.Time](), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return mo.Some(t), nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return mo.None[time.Time](), fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", v)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return mo.Some(t), nil
}
