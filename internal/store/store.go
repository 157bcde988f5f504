package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calexpand/internal/config"
	"calexpand/internal/expander"
	"calexpand/internal/ics"
	appLog "calexpand/internal/log"
	"calexpand/internal/model"
)

var ErrUnknownCalendar = errors.New("unknown calendar")

// Calendar is one loaded source together with its expansion index.
type Calendar struct {
	ID        string
	Name      string
	Document  *model.Document
	Index     *expander.Index
	FetchedAt time.Time
	FromCache bool
}

// Store keeps the most recent good Calendar per configured source. It is
// safe for concurrent use; readers never block a Refresh in progress for
// longer than the swap of one map.
type Store struct {
	fetcher    *ics.Fetcher
	sources    []ics.Source
	parseOpts  ics.ParseOptions
	expandOpts []expander.Option

	// refreshMu serializes Refresh so two runs never write the same
	// cache entry at once.
	refreshMu sync.Mutex

	mu        sync.RWMutex
	calendars map[string]*Calendar
}

// New builds an empty store. Call Refresh to load the sources.
func New(fetcher *ics.Fetcher, sources []ics.Source, parseOpts ics.ParseOptions, expandOpts ...expander.Option) *Store {
	return &Store{
		fetcher:    fetcher,
		sources:    sources,
		parseOpts:  parseOpts,
		expandOpts: expandOpts,
		calendars:  make(map[string]*Calendar),
	}
}

// NewFromConfig wires a store from the application config.
func NewFromConfig(cfg *config.Config) *Store {
	return New(
		ics.NewFetcher(cfg.CacheDir),
		SourcesFromConfig(cfg.Calendars),
		ics.ParseOptions{FloatingLocation: ResolveLocation(cfg.Timezone)},
		ExpandOptions(cfg)...,
	)
}

// SourcesFromConfig maps configured calendars onto fetch sources.
func SourcesFromConfig(cals []config.CalendarConfig) []ics.Source {
	out := make([]ics.Source, 0, len(cals))
	for _, c := range cals {
		out = append(out, ics.Source{ID: c.ID, Name: c.Name, URL: c.URL, Path: c.Path})
	}
	return out
}

// ExpandOptions maps the expand section of cfg onto index options.
func ExpandOptions(cfg *config.Config) []expander.Option {
	opts := []expander.Option{expander.WithSkipInvalidDates(cfg.Expand.SkipInvalidDates)}
	if n, ok := cfg.MaxIterations(); ok {
		opts = append(opts, expander.WithMaxIterations(n))
	}
	return opts
}

// ResolveLocation loads an IANA zone, falling back to time.Local.
func ResolveLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

// Refresh fetches, parses and indexes every source. A source that fails
// keeps its previous Calendar; all failures are returned joined. Calls
// that overlap run one after another.
func (s *Store) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	started := time.Now()
	results, errs := s.fetcher.FetchAll(ctx, s.sources)

	loaded := make([]*Calendar, 0, len(results))
	for _, res := range results {
		cal, err := s.load(res)
		if err != nil {
			appLog.Error("store: load failed", err, "id", res.Source.ID)
			errs = append(errs, fmt.Errorf("source %s: %w", res.Source.ID, err))
			continue
		}
		loaded = append(loaded, cal)
	}

	s.mu.Lock()
	for _, cal := range loaded {
		s.calendars[cal.ID] = cal
	}
	s.mu.Unlock()

	appLog.Info("store: refresh completed",
		"sources", len(s.sources),
		"loaded", len(loaded),
		"failed", len(errs),
		"elapsed", time.Since(started).String(),
	)
	return errors.Join(errs...)
}

func (s *Store) load(res ics.FetchResult) (*Calendar, error) {
	doc, err := ics.ParseDocument(res.Source, res.Body, s.parseOpts)
	if err != nil {
		return nil, err
	}
	idx, err := expander.New(doc, s.expandOpts...)
	if err != nil {
		return nil, err
	}
	name := res.Source.Name
	if name == "" {
		name = res.Source.ID
	}
	return &Calendar{
		ID:        res.Source.ID,
		Name:      name,
		Document:  doc,
		Index:     idx,
		FetchedAt: res.FetchedAt,
		FromCache: res.FromCache,
	}, nil
}

// Get returns the calendar with the given id.
func (s *Store) Get(id string) (*Calendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cal, ok := s.calendars[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCalendar, id)
	}
	return cal, nil
}

// List returns the loaded calendars in configuration order.
func (s *Store) List() []*Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Calendar, 0, len(s.calendars))
	for _, src := range s.sources {
		if cal, ok := s.calendars[src.ID]; ok {
			out = append(out, cal)
		}
	}
	return out
}
