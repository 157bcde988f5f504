package expander

import (
	"fmt"
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"

	appLog "calexpand/internal/log"
	"calexpand/internal/model"
)

// DateError reports an event whose date (or rule) could not be resolved
// while expanding a window.
type DateError struct {
	UID   string
	Field string
	Err   error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("expander: event %q: %s: %v", e.UID, e.Field, e.Err)
}

func (e *DateError) Unwrap() error {
	return e.Err
}

// entry is one classified event of the index: a single event, a recurring
// series, or an override of one instance of a series.
type entry interface {
	event() *model.Event
}

type singleEntry struct {
	ev *model.Event
}

type seriesEntry struct {
	ev      *model.Event
	start   time.Time
	length  time.Duration
	rules   []rrule.ROption
	exdates map[int64]struct{}
	// err holds the first resolution failure; it is reported by Between.
	err *DateError
}

type overrideEntry struct {
	ev           *model.Event
	recurrenceID mo.Result[time.Time]
}

func (e singleEntry) event() *model.Event   { return e.ev }
func (e *seriesEntry) event() *model.Event  { return e.ev }
func (e overrideEntry) event() *model.Event { return e.ev }

// Index is a read-only classification of one document. It is safe for
// concurrent use by multiple goroutines.
type Index struct {
	opts options

	// base holds single and series entries in document order.
	base []entry
	// overrides groups recurrence exceptions by UID.
	overrides map[string][]overrideEntry

	startDate time.Time
	size      int
}

// New scans doc once and classifies its events. It only fails on invalid
// options; malformed events are either dropped (WithSkipInvalidDates) or
// reported when a window touches them.
func New(doc *model.Document, opts ...Option) (*Index, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		opts:      o,
		overrides: make(map[string][]overrideEntry),
	}
	if doc == nil {
		idx.startDate = o.now()
		return idx, nil
	}

	idx.startDate = earliestStart(doc.Events, o.now)

	dropped := 0
	for _, ev := range doc.Events {
		if ev == nil {
			continue
		}
		if o.skipInvalidDates {
			if derr := checkDates(ev); derr != nil {
				dropped++
				appLog.Debug("expander: skipping event with invalid date",
					"uid", ev.UID, "field", derr.Field, "err", derr.Err)
				continue
			}
		}

		switch {
		case ev.IsRecurrenceException():
			idx.overrides[ev.UID] = append(idx.overrides[ev.UID], overrideEntry{
				ev:           ev,
				recurrenceID: ev.RecurrenceID.Time,
			})
		case ev.IsRecurring():
			se := newSeriesEntry(ev)
			if se.err != nil && o.skipInvalidDates {
				dropped++
				appLog.Debug("expander: skipping event with invalid rule",
					"uid", ev.UID, "field", se.err.Field, "err", se.err.Err)
				continue
			}
			idx.base = append(idx.base, se)
		default:
			idx.base = append(idx.base, singleEntry{ev: ev})
		}
		idx.size++
	}

	appLog.Debug("expander: index built",
		"source", doc.SourceID,
		"events", idx.size,
		"dropped", dropped,
		"start_date", idx.startDate.Format(time.RFC3339),
	)
	return idx, nil
}

// StartDate is the earliest resolvable DTSTART of the document, or the
// construction time when there is none.
func (idx *Index) StartDate() time.Time {
	return idx.startDate
}

// Len is the number of indexed events, overrides included.
func (idx *Index) Len() int {
	return idx.size
}

// MaxIterations is the effective per-event iteration cap (0 = unbounded).
func (idx *Index) MaxIterations() int {
	return idx.opts.maxIterations
}

func earliestStart(events []*model.Event, now func() time.Time) time.Time {
	var earliest time.Time
	found := false
	for _, ev := range events {
		if ev == nil || ev.Start == nil {
			continue
		}
		t, err := ev.Start.Time.Get()
		if err != nil {
			continue
		}
		if !found || t.Before(earliest) {
			earliest = t
			found = true
		}
	}
	if !found {
		return now()
	}
	return earliest
}

// checkDates resolves every date the expander will need for ev.
func checkDates(ev *model.Event) *DateError {
	if _, err := ev.StartTime(); err != nil {
		return &DateError{UID: ev.UID, Field: "DTSTART", Err: err}
	}
	if _, _, err := ev.EndTime(); err != nil {
		return &DateError{UID: ev.UID, Field: "DTEND", Err: err}
	}
	if ev.RecurrenceID != nil {
		if _, err := ev.RecurrenceID.Time.Get(); err != nil {
			return &DateError{UID: ev.UID, Field: "RECURRENCE-ID", Err: err}
		}
	}
	return nil
}

func newSeriesEntry(ev *model.Event) *seriesEntry {
	se := &seriesEntry{ev: ev}

	start, err := ev.StartTime()
	if err != nil {
		se.err = &DateError{UID: ev.UID, Field: "DTSTART", Err: err}
		return se
	}
	length, err := ev.Length()
	if err != nil {
		se.err = &DateError{UID: ev.UID, Field: "DTEND", Err: err}
		return se
	}
	rules, err := parseRules(ev.RRules, start)
	if err != nil {
		se.err = &DateError{UID: ev.UID, Field: "RRULE", Err: err}
		return se
	}

	se.start = start
	se.length = length
	se.rules = rules
	se.exdates = make(map[int64]struct{}, len(ev.ExDates))
	for _, ex := range ev.ExDates {
		se.exdates[ex.UnixNano()] = struct{}{}
	}
	return se
}
