package expander

import (
	"math"
	"sort"
	"time"

	"github.com/samber/mo"

	appLog "calexpand/internal/log"
	"calexpand/internal/model"
)

// Result is the outcome of one Between call.
//
// Events holds single events and recurrence exceptions in document order;
// Occurrences holds generated instances, grouped per series in
// chronological order. Neither list is globally sorted; see Instances.
type Result struct {
	Events      []*model.Event
	Occurrences []model.Occurrence
	// Truncated lists UIDs whose expansion stopped at the iteration cap.
	Truncated []string
}

// window is an inclusive range; absent bounds are unbounded.
type window struct {
	after  mo.Option[time.Time]
	before mo.Option[time.Time]
}

func (w window) intersects(start, end time.Time) bool {
	if a, ok := w.after.Get(); ok && end.Before(a) {
		return false
	}
	if b, ok := w.before.Get(); ok && start.After(b) {
		return false
	}
	return true
}

func (w window) pastEnd(t time.Time) bool {
	b, ok := w.before.Get()
	return ok && t.After(b)
}

// effectiveSpan returns the interval used for window tests. A DATE end
// is midnight of the following day, so it is pulled back by the smallest
// unit to keep the last day inclusive without spilling into the next one.
func effectiveSpan(start, end time.Time, endIsDate bool) (time.Time, time.Time) {
	if endIsDate && end.After(start) {
		end = end.Add(-time.Nanosecond)
	}
	return start, end
}

// Between returns every event and occurrence intersecting [after, before].
// Either bound may be mo.None for an open-ended window.
func (idx *Index) Between(after, before mo.Option[time.Time]) (Result, error) {
	w := window{after: after, before: before}
	var res Result

	for _, e := range idx.base {
		switch ent := e.(type) {
		case singleEntry:
			ok, err := singleInWindow(ent.ev, w)
			if err != nil {
				return Result{}, err
			}
			if ok {
				res.Events = append(res.Events, ent.ev)
			}
		case *seriesEntry:
			if err := idx.expandSeries(ent, w, &res); err != nil {
				return Result{}, err
			}
		}
	}

	return res, nil
}

// BeforeTime is Between(None, Some(t)).
func (idx *Index) BeforeTime(t time.Time) (Result, error) {
	return idx.Between(mo.None[time.Time](), mo.Some(t))
}

// AfterTime is Between(Some(t), None).
func (idx *Index) AfterTime(t time.Time) (Result, error) {
	return idx.Between(mo.Some(t), mo.None[time.Time]())
}

// All expands the whole document, bounded only by the iteration cap.
func (idx *Index) All() (Result, error) {
	return idx.Between(mo.None[time.Time](), mo.None[time.Time]())
}

func singleInWindow(ev *model.Event, w window) (bool, error) {
	start, err := ev.StartTime()
	if err != nil {
		return false, &DateError{UID: ev.UID, Field: "DTSTART", Err: err}
	}
	end, endIsDate, err := ev.EndTime()
	if err != nil {
		return false, &DateError{UID: ev.UID, Field: "DTEND", Err: err}
	}
	start, end = effectiveSpan(start, end, endIsDate)
	return w.intersects(start, end), nil
}

func (idx *Index) expandSeries(se *seriesEntry, w window, res *Result) error {
	if se.err != nil {
		return se.err
	}

	it, err := newInstantIterator(se.start, se.rules, se.ev.RDates)
	if err != nil {
		return &DateError{UID: se.ev.UID, Field: "RRULE", Err: err}
	}

	overrides := idx.overrides[se.ev.UID]
	allDay := se.ev.AllDay()
	limit := idx.opts.maxIterations

	pulled := 0
	for limit == 0 || pulled < limit {
		occStart, ok := it.Next()
		if !ok {
			return nil
		}
		pulled++

		occ := model.Occurrence{
			Event:  se.ev,
			Start:  occStart,
			End:    instanceEnd(occStart, se.length, allDay),
			AllDay: allDay,
		}

		if w.pastEnd(occStart) {
			return nil
		}
		if !w.intersects(effectiveSpan(occ.Start, occ.End, allDay)) {
			continue
		}

		ov, found, err := findOverride(overrides, occStart)
		if err != nil {
			return err
		}
		switch {
		case found:
			res.Events = append(res.Events, ov)
		case se.excluded(occStart):
		default:
			res.Occurrences = append(res.Occurrences, occ)
		}
	}

	// The cap only truncated the series if an instant inside the window
	// was left unvisited.
	next, more := it.Next()
	if !more || w.pastEnd(next) {
		return nil
	}
	res.Truncated = append(res.Truncated, se.ev.UID)
	appLog.Debug("expander: iteration cap reached", "uid", se.ev.UID, "cap", limit)
	return nil
}

func (se *seriesEntry) excluded(t time.Time) bool {
	_, ok := se.exdates[t.UnixNano()]
	return ok
}

// findOverride returns the exception whose RECURRENCE-ID is the instant t.
func findOverride(overrides []overrideEntry, t time.Time) (*model.Event, bool, error) {
	for _, ov := range overrides {
		rid, err := ov.recurrenceID.Get()
		if err != nil {
			return nil, false, &DateError{UID: ov.ev.UID, Field: "RECURRENCE-ID", Err: err}
		}
		if rid.Equal(t) {
			if derr := checkDates(ov.ev); derr != nil {
				return nil, false, derr
			}
			return ov.ev, true, nil
		}
	}
	return nil, false, nil
}

// instanceEnd applies the series length to one instance. All-day series
// move by whole calendar days so DST shifts cannot pull the end off
// midnight.
func instanceEnd(start time.Time, length time.Duration, allDay bool) time.Time {
	if allDay {
		days := int(math.Round(length.Hours() / 24))
		return start.AddDate(0, 0, days)
	}
	return start.Add(length)
}

// Instances flattens the result into concrete instances: events keep their
// own dates, occurrences their generated ones. Order is that of Events
// followed by Occurrences.
func (r Result) Instances() []model.Occurrence {
	out := make([]model.Occurrence, 0, len(r.Events)+len(r.Occurrences))
	for _, ev := range r.Events {
		// Dates were resolved by Between before the event was selected.
		start, _ := ev.StartTime()
		end, _, _ := ev.EndTime()
		occ := model.Occurrence{Event: ev, Start: start, End: end, AllDay: ev.AllDay()}
		if ev.RecurrenceID != nil {
			if rid, err := ev.RecurrenceID.Time.Get(); err == nil {
				occ.RecurrenceID = mo.Some(rid)
			}
		}
		out = append(out, occ)
	}
	return append(out, r.Occurrences...)
}

// Sorted is Instances ordered by start time, ties keeping result order.
func (r Result) Sorted() []model.Occurrence {
	out := r.Instances()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
