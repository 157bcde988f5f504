package model

import (
	"errors"
	"time"

	"github.com/samber/mo"
)

// ErrInvalidDate is returned (wrapped) when a calendar date value cannot be
// resolved to a concrete instant.
var ErrInvalidDate = errors.New("invalid date value")

// ErrMissingDate reports an event that has no DTSTART at all.
var ErrMissingDate = errors.New("missing date value")

// DateValue is a DATE or DATE-TIME property as handed over by the parser.
// Time holds either the resolved instant or the reason it could not be
// resolved, so a single malformed value never fails a whole document.
type DateValue struct {
	Raw    string
	AllDay bool
	Time   mo.Result[time.Time]
}

// NewDate builds a resolved DateValue.
func NewDate(t time.Time, allDay bool) *DateValue {
	return &DateValue{Raw: t.Format(time.RFC3339), AllDay: allDay, Time: mo.Ok(t)}
}

// InvalidDate builds a DateValue that failed to resolve.
func InvalidDate(raw string, err error) *DateValue {
	return &DateValue{Raw: raw, Time: mo.Err[time.Time](err)}
}

// Duration is a DURATION property. Value carries the parse failure, if any.
type Duration struct {
	Raw   string
	Value mo.Result[time.Duration]
}

// Event is one VEVENT of a parsed document.
type Event struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID
	Sequence int

	Summary     string
	Description string
	Location    string
	Organizer   string
	URL         string

	Start    *DateValue // nil when DTSTART is absent
	End      *DateValue // DTEND, nil when absent
	Duration *Duration  // DURATION, nil when absent

	RRules  []string    // raw RRULE values, without the "RRULE:" prefix
	RDates  []time.Time // extra recurrence instants
	ExDates []time.Time // excluded recurrence instants

	// RecurrenceID is set only on overrides of a single instance of a
	// recurring event with the same UID.
	RecurrenceID *DateValue
}

// IsRecurring reports whether the event defines a recurrence set.
func (e *Event) IsRecurring() bool {
	return len(e.RRules) > 0 || len(e.RDates) > 0
}

// IsRecurrenceException reports whether the event overrides one instance
// of another event's recurrence set.
func (e *Event) IsRecurrenceException() bool {
	return e.RecurrenceID != nil
}

// AllDay reports whether DTSTART is a DATE value.
func (e *Event) AllDay() bool {
	return e.Start != nil && e.Start.AllDay
}

// SpecifiesEnd reports whether DTEND or DURATION was present.
func (e *Event) SpecifiesEnd() bool {
	return e.End != nil || e.Duration != nil
}

// StartTime resolves DTSTART.
func (e *Event) StartTime() (time.Time, error) {
	if e.Start == nil {
		return time.Time{}, ErrMissingDate
	}
	return e.Start.Time.Get()
}

// EndTime resolves the effective end of the event and whether it is a DATE
// value. Without DTEND the end is DTSTART plus DURATION, or one day for
// all-day events, or DTSTART itself.
func (e *Event) EndTime() (time.Time, bool, error) {
	if e.End != nil {
		t, err := e.End.Time.Get()
		return t, e.End.AllDay, err
	}

	start, err := e.StartTime()
	if err != nil {
		return time.Time{}, false, err
	}
	allDay := e.AllDay()

	if e.Duration != nil {
		d, err := e.Duration.Value.Get()
		if err != nil {
			return time.Time{}, false, err
		}
		return start.Add(d), allDay, nil
	}
	if allDay {
		return start.AddDate(0, 0, 1), true, nil
	}
	return start, false, nil
}

// Length is the distance between the start and the effective end.
func (e *Event) Length() (time.Duration, error) {
	start, err := e.StartTime()
	if err != nil {
		return 0, err
	}
	end, _, err := e.EndTime()
	if err != nil {
		return 0, err
	}
	return end.Sub(start), nil
}

// Document is a parsed calendar. It is never mutated once built.
type Document struct {
	SourceID string
	Events   []*Event
}

// Occurrence represents a single concrete instance of a recurring event.
// Event is borrowed from the document that produced it.
type Occurrence struct {
	Event *Event

	Start  time.Time
	End    time.Time
	AllDay bool

	// RecurrenceID is the slot an exception replaces; absent otherwise.
	RecurrenceID mo.Option[time.Time]
}

// InstanceKey uniquely identifies an occurrence within its series. An
// exception is keyed by the slot it replaces, not by its own start, so a
// moved instance never collides with the generated one it lands on.
func (o Occurrence) InstanceKey() string {
	at := o.RecurrenceID.OrElse(o.Start)
	return o.Event.UID + "/" + at.UTC().Format(time.RFC3339Nano)
}

// EventInput is the presentation-neutral view of an event or occurrence
// handed to UIs and exporters.
type EventInput struct {
	ID          string    `json:"id"`
	CalendarID  string    `json:"calendar_id"`
	UID         string    `json:"uid"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	HasEnd      bool      `json:"has_end"`
	Recurring   bool      `json:"recurring"`
	Location    string    `json:"location,omitempty"`
	Organizer   string    `json:"organizer,omitempty"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
}
