package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	goical "github.com/emersion/go-ical"
	"github.com/samber/mo"

	appLog "calexpand/internal/log"
	"calexpand/internal/model"
)

var ErrEmptyBody = errors.New("empty ICS body")

const (
	layoutUTC      = "20060102T150405Z"
	layoutFloating = "20060102T150405"
	layoutDate     = "20060102"
)

// ParseOptions controls how date values without an explicit zone are
// interpreted.
type ParseOptions struct {
	// FloatingLocation is used for DATE values and DATE-TIME values with
	// neither TZID nor a trailing Z. If nil, time.Local is used.
	FloatingLocation *time.Location
}

func (o ParseOptions) floating() *time.Location {
	if o.FloatingLocation == nil {
		return time.Local
	}
	return o.FloatingLocation
}

// ParseDocument parses a single ICS payload into a model.Document.
//
//   - Dates honor TZID, UTC ("Z") and floating forms; VALUE=DATE or a value
//     without 'T' marks an all-day date.
//   - DTSTART/DTEND/RECURRENCE-ID that fail to resolve are kept as invalid
//     DateValues so that the expander decides what to do with them.
//   - EXDATE/RDATE parts that fail to resolve are logged and dropped.
//   - VEVENTs without a UID are logged and skipped.
func ParseDocument(src Source, body []byte, opts ParseOptions) (*model.Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyBody
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID)
		return nil, fmt.Errorf("parse calendar %s: %w", src.ID, err)
	}

	doc := &model.Document{SourceID: src.ID}
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, opts)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID)
			continue
		}
		doc.Events = append(doc.Events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "event_count", len(doc.Events))
	return doc, nil
}

func parseVEvent(src Source, ve *ical.VEvent, opts ParseOptions) (*model.Event, error) {
	out := &model.Event{SourceID: src.ID}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return nil, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Sequence = n
		}
	}

	out.Summary = textValue(ve, ical.ComponentPropertySummary)
	out.Description = textValue(ve, ical.ComponentPropertyDescription)
	out.Location = textValue(ve, ical.ComponentPropertyLocation)
	out.URL = textValue(ve, ical.ComponentPropertyUrl)
	out.Organizer = organizer(textValue(ve, ical.ComponentPropertyOrganizer))

	loc := opts.floating()

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		out.Start = parseDateProp(p, loc)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		out.End = parseDateProp(p, loc)
	}
	if p := ve.GetProperty("DURATION"); p != nil {
		raw := strings.TrimSpace(p.Value)
		d, err := parseDuration(raw)
		if err != nil {
			out.Duration = &model.Duration{Raw: raw, Value: mo.Err[time.Duration](err)}
		} else {
			out.Duration = &model.Duration{Raw: raw, Value: mo.Ok(d)}
		}
	}
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		out.RecurrenceID = parseDateProp(p, loc)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyRrule) {
		if v := strings.TrimSpace(p.Value); v != "" {
			out.RRules = append(out.RRules, v)
		}
	}
	out.RDates = parseDateList(out.UID, ve.GetProperties("RDATE"), loc)
	out.ExDates = parseDateList(out.UID, ve.GetProperties(ical.ComponentPropertyExdate), loc)

	return out, nil
}

func textValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

func organizer(v string) string {
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

func parseDuration(raw string) (time.Duration, error) {
	prop := goical.NewProp(goical.PropDuration)
	prop.Value = raw
	return prop.Duration()
}

// parseDateProp resolves a single DATE / DATE-TIME property.
func parseDateProp(p *ical.IANAProperty, floating *time.Location) *model.DateValue {
	raw := strings.TrimSpace(p.Value)
	allDay := isDateParam(p.ICalParameters) || !strings.Contains(raw, "T")
	loc := propLocation(p.ICalParameters, floating)

	t, err := parseICSTime(raw, allDay, loc)
	if err != nil {
		return &model.DateValue{Raw: raw, AllDay: allDay, Time: mo.Err[time.Time](err)}
	}
	return &model.DateValue{Raw: raw, AllDay: allDay, Time: mo.Ok(t)}
}

// parseDateList resolves comma-separated EXDATE / RDATE values. PERIOD
// values contribute their start.
func parseDateList(uid string, props []*ical.IANAProperty, floating *time.Location) []time.Time {
	var out []time.Time
	for _, p := range props {
		allDayParam := isDateParam(p.ICalParameters)
		loc := propLocation(p.ICalParameters, floating)

		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if i := strings.IndexByte(part, '/'); i >= 0 {
				part = part[:i]
			}
			t, err := parseICSTime(part, allDayParam || !strings.Contains(part, "T"), loc)
			if err != nil {
				appLog.Error("ics date list value dropped", err, "uid", uid, "property", p.IANAToken)
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

func isDateParam(params map[string][]string) bool {
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 {
		return strings.EqualFold(vs[0], "DATE")
	}
	return false
}

// propLocation resolves TZID, falling back to the floating location when
// the zone is unknown to the local tz database.
func propLocation(params map[string][]string, floating *time.Location) *time.Location {
	tzs, ok := params["TZID"]
	if !ok || len(tzs) == 0 || tzs[0] == "" {
		return floating
	}
	tz := strings.Trim(tzs[0], `"`)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		appLog.Debug("ics unknown TZID; treating as floating", "tzid", tz)
		return floating
	}
	return loc
}

// parseICSTime parses a DATE or DATE-TIME string. Failures wrap
// model.ErrInvalidDate.
func parseICSTime(v string, allDay bool, loc *time.Location) (time.Time, error) {
	var (
		t   time.Time
		err error
	)
	switch {
	case v == "":
		err = errors.New("empty time value")
	case allDay:
		t, err = time.ParseInLocation(layoutDate, v, loc)
	case strings.HasSuffix(v, "Z"):
		t, err = time.Parse(layoutUTC, v)
	default:
		t, err = time.ParseInLocation(layoutFloating, v, loc)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", model.ErrInvalidDate, v, err)
	}
	return t, nil
}
