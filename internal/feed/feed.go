package feed

import (
	"fmt"
	"time"

	"github.com/samber/mo"

	"calexpand/internal/expander"
	appLog "calexpand/internal/log"
	"calexpand/internal/model"
)

// Pad widens a requested range on both sides before expanding. Display
// ranges are zone-agnostic while DATE values are floating, so an event on
// the edge day can sit a few hours outside the exact range.
const Pad = 24 * time.Hour

// Range is the span a UI asks for.
type Range struct {
	Start time.Time
	End   time.Time
}

// Padded returns r extended by Pad on each side.
func (r Range) Padded() Range {
	return Range{Start: r.Start.Add(-Pad), End: r.End.Add(Pad)}
}

// Expanded is the outcome of Expand.
type Expanded struct {
	Items     []model.EventInput
	Truncated []string
}

// Expand turns one calendar's index into EventInputs for r. The result
// may contain a few items just outside r; callers filter if they need an
// exact cut. Times are converted to loc when it is non-nil.
func Expand(calendarID string, idx *expander.Index, r Range, loc *time.Location) (Expanded, error) {
	p := r.Padded()
	res, err := idx.Between(mo.Some(p.Start), mo.Some(p.End))
	if err != nil {
		return Expanded{}, fmt.Errorf("expand %s: %w", calendarID, err)
	}

	items := FromResult(calendarID, res, loc)

	appLog.Debug("feed expanded",
		"calendar", calendarID,
		"events", len(res.Events),
		"occurrences", len(res.Occurrences),
		"truncated", len(res.Truncated),
	)
	return Expanded{Items: items, Truncated: res.Truncated}, nil
}

// FromResult maps every instance of res onto an EventInput, events first.
func FromResult(calendarID string, res expander.Result, loc *time.Location) []model.EventInput {
	instances := res.Instances()
	items := make([]model.EventInput, 0, len(instances))
	for _, occ := range instances {
		items = append(items, toInput(calendarID, occ, loc))
	}
	return items
}

func toInput(calendarID string, occ model.Occurrence, loc *time.Location) model.EventInput {
	ev := occ.Event
	start, end := occ.Start, occ.End
	if loc != nil && !occ.AllDay {
		start, end = start.In(loc), end.In(loc)
	}
	return model.EventInput{
		ID:          calendarID + ":" + occ.InstanceKey(),
		CalendarID:  calendarID,
		UID:         ev.UID,
		Title:       ev.Summary,
		Start:       start,
		End:         end,
		AllDay:      occ.AllDay,
		HasEnd:      ev.SpecifiesEnd(),
		Recurring:   ev.IsRecurring() || ev.IsRecurrenceException(),
		Location:    ev.Location,
		Organizer:   ev.Organizer,
		Description: ev.Description,
		URL:         ev.URL,
	}
}
