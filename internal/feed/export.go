package feed

import (
	"io"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/google/uuid"

	"calexpand/internal/model"
)

// ProductID is written as PRODID on exported calendars.
const ProductID = "-//calexpand//Expanded Calendar//EN"

// instanceNamespace seeds the name-based UIDs of exported instances.
var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://calexpand.invalid/instance"))

// InstanceUID is stable for a given item ID, so re-exporting the same
// range yields the same UIDs.
func InstanceUID(item model.EventInput) string {
	return uuid.NewSHA1(instanceNamespace, []byte(item.ID)).String()
}

// WriteICS writes items as a flat VCALENDAR with one VEVENT per item.
// Recurrence is already expanded, so no RRULE is emitted.
func WriteICS(w io.Writer, name string, items []model.EventInput, now time.Time) error {
	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, ProductID)
	if name != "" {
		cal.Props.SetText(goical.PropName, name)
	}

	stamp := now.UTC()
	for _, it := range items {
		vevent := goical.NewEvent()
		vevent.Props.SetText(goical.PropUID, InstanceUID(it))
		vevent.Props.SetDateTime(goical.PropDateTimeStamp, stamp)

		if it.AllDay {
			vevent.Props.Set(dateProp(goical.PropDateTimeStart, it.Start))
			vevent.Props.Set(dateProp(goical.PropDateTimeEnd, it.End))
		} else {
			vevent.Props.SetDateTime(goical.PropDateTimeStart, it.Start.UTC())
			if it.HasEnd {
				vevent.Props.SetDateTime(goical.PropDateTimeEnd, it.End.UTC())
			}
		}

		if it.Title != "" {
			vevent.Props.SetText(goical.PropSummary, it.Title)
		}
		if it.Location != "" {
			vevent.Props.SetText(goical.PropLocation, it.Location)
		}
		if it.Description != "" {
			vevent.Props.SetText(goical.PropDescription, it.Description)
		}
		if it.UID != "" {
			vevent.Props.SetText(goical.PropRelatedTo, it.UID)
		}

		cal.Children = append(cal.Children, vevent.Component)
	}

	return goical.NewEncoder(w).Encode(cal)
}

func dateProp(name string, t time.Time) *goical.Prop {
	p := goical.NewProp(name)
	p.SetDate(t)
	return p
}
