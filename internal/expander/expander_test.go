package expander

import (
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calexpand/internal/model"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func timed(uid string, start time.Time, length time.Duration) *model.Event {
	ev := &model.Event{UID: uid, Summary: uid, Start: model.NewDate(start, false)}
	if length > 0 {
		ev.End = model.NewDate(start.Add(length), false)
	}
	return ev
}

func allDay(uid string, day time.Time, days int) *model.Event {
	return &model.Event{
		UID:     uid,
		Summary: uid,
		Start:   model.NewDate(day, true),
		End:     model.NewDate(day.AddDate(0, 0, days), true),
	}
}

func daily(uid string, start time.Time, rule string) *model.Event {
	ev := timed(uid, start, 0)
	ev.RRules = []string{rule}
	return ev
}

func newIndex(t *testing.T, events []*model.Event, opts ...Option) *Index {
	t.Helper()
	idx, err := New(&model.Document{SourceID: "test", Events: events}, opts...)
	require.NoError(t, err)
	return idx
}

func bounds(after, before time.Time) (mo.Option[time.Time], mo.Option[time.Time]) {
	return mo.Some(after), mo.Some(before)
}

func starts(occs []model.Occurrence) []time.Time {
	out := make([]time.Time, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.Start)
	}
	return out
}

func TestBetween_ExdateRemovesInstance(t *testing.T) {
	series := daily("A", utc(2024, 1, 1, 9, 0), "FREQ=DAILY")
	series.ExDates = []time.Time{utc(2024, 1, 3, 9, 0)}
	idx := newIndex(t, []*model.Event{series})

	res, err := idx.Between(bounds(utc(2024, 1, 1, 0, 0), utc(2024, 1, 5, 23, 59)))
	require.NoError(t, err)

	assert.Empty(t, res.Events)
	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 2, 9, 0),
		utc(2024, 1, 4, 9, 0),
		utc(2024, 1, 5, 9, 0),
	}, starts(res.Occurrences))
	assert.Empty(t, res.Truncated)
}

func TestBetween_ExceptionReplacesInstance(t *testing.T) {
	series := daily("A", utc(2024, 1, 1, 9, 0), "FREQ=DAILY")
	series.ExDates = []time.Time{utc(2024, 1, 3, 9, 0)}

	moved := timed("A", utc(2024, 1, 2, 15, 0), time.Hour)
	moved.Summary = "Moved"
	moved.RecurrenceID = model.NewDate(utc(2024, 1, 2, 9, 0), false)

	idx := newIndex(t, []*model.Event{series, moved})

	res, err := idx.Between(bounds(utc(2024, 1, 1, 0, 0), utc(2024, 1, 5, 23, 59)))
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.Same(t, moved, res.Events[0])
	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 4, 9, 0),
		utc(2024, 1, 5, 9, 0),
	}, starts(res.Occurrences))
}

func TestBetween_ExceptionWinsOverExdate(t *testing.T) {
	series := daily("A", utc(2024, 1, 1, 9, 0), "FREQ=DAILY;COUNT=3")
	series.ExDates = []time.Time{utc(2024, 1, 2, 9, 0)}

	moved := timed("A", utc(2024, 1, 2, 11, 0), time.Hour)
	moved.RecurrenceID = model.NewDate(utc(2024, 1, 2, 9, 0), false)

	res, err := newIndex(t, []*model.Event{moved, series}).All()
	require.NoError(t, err)

	assert.Equal(t, []*model.Event{moved}, res.Events)
	assert.Equal(t, []time.Time{utc(2024, 1, 1, 9, 0), utc(2024, 1, 3, 9, 0)}, starts(res.Occurrences))
}

func TestBetween_OrphanExceptionIsNotEmitted(t *testing.T) {
	orphan := timed("B", utc(2024, 1, 2, 15, 0), time.Hour)
	orphan.RecurrenceID = model.NewDate(utc(2024, 1, 2, 9, 0), false)

	res, err := newIndex(t, []*model.Event{orphan}).All()
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Empty(t, res.Occurrences)
}

func TestBetween_MaxIterations(t *testing.T) {
	series := daily("A", utc(2024, 1, 1, 9, 0), "FREQ=DAILY")

	t.Run("cap limits an endless rule", func(t *testing.T) {
		idx := newIndex(t, []*model.Event{series}, WithMaxIterations(5))
		res, err := idx.All()
		require.NoError(t, err)
		assert.Len(t, res.Occurrences, 5)
		assert.Equal(t, []string{"A"}, res.Truncated)
	})

	t.Run("cap applies regardless of window", func(t *testing.T) {
		idx := newIndex(t, []*model.Event{series}, WithMaxIterations(5))
		res, err := idx.Between(bounds(utc(2024, 1, 3, 0, 0), utc(2030, 1, 1, 0, 0)))
		require.NoError(t, err)
		assert.Len(t, res.Occurrences, 3)

		res, err = idx.AfterTime(utc(2025, 1, 1, 0, 0))
		require.NoError(t, err)
		assert.Empty(t, res.Occurrences)
	})

	t.Run("rule ending exactly at the cap is not truncated", func(t *testing.T) {
		counted := daily("B", utc(2024, 1, 1, 9, 0), "FREQ=DAILY;COUNT=5")
		idx := newIndex(t, []*model.Event{counted}, WithMaxIterations(5))
		res, err := idx.All()
		require.NoError(t, err)
		assert.Len(t, res.Occurrences, 5)
		assert.Empty(t, res.Truncated)
	})

	t.Run("window ending at the cap is not truncated", func(t *testing.T) {
		idx := newIndex(t, []*model.Event{series}, WithMaxIterations(5))
		res, err := idx.BeforeTime(utc(2024, 1, 5, 12, 0))
		require.NoError(t, err)
		assert.Len(t, res.Occurrences, 5)
		assert.Empty(t, res.Truncated)
	})

	t.Run("zero means unbounded", func(t *testing.T) {
		idx := newIndex(t, []*model.Event{series}, WithMaxIterations(0))
		res, err := idx.BeforeTime(utc(2024, 3, 1, 0, 0))
		require.NoError(t, err)
		// January and February 2024.
		assert.Len(t, res.Occurrences, 60)
		assert.Empty(t, res.Truncated)
	})

	t.Run("default is 1000", func(t *testing.T) {
		idx := newIndex(t, []*model.Event{series})
		assert.Equal(t, DefaultMaxIterations, idx.MaxIterations())
		res, err := idx.All()
		require.NoError(t, err)
		assert.Len(t, res.Occurrences, 1000)
	})

	t.Run("negative is rejected", func(t *testing.T) {
		_, err := New(&model.Document{}, WithMaxIterations(-1))
		assert.ErrorIs(t, err, ErrNegativeMaxIterations)
	})
}

func TestBetween_AllDay(t *testing.T) {
	day := utc(2024, 2, 10, 0, 0)
	ev := allDay("holiday", day, 1)
	idx := newIndex(t, []*model.Event{ev})

	tests := []struct {
		name   string
		after  time.Time
		before time.Time
		want   bool
	}{
		{"exactly that day", day, day.AddDate(0, 0, 1), true},
		{"single instant at midnight", day, day, true},
		{"last nanosecond of the day", day.Add(24*time.Hour - time.Nanosecond), day.AddDate(0, 0, 2), true},
		{"next day does not see it", day.AddDate(0, 0, 1), day.AddDate(0, 0, 2), false},
		{"previous day does not see it", day.AddDate(0, 0, -1), day.Add(-time.Nanosecond), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := idx.Between(bounds(tt.after, tt.before))
			require.NoError(t, err)
			if tt.want {
				assert.Equal(t, []*model.Event{ev}, res.Events)
			} else {
				assert.Empty(t, res.Events)
			}
		})
	}
}

func TestBetween_AllDaySeries(t *testing.T) {
	ev := allDay("standup-day", utc(2024, 1, 1, 0, 0), 1)
	ev.RRules = []string{"FREQ=DAILY"}
	idx := newIndex(t, []*model.Event{ev})

	res, err := idx.Between(bounds(utc(2024, 1, 3, 12, 0), utc(2024, 1, 3, 13, 0)))
	require.NoError(t, err)

	require.Len(t, res.Occurrences, 1)
	occ := res.Occurrences[0]
	assert.Equal(t, utc(2024, 1, 3, 0, 0), occ.Start)
	assert.Equal(t, utc(2024, 1, 4, 0, 0), occ.End)
	assert.True(t, occ.AllDay)
}

func TestBetween_TimedIntersection(t *testing.T) {
	ev := timed("meeting", utc(2024, 5, 1, 10, 0), time.Hour)
	idx := newIndex(t, []*model.Event{ev})

	res, err := idx.Between(bounds(utc(2024, 5, 1, 11, 0), utc(2024, 5, 1, 12, 0)))
	require.NoError(t, err)
	assert.Len(t, res.Events, 1, "end is inclusive")

	res, err = idx.Between(bounds(utc(2024, 5, 1, 9, 0), utc(2024, 5, 1, 10, 0)))
	require.NoError(t, err)
	assert.Len(t, res.Events, 1, "start is inclusive")

	res, err = idx.Between(bounds(utc(2024, 5, 1, 11, 1), utc(2024, 5, 1, 12, 0)))
	require.NoError(t, err)
	assert.Empty(t, res.Events)

	res, err = idx.AfterTime(utc(2024, 5, 1, 10, 30))
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)

	res, err = idx.BeforeTime(utc(2024, 5, 1, 9, 59))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
}

func TestBetween_OccurrenceOverlappingWindowStart(t *testing.T) {
	series := timed("A", utc(2024, 1, 1, 9, 0), time.Hour)
	series.RRules = []string{"FREQ=DAILY"}
	idx := newIndex(t, []*model.Event{series})

	res, err := idx.Between(bounds(utc(2024, 1, 3, 9, 30), utc(2024, 1, 3, 23, 0)))
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 1)
	assert.Equal(t, utc(2024, 1, 3, 9, 0), res.Occurrences[0].Start)
	assert.Equal(t, utc(2024, 1, 3, 10, 0), res.Occurrences[0].End)
}

func TestBetween_RecurrenceDates(t *testing.T) {
	series := daily("A", utc(2024, 1, 1, 9, 0), "FREQ=DAILY;COUNT=2")
	series.RDates = []time.Time{utc(2024, 1, 10, 9, 0)}

	res, err := newIndex(t, []*model.Event{series}).All()
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 2, 9, 0),
		utc(2024, 1, 10, 9, 0),
	}, starts(res.Occurrences))
}

func TestBetween_KeepsWallClockAcrossDST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	series := &model.Event{
		UID:    "ny",
		Start:  model.NewDate(time.Date(2024, 3, 9, 9, 0, 0, 0, ny), false),
		End:    model.NewDate(time.Date(2024, 3, 9, 10, 0, 0, 0, ny), false),
		RRules: []string{"FREQ=DAILY;COUNT=3"},
	}
	res, err := newIndex(t, []*model.Event{series}).All()
	require.NoError(t, err)

	require.Len(t, res.Occurrences, 3)
	for _, occ := range res.Occurrences {
		assert.Equal(t, 9, occ.Start.In(ny).Hour())
		assert.Equal(t, time.Hour, occ.End.Sub(occ.Start))
	}
}

func TestBetween_DocumentOrder(t *testing.T) {
	first := timed("first", utc(2024, 1, 2, 8, 0), time.Hour)
	series := daily("series", utc(2024, 1, 1, 9, 0), "FREQ=DAILY;COUNT=3")
	moved := timed("series", utc(2024, 1, 2, 18, 0), time.Hour)
	moved.RecurrenceID = model.NewDate(utc(2024, 1, 2, 9, 0), false)
	last := timed("last", utc(2024, 1, 1, 7, 0), time.Hour)

	res, err := newIndex(t, []*model.Event{first, series, moved, last}).All()
	require.NoError(t, err)

	assert.Equal(t, []*model.Event{first, moved, last}, res.Events)

	sorted := res.Sorted()
	require.Len(t, sorted, 5)
	assert.Equal(t, []time.Time{
		utc(2024, 1, 1, 7, 0),
		utc(2024, 1, 1, 9, 0),
		utc(2024, 1, 2, 8, 0),
		utc(2024, 1, 2, 18, 0),
		utc(2024, 1, 3, 9, 0),
	}, starts(sorted))
}

func TestBetween_AllIsSuperset(t *testing.T) {
	series := timed("A", utc(2024, 1, 1, 9, 0), 30*time.Minute)
	series.RRules = []string{"FREQ=WEEKLY;COUNT=20"}
	events := []*model.Event{
		series,
		timed("B", utc(2024, 2, 1, 12, 0), time.Hour),
		allDay("C", utc(2024, 3, 1, 0, 0), 2),
	}
	idx := newIndex(t, events)

	all, err := idx.All()
	require.NoError(t, err)

	allEvents := map[*model.Event]bool{}
	for _, ev := range all.Events {
		allEvents[ev] = true
	}
	allKeys := map[string]bool{}
	for _, occ := range all.Occurrences {
		allKeys[occ.InstanceKey()] = true
	}

	windows := [][2]time.Time{
		{utc(2024, 1, 10, 0, 0), utc(2024, 2, 10, 0, 0)},
		{utc(2024, 2, 29, 0, 0), utc(2024, 3, 1, 0, 0)},
		{utc(2023, 1, 1, 0, 0), utc(2025, 1, 1, 0, 0)},
	}
	for _, w := range windows {
		res, err := idx.Between(bounds(w[0], w[1]))
		require.NoError(t, err)
		for _, ev := range res.Events {
			assert.True(t, allEvents[ev])
		}
		for _, occ := range res.Occurrences {
			assert.True(t, allKeys[occ.InstanceKey()])
			assert.False(t, occ.End.Before(w[0]))
			assert.False(t, occ.Start.After(w[1]))
		}
	}
}

func TestBetween_InvalidDates(t *testing.T) {
	good := timed("good", utc(2024, 1, 1, 9, 0), time.Hour)
	bad := &model.Event{UID: "bad", Start: model.InvalidDate("20241399T250000", model.ErrInvalidDate)}
	badEnd := timed("bad-end", utc(2024, 1, 1, 9, 0), 0)
	badEnd.End = model.InvalidDate("nope", model.ErrInvalidDate)

	t.Run("reported when not skipping", func(t *testing.T) {
		idx := newIndex(t, []*model.Event{good, bad})
		_, err := idx.All()
		require.Error(t, err)

		var derr *DateError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, "bad", derr.UID)
		assert.Equal(t, "DTSTART", derr.Field)
		assert.ErrorIs(t, err, model.ErrInvalidDate)
	})

	t.Run("dropped when skipping", func(t *testing.T) {
		idx := newIndex(t, []*model.Event{good, bad, badEnd}, WithSkipInvalidDates(true))
		assert.Equal(t, 1, idx.Len())

		res, err := idx.All()
		require.NoError(t, err)
		assert.Equal(t, []*model.Event{good}, res.Events)
	})

	t.Run("invalid rule", func(t *testing.T) {
		series := daily("weird", utc(2024, 1, 1, 9, 0), "FREQ=SOMETIMES")

		_, err := newIndex(t, []*model.Event{series}).All()
		assert.ErrorIs(t, err, ErrInvalidRule)

		res, err := newIndex(t, []*model.Event{series, good}, WithSkipInvalidDates(true)).All()
		require.NoError(t, err)
		assert.Equal(t, []*model.Event{good}, res.Events)
	})

	t.Run("invalid recurrence id", func(t *testing.T) {
		series := daily("A", utc(2024, 1, 1, 9, 0), "FREQ=DAILY;COUNT=2")
		ov := timed("A", utc(2024, 1, 1, 10, 0), time.Hour)
		ov.RecurrenceID = model.InvalidDate("x", model.ErrInvalidDate)

		_, err := newIndex(t, []*model.Event{series, ov}).All()
		var derr *DateError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, "RECURRENCE-ID", derr.Field)

		res, err := newIndex(t, []*model.Event{series, ov}, WithSkipInvalidDates(true)).All()
		require.NoError(t, err)
		assert.Len(t, res.Occurrences, 2)
	})
}

func TestStartDate(t *testing.T) {
	fixed := utc(2030, 6, 1, 0, 0)
	clock := func() time.Time { return fixed }

	t.Run("minimum resolvable start", func(t *testing.T) {
		idx := newIndex(t, []*model.Event{
			timed("late", utc(2024, 5, 1, 9, 0), time.Hour),
			{UID: "broken", Start: model.InvalidDate("x", model.ErrInvalidDate)},
			{UID: "no-start"},
			timed("early", utc(2023, 11, 5, 9, 0), time.Hour),
		}, WithClock(clock))
		assert.Equal(t, utc(2023, 11, 5, 9, 0), idx.StartDate())
	})

	t.Run("falls back to the clock", func(t *testing.T) {
		idx := newIndex(t, nil, WithClock(clock))
		assert.Equal(t, fixed, idx.StartDate())
	})

	t.Run("empty document is now", func(t *testing.T) {
		idx, err := New(nil)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), idx.StartDate(), time.Second)
	})
}

func TestBetween_EmptyWindowIsNotAnError(t *testing.T) {
	idx := newIndex(t, []*model.Event{timed("A", utc(2024, 1, 1, 9, 0), time.Hour)})
	res, err := idx.Between(bounds(utc(2020, 1, 1, 0, 0), utc(2020, 1, 2, 0, 0)))
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Empty(t, res.Occurrences)
}

func TestBetween_Concurrent(t *testing.T) {
	series := daily("A", utc(2024, 1, 1, 9, 0), "FREQ=DAILY")
	series.ExDates = []time.Time{utc(2024, 1, 3, 9, 0)}
	idx := newIndex(t, []*model.Event{series, timed("B", utc(2024, 1, 2, 9, 0), time.Hour)})

	want, err := idx.Between(bounds(utc(2024, 1, 1, 0, 0), utc(2024, 2, 1, 0, 0)))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := idx.Between(bounds(utc(2024, 1, 1, 0, 0), utc(2024, 2, 1, 0, 0)))
			assert.NoError(t, err)
			assert.Equal(t, starts(want.Occurrences), starts(got.Occurrences))
			assert.Equal(t, want.Events, got.Events)
		}()
	}
	wg.Wait()
}
