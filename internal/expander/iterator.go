package expander

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var ErrInvalidRule = errors.New("invalid recurrence rule")

// parseRules turns the raw RRULE values of a series into rule options
// anchored at start. The options are kept instead of *rrule.RRule so that
// every Between call can build its own iterator state.
func parseRules(raw []string, start time.Time) ([]rrule.ROption, error) {
	out := make([]rrule.ROption, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimPrefix(strings.TrimSpace(r), "RRULE:")
		opt, err := rrule.StrToROptionInLocation(r, start.Location())
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, r, err)
		}
		opt.Dtstart = start
		if _, err := rrule.NewRRule(*opt); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidRule, r, err)
		}
		out = append(out, *opt)
	}
	return out, nil
}

// instantIterator yields the start instants of a recurrence set in
// ascending order, without duplicates.
type instantIterator struct {
	next    func() (time.Time, bool)
	last    time.Time
	started bool
}

// newInstantIterator builds fresh iterator state over RRULE ∪ RDATE ∪ {DTSTART}.
func newInstantIterator(start time.Time, rules []rrule.ROption, rdates []time.Time) (*instantIterator, error) {
	var set rrule.Set
	for _, opt := range rules {
		r, err := rrule.NewRRule(opt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		set.RRule(r)
	}

	extra := make([]time.Time, 0, len(rdates)+1)
	extra = append(extra, start)
	extra = append(extra, rdates...)
	sort.Slice(extra, func(i, j int) bool { return extra[i].Before(extra[j]) })
	for _, t := range extra {
		set.RDate(t)
	}

	return &instantIterator{next: set.Iterator()}, nil
}

func (it *instantIterator) Next() (time.Time, bool) {
	for {
		t, ok := it.next()
		if !ok {
			return time.Time{}, false
		}
		if it.started && !t.After(it.last) {
			continue
		}
		it.started = true
		it.last = t
		return t, true
	}
}
