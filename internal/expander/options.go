package expander

import (
	"errors"
	"time"
)

const (
	// DefaultMaxIterations bounds how many instants are pulled from a single
	// recurrence set per Between call when no explicit cap is given.
	DefaultMaxIterations = 1000
)

var ErrNegativeMaxIterations = errors.New("expander: max iterations must not be negative")

type options struct {
	maxIterations    int
	skipInvalidDates bool
	now              func() time.Time
}

// Option configures an Index.
type Option func(*options)

// WithMaxIterations caps the instants pulled per recurring event per call.
// Zero means unbounded; callers then rely on the window's upper bound or on
// COUNT/UNTIL in the rule to terminate iteration.
func WithMaxIterations(n int) Option {
	return func(o *options) {
		o.maxIterations = n
	}
}

// WithSkipInvalidDates drops events whose DTSTART, DTEND/DURATION,
// RECURRENCE-ID or RRULE cannot be resolved, instead of reporting them
// from Between.
func WithSkipInvalidDates(skip bool) Option {
	return func(o *options) {
		o.skipInvalidDates = skip
	}
}

// WithClock replaces time.Now for the StartDate fallback.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) (options, error) {
	o := options{
		maxIterations: DefaultMaxIterations,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxIterations < 0 {
		return o, ErrNegativeMaxIterations
	}
	return o, nil
}
