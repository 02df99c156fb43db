package halfs

import (
	"os"
	"strconv"
	"time"
)

// Clock is the time capability an Engine is built against (spec.md §5,
// §9), so CTime/MTime stamping is deterministic under test.
type Clock interface {
	Now() time.Time
}

// realClock returns time.Now().UTC(), honoring SOURCE_DATE_EPOCH (a Unix
// timestamp env var used for reproducible builds) when set and valid, so
// fixture devices built in tests get stable timestamps.
type realClock struct{}

// NewRealClock returns the production Clock.
func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time {
	if epoch := os.Getenv("SOURCE_DATE_EPOCH"); epoch != "" {
		if secs, err := strconv.ParseInt(epoch, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	return time.Now().UTC()
}

// StepClock is a deterministic Clock for tests: each call to Now advances
// by Step from Current and returns the new value.
type StepClock struct {
	Current time.Time
	Step    time.Duration
}

// NewStepClock returns a StepClock starting at start, advancing by step on
// every call to Now.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{Current: start, Step: step}
}

func (c *StepClock) Now() time.Time {
	c.Current = c.Current.Add(c.Step)
	return c.Current
}
