// Package epoch tracks the discrete epoch boundaries the whole protocol is
// indexed by. The clock never reads the wall clock itself: callers pass the
// current time in, so expiry stays a pure predicate and tests can drive time
// explicitly.
package epoch

import (
	"errors"
	"fmt"
	"time"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrNoActiveEpoch       = errors.New("no active epoch")
	ErrEpochAlreadyExpired = errors.New("epoch already expired")
	ErrEpochAlreadyStarted = errors.New("epoch already started")
	ErrEpochFinished       = errors.New("epoch finished")
	ErrInvalidFrequency    = errors.New("epoch frequency must be positive")
)

// Clock holds the current and previous epoch boundary for a fixed roll
// frequency. It is mutated only by Advance, exactly once per roll.
type Clock struct {
	current   time.Time
	previous  time.Time
	frequency time.Duration
}

// NewClock creates a clock whose first boundary is the next multiple of
// frequency after now (UTC-aligned, the usual daily/weekly schedule).
func NewClock(frequency time.Duration, now time.Time) (*Clock, error) {
	if frequency <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFrequency, frequency)
	}
	current := now.Truncate(frequency).Add(frequency)
	return &Clock{
		current:   current,
		previous:  current.Add(-frequency),
		frequency: frequency,
	}, nil
}

// Current returns the active epoch's expiry boundary.
func (c *Clock) Current() time.Time { return c.current }

// Previous returns the prior boundary, i.e. the start of the active epoch.
func (c *Clock) Previous() time.Time { return c.previous }

// Frequency returns the configured epoch duration.
func (c *Clock) Frequency() time.Duration { return c.frequency }

// Expired reports whether the active epoch's boundary has passed.
func (c *Clock) Expired(now time.Time) bool {
	return !now.Before(c.current)
}

// TimeToNext returns the time remaining until the active epoch expires.
// Once the boundary has passed and the roll has not happened yet, the
// remaining time is undefined and the call fails.
func (c *Clock) TimeToNext(now time.Time) (time.Duration, error) {
	if c.current.IsZero() {
		return 0, ErrNoActiveEpoch
	}
	remaining := c.current.Sub(now)
	if remaining < 0 {
		return 0, fmt.Errorf("%w: boundary was %s", ErrEpochAlreadyExpired, c.current)
	}
	return remaining, nil
}

// TimeElapsed returns how far into the active epoch now is. Used by the
// pricing model's time decay; derived from the boundary on every call so it
// resets on every roll by construction.
func (c *Clock) TimeElapsed(now time.Time) time.Duration {
	elapsed := now.Sub(c.previous)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Advance rolls the clock to the next epoch: previous takes the old current
// boundary, current moves one frequency forward. If whole epochs were missed
// (no roll happened for a while) the boundary snaps to the next multiple of
// frequency that is not in the past.
func (c *Clock) Advance(now time.Time) error {
	if c.current.IsZero() {
		return ErrNoActiveEpoch
	}
	if now.Before(c.current) {
		return fmt.Errorf("%w: boundary %s not reached", ErrEpochAlreadyStarted, c.current)
	}
	c.previous = c.current
	c.current = c.current.Add(c.frequency)
	for c.current.Before(now) {
		c.current = c.current.Add(c.frequency)
	}
	return nil
}
