// Package feesched implements the decaying launch-fee schedule. A freshly
// created pool charges an elevated fee that decays linearly to the pool's
// base fee, suppressing toxic first-block flow without a background
// scheduler: every quote simply evaluates the schedule against the
// caller-supplied timestamp.
package feesched

import (
	"fmt"
	"time"
)

const (
	// MaxInitialBps bounds the launch fee (99%).
	MaxInitialBps uint64 = 9_900

	// MaxDuration bounds the decay window.
	MaxDuration = 24 * time.Hour
)

// Schedule is a pure mapping from elapsed time to a fee rate. The zero value
// disables decay: Current always returns the final fee.
type Schedule struct {
	InitialBps uint64
	Duration   time.Duration
}

// New validates and builds a Schedule.
func New(initialBps uint64, duration time.Duration) (Schedule, error) {
	if initialBps > MaxInitialBps {
		return Schedule{}, fmt.Errorf("feesched: initial fee %d bps exceeds max %d", initialBps, MaxInitialBps)
	}
	if duration < 0 || duration > MaxDuration {
		return Schedule{}, fmt.Errorf("feesched: duration %s outside [0, %s]", duration, MaxDuration)
	}
	return Schedule{InitialBps: initialBps, Duration: duration}, nil
}

// Current returns the fee in bps at time now for a schedule that started at
// start and decays to finalBps. It is monotonically non-increasing in now.
func (s Schedule) Current(finalBps uint64, start, now time.Time) uint64 {
	if s.Duration <= 0 || s.InitialBps <= finalBps {
		return finalBps
	}
	if !now.After(start) {
		return s.InitialBps
	}
	elapsed := now.Sub(start)
	if elapsed >= s.Duration {
		return finalBps
	}
	// Linear interpolation on millisecond resolution.
	span := s.InitialBps - finalBps
	decayed := span * uint64(elapsed.Milliseconds()) / uint64(s.Duration.Milliseconds())
	return s.InitialBps - decayed
}
