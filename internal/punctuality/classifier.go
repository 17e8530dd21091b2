// Package punctuality classifies stop delays and keeps intra-cycle
// running statistics per (route, stop).
package punctuality

import "fmt"

// Status is the punctuality classification of one delay observation.
type Status string

const (
	StatusEarly    Status = "early"
	StatusOnTime   Status = "on_time"
	StatusLate     Status = "late"
	StatusVeryLate Status = "very_late"
)

// Thresholds are the classification boundaries in seconds. They must be
// strictly ordered: early < on_time < very_late.
type Thresholds struct {
	EarlySeconds    int
	OnTimeSeconds   int
	VeryLateSeconds int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		EarlySeconds:    60,
		OnTimeSeconds:   120,
		VeryLateSeconds: 300,
	}
}

func (t Thresholds) Validate() error {
	if t.EarlySeconds <= 0 || t.OnTimeSeconds <= 0 || t.VeryLateSeconds <= 0 {
		return fmt.Errorf("thresholds must be positive: %+v", t)
	}
	if !(t.EarlySeconds < t.OnTimeSeconds && t.OnTimeSeconds < t.VeryLateSeconds) {
		return fmt.Errorf("thresholds must satisfy early < on_time < very_late: %+v", t)
	}
	return nil
}

// Classify maps a signed delay in seconds to exactly one status. The
// branch order is load-bearing: the early check runs first on the signed
// value, then the on-time check on the absolute value. Because the
// on-time threshold is larger than the early threshold, the two regions
// overlap and the early branch wins inside the overlap.
func Classify(delaySeconds int, t Thresholds) Status {
	switch {
	case delaySeconds < -t.EarlySeconds:
		return StatusEarly
	case abs(delaySeconds) <= t.OnTimeSeconds:
		return StatusOnTime
	case delaySeconds <= t.VeryLateSeconds:
		return StatusLate
	default:
		return StatusVeryLate
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
