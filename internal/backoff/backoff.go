// Package backoff computes bounded exponential retry delays. The policy is a
// pure function of the attempt number; jitter, when wanted, is layered on by
// the caller so persisted schedules stay deterministic.
package backoff

import (
	"math"
	"time"
)

// Policy holds the externally configured retry constants.
type Policy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// Delay returns the wait before the next try after `attempt` completed
// attempts (1-indexed): min(base * factor^attempt, cap). Attempts below one
// are treated as one. The result is non-decreasing in attempt and never
// exceeds the cap.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	raw := float64(p.Base) * math.Pow(factor, float64(attempt))
	if p.Cap > 0 && (raw > float64(p.Cap) || math.IsInf(raw, 1)) {
		return p.Cap
	}
	return time.Duration(raw)
}

// NextRetryAt applies the policy relative to now.
func (p Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
