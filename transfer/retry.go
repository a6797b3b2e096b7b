package transfer

import (
	"math"
	"time"
)

// RetryStrategy decides how long a scheduled job waits before its next
// attempt. The attempt index starts at 0 and increments after each failure.
type RetryStrategy interface {
	Delay(attempt int, err error) time.Duration
}

// NoDelay retries immediately.
type NoDelay struct{}

func (NoDelay) Delay(int, error) time.Duration { return 0 }

// ExponentialBackoff grows the wait by Factor each attempt, capped at Max.
//
//	ExponentialBackoff{Base: 100 * time.Millisecond, Factor: 2, Max: 5 * time.Second}
type ExponentialBackoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoff) Delay(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if e.Max > 0 && time.Duration(delay) > e.Max {
		return e.Max
	}
	return time.Duration(delay)
}
