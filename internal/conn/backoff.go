package conn

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential delays with jitter. Shared by reconnection
// and by the dispatcher's send retries.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before attempt n (0-based). Delays are
// non-decreasing until they hit Max, plus up to half a Base of jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	d := time.Duration(math.Min(
		float64(b.Base)*math.Pow(2, float64(attempt)),
		float64(b.Max),
	))
	jitter := time.Duration(rand.Int63n(int64(b.Base)/2 + 1))
	if d+jitter > b.Max {
		return b.Max
	}
	return d + jitter
}

// Exhausted reports whether attempt n (0-based) is past the bound.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
