package reliability

import (
	"math"
	"time"
)

// DelayFunc maps a retry attempt number to the wait before that attempt.
// Any backoff curve used for retries must have this shape.
type DelayFunc func(attempt int) time.Duration

// MaxDelay is the longest delay a DelayFunc in this package returns
const MaxDelay = time.Duration(maxDelayMillis) * time.Millisecond

const maxDelayMillis = math.MaxInt64 / int64(time.Millisecond)

// ExponentialBackoff returns (attempt²/4 + 1) seconds, computed in whole
// milliseconds as 250·attempt² + 1000. Negative attempts count as zero and
// attempts whose delay would not fit in a Duration get MaxDelay.
//
//	attempt 0 -> 1s, 1 -> 1.25s, 2 -> 2s, 10 -> 26s, 100 -> ~41.7m
func ExponentialBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	a := int64(attempt)
	if a > 0 && a > (maxDelayMillis-1000)/250/a {
		return MaxDelay
	}
	return time.Duration(a*a*250+1000) * time.Millisecond
}

// ConstantDelay returns a DelayFunc that always yields d
func ConstantDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration {
		return d
	}
}

// CumulativeDelay sums fn over the attempts from..to inclusive, saturating
// at the largest Duration
func CumulativeDelay(fn DelayFunc, from, to int) time.Duration {
	var total time.Duration
	for a := from; a <= to; a++ {
		d := fn(a)
		if d > 0 && total > math.MaxInt64-d {
			return math.MaxInt64
		}
		total += d
	}
	return total
}
