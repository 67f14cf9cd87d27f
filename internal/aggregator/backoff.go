package aggregator

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// backoffDelay computes the exponential delay before the given attempt
// (attempt >= 1), capped and jittered so synchronized clients spread out.
func backoffDelay(attempt int) time.Duration {
	d := float64(initialBackoff) * math.Pow(backoffFactor, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d + d*jitterFraction*rand.Float64())
}

// parseRetryAfter reads a Retry-After value in either seconds or HTTP-date
// form. Unparseable or past values yield zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
