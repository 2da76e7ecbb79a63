package queue

import (
	"math/rand"
	"time"
)

// maxRetryDelay caps the exponential growth of redelivery delays.
const maxRetryDelay = 5 * time.Minute

// RetryDelay computes the delay before redelivering a job that has failed
// attempt times: exponential in the attempt count with full jitter of one
// base interval.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20 // avoid shift overflow
	}
	delay := base * (1 << attempt)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	return delay + jitter
}
