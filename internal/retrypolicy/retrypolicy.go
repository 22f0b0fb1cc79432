// Package retrypolicy computes jittered exponential retry delays.
package retrypolicy

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Delay returns the wait before retry number attempt (1-based).
func Delay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 || d > max {
		d = max
	}
	return d
}
