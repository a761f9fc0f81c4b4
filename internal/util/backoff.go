package util

import (
	"math/rand"
	"time"
)

// MaxBackoff caps the delay returned by Backoff.
const MaxBackoff = 30 * time.Second

// Backoff returns an exponential delay for the given zero-based attempt with
// ±25% jitter, capped at MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt && delay < MaxBackoff; i++ {
		delay *= 2
	}
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	jitter := time.Duration(float64(delay) * 0.25 * (rand.Float64()*2 - 1))
	delay += jitter
	if delay > MaxBackoff {
		delay = MaxBackoff
	}
	return delay
}
