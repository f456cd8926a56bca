// Package retry implements the jittered exponential backoff shared by
// the connection manager's reconnect loop and the writer's batch
// retry loop.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/hausdata/ingestd/internal/config"
)

// minDelay is the floor applied to every computed delay regardless of
// how small base_delay or the jitter roll makes it.
const minDelay = 100 * time.Millisecond

// Delay computes the backoff delay for attempt n (1-based):
// min(max_delay, base_delay * multiplier^(n-1)) * (1 + U(-jitter, +jitter)),
// floored at 100ms.
func Delay(cfg config.BackoffConfig, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	raw := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(n-1))
	capped := math.Min(raw, float64(cfg.MaxDelay))

	jitterFrac := 1.0
	if cfg.Jitter > 0 {
		jitterFrac = 1.0 + (rand.Float64()*2-1)*cfg.Jitter
	}

	d := time.Duration(capped * jitterFrac)
	if d < minDelay {
		d = minDelay
	}
	return d
}

// ExhaustedRetries reports whether attempt n has exceeded cfg's
// MaxRetries. A MaxRetries of -1 or 0 means unlimited retries.
func ExhaustedRetries(cfg config.BackoffConfig, n int) bool {
	if cfg.MaxRetries <= 0 {
		return false
	}
	return n > cfg.MaxRetries
}

// Sleep blocks for d or until ch is closed/receives, whichever comes
// first, returning false if interrupted.
func Sleep(stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
