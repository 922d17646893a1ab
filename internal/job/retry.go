package job

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/waterwatch/cnemc-harvester/internal/scraper"
)

// RetryPolicy bounds how often and how long a transient fetch failure is
// retried. Delays grow exponentially from Initial up to Max, with half-width
// jitter so parallel runs do not hammer the portal in lockstep.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// ShouldRetry reports whether err is worth another attempt. Structural page
// changes and the caller's own context ending never are; a stalled render or
// slow portal surfaces as scraper.ErrTimeout and stays retryable.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, scraper.ErrStructural) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Delay returns the backoff before the given attempt (1-based, so attempt 2
// is the first retry). The jittered result lies in [base/2, base].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	base := initial
	for i := 2; i < attempt; i++ {
		base *= 2
		if p.Max > 0 && base >= p.Max {
			base = p.Max
			break
		}
	}
	if p.Max > 0 && base > p.Max {
		base = p.Max
	}
	half := base / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
