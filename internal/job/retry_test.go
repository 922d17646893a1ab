package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waterwatch/cnemc-harvester/internal/scraper"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: time.Second}
	transient := errors.New("net::ERR_TIMED_OUT")
	timedOut := fmt.Errorf("publish api page 1: %w", scraper.ErrTimeout)

	require.True(t, policy.ShouldRetry(transient, 1))
	require.True(t, policy.ShouldRetry(transient, 2))
	require.False(t, policy.ShouldRetry(transient, 3))
	require.True(t, policy.ShouldRetry(timedOut, 1))
	require.True(t, policy.ShouldRetry(timedOut, 2))
	require.False(t, policy.ShouldRetry(nil, 1))
	require.False(t, policy.ShouldRetry(scraper.ErrStructural, 1))
	// the caller's own context ending is the only deadline that stops retries
	require.False(t, policy.ShouldRetry(context.Canceled, 1))
	require.False(t, policy.ShouldRetry(context.DeadlineExceeded, 1))
}

func TestRetryPolicyDelayBounds(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 5, Initial: 100 * time.Millisecond, Max: time.Second}

	// the jittered delay sits in [base/2, base] where base doubles per
	// attempt up to the ceiling
	for attempt, base := range map[int]time.Duration{
		2: 100 * time.Millisecond,
		3: 200 * time.Millisecond,
		4: 400 * time.Millisecond,
		5: 800 * time.Millisecond,
		6: time.Second,
		9: time.Second,
	} {
		for i := 0; i < 50; i++ {
			d := policy.Delay(attempt)
			require.GreaterOrEqual(t, d, base/2, "attempt %d", attempt)
			require.LessOrEqual(t, d, base, "attempt %d", attempt)
		}
	}
}

func TestRetryPolicyDelayDefaultsInitial(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 2}
	d := policy.Delay(2)
	require.GreaterOrEqual(t, d, 500*time.Millisecond)
	require.LessOrEqual(t, d, time.Second)
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
