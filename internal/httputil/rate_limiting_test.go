package httputil

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitsTokenBucketEnforcesBurst(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitThrottled.Reset()

	limits := NewRateLimits(20, 2)
	defer limits.Stop()
	ctx := context.Background()

	require.NoError(t, limits.Wait(ctx, "event", "remote.example.org"))
	require.NoError(t, limits.Wait(ctx, "event", "remote.example.org"))

	start := time.Now()
	require.NoError(t, limits.Wait(ctx, "event", "remote.example.org"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.Equal(t, float64(2), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("event")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitThrottled.WithLabelValues("event")))
}

func TestRateLimitsAreIndependentPerServerAndKind(t *testing.T) {
	rateLimitAllowed.Reset()
	rateLimitThrottled.Reset()

	limits := NewRateLimits(0.001, 1)
	defer limits.Stop()
	ctx := context.Background()

	require.NoError(t, limits.Wait(ctx, "event", "a.example.org"))
	require.NoError(t, limits.Wait(ctx, "event", "b.example.org"))
	require.NoError(t, limits.Wait(ctx, "state_ids", "a.example.org"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, limits.Wait(cancelled, "event", "a.example.org"))

	require.Equal(t, float64(2), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("event")))
	require.Equal(t, float64(1), testutil.ToFloat64(rateLimitAllowed.WithLabelValues("state_ids")))
	require.Equal(t, 3, limits.size())
}

func TestRateLimitsExpireIdleEntries(t *testing.T) {
	limits := NewRateLimits(1000, 1)
	defer limits.Stop()
	require.NoError(t, limits.Wait(context.Background(), "event", "idle.example.org"))
	time.Sleep(5 * time.Millisecond)

	limits.expire(time.Now())
	assert.Equal(t, 0, limits.size())
}
