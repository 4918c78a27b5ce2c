package tools_test

import (
	"testing"
	"time"

	"github.com/dispatchrt/tooldispatch/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AdmitsWithinBudget(t *testing.T) {
	rl := tools.NewRateLimiter(tools.RateLimiterConfig{
		DefaultRequests: 5,
		DefaultPeriod:   time.Second,
		SweepInterval:   time.Hour,
		MaxKeys:         100,
	}, nil)
	defer rl.Shutdown()

	policy := &tools.RateLimitPolicy{Requests: 2, Period: time.Minute}
	require.True(t, rl.CheckAndIncrement("tool-a", policy))
	require.True(t, rl.CheckAndIncrement("tool-a", policy))
}

func TestRateLimiter_DeniesOverBudget(t *testing.T) {
	rl := tools.NewRateLimiter(tools.RateLimiterConfig{
		DefaultRequests: 100,
		DefaultPeriod:   time.Minute,
		SweepInterval:   time.Hour,
		MaxKeys:         100,
	}, nil)
	defer rl.Shutdown()

	policy := &tools.RateLimitPolicy{Requests: 1, Period: time.Minute}
	require.True(t, rl.CheckAndIncrement("tool-a", policy))
	assert.False(t, rl.CheckAndIncrement("tool-a", policy), "second call within the same window must be denied")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := tools.NewRateLimiter(tools.DefaultRateLimiterConfig(), nil)
	defer rl.Shutdown()

	policy := &tools.RateLimitPolicy{Requests: 1, Period: time.Minute}
	require.True(t, rl.CheckAndIncrement("tool-a", policy))
	assert.True(t, rl.CheckAndIncrement("tool-b", policy), "distinct keys must have independent budgets")
}

func TestRateLimiter_RetryAfterPositiveWhenDenied(t *testing.T) {
	rl := tools.NewRateLimiter(tools.DefaultRateLimiterConfig(), nil)
	defer rl.Shutdown()

	policy := &tools.RateLimitPolicy{Requests: 1, Period: time.Minute}
	require.True(t, rl.CheckAndIncrement("tool-a", policy))
	require.False(t, rl.CheckAndIncrement("tool-a", policy))

	wait := rl.RetryAfter("tool-a", policy)
	assert.Greater(t, wait, time.Duration(0))
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := tools.NewRateLimiter(tools.DefaultRateLimiterConfig(), nil)
	defer rl.Shutdown()

	policy := &tools.RateLimitPolicy{Requests: 1, Period: time.Minute}
	require.True(t, rl.CheckAndIncrement("tool-a", policy))
	require.False(t, rl.CheckAndIncrement("tool-a", policy))

	rl.Reset()
	assert.True(t, rl.CheckAndIncrement("tool-a", policy), "Reset must clear all tracked keys")
}

func TestRateLimiter_FixedWindowResetsAtBoundary(t *testing.T) {
	rl := tools.NewRateLimiter(tools.DefaultRateLimiterConfig(), nil)
	defer rl.Shutdown()

	policy := &tools.RateLimitPolicy{Requests: 2, Period: 30 * time.Millisecond, Strategy: tools.RateLimitFixed}
	require.True(t, rl.CheckAndIncrement("fixed-tool", policy))
	require.True(t, rl.CheckAndIncrement("fixed-tool", policy))
	assert.False(t, rl.CheckAndIncrement("fixed-tool", policy), "third call within the window must be denied")

	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.CheckAndIncrement("fixed-tool", policy), "a new window must reopen the budget")
}

func TestRateLimiter_SlidingWindowEvictsExpiredHits(t *testing.T) {
	rl := tools.NewRateLimiter(tools.DefaultRateLimiterConfig(), nil)
	defer rl.Shutdown()

	policy := &tools.RateLimitPolicy{Requests: 1, Period: 30 * time.Millisecond, Strategy: tools.RateLimitSliding}
	require.True(t, rl.CheckAndIncrement("sliding-tool", policy))
	assert.False(t, rl.CheckAndIncrement("sliding-tool", policy), "second call inside the sliding window must be denied")

	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.CheckAndIncrement("sliding-tool", policy), "once the only hit ages out, budget must reopen")
}

func TestRateLimiter_StrategiesTrackIndependentState(t *testing.T) {
	rl := tools.NewRateLimiter(tools.DefaultRateLimiterConfig(), nil)
	defer rl.Shutdown()

	fixed := &tools.RateLimitPolicy{Requests: 1, Period: time.Minute, Strategy: tools.RateLimitFixed}
	sliding := &tools.RateLimitPolicy{Requests: 1, Period: time.Minute, Strategy: tools.RateLimitSliding}
	bucket := &tools.RateLimitPolicy{Requests: 1, Period: time.Minute, Strategy: tools.RateLimitTokenBucket}

	require.True(t, rl.CheckAndIncrement("fixed-key", fixed))
	require.True(t, rl.CheckAndIncrement("sliding-key", sliding))
	require.True(t, rl.CheckAndIncrement("bucket-key", bucket))

	assert.False(t, rl.CheckAndIncrement("fixed-key", fixed))
	assert.False(t, rl.CheckAndIncrement("sliding-key", sliding))
	assert.False(t, rl.CheckAndIncrement("bucket-key", bucket))
}
