package tools_test

import (
	"testing"
	"time"

	"github.com/dispatchrt/tooldispatch/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() tools.BreakerConfig {
	return tools.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     20 * time.Millisecond,
		FailureWindow:    time.Minute,
		MaxBreakers:      10,
	}
}

func TestCircuitBreaker_ClosedByDefault(t *testing.T) {
	reg := tools.NewCircuitBreakerRegistry(testBreakerConfig(), nil)
	assert.True(t, reg.AllowRequest("tool-a"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	reg := tools.NewCircuitBreakerRegistry(testBreakerConfig(), nil)

	for i := 0; i < 3; i++ {
		require.True(t, reg.AllowRequest("tool-a"))
		reg.RecordFailure("tool-a")
	}

	assert.False(t, reg.AllowRequest("tool-a"), "breaker should be OPEN after hitting the failure threshold")
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cfg := testBreakerConfig()
	reg := tools.NewCircuitBreakerRegistry(cfg, nil)

	for i := 0; i < cfg.FailureThreshold; i++ {
		reg.AllowRequest("tool-a")
		reg.RecordFailure("tool-a")
	}
	require.False(t, reg.AllowRequest("tool-a"))

	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)

	assert.True(t, reg.AllowRequest("tool-a"), "breaker should allow a single probe once reset_timeout elapses")
	assert.False(t, reg.AllowRequest("tool-a"), "only one probe may be in flight in HALF_OPEN")
}

func TestCircuitBreaker_ProbeSuccessCloses(t *testing.T) {
	cfg := testBreakerConfig()
	reg := tools.NewCircuitBreakerRegistry(cfg, nil)

	for i := 0; i < cfg.FailureThreshold; i++ {
		reg.AllowRequest("tool-a")
		reg.RecordFailure("tool-a")
	}
	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)
	require.True(t, reg.AllowRequest("tool-a"))

	reg.RecordSuccess("tool-a")
	assert.True(t, reg.AllowRequest("tool-a"), "a successful probe should close the breaker")
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cfg := testBreakerConfig()
	reg := tools.NewCircuitBreakerRegistry(cfg, nil)

	for i := 0; i < cfg.FailureThreshold; i++ {
		reg.AllowRequest("tool-a")
		reg.RecordFailure("tool-a")
	}
	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)
	require.True(t, reg.AllowRequest("tool-a"))

	reg.RecordFailure("tool-a")
	assert.False(t, reg.AllowRequest("tool-a"), "a failed probe should reopen the breaker")
}

func TestCircuitBreaker_FailuresOutsideWindowDontAccumulate(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureWindow = 30 * time.Millisecond
	reg := tools.NewCircuitBreakerRegistry(cfg, nil)

	reg.AllowRequest("tool-a")
	reg.RecordFailure("tool-a")
	reg.AllowRequest("tool-a")
	reg.RecordFailure("tool-a")

	time.Sleep(40 * time.Millisecond)

	reg.AllowRequest("tool-a")
	reg.RecordFailure("tool-a")

	assert.True(t, reg.AllowRequest("tool-a"), "stale failures outside the window must not count toward the threshold")
}

func TestCircuitBreaker_ResetAndResetAll(t *testing.T) {
	cfg := testBreakerConfig()
	reg := tools.NewCircuitBreakerRegistry(cfg, nil)

	for i := 0; i < cfg.FailureThreshold; i++ {
		reg.AllowRequest("tool-a")
		reg.RecordFailure("tool-a")
	}
	require.False(t, reg.AllowRequest("tool-a"))

	reg.Reset("tool-a")
	assert.True(t, reg.AllowRequest("tool-a"))

	for i := 0; i < cfg.FailureThreshold; i++ {
		reg.AllowRequest("tool-b")
		reg.RecordFailure("tool-b")
	}
	reg.ResetAll()
	assert.True(t, reg.AllowRequest("tool-b"))
}

func TestCircuitBreaker_EvictsOldestAtCapacity(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.MaxBreakers = 2
	reg := tools.NewCircuitBreakerRegistry(cfg, nil)

	reg.AllowRequest("tool-a")
	reg.AllowRequest("tool-b")
	reg.AllowRequest("tool-c")

	stats := reg.Stats()
	assert.LessOrEqual(t, len(stats), 2)
}
