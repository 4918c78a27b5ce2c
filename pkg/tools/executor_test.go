package tools_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dispatchrt/tooldispatch/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDescriptor(id string) *tools.ToolDescriptor {
	return &tools.ToolDescriptor{
		ID:       id,
		Name:     "Echo",
		Version:  "1.0.0",
		Category: tools.CategoryData,
		InputSchema: &tools.ToolSchema{Type: "object"},
		ValidateFn: func(args map[string]interface{}) *tools.ValidationResult {
			return &tools.ValidationResult{Success: true}
		},
		ExecuteFn: func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (*tools.ExecutionResult, error) {
			return &tools.ExecutionResult{Success: true, Data: args["value"]}, nil
		},
	}
}

func newTestExecutor(t *testing.T) (*tools.Executor, *tools.Registry, *tools.MetricsSink) {
	t.Helper()
	registry := tools.NewRegistry(nil)
	breakers := tools.NewCircuitBreakerRegistry(tools.DefaultBreakerConfig(), nil)
	cache := tools.NewCache(100, nil)
	t.Cleanup(cache.Shutdown)
	limiter := tools.NewRateLimiter(tools.RateLimiterConfig{DefaultRequests: 1000, DefaultPeriod: time.Minute, SweepInterval: time.Hour, MaxKeys: 1000}, nil)
	t.Cleanup(limiter.Shutdown)
	metrics := tools.NewMetricsSink(time.Hour, nil)
	scanner := tools.NewDefaultSecurityScanner()

	executor := tools.NewExecutor(registry, breakers, cache, limiter, metrics, scanner, nil, tools.DefaultExecutorConfig())
	return executor, registry, metrics
}

func TestExecutor_ExecuteSuccess(t *testing.T) {
	executor, registry, metrics := newTestExecutor(t)
	require.NoError(t, registry.Register(echoDescriptor("echo")))

	result, err := executor.Execute(context.Background(), "echo", map[string]interface{}{"value": "hi"}, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hi", result.Data)
	assert.Equal(t, 1, result.Metadata.APICallsCount)

	stats, ok := metrics.ToolStats("echo")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.CallCount)
}

func TestExecutor_UnknownToolReturnsNotFound(t *testing.T) {
	executor, _, _ := newTestExecutor(t)

	_, err := executor.Execute(context.Background(), "missing", nil, nil, nil, nil)
	require.Error(t, err)
	var toolErr *tools.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, tools.CodeToolNotFound, toolErr.Code)
}

func TestExecutor_ValidationFailureShortCircuits(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	desc := echoDescriptor("echo")
	desc.ValidateFn = func(args map[string]interface{}) *tools.ValidationResult {
		return &tools.ValidationResult{Success: false, Errors: []tools.ValidationError{{Path: "value", Message: "required", Code: "REQUIRED"}}}
	}
	require.NoError(t, registry.Register(desc))

	_, err := executor.Execute(context.Background(), "echo", nil, nil, nil, nil)
	require.Error(t, err)
	var toolErr *tools.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, tools.CodeInvalidInput, toolErr.Code)
}

func TestExecutor_SecurityRejection(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	require.NoError(t, registry.Register(echoDescriptor("echo")))

	_, err := executor.Execute(context.Background(), "echo", map[string]interface{}{"value": "<script>bad()</script>"}, nil, nil, nil)
	require.Error(t, err)
	var toolErr *tools.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, tools.CodeSecurityRejected, toolErr.Code)
}

func TestExecutor_SkipSecurityBypassesScan(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	require.NoError(t, registry.Register(echoDescriptor("echo")))

	result, err := executor.Execute(context.Background(), "echo", map[string]interface{}{"value": "<script>bad()</script>"}, nil, nil, &tools.ExecuteOptions{SkipSecurity: true})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "<script>bad()</script>", result.Data)
}

func TestExecutor_CachesSuccessfulResults(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	calls := 0
	desc := echoDescriptor("echo")
	desc.CachePolicy = &tools.CachePolicy{Enabled: true, TTLSeconds: 60}
	desc.ExecuteFn = func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (*tools.ExecutionResult, error) {
		calls++
		return &tools.ExecutionResult{Success: true, Data: "computed"}, nil
	}
	require.NoError(t, registry.Register(desc))

	args := map[string]interface{}{"value": "x"}
	r1, err := executor.Execute(context.Background(), "echo", args, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, r1.Metadata.CacheHit)
	assert.Equal(t, 1, r1.Metadata.APICallsCount)

	r2, err := executor.Execute(context.Background(), "echo", args, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, r2.Metadata.CacheHit)
	assert.Equal(t, 0, r2.Metadata.APICallsCount)
	assert.Equal(t, 1, calls, "second call must be served from cache, not re-executed")
}

func TestExecutor_CacheKeyOverrideShapesCacheIdentity(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	calls := 0
	desc := echoDescriptor("echo")
	desc.CachePolicy = &tools.CachePolicy{Enabled: true, TTLSeconds: 60}
	desc.ExecuteFn = func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (*tools.ExecutionResult, error) {
		calls++
		return &tools.ExecutionResult{Success: true, Data: args["value"]}, nil
	}
	require.NoError(t, registry.Register(desc))

	_, err := executor.Execute(context.Background(), "echo", map[string]interface{}{"value": "a"}, nil, nil, &tools.ExecuteOptions{CacheKeyOverride: "shared"})
	require.NoError(t, err)

	r2, err := executor.Execute(context.Background(), "echo", map[string]interface{}{"value": "b"}, nil, nil, &tools.ExecuteOptions{CacheKeyOverride: "shared"})
	require.NoError(t, err)
	assert.True(t, r2.Metadata.CacheHit)
	assert.Equal(t, "a", r2.Data, "second call shares the override key, so it must hit the first call's cached value")
	assert.Equal(t, 1, calls)
}

func TestExecutor_SkipCacheBypassesLookupAndStore(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	calls := 0
	desc := echoDescriptor("echo")
	desc.CachePolicy = &tools.CachePolicy{Enabled: true, TTLSeconds: 60}
	desc.ExecuteFn = func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (*tools.ExecutionResult, error) {
		calls++
		return &tools.ExecutionResult{Success: true, Data: "computed"}, nil
	}
	require.NoError(t, registry.Register(desc))

	args := map[string]interface{}{"value": "x"}
	_, err := executor.Execute(context.Background(), "echo", args, nil, nil, &tools.ExecuteOptions{SkipCache: true})
	require.NoError(t, err)
	r2, err := executor.Execute(context.Background(), "echo", args, nil, nil, &tools.ExecuteOptions{SkipCache: true})
	require.NoError(t, err)

	assert.False(t, r2.Metadata.CacheHit)
	assert.Equal(t, 2, calls, "skip_cache must bypass both the lookup and the write-through")
}

func TestExecutor_PanicIsRecoveredAsInternalError(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	desc := echoDescriptor("panicky")
	desc.ExecuteFn = func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (*tools.ExecutionResult, error) {
		panic("boom")
	}
	require.NoError(t, registry.Register(desc))

	_, err := executor.Execute(context.Background(), "panicky", nil, nil, nil, nil)
	require.Error(t, err)
	var toolErr *tools.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, tools.CodeInternalError, toolErr.Code)
}

func TestExecutor_TimeoutProducesTimeoutError(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	desc := echoDescriptor("slow")
	desc.ExecuteFn = func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (*tools.ExecutionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	require.NoError(t, registry.Register(desc))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := executor.Execute(ctx, "slow", nil, nil, nil, nil)
	require.Error(t, err)
	var toolErr *tools.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, tools.CodeTimeout, toolErr.Code)
}

func TestExecutor_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	registry := tools.NewRegistry(nil)
	breakers := tools.NewCircuitBreakerRegistry(tools.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour, FailureWindow: time.Hour, MaxBreakers: 10}, nil)
	cache := tools.NewCache(10, nil)
	defer cache.Shutdown()
	limiter := tools.NewRateLimiter(tools.RateLimiterConfig{DefaultRequests: 1000, DefaultPeriod: time.Minute, SweepInterval: time.Hour, MaxKeys: 10}, nil)
	defer limiter.Shutdown()
	metrics := tools.NewMetricsSink(time.Hour, nil)
	executor := tools.NewExecutor(registry, breakers, cache, limiter, metrics, tools.NewDefaultSecurityScanner(), nil, tools.DefaultExecutorConfig())

	desc := echoDescriptor("failer")
	desc.ExecuteFn = func(ctx context.Context, args map[string]interface{}, config map[string]interface{}) (*tools.ExecutionResult, error) {
		return &tools.ExecutionResult{Success: false, Error: "boom"}, nil
	}
	require.NoError(t, registry.Register(desc))

	for i := 0; i < 2; i++ {
		_, _ = executor.Execute(context.Background(), "failer", nil, nil, nil, nil)
	}

	_, err := executor.Execute(context.Background(), "failer", nil, nil, nil, nil)
	require.Error(t, err)
	var toolErr *tools.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, tools.CodeCircuitOpen, toolErr.Code)
}

func TestExecutor_RateLimitScopedPerSubject(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	desc := echoDescriptor("limited")
	desc.RateLimit = &tools.RateLimitPolicy{Requests: 1, Period: time.Minute, Strategy: tools.RateLimitFixed}
	require.NoError(t, registry.Register(desc))

	alice := &tools.CallerContext{SubjectID: "alice"}
	bob := &tools.CallerContext{SubjectID: "bob"}

	_, err := executor.Execute(context.Background(), "limited", nil, nil, alice, nil)
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), "limited", nil, nil, alice, nil)
	require.Error(t, err)
	var toolErr *tools.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, tools.CodeRateLimitExceeded, toolErr.Code)

	_, err = executor.Execute(context.Background(), "limited", nil, nil, bob, nil)
	require.NoError(t, err, "a different subject must have its own budget")
}

func TestExecutor_SkipRateLimitBypassesAdmission(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	desc := echoDescriptor("limited")
	desc.RateLimit = &tools.RateLimitPolicy{Requests: 1, Period: time.Minute, Strategy: tools.RateLimitFixed}
	require.NoError(t, registry.Register(desc))

	caller := &tools.CallerContext{SubjectID: "alice"}
	_, err := executor.Execute(context.Background(), "limited", nil, nil, caller, nil)
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), "limited", nil, nil, caller, &tools.ExecuteOptions{SkipRateLimit: true})
	require.NoError(t, err)
}

func TestExecutor_ExecuteBatchPreservesOrder(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, registry.Register(echoDescriptor(id)))
	}

	calls := []tools.BatchCall{
		{ToolID: "c", Args: map[string]interface{}{"value": "3"}},
		{ToolID: "a", Args: map[string]interface{}{"value": "1"}},
		{ToolID: "b", Args: map[string]interface{}{"value": "2"}},
	}

	results := executor.ExecuteBatch(context.Background(), calls)
	require.Len(t, results, 3)
	assert.Equal(t, "3", results[0].Result.Data)
	assert.Equal(t, "1", results[1].Result.Data)
	assert.Equal(t, "2", results[2].Result.Data)
}

func TestExecutor_AsyncExecutionRequiresCapability(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	require.NoError(t, registry.Register(echoDescriptor("echo")))

	_, _, err := executor.ExecuteAsync(context.Background(), "echo", nil, nil, nil, nil)
	require.Error(t, err)
}

func TestExecutor_AsyncExecutionCompletes(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)
	desc := echoDescriptor("async-echo")
	desc.Capabilities.Async = true
	require.NoError(t, registry.Register(desc))

	jobID, results, err := executor.ExecuteAsync(context.Background(), "async-echo", map[string]interface{}{"value": "done"}, nil, nil, nil)
	require.NoError(t, err)

	select {
	case result := <-results:
		require.NotNil(t, result)
		assert.True(t, result.Success)
		assert.Equal(t, "done", result.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async result channel")
	}

	job, ok := executor.GetJob(jobID)
	require.True(t, ok)
	assert.Equal(t, tools.AsyncJobCompleted, job.Status)
	assert.Equal(t, "done", job.Result.Data)
}

func TestExecutor_RegisterFromManifest(t *testing.T) {
	executor, registry, _ := newTestExecutor(t)

	failures := executor.RegisterFromManifest([]tools.ManifestEntry{
		{Descriptor: echoDescriptor("z-tool")},
		{Descriptor: echoDescriptor("a-tool")},
	})
	assert.Empty(t, failures)
	assert.True(t, registry.Exists("z-tool"))
	assert.True(t, registry.Exists("a-tool"))
}
