package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityScanner is the pipeline's security-scan step (§4.4): a check run
// after schema validation and before any admission control, independent of
// a tool's own ValidateFn.
type SecurityScanner interface {
	Scan(toolID string, args map[string]interface{}) *ValidationResult
}

// CallerContext is the resolved caller identity a transport passes
// alongside tool_id/args per the inbound dispatch contract (§6):
// {subject_id?, subject_tier?, declared_rate_limit?, permissions[]}. The
// transport is responsible for authentication; the executor only uses
// SubjectID to scope rate limiting and metrics. A nil CallerContext, or one
// with an empty SubjectID, is treated as the "anonymous" subject.
type CallerContext struct {
	SubjectID         string
	SubjectTier       string
	DeclaredRateLimit int
	Permissions       []string
}

func (c *CallerContext) subjectID() string {
	if c == nil || c.SubjectID == "" {
		return "anonymous"
	}
	return c.SubjectID
}

// ExecuteOptions are the per-call admission overrides named in §4.2: skip
// the cache lookup, override the computed cache key, skip rate limiting, or
// skip the security scan. A nil *ExecuteOptions behaves like the zero
// value (no overrides).
type ExecuteOptions struct {
	SkipCache        bool
	CacheKeyOverride string
	SkipRateLimit    bool
	SkipSecurity     bool
}

// ExecutorConfig holds the knobs that are not per-tool (those live on the
// ToolDescriptor itself).
type ExecutorConfig struct {
	// DefaultTimeout bounds a single execute() call when the caller's ctx
	// has no deadline.
	DefaultTimeout time.Duration

	// BatchConcurrency bounds how many calls ExecuteBatch runs in parallel.
	BatchConcurrency int
}

// DefaultExecutorConfig returns a 30s default timeout and 8-way batch
// concurrency.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout:   30 * time.Second,
		BatchConcurrency: 8,
	}
}

// Executor runs the 12-step dispatch pipeline (§4.2) over a Registry:
// before-hook, validate, security-scan, breaker-gate, rate-limit,
// cache-get, execute, breaker-record, cache-put, metrics, after-hook,
// error-path. It owns no tool-specific state; every dependency it needs
// (breakers, cache, rate limiter, metrics) is injected so callers can
// substitute fakes in tests.
type Executor struct {
	registry *Registry
	breakers *CircuitBreakerRegistry
	cache    *Cache
	limiter  *RateLimiter
	metrics  *MetricsSink
	security SecurityScanner
	clock    Clock
	logger   *zap.Logger
	cfg      ExecutorConfig

	batchSem chan struct{}

	jobsMu sync.Mutex
	jobs   map[string]*AsyncJob
}

// NewExecutor wires the pipeline's stages together.
func NewExecutor(
	registry *Registry,
	breakers *CircuitBreakerRegistry,
	cache *Cache,
	limiter *RateLimiter,
	metrics *MetricsSink,
	security SecurityScanner,
	logger *zap.Logger,
	cfg ExecutorConfig,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	return &Executor{
		registry: registry,
		breakers: breakers,
		cache:    cache,
		limiter:  limiter,
		metrics:  metrics,
		security: security,
		clock:    RealClock,
		logger:   logger,
		cfg:      cfg,
		batchSem: make(chan struct{}, cfg.BatchConcurrency),
		jobs:     make(map[string]*AsyncJob),
	}
}

// SetClock overrides the executor's time source. Intended for tests.
func (e *Executor) SetClock(c Clock) { e.clock = c }

// Execute runs the full pipeline for a single call against toolID on
// behalf of caller, honoring opts's admission overrides. caller and opts
// may both be nil.
func (e *Executor) Execute(ctx context.Context, toolID string, args map[string]interface{}, config map[string]interface{}, caller *CallerContext, opts *ExecuteOptions) (*ExecutionResult, error) {
	if opts == nil {
		opts = &ExecuteOptions{}
	}
	subjectID := caller.subjectID()

	desc, ok := e.registry.Get(toolID)
	if !ok {
		return nil, NewToolError(ErrorTypeValidation, CodeToolNotFound, fmt.Sprintf("tool %q is not registered", toolID)).WithToolID(toolID)
	}

	start := e.clock.Now()

	// Step 1: before-hook.
	if desc.Before != nil {
		rewritten, err := desc.Before(args)
		if err != nil {
			return e.fail(desc, start, false, subjectID, NewToolError(ErrorTypeValidation, CodeHookFailed, err.Error()).WithToolID(toolID))
		}
		args = rewritten
	}

	// Step 2: validate.
	if desc.ValidateFn != nil {
		result := desc.ValidateFn(args)
		if result != nil && !result.Success {
			return e.fail(desc, start, false, subjectID, NewInvalidInputError(toolID, result.Errors))
		}
		if result != nil && result.Data != nil {
			args = result.Data
		}
	}

	// Step 3: security-scan, unless the caller opted out.
	if !opts.SkipSecurity && e.security != nil {
		result := e.security.Scan(toolID, args)
		if result != nil && !result.Success {
			return e.fail(desc, start, false, subjectID, NewSecurityRejectedError(toolID, result.Errors))
		}
	}

	// Step 4: breaker-gate.
	if e.breakers != nil && !e.breakers.AllowRequest(toolID) {
		return e.fail(desc, start, false, subjectID, NewCircuitOpenError(toolID, 0))
	}

	// Step 5: rate-limit, keyed by (subject_id ?? "anonymous", descriptor.id),
	// unless the caller opted out or the descriptor declares no rate_limit.
	limiterKey := rateLimiterKey(subjectID, toolID)
	if !opts.SkipRateLimit && e.limiter != nil && desc.RateLimit != nil {
		if !e.limiter.CheckAndIncrement(limiterKey, desc.RateLimit) {
			retryAfter := e.limiter.RetryAfter(limiterKey, desc.RateLimit)
			return e.fail(desc, start, false, subjectID, NewRateLimitedError(toolID, retryAfter))
		}
	}

	// Step 6: cache-get, unless the caller opted out.
	cacheKey := ""
	if !opts.SkipCache && e.cache != nil && desc.CachePolicy != nil && desc.CachePolicy.Enabled {
		cacheKey = opts.CacheKeyOverride
		if cacheKey == "" {
			cacheKey = cacheKeyFor(desc, args)
		}
		if cached, hit := e.cache.Get(ctx, cacheKey); hit {
			if result, ok := cached.(*ExecutionResult); ok {
				result = cloneExecutionResult(result)
				if result.Metadata == nil {
					result.Metadata = &ExecutionMetadata{}
				}
				result.Metadata.CacheHit = true
				result.Metadata.APICallsCount = 0
				result.Metadata.ExecutionTimeMs = e.clock.Now().Sub(start).Milliseconds()
				return e.finish(desc, start, true, subjectID, result)
			}
		}
	}

	// Step 7: execute.
	result, execErr := e.runExecute(ctx, desc, args, config)

	// Step 8: breaker-record.
	if e.breakers != nil {
		if execErr != nil || (result != nil && !result.Success) {
			e.breakers.RecordFailure(toolID)
		} else {
			e.breakers.RecordSuccess(toolID)
		}
	}

	if execErr != nil {
		return e.fail(desc, start, false, subjectID, execErr)
	}
	if result == nil {
		result = &ExecutionResult{Success: true}
	}
	if result.Metadata == nil {
		result.Metadata = &ExecutionMetadata{}
	}
	result.Metadata.ExecutionTimeMs = e.clock.Now().Sub(start).Milliseconds()
	result.Metadata.APICallsCount = 1

	// Step 9: cache-put (only successful results are cached, exactly once).
	if cacheKey != "" && result.Success {
		_ = e.cache.Set(ctx, cacheKey, cloneExecutionResult(result), desc.CachePolicy.TTLSeconds)
	}

	return e.finish(desc, start, false, subjectID, result)
}

func rateLimiterKey(subjectID, toolID string) string {
	return fmt.Sprintf("subject:%s:tool:%s", subjectID, toolID)
}

// runExecute invokes the descriptor's ExecuteFn under the configured
// timeout, recovering from panics the way the pipeline's error-path step
// requires: a panicking tool must produce an InternalError, never crash
// the caller's goroutine.
func (e *Executor) runExecute(ctx context.Context, desc *ToolDescriptor, args, config map[string]interface{}) (result *ExecutionResult, err error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DefaultTimeout)
		defer cancel()
	}

	type outcome struct {
		result *ExecutionResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", zap.String("tool_id", desc.ID), zap.Any("panic", r))
				done <- outcome{nil, NewInternalError(desc.ID, fmt.Errorf("%v", r))}
			}
		}()
		res, execErr := desc.ExecuteFn(ctx, args, config)
		if execErr != nil {
			done <- outcome{nil, NewToolExecutionError(desc.ID, execErr.Error())}
			return
		}
		done <- outcome{res, nil}
	}()

	select {
	case o := <-done:
		// A tool that returns ctx.Err() as soon as the deadline passes can
		// win the race against the ctx.Done() branch; report it as a timeout.
		if te, ok := o.err.(*ToolError); ok && te.Code == CodeExecutionFailed && ctx.Err() == context.DeadlineExceeded {
			return nil, NewTimeoutError(desc.ID)
		}
		return o.result, o.err
	case <-ctx.Done():
		return nil, NewTimeoutError(desc.ID)
	}
}

// fail runs the pipeline's error path: best-effort on-error notification,
// metrics tracking, then returns the error unchanged to the caller.
func (e *Executor) fail(desc *ToolDescriptor, start time.Time, cacheHit bool, subjectID string, err error) (*ExecutionResult, error) {
	if desc.OnError != nil {
		func() {
			defer func() { _ = recover() }()
			desc.OnError(err, nil)
		}()
	}

	if e.metrics != nil {
		code := ""
		if te, ok := err.(*ToolError); ok {
			code = te.Code
		}
		e.metrics.Track(ExecutionRecord{
			ToolID:     desc.ID,
			SubjectID:  subjectID,
			Success:    false,
			ErrorCode:  code,
			DurationMs: e.clock.Now().Sub(start).Milliseconds(),
			CacheHit:   cacheHit,
			Timestamp:  e.clock.Now(),
		})
	}

	return nil, err
}

// finish runs the pipeline's successful tail: after-hook, then metrics.
func (e *Executor) finish(desc *ToolDescriptor, start time.Time, cacheHit bool, subjectID string, result *ExecutionResult) (*ExecutionResult, error) {
	// Step 11: after-hook.
	if desc.After != nil {
		rewritten, err := desc.After(result)
		if err != nil {
			return e.fail(desc, start, cacheHit, subjectID, NewToolError(ErrorTypeExecution, CodeHookFailed, err.Error()).WithToolID(desc.ID))
		}
		result = rewritten
	}

	// Step 10: metrics.
	if e.metrics != nil {
		apiCalls := 0
		var cost *float64
		if result.Metadata != nil {
			apiCalls = result.Metadata.APICallsCount
			cost = result.Metadata.Cost
		}
		e.metrics.Track(ExecutionRecord{
			ToolID:        desc.ID,
			SubjectID:     subjectID,
			Success:       result.Success,
			DurationMs:    result.Metadata.ExecutionTimeMs,
			CacheHit:      cacheHit,
			APICallsCount: apiCalls,
			CostEstimate:  cost,
			Timestamp:     e.clock.Now(),
		})
	}

	return result, nil
}

func cacheKeyFor(desc *ToolDescriptor, args map[string]interface{}) string {
	if desc.CachePolicy.KeyFn != nil {
		return desc.CachePolicy.KeyFn(args)
	}
	payload, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(desc.ID+":"), payload...))
	return hex.EncodeToString(sum[:])
}

func cloneExecutionResult(r *ExecutionResult) *ExecutionResult {
	clone := *r
	if r.Metadata != nil {
		meta := *r.Metadata
		clone.Metadata = &meta
	}
	return &clone
}

// BatchCall is one request within an ExecuteBatch invocation.
type BatchCall struct {
	ToolID  string
	Args    map[string]interface{}
	Config  map[string]interface{}
	Caller  *CallerContext
	Options *ExecuteOptions
}

// BatchResult pairs a call's outcome with its original index, so callers
// can match results back to requests regardless of completion order.
type BatchResult struct {
	Index  int
	Result *ExecutionResult
	Err    error
}

// ExecuteBatch runs every call concurrently, bounded by
// ExecutorConfig.BatchConcurrency, and returns results in the same order
// the calls were given (P7/P8: batch order is preserved regardless of
// completion order).
func (e *Executor) ExecuteBatch(ctx context.Context, calls []BatchCall) []BatchResult {
	out := make([]BatchResult, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))

	for i, call := range calls {
		i, call := i, call
		e.batchSem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-e.batchSem }()
			result, err := e.Execute(ctx, call.ToolID, call.Args, call.Config, call.Caller, call.Options)
			out[i] = BatchResult{Index: i, Result: result, Err: err}
		}()
	}

	wg.Wait()
	return out
}

// AsyncJobStatus is the lifecycle state of a job submitted via ExecuteAsync.
type AsyncJobStatus string

const (
	AsyncJobPending   AsyncJobStatus = "pending"
	AsyncJobRunning   AsyncJobStatus = "running"
	AsyncJobCompleted AsyncJobStatus = "completed"
	AsyncJobFailed    AsyncJobStatus = "failed"
)

// AsyncJob is the pollable record behind a submitted async execution.
type AsyncJob struct {
	ID          string
	ToolID      string
	Status      AsyncJobStatus
	Result      *ExecutionResult
	Err         string
	SubmittedAt time.Time
	CompletedAt time.Time
}

func (j *AsyncJob) snapshot() *AsyncJob {
	clone := *j
	return &clone
}

// ExecuteAsync submits a call for background execution and returns
// immediately with a job id and a result channel that receives exactly one
// *ExecutionResult when the job finishes (a pipeline-level error, e.g.
// validation or security rejection, is reported as a non-success result
// with Error set, the same shape a synchronous caller sees for a failed
// tool). Callers that would rather poll than block on the channel can
// ignore it and call GetJob instead — both paths observe the same job
// record. Only descriptors declaring Capabilities.Async may be submitted
// this way.
func (e *Executor) ExecuteAsync(ctx context.Context, toolID string, args, config map[string]interface{}, caller *CallerContext, opts *ExecuteOptions) (string, <-chan *ExecutionResult, error) {
	desc, ok := e.registry.Get(toolID)
	if !ok {
		return "", nil, NewToolError(ErrorTypeValidation, CodeToolNotFound, fmt.Sprintf("tool %q is not registered", toolID)).WithToolID(toolID)
	}
	if !desc.Capabilities.Async {
		return "", nil, NewToolError(ErrorTypeValidation, CodeInvalidInput, "tool does not declare async capability").WithToolID(toolID)
	}

	jobID := uuid.NewString()
	job := &AsyncJob{
		ID:          jobID,
		ToolID:      toolID,
		Status:      AsyncJobPending,
		SubmittedAt: e.clock.Now(),
	}

	e.jobsMu.Lock()
	e.jobs[jobID] = job
	e.jobsMu.Unlock()

	results := make(chan *ExecutionResult, 1)

	go func() {
		defer close(results)
		e.setJobStatus(jobID, AsyncJobRunning, nil, "")

		// Background work outlives the caller's ctx; only an explicitly
		// canceled detached context should stop it early.
		bgCtx := context.Background()
		result, err := e.Execute(bgCtx, toolID, args, config, caller, opts)
		if err != nil {
			e.setJobStatus(jobID, AsyncJobFailed, nil, err.Error())
			results <- &ExecutionResult{Success: false, Error: err.Error()}
			return
		}
		e.setJobStatus(jobID, AsyncJobCompleted, result, "")
		results <- result
	}()

	return jobID, results, nil
}

func (e *Executor) setJobStatus(jobID string, status AsyncJobStatus, result *ExecutionResult, errMsg string) {
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return
	}
	job.Status = status
	job.Result = result
	job.Err = errMsg
	if status == AsyncJobCompleted || status == AsyncJobFailed {
		job.CompletedAt = e.clock.Now()
	}
}

// GetJob returns a snapshot of a submitted async job, or (nil, false) if
// the id is unknown.
func (e *Executor) GetJob(jobID string) (*AsyncJob, bool) {
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.snapshot(), true
}

// PruneJobs drops completed/failed jobs older than olderThan, bounding the
// job table's memory growth.
func (e *Executor) PruneJobs(olderThan time.Duration) int {
	cutoff := e.clock.Now().Add(-olderThan)
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()

	pruned := 0
	for id, job := range e.jobs {
		if (job.Status == AsyncJobCompleted || job.Status == AsyncJobFailed) && job.CompletedAt.Before(cutoff) {
			delete(e.jobs, id)
			pruned++
		}
	}
	return pruned
}

// ExecuteStream runs a streaming-capable tool's StreamFn, applying the
// same before-hook/validate/security-scan/breaker-gate/rate-limit
// admission checks as Execute (honoring the same caller/opts overrides)
// but skipping cache and after-hook (a stream has no single result to
// cache or rewrite).
func (e *Executor) ExecuteStream(ctx context.Context, toolID string, args, config map[string]interface{}, caller *CallerContext, opts *ExecuteOptions) (<-chan *StreamChunk, error) {
	if opts == nil {
		opts = &ExecuteOptions{}
	}
	subjectID := caller.subjectID()

	desc, ok := e.registry.Get(toolID)
	if !ok {
		return nil, NewToolError(ErrorTypeValidation, CodeToolNotFound, fmt.Sprintf("tool %q is not registered", toolID)).WithToolID(toolID)
	}
	if !desc.Capabilities.Streaming || desc.StreamFn == nil {
		return nil, ErrStreamingNotSupported
	}

	if desc.Before != nil {
		rewritten, err := desc.Before(args)
		if err != nil {
			return nil, NewToolError(ErrorTypeValidation, CodeHookFailed, err.Error()).WithToolID(toolID)
		}
		args = rewritten
	}
	if desc.ValidateFn != nil {
		if result := desc.ValidateFn(args); result != nil && !result.Success {
			return nil, NewInvalidInputError(toolID, result.Errors)
		}
	}
	if !opts.SkipSecurity && e.security != nil {
		if result := e.security.Scan(toolID, args); result != nil && !result.Success {
			return nil, NewSecurityRejectedError(toolID, result.Errors)
		}
	}
	if e.breakers != nil && !e.breakers.AllowRequest(toolID) {
		return nil, NewCircuitOpenError(toolID, 0)
	}
	if !opts.SkipRateLimit && e.limiter != nil && desc.RateLimit != nil {
		limiterKey := rateLimiterKey(subjectID, toolID)
		if !e.limiter.CheckAndIncrement(limiterKey, desc.RateLimit) {
			return nil, NewRateLimitedError(toolID, e.limiter.RetryAfter(limiterKey, desc.RateLimit))
		}
	}

	chunks, err := desc.StreamFn(ctx, args, config)
	if err != nil {
		if e.breakers != nil {
			e.breakers.RecordFailure(toolID)
		}
		return nil, NewToolExecutionError(toolID, err.Error())
	}
	if e.breakers != nil {
		e.breakers.RecordSuccess(toolID)
	}
	return chunks, nil
}

// ManifestEntry wraps a fully-formed, caller-constructed descriptor (with
// its own ExecuteFn) for bulk registration. This is distinct from
// Registry.LoadManifest, which parses a JSON/YAML document of metadata-only
// remote-tool descriptions; ManifestEntry is for programmatic callers that
// already have real descriptors (e.g. a process registering its own
// built-ins in bulk at startup).
type ManifestEntry struct {
	Descriptor *ToolDescriptor
}

// RegisterFromManifest bulk-registers descriptors, returning the ids that
// failed to register alongside their errors rather than aborting the
// whole batch. The result is a map keyed by id, so it has no order.
func (e *Executor) RegisterFromManifest(entries []ManifestEntry) map[string]error {
	failures := make(map[string]error)

	byID := make(map[string]*ToolDescriptor, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		byID[entry.Descriptor.ID] = entry.Descriptor
		ids = append(ids, entry.Descriptor.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := e.registry.Register(byID[id]); err != nil {
			failures[id] = err
		}
	}
	return failures
}
