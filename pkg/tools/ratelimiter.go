package tools

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiterConfig holds the defaults a RateLimiter falls back to when a
// tool descriptor carries no RateLimitPolicy of its own.
type RateLimiterConfig struct {
	DefaultRequests int
	DefaultPeriod   time.Duration
	SweepInterval   time.Duration
	MaxKeys         int
}

// DefaultRateLimiterConfig returns a permissive default: 100 req/minute,
// swept every 60s, bounded to 10000 distinct keys.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		DefaultRequests: 100,
		DefaultPeriod:   time.Minute,
		SweepInterval:   60 * time.Second,
		MaxKeys:         10000,
	}
}

// limiterEntry holds exactly one of the three strategy states, selected by
// the policy that created it. Only one of bucket/fixed/sliding is non-nil.
type limiterEntry struct {
	strategy RateLimitStrategy
	lastSeen time.Time

	bucket *rate.Limiter

	fixedWindowStart time.Time
	fixedCount       int
	fixedRequests    int
	fixedPeriod      time.Duration

	slidingHits   []time.Time
	slidingLimit  int
	slidingPeriod time.Duration
}

// RateLimiter implements the keyed check_and_increment admission contract
// of §4.5 over three selectable strategies (a tool's RateLimitPolicy.Strategy
// picks one; the zero value behaves like token-bucket): fixed window, sliding
// window, and token-bucket. Token-bucket is backed by golang.org/x/time/rate
// (already a teacher dependency); fixed/sliding are small counters, since the
// spec's admission contract for those two is just "count within a window",
// not a smoothing algorithm that would benefit from a library.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimiterConfig
	keys    map[string]*limiterEntry
	logger  *zap.Logger
	stop    chan struct{}
	stopped sync.Once
}

// NewRateLimiter constructs a RateLimiter and starts its idle-key sweeper.
func NewRateLimiter(cfg RateLimiterConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultRequests <= 0 {
		cfg.DefaultRequests = 100
	}
	if cfg.DefaultPeriod <= 0 {
		cfg.DefaultPeriod = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}

	rl := &RateLimiter{
		cfg:    cfg,
		keys:   make(map[string]*limiterEntry),
		logger: logger,
		stop:   make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *RateLimiter) entryFor(key string, policy *RateLimitPolicy) *limiterEntry {
	requests := rl.cfg.DefaultRequests
	period := rl.cfg.DefaultPeriod
	strategy := RateLimitTokenBucket
	if policy != nil && policy.Requests > 0 && policy.Period > 0 {
		requests = policy.Requests
		period = policy.Period
		if policy.Strategy != "" {
			strategy = policy.Strategy
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.keys[key]
	if !ok {
		if len(rl.keys) >= rl.cfg.MaxKeys && rl.cfg.MaxKeys > 0 {
			rl.evictOldestLocked()
		}
		entry = rl.newEntryLocked(strategy, requests, period)
		rl.keys[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry
}

func (rl *RateLimiter) newEntryLocked(strategy RateLimitStrategy, requests int, period time.Duration) *limiterEntry {
	entry := &limiterEntry{strategy: strategy, lastSeen: time.Now()}
	switch strategy {
	case RateLimitFixed:
		entry.fixedWindowStart = time.Now()
		entry.fixedRequests = requests
		entry.fixedPeriod = period
	case RateLimitSliding:
		entry.slidingLimit = requests
		entry.slidingPeriod = period
	default:
		every := period / time.Duration(requests)
		entry.bucket = rate.NewLimiter(rate.Every(every), requests)
	}
	return entry
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range rl.keys {
		if oldestKey == "" || e.lastSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.lastSeen
		}
	}
	if oldestKey != "" {
		delete(rl.keys, oldestKey)
	}
}

// CheckAndIncrement reports whether a call keyed by key is admitted under
// policy (nil falls back to the limiter's configured defaults), consuming one unit of
// budget if so (I-RL1: admission and consumption are atomic per key).
func (rl *RateLimiter) CheckAndIncrement(key string, policy *RateLimitPolicy) bool {
	entry := rl.entryFor(key, policy)

	switch entry.strategy {
	case RateLimitFixed:
		return rl.checkFixed(entry)
	case RateLimitSliding:
		return rl.checkSliding(entry)
	default:
		return entry.bucket.Allow()
	}
}

func (rl *RateLimiter) checkFixed(entry *limiterEntry) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(entry.fixedWindowStart) >= entry.fixedPeriod {
		entry.fixedWindowStart = now
		entry.fixedCount = 0
	}
	if entry.fixedCount >= entry.fixedRequests {
		return false
	}
	entry.fixedCount++
	return true
}

func (rl *RateLimiter) checkSliding(entry *limiterEntry) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-entry.slidingPeriod)

	kept := entry.slidingHits[:0]
	for _, t := range entry.slidingHits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.slidingHits = kept

	if len(entry.slidingHits) >= entry.slidingLimit {
		return false
	}
	entry.slidingHits = append(entry.slidingHits, now)
	return true
}

// RetryAfter estimates how long the caller should wait before retrying a
// denied key, per §7's rate_limited error carrying a retry_after hint.
func (rl *RateLimiter) RetryAfter(key string, policy *RateLimitPolicy) time.Duration {
	entry := rl.entryFor(key, policy)

	switch entry.strategy {
	case RateLimitFixed:
		rl.mu.Lock()
		defer rl.mu.Unlock()
		remaining := entry.fixedPeriod - time.Since(entry.fixedWindowStart)
		if remaining < 0 {
			return 0
		}
		return remaining
	case RateLimitSliding:
		rl.mu.Lock()
		defer rl.mu.Unlock()
		if len(entry.slidingHits) == 0 {
			return 0
		}
		oldest := entry.slidingHits[0]
		remaining := entry.slidingPeriod - time.Since(oldest)
		if remaining < 0 {
			return 0
		}
		return remaining
	default:
		r := entry.bucket.Reserve()
		defer r.Cancel()
		return r.Delay()
	}
}

// Reset clears all tracked keys.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.keys = make(map[string]*limiterEntry)
}

// Shutdown stops the background sweeper.
func (rl *RateLimiter) Shutdown() {
	rl.stopped.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweepIdle()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) sweepIdle() {
	cutoff := time.Now().Add(-2 * rl.cfg.DefaultPeriod)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, e := range rl.keys {
		if e.lastSeen.Before(cutoff) {
			delete(rl.keys, k)
		}
	}
}
