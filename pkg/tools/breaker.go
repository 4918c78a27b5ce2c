package tools

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BreakerState is the CLOSED/OPEN/HALF_OPEN state machine value for one key.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a CircuitBreakerRegistry (§4.3 defaults).
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	FailureWindow    time.Duration
	MaxBreakers      int
}

// DefaultBreakerConfig returns the spec's defaults:
// failure_threshold=5, reset_timeout_ms=30000, failure_window_ms=60000,
// max_breakers=500.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		FailureWindow:    60 * time.Second,
		MaxBreakers:      500,
	}
}

// breakerKeyState is the per-key state tracked by the registry. failures
// is a count within the active window, reset whenever the gap since
// lastFailureAt exceeds FailureWindow (mirroring the CLOSED/record_failure
// "reset count to 1" transition in §4.3's state table).
type breakerKeyState struct {
	key            string
	state          BreakerState
	failures       int
	lastFailureAt  time.Time
	openedAt       time.Time
	probeInFlight  bool
	elem           *list.Element // position in the FIFO insertion-order list
}

// BreakerSnapshot is the read-only view returned by Stats.
type BreakerSnapshot struct {
	Key      string       `json:"key"`
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
}

// CircuitBreakerRegistry tracks per-key CLOSED/OPEN/HALF_OPEN state with
// windowed failure counting and FIFO eviction at capacity (§4.3). All
// mutations happen under mu so that state transitions are atomic with
// respect to concurrent allow_request/record_* calls on the same key
// (I-CB3).
type CircuitBreakerRegistry struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	states map[string]*breakerKeyState

	// order is the doubly-linked insertion-order list shadowing the map,
	// giving O(1) evict-oldest on overflow (design note: FIFO breaker
	// eviction).
	order *list.List

	logger *zap.Logger
}

// NewCircuitBreakerRegistry constructs a registry with the given config.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *zap.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		cfg:    cfg,
		states: make(map[string]*breakerKeyState),
		order:  list.New(),
		logger: logger,
	}
}

// getOrCreate returns the state for key, creating it (and evicting the
// oldest-inserted key if at capacity) if necessary. Caller must hold mu.
func (r *CircuitBreakerRegistry) getOrCreate(key string) *breakerKeyState {
	if st, ok := r.states[key]; ok {
		return st
	}

	if len(r.states) >= r.cfg.MaxBreakers && r.cfg.MaxBreakers > 0 {
		oldest := r.order.Front()
		if oldest != nil {
			oldestKey := oldest.Value.(string)
			delete(r.states, oldestKey)
			r.order.Remove(oldest)
			r.logger.Debug("evicted oldest circuit breaker at capacity", zap.String("key", oldestKey))
		}
	}

	st := &breakerKeyState{key: key, state: StateClosed}
	st.elem = r.order.PushBack(key)
	r.states[key] = st
	return st
}

// AllowRequest is the admission check (§4.3's allow_request event).
func (r *CircuitBreakerRegistry) AllowRequest(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreate(key)

	switch st.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(st.openedAt) >= r.cfg.ResetTimeout {
			st.state = StateHalfOpen
			st.probeInFlight = true
			r.logger.Info("breaker transitioning to half-open", zap.String("key", key))
			return true // the probe
		}
		return false

	case StateHalfOpen:
		// Exactly one probe admitted per OPEN->HALF_OPEN transition (I-CB1).
		return false

	default:
		return false
	}
}

// RecordSuccess processes a successful call.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreate(key)
	switch st.state {
	case StateHalfOpen:
		st.state = StateClosed
		st.probeInFlight = false
		st.failures = 0
	case StateClosed:
		st.failures = 0
	}
}

// RecordFailure processes a failed call.
func (r *CircuitBreakerRegistry) RecordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	st := r.getOrCreate(key)

	switch st.state {
	case StateHalfOpen:
		st.state = StateOpen
		st.openedAt = now
		st.probeInFlight = false
		st.lastFailureAt = now

	case StateClosed:
		if !st.lastFailureAt.IsZero() && now.Sub(st.lastFailureAt) > r.cfg.FailureWindow {
			st.failures = 1
		} else {
			st.failures++
		}
		st.lastFailureAt = now

		if st.failures >= r.cfg.FailureThreshold {
			st.state = StateOpen
			st.openedAt = now
			r.logger.Warn("breaker opened", zap.String("key", key), zap.Int("failures", st.failures))
		}

	case StateOpen:
		st.lastFailureAt = now
	}
}

// Reset erases state for a single key.
func (r *CircuitBreakerRegistry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[key]; ok {
		r.order.Remove(st.elem)
		delete(r.states, key)
	}
}

// ResetAll erases every tracked breaker.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = make(map[string]*breakerKeyState)
	r.order = list.New()
}

// Stats lists every tracked breaker.
func (r *CircuitBreakerRegistry) Stats() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.states))
	for e := r.order.Front(); e != nil; e = e.Next() {
		key := e.Value.(string)
		st := r.states[key]
		out = append(out, BreakerSnapshot{Key: st.key, State: st.state, Failures: st.failures})
	}
	return out
}
