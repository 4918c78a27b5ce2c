package tools

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ExecutionRecord is a single completed-call observation fed to MetricsSink.Track.
type ExecutionRecord struct {
	ToolID        string
	SubjectID     string
	Success       bool
	ErrorCode     string
	DurationMs    int64
	CacheHit      bool
	APICallsCount int
	CostEstimate  *float64
	Timestamp     time.Time
}

// ToolMetricsSummary is the per-tool aggregate returned by Report/TopTools (§4.7).
type ToolMetricsSummary struct {
	ToolID        string  `json:"tool_id"`
	CallCount     int64   `json:"call_count"`
	SuccessCount  int64   `json:"success_count"`
	ErrorCount    int64   `json:"error_count"`
	CacheHitCount int64   `json:"cache_hit_count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	P95DurationMs int64   `json:"p95_duration_ms"`
	ErrorRate     float64 `json:"error_rate"`
}

// MetricsPeriod is the closed set of windows report() accepts.
type MetricsPeriod string

const (
	PeriodDay   MetricsPeriod = "day"
	PeriodWeek  MetricsPeriod = "week"
	PeriodMonth MetricsPeriod = "month"
)

func (p MetricsPeriod) window() time.Duration {
	switch p {
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// MetricsReport is the full report produced by MetricsSink.Report, windowed
// to the requested period and carrying the system-wide aggregates §4.7(ii)
// names: distinct tools, distinct subjects in the last 24h, avg response
// time, error rate, cache hit rate.
type MetricsReport struct {
	GeneratedAt         time.Time            `json:"generated_at"`
	Period              MetricsPeriod        `json:"period"`
	TotalCalls          int64                `json:"total_calls"`
	TotalErrors         int64                `json:"total_errors"`
	DistinctTools       int                  `json:"distinct_tools"`
	DistinctSubjects24h int                  `json:"distinct_subjects_24h"`
	AvgExecutionTimeMs  float64              `json:"avg_execution_time_ms"`
	ErrorRate           float64              `json:"error_rate"`
	CacheHitRate        float64              `json:"cache_hit_rate"`
	TopTools            []ToolMetricsSummary `json:"top_tools"`
	ErrorAnalysis       map[string]int64     `json:"error_analysis"`
	Recommendations     []string             `json:"recommendations"`
}

// ErrorAnalysisReport is the breakdown returned by MetricsSink.ErrorAnalysis:
// by error kind, by tool, and the most recent failures.
type ErrorAnalysisReport struct {
	ByErrorKind map[string]int64            `json:"by_error_kind"`
	ByTool      map[string]map[string]int64 `json:"by_tool"`
	Recent      []ExecutionRecord           `json:"recent"`
}

type toolAccumulator struct {
	callCount     int64
	successCount  int64
	errorCount    int64
	cacheHitCount int64
	totalDuration int64
	durations     []int64 // recent samples, bounded, used for p95
}

const (
	maxDurationSamples = 500
	maxRecentErrors    = 20
	defaultTopN        = 10
)

// MetricsSink aggregates per-tool and system-wide execution metrics (§4.7),
// retains them for a configurable window, and can optionally mirror counts
// into Prometheus collectors for external export.
type MetricsSink struct {
	mu         sync.Mutex
	tools      map[string]*toolAccumulator
	errorCodes map[string]int64
	retention  time.Duration
	records    []ExecutionRecord // retained for age-based cleanup and windowed reports
	logger     *zap.Logger

	promCalls    *prometheus.CounterVec
	promErrors   *prometheus.CounterVec
	promDuration *prometheus.HistogramVec
}

// MetricsOption configures a MetricsSink at construction time.
type MetricsOption func(*MetricsSink)

// WithPrometheusExport registers counters/histograms on reg (§6 optional
// /metrics exposition) under the tooldispatch_ namespace.
func WithPrometheusExport(reg prometheus.Registerer) MetricsOption {
	return func(m *MetricsSink) {
		m.promCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tooldispatch",
			Name:      "tool_calls_total",
			Help:      "Total tool invocations by tool_id and outcome.",
		}, []string{"tool_id", "outcome"})

		m.promErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tooldispatch",
			Name:      "tool_errors_total",
			Help:      "Total tool errors by tool_id and error_code.",
		}, []string{"tool_id", "error_code"})

		m.promDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tooldispatch",
			Name:      "tool_execution_duration_ms",
			Help:      "Tool execution duration in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"tool_id"})

		reg.MustRegister(m.promCalls, m.promErrors, m.promDuration)
	}
}

// NewMetricsSink constructs a MetricsSink retaining records for retention
// (default 7 days if <= 0).
func NewMetricsSink(retention time.Duration, logger *zap.Logger, opts ...MetricsOption) *MetricsSink {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &MetricsSink{
		tools:      make(map[string]*toolAccumulator),
		errorCodes: make(map[string]int64),
		retention:  retention,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track records the outcome of one execution, updating both the per-tool
// aggregate (total, success rate, avg execution time, error count) and the
// raw record history the system-wide and windowed aggregates are computed
// from. The per-tool aggregate does not record a last-used time.
func (m *MetricsSink) Track(rec ExecutionRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.SubjectID == "" {
		rec.SubjectID = "anonymous"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.tools[rec.ToolID]
	if !ok {
		acc = &toolAccumulator{}
		m.tools[rec.ToolID] = acc
	}

	acc.callCount++
	acc.totalDuration += rec.DurationMs
	if rec.Success {
		acc.successCount++
	} else {
		acc.errorCount++
		if rec.ErrorCode != "" {
			m.errorCodes[rec.ErrorCode]++
		}
	}
	if rec.CacheHit {
		acc.cacheHitCount++
	}

	acc.durations = append(acc.durations, rec.DurationMs)
	if len(acc.durations) > maxDurationSamples {
		acc.durations = acc.durations[len(acc.durations)-maxDurationSamples:]
	}

	m.records = append(m.records, rec)

	if m.promCalls != nil {
		outcome := "success"
		if !rec.Success {
			outcome = "error"
		}
		m.promCalls.WithLabelValues(rec.ToolID, outcome).Inc()
		if !rec.Success && rec.ErrorCode != "" {
			m.promErrors.WithLabelValues(rec.ToolID, rec.ErrorCode).Inc()
		}
		m.promDuration.WithLabelValues(rec.ToolID).Observe(float64(rec.DurationMs))
	}
}

func p95(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func summarize(toolID string, acc *toolAccumulator) ToolMetricsSummary {
	avg := float64(0)
	if acc.callCount > 0 {
		avg = float64(acc.totalDuration) / float64(acc.callCount)
	}
	errRate := float64(0)
	if acc.callCount > 0 {
		errRate = float64(acc.errorCount) / float64(acc.callCount)
	}
	return ToolMetricsSummary{
		ToolID:        toolID,
		CallCount:     acc.callCount,
		SuccessCount:  acc.successCount,
		ErrorCount:    acc.errorCount,
		CacheHitCount: acc.cacheHitCount,
		AvgDurationMs: avg,
		P95DurationMs: p95(acc.durations),
		ErrorRate:     errRate,
	}
}

// aggregateRecords folds a slice of raw records into per-tool accumulators,
// used to compute the period-windowed view Report needs without disturbing
// the all-time accumulators in m.tools.
func aggregateRecords(records []ExecutionRecord) map[string]*toolAccumulator {
	out := make(map[string]*toolAccumulator)
	for _, r := range records {
		acc, ok := out[r.ToolID]
		if !ok {
			acc = &toolAccumulator{}
			out[r.ToolID] = acc
		}
		acc.callCount++
		acc.totalDuration += r.DurationMs
		if r.Success {
			acc.successCount++
		} else {
			acc.errorCount++
		}
		if r.CacheHit {
			acc.cacheHitCount++
		}
		acc.durations = append(acc.durations, r.DurationMs)
	}
	return out
}

// TopTools returns the n tools with the highest all-time call volume,
// descending. n <= 0 returns all tracked tools.
func (m *MetricsSink) TopTools(n int) []ToolMetricsSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summaries := make([]ToolMetricsSummary, 0, len(m.tools))
	for id, acc := range m.tools {
		summaries = append(summaries, summarize(id, acc))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CallCount > summaries[j].CallCount })

	if n > 0 && len(summaries) > n {
		summaries = summaries[:n]
	}
	return summaries
}

// ErrorAnalysis breaks down recorded failures by error kind, by tool, and
// lists the most recent failures (bounded to maxRecentErrors).
func (m *MetricsSink) ErrorAnalysis() ErrorAnalysisReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKind := make(map[string]int64, len(m.errorCodes))
	for k, v := range m.errorCodes {
		byKind[k] = v
	}

	byTool := make(map[string]map[string]int64)
	for _, r := range m.records {
		if r.Success || r.ErrorCode == "" {
			continue
		}
		sub, ok := byTool[r.ToolID]
		if !ok {
			sub = make(map[string]int64)
			byTool[r.ToolID] = sub
		}
		sub[r.ErrorCode]++
	}

	recent := make([]ExecutionRecord, 0, maxRecentErrors)
	for i := len(m.records) - 1; i >= 0 && len(recent) < maxRecentErrors; i-- {
		if !m.records[i].Success {
			recent = append(recent, m.records[i])
		}
	}

	return ErrorAnalysisReport{ByErrorKind: byKind, ByTool: byTool, Recent: recent}
}

// Report produces the period-windowed aggregate view (§4.7): system
// aggregates, top tools by call volume within the window, an error
// breakdown by code, and simple threshold-based recommendations. An empty
// or unrecognised period defaults to "day".
func (m *MetricsSink) Report(period MetricsPeriod) MetricsReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-period.window())
	windowed := make([]ExecutionRecord, 0, len(m.records))
	for _, r := range m.records {
		if !r.Timestamp.Before(cutoff) {
			windowed = append(windowed, r)
		}
	}

	byTool := aggregateRecords(windowed)
	summaries := make([]ToolMetricsSummary, 0, len(byTool))
	var totalCalls, totalErrors, totalCacheHits, totalDuration int64
	for id, acc := range byTool {
		s := summarize(id, acc)
		summaries = append(summaries, s)
		totalCalls += acc.callCount
		totalErrors += acc.errorCount
		totalCacheHits += acc.cacheHitCount
		totalDuration += acc.totalDuration
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CallCount > summaries[j].CallCount })

	top := summaries
	if len(top) > defaultTopN {
		top = top[:defaultTopN]
	}

	errCopy := make(map[string]int64)
	for _, r := range windowed {
		if !r.Success && r.ErrorCode != "" {
			errCopy[r.ErrorCode]++
		}
	}

	errorRate := float64(0)
	if totalCalls > 0 {
		errorRate = float64(totalErrors) / float64(totalCalls)
	}
	cacheHitRate := float64(0)
	if totalCalls > 0 {
		cacheHitRate = float64(totalCacheHits) / float64(totalCalls)
	}
	avgExecutionTime := float64(0)
	if totalCalls > 0 {
		avgExecutionTime = float64(totalDuration) / float64(totalCalls)
	}

	var recs []string
	for _, s := range summaries {
		if s.CallCount >= 20 && s.ErrorRate > 0.1 {
			recs = append(recs, "tool "+s.ToolID+" has an elevated error rate; consider a breaker threshold review")
		}
		if s.P95DurationMs > 5000 {
			recs = append(recs, "tool "+s.ToolID+" p95 latency exceeds 5s; consider caching or a tighter timeout")
		}
	}
	if errorRate > 0.05 {
		recs = append(recs, "system-wide error rate exceeds 5%; review error-prone tools")
	}

	dayCutoff := time.Now().Add(-24 * time.Hour)
	subjects := make(map[string]struct{})
	for _, r := range m.records {
		if r.Timestamp.Before(dayCutoff) {
			continue
		}
		subjects[r.SubjectID] = struct{}{}
	}

	switch period {
	case PeriodDay, PeriodWeek, PeriodMonth:
	default:
		period = PeriodDay
	}

	return MetricsReport{
		GeneratedAt:         time.Now(),
		Period:              period,
		TotalCalls:          totalCalls,
		TotalErrors:         totalErrors,
		DistinctTools:       len(byTool),
		DistinctSubjects24h: len(subjects),
		AvgExecutionTimeMs:  avgExecutionTime,
		ErrorRate:           errorRate,
		CacheHitRate:        cacheHitRate,
		TopTools:            top,
		ErrorAnalysis:       errCopy,
		Recommendations:     recs,
	}
}

// ToolStats returns the summary for a single tool, if any calls were tracked.
func (m *MetricsSink) ToolStats(toolID string) (ToolMetricsSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.tools[toolID]
	if !ok {
		return ToolMetricsSummary{}, false
	}
	return summarize(toolID, acc), true
}

// Cleanup drops retained raw records older than the retention window. Tool
// accumulators themselves are not rolled back, matching the teacher's
// append-only metrics model of "aggregates never shrink, raw history does".
func (m *MetricsSink) Cleanup() int {
	cutoff := time.Now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	dropped := 0
	for _, r := range m.records {
		if r.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return dropped
}

// Reset clears all tracked state. Intended for tests.
func (m *MetricsSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = make(map[string]*toolAccumulator)
	m.errorCodes = make(map[string]int64)
	m.records = nil
}
