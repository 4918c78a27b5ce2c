package tools_test

import (
	"testing"
	"time"

	"github.com/dispatchrt/tooldispatch/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSink_TrackAndToolStats(t *testing.T) {
	m := tools.NewMetricsSink(time.Hour, nil)

	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: true, DurationMs: 10})
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: false, ErrorCode: "EXECUTION_FAILED", DurationMs: 20})

	stats, ok := m.ToolStats("echo")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.CallCount)
	assert.Equal(t, int64(1), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, 15.0, stats.AvgDurationMs)
	assert.Equal(t, 0.5, stats.ErrorRate)
}

func TestMetricsSink_ToolStatsMissing(t *testing.T) {
	m := tools.NewMetricsSink(time.Hour, nil)
	_, ok := m.ToolStats("missing")
	assert.False(t, ok)
}

func TestMetricsSink_TrackDefaultsMissingSubjectToAnonymous(t *testing.T) {
	m := tools.NewMetricsSink(time.Hour, nil)
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: true, DurationMs: 1})

	report := m.Report(tools.PeriodDay)
	assert.Equal(t, 1, report.DistinctSubjects24h)
}

func TestMetricsSink_Report(t *testing.T) {
	m := tools.NewMetricsSink(time.Hour, nil)

	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: true, DurationMs: 5, SubjectID: "alice"})
	m.Track(tools.ExecutionRecord{ToolID: "notify", Success: false, ErrorCode: "TIMEOUT", DurationMs: 10, SubjectID: "bob"})

	report := m.Report(tools.PeriodDay)
	assert.Equal(t, int64(2), report.TotalCalls)
	assert.Equal(t, int64(1), report.TotalErrors)
	assert.Len(t, report.TopTools, 2)
	assert.Equal(t, int64(1), report.ErrorAnalysis["TIMEOUT"])
	assert.Equal(t, 2, report.DistinctTools)
	assert.Equal(t, 2, report.DistinctSubjects24h)
	assert.InDelta(t, 0.5, report.ErrorRate, 0.0001)
}

func TestMetricsSink_ReportTopToolsCappedAtTen(t *testing.T) {
	m := tools.NewMetricsSink(time.Hour, nil)
	for i := 0; i < 15; i++ {
		m.Track(tools.ExecutionRecord{ToolID: string(rune('a' + i)), Success: true, DurationMs: 1})
	}

	report := m.Report(tools.PeriodDay)
	assert.Len(t, report.TopTools, 10)
}

func TestMetricsSink_ReportWindowsByPeriod(t *testing.T) {
	m := tools.NewMetricsSink(365*24*time.Hour, nil)
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: true, DurationMs: 1, Timestamp: time.Now().Add(-48 * time.Hour)})
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: true, DurationMs: 1})

	dayReport := m.Report(tools.PeriodDay)
	assert.Equal(t, int64(1), dayReport.TotalCalls, "the 48h-old record must fall outside a 1-day window")

	weekReport := m.Report(tools.PeriodWeek)
	assert.Equal(t, int64(2), weekReport.TotalCalls, "both records fall inside a 1-week window")
}

func TestMetricsSink_TopTools(t *testing.T) {
	m := tools.NewMetricsSink(time.Hour, nil)
	m.Track(tools.ExecutionRecord{ToolID: "busy", Success: true, DurationMs: 1})
	m.Track(tools.ExecutionRecord{ToolID: "busy", Success: true, DurationMs: 1})
	m.Track(tools.ExecutionRecord{ToolID: "quiet", Success: true, DurationMs: 1})

	top := m.TopTools(1)
	require.Len(t, top, 1)
	assert.Equal(t, "busy", top[0].ToolID)
}

func TestMetricsSink_ErrorAnalysis(t *testing.T) {
	m := tools.NewMetricsSink(time.Hour, nil)
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: false, ErrorCode: "TIMEOUT", DurationMs: 1})
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: false, ErrorCode: "TIMEOUT", DurationMs: 1})
	m.Track(tools.ExecutionRecord{ToolID: "notify", Success: false, ErrorCode: "INTERNAL_ERROR", DurationMs: 1})
	m.Track(tools.ExecutionRecord{ToolID: "notify", Success: true, DurationMs: 1})

	analysis := m.ErrorAnalysis()
	assert.Equal(t, int64(2), analysis.ByErrorKind["TIMEOUT"])
	assert.Equal(t, int64(1), analysis.ByErrorKind["INTERNAL_ERROR"])
	assert.Equal(t, int64(2), analysis.ByTool["echo"]["TIMEOUT"])
	assert.Equal(t, int64(1), analysis.ByTool["notify"]["INTERNAL_ERROR"])
	assert.Len(t, analysis.Recent, 3)
}

func TestMetricsSink_CleanupDropsStaleRecords(t *testing.T) {
	m := tools.NewMetricsSink(50*time.Millisecond, nil)
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: true, DurationMs: 1, Timestamp: time.Now().Add(-time.Hour)})
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: true, DurationMs: 1})

	dropped := m.Cleanup()
	assert.Equal(t, 1, dropped)
}

func TestMetricsSink_Reset(t *testing.T) {
	m := tools.NewMetricsSink(time.Hour, nil)
	m.Track(tools.ExecutionRecord{ToolID: "echo", Success: true, DurationMs: 1})

	m.Reset()
	_, ok := m.ToolStats("echo")
	assert.False(t, ok)
}
