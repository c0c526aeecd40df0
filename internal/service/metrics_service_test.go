package service

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServiceNilIsNoop(t *testing.T) {
	var m *MetricsService
	assert.NotPanics(t, func() {
		m.RecordCacheOperation("dashboard", true, time.Millisecond)
		m.RecordQueueOutcome("attendance", OutcomeSynced)
		m.RecordConflict("manual", "")
		m.SetNetworkOnline(true)
		m.RecordNotification("attendance_records_changes", false)
	})
	assert.Nil(t, m.Registry())
}

func TestMetricsServiceRecordsConflictsAndOutcomes(t *testing.T) {
	m := NewMetricsService()
	m.RecordConflict("manual", "")
	m.RecordConflict("status_priority", "server")
	m.RecordQueueOutcome("attendance", OutcomeDropped)
	m.SetQueueDepth(2)

	expected := `
# HELP attendance_conflicts_total Attendance conflicts by strategy and winner
# TYPE attendance_conflicts_total counter
attendance_conflicts_total{strategy="manual",winner="deferred"} 1
attendance_conflicts_total{strategy="status_priority",winner="server"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "attendance_conflicts_total"))

	count, err := testutil.GatherAndCount(m.Registry(), "offline_queue_records_total", "offline_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
