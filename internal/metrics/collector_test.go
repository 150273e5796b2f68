package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordIngest("svc", "INFO", "ok", 1)
	m.ArchiveStarted()
	m.RecordArchive(true, 1)
	m.RecordCleanup("svc", 3)
	m.RecordAnalysis("on-demand", "completed", 1)
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	// 每个实例使用独立 Registry，重复创建不会冲突
	m := NewMetrics("test")
	_ = NewMetrics("test")

	m.RecordIngest("svc", "ERROR", "ok", 3)
	m.RecordIngest("svc", "ERROR", "ok", 4)
	m.RecordIngest("svc", "INFO", "invalid", 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LogsIngested.WithLabelValues("svc", "ERROR", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LogsIngested.WithLabelValues("svc", "INFO", "invalid")))

	m.ArchiveStarted()
	m.ArchiveStarted()
	m.RecordArchive(false, 10)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchivePending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArchiveWrites.WithLabelValues("error")))

	m.RecordCleanup("svc", 0)
	m.RecordCleanup("svc", 5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.CleanupDeleted.WithLabelValues("svc")))
}
