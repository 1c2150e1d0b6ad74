package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.StoreCall("update_cells", "ok", 20*time.Millisecond)
	m.StoreCall("update_cells", "error", time.Millisecond)
	m.StoreRetry("update_cells")
	m.Pass("succeeded", 2*time.Second)
	m.RecordClass("new", 3)
	m.RecordClass("changed", 0)
	m.Compensation()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreCalls.WithLabelValues("update_cells", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreRetries.WithLabelValues("update_cells")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Records.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compensations))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["dsync_passes_total"])
	assert.False(t, names["dsync_history_fetches_total"], "vectors without observations are not exported")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StoreCall("x", "ok", time.Second)
		m.StoreRetry("x")
		m.Pass("failed", time.Second)
		m.RecordClass("new", 1)
		m.Compensation()
		m.HistoryFetch("ok")
	})
}
