package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveWindow(10, time.Second)
		m.SetScannedHeight(10)
		m.IncIndexed("scanner", true)
		m.IncEventFailure("monitor")
		m.SetMonitorState(2, true)
		m.IncReconnect("success")
		m.IncRetry("get_logs")
		m.IncPublished("record.indexed")
		m.IncHandlerError("webhooks")
		m.IncMirrorWrite("redis", false)
		m.IncMirrorDropped("kafka")
		m.IncEnrich("success")
		m.SetEnrichQueueDepth(3)
		m.ObserveWebhook("hook", "success", time.Millisecond)
		m.SetWebhookQueueDepth(1)
	})
}

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.ObserveWindow(1500, 20*time.Millisecond)
	m.IncIndexed("scanner", true)
	m.IncIndexed("scanner", true)
	m.IncIndexed("monitor", false)
	m.SetMonitorState(2, true)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.WindowsScanned))
	assert.Equal(t, float64(1500), testutil.ToFloat64(m.ScannedHeight))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RecordsIndexed.WithLabelValues("scanner", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RecordsIndexed.WithLabelValues("monitor", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MonitorHealthy))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
}

func TestNew_NilRegisterer(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
