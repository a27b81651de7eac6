package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Sent(0.01)
	m.Received(0.02)
	m.Received(0.02)
	m.Failure(ReasonMalformed)
	m.SetExported()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DescriptorsSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DescriptorsReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransferFailures.WithLabelValues(ReasonMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exported))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Imported))

	count, err := testutil.GatherAndCount(reg, "extmem_handoff_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Sent(1)
		m.Received(1)
		m.Failure(ReasonSend)
		m.SetExported()
		m.SetImported()
	})
}
