package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Renewal("success")
	m.Renewal("success")
	m.Renewal("failure")
	m.Request("ok")
	m.Retry()
	m.Bus("duplicate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Renewals.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Renewals.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BusMessages.WithLabelValues("duplicate")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Renewal("success")
	m.Request("ok")
	m.Retry()
	m.Bus("sent")
}

func TestNew_NilRegistererSkipsRegistration(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Retry()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RequestRetries))
}
