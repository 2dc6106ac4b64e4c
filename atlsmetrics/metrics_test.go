package atlsmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveSuccess_IncrementsCounter(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	m.ObserveSuccess("UpToDate", 0.05)

	v := counterValue(t, m.Attempts.WithLabelValues("success", "UpToDate"))
	require.Equal(t, float64(1), v)
}

func TestObserveFailure_LabelsByErrorKind(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	m.ObserveFailure("report_data_mismatch", 0.01)

	v := counterValue(t, m.Attempts.WithLabelValues("failure:report_data_mismatch", ""))
	require.Equal(t, float64(1), v)
}

func TestObserveSuccess_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() { m.ObserveSuccess("UpToDate", 0.1) })
}
