package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollectorRecordsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(registry)
	require.NoError(t, err)

	collector.IncRecompute("checkout")
	collector.IncRecompute("checkout")
	collector.IncIndeterminate("checkout", "total")
	collector.ObserveRecomputeDuration("checkout", 250*time.Microsecond)

	families, err := registry.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, family := range families {
		switch family.GetName() {
		case "formic_recompute_total":
			found[family.GetName()] = true
			require.Len(t, family.GetMetric(), 1)
			require.Equal(t, float64(2), family.GetMetric()[0].GetCounter().GetValue())
		case "formic_calculation_indeterminate_total":
			found[family.GetName()] = true
			require.Equal(t, float64(1), family.GetMetric()[0].GetCounter().GetValue())
		case "formic_recompute_duration_seconds":
			found[family.GetName()] = true
			require.EqualValues(t, 1, family.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	require.True(t, found["formic_recompute_total"], "recompute counter missing")
	require.True(t, found["formic_calculation_indeterminate_total"], "indeterminate counter missing")
	require.True(t, found["formic_recompute_duration_seconds"], "duration histogram missing")
}

func TestNewPrometheusCollectorIsIdempotent(t *testing.T) {
	first, err := NewPrometheusCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	second, err := NewPrometheusCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)
}

func TestNoopCollectorIsSafe(t *testing.T) {
	collector := Noop()
	collector.IncRecompute("any")
	collector.IncIndeterminate("any", "target")
	collector.ObserveRecomputeDuration("any", time.Millisecond)
}
