package observability

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// findMetric returns the sample of family name whose labels include want.
func findMetric(t *testing.T, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, label := range metric.GetLabel() {
				if v, ok := want[label.GetName()]; ok && v == label.GetValue() {
					matched++
				}
			}
			if matched == len(want) {
				return metric
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, want)
	return nil
}

func TestEscrowMetricsObserveAndPool(t *testing.T) {
	m := Escrow()
	labels := map[string]string{"operation": "metrics_test", "outcome": "success"}
	m.Observe("metrics_test", "", 5*time.Millisecond)
	m.Observe("metrics_test", "success", 5*time.Millisecond)
	require.Equal(t, float64(2), findMetric(t, "escrow_operations_total", labels).GetCounter().GetValue())

	m.SetPoolBalance(big.NewInt(42))
	require.Equal(t, float64(42), findMetric(t, "escrow_pool_balance", nil).GetGauge().GetValue())
}

func TestModuleMetricsSplitsErrors(t *testing.T) {
	m := ModuleMetrics()
	m.Observe("rpc", "metrics_test_method", 200, time.Millisecond)
	m.Observe("rpc", "metrics_test_method", 409, time.Millisecond)
	m.RecordThrottle("rpc", "")

	ok := findMetric(t, "deedescrow_rpc_requests_total", map[string]string{"method": "metrics_test_method", "outcome": "success"})
	require.Equal(t, float64(1), ok.GetCounter().GetValue())
	failed := findMetric(t, "deedescrow_rpc_errors_total", map[string]string{"method": "metrics_test_method", "status": "409"})
	require.Equal(t, float64(1), failed.GetCounter().GetValue())
	throttled := findMetric(t, "deedescrow_rpc_throttles_total", map[string]string{"reason": "unspecified"})
	require.GreaterOrEqual(t, throttled.GetCounter().GetValue(), float64(1))
}

func TestDeedTransferOutcomes(t *testing.T) {
	Deeds().RecordTransfer(" Custody ", nil)
	Deeds().RecordTransfer("custody", errors.New("not approved"))
	success := findMetric(t, "deedescrow_deeds_transfers_total", map[string]string{"kind": "custody", "outcome": "success"})
	require.GreaterOrEqual(t, success.GetCounter().GetValue(), float64(1))
	failure := findMetric(t, "deedescrow_deeds_transfers_total", map[string]string{"kind": "custody", "outcome": "error"})
	require.GreaterOrEqual(t, failure.GetCounter().GetValue(), float64(1))
}

func TestBigToFloatClamps(t *testing.T) {
	require.Equal(t, float64(0), bigToFloat(nil))
	huge := new(big.Int).Lsh(big.NewInt(1), 2000)
	require.Equal(t, math.MaxFloat64, bigToFloat(huge))
}
