package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type deedMetrics struct {
	transfers *prometheus.CounterVec
}

var (
	deedMetricsOnce sync.Once
	deedRegistry    *deedMetrics
)

// Deeds returns the metrics registry tracking deed registry activity.
func Deeds() *deedMetrics {
	deedMetricsOnce.Do(func() {
		deedRegistry = &deedMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deedescrow",
				Subsystem: "deeds",
				Name:      "transfers_total",
				Help:      "Count of deed ownership transfers segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(deedRegistry.transfers)
	})
	return deedRegistry
}

// RecordTransfer increments the transfer counter. Kind is "custody" for moves
// initiated by the escrow authority and "direct" otherwise.
func (m *deedMetrics) RecordTransfer(kind string, err error) {
	if m == nil {
		return
	}
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind == "" {
		kind = "direct"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.transfers.WithLabelValues(kind, outcome).Inc()
}
