package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	paywallBlocks *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured kernel events not
// already covered by Kernel()'s per-operation counters.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			paywallBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "events",
				Name:      "paywall_blocks_total",
				Help:      "Count of operations rejected by the wallet paywall, segmented by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(eventRegistry.paywallBlocks)
	})
	return eventRegistry
}

// RecordPaywallBlock increments the paywall-rejection counter for the
// supplied operation name.
func (m *eventMetrics) RecordPaywallBlock(operation string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(operation)
	if normalized == "" {
		normalized = "unknown"
	}
	m.paywallBlocks.WithLabelValues(normalized).Inc()
}
