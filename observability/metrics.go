// Package observability exposes the kernel's Prometheus metrics, grounded
// on the donor's lazily-initialized CounterVec/HistogramVec registry
// pattern (ModuleMetrics), retargeted from JSON-RPC module activity to the
// clearing kernel's domain operations.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type kernelMetrics struct {
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	receiptsIssued   *prometheus.CounterVec
	walletBalance    *prometheus.GaugeVec
	nettingJobs      *prometheus.CounterVec
	creditDraws      *prometheus.CounterVec
	liquidations     *prometheus.CounterVec
}

var (
	kernelMetricsOnce sync.Once
	kernelRegistry    *kernelMetrics
)

// Kernel returns the lazily-initialized kernel metrics registry.
func Kernel() *kernelMetrics {
	kernelMetricsOnce.Do(func() {
		kernelRegistry = &kernelMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "dispatch",
				Name:      "operations_total",
				Help:      "Total dispatched operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "primordia",
				Subsystem: "dispatch",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for dispatched operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			receiptsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "receipts",
				Name:      "issued_total",
				Help:      "Total signed receipts issued segmented by kind.",
			}, []string{"kind"}),
			walletBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "primordia",
				Subsystem: "wallet",
				Name:      "balance_usd_micros",
				Help:      "Last observed wallet balance in USD micros, segmented by wallet id.",
			}, []string{"wallet"}),
			nettingJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "netting",
				Name:      "jobs_total",
				Help:      "Total netting jobs segmented by outcome.",
			}, []string{"outcome"}),
			creditDraws: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "credit",
				Name:      "draws_total",
				Help:      "Total credit-line draws segmented by outcome.",
			}, []string{"outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "primordia",
				Subsystem: "credit",
				Name:      "liquidations_total",
				Help:      "Total credit-line liquidations.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			kernelRegistry.operations,
			kernelRegistry.operationLatency,
			kernelRegistry.receiptsIssued,
			kernelRegistry.walletBalance,
			kernelRegistry.nettingJobs,
			kernelRegistry.creditDraws,
			kernelRegistry.liquidations,
		)
	})
	return kernelRegistry
}

func (m *kernelMetrics) RecordOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *kernelMetrics) RecordReceipt(kind string) {
	if m == nil {
		return
	}
	m.receiptsIssued.WithLabelValues(kind).Inc()
}

func (m *kernelMetrics) ObserveWalletBalance(walletID string, balanceUSDMicros int64) {
	if m == nil {
		return
	}
	m.walletBalance.WithLabelValues(walletID).Set(float64(balanceUSDMicros))
}

func (m *kernelMetrics) RecordNettingJob(outcome string) {
	if m == nil {
		return
	}
	m.nettingJobs.WithLabelValues(outcome).Inc()
}

func (m *kernelMetrics) RecordCreditDraw(outcome string) {
	if m == nil {
		return
	}
	m.creditDraws.WithLabelValues(outcome).Inc()
}

func (m *kernelMetrics) RecordLiquidation(outcome string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(outcome).Inc()
}
