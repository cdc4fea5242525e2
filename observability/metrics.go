package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// EscrowMetrics wraps collectors tracking multisig setup, deposit detection and
// trade settlement.
type EscrowMetrics struct {
	autoTriggers     *prometheus.CounterVec
	sessionPhases    *prometheus.CounterVec
	walletLatency    *prometheus.HistogramVec
	walletErrors     *prometheus.CounterVec
	depositChecks    *prometheus.CounterVec
	lockWait         prometheus.Histogram
	leaseFailures    *prometheus.CounterVec
	tradeTransitions *prometheus.CounterVec
	feesRecorded     prometheus.Counter
}

// Escrow exposes the lazily registered escrow metrics.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			autoTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "multisig",
				Name:      "auto_triggers_total",
				Help:      "Service-side multisig computations segmented by phase and outcome.",
			}, []string{"phase", "outcome"}),
			sessionPhases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "multisig",
				Name:      "phase_transitions_total",
				Help:      "Session phase advances segmented by the phase entered.",
			}, []string{"phase"}),
			walletLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "wallet",
				Name:      "call_duration_seconds",
				Help:      "Latency of wallet capability calls.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 180},
			}, []string{"operation"}),
			walletErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "wallet",
				Name:      "errors_total",
				Help:      "Wallet capability failures segmented by operation.",
			}, []string{"operation"}),
			depositChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "deposit",
				Name:      "checks_total",
				Help:      "Deposit checks segmented by trigger and result.",
			}, []string{"trigger", "result"}),
			lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "locks",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for a per-session lock.",
				Buckets:   prometheus.DefBuckets,
			}),
			leaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "locks",
				Name:      "lease_failures_total",
				Help:      "Distributed lock lease renewals that failed or found the lease gone.",
			}, []string{"reason"}),
			tradeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "trade",
				Name:      "transitions_total",
				Help:      "Trade status transitions segmented by destination status.",
			}, []string{"status"}),
			feesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "trade",
				Name:      "platform_fees_total",
				Help:      "Platform fee records written on completed releases.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.autoTriggers,
			escrowRegistry.sessionPhases,
			escrowRegistry.walletLatency,
			escrowRegistry.walletErrors,
			escrowRegistry.depositChecks,
			escrowRegistry.lockWait,
			escrowRegistry.leaseFailures,
			escrowRegistry.tradeTransitions,
			escrowRegistry.feesRecorded,
		)
	})
	return escrowRegistry
}

// RecordAutoTrigger counts a service-side computation attempt.
func (m *EscrowMetrics) RecordAutoTrigger(phase string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.autoTriggers.WithLabelValues(label(phase), outcome).Inc()
}

// RecordPhase counts a session entering the supplied phase.
func (m *EscrowMetrics) RecordPhase(phase string) {
	if m == nil {
		return
	}
	m.sessionPhases.WithLabelValues(label(phase)).Inc()
}

// ObserveWalletCall records latency and failures of a capability operation.
func (m *EscrowMetrics) ObserveWalletCall(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	op := label(operation)
	m.walletLatency.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.walletErrors.WithLabelValues(op).Inc()
	}
}

// RecordDepositCheck counts a deposit check outcome.
func (m *EscrowMetrics) RecordDepositCheck(trigger, result string) {
	if m == nil {
		return
	}
	m.depositChecks.WithLabelValues(label(trigger), label(result)).Inc()
}

// ObserveLockWait records how long a caller queued behind a session lock.
func (m *EscrowMetrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// RecordLeaseFailure counts a failed lease renewal. reason is "error" or "lost".
func (m *EscrowMetrics) RecordLeaseFailure(reason string) {
	if m == nil {
		return
	}
	m.leaseFailures.WithLabelValues(label(reason)).Inc()
}

// RecordTradeTransition counts a trade entering the supplied status.
func (m *EscrowMetrics) RecordTradeTransition(status string) {
	if m == nil {
		return
	}
	m.tradeTransitions.WithLabelValues(label(status)).Inc()
}

// RecordFee counts a platform fee record.
func (m *EscrowMetrics) RecordFee() {
	if m == nil {
		return
	}
	m.feesRecorded.Inc()
}

func label(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
