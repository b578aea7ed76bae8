// Package metrics provides Prometheus instrumentation for the open
// arbitration subsystem: share-mode conflicts, oplock breaks, and the
// deferred-open retry queue.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelDisposition = "disposition"
	LabelStatus      = "status"
	LabelReason      = "reason"
	LabelOplockType  = "oplock_type"
	LabelPass        = "pass"
)

// Status constants for CreateFile arbitration outcomes.
const (
	StatusGranted   = "granted"
	StatusConflict  = "conflict"
	StatusDeferred  = "deferred"
	StatusError     = "error"
)

// Reason constants for close/eviction accounting.
const (
	ReasonExplicitClose = "explicit_close"
	ReasonDeleteOnClose = "delete_on_close"
	ReasonBreakTimeout  = "break_timeout"
)

// Metrics provides Prometheus metrics for open arbitration.
type Metrics struct {
	createTotal    *prometheus.CounterVec
	closeTotal     *prometheus.CounterVec
	conflictTotal  *prometheus.CounterVec
	openDuration   *prometheus.HistogramVec

	shareEntriesActive *prometheus.GaugeVec

	oplockGrantTotal  *prometheus.CounterVec
	oplockBreakTotal  *prometheus.CounterVec
	breakDuration     *prometheus.HistogramVec

	deferredActive   prometheus.Gauge
	deferredTimeouts prometheus.Counter

	auditViolations *prometheus.CounterVec

	registered bool
}

// NewMetrics creates and registers open-arbitration metrics. If registry is
// nil, metrics are created but not registered (useful for testing).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		createTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "create_total",
				Help:      "Total number of CreateFile arbitration attempts",
			},
			[]string{LabelDisposition, LabelStatus},
		),

		closeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "close_total",
				Help:      "Total number of CloseFile calls",
			},
			[]string{LabelReason},
		),

		conflictTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "share_conflict_total",
				Help:      "Total number of share-mode conflicts detected in CheckConflict",
			},
			[]string{},
		),

		openDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "create_duration_seconds",
				Help:      "Time from CreateFile request to terminal result (granted/conflict/error)",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 10, 35},
			},
			[]string{LabelStatus},
		),

		shareEntriesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "share_entries_active",
				Help:      "Number of live ShareEntry records, labeled by oplock type",
			},
			[]string{LabelOplockType},
		),

		oplockGrantTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "oplock_grant_total",
				Help:      "Total number of oplocks granted by type",
			},
			[]string{LabelOplockType},
		),

		oplockBreakTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "oplock_break_total",
				Help:      "Total number of oplock breaks sent, labeled by arbitration pass",
			},
			[]string{LabelPass},
		),

		breakDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "oplock_break_duration_seconds",
				Help:      "Time from sending an oplock break to the deferred open being retried",
				// break timeout is 35s; bucket through that.
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 35, 40},
			},
			[]string{LabelStatus},
		),

		deferredActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "deferred_opens_active",
				Help:      "Number of opens currently parked in the deferred-open queue",
			},
		),

		deferredTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "deferred_open_timeouts_total",
				Help:      "Total number of deferred opens force-resolved after their deadline passed",
			},
		),

		auditViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fenwickd",
				Subsystem: "openfile",
				Name:      "audit_violations_total",
				Help:      "Total number of invariant violations found by the audit pass, by rule",
			},
			[]string{LabelReason},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.createTotal,
			m.closeTotal,
			m.conflictTotal,
			m.openDuration,
			m.shareEntriesActive,
			m.oplockGrantTotal,
			m.oplockBreakTotal,
			m.breakDuration,
			m.deferredActive,
			m.deferredTimeouts,
			m.auditViolations,
		)
		m.registered = true
	}

	return m
}

// ObserveCreate records a CreateFile outcome.
func (m *Metrics) ObserveCreate(disposition string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.createTotal.WithLabelValues(disposition, status).Inc()
	m.openDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveClose records a CloseFile call.
func (m *Metrics) ObserveClose(reason string) {
	if m == nil {
		return
	}
	m.closeTotal.WithLabelValues(reason).Inc()
}

// ObserveConflict records a share-mode conflict.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.conflictTotal.WithLabelValues().Inc()
}

// SetActiveShareEntries sets the live ShareEntry count for an oplock type.
func (m *Metrics) SetActiveShareEntries(oplockType string, count float64) {
	if m == nil {
		return
	}
	m.shareEntriesActive.WithLabelValues(oplockType).Set(count)
}

// ObserveOplockGrant records an oplock grant.
func (m *Metrics) ObserveOplockGrant(oplockType string) {
	if m == nil {
		return
	}
	m.oplockGrantTotal.WithLabelValues(oplockType).Inc()
}

// ObserveOplockBreak records an oplock break send for the given arbitration pass.
func (m *Metrics) ObserveOplockBreak(pass string) {
	if m == nil {
		return
	}
	m.oplockBreakTotal.WithLabelValues(pass).Inc()
}

// ObserveBreakDuration records the time from break-send to deferred-open retry.
func (m *Metrics) ObserveBreakDuration(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.breakDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetDeferredActive sets the number of opens parked in the deferred-open queue.
func (m *Metrics) SetDeferredActive(count float64) {
	if m == nil {
		return
	}
	m.deferredActive.Set(count)
}

// ObserveDeferredTimeout records a deferred open that exceeded its break timeout.
func (m *Metrics) ObserveDeferredTimeout() {
	if m == nil {
		return
	}
	m.deferredTimeouts.Inc()
}

// ObserveAuditViolation records an invariant violation found by the audit pass.
func (m *Metrics) ObserveAuditViolation(rule string) {
	if m == nil {
		return
	}
	m.auditViolations.WithLabelValues(rule).Inc()
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	if m == nil || !m.registered {
		return
	}
	m.createTotal.Describe(ch)
	m.closeTotal.Describe(ch)
	m.conflictTotal.Describe(ch)
	m.openDuration.Describe(ch)
	m.shareEntriesActive.Describe(ch)
	m.oplockGrantTotal.Describe(ch)
	m.oplockBreakTotal.Describe(ch)
	m.breakDuration.Describe(ch)
	ch <- m.deferredActive.Desc()
	ch <- m.deferredTimeouts.Desc()
	m.auditViolations.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m == nil || !m.registered {
		return
	}
	m.createTotal.Collect(ch)
	m.closeTotal.Collect(ch)
	m.conflictTotal.Collect(ch)
	m.openDuration.Collect(ch)
	m.shareEntriesActive.Collect(ch)
	m.oplockGrantTotal.Collect(ch)
	m.oplockBreakTotal.Collect(ch)
	m.breakDuration.Collect(ch)
	ch <- m.deferredActive
	ch <- m.deferredTimeouts
	m.auditViolations.Collect(ch)
}

var global *Metrics

// SetGlobal sets the package-level Metrics instance used by package-level
// helper functions. Safe to call once during startup.
func SetGlobal(m *Metrics) {
	global = m
}

// Global returns the package-level Metrics instance, or nil if unset.
func Global() *Metrics {
	return global
}
