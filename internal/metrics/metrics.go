// Package metrics exports the kernel's Prometheus collectors: event
// throughput, active agent count, ledger debits, and sandbox
// invocation latency. SPEC_FULL.md §6 "Observability metrics".
//
// Grounded on the teacher's infrastructure/metrics package: same
// New/NewWithRegistry/global-instance shape, same Counter/Histogram/
// Gauge vocabulary, generalized from HTTP-request/blockchain-tx/
// database-query metrics to kernel event/agent/ledger/sandbox metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the kernel exports.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	ActiveAgents     prometheus.Gauge
	LedgerDebitsTotal *prometheus.CounterVec
	LedgerDebitAmount *prometheus.CounterVec
	SandboxCallDuration *prometheus.HistogramVec
	SandboxCallsTotal   *prometheus.CounterVec
	ActionsTotal        *prometheus.CounterVec
	MintSubmissionsTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default
// registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against
// registerer, or entirely unregistered when registerer is nil (tests).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econe_events_total",
				Help: "Total number of kernel events appended to the event log, by event type.",
			},
			[]string{"event_type"},
		),
		ActiveAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "econe_active_agents",
				Help: "Number of agents currently scheduled to run their loop.",
			},
		),
		LedgerDebitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econe_ledger_debits_total",
				Help: "Total number of ledger debits (transfers, settlements, resource charges), by resource.",
			},
			[]string{"resource"},
		),
		LedgerDebitAmount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econe_ledger_debit_amount_total",
				Help: "Total amount debited from the ledger, by resource.",
			},
			[]string{"resource"},
		),
		SandboxCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "econe_sandbox_call_duration_seconds",
				Help:    "Sandboxed contract/executable call duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"kind"},
		),
		SandboxCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econe_sandbox_calls_total",
				Help: "Total number of sandboxed calls, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econe_actions_total",
				Help: "Total number of ActionExecutor invocations, by action type and outcome.",
			},
			[]string{"action_type", "outcome"},
		),
		MintSubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "econe_mint_submissions_total",
				Help: "Total number of mint task submissions, by outcome.",
			},
			[]string{"status"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.EventsTotal, m.ActiveAgents, m.LedgerDebitsTotal, m.LedgerDebitAmount,
			m.SandboxCallDuration, m.SandboxCallsTotal, m.ActionsTotal, m.MintSubmissionsTotal,
		)
	}
	return m
}

// RecordEvent increments the event counter for eventType.
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// SetActiveAgents sets the current active-agent gauge.
func (m *Metrics) SetActiveAgents(n int) {
	m.ActiveAgents.Set(float64(n))
}

// RecordLedgerDebit records one debit of amount against resource (use
// "scrip" for plain transfers/settlements).
func (m *Metrics) RecordLedgerDebit(resource string, amount int64) {
	m.LedgerDebitsTotal.WithLabelValues(resource).Inc()
	m.LedgerDebitAmount.WithLabelValues(resource).Add(float64(amount))
}

// RecordSandboxCall records one sandboxed call's outcome and duration.
// kind is "contract" or "executable".
func (m *Metrics) RecordSandboxCall(kind, outcome string, duration time.Duration) {
	m.SandboxCallsTotal.WithLabelValues(kind, outcome).Inc()
	m.SandboxCallDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordAction records one ActionExecutor invocation's outcome.
func (m *Metrics) RecordAction(actionType, outcome string) {
	m.ActionsTotal.WithLabelValues(actionType, outcome).Inc()
}

// RecordMintSubmission records one mint submission's resolved status.
func (m *Metrics) RecordMintSubmission(status string) {
	m.MintSubmissionsTotal.WithLabelValues(status).Inc()
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes (once) and returns the global Metrics instance.
func Init() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New()
	}
	return global
}

// Global returns the global Metrics instance, initializing it
// unregistered if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewWithRegistry(nil)
	}
	return global
}
