package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "govgate",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Gate decisions by gate type, outcome and deny kind.",
		},
		[]string{"gate", "outcome", "kind"},
	)
	gateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "govgate",
			Subsystem: "gate",
			Name:      "duration_seconds",
			Help:      "Gate evaluation latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
		[]string{"gate"},
	)
	ledgerAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "govgate",
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Ledger append attempts by event kind and result.",
		},
		[]string{"kind", "result"},
	)
	changeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "govgate",
			Subsystem: "change",
			Name:      "transitions_total",
			Help:      "Change request status transitions by target status.",
		},
		[]string{"status"},
	)
	activeKillSwitches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "govgate",
			Subsystem: "killswitch",
			Name:      "active",
			Help:      "Number of currently active kill switches.",
		},
	)
)

// Register adds every collector to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(gateDecisions, gateDuration, ledgerAppends, changeTransitions, activeKillSwitches)
	})
}

// RecordGate counts one gate decision.
func RecordGate(gate string, allowed bool, kind string, duration time.Duration) {
	Register()
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	if kind == "" {
		kind = "none"
	}
	gateDecisions.WithLabelValues(gate, outcome, kind).Inc()
	gateDuration.WithLabelValues(gate).Observe(duration.Seconds())
}

// RecordLedgerAppend counts one append attempt.
func RecordLedgerAppend(kind string, err error) {
	Register()
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerAppends.WithLabelValues(kind, result).Inc()
}

// RecordChangeTransition counts a change request entering status.
func RecordChangeTransition(status string) {
	Register()
	changeTransitions.WithLabelValues(status).Inc()
}

// SetActiveKillSwitches reports the current active switch count.
func SetActiveKillSwitches(n int) {
	Register()
	activeKillSwitches.Set(float64(n))
}

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
