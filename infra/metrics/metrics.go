// Package metrics exposes the ledger's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "darkpool"

type Metrics struct {
	commands      *prometheus.CounterVec
	finalizations *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	nonce         prometheus.Gauge
	inFlight      prometheus.Gauge
}

// New registers the instruments on reg, or the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "commands_total",
			Help:      "Ledger commands by type and outcome class.",
		}, []string{"command", "outcome"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "finalizations_total",
			Help:      "Applied cluster callbacks by computation kind and verdict.",
		}, []string{"kind", "verdict"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome class.",
		}, []string{"outcome"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "dispatches_total",
			Help:      "Requests handed to the computation cluster.",
		}, []string{"kind", "outcome"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "broadcasts_total",
			Help:      "Outbox events published to Kafka by outcome.",
		}, []string{"outcome"}),
		nonce: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "sequence_nonce",
			Help:      "Current order book sequence nonce.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "inflight_computations",
			Help:      "Computations waiting for a callback.",
		}),
	}
	reg.MustRegister(m.commands, m.finalizations, m.settlements, m.dispatches, m.broadcasts, m.nonce, m.inFlight)
	return m
}

func (m *Metrics) ObserveCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) ObserveFinalization(kind string, accepted bool) {
	if m == nil {
		return
	}
	verdict := "rejected"
	if accepted {
		verdict = "accepted"
	}
	m.finalizations.WithLabelValues(kind, verdict).Inc()
}

func (m *Metrics) ObserveSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveDispatch(kind, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveBroadcast(outcome string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(outcome).Inc()
}

// SetLedger records the nonce and the in-flight count after a command.
func (m *Metrics) SetLedger(nonce uint64, inFlight int) {
	if m == nil {
		return
	}
	m.nonce.Set(float64(nonce))
	m.inFlight.Set(float64(inFlight))
}

// Handler serves the registry g over HTTP.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
