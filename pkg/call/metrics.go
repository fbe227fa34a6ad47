package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "callcore"

// Metrics prometheus метрики звонков. Нулевой *Metrics безопасен: все
// методы ничего не делают.
type Metrics struct {
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callDuration     prometheus.Histogram
	callEnds         *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	droppedEnvelopes *prometheus.CounterVec
	iceRestarts      prometheus.Counter
}

// NewMetrics создает и регистрирует метрики. nil reg означает
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Total number of call sessions created",
		}, []string{"role"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "calls_active",
			Help:      "Whether a call session is currently active",
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of connected calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		callEnds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "call_end_total",
			Help:      "Ended calls by outcome",
		}, []string{"outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),
		droppedEnvelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_envelopes_total",
			Help:      "Inbound envelopes dropped by reason",
		}, []string{"reason"}),
		iceRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ice_restarts_total",
			Help:      "ICE restarts attempted",
		}),
	}
}

func (m *Metrics) callStarted(role Role) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(role.String()).Inc()
	m.callsActive.Set(1)
}

func (m *Metrics) callEnded(outcome Outcome, connectedSeconds float64) {
	if m == nil {
		return
	}
	m.callsActive.Set(0)
	m.callEnds.WithLabelValues(outcome.String()).Inc()
	if connectedSeconds > 0 {
		m.callDuration.Observe(connectedSeconds)
	}
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.droppedEnvelopes.WithLabelValues(reason).Inc()
}

func (m *Metrics) iceRestart() {
	if m == nil {
		return
	}
	m.iceRestarts.Inc()
}
