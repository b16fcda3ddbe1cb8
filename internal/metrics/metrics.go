package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	LaneMessages      *prometheus.CounterVec
	LaneDrops         prometheus.Counter
	DispatchesCreated prometheus.Counter
	DispatchClaims    prometheus.Counter
	DispatchOutcomes  *prometheus.CounterVec
	ActiveDispatches  prometheus.Gauge
	ClaimWait         prometheus.Histogram
	EffectOutcomes    *prometheus.CounterVec
	DeliveryLatency   *prometheus.HistogramVec
	LeasesRecovered   *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LaneMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_messages_total",
			Help:      "Inbound messages by enqueue outcome.",
		}, []string{"outcome"}),
		LaneDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_dropped_messages_total",
			Help:      "Messages dropped by lane back-pressure.",
		}),
		DispatchesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_created_total",
			Help:      "Dispatches created by lane flushes and replays.",
		}),
		DispatchClaims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_claims_total",
			Help:      "Successful dispatch claims.",
		}),
		DispatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatch attempt outcomes.",
		}, []string{"outcome"}),
		ActiveDispatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_dispatches",
			Help:      "Dispatches currently claimed or running.",
		}),
		ClaimWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_claim_wait_ms",
			Help:      "Time from scheduled_at to claim in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
		EffectOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effect_outcomes_total",
			Help:      "Effect delivery outcomes by channel.",
		}, []string{"channel", "outcome"}),
		DeliveryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "effect_delivery_ms",
			Help:      "Adapter send latency in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"channel"}),
		LeasesRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_recovered_total",
			Help:      "Expired leases returned to the queue.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) MessageEnqueued(outcome string) {
	if m == nil {
		return
	}
	m.LaneMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessagesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LaneDrops.Add(float64(n))
}

func (m *Metrics) DispatchCreated() {
	if m == nil {
		return
	}
	m.DispatchesCreated.Inc()
}

func (m *Metrics) DispatchClaimed(wait time.Duration) {
	if m == nil {
		return
	}
	m.DispatchClaims.Inc()
	if wait < 0 {
		wait = 0
	}
	m.ClaimWait.Observe(float64(wait.Milliseconds()))
}

func (m *Metrics) DispatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveDispatches(n int) {
	if m == nil {
		return
	}
	m.ActiveDispatches.Set(float64(n))
}

func (m *Metrics) EffectOutcome(channel, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.EffectOutcomes.WithLabelValues(channel, outcome).Inc()
	m.DeliveryLatency.WithLabelValues(channel).Observe(float64(took.Milliseconds()))
}

func (m *Metrics) LeasesRequeued(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.LeasesRecovered.WithLabelValues(kind).Add(float64(n))
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
