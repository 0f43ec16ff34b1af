// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luciancaetano/kephasgate"
)

const namespace = "ws_gateway"

// Frame outcomes.
const (
	FrameAccepted     = "accepted"
	FrameRateLimited  = "rate_limited"
	FrameAuthRequired = "auth_required"
	FrameInvalid      = "invalid"
)

// Metrics holds the gateway collectors on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	frames          *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	routed          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	disconnects     *prometheus.CounterVec
}

// Sources are read lazily at scrape time.
type Sources struct {
	Stats          func() kephasgate.Stats
	BroadcastDrops func() uint64
}

// New registers every collector.
func New(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_total",
			Help:      "Client frames by outcome.",
		}, []string{"outcome"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_failures_total",
			Help:      "Failed Kafka publishes by topic.",
		}, []string{"topic"}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_events_total",
			Help:      "Bus events routed to clients by addressing kind.",
		}, []string{"target"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_deliveries_total",
			Help:      "Frames queued to clients for routed events by addressing kind.",
		}, []string{"target"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Closed connections by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.frames, m.publishFailures, m.routed, m.deliveries, m.disconnects,
	)

	if src.Stats != nil {
		stat := func(pick func(kephasgate.Stats) int) func() float64 {
			return func() float64 { return float64(pick(src.Stats())) }
		}
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "connections", Help: "Registered connections.",
			}, stat(func(s kephasgate.Stats) int { return s.TotalConnections })),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "users", Help: "Distinct authenticated users.",
			}, stat(func(s kephasgate.Stats) int { return s.UniqueUsers })),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "rooms", Help: "Rooms with at least one connection.",
			}, stat(func(s kephasgate.Stats) int { return s.ActiveRooms })),
		)
	}
	if src.BroadcastDrops != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_drops_total",
			Help:      "Events skipped for subscribers whose buffer was full.",
		}, func() float64 { return float64(src.BroadcastDrops()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Frame counts an inbound frame by outcome.
func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

// PublishFailure counts a failed Kafka publish to topic.
func (m *Metrics) PublishFailure(topic string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(topic).Inc()
}

// Routed counts a routed event and the frames it queued.
func (m *Metrics) Routed(target string, delivered int) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(target).Inc()
	m.deliveries.WithLabelValues(target).Add(float64(delivered))
}

// Disconnect counts a closed connection by reason.
func (m *Metrics) Disconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}
