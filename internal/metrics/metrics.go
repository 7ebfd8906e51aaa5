package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "communityhub"

// StatsFunc reports point-in-time counters, such as presence.Registry.GetStats
// or session.Manager.Stats. Each key becomes a label value on a gauge.
type StatsFunc func() map[string]int

// Metrics owns a private Prometheus registry and implements the observer
// interfaces of the router, hub and websocket packages.
type Metrics struct {
	registry *prometheus.Registry

	messagesRejected  *prometheus.CounterVec
	messagesPersisted prometheus.Counter
	persistDuration   prometheus.Histogram
	deliveries        prometheus.Histogram

	eventsHandled *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	eventDuration *prometheus.HistogramVec

	connectionsOpened  prometheus.Counter
	connectionsClosed  prometheus.Counter
	connectionLifetime prometheus.Histogram
	framesReceived     *prometheus.CounterVec
	handshakesRejected *prometheus.CounterVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_rejected_total",
			Help: "Send requests rejected before persistence, by reason.",
		}, []string{"reason"}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_persisted_total",
			Help: "Messages written to the store.",
		}),
		persistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "chat", Name: "persist_duration_seconds",
			Help:    "Time spent persisting a message.",
			Buckets: prometheus.DefBuckets,
		}),
		deliveries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "chat", Name: "message_recipients",
			Help:    "Connections that accepted a message broadcast.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "events_handled_total",
			Help: "Events processed by the hub loop, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "events_dropped_total",
			Help: "Events refused because the hub queue was full, by kind.",
		}, []string{"kind"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "hub", Name: "event_duration_seconds",
			Help:    "Time the hub loop spent on one event.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"kind"}),

		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections_opened_total",
			Help: "WebSocket connections accepted.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections_closed_total",
			Help: "WebSocket connections closed.",
		}),
		connectionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connection_lifetime_seconds",
			Help:    "How long WebSocket connections stayed open.",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400},
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "frames_received_total",
			Help: "Inbound frames by event name.",
		}, []string{"event"}),
		handshakesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "handshakes_rejected_total",
			Help: "Upgrade requests refused, by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesRejected, m.messagesPersisted, m.persistDuration, m.deliveries,
		m.eventsHandled, m.eventsDropped, m.eventDuration,
		m.connectionsOpened, m.connectionsClosed, m.connectionLifetime,
		m.framesReceived, m.handshakesRejected,
	)
	return m
}

// RegisterStats exposes source as a gauge named communityhub_<name> with one
// series per stats key, read at scrape time.
func (m *Metrics) RegisterStats(name, help string, source StatsFunc) error {
	return m.registry.Register(&statsCollector{
		desc:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, []string{"stat"}, nil),
		source: source,
	})
}

// Handler exposes the registry at /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// router.Observer

func (m *Metrics) MessageRejected(reason string) {
	m.messagesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessagePersisted(_ string, took time.Duration) {
	m.messagesPersisted.Inc()
	m.persistDuration.Observe(took.Seconds())
}

func (m *Metrics) MessageDelivered(_ string, recipients int) {
	m.deliveries.Observe(float64(recipients))
}

// hub.Observer

func (m *Metrics) EventHandled(kind string, took time.Duration) {
	m.eventsHandled.WithLabelValues(kind).Inc()
	m.eventDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) EventDropped(kind string) {
	m.eventsDropped.WithLabelValues(kind).Inc()
}

// websocket.Observer

func (m *Metrics) ConnectionOpened(string) {
	m.connectionsOpened.Inc()
}

func (m *Metrics) ConnectionClosed(_ string, lifetime time.Duration) {
	m.connectionsClosed.Inc()
	m.connectionLifetime.Observe(lifetime.Seconds())
}

func (m *Metrics) FrameReceived(event string) {
	m.framesReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) HandshakeRejected(reason string) {
	m.handshakesRejected.WithLabelValues(reason).Inc()
}

type statsCollector struct {
	desc   *prometheus.Desc
	source StatsFunc
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for stat, value := range c.source() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(value), stat)
	}
}
