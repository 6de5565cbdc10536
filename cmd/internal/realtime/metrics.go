package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay outcomes recorded in taskhive_relay_messages_total.
const (
	resultBroadcast = "broadcast"
	resultFailed    = "failed"
	resultRejected  = "rejected"
)

// Metrics holds the realtime Prometheus collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	messages   *prometheus.CounterVec
	persist    prometheus.Histogram
	deliveries prometheus.Counter
	sessions   prometheus.Gauge
	rooms      prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskhive",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Submitted chat messages by outcome.",
		}, []string{"result"}),
		persist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskhive",
			Subsystem: "relay",
			Name:      "persist_seconds",
			Help:      "Latency of message persistence.",
			Buckets:   prometheus.DefBuckets,
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskhive",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "messageReceived events enqueued to sessions.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskhive",
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Connected websocket sessions.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskhive",
			Subsystem: "gateway",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.messages, m.persist, m.deliveries, m.sessions, m.rooms)
	}
	return m
}

func (m *Metrics) message(result string) {
	if m != nil {
		m.messages.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) observePersist(d time.Duration) {
	if m != nil {
		m.persist.Observe(d.Seconds())
	}
}

func (m *Metrics) delivered(n int) {
	if m != nil && n > 0 {
		m.deliveries.Add(float64(n))
	}
}

func (m *Metrics) setPresence(sessions, rooms int) {
	if m != nil {
		m.sessions.Set(float64(sessions))
		m.rooms.Set(float64(rooms))
	}
}
