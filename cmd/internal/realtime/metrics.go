package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors.
//
// Labels are bounded: event types and rejection codes come from fixed sets,
// store operations are method names. A nil *Metrics is valid and records nothing.
type Metrics struct {
	events      *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	persisted   prometheus.Counter
	duplicates  prometheus.Counter
	drops       prometheus.Counter
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	storeLat    *prometheus.HistogramVec
}

// NewMetrics constructs the collectors and registers them on reg.
// Passing a fresh prometheus.NewRegistry() keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketchat",
				Name:      "relay_events_total",
				Help:      "Inbound realtime events by type.",
			},
			[]string{"type"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "marketchat",
				Name:      "relay_rejections_total",
				Help:      "Rejected inbound events by error code.",
			},
			[]string{"code"},
		),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Name:      "relay_messages_persisted_total",
			Help:      "Messages persisted and relayed.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Name:      "relay_messages_duplicate_total",
			Help:      "Sends suppressed by the dedup window.",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marketchat",
			Name:      "relay_deliveries_dropped_total",
			Help:      "Outbound envelopes dropped because a connection queue was full.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketchat",
			Name:      "relay_connections",
			Help:      "Live websocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketchat",
			Name:      "relay_online_users",
			Help:      "Users with a live presence entry on this instance.",
		}),
		storeLat: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "marketchat",
				Name:      "store_operation_duration_seconds",
				Help:      "Message store call latency by operation and outcome.",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"op", "outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.events, m.rejections, m.persisted, m.duplicates, m.drops,
			m.connections, m.onlineUsers, m.storeLat,
		)
	}
	return m
}

func (m *Metrics) event(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

func (m *Metrics) rejected(code string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) messagePersisted() {
	if m == nil {
		return
	}
	m.persisted.Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) setOnline(n int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(n))
}

func (m *Metrics) observeStore(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storeLat.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}
