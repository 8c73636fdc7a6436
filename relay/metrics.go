package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay counters.
type Metrics struct {
	Connections     prometheus.Gauge
	Subscriptions   prometheus.Gauge
	EventsRelayed   *prometheus.CounterVec
	RateLimited     prometheus.Counter
	KVWrites        prometheus.Counter
	DisconnectHooks prometheus.Counter
	CommandErrors   *prometheus.CounterVec
	WebhooksSent    *prometheus.CounterVec
}

// NewMetrics registers the relay metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_relay_connections",
			Help: "Number of open websocket connections",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_relay_subscriptions",
			Help: "Number of active channel subscriptions across connections",
		}),
		EventsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_relay_events_total",
			Help: "Total number of client events relayed, by event name",
		}, []string{"event"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_relay_rate_limited_total",
			Help: "Total number of client events rejected by the rate limiter",
		}),
		KVWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_relay_kv_writes_total",
			Help: "Total number of realtime KV writes",
		}),
		DisconnectHooks: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_relay_disconnect_hooks_total",
			Help: "Total number of disconnect hooks executed",
		}),
		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_relay_command_errors_total",
			Help: "Total number of rejected commands, by error code",
		}, []string{"code"}),
		WebhooksSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_relay_webhooks_total",
			Help: "Total number of webhook deliveries, by result",
		}, []string{"result"}),
	}
}
