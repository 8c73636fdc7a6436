package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client-side counters. A nil *Metrics records nothing.
type Metrics struct {
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	DurableFailures   prometheus.Counter
	BroadcastFailures prometheus.Counter
	ReconcileMerged   prometheus.Counter
	OpenConversations prometheus.Gauge
}

// NewMetrics registers the client counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Total number of messages sent",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_received_total",
			Help: "Total number of messages received over the realtime channel",
		}),
		DurableFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_durable_write_failures_total",
			Help: "Total number of failed durable message writes",
		}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_broadcast_failures_total",
			Help: "Total number of failed realtime broadcasts",
		}),
		ReconcileMerged: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconcile_merged_total",
			Help: "Total number of durable messages merged into the local cache",
		}),
		OpenConversations: f.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_open_conversations",
			Help: "Number of conversation views currently open",
		}),
	}
}

func (m *Metrics) sent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) durableFailed() {
	if m != nil {
		m.DurableFailures.Inc()
	}
}

func (m *Metrics) broadcastFailed() {
	if m != nil {
		m.BroadcastFailures.Inc()
	}
}

func (m *Metrics) reconciled(n int) {
	if m != nil {
		m.ReconcileMerged.Add(float64(n))
	}
}

func (m *Metrics) opened(delta float64) {
	if m != nil {
		m.OpenConversations.Add(delta)
	}
}
