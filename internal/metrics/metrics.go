// Package metrics exposes the engine's operational counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine updates. Construct one per engine
// with a caller-owned registry; a nil registry falls back to the default.
type Metrics struct {
	MessagesSent      prometheus.Counter
	MessagesConfirmed prometheus.Counter
	MessagesFailed    prometheus.Counter
	BatchesFlushed    prometheus.Counter
	ReconnectAttempts prometheus.Counter
	RoomsJoined       prometheus.Gauge
	HeartbeatRTT      prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Messages submitted for sending, counted at enqueue time.",
		}),
		MessagesConfirmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_confirmed_total",
			Help: "Provisional messages reconciled against server confirmations.",
		}),
		MessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_failed_total",
			Help: "Messages marked failed after exhausting send retries.",
		}),
		BatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_batches_flushed_total",
			Help: "Outbound batches written to the transport.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Reconnection attempts after unexpected transport closes.",
		}),
		RoomsJoined: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_rooms_joined",
			Help: "Rooms with at least one local subscriber.",
		}),
		HeartbeatRTT: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_heartbeat_rtt_seconds",
			Help: "Most recent heartbeat round-trip time.",
		}),
	}
}
