package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Live websocket connections by principal kind",
		},
		[]string{"kind"},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Inbound events by name",
		},
		[]string{"event"},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Outbound group publishes by event name",
		},
		[]string{"event"},
	)
)
