package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "koto_signaling_active_connections",
		Help: "Number of live signaling connections",
	})
	ActiveUpstreamSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "koto_bridge_active_upstream_sessions",
		Help: "Number of open upstream realtime sockets",
	})
)

// Counters
var (
	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koto_signaling_messages_total",
		Help: "Signaling messages received by type",
	}, []string{"type"})
	SignalingDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "koto_signaling_drops_total",
		Help: "Client pushes dropped because the connection was gone",
	})
	CredentialIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "koto_bridge_credentials_issued_total",
		Help: "Upstream session credentials issued",
	})
	CredentialFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "koto_bridge_credential_failures_total",
		Help: "Upstream credential issuance failures",
	})
	UpstreamMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "koto_bridge_upstream_messages_total",
		Help: "Messages relayed across the upstream socket by direction",
	}, []string{"direction"})
	UpstreamDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "koto_bridge_upstream_drops_total",
		Help: "Client messages dropped because the upstream socket was not open",
	})
)

// Histograms
var (
	UpstreamDialSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "koto_bridge_upstream_dial_seconds",
		Help:    "Time to establish the upstream realtime socket",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
	SDPExchangeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "koto_sdp_exchange_seconds",
		Help:    "Time to complete the upstream SDP exchange",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)
