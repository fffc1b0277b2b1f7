package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Host / client side.
var (
	SessionsStartedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "natpunch_sessions_started_total", Help: "Host traversal sessions started"})
	SessionsEnabledTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "natpunch_sessions_enabled_total", Help: "Host sessions that reached Enabled"})
	SessionsActive        = promauto.NewGauge(prometheus.GaugeOpts{Name: "natpunch_sessions_active", Help: "Notification loops currently running"})
	KeepAlivesSentTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "natpunch_keepalives_sent_total", Help: "Keep-alive datagrams sent"})
	PunchesSentTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "natpunch_punches_sent_total", Help: "Hole punch datagrams sent towards clients"})
	LookupsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "natpunch_lookups_total", Help: "Client lookups by result"}, []string{"result"})
	DatagramsDiscardTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "natpunch_datagrams_discarded_total", Help: "Datagrams ignored by reason"}, []string{"reason"})
)

// Rendezvous service side.
var (
	RegisteredHosts     = promauto.NewGauge(prometheus.GaugeOpts{Name: "natpunch_registered_hosts", Help: "Hosts with a known public endpoint"})
	OpenChannels        = promauto.NewGauge(prometheus.GaugeOpts{Name: "natpunch_open_channels", Help: "Notification channels opened"})
	MessagesTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "natpunch_messages_total", Help: "Messages handled by type"}, []string{"type"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "natpunch_errors_total", Help: "Errors by type"}, []string{"type"})
	HostsExpiredTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "natpunch_hosts_expired_total", Help: "Host registrations expired without keep-alive"})
	PlayersJoinedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "natpunch_players_joined_total", Help: "Player joined notifications"})
	LookupsLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "natpunch_lookups_rate_limited_total", Help: "Lookups dropped by the per-IP limiter"})
	EventsDroppedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "natpunch_events_dropped_total", Help: "Events not delivered to a slow subscriber"})
	LookupLatencySecond = promauto.NewHistogram(prometheus.HistogramOpts{Name: "natpunch_lookup_roundtrip_seconds", Help: "Lookup to AckLookup time seen by the service", Buckets: prometheus.ExponentialBuckets(0.001, 2, 14)})
)
