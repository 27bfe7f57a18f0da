// Package metrics exposes Prometheus collectors of the realtime core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	RealtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barmatch_realtime_events_total",
			Help: "Realtime events dispatched to subscribers by source and kind",
		},
		[]string{"source", "kind"},
	)

	CallbackPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barmatch_realtime_callback_panics_total",
			Help: "Recovered panics in realtime callbacks by source",
		},
		[]string{"source"},
	)

	Resubscriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barmatch_realtime_resubscriptions_total",
			Help: "Subscriptions re-established after a dropped connection",
		},
		[]string{"source"},
	)

	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "barmatch_realtime_active_subscriptions",
			Help: "Currently open realtime subscriptions by source",
		},
		[]string{"source"},
	)

	PresenceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barmatch_presence_transitions_total",
			Help: "Online flag transitions applied to directories",
		},
		[]string{"to", "cause"},
	)

	ChatMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barmatch_chat_merges_total",
			Help: "Remote messages merged into chat threads by result",
		},
		[]string{"result"},
	)

	Streams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "barmatch_websocket_streams",
			Help: "Open websocket streams by kind",
		},
		[]string{"kind"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barmatch_http_requests_total",
			Help: "HTTP requests by path",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(RealtimeEvents)
	prometheus.MustRegister(CallbackPanics)
	prometheus.MustRegister(Resubscriptions)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(PresenceTransitions)
	prometheus.MustRegister(ChatMerges)
	prometheus.MustRegister(Streams)
	prometheus.MustRegister(HTTPRequests)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
