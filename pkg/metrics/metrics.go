package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrmesh_requests_total",
			Help: "Total number of attribute requests by operation and source",
		},
		[]string{"op", "source"},
	)

	RequestsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrmesh_requests_dropped_total",
			Help: "Total number of malformed requests dropped",
		},
	)

	// Table metrics
	AttributesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrmesh_attributes_total",
			Help: "Number of attributes tracked in the local table",
		},
	)

	TimersArmed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "attrmesh_timers_armed",
			Help: "Number of attributes with an armed dampening timer",
		},
	)

	WritesCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrmesh_writes_coalesced_total",
			Help: "Updates absorbed by an armed dampening timer",
		},
	)

	// Store metrics
	StoreWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrmesh_store_writes_total",
			Help: "Store write completions by result",
		},
		[]string{"result"},
	)

	StoreWritesDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrmesh_store_writes_deferred_total",
			Help: "Writes deferred because the store was not connected",
		},
	)

	// Cluster metrics
	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrmesh_broadcasts_total",
			Help: "Requests broadcast to all peers",
		},
	)

	ForwardsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attrmesh_forwards_total",
			Help: "Requests forwarded to a single peer",
		},
	)

	ClearRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrmesh_clear_requests_total",
			Help: "Failure-clear requests by scope",
		},
		[]string{"scope"},
	)

	// Alert metrics
	AlertOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attrmesh_alert_outcomes_total",
			Help: "Alert dispatch outcomes",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestsDropped)
	prometheus.MustRegister(AttributesTotal)
	prometheus.MustRegister(TimersArmed)
	prometheus.MustRegister(WritesCoalesced)
	prometheus.MustRegister(StoreWritesTotal)
	prometheus.MustRegister(StoreWritesDeferred)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(ForwardsTotal)
	prometheus.MustRegister(ClearRequestsTotal)
	prometheus.MustRegister(AlertOutcomes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
