package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venderd_claims_total",
		Help: "Claim attempts by outcome.",
	}, []string{"outcome"})

	dispensesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venderd_dispenses_total",
		Help: "Dispense triggers by outcome.",
	}, []string{"outcome"})

	confirmsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venderd_confirms_total",
		Help: "Dispense confirmations by outcome.",
	}, []string{"outcome"})
)

// RegisterMetrics registers the Prometheus handler in the provided mux and
// wires the live-connection gauge to the registry snapshot.
func RegisterMetrics(mux *http.ServeMux, liveConns func() int) {
	if liveConns != nil {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "venderd_live_connections",
			Help: "Device connections held by this process.",
		}, func() float64 { return float64(liveConns()) })
	}
	mux.Handle("/metrics", promhttp.Handler())
}
