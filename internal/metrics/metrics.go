// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TokenRefreshes counts token endpoint exchanges by flow and outcome.
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_token_refreshes_total",
		Help: "Total number of token endpoint exchanges",
	}, []string{"flow", "result"})

	// SendAttempts counts individual sendMail HTTP attempts by classification.
	SendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_send_attempts_total",
		Help: "Total number of sendMail attempts grouped by outcome kind",
	}, []string{"kind"})

	// Sends counts completed Send calls by final outcome.
	Sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_sends_total",
		Help: "Total number of messages handled by the mail client",
	}, []string{"result"})

	// SendDuration observes end-to-end Send latency including retries.
	SendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailrelay_send_duration_seconds",
		Help:    "End-to-end duration of Send calls including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// TransportDeliveries counts shim outcomes per transport.
	TransportDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrelay_transport_deliveries_total",
		Help: "Total number of deliveries through the selected transport",
	}, []string{"transport", "result"})
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TokenRefreshes)
		prometheus.MustRegister(SendAttempts)
		prometheus.MustRegister(Sends)
		prometheus.MustRegister(SendDuration)
		prometheus.MustRegister(TransportDeliveries)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
