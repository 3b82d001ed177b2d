// Package metrics exposes Prometheus-format counters and gauges for the
// coordination server, generalizing the teacher's tunnel-proxy metrics to
// the CIDR/peer/reachability domain.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// Peer lifecycle
	PeersActive    = metrics.NewGauge(`meridian_peers_active`, nil)
	PeersPending   = metrics.NewGauge(`meridian_peers_pending`, nil)
	PeersCreated   = metrics.NewCounter(`meridian_peers_created_total`)
	PeersRedeemed  = metrics.NewCounter(`meridian_peers_redeemed_total`)
	InvitesExpired = metrics.NewCounter(`meridian_invites_expired_total`)

	// HTTP
	HTTPRequestsTotal   = metrics.NewCounter(`meridian_http_requests_total`)
	HTTPRequestDuration = metrics.NewHistogram(`meridian_http_request_duration_seconds`)

	// IP pool
	IPPoolExhausted = metrics.NewCounter(`meridian_ip_pool_exhausted_total`)

	// Auth
	AuthFailures  = metrics.NewCounter(`meridian_auth_failures_total`)
	AuthSuccesses = metrics.NewCounter(`meridian_auth_successes_total`)

	// Reachability cache
	ReachabilityRecomputed = metrics.NewCounter(`meridian_reachability_recomputed_total`)

	// Device sync (client)
	DevicePeersApplied = metrics.NewGauge(`meridian_device_peers_applied`, nil)
	DeviceSyncErrors   = metrics.NewCounter(`meridian_device_sync_errors_total`)
)

// Handler returns the metrics handler for Prometheus scraping.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}
}

// RecordHTTPRequest records HTTP request metrics with method/path/status labels.
func RecordHTTPRequest(method, path string, statusCode int, duration float64) {
	HTTPRequestsTotal.Inc()
	HTTPRequestDuration.Update(duration)

	counter := metrics.GetOrCreateCounter(
		fmt.Sprintf(`meridian_http_requests_total{method=%q,path=%q,status="%d"}`,
			method, path, statusCode))
	counter.Inc()
}
