// Package relaymetrics exposes Prometheus gauges and counters for the
// relay's own protocol events: connections, offline-queue depth, one-time
// prekey exhaustion, login throttling, and X3DH/ratchet outcomes.
package relaymetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OnlineConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_online_connections",
			Help: "Number of currently connected, identified users",
		},
		[]string{"server_id"},
	)

	OfflineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_offline_queue_depth",
			Help: "Number of records queued for an offline user",
		},
		[]string{"username"},
	)

	OfflineQueueOverflow = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_offline_queue_overflow_total",
			Help: "Total number of offline records dropped because a user's queue hit its cap",
		},
		[]string{"username"},
	)

	PreKeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_prekeys_remaining",
			Help: "Number of unused one-time prekeys remaining per user",
		},
		[]string{"username"},
	)

	PreKeysReplenished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_prekeys_replenished_total",
			Help: "Total number of one-time prekey batches replenished",
		},
		[]string{"username"},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_attempts_total",
			Help: "Total number of registration/login attempts",
		},
		[]string{"kind", "result"}, // kind: register/login, result: success/failure/throttled
	)

	LoginThrottleRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_login_throttle_rejections_total",
			Help: "Total number of logins rejected before password comparison due to throttling",
		},
		[]string{"username"},
	)

	X3DHHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_x3dh_handshakes_total",
			Help: "Total number of X3DH handshakes by outcome",
		},
		[]string{"outcome"}, // completed, bundle_unavailable, target_not_registered
	)

	RatchetDecryptFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ratchet_decrypt_failures_total",
			Help: "Total number of Double Ratchet AEAD decrypt failures",
		},
	)

	ResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_resets_total",
			Help: "Total number of reset operations by target",
		},
		[]string{"target"}, // peer, server
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
