// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the transport.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: packets, frames, probes,
//    connections.
//  - the success or error status of any of the above.
//  - the distribution of latencies and estimates (RTT, bandwidth, MSS).
package metrics

import (
	"log"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsSent counts packets handed to the UDP socket.
	PacketsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_packets_sent_total",
			Help: "Number of packets sent.",
		})

	// PacketsReceived counts packets accepted and decrypted.
	PacketsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_packets_received_total",
			Help: "Number of packets received and accepted.",
		})

	// PacketsLost counts packets declared lost by the loss detector.
	PacketsLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_packets_lost_total",
			Help: "Number of packets declared lost.",
		})

	// RetransmittedBytes counts stream bytes queued for retransmission.
	RetransmittedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_retransmitted_bytes_total",
			Help: "Stream payload bytes re-queued after loss.",
		})

	// AcksSent counts Ack frames emitted.
	AcksSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_acks_sent_total",
			Help: "Number of ACK frames sent.",
		})

	// AEADFailures counts packets that failed authenticated decryption.
	// Three consecutive failures close the affected connection silently.
	AEADFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_aead_failures_total",
			Help: "Number of AEAD open failures.",
		})

	// DecodeErrors counts malformed input by parse stage.
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utp_decode_errors_total",
			Help: "The total number of header and frame decode errors.",
		}, []string{"stage"})

	// ConnectionsEstablished counts completed handshakes.
	ConnectionsEstablished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_connections_established_total",
			Help: "Number of connections that completed the handshake.",
		})

	// ConnectionsClosed counts teardowns by wire error code.
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utp_connections_closed_total",
			Help: "Number of connections closed.",
		}, []string{"code"})

	// OpenConnections tracks the live connection count per endpoint.
	OpenConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "utp_open_connections",
			Help: "Number of currently open connections.",
		})

	// BBRModeTransitions counts congestion controller phase changes.
	BBRModeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utp_bbr_mode_transitions_total",
			Help: "Number of BBR mode transitions.",
		}, []string{"from", "to"})

	// PTOFired counts probe-timeout expirations.
	PTOFired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_pto_fired_total",
			Help: "Number of probe timeouts fired.",
		})

	// RTTHistogram tracks RTT samples (seconds).
	RTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "utp_rtt_seconds",
			Help: "RTT sample distribution (seconds)",
			Buckets: []float64{
				0.0001, 0.000125, 0.00016, 0.0002, 0.00025, 0.00032, 0.0004, 0.0005, 0.00063, 0.00079,
				0.001, 0.00125, 0.0016, 0.002, 0.0025, 0.0032, 0.004, 0.005, 0.0063, 0.0079,
				0.01, 0.0125, 0.016, 0.02, 0.025, 0.032, 0.04, 0.05, 0.063, 0.079,
				0.1, 0.125, 0.16, 0.2, 0.25, 0.32, 0.4, 0.5, 0.63, 0.79,
				1, math.Inf(+1),
			},
		})

	// MTUProbes counts DPLPMTUD probe outcomes.
	MTUProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utp_mtu_probes_total",
			Help: "Number of MTU probes by outcome.",
		}, []string{"outcome"})

	// MSSInstalled tracks the segment sizes the prober converged on.
	MSSInstalled = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "utp_mss_installed_bytes",
			Help:    "Installed MSS after MTU search convergence (bytes)",
			Buckets: prometheus.LinearBuckets(500, 100, 11),
		})

	// PathMigrations counts observed peer address changes.
	PathMigrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_path_migrations_total",
			Help: "Number of peer address migrations observed.",
		})

	// PathValidations counts successful path validations.
	PathValidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "utp_path_validations_total",
			Help: "Number of successful path validations.",
		})

	// FlowEventsCounter counts events published on the event socket.
	FlowEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utp_flow_events_total",
			Help: "Number of connection lifecycle events published.",
		}, []string{"type"})

	// ErrorCount measures the number of errors.
	// Provides metrics:
	//    utp_error_total
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "foobar"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "utp_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in utp.metrics are registered.")
}
