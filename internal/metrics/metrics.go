// Package metrics holds the Prometheus collectors shared by both tiers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_connections_active",
		Help: "Live connections per tier.",
	}, []string{"tier"})

	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_messages_received_total",
		Help: "Decoded messages per tier.",
	}, []string{"tier"})

	MalformedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_malformed_messages_total",
		Help: "Lines skipped because they could not be decoded.",
	}, []string{"tier"})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_connections_rejected_total",
		Help: "Connections closed at accept time because the node was not admitting.",
	}, []string{"tier"})

	Evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_evictions_total",
		Help: "Connections evicted, by reason.",
	}, []string{"tier", "reason"})

	Dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_dropped_total",
		Help: "Readings dropped because the aggregation queue was full.",
	})

	AnomaliesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_anomalies_detected_total",
		Help: "Anomalies recorded at the edge, by issue.",
	}, []string{"issue"})

	AnomaliesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_anomalies_forwarded_total",
		Help: "Anomalies forwarded to consumers after de-duplication, by issue.",
	}, []string{"issue"})

	UplinkFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_uplink_failures_total",
		Help: "Reports the drone failed to deliver to the central collector.",
	})

	BatteryLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telemetry_battery_level_percent",
		Help: "Last known battery level per drone.",
	}, []string{"drone_id"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		MessagesReceived,
		MalformedMessages,
		ConnectionsRejected,
		Evictions,
		Dropped,
		AnomaliesDetected,
		AnomaliesForwarded,
		UplinkFailures,
		BatteryLevel,
	)
}

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
