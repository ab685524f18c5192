package mqtt

import "github.com/prometheus/client_golang/prometheus"

var (
	connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gohome_mqtt_connected",
		Help: "MQTT broker connection state (1=connected)",
	})
	messagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gohome_mqtt_messages_published_total",
		Help: "MQTT messages acknowledged by the broker",
	})
	publishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gohome_mqtt_publish_errors_total",
		Help: "MQTT publishes that failed or timed out",
	})
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{connectedGauge, messagesPublished, publishErrors}
}
