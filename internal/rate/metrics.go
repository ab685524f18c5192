package rate

import "github.com/prometheus/client_golang/prometheus"

// Label values of gohome_rate_limit_requests_total.
const (
	outcomeSent    = "sent"
	outcomeBlocked = "blocked"
	outcomeFailed  = "transport_error"
)

var (
	remainingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gohome_rate_limit_remaining",
		Help: "Requests left in the provider budget window",
	}, []string{"provider", "window"})

	retryAfterGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gohome_rate_limit_retry_after_seconds",
		Help: "Most recent cooldown requested by the provider",
	}, []string{"provider"})

	lastStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gohome_rate_limit_last_status_code",
		Help: "HTTP status of the latest guarded response",
	}, []string{"provider"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gohome_rate_limit_requests_total",
		Help: "Outbound provider requests by guard outcome",
	}, []string{"provider", "outcome"})
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{remainingGauge, retryAfterGauge, lastStatusGauge, requestsTotal}
}
