package herohealth

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports the coordinator's last snapshot. Scrapes never
// call the API.
type MetricsCollector struct {
	coordinator *Coordinator

	success        prometheus.Gauge
	lastSuccess    prometheus.Gauge
	online         prometheus.Gauge
	takenToday     prometheus.Gauge
	missedToday    prometheus.Gauge
	pendingToday   prometheus.Gauge
	totalToday     prometheus.Gauge
	adherence      prometheus.Gauge
	nextDose       prometheus.Gauge
	lastEvent      prometheus.Gauge
	remainingDays  *prometheus.GaugeVec
	pillsRemaining *prometheus.GaugeVec
	sourceOK       *prometheus.GaugeVec
	reauth         prometheus.Gauge
	prompts        *prometheus.Desc
}

func NewMetricsCollector(coordinator *Coordinator) *MetricsCollector {
	slotLabels := []string{"slot_index", "pill_name"}
	return &MetricsCollector{
		coordinator: coordinator,
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_poll_success",
			Help: "Last poll success (1=ok, 0=error)",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_last_success_timestamp_seconds",
			Help: "Last successful poll timestamp (epoch seconds)",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_device_online",
			Help: "Dispenser connectivity (1=online, 0=offline)",
		}),
		takenToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_doses_taken_today",
			Help: "Doses taken today",
		}),
		missedToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_doses_missed_today",
			Help: "Doses missed today",
		}),
		pendingToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_doses_pending_today",
			Help: "Doses still pending today",
		}),
		totalToday: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_doses_total_today",
			Help: "Doses scheduled today",
		}),
		adherence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_adherence_percent",
			Help: "Medication adherence percentage",
		}),
		nextDose: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_next_dose_timestamp_seconds",
			Help: "Next pending dose (epoch seconds)",
		}),
		lastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_last_event_timestamp_seconds",
			Help: "Most recent dispenser event (epoch seconds)",
		}),
		remainingDays: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_herohealth_slot_remaining_days",
			Help: "Days of medication left per slot",
		}, slotLabels),
		pillsRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_herohealth_slot_pills_remaining",
			Help: "Pills left per slot",
		}, slotLabels),
		sourceOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gohome_herohealth_source_ok",
			Help: "Last fetch result per API source (1=ok, 0=error)",
		}, []string{"source"}),
		reauth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gohome_herohealth_reauth_required",
			Help: "Re-authentication required (1=yes, 0=no)",
		}),
		prompts: prometheus.NewDesc(
			"gohome_herohealth_reauth_prompts_total",
			"Times the user was asked to log in again",
			nil, nil,
		),
	}
}

func (c *MetricsCollector) gauges() []prometheus.Collector {
	return []prometheus.Collector{
		c.success, c.lastSuccess, c.online,
		c.takenToday, c.missedToday, c.pendingToday, c.totalToday,
		c.adherence, c.nextDose, c.lastEvent,
		c.remainingDays, c.pillsRemaining, c.sourceOK, c.reauth,
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range c.gauges() {
		g.Describe(ch)
	}
	ch <- c.prompts
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.coordinator.Snapshot()
	loc := c.coordinator.Location()
	now := c.coordinator.now().In(loc)

	c.remainingDays.Reset()
	c.pillsRemaining.Reset()
	c.sourceOK.Reset()

	ok := snap.Polls > 0 && snap.Reachable && !snap.Reauth
	c.success.Set(boolFloat(ok))
	if !snap.LastSuccess.IsZero() {
		c.lastSuccess.Set(float64(snap.LastSuccess.Unix()))
	}
	c.reauth.Set(boolFloat(snap.Reauth))
	for name, status := range snap.Sources {
		c.sourceOK.WithLabelValues(name).Set(boolFloat(status.OK))
	}

	online := false
	if ok {
		online = true
		if snap.has(SourceOffline) {
			online = snap.Offline.Online
		}
	}
	c.online.Set(boolFloat(online))

	if snap.has(SourceDoses) {
		counts := countToday(snap.Doses, now, loc)
		c.takenToday.Set(float64(counts.taken))
		c.missedToday.Set(float64(counts.missed))
		c.pendingToday.Set(float64(counts.pending))
		c.totalToday.Set(float64(counts.total))
		if at, dose := findNextDose(snap.Doses, now, loc); dose != nil {
			c.nextDose.Set(float64(at.Unix()))
		} else {
			c.nextDose.Set(0)
		}
	}
	if snap.has(SourceEvents) {
		if at, event := findLastEvent(snap.Events, loc); event != nil {
			c.lastEvent.Set(float64(at.Unix()))
		}
	}
	if snap.has(SourceStats) {
		if v, ok := adherencePercent(snap.Stats).(float64); ok {
			c.adherence.Set(v)
		}
	}

	for _, slot := range snap.Slots {
		labels := prometheus.Labels{
			"slot_index": strconv.Itoa(slot.Index),
			"pill_name":  snap.slotName(slot),
		}
		days := snap.Remaining[slot.Index]
		pills := days.PillsRemaining
		if pills == nil {
			pills = slot.PillsRemaining
		}
		if days.Days != nil && *days.Days >= 0 {
			c.remainingDays.With(labels).Set(*days.Days)
		}
		if pills != nil && *pills >= 0 {
			c.pillsRemaining.With(labels).Set(*pills)
		}
	}

	for _, g := range c.gauges() {
		g.Collect(ch)
	}
	ch <- prometheus.MustNewConstMetric(c.prompts, prometheus.CounterValue, float64(snap.Prompts))
}

func boolFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
