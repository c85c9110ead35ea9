// Package metrics registers the Prometheus collectors of the crisis
// pipeline. Collectors are registered on an injected registry so tests
// can build independent instances.
//
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carehub"

// Metrics holds the pipeline collectors.
//
// Exported series:
//   - carehub_signals_classified_total{category,severity}
//   - carehub_risk_advances_total{stage_changed}
//   - carehub_risk_cas_conflicts_total
//   - carehub_signals_deferred_total
//   - carehub_deferred_sweeps_total{result}
//   - carehub_alerts_total{result} (published, suppressed, filtered, relayed)
//   - carehub_alert_drops_total
//   - carehub_relay_frames_dropped_total{transport}
//   - carehub_alert_subscribers
//   - carehub_assignment_transitions_total{to}
//   - carehub_notifications_total{channel,result}
//   - carehub_eventbus_handler_duration_seconds{event_type,success}
//   - carehub_scheduler_job_duration_seconds{job,success}
//   - carehub_http_request_duration_seconds{method,route,status}
type Metrics struct {
	signalsClassified     *prometheus.CounterVec
	riskAdvances          *prometheus.CounterVec
	casConflicts          prometheus.Counter
	signalsDeferred       prometheus.Counter
	deferredSweeps        *prometheus.CounterVec
	alerts                *prometheus.CounterVec
	alertDrops            prometheus.Counter
	relayFramesDropped    *prometheus.CounterVec
	alertSubscribers      prometheus.Gauge
	assignmentTransitions *prometheus.CounterVec
	notifications         *prometheus.CounterVec
	handlerDuration       *prometheus.HistogramVec
	jobDuration           *prometheus.HistogramVec
	httpDuration          *prometheus.HistogramVec
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		signalsClassified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_classified_total",
			Help:      "Messages classified, by resulting category and severity.",
		}, []string{"category", "severity"}),
		riskAdvances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_advances_total",
			Help:      "Flagged signals committed to a risk profile.",
		}, []string{"stage_changed"}),
		casConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_cas_conflicts_total",
			Help:      "Compare-and-swap conflicts on risk profile writes.",
		}),
		signalsDeferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_deferred_total",
			Help:      "Flagged signals parked after exhausting write retries.",
		}),
		deferredSweeps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_sweeps_total",
			Help:      "Deferred signal re-apply attempts, by result.",
		}, []string{"result"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts offered to the bus, by outcome.",
		}, []string{"result"}),
		alertDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_drops_total",
			Help:      "Alerts dropped from slow subscriber queues.",
		}),
		relayFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_dropped_total",
			Help:      "Relay frames from other instances that could not be decoded.",
		}, []string{"transport"}),
		alertSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_subscribers",
			Help:      "Currently connected alert subscribers.",
		}),
		assignmentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_transitions_total",
			Help:      "Assignment lifecycle transitions, by target status.",
		}, []string{"to"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications, by channel and result.",
		}, []string{"channel", "result"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eventbus_handler_duration_seconds",
			Help:      "Domain event handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type", "success"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_job_duration_seconds",
			Help:      "Background job run time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job", "success"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route template and status.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) SignalClassified(category, severity string) {
	if m == nil {
		return
	}
	m.signalsClassified.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) RiskAdvanced(stageChanged bool) {
	if m == nil {
		return
	}
	m.riskAdvances.WithLabelValues(boolLabel(stageChanged)).Inc()
}

func (m *Metrics) CASConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) SignalDeferred() {
	if m == nil {
		return
	}
	m.signalsDeferred.Inc()
}

func (m *Metrics) DeferredSweep(result string) {
	if m == nil {
		return
	}
	m.deferredSweeps.WithLabelValues(result).Inc()
}

func (m *Metrics) Alert(result string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(result).Inc()
}

func (m *Metrics) AlertDropped() {
	if m == nil {
		return
	}
	m.alertDrops.Inc()
}

func (m *Metrics) RelayFrameDropped(transport string) {
	if m == nil {
		return
	}
	m.relayFramesDropped.WithLabelValues(transport).Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.alertSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.alertSubscribers.Dec()
}

func (m *Metrics) AssignmentTransition(to string) {
	if m == nil {
		return
	}
	m.assignmentTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) HandlerExecuted(eventType string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(eventType, boolLabel(success)).Observe(d.Seconds())
}

func (m *Metrics) JobExecuted(job string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job, boolLabel(success)).Observe(d.Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// HTTPRequest records one served request. route is the template
// (/api/v1/assignments/:id), never the raw path.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
