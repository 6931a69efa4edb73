package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "adaptive_auth"

// Security holds the Prometheus collectors for the authentication and
// incident-response pipeline. A nil *Security is a valid no-op recorder.
type Security struct {
	validations      *prometheus.CounterVec
	denials          prometheus.Counter
	trustScore       prometheus.Histogram
	validationErrors prometheus.Counter

	rateLimitChecks     *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec
	counterFallbacks    *prometheus.CounterVec

	detections       *prometheus.CounterVec
	analyses         *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	analysesDropped  prometheus.Counter

	incidents         *prometheus.CounterVec
	incidentsDeduped  prometheus.Counter
	statusChanges     *prometheus.CounterVec
	responseActions   *prometheus.CounterVec
	escalations       *prometheus.CounterVec
	autoResolutions   *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
	severityObserved  *prometheus.CounterVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewSecurity registers all collectors with reg. Pass
// prometheus.DefaultRegisterer in production and prometheus.NewRegistry()
// in tests.
func NewSecurity(reg prometheus.Registerer) *Security {
	f := promauto.With(reg)

	return &Security{
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "validations_total",
			Help:      "Authentication validations by resulting action",
		}, []string{"action"}),
		denials: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "denials_total",
			Help:      "Authentication validations that ended in DENY",
		}),
		trustScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "score",
			Help:      "Distribution of computed trust scores",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		validationErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "validation_errors_total",
			Help:      "Validations that failed closed because of an internal error",
		}),

		rateLimitChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Rate limit checks by rule prefix",
		}, []string{"rule"}),
		rateLimitRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter by rule prefix",
		}, []string{"rule"}),
		counterFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "counter_store",
			Name:      "fallbacks_total",
			Help:      "Increments served by the local store because the shared store was unavailable",
		}, []string{"reason"}),

		detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threat",
			Name:      "indicators_total",
			Help:      "Threat indicators emitted by type and severity",
		}, []string{"type", "severity"}),
		analyses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threat",
			Name:      "analyses_total",
			Help:      "Completed threat analyses by threat level",
		}, []string{"level"}),
		analysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "threat",
			Name:      "analysis_duration_seconds",
			Help:      "Time spent detecting and scoring one event",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		analysesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "threat",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the analysis queue was full",
		}),

		incidents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "created_total",
			Help:      "Security incidents created by severity and detection source",
		}, []string{"severity", "source"}),
		incidentsDeduped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "deduplicated_total",
			Help:      "Automated detections folded into an existing incident",
		}),
		statusChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "status_changes_total",
			Help:      "Incident status transitions by target status",
		}, []string{"status"}),
		responseActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "response_actions_total",
			Help:      "Executed response actions by action and outcome",
		}, []string{"action", "outcome"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "escalations_total",
			Help:      "Incidents escalated by severity",
		}, []string{"severity"}),
		autoResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "auto_resolutions_total",
			Help:      "Incidents resolved automatically by severity",
		}, []string{"severity"}),
		notificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "notifications_total",
			Help:      "Incident notifications by channel and outcome",
		}, []string{"channel", "outcome"}),
		severityObserved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incident",
			Name:      "severity_observed_total",
			Help:      "Incidents folded into severity trend metrics by the metrics update action",
		}, []string{"severity", "indicator"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "handler", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"method", "handler"}),
	}
}

func (m *Security) RecordValidation(action string, score float64, failed bool) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(action).Inc()
	m.trustScore.Observe(score)
	if action == "DENY" {
		m.denials.Inc()
	}
	if failed {
		m.validationErrors.Inc()
	}
}

func (m *Security) RecordRateLimitCheck(rule string, rejected bool) {
	if m == nil {
		return
	}
	m.rateLimitChecks.WithLabelValues(rule).Inc()
	if rejected {
		m.rateLimitRejections.WithLabelValues(rule).Inc()
	}
}

func (m *Security) RecordCounterFallback(reason string) {
	if m == nil {
		return
	}
	m.counterFallbacks.WithLabelValues(reason).Inc()
}

func (m *Security) RecordIndicator(indicatorType, severity string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(indicatorType, severity).Inc()
}

func (m *Security) RecordAnalysis(level string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.analyses.WithLabelValues(level).Inc()
	m.analysisDuration.Observe(elapsed.Seconds())
}

func (m *Security) RecordEventDropped() {
	if m == nil {
		return
	}
	m.analysesDropped.Inc()
}

func (m *Security) RecordIncident(severity, source string) {
	if m == nil {
		return
	}
	m.incidents.WithLabelValues(severity, source).Inc()
}

func (m *Security) RecordDeduplicated() {
	if m == nil {
		return
	}
	m.incidentsDeduped.Inc()
}

func (m *Security) RecordStatusChange(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

func (m *Security) RecordResponseAction(action string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.responseActions.WithLabelValues(action, outcome).Inc()
}

func (m *Security) RecordEscalation(severity string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(severity).Inc()
}

func (m *Security) RecordAutoResolution(severity string) {
	if m == nil {
		return
	}
	m.autoResolutions.WithLabelValues(severity).Inc()
}

func (m *Security) RecordNotification(channel string, ok bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	m.notificationsSent.WithLabelValues(channel, outcome).Inc()
}

func (m *Security) RecordSeverityObserved(severity, indicator string) {
	if m == nil {
		return
	}
	m.severityObserved.WithLabelValues(severity, indicator).Inc()
}

func (m *Security) RecordHTTPRequest(method, handler string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, handler, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, handler).Observe(elapsed.Seconds())
}
