// Package metrics содержит Prometheus-метрики жизненного цикла объявлений
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы классификации для метки outcome
const (
	OutcomeSuccess     = "success"
	OutcomeUnreadable  = "unreadable"
	OutcomeUnavailable = "unavailable"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

// AlertMetrics - метрики объявлений. Методы безопасны для nil-получателя,
// поэтому сервисы могут работать без регистрации метрик.
type AlertMetrics struct {
	alertsCreatedTotal      *prometheus.CounterVec
	claimsTotal             prometheus.Counter
	claimNoopsTotal         prometheus.Counter
	alertsDeletedTotal      prometheus.Counter
	classificationsTotal    *prometheus.CounterVec
	classificationDuration  prometheus.Histogram
	imageCleanupFailures    prometheus.Counter
	reclassifyJobsProcessed *prometheus.CounterVec
}

// NewAlertMetrics создает и регистрирует метрики в переданном реестре
func NewAlertMetrics(registry prometheus.Registerer) (*AlertMetrics, error) {
	m := &AlertMetrics{
		alertsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "food_alerts_created_total",
				Help: "Total number of created food alerts",
			},
			[]string{"with_image"},
		),
		claimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "food_alert_claims_total",
			Help: "Total number of claims that moved an alert to collected",
		}),
		claimNoopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "food_alert_claim_noops_total",
			Help: "Total number of claims on alerts that were already collected",
		}),
		alertsDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "food_alerts_deleted_total",
			Help: "Total number of deleted food alerts",
		}),
		classificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "food_alert_classifications_total",
				Help: "Total number of image classifications by outcome",
			},
			[]string{"outcome"},
		),
		classificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "food_alert_classification_duration_seconds",
			Help:    "Time taken to classify an uploaded image",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		imageCleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "food_alert_image_cleanup_failures_total",
			Help: "Total number of image resources that could not be removed",
		}),
		reclassifyJobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "food_alert_reclassify_jobs_total",
				Help: "Total number of processed reclassification jobs by result",
			},
			[]string{"result"}, // result: done, retried, dropped
		),
	}

	collectors := []prometheus.Collector{
		m.alertsCreatedTotal,
		m.claimsTotal,
		m.claimNoopsTotal,
		m.alertsDeletedTotal,
		m.classificationsTotal,
		m.classificationDuration,
		m.imageCleanupFailures,
		m.reclassifyJobsProcessed,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *AlertMetrics) AlertCreated(withImage bool) {
	if m == nil {
		return
	}
	label := "false"
	if withImage {
		label = "true"
	}
	m.alertsCreatedTotal.WithLabelValues(label).Inc()
}

// ClaimRecorded учитывает только претензию, которая действительно перевела объявление в collected
func (m *AlertMetrics) ClaimRecorded(won bool) {
	if m == nil {
		return
	}
	if won {
		m.claimsTotal.Inc()
		return
	}
	m.claimNoopsTotal.Inc()
}

func (m *AlertMetrics) AlertDeleted() {
	if m == nil {
		return
	}
	m.alertsDeletedTotal.Inc()
}

func (m *AlertMetrics) Classification(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.classificationsTotal.WithLabelValues(outcome).Inc()
	m.classificationDuration.Observe(took.Seconds())
}

func (m *AlertMetrics) ImageCleanupFailed() {
	if m == nil {
		return
	}
	m.imageCleanupFailures.Inc()
}

func (m *AlertMetrics) ReclassifyJob(result string) {
	if m == nil {
		return
	}
	m.reclassifyJobsProcessed.WithLabelValues(result).Inc()
}
