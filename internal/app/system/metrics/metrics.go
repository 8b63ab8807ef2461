// Package metrics exposes the reward engine's Prometheus instruments.
//
// A nil *Metrics is valid and records nothing, so engines can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "uplinehub"

// Metrics holds the application instruments.
type Metrics struct {
	reg *prometheus.Registry

	credits      *prometheus.CounterVec
	creditAmount *prometheus.CounterVec
	alreadyPaid  prometheus.Counter
	walkWarnings *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	promotions   *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
}

// New registers the instruments on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		credits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_credits_total",
			Help:      "Commission credits applied, by level band.",
		}, []string{"band"}),
		creditAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_amount_total",
			Help:      "Sum of commission amounts credited, by currency.",
		}, []string{"currency"}),
		alreadyPaid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_already_paid_total",
			Help:      "Ancestors skipped because the (event, beneficiary) record already existed.",
		}),
		walkWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distribution_warnings_total",
			Help:      "Distribution walks that ended early, by reason.",
		}, []string{"kind"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_total",
			Help:      "Transactional or conditional writes that lost a race, by operation.",
		}, []string{"op"}),
		promotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rank_promotions_total",
			Help:      "Rank promotions applied, by new rank.",
		}, []string{"rank"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_tasks_total",
			Help:      "Reward tasks processed, by type and outcome.",
		}, []string{"type", "outcome"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reward_task_duration_seconds",
			Help:      "Time spent processing one reward task.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// RecordCredit counts one applied commission.
func (m *Metrics) RecordCredit(band, currency string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.credits.WithLabelValues(band).Inc()
	m.creditAmount.WithLabelValues(currencyLabel(currency)).Add(amount.InexactFloat64())
}

// currencyLabel folds anything that is not a 3 to 5 letter code into
// "other" so the label set stays bounded.
func currencyLabel(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) < 3 || len(c) > 5 {
		return "other"
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "other"
		}
	}
	return c
}

// RecordAlreadyPaid counts an idempotent skip.
func (m *Metrics) RecordAlreadyPaid() {
	if m == nil {
		return
	}
	m.alreadyPaid.Inc()
}

// RecordWalkWarning counts a walk that ended early.
func (m *Metrics) RecordWalkWarning(kind string) {
	if m == nil {
		return
	}
	m.walkWarnings.WithLabelValues(kind).Inc()
}

// RecordConflict counts a lost write race.
func (m *Metrics) RecordConflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

// RecordPromotion counts an applied promotion.
func (m *Metrics) RecordPromotion(rank string) {
	if m == nil {
		return
	}
	m.promotions.WithLabelValues(rank).Inc()
}

// RecordTask counts a processed task and observes its duration.
func (m *Metrics) RecordTask(taskType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(taskType, outcome).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(took.Seconds())
}
