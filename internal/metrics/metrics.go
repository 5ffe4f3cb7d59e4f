// Package metrics exposes Prometheus collectors for hold queue, budget and
// circuit breaker activity. A nil *Metrics is a valid no-op recorder.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "steward"

type Metrics struct {
	actions          *prometheus.CounterVec
	contention       *prometheus.CounterVec
	executorFailures *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec
	stuck            prometheus.Gauge
	budgetSpend      *prometheus.GaugeVec
	budgetTier       prometheus.Gauge
	breakerState     *prometheus.GaugeVec
}

// MustNewMetrics registers every collector with reg. Collectors that are
// already registered are reused, so calling it twice with the same registry
// is safe. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Held action transitions by action type and outcome.",
		}, []string{"type", "outcome"}),
		contention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contention_total",
			Help:      "Conditional writes lost to a concurrent caller.",
		}, []string{"op"}),
		executorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_failures_total",
			Help:      "Executor calls that returned an error.",
		}, []string{"type"}),
		executorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_duration_seconds",
			Help:      "Time spent inside executor calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stuck_actions",
			Help:      "Actions found executing past the stuck threshold by the last sweep.",
		}),
		budgetSpend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spend_usd",
			Help:      "Current reasoning spend per budget window.",
		}, []string{"window"}),
		budgetTier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_tier",
			Help:      "Current degradation tier; 4 means blocked.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),
	}
	m.actions = register(reg, m.actions)
	m.contention = register(reg, m.contention)
	m.executorFailures = register(reg, m.executorFailures)
	m.executorDuration = register(reg, m.executorDuration)
	m.stuck = register(reg, m.stuck)
	m.budgetSpend = register(reg, m.budgetSpend)
	m.budgetTier = register(reg, m.budgetTier)
	m.breakerState = register(reg, m.breakerState)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ActionOutcome counts one settled transition, e.g. "executed" or "cancelled".
func (m *Metrics) ActionOutcome(actionType, outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType, outcome).Inc()
}

func (m *Metrics) Contention(op string) {
	if m == nil {
		return
	}
	m.contention.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveExecutor(actionType string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.executorDuration.WithLabelValues(actionType).Observe(d.Seconds())
	if err != nil {
		m.executorFailures.WithLabelValues(actionType).Inc()
	}
}

func (m *Metrics) SetStuck(n int) {
	if m == nil {
		return
	}
	m.stuck.Set(float64(n))
}

// SetBudget records the spend windows and the tier, reporting blocked as 4.
func (m *Metrics) SetBudget(daily, monthly float64, tier int, blocked bool) {
	if m == nil {
		return
	}
	m.budgetSpend.WithLabelValues("daily").Set(daily)
	m.budgetSpend.WithLabelValues("monthly").Set(monthly)
	if blocked {
		tier = 4
	}
	m.budgetTier.Set(float64(tier))
}

// SetBreakerState takes the breaker state name to avoid importing breaker here.
func (m *Metrics) SetBreakerState(service, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(service).Set(v)
}
