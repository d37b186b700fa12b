package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted during evaluation passes.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks
// run inline with every recompute pass.
type Collector interface {
	IncRecompute(schema string)
	IncIndeterminate(schema, target string)
	ObserveRecomputeDuration(schema string, d time.Duration)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncRecompute(string)                            {}
func (noopCollector) IncIndeterminate(string, string)                {}
func (noopCollector) ObserveRecomputeDuration(string, time.Duration) {}

// PrometheusCollector exposes evaluation counters via Prometheus.
type PrometheusCollector struct {
	recomputes     *prometheus.CounterVec
	indeterminates *prometheus.CounterVec
	durations      *prometheus.HistogramVec
}

var (
	registrationLock     sync.Mutex
	recomputeCounter     *prometheus.CounterVec
	indeterminateCounter *prometheus.CounterVec
	durationHistogram    *prometheus.HistogramVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registrationLock.Lock()
	defer registrationLock.Unlock()

	if recomputeCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formic_recompute_total",
			Help: "Number of evaluation passes per schema.",
		}, []string{"schema"})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		recomputeCounter = registered
	}

	if indeterminateCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formic_calculation_indeterminate_total",
			Help: "Number of calculated-field evaluations that produced no value.",
		}, []string{"schema", "target"})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			return nil, err
		}
		indeterminateCounter = registered
	}

	if durationHistogram == nil {
		histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formic_recompute_duration_seconds",
			Help:    "Duration of full evaluation passes.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"schema"})
		if err := reg.Register(histogram); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
				if !ok {
					return nil, err
				}
				histogram = existing
			} else {
				return nil, err
			}
		}
		durationHistogram = histogram
	}

	return &PrometheusCollector{
		recomputes:     recomputeCounter,
		indeterminates: indeterminateCounter,
		durations:      durationHistogram,
	}, nil
}

func registerCounter(reg prometheus.Registerer, counter *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

// IncRecompute increments the pass counter for the schema.
func (p *PrometheusCollector) IncRecompute(schema string) {
	if p == nil || p.recomputes == nil {
		return
	}
	p.recomputes.WithLabelValues(schema).Inc()
}

// IncIndeterminate records a calculated field that produced no value.
func (p *PrometheusCollector) IncIndeterminate(schema, target string) {
	if p == nil || p.indeterminates == nil {
		return
	}
	p.indeterminates.WithLabelValues(schema, target).Inc()
}

// ObserveRecomputeDuration records the duration of one evaluation pass.
func (p *PrometheusCollector) ObserveRecomputeDuration(schema string, d time.Duration) {
	if p == nil || p.durations == nil {
		return
	}
	p.durations.WithLabelValues(schema).Observe(d.Seconds())
}
