// Package metrics exports sandbox call reports and engine counters to
// Prometheus.
//
//	reg := prometheus.NewRegistry()
//	rec, _ := metrics.New(reg)
//	e, _ := engine.New(ctx, engine.Config{Diagnostics: rec.Observe})
//	_ = rec.Watch(e)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wippyai/wasm-sandbox/engine"
)

const (
	namespace = "wasm_sandbox"
	subsystem = "calls"
)

// Recorder turns engine reports into Prometheus series.
type Recorder struct {
	reg prometheus.Registerer

	calls        *prometheus.CounterVec
	instructions *prometheus.HistogramVec
	wallTime     *prometheus.HistogramVec
	suspensions  prometheus.Counter
}

// New registers the call metrics with reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{reg: reg}

	r.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "total",
		Help:      "Guest calls by outcome and trap code",
	}, []string{"outcome", "trap"})

	r.instructions = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "instructions",
		Help:      "Metered instructions consumed per call",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"outcome"})

	r.wallTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "duration_seconds",
		Help:      "Wall time per call in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	r.suspensions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "suspensions_total",
		Help:      "Async host operations awaited by guest calls",
	})

	for _, c := range []prometheus.Collector{r.calls, r.instructions, r.wallTime, r.suspensions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records one call. It has the signature of engine.Config.Diagnostics.
func (r *Recorder) Observe(rep engine.Report) {
	outcome := rep.Outcome.String()
	r.calls.WithLabelValues(outcome, string(rep.Trap)).Inc()
	r.instructions.WithLabelValues(outcome).Observe(float64(rep.Instructions))
	r.wallTime.WithLabelValues(outcome).Observe(rep.WallTime.Seconds())
	if rep.Suspensions > 0 {
		r.suspensions.Add(float64(rep.Suspensions))
	}
}

// Watch exports e's counters, sampled on every scrape.
func (r *Recorder) Watch(e *engine.Engine) error {
	f := promauto.With(nil)
	collectors := []prometheus.Collector{
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modules",
			Name:      "compilations_total",
			Help:      "Modules compiled, including failed compilations",
		}, func() float64 { return float64(e.Stats().Compilations) }),
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modules",
			Name:      "cache_hits_total",
			Help:      "Compile requests served from the module cache",
		}, func() float64 { return float64(e.Stats().CacheHits) }),
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modules",
			Name:      "cached",
			Help:      "Compiled modules held by the cache",
		}, func() float64 { return float64(e.Stats().CachedModules) }),
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Live instances",
		}, func() float64 { return float64(e.Stats().Instances) }),
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_host_ops",
			Help:      "Async host operations in flight",
		}, func() float64 { return float64(e.Stats().PendingHostOps) }),
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_bindings",
			Help:      "Host registry versions bound to live instances",
		}, func() float64 { return float64(e.Stats().HostBindings) }),
	}
	for _, c := range collectors {
		if err := r.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
