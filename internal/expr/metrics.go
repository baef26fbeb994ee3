package expr

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the evaluator counters spec.md §4.4 names explicitly
// (div_by_zero) plus the overflow-saturation warning it requires.
// Wired the way jinterlante1206-AleutianLocal's go.mod pulls in
// prometheus/client_golang.
type Metrics struct {
	DivByZero        prometheus.Counter
	IntOverflow      prometheus.Counter
	CoercionFailures prometheus.Counter
}

// NewMetrics registers the evaluator's counters against reg. Passing
// a fresh prometheus.NewRegistry() in tests avoids collisions with the
// global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DivByZero: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratum_evaluator_div_by_zero_total",
			Help: "Number of expression divisions by zero, each yielding Null.",
		}),
		IntOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratum_evaluator_int_overflow_total",
			Help: "Number of Int64 arithmetic operations that saturated on overflow.",
		}),
		CoercionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratum_evaluator_coercion_failures_total",
			Help: "Number of narrowing type coercions rejected (or nulled under ignore_constraints).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.DivByZero, m.IntOverflow, m.CoercionFailures)
	}
	return m
}

// NoopMetrics is safe to use when no registry is available (e.g. ad
// hoc evaluation in tests); counters increment but are never scraped.
func NoopMetrics() *Metrics {
	return &Metrics{
		DivByZero:        prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_div_by_zero"}),
		IntOverflow:      prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_int_overflow"}),
		CoercionFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_coercion_failures"}),
	}
}
