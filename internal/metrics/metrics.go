// Package metrics registers the internal counters and gauges an
// out-of-scope admin/Prometheus surface consumes, per spec.md §1
// ("Prometheus metrics emission ... specified only by the interfaces
// [it] consumes from the core"). This package never serves an HTTP
// endpoint itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the core updates during request
// handling.
type Collectors struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	FaultsTotal      *prometheus.CounterVec
	ScriptErrors     prometheus.Counter
	ScriptQueueFull  prometheus.Counter
	DecisionCacheHit *prometheus.CounterVec
	ImpostersActive  prometheus.Gauge
}

// New registers every collector on a fresh registry and returns the
// bundle for the core to update. The (external) admin surface is
// expected to take ownership of the returned Registry to serve it.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rift_requests_total",
			Help: "Total requests handled by imposters, by port and response kind.",
		}, []string{"port", "kind"}),
		FaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rift_faults_total",
			Help: "Total faults injected, by kind.",
		}, []string{"kind"}),
		ScriptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rift_script_errors_total",
			Help: "Total script execution errors.",
		}),
		ScriptQueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rift_script_queue_full_total",
			Help: "Total script submissions rejected due to a full worker queue.",
		}),
		DecisionCacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rift_decision_cache_total",
			Help: "Decision cache lookups, partitioned by hit/miss.",
		}, []string{"result"}),
		ImpostersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rift_imposters_active",
			Help: "Number of currently registered imposters.",
		}),
	}

	reg.MustRegister(c.RequestsTotal, c.FaultsTotal, c.ScriptErrors, c.ScriptQueueFull, c.DecisionCacheHit, c.ImpostersActive)
	return c
}
