// Package metrics exposes the Master execution core's Prometheus
// gauges and counters on the admin HTTP port's /metrics path, with no
// REST/CRUD surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the Master execution core reports.
type Registry struct {
	ActiveDagEngines   prometheus.Gauge
	ReadyTasks         prometheus.Gauge
	ActiveTasks        prometheus.Gauge
	CompleteTasks      prometheus.Gauge
	ErrorTasks         prometheus.Gauge
	FailoverEventsTotal prometheus.Counter
	HeartbeatLatency   prometheus.Histogram
}

// NewRegistry constructs and registers every metric on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ActiveDagEngines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxsched", Subsystem: "master", Name: "active_dag_engines",
			Help: "Number of DagEngines currently driving a process instance.",
		}),
		ReadyTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxsched", Subsystem: "master", Name: "ready_tasks",
			Help: "Sum of readyToSubmitTaskList size across all active DagEngines.",
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxsched", Subsystem: "master", Name: "active_tasks",
			Help: "Sum of activeTaskSupervisors size across all active DagEngines.",
		}),
		CompleteTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxsched", Subsystem: "master", Name: "complete_tasks",
			Help: "Sum of completeTaskList size across all active DagEngines.",
		}),
		ErrorTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxsched", Subsystem: "master", Name: "error_tasks",
			Help: "Sum of errorTaskList size across all active DagEngines.",
		}),
		FailoverEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mxsched", Subsystem: "cluster", Name: "failover_events_total",
			Help: "Count of failoverMaster/failoverWorker sweeps performed.",
		}),
		HeartbeatLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mxsched", Subsystem: "master", Name: "heartbeat_latency_seconds",
			Help:    "Latency of self-registration heartbeat refreshes.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.ActiveDagEngines,
		r.ReadyTasks,
		r.ActiveTasks,
		r.CompleteTasks,
		r.ErrorTasks,
		r.FailoverEventsTotal,
		r.HeartbeatLatency,
	)
	return r
}
