// Package metrics collects and exposes the master's Prometheus metrics:
// task throughput counters, fleet gauges and dispatch latency.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric of the scheduling core.
type Collector struct {
	tasksEnqueued   prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksRequeued   prometheus.Counter
	tasksCompleted  prometheus.Counter

	compilationsOK     prometheus.Counter
	compilationsFailed prometheus.Counter
	matchesDone        prometheus.Counter
	matchesFailed      prometheus.Counter

	workersAlive   prometheus.Gauge
	freeSlots      prometheus.Gauge
	queueDepth     prometheus.Gauge
	matchesPending prometheus.Gauge

	dispatchLatency prometheus.Histogram
}

// NewCollector creates and registers the metric set on reg. Tests pass
// a private registry; the CLI passes prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "master_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "master_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		}),
		tasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "master_tasks_requeued_total",
			Help: "Total number of tasks requeued after a failure or eviction",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "master_tasks_completed_total",
			Help: "Total number of task completions reported by workers",
		}),
		compilationsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "master_compilations_success_total",
			Help: "Total number of successful champion compilations",
		}),
		compilationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "master_compilations_failed_total",
			Help: "Total number of failed champion compilations",
		}),
		matchesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "master_matches_done_total",
			Help: "Total number of matches finished with referee scores",
		}),
		matchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "master_matches_failed_total",
			Help: "Total number of matches forced done without scores",
		}),
		workersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "master_workers_alive",
			Help: "Current number of live workers",
		}),
		freeSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "master_free_slots",
			Help: "Sum of cached free slots across the fleet",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "master_queue_depth",
			Help: "Current number of pending tasks",
		}),
		matchesPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "master_matches_pending",
			Help: "Current number of matches not yet done",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "master_dispatch_latency_seconds",
			Help:    "Time from enqueue to successful dispatch",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.tasksEnqueued, c.tasksDispatched, c.tasksRequeued, c.tasksCompleted,
		c.compilationsOK, c.compilationsFailed, c.matchesDone, c.matchesFailed,
		c.workersAlive, c.freeSlots, c.queueDepth, c.matchesPending,
		c.dispatchLatency,
	)
	return c
}

func (c *Collector) RecordEnqueue()  { c.tasksEnqueued.Inc() }
func (c *Collector) RecordRequeue()  { c.tasksRequeued.Inc() }
func (c *Collector) RecordComplete() { c.tasksCompleted.Inc() }

// RecordDispatch counts a successful placement and its queue latency.
func (c *Collector) RecordDispatch(latencySeconds float64) {
	c.tasksDispatched.Inc()
	c.dispatchLatency.Observe(latencySeconds)
}

func (c *Collector) RecordCompilation(ok bool) {
	if ok {
		c.compilationsOK.Inc()
	} else {
		c.compilationsFailed.Inc()
	}
}

func (c *Collector) RecordMatchDone(failed bool) {
	if failed {
		c.matchesFailed.Inc()
	} else {
		c.matchesDone.Inc()
	}
}

// UpdateFleet refreshes the fleet gauges.
func (c *Collector) UpdateFleet(workers, freeSlots, queueDepth, matchesPending int) {
	c.workersAlive.Set(float64(workers))
	c.freeSlots.Set(float64(freeSlots))
	c.queueDepth.Set(float64(queueDepth))
	c.matchesPending.Set(float64(matchesPending))
}

// StartServer exposes /metrics on the given port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
