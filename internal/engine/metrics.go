package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolTasksTotal counts finished pool tasks by result: ok, error or panic.
	poolTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chanops_pool_tasks_total",
		Help: "Total worker pool tasks by result",
	}, []string{"result"})

	poolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chanops_pool_active_workers",
		Help: "Workers currently running a task",
	})

	cookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chanops_cook_duration_seconds",
		Help:    "Time spent cooking one request",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
	})

	cookSamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chanops_cook_samples_total",
		Help: "Channel samples evaluated by cook requests",
	})
)
