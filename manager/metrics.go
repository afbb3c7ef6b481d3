package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildlens_manager_runs_started_total",
		Help: "Manager runs started.",
	})

	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildlens_manager_runs_completed_total",
		Help: "Manager runs finished, by terminal status.",
	}, []string{"status"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildlens_worker_dispatch_seconds",
		Help:    "Worker dispatch duration, by worker and outcome.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"worker", "outcome"})

	dispatchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "buildlens_worker_dispatch_retries_total",
		Help: "Worker dispatch retry attempts, by worker.",
	}, []string{"worker"})

	decisionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buildlens_decisions_opened_total",
		Help: "User decisions opened by the manager.",
	})
)
