package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка. Регистрируются в DefaultRegisterer при импорте,
// отдаются через promhttp на /metrics.
var (
	// JobsClaimed — успешные захваты jobs.
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_jobs_claimed_total",
		Help: "Number of successful job claims.",
	})

	// ClaimConflicts — проигранные гонки за захват.
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_claim_conflicts_total",
		Help: "Number of claim attempts lost to a concurrent executor.",
	})

	// JobsFinished — зафиксированные терминальные статусы jobs.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_jobs_finished_total",
		Help: "Number of job terminal reports by status.",
	}, []string{"status"})

	// RunsFinalized — runs, переведённые в терминальный статус.
	RunsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_runs_finalized_total",
		Help: "Number of runs moved to a terminal status.",
	})

	// StaleReclaims — захваты, отозванные по таймауту.
	StaleReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_stale_reclaims_total",
		Help: "Number of claims revoked by the stale claim sweep.",
	})

	// PoolBusy — занятые слоты пула.
	PoolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "conveyor_pool_busy_slots",
		Help: "Number of pool slots currently executing a job.",
	})

	// JobDuration — длительность выполнения jobs по типу.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conveyor_job_duration_seconds",
		Help:    "Job execution duration by job type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)
