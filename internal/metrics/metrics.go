package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeLost     = "lost"
)

// File outcomes within a poll cycle.
const (
	FileIngested = "ingested"
	FileSkipped  = "skipped"
	FileFailed   = "failed"
)

var (
	// Pipeline
	PipelineRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txingest",
		Subsystem: "pipeline",
		Name:      "records_total",
		Help:      "Total CSV records by outcome (accepted, rejected, lost)",
	}, []string{"outcome"})

	PipelineRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txingest",
		Subsystem: "pipeline",
		Name:      "rejections_total",
		Help:      "Total rejected records by reason code",
	}, []string{"reason"})

	PipelineQuarantineErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "txingest",
		Subsystem: "pipeline",
		Name:      "quarantine_errors_total",
		Help:      "Total rejected records whose quarantine write failed",
	})

	PipelineFileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "txingest",
		Subsystem: "pipeline",
		Name:      "file_duration_seconds",
		Help:      "Time to process one source file",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// Poller
	PollerCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "txingest",
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Total completed poll cycles",
	})

	PollerCycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "txingest",
		Subsystem: "poller",
		Name:      "cycle_errors_total",
		Help:      "Total poll cycles that failed to list candidates",
	})

	PollerFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txingest",
		Subsystem: "poller",
		Name:      "files_total",
		Help:      "Total candidate files by outcome (ingested, skipped, failed)",
	}, []string{"outcome"})

	PollerRetireErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "txingest",
		Subsystem: "poller",
		Name:      "retire_errors_total",
		Help:      "Total marked files that could not be retired at the source",
	})

	PollerCycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "txingest",
		Subsystem: "poller",
		Name:      "cycle_duration_seconds",
		Help:      "Poll cycle duration",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// Archive consumer
	ArchiveEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "txingest",
		Subsystem: "archive",
		Name:      "events_total",
		Help:      "Total consumed events by result (stored, failed, dropped)",
	}, []string{"result"})
)
