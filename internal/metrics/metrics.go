package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Ingestion
	EventsIngested prometheus.Counter
	EventsInvalid  prometheus.Counter
	EventsDeduped  prometheus.Counter

	// Correlation
	TripsCompleted   prometheus.Counter
	CreateConflicts  prometheus.Counter
	WindowExceeded   prometheus.Counter
	Cancellations    prometheus.Counter
	RetryAttempts    prometheus.Counter
	DeadLettered     prometheus.Counter
	HandleLatencySec prometheus.Histogram

	// Replay / recovery
	ReplayApplied    prometheus.Counter
	ReplaySkipped    prometheus.Counter
	ReplayTTRSec     prometheus.Gauge
	FeedLag          prometheus.Gauge
	CheckpointAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()

	ingested := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_events_ingested_total"})
	invalid := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_events_invalid_total"})
	deduped := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_events_deduped_total"})

	completed := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_trips_completed_total"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_create_conflicts_total"})
	window := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_window_exceeded_total"})
	cancels := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_cancellations_total"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_retry_attempts_total"})
	deadLettered := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_dead_lettered_total"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tripmatch_handle_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})

	replayApplied := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_replay_applied_total"})
	replaySkipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "tripmatch_replay_skipped_total"})
	replayTTR := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tripmatch_replay_ttr_seconds"})
	feedLag := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tripmatch_feed_lag"})
	ckptAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tripmatch_last_checkpoint_age_seconds"})

	r.MustRegister(ingested, invalid, deduped, completed, conflicts, window, cancels,
		retries, deadLettered, latency, replayApplied, replaySkipped, replayTTR, feedLag, ckptAge)

	return &Registry{
		reg:              r,
		EventsIngested:   ingested,
		EventsInvalid:    invalid,
		EventsDeduped:    deduped,
		TripsCompleted:   completed,
		CreateConflicts:  conflicts,
		WindowExceeded:   window,
		Cancellations:    cancels,
		RetryAttempts:    retries,
		DeadLettered:     deadLettered,
		HandleLatencySec: latency,
		ReplayApplied:    replayApplied,
		ReplaySkipped:    replaySkipped,
		ReplayTTRSec:     replayTTR,
		FeedLag:          feedLag,
		CheckpointAgeSec: ckptAge,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
