// Package engine implements the correlation engine: a stateless handler
// invoked once per change-feed notification. Each invocation re-derives the
// trip's state from the store and converges on at most one CompletedTrip per
// trip, relying on the store's conditional create as the only serialization
// point. The whole protocol is safe to re-run from scratch at any moment.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tripmatch/internal/deadletter"
	"tripmatch/internal/feed"
	"tripmatch/internal/match"
	"tripmatch/internal/metrics"
	"tripmatch/internal/model"
	"tripmatch/internal/store"
)

// Config tunes one engine instance. Zero values fall back to the defaults
// below.
type Config struct {
	// Window is the maximum begin/end gap that still correlates.
	Window time.Duration
	// CompletedRetention is the expiry applied to CompletedTrip rows.
	CompletedRetention time.Duration
	// RetryMax bounds attempts against transient store failures.
	RetryMax int
	// RetryBase is the first backoff step; subsequent steps double.
	RetryBase time.Duration
	// Deadline bounds a single invocation; zero means no explicit bound.
	Deadline time.Duration
	// MatchedBy tags the CompletedTrip with its creator.
	MatchedBy string
}

const (
	defaultRetryMax           = 5
	defaultRetryBase          = 200 * time.Millisecond
	defaultCompletedRetention = 90 * 24 * time.Hour
)

type Engine struct {
	store store.Store
	sink  deadletter.Writer
	mreg  *metrics.Registry
	cfg   Config
}

func New(st store.Store, sink deadletter.Writer, mreg *metrics.Registry, cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = match.DefaultWindow
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = defaultCompletedRetention
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.MatchedBy == "" {
		cfg.MatchedBy = "stream-matcher"
	}
	return &Engine{store: st, sink: sink, mreg: mreg, cfg: cfg}
}

// HandleChange processes one change-feed notification. It returns an error
// only when the invocation should be redelivered (context expiry); every
// other outcome — including retry exhaustion, which dead-letters the
// triggering event — acknowledges the notification so the feed moves on.
func (e *Engine) HandleChange(ctx context.Context, ch feed.Change) error {
	rec := ch.Record
	if rec.Kind != model.KindRaw || rec.Event == nil || !model.IsRawSortKey(rec.SK) {
		return nil
	}
	ev := *rec.Event
	if ev.ValidationStatus != model.StatusValid {
		return nil
	}

	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	start := time.Now()
	err := e.process(ctx, ev)
	e.mreg.HandleLatencySec.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, match.ErrWindowExceeded):
		// Policy outcome, not a fault: log and move on, no record.
		log.Printf("correlation window exceeded trip=%s: %v", ev.TripID, err)
		e.mreg.WindowExceeded.Inc()
		return nil
	case ctx.Err() != nil:
		// Deadline or cancellation: let the feed redeliver; re-running the
		// protocol from scratch is safe.
		return ctx.Err()
	default:
		e.deadLetter(ev, err)
		return nil
	}
}

// process runs the per-notification protocol: query everything, decide,
// conditionally create. It holds no state between calls.
func (e *Engine) process(ctx context.Context, ev model.TripEvent) error {
	tripID := ev.TripID

	// Completed short-circuit: once a trip has its record, every further
	// notification (including late cancellations) is a no-op.
	completedSK := model.CompletedSortKey(tripID)
	var done bool
	err := e.withRetry(ctx, "get completed", func() error {
		_, ok, gerr := e.store.Get(ctx, tripID, completedSK)
		done = ok
		return gerr
	})
	if err != nil {
		return err
	}
	if done {
		if ev.EventType == model.EventCancelled {
			log.Printf("cancellation ignored, trip already completed trip=%s", tripID)
			e.mreg.Cancellations.Inc()
		}
		return nil
	}

	if ev.EventType == model.EventCancelled {
		// No CompletedTrip and no obligation to create one: the trip is
		// terminally unmatched and will age out with its raw events.
		log.Printf("trip cancelled before completion trip=%s", tripID)
		e.mreg.Cancellations.Inc()
		return nil
	}

	var recs []model.Record
	err = e.withRetry(ctx, "query raw events", func() error {
		var qerr error
		recs, qerr = e.store.Query(ctx, tripID, model.RawPrefix(tripID))
		return qerr
	})
	if err != nil {
		return err
	}

	begin, end, _ := match.Siblings(recs)
	if begin == nil || end == nil {
		// Only one sibling so far; the other one's own notification will
		// re-run this query and find both. Nothing to do now.
		return nil
	}

	ct, err := match.Correlate(*begin, *end, e.cfg.Window, e.cfg.MatchedBy)
	if err != nil {
		return err
	}

	rec := model.NewCompletedRecord(ct, e.cfg.CompletedRetention)
	var outcome store.PutOutcome
	err = e.withRetry(ctx, "create completed", func() error {
		var perr error
		outcome, perr = e.store.Put(ctx, rec, true)
		return perr
	})
	if err != nil {
		return err
	}
	if outcome == store.PutAlreadyExists {
		// A concurrent invocation won the conditional create. That is
		// success, not an error.
		e.mreg.CreateConflicts.Inc()
		return nil
	}
	log.Printf("trip completed trip=%s duration=%ds revenue=%.2f", tripID, ct.DurationSeconds, ct.Revenue)
	e.mreg.TripsCompleted.Inc()
	return nil
}

// deadLetter routes the triggering event out of the pipeline after retries
// are exhausted. Sink failures are logged, never propagated: the sink must
// not throw back into the critical path.
func (e *Engine) deadLetter(ev model.TripEvent, cause error) {
	entry := deadletter.NewEntry(deadletter.StageCorrelate, cause.Error(), ev.TripID, ev)
	entry.Attempts = e.cfg.RetryMax
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sink.Write(ctx, entry); err != nil {
		log.Printf("dead-letter write failed trip=%s: %v (original: %v)", ev.TripID, err, cause)
		return
	}
	log.Printf("event dead-lettered trip=%s reason=%v", ev.TripID, cause)
	e.mreg.DeadLettered.Inc()
}

// withRetry applies the failure policy: transient store errors back off
// exponentially up to the ceiling, anything else gets exactly one more try.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		limit := e.cfg.RetryMax
		if !store.IsTransient(err) {
			limit = 2
		}
		if attempt >= limit {
			return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
		}
		e.mreg.RetryAttempts.Inc()
		if serr := sleep(ctx, backoff(e.cfg.RetryBase, attempt)); serr != nil {
			return serr
		}
	}
}
