// Package ingest turns raw payloads from the event stream into stored,
// validated raw records. Every payload lands somewhere: a valid event on its
// raw row, a malformed or invalid one on the dead-letter sink (invalid ones
// additionally on an audit row). Storage failures are the only thing that
// stops a batch, so the consumer can refuse the acknowledgement and get the
// payloads redelivered.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tripmatch/internal/deadletter"
	"tripmatch/internal/metrics"
	"tripmatch/internal/model"
	"tripmatch/internal/store"
	"tripmatch/internal/validate"
)

const (
	defaultRawRetention = 30 * 24 * time.Hour
	putAttempts         = 3
	putBackoff          = 100 * time.Millisecond
)

type Processor struct {
	store        store.Store
	validator    *validate.Validator
	sink         deadletter.Writer
	mreg         *metrics.Registry
	rawRetention time.Duration
}

func NewProcessor(st store.Store, v *validate.Validator, sink deadletter.Writer, mreg *metrics.Registry, rawRetention time.Duration) *Processor {
	if rawRetention <= 0 {
		rawRetention = defaultRawRetention
	}
	return &Processor{store: st, validator: v, sink: sink, mreg: mreg, rawRetention: rawRetention}
}

// ProcessOne ingests a single payload. A non-nil return means the raw row
// could not be persisted and the payload must be redelivered; every other
// outcome consumes the payload.
func (p *Processor) ProcessOne(ctx context.Context, payload []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		p.mreg.EventsInvalid.Inc()
		p.deadLetter(ctx, deadletter.StageIngest, fmt.Sprintf("malformed payload: %v", err), "", payload)
		return nil
	}

	ev := p.validator.Validate(raw)
	if ev.TripID == "" {
		// No partition key means no audit row either; the dead-letter
		// entry is the only trace.
		p.mreg.EventsInvalid.Inc()
		p.deadLetter(ctx, deadletter.StageValidate, ev.ErrorDetail, "", payload)
		return nil
	}

	rec := model.NewRawRecord(ev, p.rawRetention)
	outcome, err := p.put(ctx, rec)
	if err != nil {
		return fmt.Errorf("store raw event trip=%s: %w", ev.TripID, err)
	}

	p.mreg.EventsIngested.Inc()
	if outcome == store.PutUpdated {
		p.mreg.EventsDeduped.Inc()
	}
	if ev.ValidationStatus == model.StatusInvalid {
		p.mreg.EventsInvalid.Inc()
		p.deadLetter(ctx, deadletter.StageValidate, ev.ErrorDetail, ev.TripID, payload)
	}
	return nil
}

// ProcessBatch ingests payloads in order and stops at the first storage
// failure, returning how many were consumed. The caller acknowledges exactly
// that many.
func (p *Processor) ProcessBatch(ctx context.Context, payloads [][]byte) (int, error) {
	for i, payload := range payloads {
		if err := p.ProcessOne(ctx, payload); err != nil {
			return i, err
		}
	}
	return len(payloads), nil
}

func (p *Processor) put(ctx context.Context, rec model.Record) (store.PutOutcome, error) {
	var lastErr error
	for attempt := 1; attempt <= putAttempts; attempt++ {
		outcome, err := p.store.Put(ctx, rec, false)
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !store.IsTransient(err) {
			break
		}
		select {
		case <-time.After(putBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return store.PutError, ctx.Err()
		}
	}
	return store.PutError, lastErr
}

func (p *Processor) deadLetter(ctx context.Context, stage, reason, tripID string, payload []byte) {
	entry := deadletter.NewEntry(stage, reason, tripID, payload)
	if err := p.sink.Write(ctx, entry); err != nil {
		log.Printf("dead-letter write failed stage=%s trip=%s: %v", stage, tripID, err)
		return
	}
	p.mreg.DeadLettered.Inc()
}
