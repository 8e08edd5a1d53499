// Package store is the event-store access layer: a durable, partitioned,
// keyed table over trip records with point writes, prefix queries and a
// conditional-create primitive. The conditional put is the system's only
// serialization point; engine instances never coordinate any other way.
package store

import (
	"context"
	"errors"
	"fmt"

	"tripmatch/internal/model"
)

// PutOutcome reports what a Put did.
type PutOutcome int

const (
	PutError PutOutcome = iota
	// PutCreated: the row did not exist and was written.
	PutCreated
	// PutUpdated: an unconditional put replaced an existing row
	// (re-delivery of the same natural key lands here).
	PutUpdated
	// PutAlreadyExists: a conditional put found the row present and wrote
	// nothing. Not an error; callers treat it as idempotent success.
	PutAlreadyExists
)

func (o PutOutcome) String() string {
	switch o {
	case PutCreated:
		return "created"
	case PutUpdated:
		return "updated"
	case PutAlreadyExists:
		return "already_exists"
	}
	return "error"
}

// TransientError wraps store failures worth retrying (I/O, throttling).
// Anything else coming out of a Store is permanent for the item.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Store is the collaborator contract the validator and the correlation
// engine require. Implementations are safe for concurrent use.
type Store interface {
	// Put writes rec. With conditional set, the write succeeds only when no
	// row exists under (rec.TripID, rec.SK); a losing race reports
	// PutAlreadyExists with a nil error.
	Put(ctx context.Context, rec model.Record, conditional bool) (PutOutcome, error)

	// Get returns the live (non-expired) record under the exact key.
	Get(ctx context.Context, tripID, sk string) (model.Record, bool, error)

	// Query returns the trip's live records whose sort key starts with
	// skPrefix, ordered by sort key.
	Query(ctx context.Context, tripID, skPrefix string) ([]model.Record, error)

	// Sweep physically removes expired rows and returns how many it dropped.
	// Reads already treat expired rows as absent; sweeping only reclaims
	// space, so callers may run it as rarely as they like.
	Sweep(ctx context.Context) (int, error)

	Close() error
}
