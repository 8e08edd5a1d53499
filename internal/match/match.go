// Package match holds the pure matching and aggregation rules: sibling
// selection out of a trip's stored events, the matching-window policy, and
// the derived fields of a CompletedTrip. No I/O happens here.
package match

import (
	"errors"
	"fmt"
	"time"

	"tripmatch/internal/model"
)

// ErrWindowExceeded is a policy outcome, not a fault: the begin/end pair is
// real but too far apart (or inverted) to correlate. Callers log it and move
// on without creating a record.
var ErrWindowExceeded = errors.New("matching window exceeded")

// DefaultWindow is the maximum allowed gap between a trip's begin and end.
const DefaultWindow = 24 * time.Hour

// NowUnix returns current time in epoch seconds. Split for testability.
var NowUnix = func() int64 { return time.Now().UTC().Unix() }

// Siblings picks the trip's lifecycle events out of a sort-key-ordered
// record scan. Only valid raw events participate; when duplicates exist for
// a type, the earliest occurred_at wins (records arrive ordered by sort key,
// which embeds the timestamp).
func Siblings(recs []model.Record) (begin, end, cancelled *model.TripEvent) {
	for i := range recs {
		rec := recs[i]
		if rec.Kind != model.KindRaw || rec.Event == nil {
			continue
		}
		ev := rec.Event
		if ev.ValidationStatus != model.StatusValid {
			continue
		}
		switch ev.EventType {
		case model.EventBegin:
			if begin == nil {
				begin = ev
			}
		case model.EventEnd:
			if end == nil {
				end = ev
			}
		case model.EventCancelled:
			if cancelled == nil {
				cancelled = ev
			}
		}
	}
	return begin, end, cancelled
}

// Correlate merges a begin/end pair into a CompletedTrip. Derived fields are
// computed once here and never recomputed: duration from event time, revenue
// as fare plus tip (missing tip counts as zero), average speed only when
// both distance and a positive duration exist.
//
// A pair whose gap reaches the window, or whose end precedes its begin, is
// not an error in the store's data; it is reported as ErrWindowExceeded and
// produces nothing.
func Correlate(begin, end model.TripEvent, window time.Duration, matchedBy string) (model.CompletedTrip, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	d := end.OccurredAt.Sub(begin.OccurredAt)
	if d <= 0 || d >= window {
		return model.CompletedTrip{}, fmt.Errorf("trip %s gap %s: %w", begin.TripID, d, ErrWindowExceeded)
	}

	ct := model.CompletedTrip{
		TripID:             begin.TripID,
		BeginEvent:         begin,
		EndEvent:           end,
		DurationSeconds:    int64(d / time.Second),
		Revenue:            amount(end.FareAmount, begin.FareAmount) + amount(end.TipAmount, begin.TipAmount),
		ProcessingDate:     model.ProcessingDate(begin.OccurredAt),
		CorrelationVersion: 1,
		CompletedAt:        time.Unix(NowUnix(), 0).UTC(),
		MatchedBy:          matchedBy,
	}
	if dist := firstOf(end.TripDistance, begin.TripDistance); dist != nil {
		hours := d.Hours()
		speed := *dist / hours
		ct.AverageSpeedMPH = &speed
	}
	return ct, nil
}

// amount reads a fare-like field, preferring the end event's value; the
// legacy producer only carries fare and tip on trip_end.
func amount(primary, fallback *float64) float64 {
	if v := firstOf(primary, fallback); v != nil {
		return *v
	}
	return 0
}

func firstOf(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
