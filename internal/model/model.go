package model

import (
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the trip lifecycle observations.
type EventType string

const (
	EventBegin     EventType = "begin"
	EventEnd       EventType = "end"
	EventCancelled EventType = "cancelled"
)

// Known reports whether t is one of the enumerated lifecycle types.
func (t EventType) Known() bool {
	switch t {
	case EventBegin, EventEnd, EventCancelled:
		return true
	}
	return false
}

// ValidationStatus marks a raw event as usable for correlation or audit-only.
type ValidationStatus string

const (
	StatusValid   ValidationStatus = "valid"
	StatusInvalid ValidationStatus = "invalid"
)

// TripEvent is a single validated lifecycle observation.
// Optional numeric fields are pointers so that "absent" is distinguishable
// from zero when deriving CompletedTrip fields.
type TripEvent struct {
	TripID     string    `json:"trip_id"`
	EventType  EventType `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
	IngestedAt time.Time `json:"ingested_at"`

	VendorID          string   `json:"vendor_id,omitempty"`
	PickupLocationID  string   `json:"pickup_location_id,omitempty"`
	DropoffLocationID string   `json:"dropoff_location_id,omitempty"`
	RateCode          string   `json:"rate_code,omitempty"`
	PaymentType       string   `json:"payment_type,omitempty"`
	PassengerCount    *int64   `json:"passenger_count,omitempty"`
	TripDistance      *float64 `json:"trip_distance,omitempty"`
	FareAmount        *float64 `json:"fare_amount,omitempty"`
	TipAmount         *float64 `json:"tip_amount,omitempty"`
	EstimatedFare     *float64 `json:"estimated_fare_amount,omitempty"`

	ValidationStatus ValidationStatus `json:"validation_status"`
	ErrorDetail      string           `json:"error_detail,omitempty"`
}

// CompletedTrip is the correlation result for one trip. Created at most once
// per trip_id and never mutated afterwards.
type CompletedTrip struct {
	TripID     string    `json:"trip_id"`
	BeginEvent TripEvent `json:"begin_event"`
	EndEvent   TripEvent `json:"end_event"`

	DurationSeconds int64    `json:"duration_seconds"`
	Revenue         float64  `json:"revenue"`
	AverageSpeedMPH *float64 `json:"average_speed_mph,omitempty"`

	// ProcessingDate partitions completed records for the downstream
	// aggregator; derived from the begin event's occurred_at.
	ProcessingDate     string    `json:"processing_date"`
	CorrelationVersion int64     `json:"correlation_version"`
	CompletedAt        time.Time `json:"completed_at"`
	MatchedBy          string    `json:"matched_by,omitempty"`
}

// RecordKind distinguishes the two row families in the store.
type RecordKind string

const (
	KindRaw       RecordKind = "raw"
	KindCompleted RecordKind = "completed"
)

// Record is the store envelope: partition key (trip id), sort key, one of the
// two payloads, plus the per-item expiry the store is free to act on.
type Record struct {
	TripID    string         `json:"trip_id"`
	SK        string         `json:"sk"`
	Kind      RecordKind     `json:"kind"`
	Event     *TripEvent     `json:"event,omitempty"`
	Completed *CompletedTrip `json:"completed,omitempty"`
	ExpiresAt int64          `json:"expires_at,omitempty"`
}

// Expired reports whether the record's expiry has passed at unix second now.
func (r Record) Expired(now int64) bool {
	return r.ExpiresAt > 0 && r.ExpiresAt <= now
}

// RawSortKey builds the raw-event sort key. The (trip, type, occurred_at)
// triple is the natural dedup key, so re-delivery of the same event lands on
// the same row.
func RawSortKey(tripID string, t EventType, occurredAt time.Time) string {
	return fmt.Sprintf("RAW#%s#%s#%s", tripID, t, occurredAt.UTC().Format(time.RFC3339))
}

// RawPrefix matches every raw event of a trip.
func RawPrefix(tripID string) string {
	return "RAW#" + tripID + "#"
}

// RawTypePrefix matches a trip's raw events of one lifecycle type.
func RawTypePrefix(tripID string, t EventType) string {
	return fmt.Sprintf("RAW#%s#%s#", tripID, t)
}

// CompletedSortKey builds the completed-record sort key (one row per trip).
func CompletedSortKey(tripID string) string {
	return "COMPLETED#" + tripID
}

// IsRawSortKey reports whether sk belongs to the raw row family.
func IsRawSortKey(sk string) bool {
	return strings.HasPrefix(sk, "RAW#")
}

// ProcessingDate formats t as the aggregator's date partition.
func ProcessingDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NowUnix returns current time in epoch seconds. Split for testability.
var NowUnix = func() int64 { return time.Now().UTC().Unix() }

// NewRawRecord wraps a validated event in its store envelope. Cancelled
// events may omit occurred_at; the sort key then carries the zero timestamp,
// which is identical on every delivery, so redelivering the same payload
// overwrites the same row instead of fanning out one row per delivery.
func NewRawRecord(ev TripEvent, retention time.Duration) Record {
	return Record{
		TripID:    ev.TripID,
		SK:        RawSortKey(ev.TripID, ev.EventType, ev.OccurredAt),
		Kind:      KindRaw,
		Event:     &ev,
		ExpiresAt: NowUnix() + int64(retention/time.Second),
	}
}

// NewCompletedRecord wraps a correlation result in its store envelope.
func NewCompletedRecord(ct CompletedTrip, retention time.Duration) Record {
	return Record{
		TripID:    ct.TripID,
		SK:        CompletedSortKey(ct.TripID),
		Kind:      KindCompleted,
		Completed: &ct,
		ExpiresAt: NowUnix() + int64(retention/time.Second),
	}
}
