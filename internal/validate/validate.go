// Package validate normalizes and validates raw trip-event payloads.
// Validation never fails the pipeline: bad input comes back as a TripEvent
// with ValidationStatus = invalid and ErrorDetail populated, so the caller
// can still store it for audit and forward a copy to the dead-letter sink.
package validate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tripmatch/internal/model"
)

// Error codes recorded in ErrorDetail, comma-joined when several rules fail.
const (
	CodeMissingField     = "MissingField"
	CodeInvalidEventType = "InvalidEventType"
	CodeInvalidNumber    = "InvalidNumber"
	CodeInvalidTimestamp = "InvalidTimestamp"
	CodeOutOfRange       = "OutOfRange"
)

// eventTypeAliases maps producer spellings onto the canonical enum. The
// legacy producer emits trip_begin/trip_end.
var eventTypeAliases = map[string]model.EventType{
	"begin":          model.EventBegin,
	"trip_begin":     model.EventBegin,
	"trip_start":     model.EventBegin,
	"end":            model.EventEnd,
	"trip_end":       model.EventEnd,
	"cancelled":      model.EventCancelled,
	"canceled":       model.EventCancelled,
	"trip_cancelled": model.EventCancelled,
}

// Validator applies the per-type field rules. Strict additionally promotes
// range checks (vendor id, location id, fare ceiling) from warnings to
// rejections.
type Validator struct {
	Strict bool
}

// Now is split out for tests.
var Now = func() time.Time { return time.Now().UTC() }

// Validate builds a TripEvent from a decoded payload. The returned event
// always carries the trip id and event type as received (best effort) so an
// invalid record still lands on a usable audit row.
func (v *Validator) Validate(raw map[string]any) model.TripEvent {
	ev := model.TripEvent{
		IngestedAt:       Now(),
		ValidationStatus: model.StatusValid,
	}
	var problems []string
	fail := func(code, field string) {
		problems = append(problems, code+":"+field)
	}

	ev.TripID = asString(raw["trip_id"])
	if ev.TripID == "" {
		fail(CodeMissingField, "trip_id")
	}

	typeRaw := strings.ToLower(asString(raw["event_type"]))
	if et, ok := eventTypeAliases[typeRaw]; ok {
		ev.EventType = et
	} else {
		ev.EventType = model.EventType(typeRaw)
		fail(CodeInvalidEventType, typeRaw)
	}

	ev.VendorID = asString(raw["vendor_id"])
	ev.PickupLocationID = asString(raw["pickup_location_id"])
	ev.DropoffLocationID = asString(raw["dropoff_location_id"])
	ev.RateCode = asString(raw["rate_code"])
	ev.PaymentType = asString(raw["payment_type"])

	pickup, pickupErr := timeField(raw, "pickup_datetime")
	dropoff, dropoffErr := timeField(raw, "dropoff_datetime")
	if pickupErr != nil {
		fail(CodeInvalidTimestamp, "pickup_datetime")
	}
	if dropoffErr != nil {
		fail(CodeInvalidTimestamp, "dropoff_datetime")
	}

	for _, f := range [...]struct {
		name string
		dst  **float64
	}{
		{"fare_amount", &ev.FareAmount},
		{"tip_amount", &ev.TipAmount},
		{"trip_distance", &ev.TripDistance},
		{"estimated_fare_amount", &ev.EstimatedFare},
	} {
		val, ok, err := floatField(raw, f.name)
		if err != nil {
			fail(CodeInvalidNumber, f.name)
			continue
		}
		if !ok {
			continue
		}
		if val < 0 {
			fail(CodeInvalidNumber, f.name)
			continue
		}
		*f.dst = &val
	}
	if pc, ok, err := intField(raw, "passenger_count"); err != nil || (ok && pc < 0) {
		fail(CodeInvalidNumber, "passenger_count")
	} else if ok {
		ev.PassengerCount = &pc
	}

	switch ev.EventType {
	case model.EventBegin:
		if pickup.IsZero() && pickupErr == nil {
			fail(CodeMissingField, "pickup_datetime")
		}
		if ev.VendorID == "" {
			fail(CodeMissingField, "vendor_id")
		}
		if ev.PickupLocationID == "" {
			fail(CodeMissingField, "pickup_location_id")
		}
		ev.OccurredAt = pickup
	case model.EventEnd:
		if dropoff.IsZero() && dropoffErr == nil {
			fail(CodeMissingField, "dropoff_datetime")
		}
		ev.OccurredAt = dropoff
	case model.EventCancelled:
		// occurred_at is optional for cancellations; take it when present.
		if ts, err := timeField(raw, "occurred_at"); err == nil {
			ev.OccurredAt = ts
		}
	}
	if ev.OccurredAt.IsZero() {
		if ts, err := timeField(raw, "occurred_at"); err == nil && !ts.IsZero() {
			ev.OccurredAt = ts
		}
	}

	if v.Strict {
		problems = append(problems, v.rangeChecks(ev)...)
	}

	if len(problems) > 0 {
		ev.ValidationStatus = model.StatusInvalid
		ev.ErrorDetail = strings.Join(problems, ",")
	}
	return ev
}

// rangeChecks mirrors the producer's data-quality bounds: two known vendors,
// location ids 1..300, fares capped at 1000.
func (v *Validator) rangeChecks(ev model.TripEvent) []string {
	var problems []string
	if ev.VendorID != "" {
		if id, err := strconv.Atoi(ev.VendorID); err != nil || (id != 1 && id != 2) {
			problems = append(problems, CodeOutOfRange+":vendor_id")
		}
	}
	if ev.PickupLocationID != "" {
		if id, err := strconv.Atoi(ev.PickupLocationID); err != nil || id < 1 || id > 300 {
			problems = append(problems, CodeOutOfRange+":pickup_location_id")
		}
	}
	if ev.FareAmount != nil && *ev.FareAmount > 1000 {
		problems = append(problems, CodeOutOfRange+":fare_amount")
	}
	return problems
}

// timestampLayouts accepted for datetime fields. The legacy CSV feed uses
// space-separated timestamps without a zone.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func timeField(raw map[string]any, key string) (time.Time, error) {
	s := asString(raw[key])
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// asString coerces scalar payload values; CSV-origin producers send
// everything as strings, JSON producers as native types.
func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func floatField(raw map[string]any, key string) (val float64, ok bool, err error) {
	v, present := raw[key]
	if !present || v == nil {
		return 0, false, nil
	}
	switch f := v.(type) {
	case float64:
		return f, true, nil
	case string:
		f = strings.TrimSpace(f)
		if f == "" {
			return 0, false, nil
		}
		parsed, perr := strconv.ParseFloat(f, 64)
		if perr != nil {
			return 0, false, fmt.Errorf("parse %s: %w", key, perr)
		}
		return parsed, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected type %T for %s", v, key)
	}
}

func intField(raw map[string]any, key string) (val int64, ok bool, err error) {
	f, ok, err := floatField(raw, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != float64(int64(f)) {
		return 0, false, fmt.Errorf("non-integer value for %s", key)
	}
	return int64(f), true, nil
}
