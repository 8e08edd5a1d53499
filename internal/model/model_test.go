package model

import (
	"testing"
	"time"
)

func TestRawSortKey_Format(t *testing.T) {
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	sk := RawSortKey("trip-1", EventBegin, ts)
	want := "RAW#trip-1#begin#2026-03-14T10:00:00Z"
	if sk != want {
		t.Fatalf("sort key mismatch: got %s want %s", sk, want)
	}
	if !IsRawSortKey(sk) {
		t.Fatalf("IsRawSortKey should accept %s", sk)
	}
	if IsRawSortKey(CompletedSortKey("trip-1")) {
		t.Fatalf("completed key must not look raw")
	}
}

func TestRawTypePrefix_MatchesOnlyOneType(t *testing.T) {
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	beginSK := RawSortKey("t", EventBegin, ts)
	endSK := RawSortKey("t", EventEnd, ts)
	p := RawTypePrefix("t", EventBegin)
	if len(beginSK) < len(p) || beginSK[:len(p)] != p {
		t.Fatalf("begin key %s should match prefix %s", beginSK, p)
	}
	if len(endSK) >= len(p) && endSK[:len(p)] == p {
		t.Fatalf("end key %s must not match begin prefix", endSK)
	}
}

func TestNewRawRecord_ExpiryAndTimestamplessKey(t *testing.T) {
	old := NowUnix
	defer func() { NowUnix = old }()
	NowUnix = func() int64 { return 1_000 }

	ing := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := TripEvent{TripID: "t1", EventType: EventCancelled, IngestedAt: ing, ValidationStatus: StatusValid}
	rec := NewRawRecord(ev, 30*24*time.Hour)

	if rec.ExpiresAt != 1_000+30*24*3600 {
		t.Fatalf("unexpected expiry: %d", rec.ExpiresAt)
	}
	// No occurred_at on cancellation: the key must not depend on anything
	// that changes between deliveries, so the zero timestamp stands in.
	want := RawSortKey("t1", EventCancelled, time.Time{})
	if rec.SK != want {
		t.Fatalf("sk mismatch: got %s want %s", rec.SK, want)
	}
	if rec.Expired(999) {
		t.Fatalf("should not be expired before the deadline")
	}
	if !rec.Expired(rec.ExpiresAt) {
		t.Fatalf("should be expired at the deadline")
	}
}

func TestNewRawRecord_RedeliveredCancelKeyIsStable(t *testing.T) {
	base := TripEvent{TripID: "c1", EventType: EventCancelled, ValidationStatus: StatusValid}

	first := base
	first.IngestedAt = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	second := base
	second.IngestedAt = first.IngestedAt.Add(5 * time.Minute)

	if NewRawRecord(first, time.Hour).SK != NewRawRecord(second, time.Hour).SK {
		t.Fatalf("identical cancel redelivered later must land on the same row")
	}
}

func TestProcessingDate(t *testing.T) {
	ts := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	if got := ProcessingDate(ts); got != "2026-03-14" {
		t.Fatalf("processing date: %s", got)
	}
}
