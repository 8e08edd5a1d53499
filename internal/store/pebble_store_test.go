package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"tripmatch/internal/model"
)

func TestPebbleStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	begin := model.NewRawRecord(rawEvent("t1", model.EventBegin, base), time.Hour)
	end := model.NewRawRecord(rawEvent("t1", model.EventEnd, base.Add(30*time.Minute)), time.Hour)
	neighbor := model.NewRawRecord(rawEvent("t10", model.EventBegin, base), time.Hour)

	for _, rec := range []model.Record{begin, end, neighbor} {
		if out, err := s.Put(ctx, rec, false); err != nil || out != PutCreated {
			t.Fatalf("put %s: out=%s err=%v", rec.SK, out, err)
		}
	}

	got, ok, err := s.Get(ctx, "t1", end.SK)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Event.EventType != model.EventEnd {
		t.Fatalf("wrong record: %+v", got)
	}

	// Scan of trip t1 must not pick up trip t10 despite the shared id prefix.
	recs, err := s.Query(ctx, "t1", model.RawPrefix("t1"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("want 2 records, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.TripID != "t1" {
			t.Fatalf("partition bleed: %s", rec.TripID)
		}
	}
}

func TestPebbleStore_ConditionalCreateRace(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	rec := model.NewCompletedRecord(model.CompletedTrip{TripID: "t1"}, time.Hour)

	const n = 16
	var wg sync.WaitGroup
	outcomes := make(chan PutOutcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.Put(ctx, rec, true)
			if err != nil {
				t.Errorf("put: %v", err)
				return
			}
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)

	wins := 0
	for out := range outcomes {
		if out == PutCreated {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly one winner, got %d", wins)
	}
}

func TestPebbleStore_SweepDropsExpired(t *testing.T) {
	old := model.NowUnix
	defer func() { model.NowUnix = old }()
	now := int64(50_000)
	model.NowUnix = func() int64 { return now }

	dir := t.TempDir()
	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	short := model.NewRawRecord(rawEvent("t1", model.EventBegin, base), time.Minute)
	long := model.NewRawRecord(rawEvent("t1", model.EventEnd, base.Add(time.Minute)), time.Hour)
	for _, rec := range []model.Record{short, long} {
		if _, err := s.Put(ctx, rec, false); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	now += 120
	dropped, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("want 1 dropped, got %d", dropped)
	}
	recs, _ := s.Query(ctx, "t1", model.RawPrefix("t1"))
	if len(recs) != 1 || recs[0].Event.EventType != model.EventEnd {
		t.Fatalf("unexpected survivors: %+v", recs)
	}
}
