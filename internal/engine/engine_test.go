package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tripmatch/internal/deadletter"
	"tripmatch/internal/feed"
	"tripmatch/internal/metrics"
	"tripmatch/internal/model"
	"tripmatch/internal/store"
)

type captureSink struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (c *captureSink) Write(_ context.Context, e deadletter.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *captureSink) all() []deadletter.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]deadletter.Entry(nil), c.entries...)
}

func fptr(v float64) *float64 { return &v }

func validEvent(tripID string, t model.EventType, at time.Time) model.TripEvent {
	ev := model.TripEvent{
		TripID:           tripID,
		EventType:        t,
		OccurredAt:       at,
		IngestedAt:       at,
		VendorID:         "1",
		ValidationStatus: model.StatusValid,
	}
	switch t {
	case model.EventBegin:
		ev.PickupLocationID = "42"
		ev.EstimatedFare = fptr(20)
	case model.EventEnd:
		ev.FareAmount = fptr(25.50)
		ev.TipAmount = fptr(5)
		ev.TripDistance = fptr(3.1)
	}
	return ev
}

// seed stores the event as a raw record and returns the change the feed
// would deliver for it.
func seed(t *testing.T, st store.Store, ev model.TripEvent) feed.Change {
	t.Helper()
	rec := model.NewRawRecord(ev, 30*24*time.Hour)
	if _, err := st.Put(context.Background(), rec, false); err != nil {
		t.Fatalf("seed put: %v", err)
	}
	return feed.Change{Kind: feed.KindInsert, Record: rec}
}

func newTestEngine(st store.Store, sink deadletter.Writer) *Engine {
	return New(st, sink, metrics.NewRegistry(), Config{RetryBase: time.Millisecond})
}

func getCompleted(t *testing.T, st store.Store, tripID string) (model.Record, bool) {
	t.Helper()
	rec, ok, err := st.Get(context.Background(), tripID, model.CompletedSortKey(tripID))
	if err != nil {
		t.Fatalf("get completed: %v", err)
	}
	return rec, ok
}

func TestCompletesOnSecondSibling(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &captureSink{}
	e := newTestEngine(st, sink)
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	chBegin := seed(t, st, validEvent("t1", model.EventBegin, begin))
	if err := e.HandleChange(ctx, chBegin); err != nil {
		t.Fatalf("begin notification: %v", err)
	}
	if _, ok := getCompleted(t, st, "t1"); ok {
		t.Fatal("completed record created with only one sibling")
	}

	chEnd := seed(t, st, validEvent("t1", model.EventEnd, begin.Add(45*time.Minute)))
	if err := e.HandleChange(ctx, chEnd); err != nil {
		t.Fatalf("end notification: %v", err)
	}
	rec, ok := getCompleted(t, st, "t1")
	if !ok {
		t.Fatal("no completed record after both siblings")
	}
	ct := rec.Completed
	if ct.DurationSeconds != 45*60 {
		t.Fatalf("duration = %d, want %d", ct.DurationSeconds, 45*60)
	}
	if ct.Revenue != 30.50 {
		t.Fatalf("revenue = %v, want 30.50", ct.Revenue)
	}
	if ct.MatchedBy != "stream-matcher" {
		t.Fatalf("matched_by = %q", ct.MatchedBy)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("unexpected dead letters: %+v", sink.all())
	}
}

func TestOrderIndependent(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(st, &captureSink{})
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	chEnd := seed(t, st, validEvent("t2", model.EventEnd, begin.Add(20*time.Minute)))
	if err := e.HandleChange(ctx, chEnd); err != nil {
		t.Fatalf("end notification: %v", err)
	}
	if _, ok := getCompleted(t, st, "t2"); ok {
		t.Fatal("completed record created from end event alone")
	}

	chBegin := seed(t, st, validEvent("t2", model.EventBegin, begin))
	if err := e.HandleChange(ctx, chBegin); err != nil {
		t.Fatalf("begin notification: %v", err)
	}
	if _, ok := getCompleted(t, st, "t2"); !ok {
		t.Fatal("end-before-begin arrival order did not correlate")
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &captureSink{}
	e := newTestEngine(st, sink)
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, st, validEvent("t3", model.EventBegin, begin))
	chEnd := seed(t, st, validEvent("t3", model.EventEnd, begin.Add(time.Hour)))

	for i := 0; i < 3; i++ {
		if err := e.HandleChange(ctx, chEnd); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	recs, err := st.Query(ctx, "t3", model.CompletedSortKey("t3"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("completed rows = %d, want 1", len(recs))
	}
	if len(sink.all()) != 0 {
		t.Fatalf("unexpected dead letters: %+v", sink.all())
	}
}

func TestConcurrentNotificationsCreateOneRecord(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(st, &captureSink{})
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	chBegin := seed(t, st, validEvent("t4", model.EventBegin, begin))
	chEnd := seed(t, st, validEvent("t4", model.EventEnd, begin.Add(time.Hour)))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		ch := chBegin
		if i%2 == 1 {
			ch = chEnd
		}
		wg.Add(1)
		go func(ch feed.Change) {
			defer wg.Done()
			if err := e.HandleChange(ctx, ch); err != nil {
				t.Errorf("handle: %v", err)
			}
		}(ch)
	}
	wg.Wait()

	recs, err := st.Query(ctx, "t4", model.CompletedSortKey("t4"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("completed rows = %d, want exactly 1", len(recs))
	}
}

func TestCancelledBeforeCompletion(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(st, &captureSink{})
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, st, validEvent("t5", model.EventBegin, begin))
	chCancel := seed(t, st, validEvent("t5", model.EventCancelled, begin.Add(5*time.Minute)))
	if err := e.HandleChange(ctx, chCancel); err != nil {
		t.Fatalf("cancel notification: %v", err)
	}
	if _, ok := getCompleted(t, st, "t5"); ok {
		t.Fatal("cancelled trip must not complete")
	}
}

func TestCancelledAfterCompletionIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(st, &captureSink{})
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, st, validEvent("t6", model.EventBegin, begin))
	chEnd := seed(t, st, validEvent("t6", model.EventEnd, begin.Add(time.Hour)))
	if err := e.HandleChange(ctx, chEnd); err != nil {
		t.Fatalf("end notification: %v", err)
	}
	before, _ := getCompleted(t, st, "t6")

	chCancel := seed(t, st, validEvent("t6", model.EventCancelled, begin.Add(2*time.Hour)))
	if err := e.HandleChange(ctx, chCancel); err != nil {
		t.Fatalf("late cancel notification: %v", err)
	}
	after, ok := getCompleted(t, st, "t6")
	if !ok {
		t.Fatal("completed record disappeared")
	}
	if after.Completed.CompletedAt != before.Completed.CompletedAt {
		t.Fatal("late cancellation mutated the completed record")
	}
}

func TestWindowExceededCreatesNothing(t *testing.T) {
	st := store.NewMemoryStore()
	sink := &captureSink{}
	e := newTestEngine(st, sink)
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, st, validEvent("t7", model.EventBegin, begin))
	chEnd := seed(t, st, validEvent("t7", model.EventEnd, begin.Add(25*time.Hour)))
	if err := e.HandleChange(ctx, chEnd); err != nil {
		t.Fatalf("window-exceeded pair must still acknowledge, got %v", err)
	}
	if _, ok := getCompleted(t, st, "t7"); ok {
		t.Fatal("window-exceeded pair produced a record")
	}
	if len(sink.all()) != 0 {
		t.Fatal("window-exceeded pair must not dead-letter")
	}
}

func TestSkipsInvalidAndCompletedChanges(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(st, &captureSink{})
	ctx := context.Background()

	invalid := validEvent("t8", model.EventBegin, time.Now().UTC())
	invalid.ValidationStatus = model.StatusInvalid
	chInvalid := seed(t, st, invalid)
	if err := e.HandleChange(ctx, chInvalid); err != nil {
		t.Fatalf("invalid-event notification: %v", err)
	}

	ct := model.CompletedTrip{TripID: "t8", CompletedAt: time.Now().UTC()}
	rec := model.NewCompletedRecord(ct, time.Hour)
	if err := e.HandleChange(ctx, feed.Change{Kind: feed.KindInsert, Record: rec}); err != nil {
		t.Fatalf("completed-record notification: %v", err)
	}
}

// flakyStore fails Query with a transient error a fixed number of times.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	failures  int
	attempted int
}

func (f *flakyStore) Query(ctx context.Context, tripID, prefix string) ([]model.Record, error) {
	f.mu.Lock()
	f.attempted++
	fail := f.attempted <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, &store.TransientError{Op: "query", Err: errors.New("backend unavailable")}
	}
	return f.Store.Query(ctx, tripID, prefix)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &flakyStore{Store: mem, failures: 3}
	sink := &captureSink{}
	e := New(fs, sink, metrics.NewRegistry(), Config{RetryBase: time.Millisecond})
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, mem, validEvent("t9", model.EventBegin, begin))
	chEnd := seed(t, mem, validEvent("t9", model.EventEnd, begin.Add(time.Hour)))
	if err := e.HandleChange(ctx, chEnd); err != nil {
		t.Fatalf("handle with transient failures: %v", err)
	}
	if _, ok := getCompleted(t, mem, "t9"); !ok {
		t.Fatal("retries did not converge on a completed record")
	}
	if len(sink.all()) != 0 {
		t.Fatalf("recovered failure must not dead-letter: %+v", sink.all())
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	mem := store.NewMemoryStore()
	fs := &flakyStore{Store: mem, failures: 100}
	sink := &captureSink{}
	e := New(fs, sink, metrics.NewRegistry(), Config{RetryMax: 3, RetryBase: time.Millisecond})
	ctx := context.Background()

	begin := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, mem, validEvent("t10", model.EventBegin, begin))
	chEnd := seed(t, mem, validEvent("t10", model.EventEnd, begin.Add(time.Hour)))
	if err := e.HandleChange(ctx, chEnd); err != nil {
		t.Fatalf("exhausted retries must still acknowledge, got %v", err)
	}
	entries := sink.all()
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	en := entries[0]
	if en.Stage != deadletter.StageCorrelate {
		t.Fatalf("stage = %q, want %q", en.Stage, deadletter.StageCorrelate)
	}
	if en.TripID != "t10" {
		t.Fatalf("trip id = %q, want t10", en.TripID)
	}
	if en.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", en.Attempts)
	}
}

func TestDispatcherBatch(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(st, &captureSink{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(ctx, e, 4)
	defer d.Drain()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var batch []feed.Change
	trips := []string{"d1", "d2", "d3", "d4", "d5"}
	for _, id := range trips {
		batch = append(batch, seed(t, st, validEvent(id, model.EventBegin, base)))
		batch = append(batch, seed(t, st, validEvent(id, model.EventEnd, base.Add(30*time.Minute))))
	}
	if err := d.ProcessBatch(ctx, batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	for _, id := range trips {
		if _, ok := getCompleted(t, st, id); !ok {
			t.Fatalf("trip %s not completed", id)
		}
	}
}
