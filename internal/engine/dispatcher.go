package engine

import (
	"context"
	"hash/fnv"
	"sync"

	"tripmatch/internal/feed"
)

type task struct {
	change feed.Change
	done   chan<- error
}

// Dispatcher fans feed changes out across a fixed set of workers.
// Changes are routed by trip id so that updates for the same trip are
// handled in arrival order; distinct trips proceed in parallel.
type Dispatcher struct {
	engine  *Engine
	queues  []chan task
	wg      sync.WaitGroup
	closing sync.Once
}

func NewDispatcher(ctx context.Context, e *Engine, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		engine: e,
		queues: make([]chan task, workers),
	}
	for i := range d.queues {
		q := make(chan task, 64)
		d.queues[i] = q
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(ctx, q)
		}()
	}
	return d
}

func (d *Dispatcher) run(ctx context.Context, q <-chan task) {
	for {
		select {
		case t, ok := <-q:
			if !ok {
				return
			}
			t.done <- d.engine.HandleChange(ctx, t.change)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessBatch routes every change to its worker and waits for the
// whole batch to finish. A non-nil return means at least one change
// was not durably handled and the batch must not be acknowledged.
func (d *Dispatcher) ProcessBatch(ctx context.Context, changes []feed.Change) error {
	done := make(chan error, len(changes))
	for _, ch := range changes {
		t := task{change: ch, done: done}
		select {
		case d.queues[d.route(ch.Record.TripID)] <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var first error
	for range changes {
		select {
		case err := <-done:
			if err != nil && first == nil {
				first = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return first
}

func (d *Dispatcher) route(tripID string) int {
	h := fnv.New32a()
	h.Write([]byte(tripID))
	return int(h.Sum32()) % len(d.queues)
}

// Drain closes the worker queues and waits for in-flight work.
func (d *Dispatcher) Drain() {
	d.closing.Do(func() {
		for _, q := range d.queues {
			close(q)
		}
	})
	d.wg.Wait()
}
