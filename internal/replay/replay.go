// Package replay rebuilds a matcher's local store from the durable change
// feed. A replay run materializes every feed record back into the store and
// re-drives the correlation engine over it; because the engine converges on
// at most one CompletedTrip per trip, replaying already-processed changes is
// harmless.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"tripmatch/internal/checkpoint"
	"tripmatch/internal/engine"
	"tripmatch/internal/feed"
	"tripmatch/internal/store"
)

type Replayer struct {
	store      store.Store
	engine     *engine.Engine
	ckptReader checkpoint.Reader
	feedPath   string
}

func NewReplayer(st store.Store, e *engine.Engine, cr checkpoint.Reader, feedPath string) *Replayer {
	return &Replayer{store: st, engine: e, ckptReader: cr, feedPath: feedPath}
}

type Result struct {
	Applied    int
	Skipped    int
	LastOffset int64
	Error      error
}

// apply materializes one feed change into the local store and hands it to
// the engine. Updates are unconditional writes: the feed carries full new
// images, so last write wins.
func (r *Replayer) apply(ctx context.Context, ch feed.Change) error {
	if _, err := r.store.Put(ctx, ch.Record, false); err != nil {
		return fmt.Errorf("materialize trip=%s sk=%s: %w", ch.Record.TripID, ch.Record.SK, err)
	}
	return r.engine.HandleChange(ctx, ch)
}

// ReplayFile replays the jsonl feed file, skipping the first fromOffset
// lines (already covered by the checkpoint).
func (r *Replayer) ReplayFile(ctx context.Context, path string, fromOffset int64) Result {
	file, err := os.Open(path)
	if err != nil {
		return Result{Error: fmt.Errorf("open feed: %w", err)}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	applied, skipped := 0, 0
	lineNum := int64(0)

	for scanner.Scan() {
		lineNum++
		if lineNum <= fromOffset {
			skipped++
			continue
		}
		var ch feed.Change
		if err := json.Unmarshal(scanner.Bytes(), &ch); err != nil {
			return Result{Applied: applied, Skipped: skipped, LastOffset: lineNum - 1,
				Error: fmt.Errorf("unmarshal line %d: %w", lineNum, err)}
		}
		if err := r.apply(ctx, ch); err != nil {
			return Result{Applied: applied, Skipped: skipped, LastOffset: lineNum - 1,
				Error: fmt.Errorf("apply line %d: %w", lineNum, err)}
		}
		applied++
	}
	if err := scanner.Err(); err != nil {
		return Result{Applied: applied, Skipped: skipped, LastOffset: lineNum, Error: fmt.Errorf("scan feed: %w", err)}
	}
	return Result{Applied: applied, Skipped: skipped, LastOffset: lineNum}
}

// ReplayKafka consumes the feed topic (partition 0) and applies every change
// past fromOffset. fromOffset is interpreted as message index.
func (r *Replayer) ReplayKafka(brokers []string, topic string, fromOffset int64) Result {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer rd.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	applied, skipped := 0, 0
	idx := int64(0)
	for {
		m, err := rd.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return Result{Applied: applied, Skipped: skipped, LastOffset: idx, Error: fmt.Errorf("read kafka: %w", err)}
		}
		idx++
		if idx <= fromOffset {
			skipped++
			continue
		}
		var ch feed.Change
		if err := json.Unmarshal(m.Value, &ch); err != nil {
			return Result{Applied: applied, Skipped: skipped, LastOffset: idx - 1, Error: fmt.Errorf("unmarshal change: %w", err)}
		}
		if err := r.apply(ctx, ch); err != nil {
			return Result{Applied: applied, Skipped: skipped, LastOffset: idx - 1, Error: fmt.Errorf("apply: %w", err)}
		}
		applied++
	}
	return Result{Applied: applied, Skipped: skipped, LastOffset: idx}
}

// Run reads the latest checkpoint and replays the feed file from there. A
// missing checkpoint means a cold start: replay everything.
func (r *Replayer) Run(ctx context.Context) (Result, error) {
	var from int64
	if c, err := r.ckptReader.ReadLatest(); err != nil {
		log.Printf("replay: no checkpoint, starting from the beginning: %v", err)
	} else {
		from = c.LastFeedOffset
	}
	result := r.ReplayFile(ctx, r.feedPath, from)
	return result, result.Error
}
