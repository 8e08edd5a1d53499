// Package feed carries the store's change notifications: one Change per row
// mutation, published to any mix of in-process subscribers, a jsonl audit
// file and a Kafka topic. The correlation engine is driven entirely by these
// notifications; there is no polling loop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tripmatch/internal/model"
)

// ChangeKind mirrors the store mutation kinds the engine can observe.
type ChangeKind string

const (
	KindInsert ChangeKind = "insert"
	KindUpdate ChangeKind = "update"
)

// Change is a single row-level mutation notification. It carries the full
// new image of the record so consumers in other processes can materialize
// the store without a read back.
type Change struct {
	Kind   ChangeKind   `json:"kind"`
	Seq    int64        `json:"seq"`
	Record model.Record `json:"record"`
}

type Publisher interface {
	Publish(ctx context.Context, ch Change) error
}

// MultiPublisher fans out changes to several publishers sequentially.
type MultiPublisher struct {
	pubs []Publisher
}

func NewMultiPublisher(pubs ...Publisher) *MultiPublisher {
	return &MultiPublisher{pubs: pubs}
}

func (m *MultiPublisher) Publish(ctx context.Context, ch Change) error {
	for _, p := range m.pubs {
		if err := p.Publish(ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

// ChannelFeed delivers changes to in-process subscribers. Used by the
// single-binary topology and by tests; the cross-process equivalent is the
// Kafka topic.
type ChannelFeed struct {
	mu     sync.Mutex
	subs   []chan Change
	closed bool
}

func NewChannelFeed() *ChannelFeed { return &ChannelFeed{} }

// Subscribe returns a channel receiving every subsequent change. The buffer
// absorbs short bursts; Publish blocks when a subscriber falls behind, which
// is the backpressure the ingester wants.
func (f *ChannelFeed) Subscribe(buffer int) <-chan Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Change, buffer)
	f.subs = append(f.subs, ch)
	return ch
}

func (f *ChannelFeed) Publish(ctx context.Context, ch Change) error {
	f.mu.Lock()
	subs := append([]chan Change(nil), f.subs...)
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return fmt.Errorf("feed closed")
	}
	for _, sub := range subs {
		select {
		case sub <- ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *ChannelFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, sub := range f.subs {
		close(sub)
	}
	f.subs = nil
}

// FileWriter appends changes to a jsonl file. Doubles as the audit log and
// as the replay source for file-based recovery.
type FileWriter struct {
	path string
	mu   sync.Mutex
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Publish(_ context.Context, ch Change) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&ch); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}
