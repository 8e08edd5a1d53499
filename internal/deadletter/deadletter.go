// Package deadletter implements the dead-letter sink: the durable holding
// area for payloads that could not be processed after retries. Writes are
// fire-and-forget from the pipeline's point of view; callers log failures
// instead of propagating them into the hot path.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"tripmatch/internal/feed"
)

// Stages identify which part of the pipeline gave up on the payload.
const (
	StageIngest    = "ingest"
	StageValidate  = "validate"
	StageCorrelate = "correlate"
)

// Entry is one dead-lettered payload with enough context for manual
// reprocessing.
type Entry struct {
	ID       string          `json:"id"`
	Stage    string          `json:"stage"`
	Reason   string          `json:"reason"`
	TripID   string          `json:"trip_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

// Now is split out for tests.
var Now = func() time.Time { return time.Now().UTC() }

// NewEntry builds an entry around the original payload. payload may be raw
// bytes or any JSON-marshalable value.
func NewEntry(stage, reason, tripID string, payload any) Entry {
	e := Entry{
		ID:       uuid.NewString(),
		Stage:    stage,
		Reason:   reason,
		TripID:   tripID,
		FailedAt: Now(),
	}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		e.Payload = rawOrQuoted(p)
	case []byte:
		e.Payload = rawOrQuoted(p)
	default:
		if b, err := json.Marshal(p); err == nil {
			e.Payload = b
		} else {
			e.Payload = rawOrQuoted([]byte(fmt.Sprintf("%v", p)))
		}
	}
	return e
}

// rawOrQuoted keeps valid JSON as-is and preserves anything else as a JSON
// string, so the entry itself always marshals. Malformed input is exactly
// what ends up here, and it must not break the sink write.
func rawOrQuoted(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

type Writer interface {
	Write(ctx context.Context, e Entry) error
}

// MultiWriter fans out entries to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Write(ctx context.Context, e Entry) error {
	for _, w := range m.writers {
		if err := w.Write(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// FileWriter appends entries to a jsonl file for offline inspection.
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

func (w *FileWriter) Write(_ context.Context, e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&e); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes entries to the dead-letter topic. Pure-Go client
// (segmentio/kafka-go).
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(feed.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

func (k *KafkaWriter) Write(ctx context.Context, e Entry) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	key := e.TripID
	if key == "" {
		key = e.ID
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}
