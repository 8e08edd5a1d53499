// Package checkpoint records how far the matcher (or a replay run) has
// consumed the change feed, so a restart resumes from the last durable
// position instead of the beginning.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"

	"tripmatch/internal/feed"
)

type Checkpoint struct {
	LastFeedOffset       int64  `json:"lastFeedOffset"`
	Consumer             string `json:"consumer"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

// Age returns how long ago the checkpoint was taken.
func (c Checkpoint) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(c.CreatedAtEpochSecond, 0))
}

type Publisher interface {
	PublishLatest(consumer string, lastFeedOffset int64) error
}

type Reader interface {
	ReadLatest() (Checkpoint, error)
}

// MultiPublisherImpl writes to multiple publishers sequentially.
type MultiPublisherImpl struct {
	pubs []Publisher
}

func MultiPublisher(pubs ...Publisher) Publisher {
	return &MultiPublisherImpl{pubs: pubs}
}

func (m *MultiPublisherImpl) PublishLatest(consumer string, lastFeedOffset int64) error {
	for _, p := range m.pubs {
		if err := p.PublishLatest(consumer, lastFeedOffset); err != nil {
			return err
		}
	}
	return nil
}

type FilesystemCheckpoint struct {
	baseDir string
}

func NewFilesystemCheckpoint(baseDir string) *FilesystemCheckpoint {
	return &FilesystemCheckpoint{baseDir: baseDir}
}

func (f *FilesystemCheckpoint) PublishLatest(consumer string, lastFeedOffset int64) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	c := Checkpoint{
		LastFeedOffset:       lastFeedOffset,
		Consumer:             consumer,
		CreatedAtEpochSecond: time.Now().UTC().Unix(),
	}
	file := filepath.Join(f.baseDir, "checkpoint.latest.json")
	out, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer out.Close()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

func (f *FilesystemCheckpoint) ReadLatest() (Checkpoint, error) {
	file := filepath.Join(f.baseDir, "checkpoint.latest.json")
	data, err := os.ReadFile(file)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return c, nil
}

// KafkaCheckpoint publishes checkpoint.latest as a compacted Kafka record.
type KafkaCheckpoint struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaCheckpoint creates a Kafka checkpoint publisher. bootstrap can be
// comma-separated brokers. key is typically "<consumer>-checkpoint-latest".
func NewKafkaCheckpoint(bootstrap string, topic string, key string) *KafkaCheckpoint {
	return &KafkaCheckpoint{writer: &kafka.Writer{
		Addr:         kafka.TCP(feed.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, key: []byte(key)}
}

func (k *KafkaCheckpoint) PublishLatest(consumer string, lastFeedOffset int64) error {
	c := Checkpoint{
		LastFeedOffset:       lastFeedOffset,
		Consumer:             consumer,
		CreatedAtEpochSecond: time.Now().UTC().Unix(),
	}
	b, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(context.Background(), kafka.Message{Key: k.key, Value: b})
}

// NewKafkaCheckpointWith is only for tests to inject a fake writer.
func NewKafkaCheckpointWith(w kafkaMessageWriter, key string) *KafkaCheckpoint {
	return &KafkaCheckpoint{writer: w, key: []byte(key)}
}
