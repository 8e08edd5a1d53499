package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestPublishAndReadLatest(t *testing.T) {
	dir := t.TempDir()
	c := NewFilesystemCheckpoint(dir)
	if err := c.PublishLatest("matcher", 42); err != nil {
		t.Fatalf("PublishLatest error: %v", err)
	}
	got, err := c.ReadLatest()
	if err != nil {
		t.Fatalf("ReadLatest error: %v", err)
	}
	if got.LastFeedOffset != 42 || got.Consumer != "matcher" || got.CreatedAtEpochSecond == 0 {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if got.Age(time.Now()) > time.Minute {
		t.Fatalf("implausible checkpoint age: %v", got.Age(time.Now()))
	}
}

func TestReadLatestMissing(t *testing.T) {
	c := NewFilesystemCheckpoint(t.TempDir())
	if _, err := c.ReadLatest(); err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaCheckpoint_PublishLatest_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kc := NewKafkaCheckpointWith(fk, "matcher-checkpoint-latest")
	if err := kc.PublishLatest("matcher", 99); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "matcher-checkpoint-latest" {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
}

func TestKafkaCheckpoint_PublishLatest_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	kc := NewKafkaCheckpointWith(fk, "matcher-checkpoint-latest")
	if err := kc.PublishLatest("matcher", 99); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiPublisher(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	mp := MultiPublisher(NewFilesystemCheckpoint(dir1), NewFilesystemCheckpoint(dir2))
	if err := mp.PublishLatest("replay", 7); err != nil {
		t.Fatalf("multi publish: %v", err)
	}
	for _, d := range []string{dir1, dir2} {
		got, err := NewFilesystemCheckpoint(d).ReadLatest()
		if err != nil {
			t.Fatalf("read from %s: %v", d, err)
		}
		if got.LastFeedOffset != 7 {
			t.Fatalf("offset = %d, want 7", got.LastFeedOffset)
		}
	}
}
