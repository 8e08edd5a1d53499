package offsets

import (
	"testing"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

func msg(topic string, part int32, off int64) *ck.Message {
	return &ck.Message{TopicPartition: ck.TopicPartition{
		Topic:     &topic,
		Partition: part,
		Offset:    ck.Offset(off),
	}}
}

func find(t *testing.T, tps []ck.TopicPartition, topic string, part int32) ck.TopicPartition {
	t.Helper()
	for _, tp := range tps {
		if tp.Topic != nil && *tp.Topic == topic && tp.Partition == part {
			return tp
		}
	}
	t.Fatalf("partition %s/%d not present in %+v", topic, part, tps)
	return ck.TopicPartition{}
}

func TestNextIsOnePastLatestPerPartition(t *testing.T) {
	msgs := []*ck.Message{
		msg("events", 0, 5),
		msg("events", 0, 7),
		msg("events", 1, 2),
	}
	got := Next(msgs)
	if len(got) != 2 {
		t.Fatalf("partitions = %d, want 2", len(got))
	}
	if tp := find(t, got, "events", 0); tp.Offset != 8 {
		t.Fatalf("partition 0 commit = %d, want 8", tp.Offset)
	}
	if tp := find(t, got, "events", 1); tp.Offset != 3 {
		t.Fatalf("partition 1 commit = %d, want 3", tp.Offset)
	}
}

func TestFirstIsEarliestPerPartition(t *testing.T) {
	msgs := []*ck.Message{
		msg("events", 0, 9),
		msg("events", 0, 4),
		msg("events", 1, 11),
	}
	got := First(msgs)
	if tp := find(t, got, "events", 0); tp.Offset != 4 {
		t.Fatalf("partition 0 seek = %d, want 4", tp.Offset)
	}
	if tp := find(t, got, "events", 1); tp.Offset != 11 {
		t.Fatalf("partition 1 seek = %d, want 11", tp.Offset)
	}
}

// A batch that fails midway splits into a committed head and a rewound tail
// that meet exactly at the failure point, so no fetched message is skipped.
func TestCommitAndSeekMeetAtTheFailurePoint(t *testing.T) {
	batch := []*ck.Message{
		msg("events", 0, 10),
		msg("events", 0, 11),
		msg("events", 0, 12),
	}
	consumed := 2

	commit := Next(batch[:consumed])
	rewind := First(batch[consumed:])
	c := find(t, commit, "events", 0)
	r := find(t, rewind, "events", 0)
	if c.Offset != 12 || r.Offset != 12 {
		t.Fatalf("commit = %d, rewind = %d, both must be 12", c.Offset, r.Offset)
	}
}

func TestEmptyInput(t *testing.T) {
	if got := Next(nil); len(got) != 0 {
		t.Fatalf("Next(nil) = %+v", got)
	}
	if got := First(nil); len(got) != 0 {
		t.Fatalf("First(nil) = %+v", got)
	}
}
