// Package offsets computes the partition positions a consumer must commit or
// rewind to around a partially consumed batch. Commits must never move past
// a fetched message whose payload was not durably handled.
package offsets

import (
	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

type partition struct {
	topic string
	part  int32
}

// Next returns, per partition, the offset just past the latest of msgs: the
// positions to commit after every message in msgs was handled.
func Next(msgs []*ck.Message) []ck.TopicPartition {
	latest := make(map[partition]ck.TopicPartition)
	for _, m := range msgs {
		tp := m.TopicPartition
		tp.Offset++
		key := partitionKey(tp)
		if cur, ok := latest[key]; !ok || tp.Offset > cur.Offset {
			latest[key] = tp
		}
	}
	return collect(latest)
}

// First returns, per partition, the earliest offset in msgs: the positions
// to seek back to when msgs were fetched but not handled.
func First(msgs []*ck.Message) []ck.TopicPartition {
	earliest := make(map[partition]ck.TopicPartition)
	for _, m := range msgs {
		tp := m.TopicPartition
		key := partitionKey(tp)
		if cur, ok := earliest[key]; !ok || tp.Offset < cur.Offset {
			earliest[key] = tp
		}
	}
	return collect(earliest)
}

func partitionKey(tp ck.TopicPartition) partition {
	p := partition{part: tp.Partition}
	if tp.Topic != nil {
		p.topic = *tp.Topic
	}
	return p
}

func collect(m map[partition]ck.TopicPartition) []ck.TopicPartition {
	out := make([]ck.TopicPartition, 0, len(m))
	for _, tp := range m {
		out = append(out, tp)
	}
	return out
}
