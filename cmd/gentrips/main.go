package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"tripmatch/internal/feed"
)

func main() {
	var (
		count      int
		outputFile string
		bootstrap  string
		topic      string
		sink       string
		cancelPct  int
		orphanPct  int
	)
	flag.IntVar(&count, "count", 100, "number of trips to generate")
	flag.StringVar(&outputFile, "output", "trips.events.jsonl", "output file for file sink")
	flag.StringVar(&bootstrap, "bootstrap", "localhost:19092", "kafka bootstrap for kafka sink")
	flag.StringVar(&topic, "topic", "trips.events", "kafka topic for kafka sink")
	flag.StringVar(&sink, "sink", "file", "where to write events: file|kafka")
	flag.IntVar(&cancelPct, "cancel-pct", 10, "percent of trips that get cancelled")
	flag.IntVar(&orphanPct, "orphan-pct", 5, "percent of trips that never end")
	flag.Parse()

	events := generateTrips(count, cancelPct, orphanPct)
	rand.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

	var err error
	if sink == "kafka" {
		err = writeKafka(bootstrap, topic, events)
	} else {
		err = writeFile(outputFile, events)
	}
	if err != nil {
		log.Fatalf("generation failed: %v", err)
	}
	log.Printf("generated %d events for %d trips", len(events), count)
}

// generateTrips emits raw payloads in the producer's wire shape, including
// the legacy trip_begin/trip_end spellings the validator normalizes.
func generateTrips(count, cancelPct, orphanPct int) []map[string]any {
	rand.Seed(time.Now().UnixNano())
	base := time.Now().UTC().Add(-6 * time.Hour)

	var events []map[string]any
	for i := 0; i < count; i++ {
		tripID := uuid.NewString()
		pickup := base.Add(time.Duration(rand.Intn(3600*4)) * time.Second)
		fare := 5 + rand.Float64()*45

		begin := map[string]any{
			"trip_id":               tripID,
			"event_type":            "trip_begin",
			"pickup_datetime":       pickup.Format(time.RFC3339),
			"vendor_id":             fmt.Sprintf("%d", 1+rand.Intn(2)),
			"pickup_location_id":    fmt.Sprintf("%d", 1+rand.Intn(300)),
			"passenger_count":       1 + rand.Intn(4),
			"estimated_fare_amount": float64(int(fare*100)) / 100,
		}
		events = append(events, begin)

		roll := rand.Intn(100)
		switch {
		case roll < cancelPct:
			events = append(events, map[string]any{
				"trip_id":    tripID,
				"event_type": "trip_cancelled",
			})
		case roll < cancelPct+orphanPct:
			// Begin with no counterpart; ages out with the raw retention.
		default:
			duration := time.Duration(5+rand.Intn(85)) * time.Minute
			distance := 0.5 + rand.Float64()*15
			events = append(events, map[string]any{
				"trip_id":             tripID,
				"event_type":          "trip_end",
				"dropoff_datetime":    pickup.Add(duration).Format(time.RFC3339),
				"dropoff_location_id": fmt.Sprintf("%d", 1+rand.Intn(300)),
				"fare_amount":         float64(int(fare*100)) / 100,
				"tip_amount":          float64(int(fare*20)) / 100,
				"trip_distance":       float64(int(distance*100)) / 100,
				"payment_type":        []string{"card", "cash"}[rand.Intn(2)],
			})
		}
	}
	return events
}

func writeFile(path string, events []map[string]any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %d: %w", i+1, err)
		}
	}
	return nil
}

func writeKafka(bootstrap, topic string, events []map[string]any) error {
	w := &kafka.Writer{
		Addr:         kafka.TCP(feed.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer w.Close()

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		key, _ := ev["trip_id"].(string)
		msgs = append(msgs, kafka.Message{Key: []byte(key), Value: b})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return w.WriteMessages(ctx, msgs...)
}
