package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"tripmatch/internal/checkpoint"
	"tripmatch/internal/config"
	"tripmatch/internal/deadletter"
	"tripmatch/internal/engine"
	"tripmatch/internal/metrics"
	"tripmatch/internal/replay"
	"tripmatch/internal/store"

	"github.com/segmentio/kafka-go"
)

// The replay binary continuously proves the feed is recoverable: every cycle
// it rebuilds a fresh store from the latest checkpoint and reports how long
// that took and how far behind the checkpoint is.
func main() {
	env := config.FromEnv()
	var (
		bootstrap  string
		feedSource string
		topicFeed  string
		dataDir    string
		httpAddr   string
		window     time.Duration
		pollEvery  time.Duration
	)
	flag.StringVar(&bootstrap, "bootstrap", env.Bootstrap, "kafka bootstrap")
	flag.StringVar(&feedSource, "feed-source", "file", "feed source: file|kafka")
	flag.StringVar(&topicFeed, "topic-feed", env.TopicFeed, "change feed topic")
	flag.StringVar(&dataDir, "data-dir", env.DataDir, "data dir holding feed.jsonl and checkpoints")
	flag.StringVar(&httpAddr, "http", ":9090", "http listen for /metrics")
	flag.DurationVar(&window, "window", env.Window, "matching window")
	flag.DurationVar(&pollEvery, "poll", 10*time.Second, "cycle interval")
	flag.Parse()

	mreg := metrics.NewRegistry()
	go func() {
		http.Handle("/metrics", mreg.Handler())
		_ = http.ListenAndServe(httpAddr, nil)
	}()

	ckptReader := checkpoint.NewFilesystemCheckpoint(dataDir)
	feedPath := dataDir + "/feed.jsonl"

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		t1 := time.Now()

		// Fresh in-memory store each cycle so the run measures a true
		// cold rebuild.
		st := store.NewMemoryStore()
		e := engine.New(st, discardSink{}, mreg, engine.Config{Window: window, MatchedBy: "replay"})
		r := replay.NewReplayer(st, e, ckptReader, feedPath)

		var from int64
		ckpt, err := ckptReader.ReadLatest()
		if err != nil {
			log.Printf("read checkpoint: %v", err)
		} else {
			from = ckpt.LastFeedOffset
			mreg.CheckpointAgeSec.Set(ckpt.Age(time.Now()).Seconds())
		}

		var res replay.Result
		if feedSource == "kafka" {
			res = r.ReplayKafka([]string{bootstrap}, topicFeed, from)
		} else {
			res = r.ReplayFile(context.Background(), feedPath, from)
		}
		if res.Error != nil {
			log.Printf("replay: %v", res.Error)
			<-ticker.C
			continue
		}

		mreg.ReplayApplied.Add(float64(res.Applied))
		mreg.ReplaySkipped.Add(float64(res.Skipped))
		mreg.ReplayTTRSec.Set(time.Since(t1).Seconds())
		if feedSource == "kafka" {
			head := headOffset(topicFeed, bootstrap)
			if head >= 0 && res.LastOffset >= 0 {
				mreg.FeedLag.Set(float64(head - res.LastOffset))
			}
		}
		log.Printf("replay cycle: applied=%d skipped=%d ttr=%.3fs", res.Applied, res.Skipped, time.Since(t1).Seconds())

		<-ticker.C
	}
}

type discardSink struct{}

func (discardSink) Write(_ context.Context, e deadletter.Entry) error {
	log.Printf("replay dead letter stage=%s trip=%s reason=%s", e.Stage, e.TripID, e.Reason)
	return nil
}

// headOffset returns the last (high-watermark - 1) offset of partition 0 for a topic
func headOffset(topic string, bootstrap string) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := kafka.DialLeader(ctx, "tcp", bootstrap, topic, 0)
	if err != nil {
		return -1
	}
	defer conn.Close()
	off, err := conn.ReadLastOffset()
	if err != nil {
		return -1
	}
	return off - 1
}
