package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"tripmatch/internal/config"
	"tripmatch/internal/deadletter"
	"tripmatch/internal/feed"
	"tripmatch/internal/ingest"
	"tripmatch/internal/metrics"
	"tripmatch/internal/offsets"
	"tripmatch/internal/store"
	"tripmatch/internal/validate"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Config holds CLI flags for the ingester.
type Config struct {
	Bootstrap    string
	GroupID      string
	TopicEvents  string
	TopicFeed    string
	TopicDLQ     string
	DataDir      string
	Backend      string // memory|pebble|badger
	FeedSink     string // file|kafka|both
	DLQSink      string // file|kafka|both
	InputSource  string // kafka|file
	InputFile    string
	RawRetention time.Duration
	Strict       bool
	BatchSize    int
	HTTPAddr     string
	SweepEvery   time.Duration
}

func main() {
	cfg := readFlags()
	if err := run(cfg); err != nil {
		log.Fatalf("ingester failed: %v", err)
	}
}

func readFlags() Config {
	env := config.FromEnv()
	var cfg Config
	flag.StringVar(&cfg.Bootstrap, "bootstrap", env.Bootstrap, "kafka bootstrap servers")
	flag.StringVar(&cfg.GroupID, "group-id", env.GroupID+"-ingester", "consumer group id")
	flag.StringVar(&cfg.TopicEvents, "topic-events", env.TopicEvents, "raw trip events topic")
	flag.StringVar(&cfg.TopicFeed, "topic-feed", env.TopicFeed, "change feed topic")
	flag.StringVar(&cfg.TopicDLQ, "topic-deadletter", env.TopicDeadLetter, "dead-letter topic")
	flag.StringVar(&cfg.DataDir, "data-dir", env.DataDir, "local data directory")
	flag.StringVar(&cfg.Backend, "backend", env.Backend, "store backend: memory|pebble|badger")
	flag.StringVar(&cfg.FeedSink, "feed-sink", "both", "change feed sink: file|kafka|both")
	flag.StringVar(&cfg.DLQSink, "deadletter-sink", "file", "dead-letter sink: file|kafka|both")
	flag.StringVar(&cfg.InputSource, "input-source", "kafka", "event source: kafka|file")
	flag.StringVar(&cfg.InputFile, "input-file", "trips.events.jsonl", "jsonl input for file mode")
	flag.DurationVar(&cfg.RawRetention, "raw-retention", env.RawRetention, "raw event retention")
	flag.BoolVar(&cfg.Strict, "strict", env.Strict, "promote range checks to rejections")
	flag.IntVar(&cfg.BatchSize, "batch-size", 100, "max events per commit batch")
	flag.StringVar(&cfg.HTTPAddr, "http", env.HTTPAddr, "http listen for /metrics and /healthz")
	flag.DurationVar(&cfg.SweepEvery, "sweep-every", time.Hour, "expired row sweep interval (0 disables)")
	flag.Parse()
	return cfg
}

func run(cfg Config) error {
	log.Printf("starting ingester backend=%s source=%s strict=%v", cfg.Backend, cfg.InputSource, cfg.Strict)

	base, err := openStore(cfg.Backend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer base.Close()

	pub, err := buildFeed(cfg)
	if err != nil {
		return fmt.Errorf("init feed: %w", err)
	}
	st := feed.Tee(base, pub)

	sink, err := buildSink(cfg)
	if err != nil {
		return fmt.Errorf("init dead-letter sink: %w", err)
	}

	mreg := metrics.NewRegistry()
	go func() {
		http.Handle("/metrics", mreg.Handler())
		http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		})
		_ = http.ListenAndServe(cfg.HTTPAddr, nil)
	}()

	proc := ingest.NewProcessor(st, &validate.Validator{Strict: cfg.Strict}, sink, mreg, cfg.RawRetention)

	ctx := context.Background()
	if cfg.SweepEvery > 0 {
		go sweepLoop(ctx, base, cfg.SweepEvery)
	}

	if cfg.InputSource == "file" {
		return runFile(ctx, proc, cfg.InputFile)
	}
	return runKafka(ctx, proc, cfg)
}

func openStore(backend, dataDir string) (store.Store, error) {
	switch backend {
	case "pebble":
		return store.NewPebbleStore(dataDir + "/ingester-pebble")
	case "badger":
		return store.NewBadgerStore(dataDir + "/ingester-badger")
	default:
		return store.NewMemoryStore(), nil
	}
}

func buildFeed(cfg Config) (feed.Publisher, error) {
	var pubs []feed.Publisher
	if cfg.FeedSink == "file" || cfg.FeedSink == "both" {
		fw, err := feed.NewFileWriter(cfg.DataDir, "feed.jsonl")
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, fw)
	}
	if (cfg.FeedSink == "kafka" || cfg.FeedSink == "both") && cfg.Bootstrap != "" {
		pubs = append(pubs, feed.NewKafkaPublisher(cfg.Bootstrap, cfg.TopicFeed))
	}
	if len(pubs) == 0 {
		return nil, fmt.Errorf("no feed sink configured")
	}
	if len(pubs) == 1 {
		return pubs[0], nil
	}
	return feed.NewMultiPublisher(pubs...), nil
}

func buildSink(cfg Config) (deadletter.Writer, error) {
	var ws []deadletter.Writer
	if cfg.DLQSink == "file" || cfg.DLQSink == "both" {
		fw, err := deadletter.NewFileWriter(cfg.DataDir, "deadletter.jsonl")
		if err != nil {
			return nil, err
		}
		ws = append(ws, fw)
	}
	if (cfg.DLQSink == "kafka" || cfg.DLQSink == "both") && cfg.Bootstrap != "" {
		ws = append(ws, deadletter.NewKafkaWriter(cfg.Bootstrap, cfg.TopicDLQ))
	}
	if len(ws) == 0 {
		return nil, fmt.Errorf("no dead-letter sink configured")
	}
	if len(ws) == 1 {
		return ws[0], nil
	}
	return deadletter.NewMultiWriter(ws...), nil
}

func runFile(ctx context.Context, proc *ingest.Processor, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if err := proc.ProcessOne(ctx, line); err != nil {
			return fmt.Errorf("line %d: %w", n+1, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan input: %w", err)
	}
	log.Printf("ingested %d events from %s", n, path)
	return nil
}

func runKafka(ctx context.Context, proc *ingest.Processor, cfg Config) error {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  cfg.Bootstrap,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer c.Close()
	if err := c.SubscribeTopics([]string{cfg.TopicEvents}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	batch := make([]*ck.Message, 0, cfg.BatchSize)
	for {
		msg, err := c.ReadMessage(time.Second)
		if err == nil {
			batch = append(batch, msg)
			if len(batch) < cfg.BatchSize {
				continue
			}
		}
		if len(batch) == 0 {
			continue
		}
		payloads := make([][]byte, len(batch))
		for i, m := range batch {
			payloads[i] = m.Value
		}
		// Commit exactly the consumed prefix and rewind to the first
		// unconsumed message, so a storage failure redelivers the tail
		// instead of skipping it. Redelivery is safe: the raw row key
		// dedups repeated events.
		n, perr := proc.ProcessBatch(ctx, payloads)
		if n > 0 {
			if _, cerr := c.CommitOffsets(offsets.Next(batch[:n])); cerr != nil {
				log.Printf("commit failed: %v", cerr)
			}
		}
		if perr != nil {
			log.Printf("batch stopped after %d/%d events: %v", n, len(batch), perr)
			for _, tp := range offsets.First(batch[n:]) {
				if serr := c.Seek(tp, 0); serr != nil {
					log.Printf("seek failed: %v", serr)
				}
			}
			time.Sleep(time.Second)
		}
		batch = batch[:0]
	}
}

func sweepLoop(ctx context.Context, st store.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := st.Sweep(ctx)
			if err != nil {
				log.Printf("sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("sweep reclaimed %d expired rows", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
