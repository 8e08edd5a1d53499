package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripmatch/internal/checkpoint"
	"tripmatch/internal/config"
	"tripmatch/internal/deadletter"
	"tripmatch/internal/engine"
	"tripmatch/internal/feed"
	"tripmatch/internal/metrics"
	"tripmatch/internal/offsets"
	"tripmatch/internal/replay"
	"tripmatch/internal/store"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Config holds CLI flags for the matcher.
type Config struct {
	Bootstrap       string
	GroupID         string
	TopicFeed       string
	TopicDLQ        string
	TopicCkpt       string
	DataDir         string
	Backend         string // memory|pebble|badger
	DLQSink         string // file|kafka|both
	CkptSink        string // file|kafka|both
	FeedSource      string // kafka|file
	FeedFile        string
	Window          time.Duration
	CompletedRet    time.Duration
	RetryMax        int
	RetryBase       time.Duration
	Deadline        time.Duration
	Workers         int
	BatchSize       int
	HTTPAddr        string
	RestoreOnStart  bool
	CheckpointEvery int
}

func main() {
	cfg := readFlags()
	if err := run(cfg); err != nil {
		log.Fatalf("matcher failed: %v", err)
	}
}

func readFlags() Config {
	env := config.FromEnv()
	var cfg Config
	flag.StringVar(&cfg.Bootstrap, "bootstrap", env.Bootstrap, "kafka bootstrap servers")
	flag.StringVar(&cfg.GroupID, "group-id", env.GroupID+"-matcher", "consumer group id")
	flag.StringVar(&cfg.TopicFeed, "topic-feed", env.TopicFeed, "change feed topic")
	flag.StringVar(&cfg.TopicDLQ, "topic-deadletter", env.TopicDeadLetter, "dead-letter topic")
	flag.StringVar(&cfg.TopicCkpt, "topic-checkpoints", env.TopicCheckpoints, "checkpoint topic (compacted)")
	flag.StringVar(&cfg.DataDir, "data-dir", env.DataDir, "local data directory")
	flag.StringVar(&cfg.Backend, "backend", env.Backend, "store backend: memory|pebble|badger")
	flag.StringVar(&cfg.DLQSink, "deadletter-sink", "file", "dead-letter sink: file|kafka|both")
	flag.StringVar(&cfg.CkptSink, "checkpoint-sink", "file", "checkpoint sink: file|kafka|both")
	flag.StringVar(&cfg.FeedSource, "feed-source", "kafka", "change feed source: kafka|file")
	flag.StringVar(&cfg.FeedFile, "feed-file", "", "feed jsonl for file mode (default <data-dir>/feed.jsonl)")
	flag.DurationVar(&cfg.Window, "window", env.Window, "matching window")
	flag.DurationVar(&cfg.CompletedRet, "completed-retention", env.CompletedRetention, "completed record retention")
	flag.IntVar(&cfg.RetryMax, "retry-max", env.RetryMax, "max attempts for transient store failures")
	flag.DurationVar(&cfg.RetryBase, "retry-base", env.RetryBase, "first retry backoff step")
	flag.DurationVar(&cfg.Deadline, "deadline", env.Deadline, "per-notification deadline")
	flag.IntVar(&cfg.Workers, "workers", env.Workers, "concurrent notification handlers")
	flag.IntVar(&cfg.BatchSize, "batch-size", 100, "max notifications per commit batch")
	flag.StringVar(&cfg.HTTPAddr, "http", env.HTTPAddr, "http listen for /metrics and /healthz")
	flag.BoolVar(&cfg.RestoreOnStart, "restore", true, "rebuild the local store from the feed before consuming")
	flag.IntVar(&cfg.CheckpointEvery, "checkpoint-every", 10, "publish a checkpoint every N batches")
	flag.Parse()
	if cfg.FeedFile == "" {
		cfg.FeedFile = cfg.DataDir + "/feed.jsonl"
	}
	return cfg
}

func run(cfg Config) error {
	log.Printf("starting matcher backend=%s source=%s window=%v workers=%d", cfg.Backend, cfg.FeedSource, cfg.Window, cfg.Workers)

	st, err := openStore(cfg.Backend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	sink, err := buildSink(cfg)
	if err != nil {
		return fmt.Errorf("init dead-letter sink: %w", err)
	}

	ckptPub, ckptReader := buildCheckpoint(cfg)

	mreg := metrics.NewRegistry()
	go func() {
		http.Handle("/metrics", mreg.Handler())
		http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		})
		_ = http.ListenAndServe(cfg.HTTPAddr, nil)
	}()

	e := engine.New(st, sink, mreg, engine.Config{
		Window:             cfg.Window,
		CompletedRetention: cfg.CompletedRet,
		RetryMax:           cfg.RetryMax,
		RetryBase:          cfg.RetryBase,
		Deadline:           cfg.Deadline,
		MatchedBy:          "stream-matcher",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var resumeFrom int64
	if cfg.RestoreOnStart {
		t0 := time.Now()
		r := replay.NewReplayer(st, e, ckptReader, cfg.FeedFile)
		res, rerr := r.Run(ctx)
		if rerr != nil {
			log.Printf("restore skipped: %v", rerr)
		} else {
			resumeFrom = res.LastOffset
			mreg.ReplayApplied.Add(float64(res.Applied))
			mreg.ReplaySkipped.Add(float64(res.Skipped))
			mreg.ReplayTTRSec.Set(time.Since(t0).Seconds())
			log.Printf("restore completed: applied=%d skipped=%d ttr=%.3fs", res.Applied, res.Skipped, time.Since(t0).Seconds())
		}
	}

	d := engine.NewDispatcher(ctx, e, cfg.Workers)
	defer d.Drain()

	if cfg.FeedSource == "file" {
		r := replay.NewReplayer(st, e, ckptReader, cfg.FeedFile)
		res := r.ReplayFile(ctx, cfg.FeedFile, resumeFrom)
		if res.Error != nil {
			return res.Error
		}
		if err := ckptPub.PublishLatest("matcher", res.LastOffset); err != nil {
			log.Printf("checkpoint publish failed: %v", err)
		}
		log.Printf("feed file processed: applied=%d", res.Applied)
		return nil
	}
	return consumeFeed(ctx, cfg, st, d, ckptPub, mreg)
}

func consumeFeed(ctx context.Context, cfg Config, st store.Store, d *engine.Dispatcher, ckptPub checkpoint.Publisher, mreg *metrics.Registry) error {
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
	if err := c.SubscribeTopics([]string{cfg.TopicFeed}, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	var lastOffset int64 = -1
	batches := 0
	msgs := make([]*ck.Message, 0, cfg.BatchSize)
	batch := make([]feed.Change, 0, cfg.BatchSize)

	flush := func() {
		if len(msgs) == 0 {
			return
		}
		if perr := d.ProcessBatch(ctx, batch); perr != nil {
			// Only context expiry reaches here; leave the offsets
			// uncommitted so the batch is redelivered.
			log.Printf("batch interrupted: %v", perr)
			msgs, batch = msgs[:0], batch[:0]
			return
		}
		if _, cerr := c.CommitOffsets(offsets.Next(msgs)); cerr != nil {
			log.Printf("commit failed: %v", cerr)
		}
		lastOffset = int64(msgs[len(msgs)-1].TopicPartition.Offset)
		msgs, batch = msgs[:0], batch[:0]
		batches++
		if cfg.CheckpointEvery > 0 && batches%cfg.CheckpointEvery == 0 {
			if err := ckptPub.PublishLatest("matcher", lastOffset); err != nil {
				log.Printf("checkpoint publish failed: %v", err)
			} else {
				mreg.CheckpointAgeSec.Set(0)
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := c.ReadMessage(time.Second)
		if err == nil {
			var chg feed.Change
			if uerr := json.Unmarshal(msg.Value, &chg); uerr != nil {
				// Undecodable records have nothing to materialize; their
				// offsets still commit so the feed moves on.
				log.Printf("bad feed record at %v: %v", msg.TopicPartition, uerr)
				msgs = append(msgs, msg)
			} else if _, perr := st.Put(ctx, chg.Record, false); perr != nil {
				// Materialize the new image locally before notifying the
				// engine. On failure, flush what was already taken and
				// rewind so this message is fetched again, never skipped.
				log.Printf("materialize failed trip=%s: %v", chg.Record.TripID, perr)
				flush()
				if serr := c.Seek(msg.TopicPartition, 0); serr != nil {
					log.Printf("seek failed: %v", serr)
				}
				time.Sleep(time.Second)
				continue
			} else {
				msgs = append(msgs, msg)
				batch = append(batch, chg)
			}
			if len(msgs) < cfg.BatchSize {
				continue
			}
		}
		if len(msgs) == 0 {
			continue
		}
		flush()
	}
}

func openStore(backend, dataDir string) (store.Store, error) {
	switch backend {
	case "pebble":
		return store.NewPebbleStore(dataDir + "/matcher-pebble")
	case "badger":
		return store.NewBadgerStore(dataDir + "/matcher-badger")
	default:
		return store.NewMemoryStore(), nil
	}
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

func buildCheckpoint(cfg Config) (checkpoint.Publisher, checkpoint.Reader) {
	fs := checkpoint.NewFilesystemCheckpoint(cfg.DataDir)
	var pub checkpoint.Publisher = fs
	if (cfg.CkptSink == "kafka" || cfg.CkptSink == "both") && cfg.Bootstrap != "" {
		kc := checkpoint.NewKafkaCheckpoint(cfg.Bootstrap, cfg.TopicCkpt, "matcher-checkpoint-latest")
		if cfg.CkptSink == "kafka" {
			pub = kc
		} else {
			pub = checkpoint.MultiPublisher(fs, kc)
		}
	}
	return pub, fs
}
