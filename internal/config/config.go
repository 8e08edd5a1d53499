// Package config carries the settings shared by every binary. Values come
// from TRIPMATCH_* environment variables; each binary exposes them as flags
// whose defaults are the resolved environment values, so either mechanism
// works and flags win.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Kafka
	Bootstrap        string
	GroupID          string
	TopicEvents      string
	TopicFeed        string
	TopicDeadLetter  string
	TopicCheckpoints string

	// Storage
	DataDir string
	Backend string // memory|pebble|badger

	// Correlation policy
	Window             time.Duration
	RawRetention       time.Duration
	CompletedRetention time.Duration
	RetryMax           int
	RetryBase          time.Duration
	Deadline           time.Duration

	// Validation
	Strict bool

	// Runtime
	Workers  int
	HTTPAddr string
}

// FromEnv resolves the full configuration from the environment, falling back
// to development defaults.
func FromEnv() Config {
	return Config{
		Bootstrap:          getenv("TRIPMATCH_BOOTSTRAP", "localhost:19092"),
		GroupID:            getenv("TRIPMATCH_GROUP_ID", "tripmatch"),
		TopicEvents:        getenv("TRIPMATCH_TOPIC_EVENTS", "trips.events"),
		TopicFeed:          getenv("TRIPMATCH_TOPIC_FEED", "trips.feed"),
		TopicDeadLetter:    getenv("TRIPMATCH_TOPIC_DEADLETTER", "trips.deadletter"),
		TopicCheckpoints:   getenv("TRIPMATCH_TOPIC_CHECKPOINTS", "trips.checkpoints"),
		DataDir:            getenv("TRIPMATCH_DATA_DIR", "./data"),
		Backend:            getenv("TRIPMATCH_BACKEND", "pebble"),
		Window:             getdur("TRIPMATCH_WINDOW", 24*time.Hour),
		RawRetention:       getdur("TRIPMATCH_RAW_RETENTION", 30*24*time.Hour),
		CompletedRetention: getdur("TRIPMATCH_COMPLETED_RETENTION", 90*24*time.Hour),
		RetryMax:           getint("TRIPMATCH_RETRY_MAX", 5),
		RetryBase:          getdur("TRIPMATCH_RETRY_BASE", 200*time.Millisecond),
		Deadline:           getdur("TRIPMATCH_DEADLINE", 30*time.Second),
		Strict:             getbool("TRIPMATCH_STRICT", false),
		Workers:            getint("TRIPMATCH_WORKERS", 4),
		HTTPAddr:           getenv("TRIPMATCH_HTTP", ":8080"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
