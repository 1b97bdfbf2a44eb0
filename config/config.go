// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package config holds the service configuration. One Config is built at
// process start and passed by reference into the dispatcher and stores;
// there is no ambient global lookup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the event dispatch service.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Streams  StreamsConfig  `yaml:"streams"`
	Consumer ConsumerConfig `yaml:"consumer"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Sinks    SinksConfig    `yaml:"sinks"`

	// Routes maps event types to target streams. Events with an unmapped
	// type go to Streams.DefaultStream.
	Routes map[string]string `yaml:"routes"`
}

// ServerConfig holds the HTTP listeners.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// PublishRate limits publish requests per client IP (requests/sec,
	// 0 disables limiting). PublishBurst is the burst allowance.
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects and configures the stream store backend.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger, redis

	Redis  RedisConfig  `yaml:"redis"`
	Badger BadgerConfig `yaml:"badger"`
}

// RedisConfig holds Redis Streams backend settings.
type RedisConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_connections"`
}

// BadgerConfig holds embedded BadgerDB backend settings.
type BadgerConfig struct {
	Dir        string `yaml:"dir"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// StreamsConfig holds per-stream settings shared by all backends.
type StreamsConfig struct {
	// MaxLen bounds every stream; oldest entries are evicted past it.
	MaxLen int64 `yaml:"max_len"`

	// StartFrom positions the cursor of newly created groups:
	// "latest" (default) or "earliest".
	StartFrom string `yaml:"start_from"`

	// ClaimTimeout is the idle time before a delivered-but-unacked entry
	// may be claimed by another consumer.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`

	// DefaultStream receives events whose type has no route.
	DefaultStream string `yaml:"default_stream"`
}

// ConsumerConfig holds worker loop settings.
type ConsumerConfig struct {
	// Count is the number of workers started per consumer group.
	Count int `yaml:"count"`

	// BatchSize is the maximum entries fetched per poll.
	BatchSize int64 `yaml:"batch_size"`

	// BlockTime is how long a poll waits for new entries.
	BlockTime time.Duration `yaml:"block_time"`

	// PollBackoff is the fixed sleep after a storage connectivity error.
	PollBackoff time.Duration `yaml:"poll_backoff"`
}

// DLQConfig holds dead-letter routing settings.
type DLQConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxRetries is the total number of handler attempts per delivery
	// before the entry is routed to the dead-letter stream.
	MaxRetries int `yaml:"max_retries"`

	// StreamSuffix derives the dead-letter stream name from the source
	// stream name.
	StreamSuffix string `yaml:"stream_suffix"`
}

// SinksConfig holds optional forwarding destinations for consumed events.
type SinksConfig struct {
	Kafka   KafkaSinkConfig   `yaml:"kafka"`
	Archive ArchiveSinkConfig `yaml:"archive"`
}

// KafkaSinkConfig forwards selected event types to a Kafka topic.
type KafkaSinkConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	EventTypes []string `yaml:"event_types"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ArchiveSinkConfig archives selected event types as compressed JSONL
// files under a directory.
type ArchiveSinkConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Dir        string   `yaml:"dir"`
	EventTypes []string `yaml:"event_types"`

	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns a configuration with sensible defaults, including the
// standard event-type routing table.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8004",
			HealthAddr:      ":8084",
			ShutdownTimeout: 30 * time.Second,
			PublishRate:     0,
			PublishBurst:    100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type: "redis",
			Redis: RedisConfig{
				URL:      "redis://localhost:6379/0",
				MaxConns: 100,
			},
			Badger: BadgerConfig{
				Dir: "/tmp/flowmq/data",
			},
		},
		Streams: StreamsConfig{
			MaxLen:        10000,
			StartFrom:     "latest",
			ClaimTimeout:  30 * time.Second,
			DefaultStream: "default-events",
		},
		Consumer: ConsumerConfig{
			Count:       2,
			BatchSize:   100,
			BlockTime:   time.Second,
			PollBackoff: 5 * time.Second,
		},
		DLQ: DLQConfig{
			Enabled:      true,
			MaxRetries:   3,
			StreamSuffix: "-dlq",
		},
		Sinks: SinksConfig{
			Kafka: KafkaSinkConfig{
				BatchSize:     50,
				FlushInterval: 5 * time.Second,
			},
			Archive: ArchiveSinkConfig{
				Dir:           "/tmp/flowmq/archive",
				BatchSize:     100,
				FlushInterval: 30 * time.Second,
			},
		},
		Routes: map[string]string{
			"user.created":             "user-events",
			"user.updated":             "user-events",
			"user.deleted":             "user-events",
			"project.created":          "project-events",
			"project.archived":         "project-events",
			"card.created":             "kanban-events",
			"card.moved":               "kanban-events",
			"ai.job.queued":            "ai-events",
			"ai.job.updated":           "ai-events",
			"automation.job.started":   "automation-events",
			"automation.job.completed": "automation-events",
			"browser.session.created":  "browser-events",
			"browser.session.closed":   "browser-events",
			"audit.event":              "audit-events",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.Badger.Dir == "" {
			return fmt.Errorf("storage.badger.dir required when storage.type is badger")
		}
	case "redis":
		if c.Storage.Redis.URL == "" {
			return fmt.Errorf("storage.redis.url required when storage.type is redis")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger, redis")
	}

	if c.Streams.MaxLen < 1 {
		return fmt.Errorf("streams.max_len must be at least 1")
	}
	if c.Streams.StartFrom != "latest" && c.Streams.StartFrom != "earliest" {
		return fmt.Errorf("streams.start_from must be latest or earliest")
	}
	if c.Streams.DefaultStream == "" {
		return fmt.Errorf("streams.default_stream cannot be empty")
	}

	if c.Consumer.Count < 1 {
		return fmt.Errorf("consumer.count must be at least 1")
	}
	if c.Consumer.BatchSize < 1 {
		return fmt.Errorf("consumer.batch_size must be at least 1")
	}
	if c.Consumer.BlockTime <= 0 {
		return fmt.Errorf("consumer.block_time must be positive")
	}
	if c.Consumer.PollBackoff <= 0 {
		return fmt.Errorf("consumer.poll_backoff must be positive")
	}

	if c.DLQ.Enabled {
		if c.DLQ.MaxRetries < 1 {
			return fmt.Errorf("dlq.max_retries must be at least 1")
		}
		if c.DLQ.StreamSuffix == "" {
			return fmt.Errorf("dlq.stream_suffix cannot be empty")
		}
	}

	if c.Sinks.Kafka.Enabled {
		if len(c.Sinks.Kafka.Brokers) == 0 {
			return fmt.Errorf("sinks.kafka.brokers required when the kafka sink is enabled")
		}
		if c.Sinks.Kafka.Topic == "" {
			return fmt.Errorf("sinks.kafka.topic required when the kafka sink is enabled")
		}
		if len(c.Sinks.Kafka.EventTypes) == 0 {
			return fmt.Errorf("sinks.kafka.event_types required when the kafka sink is enabled")
		}
	}
	if c.Sinks.Archive.Enabled {
		if c.Sinks.Archive.Dir == "" {
			return fmt.Errorf("sinks.archive.dir required when the archive sink is enabled")
		}
		if len(c.Sinks.Archive.EventTypes) == 0 {
			return fmt.Errorf("sinks.archive.event_types required when the archive sink is enabled")
		}
	}

	return nil
}
