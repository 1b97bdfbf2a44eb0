// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Command flowmq runs the event dispatch service: stream-backed
// publish/consume with consumer groups, inline retries and dead-letter
// routing, fronted by an HTTP publish/admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/projectflow/flowmq/config"
	"github.com/projectflow/flowmq/dispatch"
	"github.com/projectflow/flowmq/server/health"
	"github.com/projectflow/flowmq/server/httpapi"
	"github.com/projectflow/flowmq/sink"
	filesink "github.com/projectflow/flowmq/sink/file"
	kafkasink "github.com/projectflow/flowmq/sink/kafka"
	"github.com/projectflow/flowmq/store"
	badgerstore "github.com/projectflow/flowmq/store/badger"
	memorystore "github.com/projectflow/flowmq/store/memory"
	redisstore "github.com/projectflow/flowmq/store/redis"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting event dispatch service", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"event_types", len(cfg.Routes),
		"consumers_per_group", cfg.Consumer.Count,
		"dlq_enabled", cfg.DLQ.Enabled)

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := dispatch.New(cfg, st, logger)
	if err := dispatcher.Start(ctx); err != nil {
		slog.Error("Failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	sinks, err := attachSinks(cfg, dispatcher, logger)
	if err != nil {
		slog.Error("Failed to attach sinks", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	apiServer := httpapi.New(httpapi.FromServerConfig(cfg.Server), dispatcher, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	healthServer := health.New(health.Config{
		Address:         cfg.Server.HealthAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, dispatcher, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	slog.Info("Event dispatch service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := dispatcher.Stop(shutdownCtx); err != nil {
		slog.Error("Error during dispatcher shutdown", "error", err)
	}

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			slog.Error("Error during sink shutdown", "error", err)
		}
	}

	slog.Info("Event dispatch service stopped")
}

// openStore builds the stream store selected by the configuration.
func openStore(cfg *config.Config) (store.Store, error) {
	start := store.StartLatest
	if cfg.Streams.StartFrom == "earliest" {
		start = store.StartEarliest
	}

	switch cfg.Storage.Type {
	case "memory":
		slog.Info("Using in-memory storage")
		return memorystore.New(memorystore.Options{
			MaxLen:       cfg.Streams.MaxLen,
			Start:        start,
			ClaimTimeout: cfg.Streams.ClaimTimeout,
		}), nil
	case "badger":
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.Badger.Dir)
		return badgerstore.New(badgerstore.Options{
			Dir:          cfg.Storage.Badger.Dir,
			SyncWrites:   cfg.Storage.Badger.SyncWrites,
			MaxLen:       cfg.Streams.MaxLen,
			Start:        start,
			ClaimTimeout: cfg.Streams.ClaimTimeout,
		})
	case "redis":
		slog.Info("Using Redis Streams storage")
		return redisstore.New(context.Background(), redisstore.Options{
			URL:          cfg.Storage.Redis.URL,
			MaxConns:     cfg.Storage.Redis.MaxConns,
			MaxLen:       cfg.Streams.MaxLen,
			Start:        start,
			ClaimTimeout: cfg.Streams.ClaimTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// attachSinks wires the configured forwarding sinks into their consumer
// groups as event handlers.
func attachSinks(cfg *config.Config, d *dispatch.Dispatcher, logger *slog.Logger) ([]*sink.Sink, error) {
	var sinks []*sink.Sink

	if cfg.Sinks.Kafka.Enabled {
		writer, err := kafkasink.New(kafkasink.Config{
			Brokers: cfg.Sinks.Kafka.Brokers,
			Topic:   cfg.Sinks.Kafka.Topic,
		})
		if err != nil {
			return sinks, err
		}

		sinkCfg := sink.DefaultConfig("kafka")
		if cfg.Sinks.Kafka.BatchSize > 0 {
			sinkCfg.BatchSize = cfg.Sinks.Kafka.BatchSize
		}
		if cfg.Sinks.Kafka.FlushInterval > 0 {
			sinkCfg.FlushInterval = cfg.Sinks.Kafka.FlushInterval
		}

		s := sink.New(sinkCfg, writer, logger)
		for _, eventType := range cfg.Sinks.Kafka.EventTypes {
			if err := d.RegisterEventHandler(eventType, s.Handler()); err != nil {
				return append(sinks, s), err
			}
		}
		sinks = append(sinks, s)
		slog.Info("Kafka sink enabled", "topic", cfg.Sinks.Kafka.Topic, "event_types", len(cfg.Sinks.Kafka.EventTypes))
	}

	if cfg.Sinks.Archive.Enabled {
		writer, err := filesink.New(cfg.Sinks.Archive.Dir)
		if err != nil {
			return sinks, err
		}

		sinkCfg := sink.DefaultConfig("archive")
		if cfg.Sinks.Archive.BatchSize > 0 {
			sinkCfg.BatchSize = cfg.Sinks.Archive.BatchSize
		}
		if cfg.Sinks.Archive.FlushInterval > 0 {
			sinkCfg.FlushInterval = cfg.Sinks.Archive.FlushInterval
		}

		s := sink.New(sinkCfg, writer, logger)
		for _, eventType := range cfg.Sinks.Archive.EventTypes {
			if err := d.RegisterEventHandler(eventType, s.Handler()); err != nil {
				return append(sinks, s), err
			}
		}
		sinks = append(sinks, s)
		slog.Info("Archive sink enabled", "dir", cfg.Sinks.Archive.Dir, "event_types", len(cfg.Sinks.Archive.EventTypes))
	}

	return sinks, nil
}
