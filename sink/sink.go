// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package sink forwards consumed events to external destinations in
// batches. A sink wraps a BatchWriter with buffering and a circuit
// breaker and plugs into a consumer group as an ordinary handler.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/projectflow/flowmq/dispatch"
	"github.com/projectflow/flowmq/event"
)

// BatchWriter delivers a batch of events to an external destination.
// Implementations must be safe for use from a single sink goroutine.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []*event.Event) error
	Close() error
}

// Config holds sink buffering settings.
type Config struct {
	// Name identifies the sink in logs and the circuit breaker.
	Name string

	// BatchSize triggers a flush when the buffer reaches it.
	BatchSize int

	// FlushInterval flushes partial buffers that have been sitting
	// longer than this.
	FlushInterval time.Duration

	// FailureThreshold is the consecutive flush failures before the
	// circuit opens. ResetTimeout is how long it stays open.
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// DefaultConfig returns sink defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		BatchSize:        50,
		FlushInterval:    5 * time.Second,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Sink buffers events and writes them out in batches. Flush failures
// propagate to the triggering handler call, so the dispatch retry and
// dead-letter policy applies to the whole batch.
type Sink struct {
	cfg     Config
	writer  BatchWriter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu     sync.Mutex
	buffer []*event.Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a sink over the given writer and starts its flush timer.
func New(cfg Config, writer BatchWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}

	s := &Sink{
		cfg:    cfg,
		writer: writer,
		logger: logger.With("sink", cfg.Name),
		buffer: make([]*event.Event, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn("Sink circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	if cfg.FlushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop()
	}

	return s
}

// Handler returns the dispatch handler feeding this sink. The handler
// buffers the event and flushes synchronously once the batch is full.
// On a failed flush the triggering event is removed from the restored
// buffer before the error surfaces: the delivery retry re-submits it,
// and keeping a buffered copy per attempt would reach the destination
// in duplicate.
func (s *Sink) Handler() dispatch.Handler {
	return func(ctx context.Context, ev *event.Event) error {
		s.mu.Lock()
		s.buffer = append(s.buffer, ev)
		full := len(s.buffer) >= s.cfg.BatchSize
		s.mu.Unlock()

		if !full {
			return nil
		}
		if err := s.Flush(ctx); err != nil {
			s.remove(ev)
			return err
		}
		return nil
	}
}

// remove drops one buffered copy of ev. Identity comparison is enough:
// the dispatch worker passes the same decoded event on every attempt.
func (s *Sink) remove(ev *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, buffered := range s.buffer {
		if buffered == ev {
			s.buffer = append(s.buffer[:i], s.buffer[i+1:]...)
			return
		}
	}
}

// Flush writes out the buffered events through the circuit breaker. The
// buffer is restored on failure so the batch is retried on the next
// flush rather than lost.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.buffer
	s.buffer = make([]*event.Event, 0, s.cfg.BatchSize)
	s.mu.Unlock()

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.writer.WriteBatch(ctx, batch)
	})
	if err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
		return fmt.Errorf("sink %s flush failed: %w", s.cfg.Name, err)
	}

	s.logger.Debug("Flushed batch", "events", len(batch))
	return nil
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Error("Periodic flush failed", "error", err)
			}
		}
	}
}

// Close flushes the remaining buffer and releases the writer.
func (s *Sink) Close() error {
	close(s.stopCh)
	s.wg.Wait()

	flushErr := s.Flush(context.Background())
	if err := s.writer.Close(); err != nil {
		return err
	}
	return flushErr
}
