// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes typed events onto streams and delivers them to
// registered handlers through competing consumer groups.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/projectflow/flowmq/config"
	"github.com/projectflow/flowmq/event"
	"github.com/projectflow/flowmq/store"
)

// Handler processes one event. A nil return acknowledges the entry; an
// error triggers the inline retry and dead-letter policy.
type Handler func(ctx context.Context, ev *event.Event) error

// GroupManager owns one consumer group on one stream. It holds the handler
// registry and the lifecycle of the group's workers; the durable cursor and
// pending-entry bookkeeping live in the store.
type GroupManager struct {
	stream   string
	group    string
	store    store.Store
	dlq      *DeadLetterRouter // nil when dead-lettering is disabled
	consumer config.ConsumerConfig
	retries  int
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	workers  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewGroupManager creates a manager for the given (stream, group) pair.
func NewGroupManager(stream, group string, st store.Store, dlq *DeadLetterRouter, consumer config.ConsumerConfig, maxRetries int, logger *slog.Logger) *GroupManager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	return &GroupManager{
		stream:   stream,
		group:    group,
		store:    st,
		dlq:      dlq,
		consumer: consumer,
		retries:  maxRetries,
		logger:   logger.With("stream", stream, "group", group),
		handlers: make(map[string]Handler),
		workers:  make(map[string]context.CancelFunc),
	}
}

// Stream returns the stream this group consumes.
func (m *GroupManager) Stream() string {
	return m.stream
}

// Group returns the consumer group name.
func (m *GroupManager) Group() string {
	return m.group
}

// Initialize idempotently creates the group in the store.
func (m *GroupManager) Initialize(ctx context.Context) error {
	if err := m.store.CreateGroup(ctx, m.stream, m.group); err != nil {
		return fmt.Errorf("failed to initialize group %s on stream %s: %w", m.group, m.stream, err)
	}

	m.logger.Info("Consumer group initialized")
	return nil
}

// RegisterHandler associates a handler with an event type. At most one
// handler per event type; a second registration is a configuration error.
func (m *GroupManager) RegisterHandler(eventType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", eventType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[eventType]; exists {
		return fmt.Errorf("handler already registered for event type %s", eventType)
	}
	m.handlers[eventType] = handler

	m.logger.Info("Registered handler", "event_type", eventType)
	return nil
}

func (m *GroupManager) handler(eventType string) (Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handlers[eventType]
	return h, ok
}

// StartConsumer spawns a named worker loop. Starting a name that is already
// running is a no-op.
func (m *GroupManager) StartConsumer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.workers[name]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.workers[name] = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.consumeLoop(ctx, name)
	}()

	m.logger.Info("Started consumer", "consumer", name)
}

// StopAll cancels every worker and waits for their termination. Entries
// delivered but not yet acked stay pending in the store; redelivery after
// the claim timeout is the recovery path.
func (m *GroupManager) StopAll() {
	m.mu.Lock()
	for name, cancel := range m.workers {
		cancel()
		delete(m.workers, name)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("All consumers stopped")
}

// Info reports the group's delivery state from the store.
func (m *GroupManager) Info(ctx context.Context) (*store.GroupInfo, error) {
	return m.store.GroupInfo(ctx, m.stream, m.group)
}
