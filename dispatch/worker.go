// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/projectflow/flowmq/event"
	"github.com/projectflow/flowmq/store"
)

// consumeLoop is the worker state machine: poll, process the batch in
// order, then poll again. Connectivity errors back off and retry; only
// cancellation terminates the loop.
func (m *GroupManager) consumeLoop(ctx context.Context, name string) {
	logger := m.logger.With("consumer", name)

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := m.store.ReadGroup(ctx, m.stream, m.group, name, m.consumer.BatchSize, m.consumer.BlockTime)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}

			pollErrors.WithLabelValues(m.stream, m.group).Inc()
			logger.Error("Poll failed, backing off", "error", err)

			timer := time.NewTimer(m.consumer.PollBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				// Remaining entries stay pending for redelivery.
				return
			}
			m.processEntry(ctx, logger, entry)
		}
	}
}

// processEntry invokes the registered handler with inline retries up to the
// budget, then either acks (success, or no handler) or dead-letters and
// acks (budget exhausted). The original entry is acked regardless of the
// dead-letter append outcome: losing one poisoned entry is preferred over
// stalling the whole group.
func (m *GroupManager) processEntry(ctx context.Context, logger *slog.Logger, entry store.Entry) {
	started := time.Now()
	defer func() {
		processingDuration.WithLabelValues(m.stream, m.group).Observe(time.Since(started).Seconds())
	}()

	ev, err := event.FromFields(entry.Fields)
	if err != nil {
		// Corrupt envelope: nothing to retry, route straight to DLQ.
		logger.Error("Failed to decode entry", "entry_id", entry.ID, "error", err)
		m.deadLetter(ctx, logger, entry, err)
		m.ack(ctx, logger, entry.ID)
		return
	}

	handler, ok := m.handler(ev.EventType)
	if !ok {
		// Not interesting to this group; ack and move on.
		eventsUnhandled.WithLabelValues(m.stream, m.group).Inc()
		logger.Debug("No handler for event type", "event_type", ev.EventType, "entry_id", entry.ID)
		m.ack(ctx, logger, entry.ID)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= m.retries; attempt++ {
		err := handler(ctx, ev)
		if err == nil {
			m.ack(ctx, logger, entry.ID)
			eventsProcessed.WithLabelValues(m.stream, m.group).Inc()
			logger.Debug("Processed entry", "entry_id", entry.ID, "event_type", ev.EventType, "attempt", attempt)
			return
		}
		lastErr = err

		ev.RetryCount++
		handlerFailures.WithLabelValues(m.stream, m.group).Inc()
		logger.Warn("Handler failed",
			"entry_id", entry.ID,
			"event_type", ev.EventType,
			"attempt", attempt,
			"max_attempts", m.retries,
			"error", lastErr)

		if ctx.Err() != nil {
			// Cancelled mid-retry: leave the entry pending.
			return
		}
	}

	m.deadLetter(ctx, logger, entry, lastErr)
	m.ack(ctx, logger, entry.ID)
}

func (m *GroupManager) deadLetter(ctx context.Context, logger *slog.Logger, entry store.Entry, cause error) {
	if m.dlq == nil {
		logger.Error("Dropping entry after exhausted retries (dead-lettering disabled)",
			"entry_id", entry.ID, "error", cause)
		return
	}

	if err := m.dlq.Route(ctx, m.stream, entry, cause); err != nil {
		dlqAppendFailures.WithLabelValues(m.stream, m.group).Inc()
		logger.Error("Failed to route entry to dead-letter stream", "entry_id", entry.ID, "error", err)
		return
	}

	eventsDeadLettered.WithLabelValues(m.stream, m.group).Inc()
}

func (m *GroupManager) ack(ctx context.Context, logger *slog.Logger, id string) {
	if err := m.store.Ack(ctx, m.stream, m.group, id); err != nil {
		// The entry stays pending and will be redelivered; at-least-once
		// delivery absorbs the duplicate.
		logger.Error("Failed to ack entry", "entry_id", id, "error", err)
	}
}
