// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/projectflow/flowmq/store"
)

// Dead-letter entry field names.
const (
	dlqFieldOriginalID     = "original_entry_id"
	dlqFieldOriginalStream = "original_stream"
	dlqFieldFields         = "fields"
	dlqFieldError          = "error"
	dlqFieldTimestamp      = "timestamp"
)

// DeadLetterRouter appends entries that exhausted their retry budget to a
// parallel dead-letter stream, derived from the source stream by suffix.
// Dead-letter streams are bounded by the store like any other stream and
// are never read back into the pipeline automatically.
type DeadLetterRouter struct {
	store  store.Store
	suffix string
	logger *slog.Logger
}

// NewDeadLetterRouter creates a dead-letter router.
func NewDeadLetterRouter(st store.Store, suffix string, logger *slog.Logger) *DeadLetterRouter {
	if logger == nil {
		logger = slog.Default()
	}

	return &DeadLetterRouter{
		store:  st,
		suffix: suffix,
		logger: logger,
	}
}

// StreamFor returns the dead-letter stream name for a source stream.
func (r *DeadLetterRouter) StreamFor(sourceStream string) string {
	return sourceStream + r.suffix
}

// Route appends a dead-letter entry capturing the original entry and the
// terminal failure. The entry carries enough to diagnose the failure
// without replaying the source system.
func (r *DeadLetterRouter) Route(ctx context.Context, sourceStream string, entry store.Entry, cause error) error {
	serialized, err := json.Marshal(entry.Fields)
	if err != nil {
		return fmt.Errorf("failed to serialize original fields: %w", err)
	}

	fields := map[string]string{
		dlqFieldOriginalID:     entry.ID,
		dlqFieldOriginalStream: sourceStream,
		dlqFieldFields:         string(serialized),
		dlqFieldError:          cause.Error(),
		dlqFieldTimestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}

	dlqStream := r.StreamFor(sourceStream)
	id, err := r.store.Append(ctx, dlqStream, fields)
	if err != nil {
		return fmt.Errorf("failed to append to dead-letter stream %s: %w", dlqStream, err)
	}

	r.logger.Info("Entry routed to dead-letter stream",
		"dlq_stream", dlqStream,
		"dlq_entry_id", id,
		"original_entry_id", entry.ID,
		"error", cause.Error())

	return nil
}
