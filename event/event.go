// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package event defines the typed envelope routed by the dispatch core.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field names used when an event is flattened into stream entry fields.
const (
	FieldData          = "data"
	FieldEventType     = "event_type"
	FieldTimestamp     = "timestamp"
	FieldCorrelationID = "correlation_id"
)

// Event is the envelope producers publish and handlers receive.
// It is immutable once appended to a stream; RetryCount is mutated only by
// the dispatch pipeline while a delivery is being retried in memory.
type Event struct {
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id"`
	UserID        *int64         `json:"user_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	RetryCount    int            `json:"retry_count"`
}

// New creates an event with a generated correlation ID and a UTC timestamp.
func New(eventType string, payload map[string]any) *Event {
	return &Event{
		EventType:     eventType,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
	}
}

// Normalize fills in the correlation ID and timestamp if the producer left
// them empty. It is called on the publish path before serialization.
func (e *Event) Normalize() {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// Fields serializes the event into the flat field map appended to a stream.
// The full envelope travels in the data field; event_type, timestamp and
// correlation_id are duplicated as top-level fields for introspection.
func (e *Event) Fields() (map[string]string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return map[string]string{
		FieldData:          string(data),
		FieldEventType:     e.EventType,
		FieldTimestamp:     e.Timestamp.Format(time.RFC3339Nano),
		FieldCorrelationID: e.CorrelationID,
	}, nil
}

// FromFields reconstructs an event from stream entry fields.
func FromFields(fields map[string]string) (*Event, error) {
	data, ok := fields[FieldData]
	if !ok {
		return nil, fmt.Errorf("entry has no %s field", FieldData)
	}

	var e Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &e, nil
}
