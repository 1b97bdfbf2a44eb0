// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package kafka provides a sink writer that forwards events to a Kafka
// topic, keying messages by correlation ID so related events land on the
// same partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/projectflow/flowmq/event"
)

// Config holds Kafka sink settings.
type Config struct {
	Brokers []string
	Topic   string
}

// Writer forwards event batches to a Kafka topic.
type Writer struct {
	writer *kafka.Writer
}

// New creates a Kafka batch writer.
func New(cfg Config) (*Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Writer{writer: w}, nil
}

// WriteBatch publishes the batch as individual Kafka messages.
func (w *Writer) WriteBatch(ctx context.Context, events []*event.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", ev.EventType, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.CorrelationID),
			Value: value,
			Time:  ev.Timestamp,
		})
	}

	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write to kafka: %w", err)
	}
	return nil
}

// Close releases the underlying Kafka writer.
func (w *Writer) Close() error {
	return w.writer.Close()
}
