// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/projectflow/flowmq/config"
	"github.com/projectflow/flowmq/event"
	"github.com/projectflow/flowmq/store"
)

// GroupSuffix derives a consumer group name from its stream.
const GroupSuffix = "-consumers"

// GroupName returns the consumer group name owning a stream.
func GroupName(stream string) string {
	return stream + GroupSuffix
}

// Stats is the dispatcher's introspection snapshot.
type Stats struct {
	Running         bool              `json:"running"`
	StreamCount     int               `json:"streams_count"`
	GroupCount      int               `json:"consumer_groups_count"`
	EventTypes      []string          `json:"event_types"`
	StreamMapping   map[string]string `json:"stream_mapping"`
	DefaultStream   string            `json:"default_stream"`
	ConsumerCount   int               `json:"consumers_per_group"`
	DLQEnabled      bool              `json:"dlq_enabled"`
	DLQMaxRetries   int               `json:"dlq_max_retries"`
	DLQStreamSuffix string            `json:"dlq_stream_suffix"`
}

// Dispatcher is the single entry point of the dispatch core. It owns the
// event-type routing table and the lifecycle of every consumer group.
// The routing table is read-only after Start.
type Dispatcher struct {
	cfg    *config.Config
	store  store.Store
	routes map[string]string
	logger *slog.Logger

	mu      sync.Mutex
	groups  map[string]*GroupManager // stream -> manager
	running bool
}

// New creates a dispatcher over the given store. The store connection is
// owned by the dispatcher from this point: Stop releases it.
func New(cfg *config.Config, st store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	routes := make(map[string]string, len(cfg.Routes))
	for eventType, stream := range cfg.Routes {
		routes[eventType] = stream
	}

	return &Dispatcher{
		cfg:    cfg,
		store:  st,
		routes: routes,
		logger: logger,
		groups: make(map[string]*GroupManager),
	}
}

// Start verifies storage connectivity, creates one consumer group per
// distinct target stream in the routing table and starts the configured
// number of workers for each.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	d.logger.Info("Starting event dispatcher")

	if err := d.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage not reachable: %w", err)
	}

	var dlq *DeadLetterRouter
	if d.cfg.DLQ.Enabled {
		dlq = NewDeadLetterRouter(d.store, d.cfg.DLQ.StreamSuffix, d.logger)
	}

	for _, stream := range d.targetStreams() {
		if _, exists := d.groups[stream]; exists {
			continue
		}

		mgr := NewGroupManager(stream, GroupName(stream), d.store, dlq, d.cfg.Consumer, d.cfg.DLQ.MaxRetries, d.logger)
		if err := mgr.Initialize(ctx); err != nil {
			return err
		}
		d.groups[stream] = mgr

		for i := 0; i < d.cfg.Consumer.Count; i++ {
			mgr.StartConsumer(fmt.Sprintf("%s-%d", mgr.Group(), i))
		}
	}

	d.running = true
	d.logger.Info("Event dispatcher started", "streams", len(d.groups))

	return nil
}

// targetStreams returns the distinct streams in the routing table, sorted
// for deterministic startup order.
func (d *Dispatcher) targetStreams() []string {
	seen := make(map[string]struct{})
	var streams []string
	for _, stream := range d.routes {
		if _, ok := seen[stream]; ok {
			continue
		}
		seen[stream] = struct{}{}
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	return streams
}

// Stop cancels every worker across every group, waits for their
// termination, then releases the store connection. Safe to call even if
// Start partially failed or never ran.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("Stopping event dispatcher")

	for _, mgr := range d.groups {
		mgr.StopAll()
	}
	d.groups = make(map[string]*GroupManager)
	d.running = false

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	d.logger.Info("Event dispatcher stopped")
	return nil
}

// resolveStream maps an event type to its target stream. Unknown types go
// to the default catch-all stream; that is a policy, not an error.
func (d *Dispatcher) resolveStream(eventType string) string {
	if stream, ok := d.routes[eventType]; ok {
		return stream
	}
	d.logger.Warn("No stream configured for event type, using default",
		"event_type", eventType, "default_stream", d.cfg.Streams.DefaultStream)
	return d.cfg.Streams.DefaultStream
}

// Publish appends one event to its target stream and returns the assigned
// entry ID.
func (d *Dispatcher) Publish(ctx context.Context, ev *event.Event) (string, error) {
	ev.Normalize()

	stream := d.resolveStream(ev.EventType)
	fields, err := ev.Fields()
	if err != nil {
		return "", err
	}

	id, err := d.store.Append(ctx, stream, fields)
	if err != nil {
		return "", err
	}

	eventsPublished.WithLabelValues(stream).Inc()
	d.logger.Debug("Published event", "event_type", ev.EventType, "stream", stream, "entry_id", id)

	return id, nil
}

// PublishBatch appends events in input order and returns their IDs in the
// same order. On failure the IDs appended so far are returned with the
// error.
func (d *Dispatcher) PublishBatch(ctx context.Context, events []*event.Event) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		id, err := d.Publish(ctx, ev)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RegisterEventHandler attaches a handler to the consumer group owning the
// event type's stream. Registering for a stream with no group is a
// configuration error and fails fast.
func (d *Dispatcher) RegisterEventHandler(eventType string, handler Handler) error {
	stream, ok := d.routes[eventType]
	if !ok {
		return fmt.Errorf("no stream configured for event type %s", eventType)
	}

	d.mu.Lock()
	mgr, ok := d.groups[stream]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no consumer group for stream %s (dispatcher not started?)", stream)
	}

	return mgr.RegisterHandler(eventType, handler)
}

// Ready reports readiness: storage reachable and at least one group
// initialized.
func (d *Dispatcher) Ready(ctx context.Context) bool {
	d.mu.Lock()
	running := d.running
	groups := len(d.groups)
	d.mu.Unlock()

	if !running || groups == 0 {
		return false
	}
	return d.store.Ping(ctx) == nil
}

// StreamInfo reports stream length, boundary IDs and group count.
func (d *Dispatcher) StreamInfo(ctx context.Context, stream string) (*store.StreamInfo, error) {
	return d.store.StreamInfo(ctx, stream)
}

// GroupInfo reports a consumer group's delivery state.
func (d *Dispatcher) GroupInfo(ctx context.Context, stream, group string) (*store.GroupInfo, error) {
	return d.store.GroupInfo(ctx, stream, group)
}

// Stats returns the dispatcher's configuration snapshot.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	running := d.running
	groups := len(d.groups)
	d.mu.Unlock()

	eventTypes := make([]string, 0, len(d.routes))
	mapping := make(map[string]string, len(d.routes))
	for eventType, stream := range d.routes {
		eventTypes = append(eventTypes, eventType)
		mapping[eventType] = stream
	}
	sort.Strings(eventTypes)

	return Stats{
		Running:         running,
		StreamCount:     len(d.targetStreams()),
		GroupCount:      groups,
		EventTypes:      eventTypes,
		StreamMapping:   mapping,
		DefaultStream:   d.cfg.Streams.DefaultStream,
		ConsumerCount:   d.cfg.Consumer.Count,
		DLQEnabled:      d.cfg.DLQ.Enabled,
		DLQMaxRetries:   d.cfg.DLQ.MaxRetries,
		DLQStreamSuffix: d.cfg.DLQ.StreamSuffix,
	}
}
