// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory stream store. It is the test and
// development backend; durability across restarts comes from the badger and
// redis backends.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/projectflow/flowmq/store"
)

// Options configures the in-memory store.
type Options struct {
	// MaxLen bounds every stream; oldest entries are evicted past it.
	MaxLen int64

	// Start is the cursor position for newly created groups.
	Start store.StartPosition

	// ClaimTimeout is how long a delivered entry may sit unacknowledged
	// before another consumer can claim it.
	ClaimTimeout time.Duration
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		MaxLen:       10000,
		Start:        store.StartLatest,
		ClaimTimeout: 30 * time.Second,
	}
}

type pendingEntry struct {
	entry       store.Entry
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

type group struct {
	cursor    store.ID
	pending   map[string]*pendingEntry
	consumers map[string]time.Time // consumer name -> last poll
}

type stream struct {
	entries []store.Entry // sorted by ID
	lastID  store.ID
	groups  map[string]*group
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu      sync.Mutex
	opts    Options
	streams map[string]*stream
	notify  chan struct{} // closed and replaced on every append
	closed  bool
}

// New creates an in-memory store.
func New(opts Options) *Store {
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultOptions().MaxLen
	}
	if opts.Start == "" {
		opts.Start = store.StartLatest
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultOptions().ClaimTimeout
	}

	return &Store{
		opts:    opts,
		streams: make(map[string]*stream),
		notify:  make(chan struct{}),
	}
}

func (s *Store) getOrCreate(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}
	return st
}

// Append adds one record and trims the stream to its maximum length.
func (s *Store) Append(ctx context.Context, streamName string, fields map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", store.ErrClosed
	}

	st := s.getOrCreate(streamName)
	st.lastID = st.lastID.Next(time.Now())

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	st.entries = append(st.entries, store.Entry{ID: st.lastID.String(), Fields: copied})

	if int64(len(st.entries)) > s.opts.MaxLen {
		drop := int64(len(st.entries)) - s.opts.MaxLen
		st.entries = append([]store.Entry(nil), st.entries[drop:]...)
	}

	// Wake blocked readers.
	close(s.notify)
	s.notify = make(chan struct{})

	return st.lastID.String(), nil
}

// CreateGroup creates a consumer group, creating the stream if needed.
// Creating an existing group leaves its cursor and pending set untouched.
func (s *Store) CreateGroup(ctx context.Context, streamName, groupName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}

	st := s.getOrCreate(streamName)
	if _, exists := st.groups[groupName]; exists {
		return nil
	}

	g := &group{
		pending:   make(map[string]*pendingEntry),
		consumers: make(map[string]time.Time),
	}
	if s.opts.Start == store.StartLatest {
		g.cursor = st.lastID
	}
	st.groups[groupName] = g

	return nil
}

// ReadGroup delivers undelivered entries to the consumer, redelivering
// pending entries whose claim has gone idle past the claim timeout.
func (s *Store) ReadGroup(ctx context.Context, streamName, groupName, consumer string, count int64, block time.Duration) ([]store.Entry, error) {
	if count <= 0 {
		count = 1
	}

	deadline := time.Now().Add(block)
	for {
		entries, notify, err := s.tryRead(streamName, groupName, consumer, count)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func (s *Store) tryRead(streamName, groupName, consumer string, count int64) ([]store.Entry, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, store.ErrClosed
	}

	st, ok := s.streams[streamName]
	if !ok {
		return nil, nil, store.ErrStreamNotFound
	}
	g, ok := st.groups[groupName]
	if !ok {
		return nil, nil, store.ErrGroupNotFound
	}

	now := time.Now()
	g.consumers[consumer] = now

	var out []store.Entry

	// Stale pending entries first: their previous claim timed out.
	for _, pe := range g.pending {
		if int64(len(out)) >= count {
			break
		}
		if now.Sub(pe.deliveredAt) >= s.opts.ClaimTimeout {
			pe.consumer = consumer
			pe.deliveredAt = now
			pe.deliveries++
			out = append(out, pe.entry)
		}
	}

	// Then entries past the group cursor.
	for _, e := range st.entries {
		if int64(len(out)) >= count {
			break
		}
		id, err := store.ParseID(e.ID)
		if err != nil {
			continue
		}
		if !g.cursor.Less(id) {
			continue
		}
		g.cursor = id
		g.pending[e.ID] = &pendingEntry{
			entry:       e,
			consumer:    consumer,
			deliveredAt: now,
			deliveries:  1,
		}
		out = append(out, e)
	}

	return out, s.notify, nil
}

// Ack removes an entry from the group's pending set. Unknown IDs are a no-op.
func (s *Store) Ack(ctx context.Context, streamName, groupName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}

	st, ok := s.streams[streamName]
	if !ok {
		return nil
	}
	g, ok := st.groups[groupName]
	if !ok {
		return nil
	}

	delete(g.pending, id)
	return nil
}

// StreamInfo reports the stream's length, boundary IDs and group count.
func (s *Store) StreamInfo(ctx context.Context, streamName string) (*store.StreamInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	st, ok := s.streams[streamName]
	if !ok {
		return nil, store.ErrStreamNotFound
	}

	info := &store.StreamInfo{
		Name:   streamName,
		Length: int64(len(st.entries)),
		Groups: int64(len(st.groups)),
	}
	if len(st.entries) > 0 {
		info.FirstID = st.entries[0].ID
		info.LastID = st.entries[len(st.entries)-1].ID
	}

	return info, nil
}

// GroupInfo reports the group's consumer count, pending count and cursor.
func (s *Store) GroupInfo(ctx context.Context, streamName, groupName string) (*store.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, store.ErrClosed
	}

	st, ok := s.streams[streamName]
	if !ok {
		return nil, store.ErrStreamNotFound
	}
	g, ok := st.groups[groupName]
	if !ok {
		return nil, store.ErrGroupNotFound
	}

	return &store.GroupInfo{
		Stream:          streamName,
		Group:           groupName,
		Consumers:       int64(len(g.consumers)),
		Pending:         int64(len(g.pending)),
		LastDeliveredID: g.cursor.String(),
	}, nil
}

// Ping reports whether the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// Close shuts the store down and wakes any blocked readers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)

	return nil
}
