// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a stream store backed by Redis Streams.
// Streams map onto XADD/XREADGROUP/XACK; the group cursor and pending-entry
// list are Redis' own, so delivery state survives process restarts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/projectflow/flowmq/store"
)

// Options configures the Redis-backed store.
type Options struct {
	// URL is a redis connection URL, e.g. redis://localhost:6379/0.
	URL string

	// MaxConns bounds the connection pool shared by workers and the
	// publish path. Zero uses the client default.
	MaxConns int

	// MaxLen bounds every stream. Trimming uses MAXLEN ~ (approximate).
	MaxLen int64

	// Start is the cursor position for newly created groups.
	Start store.StartPosition

	// ClaimTimeout is the idle time after which a pending entry may be
	// claimed by another consumer (XAUTOCLAIM min-idle).
	ClaimTimeout time.Duration
}

// Store is a Redis Streams implementation of store.Store.
type Store struct {
	client *goredis.Client
	opts   Options
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	redisOpts, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.MaxConns > 0 {
		redisOpts.PoolSize = opts.MaxConns
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 10000
	}
	if opts.Start == "" {
		opts.Start = store.StartLatest
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 30 * time.Second
	}

	client := goredis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{client: client, opts: opts}, nil
}

// Append adds one record with XADD, trimming approximately to MaxLen.
func (s *Store) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: s.opts.MaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}

	return id, nil
}

// CreateGroup issues XGROUP CREATE MKSTREAM. A BUSYGROUP reply means the
// group already exists and is treated as success.
func (s *Store) CreateGroup(ctx context.Context, stream, group string) error {
	start := "$"
	if s.opts.Start == store.StartEarliest {
		start = "0"
	}

	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on stream %s: %w", group, stream, err)
	}

	return nil
}

// ReadGroup claims idle pending entries first (XAUTOCLAIM), then reads new
// entries (XREADGROUP >), blocking up to block when nothing is available.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]store.Entry, error) {
	claimed, _, err := s.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  s.opts.ClaimTimeout,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		if isMissingGroup(err) {
			return nil, store.ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to claim pending entries on %s: %w", stream, err)
	}
	if len(claimed) > 0 {
		return toEntries(claimed), nil
	}

	streams, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil // block timeout, nothing new
		}
		if isMissingGroup(err) {
			return nil, store.ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to read from stream %s: %w", stream, err)
	}

	var entries []store.Entry
	for _, str := range streams {
		entries = append(entries, toEntries(str.Messages)...)
	}

	return entries, nil
}

// Ack removes an entry from the group's pending list. XACK on an unknown ID
// returns 0, which is already a no-op.
func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on stream %s: %w", id, stream, err)
	}
	return nil
}

// StreamInfo reports XINFO STREAM data.
func (s *Store) StreamInfo(ctx context.Context, stream string) (*store.StreamInfo, error) {
	info, err := s.client.XInfoStream(ctx, stream).Result()
	if err != nil {
		if isMissingKey(err) {
			return nil, store.ErrStreamNotFound
		}
		return nil, fmt.Errorf("failed to inspect stream %s: %w", stream, err)
	}

	out := &store.StreamInfo{
		Name:   stream,
		Length: info.Length,
		Groups: info.Groups,
	}
	if info.FirstEntry.ID != "" {
		out.FirstID = info.FirstEntry.ID
	}
	if info.LastEntry.ID != "" {
		out.LastID = info.LastEntry.ID
	}

	return out, nil
}

// GroupInfo reports XINFO GROUPS data for one group.
func (s *Store) GroupInfo(ctx context.Context, stream, group string) (*store.GroupInfo, error) {
	groups, err := s.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if isMissingKey(err) {
			return nil, store.ErrStreamNotFound
		}
		return nil, fmt.Errorf("failed to inspect groups on stream %s: %w", stream, err)
	}

	for _, g := range groups {
		if g.Name == group {
			return &store.GroupInfo{
				Stream:          stream,
				Group:           group,
				Consumers:       g.Consumers,
				Pending:         g.Pending,
				LastDeliveredID: g.LastDeliveredID,
			}, nil
		}
	}

	return nil, store.ErrGroupNotFound
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func toEntries(msgs []goredis.XMessage) []store.Entry {
	entries := make([]store.Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if sv, ok := v.(string); ok {
				fields[k] = sv
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
		entries = append(entries, store.Entry{ID: m.ID, Fields: fields})
	}
	return entries
}

func isMissingGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func isMissingKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such key") || errors.Is(err, goredis.Nil)
}
