// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package store defines the stream store contract: an append-only,
// length-bounded log per stream with consumer-group delivery semantics.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrGroupNotFound  = errors.New("consumer group not found")
	ErrClosed         = errors.New("store is closed")
)

// StartPosition controls where a newly created group's cursor is placed.
type StartPosition string

const (
	// StartLatest positions the cursor at the next entry appended after
	// group creation. This is the default.
	StartLatest StartPosition = "latest"

	// StartEarliest positions the cursor before the oldest retained entry.
	StartEarliest StartPosition = "earliest"
)

// Entry is one record of a stream: the store-issued ID plus the flat field
// map the producer appended.
type Entry struct {
	ID     string
	Fields map[string]string
}

// StreamInfo describes a stream for admin introspection.
type StreamInfo struct {
	Name    string `json:"name"`
	Length  int64  `json:"length"`
	FirstID string `json:"first_entry_id"`
	LastID  string `json:"last_entry_id"`
	Groups  int64  `json:"groups"`
}

// GroupInfo describes a consumer group for admin introspection.
type GroupInfo struct {
	Stream          string `json:"stream"`
	Group           string `json:"group"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}

// Store is the persistence primitive the dispatch pipeline builds on.
// Implementations must be safe for concurrent use by many workers and the
// publish path simultaneously.
type Store interface {
	// Append adds one record to the stream and returns its ID. IDs are
	// monotonically increasing within a stream. Streams are trimmed to
	// the configured maximum length; trimming may be approximate.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// ReadGroup returns up to count entries not yet delivered to the
	// group, marking them pending for the named consumer. Entries whose
	// pending claim has been idle past the claim timeout are redelivered
	// first. When no entries are available it waits up to block before
	// returning an empty slice.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack removes an entry from the group's pending set. Acking an
	// unknown or already-acked ID is a no-op.
	Ack(ctx context.Context, stream, group, id string) error

	// CreateGroup creates a consumer group on the stream, creating the
	// stream itself if needed. Creating an existing group is a no-op.
	CreateGroup(ctx context.Context, stream, group string) error

	// StreamInfo reports length, boundary IDs and group count.
	StreamInfo(ctx context.Context, stream string) (*StreamInfo, error)

	// GroupInfo reports consumer count, pending count and cursor position.
	GroupInfo(ctx context.Context, stream, group string) (*GroupInfo, error)

	// Ping verifies connectivity to the underlying storage.
	Ping(ctx context.Context) error

	Close() error
}

// ID is a parsed stream entry ID in <milliseconds>-<sequence> form.
type ID struct {
	Ms  uint64
	Seq uint64
}

// ParseID parses an entry ID string.
func ParseID(s string) (ID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return ID{}, fmt.Errorf("malformed entry ID %q", s)
	}

	m, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("malformed entry ID %q: %w", s, err)
	}
	q, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("malformed entry ID %q: %w", s, err)
	}

	return ID{Ms: m, Seq: q}, nil
}

// String formats the ID in its wire form.
func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id precedes other in stream order.
func (id ID) Less(other ID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// Next issues the ID following id for an append happening at now.
// The millisecond component never moves backwards so IDs stay monotonic
// even if the wall clock does not.
func (id ID) Next(now time.Time) ID {
	ms := uint64(now.UnixMilli())
	if ms > id.Ms {
		return ID{Ms: ms}
	}
	return ID{Ms: id.Ms, Seq: id.Seq + 1}
}
