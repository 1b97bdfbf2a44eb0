// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package badger provides an embedded, durable stream store on BadgerDB.
// Entries, group cursors and pending-entry lists are all persisted, so
// consumer-group delivery state survives process restarts.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/projectflow/flowmq/store"
)

const (
	entryPrefix = "stream:entry:" // stream:entry:<stream>:<id16>
	lastPrefix  = "stream:last:"  // stream:last:<stream>
	countPrefix = "stream:len:"   // stream:len:<stream>
	groupPrefix = "group:state:"  // group:state:<stream>:<group>
)

// Options configures the badger-backed store.
type Options struct {
	// Dir is the badger data directory.
	Dir string

	// SyncWrites forces fsync on every commit.
	SyncWrites bool

	// MaxLen bounds every stream; oldest entries are evicted past it.
	MaxLen int64

	// Start is the cursor position for newly created groups.
	Start store.StartPosition

	// ClaimTimeout is how long a delivered entry may sit unacknowledged
	// before another consumer can claim it.
	ClaimTimeout time.Duration
}

// Store is a BadgerDB implementation of store.Store.
type Store struct {
	db   *badgerdb.DB
	opts Options

	mu     sync.Mutex
	notify chan struct{}
	closed bool
}

// New opens (or creates) the badger database at opts.Dir.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("badger store requires a data directory")
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

	dbOpts := badgerdb.DefaultOptions(opts.Dir).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", opts.Dir, err)
	}

	return &Store{
		db:     db,
		opts:   opts,
		notify: make(chan struct{}),
	}, nil
}

// groupState is the persisted consumer-group record. Pending entries keep a
// copy of their fields so a claim can be redelivered even after the source
// entry has been trimmed out of the stream.
type groupState struct {
	Cursor    string                   `json:"cursor"`
	Pending   map[string]*pendingState `json:"pending"`
	Consumers map[string]time.Time     `json:"consumers"`
}

type pendingState struct {
	Fields      map[string]string `json:"fields"`
	Consumer    string            `json:"consumer"`
	DeliveredAt time.Time         `json:"delivered_at"`
	Deliveries  int               `json:"deliveries"`
}

func newGroupState() *groupState {
	return &groupState{
		Pending:   make(map[string]*pendingState),
		Consumers: make(map[string]time.Time),
	}
}

func encodeID(id store.ID) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], id.Ms)
	binary.BigEndian.PutUint64(buf[8:], id.Seq)
	return buf
}

func decodeID(buf []byte) store.ID {
	return store.ID{
		Ms:  binary.BigEndian.Uint64(buf[:8]),
		Seq: binary.BigEndian.Uint64(buf[8:]),
	}
}

func entryKey(stream string, id store.ID) []byte {
	return append([]byte(entryPrefix+stream+":"), encodeID(id)...)
}

func streamEntryPrefix(stream string) []byte {
	return []byte(entryPrefix + stream + ":")
}

// update runs a read-write transaction, retrying on commit conflicts.
// Conflicts are expected when several workers poll the same group.
func (s *Store) update(fn func(txn *badgerdb.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
}

func getJSON(txn *badgerdb.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badgerdb.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getCount(txn *badgerdb.Txn, stream string) (int64, error) {
	item, err := txn.Get([]byte(countPrefix + stream))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		n = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return n, err
}

func setCount(txn *badgerdb.Txn, stream string, n int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return txn.Set([]byte(countPrefix+stream), buf)
}

// Append adds one record, issues the next monotonic ID and trims the stream
// down to MaxLen inside the same transaction.
func (s *Store) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	var issued store.ID

	err := s.update(func(txn *badgerdb.Txn) error {
		var last store.ID
		item, err := txn.Get([]byte(lastPrefix + stream))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				last = decodeID(val)
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		issued = last.Next(time.Now())

		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		if err := txn.Set(entryKey(stream, issued), data); err != nil {
			return err
		}
		if err := txn.Set([]byte(lastPrefix+stream), encodeID(issued)); err != nil {
			return err
		}

		count, err := getCount(txn, stream)
		if err != nil {
			return err
		}
		count++

		if count > s.opts.MaxLen {
			removed, err := trimOldest(txn, stream, count-s.opts.MaxLen)
			if err != nil {
				return err
			}
			count -= removed
		}

		return setCount(txn, stream, count)
	})
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}

	s.mu.Lock()
	if !s.closed {
		close(s.notify)
		s.notify = make(chan struct{})
	}
	s.mu.Unlock()

	return issued.String(), nil
}

func trimOldest(txn *badgerdb.Txn, stream string, n int64) (int64, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = streamEntryPrefix(stream)
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid() && int64(len(keys)) < n; it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return 0, err
		}
	}

	return int64(len(keys)), nil
}

// CreateGroup creates the group record if it does not exist. The stream
// needs no explicit creation; it exists once its first entry is appended.
func (s *Store) CreateGroup(ctx context.Context, stream, group string) error {
	key := []byte(groupPrefix + stream + ":" + group)

	err := s.update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil // already exists, keep cursor and pending set
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}

		state := newGroupState()
		if s.opts.Start == store.StartLatest {
			item, err := txn.Get([]byte(lastPrefix + stream))
			if err == nil {
				if err := item.Value(func(val []byte) error {
					state.Cursor = decodeID(val).String()
					return nil
				}); err != nil {
					return err
				}
			} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
		}

		return setJSON(txn, key, state)
	})
	if err != nil {
		return fmt.Errorf("failed to create group %s on stream %s: %w", group, stream, err)
	}

	return nil
}

// ReadGroup delivers stale pending entries first, then entries past the
// group cursor, persisting the updated cursor and pending set atomically.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]store.Entry, error) {
	if count <= 0 {
		count = 1
	}

	deadline := time.Now().Add(block)
	for {
		entries, notify, err := s.tryRead(stream, group, consumer, count)
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

func (s *Store) tryRead(stream, group, consumer string, count int64) ([]store.Entry, chan struct{}, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, store.ErrClosed
	}
	notify := s.notify
	s.mu.Unlock()

	groupKey := []byte(groupPrefix + stream + ":" + group)
	var out []store.Entry

	err := s.update(func(txn *badgerdb.Txn) error {
		out = out[:0]

		state := newGroupState()
		if err := getJSON(txn, groupKey, state); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return store.ErrGroupNotFound
			}
			return err
		}
		if state.Pending == nil {
			state.Pending = make(map[string]*pendingState)
		}
		if state.Consumers == nil {
			state.Consumers = make(map[string]time.Time)
		}

		now := time.Now()
		state.Consumers[consumer] = now

		// Stale pending entries first.
		for id, pe := range state.Pending {
			if int64(len(out)) >= count {
				break
			}
			if now.Sub(pe.DeliveredAt) >= s.opts.ClaimTimeout {
				pe.Consumer = consumer
				pe.DeliveredAt = now
				pe.Deliveries++
				out = append(out, store.Entry{ID: id, Fields: pe.Fields})
			}
		}

		// Then entries past the cursor.
		var cursor store.ID
		if state.Cursor != "" {
			parsed, err := store.ParseID(state.Cursor)
			if err != nil {
				return err
			}
			cursor = parsed
		}

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = streamEntryPrefix(stream)

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(streamEntryPrefix(stream), encodeID(cursor)...)
		for it.Seek(seek); it.Valid() && int64(len(out)) < count; it.Next() {
			item := it.Item()
			key := item.Key()
			id := decodeID(key[len(key)-16:])
			if !cursor.Less(id) {
				continue
			}

			var fields map[string]string
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &fields)
			}); err != nil {
				return err
			}

			cursor = id
			state.Pending[id.String()] = &pendingState{
				Fields:      fields,
				Consumer:    consumer,
				DeliveredAt: now,
				Deliveries:  1,
			}
			out = append(out, store.Entry{ID: id.String(), Fields: fields})
		}

		if len(out) == 0 {
			return nil
		}

		state.Cursor = cursor.String()
		return setJSON(txn, groupKey, state)
	})
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to read group %s on stream %s: %w", group, stream, err)
	}

	return out, notify, nil
}

// Ack removes an entry from the group's pending set. Unknown IDs are a no-op.
func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	groupKey := []byte(groupPrefix + stream + ":" + group)

	err := s.update(func(txn *badgerdb.Txn) error {
		state := newGroupState()
		if err := getJSON(txn, groupKey, state); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		if _, ok := state.Pending[id]; !ok {
			return nil
		}
		delete(state.Pending, id)

		return setJSON(txn, groupKey, state)
	})
	if err != nil {
		return fmt.Errorf("failed to ack %s on stream %s: %w", id, stream, err)
	}

	return nil
}

// StreamInfo reports length, boundary IDs and group count.
func (s *Store) StreamInfo(ctx context.Context, stream string) (*store.StreamInfo, error) {
	info := &store.StreamInfo{Name: stream}
	found := false

	err := s.db.View(func(txn *badgerdb.Txn) error {
		count, err := getCount(txn, stream)
		if err != nil {
			return err
		}
		info.Length = count

		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = streamEntryPrefix(stream)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			id := decodeID(key[len(key)-16:])
			if !found {
				info.FirstID = id.String()
				found = true
			}
			info.LastID = id.String()
		}
		it.Close()

		gOpts := badgerdb.DefaultIteratorOptions
		gOpts.Prefix = []byte(groupPrefix + stream + ":")
		gOpts.PrefetchValues = false

		git := txn.NewIterator(gOpts)
		defer git.Close()
		for git.Rewind(); git.Valid(); git.Next() {
			info.Groups++
		}

		if !found && info.Groups == 0 {
			return store.ErrStreamNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to inspect stream %s: %w", stream, err)
	}

	return info, nil
}

// GroupInfo reports consumer count, pending count and cursor position.
func (s *Store) GroupInfo(ctx context.Context, stream, group string) (*store.GroupInfo, error) {
	groupKey := []byte(groupPrefix + stream + ":" + group)
	state := newGroupState()

	err := s.db.View(func(txn *badgerdb.Txn) error {
		return getJSON(txn, groupKey, state)
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil, store.ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to inspect group %s on stream %s: %w", group, stream, err)
	}

	return &store.GroupInfo{
		Stream:          stream,
		Group:           group,
		Consumers:       int64(len(state.Consumers)),
		Pending:         int64(len(state.Pending)),
		LastDeliveredID: state.Cursor,
	}, nil
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return store.ErrClosed
	}
	return nil
}

// Close wakes blocked readers and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.notify)
	s.mu.Unlock()

	return s.db.Close()
}
