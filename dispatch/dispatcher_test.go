// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectflow/flowmq/config"
	"github.com/projectflow/flowmq/event"
	"github.com/projectflow/flowmq/store"
	"github.com/projectflow/flowmq/store/memory"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.Consumer.Count = 1
	cfg.Consumer.BlockTime = 20 * time.Millisecond
	cfg.Consumer.PollBackoff = 20 * time.Millisecond
	cfg.Routes = map[string]string{
		"card.moved":   "kanban-events",
		"card.created": "kanban-events",
		"user.created": "user-events",
	}
	return cfg
}

func testStore() *memory.Store {
	opts := memory.DefaultOptions()
	opts.Start = store.StartEarliest
	return memory.New(opts)
}

func startDispatcher(t *testing.T, cfg *config.Config, st store.Store) *Dispatcher {
	t.Helper()

	d := New(cfg, st, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background()) })

	return d
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "kanban-events-consumers", GroupName("kanban-events"))
}

func TestDispatcher_Start(t *testing.T) {
	cfg := testConfig()
	d := startDispatcher(t, cfg, testStore())

	ctx := context.Background()
	assert.True(t, d.Ready(ctx))

	// One group per distinct target stream.
	for _, stream := range []string{"kanban-events", "user-events"} {
		info, err := d.GroupInfo(ctx, stream, GroupName(stream))
		require.NoError(t, err)
		assert.Equal(t, GroupName(stream), info.Group)
	}

	stats := d.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.StreamCount)
	assert.Equal(t, 2, stats.GroupCount)
	assert.Equal(t, []string{"card.created", "card.moved", "user.created"}, stats.EventTypes)
	assert.Equal(t, "kanban-events", stats.StreamMapping["card.moved"])

	// Start is idempotent.
	require.NoError(t, d.Start(ctx))
}

func TestDispatcher_Publish_RoutesByType(t *testing.T) {
	cfg := testConfig()
	st := testStore()
	d := startDispatcher(t, cfg, st)
	ctx := context.Background()

	_, err := d.Publish(ctx, event.New("card.moved", map[string]any{"card_id": float64(1)}))
	require.NoError(t, err)
	_, err = d.Publish(ctx, event.New("user.created", map[string]any{"user_id": float64(2)}))
	require.NoError(t, err)

	kanban, err := d.StreamInfo(ctx, "kanban-events")
	require.NoError(t, err)
	assert.Equal(t, int64(1), kanban.Length)

	users, err := d.StreamInfo(ctx, "user-events")
	require.NoError(t, err)
	assert.Equal(t, int64(1), users.Length)
}

func TestDispatcher_Publish_UnknownTypeGoesToDefault(t *testing.T) {
	cfg := testConfig()
	st := testStore()
	d := startDispatcher(t, cfg, st)
	ctx := context.Background()

	_, err := d.Publish(ctx, event.New("totally.unknown", nil))
	require.NoError(t, err)

	info, err := d.StreamInfo(ctx, cfg.Streams.DefaultStream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length)

	// The catch-all stream is publish-only: no group consumes it.
	assert.Equal(t, int64(0), info.Groups)
}

func TestDispatcher_Publish_AssignsIncreasingIDs(t *testing.T) {
	d := startDispatcher(t, testConfig(), testStore())
	ctx := context.Background()

	var prev store.ID
	for i := 0; i < 20; i++ {
		idStr, err := d.Publish(ctx, event.New("card.moved", nil))
		require.NoError(t, err)

		id, err := store.ParseID(idStr)
		require.NoError(t, err)
		assert.True(t, prev.Less(id))
		prev = id
	}
}

func TestDispatcher_PublishBatch_PreservesOrder(t *testing.T) {
	d := startDispatcher(t, testConfig(), testStore())
	ctx := context.Background()

	events := []*event.Event{
		event.New("card.created", map[string]any{"n": float64(1)}),
		event.New("card.moved", map[string]any{"n": float64(2)}),
		event.New("card.moved", map[string]any{"n": float64(3)}),
	}

	ids, err := d.PublishBatch(ctx, events)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for i := 1; i < len(ids); i++ {
		a, err := store.ParseID(ids[i-1])
		require.NoError(t, err)
		b, err := store.ParseID(ids[i])
		require.NoError(t, err)
		assert.True(t, a.Less(b))
	}
}

func TestDispatcher_HandlerReceivesEvent(t *testing.T) {
	d := startDispatcher(t, testConfig(), testStore())
	ctx := context.Background()

	received := make(chan *event.Event, 1)
	require.NoError(t, d.RegisterEventHandler("card.moved", func(ctx context.Context, ev *event.Event) error {
		received <- ev
		return nil
	}))

	userID := int64(11)
	published := &event.Event{
		EventType: "card.moved",
		Payload:   map[string]any{"card_id": float64(42), "to_column": "done"},
		UserID:    &userID,
	}
	_, err := d.Publish(ctx, published)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "card.moved", got.EventType)
		assert.Equal(t, float64(42), got.Payload["card_id"])
		assert.Equal(t, "done", got.Payload["to_column"])
		require.NotNil(t, got.UserID)
		assert.Equal(t, userID, *got.UserID)
		assert.Equal(t, published.CorrelationID, got.CorrelationID)
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked")
	}

	// Successful processing acks the entry.
	require.Eventually(t, func() bool {
		info, err := d.GroupInfo(ctx, "kanban-events", GroupName("kanban-events"))
		return err == nil && info.Pending == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDispatcher_RetryThenDeadLetter(t *testing.T) {
	cfg := testConfig()
	st := testStore()
	d := startDispatcher(t, cfg, st)
	ctx := context.Background()

	var attempts atomic.Int32
	require.NoError(t, d.RegisterEventHandler("card.moved", func(ctx context.Context, ev *event.Event) error {
		attempts.Add(1)
		return errors.New("downstream unavailable")
	}))

	_, err := d.Publish(ctx, event.New("card.moved", map[string]any{"card_id": float64(7)}))
	require.NoError(t, err)

	dlqStream := "kanban-events" + cfg.DLQ.StreamSuffix
	require.Eventually(t, func() bool {
		info, err := d.StreamInfo(ctx, dlqStream)
		return err == nil && info.Length == 1
	}, 3*time.Second, 20*time.Millisecond)

	// The retry budget is the total number of attempts.
	assert.Equal(t, int32(cfg.DLQ.MaxRetries), attempts.Load())

	// The poisoned entry is acked, not redelivered forever.
	require.Eventually(t, func() bool {
		info, err := d.GroupInfo(ctx, "kanban-events", GroupName("kanban-events"))
		return err == nil && info.Pending == 0
	}, 3*time.Second, 20*time.Millisecond)

	// Exactly one dead-letter entry, carrying the original fields and cause.
	require.NoError(t, st.CreateGroup(ctx, dlqStream, "inspector"))
	entries, err := st.ReadGroup(ctx, dlqStream, "inspector", "i1", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kanban-events", entries[0].Fields["original_stream"])
	assert.Contains(t, entries[0].Fields["error"], "downstream unavailable")
	assert.Contains(t, entries[0].Fields["fields"], "card.moved")
	assert.NotEmpty(t, entries[0].Fields["original_entry_id"])
}

func TestDispatcher_TransientFailureRecovers(t *testing.T) {
	cfg := testConfig()
	d := startDispatcher(t, cfg, testStore())
	ctx := context.Background()

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, d.RegisterEventHandler("card.moved", func(ctx context.Context, ev *event.Event) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}))

	_, err := d.Publish(ctx, event.New("card.moved", nil))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not recover")
	}

	assert.Equal(t, int32(2), attempts.Load())

	// No dead-letter entry for a recovered delivery.
	time.Sleep(50 * time.Millisecond)
	_, err = d.StreamInfo(ctx, "kanban-events"+cfg.DLQ.StreamSuffix)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestDispatcher_UnhandledTypeIsAcked(t *testing.T) {
	cfg := testConfig()
	d := startDispatcher(t, cfg, testStore())
	ctx := context.Background()

	// card.created routes to kanban-events but has no handler registered.
	_, err := d.Publish(ctx, event.New("card.created", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := d.GroupInfo(ctx, "kanban-events", GroupName("kanban-events"))
		return err == nil && info.Pending == 0 && info.LastDeliveredID != "0-0"
	}, 3*time.Second, 20*time.Millisecond)

	// Unhandled entries are dropped, not dead-lettered.
	_, err = d.StreamInfo(ctx, "kanban-events"+cfg.DLQ.StreamSuffix)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestDispatcher_RegisterEventHandler_Errors(t *testing.T) {
	d := startDispatcher(t, testConfig(), testStore())

	handler := func(ctx context.Context, ev *event.Event) error { return nil }

	err := d.RegisterEventHandler("no.such.type", handler)
	assert.Error(t, err)

	require.NoError(t, d.RegisterEventHandler("card.moved", handler))
	err = d.RegisterEventHandler("card.moved", handler)
	assert.Error(t, err, "duplicate registration must fail")
}

func TestDispatcher_StopReleasesStore(t *testing.T) {
	cfg := testConfig()
	st := testStore()

	d := New(cfg, st, nil)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	require.True(t, d.Ready(ctx))

	require.NoError(t, d.Stop(ctx))
	assert.False(t, d.Ready(ctx))
	assert.ErrorIs(t, st.Ping(ctx), store.ErrClosed)
}

func TestDispatcher_DLQDisabled_DropsAfterRetries(t *testing.T) {
	cfg := testConfig()
	cfg.DLQ.Enabled = false
	st := testStore()
	d := startDispatcher(t, cfg, st)
	ctx := context.Background()

	var attempts atomic.Int32
	require.NoError(t, d.RegisterEventHandler("card.moved", func(ctx context.Context, ev *event.Event) error {
		attempts.Add(1)
		return errors.New("always fails")
	}))

	_, err := d.Publish(ctx, event.New("card.moved", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := d.GroupInfo(ctx, "kanban-events", GroupName("kanban-events"))
		return err == nil && info.Pending == 0 && attempts.Load() >= int32(cfg.DLQ.MaxRetries)
	}, 3*time.Second, 20*time.Millisecond)

	_, err = d.StreamInfo(ctx, "kanban-events"+cfg.DLQ.StreamSuffix)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}
