// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectflow/flowmq/event"
	"github.com/projectflow/flowmq/store"
)

// flakyStore fails a fixed number of polls before delegating, standing
// in for a storage backend with transient connectivity trouble.
type flakyStore struct {
	store.Store

	mu       sync.Mutex
	failures int
	polls    int
}

func (f *flakyStore) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]store.Entry, error) {
	f.mu.Lock()
	f.polls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	return f.Store.ReadGroup(ctx, stream, group, consumer, count, block)
}

func (f *flakyStore) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func TestWorker_PollErrorBacksOffAndRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.Consumer.PollBackoff = 20 * time.Millisecond
	cfg.Routes = map[string]string{"card.moved": "kanban-events"}

	st := &flakyStore{Store: testStore(), failures: 2}
	d := startDispatcher(t, cfg, st)
	ctx := context.Background()

	received := make(chan struct{})
	require.NoError(t, d.RegisterEventHandler("card.moved", func(ctx context.Context, ev *event.Event) error {
		close(received)
		return nil
	}))

	_, err := d.Publish(ctx, event.New("card.moved", nil))
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not recover from poll errors")
	}

	// The failed polls were consumed and followed by successful ones.
	assert.GreaterOrEqual(t, st.pollCount(), 3)

	// Connectivity errors never reach the dead-letter path.
	_, err = d.StreamInfo(ctx, "kanban-events"+cfg.DLQ.StreamSuffix)
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
}

func TestWorker_StopInterruptsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Consumer.PollBackoff = 10 * time.Second

	// Every poll fails, so the worker spends its life in backoff sleeps.
	st := &flakyStore{Store: testStore(), failures: 1 << 30}

	mgr := NewGroupManager("kanban-events", GroupName("kanban-events"), st, nil, cfg.Consumer, cfg.DLQ.MaxRetries, nil)
	require.NoError(t, mgr.Initialize(context.Background()))
	mgr.StartConsumer(GroupName("kanban-events") + "-0")

	// Let the worker hit the error and enter the backoff sleep.
	require.Eventually(t, func() bool { return st.pollCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	start := time.Now()
	mgr.StopAll()
	assert.Less(t, time.Since(start), 2*time.Second,
		"cancellation must interrupt the backoff sleep")
}
