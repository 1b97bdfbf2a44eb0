// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projectflow/flowmq/config"
	"github.com/projectflow/flowmq/dispatch"
	"github.com/projectflow/flowmq/store"
	"github.com/projectflow/flowmq/store/memory"
)

func startAPI(t *testing.T, apiCfg Config) (*Server, *dispatch.Dispatcher) {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.Consumer.Count = 1
	cfg.Consumer.BlockTime = 20 * time.Millisecond
	cfg.Routes = map[string]string{
		"card.moved":   "kanban-events",
		"user.created": "user-events",
	}

	st := memory.New(memory.DefaultOptions())
	d := dispatch.New(cfg, st, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background()) })

	apiCfg.Address = "127.0.0.1:0"
	if apiCfg.ShutdownTimeout == 0 {
		apiCfg.ShutdownTimeout = time.Second
	}
	s := New(apiCfg, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("server did not shut down")
		}
	})

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	return s, d
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestAPI_PublishEvent(t *testing.T) {
	s, d := startAPI(t, Config{})

	resp := postJSON(t, fmt.Sprintf("http://%s/api/v1/events", s.Addr()), PublishRequest{
		EventType: "card.moved",
		Payload:   map[string]any{"card_id": 42},
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body PublishResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_, err := store.ParseID(body.ID)
	assert.NoError(t, err, "response must carry a valid entry ID")

	info, err := d.StreamInfo(context.Background(), "kanban-events")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length)
}

func TestAPI_PublishEvent_Invalid(t *testing.T) {
	s, _ := startAPI(t, Config{})
	url := fmt.Sprintf("http://%s/api/v1/events", s.Addr())

	// Missing event type.
	resp := postJSON(t, url, PublishRequest{Payload: map[string]any{"k": "v"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed body.
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_PublishBatch(t *testing.T) {
	s, d := startAPI(t, Config{})

	resp := postJSON(t, fmt.Sprintf("http://%s/api/v1/events/batch", s.Addr()), BatchPublishRequest{
		Events: []PublishRequest{
			{EventType: "card.moved", Payload: map[string]any{"n": 1}},
			{EventType: "card.moved", Payload: map[string]any{"n": 2}},
			{EventType: "user.created", Payload: map[string]any{"n": 3}},
		},
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body BatchPublishResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.IDs, 3)

	// Same-stream IDs come back in increasing order.
	a, err := store.ParseID(body.IDs[0])
	require.NoError(t, err)
	b, err := store.ParseID(body.IDs[1])
	require.NoError(t, err)
	assert.True(t, a.Less(b))

	info, err := d.StreamInfo(context.Background(), "kanban-events")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Length)
}

func TestAPI_PublishBatch_Empty(t *testing.T) {
	s, _ := startAPI(t, Config{})

	resp := postJSON(t, fmt.Sprintf("http://%s/api/v1/events/batch", s.Addr()), BatchPublishRequest{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_StreamInfo(t *testing.T) {
	s, _ := startAPI(t, Config{})

	resp := postJSON(t, fmt.Sprintf("http://%s/api/v1/events", s.Addr()), PublishRequest{
		EventType: "card.moved",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/streams/kanban-events", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info store.StreamInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "kanban-events", info.Name)
	assert.Equal(t, int64(1), info.Length)
	assert.NotEmpty(t, info.LastID)
}

func TestAPI_StreamInfo_NotFound(t *testing.T) {
	s, _ := startAPI(t, Config{})

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/streams/no-such-stream", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_GroupInfo(t *testing.T) {
	s, _ := startAPI(t, Config{})

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/streams/kanban-events/groups/kanban-events-consumers", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info store.GroupInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "kanban-events-consumers", info.Group)

	resp, err = http.Get(fmt.Sprintf("http://%s/api/v1/streams/kanban-events/groups/no-such-group", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Stats(t *testing.T) {
	s, _ := startAPI(t, Config{})

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/stats", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats dispatch.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.GroupCount)
	assert.Equal(t, "kanban-events", stats.StreamMapping["card.moved"])
}

func TestAPI_Metrics(t *testing.T) {
	s, _ := startAPI(t, Config{})

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_ListenReturnsServeError(t *testing.T) {
	// Rate limiting enabled so the limiter cleanup runs on this exit
	// path too, not only on context cancellation.
	s := New(Config{
		Address:         "127.0.0.1:0",
		ShutdownTimeout: time.Second,
		PublishRate:     1,
		PublishBurst:    1,
	}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- s.Listen(context.Background()) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.listener.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after the listener failed")
	}
}

func TestAPI_RateLimit(t *testing.T) {
	s, _ := startAPI(t, Config{PublishRate: 1, PublishBurst: 2})
	url := fmt.Sprintf("http://%s/api/v1/events", s.Addr())

	statuses := make(map[int]int)
	for i := 0; i < 5; i++ {
		resp := postJSON(t, url, PublishRequest{EventType: "card.moved"})
		resp.Body.Close()
		statuses[resp.StatusCode]++
	}

	assert.GreaterOrEqual(t, statuses[http.StatusCreated], 2, "burst requests must pass")
	assert.Greater(t, statuses[http.StatusTooManyRequests], 0, "excess requests must be limited")

	// Admin endpoints are not rate limited.
	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/stats", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
