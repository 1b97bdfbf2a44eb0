// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the publish and admin introspection API consumed
// by producer services and operators.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/projectflow/flowmq/config"
	"github.com/projectflow/flowmq/dispatch"
	"github.com/projectflow/flowmq/event"
	"github.com/projectflow/flowmq/ratelimit"
	"github.com/projectflow/flowmq/store"
)

// Config holds API server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration

	// PublishRate limits publish requests per client IP; 0 disables.
	PublishRate  float64
	PublishBurst int
}

// FromServerConfig builds API server config from the service configuration.
func FromServerConfig(cfg config.ServerConfig) Config {
	return Config{
		Address:         cfg.HTTPAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
		PublishRate:     cfg.PublishRate,
		PublishBurst:    cfg.PublishBurst,
	}
}

// Server serves the publish and admin HTTP API.
type Server struct {
	config     Config
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.ClientLimiter
	logger     *slog.Logger
	server     *http.Server
	listener   net.Listener
}

// New creates the API server over a started dispatcher.
func New(cfg Config, d *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:     cfg,
		dispatcher: d,
		logger:     logger,
	}

	if cfg.PublishRate > 0 {
		s.limiter = ratelimit.NewClientLimiter(cfg.PublishRate, cfg.PublishBurst, time.Minute)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/events", s.handlePublish)
		r.With(s.rateLimit).Post("/events/batch", s.handlePublishBatch)
		r.Get("/streams/{stream}", s.handleStreamInfo)
		r.Get("/streams/{stream}/groups/{group}", s.handleGroupInfo)
		r.Get("/stats", s.handleStats)
	})

	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the API server and blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	if s.limiter != nil {
		defer s.limiter.Stop()
	}

	s.logger.Info("Starting API server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("API server shutdown error", "error", err)
			return err
		}

		s.logger.Info("API server stopped")
		return nil
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PublishRequest is one event submission.
type PublishRequest struct {
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	UserID        *int64         `json:"user_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
}

// PublishResponse carries the assigned stream entry ID.
type PublishResponse struct {
	ID string `json:"id"`
}

// BatchPublishRequest is an ordered list of event submissions.
type BatchPublishRequest struct {
	Events []PublishRequest `json:"events"`
}

// BatchPublishResponse carries assigned IDs in input order.
type BatchPublishResponse struct {
	IDs []string `json:"ids"`
}

func (req *PublishRequest) toEvent() *event.Event {
	return &event.Event{
		EventType:     req.EventType,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		RequestID:     req.RequestID,
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.EventType == "" {
		http.Error(w, "event_type is required", http.StatusBadRequest)
		return
	}

	id, err := s.dispatcher.Publish(r.Context(), req.toEvent())
	if err != nil {
		s.logger.Error("Publish failed", "event_type", req.EventType, "error", err)
		http.Error(w, "failed to publish event", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusCreated, PublishResponse{ID: id})
}

func (s *Server) handlePublishBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchPublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Events) == 0 {
		http.Error(w, "events cannot be empty", http.StatusBadRequest)
		return
	}
	for _, e := range req.Events {
		if e.EventType == "" {
			http.Error(w, "event_type is required for every event", http.StatusBadRequest)
			return
		}
	}

	events := make([]*event.Event, 0, len(req.Events))
	for i := range req.Events {
		events = append(events, req.Events[i].toEvent())
	}

	ids, err := s.dispatcher.PublishBatch(r.Context(), events)
	if err != nil {
		s.logger.Error("Batch publish failed", "published", len(ids), "total", len(events), "error", err)
		http.Error(w, "failed to publish batch", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusCreated, BatchPublishResponse{IDs: ids})
}

func (s *Server) handleStreamInfo(w http.ResponseWriter, r *http.Request) {
	stream := chi.URLParam(r, "stream")

	info, err := s.dispatcher.StreamInfo(r.Context(), stream)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			http.Error(w, "stream not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Stream info failed", "stream", stream, "error", err)
		http.Error(w, "failed to inspect stream", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGroupInfo(w http.ResponseWriter, r *http.Request) {
	stream := chi.URLParam(r, "stream")
	group := chi.URLParam(r, "group")

	info, err := s.dispatcher.GroupInfo(r.Context(), stream, group)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) || errors.Is(err, store.ErrGroupNotFound) {
			http.Error(w, "group not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Group info failed", "stream", stream, "group", group, "error", err)
		http.Error(w, "failed to inspect group", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
