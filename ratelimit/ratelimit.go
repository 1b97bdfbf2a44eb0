// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-client rate limiting for the publish API.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter manages token-bucket limiters per client IP. It bounds the
// publish request rate a single producer can impose on the dispatch core.
type ClientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a per-IP rate limiter.
// r is requests per second, burst is the burst allowance.
func NewClientLimiter(r float64, burst int, cleanupInterval time.Duration) *ClientLimiter {
	l := &ClientLimiter{
		limiters: make(map[string]*clientEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks whether a request from the given remote address is allowed.
// remoteAddr is in host:port form as seen on http.Request.RemoteAddr.
func (l *ClientLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return true // allow if we can't extract an address
	}

	l.mu.Lock()
	entry, exists := l.limiters[host]
	if !exists {
		entry = &clientEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[host] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// cleanupLoop periodically removes stale entries.
func (l *ClientLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cleanup)
			l.mu.Lock()
			for host, entry := range l.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(l.limiters, host)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop terminates the cleanup loop.
func (l *ClientLimiter) Stop() {
	close(l.stopCh)
}
