// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmq_events_published_total",
		Help: "The total number of events appended to streams",
	}, []string{"stream"})

	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmq_events_processed_total",
		Help: "The total number of entries acknowledged after successful handling",
	}, []string{"stream", "group"})

	eventsUnhandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmq_events_unhandled_total",
		Help: "The total number of entries acked without a registered handler",
	}, []string{"stream", "group"})

	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmq_handler_failures_total",
		Help: "The total number of failed handler attempts, including retries",
	}, []string{"stream", "group"})

	eventsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmq_events_dead_lettered_total",
		Help: "The total number of entries routed to a dead-letter stream",
	}, []string{"stream", "group"})

	dlqAppendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmq_dlq_append_failures_total",
		Help: "The total number of dead-letter appends that themselves failed",
	}, []string{"stream", "group"})

	pollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowmq_poll_errors_total",
		Help: "The total number of storage connectivity errors during polling",
	}, []string{"stream", "group"})

	processingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowmq_processing_duration_seconds",
		Help:    "Time taken to process one entry, including inline retries",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
	}, []string{"stream", "group"})
)
