// Copyright (c) ProjectFlow
// SPDX-License-Identifier: Apache-2.0

// Package file provides a sink writer that archives events as
// zstd-compressed JSON lines, one file per batch.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/projectflow/flowmq/event"
)

// Writer archives event batches under a directory. Files are named by
// batch timestamp plus a sequence number so concurrent flushes within
// the same millisecond do not collide.
type Writer struct {
	dir     string
	encoder *zstd.Encoder
	seq     atomic.Uint64
}

// New creates a file batch writer rooted at dir.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	return &Writer{dir: dir, encoder: enc}, nil
}

// WriteBatch writes the batch as one compressed JSONL file. The file is
// written to a temp name and renamed so readers never see partial
// batches.
func (w *Writer) WriteBatch(ctx context.Context, events []*event.Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.EventType, err)
		}
	}

	compressed := w.encoder.EncodeAll(buf.Bytes(), nil)

	name := fmt.Sprintf("events-%s-%06d.jsonl.zst",
		time.Now().UTC().Format("20060102T150405.000"), w.seq.Add(1))
	final := filepath.Join(w.dir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize archive file: %w", err)
	}

	return nil
}

// Close releases the encoder.
func (w *Writer) Close() error {
	w.encoder.Close()
	return nil
}
