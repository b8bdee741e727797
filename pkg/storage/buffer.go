// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"slices"
	"sync"
	"time"
)

// WriteBufferConfig controls flush thresholds. FlushInterval bounds how long
// an appended batch may sit in the buffer before it is forced out.
type WriteBufferConfig struct {
	MaxBytes      int
	MaxMessages   int
	MaxBatches    int
	FlushInterval time.Duration
}

// WriteBuffer accumulates record batches until a segment is cut.
type WriteBuffer struct {
	cfg WriteBufferConfig

	mu      sync.Mutex
	batches []RecordBatch
	bytes   int
	msgs    int
	oldest  time.Time
}

// NewWriteBuffer returns an empty buffer with no flush clock running.
func NewWriteBuffer(cfg WriteBufferConfig) *WriteBuffer {
	return &WriteBuffer{cfg: cfg}
}

// Append adds a batch. The flush clock starts at the first append after a
// drain, not at buffer creation.
func (b *WriteBuffer) Append(batch RecordBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.batches) == 0 {
		b.oldest = time.Now()
	}
	b.batches = append(b.batches, batch)
	b.bytes += len(batch.Bytes)
	b.msgs += int(batch.MessageCount)
}

// ShouldFlush reports whether any configured threshold has been crossed.
func (b *WriteBuffer) ShouldFlush(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.batches) == 0 {
		return false
	}
	switch {
	case b.cfg.MaxBytes > 0 && b.bytes >= b.cfg.MaxBytes:
		return true
	case b.cfg.MaxMessages > 0 && b.msgs >= b.cfg.MaxMessages:
		return true
	case b.cfg.MaxBatches > 0 && len(b.batches) >= b.cfg.MaxBatches:
		return true
	case b.cfg.FlushInterval > 0 && now.Sub(b.oldest) >= b.cfg.FlushInterval:
		return true
	}
	return false
}

// Drain returns the buffered batches and resets all counters.
func (b *WriteBuffer) Drain() []RecordBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	drained := slices.Clone(b.batches)
	b.batches = b.batches[:0]
	b.bytes = 0
	b.msgs = 0
	return drained
}

// Size returns the buffered byte count.
func (b *WriteBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}
