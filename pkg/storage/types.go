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

import "time"

// RecordBatch is one Kafka record batch as received on the wire, with the
// fields the log needs for offset assignment and indexing pulled out.
type RecordBatch struct {
	BaseOffset      int64
	LastOffsetDelta int32
	MessageCount    int32
	Bytes           []byte
}

// SegmentWriterConfig tunes segment serialization.
type SegmentWriterConfig struct {
	IndexIntervalMessages int32
}

// ReadRequest bounds a single log read.
type ReadRequest struct {
	// Offset is the first offset the caller wants. The returned record set
	// starts at the batch containing it, so it may open below Offset.
	Offset int64
	// MaxBytes caps the size of the returned record set.
	MaxBytes int32
	// Strict keeps the record set within MaxBytes even when that means
	// returning nothing. When false the first batch is returned whole even
	// if it alone exceeds the cap, so a consumer always makes progress.
	Strict bool
}

// SegmentArtifact is the output of a flush: segment and index blobs ready
// for upload, plus the metadata the log keeps in memory afterwards.
type SegmentArtifact struct {
	BaseOffset    int64
	LastOffset    int64
	MessageCount  int32
	CreatedAt     time.Time
	SegmentBytes  []byte
	IndexBytes    []byte
	RelativeIndex []*IndexEntry
}

// IndexEntry maps a batch base offset to its byte position in the segment.
type IndexEntry struct {
	Offset   int64
	Position int32
}
