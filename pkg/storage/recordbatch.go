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
	"encoding/binary"
	"fmt"
)

const (
	recordBatchHeaderMinSize = 61
	frameHeaderLen           = 12
)

// NewRecordBatchFromBytes captures offset and count metadata from a
// serialized Kafka record batch. The input bytes are copied.
func NewRecordBatchFromBytes(data []byte) (RecordBatch, error) {
	if len(data) < recordBatchHeaderMinSize {
		return RecordBatch{}, fmt.Errorf("short record batch: %d bytes", len(data))
	}
	return RecordBatch{
		BaseOffset:      int64(binary.BigEndian.Uint64(data[0:8])),
		LastOffsetDelta: int32(binary.BigEndian.Uint32(data[23:27])),
		MessageCount:    int32(binary.BigEndian.Uint32(data[57:61])),
		Bytes:           append([]byte(nil), data...),
	}, nil
}

// PatchRecordBatchBaseOffset rewrites the base offset in both the struct and
// the serialized header.
func PatchRecordBatchBaseOffset(batch *RecordBatch, baseOffset int64) {
	batch.BaseOffset = baseOffset
	binary.BigEndian.PutUint64(batch.Bytes[0:8], uint64(baseOffset))
}

// nextFrameEnd reports where the complete batch frame starting at pos ends.
// ok is false when no complete frame starts there.
func nextFrameEnd(recordSet []byte, pos int) (int, bool) {
	if pos+frameHeaderLen > len(recordSet) {
		return 0, false
	}
	batchLen := int(binary.BigEndian.Uint32(recordSet[pos+8 : pos+12]))
	if batchLen <= 0 {
		return 0, false
	}
	end := pos + frameHeaderLen + batchLen
	if end > len(recordSet) {
		return 0, false
	}
	return end, true
}

// CountRecordBatchMessages sums the message counts of every complete batch
// in the record set.
func CountRecordBatchMessages(recordSet []byte) int {
	total := 0
	pos := 0
	for {
		end, ok := nextFrameEnd(recordSet, pos)
		if !ok || end-pos < recordBatchHeaderMinSize {
			break
		}
		total += int(binary.BigEndian.Uint32(recordSet[pos+57 : pos+61]))
		pos = end
	}
	return total
}

// SliceBatches returns the longest prefix of recordSet made of complete record
// batches that fits within maxBytes. A non-positive maxBytes admits nothing.
func SliceBatches(recordSet []byte, maxBytes int32) []byte {
	if maxBytes <= 0 {
		return nil
	}
	cut := 0
	for {
		end, ok := nextFrameEnd(recordSet, cut)
		if !ok || int64(end) > int64(maxBytes) {
			break
		}
		cut = end
	}
	return recordSet[:cut]
}

// firstBatchFrameLen reports the framed length of the first record batch in
// recordSet, or 0 when no complete frame header is present. The frame body
// may extend past the input; callers check that themselves.
func firstBatchFrameLen(recordSet []byte) int {
	if len(recordSet) < frameHeaderLen {
		return 0
	}
	batchLen := int(binary.BigEndian.Uint32(recordSet[8:12]))
	if batchLen <= 0 {
		return 0
	}
	return frameHeaderLen + batchLen
}

// advanceToOffset returns the byte index of the first complete batch in
// recordSet whose offset range reaches offset. Batches that end below offset
// are skipped so a sparse index hit does not resend data the consumer has
// already seen.
func advanceToOffset(recordSet []byte, offset int64) int {
	pos := 0
	for {
		end, ok := nextFrameEnd(recordSet, pos)
		if !ok || end-pos < recordBatchHeaderMinSize {
			break
		}
		base := int64(binary.BigEndian.Uint64(recordSet[pos : pos+8]))
		lastDelta := int64(binary.BigEndian.Uint32(recordSet[pos+23 : pos+27]))
		if base+lastDelta >= offset {
			break
		}
		pos = end
	}
	return pos
}
