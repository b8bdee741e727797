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
	"errors"
	"fmt"
)

// Index layout: 4-byte magic, uint16 version, int32 entry count, int32
// interval, uint16 reserved, then 12-byte offset/position entries.
const (
	indexMagic      = "IDX\x00"
	indexVersion    = 1
	indexHeaderSize = 16
	indexEntrySize  = 12
)

// IndexBuilder collects sparse offset-to-position entries for a segment.
type IndexBuilder struct {
	every     int32
	sincePrev int32
	marks     []*IndexEntry
}

// NewIndexBuilder emits an entry roughly every interval messages.
func NewIndexBuilder(interval int32) *IndexBuilder {
	if interval < 1 {
		interval = 1
	}
	return &IndexBuilder{every: interval}
}

// MaybeAdd records an entry when the interval has elapsed. The first batch
// is always recorded so every segment has an anchor.
func (b *IndexBuilder) MaybeAdd(offset int64, position int32, batchMessages int32) {
	if b.due() {
		b.marks = append(b.marks, &IndexEntry{Offset: offset, Position: position})
		b.sincePrev = 0
	}
	b.sincePrev += batchMessages
}

func (b *IndexBuilder) due() bool {
	return len(b.marks) == 0 || b.sincePrev >= b.every
}

// Entries returns a copy of the recorded entries.
func (b *IndexBuilder) Entries() []*IndexEntry {
	return append([]*IndexEntry(nil), b.marks...)
}

// BuildBytes serializes the index.
func (b *IndexBuilder) BuildBytes() ([]byte, error) {
	out := make([]byte, 0, indexHeaderSize+len(b.marks)*indexEntrySize)
	out = append(out, indexMagic...)
	out = binary.BigEndian.AppendUint16(out, indexVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.marks)))
	out = binary.BigEndian.AppendUint32(out, uint32(b.every))
	out = binary.BigEndian.AppendUint16(out, 0)
	for _, e := range b.marks {
		out = binary.BigEndian.AppendUint64(out, uint64(e.Offset))
		out = binary.BigEndian.AppendUint32(out, uint32(e.Position))
	}
	return out, nil
}

// ParseIndex validates serialized index bytes and returns the entries.
func ParseIndex(data []byte) ([]*IndexEntry, error) {
	if len(data) < indexHeaderSize {
		return nil, errors.New("short index")
	}
	if string(data[:4]) != indexMagic {
		return nil, errors.New("bad index magic")
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != indexVersion {
		return nil, fmt.Errorf("index version %d not supported", v)
	}
	count := int32(binary.BigEndian.Uint32(data[6:10]))
	// data[10:16] carries the interval and a reserved field; lookups do
	// not need either.
	if count < 0 || int64(count)*indexEntrySize > int64(len(data)-indexHeaderSize) {
		return nil, fmt.Errorf("index count %d exceeds payload", count)
	}
	out := make([]*IndexEntry, count)
	body := data[indexHeaderSize:]
	for i := range out {
		out[i] = &IndexEntry{
			Offset:   int64(binary.BigEndian.Uint64(body[:8])),
			Position: int32(binary.BigEndian.Uint32(body[8:12])),
		}
		body = body[indexEntrySize:]
	}
	return out, nil
}
