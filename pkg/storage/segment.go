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
	"hash/crc32"
	"time"
)

// Segment layout: 32-byte header, concatenated record batches, 16-byte
// footer. The footer carries a Castagnoli crc over the body and the last
// offset, so restore paths can recover watermarks from a ranged read.
const (
	segmentMagic     = "STRA"
	footerMagic      = "END!"
	segmentHeaderLen = 32
	segmentFooterLen = 16
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// BuildSegment assembles segment and index bytes from buffered batches.
func BuildSegment(cfg SegmentWriterConfig, batches []RecordBatch, created time.Time) (*SegmentArtifact, error) {
	if len(batches) == 0 {
		return nil, errors.New("empty batch set")
	}
	bodyBytes := 0
	var msgTotal int32
	for _, batch := range batches {
		if len(batch.Bytes) == 0 {
			return nil, errors.New("batch with empty payload")
		}
		bodyBytes += len(batch.Bytes)
		msgTotal += batch.MessageCount
	}

	first, last := batches[0], batches[len(batches)-1]
	lastOffset := last.BaseOffset + int64(last.LastOffsetDelta)

	index := NewIndexBuilder(cfg.IndexIntervalMessages)
	segment := make([]byte, 0, segmentHeaderLen+bodyBytes+segmentFooterLen)
	segment = append(segment, buildHeader(first.BaseOffset, msgTotal, created)...)
	for _, batch := range batches {
		index.MaybeAdd(batch.BaseOffset, int32(len(segment)), batch.MessageCount)
		segment = append(segment, batch.Bytes...)
	}
	crc := crc32.Checksum(segment[segmentHeaderLen:], crcTable)
	segment = append(segment, buildFooter(crc, lastOffset)...)

	indexBytes, err := index.BuildBytes()
	if err != nil {
		return nil, err
	}
	return &SegmentArtifact{
		BaseOffset:    first.BaseOffset,
		LastOffset:    lastOffset,
		MessageCount:  msgTotal,
		CreatedAt:     created,
		SegmentBytes:  segment,
		IndexBytes:    indexBytes,
		RelativeIndex: index.Entries(),
	}, nil
}

func buildHeader(baseOffset int64, messageCount int32, created time.Time) []byte {
	dst := make([]byte, 0, segmentHeaderLen)
	dst = append(dst, segmentMagic...)
	dst = binary.BigEndian.AppendUint16(dst, 1)
	dst = binary.BigEndian.AppendUint16(dst, 0)
	dst = binary.BigEndian.AppendUint64(dst, uint64(baseOffset))
	dst = binary.BigEndian.AppendUint32(dst, uint32(messageCount))
	dst = binary.BigEndian.AppendUint64(dst, uint64(created.UnixMilli()))
	return binary.BigEndian.AppendUint32(dst, 0)
}

func buildFooter(crc uint32, lastOffset int64) []byte {
	dst := make([]byte, 0, segmentFooterLen)
	dst = binary.BigEndian.AppendUint32(dst, crc)
	dst = binary.BigEndian.AppendUint64(dst, uint64(lastOffset))
	return append(dst, footerMagic...)
}

// parseSegmentFooter returns the last offset stored in a 16-byte footer.
func parseSegmentFooter(data []byte) (int64, error) {
	if len(data) < segmentFooterLen {
		return 0, errors.New("footer too small")
	}
	if string(data[12:16]) != footerMagic {
		return 0, errors.New("bad footer magic")
	}
	// data[0:4] is the body crc; restore trusts the stored offset.
	return int64(binary.BigEndian.Uint64(data[4:12])), nil
}
