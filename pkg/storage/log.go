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
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/novatechflow/strata/pkg/cache"
)

// PartitionLogConfig sets buffering, indexing, read-ahead, and cache
// behavior for a partition log.
type PartitionLogConfig struct {
	Buffer            WriteBufferConfig
	Segment           SegmentWriterConfig
	ReadAheadSegments int
	CacheEnabled      bool
	// Notifier, when set, is signalled after every flush that makes new data
	// readable.
	Notifier *AppendNotifier
}

// PartitionLog coordinates buffering, segment serialization, S3 uploads, and
// caching for one topic partition. Appended data becomes readable once its
// segment is flushed; the high watermark marks that boundary.
type PartitionLog struct {
	namespace     string
	topic         string
	partition     int32
	s3            S3Client
	cache         *cache.SegmentCache
	cfg           PartitionLogConfig
	buffer        *WriteBuffer
	nextOffset    int64
	highWatermark int64
	onFlush       func(context.Context, *SegmentArtifact)
	onS3Op        func(string, time.Duration, error)
	segments      []segmentRange
	indexEntries  map[int64][]*IndexEntry
	prefetchMu    sync.Mutex
	mu            sync.Mutex
}

// segmentRange locates one flushed segment in the offset space.
type segmentRange struct {
	baseOffset int64
	lastOffset int64
	size       int64
}

// ErrOffsetOutOfRange reports a read below the first segment or beyond the
// log tail.
var ErrOffsetOutOfRange = errors.New("offset out of range")

// NewPartitionLog builds the log for one topic partition, starting the
// offset sequence at startOffset.
func NewPartitionLog(namespace string, topic string, partition int32, startOffset int64, s3Client S3Client, cache *cache.SegmentCache, cfg PartitionLogConfig, onFlush func(context.Context, *SegmentArtifact), onS3Op func(string, time.Duration, error)) *PartitionLog {
	if namespace == "" {
		namespace = "default"
	}
	l := &PartitionLog{
		namespace: namespace,
		topic:     topic,
		partition: partition,
		s3:        s3Client,
		cache:     cache,
		cfg:       cfg,
		onFlush:   onFlush,
		onS3Op:    onS3Op,
	}
	l.buffer = NewWriteBuffer(cfg.Buffer)
	l.nextOffset = startOffset
	l.highWatermark = startOffset
	l.indexEntries = make(map[int64][]*IndexEntry)
	return l
}

// observeS3 times fn and reports it under the given operation name.
func (l *PartitionLog) observeS3(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if l.onS3Op != nil {
		l.onS3Op(op, time.Since(start), err)
	}
	return err
}

func (l *PartitionLog) downloadSegmentPart(ctx context.Context, op string, key string, rng *ByteRange) ([]byte, error) {
	var data []byte
	err := l.observeS3(op, func() error {
		var derr error
		data, derr = l.s3.DownloadSegment(ctx, key, rng)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (l *PartitionLog) fetchIndex(ctx context.Context, baseOffset int64) ([]*IndexEntry, error) {
	key := l.indexKey(baseOffset)
	var raw []byte
	err := l.observeS3("download_index", func() error {
		var derr error
		raw, derr = l.s3.DownloadIndex(ctx, key)
		return derr
	})
	if err != nil {
		return nil, err
	}
	entries, err := ParseIndex(raw)
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", key, err)
	}
	return entries, nil
}

type restoredSegment struct {
	base int64
	last int64
	size int64
}

// scanSegments lists the partition prefix and reads each segment footer to
// learn the last offset it holds. Objects too small to carry a footer are
// ignored.
func (l *PartitionLog) scanSegments(ctx context.Context) ([]restoredSegment, error) {
	objects, err := l.s3.ListSegments(ctx, l.segmentPrefix())
	if err != nil {
		return nil, err
	}
	found := make([]restoredSegment, 0, len(objects))
	for _, obj := range objects {
		base, ok := parseSegmentBaseOffset(obj.Key)
		if !ok || obj.Size < segmentFooterLen {
			continue
		}
		rng := &ByteRange{Start: obj.Size - segmentFooterLen, End: obj.Size - 1}
		footer, err := l.downloadSegmentPart(ctx, "download_segment_footer", obj.Key, rng)
		if err != nil {
			return nil, err
		}
		last, err := parseSegmentFooter(footer)
		if err != nil {
			return nil, err
		}
		found = append(found, restoredSegment{base: base, last: last, size: obj.Size})
	}
	return found, nil
}

// RestoreFromS3 rebuilds segment ranges from objects already stored in S3.
func (l *PartitionLog) RestoreFromS3(ctx context.Context) (int64, error) {
	found, err := l.scanSegments(ctx)
	if err != nil {
		return -1, err
	}
	if len(found) == 0 {
		return -1, nil
	}
	sort.Slice(found, func(i, j int) bool { return found[i].base < found[j].base })

	segments := make([]segmentRange, 0, len(found))
	indexes := make(map[int64][]*IndexEntry, len(found))
	for _, seg := range found {
		entries, err := l.fetchIndex(ctx, seg.base)
		if err != nil {
			return -1, err
		}
		segments = append(segments, segmentRange{baseOffset: seg.base, lastOffset: seg.last, size: seg.size})
		indexes[seg.base] = entries
	}
	last := found[len(found)-1].last

	l.mu.Lock()
	defer l.mu.Unlock()
	l.segments = segments
	l.indexEntries = indexes
	if last >= l.nextOffset {
		l.nextOffset = last + 1
	}
	if last >= l.highWatermark {
		l.highWatermark = last + 1
	}
	return last, nil
}

// AppendBatch stamps the batch with its base offset, buffers it, and flushes
// when the buffer crosses a threshold.
func (l *PartitionLog) AppendBatch(ctx context.Context, batch RecordBatch) (*AppendResult, error) {
	res, flushed, err := l.appendLocked(ctx, batch)
	if err != nil {
		return nil, err
	}
	if flushed != nil {
		if l.onFlush != nil {
			l.onFlush(ctx, flushed)
		}
		l.notifyAppend()
	}
	return res, nil
}

func (l *PartitionLog) appendLocked(ctx context.Context, batch RecordBatch) (*AppendResult, *SegmentArtifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	base := l.nextOffset
	PatchRecordBatchBaseOffset(&batch, base)
	last := base + int64(batch.LastOffsetDelta)
	l.nextOffset = last + 1
	l.buffer.Append(batch)

	res := &AppendResult{BaseOffset: base, LastOffset: last}
	if !l.buffer.ShouldFlush(time.Now()) {
		return res, nil, nil
	}
	flushed, err := l.flushLocked(ctx)
	if err != nil {
		return nil, nil, err
	}
	return res, flushed, nil
}

// AppendResult contains offsets for a flushed batch.
type AppendResult struct {
	BaseOffset int64
	LastOffset int64
}

// HighWatermark returns the first offset that is not yet readable. Offsets
// below it are served from flushed segments; offsets at or above it are
// still buffered or do not exist.
func (l *PartitionLog) HighWatermark() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highWatermark
}

// LogStartOffset returns the lowest readable offset.
func (l *PartitionLog) LogStartOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.segments) > 0 {
		return l.segments[0].baseOffset
	}
	return l.highWatermark
}

// NextOffset returns the offset the next appended record will take.
func (l *PartitionLog) NextOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextOffset
}

// BufferedBytes reports bytes held in the write buffer awaiting flush.
func (l *PartitionLog) BufferedBytes() int {
	return l.buffer.Size()
}

// Flush writes whatever the buffer holds to S3 without waiting for a
// threshold.
func (l *PartitionLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	next := l.nextOffset
	art, err := l.flushLocked(ctx)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if art == nil {
		// Nothing was buffered. Still report the current tail so persisted
		// offset state catches up after idle periods.
		if l.onFlush != nil && next > 0 {
			l.onFlush(ctx, &SegmentArtifact{LastOffset: next - 1})
		}
		return nil
	}
	if l.onFlush != nil {
		l.onFlush(ctx, art)
	}
	l.notifyAppend()
	return nil
}

// MaybeFlush flushes when the buffer has crossed one of its thresholds. The
// background flush loop calls this on every tick.
func (l *PartitionLog) MaybeFlush(ctx context.Context) error {
	l.mu.Lock()
	due := l.buffer.ShouldFlush(time.Now())
	l.mu.Unlock()
	if !due {
		return nil
	}
	return l.Flush(ctx)
}

func (l *PartitionLog) notifyAppend() {
	if l.cfg.Notifier != nil {
		l.cfg.Notifier.Notify(l.topic, l.partition)
	}
}

func (l *PartitionLog) cacheUsable() bool {
	return l.cache != nil && l.cfg.CacheEnabled
}

func (l *PartitionLog) cacheLookup(baseOffset int64) ([]byte, bool) {
	if !l.cacheUsable() {
		return nil, false
	}
	return l.cache.GetSegment(l.cacheTopicKey(), l.partition, baseOffset)
}

func (l *PartitionLog) cacheStore(baseOffset int64, data []byte) {
	if !l.cacheUsable() {
		return
	}
	l.cache.SetSegment(l.cacheTopicKey(), l.partition, baseOffset, data)
}

func (l *PartitionLog) flushLocked(ctx context.Context) (*SegmentArtifact, error) {
	drained := l.buffer.Drain()
	if len(drained) == 0 {
		return nil, nil
	}
	art, err := BuildSegment(l.cfg.Segment, drained, time.Now())
	if err != nil {
		return nil, fmt.Errorf("serialize segment: %w", err)
	}
	segKey := l.segmentKey(art.BaseOffset)
	if err := l.observeS3("upload_segment", func() error {
		return l.s3.UploadSegment(ctx, segKey, art.SegmentBytes)
	}); err != nil {
		return nil, err
	}
	if err := l.observeS3("upload_index", func() error {
		return l.s3.UploadIndex(ctx, l.indexKey(art.BaseOffset), art.IndexBytes)
	}); err != nil {
		return nil, err
	}
	l.cacheStore(art.BaseOffset, art.SegmentBytes)
	l.segments = append(l.segments, segmentRange{
		baseOffset: art.BaseOffset,
		lastOffset: art.LastOffset,
		size:       int64(len(art.SegmentBytes)),
	})
	if art.RelativeIndex != nil {
		l.indexEntries[art.BaseOffset] = art.RelativeIndex
	}
	l.highWatermark = art.LastOffset + 1
	l.startPrefetch(ctx, l.segments, len(l.segments)-1)
	return art, nil
}

const (
	segmentSuffix = ".seg"
	indexSuffix   = ".index"
)

func (l *PartitionLog) objectDir() string {
	return path.Join(l.namespace, l.topic, strconv.FormatInt(int64(l.partition), 10))
}

func (l *PartitionLog) segmentKey(baseOffset int64) string {
	return fmt.Sprintf("%s/segment-%020d%s", l.objectDir(), baseOffset, segmentSuffix)
}

func (l *PartitionLog) indexKey(baseOffset int64) string {
	return fmt.Sprintf("%s/segment-%020d%s", l.objectDir(), baseOffset, indexSuffix)
}

func (l *PartitionLog) segmentPrefix() string {
	return l.objectDir() + "/"
}

func (l *PartitionLog) cacheTopicKey() string {
	return path.Join(l.namespace, l.topic)
}

func parseSegmentBaseOffset(key string) (int64, bool) {
	file := path.Base(key)
	raw, ok := strings.CutPrefix(file, "segment-")
	if !ok {
		return 0, false
	}
	raw, ok = strings.CutSuffix(raw, segmentSuffix)
	if !ok || raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Read returns record batches beginning at the batch that contains
// req.Offset. Only whole batches are returned: when req.Strict is set the
// record set never exceeds req.MaxBytes, otherwise the first batch is
// delivered even if it alone is larger than the cap. A nil record set with a
// nil error means the offset is valid but nothing is readable yet.
func (l *PartitionLog) Read(ctx context.Context, req ReadRequest) ([]byte, error) {
	l.mu.Lock()
	hw := l.highWatermark
	next := l.nextOffset
	segIdx := -1
	for i, s := range l.segments {
		if req.Offset >= s.baseOffset && req.Offset <= s.lastOffset {
			segIdx = i
			break
		}
	}
	var seg segmentRange
	var entries []*IndexEntry
	var ahead []segmentRange
	if segIdx >= 0 {
		seg = l.segments[segIdx]
		entries = l.indexEntries[seg.baseOffset]
		if l.cfg.ReadAheadSegments > 0 {
			ahead = append([]segmentRange(nil), l.segments...)
		}
	}
	l.mu.Unlock()

	if segIdx < 0 {
		// Offsets between the watermark and the next offset are valid but
		// not yet readable: still buffered, or the empty tail itself.
		if req.Offset >= hw && req.Offset <= next {
			return nil, nil
		}
		return nil, ErrOffsetOutOfRange
	}
	if req.MaxBytes <= 0 && req.Strict {
		return nil, nil
	}

	body, err := l.segmentBody(ctx, seg, entries, req.Offset)
	if err != nil {
		return nil, err
	}
	l.startPrefetch(ctx, ahead, segIdx+1)
	return sliceForRequest(body, req)
}

// segmentBody resolves the raw record data of seg from the index position
// covering offset through the end of the body, trying the cache before S3.
func (l *PartitionLog) segmentBody(ctx context.Context, seg segmentRange, entries []*IndexEntry, offset int64) ([]byte, error) {
	bodyEnd := seg.size - segmentFooterLen
	if bodyEnd <= int64(segmentHeaderLen) {
		return nil, fmt.Errorf("segment %s truncated: %d bytes", l.segmentKey(seg.baseOffset), seg.size)
	}
	pos := int64(segmentHeaderLen)
	if len(entries) > 0 {
		pos = int64(findIndexEntry(entries, offset).Position)
	}
	if pos < int64(segmentHeaderLen) || pos >= bodyEnd {
		return nil, fmt.Errorf("segment %s: index position %d outside body", l.segmentKey(seg.baseOffset), pos)
	}

	if data, ok := l.cacheLookup(seg.baseOffset); ok && int64(len(data)) >= seg.size {
		return data[pos:bodyEnd], nil
	}
	if len(entries) > 0 {
		rng := &ByteRange{Start: pos, End: bodyEnd - 1}
		return l.downloadSegmentPart(ctx, "download_segment_range", l.segmentKey(seg.baseOffset), rng)
	}
	data, err := l.downloadSegmentPart(ctx, "download_segment", l.segmentKey(seg.baseOffset), nil)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) < seg.size {
		return nil, fmt.Errorf("segment %s short download: %d of %d bytes", l.segmentKey(seg.baseOffset), len(data), seg.size)
	}
	l.cacheStore(seg.baseOffset, data)
	return data[pos:bodyEnd], nil
}

// sliceForRequest trims body, which starts at an index boundary at or before
// req.Offset, down to whole batches within the byte budget.
func sliceForRequest(body []byte, req ReadRequest) ([]byte, error) {
	body = body[advanceToOffset(body, req.Offset):]
	out := SliceBatches(body, req.MaxBytes)
	if len(out) == 0 && !req.Strict {
		if frameLen := firstBatchFrameLen(body); frameLen > 0 && frameLen <= len(body) {
			out = body[:frameLen]
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return append([]byte(nil), out...), nil
}

func (l *PartitionLog) startPrefetch(ctx context.Context, segs []segmentRange, nextIndex int) {
	if l.cfg.ReadAheadSegments <= 0 || nextIndex < 0 || !l.cacheUsable() {
		return
	}
	if nextIndex >= len(segs) {
		return
	}
	limit := nextIndex + l.cfg.ReadAheadSegments
	if limit > len(segs) {
		limit = len(segs)
	}
	// Prefetches outlive the fetch that triggered them.
	pctx := context.WithoutCancel(ctx)
	l.prefetchMu.Lock()
	defer l.prefetchMu.Unlock()
	for _, seg := range segs[nextIndex:limit] {
		if _, ok := l.cacheLookup(seg.baseOffset); ok {
			continue
		}
		go func() {
			data, err := l.s3.DownloadSegment(pctx, l.segmentKey(seg.baseOffset), nil)
			if err != nil {
				return
			}
			l.cacheStore(seg.baseOffset, data)
		}()
	}
}

// findIndexEntry picks the densest entry at or before offset. An empty index
// anchors at the start of the record data.
func findIndexEntry(entries []*IndexEntry, offset int64) *IndexEntry {
	if len(entries) == 0 {
		return &IndexEntry{Offset: 0, Position: segmentHeaderLen}
	}
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Offset > offset
	})
	if i == 0 {
		return entries[0]
	}
	return entries[i-1]
}
