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

package cache

import (
	"container/list"
	"sync"
)

type segmentKey struct {
	topic      string
	partition  int32
	baseOffset int64
}

type segment struct {
	key  segmentKey
	data []byte
}

// SegmentCache is an LRU over segment payloads keyed by
// topic/partition/baseOffset. Capacity is counted in bytes, not entries, so
// one large segment can displace many small ones.
type SegmentCache struct {
	mu       sync.Mutex
	capacity int
	used     int
	lru      *list.List
	byKey    map[segmentKey]*list.Element
}

// NewSegmentCache creates a cache holding at most capacityBytes of payload.
func NewSegmentCache(capacityBytes int) *SegmentCache {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	return &SegmentCache{
		capacity: capacityBytes,
		lru:      list.New(),
		byKey:    make(map[segmentKey]*list.Element),
	}
}

// GetSegment returns the cached payload and marks the entry most recent.
// The returned slice is shared; callers must treat it as immutable.
func (c *SegmentCache) GetSegment(topic string, partition int32, baseOffset int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.byKey[segmentKey{topic, partition, baseOffset}]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*segment).data, true
}

// SetSegment stores a copy of data, replacing any previous entry for the
// same key, and evicts from the cold end until the byte budget holds. An
// entry larger than the whole budget does not stay.
func (c *SegmentCache) SetSegment(topic string, partition int32, baseOffset int64, data []byte) {
	key := segmentKey{topic, partition, baseOffset}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.byKey[key]; ok {
		c.dropLocked(elem)
	}
	entry := &segment{key: key, data: append([]byte(nil), data...)}
	c.byKey[key] = c.lru.PushFront(entry)
	c.used += len(entry.data)
	for c.used > c.capacity && c.lru.Len() > 0 {
		c.dropLocked(c.lru.Back())
	}
}

func (c *SegmentCache) dropLocked(elem *list.Element) {
	entry := c.lru.Remove(elem).(*segment)
	delete(c.byKey, entry.key)
	c.used -= len(entry.data)
}

// Size returns the total payload bytes currently held.
func (c *SegmentCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Len returns the number of cached segments.
func (c *SegmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
