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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryS3Client keeps objects in a map. It stands in for S3 in tests and
// local development; like the real thing it lists segment and index objects
// under the same prefix, lexicographically.
type MemoryS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	failure error
}

// NewMemoryS3Client returns an empty in-memory object store.
func NewMemoryS3Client() *MemoryS3Client {
	return &MemoryS3Client{
		objects: make(map[string][]byte),
	}
}

// SetError makes every subsequent operation fail with err until called again
// with nil. Tests use it to exercise upload failures and the health monitor.
func (m *MemoryS3Client) SetError(err error) {
	m.mu.Lock()
	m.failure = err
	m.mu.Unlock()
}

// ObjectCount reports how many objects are stored.
func (m *MemoryS3Client) ObjectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *MemoryS3Client) EnsureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

func (m *MemoryS3Client) UploadSegment(ctx context.Context, key string, body []byte) error {
	return m.put(key, body)
}

func (m *MemoryS3Client) UploadIndex(ctx context.Context, key string, body []byte) error {
	return m.put(key, body)
}

func (m *MemoryS3Client) put(key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *MemoryS3Client) DownloadSegment(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such segment %s", key)
	}
	if rng == nil {
		return append([]byte(nil), data...), nil
	}
	size := int64(len(data))
	start, end := rng.Start, rng.End
	if start < 0 {
		start = 0
	}
	if end > size-1 {
		end = size - 1
	}
	if start >= size || start > end {
		return nil, fmt.Errorf("bad range %d-%d for segment %s", rng.Start, rng.End, key)
	}
	return append([]byte(nil), data[start:end+1]...), nil
}

func (m *MemoryS3Client) DownloadIndex(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such index %s", key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryS3Client) ListSegments(ctx context.Context, prefix string) ([]S3Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return nil, m.failure
	}
	var out []S3Object
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, S3Object{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
