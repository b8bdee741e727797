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
	"testing"
)

func TestDualS3WritesGoToPrimary(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryS3Client()
	replica := NewMemoryS3Client()
	client := NewDualS3Client(primary, replica)

	if err := client.UploadSegment(ctx, "orders/0/seg", []byte("data")); err != nil {
		t.Fatalf("UploadSegment: %v", err)
	}
	if err := client.UploadIndex(ctx, "orders/0/idx", []byte("idx")); err != nil {
		t.Fatalf("UploadIndex: %v", err)
	}
	if primary.ObjectCount() != 2 {
		t.Fatalf("expected primary to hold 2 objects, got %d", primary.ObjectCount())
	}
	if replica.ObjectCount() != 0 {
		t.Fatalf("replica should stay untouched, got %d objects", replica.ObjectCount())
	}
}

func TestDualS3PrefersReadReplica(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryS3Client()
	replica := NewMemoryS3Client()
	if err := primary.UploadSegment(ctx, "k", []byte("primary")); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := replica.UploadSegment(ctx, "k", []byte("replica")); err != nil {
		t.Fatalf("seed replica: %v", err)
	}

	client := NewDualS3Client(primary, replica)
	data, err := client.DownloadSegment(ctx, "k", nil)
	if err != nil {
		t.Fatalf("DownloadSegment: %v", err)
	}
	if string(data) != "replica" {
		t.Fatalf("expected replica copy, got %s", data)
	}
}

func TestDualS3FallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryS3Client()
	replica := NewMemoryS3Client()
	if err := primary.UploadSegment(ctx, "k", []byte("primary")); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := primary.UploadIndex(ctx, "k.index", []byte("idx")); err != nil {
		t.Fatalf("seed primary index: %v", err)
	}

	client := NewDualS3Client(primary, replica)
	data, err := client.DownloadSegment(ctx, "k", nil)
	if err != nil {
		t.Fatalf("DownloadSegment: %v", err)
	}
	if string(data) != "primary" {
		t.Fatalf("expected fallback to primary, got %s", data)
	}
	idx, err := client.DownloadIndex(ctx, "k.index")
	if err != nil {
		t.Fatalf("DownloadIndex: %v", err)
	}
	if string(idx) != "idx" {
		t.Fatalf("expected fallback index, got %s", idx)
	}
}

func TestDualS3ListsFromPrimary(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryS3Client()
	replica := NewMemoryS3Client()
	if err := primary.UploadSegment(ctx, "a/seg", []byte("x")); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	if err := replica.UploadSegment(ctx, "a/stale", []byte("y")); err != nil {
		t.Fatalf("seed replica: %v", err)
	}

	client := NewDualS3Client(primary, replica)
	objects, err := client.ListSegments(ctx, "a/")
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(objects) != 1 || objects[0].Key != "a/seg" {
		t.Fatalf("expected primary listing only, got %+v", objects)
	}
}
