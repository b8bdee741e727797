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

package metadata

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Everything the broker persists in etcd lives under /strata:
//
//	/strata/metadata/snapshot                           cluster state, JSON
//	/strata/topics/<topic>/partitions/<p>/next_offset   decimal string
const (
	topicPrefix    = "/strata/topics"
	snapshotRecord = "/strata/metadata/snapshot"
)

// OffsetKey returns the etcd key holding the next offset to assign for a partition.
func OffsetKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%s/partitions/%d/next_offset", topicPrefix, topic, partition)
}

// ParseOffsetKey extracts topic and partition from an offset key.
func ParseOffsetKey(key string) (string, int32, bool) {
	prefix := topicPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", 0, false
	}
	parts := strings.Split(strings.TrimPrefix(key, prefix), "/")
	if len(parts) != 4 || parts[1] != "partitions" || parts[3] != "next_offset" || parts[0] == "" {
		return "", 0, false
	}
	partition, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return parts[0], int32(partition), true
}

// TopicKeyPrefix returns the etcd prefix covering all keys for one topic.
func TopicKeyPrefix(topic string) string {
	return fmt.Sprintf("%s/%s/", topicPrefix, topic)
}

// SnapshotKey returns the etcd key for the serialized cluster snapshot.
func SnapshotKey() string {
	return snapshotRecord
}

// EncodeSnapshot serializes cluster metadata into etcd-ready bytes.
func EncodeSnapshot(state *ClusterMetadata) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses snapshot bytes back into cluster metadata.
func DecodeSnapshot(data []byte) (*ClusterMetadata, error) {
	var state ClusterMetadata
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &state, nil
}

// TopicIDForName derives a stable UUID for a topic so every broker reports the
// same ID without coordination. The bytes follow the RFC 4122 name-based
// layout.
func TopicIDForName(name string) [16]byte {
	sum := sha256.Sum256([]byte(name))
	var id [16]byte
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x50
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}
