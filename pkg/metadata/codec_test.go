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
	"testing"

	"github.com/novatechflow/strata/pkg/protocol"
)

func TestOffsetKey(t *testing.T) {
	key := OffsetKey("orders", 3)
	if key != "/strata/topics/orders/partitions/3/next_offset" {
		t.Fatalf("unexpected key: %s", key)
	}
	topic, partition, ok := ParseOffsetKey(key)
	if !ok || topic != "orders" || partition != 3 {
		t.Fatalf("parse mismatch: %s %d %v", topic, partition, ok)
	}
}

func TestParseOffsetKeyRejectsMalformed(t *testing.T) {
	cases := []string{
		"/other/topics/orders/partitions/0/next_offset",
		"/strata/topics/orders/partitions/0",
		"/strata/topics/orders/partitions/x/next_offset",
		"/strata/topics//partitions/0/next_offset",
		"/strata/topics/orders/offsets/0/next_offset",
	}
	for _, key := range cases {
		if _, _, ok := ParseOffsetKey(key); ok {
			t.Fatalf("expected parse failure for %s", key)
		}
	}
}

func TestTopicKeyPrefix(t *testing.T) {
	if got := TopicKeyPrefix("orders"); got != "/strata/topics/orders/" {
		t.Fatalf("unexpected prefix: %s", got)
	}
	if got := SnapshotKey(); got != "/strata/metadata/snapshot" {
		t.Fatalf("unexpected snapshot key: %s", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	clusterID := "strata-test"
	state := &ClusterMetadata{
		Brokers: []protocol.MetadataBroker{
			{NodeID: 1, Host: "broker-0", Port: 9092},
		},
		ControllerID: 1,
		Topics: []protocol.MetadataTopic{
			{
				Name:    "orders",
				TopicID: TopicIDForName("orders"),
				Partitions: []protocol.MetadataPartition{
					{PartitionIndex: 0, LeaderID: 1, ReplicaNodes: []int32{1}, ISRNodes: []int32{1}},
				},
			},
		},
		ClusterID: &clusterID,
	}

	data, err := EncodeSnapshot(state)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(decoded.Brokers) != 1 || decoded.Brokers[0].Host != "broker-0" {
		t.Fatalf("brokers lost: %#v", decoded.Brokers)
	}
	if len(decoded.Topics) != 1 || decoded.Topics[0].Name != "orders" {
		t.Fatalf("topics lost: %#v", decoded.Topics)
	}
	if decoded.Topics[0].TopicID != TopicIDForName("orders") {
		t.Fatalf("topic id lost: %x", decoded.Topics[0].TopicID)
	}
	if decoded.ClusterID == nil || *decoded.ClusterID != clusterID {
		t.Fatalf("cluster id lost: %#v", decoded.ClusterID)
	}

	if _, err := DecodeSnapshot([]byte("{")); err == nil {
		t.Fatalf("expected error for truncated snapshot")
	}
}

func TestTopicIDForName(t *testing.T) {
	first := TopicIDForName("orders")
	second := TopicIDForName("orders")
	if first != second {
		t.Fatalf("topic id not deterministic")
	}
	if first == TopicIDForName("payments") {
		t.Fatalf("different names collided")
	}
	if first == ([16]byte{}) {
		t.Fatalf("topic id must not be zero")
	}
	if first[6]&0xf0 != 0x50 {
		t.Fatalf("version bits wrong: %02x", first[6])
	}
	if first[8]&0xc0 != 0x80 {
		t.Fatalf("variant bits wrong: %02x", first[8])
	}
}
