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
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/novatechflow/strata/pkg/protocol"
)

// Store is the cluster-state surface the Kafka handlers run on.
type Store interface {
	// Metadata returns brokers, controller, and topics. A non-empty topics
	// filter selects that subset, with unknown names marked in place.
	Metadata(ctx context.Context, topics []string) (*ClusterMetadata, error)
	// NextOffset returns the offset the next append to topic/partition gets.
	NextOffset(ctx context.Context, topic string, partition int32) (int64, error)
	// UpdateOffsets records the last durable offset after a flush.
	UpdateOffsets(ctx context.Context, topic string, partition int32, lastOffset int64) error
	// CreateTopic registers a new topic.
	CreateTopic(ctx context.Context, spec TopicSpec) (*protocol.MetadataTopic, error)
	// DeleteTopic drops a topic and its offset state.
	DeleteTopic(ctx context.Context, name string) error
}

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Name              string
	NumPartitions     int32
	ReplicationFactor int16
}

var (
	// ErrTopicExists indicates the topic is already present.
	ErrTopicExists = errors.New("topic already exists")
	// ErrInvalidTopic indicates the topic specification is invalid.
	ErrInvalidTopic = errors.New("invalid topic configuration")
	// ErrUnknownTopic indicates the topic does not exist.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrStoreUnavailable is returned when the metadata store cannot be reached.
	ErrStoreUnavailable = errors.New("metadata store unavailable")
)

// ClusterMetadata is the Kafka-visible cluster state.
type ClusterMetadata struct {
	Brokers      []protocol.MetadataBroker
	ControllerID int32
	Topics       []protocol.MetadataTopic
	ClusterID    *string
}

// clone deep-copies the state so callers can mutate the result freely.
func (m ClusterMetadata) clone() ClusterMetadata {
	out := ClusterMetadata{
		Brokers:      slices.Clone(m.Brokers),
		ControllerID: m.ControllerID,
		Topics:       copyTopics(m.Topics),
	}
	if m.ClusterID != nil {
		id := *m.ClusterID
		out.ClusterID = &id
	}
	return out
}

func (m *ClusterMetadata) hasPartition(topic string, partition int32) bool {
	for i := range m.Topics {
		if m.Topics[i].Name != topic {
			continue
		}
		for _, p := range m.Topics[i].Partitions {
			if p.PartitionIndex == partition {
				return true
			}
		}
		return false
	}
	return false
}

// copyTopics deep-copies topic entries, deriving ids for entries that were
// registered without one.
func copyTopics(topics []protocol.MetadataTopic) []protocol.MetadataTopic {
	if topics == nil {
		return nil
	}
	out := make([]protocol.MetadataTopic, len(topics))
	for i, t := range topics {
		if t.TopicID == ([16]byte{}) {
			t.TopicID = TopicIDForName(t.Name)
		}
		t.Partitions = copyPartitions(t.Partitions)
		out[i] = t
	}
	return out
}

func copyPartitions(parts []protocol.MetadataPartition) []protocol.MetadataPartition {
	if parts == nil {
		return nil
	}
	out := make([]protocol.MetadataPartition, len(parts))
	for i, p := range parts {
		p.ReplicaNodes = slices.Clone(p.ReplicaNodes)
		p.ISRNodes = slices.Clone(p.ISRNodes)
		p.OfflineReplicas = slices.Clone(p.OfflineReplicas)
		out[i] = p
	}
	return out
}

// selectTopics returns entries in request order; names the cluster does not
// know come back as placeholders carrying UNKNOWN_TOPIC_OR_PARTITION.
func selectTopics(all []protocol.MetadataTopic, names []string) []protocol.MetadataTopic {
	byName := make(map[string]protocol.MetadataTopic, len(all))
	for _, t := range all {
		byName[t.Name] = t
	}
	out := make([]protocol.MetadataTopic, 0, len(names))
	for _, name := range names {
		t, ok := byName[name]
		if !ok {
			t = protocol.MetadataTopic{
				ErrorCode: protocol.UNKNOWN_TOPIC_OR_PARTITION,
				Name:      name,
			}
		}
		out = append(out, t)
	}
	return out
}

// partitionRef keys the offset table.
type partitionRef struct {
	topic     string
	partition int32
}

// InMemoryStore is a Store backed by in-process state. It serves single-node
// deployments and tests, and doubles as the snapshot cache inside EtcdStore.
type InMemoryStore struct {
	mu      sync.RWMutex
	state   ClusterMetadata
	offsets map[partitionRef]int64
}

// NewInMemoryStore builds an in-memory metadata store seeded with state.
func NewInMemoryStore(state ClusterMetadata) *InMemoryStore {
	return &InMemoryStore{
		state:   state.clone(),
		offsets: make(map[partitionRef]int64),
	}
}

// Update swaps the cluster metadata atomically.
func (s *InMemoryStore) Update(state ClusterMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.clone()
}

// Metadata implements Store.
func (s *InMemoryStore) Metadata(ctx context.Context, topics []string) (*ClusterMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.state.clone()
	if len(topics) > 0 {
		state.Topics = selectTopics(state.Topics, topics)
	}
	return &state, nil
}

// NextOffset implements Store.
func (s *InMemoryStore) NextOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.hasPartition(topic, partition) {
		return 0, ErrUnknownTopic
	}
	return s.offsets[partitionRef{topic, partition}], nil
}

// UpdateOffsets implements Store.
func (s *InMemoryStore) UpdateOffsets(ctx context.Context, topic string, partition int32, lastOffset int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The next append continues one past the last durable offset.
	s.offsets[partitionRef{topic, partition}] = lastOffset + 1
	return nil
}

// CreateTopic implements Store.
func (s *InMemoryStore) CreateTopic(ctx context.Context, spec TopicSpec) (*protocol.MetadataTopic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Name == "" || spec.NumPartitions <= 0 {
		return nil, ErrInvalidTopic
	}
	if spec.ReplicationFactor <= 0 {
		spec.ReplicationFactor = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topicIndex(spec.Name) >= 0 {
		return nil, ErrTopicExists
	}
	if int(spec.ReplicationFactor) > len(s.state.Brokers) {
		return nil, ErrInvalidTopic
	}
	leader := s.state.ControllerID
	if len(s.state.Brokers) > 0 {
		leader = s.state.Brokers[0].NodeID
	}
	topic := protocol.MetadataTopic{
		Name:       spec.Name,
		TopicID:    TopicIDForName(spec.Name),
		Partitions: make([]protocol.MetadataPartition, spec.NumPartitions),
	}
	for i := range topic.Partitions {
		topic.Partitions[i] = protocol.MetadataPartition{
			PartitionIndex: int32(i),
			LeaderID:       leader,
			ReplicaNodes:   []int32{leader},
			ISRNodes:       []int32{leader},
		}
	}
	s.state.Topics = append(s.state.Topics, topic)
	return &topic, nil
}

// DeleteTopic implements Store.
func (s *InMemoryStore) DeleteTopic(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.topicIndex(name)
	if i < 0 {
		return ErrUnknownTopic
	}
	s.state.Topics = slices.Delete(s.state.Topics, i, i+1)
	for ref := range s.offsets {
		if ref.topic == name {
			delete(s.offsets, ref)
		}
	}
	return nil
}

// topicIndex returns the position of name in the topic list, or -1. Callers
// hold s.mu.
func (s *InMemoryStore) topicIndex(name string) int {
	for i := range s.state.Topics {
		if s.state.Topics[i].Name == name {
			return i
		}
	}
	return -1
}
