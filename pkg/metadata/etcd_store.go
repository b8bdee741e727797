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
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/strata/pkg/protocol"
)

// EtcdStoreConfig carries etcd connection settings.
type EtcdStoreConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// EtcdStore persists offsets and the cluster snapshot in etcd. Reads of
// cluster metadata are served from an in-memory copy kept fresh by a watch on
// the snapshot record.
type EtcdStore struct {
	client   *clientv3.Client
	metadata *InMemoryStore
	cancel   context.CancelFunc
}

// NewEtcdStore initializes a store backed by etcd. The provided snapshot
// seeds broker and controller identity; topics are loaded from the snapshot
// record when one exists, otherwise reconstructed from offset keys left by a
// previous run.
func NewEtcdStore(ctx context.Context, snapshot ClusterMetadata, cfg EtcdStoreConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints required")
	}
	ecfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	}
	if ecfg.DialTimeout == 0 {
		ecfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(ecfg)
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	store := &EtcdStore{client: cli, metadata: NewInMemoryStore(snapshot)}
	loaded, err := store.refreshSnapshot(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !loaded {
		if err := store.bootstrapFromOffsets(ctx); err != nil {
			cli.Close()
			return nil, fmt.Errorf("bootstrap topics: %w", err)
		}
	}
	store.startWatcher()
	return store, nil
}

// Close stops the snapshot watcher and releases the etcd client.
func (s *EtcdStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.client.Close()
}

// Metadata serves from the in-memory snapshot; the watcher keeps it fresh.
func (s *EtcdStore) Metadata(ctx context.Context, topics []string) (*ClusterMetadata, error) {
	return s.metadata.Metadata(ctx, topics)
}

// NextOffset reads the next offset to assign from etcd. Unknown partitions
// report ErrUnknownTopic.
func (s *EtcdStore) NextOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	known, err := s.partitionExists(ctx, topic, partition)
	if err != nil {
		return 0, err
	}
	if !known {
		return 0, ErrUnknownTopic
	}
	key := OffsetKey(topic, partition)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil
	}
	return parseOffsetValue(key, resp.Kvs[0].Value)
}

// parseOffsetValue treats a blank value as offset zero.
func parseOffsetValue(key string, raw []byte) (int64, error) {
	val := strings.TrimSpace(string(raw))
	if val == "" {
		return 0, nil
	}
	offset, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse offset for %s: %w", key, err)
	}
	return offset, nil
}

// UpdateOffsets records lastOffset + 1 as the next offset for the partition.
func (s *EtcdStore) UpdateOffsets(ctx context.Context, topic string, partition int32, lastOffset int64) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	value := strconv.FormatInt(lastOffset+1, 10)
	if _, err := s.client.Put(ctx, OffsetKey(topic, partition), value); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// CreateTopic updates the snapshot and persists it so peers pick up the topic.
func (s *EtcdStore) CreateTopic(ctx context.Context, spec TopicSpec) (*protocol.MetadataTopic, error) {
	topic, err := s.metadata.CreateTopic(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := s.persistSnapshot(ctx); err != nil {
		return nil, err
	}
	return topic, nil
}

// DeleteTopic removes the topic from the snapshot and clears its offset keys.
func (s *EtcdStore) DeleteTopic(ctx context.Context, name string) error {
	if err := s.metadata.DeleteTopic(ctx, name); err != nil {
		return err
	}
	delCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.client.Delete(delCtx, TopicKeyPrefix(name), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return s.persistSnapshot(ctx)
}

func (s *EtcdStore) partitionExists(ctx context.Context, topic string, partition int32) (bool, error) {
	meta, err := s.metadata.Metadata(ctx, []string{topic})
	if err != nil {
		return false, err
	}
	if len(meta.Topics) == 0 || meta.Topics[0].ErrorCode != 0 {
		return false, nil
	}
	for _, part := range meta.Topics[0].Partitions {
		if part.PartitionIndex == partition {
			return true, nil
		}
	}
	return false, nil
}

func (s *EtcdStore) startWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.watchSnapshot(ctx)
}

func (s *EtcdStore) watchSnapshot(ctx context.Context) {
	watchChan := s.client.Watch(ctx, SnapshotKey())
	for resp := range watchChan {
		if resp.Err() != nil {
			continue
		}
		s.refreshSnapshot(ctx)
	}
}

func (s *EtcdStore) refreshSnapshot(ctx context.Context) (bool, error) {
	getCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := s.client.Get(getCtx, SnapshotKey())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	snapshot, err := DecodeSnapshot(resp.Kvs[0].Value)
	if err != nil {
		return false, err
	}
	s.metadata.Update(*snapshot)
	return true, nil
}

func (s *EtcdStore) persistSnapshot(ctx context.Context) error {
	state, err := s.metadata.Metadata(context.Background(), nil)
	if err != nil {
		return err
	}
	blob, err := EncodeSnapshot(state)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.client.Put(wctx, SnapshotKey(), string(blob)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// bootstrapFromOffsets reconstructs the topic list from offset keys. A broker
// restarted against an existing etcd namespace regains its topics even when
// no snapshot record was ever written.
func (s *EtcdStore) bootstrapFromOffsets(ctx context.Context) error {
	getCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := s.client.Get(getCtx, topicPrefix+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	counts := make(map[string]int32)
	for _, kv := range resp.Kvs {
		topic, partition, ok := ParseOffsetKey(string(kv.Key))
		if !ok {
			continue
		}
		if partition+1 > counts[topic] {
			counts[topic] = partition + 1
		}
	}
	if len(counts) == 0 {
		return nil
	}

	state, err := s.metadata.Metadata(ctx, nil)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(state.Topics))
	for _, topic := range state.Topics {
		known[topic.Name] = true
	}
	leader := state.ControllerID
	if len(state.Brokers) > 0 {
		leader = state.Brokers[0].NodeID
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		if !known[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		partitions := make([]protocol.MetadataPartition, counts[name])
		for i := range partitions {
			partitions[i] = protocol.MetadataPartition{
				PartitionIndex: int32(i),
				LeaderID:       leader,
				ReplicaNodes:   []int32{leader},
				ISRNodes:       []int32{leader},
			}
		}
		state.Topics = append(state.Topics, protocol.MetadataTopic{
			Name:       name,
			TopicID:    TopicIDForName(name),
			Partitions: partitions,
		})
	}
	s.metadata.Update(*state)
	return s.persistSnapshot(ctx)
}
