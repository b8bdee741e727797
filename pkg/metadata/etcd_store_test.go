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
	"net"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/novatechflow/strata/pkg/protocol"
)

// The embedded server binds fixed localhost ports so InitialCluster can name
// a concrete peer URL.
var etcdTestPorts = [2]string{"32379", "32380"}

func singleBrokerState(topics ...protocol.MetadataTopic) ClusterMetadata {
	return ClusterMetadata{
		Brokers:      []protocol.MetadataBroker{{NodeID: 1, Host: "broker-0", Port: 9092}},
		ControllerID: 1,
		Topics:       topics,
	}
}

func topicMeta(name string, partitions int32) protocol.MetadataTopic {
	topic := protocol.MetadataTopic{Name: name}
	for i := int32(0); i < partitions; i++ {
		topic.Partitions = append(topic.Partitions, protocol.MetadataPartition{
			PartitionIndex: i,
			LeaderID:       1,
			ReplicaNodes:   []int32{1},
			ISRNodes:       []int32{1},
		})
	}
	return topic
}

func TestEtcdStoreCreateTopicPersistsSnapshot(t *testing.T) {
	endpoints := startEmbeddedEtcd(t)
	store := openStore(t, endpoints, singleBrokerState())

	spec := TopicSpec{Name: "orders", NumPartitions: 3, ReplicationFactor: 1}
	if _, err := store.CreateTopic(context.Background(), spec); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	waitSnapshotTopic(t, endpoints, "orders", true)
}

func TestEtcdStoreOffsetsRoundTrip(t *testing.T) {
	endpoints := startEmbeddedEtcd(t)
	store := openStore(t, endpoints, singleBrokerState(topicMeta("orders", 1)))
	ctx := context.Background()

	offset, err := store.NextOffset(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("NextOffset: %v", err)
	}
	if offset != 0 {
		t.Fatalf("fresh partition offset: got %d, want 0", offset)
	}

	if err := store.UpdateOffsets(ctx, "orders", 0, 41); err != nil {
		t.Fatalf("UpdateOffsets: %v", err)
	}
	offset, err = store.NextOffset(ctx, "orders", 0)
	if err != nil || offset != 42 {
		t.Fatalf("NextOffset after update: got %d, %v; want 42", offset, err)
	}

	if _, err := store.NextOffset(ctx, "missing", 0); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("unknown topic: got %v", err)
	}

	resp := etcdGet(t, endpoints, OffsetKey("orders", 0))
	if resp.Count != 1 || string(resp.Kvs[0].Value) != "42" {
		t.Fatalf("offset key should hold the decimal next offset: %#v", resp.Kvs)
	}
}

func TestEtcdStoreDeleteTopicClearsKeys(t *testing.T) {
	endpoints := startEmbeddedEtcd(t)
	store := openStore(t, endpoints, singleBrokerState(topicMeta("audit-log", 2)))
	ctx := context.Background()

	if err := store.UpdateOffsets(ctx, "audit-log", 1, 7); err != nil {
		t.Fatalf("UpdateOffsets: %v", err)
	}
	if err := store.DeleteTopic(ctx, "audit-log"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if err := store.DeleteTopic(ctx, "audit-log"); !errors.Is(err, ErrUnknownTopic) {
		t.Fatalf("second delete: got %v, want ErrUnknownTopic", err)
	}

	waitSnapshotTopic(t, endpoints, "audit-log", false)

	resp := etcdGet(t, endpoints, TopicKeyPrefix("audit-log"), clientv3.WithPrefix())
	if resp.Count != 0 {
		t.Fatalf("offset keys should be gone, found %d", resp.Count)
	}
}

func TestEtcdStoreBootstrapFromOffsets(t *testing.T) {
	endpoints := startEmbeddedEtcd(t)
	etcdPut(t, endpoints, OffsetKey("orders", 0), "5")
	etcdPut(t, endpoints, OffsetKey("orders", 2), "1")

	store := openStore(t, endpoints, singleBrokerState())
	ctx := context.Background()

	meta, err := store.Metadata(ctx, []string{"orders"})
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if len(meta.Topics) != 1 || meta.Topics[0].ErrorCode != 0 {
		t.Fatalf("orders should be rebuilt from its offset keys: %#v", meta.Topics)
	}
	if got := len(meta.Topics[0].Partitions); got != 3 {
		t.Fatalf("partitions: got %d, want the highest seeded index plus one", got)
	}

	offset, err := store.NextOffset(ctx, "orders", 2)
	if err != nil || offset != 1 {
		t.Fatalf("NextOffset: got %d, %v; want 1", offset, err)
	}

	waitSnapshotTopic(t, endpoints, "orders", true)
}

func TestEtcdStoreWatchRefreshesSnapshot(t *testing.T) {
	endpoints := startEmbeddedEtcd(t)
	store := openStore(t, endpoints, singleBrokerState())

	updated := singleBrokerState(topicMeta("payments", 1))
	payload, err := EncodeSnapshot(&updated)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	etcdPut(t, endpoints, SnapshotKey(), string(payload))

	ctx := context.Background()
	for tries := 0; tries < 50; tries++ {
		meta, err := store.Metadata(ctx, []string{"payments"})
		if err == nil && len(meta.Topics) == 1 && meta.Topics[0].ErrorCode == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("watch never refreshed the topic set")
}

// startEmbeddedEtcd boots a single node etcd and returns its client
// endpoints. The server is torn down through t.Cleanup.
func startEmbeddedEtcd(t *testing.T) []string {
	t.Helper()
	if err := freeEtcdPorts(); err != nil {
		t.Skipf("embedded etcd unavailable: %v", err)
	}
	e, err := embed.StartEtcd(embeddedEtcdConfig(t))
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("embedded etcd unavailable: %v", err)
		}
		t.Fatalf("embed.StartEtcd: %v", err)
	}
	t.Cleanup(e.Close)
	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		e.Server.Stop()
		t.Fatal("embedded etcd not ready within 10s")
	}
	return []string{"http://" + e.Clients[0].Addr().String()}
}

func embeddedEtcdConfig(t *testing.T) *embed.Config {
	t.Helper()
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	cfg.Logger = "zap"
	cfg.Name = "default"
	client := mustParseURL(t, "http://127.0.0.1:"+etcdTestPorts[0])
	peer := mustParseURL(t, "http://127.0.0.1:"+etcdTestPorts[1])
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	return cfg
}

func mustParseURL(t *testing.T, raw string) url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return *u
}

func freeEtcdPorts() error {
	for _, port := range etcdTestPorts {
		reapPortListeners(port)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
		if err != nil {
			return fmt.Errorf("port %s busy: %w", port, err)
		}
		ln.Close()
	}
	return nil
}

// reapPortListeners terminates listeners left behind by an aborted earlier
// run.
func reapPortListeners(port string) {
	out, err := exec.Command("lsof", "-nP", "-iTCP:"+port, "-sTCP:LISTEN", "-t").Output()
	if err != nil {
		return
	}
	for _, raw := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		if syscall.Kill(pid, 0) == nil {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
}

func openStore(t *testing.T, endpoints []string, initial ClusterMetadata) *EtcdStore {
	t.Helper()
	store, err := NewEtcdStore(context.Background(), initial, EtcdStoreConfig{Endpoints: endpoints})
	if err != nil {
		t.Fatalf("NewEtcdStore: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newEtcdClient(t *testing.T, endpoints []string) *clientv3.Client {
	t.Helper()
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("new etcd client: %v", err)
	}
	return cli
}

func etcdGet(t *testing.T, endpoints []string, key string, opts ...clientv3.OpOption) *clientv3.GetResponse {
	t.Helper()
	cli := newEtcdClient(t, endpoints)
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := cli.Get(ctx, key, opts...)
	if err != nil {
		t.Fatalf("etcd get %s: %v", key, err)
	}
	return resp
}

func etcdPut(t *testing.T, endpoints []string, key, value string) {
	t.Helper()
	cli := newEtcdClient(t, endpoints)
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Put(ctx, key, value); err != nil {
		t.Fatalf("etcd put %s: %v", key, err)
	}
}

// waitSnapshotTopic polls the persisted snapshot until topic presence matches
// present, or fails after five seconds.
func waitSnapshotTopic(t *testing.T, endpoints []string, topic string, present bool) {
	t.Helper()
	cli := newEtcdClient(t, endpoints)
	defer cli.Close()
	for tries := 0; tries < 50; tries++ {
		meta, err := fetchSnapshot(cli)
		if err == nil && snapshotHasTopic(meta, topic) == present {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if present {
		t.Fatalf("topic %s was never persisted to the snapshot", topic)
	}
	t.Fatalf("topic %s still present in the snapshot", topic)
}

func fetchSnapshot(cli *clientv3.Client) (*ClusterMetadata, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := cli.Get(ctx, SnapshotKey())
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("snapshot not written yet")
	}
	return DecodeSnapshot(resp.Kvs[0].Value)
}

func snapshotHasTopic(meta *ClusterMetadata, topic string) bool {
	if meta == nil {
		return false
	}
	for _, top := range meta.Topics {
		if top.Name == topic && top.ErrorCode == 0 {
			return true
		}
	}
	return false
}
