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

package protocol

import (
	"errors"
	"math"
	"testing"

	"github.com/twmb/franz-go/pkg/kmsg"
)

func strPtr(s string) *string {
	return &s
}

// reqImage assembles the byte image of one request: the common header
// followed by the api specific body.
func reqImage(key, version int16, corr int32, clientID *string, flexHeader bool, body func(w *byteWriter)) []byte {
	w := newByteWriter(256)
	w.Int16(key)
	w.Int16(version)
	w.Int32(corr)
	w.NullableString(clientID)
	if flexHeader {
		w.WriteTaggedFields(0)
	}
	if body != nil {
		body(w)
	}
	return w.Bytes()
}

// franzImage encodes req through the franz-go request formatter and strips
// the length prefix, leaving the header plus body bytes ParseRequest expects.
func franzImage(req kmsg.Request, corr int32) []byte {
	formatter := kmsg.NewRequestFormatter(kmsg.FormatterClientID("kgo"))
	return formatter.AppendRequest(nil, req, corr)[4:]
}

func TestParseApiVersionsRequest(t *testing.T) {
	header, req, err := ParseRequest(reqImage(APIKeyApiVersion, 0, 31, nil, false, nil))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if header.APIKey != APIKeyApiVersion || header.CorrelationID != 31 {
		t.Fatalf("header: %#v", header)
	}
	if _, ok := req.(*ApiVersionsRequest); !ok {
		t.Fatalf("got %T, want *ApiVersionsRequest", req)
	}
}

func TestParseMetadataRequestV0(t *testing.T) {
	client := "client-1"
	payload := reqImage(APIKeyMetadata, 0, 7, &client, false, func(w *byteWriter) {
		w.Int32(2)
		w.String("orders")
		w.String("payments")
	})

	header, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if header.ClientID == nil || *header.ClientID != client {
		t.Fatalf("client id: %#v", header.ClientID)
	}
	meta, ok := req.(*MetadataRequest)
	if !ok {
		t.Fatalf("got %T, want *MetadataRequest", req)
	}
	if len(meta.Topics) != 2 || meta.Topics[0] != "orders" || meta.Topics[1] != "payments" {
		t.Fatalf("topics: %#v", meta.Topics)
	}
}

func TestParseProduceRequestV9(t *testing.T) {
	client := "producer-1"
	payload := reqImage(APIKeyProduce, 9, 100, &client, true, func(w *byteWriter) {
		w.CompactNullableString(nil) // transactional id
		w.Int16(1)                   // acks
		w.Int32(1500)                // timeout
		w.CompactArrayLen(1)
		w.CompactString("orders")
		w.CompactArrayLen(1)
		w.Int32(0)
		w.CompactBytes([]byte("record"))
		// One tagged field on the partition, which the parser must skip.
		w.UVarint(1)
		w.UVarint(0)
		w.UVarint(1)
		w.write([]byte{0x7f})
		w.WriteTaggedFields(0)
		w.WriteTaggedFields(0)
	})

	header, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if header.APIKey != APIKeyProduce {
		t.Fatalf("api key: got %d, want %d", header.APIKey, APIKeyProduce)
	}
	produce, ok := req.(*ProduceRequest)
	if !ok {
		t.Fatalf("got %T, want *ProduceRequest", req)
	}
	if produce.Acks != 1 || produce.TimeoutMs != 1500 {
		t.Fatalf("acks/timeout: %#v", produce)
	}
	if produce.TransactionalID != nil {
		t.Fatalf("transactional id: got %q, want null", *produce.TransactionalID)
	}
	if len(produce.Topics) != 1 || produce.Topics[0].Name != "orders" {
		t.Fatalf("topics: %#v", produce.Topics)
	}
	if got := string(produce.Topics[0].Partitions[0].Records); got != "record" {
		t.Fatalf("records: got %q", got)
	}
}

func TestParseProduceRequestFromKgo(t *testing.T) {
	kreq := kmsg.NewPtrProduceRequest()
	kreq.Version = 9
	kreq.Acks = 1
	kreq.TimeoutMillis = 1500
	kt := kmsg.NewProduceRequestTopic()
	kt.Topic = "events"
	kp := kmsg.NewProduceRequestTopicPartition()
	kp.Records = []byte("kgo record batch")
	kt.Partitions = append(kt.Partitions, kp)
	kreq.Topics = append(kreq.Topics, kt)

	header, parsed, err := ParseRequest(franzImage(kreq, 8))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if header.APIVersion != 9 {
		t.Fatalf("version: got %d, want 9", header.APIVersion)
	}
	produce, ok := parsed.(*ProduceRequest)
	if !ok {
		t.Fatalf("got %T, want *ProduceRequest", parsed)
	}
	if len(produce.Topics) != 1 || len(produce.Topics[0].Partitions) != 1 {
		t.Fatalf("shape: %#v", produce.Topics)
	}
	if got := string(produce.Topics[0].Partitions[0].Records); got != "kgo record batch" {
		t.Fatalf("records: got %q", got)
	}
}

func TestParseMetadataRequestV12(t *testing.T) {
	client := "kgo"
	payload := reqImage(APIKeyMetadata, 12, 42, &client, true, func(w *byteWriter) {
		w.CompactArrayLen(2)
		w.UUID([16]byte{})
		w.CompactNullableString(strPtr("orders-0"))
		w.WriteTaggedFields(0)
		w.UUID([16]byte{})
		w.CompactNullableString(strPtr("orders-1"))
		w.WriteTaggedFields(0)
		w.Bool(true)  // allow auto topic creation
		w.Bool(false) // topic authorized operations
		w.WriteTaggedFields(0)
	})

	header, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if header.APIVersion != 12 || header.APIKey != APIKeyMetadata {
		t.Fatalf("header: %#v", header)
	}
	meta, ok := req.(*MetadataRequest)
	if !ok {
		t.Fatalf("got %T, want *MetadataRequest", req)
	}
	if len(meta.Topics) != 2 || meta.Topics[1] != "orders-1" {
		t.Fatalf("topics: %#v", meta.Topics)
	}
	if !meta.AllowAutoTopicCreation {
		t.Fatal("allow auto topic creation should be true")
	}
	if meta.IncludeClusterAuthOps || meta.IncludeTopicAuthOps {
		t.Fatalf("auth ops should both be false: %#v", meta)
	}
}

func TestParseMetadataRequestFromKgo(t *testing.T) {
	kreq := kmsg.NewPtrMetadataRequest()
	kreq.Version = 12
	kreq.AllowAutoTopicCreation = true
	kreq.Topics = []kmsg.MetadataRequestTopic{
		{Topic: strPtr("orders-3eb53935-0")},
	}

	header, parsed, err := ParseRequest(franzImage(kreq, 1))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if header.APIVersion != 12 || header.APIKey != APIKeyMetadata {
		t.Fatalf("header: %#v", header)
	}
	meta, ok := parsed.(*MetadataRequest)
	if !ok {
		t.Fatalf("got %T, want *MetadataRequest", parsed)
	}
	if len(meta.Topics) != 1 || meta.Topics[0] != "orders-3eb53935-0" {
		t.Fatalf("topics: %#v", meta.Topics)
	}
	if !meta.AllowAutoTopicCreation {
		t.Fatal("allow auto topic creation should be true")
	}
}

func TestParseListOffsetsRequestV0(t *testing.T) {
	payload := reqImage(APIKeyListOffsets, 0, 6, nil, false, func(w *byteWriter) {
		w.Int32(-1) // replica id
		w.Int32(1)
		w.String("orders")
		w.Int32(1)
		w.Int32(0)
		w.Int64(-2) // earliest
		w.Int32(3)  // max offsets
	})

	_, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	lo, ok := req.(*ListOffsetsRequest)
	if !ok {
		t.Fatalf("got %T, want *ListOffsetsRequest", req)
	}
	if lo.ReplicaID != -1 || len(lo.Topics) != 1 || lo.Topics[0].Name != "orders" {
		t.Fatalf("request: %#v", lo)
	}
	part := lo.Topics[0].Partitions[0]
	if part.Partition != 0 || part.Timestamp != -2 || part.MaxNumOffsets != 3 {
		t.Fatalf("partition: %#v", part)
	}
}

func TestParseListOffsetsRequestV1SingleOffset(t *testing.T) {
	payload := reqImage(APIKeyListOffsets, 1, 6, nil, false, func(w *byteWriter) {
		w.Int32(-1)
		w.Int32(1)
		w.String("orders")
		w.Int32(1)
		w.Int32(2)
		w.Int64(-1) // latest
	})

	_, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	part := req.(*ListOffsetsRequest).Topics[0].Partitions[0]
	if part.Partition != 2 || part.Timestamp != -1 {
		t.Fatalf("partition: %#v", part)
	}
	if part.MaxNumOffsets != 1 {
		t.Fatalf("max offsets: got %d, want the single offset default", part.MaxNumOffsets)
	}
}

func TestParseFetchRequestV7(t *testing.T) {
	client := "consumer"
	payload := reqImage(APIKeyFetch, 7, 9, &client, false, func(w *byteWriter) {
		w.Int32(-1)   // replica id
		w.Int32(500)  // max wait
		w.Int32(1)    // min bytes
		w.Int32(4096) // max bytes
		w.Int8(1)     // isolation level
		w.Int32(77)   // session id
		w.Int32(3)    // session epoch
		w.Int32(1)
		w.String("orders")
		w.Int32(1)
		w.Int32(2)    // partition
		w.Int64(55)   // fetch offset
		w.Int64(10)   // log start offset
		w.Int32(1024) // partition max bytes
		w.Int32(1)    // forgotten topics
		w.String("stale")
		w.Int32(1)
		w.Int32(0)
	})

	header, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if header.APIKey != APIKeyFetch || header.APIVersion != 7 {
		t.Fatalf("header: %#v", header)
	}
	fetch, ok := req.(*FetchRequest)
	if !ok {
		t.Fatalf("got %T, want *FetchRequest", req)
	}
	if fetch.MaxWaitMs != 500 || fetch.MinBytes != 1 || fetch.MaxBytes != 4096 {
		t.Fatalf("budget fields: %#v", fetch)
	}
	if fetch.IsolationLevel != 1 || fetch.SessionID != 77 || fetch.SessionEpoch != 3 {
		t.Fatalf("session fields: %#v", fetch)
	}
	part := fetch.Topics[0].Partitions[0]
	if part.Partition != 2 || part.FetchOffset != 55 || part.LogStartOffset != 10 || part.PartitionMaxBytes != 1024 {
		t.Fatalf("partition: %#v", part)
	}
	if part.CurrentLeaderEpoch != -1 {
		t.Fatalf("leader epoch: got %d, want the -1 default below v9", part.CurrentLeaderEpoch)
	}
	if len(fetch.Forgotten) != 1 || fetch.Forgotten[0].Name != "stale" {
		t.Fatalf("forgotten topics: %#v", fetch.Forgotten)
	}
}

func TestParseFetchRequestV4Defaults(t *testing.T) {
	payload := reqImage(APIKeyFetch, 4, 1, nil, false, func(w *byteWriter) {
		w.Int32(-1)    // replica id
		w.Int32(0)     // max wait
		w.Int32(0)     // min bytes
		w.Int32(65536) // max bytes
		w.Int8(0)      // isolation level
		w.Int32(1)
		w.String("orders")
		w.Int32(1)
		w.Int32(0)   // partition
		w.Int64(9)   // fetch offset
		w.Int32(512) // partition max bytes
	})

	_, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	fetch := req.(*FetchRequest)
	if fetch.SessionID != 0 || fetch.SessionEpoch != -1 {
		t.Fatalf("session defaults: got %d/%d", fetch.SessionID, fetch.SessionEpoch)
	}
	part := fetch.Topics[0].Partitions[0]
	if part.LogStartOffset != -1 || part.CurrentLeaderEpoch != -1 {
		t.Fatalf("partition defaults: %#v", part)
	}
	if len(fetch.Forgotten) != 0 {
		t.Fatal("forgotten topics exist only from v7 on")
	}
}

func TestParseFetchRequestV2FillsMaxBytesDefault(t *testing.T) {
	// v2 predates the max_bytes field entirely; the decoder fills MaxInt32
	// so the server-side cap is what binds. The handler still rejects the
	// version before running the pipeline.
	payload := reqImage(APIKeyFetch, 2, 1, nil, false, func(w *byteWriter) {
		w.Int32(-1) // replica id
		w.Int32(0)  // max wait
		w.Int32(0)  // min bytes
		w.Int32(0)  // topic count
	})

	_, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if got := req.(*FetchRequest).MaxBytes; got != math.MaxInt32 {
		t.Fatalf("max bytes: got %d, want MaxInt32", got)
	}
}

func TestParseFetchRequestFromKgo(t *testing.T) {
	kreq := kmsg.NewPtrFetchRequest()
	kreq.Version = 10
	kreq.MaxWaitMillis = 250
	kreq.MinBytes = 1
	kreq.MaxBytes = 1 << 20
	kreq.SessionID = 11
	kreq.SessionEpoch = 2
	kt := kmsg.NewFetchRequestTopic()
	kt.Topic = "metrics"
	kp := kmsg.NewFetchRequestTopicPartition()
	kp.Partition = 3
	kp.CurrentLeaderEpoch = 5
	kp.FetchOffset = 42
	kp.LogStartOffset = 7
	kp.PartitionMaxBytes = 2048
	kt.Partitions = append(kt.Partitions, kp)
	kreq.Topics = append(kreq.Topics, kt)

	header, parsed, err := ParseRequest(franzImage(kreq, 5))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if header.APIVersion != 10 {
		t.Fatalf("version: got %d, want 10", header.APIVersion)
	}
	fetch, ok := parsed.(*FetchRequest)
	if !ok {
		t.Fatalf("got %T, want *FetchRequest", parsed)
	}
	if fetch.SessionID != 11 || fetch.SessionEpoch != 2 {
		t.Fatalf("session: %#v", fetch)
	}
	got := fetch.Topics[0].Partitions[0]
	if got.Partition != 3 || got.CurrentLeaderEpoch != 5 || got.FetchOffset != 42 || got.LogStartOffset != 7 || got.PartitionMaxBytes != 2048 {
		t.Fatalf("partition: %#v", got)
	}
}

func TestParseHeartbeatRequestV0(t *testing.T) {
	payload := reqImage(APIKeyHeartbeat, 0, 12, nil, false, func(w *byteWriter) {
		w.String("group-1")
		w.Int32(3)
		w.String("member-1")
	})

	_, req, err := ParseRequest(payload)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	hb, ok := req.(*HeartbeatRequest)
	if !ok {
		t.Fatalf("got %T, want *HeartbeatRequest", req)
	}
	if hb.GroupID != "group-1" || hb.GenerationID != 3 || hb.MemberID != "member-1" {
		t.Fatalf("heartbeat: %#v", hb)
	}
	if hb.InstanceID != nil {
		t.Fatalf("instance id below v3: got %q, want nil", *hb.InstanceID)
	}
}

func TestParseHeartbeatRequestFromKgo(t *testing.T) {
	kreq := kmsg.NewPtrHeartbeatRequest()
	kreq.Version = 4
	kreq.Group = "group-1"
	kreq.Generation = 7
	kreq.MemberID = "member-9"
	kreq.InstanceID = strPtr("static-1")

	_, parsed, err := ParseRequest(franzImage(kreq, 2))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	hb, ok := parsed.(*HeartbeatRequest)
	if !ok {
		t.Fatalf("got %T, want *HeartbeatRequest", parsed)
	}
	if hb.GroupID != "group-1" || hb.GenerationID != 7 || hb.MemberID != "member-9" {
		t.Fatalf("heartbeat: %#v", hb)
	}
	if hb.InstanceID == nil || *hb.InstanceID != "static-1" {
		t.Fatalf("instance id: %v", hb.InstanceID)
	}
}

func TestParseRequestRejects(t *testing.T) {
	cases := []struct {
		name      string
		payload   []byte
		malformed bool
	}{
		{
			name: "truncated fetch body",
			payload: reqImage(APIKeyFetch, 7, 1, nil, false, func(w *byteWriter) {
				w.Int32(-1)
				w.Int32(100)
				w.Int32(1)
				w.Int32(4096)
				w.Int8(0)
				w.Int32(0)
				w.Int32(0)
				w.Int32(1) // topic count with nothing behind it
			}),
			malformed: true,
		},
		{
			name: "null produce topic array",
			payload: reqImage(APIKeyProduce, 9, 1, nil, true, func(w *byteWriter) {
				w.CompactNullableString(nil)
				w.Int16(1)
				w.Int32(100)
				w.UVarint(0) // null compact array
			}),
			malformed: true,
		},
		{
			name:    "flexible fetch version",
			payload: reqImage(APIKeyFetch, 12, 1, nil, false, nil),
		},
		{
			name: "list offsets v2",
			payload: reqImage(APIKeyListOffsets, 2, 1, nil, false, func(w *byteWriter) {
				w.Int32(-1)
				w.Int8(0) // isolation level the v0 decoder never reads
				w.Int32(0)
			}),
		},
		{
			name:    "unknown api key",
			payload: reqImage(999, 0, 1, nil, false, nil),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseRequest(tc.payload)
			if err == nil {
				t.Fatal("want a parse error")
			}
			if tc.malformed && !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}
}
