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
	"fmt"
	"math"
)

// ApiVersionsResponse lists the api version intervals the broker serves.
type ApiVersionsResponse struct {
	CorrelationID int32
	ErrorCode     int16
	Versions      []ApiVersion
}

// MetadataBroker is one broker entry in a Metadata response.
type MetadataBroker struct {
	NodeID int32
	Host   string
	Port   int32
	Rack   *string
}

// MetadataTopic is one topic entry in a Metadata response.
type MetadataTopic struct {
	ErrorCode                 int16
	Name                      string
	TopicID                   [16]byte
	IsInternal                bool
	Partitions                []MetadataPartition
	TopicAuthorizedOperations int32
}

// MetadataPartition is one partition entry under a metadata topic.
type MetadataPartition struct {
	ErrorCode       int16
	PartitionIndex  int32
	LeaderID        int32
	LeaderEpoch     int32
	ReplicaNodes    []int32
	ISRNodes        []int32
	OfflineReplicas []int32
}

// MetadataResponse describes the cluster: brokers, controller, topics.
type MetadataResponse struct {
	CorrelationID               int32
	ThrottleMs                  int32
	Brokers                     []MetadataBroker
	ClusterID                   *string
	ControllerID                int32
	Topics                      []MetadataTopic
	ClusterAuthorizedOperations int32
}

// ProduceResponse acknowledges appended record sets per partition.
type ProduceResponse struct {
	CorrelationID int32
	Topics        []ProduceTopicResponse
	ThrottleMs    int32
}

type ProduceTopicResponse struct {
	Name       string
	Partitions []ProducePartitionResponse
}

type ProducePartitionResponse struct {
	Partition       int32
	ErrorCode       int16
	BaseOffset      int64
	LogAppendTimeMs int64
	LogStartOffset  int64
}

type ListOffsetsPartitionResponse struct {
	Partition   int32
	ErrorCode   int16
	Timestamp   int64
	Offset      int64
	LeaderEpoch int32
	// OldStyleOffsets is the v0 offset list; later versions send a single
	// timestamp/offset pair instead.
	OldStyleOffsets []int64
}

type ListOffsetsTopicResponse struct {
	Name       string
	Partitions []ListOffsetsPartitionResponse
}

type ListOffsetsResponse struct {
	CorrelationID int32
	ThrottleMs    int32
	Topics        []ListOffsetsTopicResponse
}

type HeartbeatResponse struct {
	CorrelationID int32
	ThrottleMs    int32
	ErrorCode     int16
}

// writeString emits a string in whichever encoding the version uses.
func writeString(w *byteWriter, flexible bool, s string) {
	if flexible {
		w.CompactString(s)
	} else {
		w.String(s)
	}
}

func writeNullableString(w *byteWriter, flexible bool, s *string) {
	if flexible {
		w.CompactNullableString(s)
	} else {
		w.NullableString(s)
	}
}

func writeArrayLen(w *byteWriter, flexible bool, n int) {
	if flexible {
		w.CompactArrayLen(n)
	} else {
		w.Int32(int32(n))
	}
}

func writeInt32Array(w *byteWriter, flexible bool, vals []int32) {
	writeArrayLen(w, flexible, len(vals))
	for _, v := range vals {
		w.Int32(v)
	}
}

// writeTags closes a structure with an empty tagged-field block when the
// version is flexible.
func writeTags(w *byteWriter, flexible bool) {
	if flexible {
		w.WriteTaggedFields(0)
	}
}

// EncodeApiVersionsResponse renders an ApiVersions v0 response body.
func EncodeApiVersionsResponse(resp *ApiVersionsResponse) ([]byte, error) {
	w := newByteWriter(64)
	w.Int32(resp.CorrelationID)
	w.Int16(resp.ErrorCode)
	w.Int32(int32(len(resp.Versions)))
	for _, v := range resp.Versions {
		w.Int16(v.APIKey)
		w.Int16(v.MinVersion)
		w.Int16(v.MaxVersion)
	}
	return w.Bytes(), nil
}

// EncodeMetadataResponse renders a Metadata response body. version must
// match the request version that triggered it.
func EncodeMetadataResponse(resp *MetadataResponse, version int16) ([]byte, error) {
	if version < 0 || version > 12 {
		return nil, fmt.Errorf("metadata response version %d not supported", version)
	}
	flexible := version >= 9
	w := newByteWriter(256)
	w.Int32(resp.CorrelationID)
	writeTags(w, flexible)
	if version >= 3 {
		w.Int32(resp.ThrottleMs)
	}
	writeArrayLen(w, flexible, len(resp.Brokers))
	for _, b := range resp.Brokers {
		w.Int32(b.NodeID)
		writeString(w, flexible, b.Host)
		w.Int32(b.Port)
		if version >= 1 {
			writeNullableString(w, flexible, b.Rack)
		}
		writeTags(w, flexible)
	}
	if version >= 2 {
		writeNullableString(w, flexible, resp.ClusterID)
	}
	if version >= 1 {
		w.Int32(resp.ControllerID)
	}
	writeArrayLen(w, flexible, len(resp.Topics))
	for _, t := range resp.Topics {
		encodeMetadataTopic(w, version, flexible, t)
	}
	if version >= 8 && version <= 10 {
		// Cluster operations left the metadata response after v10.
		w.Int32(resp.ClusterAuthorizedOperations)
	}
	writeTags(w, flexible)
	return w.Bytes(), nil
}

func encodeMetadataTopic(w *byteWriter, version int16, flexible bool, t MetadataTopic) {
	w.Int16(t.ErrorCode)
	if version >= 10 {
		// From v10 the name is nullable and the topic id follows it.
		name := &t.Name
		if t.Name == "" {
			name = nil
		}
		writeNullableString(w, flexible, name)
		w.UUID(t.TopicID)
		w.Bool(t.IsInternal)
	} else {
		writeString(w, flexible, t.Name)
		if version >= 1 {
			w.Bool(t.IsInternal)
		}
	}
	writeArrayLen(w, flexible, len(t.Partitions))
	for _, p := range t.Partitions {
		encodeMetadataPartition(w, version, flexible, p)
	}
	if version >= 8 {
		w.Int32(t.TopicAuthorizedOperations)
	}
	writeTags(w, flexible)
}

func encodeMetadataPartition(w *byteWriter, version int16, flexible bool, p MetadataPartition) {
	w.Int16(p.ErrorCode)
	w.Int32(p.PartitionIndex)
	w.Int32(p.LeaderID)
	if version >= 7 {
		w.Int32(p.LeaderEpoch)
	}
	writeInt32Array(w, flexible, p.ReplicaNodes)
	writeInt32Array(w, flexible, p.ISRNodes)
	if version >= 5 {
		writeInt32Array(w, flexible, p.OfflineReplicas)
	}
	writeTags(w, flexible)
}

// EncodeProduceResponse renders a Produce response body.
func EncodeProduceResponse(resp *ProduceResponse, version int16) ([]byte, error) {
	flexible := version >= 9
	w := newByteWriter(128)
	w.Int32(resp.CorrelationID)
	writeTags(w, flexible)
	writeArrayLen(w, flexible, len(resp.Topics))
	for _, topic := range resp.Topics {
		writeString(w, flexible, topic.Name)
		writeArrayLen(w, flexible, len(topic.Partitions))
		for _, p := range topic.Partitions {
			w.Int32(p.Partition)
			w.Int16(p.ErrorCode)
			w.Int64(p.BaseOffset)
			if version >= 3 {
				w.Int64(p.LogAppendTimeMs)
			}
			if version >= 5 {
				w.Int64(p.LogStartOffset)
			}
			if version >= 8 {
				// No per-record errors, no error message.
				writeArrayLen(w, flexible, 0)
				writeNullableString(w, flexible, nil)
			}
			writeTags(w, flexible)
		}
		writeTags(w, flexible)
	}
	if version >= 1 {
		w.Int32(resp.ThrottleMs)
	}
	writeTags(w, flexible)
	return w.Bytes(), nil
}

// EncodeListOffsetsResponse renders a ListOffsets response body. All
// supported versions are non-flexible.
func EncodeListOffsetsResponse(version int16, resp *ListOffsetsResponse) ([]byte, error) {
	if version < 0 || version > 4 {
		return nil, fmt.Errorf("list offsets response version %d not supported", version)
	}
	w := newByteWriter(256)
	w.Int32(resp.CorrelationID)
	if version >= 2 {
		w.Int32(resp.ThrottleMs)
	}
	w.Int32(int32(len(resp.Topics)))
	for _, topic := range resp.Topics {
		w.String(topic.Name)
		w.Int32(int32(len(topic.Partitions)))
		for _, part := range topic.Partitions {
			w.Int32(part.Partition)
			w.Int16(part.ErrorCode)
			if version == 0 {
				w.Int32(int32(len(part.OldStyleOffsets)))
				for _, off := range part.OldStyleOffsets {
					w.Int64(off)
				}
				continue
			}
			w.Int64(part.Timestamp)
			w.Int64(part.Offset)
			if version >= 4 {
				w.Int32(part.LeaderEpoch)
			}
		}
	}
	return w.Bytes(), nil
}

// EncodeHeartbeatResponse renders a Heartbeat response body.
func EncodeHeartbeatResponse(resp *HeartbeatResponse, version int16) ([]byte, error) {
	if version > 4 {
		return nil, fmt.Errorf("heartbeat response version %d not supported", version)
	}
	flexible := version >= 4
	w := newByteWriter(64)
	w.Int32(resp.CorrelationID)
	writeTags(w, flexible)
	if version >= 1 {
		w.Int32(resp.ThrottleMs)
	}
	w.Int16(resp.ErrorCode)
	writeTags(w, flexible)
	return w.Bytes(), nil
}

// EncodeResponse frames a response payload with its length prefix.
func EncodeResponse(payload []byte) ([]byte, error) {
	if len(payload) > math.MaxInt32 {
		return nil, fmt.Errorf("response too large: %d", len(payload))
	}
	w := newByteWriter(len(payload) + 4)
	w.Int32(int32(len(payload)))
	w.write(payload)
	return w.Bytes(), nil
}
