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

// Served fetch versions. The interval is closed and contiguous; requests
// outside it are rejected with UNSUPPORTED_VERSION before body decode.
const (
	FetchVersionMin int16 = 4
	FetchVersionMax int16 = 10
)

// FetchVersionSupported reports whether v lies inside [FetchVersionMin,
// FetchVersionMax].
func FetchVersionSupported(v int16) bool {
	return v >= FetchVersionMin && v <= FetchVersionMax
}

// fetchField enumerates the version-gated fields of the fetch schema.
type fetchField int

const (
	fieldRequestMaxBytes fetchField = iota
	fieldRequestIsolationLevel
	fieldRequestSession
	fieldRequestForgottenTopics
	fieldPartitionLogStartOffset
	fieldPartitionLeaderEpoch
	fieldResponseThrottle
	fieldResponseErrorAndSession
	fieldResponseLastStableOffset
	fieldResponseAbortedTransactions
	fieldResponseLogStartOffset
)

// fetchFieldMinVersion is the gate table: the first version at which each
// field appears on the wire. Decode and encode both consult it, so the two
// directions cannot drift apart.
var fetchFieldMinVersion = [...]int16{
	fieldRequestMaxBytes:             3,
	fieldRequestIsolationLevel:       4,
	fieldRequestSession:              7,
	fieldRequestForgottenTopics:      7,
	fieldPartitionLogStartOffset:     5,
	fieldPartitionLeaderEpoch:        9,
	fieldResponseThrottle:            1,
	fieldResponseErrorAndSession:     7,
	fieldResponseLastStableOffset:    4,
	fieldResponseAbortedTransactions: 4,
	fieldResponseLogStartOffset:      5,
}

func fetchFieldAt(version int16, f fetchField) bool {
	return version >= fetchFieldMinVersion[f]
}

// Defaults assigned to fields absent below their gate version.
const (
	defaultFetchMaxBytes    int32 = math.MaxInt32
	defaultIsolationLevel   int8  = 0
	defaultSessionID        int32 = 0
	defaultSessionEpoch     int32 = -1
	defaultLeaderEpoch      int32 = -1
	defaultLogStartOffset   int64 = -1
	defaultLastStableOffset int64 = -1
)

// FetchRequest models FetchRequest versions 4 through 10.
type FetchRequest struct {
	ReplicaID      int32
	MaxWaitMs      int32
	MinBytes       int32
	MaxBytes       int32
	IsolationLevel int8
	SessionID      int32
	SessionEpoch   int32
	Topics         []FetchTopicRequest
	Forgotten      []ForgottenTopic
}

type FetchTopicRequest struct {
	Name       string
	Partitions []FetchPartitionRequest
}

type FetchPartitionRequest struct {
	Partition          int32
	CurrentLeaderEpoch int32
	FetchOffset        int64
	LogStartOffset     int64
	PartitionMaxBytes  int32
}

// ForgottenTopic names partitions removed from a fetch session (>= v7).
// Carried for wire fidelity; the broker keeps no session state.
type ForgottenTopic struct {
	Name       string
	Partitions []int32
}

func (FetchRequest) APIKey() int16 { return APIKeyFetch }

// FetchResponse models FetchResponse versions 4 through 10.
type FetchResponse struct {
	CorrelationID int32
	ThrottleMs    int32
	ErrorCode     int16
	SessionID     int32
	Topics        []FetchTopicResponse
}

type FetchTopicResponse struct {
	Name       string
	Partitions []FetchPartitionResponse
}

type FetchAbortedTransaction struct {
	ProducerID  int64
	FirstOffset int64
}

type FetchPartitionResponse struct {
	Partition           int32
	ErrorCode           int16
	HighWatermark       int64
	LastStableOffset    int64
	LogStartOffset      int64
	AbortedTransactions []FetchAbortedTransaction
	RecordSet           []byte
}

// decodeFetchRequest reads a fetch request body. Fields below their gate
// version keep the documented defaults; truncated input fails with
// ErrMalformed. Versions above the served interval but below the flexible
// rewrite (v11) still parse so the handler can answer UNSUPPORTED_VERSION
// instead of dropping the connection.
func decodeFetchRequest(version int16, r *byteReader) (*FetchRequest, error) {
	if version >= 12 {
		return nil, fmt.Errorf("fetch version %d uses flexible encoding, not supported", version)
	}
	req := &FetchRequest{
		MaxBytes:       defaultFetchMaxBytes,
		IsolationLevel: defaultIsolationLevel,
		SessionID:      defaultSessionID,
		SessionEpoch:   defaultSessionEpoch,
	}
	var err error
	if req.ReplicaID, err = r.Int32(); err != nil {
		return nil, fmt.Errorf("read fetch replica id: %w", err)
	}
	if req.MaxWaitMs, err = r.Int32(); err != nil {
		return nil, fmt.Errorf("read fetch max wait: %w", err)
	}
	if req.MinBytes, err = r.Int32(); err != nil {
		return nil, fmt.Errorf("read fetch min bytes: %w", err)
	}
	if fetchFieldAt(version, fieldRequestMaxBytes) {
		if req.MaxBytes, err = r.Int32(); err != nil {
			return nil, fmt.Errorf("read fetch max bytes: %w", err)
		}
	}
	if fetchFieldAt(version, fieldRequestIsolationLevel) {
		if req.IsolationLevel, err = r.Int8(); err != nil {
			return nil, fmt.Errorf("read fetch isolation level: %w", err)
		}
	}
	if fetchFieldAt(version, fieldRequestSession) {
		if req.SessionID, err = r.Int32(); err != nil {
			return nil, fmt.Errorf("read fetch session id: %w", err)
		}
		if req.SessionEpoch, err = r.Int32(); err != nil {
			return nil, fmt.Errorf("read fetch session epoch: %w", err)
		}
	}

	topicCount, err := r.Int32()
	if err != nil {
		return nil, fmt.Errorf("read fetch topic count: %w", err)
	}
	if topicCount < 0 {
		return nil, fmt.Errorf("%w: fetch topic count %d", ErrMalformed, topicCount)
	}
	req.Topics = make([]FetchTopicRequest, 0, topicCount)
	for i := int32(0); i < topicCount; i++ {
		name, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("read fetch topic name: %w", err)
		}
		partCount, err := r.Int32()
		if err != nil {
			return nil, fmt.Errorf("read fetch partition count: %w", err)
		}
		if partCount < 0 {
			return nil, fmt.Errorf("%w: fetch partition count %d", ErrMalformed, partCount)
		}
		partitions := make([]FetchPartitionRequest, 0, partCount)
		for j := int32(0); j < partCount; j++ {
			part := FetchPartitionRequest{
				CurrentLeaderEpoch: defaultLeaderEpoch,
				LogStartOffset:     defaultLogStartOffset,
			}
			if part.Partition, err = r.Int32(); err != nil {
				return nil, fmt.Errorf("read fetch partition index: %w", err)
			}
			if fetchFieldAt(version, fieldPartitionLeaderEpoch) {
				if part.CurrentLeaderEpoch, err = r.Int32(); err != nil {
					return nil, fmt.Errorf("read fetch leader epoch: %w", err)
				}
			}
			if part.FetchOffset, err = r.Int64(); err != nil {
				return nil, fmt.Errorf("read fetch offset: %w", err)
			}
			if fetchFieldAt(version, fieldPartitionLogStartOffset) {
				if part.LogStartOffset, err = r.Int64(); err != nil {
					return nil, fmt.Errorf("read fetch log start offset: %w", err)
				}
			}
			if part.PartitionMaxBytes, err = r.Int32(); err != nil {
				return nil, fmt.Errorf("read fetch partition max bytes: %w", err)
			}
			partitions = append(partitions, part)
		}
		req.Topics = append(req.Topics, FetchTopicRequest{Name: name, Partitions: partitions})
	}

	if fetchFieldAt(version, fieldRequestForgottenTopics) {
		forgottenCount, err := r.Int32()
		if err != nil {
			return nil, fmt.Errorf("read forgotten topic count: %w", err)
		}
		for i := int32(0); i < forgottenCount; i++ {
			name, err := r.String()
			if err != nil {
				return nil, fmt.Errorf("read forgotten topic name: %w", err)
			}
			partCount, err := r.Int32()
			if err != nil {
				return nil, fmt.Errorf("read forgotten partition count: %w", err)
			}
			if partCount < 0 {
				return nil, fmt.Errorf("%w: forgotten partition count %d", ErrMalformed, partCount)
			}
			parts := make([]int32, 0, partCount)
			for j := int32(0); j < partCount; j++ {
				p, err := r.Int32()
				if err != nil {
					return nil, fmt.Errorf("read forgotten partition: %w", err)
				}
				parts = append(parts, p)
			}
			req.Forgotten = append(req.Forgotten, ForgottenTopic{Name: name, Partitions: parts})
		}
	}
	return req, nil
}

// EncodeFetchResponse renders a fetch response for the negotiated version.
// Fields below their gate version are not written, regardless of the struct
// contents.
func EncodeFetchResponse(resp *FetchResponse, version int16) ([]byte, error) {
	if !FetchVersionSupported(version) {
		return nil, fmt.Errorf("fetch version %d outside [%d, %d]", version, FetchVersionMin, FetchVersionMax)
	}
	w := newByteWriter(256)
	w.Int32(resp.CorrelationID)
	if fetchFieldAt(version, fieldResponseThrottle) {
		w.Int32(resp.ThrottleMs)
	}
	if fetchFieldAt(version, fieldResponseErrorAndSession) {
		w.Int16(resp.ErrorCode)
		w.Int32(resp.SessionID)
	}
	w.Int32(int32(len(resp.Topics)))
	for _, topic := range resp.Topics {
		w.String(topic.Name)
		w.Int32(int32(len(topic.Partitions)))
		for _, part := range topic.Partitions {
			w.Int32(part.Partition)
			w.Int16(part.ErrorCode)
			w.Int64(part.HighWatermark)
			if fetchFieldAt(version, fieldResponseLastStableOffset) {
				w.Int64(part.LastStableOffset)
			}
			if fetchFieldAt(version, fieldResponseLogStartOffset) {
				w.Int64(part.LogStartOffset)
			}
			if fetchFieldAt(version, fieldResponseAbortedTransactions) {
				if part.AbortedTransactions == nil {
					w.Int32(-1)
				} else {
					w.Int32(int32(len(part.AbortedTransactions)))
					for _, aborted := range part.AbortedTransactions {
						w.Int64(aborted.ProducerID)
						w.Int64(aborted.FirstOffset)
					}
				}
			}
			w.NullableBytes(part.RecordSet)
		}
	}
	return w.Bytes(), nil
}

// DecodeFetchResponse parses a fetch response encoded at version. Fields
// below their gate version take the documented defaults.
func DecodeFetchResponse(b []byte, version int16) (*FetchResponse, error) {
	if !FetchVersionSupported(version) {
		return nil, fmt.Errorf("fetch version %d outside [%d, %d]", version, FetchVersionMin, FetchVersionMax)
	}
	r := newByteReader(b)
	resp := &FetchResponse{SessionID: defaultSessionID}
	var err error
	if resp.CorrelationID, err = r.Int32(); err != nil {
		return nil, fmt.Errorf("read correlation id: %w", err)
	}
	if fetchFieldAt(version, fieldResponseThrottle) {
		if resp.ThrottleMs, err = r.Int32(); err != nil {
			return nil, fmt.Errorf("read throttle: %w", err)
		}
	}
	if fetchFieldAt(version, fieldResponseErrorAndSession) {
		if resp.ErrorCode, err = r.Int16(); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
		if resp.SessionID, err = r.Int32(); err != nil {
			return nil, fmt.Errorf("read session id: %w", err)
		}
	}
	topicCount, err := r.Int32()
	if err != nil {
		return nil, fmt.Errorf("read topic count: %w", err)
	}
	if topicCount < 0 {
		return nil, fmt.Errorf("%w: topic count %d", ErrMalformed, topicCount)
	}
	resp.Topics = make([]FetchTopicResponse, 0, topicCount)
	for i := int32(0); i < topicCount; i++ {
		name, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("read topic name: %w", err)
		}
		partCount, err := r.Int32()
		if err != nil {
			return nil, fmt.Errorf("read partition count: %w", err)
		}
		if partCount < 0 {
			return nil, fmt.Errorf("%w: partition count %d", ErrMalformed, partCount)
		}
		partitions := make([]FetchPartitionResponse, 0, partCount)
		for j := int32(0); j < partCount; j++ {
			part := FetchPartitionResponse{
				LastStableOffset: defaultLastStableOffset,
				LogStartOffset:   defaultLogStartOffset,
			}
			if part.Partition, err = r.Int32(); err != nil {
				return nil, fmt.Errorf("read partition index: %w", err)
			}
			if part.ErrorCode, err = r.Int16(); err != nil {
				return nil, fmt.Errorf("read partition error: %w", err)
			}
			if part.HighWatermark, err = r.Int64(); err != nil {
				return nil, fmt.Errorf("read high watermark: %w", err)
			}
			if fetchFieldAt(version, fieldResponseLastStableOffset) {
				if part.LastStableOffset, err = r.Int64(); err != nil {
					return nil, fmt.Errorf("read last stable offset: %w", err)
				}
			}
			if fetchFieldAt(version, fieldResponseLogStartOffset) {
				if part.LogStartOffset, err = r.Int64(); err != nil {
					return nil, fmt.Errorf("read log start offset: %w", err)
				}
			}
			if fetchFieldAt(version, fieldResponseAbortedTransactions) {
				abortedCount, err := r.Int32()
				if err != nil {
					return nil, fmt.Errorf("read aborted count: %w", err)
				}
				if abortedCount >= 0 {
					part.AbortedTransactions = make([]FetchAbortedTransaction, 0, abortedCount)
					for k := int32(0); k < abortedCount; k++ {
						var aborted FetchAbortedTransaction
						if aborted.ProducerID, err = r.Int64(); err != nil {
							return nil, fmt.Errorf("read aborted producer id: %w", err)
						}
						if aborted.FirstOffset, err = r.Int64(); err != nil {
							return nil, fmt.Errorf("read aborted first offset: %w", err)
						}
						part.AbortedTransactions = append(part.AbortedTransactions, aborted)
					}
				}
			}
			if part.RecordSet, err = r.NullableBytes(); err != nil {
				return nil, fmt.Errorf("read record set: %w", err)
			}
			partitions = append(partitions, part)
		}
		resp.Topics = append(resp.Topics, FetchTopicResponse{Name: name, Partitions: partitions})
	}
	return resp, nil
}
