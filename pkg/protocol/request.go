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

import "fmt"

// RequestHeader is the common prefix of every Kafka request: api key,
// api version, correlation id, and the v1 client id. Flexible versions
// append tagged fields, which are skipped during parsing.
type RequestHeader struct {
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      *string
}

// Request is a decoded request body. The concrete type depends on the
// api key in the header.
type Request interface {
	APIKey() int16
}

// ApiVersionsRequest has no body fields the broker cares about; clients
// send it to learn the supported version ranges.
type ApiVersionsRequest struct{}

func (ApiVersionsRequest) APIKey() int16 { return APIKeyApiVersion }

// ProduceRequest carries record sets destined for one or more partitions.
type ProduceRequest struct {
	Acks            int16
	TimeoutMs       int32
	TransactionalID *string
	Topics          []ProduceTopic
}

func (ProduceRequest) APIKey() int16 { return APIKeyProduce }

type ProduceTopic struct {
	Name       string
	Partitions []ProducePartition
}

type ProducePartition struct {
	Partition int32
	// Records holds the raw record batch bytes exactly as sent.
	Records []byte
}

// MetadataRequest names the topics a client wants described. A null topic
// array means "describe everything".
type MetadataRequest struct {
	Topics                 []string
	TopicIDs               [][16]byte
	AllowAutoTopicCreation bool
	IncludeClusterAuthOps  bool
	IncludeTopicAuthOps    bool
}

func (MetadataRequest) APIKey() int16 { return APIKeyMetadata }

// ListOffsetsRequest resolves timestamps to log offsets.
type ListOffsetsRequest struct {
	ReplicaID int32
	Topics    []ListOffsetsTopic
}

func (ListOffsetsRequest) APIKey() int16 { return APIKeyListOffsets }

type ListOffsetsTopic struct {
	Name       string
	Partitions []ListOffsetsPartition
}

type ListOffsetsPartition struct {
	Partition int32
	Timestamp int64
	// MaxNumOffsets exists on the wire only at v0; later versions always
	// return a single offset.
	MaxNumOffsets int32
}

// HeartbeatRequest keeps a group member's session alive.
type HeartbeatRequest struct {
	GroupID      string
	GenerationID int32
	MemberID     string
	InstanceID   *string
}

func (HeartbeatRequest) APIKey() int16 { return APIKeyHeartbeat }

// isFlexibleRequest reports whether the header and body use the compact
// (flexible) encodings for the given api key and version.
func isFlexibleRequest(apiKey, apiVersion int16) bool {
	switch apiKey {
	case APIKeyProduce:
		return apiVersion >= 9
	case APIKeyMetadata:
		return apiVersion >= 9
	case APIKeyHeartbeat:
		return apiVersion >= 4
	default:
		return false
	}
}

// readString reads a string in whichever encoding the negotiated version
// uses.
func readString(r *byteReader, flexible bool) (string, error) {
	if flexible {
		return r.CompactString()
	}
	return r.String()
}

func readNullableString(r *byteReader, flexible bool) (*string, error) {
	if flexible {
		return r.CompactNullableString()
	}
	return r.NullableString()
}

// readRecordSet reads a nullable byte block; nil means a null record set.
func readRecordSet(r *byteReader, flexible bool) ([]byte, error) {
	if flexible {
		return r.CompactBytes()
	}
	return r.NullableBytes()
}

// readArrayLen reads an array length. -1 means a null array.
func readArrayLen(r *byteReader, flexible bool) (int32, error) {
	if flexible {
		return r.CompactArrayLen()
	}
	return r.Int32()
}

// readArrayCount is readArrayLen for arrays the schema forbids to be null.
func readArrayCount(r *byteReader, flexible bool) (int32, error) {
	n, err := readArrayLen(r, flexible)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: null array", ErrMalformed)
	}
	return n, nil
}

// finishTags consumes the tagged-field block flexible versions append to
// each structure.
func finishTags(r *byteReader, flexible bool) error {
	if !flexible {
		return nil
	}
	return r.SkipTaggedFields()
}

// ParseRequestHeader decodes the request header from b and returns the
// reader positioned at the start of the body.
func ParseRequestHeader(b []byte) (*RequestHeader, *byteReader, error) {
	r := newByteReader(b)
	header := &RequestHeader{}
	var err error
	if header.APIKey, err = r.Int16(); err != nil {
		return nil, nil, fmt.Errorf("header api key: %w", err)
	}
	if header.APIVersion, err = r.Int16(); err != nil {
		return nil, nil, fmt.Errorf("header api version: %w", err)
	}
	if header.CorrelationID, err = r.Int32(); err != nil {
		return nil, nil, fmt.Errorf("header correlation id: %w", err)
	}
	if header.ClientID, err = r.NullableString(); err != nil {
		return nil, nil, fmt.Errorf("header client id: %w", err)
	}
	if err := finishTags(r, isFlexibleRequest(header.APIKey, header.APIVersion)); err != nil {
		return nil, nil, fmt.Errorf("header tags: %w", err)
	}
	return header, r, nil
}

// ParseRequest decodes one unframed request: the header, then the body for
// its api key. Unknown api keys are an error; the caller decides whether
// that tears down the connection.
func ParseRequest(b []byte) (*RequestHeader, Request, error) {
	header, r, err := ParseRequestHeader(b)
	if err != nil {
		return nil, nil, err
	}
	var req Request
	switch header.APIKey {
	case APIKeyApiVersion:
		req = &ApiVersionsRequest{}
	case APIKeyProduce:
		req, err = decodeProduceRequest(header.APIVersion, r)
	case APIKeyMetadata:
		req, err = decodeMetadataRequest(header.APIVersion, r)
	case APIKeyListOffsets:
		req, err = decodeListOffsetsRequest(header.APIVersion, r)
	case APIKeyFetch:
		req, err = decodeFetchRequest(header.APIVersion, r)
	case APIKeyHeartbeat:
		req, err = decodeHeartbeatRequest(header.APIVersion, r)
	default:
		return nil, nil, fmt.Errorf("unsupported api key %d", header.APIKey)
	}
	if err != nil {
		return nil, nil, err
	}
	return header, req, nil
}

func decodeProduceRequest(version int16, r *byteReader) (*ProduceRequest, error) {
	flexible := isFlexibleRequest(APIKeyProduce, version)
	req := &ProduceRequest{}
	var err error
	if version >= 3 {
		if req.TransactionalID, err = readNullableString(r, flexible); err != nil {
			return nil, fmt.Errorf("produce transactional id: %w", err)
		}
	}
	if req.Acks, err = r.Int16(); err != nil {
		return nil, fmt.Errorf("produce acks: %w", err)
	}
	if req.TimeoutMs, err = r.Int32(); err != nil {
		return nil, fmt.Errorf("produce timeout: %w", err)
	}
	topicCount, err := readArrayCount(r, flexible)
	if err != nil {
		return nil, fmt.Errorf("produce topics: %w", err)
	}
	req.Topics = make([]ProduceTopic, 0, topicCount)
	for i := int32(0); i < topicCount; i++ {
		topic := ProduceTopic{}
		if topic.Name, err = readString(r, flexible); err != nil {
			return nil, fmt.Errorf("produce topic name: %w", err)
		}
		partitionCount, err := readArrayCount(r, flexible)
		if err != nil {
			return nil, fmt.Errorf("produce partitions: %w", err)
		}
		topic.Partitions = make([]ProducePartition, 0, partitionCount)
		for j := int32(0); j < partitionCount; j++ {
			part := ProducePartition{}
			if part.Partition, err = r.Int32(); err != nil {
				return nil, fmt.Errorf("produce partition index: %w", err)
			}
			if part.Records, err = readRecordSet(r, flexible); err != nil {
				return nil, fmt.Errorf("produce record set: %w", err)
			}
			if err = finishTags(r, flexible); err != nil {
				return nil, fmt.Errorf("produce partition tags: %w", err)
			}
			topic.Partitions = append(topic.Partitions, part)
		}
		if err = finishTags(r, flexible); err != nil {
			return nil, fmt.Errorf("produce topic tags: %w", err)
		}
		req.Topics = append(req.Topics, topic)
	}
	if err = finishTags(r, flexible); err != nil {
		return nil, fmt.Errorf("produce tags: %w", err)
	}
	return req, nil
}

func decodeMetadataRequest(version int16, r *byteReader) (*MetadataRequest, error) {
	flexible := isFlexibleRequest(APIKeyMetadata, version)
	req := &MetadataRequest{AllowAutoTopicCreation: true}
	count, err := readArrayLen(r, flexible)
	if err != nil {
		return nil, fmt.Errorf("metadata topics: %w", err)
	}
	// A null array asks for all topics; req.Topics stays nil.
	if count >= 0 {
		req.Topics = make([]string, 0, count)
		req.TopicIDs = make([][16]byte, 0, count)
		for i := int32(0); i < count; i++ {
			if version >= 10 {
				id, err := r.UUID()
				if err != nil {
					return nil, fmt.Errorf("metadata topic id: %w", err)
				}
				name, err := readNullableString(r, flexible)
				if err != nil {
					return nil, fmt.Errorf("metadata topic name: %w", err)
				}
				if name != nil {
					req.Topics = append(req.Topics, *name)
				}
				req.TopicIDs = append(req.TopicIDs, id)
			} else {
				name, err := readString(r, flexible)
				if err != nil {
					return nil, fmt.Errorf("metadata topic name: %w", err)
				}
				req.Topics = append(req.Topics, name)
			}
			if err := finishTags(r, flexible); err != nil {
				return nil, fmt.Errorf("metadata topic tags: %w", err)
			}
		}
	}
	if version >= 4 {
		if req.AllowAutoTopicCreation, err = r.Bool(); err != nil {
			return nil, fmt.Errorf("metadata auto create flag: %w", err)
		}
	}
	// The cluster-level flag existed only from v8 through v10.
	if version >= 8 && version <= 10 {
		if req.IncludeClusterAuthOps, err = r.Bool(); err != nil {
			return nil, fmt.Errorf("metadata cluster auth flag: %w", err)
		}
	}
	if version >= 8 {
		if req.IncludeTopicAuthOps, err = r.Bool(); err != nil {
			return nil, fmt.Errorf("metadata topic auth flag: %w", err)
		}
	}
	if err := finishTags(r, flexible); err != nil {
		return nil, fmt.Errorf("metadata tags: %w", err)
	}
	return req, nil
}

func decodeListOffsetsRequest(version int16, r *byteReader) (*ListOffsetsRequest, error) {
	// v2 inserts an isolation level this decoder does not read.
	if version > 1 {
		return nil, fmt.Errorf("list offsets version %d not supported", version)
	}
	req := &ListOffsetsRequest{}
	var err error
	if req.ReplicaID, err = r.Int32(); err != nil {
		return nil, fmt.Errorf("list offsets replica id: %w", err)
	}
	topicCount, err := readArrayCount(r, false)
	if err != nil {
		return nil, fmt.Errorf("list offsets topics: %w", err)
	}
	req.Topics = make([]ListOffsetsTopic, 0, topicCount)
	for i := int32(0); i < topicCount; i++ {
		topic := ListOffsetsTopic{}
		if topic.Name, err = r.String(); err != nil {
			return nil, fmt.Errorf("list offsets topic name: %w", err)
		}
		partitionCount, err := readArrayCount(r, false)
		if err != nil {
			return nil, fmt.Errorf("list offsets partitions: %w", err)
		}
		topic.Partitions = make([]ListOffsetsPartition, 0, partitionCount)
		for j := int32(0); j < partitionCount; j++ {
			part := ListOffsetsPartition{MaxNumOffsets: 1}
			if part.Partition, err = r.Int32(); err != nil {
				return nil, fmt.Errorf("list offsets partition: %w", err)
			}
			if part.Timestamp, err = r.Int64(); err != nil {
				return nil, fmt.Errorf("list offsets timestamp: %w", err)
			}
			if version == 0 {
				if part.MaxNumOffsets, err = r.Int32(); err != nil {
					return nil, fmt.Errorf("list offsets max offsets: %w", err)
				}
			}
			topic.Partitions = append(topic.Partitions, part)
		}
		req.Topics = append(req.Topics, topic)
	}
	return req, nil
}

func decodeHeartbeatRequest(version int16, r *byteReader) (*HeartbeatRequest, error) {
	flexible := isFlexibleRequest(APIKeyHeartbeat, version)
	req := &HeartbeatRequest{}
	var err error
	if req.GroupID, err = readString(r, flexible); err != nil {
		return nil, fmt.Errorf("heartbeat group id: %w", err)
	}
	if req.GenerationID, err = r.Int32(); err != nil {
		return nil, fmt.Errorf("heartbeat generation: %w", err)
	}
	if req.MemberID, err = readString(r, flexible); err != nil {
		return nil, fmt.Errorf("heartbeat member id: %w", err)
	}
	if version >= 3 {
		if req.InstanceID, err = readNullableString(r, flexible); err != nil {
			return nil, fmt.Errorf("heartbeat instance id: %w", err)
		}
	}
	if err := finishTags(r, flexible); err != nil {
		return nil, fmt.Errorf("heartbeat tags: %w", err)
	}
	return req, nil
}
