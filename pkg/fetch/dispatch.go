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

package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/novatechflow/strata/pkg/protocol"
)

// Read failures a PartitionReader can report. Anything else maps to
// UNKNOWN_SERVER_ERROR on the owning partition.
var (
	ErrOffsetOutOfRange = errors.New("fetch offset out of range")
	ErrUnknownPartition = errors.New("unknown topic or partition")
)

// defaultReadTimeout bounds partition reads for fetches that carry no
// deadline of their own.
const defaultReadTimeout = 5 * time.Second

// ReadConfig bounds a single partition read.
type ReadConfig struct {
	StartOffset int64
	// MaxBytes is the byte budget for this read. Zero is a valid budget:
	// the read reports partition state but returns no records.
	MaxBytes int32
	Timeout  time.Duration
	// Strict forbids returning a batch that overflows MaxBytes. Non-strict
	// reads may overshoot on the first batch so a lone large batch still
	// makes progress.
	Strict bool
}

// PartitionResult carries the outcome of one partition read. ErrorCode is
// partition scoped; a failed read never fails the whole fetch.
type PartitionResult struct {
	ErrorCode        int16
	HighWatermark    int64
	LastStableOffset int64
	LogStartOffset   int64
	Records          []byte
}

// PartitionReader serves partition reads for the fetch pipeline.
type PartitionReader interface {
	ReadPartition(ctx context.Context, topic string, partition int32, cfg ReadConfig) (PartitionResult, error)
}

// AppendNotifier wakes waiting fetches when records land on a partition.
// Register adds wake to the partition's subscriber set; the returned cancel
// removes it again.
type AppendNotifier interface {
	Register(topic string, partition int32, wake chan<- struct{}) (cancel func())
}

// dispatch fans the entries out to concurrent reads, waits for all of them,
// then folds the results into the response in request order. Folding stays
// on the owning goroutine.
func (o *Operation) dispatch(ctx context.Context, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	o.log.Debug("fetch dispatch",
		"partitions", len(entries),
		"initial", o.initialFetch,
		"bytes_left", o.bytesLeft)
	results := make([]PartitionResult, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		cfg := o.readConfig(e.Partition)
		wg.Add(1)
		go func(slot *PartitionResult, topic string, partition int32, cfg ReadConfig) {
			defer wg.Done()
			*slot = o.read(ctx, topic, partition, cfg)
		}(&results[i], e.Topic.Name, e.Partition.Partition, cfg)
	}
	wg.Wait()
	for i, e := range entries {
		o.fold(e, results[i])
	}
}

// readConfig derives the byte budget for one partition read from the
// remaining response budget. Reads turn strict as soon as the response
// holds any data, and a zero budget is always strict.
func (o *Operation) readConfig(p *protocol.FetchPartitionRequest) ReadConfig {
	budget := p.PartitionMaxBytes
	if budget > o.bytesLeft {
		budget = o.bytesLeft
	}
	if budget < 0 {
		budget = 0
	}
	timeout := defaultReadTimeout
	if o.hasDeadline {
		timeout = time.Until(o.deadline)
	}
	return ReadConfig{
		StartOffset: p.FetchOffset,
		MaxBytes:    budget,
		Timeout:     timeout,
		Strict:      o.responseSize > 0 || budget == 0,
	}
}

func (o *Operation) read(ctx context.Context, topic string, partition int32, cfg ReadConfig) PartitionResult {
	res, err := o.reader.ReadPartition(ctx, topic, partition, cfg)
	if err != nil {
		res.Records = nil
		res.ErrorCode = readErrorCode(err)
		o.log.Debug("fetch partition read failed",
			"topic", topic, "partition", partition, "error", err)
	}
	return res
}

// fold writes one read result into its response slot and updates the
// operation accounting. Only the owning goroutine calls it.
func (o *Operation) fold(e Entry, res PartitionResult) {
	slot := &o.resp.Topics[e.TopicIndex].Partitions[e.PartitionIndex]
	slot.ErrorCode = res.ErrorCode
	slot.HighWatermark = res.HighWatermark
	slot.LastStableOffset = res.LastStableOffset
	slot.LogStartOffset = res.LogStartOffset
	slot.RecordSet = res.Records

	grew := int32(len(res.Records))
	o.responseSize += grew
	o.consumeBytes(grew)
	switch {
	case res.ErrorCode != protocol.NONE:
		o.responseError = true
		partitionReads.WithLabelValues("error").Inc()
	case grew > 0:
		partitionReads.WithLabelValues("data").Inc()
		responseBytes.Add(float64(grew))
	default:
		partitionReads.WithLabelValues("empty").Inc()
	}
}

func readErrorCode(err error) int16 {
	switch {
	case errors.Is(err, ErrOffsetOutOfRange):
		return protocol.OFFSET_OUT_OF_RANGE
	case errors.Is(err, ErrUnknownPartition):
		return protocol.UNKNOWN_TOPIC_OR_PARTITION
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.REQUEST_TIMED_OUT
	default:
		return protocol.UNKNOWN_SERVER_ERROR
	}
}
