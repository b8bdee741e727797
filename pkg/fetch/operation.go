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
	"log/slog"
	"time"

	"github.com/novatechflow/strata/pkg/protocol"
)

// MaxResponseBytes caps the record bytes a single fetch may accumulate no
// matter what the request asks for.
const MaxResponseBytes int32 = 128 << 20

// Config wires the fetch pipeline to the rest of the broker.
type Config struct {
	Reader   PartitionReader
	Notifier AppendNotifier
	Logger   *slog.Logger
}

// Operation tracks one fetch request from decode to response: the remaining
// byte budget, the wait deadline, and the accumulating response. A single
// goroutine owns it; partition reads fan out but their results fold back on
// the owner.
type Operation struct {
	req      *protocol.FetchRequest
	version  int16
	reader   PartitionReader
	notifier AppendNotifier
	log      *slog.Logger

	bytesLeft     int32
	deadline      time.Time
	hasDeadline   bool
	responseSize  int32
	responseError bool
	initialFetch  bool
	resp          *protocol.FetchResponse
}

// NewOperation prepares a fetch operation. The response skeleton mirrors the
// request's topic and partition order so read results can fold in by index.
// A deadline is set only when the request allows waiting; session ids are
// echoed as zero because the broker keeps no fetch session state.
func NewOperation(cfg Config, req *protocol.FetchRequest, version int16, correlationID int32) *Operation {
	o := &Operation{
		req:          req,
		version:      version,
		reader:       cfg.Reader,
		notifier:     cfg.Notifier,
		log:          cfg.Logger,
		initialFetch: true,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.bytesLeft = req.MaxBytes
	if o.bytesLeft > MaxResponseBytes {
		o.bytesLeft = MaxResponseBytes
	}
	if o.bytesLeft < 0 {
		o.bytesLeft = 0
	}
	if req.MaxWaitMs > 0 {
		o.deadline = time.Now().Add(time.Duration(req.MaxWaitMs) * time.Millisecond)
		o.hasDeadline = true
	}
	topics := make([]protocol.FetchTopicResponse, len(req.Topics))
	for i, topic := range req.Topics {
		parts := make([]protocol.FetchPartitionResponse, len(topic.Partitions))
		for j, p := range topic.Partitions {
			parts[j] = protocol.FetchPartitionResponse{
				Partition:        p.Partition,
				ErrorCode:        protocol.NONE,
				HighWatermark:    -1,
				LastStableOffset: -1,
				LogStartOffset:   -1,
			}
		}
		topics[i] = protocol.FetchTopicResponse{Name: topic.Name, Partitions: parts}
	}
	o.resp = &protocol.FetchResponse{
		CorrelationID: correlationID,
		SessionID:     0,
		Topics:        topics,
	}
	return o
}

// consumeBytes shrinks the remaining budget, clamping at zero. The budget
// never grows back.
func (o *Operation) consumeBytes(n int32) {
	if n <= 0 {
		return
	}
	if n >= o.bytesLeft {
		o.bytesLeft = 0
		return
	}
	o.bytesLeft -= n
}

// shouldStop reports whether the operation has everything it is going to
// get: the request cannot wait, enough bytes accumulated, there is nothing
// to read, or a partition already failed.
func (o *Operation) shouldStop() bool {
	return o.req.MaxWaitMs <= 0 ||
		o.responseSize >= o.req.MinBytes ||
		len(o.req.Topics) == 0 ||
		o.responseError
}

// Response exposes the accumulated response. Call it only after Run
// returns.
func (o *Operation) Response() *protocol.FetchResponse {
	return o.resp
}
