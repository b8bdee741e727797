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
	"time"

	"github.com/novatechflow/strata/pkg/protocol"
)

// Run executes the fetch: one pass over every requested partition, then,
// while the request may keep waiting, further passes over the still-empty
// partitions each time an append lands, until the deadline. The accumulated
// response is always returned; failures surface as partition error codes,
// and cancellation returns whatever has been gathered so far.
func (o *Operation) Run(ctx context.Context) *protocol.FetchResponse {
	fetchRequests.Inc()
	cur := NewCursor(o.req.Topics)
	o.dispatch(ctx, collectEntries(cur))
	o.initialFetch = false
	if o.shouldStop() {
		return o.resp
	}

	fetchWaits.Inc()
	o.log.Debug("fetch waiting for data",
		"min_bytes", o.req.MinBytes,
		"response_size", o.responseSize,
		"max_wait_ms", o.req.MaxWaitMs)

	wake := make(chan struct{}, 1)
	var cancels []func()
	if o.notifier != nil {
		cur.Rewind()
		for {
			e, ok := cur.Next()
			if !ok {
				break
			}
			cancels = append(cancels, o.notifier.Register(e.Topic.Name, e.Partition.Partition, wake))
		}
		// An append that lands between the first pass and registration has
		// no waiter to wake; prime one pass so it is picked up immediately.
		wake <- struct{}{}
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	timer := time.NewTimer(time.Until(o.deadline))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return o.resp
		case <-timer.C:
			fetchWaitTimeouts.Inc()
			return o.resp
		case <-wake:
			fetchWakes.Inc()
			o.dispatch(ctx, o.pendingEntries(cur))
			if o.shouldStop() {
				return o.resp
			}
		}
	}
}

// collectEntries drains the cursor into a dispatch batch.
func collectEntries(cur *Cursor) []Entry {
	var entries []Entry
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		entries = append(entries, e)
	}
	return entries
}

// pendingEntries sweeps the request again and keeps the partitions whose
// response slot is still empty. Partitions that already returned records or
// an error are not read twice.
func (o *Operation) pendingEntries(cur *Cursor) []Entry {
	cur.Rewind()
	var pending []Entry
	for {
		e, ok := cur.Next()
		if !ok {
			break
		}
		slot := &o.resp.Topics[e.TopicIndex].Partitions[e.PartitionIndex]
		if slot.ErrorCode == protocol.NONE && len(slot.RecordSet) == 0 {
			pending = append(pending, e)
		}
	}
	return pending
}
