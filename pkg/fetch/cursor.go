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
	"github.com/novatechflow/strata/pkg/protocol"
)

// Position identifies a cursor location inside a fetch request. Every
// exhausted cursor over the same request reports the same position, so
// positions compare with ==.
type Position struct {
	Topic     int
	Partition int
}

// Entry is one (topic, partition) pair produced by a cursor sweep. The
// pointers alias the request and stay valid for its lifetime.
type Entry struct {
	// NewTopic marks the first partition yielded from each topic.
	NewTopic       bool
	TopicIndex     int
	PartitionIndex int
	Topic          *protocol.FetchTopicRequest
	Partition      *protocol.FetchPartitionRequest
}

// Cursor walks every partition of a fetch request in request order,
// skipping topics that carry no partitions.
type Cursor struct {
	topics    []protocol.FetchTopicRequest
	topic     int
	partition int
}

func NewCursor(topics []protocol.FetchTopicRequest) *Cursor {
	c := &Cursor{topics: topics}
	c.normalize()
	return c
}

// normalize advances past empty topics so the cursor always rests on a
// dispatchable partition or at the end.
func (c *Cursor) normalize() {
	for c.topic < len(c.topics) && len(c.topics[c.topic].Partitions) == 0 {
		c.topic++
		c.partition = 0
	}
}

// Next yields the current partition and advances. ok is false once the
// request is exhausted.
func (c *Cursor) Next() (Entry, bool) {
	if c.AtEnd() {
		return Entry{}, false
	}
	e := Entry{
		NewTopic:       c.partition == 0,
		TopicIndex:     c.topic,
		PartitionIndex: c.partition,
		Topic:          &c.topics[c.topic],
		Partition:      &c.topics[c.topic].Partitions[c.partition],
	}
	c.partition++
	if c.partition >= len(c.topics[c.topic].Partitions) {
		c.topic++
		c.partition = 0
		c.normalize()
	}
	return e, true
}

// Rewind restarts the sweep from the beginning of the request.
func (c *Cursor) Rewind() {
	c.topic = 0
	c.partition = 0
	c.normalize()
}

func (c *Cursor) AtEnd() bool {
	return c.topic >= len(c.topics)
}

// Pos reports the current location.
func (c *Cursor) Pos() Position {
	return Position{Topic: c.topic, Partition: c.partition}
}
