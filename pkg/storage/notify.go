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

package storage

import "sync"

type watchKey struct {
	topic     string
	partition int32
}

// AppendNotifier fans flush events out to fetch waiters. Waiters hand over a
// channel per partition; deliveries use a non-blocking send so a slow waiter
// never stalls the flush path.
type AppendNotifier struct {
	mu      sync.Mutex
	waiters map[watchKey][]chan<- struct{}
}

// NewAppendNotifier creates an empty notifier.
func NewAppendNotifier() *AppendNotifier {
	return &AppendNotifier{waiters: make(map[watchKey][]chan<- struct{})}
}

// Register subscribes wake to append events on a partition. The returned
// cancel removes the subscription; calling it more than once is harmless.
func (n *AppendNotifier) Register(topic string, partition int32, wake chan<- struct{}) func() {
	key := watchKey{topic: topic, partition: partition}
	n.mu.Lock()
	n.waiters[key] = append(n.waiters[key], wake)
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.waiters[key]
		for i, ch := range subs {
			if ch == wake {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(subs) == 0 {
			delete(n.waiters, key)
		} else {
			n.waiters[key] = subs
		}
	}
}

// Notify wakes every waiter registered on the partition.
func (n *AppendNotifier) Notify(topic string, partition int32) {
	key := watchKey{topic: topic, partition: partition}
	n.mu.Lock()
	for _, ch := range n.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	n.mu.Unlock()
}

// Watching reports the number of live subscriptions, all partitions included.
func (n *AppendNotifier) Watching() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, subs := range n.waiters {
		total += len(subs)
	}
	return total
}
