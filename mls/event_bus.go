// Copyright 2024 The Edgemesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mls

import "sync"

// EventKind distinguishes the local pub-sub events an embedding host can subscribe to (§4.J).
type EventKind int

const (
	EventConsentUpdate EventKind = iota
	EventConversationCreated
	EventMessageDelivered
)

// Event is a single local event. Only the fields relevant to Kind are populated.
type Event struct {
	Kind           EventKind
	ConsentRecords []ConsentRecord
	GroupID        GroupID
	MessageID      []byte
}

// EventBus is a single-process broadcast channel for consent and
// conversation events. Receivers only see events emitted after they
// subscribe; there is no persistence (§4.J).
//
// Grounded on the teacher's TrackerService diff-listener fan-out
// (tracker.go): a mutex-guarded map of subscriber channels rather than
// trait-object callbacks, since this module has no runtime-plugin story.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[int]chan Event)}
}

// Subscription is a live EventBus subscription. Close stops delivery and
// releases the channel; Events yields events as they arrive.
type Subscription struct {
	id     int
	bus    *EventBus
	events chan Event
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close unsubscribes; safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(ch)
	}
}

// Subscribe registers a new subscriber with a bounded buffer; a slow
// subscriber whose buffer is full misses newly published events (the ones
// already buffered are kept) rather than blocking emitters,
// since presence/consent events are advisory, not an audit log.
func (b *EventBus) Subscribe(bufferSize int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bufferSize <= 0 {
		bufferSize = 16
	}
	b.nextID++
	id := b.nextID
	ch := make(chan Event, bufferSize)
	b.subscribers[id] = ch
	return &Subscription{id: id, bus: b, events: ch}
}

// Publish delivers ev to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the emitter.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than block other subscribers or the emitter.
		}
	}
}
