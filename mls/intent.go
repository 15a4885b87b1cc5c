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

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/edgemesh/mlsclient/internal/skiplist"
)

// MaxPublishAttempts bounds retries of a materialization failure before an
// intent is marked Error (§4.B step 2).
const MaxPublishAttempts = 5

// IntentQueue is the durable FIFO of user-requested group mutations.
// Intents are owned exclusively by their group's publish pipeline until
// terminal (§3 Ownership and lifecycle).
type IntentQueue interface {
	Enqueue(ctx context.Context, groupID GroupID, kind IntentKind, payload []byte) (int64, error)
	FindByState(ctx context.Context, groupID GroupID, state IntentState) ([]*Intent, error)
	FindByPayloadHash(ctx context.Context, hash []byte) (*Intent, error)

	MarkPublished(ctx context.Context, intentID int64, payloadHash, postCommitData []byte, publishedInEpoch uint64) error
	MarkCommitted(ctx context.Context, intentID int64) error
	MarkToPublish(ctx context.Context, intentID int64) error
	MarkError(ctx context.Context, intentID int64) error
	IncrementPublishAttempts(ctx context.Context, intentID int64) (int, error)
}

// memIntentQueue is the in-memory IntentQueue. Pending (ToPublish) intents
// per group are kept in a skip list ordered by CreatedOrder, so the publish
// loop's "load all ToPublish intents in (group_id, created_order) order"
// step (§4.B) never needs to sort.
type memIntentQueue struct {
	mu          sync.Mutex
	nextID      int64
	nextOrder   int64
	byID        map[int64]*Intent
	byHash      map[string]int64 // committed payload hash -> intent id, enforces §8.2
	toPublish   map[GroupID]*skiplist.SkipList
	elements    map[int64]*skiplist.Element // intent id -> its skiplist element, for O(log n) removal
}

// NewMemIntentQueue constructs an in-memory IntentQueue.
func NewMemIntentQueue() IntentQueue {
	return &memIntentQueue{
		byID:      make(map[int64]*Intent),
		byHash:    make(map[string]int64),
		toPublish: make(map[GroupID]*skiplist.SkipList),
		elements:  make(map[int64]*skiplist.Element),
	}
}

func (q *memIntentQueue) Enqueue(_ context.Context, groupID GroupID, kind IntentKind, payload []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	q.nextOrder++
	intent := &Intent{
		ID:           q.nextID,
		GroupID:      groupID,
		Kind:         kind,
		Payload:      payload,
		State:        IntentToPublish,
		CreatedOrder: q.nextOrder,
	}
	q.byID[intent.ID] = intent
	q.insertPending(intent)
	return intent.ID, nil
}

// insertPending must be called with q.mu held.
func (q *memIntentQueue) insertPending(intent *Intent) {
	sl, ok := q.toPublish[intent.GroupID]
	if !ok {
		sl = skiplist.New()
		q.toPublish[intent.GroupID] = sl
	}
	q.elements[intent.ID] = sl.Insert(intent)
}

// removePending must be called with q.mu held.
func (q *memIntentQueue) removePending(intent *Intent) {
	if el, ok := q.elements[intent.ID]; ok {
		if sl, ok := q.toPublish[intent.GroupID]; ok {
			sl.Remove(el)
		}
		delete(q.elements, intent.ID)
	}
}

func (q *memIntentQueue) FindByState(_ context.Context, groupID GroupID, state IntentState) ([]*Intent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if state == IntentToPublish {
		sl, ok := q.toPublish[groupID]
		if !ok {
			return nil, nil
		}
		out := make([]*Intent, 0, sl.Len())
		for el := sl.Front(); el != nil; el = el.Next() {
			out = append(out, el.Value.(*Intent))
		}
		return out, nil
	}

	var out []*Intent
	for _, intent := range q.byID {
		if intent.GroupID == groupID && intent.State == state {
			out = append(out, intent)
		}
	}
	return out, nil
}

func (q *memIntentQueue) FindByPayloadHash(_ context.Context, hash []byte) (*Intent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, intent := range q.byID {
		if intent.State == IntentPublished && string(intent.PayloadHash) == string(hash) {
			return intent, nil
		}
	}
	id, ok := q.byHash[string(hash)]
	if !ok {
		return nil, nil
	}
	return q.byID[id], nil
}

func (q *memIntentQueue) MarkPublished(_ context.Context, intentID int64, payloadHash, postCommitData []byte, publishedInEpoch uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	intent, ok := q.byID[intentID]
	if !ok {
		return NewValidationError("unknown intent", nil)
	}
	q.removePending(intent)
	intent.State = IntentPublished
	intent.PayloadHash = payloadHash
	intent.PostCommitData = postCommitData
	intent.PublishedInEpoch = publishedInEpoch
	return nil
}

func (q *memIntentQueue) MarkCommitted(_ context.Context, intentID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	intent, ok := q.byID[intentID]
	if !ok {
		return NewValidationError("unknown intent", nil)
	}

	// §8.2: at most one Committed intent per (group_id, payload_hash).
	key := string(intent.PayloadHash)
	if existing, ok := q.byHash[key]; ok && existing != intentID {
		return NewValidationError("payload hash already committed for this group", nil)
	}

	intent.State = IntentCommitted
	if len(intent.PayloadHash) > 0 {
		q.byHash[key] = intentID
	}
	return nil
}

// MarkToPublish implements the one documented backward transition: rollback
// on epoch conflict, Published -> ToPublish (§3 Intent).
func (q *memIntentQueue) MarkToPublish(_ context.Context, intentID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	intent, ok := q.byID[intentID]
	if !ok {
		return NewValidationError("unknown intent", nil)
	}
	intent.State = IntentToPublish
	intent.PayloadHash = nil
	intent.PostCommitData = nil
	intent.PublishedInEpoch = 0
	q.insertPending(intent)
	return nil
}

func (q *memIntentQueue) MarkError(_ context.Context, intentID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	intent, ok := q.byID[intentID]
	if !ok {
		return NewValidationError("unknown intent", nil)
	}
	q.removePending(intent)
	intent.State = IntentError
	return nil
}

func (q *memIntentQueue) IncrementPublishAttempts(_ context.Context, intentID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	intent, ok := q.byID[intentID]
	if !ok {
		return 0, NewValidationError("unknown intent", nil)
	}
	intent.PublishAttempts++
	return intent.PublishAttempts, nil
}

// PayloadHash computes the sha-256 digest used to correlate a Published
// intent with its self-authored wire envelope (§4.B commit resolution).
func PayloadHash(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}
