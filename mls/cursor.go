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
	"sync"
)

// CursorStore tracks per-(entity, kind, originator) high-water marks over
// log offsets. Updates are monotonic compare-and-swap: a replay of an older
// cursor never regresses storage (§4.A, §8.1).
type CursorStore interface {
	// GetLastCursor returns the stored sequence id for each originator in
	// originators, in the same order, 0 where nothing is stored yet.
	GetLastCursor(ctx context.Context, entity GroupID, kind EntityKind, originators []uint32) ([]uint64, error)

	// UpdateCursor applies a monotonic update: for each originator in
	// cursor, the stored sequence id is raised to the new value only if the
	// new value is strictly greater. Returns whether any originator advanced.
	UpdateCursor(ctx context.Context, entity GroupID, kind EntityKind, cursor Cursor) (bool, error)

	// LatestCursorForID merges the cursor across kinds, taking the max per originator.
	LatestCursorForID(ctx context.Context, entity GroupID, kinds []EntityKind) (Cursor, error)

	// LowestCommonCursor takes, per originator, the min over all listed
	// topics; used to bound fan-in reads across a set of groups.
	LowestCommonCursor(ctx context.Context, topics []GroupID, kind EntityKind) (Cursor, error)
}

// memCursorStore is the in-memory CursorStore used by every unit test and as
// the default local mirror. One mutex per (entity, kind) would be truer to
// the teacher's per-resource locking, but cursors are small and hot enough
// that a single RWMutex over the whole table is simpler and sufficient;
// sizing past that is a concrete extension point, not a current need.
type memCursorStore struct {
	mu    sync.RWMutex
	table map[cursorTableKey]Cursor
}

type cursorTableKey struct {
	entity GroupID
	kind   EntityKind
}

// NewMemCursorStore constructs an in-memory CursorStore.
func NewMemCursorStore() CursorStore {
	return &memCursorStore{table: make(map[cursorTableKey]Cursor)}
}

func (s *memCursorStore) GetLastCursor(_ context.Context, entity GroupID, kind EntityKind, originators []uint32) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := s.table[cursorTableKey{entity, kind}]
	out := make([]uint64, len(originators))
	for i, o := range originators {
		out[i] = cur[o]
	}
	return out, nil
}

func (s *memCursorStore) UpdateCursor(_ context.Context, entity GroupID, kind EntityKind, cursor Cursor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cursorTableKey{entity, kind}
	cur := s.table[key]
	if cur == nil {
		cur = make(Cursor)
	}

	advanced := false
	for originator, seq := range cursor {
		if seq > cur[originator] {
			cur[originator] = seq
			advanced = true
		}
	}
	s.table[key] = cur
	return advanced, nil
}

func (s *memCursorStore) LatestCursorForID(_ context.Context, entity GroupID, kinds []EntityKind) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(Cursor)
	for _, kind := range kinds {
		for originator, seq := range s.table[cursorTableKey{entity, kind}] {
			if seq > merged[originator] {
				merged[originator] = seq
			}
		}
	}
	return merged, nil
}

func (s *memCursorStore) LowestCommonCursor(_ context.Context, topics []GroupID, kind EntityKind) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(topics) == 0 {
		return Cursor{}, nil
	}

	// Seed from the first topic, then fold in the per-originator min across
	// the rest. An originator missing from a later topic is treated as 0,
	// which correctly floors the common cursor to "not yet seen everywhere".
	result := s.table[cursorTableKey{topics[0], kind}].Clone()
	seen := map[uint32]bool{}
	for o := range result {
		seen[o] = true
	}

	for _, topic := range topics[1:] {
		cur := s.table[cursorTableKey{topic, kind}]
		for o := range result {
			result[o] = minU64(result[o], cur[o])
		}
		for o := range cur {
			if !seen[o] {
				result[o] = minU64(0, cur[o])
				seen[o] = true
			}
		}
	}

	return result, nil
}
