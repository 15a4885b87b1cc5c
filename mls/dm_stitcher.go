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

	lru "github.com/hashicorp/golang-lru"
)

// DMStitcher converges two independently-created DMs sharing a canonical
// dm_id into one logical thread (§4.F). An LRU memoizes dm_id -> primary
// group_id so FindOrCreateDM doesn't re-scan every sibling group on every
// call (FindDuplicateDMs always lists the siblings from storage).
// OnLastMessageUpdated drops and recomputes an entry, but nothing in this
// package calls it or updates a group's last_message_ns, so a cached primary
// otherwise stays until it is evicted or its group no longer exists.
type DMStitcher struct {
	storage Storage
	primary *lru.Cache
}

// NewDMStitcher constructs a DMStitcher with an LRU of size cacheSize
// (0 uses a small default).
func NewDMStitcher(storage Storage, cacheSize int) (*DMStitcher, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &DMStitcher{storage: storage, primary: cache}, nil
}

// FindOrCreateDM returns the primary conversation for (selfInboxID,
// peerInboxID), creating one if none exists locally. created reports
// whether this call created a brand new group, so the caller (Client) knows
// whether it still needs to add the peer's installations and produce the
// welcome that makes the DM visible on their side (§4.F).
func (s *DMStitcher) FindOrCreateDM(ctx context.Context, selfInboxID, peerInboxID string) (conv *Conversation, created bool, err error) {
	dmID := CanonicalDMID(selfInboxID, peerInboxID)

	primary, err := s.primaryFor(ctx, dmID)
	if err != nil {
		return nil, false, err
	}
	if primary != nil {
		return primary, false, nil
	}

	conv = &Conversation{
		GroupID:          newRandomGroupID(),
		ConversationType: ConversationDM,
		DMID:             &dmID,
		AddedByInboxID:   selfInboxID,
		CreatorInboxID:   selfInboxID,
	}
	if err := s.storage.Groups().InsertGroup(ctx, conv, nil); err != nil {
		return nil, false, err
	}
	s.primary.Add(dmID, conv.GroupID)
	return conv, true, nil
}

// primaryFor returns the stitched primary conversation for dmID, or nil if
// no group with that dm_id exists locally yet.
func (s *DMStitcher) primaryFor(ctx context.Context, dmID DMID) (*Conversation, error) {
	if cached, ok := s.primary.Get(dmID); ok {
		groupID := cached.(GroupID)
		conv, err := s.storage.Groups().GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
		s.primary.Remove(dmID)
	}

	siblings, err := s.storage.Groups().ListGroupsByDMID(ctx, dmID)
	if err != nil {
		return nil, err
	}
	primary := selectPrimary(siblings)
	if primary == nil {
		return nil, nil
	}
	s.primary.Add(dmID, primary.GroupID)
	return primary, nil
}

// selectPrimary implements "the stitched (primary) is the one with the
// greatest last_message_ns" (§4.F).
func selectPrimary(siblings []*Conversation) *Conversation {
	var best *Conversation
	for _, c := range siblings {
		if best == nil || c.LastMessageNs > best.LastMessageNs {
			best = c
		}
	}
	return best
}

// FindDuplicateDMs returns all other groups sharing groupID's dm_id.
func (s *DMStitcher) FindDuplicateDMs(ctx context.Context, groupID GroupID) ([]*Conversation, error) {
	conv, err := s.storage.Groups().GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.DMID == nil {
		return nil, nil
	}

	siblings, err := s.storage.Groups().ListGroupsByDMID(ctx, *conv.DMID)
	if err != nil {
		return nil, err
	}
	out := make([]*Conversation, 0, len(siblings))
	for _, sib := range siblings {
		if sib.GroupID != groupID {
			out = append(out, sib)
		}
	}
	return out, nil
}

// OnLastMessageUpdated invalidates the memoized primary for a DM whenever
// one of its sibling groups' last_message_ns changes, since that can
// promote a different sibling to primary (§4.F).
func (s *DMStitcher) OnLastMessageUpdated(ctx context.Context, groupID GroupID) error {
	conv, err := s.storage.Groups().GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if conv == nil || conv.DMID == nil {
		return nil
	}
	s.primary.Remove(*conv.DMID)
	_, err = s.primaryFor(ctx, *conv.DMID)
	return err
}
