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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDMStitcherFindOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	stitcher, err := NewDMStitcher(storage, 0)
	require.NoError(t, err)

	first, created, err := stitcher.FindOrCreateDM(ctx, "w1", "w2")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := stitcher.FindOrCreateDM(ctx, "w1", "w2")
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, first.GroupID, second.GroupID)
}

func TestDMStitcherSelectsGreatestLastMessageNsAsPrimary(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	stitcher, err := NewDMStitcher(storage, 0)
	require.NoError(t, err)

	dmID := CanonicalDMID("w1", "w2")
	older := &Conversation{GroupID: GroupID{1}, ConversationType: ConversationDM, DMID: &dmID, LastMessageNs: 10}
	newer := &Conversation{GroupID: GroupID{2}, ConversationType: ConversationDM, DMID: &dmID, LastMessageNs: 20}
	require.NoError(t, storage.Groups().InsertGroup(ctx, older, nil))
	require.NoError(t, storage.Groups().InsertGroup(ctx, newer, nil))

	primary, created, err := stitcher.FindOrCreateDM(ctx, "w1", "w2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, newer.GroupID, primary.GroupID)

	dups, err := stitcher.FindDuplicateDMs(ctx, newer.GroupID)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, older.GroupID, dups[0].GroupID)
}

func TestDMStitcherPrimaryFlipsWhenLastMessageUpdates(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	stitcher, err := NewDMStitcher(storage, 0)
	require.NoError(t, err)

	dmID := CanonicalDMID("w1", "w2")
	a := &Conversation{GroupID: GroupID{1}, ConversationType: ConversationDM, DMID: &dmID, LastMessageNs: 10}
	b := &Conversation{GroupID: GroupID{2}, ConversationType: ConversationDM, DMID: &dmID, LastMessageNs: 5}
	require.NoError(t, storage.Groups().InsertGroup(ctx, a, nil))
	require.NoError(t, storage.Groups().InsertGroup(ctx, b, nil))

	primary, _, err := stitcher.FindOrCreateDM(ctx, "w1", "w2")
	require.NoError(t, err)
	assert.Equal(t, a.GroupID, primary.GroupID)

	b.LastMessageNs = 50
	require.NoError(t, storage.Groups().UpdateGroup(ctx, b))
	require.NoError(t, stitcher.OnLastMessageUpdated(ctx, b.GroupID))

	primary, _, err = stitcher.FindOrCreateDM(ctx, "w1", "w2")
	require.NoError(t, err)
	assert.Equal(t, b.GroupID, primary.GroupID, "the sibling with the new greatest last_message_ns becomes primary")
}
