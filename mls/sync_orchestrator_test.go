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
	"go.uber.org/zap"
)

func TestSyncOrchestratorSkipsGroupsWithoutNewMessages(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	selfInbox, selfInst := "alice", InstallationKey("alice-device-1")
	provider := newFakeMLSProvider(selfInbox, selfInst)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, selfInst, nil)
	bus := NewEventBus()
	locks := NewCommitLockManager("", selfInbox)
	engine := NewGroupEngine(zap.NewNop(), storage, provider, locks, api, selfInst, selfInbox, bus)

	groupID := GroupID{1}
	require.NoError(t, storage.Groups().InsertGroup(ctx, &Conversation{GroupID: groupID, ConversationType: ConversationGroup}, []InstallationKey{selfInst}))

	synced := 0
	engines := func(GroupID) *GroupEngine { return engine }
	fetch := func(ctx context.Context, groupID GroupID) ([]GroupMessage, error) {
		synced++
		return nil, nil
	}
	fetchWelcomes := func(ctx context.Context) ([]WelcomeMessage, error) { return nil, nil }
	orchestrator := NewSyncOrchestrator(zap.NewNop(), storage, nil, engines, fetch, fetchWelcomes, 4)

	groups, err := storage.Groups().ListGroups(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.SyncAllGroups(ctx, groups))
	assert.Equal(t, 0, synced, "a group with no new messages must be skipped")
}

func TestSyncOrchestratorSyncsGroupsWithNewMessages(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	selfInbox, selfInst := "alice", InstallationKey("alice-device-1")
	provider := newFakeMLSProvider(selfInbox, selfInst)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, selfInst, nil)
	bus := NewEventBus()
	locks := NewCommitLockManager("", selfInbox)
	engine := NewGroupEngine(zap.NewNop(), storage, provider, locks, api, selfInst, selfInbox, bus)

	groupID := GroupID{2}
	require.NoError(t, storage.Groups().InsertGroup(ctx, &Conversation{GroupID: groupID, ConversationType: ConversationGroup}, []InstallationKey{selfInst}))
	seq := uint64(3)
	require.NoError(t, storage.Messages().InsertMessage(ctx, &Message{GroupID: groupID, SentAtNs: 1, SequenceID: &seq}))

	synced := 0
	engines := func(GroupID) *GroupEngine { return engine }
	fetch := func(ctx context.Context, groupID GroupID) ([]GroupMessage, error) {
		synced++
		return nil, nil
	}
	fetchWelcomes := func(ctx context.Context) ([]WelcomeMessage, error) { return nil, nil }
	orchestrator := NewSyncOrchestrator(zap.NewNop(), storage, nil, engines, fetch, fetchWelcomes, 4)

	groups, err := storage.Groups().ListGroups(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, orchestrator.SyncAllGroups(ctx, groups))
	assert.Equal(t, 1, synced)
}

func TestSyncOrchestratorPerGroupFailureDoesNotAbortOthers(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	selfInbox, selfInst := "alice", InstallationKey("alice-device-1")
	provider := newFakeMLSProvider(selfInbox, selfInst)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, selfInst, nil)
	bus := NewEventBus()
	locks := NewCommitLockManager("", selfInbox)
	engine := NewGroupEngine(zap.NewNop(), storage, provider, locks, api, selfInst, selfInbox, bus)

	good := GroupID{3}
	bad := GroupID{4}
	require.NoError(t, storage.Groups().InsertGroup(ctx, &Conversation{GroupID: good, ConversationType: ConversationGroup}, []InstallationKey{selfInst}))
	require.NoError(t, storage.Groups().InsertGroup(ctx, &Conversation{GroupID: bad, ConversationType: ConversationGroup}, []InstallationKey{selfInst}))
	seqGood, seqBad := uint64(1), uint64(1)
	require.NoError(t, storage.Messages().InsertMessage(ctx, &Message{GroupID: good, SentAtNs: 1, SequenceID: &seqGood}))
	require.NoError(t, storage.Messages().InsertMessage(ctx, &Message{GroupID: bad, SentAtNs: 1, SequenceID: &seqBad}))

	engines := func(GroupID) *GroupEngine { return engine }
	synced := 0
	fetch := func(ctx context.Context, groupID GroupID) ([]GroupMessage, error) {
		if groupID == bad {
			return nil, NewTransportError("simulated failure", nil)
		}
		synced++
		return nil, nil
	}
	fetchWelcomes := func(ctx context.Context) ([]WelcomeMessage, error) { return nil, nil }
	orchestrator := NewSyncOrchestrator(zap.NewNop(), storage, nil, engines, fetch, fetchWelcomes, 4)

	groups, err := storage.Groups().ListGroups(ctx, nil)
	require.NoError(t, err)
	summary, err := orchestrator.syncConcurrent(ctx, groups)
	require.NoError(t, err, "per-group failures must be logged, not propagated as an aggregate error")
	assert.Equal(t, 2, summary.NumEligible)
	assert.Equal(t, 1, summary.NumSynced)
	assert.Equal(t, 1, synced)
}
