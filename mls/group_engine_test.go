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

func newTestGroupEngine(t *testing.T, groupID GroupID, selfInbox string, selfInst InstallationKey) (*GroupEngine, Storage, *fakeMLSAPI) {
	t.Helper()
	storage := NewMemStorage()
	require.NoError(t, storage.Groups().InsertGroup(context.Background(), &Conversation{
		GroupID:          groupID,
		ConversationType: ConversationGroup,
		CreatorInboxID:   selfInbox,
	}, []InstallationKey{selfInst}))

	provider := newFakeMLSProvider(selfInbox, selfInst)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, selfInst, nil)
	locks := NewCommitLockManager("", selfInbox)
	bus := NewEventBus()

	engine := NewGroupEngine(zap.NewNop(), storage, provider, locks, api, selfInst, selfInbox, bus)
	return engine, storage, api
}

func TestGroupEnginePublishLoopSendsAndMarksCommittedOnRoundTrip(t *testing.T) {
	ctx := context.Background()
	groupID := GroupID{1}
	engine, storage, api := newTestGroupEngine(t, groupID, "alice", InstallationKey("alice-device-1"))

	intentID, err := storage.Intents().Enqueue(ctx, groupID, IntentSendMessage, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, engine.PublishLoop(ctx, groupID))

	published, err := storage.Intents().FindByState(ctx, groupID, IntentToPublish)
	require.NoError(t, err)
	assert.Empty(t, published, "a successfully sent intent must leave ToPublish")

	msgs, _, err := api.QueryGroupMessages(ctx, groupID, PagingInfo{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.ProcessInboundMessages(ctx, groupID, msgs))

	intent, err := storage.Intents().FindByPayloadHash(ctx, PayloadHash(msgs[0].Data))
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, intentID, intent.ID)
	assert.Equal(t, IntentCommitted, intent.State)
}

func TestGroupEngineProcessExternalApplicationMessageIsStored(t *testing.T) {
	ctx := context.Background()
	groupID := GroupID{2}
	aliceEngine, storage, api := newTestGroupEngine(t, groupID, "alice", InstallationKey("alice-device-1"))

	bob := newFakeMLSProvider("bob", InstallationKey("bob-device-1"))

	wire, err := bob.StageApplicationMessage(groupID, []byte("hi alice"))
	require.NoError(t, err)
	require.NoError(t, api.SendGroupMessages(ctx, []GroupMessage{{GroupID: groupID, Data: wire}}))

	msgs, _, err := api.QueryGroupMessages(ctx, groupID, PagingInfo{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, aliceEngine.ProcessInboundMessages(ctx, groupID, msgs))

	stored, err := storage.Messages().ListMessages(ctx, groupID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "hi alice", string(stored[0].DecryptedMessageBytes))
	assert.Equal(t, "bob", stored[0].SenderInboxID)
}

func TestGroupEngineAddMembersProducesWelcomeAndUpdatesMembership(t *testing.T) {
	ctx := context.Background()
	groupID := GroupID{3}
	engine, storage, api := newTestGroupEngine(t, groupID, "alice", InstallationKey("alice-device-1"))

	carolInst := InstallationKey("carol-device-1")
	payload, err := EncodeAddMembersPayload([][]byte{[]byte(carolInst)})
	require.NoError(t, err)
	_, err = storage.Intents().Enqueue(ctx, groupID, IntentAddMembers, payload)
	require.NoError(t, err)

	require.NoError(t, engine.PublishLoop(ctx, groupID))

	msgs, _, err := api.QueryGroupMessages(ctx, groupID, PagingInfo{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.ProcessInboundMessages(ctx, groupID, msgs))

	members, err := storage.Groups().ListMembers(ctx, groupID)
	require.NoError(t, err)
	found := false
	for _, m := range members {
		if m.Equal(carolInst) {
			found = true
		}
	}
	assert.True(t, found, "carol must be a member after the add-members commit merges")
}

func TestGroupEngineRemoveNonMemberIsRejected(t *testing.T) {
	ctx := context.Background()
	groupID := GroupID{4}
	engine, storage, _ := newTestGroupEngine(t, groupID, "alice", InstallationKey("alice-device-1"))

	payload, err := EncodeRemoveMembersPayload([]InstallationKey{InstallationKey("not-a-member")})
	require.NoError(t, err)
	_, err = storage.Intents().Enqueue(ctx, groupID, IntentRemoveMembers, payload)
	require.NoError(t, err)

	_, _, err = engine.Materialize(groupID, &Intent{GroupID: groupID, Kind: IntentRemoveMembers, Payload: payload})
	assert.Error(t, err)
	assert.False(t, Retryable(err))
}

func TestGroupEngineUpdatePermissionRejectsAllow(t *testing.T) {
	groupID := GroupID{5}
	engine, _, _ := newTestGroupEngine(t, groupID, "alice", InstallationKey("alice-device-1"))

	_, _, err := engine.Materialize(groupID, &Intent{GroupID: groupID, Kind: IntentUpdatePermission, Payload: []byte("Allow")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Allow")
}

// S7: a remote commit requiring a protocol version this installation does
// not support must pause the group and stop further application-message
// decryption until the requirement is lifted (§4.D.3).
func TestGroupEngineRemoteCommitRequiringNewerVersionPausesGroup(t *testing.T) {
	ctx := context.Background()
	groupID := GroupID{7}
	aliceInst := InstallationKey("alice-device-1")
	storage := NewMemStorage()
	require.NoError(t, storage.Groups().InsertGroup(ctx, &Conversation{
		GroupID:          groupID,
		ConversationType: ConversationGroup,
		CreatorInboxID:   "alice",
	}, []InstallationKey{aliceInst}))

	provider := newFakeMLSProvider("alice", aliceInst)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, aliceInst, nil)
	locks := NewCommitLockManager("", "alice")
	bus := NewEventBus()
	engine := NewGroupEngine(zap.NewNop(), storage, provider, locks, api, aliceInst, "alice", bus)

	bob := newFakeMLSProvider("bob", InstallationKey("bob-device-1"))
	op, err := bob.StageSelfUpdate(groupID)
	require.NoError(t, err)
	require.NoError(t, api.SendGroupMessages(ctx, []GroupMessage{{GroupID: groupID, Data: op.WireBytes}}))

	provider.pausedRequiredVersion = SupportedProtocolVersion + 1

	msgs, _, err := api.QueryGroupMessages(ctx, groupID, PagingInfo{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, engine.ProcessInboundMessages(ctx, groupID, msgs))

	conv, err := storage.Groups().GetGroup(ctx, groupID)
	require.NoError(t, err)
	require.NotNil(t, conv.PausedForVersion, "the group must be marked paused once a commit exceeds the supported version")
	assert.Equal(t, "2", *conv.PausedForVersion)

	wire, err := bob.StageApplicationMessage(groupID, []byte("hi alice"))
	require.NoError(t, err)
	require.NoError(t, api.SendGroupMessages(ctx, []GroupMessage{{GroupID: groupID, Data: wire}}))

	msgs, _, err = api.QueryGroupMessages(ctx, groupID, PagingInfo{})
	require.NoError(t, err)
	require.NoError(t, engine.ProcessInboundMessages(ctx, groupID, msgs))

	stored, err := storage.Messages().ListMessages(ctx, groupID, 10)
	require.NoError(t, err)
	var applicationMessages []*Message
	for _, m := range stored {
		if m.Kind == MessageApplication {
			applicationMessages = append(applicationMessages, m)
		}
	}
	assert.Empty(t, applicationMessages, "application messages must not be decrypted while the group is paused for version")
}

func TestGroupEngineMembershipDiffRejectsMixedAddAndRemove(t *testing.T) {
	groupID := GroupID{6}
	engine, _, _ := newTestGroupEngine(t, groupID, "alice", InstallationKey("alice-device-1"))

	payload, err := EncodeMembershipDiffPayload([]InstallationKey{InstallationKey("new-member")}, []InstallationKey{InstallationKey("alice-device-1")})
	require.NoError(t, err)

	_, _, err = engine.Materialize(groupID, &Intent{GroupID: groupID, Kind: IntentUpdateGroupMembership, Payload: payload})
	require.Error(t, err)
}
