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

func sealedWelcomeFor(t *testing.T, storage Storage, provider MLSProvider, groupID GroupID, senderInboxID string, members []InstallationKey) (WelcomeMessage, *HPKEKeyPair) {
	t.Helper()
	kp, err := GenerateHPKEKeyPair()
	require.NoError(t, err)
	require.NoError(t, storage.Identity().RegisterHPKEKeyPair(context.Background(), kp.PublicKey[:], kp.PrivateKey[:]))

	env, err := encodeWelcomeEnvelope(groupID, senderInboxID, members)
	require.NoError(t, err)
	wrapped, err := provider.SealWelcome(WrapperCurve25519, kp.PublicKey[:], env)
	require.NoError(t, err)

	return WelcomeMessage{
		Cursor:           1,
		Data:             wrapped,
		HPKEPublicKey:    kp.PublicKey[:],
		WrapperAlgorithm: WrapperCurve25519,
		WelcomeMetadata:  WelcomeMetadata{MessageCursor: 0},
	}, kp
}

func TestWelcomePipelineInstallsNewGroup(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	provider := newFakeMLSProvider("alice", InstallationKey("alice-device-1"))
	bus := NewEventBus()
	sub := bus.Subscribe(4)
	defer sub.Close()

	groupID := GroupID{7}
	members := []InstallationKey{InstallationKey("alice-device-1"), InstallationKey("bob-device-1")}
	wm, _ := sealedWelcomeFor(t, storage, provider, groupID, "alice", members)

	validate := func(ctx context.Context, senderInboxID string, preStaging bool) error { return nil }
	pipeline := NewWelcomePipeline(zap.NewNop(), storage, provider, validate, InstallationKey("bob-device-1"), nil, bus)

	require.NoError(t, pipeline.ProcessBatch(ctx, []WelcomeMessage{wm}))

	conv, err := storage.Groups().GetGroup(ctx, groupID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "alice", conv.CreatorInboxID)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventConversationCreated, ev.Kind)
		assert.Equal(t, groupID, ev.GroupID)
	default:
		t.Fatal("expected a conversation-created event")
	}
}

func TestWelcomePipelineDuplicateCursorIsNotReapplied(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	provider := newFakeMLSProvider("alice", InstallationKey("alice-device-1"))
	bus := NewEventBus()

	groupID := GroupID{8}
	members := []InstallationKey{InstallationKey("bob-device-1")}
	wm, _ := sealedWelcomeFor(t, storage, provider, groupID, "alice", members)

	validate := func(ctx context.Context, senderInboxID string, preStaging bool) error { return nil }
	pipeline := NewWelcomePipeline(zap.NewNop(), storage, provider, validate, InstallationKey("bob-device-1"), nil, bus)

	require.NoError(t, pipeline.ProcessBatch(ctx, []WelcomeMessage{wm}))
	require.NoError(t, pipeline.ProcessBatch(ctx, []WelcomeMessage{wm}))

	groups, err := storage.Groups().ListGroups(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, groups, 1, "re-delivering the same welcome cursor must not create a second group")
}

func TestWelcomePipelineNonRetryableValidatorStillAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	provider := newFakeMLSProvider("alice", InstallationKey("alice-device-1"))
	bus := NewEventBus()

	groupID := GroupID{9}
	members := []InstallationKey{InstallationKey("bob-device-1")}
	wm, _ := sealedWelcomeFor(t, storage, provider, groupID, "alice", members)

	validate := func(ctx context.Context, senderInboxID string, preStaging bool) error {
		return NewPolicyError("sender is blocked", nil)
	}
	pipeline := NewWelcomePipeline(zap.NewNop(), storage, provider, validate, InstallationKey("bob-device-1"), nil, bus)

	require.NoError(t, pipeline.ProcessBatch(ctx, []WelcomeMessage{wm}))

	conv, err := storage.Groups().GetGroup(ctx, groupID)
	require.NoError(t, err)
	assert.Nil(t, conv, "a rejected sender must never install the group")

	last, err := storage.Cursors().GetLastCursor(ctx, GroupID{}, EntityWelcome, []uint32{0})
	require.NoError(t, err)
	assert.Equal(t, wm.Cursor, last[0], "the welcome cursor must still advance past the rejected welcome")
}

func TestWelcomePipelineQueuesRotationAfterNonEmptyBatch(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	provider := newFakeMLSProvider("alice", InstallationKey("alice-device-1"))
	bus := NewEventBus()
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, InstallationKey("bob-device-1"), nil)

	instID := InstallationKey("bob-device-1")
	require.NoError(t, storage.Identity().UpsertInstallation(ctx, &Installation{ID: instID, InboxID: "bob"}))
	rotator := NewKeyPackageRotator(zap.NewNop(), storage, provider, api, 0, 4)

	groupID := GroupID{10}
	wm, _ := sealedWelcomeFor(t, storage, provider, groupID, "alice", []InstallationKey{instID})
	validate := func(ctx context.Context, senderInboxID string, preStaging bool) error { return nil }
	pipeline := NewWelcomePipeline(zap.NewNop(), storage, provider, validate, instID, rotator, bus)

	require.NoError(t, pipeline.ProcessBatch(ctx, []WelcomeMessage{wm}))

	select {
	case queued := <-rotator.queue:
		assert.Equal(t, instID.String(), queued.String())
	default:
		t.Fatal("expected a rotation to be queued after a non-empty welcome batch")
	}
}
