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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// S3: a newly-installed peer's stream must not replay application messages
// that predate its enrollment. The welcome pipeline only ever advances
// EntityCommitMessage on install, so StreamAllMessages must seed its cursor
// from both EntityCommitMessage and EntityApplicationMessage, not the latter
// alone (§4.H).
func TestStreamAllMessagesSkipsPreEnrollmentHistory(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	instID := InstallationKey("alice-device-1")
	provider := newFakeMLSProvider("alice", instID)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, instID, nil)

	groupID := GroupID{0xE}
	conv := &Conversation{GroupID: groupID, ConversationType: ConversationGroup, CreatorInboxID: "alice"}
	require.NoError(t, storage.Groups().InsertGroup(ctx, conv, []InstallationKey{instID}))

	send := func(plaintext string) {
		wire, err := provider.StageApplicationMessage(groupID, []byte(plaintext))
		require.NoError(t, err)
		require.NoError(t, api.SendGroupMessages(ctx, []GroupMessage{{GroupID: groupID, Data: wire}}))
	}

	// Two messages sent before this installation ever joined.
	send("before-1")
	send("before-2")

	// Simulate the welcome pipeline installing this group at exactly this
	// point: it only ever advances EntityCommitMessage, never
	// EntityApplicationMessage.
	_, err := storage.Cursors().UpdateCursor(ctx, groupID, EntityCommitMessage, Cursor{1: 2})
	require.NoError(t, err)

	// One message sent after enrollment.
	send("after")

	cfg := NewConfig()
	cfg.Datadir = ""
	cfg.InstallationID = "alice"
	client, err := NewClient(zap.NewNop(), cfg, storage, provider, api, nil, instID, "alice", allowAllValidator, nil)
	require.NoError(t, err)
	defer client.Stop()

	out, err := client.StreamAllMessages(ctx, nil, nil)
	require.NoError(t, err)

	var got []string
	deadline := time.After(4 * time.Second)
	for len(got) < 1 {
		select {
		case dm := <-out:
			got = append(got, string(dm.Message.DecryptedMessageBytes))
		case <-deadline:
			t.Fatal("timed out waiting for the post-enrollment message")
		}
	}

	assert.Equal(t, []string{"after"}, got, "pre-enrollment messages must never be replayed")

	select {
	case dm := <-out:
		t.Fatalf("unexpected extra delivery: %+v", dm)
	case <-time.After(100 * time.Millisecond):
	}
}
