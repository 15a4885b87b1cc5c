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

import "encoding/json"

// The intent queue stores each kind's arguments as an opaque payload (§3
// Intent). Rather than a bespoke binary framing for each kind, every
// materializer-facing payload is just json.Marshal/Unmarshal of the
// matching struct below; the queue itself never looks inside it.

// decodeByteSlices unmarshals an IntentAddMembers payload: one MLS key
// package per recipient, in the order they were requested.
func decodeByteSlices(payload []byte) ([][]byte, error) {
	var out [][]byte
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeKeys unmarshals an IntentRemoveMembers payload.
func decodeKeys(payload []byte) ([]InstallationKey, error) {
	var out []InstallationKey
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeMetadata unmarshals an IntentUpdateMetadata/UpdateAdminList/UpdatePermission payload.
func decodeMetadata(payload []byte) (*ConversationMetadata, error) {
	var m ConversationMetadata
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// membershipDiff is the payload shape for IntentUpdateGroupMembership: the
// set of installations to add (resolved by inbox id lookup upstream) and
// remove in one commit, mirroring the association-state reconciliation used
// when a member inbox rotates or revokes installations.
type membershipDiff struct {
	Add    []InstallationKey
	Remove []InstallationKey
}

func decodeMembershipDiff(payload []byte) (*membershipDiff, error) {
	var d membershipDiff
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// EncodeAddMembersPayload builds the IntentAddMembers payload from key package bytes.
func EncodeAddMembersPayload(keyPackages [][]byte) ([]byte, error) {
	return json.Marshal(keyPackages)
}

// EncodeRemoveMembersPayload builds the IntentRemoveMembers payload.
func EncodeRemoveMembersPayload(installations []InstallationKey) ([]byte, error) {
	return json.Marshal(installations)
}

// EncodeMetadataPayload builds the payload for a metadata/admin-list/permission intent.
func EncodeMetadataPayload(m ConversationMetadata) ([]byte, error) {
	return json.Marshal(m)
}

// EncodeMembershipDiffPayload builds the IntentUpdateGroupMembership payload.
func EncodeMembershipDiffPayload(add, remove []InstallationKey) ([]byte, error) {
	return json.Marshal(membershipDiff{Add: add, Remove: remove})
}

// addMembersPostCommit records which installations a commit welcomed and
// their unsealed MLS welcome bytes, so the publish loop's post-commit step
// (§4.D.1) knows who to send welcome messages to once the commit
// round-trips and merges (§4.D.2, §4.E).
type addMembersPostCommit struct {
	WelcomeFor   []InstallationKey
	WelcomeBytes [][]byte
}

func encodeAddMembersPostCommit(op *CommitOp) []byte {
	out, _ := json.Marshal(addMembersPostCommit{WelcomeFor: op.WelcomeFor, WelcomeBytes: op.WelcomeBytes})
	return out
}

// decodeAddMembersPostCommit is the inverse of encodeAddMembersPostCommit,
// used once an add-members intent commits to seal and send the welcomes it
// produced at staging time.
func decodeAddMembersPostCommit(data []byte) (*addMembersPostCommit, error) {
	var out addMembersPostCommit
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
