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

// Package mls implements the group state machine, welcome pipeline, DM
// stitcher, cursor store, commit lock, key package rotator, stream
// reconciler and sync orchestrator of an end-to-end-encrypted decentralized
// messaging client built on MLS group keying.
package mls

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
)

// GroupID is the 32-byte identifier of a conversation.
type GroupID [32]byte

// newRandomGroupID generates a fresh 32-byte group id for a newly created
// conversation (§3 "Identified by a 32-byte group_id").
func newRandomGroupID() GroupID {
	var id GroupID
	if _, err := rand.Read(id[:]); err != nil {
		panic("mls: failed to read random bytes for group id: " + err.Error())
	}
	return id
}

func (g GroupID) Hex() string { return hex.EncodeToString(g[:]) }

func (g GroupID) String() string { return g.Hex() }

// InstallationKey identifies an installation's MLS signing/HPKE key pair.
type InstallationKey []byte

func (k InstallationKey) String() string { return hex.EncodeToString(k) }

func (k InstallationKey) Equal(other InstallationKey) bool { return bytes.Equal(k, other) }

// ConversationType distinguishes the three conversation kinds in the data model.
type ConversationType int

const (
	ConversationGroup ConversationType = iota
	ConversationDM
	ConversationSync
)

func (t ConversationType) String() string {
	switch t {
	case ConversationGroup:
		return "group"
	case ConversationDM:
		return "dm"
	case ConversationSync:
		return "sync"
	default:
		return "unknown"
	}
}

// DMID is the canonical lexicographic concatenation of two inbox ids that
// identifies a direct-message thread regardless of which side created the
// underlying group. Two conversations sharing a DMID are duplicates to be
// stitched (see dm_stitcher.go).
type DMID string

// CanonicalDMID builds the canonical DMID for a pair of inbox ids. The
// ordering is lexicographic so either side computes the same value.
func CanonicalDMID(inboxA, inboxB string) DMID {
	if inboxA <= inboxB {
		return DMID(inboxA + ":" + inboxB)
	}
	return DMID(inboxB + ":" + inboxA)
}

// Conversation is a group, DM, or sync group and its metadata.
type Conversation struct {
	GroupID                 GroupID
	CreatedAtNs             int64
	ConversationType        ConversationType
	AddedByInboxID          string
	DMID                    *DMID
	LastMessageNs           int64
	MessageDisappearFromNs  *int64
	MessageDisappearInNs    *int64
	PausedForVersion        *string
	CreatorInboxID          string
	MutableMetadata         ConversationMetadata
}

// ConversationMetadata is the mutable, commit-evolved metadata of a group.
type ConversationMetadata struct {
	Attributes   map[string]string
	AdminList    []string
	SuperAdmins  []string
}

// IsDM reports the data-model invariant: conversation_type == Dm iff dm_id is set.
func (c *Conversation) IsDM() bool { return c.ConversationType == ConversationDM && c.DMID != nil }

// IntentKind enumerates the kinds of local mutations the intent queue carries.
type IntentKind int

const (
	IntentSendMessage IntentKind = iota
	IntentAddMembers
	IntentRemoveMembers
	IntentKeyUpdate
	IntentUpdateMetadata
	IntentUpdateAdminList
	IntentUpdatePermission
	IntentUpdateGroupMembership
)

func (k IntentKind) String() string {
	switch k {
	case IntentSendMessage:
		return "send_message"
	case IntentAddMembers:
		return "add_members"
	case IntentRemoveMembers:
		return "remove_members"
	case IntentKeyUpdate:
		return "key_update"
	case IntentUpdateMetadata:
		return "update_metadata"
	case IntentUpdateAdminList:
		return "update_admin_list"
	case IntentUpdatePermission:
		return "update_permission"
	case IntentUpdateGroupMembership:
		return "update_group_membership"
	default:
		return "unknown"
	}
}

// IntentState is the one-way state machine of a queued intent, with the two
// documented exceptions: Published -> ToPublish (epoch-conflict rollback)
// and the terminal Error state.
type IntentState int

const (
	IntentToPublish IntentState = iota
	IntentPublished
	IntentCommitted
	IntentError
)

func (s IntentState) String() string {
	switch s {
	case IntentToPublish:
		return "to_publish"
	case IntentPublished:
		return "published"
	case IntentCommitted:
		return "committed"
	case IntentError:
		return "error"
	default:
		return "unknown"
	}
}

// Intent is a pending local mutation awaiting publish and commit.
type Intent struct {
	ID                int64
	GroupID           GroupID
	Kind              IntentKind
	Payload           []byte
	State             IntentState
	PublishAttempts   int
	PayloadHash       []byte
	PostCommitData    []byte
	PublishedInEpoch  uint64
	CreatedOrder      int64
}

// Less implements skiplist.Interface, ordering intents by created_order so
// the publish loop drains them in (group_id, created_order) order.
func (i *Intent) Less(other interface{}) bool {
	o := other.(*Intent)
	return i.CreatedOrder < o.CreatedOrder
}

// MessageKind distinguishes application payloads from membership-change transcripts.
type MessageKind int

const (
	MessageApplication MessageKind = iota
	MessageMembershipChange
)

// DeliveryStatus tracks whether a message has made it through the publish pipeline.
type DeliveryStatus int

const (
	DeliveryUnpublished DeliveryStatus = iota
	DeliveryPublished
	DeliveryFailed
)

// Message is a decrypted, persisted application or membership-change event.
type Message struct {
	ID                    []byte
	GroupID               GroupID
	DecryptedMessageBytes []byte
	SentAtNs              int64
	Kind                  MessageKind
	SenderInstallationID  InstallationKey
	SenderInboxID         string
	DeliveryStatus        DeliveryStatus
	ContentType           string
	ReferenceID           []byte
	SequenceID            *uint64
	OriginatorID          uint32
	ExpireAtNs            *int64
}

// EntityKind distinguishes the cursor namespaces tracked per (entity, originator).
type EntityKind int

const (
	EntityWelcome EntityKind = iota
	EntityCommitMessage
	EntityApplicationMessage
	EntityIdentityUpdate
)

func (k EntityKind) String() string {
	switch k {
	case EntityWelcome:
		return "welcome"
	case EntityCommitMessage:
		return "commit_message"
	case EntityApplicationMessage:
		return "application_message"
	case EntityIdentityUpdate:
		return "identity_update"
	default:
		return "unknown"
	}
}

// Cursor maps an originator id to the highest sequence id observed for it.
type Cursor map[uint32]uint64

// Clone returns an independent copy so callers can mutate without racing the
// stored map.
func (c Cursor) Clone() Cursor {
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns, per originator, pick applied to c's and other's values
// (e.g. maxU64 or minU64); an originator absent from c is combined as if its
// value there were 0.
func (c Cursor) Merge(other Cursor, pick func(a, b uint64) uint64) Cursor {
	out := c.Clone()
	for originator, seq := range other {
		if cur, ok := out[originator]; !ok || pick(cur, seq) != cur {
			out[originator] = pick(out[originator], seq)
		}
	}
	return out
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// ReaddStatus tracks whether an installation has been asked to re-join a
// group after losing key material, and whether it has responded.
type ReaddStatus struct {
	GroupID            GroupID
	InstallationID     InstallationKey
	RequestedAtSeqID   uint64
	RespondedAtSeqID   uint64
}

// AwaitingReadd implements the invariant in §3: requested_at >= responded_at
// (treating a never-responded status as 0).
func (r ReaddStatus) AwaitingReadd() bool {
	return r.RequestedAtSeqID >= r.RespondedAtSeqID
}

// Installation is a device-local signing identity bound to an inbox.
type Installation struct {
	ID                       InstallationKey
	InboxID                  string
	NextKeyPackageRotationNs *int64
}

// KeyPackage is a published MLS key package for an installation, with the
// bounded delete-after timestamp used by the overlap-window rotator.
type KeyPackage struct {
	InstallationID InstallationKey
	KeyPackageID   []byte
	Bytes          []byte
	CreatedAtNs    int64
	Current        bool
	DeleteAtNs     *int64
}
