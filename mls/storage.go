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

import "context"

// ConsentState is the local consent decision for a conversation or inbox.
type ConsentState int

const (
	ConsentUnknown ConsentState = iota
	ConsentAllowed
	ConsentDenied
)

// ConsentRecord is a single consent decision, keyed by either a group id or an inbox id.
type ConsentRecord struct {
	GroupID *GroupID
	InboxID *string
	State   ConsentState
}

// GroupStore is the groups namespace of Storage (§9 "model as a single
// Storage interface grouped by namespace").
type GroupStore interface {
	InsertGroup(ctx context.Context, c *Conversation, members []InstallationKey) error
	GetGroup(ctx context.Context, groupID GroupID) (*Conversation, error)
	UpdateGroup(ctx context.Context, c *Conversation) error
	ListGroupsByDMID(ctx context.Context, dmID DMID) ([]*Conversation, error)
	ListGroups(ctx context.Context, typeFilter *ConversationType) ([]*Conversation, error)
	ListMembers(ctx context.Context, groupID GroupID) ([]InstallationKey, error)
	SetMembers(ctx context.Context, groupID GroupID, members []InstallationKey) error
}

// MessageStore is the messages namespace of Storage, plus the local/remote
// commit logs named in §6 but left ownerless by the distilled component
// table (see SPEC_FULL.md §4.M).
type MessageStore interface {
	InsertMessage(ctx context.Context, m *Message) error
	NewestMessageMetadata(ctx context.Context, groupID GroupID) (sentAtNs int64, sequenceID uint64, found bool, err error)
	ListMessages(ctx context.Context, groupID GroupID, limit int) ([]*Message, error)

	AppendLocalCommit(ctx context.Context, groupID GroupID, wireBytes []byte, epoch uint64) error
	AppendRemoteCommit(ctx context.Context, groupID GroupID, wireBytes []byte, epoch uint64) error
	ListCommitLog(ctx context.Context, groupID GroupID, local bool) ([][]byte, error)
}

// ConsentStore is the consent namespace of Storage.
type ConsentStore interface {
	SetConsent(ctx context.Context, rec ConsentRecord) error
	GetConsent(ctx context.Context, groupID GroupID) (ConsentState, error)
}

// ReaddTracker is component 4.L: per-(group, installation) readd bookkeeping.
type ReaddTracker interface {
	RequestReadd(ctx context.Context, groupID GroupID, installationID InstallationKey, atSeqID uint64) error
	RecordReaddResponse(ctx context.Context, groupID GroupID, installationID InstallationKey, atSeqID uint64) error
	IsAwaitingReadd(ctx context.Context, groupID GroupID, installationID InstallationKey) (bool, error)
	ClearForInstallation(ctx context.Context, groupID GroupID, installationID InstallationKey) error
}

// IdentityStore is the identity/installation namespace, including key package history (§3 "Key packages are owned by the installation").
type IdentityStore interface {
	GetInstallation(ctx context.Context, id InstallationKey) (*Installation, error)
	UpsertInstallation(ctx context.Context, inst *Installation) error
	SetNextRotation(ctx context.Context, id InstallationKey, atNs int64) error

	InsertKeyPackage(ctx context.Context, kp *KeyPackage) error
	CurrentKeyPackage(ctx context.Context, installationID InstallationKey) (*KeyPackage, error)
	MarkKeyPackageDeleteAt(ctx context.Context, keyPackageID []byte, deleteAtNs int64) error
	SweepExpiredKeyPackages(ctx context.Context, nowNs int64) (int, error)
	HPKEPrivateKeyFor(ctx context.Context, publicKey []byte) ([]byte, bool, error)
	RegisterHPKEKeyPair(ctx context.Context, publicKey, privateKey []byte) error
}

// Storage is the single persistence interface grouped by namespace (§9
// design note: "model as a single Storage interface grouped by namespace...
// implementations are compile-time variants, not runtime vtables"). The
// in-memory and Postgres implementations both satisfy it.
type Storage interface {
	Cursors() CursorStore
	Intents() IntentQueue
	Groups() GroupStore
	Messages() MessageStore
	Consent() ConsentStore
	Readd() ReaddTracker
	Identity() IdentityStore

	// WithTx runs fn with a transaction-scoped view of the same namespaces.
	// Storage implementations that back onto SQL open a real transaction;
	// the in-memory implementation serializes composite operations behind
	// one writer lock so nothing observes a partial update, matching the
	// "transaction owns a connection for its duration" rule in §5.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error
}
