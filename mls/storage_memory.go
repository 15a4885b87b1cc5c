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

// memStorage is the in-memory Storage backend, the default for every unit
// test and a valid standalone local mirror for a single process. Grounded
// on the teacher's in-memory registries (match_registry.go, tracker.go):
// one RWMutex-guarded map per concern rather than a generic KV blob, so
// namespace-specific queries (ListGroupsByDMID, NewestMessageMetadata) stay
// O(1)/O(n-in-group) instead of O(everything).
type memStorage struct {
	txMu sync.Mutex // held for the duration of WithTx, per §5's "transaction owns a connection"

	cursors  CursorStore
	intents  IntentQueue
	groups   *memGroupStore
	messages *memMessageStore
	consent  *memConsentStore
	readd    *memReaddTracker
	identity *memIdentityStore
}

// NewMemStorage constructs the in-memory Storage backend.
func NewMemStorage() Storage {
	return &memStorage{
		cursors:  NewMemCursorStore(),
		intents:  NewMemIntentQueue(),
		groups:   newMemGroupStore(),
		messages: newMemMessageStore(),
		consent:  newMemConsentStore(),
		readd:    newMemReaddTracker(),
		identity: newMemIdentityStore(),
	}
}

func (s *memStorage) Cursors() CursorStore   { return s.cursors }
func (s *memStorage) Intents() IntentQueue   { return s.intents }
func (s *memStorage) Groups() GroupStore     { return s.groups }
func (s *memStorage) Messages() MessageStore { return s.messages }
func (s *memStorage) Consent() ConsentStore  { return s.consent }
func (s *memStorage) Readd() ReaddTracker    { return s.readd }
func (s *memStorage) Identity() IdentityStore { return s.identity }

func (s *memStorage) WithTx(ctx context.Context, fn func(ctx context.Context, tx Storage) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s)
}

// --- groups ---

type memGroupStore struct {
	mu      sync.RWMutex
	groups  map[GroupID]*Conversation
	members map[GroupID][]InstallationKey
	byDMID  map[DMID][]GroupID
}

func newMemGroupStore() *memGroupStore {
	return &memGroupStore{
		groups:  make(map[GroupID]*Conversation),
		members: make(map[GroupID][]InstallationKey),
		byDMID:  make(map[DMID][]GroupID),
	}
}

func (g *memGroupStore) InsertGroup(_ context.Context, c *Conversation, members []InstallationKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp := *c
	g.groups[c.GroupID] = &cp
	g.members[c.GroupID] = append([]InstallationKey(nil), members...)
	if c.DMID != nil {
		g.byDMID[*c.DMID] = append(g.byDMID[*c.DMID], c.GroupID)
	}
	return nil
}

func (g *memGroupStore) GetGroup(_ context.Context, groupID GroupID) (*Conversation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, ok := g.groups[groupID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (g *memGroupStore) UpdateGroup(_ context.Context, c *Conversation) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.groups[c.GroupID]; !ok {
		return NewValidationError("unknown group", nil)
	}
	cp := *c
	g.groups[c.GroupID] = &cp
	return nil
}

func (g *memGroupStore) ListGroupsByDMID(_ context.Context, dmID DMID) ([]*Conversation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Conversation
	for _, id := range g.byDMID[dmID] {
		if c, ok := g.groups[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (g *memGroupStore) ListGroups(_ context.Context, typeFilter *ConversationType) ([]*Conversation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Conversation
	for _, c := range g.groups {
		if typeFilter != nil && c.ConversationType != *typeFilter {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (g *memGroupStore) ListMembers(_ context.Context, groupID GroupID) ([]InstallationKey, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]InstallationKey(nil), g.members[groupID]...), nil
}

func (g *memGroupStore) SetMembers(_ context.Context, groupID GroupID, members []InstallationKey) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[groupID] = append([]InstallationKey(nil), members...)
	return nil
}

// --- messages ---

type memMessageStore struct {
	mu          sync.RWMutex
	byGroup     map[GroupID][]*Message
	localLog    map[GroupID][][]byte
	remoteLog   map[GroupID][][]byte
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{
		byGroup:   make(map[GroupID][]*Message),
		localLog:  make(map[GroupID][][]byte),
		remoteLog: make(map[GroupID][][]byte),
	}
}

func (m *memMessageStore) InsertMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.byGroup[msg.GroupID] = append(m.byGroup[msg.GroupID], &cp)
	return nil
}

func (m *memMessageStore) NewestMessageMetadata(_ context.Context, groupID GroupID) (int64, uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.byGroup[groupID]
	if len(msgs) == 0 {
		return 0, 0, false, nil
	}
	newest := msgs[0]
	for _, msg := range msgs[1:] {
		if msg.SentAtNs > newest.SentAtNs {
			newest = msg
		}
	}
	var seq uint64
	if newest.SequenceID != nil {
		seq = *newest.SequenceID
	}
	return newest.SentAtNs, seq, true, nil
}

func (m *memMessageStore) ListMessages(_ context.Context, groupID GroupID, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.byGroup[groupID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]*Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out, nil
}

func (m *memMessageStore) AppendLocalCommit(_ context.Context, groupID GroupID, wireBytes []byte, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localLog[groupID] = append(m.localLog[groupID], append([]byte(nil), wireBytes...))
	return nil
}

func (m *memMessageStore) AppendRemoteCommit(_ context.Context, groupID GroupID, wireBytes []byte, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteLog[groupID] = append(m.remoteLog[groupID], append([]byte(nil), wireBytes...))
	return nil
}

func (m *memMessageStore) ListCommitLog(_ context.Context, groupID GroupID, local bool) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.remoteLog[groupID]
	if local {
		log = m.localLog[groupID]
	}
	out := make([][]byte, len(log))
	copy(out, log)
	return out, nil
}

// --- consent ---

type memConsentStore struct {
	mu      sync.RWMutex
	byGroup map[GroupID]ConsentState
}

func newMemConsentStore() *memConsentStore {
	return &memConsentStore{byGroup: make(map[GroupID]ConsentState)}
}

func (c *memConsentStore) SetConsent(_ context.Context, rec ConsentRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.GroupID != nil {
		c.byGroup[*rec.GroupID] = rec.State
	}
	return nil
}

func (c *memConsentStore) GetConsent(_ context.Context, groupID GroupID) (ConsentState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byGroup[groupID], nil
}

// --- readd status ---

type memReaddTracker struct {
	mu    sync.Mutex
	table map[readdKey]*ReaddStatus
}

type readdKey struct {
	group GroupID
	inst  string
}

func newMemReaddTracker() *memReaddTracker {
	return &memReaddTracker{table: make(map[readdKey]*ReaddStatus)}
}

func (r *memReaddTracker) entry(groupID GroupID, installationID InstallationKey) *ReaddStatus {
	key := readdKey{groupID, installationID.String()}
	e, ok := r.table[key]
	if !ok {
		e = &ReaddStatus{GroupID: groupID, InstallationID: installationID}
		r.table[key] = e
	}
	return e
}

func (r *memReaddTracker) RequestReadd(_ context.Context, groupID GroupID, installationID InstallationKey, atSeqID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(groupID, installationID).RequestedAtSeqID = atSeqID
	return nil
}

func (r *memReaddTracker) RecordReaddResponse(_ context.Context, groupID GroupID, installationID InstallationKey, atSeqID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(groupID, installationID).RespondedAtSeqID = atSeqID
	return nil
}

func (r *memReaddTracker) IsAwaitingReadd(_ context.Context, groupID GroupID, installationID InstallationKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry(groupID, installationID).AwaitingReadd(), nil
}

func (r *memReaddTracker) ClearForInstallation(_ context.Context, groupID GroupID, installationID InstallationKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, readdKey{groupID, installationID.String()})
	return nil
}

// --- identity ---

type memIdentityStore struct {
	mu           sync.Mutex
	installs     map[string]*Installation
	keyPackages  map[string]*KeyPackage   // key package id (hex) -> package
	current      map[string]*KeyPackage   // installation id (hex) -> current package
	hpkePrivate  map[string][]byte        // public key (hex) -> private key
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{
		installs:    make(map[string]*Installation),
		keyPackages: make(map[string]*KeyPackage),
		current:     make(map[string]*KeyPackage),
		hpkePrivate: make(map[string][]byte),
	}
}

func (s *memIdentityStore) GetInstallation(_ context.Context, id InstallationKey) (*Installation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installs[id.String()]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *memIdentityStore) UpsertInstallation(_ context.Context, inst *Installation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.installs[inst.ID.String()] = &cp
	return nil
}

func (s *memIdentityStore) SetNextRotation(_ context.Context, id InstallationKey, atNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installs[id.String()]
	if !ok {
		inst = &Installation{ID: id}
		s.installs[id.String()] = inst
	}
	inst.NextKeyPackageRotationNs = &atNs
	return nil
}

func (s *memIdentityStore) InsertKeyPackage(_ context.Context, kp *KeyPackage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *kp
	s.keyPackages[InstallationKey(kp.KeyPackageID).String()] = &cp
	if kp.Current {
		s.current[kp.InstallationID.String()] = &cp
	}
	return nil
}

func (s *memIdentityStore) CurrentKeyPackage(_ context.Context, installationID InstallationKey) (*KeyPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.current[installationID.String()]
	if !ok {
		return nil, nil
	}
	cp := *kp
	return &cp, nil
}

func (s *memIdentityStore) MarkKeyPackageDeleteAt(_ context.Context, keyPackageID []byte, deleteAtNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keyPackages[InstallationKey(keyPackageID).String()]
	if !ok {
		return NewValidationError("unknown key package", nil)
	}
	kp.DeleteAtNs = &deleteAtNs
	kp.Current = false
	return nil
}

func (s *memIdentityStore) SweepExpiredKeyPackages(_ context.Context, nowNs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, kp := range s.keyPackages {
		if kp.DeleteAtNs != nil && *kp.DeleteAtNs <= nowNs {
			delete(s.keyPackages, id)
			count++
		}
	}
	return count, nil
}

func (s *memIdentityStore) HPKEPrivateKeyFor(_ context.Context, publicKey []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, ok := s.hpkePrivate[InstallationKey(publicKey).String()]
	return priv, ok, nil
}

// RegisterHPKEKeyPair is setup-time plumbing: real deployments populate this
// alongside InsertKeyPackage when a key package is generated.
func (s *memIdentityStore) RegisterHPKEKeyPair(_ context.Context, publicKey, privateKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hpkePrivate[InstallationKey(publicKey).String()] = append([]byte(nil), privateKey...)
	return nil
}
