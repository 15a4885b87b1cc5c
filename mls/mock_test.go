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
	"encoding/json"
	"sync"
)

// This file is the in-process reference implementation of MLSProvider and
// MLSAPI used to drive the scenario tests (§8). It stands in for a real MLS
// stack and a real network: every "commit" and "welcome" is a small JSON
// envelope instead of an actual MLS ratchet-tree operation, but it obeys the
// same state-machine contract the real provider/transport would.

// --- fake MLS provider ---

type fakeCommitPayload struct {
	IsCommit      bool
	Epoch         uint64
	Added         []InstallationKey
	Removed       []InstallationKey
	Metadata      *ConversationMetadata
	SenderInboxID string
}

type fakeAppMessage struct {
	SenderInstallation InstallationKey
	SenderInboxID      string
	Plaintext          []byte
}

// fakeMLSProvider is a single shared provider standing in for every
// installation in a test: real MLS has per-installation ratchet state, but
// this fake only needs a shared source of truth for epoch and membership to
// exercise the group engine and welcome pipeline faithfully.
type fakeMLSProvider struct {
	mu          sync.Mutex
	epoch       map[GroupID]uint64
	members     map[GroupID][]InstallationKey
	selfInboxID string
	selfInst    InstallationKey

	// pausedRequiredVersion, when set, is attached to every ValidatedCommit
	// this provider returns, letting a test exercise the protocol-version
	// pause gate without a real commit wire format carrying the field.
	pausedRequiredVersion uint32
}

func newFakeMLSProvider(selfInboxID string, selfInst InstallationKey) *fakeMLSProvider {
	return &fakeMLSProvider{
		epoch:       make(map[GroupID]uint64),
		members:     make(map[GroupID][]InstallationKey),
		selfInboxID: selfInboxID,
		selfInst:    selfInst,
	}
}

func (p *fakeMLSProvider) StageApplicationMessage(_ GroupID, payload []byte) ([]byte, error) {
	return json.Marshal(fakeAppMessage{SenderInstallation: p.selfInst, SenderInboxID: p.selfInboxID, Plaintext: payload})
}

func (p *fakeMLSProvider) StageAddMembers(groupID GroupID, keyPackages [][]byte) (*CommitOp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := make([]InstallationKey, 0, len(keyPackages))
	welcomeBytes := make([][]byte, 0, len(keyPackages))
	newMembers := append([]InstallationKey(nil), p.members[groupID]...)
	for _, kp := range keyPackages {
		inst := InstallationKey(kp)
		added = append(added, inst)
		newMembers = append(newMembers, inst)
		env, err := encodeWelcomeEnvelope(groupID, p.selfInboxID, newMembers)
		if err != nil {
			return nil, err
		}
		welcomeBytes = append(welcomeBytes, env)
	}

	epoch := p.epoch[groupID] + 1
	payload := fakeCommitPayload{IsCommit: true, Epoch: epoch, Added: added, SenderInboxID: p.selfInboxID}
	wire, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &CommitOp{NewEpoch: epoch, WireBytes: wire, WelcomeFor: added, WelcomeBytes: welcomeBytes}, nil
}

func (p *fakeMLSProvider) StageRemoveMembers(groupID GroupID, installations []InstallationKey) (*CommitOp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	epoch := p.epoch[groupID] + 1
	payload := fakeCommitPayload{IsCommit: true, Epoch: epoch, Removed: installations, SenderInboxID: p.selfInboxID}
	wire, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &CommitOp{NewEpoch: epoch, WireBytes: wire}, nil
}

func (p *fakeMLSProvider) StageSelfUpdate(groupID GroupID) (*CommitOp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	epoch := p.epoch[groupID] + 1
	wire, err := json.Marshal(fakeCommitPayload{IsCommit: true, Epoch: epoch, SenderInboxID: p.selfInboxID})
	if err != nil {
		return nil, err
	}
	return &CommitOp{NewEpoch: epoch, WireBytes: wire}, nil
}

func (p *fakeMLSProvider) StageGroupContextExtension(groupID GroupID, metadata ConversationMetadata) (*CommitOp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	epoch := p.epoch[groupID] + 1
	wire, err := json.Marshal(fakeCommitPayload{IsCommit: true, Epoch: epoch, Metadata: &metadata, SenderInboxID: p.selfInboxID})
	if err != nil {
		return nil, err
	}
	return &CommitOp{NewEpoch: epoch, WireBytes: wire}, nil
}

func (p *fakeMLSProvider) ValidateCommit(_ GroupID, wireBytes []byte, _ uint64) (*ValidatedCommit, error) {
	var payload fakeCommitPayload
	if err := json.Unmarshal(wireBytes, &payload); err != nil {
		return nil, NewValidationError("not a commit", err)
	}
	if !payload.IsCommit {
		return nil, NewValidationError("not a commit", nil)
	}
	return &ValidatedCommit{
		Epoch:           payload.Epoch,
		SenderInboxID:   payload.SenderInboxID,
		Added:           payload.Added,
		Removed:         payload.Removed,
		MetadataDiff:    payload.Metadata,
		RequiredVersion: p.pausedRequiredVersion,
	}, nil
}

func (p *fakeMLSProvider) MergeCommit(groupID GroupID, vc *ValidatedCommit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch[groupID] = vc.Epoch

	members := p.members[groupID]
	members = applyMembershipDiff(members, vc.Added, vc.Removed)
	p.members[groupID] = members
	return nil
}

func (p *fakeMLSProvider) DecryptApplicationMessage(_ GroupID, wireBytes []byte) ([]byte, InstallationKey, string, error) {
	var msg fakeAppMessage
	if err := json.Unmarshal(wireBytes, &msg); err != nil {
		return nil, nil, "", NewValidationError("not an application message", err)
	}
	return msg.Plaintext, msg.SenderInstallation, msg.SenderInboxID, nil
}

func (p *fakeMLSProvider) CurrentEpoch(groupID GroupID) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch[groupID], nil
}

func (p *fakeMLSProvider) SealWelcome(alg WrapperAlgorithm, recipientPublicKey, mlsWelcomeBytes []byte) ([]byte, error) {
	return sealWelcomeBox(recipientPublicKey, mlsWelcomeBytes)
}

func (p *fakeMLSProvider) OpenWelcome(alg WrapperAlgorithm, recipientPrivateKey, wrapped []byte) ([]byte, error) {
	return openWelcomeBox(recipientPrivateKey, wrapped)
}

// --- fake MLS network ---

// fakeNetwork is a shared in-process append-only log standing in for the
// MLSAPI transport, used by every installation in a scenario test.
type fakeNetwork struct {
	mu              sync.Mutex
	nextSeq         map[GroupID]uint64
	nextWelcomeSeq  map[string]uint64
	groupMessages   map[GroupID][]GroupMessage
	welcomesByInst  map[string][]WelcomeMessage
	rateLimitedN    int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nextSeq:        make(map[GroupID]uint64),
		nextWelcomeSeq: make(map[string]uint64),
		groupMessages:  make(map[GroupID][]GroupMessage),
		welcomesByInst: make(map[string][]WelcomeMessage),
	}
}

// fakeMLSAPI is one installation's view of the shared fakeNetwork.
type fakeMLSAPI struct {
	net             *fakeNetwork
	instID          InstallationKey
	keyPackagesByInst map[string][]byte
	rateLimitRemaining int // number of calls to QueryGroupMessages that fail with a rate limit before succeeding
}

func newFakeMLSAPI(net *fakeNetwork, instID InstallationKey, keyPackagesByInst map[string][]byte) *fakeMLSAPI {
	return &fakeMLSAPI{net: net, instID: instID, keyPackagesByInst: keyPackagesByInst}
}

func (a *fakeMLSAPI) UploadKeyPackage(_ context.Context, _ []byte, _ bool) error { return nil }

func (a *fakeMLSAPI) FetchKeyPackages(_ context.Context, installationKeys []InstallationKey) (map[string][]byte, error) {
	out := make(map[string][]byte, len(installationKeys))
	for _, k := range installationKeys {
		if kp, ok := a.keyPackagesByInst[k.String()]; ok {
			out[k.String()] = kp
		} else {
			out[k.String()] = []byte(k)
		}
	}
	return out, nil
}

func (a *fakeMLSAPI) SendGroupMessages(_ context.Context, messages []GroupMessage) error {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	for _, m := range messages {
		seq := a.net.nextSeq[m.GroupID] + 1
		a.net.nextSeq[m.GroupID] = seq
		m.SequenceID = seq
		m.OriginatorID = 1
		a.net.groupMessages[m.GroupID] = append(a.net.groupMessages[m.GroupID], m)
	}
	return nil
}

func (a *fakeMLSAPI) SendWelcomeMessages(_ context.Context, messages []WelcomeMessage) error {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	for _, w := range messages {
		key := InstallationKey(w.HPKEPublicKey).String()
		seq := a.net.nextWelcomeSeq[key] + 1
		a.net.nextWelcomeSeq[key] = seq
		w.Cursor = seq
		a.net.welcomesByInst[key] = append(a.net.welcomesByInst[key], w)
	}
	return nil
}

func (a *fakeMLSAPI) QueryGroupMessages(_ context.Context, groupID GroupID, paging PagingInfo) ([]GroupMessage, PagingInfo, error) {
	if a.rateLimitRemaining > 0 {
		a.rateLimitRemaining--
		a.net.mu.Lock()
		a.net.rateLimitedN++
		a.net.mu.Unlock()
		return nil, PagingInfo{}, NewRateLimitError("rate limited", nil)
	}

	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	all := a.net.groupMessages[groupID]
	out := make([]GroupMessage, len(all))
	copy(out, all)
	return out, PagingInfo{}, nil
}

func (a *fakeMLSAPI) QueryWelcomeMessages(_ context.Context, installationKey InstallationKey, paging PagingInfo) ([]WelcomeMessage, PagingInfo, error) {
	a.net.mu.Lock()
	defer a.net.mu.Unlock()
	all := a.net.welcomesByInst[installationKey.String()]
	out := make([]WelcomeMessage, len(all))
	copy(out, all)
	return out, PagingInfo{}, nil
}

type fakeStream[T any] struct {
	ch <-chan T
}

func (s *fakeStream[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-s.ch:
		if !ok {
			return zero, context.Canceled
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *fakeStream[T]) Close() error { return nil }

func (a *fakeMLSAPI) SubscribeGroupMessages(_ context.Context, _ []GroupID) (Stream[GroupMessage], error) {
	ch := make(chan GroupMessage)
	return &fakeStream[GroupMessage]{ch: ch}, nil
}

func (a *fakeMLSAPI) SubscribeWelcomeMessages(_ context.Context, _ []InstallationKey) (Stream[WelcomeMessage], error) {
	ch := make(chan WelcomeMessage)
	return &fakeStream[WelcomeMessage]{ch: ch}, nil
}

var _ MLSProvider = (*fakeMLSProvider)(nil)
var _ MLSAPI = (*fakeMLSAPI)(nil)
