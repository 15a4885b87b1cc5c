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
	"time"

	"go.uber.org/zap"
)

// ResolveInstallations turns a peer inbox id into its current set of
// installations, the association-state lookup this module treats as an
// external resolver (§1 Non-goals: identity/association-state resolution is
// someone else's library). A nil resolver disables driving a commit when a
// brand new DM is created locally (tests only); a real host wires this to
// its inbox-to-installations directory.
type ResolveInstallations func(ctx context.Context, peerInboxID string) ([]InstallationKey, error)

// Client is the host-facing façade binding the cursor store, intent queue,
// commit lock, group engine, welcome pipeline, DM stitcher, key-package
// rotator, stream reconciler and sync orchestrator to the abstract
// transport of §6 (component 4.K, "External interfaces glue").
type Client struct {
	logger    *zap.Logger
	config    Config
	storage   Storage
	provider  MLSProvider
	locks     CommitLockManager
	messageAPI MessageAPI
	mlsAPI    MLSAPI
	bus       *EventBus

	instID  InstallationKey
	inboxID string
	resolve ResolveInstallations

	engine      *GroupEngine
	welcomes    *WelcomePipeline
	dms         *DMStitcher
	rotator     *KeyPackageRotator
	reconciler  *StreamReconciler
	orchestrator *SyncOrchestrator
}

// NewClient wires every component together for one installation. validate
// is the pluggable ValidateGroupMembership hook (§4.E step 3); a nil value
// disables sender validation entirely (tests only). resolve is the
// pluggable ResolveInstallations hook used to add a DM peer's installations
// to a newly created DM group (§4.F); a nil value disables that step
// (tests only).
func NewClient(
	logger *zap.Logger,
	config Config,
	storage Storage,
	provider MLSProvider,
	mlsAPI MLSAPI,
	messageAPI MessageAPI,
	instID InstallationKey,
	inboxID string,
	validate ValidateGroupMembership,
	resolve ResolveInstallations,
) (*Client, error) {
	bus := NewEventBus()
	locks := NewCommitLockManager(config.GetDataDir(), config.GetInstallationID())
	engine := NewGroupEngine(logger, storage, provider, locks, mlsAPI, instID, inboxID, bus)

	rotationCfg := config.GetRotation()
	rotator := NewKeyPackageRotator(logger, storage, provider, mlsAPI, rotationCfg.Overlap, 64)
	welcomes := NewWelcomePipeline(logger, storage, provider, validate, instID, rotator, bus)

	dms, err := NewDMStitcher(storage, 1024)
	if err != nil {
		return nil, err
	}

	reconciler := NewStreamReconciler(logger, storage.Cursors(), 256)

	fetchMessages := func(ctx context.Context, groupID GroupID) ([]GroupMessage, error) {
		msgs, _, err := mlsAPI.QueryGroupMessages(ctx, groupID, PagingInfo{Limit: DefaultPageSize})
		return msgs, err
	}
	fetchWelcomes := func(ctx context.Context) ([]WelcomeMessage, error) {
		msgs, _, err := mlsAPI.QueryWelcomeMessages(ctx, instID, PagingInfo{Limit: DefaultPageSize})
		return msgs, err
	}
	orchestrator := NewSyncOrchestrator(logger, storage, welcomes, func(GroupID) *GroupEngine { return engine }, fetchMessages, fetchWelcomes, config.GetSync().MaxConcurrentGroupSyncs)

	return &Client{
		logger:       logger,
		config:       config,
		storage:      storage,
		provider:     provider,
		locks:        locks,
		messageAPI:   messageAPI,
		mlsAPI:       mlsAPI,
		bus:          bus,
		instID:       instID,
		inboxID:      inboxID,
		resolve:      resolve,
		engine:       engine,
		welcomes:     welcomes,
		dms:          dms,
		rotator:      rotator,
		reconciler:   reconciler,
		orchestrator: orchestrator,
	}, nil
}

// Start launches background workers (key-package rotation ticker).
func (c *Client) Start() {
	c.rotator.Start(c.config.GetRotation().Interval)
}

// Stop tears down background workers and the stream reconciler.
func (c *Client) Stop() {
	c.rotator.Stop()
	c.reconciler.Close()
}

// FindOrCreateDM returns the stitched primary DM conversation with
// peerInboxID. When this call creates a brand new DM group, it also
// resolves the peer's installations and drives an add-members commit for
// them, the same way AddMembers does for an ordinary group, so the peer
// receives the welcome that makes the DM visible on their side (§4.F).
func (c *Client) FindOrCreateDM(ctx context.Context, peerInboxID string) (*Conversation, error) {
	conv, created, err := c.dms.FindOrCreateDM(ctx, c.inboxID, peerInboxID)
	if err != nil {
		return nil, err
	}
	if !created || c.resolve == nil {
		return conv, nil
	}

	peerInstallations, err := c.resolve(ctx, peerInboxID)
	if err != nil {
		return nil, NewTransportError("resolve DM peer installations", err)
	}
	if len(peerInstallations) == 0 {
		return conv, nil
	}

	fetched, err := c.mlsAPI.FetchKeyPackages(ctx, peerInstallations)
	if err != nil {
		return nil, NewTransportError("fetch key packages for DM peer", err)
	}
	keyPackages := make([][]byte, 0, len(peerInstallations))
	for _, inst := range peerInstallations {
		if kp, ok := fetched[inst.String()]; ok {
			keyPackages = append(keyPackages, kp)
		}
	}
	if len(keyPackages) == 0 {
		return conv, nil
	}

	payload, err := EncodeAddMembersPayload(keyPackages)
	if err != nil {
		return nil, err
	}
	id, err := c.storage.Intents().Enqueue(ctx, conv.GroupID, IntentAddMembers, payload)
	if err != nil {
		return nil, err
	}
	if err := c.engine.SyncUntilIntentResolved(ctx, conv.GroupID, id, c.fetchGroupMessages); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListDMs returns every DM conversation, exposed only through its stitched
// primary view (§4.F "Consent, disappearing settings, and message listing
// are consumed via the stitched view").
func (c *Client) ListDMs(ctx context.Context) ([]*Conversation, error) {
	dmType := ConversationDM
	all, err := c.storage.Groups().ListGroups(ctx, &dmType)
	if err != nil {
		return nil, err
	}

	primaries := make(map[DMID]*Conversation)
	for _, conv := range all {
		if conv.DMID == nil {
			continue
		}
		if existing, ok := primaries[*conv.DMID]; !ok || conv.LastMessageNs > existing.LastMessageNs {
			primaries[*conv.DMID] = conv
		}
	}

	out := make([]*Conversation, 0, len(primaries))
	for _, conv := range primaries {
		out = append(out, conv)
	}
	return out, nil
}

// Send enqueues an application message intent and drives it to commit.
func (c *Client) Send(ctx context.Context, groupID GroupID, payload []byte) error {
	id, err := c.storage.Intents().Enqueue(ctx, groupID, IntentSendMessage, payload)
	if err != nil {
		return err
	}
	return c.engine.SyncUntilIntentResolved(ctx, groupID, id, c.fetchGroupMessages)
}

// AddMembers enqueues an add-members intent and drives it to commit.
func (c *Client) AddMembers(ctx context.Context, groupID GroupID, keyPackages [][]byte) error {
	payload, err := EncodeAddMembersPayload(keyPackages)
	if err != nil {
		return err
	}
	id, err := c.storage.Intents().Enqueue(ctx, groupID, IntentAddMembers, payload)
	if err != nil {
		return err
	}
	return c.engine.SyncUntilIntentResolved(ctx, groupID, id, c.fetchGroupMessages)
}

// RemoveMembers enqueues a remove-members intent and drives it to commit.
func (c *Client) RemoveMembers(ctx context.Context, groupID GroupID, installations []InstallationKey) error {
	payload, err := EncodeRemoveMembersPayload(installations)
	if err != nil {
		return err
	}
	id, err := c.storage.Intents().Enqueue(ctx, groupID, IntentRemoveMembers, payload)
	if err != nil {
		return err
	}
	return c.engine.SyncUntilIntentResolved(ctx, groupID, id, c.fetchGroupMessages)
}

func (c *Client) fetchGroupMessages(ctx context.Context, groupID GroupID) ([]GroupMessage, error) {
	msgs, _, err := c.mlsAPI.QueryGroupMessages(ctx, groupID, PagingInfo{Limit: DefaultPageSize})
	return msgs, err
}

// Sync runs one sync_all_welcomes_and_groups pass, consent-filtered.
func (c *Client) Sync(ctx context.Context, consentFilter func(*Conversation) bool) (*GroupSyncSummary, error) {
	return c.orchestrator.SyncAllWelcomesAndGroups(ctx, consentFilter)
}

// StreamAllMessages opens the multiplexed, de-duplicated message stream
// for every conversation matching the filters, splicing in new groups as
// they're created (§4.H, §4.K).
func (c *Client) StreamAllMessages(ctx context.Context, typeFilter *ConversationType, consentFilter func(*Conversation) bool) (<-chan DeliveredMessage, error) {
	groups, err := c.storage.Groups().ListGroups(ctx, typeFilter)
	if err != nil {
		return nil, err
	}

	for _, g := range groups {
		if consentFilter != nil && !consentFilter(g) {
			continue
		}
		// Seed from both kinds: a freshly-installed group only ever has its
		// EntityCommitMessage cursor advanced (welcome_pipeline.go), so seeding
		// from EntityApplicationMessage alone would replay every message that
		// predates this installation's enrollment.
		startCursor, err := c.storage.Cursors().LatestCursorForID(ctx, g.GroupID, []EntityKind{EntityApplicationMessage, EntityCommitMessage})
		if err != nil {
			return nil, err
		}
		c.reconciler.SpliceGroup(g.GroupID, startCursor, c.streamProducer(g.GroupID))
	}

	sub := c.bus.Subscribe(64)
	go func() {
		for ev := range sub.Events() {
			if ev.Kind != EventConversationCreated {
				continue
			}
			conv, err := c.storage.Groups().GetGroup(ctx, ev.GroupID)
			if err != nil || conv == nil {
				continue
			}
			if typeFilter != nil && conv.ConversationType != *typeFilter {
				continue
			}
			if consentFilter != nil && !consentFilter(conv) {
				continue
			}
			c.reconciler.SpliceGroup(conv.GroupID, Cursor{}, c.streamProducer(conv.GroupID))
		}
	}()

	return c.reconciler.Out(), nil
}

// streamProducer adapts the polling MLSAPI query surface into the
// reconciler's push-shaped producer contract; a transport with a native
// server-streaming subscribe would instead forward Stream[GroupMessage]
// directly.
func (c *Client) streamProducer(groupID GroupID) func(ctx context.Context, groupID GroupID, out chan<- GroupMessageWithOriginator) error {
	return func(ctx context.Context, groupID GroupID, out chan<- GroupMessageWithOriginator) error {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				msgs, _, err := c.mlsAPI.QueryGroupMessages(ctx, groupID, PagingInfo{Limit: DefaultPageSize})
				if err != nil {
					return err
				}
				for _, gm := range msgs {
					msg, err := decryptForStream(c.provider, groupID, gm)
					if err != nil {
						continue
					}
					select {
					case out <- GroupMessageWithOriginator{Message: msg, OriginatorID: gm.OriginatorID, SequenceID: gm.SequenceID}:
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
	}
}

func decryptForStream(provider MLSProvider, groupID GroupID, gm GroupMessage) (*Message, error) {
	plaintext, senderInstallation, senderInbox, err := provider.DecryptApplicationMessage(groupID, gm.Data)
	if err != nil {
		return nil, err
	}
	seq := gm.SequenceID
	return &Message{
		ID:                   gm.ID,
		GroupID:              groupID,
		DecryptedMessageBytes: plaintext,
		SentAtNs:             gm.CreatedNs,
		Kind:                 MessageApplication,
		SenderInstallationID: senderInstallation,
		SenderInboxID:        senderInbox,
		DeliveryStatus:       DeliveryPublished,
		SequenceID:           &seq,
		OriginatorID:         gm.OriginatorID,
	}, nil
}
