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
	"bytes"
	"context"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

// MaxGroupSyncRetries bounds the publish->receive->post_commit loop in SyncUntilIntentResolved (§4.D.5).
const MaxGroupSyncRetries = 3

// SupportedProtocolVersion is the highest commit protocol version this
// installation can merge and decrypt against (§4.D.3).
const SupportedProtocolVersion uint32 = 1

// GroupEngine owns one group's MLS state and materializes/receives commits
// and application messages against it (§4.D).
type GroupEngine struct {
	logger   *zap.Logger
	storage  Storage
	provider MLSProvider
	locks    CommitLockManager
	api      MLSAPI
	instID   InstallationKey
	inboxID  string
	bus      *EventBus
}

// NewGroupEngine constructs a GroupEngine bound to one installation's storage, MLS provider, commit lock and transport.
func NewGroupEngine(logger *zap.Logger, storage Storage, provider MLSProvider, locks CommitLockManager, api MLSAPI, instID InstallationKey, inboxID string, bus *EventBus) *GroupEngine {
	return &GroupEngine{
		logger:   logger,
		storage:  storage,
		provider: provider,
		locks:    locks,
		api:      api,
		instID:   instID,
		inboxID:  inboxID,
		bus:      bus,
	}
}

// --- 4.D.1 Materialize intent -> payload ---

// Materialize dispatches to the kind-specific materializer. A
// commit-producing kind must validate the staged commit with the same
// validator used for remote commits before it is serialized. A failure is
// returned to PublishLoop, which counts it as a publish attempt and marks
// the intent Error once MaxPublishAttempts is reached; no pending commit is
// merged.
func (e *GroupEngine) Materialize(groupID GroupID, intent *Intent) (payload []byte, postCommitData []byte, err error) {
	switch intent.Kind {
	case IntentSendMessage:
		payload, err = e.provider.StageApplicationMessage(groupID, intent.Payload)
		return payload, nil, err

	case IntentAddMembers:
		keyPackages, decodeErr := decodeByteSlices(intent.Payload)
		if decodeErr != nil {
			return nil, nil, NewValidationError("malformed add-members payload", decodeErr)
		}
		op, stageErr := e.provider.StageAddMembers(groupID, keyPackages)
		if stageErr != nil {
			return nil, nil, stageErr
		}
		if err := e.validateStaged(groupID, op); err != nil {
			return nil, nil, err
		}
		return op.WireBytes, encodeAddMembersPostCommit(op), nil

	case IntentRemoveMembers:
		installations, decodeErr := decodeKeys(intent.Payload)
		if decodeErr != nil {
			return nil, nil, NewValidationError("malformed remove-members payload", decodeErr)
		}
		members, err := e.storage.Groups().ListMembers(context.Background(), groupID)
		if err != nil {
			return nil, nil, err
		}
		for _, target := range installations {
			if !containsKey(members, target) {
				return nil, nil, NewValidationError("cannot remove non-member installation", nil)
			}
		}
		op, stageErr := e.provider.StageRemoveMembers(groupID, installations)
		if stageErr != nil {
			return nil, nil, stageErr
		}
		if err := e.validateStaged(groupID, op); err != nil {
			return nil, nil, err
		}
		return op.WireBytes, nil, nil

	case IntentKeyUpdate:
		op, err := e.provider.StageSelfUpdate(groupID)
		if err != nil {
			return nil, nil, err
		}
		if err := e.validateStaged(groupID, op); err != nil {
			return nil, nil, err
		}
		return op.WireBytes, nil, nil

	case IntentUpdateMetadata, IntentUpdateAdminList:
		meta, decodeErr := decodeMetadata(intent.Payload)
		if decodeErr != nil {
			return nil, nil, NewValidationError("malformed metadata payload", decodeErr)
		}
		op, stageErr := e.provider.StageGroupContextExtension(groupID, *meta)
		if stageErr != nil {
			return nil, nil, stageErr
		}
		if err := e.validateStaged(groupID, op); err != nil {
			return nil, nil, err
		}
		return op.WireBytes, nil, nil

	case IntentUpdatePermission:
		// §9 Open Question decision: "Allow" is rejected, never silently
		// normalized to super-admin-only.
		if bytes.Equal(intent.Payload, []byte("Allow")) {
			return nil, nil, NewValidationError(`permission policy "Allow" is not accepted; choose an explicit policy`, nil)
		}
		meta, decodeErr := decodeMetadata(intent.Payload)
		if decodeErr != nil {
			return nil, nil, NewValidationError("malformed permission payload", decodeErr)
		}
		op, stageErr := e.provider.StageGroupContextExtension(groupID, *meta)
		if stageErr != nil {
			return nil, nil, stageErr
		}
		if err := e.validateStaged(groupID, op); err != nil {
			return nil, nil, err
		}
		return op.WireBytes, nil, nil

	case IntentUpdateGroupMembership:
		diff, decodeErr := decodeMembershipDiff(intent.Payload)
		if decodeErr != nil {
			return nil, nil, NewValidationError("malformed membership-diff payload", decodeErr)
		}
		return e.materializeMembershipDiff(groupID, diff)

	default:
		return nil, nil, NewValidationError("unknown intent kind", nil)
	}
}

// validateStaged runs the staged commit through the same validator used for
// remote commits before it is ever serialized (§4.D.1).
func (e *GroupEngine) validateStaged(groupID GroupID, op *CommitOp) error {
	epoch, err := e.provider.CurrentEpoch(groupID)
	if err != nil {
		return err
	}
	_, err = e.provider.ValidateCommit(groupID, op.WireBytes, epoch)
	return err
}

// materializeMembershipDiff stages one commit for a membership-diff intent.
// §4.D.1 models a diff as either a pure add or a pure remove; a caller that
// needs both (e.g. an installation rotation) enqueues two separate
// IntentUpdateGroupMembership intents so each gets its own commit and its
// own forward-progress cursor advance on failure, rather than one commit
// that could partially fail.
func (e *GroupEngine) materializeMembershipDiff(groupID GroupID, diff *membershipDiff) ([]byte, []byte, error) {
	switch {
	case len(diff.Remove) > 0 && len(diff.Add) == 0:
		op, err := e.provider.StageRemoveMembers(groupID, diff.Remove)
		if err != nil {
			return nil, nil, err
		}
		if err := e.validateStaged(groupID, op); err != nil {
			return nil, nil, err
		}
		return op.WireBytes, nil, nil

	case len(diff.Add) > 0 && len(diff.Remove) == 0:
		fetched, err := e.api.FetchKeyPackages(context.Background(), diff.Add)
		if err != nil {
			return nil, nil, NewTransportError("fetch key packages for membership diff", err)
		}
		if len(fetched) != len(diff.Add) {
			return nil, nil, NewValidationError("key package fetch returned fewer results than requested installations", nil)
		}
		kpBytes := make([][]byte, 0, len(diff.Add))
		for _, inst := range diff.Add {
			kpBytes = append(kpBytes, fetched[inst.String()])
		}
		op, err := e.provider.StageAddMembers(groupID, kpBytes)
		if err != nil {
			return nil, nil, err
		}
		if err := e.validateStaged(groupID, op); err != nil {
			return nil, nil, err
		}
		return op.WireBytes, encodeAddMembersPostCommit(op), nil

	default:
		return nil, nil, NewValidationError("membership diff must be a pure add or a pure remove", nil)
	}
}

// --- Publish loop (§4.B, driven by the group engine) ---

// PublishLoop drains the group's ToPublish intents in created-order under
// the commit lock, materializing and sending each to the network.
func (e *GroupEngine) PublishLoop(ctx context.Context, groupID GroupID) error {
	guard, err := e.locks.GetLockAsync(ctx, groupID)
	if err != nil {
		return NewTransportError("acquire commit lock", err)
	}
	defer guard.Release()

	pending, err := e.storage.Intents().FindByState(ctx, groupID, IntentToPublish)
	if err != nil {
		return err
	}

	var toSend []GroupMessage
	type publishedIntent struct {
		id               int64
		hash             []byte
		postCommit       []byte
		publishedInEpoch uint64
	}
	var marks []publishedIntent

	for _, intent := range pending {
		payload, postCommit, merr := e.Materialize(groupID, intent)
		if merr != nil {
			attempts, _ := e.storage.Intents().IncrementPublishAttempts(ctx, intent.ID)
			if attempts >= MaxPublishAttempts {
				_ = e.storage.Intents().MarkError(ctx, intent.ID)
				e.logger.Warn("intent exceeded max publish attempts", zap.Int64("intent_id", intent.ID), zap.Error(merr))
			}
			continue
		}

		epoch, _ := e.provider.CurrentEpoch(groupID)
		hash := PayloadHash(payload)
		toSend = append(toSend, GroupMessage{GroupID: groupID, Data: payload})
		marks = append(marks, publishedIntent{id: intent.ID, hash: hash, postCommit: postCommit, publishedInEpoch: epoch})
	}

	if len(toSend) == 0 {
		return nil
	}

	if err := e.api.SendGroupMessages(ctx, toSend); err != nil {
		// A cancelled/failed publish must leave the intent in ToPublish (§5 Cancellation).
		return NewTransportError("send group messages", err)
	}

	for _, m := range marks {
		if err := e.storage.Intents().MarkPublished(ctx, m.id, m.hash, m.postCommit, m.publishedInEpoch); err != nil {
			e.logger.Error("failed to mark intent published after successful send", zap.Int64("intent_id", m.id), zap.Error(err))
		}
	}
	return nil
}

// --- 4.D.2 Receive and process ---

// ProcessInboundMessages handles a batch of fetched group messages, sorted
// ascending by originator sequence (§5 "sort key is sequence_id ascending
// within a single fetch page"), disambiguating self-authored commits from
// remote traffic.
func (e *GroupEngine) ProcessInboundMessages(ctx context.Context, groupID GroupID, messages []GroupMessage) error {
	sorted := append([]GroupMessage(nil), messages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceID < sorted[j].SequenceID })

	for _, gm := range sorted {
		if err := e.processOne(ctx, groupID, gm); err != nil && Fatal(err) {
			return err
		}
	}
	return nil
}

func (e *GroupEngine) processOne(ctx context.Context, groupID GroupID, gm GroupMessage) error {
	hash := PayloadHash(gm.Data)

	intent, err := e.storage.Intents().FindByPayloadHash(ctx, hash)
	if err != nil {
		return err
	}
	if intent != nil && intent.State == IntentPublished {
		return e.processOwnMessage(ctx, groupID, gm, intent)
	}
	return e.processExternalMessage(ctx, groupID, gm)
}

// processOwnMessage merges the pending commit produced when this intent was
// materialized and marks it Committed, advancing the commit cursor in the
// same transaction (§4.B commit resolution, §4.D.2).
func (e *GroupEngine) processOwnMessage(ctx context.Context, groupID GroupID, gm GroupMessage, intent *Intent) error {
	committed := false
	err := e.storage.WithTx(ctx, func(ctx context.Context, tx Storage) error {
		advanced, err := tx.Cursors().UpdateCursor(ctx, groupID, EntityCommitMessage, Cursor{gm.OriginatorID: gm.SequenceID})
		if err != nil {
			return err
		}
		if !advanced {
			// Replay of an already-applied message: skip silently (§4.D.2).
			return nil
		}

		// A send-message intent never produced a commit, so there is no
		// epoch/membership state to resolve: seeing it round-trip is enough
		// to mark it delivered.
		if intent.Kind == IntentSendMessage {
			if err := tx.Messages().AppendLocalCommit(ctx, groupID, gm.Data, 0); err != nil {
				return err
			}
			seq := gm.SequenceID
			if err := tx.Messages().InsertMessage(ctx, &Message{
				ID:                    gm.ID,
				GroupID:               groupID,
				DecryptedMessageBytes: intent.Payload,
				SentAtNs:              gm.CreatedNs,
				Kind:                  MessageApplication,
				SenderInstallationID:  e.instID,
				SenderInboxID:         e.inboxID,
				DeliveryStatus:        DeliveryPublished,
				SequenceID:            &seq,
				OriginatorID:          gm.OriginatorID,
			}); err != nil {
				return err
			}
			if err := tx.Intents().MarkCommitted(ctx, intent.ID); err != nil {
				return err
			}
			e.bus.Publish(Event{Kind: EventMessageDelivered, GroupID: groupID})
			return nil
		}

		epoch, _ := e.provider.CurrentEpoch(groupID)
		vc, err := e.provider.ValidateCommit(groupID, gm.Data, epoch)
		if err != nil {
			// §4.B: "If no pending commit exists (epoch already advanced due
			// to a conflicting remote commit), the intent is reset to ToPublish."
			if markErr := tx.Intents().MarkToPublish(ctx, intent.ID); markErr != nil {
				return markErr
			}
			return nil
		}

		if err := e.provider.MergeCommit(groupID, vc); err != nil {
			return err
		}
		members, err := tx.Groups().ListMembers(ctx, groupID)
		if err != nil {
			return err
		}
		members = applyMembershipDiff(members, vc.Added, vc.Removed)
		if err := tx.Groups().SetMembers(ctx, groupID, members); err != nil {
			return err
		}
		if err := tx.Messages().AppendLocalCommit(ctx, groupID, gm.Data, vc.Epoch); err != nil {
			return err
		}
		if err := tx.Intents().MarkCommitted(ctx, intent.ID); err != nil {
			return err
		}
		committed = true
		e.bus.Publish(Event{Kind: EventMessageDelivered, GroupID: groupID})
		return nil
	})
	if err != nil {
		return err
	}

	// Now that the add-members commit has round-tripped and merged, seal and
	// send the welcomes staged alongside it (§4.E). This is deliberately
	// outside the transaction above: it is a transport call, not a storage
	// mutation, and a delivery failure here must not roll back the commit
	// that already merged.
	if committed && len(intent.PostCommitData) > 0 {
		e.dispatchWelcomes(ctx, groupID, intent.PostCommitData, gm.SequenceID)
	}
	return nil
}

// dispatchWelcomes seals and sends one welcome per installation a commit
// added, using seq as the new members' initial commit cursor so they skip
// re-processing the very commit that welcomed them (§4.E, §4.H). A sealing
// or transport failure is logged rather than returned: the add-members
// commit itself already merged, and a missed welcome is recovered the next
// time this installation is re-added or the member re-syncs.
func (e *GroupEngine) dispatchWelcomes(ctx context.Context, groupID GroupID, postCommitData []byte, seq uint64) {
	pc, err := decodeAddMembersPostCommit(postCommitData)
	if err != nil {
		e.logger.Warn("malformed add-members post-commit data, no welcomes sent", zap.String("group_id", groupID.Hex()), zap.Error(err))
		return
	}

	if len(pc.WelcomeBytes) != len(pc.WelcomeFor) {
		e.logger.Warn("add-members post-commit data has mismatched welcome arrays, no welcomes sent", zap.String("group_id", groupID.Hex()))
		return
	}

	messages := make([]WelcomeMessage, 0, len(pc.WelcomeFor))
	for i, inst := range pc.WelcomeFor {
		wrapped, err := e.provider.SealWelcome(WrapperCurve25519, inst, pc.WelcomeBytes[i])
		if err != nil {
			e.logger.Warn("failed to seal welcome, recipient will not receive it", zap.String("group_id", groupID.Hex()), zap.String("installation_id", inst.String()), zap.Error(err))
			continue
		}
		messages = append(messages, WelcomeMessage{
			Data:             wrapped,
			HPKEPublicKey:    inst,
			WrapperAlgorithm: WrapperCurve25519,
			WelcomeMetadata:  WelcomeMetadata{MessageCursor: seq},
		})
	}
	if len(messages) == 0 {
		return
	}
	if err := e.api.SendWelcomeMessages(ctx, messages); err != nil {
		e.logger.Warn("failed to send welcome messages", zap.String("group_id", groupID.Hex()), zap.Error(err))
	}
}

// processExternalMessage decrypts and validates a remote envelope, applying
// either an application message or a commit (§4.D.2, §4.D.3).
func (e *GroupEngine) processExternalMessage(ctx context.Context, groupID GroupID, gm GroupMessage) error {
	epoch, err := e.provider.CurrentEpoch(groupID)
	if err != nil {
		return err
	}

	if vc, vErr := e.provider.ValidateCommit(groupID, gm.Data, epoch); vErr == nil {
		return e.applyRemoteCommit(ctx, groupID, gm, vc)
	}

	conv, err := e.storage.Groups().GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if conv != nil && conv.PausedForVersion != nil {
		return e.storage.WithTx(ctx, func(ctx context.Context, tx Storage) error {
			if _, cErr := tx.Cursors().UpdateCursor(ctx, groupID, EntityApplicationMessage, Cursor{gm.OriginatorID: gm.SequenceID}); cErr != nil {
				return cErr
			}
			e.logger.Warn("dropping application message, group paused for protocol version",
				zap.String("group_id", groupID.Hex()), zap.String("required_version", *conv.PausedForVersion))
			return nil
		})
	}

	plaintext, senderInstallation, senderInbox, err := e.provider.DecryptApplicationMessage(groupID, gm.Data)
	if err != nil {
		// Non-retryable: advance the cursor so the offending message is not
		// re-processed (§4.D.4). The failure is only logged; nothing about it
		// is stored.
		return e.storage.WithTx(ctx, func(ctx context.Context, tx Storage) error {
			if _, cErr := tx.Cursors().UpdateCursor(ctx, groupID, EntityApplicationMessage, Cursor{gm.OriginatorID: gm.SequenceID}); cErr != nil {
				return cErr
			}
			e.logger.Warn("dropping undecryptable application message", zap.String("group_id", groupID.Hex()), zap.Error(err))
			return nil
		})
	}

	return e.storage.WithTx(ctx, func(ctx context.Context, tx Storage) error {
		advanced, err := tx.Cursors().UpdateCursor(ctx, groupID, EntityApplicationMessage, Cursor{gm.OriginatorID: gm.SequenceID})
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
		seq := gm.SequenceID
		msg := &Message{
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
		}
		if err := tx.Messages().InsertMessage(ctx, msg); err != nil {
			return err
		}
		e.bus.Publish(Event{Kind: EventMessageDelivered, GroupID: groupID, MessageID: gm.ID})
		return nil
	})
}

func (e *GroupEngine) applyRemoteCommit(ctx context.Context, groupID GroupID, gm GroupMessage, vc *ValidatedCommit) error {
	return e.storage.WithTx(ctx, func(ctx context.Context, tx Storage) error {
		advanced, err := tx.Cursors().UpdateCursor(ctx, groupID, EntityCommitMessage, Cursor{gm.OriginatorID: gm.SequenceID})
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}

		if err := e.enforcePausedForVersion(ctx, tx, groupID, vc); err != nil {
			return err
		}

		if err := e.provider.MergeCommit(groupID, vc); err != nil {
			// Non-retryable validation/crypto failure still advances the
			// cursor (already done above); record and move on (§4.D.4, §7).
			e.logger.Warn("commit merge failed, cursor advanced to skip it", zap.String("group_id", groupID.Hex()), zap.Error(err))
			return nil
		}
		if err := tx.Messages().AppendRemoteCommit(ctx, groupID, gm.Data, vc.Epoch); err != nil {
			return err
		}

		members, err := tx.Groups().ListMembers(ctx, groupID)
		if err != nil {
			return err
		}
		members = applyMembershipDiff(members, vc.Added, vc.Removed)
		if err := tx.Groups().SetMembers(ctx, groupID, members); err != nil {
			return err
		}

		seq := gm.SequenceID
		transcript := &Message{
			ID:            gm.ID,
			GroupID:       groupID,
			SentAtNs:      gm.CreatedNs,
			Kind:          MessageMembershipChange,
			SenderInboxID: vc.SenderInboxID,
			DeliveryStatus: DeliveryPublished,
			SequenceID:    &seq,
			OriginatorID:  gm.OriginatorID,
		}
		if err := tx.Messages().InsertMessage(ctx, transcript); err != nil {
			return err
		}

		e.bus.Publish(Event{Kind: EventMessageDelivered, GroupID: groupID, MessageID: gm.ID})
		return nil
	})
}

// enforcePausedForVersion checks the commit's required protocol version
// and, if it exceeds SupportedProtocolVersion, sets
// Conversation.PausedForVersion so processExternalMessage stops decrypting
// application messages for this group (§4.D.3). Nothing in this package
// clears PausedForVersion once it is set.
func (e *GroupEngine) enforcePausedForVersion(ctx context.Context, tx Storage, groupID GroupID, vc *ValidatedCommit) error {
	if vc.RequiredVersion <= SupportedProtocolVersion {
		return nil
	}
	conv, err := tx.Groups().GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if conv == nil {
		return nil
	}
	required := strconv.FormatUint(uint64(vc.RequiredVersion), 10)
	conv.PausedForVersion = &required
	return tx.Groups().UpdateGroup(ctx, conv)
}

// --- 4.D.5 Sync-until-intent-resolved ---

// SyncUntilIntentResolved runs up to MaxGroupSyncRetries rounds of
// publish->receive->post_commit, returning success once intentID is no
// longer present in the queue.
func (e *GroupEngine) SyncUntilIntentResolved(ctx context.Context, groupID GroupID, intentID int64, fetch func(ctx context.Context, groupID GroupID) ([]GroupMessage, error)) error {
	var lastErr error
	for i := 0; i < MaxGroupSyncRetries; i++ {
		if err := e.PublishLoop(ctx, groupID); err != nil {
			lastErr = err
			if !Retryable(err) {
				return err
			}
			continue
		}

		msgs, err := fetch(ctx, groupID)
		if err != nil {
			lastErr = err
			if !Retryable(err) {
				return err
			}
			continue
		}

		if err := e.ProcessInboundMessages(ctx, groupID, msgs); err != nil {
			lastErr = err
			if Fatal(err) {
				return err
			}
			continue
		}

		resolved, err := e.intentResolved(ctx, groupID, intentID)
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}
	}
	if lastErr == nil {
		lastErr = NewValidationError("intent still pending after MaxGroupSyncRetries rounds", nil)
	}
	return lastErr
}

func (e *GroupEngine) intentResolved(ctx context.Context, groupID GroupID, intentID int64) (bool, error) {
	toPublish, err := e.storage.Intents().FindByState(ctx, groupID, IntentToPublish)
	if err != nil {
		return false, err
	}
	for _, i := range toPublish {
		if i.ID == intentID {
			return false, nil
		}
	}
	return true, nil
}

func containsKey(haystack []InstallationKey, needle InstallationKey) bool {
	for _, k := range haystack {
		if k.Equal(needle) {
			return true
		}
	}
	return false
}

func applyMembershipDiff(members []InstallationKey, add, remove []InstallationKey) []InstallationKey {
	out := make([]InstallationKey, 0, len(members)+len(add))
	for _, m := range members {
		if !containsKey(remove, m) {
			out = append(out, m)
		}
	}
	for _, a := range add {
		if !containsKey(out, a) {
			out = append(out, a)
		}
	}
	return out
}
