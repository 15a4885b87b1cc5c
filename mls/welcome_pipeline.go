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

	"go.uber.org/zap"
)

// ValidateGroupMembership checks an incoming welcome's claimed sender. The
// pipeline calls it twice, once with preStaging true and once with
// preStaging false, both after the welcome is unwrapped and decoded and
// before the group is installed, per §4.E step 3. The default provider-backed
// implementation is supplied by the embedding host; tests substitute a
// stub.
type ValidateGroupMembership func(ctx context.Context, senderInboxID string, preStaging bool) error

// WelcomePipeline decrypts, validates, and installs a new group from a
// welcome, advancing the welcome cursor exactly once per welcome (§4.E).
type WelcomePipeline struct {
	logger       *zap.Logger
	storage      Storage
	provider     MLSProvider
	validate     ValidateGroupMembership
	instID       InstallationKey
	rotator      *KeyPackageRotator
	bus          *EventBus
}

// NewWelcomePipeline constructs a WelcomePipeline. rotator may be nil if
// key-package rotation is driven some other way (e.g. in tests).
func NewWelcomePipeline(logger *zap.Logger, storage Storage, provider MLSProvider, validate ValidateGroupMembership, instID InstallationKey, rotator *KeyPackageRotator, bus *EventBus) *WelcomePipeline {
	return &WelcomePipeline{
		logger:   logger,
		storage:  storage,
		provider: provider,
		validate: validate,
		instID:   instID,
		rotator:  rotator,
		bus:      bus,
	}
}

// ProcessBatch applies every welcome in msgs in order, then queues a
// key-package rotation if at least one was consumed (§4.E "After any
// welcome batch with num_envelopes > 0, queue a key-package rotation").
func (p *WelcomePipeline) ProcessBatch(ctx context.Context, msgs []WelcomeMessage) error {
	consumed := 0
	for _, wm := range msgs {
		err := p.processOne(ctx, wm)
		switch {
		case err == nil:
			consumed++
		case IsDuplicate(err):
			// Already processed; not an error, not a fresh consumption.
		case !Retryable(err):
			// Non-retryable: logged and skipped, cursor already advanced inside processOne.
			p.logger.Warn("welcome rejected, cursor advanced to skip it", zap.Error(err))
		default:
			return err
		}
	}

	if consumed > 0 && p.rotator != nil {
		p.rotator.QueueRotation(ctx, p.instID)
	}
	return nil
}

// processOne implements the four steps of §4.E plus its cursor rules.
func (p *WelcomePipeline) processOne(ctx context.Context, wm WelcomeMessage) error {
	last, err := p.storage.Cursors().GetLastCursor(ctx, GroupID{}, EntityWelcome, []uint32{0})
	if err != nil {
		return err
	}
	if len(last) > 0 && last[0] >= wm.Cursor {
		return ErrWelcomeAlreadyProcessed
	}

	// Step 1-2: unwrap using the installation's HPKE private key for the wrapper's public key.
	privateKey, found, err := p.storage.Identity().HPKEPrivateKeyFor(ctx, wm.HPKEPublicKey)
	if err != nil {
		return err
	}
	if !found {
		// A welcome wrapped to a deleted key package is non-retryable (§4.G invariant);
		// advance the cursor outside any transaction so it is never retried.
		return p.skipNonRetryable(ctx, wm, NewValidationError("no HPKE private key for welcome's wrapper public key", nil))
	}

	mlsWelcomeBytes, err := p.provider.OpenWelcome(wm.WrapperAlgorithm, privateKey, wm.Data)
	if err != nil {
		return p.skipNonRetryable(ctx, wm, NewValidationError("welcome did not unwrap", err))
	}

	senderInboxID, groupID, members, err := p.decodeWelcome(mlsWelcomeBytes)
	if err != nil {
		return p.skipNonRetryable(ctx, wm, NewValidationError("malformed welcome payload", err))
	}

	// Step 3: validate pre-staging.
	if p.validate != nil {
		if err := p.validate(ctx, senderInboxID, true); err != nil {
			if Retryable(err) {
				return err
			}
			return p.skipNonRetryable(ctx, wm, err)
		}
	}

	if p.validate != nil {
		if err := p.validate(ctx, senderInboxID, false); err != nil {
			if Retryable(err) {
				return err
			}
			return p.skipNonRetryable(ctx, wm, err)
		}
	}

	// Step 4: apply under one transaction.
	err = p.storage.WithTx(ctx, func(ctx context.Context, tx Storage) error {
		advanced, cerr := tx.Cursors().UpdateCursor(ctx, GroupID{}, EntityWelcome, Cursor{0: wm.Cursor})
		if cerr != nil {
			return cerr
		}
		if !advanced {
			return ErrWelcomeAlreadyProcessed
		}

		conv := &Conversation{
			GroupID:          groupID,
			CreatedAtNs:      wm.CreatedNs,
			ConversationType: ConversationGroup,
			AddedByInboxID:   senderInboxID,
			CreatorInboxID:   senderInboxID,
		}
		if err := tx.Groups().InsertGroup(ctx, conv, members); err != nil {
			return err
		}

		if _, err := tx.Cursors().UpdateCursor(ctx, groupID, EntityCommitMessage, Cursor{0: wm.WelcomeMetadata.MessageCursor}); err != nil {
			return err
		}

		if err := tx.Readd().ClearForInstallation(ctx, groupID, p.instID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.bus.Publish(Event{Kind: EventConversationCreated, GroupID: groupID})
	return nil
}

// skipNonRetryable advances the welcome cursor in its own committed
// transaction, sequenced after the caller's failed attempt (which never
// opened a transaction of its own, so there is nothing left to roll back),
// implementing the §9 Open Question decision on non-retryable welcome
// cursor advance.
func (p *WelcomePipeline) skipNonRetryable(ctx context.Context, wm WelcomeMessage, cause error) error {
	err := p.storage.WithTx(ctx, func(ctx context.Context, tx Storage) error {
		_, err := tx.Cursors().UpdateCursor(ctx, GroupID{}, EntityWelcome, Cursor{0: wm.Cursor})
		return err
	})
	if err != nil {
		return err
	}
	return cause
}

// decodeWelcome extracts the fields ProcessBatch needs from the unwrapped
// MLS welcome. The wire format of mlsWelcomeBytes itself belongs to the MLS
// provider black box; this module only needs its own group id, sender inbox
// and initial member set out of it, which in this codebase travel as a
// small envelope the provider appends after the MLS ratchet tree bytes it
// owns end-to-end.
func (p *WelcomePipeline) decodeWelcome(mlsWelcomeBytes []byte) (senderInboxID string, groupID GroupID, members []InstallationKey, err error) {
	env, err := decodeWelcomeEnvelope(mlsWelcomeBytes)
	if err != nil {
		return "", GroupID{}, nil, err
	}
	return env.SenderInboxID, env.GroupID, env.Members, nil
}
