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
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

// WrapperAlgorithm identifies how a welcome's MLS bytes were sealed to a
// recipient installation's public key (§6 "welcome_metadata").
type WrapperAlgorithm int

const (
	WrapperCurve25519 WrapperAlgorithm = iota
	WrapperOther
)

// CommitOp is the pending, not-yet-merged result of staging an MLS commit:
// the materializer (§4.D.1) produces one before the publish pipeline sends
// it, and process_own_message (§4.D.2) merges it once the commit round-trips
// through the network as a self-authored message.
type CommitOp struct {
	NewEpoch        uint64
	WireBytes       []byte
	WelcomeFor      []InstallationKey // non-nil only for Add-producing commits
	WelcomeBytes    [][]byte          // parallel to WelcomeFor
}

// ValidatedCommit is the result of validating an inbound or staged commit
// against the rules of §4.D.3.
type ValidatedCommit struct {
	Epoch           uint64
	SenderInboxID   string
	Added           []InstallationKey
	Removed         []InstallationKey
	MetadataDiff    *ConversationMetadata
	RequiredVersion uint32 // protocol version the commit requires; 0 means "no requirement"
}

// MLSProvider is the black-box cryptographic substrate the spec treats as an
// external library (§1 Non-goals: "MLS cryptographic primitives"). Only the
// operation set the group engine and welcome pipeline need is modeled here;
// a real implementation backs this with an actual MLS stack (OpenMLS-style
// ratchet tree, TreeKEM, epoch secrets, ...).
type MLSProvider interface {
	// StageApplicationMessage encrypts payload as an MLS application message for groupID at its current epoch.
	StageApplicationMessage(groupID GroupID, payload []byte) ([]byte, error)

	// StageAddMembers produces a commit that adds the given key packages, plus one welcome per recipient.
	StageAddMembers(groupID GroupID, keyPackages [][]byte) (*CommitOp, error)

	// StageRemoveMembers produces a commit removing the given leaves. Fails if any installation is not a current member.
	StageRemoveMembers(groupID GroupID, installations []InstallationKey) (*CommitOp, error)

	// StageSelfUpdate produces a self-update (key rotation) commit.
	StageSelfUpdate(groupID GroupID) (*CommitOp, error)

	// StageGroupContextExtension produces a commit mutating group metadata/admin/permission extensions.
	StageGroupContextExtension(groupID GroupID, metadata ConversationMetadata) (*CommitOp, error)

	// ValidateCommit checks a staged or inbound commit against the rules of §4.D.3.
	ValidateCommit(groupID GroupID, wireBytes []byte, currentEpoch uint64) (*ValidatedCommit, error)

	// MergeCommit advances the local MLS group state to reflect a validated commit.
	MergeCommit(groupID GroupID, vc *ValidatedCommit) error

	// DecryptApplicationMessage decrypts an inbound MLS application message and identifies its sender.
	DecryptApplicationMessage(groupID GroupID, wireBytes []byte) (plaintext []byte, senderInstallation InstallationKey, senderInbox string, err error)

	// CurrentEpoch returns the group's current epoch.
	CurrentEpoch(groupID GroupID) (uint64, error)

	// SealWelcome wraps mlsWelcomeBytes to recipientPublicKey per alg (§6 welcome message).
	SealWelcome(alg WrapperAlgorithm, recipientPublicKey, mlsWelcomeBytes []byte) (wrapped []byte, err error)

	// OpenWelcome unwraps a sealed welcome using the installation's HPKE private key.
	OpenWelcome(alg WrapperAlgorithm, recipientPrivateKey, wrapped []byte) (mlsWelcomeBytes []byte, err error)
}

// HPKEKeyPair is an installation's welcome-unwrapping key pair.
type HPKEKeyPair struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
}

// GenerateHPKEKeyPair creates a fresh Curve25519 key pair for sealing welcomes to an installation.
func GenerateHPKEKeyPair() (*HPKEKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate hpke key pair: %w", err)
	}
	return &HPKEKeyPair{PublicKey: *pub, PrivateKey: *priv}, nil
}

// sealWelcomeBox implements WrapperCurve25519 using nacl/box (Curve25519 +
// XSalsa20-Poly1305): an ephemeral sender key pair, anonymous-sender seal.
// This is the one concrete crypto operation this module performs itself;
// everything else routes through the injected MLSProvider black box.
func sealWelcomeBox(recipientPublicKey, plaintext []byte) ([]byte, error) {
	if len(recipientPublicKey) != 32 {
		return nil, NewValidationError("recipient public key must be 32 bytes", nil)
	}
	var recipPub [32]byte
	copy(recipPub[:], recipientPublicKey)

	senderPub, senderPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral sender key: %w", err)
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := box.Seal(nil, plaintext, &nonce, &recipPub, senderPriv)
	out := make([]byte, 0, 32+24+len(sealed))
	out = append(out, senderPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

func openWelcomeBox(recipientPrivateKey, wrapped []byte) ([]byte, error) {
	if len(recipientPrivateKey) != 32 {
		return nil, NewValidationError("recipient private key must be 32 bytes", nil)
	}
	if len(wrapped) < 32+24 {
		return nil, NewValidationError("wrapped welcome too short", nil)
	}
	var recipPriv [32]byte
	copy(recipPriv[:], recipientPrivateKey)

	var senderPub [32]byte
	copy(senderPub[:], wrapped[:32])
	var nonce [24]byte
	copy(nonce[:], wrapped[32:56])

	plaintext, ok := box.Open(nil, wrapped[56:], &nonce, &senderPub, &recipPriv)
	if !ok {
		return nil, NewValidationError("welcome did not decrypt: wrong key or corrupt ciphertext", nil)
	}
	return plaintext, nil
}
