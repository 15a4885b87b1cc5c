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
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// KeyPackageRotator schedules and performs overlap rotations of an
// installation's MLS key package (§4.G). It follows the teacher's
// leaderboard scheduler shape: a cancellable background context, an
// atomic run flag guarding Pause/Resume, and a bounded work queue
// consumed by a single worker goroutine.
type KeyPackageRotator struct {
	logger   *zap.Logger
	storage  Storage
	provider MLSProvider
	api      MLSAPI
	overlap  time.Duration

	// coalesced dedupes QueueRotation calls for the same installation within
	// one overlap window so "queuing twice coalesces" (§4.G) doesn't
	// enqueue the work twice; entries expire on their own so an
	// installation is eligible to be queued again once its window passes.
	coalesced *gocache.Cache

	queue   chan InstallationKey
	active  *atomic.Bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewKeyPackageRotator constructs a rotator. overlap controls both how long a
// superseded key package is kept before it can be swept and the coalescing
// TTL; the background ticker's interval is passed to Start.
func NewKeyPackageRotator(logger *zap.Logger, storage Storage, provider MLSProvider, api MLSAPI, overlap time.Duration, queueSize int) *KeyPackageRotator {
	ctx, cancel := context.WithCancel(context.Background())
	if queueSize <= 0 {
		queueSize = 64
	}
	return &KeyPackageRotator{
		logger:    logger,
		storage:   storage,
		provider:  provider,
		api:       api,
		overlap:   overlap,
		coalesced: gocache.New(overlap, overlap/2),
		queue:     make(chan InstallationKey, queueSize),
		active:    atomic.NewBool(true),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the ticker loop and a single rotation worker. Safe to call once.
func (r *KeyPackageRotator) Start(interval time.Duration) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.rotateWorker()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case now := <-ticker.C:
				if !r.active.Load() {
					continue
				}
				r.sweepAndEnqueueDue(now.UnixNano())
			}
		}
	}()
}

// Pause stops the ticker loop's periodic sweep without tearing down the
// worker; QueueRotation still enqueues and the worker still rotates.
func (r *KeyPackageRotator) Pause() { r.active.Store(false) }

// Resume re-enables the ticker loop.
func (r *KeyPackageRotator) Resume() { r.active.Store(true) }

// Stop cancels the background ticker and worker.
func (r *KeyPackageRotator) Stop() { r.cancel() }

// QueueRotation sets next_key_package_rotation_ns on the identity row iff
// unset or past, and coalesces repeated requests within one overlap window.
func (r *KeyPackageRotator) QueueRotation(ctx context.Context, instID InstallationKey) {
	key := instID.String()
	if _, found := r.coalesced.Get(key); found {
		return
	}
	r.coalesced.SetDefault(key, struct{}{})

	inst, err := r.storage.Identity().GetInstallation(ctx, instID)
	if err != nil {
		r.logger.Warn("could not load installation to queue rotation", zap.Error(err))
		return
	}
	now := time.Now().UnixNano()
	if inst != nil && inst.NextKeyPackageRotationNs != nil && *inst.NextKeyPackageRotationNs > now {
		return
	}
	if err := r.storage.Identity().SetNextRotation(ctx, instID, now); err != nil {
		r.logger.Warn("could not set next rotation", zap.Error(err))
		return
	}

	select {
	case r.queue <- instID:
	default:
		r.logger.Warn("rotation queue full, dropping request", zap.String("installation_id", instID.String()))
	}
}

func (r *KeyPackageRotator) rotateWorker() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case instID := <-r.queue:
			if err := r.rotateOne(r.ctx, instID); err != nil {
				r.logger.Error("key package rotation failed", zap.String("installation_id", instID.String()), zap.Error(err))
			}
		}
	}
}

// sweepAndEnqueueDue sweeps expired key packages. It does not re-queue
// installations whose next_key_package_rotation_ns has passed: rotations
// happen only for installations handed to QueueRotation, and a request
// dropped because the queue was full is not retried here.
func (r *KeyPackageRotator) sweepAndEnqueueDue(nowNs int64) {
	n, err := r.storage.Identity().SweepExpiredKeyPackages(r.ctx, nowNs)
	if err != nil {
		r.logger.Warn("key package sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Debug("swept expired key packages", zap.Int("count", n))
	}
}

// rotateOne generates a new key package, publishes it, and marks the prior
// current package with delete_at_ns = now + overlap so in-flight welcomes
// wrapped to it still decrypt until the overlap expires (§4.G invariant).
func (r *KeyPackageRotator) rotateOne(ctx context.Context, instID InstallationKey) error {
	prior, err := r.storage.Identity().CurrentKeyPackage(ctx, instID)
	if err != nil {
		return err
	}

	keyPair, err := GenerateHPKEKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair for rotation: %w", err)
	}
	if err := r.storage.Identity().RegisterHPKEKeyPair(ctx, keyPair.PublicKey[:], keyPair.PrivateKey[:]); err != nil {
		return err
	}

	newKP := &KeyPackage{
		InstallationID: instID,
		KeyPackageID:   keyPair.PublicKey[:],
		Bytes:          keyPair.PublicKey[:],
		CreatedAtNs:    time.Now().UnixNano(),
		Current:        true,
	}
	if err := r.storage.Identity().InsertKeyPackage(ctx, newKP); err != nil {
		return err
	}
	if err := r.api.UploadKeyPackage(ctx, newKP.Bytes, false); err != nil {
		return NewTransportError("upload rotated key package", err)
	}

	if prior != nil {
		deleteAt := time.Now().Add(r.overlap).UnixNano()
		if err := r.storage.Identity().MarkKeyPackageDeleteAt(ctx, prior.KeyPackageID, deleteAt); err != nil {
			return err
		}
	}
	return nil
}
