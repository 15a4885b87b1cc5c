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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKeyPackageRotatorQueueRotationCoalescesRepeatedCalls(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	instID := InstallationKey("device-1")
	require.NoError(t, storage.Identity().UpsertInstallation(ctx, &Installation{ID: instID, InboxID: "alice"}))

	provider := newFakeMLSProvider("alice", instID)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, instID, nil)
	rotator := NewKeyPackageRotator(zap.NewNop(), storage, provider, api, time.Hour, 4)

	rotator.QueueRotation(ctx, instID)
	rotator.QueueRotation(ctx, instID)
	rotator.QueueRotation(ctx, instID)

	assert.Len(t, rotator.queue, 1, "repeated QueueRotation calls within the coalescing window must not double-enqueue")
}

func TestKeyPackageRotatorRotateOneMarksPriorForOverlapDeletion(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	instID := InstallationKey("device-1")
	require.NoError(t, storage.Identity().UpsertInstallation(ctx, &Installation{ID: instID, InboxID: "alice"}))

	provider := newFakeMLSProvider("alice", instID)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, instID, nil)
	rotator := NewKeyPackageRotator(zap.NewNop(), storage, provider, api, time.Hour, 4)

	require.NoError(t, rotator.rotateOne(ctx, instID))
	first, err := storage.Identity().CurrentKeyPackage(ctx, instID)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, rotator.rotateOne(ctx, instID))
	second, err := storage.Identity().CurrentKeyPackage(ctx, instID)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.NotEqual(t, string(first.KeyPackageID), string(second.KeyPackageID))

	n, err := storage.Identity().SweepExpiredKeyPackages(ctx, time.Now().Add(2*time.Hour).UnixNano())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1, "the superseded key package must become sweepable once the overlap window elapses")
}

func TestKeyPackageRotatorQueueRotationSkipsWhenNextRotationStillInFuture(t *testing.T) {
	ctx := context.Background()
	storage := NewMemStorage()
	instID := InstallationKey("device-1")
	future := time.Now().Add(time.Hour).UnixNano()
	require.NoError(t, storage.Identity().UpsertInstallation(ctx, &Installation{ID: instID, InboxID: "alice", NextKeyPackageRotationNs: &future}))

	provider := newFakeMLSProvider("alice", instID)
	net := newFakeNetwork()
	api := newFakeMLSAPI(net, instID, nil)
	rotator := NewKeyPackageRotator(zap.NewNop(), storage, provider, api, time.Hour, 4)

	rotator.QueueRotation(ctx, instID)
	assert.Len(t, rotator.queue, 0, "a future-scheduled rotation must not be enqueued early")
}
