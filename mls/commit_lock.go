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
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// ErrLockUnavailable is returned by GetLockSync when the group's commit lock is already held.
var ErrLockUnavailable = errors.New("commit lock unavailable")

// CommitLockGuard holds a group's commit lock until Release is called.
// Release is idempotent and safe to call from a deferred panic-recovery
// path (§8 "commit-lock guard release is idempotent under panic").
type CommitLockGuard interface {
	Release()
}

// CommitLockManager is a per-(installation, group_id) advisory lock (§4.C).
// MLS state transitions are not commutative: two concurrent commits from the
// same installation would branch the group history, so only one writer per
// group may hold the lock at a time.
type CommitLockManager interface {
	// GetLockAsync suspends until the exclusive lock is held. Safe to hold
	// across suspension points (ctx cancellation releases the wait, not an
	// already-acquired lock).
	GetLockAsync(ctx context.Context, groupID GroupID) (CommitLockGuard, error)

	// GetLockSync returns ErrLockUnavailable immediately if contended.
	GetLockSync(groupID GroupID) (CommitLockGuard, error)
}

// localCommitLockManager backs every group's lock with an in-process
// semaphore channel of capacity 1, which is both the async-wait queue and
// the sync-try gate. A file-backed variant additionally takes an OS advisory
// lock so the guarantee extends across processes sharing one installation's
// data directory, matching the filesystem layout in §6.
type localCommitLockManager struct {
	mu       sync.Mutex
	sems     map[GroupID]chan struct{}
	dbParent string // "" disables the file-backed layer (in-memory only, e.g. tests)
	instID   string
}

// NewCommitLockManager constructs a CommitLockManager. When dbParent is
// non-empty, locks are additionally file-backed at
// <dbParent>/<installationID>/<hex(group_id)>, one empty file per group
// (§6 "Filesystem layout for commit locks"). On platforms or filesystems
// where that path can't be created, the manager falls back to the in-memory
// mutex transparently.
func NewCommitLockManager(dbParent, installationID string) CommitLockManager {
	m := &localCommitLockManager{
		sems:     make(map[GroupID]chan struct{}),
		dbParent: dbParent,
		instID:   installationID,
	}
	if dbParent != "" {
		_ = os.MkdirAll(filepath.Join(dbParent, installationID), 0o755)
	}
	return m
}

func (m *localCommitLockManager) semFor(groupID GroupID) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	sem, ok := m.sems[groupID]
	if !ok {
		sem = make(chan struct{}, 1)
		sem <- struct{}{}
		m.sems[groupID] = sem
	}
	return sem
}

func (m *localCommitLockManager) GetLockAsync(ctx context.Context, groupID GroupID) (CommitLockGuard, error) {
	sem := m.semFor(groupID)
	select {
	case <-sem:
		return m.newGuard(groupID, sem), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *localCommitLockManager) GetLockSync(groupID GroupID) (CommitLockGuard, error) {
	sem := m.semFor(groupID)
	select {
	case <-sem:
		return m.newGuard(groupID, sem), nil
	default:
		return nil, ErrLockUnavailable
	}
}

func (m *localCommitLockManager) newGuard(groupID GroupID, sem chan struct{}) CommitLockGuard {
	var file *os.File
	if m.dbParent != "" {
		path := filepath.Join(m.dbParent, m.instID, groupID.Hex())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err == nil {
			if lockErr := flock(f); lockErr == nil {
				file = f
			} else {
				f.Close()
			}
		}
	}
	return &commitLockGuard{sem: sem, file: file, release: &sync.Once{}}
}

// commitLockGuard releases both the in-process semaphore slot and the OS
// advisory lock (if any) exactly once, synchronously, regardless of how
// Release is reached — including from a deferred recover() after a panic.
type commitLockGuard struct {
	sem     chan struct{}
	file    *os.File
	release *sync.Once
}

func (g *commitLockGuard) Release() {
	g.release.Do(func() {
		if g.file != nil {
			_ = funlock(g.file)
			_ = g.file.Close()
		}
		g.sem <- struct{}{}
	})
}
