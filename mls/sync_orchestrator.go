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

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// GroupSyncSummary reports how many conversations were eligible for and
// completed a sync pass (§4.I).
type GroupSyncSummary struct {
	NumEligible int
	NumSynced   int
}

// SyncOrchestrator batches welcome and group sync, consent-filters
// conversations, and parallelizes with bounded concurrency (§4.I).
type SyncOrchestrator struct {
	logger    *zap.Logger
	storage   Storage
	welcomes  *WelcomePipeline
	engines   func(groupID GroupID) *GroupEngine
	fetch     func(ctx context.Context, groupID GroupID) ([]GroupMessage, error)
	fetchWelcomes func(ctx context.Context) ([]WelcomeMessage, error)
	maxConcurrency int
}

// NewSyncOrchestrator constructs an orchestrator. engines resolves a
// GroupEngine for a given group id (installations typically keep one
// GroupEngine per installation and pass the same one for every group).
func NewSyncOrchestrator(
	logger *zap.Logger,
	storage Storage,
	welcomes *WelcomePipeline,
	engines func(groupID GroupID) *GroupEngine,
	fetch func(ctx context.Context, groupID GroupID) ([]GroupMessage, error),
	fetchWelcomes func(ctx context.Context) ([]WelcomeMessage, error),
	maxConcurrency int,
) *SyncOrchestrator {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &SyncOrchestrator{
		logger:         logger,
		storage:        storage,
		welcomes:       welcomes,
		engines:        engines,
		fetch:          fetch,
		fetchWelcomes:  fetchWelcomes,
		maxConcurrency: maxConcurrency,
	}
}

// SyncWelcomes fetches all welcomes past the stored welcome cursor and
// processes them.
func (o *SyncOrchestrator) SyncWelcomes(ctx context.Context) error {
	msgs, err := o.fetchWelcomes(ctx)
	if err != nil {
		return NewTransportError("fetch welcomes", err)
	}
	return o.welcomes.ProcessBatch(ctx, msgs)
}

// SyncAllGroups filters groups to those with new messages by comparing the
// stored cursor against the newest originator-seq, then syncs the
// remainder (§4.I).
func (o *SyncOrchestrator) SyncAllGroups(ctx context.Context, groups []*Conversation) error {
	eligible := make([]*Conversation, 0, len(groups))
	for _, g := range groups {
		stale, err := o.hasNewMessages(ctx, g.GroupID)
		if err != nil {
			o.logger.Warn("failed to check group staleness, syncing anyway", zap.String("group_id", g.GroupID.Hex()), zap.Error(err))
			stale = true
		}
		if stale {
			eligible = append(eligible, g)
		}
	}

	_, err := o.syncConcurrent(ctx, eligible)
	return err
}

// hasNewMessages implements the "skip groups whose stored cursor already
// covers the newest originator-seq" filter (§4.I).
func (o *SyncOrchestrator) hasNewMessages(ctx context.Context, groupID GroupID) (bool, error) {
	_, newestSeq, found, err := o.storage.Messages().NewestMessageMetadata(ctx, groupID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	last, err := o.storage.Cursors().GetLastCursor(ctx, groupID, EntityApplicationMessage, []uint32{0})
	if err != nil {
		return false, err
	}
	return len(last) == 0 || last[0] < newestSeq, nil
}

// SyncAllWelcomesAndGroups runs welcomes first, then all conversations
// matching consentFilter, bounded to maxConcurrency in flight at once.
// Welcome failure does not abort group sync (§4.I failure policy).
func (o *SyncOrchestrator) SyncAllWelcomesAndGroups(ctx context.Context, consentFilter func(*Conversation) bool) (*GroupSyncSummary, error) {
	if err := o.SyncWelcomes(ctx); err != nil {
		o.logger.Warn("welcome sync failed, continuing with group sync", zap.Error(err))
	}

	all, err := o.storage.Groups().ListGroups(ctx, nil)
	if err != nil {
		return nil, err
	}

	filtered := make([]*Conversation, 0, len(all))
	for _, g := range all {
		if consentFilter == nil || consentFilter(g) {
			filtered = append(filtered, g)
		}
	}

	return o.syncConcurrent(ctx, filtered)
}

// syncConcurrent runs group.sync() (publish -> receive -> post_commit) and
// maybe_update_installations() for each conversation with bounded
// concurrency, treating a per-group failure as a warning rather than
// aborting the remaining groups (§4.I failure policy).
func (o *SyncOrchestrator) syncConcurrent(ctx context.Context, groups []*Conversation) (*GroupSyncSummary, error) {
	summary := &GroupSyncSummary{NumEligible: len(groups)}
	if len(groups) == 0 {
		return summary, nil
	}

	sem := make(chan struct{}, o.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error

	for _, g := range groups {
		g := g
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := o.syncOneGroup(ctx, g); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				o.logger.Warn("group sync failed", zap.String("group_id", g.GroupID.Hex()), zap.Error(err))
				return
			}
			mu.Lock()
			summary.NumSynced++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if errs != nil {
		o.logger.Warn("sync_all_welcomes_and_groups completed with per-group failures", zap.Error(errs))
	}
	return summary, nil
}

func (o *SyncOrchestrator) syncOneGroup(ctx context.Context, g *Conversation) error {
	engine := o.engines(g.GroupID)
	if err := engine.PublishLoop(ctx, g.GroupID); err != nil {
		return err
	}
	msgs, err := o.fetch(ctx, g.GroupID)
	if err != nil {
		return NewTransportError("fetch group messages", err)
	}
	return engine.ProcessInboundMessages(ctx, g.GroupID, msgs)
}
