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

	"go.uber.org/zap"
)

// DeliveredMessage is one message handed to a StreamReconciler consumer,
// already de-duplicated against the group's delivery cursor.
type DeliveredMessage struct {
	GroupID GroupID
	Message *Message
}

// StreamReconciler multiplexes message streams across a changing set of
// groups into one output channel, surviving mid-stream group creation and
// transport reconnects without ever emitting a duplicate (§4.H).
//
// Grounded on the teacher's StatusRegistry/TrackerService shape: a single
// fan-in goroutine owns all cursor compare-and-advance decisions so the
// de-duplication invariant (§8.4) is enforced by construction rather than
// by locking discipline spread across producers.
type StreamReconciler struct {
	logger  *zap.Logger
	cursors CursorStore

	mu       sync.Mutex
	delivered map[GroupID]Cursor // in-memory fast-path mirror of the cursor store, updated before emission
	groups    map[GroupID]context.CancelFunc

	out chan DeliveredMessage

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamReconciler constructs a reconciler with a buffered output channel.
func NewStreamReconciler(logger *zap.Logger, cursors CursorStore, bufferSize int) *StreamReconciler {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamReconciler{
		logger:    logger,
		cursors:   cursors,
		delivered: make(map[GroupID]Cursor),
		groups:    make(map[GroupID]context.CancelFunc),
		out:       make(chan DeliveredMessage, bufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Out returns the multiplexed, de-duplicated output stream.
func (r *StreamReconciler) Out() <-chan DeliveredMessage { return r.out }

// Close tears down every per-group producer and the output channel.
func (r *StreamReconciler) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.groups {
		cancel()
	}
	r.groups = make(map[GroupID]context.CancelFunc)
}

// SpliceGroup adds a new group to the multiplexed stream without
// restarting existing producers (§4.H step 2). startCursor should be the
// group's current highest commit sequence for a newly installed peer, not
// zero, so pre-enrollment messages are never attempted (§4.H step 5).
func (r *StreamReconciler) SpliceGroup(groupID GroupID, startCursor Cursor, fetch func(ctx context.Context, groupID GroupID, out chan<- GroupMessageWithOriginator) error) {
	r.mu.Lock()
	if _, exists := r.groups[groupID]; exists {
		r.mu.Unlock()
		return
	}
	r.delivered[groupID] = startCursor.Clone()
	ctx, cancel := context.WithCancel(r.ctx)
	r.groups[groupID] = cancel
	r.mu.Unlock()

	producerCh := make(chan GroupMessageWithOriginator, 64)
	go func() {
		if err := fetch(ctx, groupID, producerCh); err != nil && ctx.Err() == nil {
			r.logger.Warn("stream producer exited with error", zap.String("group_id", groupID.Hex()), zap.Error(err))
		}
		close(producerCh)
	}()

	go r.drain(ctx, groupID, producerCh)
}

// DropGroup stops and removes a group's producer, e.g. when it no longer
// matches the active filter.
func (r *StreamReconciler) DropGroup(groupID GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.groups[groupID]; ok {
		cancel()
		delete(r.groups, groupID)
		delete(r.delivered, groupID)
	}
}

// GroupMessageWithOriginator pairs a decrypted Message with its log
// originator/sequence, which is all the reconciler needs to de-duplicate;
// it does not otherwise interpret the message.
type GroupMessageWithOriginator struct {
	Message      *Message
	OriginatorID uint32
	SequenceID   uint64
}

// drain is the single fan-in goroutine for one group: every
// compare-and-advance decision for this group happens here and nowhere
// else, satisfying "cursor compare-and-advance happens in the fan-in
// goroutine, never per-producer" (§4.H step 3 note).
func (r *StreamReconciler) drain(ctx context.Context, groupID GroupID, producerCh <-chan GroupMessageWithOriginator) {
	for {
		select {
		case <-ctx.Done():
			return
		case gm, ok := <-producerCh:
			if !ok {
				return
			}
			r.mu.Lock()
			cur := r.delivered[groupID]
			if cur == nil {
				cur = Cursor{}
			}
			if gm.SequenceID <= cur[gm.OriginatorID] {
				// Not strictly greater than the last-delivered sequence for this
				// originator: a replay from a reconnect, drop it (§4.H step 3, §8.4).
				r.mu.Unlock()
				continue
			}
			cur[gm.OriginatorID] = gm.SequenceID
			r.delivered[groupID] = cur
			r.mu.Unlock()

			select {
			case r.out <- DeliveredMessage{GroupID: groupID, Message: gm.Message}:
			case <-ctx.Done():
				return
			}

			if _, err := r.cursors.UpdateCursor(ctx, groupID, EntityApplicationMessage, Cursor{gm.OriginatorID: gm.SequenceID}); err != nil {
				r.logger.Warn("failed to persist delivery cursor", zap.String("group_id", groupID.Hex()), zap.Error(err))
			}
		}
	}
}
