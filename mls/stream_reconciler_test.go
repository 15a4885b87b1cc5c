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

func TestStreamReconcilerDropsReplayedSequences(t *testing.T) {
	cursors := NewMemCursorStore()
	r := NewStreamReconciler(zap.NewNop(), cursors, 16)
	defer r.Close()

	groupID := GroupID{1}
	fetch := func(ctx context.Context, groupID GroupID, out chan<- GroupMessageWithOriginator) error {
		out <- GroupMessageWithOriginator{Message: &Message{DecryptedMessageBytes: []byte("a")}, OriginatorID: 1, SequenceID: 1}
		out <- GroupMessageWithOriginator{Message: &Message{DecryptedMessageBytes: []byte("a-replay")}, OriginatorID: 1, SequenceID: 1}
		out <- GroupMessageWithOriginator{Message: &Message{DecryptedMessageBytes: []byte("b")}, OriginatorID: 1, SequenceID: 2}
		<-ctx.Done()
		return nil
	}
	r.SpliceGroup(groupID, Cursor{}, fetch)

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case dm := <-r.Out():
			got = append(got, string(dm.Message.DecryptedMessageBytes))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivered message")
		}
	}

	assert.Equal(t, []string{"a", "b"}, got)

	select {
	case dm := <-r.Out():
		t.Fatalf("unexpected extra delivery: %+v", dm)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamReconcilerSpliceGroupIsIdempotent(t *testing.T) {
	cursors := NewMemCursorStore()
	r := NewStreamReconciler(zap.NewNop(), cursors, 16)
	defer r.Close()

	groupID := GroupID{2}
	calls := 0
	fetch := func(ctx context.Context, groupID GroupID, out chan<- GroupMessageWithOriginator) error {
		calls++
		<-ctx.Done()
		return nil
	}
	r.SpliceGroup(groupID, Cursor{}, fetch)
	r.SpliceGroup(groupID, Cursor{}, fetch)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, calls, "splicing the same group twice must not start a second producer")
}

func TestStreamReconcilerPersistsDeliveryCursor(t *testing.T) {
	ctx := context.Background()
	cursors := NewMemCursorStore()
	r := NewStreamReconciler(zap.NewNop(), cursors, 16)
	defer r.Close()

	groupID := GroupID{3}
	fetch := func(ctx context.Context, groupID GroupID, out chan<- GroupMessageWithOriginator) error {
		out <- GroupMessageWithOriginator{Message: &Message{}, OriginatorID: 5, SequenceID: 7}
		<-ctx.Done()
		return nil
	}
	r.SpliceGroup(groupID, Cursor{}, fetch)

	select {
	case <-r.Out():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	require.Eventually(t, func() bool {
		last, err := cursors.GetLastCursor(ctx, groupID, EntityApplicationMessage, []uint32{5})
		return err == nil && last[0] == 7
	}, time.Second, 5*time.Millisecond)
}
