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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorStoreMonotonicUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemCursorStore()
	group := GroupID{1}

	advanced, err := store.UpdateCursor(ctx, group, EntityCommitMessage, Cursor{1: 5})
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = store.UpdateCursor(ctx, group, EntityCommitMessage, Cursor{1: 3})
	require.NoError(t, err)
	assert.False(t, advanced, "a lower sequence id must never regress the stored cursor")

	last, err := store.GetLastCursor(ctx, group, EntityCommitMessage, []uint32{1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, last)
}

func TestCursorStoreGetLastCursorDefaultsToZero(t *testing.T) {
	ctx := context.Background()
	store := NewMemCursorStore()

	last, err := store.GetLastCursor(ctx, GroupID{2}, EntityWelcome, []uint32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 0, 0}, last)
}

func TestCursorStoreLatestCursorForIDMergesKinds(t *testing.T) {
	ctx := context.Background()
	store := NewMemCursorStore()
	group := GroupID{3}

	_, err := store.UpdateCursor(ctx, group, EntityCommitMessage, Cursor{1: 10})
	require.NoError(t, err)
	_, err = store.UpdateCursor(ctx, group, EntityApplicationMessage, Cursor{1: 7, 2: 4})
	require.NoError(t, err)

	merged, err := store.LatestCursorForID(ctx, group, []EntityKind{EntityCommitMessage, EntityApplicationMessage})
	require.NoError(t, err)
	assert.Equal(t, Cursor{1: 10, 2: 4}, merged)
}

func TestCursorStoreLowestCommonCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemCursorStore()
	g1, g2 := GroupID{4}, GroupID{5}

	_, err := store.UpdateCursor(ctx, g1, EntityApplicationMessage, Cursor{1: 10, 2: 3})
	require.NoError(t, err)
	_, err = store.UpdateCursor(ctx, g2, EntityApplicationMessage, Cursor{1: 6})
	require.NoError(t, err)

	common, err := store.LowestCommonCursor(ctx, []GroupID{g1, g2}, EntityApplicationMessage)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), common[1], "originator 1 is capped by the lagging topic g2")
	assert.Equal(t, uint64(0), common[2], "originator 2 is missing from g2, so the common cursor floors to 0")
}
