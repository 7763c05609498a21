// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := New(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner, err := s.CreateOwner(ctx, map[string]persistence.Value{
		persistence.KeyInstanceType: {Value: persistence.InstanceType},
	})
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:      owner,
		InstanceID: id,
		InstanceData: map[string]persistence.Value{
			persistence.KeyWorkflow: {Value: `{"root_id":1}`},
			persistence.KeyStatus:   {Value: persistence.StatusIdle},
			persistence.KeyBookmarks: {
				Value:   []any{"k"},
				Options: persistence.OptionOptional | persistence.OptionWriteOnly,
			},
		},
		MetadataChanges: map[string]persistence.Value{
			persistence.KeyInstanceType: {Value: persistence.InstanceType},
		},
	}))

	view, err := s.LoadWorkflow(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, id, view.InstanceID)
	assert.Equal(t, `{"root_id":1}`, view.InstanceData[persistence.KeyWorkflow].Value)
	assert.Equal(t, persistence.InstanceType, view.InstanceMetadata[persistence.KeyInstanceType].Value)

	_, ok := view.InstanceData[persistence.KeyBookmarks]
	assert.False(t, ok, "write-only values are never read back")
}

func TestLockSemantics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner1, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)
	owner2, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:        owner1,
		InstanceID:   id,
		InstanceData: map[string]persistence.Value{persistence.KeyStatus: {Value: persistence.StatusIdle}},
	}))

	var pe *errors.PersistenceError
	err = s.SaveWorkflow(ctx, persistence.SaveRequest{Owner: owner2, InstanceID: id})
	require.ErrorAs(t, err, &pe)

	_, err = s.LoadWorkflow(ctx, owner2, id)
	require.ErrorAs(t, err, &pe)

	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:      owner1,
		InstanceID: id,
		Unlock:     true,
	}))

	view, err := s.LoadWorkflow(ctx, owner2, id)
	require.NoError(t, err)
	assert.True(t, view.IsBoundToLock)
}

func TestTryLoadRunnable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)

	view, err := s.TryLoadRunnableWorkflow(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, view)

	execID := uuid.New()
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:        owner,
		InstanceID:   execID,
		InstanceData: map[string]persistence.Value{persistence.KeyStatus: {Value: persistence.StatusExecuting}},
		Unlock:       true,
	}))

	view, err = s.TryLoadRunnableWorkflow(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, execID, view.InstanceID)

	view, err = s.TryLoadRunnableWorkflow(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestCompleteEvictsInstance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:        owner,
		InstanceID:   id,
		InstanceData: map[string]persistence.Value{persistence.KeyStatus: {Value: persistence.StatusIdle}},
	}))
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:      owner,
		InstanceID: id,
		Complete:   true,
	}))

	_, err = s.LoadWorkflow(ctx, owner, id)
	var nfe *errors.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestDeleteOwnerReleasesLocks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	owner1, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)
	owner2, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:        owner1,
		InstanceID:   id,
		InstanceData: map[string]persistence.Value{persistence.KeyStatus: {Value: persistence.StatusIdle}},
	}))

	require.NoError(t, s.DeleteOwner(ctx, owner1))

	_, err = s.LoadWorkflow(ctx, owner2, id)
	require.NoError(t, err)

	var nfe *errors.NotFoundError
	require.ErrorAs(t, s.DeleteOwner(ctx, owner1), &nfe)
}
