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

package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/persistence"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	owner, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:      owner,
		InstanceID: id,
		InstanceData: map[string]persistence.Value{
			persistence.KeyWorkflow: {Value: "{}"},
			persistence.KeyStatus:   {Value: persistence.StatusIdle},
			persistence.KeyBookmarks: {
				Value:   []any{"k"},
				Options: persistence.OptionWriteOnly,
			},
		},
	}))

	view, err := s.LoadWorkflow(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, id, view.InstanceID)
	assert.Equal(t, "{}", view.InstanceData[persistence.KeyWorkflow].Value)
	assert.True(t, view.IsBoundToLock)

	// Write-only values are never read back.
	_, ok := view.InstanceData[persistence.KeyBookmarks]
	assert.False(t, ok)
}

func TestLockConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

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

	// A second owner cannot save or load while the lock is held.
	err = s.SaveWorkflow(ctx, persistence.SaveRequest{Owner: owner2, InstanceID: id})
	var pe *errors.PersistenceError
	require.ErrorAs(t, err, &pe)

	_, err = s.LoadWorkflow(ctx, owner2, id)
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Transient, "lock contention is retryable")

	// Unlocking lets the second owner in.
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:      owner1,
		InstanceID: id,
		Unlock:     true,
	}))
	_, err = s.LoadWorkflow(ctx, owner2, id)
	require.NoError(t, err)
}

func TestUnknownInstance(t *testing.T) {
	ctx := context.Background()
	s := New()

	owner, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)

	_, err = s.LoadWorkflow(ctx, owner, uuid.New())
	var nfe *errors.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestUnknownOwnerRejected(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.SaveWorkflow(ctx, persistence.SaveRequest{Owner: uuid.New(), InstanceID: uuid.New()})
	var pe *errors.PersistenceError
	require.ErrorAs(t, err, &pe)
}

func TestTryLoadRunnable(t *testing.T) {
	ctx := context.Background()
	s := New()

	owner, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)

	// Nothing runnable yet.
	view, err := s.TryLoadRunnableWorkflow(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, view)

	// An idle instance is not runnable; an executing one is.
	idleID, execID := uuid.New(), uuid.New()
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:        owner,
		InstanceID:   idleID,
		InstanceData: map[string]persistence.Value{persistence.KeyStatus: {Value: persistence.StatusIdle}},
		Unlock:       true,
	}))
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
	assert.True(t, view.IsBoundToLock)

	// The lock taken by the pickup makes a second pickup come up empty.
	view, err = s.TryLoadRunnableWorkflow(ctx, owner)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestCompleteEvictsInstance(t *testing.T) {
	ctx := context.Background()
	s := New()

	owner, err := s.CreateOwner(ctx, nil)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.SaveWorkflow(ctx, persistence.SaveRequest{
		Owner:        owner,
		InstanceID:   id,
		InstanceData: map[string]persistence.Value{persistence.KeyStatus: {Value: persistence.StatusClosed}},
		Complete:     true,
	}))

	_, err = s.LoadWorkflow(ctx, owner, id)
	var nfe *errors.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestDeleteOwnerReleasesLocks(t *testing.T) {
	ctx := context.Background()
	s := New()

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

	// The lock died with its owner.
	_, err = s.LoadWorkflow(ctx, owner2, id)
	require.NoError(t, err)

	// Deleting an unknown owner is an error.
	var nfe *errors.NotFoundError
	require.ErrorAs(t, s.DeleteOwner(ctx, owner1), &nfe)
}
