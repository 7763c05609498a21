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

// Package memory provides an in-memory instance store. It is thread-safe
// and suitable for testing or single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/persistence"
)

// Store is an in-memory implementation of persistence.Store.
type Store struct {
	mu        sync.Mutex
	owners    map[uuid.UUID]*ownerRecord
	instances map[uuid.UUID]*instanceRecord
}

type ownerRecord struct {
	metadata map[string]persistence.Value
	identity *persistence.DefinitionIdentity
	filter   persistence.IdentityFilter
}

type instanceRecord struct {
	data     map[string]persistence.Value
	metadata map[string]persistence.Value
	owner    uuid.UUID // lock holder; uuid.Nil when unlocked
	status   string
}

// New creates an empty in-memory instance store.
func New() *Store {
	return &Store{
		owners:    make(map[uuid.UUID]*ownerRecord),
		instances: make(map[uuid.UUID]*instanceRecord),
	}
}

// CreateOwner implements persistence.Store.
func (s *Store) CreateOwner(ctx context.Context, metadata map[string]persistence.Value) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.owners[id] = &ownerRecord{metadata: copyValues(metadata), filter: persistence.FilterAny}
	return id, nil
}

// CreateOwnerWithIdentity implements persistence.Store.
func (s *Store) CreateOwnerWithIdentity(ctx context.Context, identity persistence.DefinitionIdentity, filter persistence.IdentityFilter, metadata map[string]persistence.Value) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	s.owners[id] = &ownerRecord{
		metadata: copyValues(metadata),
		identity: &identity,
		filter:   filter,
	}
	return id, nil
}

// DeleteOwner implements persistence.Store. Locks held by the owner are
// released.
func (s *Store) DeleteOwner(ctx context.Context, owner uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[owner]; !ok {
		return &errors.NotFoundError{Resource: "owner", ID: owner.String()}
	}
	delete(s.owners, owner)
	for _, rec := range s.instances {
		if rec.owner == owner {
			rec.owner = uuid.Nil
		}
	}
	return nil
}

// SaveWorkflow implements persistence.Store.
func (s *Store) SaveWorkflow(ctx context.Context, req persistence.SaveRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[req.Owner]; !ok {
		return &errors.PersistenceError{
			Op:    "SaveWorkflow",
			Cause: errors.New("owner is not registered with this store"),
		}
	}

	rec, ok := s.instances[req.InstanceID]
	if !ok {
		rec = &instanceRecord{
			data:     make(map[string]persistence.Value),
			metadata: make(map[string]persistence.Value),
		}
		s.instances[req.InstanceID] = rec
	}

	if rec.owner != uuid.Nil && rec.owner != req.Owner {
		return &errors.PersistenceError{
			Op:    "SaveWorkflow",
			Cause: errors.New("instance is locked by another owner"),
		}
	}

	if req.InstanceData != nil {
		rec.data = copyValues(req.InstanceData)
		rec.status = statusOf(req.InstanceData)
	}
	for k, v := range req.MetadataChanges {
		rec.metadata[k] = v
	}

	switch {
	case req.Complete:
		delete(s.instances, req.InstanceID)
	case req.Unlock:
		rec.owner = uuid.Nil
	default:
		rec.owner = req.Owner
	}
	return nil
}

// LoadWorkflow implements persistence.Store. Write-only values are not
// returned.
func (s *Store) LoadWorkflow(ctx context.Context, owner, instanceID uuid.UUID) (*persistence.InstanceView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[owner]; !ok {
		return nil, &errors.PersistenceError{
			Op:    "LoadWorkflow",
			Cause: errors.New("owner is not registered with this store"),
		}
	}

	rec, ok := s.instances[instanceID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "instance", ID: instanceID.String()}
	}
	if rec.owner != uuid.Nil && rec.owner != owner {
		return nil, &errors.PersistenceError{
			Op:        "LoadWorkflow",
			Transient: true,
			Cause:     errors.New("instance is locked by another owner"),
		}
	}

	rec.owner = owner
	return viewOf(instanceID, owner, rec), nil
}

// TryLoadRunnableWorkflow implements persistence.Store. An instance is
// runnable when it is unlocked and its persisted status is Executing.
func (s *Store) TryLoadRunnableWorkflow(ctx context.Context, owner uuid.UUID) (*persistence.InstanceView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[owner]; !ok {
		return nil, &errors.PersistenceError{
			Op:    "TryLoadRunnableWorkflow",
			Cause: errors.New("owner is not registered with this store"),
		}
	}

	for id, rec := range s.instances {
		if rec.owner != uuid.Nil || rec.status != persistence.StatusExecuting {
			continue
		}
		rec.owner = owner
		return viewOf(id, owner, rec), nil
	}
	return nil, nil
}

func viewOf(id, owner uuid.UUID, rec *instanceRecord) *persistence.InstanceView {
	data := make(map[string]persistence.Value, len(rec.data))
	for k, v := range rec.data {
		if v.IsWriteOnly() {
			continue
		}
		data[k] = v
	}
	return &persistence.InstanceView{
		InstanceID:       id,
		InstanceData:     data,
		InstanceMetadata: copyValues(rec.metadata),
		InstanceOwner:    owner,
		IsBoundToLock:    true,
	}
}

func statusOf(data map[string]persistence.Value) string {
	if v, ok := data[persistence.KeyStatus]; ok {
		if s, ok := v.Value.(string); ok {
			return s
		}
	}
	return ""
}

func copyValues(in map[string]persistence.Value) map[string]persistence.Value {
	out := make(map[string]persistence.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
