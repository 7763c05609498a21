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

// Package redis provides a Redis-backed instance store. Instances are
// stored one hash per instance under a configurable key prefix.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/persistence"
)

// Compile-time interface assertion.
var _ persistence.Store = (*Store)(nil)

// Store is a Redis-backed instance store.
type Store struct {
	client *redis.Client
	prefix string
}

// Config configures the Redis store.
type Config struct {
	// Addr is the Redis server address, e.g. "localhost:6379".
	Addr string

	// KeyPrefix namespaces all keys. Default: "baton:".
	KeyPrefix string
}

// New creates a Redis instance store and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "baton:"
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) ownerKey(id uuid.UUID) string {
	return fmt.Sprintf("%sowner:%s", s.prefix, id)
}

func (s *Store) instanceKey(id uuid.UUID) string {
	return fmt.Sprintf("%sinstance:%s", s.prefix, id)
}

func (s *Store) instanceSetKey() string {
	return s.prefix + "instances"
}

// CreateOwner implements persistence.Store.
func (s *Store) CreateOwner(ctx context.Context, metadata map[string]persistence.Value) (uuid.UUID, error) {
	return s.createOwner(ctx, metadata)
}

// CreateOwnerWithIdentity implements persistence.Store.
func (s *Store) CreateOwnerWithIdentity(ctx context.Context, identity persistence.DefinitionIdentity, filter persistence.IdentityFilter, metadata map[string]persistence.Value) (uuid.UUID, error) {
	md := make(map[string]persistence.Value, len(metadata)+2)
	for k, v := range metadata {
		md[k] = v
	}
	md[persistence.KeyDefinitionIdentity] = persistence.Value{Value: map[string]any{
		"name":    identity.Name,
		"version": identity.Version,
	}}
	md[persistence.KeyDefinitionIdentityFilter] = persistence.Value{Value: filter.String()}
	return s.createOwner(ctx, md)
}

func (s *Store) createOwner(ctx context.Context, metadata map[string]persistence.Value) (uuid.UUID, error) {
	id := uuid.New()
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal owner metadata: %w", err)
	}
	if err := s.client.Set(ctx, s.ownerKey(id), string(metadataJSON), 0).Err(); err != nil {
		return uuid.Nil, &errors.PersistenceError{Op: "CreateOwner", Transient: true, Cause: err}
	}
	return id, nil
}

// DeleteOwner implements persistence.Store. Locks held by the owner are
// released.
func (s *Store) DeleteOwner(ctx context.Context, owner uuid.UUID) error {
	n, err := s.client.Del(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return &errors.PersistenceError{Op: "DeleteOwner", Transient: true, Cause: err}
	}
	if n == 0 {
		return &errors.NotFoundError{Resource: "owner", ID: owner.String()}
	}

	ids, err := s.client.SMembers(ctx, s.instanceSetKey()).Result()
	if err != nil {
		return &errors.PersistenceError{Op: "DeleteOwner", Transient: true, Cause: err}
	}
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		lock, err := s.client.HGet(ctx, s.instanceKey(id), "lock").Result()
		if err == nil && lock == owner.String() {
			s.client.HDel(ctx, s.instanceKey(id), "lock")
		}
	}
	return nil
}

func (s *Store) checkOwner(ctx context.Context, op string, owner uuid.UUID) error {
	n, err := s.client.Exists(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return &errors.PersistenceError{Op: op, Transient: true, Cause: err}
	}
	if n == 0 {
		return &errors.PersistenceError{Op: op, Cause: fmt.Errorf("owner %s is not registered with this store", owner)}
	}
	return nil
}

// SaveWorkflow implements persistence.Store.
func (s *Store) SaveWorkflow(ctx context.Context, req persistence.SaveRequest) error {
	if err := s.checkOwner(ctx, "SaveWorkflow", req.Owner); err != nil {
		return err
	}

	key := s.instanceKey(req.InstanceID)
	lock, err := s.client.HGet(ctx, key, "lock").Result()
	if err != nil && err != redis.Nil {
		return &errors.PersistenceError{Op: "SaveWorkflow", Transient: true, Cause: err}
	}
	if lock != "" && lock != req.Owner.String() {
		return &errors.PersistenceError{
			Op:    "SaveWorkflow",
			Cause: fmt.Errorf("instance %s is locked by another owner", req.InstanceID),
		}
	}

	if req.Complete {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return &errors.PersistenceError{Op: "SaveWorkflow", Transient: true, Cause: err}
		}
		s.client.SRem(ctx, s.instanceSetKey(), req.InstanceID.String())
		return nil
	}

	fields := map[string]any{}

	if req.InstanceData != nil {
		dataJSON, err := json.Marshal(req.InstanceData)
		if err != nil {
			return fmt.Errorf("failed to marshal instance data: %w", err)
		}
		fields["data"] = string(dataJSON)
		fields["status"] = statusOf(req.InstanceData)
	}

	if len(req.MetadataChanges) > 0 {
		metadata := map[string]persistence.Value{}
		if raw, err := s.client.HGet(ctx, key, "metadata").Result(); err == nil && raw != "" {
			if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
				return &errors.PersistenceError{Op: "SaveWorkflow", Cause: err}
			}
		}
		for k, v := range req.MetadataChanges {
			metadata[k] = v
		}
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal instance metadata: %w", err)
		}
		fields["metadata"] = string(metadataJSON)
	}

	if req.Unlock {
		fields["lock"] = ""
	} else {
		fields["lock"] = req.Owner.String()
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return &errors.PersistenceError{Op: "SaveWorkflow", Transient: true, Cause: err}
	}
	if err := s.client.SAdd(ctx, s.instanceSetKey(), req.InstanceID.String()).Err(); err != nil {
		return &errors.PersistenceError{Op: "SaveWorkflow", Transient: true, Cause: err}
	}
	return nil
}

// LoadWorkflow implements persistence.Store.
func (s *Store) LoadWorkflow(ctx context.Context, owner, instanceID uuid.UUID) (*persistence.InstanceView, error) {
	if err := s.checkOwner(ctx, "LoadWorkflow", owner); err != nil {
		return nil, err
	}

	key := s.instanceKey(instanceID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, &errors.PersistenceError{Op: "LoadWorkflow", Transient: true, Cause: err}
	}
	if len(fields) == 0 {
		return nil, &errors.NotFoundError{Resource: "instance", ID: instanceID.String()}
	}

	if lock := fields["lock"]; lock != "" && lock != owner.String() {
		return nil, &errors.PersistenceError{
			Op:        "LoadWorkflow",
			Transient: true,
			Cause:     fmt.Errorf("instance %s is locked by another owner", instanceID),
		}
	}

	if err := s.client.HSet(ctx, key, "lock", owner.String()).Err(); err != nil {
		return nil, &errors.PersistenceError{Op: "LoadWorkflow", Transient: true, Cause: err}
	}

	return buildView(instanceID, owner, fields)
}

// TryLoadRunnableWorkflow implements persistence.Store.
func (s *Store) TryLoadRunnableWorkflow(ctx context.Context, owner uuid.UUID) (*persistence.InstanceView, error) {
	if err := s.checkOwner(ctx, "TryLoadRunnableWorkflow", owner); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.instanceSetKey()).Result()
	if err != nil {
		return nil, &errors.PersistenceError{Op: "TryLoadRunnableWorkflow", Transient: true, Cause: err}
	}

	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		fields, err := s.client.HGetAll(ctx, s.instanceKey(id)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		if fields["lock"] != "" || fields["status"] != persistence.StatusExecuting {
			continue
		}
		if err := s.client.HSet(ctx, s.instanceKey(id), "lock", owner.String()).Err(); err != nil {
			return nil, &errors.PersistenceError{Op: "TryLoadRunnableWorkflow", Transient: true, Cause: err}
		}
		return buildView(id, owner, fields)
	}
	return nil, nil
}

func buildView(instanceID, owner uuid.UUID, fields map[string]string) (*persistence.InstanceView, error) {
	data := map[string]persistence.Value{}
	if raw := fields["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, &errors.PersistenceError{Op: "LoadWorkflow", Cause: err}
		}
	}
	metadata := map[string]persistence.Value{}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, &errors.PersistenceError{Op: "LoadWorkflow", Cause: err}
		}
	}

	for k, v := range data {
		if v.IsWriteOnly() {
			delete(data, k)
		}
	}

	return &persistence.InstanceView{
		InstanceID:       instanceID,
		InstanceData:     data,
		InstanceMetadata: metadata,
		InstanceOwner:    owner,
		IsBoundToLock:    true,
	}, nil
}

func statusOf(data map[string]persistence.Value) string {
	if v, ok := data[persistence.KeyStatus]; ok {
		if s, ok := v.Value.(string); ok {
			return s
		}
	}
	return ""
}
