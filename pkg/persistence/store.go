package persistence

import (
	"context"

	"github.com/google/uuid"
)

// SaveRequest carries one SaveWorkflow command.
type SaveRequest struct {
	// Owner is the lock owner issuing the save.
	Owner uuid.UUID

	// InstanceID is the workflow instance being saved.
	InstanceID uuid.UUID

	// InstanceData is the full persisted record, replacing prior data.
	InstanceData map[string]Value

	// MetadataChanges are merged into the instance's metadata.
	MetadataChanges map[string]Value

	// Unlock releases the owner's lock after the save commits.
	Unlock bool

	// Complete marks the instance finished; stores may then evict it.
	Complete bool
}

// InstanceView is the result of a load: the instance's persisted record
// and its lock binding.
type InstanceView struct {
	// InstanceID is the loaded instance.
	InstanceID uuid.UUID

	// InstanceData is the persisted record, minus write-only values.
	InstanceData map[string]Value

	// InstanceMetadata is the instance's stored metadata.
	InstanceMetadata map[string]Value

	// InstanceOwner is the owner holding the lock, if any.
	InstanceOwner uuid.UUID

	// IsBoundToLock reports whether the load acquired the lock for the
	// requesting owner.
	IsBoundToLock bool
}

// Store is the external instance store contract. Every command carries a
// context whose deadline bounds the command. Implementations signal
// failures with *errors.PersistenceError so callers can distinguish
// transient command failures from fatal ones, and *errors.NotFoundError
// for unknown instances.
type Store interface {
	// CreateOwner registers a lock owner with the given metadata and
	// returns its id.
	CreateOwner(ctx context.Context, metadata map[string]Value) (uuid.UUID, error)

	// CreateOwnerWithIdentity registers a lock owner bound to a
	// definition identity and match filter.
	CreateOwnerWithIdentity(ctx context.Context, identity DefinitionIdentity, filter IdentityFilter, metadata map[string]Value) (uuid.UUID, error)

	// DeleteOwner removes an owner and releases every lock it holds.
	DeleteOwner(ctx context.Context, owner uuid.UUID) error

	// SaveWorkflow writes an instance record under the owner's lock,
	// acquiring it on first save.
	SaveWorkflow(ctx context.Context, req SaveRequest) error

	// LoadWorkflow reads an instance record and binds its lock to the
	// owner.
	LoadWorkflow(ctx context.Context, owner, instanceID uuid.UUID) (*InstanceView, error)

	// TryLoadRunnableWorkflow picks up any unlocked runnable instance
	// visible to the owner, or returns (nil, nil) when none exists.
	TryLoadRunnableWorkflow(ctx context.Context, owner uuid.UUID) (*InstanceView, error)
}
