package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/pkg/errors"
)

// ManagerState is the store handle lifecycle.
type ManagerState int

const (
	// StateUninitialized means no owner handle exists yet.
	StateUninitialized ManagerState = iota
	// StateInitialized means the handle is bound to an owner; the
	// instance may or may not be locked yet.
	StateInitialized
	// StateLocked means the store granted exclusive access to this
	// instance id for this owner.
	StateLocked
	// StateAborted means the handle is freed; further operations are
	// no-ops or cancellations.
	StateAborted
)

// SaveOperation selects the flavor of a manager save.
type SaveOperation int

const (
	// SaveOpSave writes current state and keeps the lock.
	SaveOpSave SaveOperation = iota
	// SaveOpUnload writes current state and releases the lock.
	SaveOpUnload
	// SaveOpComplete writes final state and marks the instance finished.
	SaveOpComplete
)

// Manager owns the store handle and the owner identity for one host. It
// is the per-host façade over the external instance store.
type Manager struct {
	mu sync.Mutex

	store      Store
	instanceID uuid.UUID
	identity   *DefinitionIdentity
	filter     IdentityFilter
	timeout    time.Duration

	state   ManagerState
	ownerID uuid.UUID

	logger *slog.Logger
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Store is the external instance store. Required.
	Store Store

	// InstanceID is the global workflow instance id.
	InstanceID uuid.UUID

	// Identity optionally binds the owner to a definition identity.
	Identity *DefinitionIdentity

	// Filter selects how strictly loaded identities must match.
	// Default: Exact when an identity is set, Any otherwise.
	Filter IdentityFilter

	// Timeout bounds each store command. Default: 5m.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewManager creates a manager over an instance store.
func NewManager(cfg ManagerConfig) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filter := cfg.Filter
	if cfg.Identity == nil {
		filter = FilterAny
	}
	return &Manager{
		store:      cfg.Store,
		instanceID: cfg.InstanceID,
		identity:   cfg.Identity,
		filter:     filter,
		timeout:    timeout,
		logger:     logger,
	}
}

// State returns the handle lifecycle state.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OwnerID returns the store-assigned owner id once initialized.
func (m *Manager) OwnerID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ownerID
}

// InstanceID returns the global instance id this manager serves.
func (m *Manager) InstanceID() uuid.UUID { return m.instanceID }

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Manager) checkUsable(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAborted {
		return &errors.AbortedError{Reason: errors.New(op + " after the store handle was freed")}
	}
	return nil
}

// Initialize issues CreateOwner (with identity when one is supplied) and
// binds the handle to the returned owner.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.checkUsable("Initialize"); err != nil {
		return err
	}
	m.mu.Lock()
	if m.state != StateUninitialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	metadata := map[string]Value{
		KeyInstanceType: {Value: InstanceType},
	}

	var ownerID uuid.UUID
	var err error
	if m.identity != nil {
		metadata[KeyDefinitionIdentityFilter] = Value{Value: m.filter.String()}
		ownerID, err = m.store.CreateOwnerWithIdentity(opCtx, *m.identity, m.filter, metadata)
	} else {
		ownerID, err = m.store.CreateOwner(opCtx, metadata)
	}
	if err != nil {
		metrics.RecordPersistenceOp("CreateOwner", "error")
		return err
	}
	metrics.RecordPersistenceOp("CreateOwner", "ok")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAborted {
		// Abort raced the owner creation; the freed handle wins.
		return &errors.AbortedError{Reason: errors.New("store handle was freed during initialization")}
	}
	m.ownerID = ownerID
	m.state = StateInitialized
	return nil
}

// EnsureReadiness performs the initial save, carrying only metadata, so
// the store binds the instance lock to this owner.
func (m *Manager) EnsureReadiness(ctx context.Context) error {
	if err := m.checkUsable("EnsureReadiness"); err != nil {
		return err
	}
	m.mu.Lock()
	if m.state == StateLocked {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	err := m.store.SaveWorkflow(opCtx, SaveRequest{
		Owner:           m.ownerID,
		InstanceID:      m.instanceID,
		MetadataChanges: m.instanceMetadata(),
	})
	if err != nil {
		metrics.RecordPersistenceOp("SaveWorkflow", "error")
		return err
	}
	metrics.RecordPersistenceOp("SaveWorkflow", "ok")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAborted {
		return &errors.AbortedError{Reason: errors.New("store handle was freed during lock acquisition")}
	}
	m.state = StateLocked
	return nil
}

// Save writes the instance record. SaveOpUnload releases the lock;
// SaveOpComplete additionally marks the instance finished.
func (m *Manager) Save(ctx context.Context, values map[string]Value, op SaveOperation) error {
	if err := m.checkUsable("Save"); err != nil {
		return err
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	req := SaveRequest{
		Owner:           m.ownerID,
		InstanceID:      m.instanceID,
		InstanceData:    values,
		MetadataChanges: m.instanceMetadata(),
		Unlock:          op != SaveOpSave,
		Complete:        op == SaveOpComplete,
	}
	if err := m.store.SaveWorkflow(opCtx, req); err != nil {
		metrics.RecordPersistenceOp("SaveWorkflow", "error")
		return err
	}
	metrics.RecordPersistenceOp("SaveWorkflow", "ok")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAborted {
		if op == SaveOpSave {
			m.state = StateLocked
		} else {
			m.state = StateInitialized
		}
	}
	return nil
}

// Load reads the instance record and binds the lock to this owner.
func (m *Manager) Load(ctx context.Context) (*InstanceView, error) {
	if err := m.checkUsable("Load"); err != nil {
		return nil, err
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	view, err := m.store.LoadWorkflow(opCtx, m.ownerID, m.instanceID)
	if err != nil {
		metrics.RecordPersistenceOp("LoadWorkflow", "error")
		return nil, err
	}
	metrics.RecordPersistenceOp("LoadWorkflow", "ok")

	if err := m.verifyIdentity(view); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAborted {
		return nil, &errors.AbortedError{Reason: errors.New("store handle was freed during load")}
	}
	if view.IsBoundToLock {
		m.state = StateLocked
	}
	return view, nil
}

// TryLoadRunnable attempts to pick up any runnable instance for the
// owner. Returns (nil, nil) when none is available.
func (m *Manager) TryLoadRunnable(ctx context.Context) (*InstanceView, error) {
	if err := m.checkUsable("TryLoadRunnable"); err != nil {
		return nil, err
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	view, err := m.store.TryLoadRunnableWorkflow(opCtx, m.ownerID)
	if err != nil {
		metrics.RecordPersistenceOp("TryLoadRunnableWorkflow", "error")
		return nil, err
	}
	metrics.RecordPersistenceOp("TryLoadRunnableWorkflow", "ok")
	if view == nil {
		return nil, nil
	}

	if err := m.verifyIdentity(view); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instanceID = view.InstanceID
	if m.state != StateAborted && view.IsBoundToLock {
		m.state = StateLocked
	}
	m.mu.Unlock()
	return view, nil
}

// Unlock writes a save-with-unlock carrying no data changes.
func (m *Manager) Unlock(ctx context.Context) error {
	if err := m.checkUsable("Unlock"); err != nil {
		return err
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	err := m.store.SaveWorkflow(opCtx, SaveRequest{
		Owner:      m.ownerID,
		InstanceID: m.instanceID,
		Unlock:     true,
	})
	if err != nil {
		metrics.RecordPersistenceOp("SaveWorkflow", "error")
		return err
	}
	metrics.RecordPersistenceOp("SaveWorkflow", "ok")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateLocked {
		m.state = StateInitialized
	}
	return nil
}

// DeleteOwner removes the ownership metadata, best-effort: command,
// ownership, and cancellation failures are swallowed.
func (m *Manager) DeleteOwner(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateUninitialized || m.state == StateAborted {
		m.mu.Unlock()
		return
	}
	owner := m.ownerID
	m.mu.Unlock()

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	if err := m.store.DeleteOwner(opCtx, owner); err != nil {
		metrics.RecordPersistenceOp("DeleteOwner", "error")
		m.logger.Debug("delete owner failed", "error", err)
		return
	}
	metrics.RecordPersistenceOp("DeleteOwner", "ok")
}

// Abort frees the handle. All further operations fail fast. The
// state write happens under the lock so an initialization racing an
// abort observes the freed handle and loses.
func (m *Manager) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateAborted
}

// instanceMetadata builds the metadata changes attached to saves.
func (m *Manager) instanceMetadata() map[string]Value {
	md := map[string]Value{
		KeyInstanceType: {Value: InstanceType},
	}
	if m.identity != nil {
		md[KeyDefinitionIdentity] = Value{Value: map[string]any{
			"name":    m.identity.Name,
			"version": m.identity.Version,
		}}
		md[KeyDefinitionIdentityFilter] = Value{Value: m.filter.String()}
	}
	return md
}

// verifyIdentity enforces the identity filter on loaded instances. A
// mismatch is fatal: the caller must abort rather than run a definition
// against state saved by another.
func (m *Manager) verifyIdentity(view *InstanceView) error {
	stored := storedIdentity(view.InstanceMetadata)
	if m.filter.Matches(m.identity, stored) {
		return nil
	}
	return &errors.PersistenceError{
		Op:        "LoadWorkflow",
		Transient: false,
		Cause:     errors.New("definition identity of the stored instance does not match this host"),
	}
}

func storedIdentity(metadata map[string]Value) *DefinitionIdentity {
	v, ok := metadata[KeyDefinitionIdentity]
	if !ok {
		return nil
	}
	raw, ok := v.Value.(map[string]any)
	if !ok {
		return nil
	}
	id := &DefinitionIdentity{}
	if s, ok := raw["name"].(string); ok {
		id.Name = s
	}
	if s, ok := raw["version"].(string); ok {
		id.Version = s
	}
	return id
}
