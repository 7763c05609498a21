// Package host exposes the free-threaded workflow host: it serializes
// external operations against the single-threaded scheduler, raises
// lifecycle events, and orchestrates persistence at quiescent points.
package host

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/pkg/activity"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/persistence"
	"github.com/tombee/baton/pkg/runtime"
)

// tracerName identifies host spans.
const tracerName = "github.com/tombee/baton/pkg/host"

type hostState int

const (
	hostActive hostState = iota
	hostCompleted
	hostUnloaded
	hostAborted
)

// Host runs one workflow instance. Operations may be issued from any
// goroutine; the host is the airlock between them and the scheduler,
// which must never be re-entered while running.
type Host struct {
	// mu is the coarse operations lock guarding the pending deque,
	// isBusy, pendingUnenqueued, the action count, and host state.
	mu sync.Mutex

	pending           opDeque
	isBusy            bool
	actionCount       int64
	pendingUnenqueued int

	definition activity.Activity
	executor   *runtime.Executor

	initialized bool
	runStarted  bool
	state       hostState
	abortReason error
	abortOnce   sync.Once

	handlers handlers

	hasRaisedCompleted bool
	idlePending        bool

	instanceID  uuid.UUID
	idAllocated bool

	inputs   map[string]any
	identity *persistence.DefinitionIdentity
	filter   persistence.IdentityFilter

	store    persistence.Store
	manager  *persistence.Manager
	pipeline *persistence.Pipeline
	modules  []persistence.Module

	loadedView *persistence.InstanceView

	opTimeout      time.Duration
	persistTimeout time.Duration

	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Host.
type Option func(*Host)

// WithInputs supplies the root's input argument values.
func WithInputs(inputs map[string]any) Option {
	return func(h *Host) { h.inputs = inputs }
}

// WithStore configures the external instance store.
func WithStore(store persistence.Store) Option {
	return func(h *Host) { h.store = store }
}

// WithPersistenceModules registers pluggable persistence modules.
func WithPersistenceModules(modules ...persistence.Module) Option {
	return func(h *Host) { h.modules = append(h.modules, modules...) }
}

// WithDefinitionIdentity binds the host to a versioned definition
// identity with the given load filter.
func WithDefinitionIdentity(identity persistence.DefinitionIdentity, filter persistence.IdentityFilter) Option {
	return func(h *Host) {
		h.identity = &identity
		h.filter = filter
	}
}

// WithHostLogger sets the host's logger.
func WithHostLogger(logger *slog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithOperationTimeout sets the default wait budget for host operations
// whose context carries no deadline.
func WithOperationTimeout(d time.Duration) Option {
	return func(h *Host) { h.opTimeout = d }
}

// WithPersistenceTimeout bounds store commands issued by the host.
func WithPersistenceTimeout(d time.Duration) Option {
	return func(h *Host) { h.persistTimeout = d }
}

// New creates a host over a workflow definition. The definition is cached
// lazily, on the first operation that needs an initialized instance.
func New(definition activity.Activity, opts ...Option) *Host {
	h := &Host{
		definition:     definition,
		opTimeout:      30 * time.Second,
		persistTimeout: 5 * time.Minute,
		logger:         slog.Default(),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.pipeline = persistence.NewPipeline(h.logger, h.modules...)
	return h
}

// Load creates a host over an instance previously saved to the store,
// re-running the definition walk to re-hydrate metadata and restoring
// the executor from the persisted record.
func Load(ctx context.Context, definition activity.Activity, instanceID uuid.UUID, opts ...Option) (*Host, error) {
	h := New(definition, opts...)
	if h.store == nil {
		return nil, &errors.StateError{Operation: "Load", Message: "no instance store configured"}
	}
	h.instanceID = instanceID
	h.idAllocated = true

	if err := h.loadFromStore(ctx, func(m *persistence.Manager) (*persistence.InstanceView, error) {
		return m.Load(ctx)
	}); err != nil {
		return nil, err
	}
	return h, nil
}

// LoadRunnable creates a host over any runnable instance the store holds
// for this owner. Returns a NotFoundError when none is available.
func LoadRunnable(ctx context.Context, definition activity.Activity, opts ...Option) (*Host, error) {
	h := New(definition, opts...)
	if h.store == nil {
		return nil, &errors.StateError{Operation: "LoadRunnable", Message: "no instance store configured"}
	}

	err := h.loadFromStore(ctx, func(m *persistence.Manager) (*persistence.InstanceView, error) {
		view, err := m.TryLoadRunnable(ctx)
		if err != nil {
			return nil, err
		}
		if view == nil {
			return nil, &errors.NotFoundError{Resource: "runnable instance", ID: "any"}
		}
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// loadFromStore initializes the persistence manager, retrieves the
// instance view, and rebuilds the executor from it.
func (h *Host) loadFromStore(ctx context.Context, load func(*persistence.Manager) (*persistence.InstanceView, error)) error {
	h.manager = persistence.NewManager(persistence.ManagerConfig{
		Store:      h.store,
		InstanceID: h.instanceID,
		Identity:   h.identity,
		Filter:     h.filter,
		Timeout:    h.persistTimeout,
		Logger:     h.logger,
	})
	if err := h.manager.Initialize(ctx); err != nil {
		return err
	}

	view, err := load(h.manager)
	if err != nil {
		return err
	}
	h.instanceID = view.InstanceID
	h.idAllocated = true
	h.loadedView = view

	if err := h.initializeInstance(ctx); err != nil {
		return err
	}
	return nil
}

// InstanceID returns the global workflow instance id, allocating it on
// first observation.
func (h *Host) InstanceID() uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.idAllocated {
		h.instanceID = uuid.New()
		h.idAllocated = true
	}
	return h.instanceID
}

// initializeInstance performs lazy initialization: the definition walk,
// executor construction, and restore from a loaded view when present.
func (h *Host) initializeInstance(ctx context.Context) error {
	h.mu.Lock()
	if h.initialized {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := activity.EnsureCached(ctx, h.definition, activity.NewHostEnvironment()); err != nil {
		return err
	}

	logger := log.ForInstance(h.logger, h.InstanceID().String())
	ex := runtime.NewExecutor(h.definition,
		runtime.WithLogger(logger),
		runtime.WithUnhandledFaultHandler(h.dispatchUnhandledException),
	)

	if h.loadedView != nil {
		blob, ok := h.loadedView.InstanceData[persistence.KeyWorkflow]
		if !ok {
			return &errors.PersistenceError{
				Op:    "LoadWorkflow",
				Cause: errors.New("persisted record is missing the Workflow entry"),
			}
		}
		raw, ok := blob.Value.(string)
		if !ok {
			return &errors.PersistenceError{
				Op:    "LoadWorkflow",
				Cause: errors.New("persisted Workflow entry is not a serialized executor"),
			}
		}
		snap, err := runtime.UnmarshalSnapshot([]byte(raw))
		if err != nil {
			return err
		}
		if err := ex.Restore(snap); err != nil {
			return err
		}
		if err := h.pipeline.Load(ctx, h.loadedView.InstanceData); err != nil {
			return err
		}
	}

	h.mu.Lock()
	if !h.initialized {
		h.logger = logger
		h.executor = ex
		h.initialized = true
		if h.loadedView != nil {
			h.runStarted = true
		}
	}
	h.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------
// Operation plumbing

// checkOperable enforces fail-fast rules before an operation enqueues.
func (h *Host) checkOperable(ctx context.Context, name string) error {
	if isHandlerContext(ctx) {
		return &errors.StateError{
			Operation: name,
			Message:   "operations cannot be issued from inside a host handler",
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case hostAborted:
		return &errors.AbortedError{Reason: h.abortReason}
	case hostUnloaded:
		return &errors.StateError{Operation: name, State: "Unloaded", Message: "the instance has been unloaded"}
	}
	return nil
}

// enqueue admits an operation to the queue, servicing it immediately when
// the host is not busy.
func (h *Host) enqueue(ctx context.Context, op *instanceOperation, front bool) error {
	if op.requiresInitialized {
		if err := h.initializeInstance(ctx); err != nil {
			return err
		}
	}

	h.mu.Lock()
	op.actionCountAtEnqueue = h.actionCount

	if h.isBusy {
		if front {
			h.pending.pushFront(op)
		} else {
			h.pending.pushBack(op)
		}
		if op.interruptsScheduler && h.initialized && h.executor != nil {
			h.executor.RequestPause()
		}
		h.mu.Unlock()
		return nil
	}

	if op.canRun == nil || op.canRun() || h.inTerminalStateLocked() {
		op.notified = true
		h.isBusy = true
		h.actionCount++
		h.mu.Unlock()
		h.serviceOperation(op)
		return nil
	}

	h.pending.pushBack(op)
	h.mu.Unlock()
	return nil
}

func (h *Host) inTerminalStateLocked() bool {
	return h.state != hostActive
}

// serviceOperation executes a notified operation on the caller's
// goroutine, then hands the pump to a fresh goroutine so the caller
// unblocks as soon as its own operation is done.
func (h *Host) serviceOperation(op *instanceOperation) {
	op.err = op.execute()
	close(op.done)
	go h.onNotifyPaused()
}

// onNotifyPaused is the heart of the serialization loop. While the host
// is busy it services exactly one thing per iteration: raising Completed,
// notifying the next runnable operation, running the scheduler, or
// raising Idle. When nothing applies the host stops being busy.
func (h *Host) onNotifyPaused() {
	for {
		if h.finishAbortIfNeeded() {
			return
		}

		if h.shouldRaiseCompleted() {
			h.raiseCompleted()
			continue
		}

		h.mu.Lock()

		idx := h.pending.findRunnable(h.inTerminalStateLocked())

		shouldRunNow := false
		if h.initialized && h.state == hostActive && h.executor != nil {
			switch h.executor.State() {
			case runtime.ExecutorRunnable:
				shouldRunNow = true
			case runtime.ExecutorPaused:
				// Resume a run interrupted for an operation that has been
				// serviced or withdrawn; an empty queue falls straight
				// through to idle.
				shouldRunNow = true
			}
		}

		shouldRaiseIdleNow := h.idlePending && !h.hasRaisedCompleted &&
			h.pendingUnenqueued == 0 && h.state == hostActive &&
			h.executor != nil && h.executor.State() == runtime.ExecutorIdle

		if idx < 0 && !shouldRunNow && !shouldRaiseIdleNow {
			h.isBusy = false
			h.mu.Unlock()
			return
		}

		if idx >= 0 {
			op := h.pending.removeAt(idx)
			op.notified = true
			h.actionCount++
			h.mu.Unlock()
			op.err = op.execute()
			close(op.done)
			continue
		}

		if shouldRunNow {
			h.actionCount++
			h.mu.Unlock()
			outcome := h.executor.Run(context.Background())
			h.mu.Lock()
			if outcome == runtime.OutcomeIdle {
				h.idlePending = true
			}
			h.mu.Unlock()
			continue
		}

		h.idlePending = false
		h.mu.Unlock()
		h.raiseIdle()
	}
}

// waitForOperation blocks until the operation completes or the context
// expires. On expiry the operation is removed if it was never notified;
// if removal fails, it is already being serviced and the wait completes.
func (h *Host) waitForOperation(ctx context.Context, op *instanceOperation) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		h.mu.Lock()
		removed := h.pending.remove(op)
		h.mu.Unlock()
		if removed {
			return &errors.TimeoutError{Operation: op.name, Duration: time.Since(op.enqueuedAt)}
		}
		<-op.done
		return op.err
	}
}

// doOperation is the common synchronous entry point for host operations.
func (h *Host) doOperation(ctx context.Context, op *instanceOperation, front bool) error {
	if err := h.checkOperable(ctx, op.name); err != nil {
		return err
	}

	ctx, cancel := h.withDefaultTimeout(ctx)
	defer cancel()

	ctx, span := h.tracer.Start(ctx, op.name)
	defer span.End()

	if err := h.enqueue(ctx, op, front); err != nil {
		return err
	}
	err := h.waitForOperation(ctx, op)
	h.logger.Debug("host operation finished",
		log.Operation(op.name),
		log.Elapsed(time.Since(op.enqueuedAt)),
	)
	return err
}

func (h *Host) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.opTimeout)
}

// executorQuiescent reports whether the scheduler can be observed for
// persistence or resumption. Called under the host lock by canRun gates.
func (h *Host) executorQuiescent() bool {
	if h.executor == nil {
		return false
	}
	switch h.executor.State() {
	case runtime.ExecutorRunning:
		return false
	default:
		return true
	}
}

// ---------------------------------------------------------------------
// Events

func (h *Host) shouldRaiseCompleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized && h.state == hostActive && !h.hasRaisedCompleted &&
		h.executor != nil && h.executor.IsComplete()
}

// raiseCompleted runs the two-stage completion: the handler fires first,
// then the instance is persisted as complete and unloaded when a store is
// configured.
func (h *Host) raiseCompleted() {
	state, fault := h.executor.TerminalState()
	args := CompletedEventArgs{
		State:   state,
		Outputs: h.executor.Outputs(),
		Fault:   fault,
	}

	h.handlers.mu.Lock()
	fn := h.handlers.completed
	h.handlers.mu.Unlock()

	h.logger.Info("workflow instance completed",
		log.Event("completed"),
		slog.String(log.InstanceIDKey, h.InstanceID().String()),
		slog.String("state", state.String()),
	)

	if fn != nil {
		fn(markHandlerContext(context.Background()), args)
	}

	h.mu.Lock()
	h.hasRaisedCompleted = true
	h.state = hostCompleted
	mgr := h.manager
	store := h.store
	h.mu.Unlock()

	if store != nil {
		ctx := context.Background()
		if err := h.persistNow(ctx, persistence.SaveOpComplete); err != nil {
			h.logger.Error("failed to persist completed instance", "error", err)
		}
		if mgr == nil {
			mgr = h.managerRef()
		}
		if mgr != nil {
			mgr.DeleteOwner(ctx)
		}
		h.raiseUnloaded()
	}
}

func (h *Host) managerRef() *persistence.Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manager
}

// raiseIdle fires Idle, then PersistableIdle, and applies the
// persistable-idle directive.
func (h *Host) raiseIdle() {
	bookmarks := h.executor.BookmarkInfos()
	args := IdleEventArgs{Bookmarks: bookmarks}

	h.handlers.mu.Lock()
	idleFn := h.handlers.idle
	persistableFn := h.handlers.persistableIdle
	h.handlers.mu.Unlock()

	hctx := markHandlerContext(context.Background())
	if idleFn != nil {
		idleFn(hctx, args)
	}

	if persistableFn == nil || h.store == nil {
		return
	}
	switch persistableFn(hctx, args) {
	case ActionPersist:
		if err := h.persistNow(context.Background(), persistence.SaveOpSave); err != nil {
			h.logger.Error("persistable-idle persist failed", "error", err)
			h.Abort(err)
		}
	case ActionUnload:
		if err := h.unloadNow(context.Background()); err != nil {
			h.logger.Error("persistable-idle unload failed", "error", err)
			h.Abort(err)
		}
	}
}

func (h *Host) raiseUnloaded() {
	h.handlers.mu.Lock()
	fn := h.handlers.unloaded
	h.handlers.mu.Unlock()
	if fn != nil {
		fn(markHandlerContext(context.Background()))
	}
}

// dispatchUnhandledException bridges the executor's fault escalation to
// the host handler.
func (h *Host) dispatchUnhandledException(fault error, source *runtime.ActivityInstance) runtime.FaultAction {
	h.handlers.mu.Lock()
	fn := h.handlers.unhandledException
	h.handlers.mu.Unlock()

	h.logger.Error("unhandled workflow exception",
		slog.String(log.InstanceIDKey, h.InstanceID().String()),
		slog.String(log.ActivityKey, source.Activity().Meta().DisplayName()),
		log.Error(fault),
	)

	action := runtime.FaultAbort
	if fn != nil {
		action = fn(markHandlerContext(context.Background()), UnhandledExceptionEventArgs{
			Source:           source.Activity(),
			SourceInstanceID: source.ID(),
			Exception:        fault,
		})
	}

	if action == runtime.FaultAbort {
		h.mu.Lock()
		if h.state == hostActive {
			h.state = hostAborted
			h.abortReason = fault
		}
		h.mu.Unlock()
	}
	return action
}

// ---------------------------------------------------------------------
// Abort

// Abort bypasses the operation queue entirely and tears the instance
// down. Pending operations fail with an AbortedError; the Aborted handler
// fires once teardown finishes.
func (h *Host) Abort(reason error) {
	h.mu.Lock()
	if h.state == hostAborted && h.abortReason != nil {
		h.mu.Unlock()
		return
	}
	h.state = hostAborted
	if h.abortReason == nil {
		h.abortReason = reason
	}
	busy := h.isBusy
	executor := h.executor
	h.mu.Unlock()

	h.pipeline.Abort()
	if executor != nil {
		executor.RequestPause()
	}
	if mgr := h.managerRef(); mgr != nil {
		mgr.Abort()
	}

	if !busy {
		h.finishAbortIfNeeded()
	}
}

// finishAbortIfNeeded completes a pending abort: tears the executor down,
// fails pending operations, and raises the Aborted handler. Returns true
// when the host is aborted.
func (h *Host) finishAbortIfNeeded() bool {
	h.mu.Lock()
	if h.state != hostAborted {
		h.mu.Unlock()
		return false
	}
	reason := h.abortReason
	executor := h.executor
	pending := h.pending.drain()
	h.isBusy = false
	h.mu.Unlock()

	h.abortOnce.Do(func() {
		if executor != nil {
			executor.Abort(reason)
		}
		for _, op := range pending {
			op.err = &errors.AbortedError{Reason: reason}
			close(op.done)
		}

		h.handlers.mu.Lock()
		fn := h.handlers.aborted
		h.handlers.mu.Unlock()
		if fn != nil {
			fn(markHandlerContext(context.Background()), reason)
		}
	})
	return true
}

// ---------------------------------------------------------------------
// Persistence

// persistNow converts the quiescent instance to persistable values and
// drives the pipeline and manager through a save.
func (h *Host) persistNow(ctx context.Context, op persistence.SaveOperation) error {
	if h.store == nil {
		return &errors.StateError{Operation: "Persist", Message: "no instance store configured"}
	}

	// Force id allocation before the first save.
	instanceID := h.InstanceID()

	h.mu.Lock()
	if h.manager == nil {
		h.manager = persistence.NewManager(persistence.ManagerConfig{
			Store:      h.store,
			InstanceID: instanceID,
			Identity:   h.identity,
			Filter:     h.filter,
			Timeout:    h.persistTimeout,
			Logger:     h.logger,
		})
	}
	mgr := h.manager
	h.mu.Unlock()

	ctx, span := h.tracer.Start(ctx, "persist")
	defer span.End()

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	if err := mgr.EnsureReadiness(ctx); err != nil {
		return err
	}

	base, err := h.collectBaseValues()
	if err != nil {
		return err
	}
	values, err := h.pipeline.CollectAndMap(ctx, base)
	if err != nil {
		return err
	}
	if err := h.pipeline.SaveModules(ctx, values); err != nil {
		return err
	}
	if err := mgr.Save(ctx, values, op); err != nil {
		return err
	}
	return h.pipeline.Publish(ctx, values)
}

// collectBaseValues builds the host's own contribution to the persisted
// record: the serialized executor, status, bookmarks, and outputs.
func (h *Host) collectBaseValues() (map[string]persistence.Value, error) {
	values := make(map[string]persistence.Value)

	state, fault := h.executor.TerminalState()
	complete := h.executor.IsComplete()

	switch {
	case !complete:
		snap, err := h.executor.Snapshot()
		if err != nil {
			return nil, err
		}
		blob, err := snap.Marshal()
		if err != nil {
			return nil, err
		}
		values[persistence.KeyWorkflow] = persistence.Value{Value: string(blob)}

		if snap.IsRunnable() {
			values[persistence.KeyStatus] = persistence.Value{Value: persistence.StatusExecuting}
		} else {
			values[persistence.KeyStatus] = persistence.Value{Value: persistence.StatusIdle}
		}

		if infos := h.executor.BookmarkInfos(); len(infos) > 0 {
			names := make([]any, 0, len(infos))
			for _, info := range infos {
				names = append(names, map[string]any{"name": info.Name, "owner": info.OwnerDisplayName})
			}
			values[persistence.KeyBookmarks] = persistence.Value{
				Value:   names,
				Options: persistence.OptionOptional | persistence.OptionWriteOnly,
			}
		}

		for _, v := range h.definition.Meta().PublicVariables() {
			if val, ok := v.Get(h.executor.RootInstance().Environment()); ok {
				values[persistence.VariableKey(v.Name)] = persistence.Value{
					Value:   val,
					Options: persistence.OptionOptional | persistence.OptionWriteOnly,
				}
			}
		}

	case state == runtime.StateClosed:
		values[persistence.KeyStatus] = persistence.Value{Value: persistence.StatusClosed}
		for name, v := range h.executor.Outputs() {
			values[persistence.OutputKey(name)] = persistence.Value{Value: v}
		}

	case state == runtime.StateCanceled:
		values[persistence.KeyStatus] = persistence.Value{Value: persistence.StatusCanceled}

	default:
		values[persistence.KeyStatus] = persistence.Value{Value: persistence.StatusFaulted}
		if fault != nil {
			values[persistence.KeyException] = persistence.Value{Value: fault.Error()}
		}
	}

	values[persistence.KeyLastUpdate] = persistence.Value{
		Value:   time.Now().UTC().Format(time.RFC3339Nano),
		Options: persistence.OptionOptional | persistence.OptionWriteOnly,
	}
	return values, nil
}

// unloadNow persists with unlock, marks the host unloaded, and raises
// Unloaded.
func (h *Host) unloadNow(ctx context.Context) error {
	if err := h.persistNow(ctx, persistence.SaveOpUnload); err != nil {
		return err
	}
	h.mu.Lock()
	h.state = hostUnloaded
	h.mu.Unlock()
	h.raiseUnloaded()
	return nil
}

// ---------------------------------------------------------------------
// Public operations

// Run starts (or resumes) execution of the workflow instance. It returns
// once the run has been admitted; execution proceeds on the host's pump
// and completion is observed through the Completed handler.
func (h *Host) Run(ctx context.Context) error {
	op := newOperation("Run")
	op.requiresInitialized = true
	op.execute = func() error {
		return h.startRun()
	}
	return h.doOperation(ctx, op, false)
}

func (h *Host) startRun() error {
	h.mu.Lock()
	started := h.runStarted
	h.runStarted = true
	inputs := h.inputs
	h.mu.Unlock()

	if started {
		return nil
	}
	return h.executor.ScheduleRootInvocation(inputs)
}

// Cancel requests cancelation of the workflow instance. Cancelation is
// cooperative: the instance observes it and completes as Canceled.
func (h *Host) Cancel(ctx context.Context) error {
	op := newOperation("Cancel")
	op.requiresInitialized = true
	op.interruptsScheduler = true
	op.execute = func() error {
		h.executor.CancelRoot()
		return nil
	}
	return h.doOperation(ctx, op, false)
}

// Terminate schedules a termination fault; Completed fires with
// state Faulted carrying the reason.
func (h *Host) Terminate(ctx context.Context, reason error) error {
	op := newOperation("Terminate")
	op.requiresInitialized = true
	op.interruptsScheduler = true
	op.execute = func() error {
		h.executor.Terminate(reason)
		return nil
	}
	return h.doOperation(ctx, op, false)
}

// Persist saves the instance at its current quiescent point and keeps it
// loaded.
func (h *Host) Persist(ctx context.Context) error {
	op := newOperation("Persist")
	op.requiresInitialized = true
	op.interruptsScheduler = true
	op.canRun = h.executorQuiescent
	op.execute = func() error {
		return h.persistNow(ctx, persistence.SaveOpSave)
	}
	return h.doOperation(ctx, op, false)
}

// Unload saves the instance with an unlock and removes it from memory.
// Subsequent operations fail until the instance is loaded again.
func (h *Host) Unload(ctx context.Context) error {
	op := newOperation("Unload")
	op.requiresInitialized = true
	op.interruptsScheduler = true
	op.canRun = h.executorQuiescent
	op.execute = func() error {
		return h.unloadNow(ctx)
	}
	return h.doOperation(ctx, op, false)
}

// ResumeBookmark delivers a value to a named bookmark. An implicit run is
// started first if the instance has never run; the pending-unenqueued
// guard keeps Idle from firing between that run and the enqueue of the
// resumption itself.
func (h *Host) ResumeBookmark(ctx context.Context, name string, value any) (runtime.BookmarkResumptionResult, error) {
	if err := h.checkOperable(ctx, "ResumeBookmark"); err != nil {
		return runtime.ResumeNotReady, err
	}

	h.mu.Lock()
	h.pendingUnenqueued++
	started := h.runStarted
	h.mu.Unlock()

	decremented := false
	decrement := func() {
		if !decremented {
			decremented = true
			h.mu.Lock()
			h.pendingUnenqueued--
			h.mu.Unlock()
		}
	}
	defer decrement()

	if !started {
		if err := h.Run(ctx); err != nil {
			return runtime.ResumeNotReady, err
		}
	}

	var result runtime.BookmarkResumptionResult
	op := newOperation("ResumeBookmark")
	op.requiresInitialized = true
	op.interruptsScheduler = true
	op.canRun = h.executorQuiescent
	op.execute = func() error {
		result = h.executor.ResumeBookmark(runtime.Bookmark{Name: name}, value)
		return nil
	}

	ctx, cancel := h.withDefaultTimeout(ctx)
	defer cancel()
	ctx, span := h.tracer.Start(ctx, op.name)
	defer span.End()

	// Front-pushed: the resumption must win over operations back-pushed
	// while the implicit run was being admitted.
	if err := h.enqueue(ctx, op, true); err != nil {
		return runtime.ResumeNotReady, err
	}
	decrement()

	if err := h.waitForOperation(ctx, op); err != nil {
		return runtime.ResumeNotReady, err
	}
	return result, nil
}

// GetBookmarks returns the instance's outstanding bookmarks.
func (h *Host) GetBookmarks(ctx context.Context) ([]runtime.BookmarkInfo, error) {
	var infos []runtime.BookmarkInfo
	op := newOperation("GetBookmarks")
	op.requiresInitialized = true
	op.canRun = h.executorQuiescent
	op.execute = func() error {
		infos = h.executor.BookmarkInfos()
		return nil
	}
	if err := h.doOperation(ctx, op, false); err != nil {
		return nil, err
	}
	return infos, nil
}
