package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/pkg/activity"
	"github.com/tombee/baton/pkg/errors"
)

// ExecutorState is the scheduler's coarse state as observed by the host.
type ExecutorState int

const (
	// ExecutorCreated marks an executor with no root invocation yet.
	ExecutorCreated ExecutorState = iota
	// ExecutorRunnable marks pending work the host should run.
	ExecutorRunnable
	// ExecutorRunning marks an active Run loop.
	ExecutorRunning
	// ExecutorIdle marks a drained queue with the root still live.
	ExecutorIdle
	// ExecutorPaused marks a Run loop interrupted at a safe point.
	ExecutorPaused
	// ExecutorCompleted marks a terminal root.
	ExecutorCompleted
	// ExecutorAborted marks a torn-down executor.
	ExecutorAborted
)

// RunOutcome reports why a Run call returned.
type RunOutcome int

const (
	// OutcomeIdle means the queue drained with the root still live.
	OutcomeIdle RunOutcome = iota
	// OutcomeCompleted means the root reached a terminal state.
	OutcomeCompleted
	// OutcomePaused means a pause request interrupted the loop.
	OutcomePaused
	// OutcomeAborted means the executor was aborted.
	OutcomeAborted
)

// FaultAction is the host's directive for an unhandled fault.
type FaultAction int

const (
	// FaultAbort tears the instance down.
	FaultAbort FaultAction = iota
	// FaultCancel requests cancelation of the root.
	FaultCancel
	// FaultTerminate schedules a termination fault.
	FaultTerminate
	// FaultIgnore drops the faulted subtree and continues.
	FaultIgnore
)

// Executable is implemented by activities with an execution body. A
// definition node without it is structural and completes as soon as it
// has no pending work.
type Executable interface {
	Execute(ctx *Context) error
}

// Cancelable is implemented by activities that handle their own
// cancelation. Activities without it get default cancelation: the request
// cascades to children and the instance closes as Canceled once only
// blocking bookmarks remain.
type Cancelable interface {
	Cancel(ctx *Context) error
}

// BookmarkHandler receives bookmark resumptions. Bookmarks dispatch to
// the owning activity through this interface so resumption survives
// persistence.
type BookmarkHandler interface {
	OnBookmarkResumed(ctx *Context, b Bookmark, value any) error
}

// ChildCompletionHandler is notified when a scheduled child completes.
type ChildCompletionHandler interface {
	OnChildCompleted(ctx *Context, child ChildCompletion) error
}

// ChildCompletion describes a completed child invocation to its parent.
type ChildCompletion struct {
	// Activity is the completed child's definition.
	Activity activity.Activity

	// InstanceID is the completed invocation's serialized id.
	InstanceID int64

	// State is Closed or Canceled. A faulted child is handled by the
	// unhandled-fault directive and is not reported through this type.
	State State

	// Outputs holds the child's Out and InOut argument values, plus any
	// Out delegate parameters, keyed by name.
	Outputs map[string]any
}

type workItemKind int

const (
	wiResolveArguments workItemKind = iota
	wiExecuteBody
	wiBookmarkResumption
	wiCancel
)

func (k workItemKind) String() string {
	switch k {
	case wiResolveArguments:
		return "resolve_arguments"
	case wiExecuteBody:
		return "execute_body"
	case wiBookmarkResumption:
		return "bookmark_resumption"
	case wiCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

type workItem struct {
	kind     workItemKind
	instance *ActivityInstance
	index    int
	bookmark Bookmark
	value    any
}

// Executor is the single-threaded cooperative scheduler. At any moment at
// most one activity is executing; it runs to a cooperative yield (an
// expression scheduled, a bookmark created, completion). The host is
// responsible for never calling Run re-entrantly.
type Executor struct {
	root      activity.Activity
	rootInst  *ActivityInstance
	instances *InstanceMap
	bookmarks *BookmarkManager

	queue []*workItem

	// state is read by the host from other goroutines through State();
	// writes happen only on the goroutine driving the turn.
	state atomic.Int32

	pauseRequested atomic.Bool

	rootInputs map[string]any

	terminatePending bool
	terminateReason  error

	terminalState State
	fault         error
	outputs       map[string]any

	onUnhandledFault func(fault error, source *ActivityInstance) FaultAction
	trackingFlush    func()

	logger *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(ex *Executor) { ex.logger = logger }
}

// WithUnhandledFaultHandler sets the directive callback consulted when a
// fault reaches the root unhandled. Without one, faults abort.
func WithUnhandledFaultHandler(f func(fault error, source *ActivityInstance) FaultAction) ExecutorOption {
	return func(ex *Executor) { ex.onUnhandledFault = f }
}

// WithTrackingFlush sets a hook flushed after the work of each Run and
// before the executor can be observed idle.
func WithTrackingFlush(f func()) ExecutorOption {
	return func(ex *Executor) { ex.trackingFlush = f }
}

// NewExecutor creates an executor over a cached root definition.
func NewExecutor(root activity.Activity, opts ...ExecutorOption) *Executor {
	ex := &Executor{
		root:      root,
		instances: NewInstanceMap(),
		bookmarks: NewBookmarkManager(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(ex)
	}
	return ex
}

// State returns the scheduler's coarse state.
func (ex *Executor) State() ExecutorState { return ExecutorState(ex.state.Load()) }

func (ex *Executor) setState(s ExecutorState) { ex.state.Store(int32(s)) }

// Root returns the root definition.
func (ex *Executor) Root() activity.Activity { return ex.root }

// RootInstance returns the root invocation, or nil before scheduling.
func (ex *Executor) RootInstance() *ActivityInstance { return ex.rootInst }

// Instances returns the live instance registry.
func (ex *Executor) Instances() *InstanceMap { return ex.instances }

// Bookmarks returns the bookmark manager.
func (ex *Executor) Bookmarks() *BookmarkManager { return ex.bookmarks }

// IsComplete reports whether the root reached a terminal state.
func (ex *Executor) IsComplete() bool {
	return ex.State() == ExecutorCompleted || (ex.rootInst != nil && ex.rootInst.IsCompleted())
}

// HasPendingWork reports whether another Run would make progress.
func (ex *Executor) HasPendingWork() bool {
	return len(ex.queue) > 0 || ex.terminatePending
}

// TerminalState returns the root's final state and fault once complete.
func (ex *Executor) TerminalState() (State, error) {
	return ex.terminalState, ex.fault
}

// Outputs returns the root's Out and InOut argument values after
// completion.
func (ex *Executor) Outputs() map[string]any { return ex.outputs }

// BookmarkInfos describes every outstanding bookmark.
func (ex *Executor) BookmarkInfos() []BookmarkInfo {
	recs := ex.bookmarks.records()
	out := make([]BookmarkInfo, 0, len(recs))
	for _, rec := range recs {
		info := BookmarkInfo{Name: rec.bookmark.Name}
		if inst := ex.instances.Get(rec.ownerID); inst != nil {
			info.OwnerDisplayName = inst.activity.Meta().DisplayName()
		}
		out = append(out, info)
	}
	return out
}

// RequestPause asks the Run loop to stop at the next safe point. Safe to
// call from any goroutine.
func (ex *Executor) RequestPause() {
	ex.pauseRequested.Store(true)
}

// ScheduleRootInvocation creates the root instance with the given input
// overrides and makes the executor runnable. Input keys must name In or
// InOut arguments of the root.
func (ex *Executor) ScheduleRootInvocation(inputs map[string]any) error {
	if ex.rootInst != nil {
		return errors.New("root invocation is already scheduled")
	}
	meta := ex.root.Meta()
	if meta.CacheState() != activity.StateCached || !meta.IsRuntimeReady() {
		return errors.New("root definition is not cached runtime-ready")
	}

	for name := range inputs {
		found := false
		for _, arg := range meta.RuntimeArguments() {
			if arg.Name == name && arg.Direction != activity.Out {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("input %q does not match any In argument of %s", name, meta.DisplayName())
		}
	}

	ex.rootInputs = inputs
	inst := ex.instances.register(ex.root)
	needsResolution := inst.initialize(nil, meta.HostEnvironment())
	ex.rootInst = inst

	if needsResolution {
		ex.enqueue(inst, &workItem{kind: wiResolveArguments, instance: inst})
	} else {
		ex.scheduleBody(inst)
	}
	ex.setState(ExecutorRunnable)
	return nil
}

// ResumeBookmark arms the next turn to deliver value to the bookmark's
// owning instance.
func (ex *Executor) ResumeBookmark(b Bookmark, value any) BookmarkResumptionResult {
	result := ex.resumeBookmark(b, value)
	switch result {
	case ResumeSuccess:
		metrics.RecordBookmarkResumption("success")
	case ResumeNotFound:
		metrics.RecordBookmarkResumption("not_found")
	case ResumeNotReady:
		metrics.RecordBookmarkResumption("not_ready")
	}
	return result
}

func (ex *Executor) resumeBookmark(b Bookmark, value any) BookmarkResumptionResult {
	if ex.State() == ExecutorAborted || ex.IsComplete() {
		return ResumeNotFound
	}
	rec := ex.bookmarks.find(b)
	if rec == nil {
		return ResumeNotFound
	}
	owner := ex.instances.Get(rec.ownerID)
	if owner == nil || owner.IsCompleted() {
		return ResumeNotFound
	}
	ex.enqueue(owner, &workItem{
		kind:     wiBookmarkResumption,
		instance: owner,
		bookmark: rec.bookmark,
		value:    value,
	})
	ex.setState(ExecutorRunnable)
	return ResumeSuccess
}

// ScheduleCancel requests cancelation of an instance. A second request on
// an instance whose cancelation is already requested is a no-op.
func (ex *Executor) ScheduleCancel(inst *ActivityInstance) {
	if inst == nil || inst.IsCompleted() || inst.cancelRequested {
		return
	}
	inst.cancelRequested = true
	ex.enqueue(inst, &workItem{kind: wiCancel, instance: inst})
	if ex.State() == ExecutorIdle || ex.State() == ExecutorCreated {
		ex.setState(ExecutorRunnable)
	}
}

// CancelRoot requests cancelation of the whole instance tree.
func (ex *Executor) CancelRoot() {
	ex.ScheduleCancel(ex.rootInst)
}

// Terminate schedules a termination fault. The root completes as Faulted
// with the reason within one additional scheduler turn.
func (ex *Executor) Terminate(reason error) {
	if ex.IsComplete() || ex.State() == ExecutorAborted {
		return
	}
	ex.terminatePending = true
	ex.terminateReason = &errors.TerminatedError{Reason: reason}
	ex.setState(ExecutorRunnable)
}

// Abort tears the instance tree down, best-effort. Errors during abort
// are swallowed; pending work is dropped and every bookmark released.
func (ex *Executor) Abort(reason error) {
	defer func() {
		// Abort must not propagate panics from activity teardown.
		_ = recover()
	}()
	ex.queue = nil
	if ex.rootInst != nil && !ex.rootInst.IsCompleted() {
		ex.abortSubtree(ex.rootInst)
		ex.terminalState = StateFaulted
		ex.fault = &errors.AbortedError{Reason: reason}
	}
	ex.setState(ExecutorAborted)
}

// Run drains work items until the queue empties, the root completes, or
// a pause request interrupts. Tracking is flushed before the scheduler
// can be considered idle.
func (ex *Executor) Run(ctx context.Context) RunOutcome {
	if ex.State() == ExecutorAborted {
		return OutcomeAborted
	}
	if ex.IsComplete() {
		ex.setState(ExecutorCompleted)
		return OutcomeCompleted
	}
	ex.setState(ExecutorRunning)

	for {
		if ctx != nil && ctx.Err() != nil {
			ex.setState(ExecutorPaused)
			return OutcomePaused
		}
		if ex.pauseRequested.Swap(false) {
			ex.flush()
			ex.setState(ExecutorPaused)
			return OutcomePaused
		}
		if ex.terminatePending {
			ex.applyTerminate()
			break
		}
		if ex.IsComplete() || ex.State() == ExecutorAborted {
			break
		}
		if len(ex.queue) == 0 {
			break
		}
		item := ex.queue[0]
		ex.queue = ex.queue[1:]
		metrics.RecordTurn()
		metrics.RecordWorkItem(item.kind.String())
		ex.executeWorkItem(item)
	}

	ex.flush()
	ex.pauseRequested.Store(false)
	switch {
	case ex.State() == ExecutorAborted:
		return OutcomeAborted
	case ex.IsComplete():
		ex.setState(ExecutorCompleted)
		return OutcomeCompleted
	default:
		ex.setState(ExecutorIdle)
		return OutcomeIdle
	}
}

// flush runs the tracking hook so records emitted during the turn land
// before idle or persistence can be observed.
func (ex *Executor) flush() {
	if ex.trackingFlush != nil {
		ex.trackingFlush()
	}
}

func (ex *Executor) enqueue(inst *ActivityInstance, item *workItem) {
	inst.busyCount++
	ex.queue = append(ex.queue, item)
}

func (ex *Executor) executeWorkItem(item *workItem) {
	inst := item.instance
	if inst.IsCompleted() {
		// The owning subtree was torn down after this item was queued.
		return
	}
	inst.busyCount--

	switch item.kind {
	case wiResolveArguments:
		ex.resolveArguments(inst, item.index)
	case wiExecuteBody:
		ex.executeBody(inst)
	case wiBookmarkResumption:
		ex.dispatchBookmark(inst, item.bookmark, item.value)
	case wiCancel:
		ex.performCancel(inst)
	}

	ex.updateState(inst)
}

// resolveArguments iterates runtime arguments from startIndex. Each In
// argument attempts a synchronous fast path; on miss the bound expression
// is scheduled with a resume continuation carrying the remaining
// arguments. Out and InOut arguments install the referenced location so
// writes flow to the enclosing scope.
func (ex *Executor) resolveArguments(inst *ActivityInstance, startIndex int) {
	inst.substate = SubstateResolvingArguments
	args := inst.activity.Meta().RuntimeArguments()

	for i := startIndex; i < len(args); i++ {
		arg := args[i]

		if inst == ex.rootInst && arg.Direction != activity.Out {
			if v, ok := ex.rootInputs[arg.Name]; ok {
				if err := arg.Set(inst.env, v); err != nil {
					ex.handleFault(inst, fmt.Errorf("input %q: %w", arg.Name, err))
					return
				}
				continue
			}
		}

		if arg.Expression == nil {
			// An empty out/inout binding resolves to a cell minted by
			// this environment: an intermediate buffer whose value
			// surfaces when the invocation collapses.
			if arg.Direction != activity.In {
				if loc, ok := inst.env.Resolve(arg); ok {
					loc.MarkTemporary(inst.env, true)
				}
			}
			continue
		}

		switch arg.Direction {
		case activity.In:
			if fp, ok := arg.Expression.(activity.FastPathValue); ok {
				v, done, err := fp.TryPopulateValue(inst.parentEnv)
				if err != nil {
					ex.handleFault(inst, fmt.Errorf("argument %q: %w", arg.Name, err))
					return
				}
				if done {
					if err := arg.Set(inst.env, v); err != nil {
						ex.handleFault(inst, fmt.Errorf("argument %q: %w", arg.Name, err))
						return
					}
					continue
				}
			}
			loc, ok := inst.env.Resolve(arg)
			if !ok {
				ex.handleFault(inst, fmt.Errorf("argument %q has no environment slot", arg.Name))
				return
			}
			loc.Set(nil)
			_, err := ex.scheduleInternal(inst, arg.Expression, inst.parentEnv, loc,
				continuation{kind: contResolveNextArgument, index: i + 1}, nil)
			if err != nil {
				ex.handleFault(inst, err)
			}
			return

		case activity.Out, activity.InOut:
			ref, ok := arg.Expression.(*activity.ArgumentReference)
			if !ok || ref.Target() == nil {
				ex.handleFault(inst, fmt.Errorf("argument %q: location expression was not resolved during caching", arg.Name))
				return
			}
			loc, ok := inst.parentEnv.Resolve(ref.Target())
			if !ok {
				ex.handleFault(inst, fmt.Errorf("argument %q: referenced location is not in scope", arg.Name))
				return
			}
			if !inst.env.Install(arg, loc) {
				ex.handleFault(inst, fmt.Errorf("argument %q: failed to install location", arg.Name))
				return
			}
		}
	}

	ex.resolveVariables(inst, 0)
}

// resolveVariables declares defaults for every variable from startIndex,
// fast-pathing synchronous expressions and scheduling the rest.
func (ex *Executor) resolveVariables(inst *ActivityInstance, startIndex int) {
	inst.substate = SubstateResolvingVariables
	vars := instanceVariables(inst)

	for i := startIndex; i < len(vars); i++ {
		v := vars[i]
		if v.Default == nil {
			continue
		}
		// Public defaults evaluate in the public scope; they must not see
		// the implementation environment.
		evalEnv := inst.env
		if v.IsPublic() {
			evalEnv = inst.env.PublicView(inst.activity.Meta())
		}
		if fp, ok := v.Default.(activity.FastPathValue); ok {
			val, done, err := fp.TryPopulateValue(evalEnv)
			if err != nil {
				ex.handleFault(inst, fmt.Errorf("variable %q: %w", v.Name, err))
				return
			}
			if done {
				if err := v.Set(inst.env, val); err != nil {
					ex.handleFault(inst, fmt.Errorf("variable %q: %w", v.Name, err))
					return
				}
				continue
			}
		}
		loc, ok := inst.env.Resolve(v)
		if !ok {
			ex.handleFault(inst, fmt.Errorf("variable %q has no environment slot", v.Name))
			return
		}
		_, err := ex.scheduleInternal(inst, v.Default, evalEnv, loc,
			continuation{kind: contResolveNextVariable, index: i + 1}, nil)
		if err != nil {
			ex.handleFault(inst, err)
		}
		return
	}

	inst.substate = SubstateInitialized
	ex.scheduleBody(inst)
}

// instanceVariables returns the instance's variables in environment-slot
// order: public first, then implementation.
func instanceVariables(inst *ActivityInstance) []*activity.Variable {
	meta := inst.activity.Meta()
	pub := meta.PublicVariables()
	impl := meta.ImplementationVariables()
	vars := make([]*activity.Variable, 0, len(pub)+len(impl))
	vars = append(vars, pub...)
	vars = append(vars, impl...)
	return vars
}

func (ex *Executor) scheduleBody(inst *ActivityInstance) {
	inst.substate = SubstatePreExecuting
	ex.enqueue(inst, &workItem{kind: wiExecuteBody, instance: inst})
}

func (ex *Executor) executeBody(inst *ActivityInstance) {
	if inst.cancelRequested {
		// Canceled before the body began; close as Canceled without
		// executing.
		inst.markedCanceled = true
		return
	}

	inst.substate = SubstateExecuting
	inst.bodyExecuted = true

	if fp, ok := inst.activity.(activity.FastPathValue); ok && inst.resultLocation != nil {
		v, done, err := fp.TryPopulateValue(inst.parentEnv)
		if err != nil {
			ex.handleFault(inst, err)
			return
		}
		if done {
			if err := inst.resultLocation.Set(v); err != nil {
				ex.handleFault(inst, err)
			}
			return
		}
	}

	exec, ok := inst.activity.(Executable)
	if !ok {
		return
	}
	if err := exec.Execute(&Context{ex: ex, inst: inst}); err != nil {
		ex.handleFault(inst, err)
	}
}

func (ex *Executor) dispatchBookmark(inst *ActivityInstance, b Bookmark, value any) {
	rec := ex.bookmarks.find(b)
	if rec == nil || rec.ownerID != inst.id {
		return
	}
	if !rec.options.MultipleResume {
		ex.bookmarks.remove(b, inst)
	}
	ex.logger.Debug("bookmark resumed",
		log.Bookmark(rec.bookmark.Name),
		slog.Int64("instance", inst.id),
	)
	handler, ok := inst.activity.(BookmarkHandler)
	if !ok {
		return
	}
	if err := handler.OnBookmarkResumed(&Context{ex: ex, inst: inst}, b, value); err != nil {
		ex.handleFault(inst, err)
	}
}

func (ex *Executor) performCancel(inst *ActivityInstance) {
	if inst.IsCompleted() {
		return
	}
	if c, ok := inst.activity.(Cancelable); ok && inst.bodyExecuted {
		inst.substate = SubstateCanceling
		if err := c.Cancel(&Context{ex: ex, inst: inst}); err != nil {
			ex.handleFault(inst, err)
		}
		return
	}
	ex.defaultCancel(inst)
}

// defaultCancel cascades the request to children and acknowledges the
// cancelation on the instance itself.
func (ex *Executor) defaultCancel(inst *ActivityInstance) {
	inst.performingDefaultCancel = true
	inst.markedCanceled = true
	for _, child := range inst.children {
		ex.ScheduleCancel(child)
	}
}

// updateState is the per-turn evaluator deciding whether an instance
// completes.
func (ex *Executor) updateState(inst *ActivityInstance) {
	if inst == nil || inst.IsCompleted() {
		return
	}

	// A pending termination pre-empts normal completion: the Run loop
	// faults the whole tree before the next work item.
	if ex.terminatePending {
		return
	}

	if inst.busyCount > 0 {
		// During default cancelation, blocking bookmarks do not hold the
		// instance open: purge them and close as Canceled.
		if inst.performingDefaultCancel && !inst.HasChildren() &&
			inst.blockingBookmarkCount > 0 && inst.busyCount == inst.blockingBookmarkCount {
			ex.bookmarks.PurgeOwned(inst)
			ex.complete(inst)
		}
		return
	}

	if inst.HasChildren() {
		return
	}

	if !inst.bodyExecuted {
		if inst.cancelRequested {
			inst.markedCanceled = true
			ex.complete(inst)
		}
		// Otherwise resolution is mid-flight and continues through its
		// continuation; nothing completes here.
		return
	}

	ex.complete(inst)
}

// complete transitions an instance to its terminal state, delivers its
// outputs, and notifies the parent.
func (ex *Executor) complete(inst *ActivityInstance) {
	state := StateClosed
	if inst.markedCanceled {
		state = StateCanceled
	}
	inst.state = state

	ex.bookmarks.PurgeOwned(inst)
	ex.instances.unregister(inst.id)

	parent := inst.parent
	if parent != nil {
		parent.removeChild(inst)
	}

	ex.logger.Debug("activity instance completed",
		slog.String(log.ActivityKey, inst.activity.Meta().DisplayName()),
		slog.Int(log.ActivityIDKey, inst.activity.Meta().ID()),
		slog.Int64("instance", inst.id),
		slog.String("state", state.String()),
	)

	if inst == ex.rootInst {
		ex.finishRoot(state, nil)
		return
	}
	if parent == nil {
		return
	}

	switch inst.cont.kind {
	case contResolveNextArgument:
		if state == StateClosed {
			ex.resolveArguments(parent, inst.cont.index)
			ex.updateState(parent)
		} else {
			ex.updateState(parent)
		}
	case contResolveNextVariable:
		if state == StateClosed {
			ex.resolveVariables(parent, inst.cont.index)
			ex.updateState(parent)
		} else {
			ex.updateState(parent)
		}
	default:
		if h, ok := parent.activity.(ChildCompletionHandler); ok && !parent.IsCompleted() {
			cc := ChildCompletion{
				Activity:   inst.activity,
				InstanceID: inst.id,
				State:      state,
				Outputs:    collectOutputs(inst),
			}
			if err := h.OnChildCompleted(&Context{ex: ex, inst: parent}, cc); err != nil {
				ex.handleFault(parent, err)
				return
			}
		}
		ex.updateState(parent)
	}
}

// collectOutputs gathers an instance's Out and InOut argument values and
// Out delegate parameters. Bound arguments whose writes already flowed
// through an installed cell are not re-surfaced; temporary buffers are
// collapsed here.
func collectOutputs(inst *ActivityInstance) map[string]any {
	meta := inst.activity.Meta()
	out := make(map[string]any)
	for _, arg := range meta.RuntimeArguments() {
		if arg.Direction == activity.In {
			continue
		}
		loc, ok := inst.env.Resolve(arg)
		if !ok {
			continue
		}
		if arg.Expression != nil && !loc.BufferGetsOnCollapse() {
			continue
		}
		out[arg.Name] = loc.Get()
	}
	for _, p := range meta.DelegateParams() {
		if p.Direction != activity.Out {
			continue
		}
		if v, ok := p.Get(inst.env); ok {
			out[p.Name] = v
		}
	}
	return out
}

func (ex *Executor) finishRoot(state State, fault error) {
	ex.terminalState = state
	if fault != nil {
		ex.fault = fault
	}
	if state == StateClosed {
		ex.outputs = collectOutputs(ex.rootInst)
	}
	if ex.rootInst.state == StateExecuting {
		ex.rootInst.state = state
	}
	ex.logger.Info("workflow completed", "state", state.String())
}

// handleFault routes an unhandled fault to the host's directive and
// applies it.
func (ex *Executor) handleFault(inst *ActivityInstance, fault error) {
	ex.logger.Error("activity faulted",
		slog.String(log.ActivityKey, inst.activity.Meta().DisplayName()),
		slog.Int(log.ActivityIDKey, inst.activity.Meta().ID()),
		slog.Int64("instance", inst.id),
		log.Error(fault),
	)

	action := FaultAbort
	if ex.onUnhandledFault != nil {
		action = ex.onUnhandledFault(fault, inst)
	}

	switch action {
	case FaultCancel:
		ex.abortSubtree(inst)
		if parent := inst.parent; parent != nil {
			parent.removeChild(inst)
		}
		if inst != ex.rootInst {
			ex.ScheduleCancel(ex.rootInst)
		} else {
			ex.finishRoot(StateFaulted, fault)
		}
	case FaultTerminate:
		ex.Terminate(fault)
	case FaultIgnore:
		parent := inst.parent
		ex.abortSubtree(inst)
		if parent != nil {
			parent.removeChild(inst)
			ex.updateState(parent)
		} else {
			ex.finishRoot(StateFaulted, fault)
		}
	default: // FaultAbort
		if inst != ex.rootInst && ex.rootInst != nil {
			ex.abortSubtree(ex.rootInst)
		} else {
			ex.abortSubtree(inst)
		}
		ex.queue = nil
		ex.finishRoot(StateFaulted, fault)
		ex.setState(ExecutorAborted)
	}
}

// applyTerminate converts a pending termination into a root fault.
func (ex *Executor) applyTerminate() {
	ex.terminatePending = false
	reason := ex.terminateReason
	ex.terminateReason = nil
	if ex.rootInst == nil || ex.rootInst.IsCompleted() {
		return
	}
	ex.abortSubtree(ex.rootInst)
	ex.queue = nil
	ex.finishRoot(StateFaulted, reason)
}

// abortSubtree post-order walks a subtree, marking each node Faulted,
// releasing its bookmarks, and unregistering it. Best-effort by design of
// the abort path: callers swallow errors.
func (ex *Executor) abortSubtree(inst *ActivityInstance) {
	for _, child := range inst.children {
		ex.abortSubtree(child)
	}
	inst.children = nil
	ex.bookmarks.PurgeOwned(inst)
	inst.busyCount = 0
	inst.blockingBookmarkCount = 0
	if !inst.IsCompleted() {
		inst.state = StateFaulted
	}
	ex.instances.unregister(inst.id)
}

// scheduleInternal registers and schedules a child invocation.
func (ex *Executor) scheduleInternal(parent *ActivityInstance, a activity.Activity, parentEnv *activity.Environment, resultLoc *activity.Location, cont continuation, presets map[string]any) (*ActivityInstance, error) {
	if a == nil {
		return nil, errors.New("cannot schedule a nil activity")
	}
	meta := a.Meta()
	if meta.CacheState() != activity.StateCached {
		return nil, fmt.Errorf("activity %s is not cached and cannot be scheduled", meta.DisplayName())
	}
	if meta.Root() != ex.root.Meta() {
		return nil, fmt.Errorf("activity %s belongs to a different root definition", meta.DisplayName())
	}

	inst := ex.instances.register(a)
	needsResolution := inst.initialize(parent, parentEnv)
	inst.resultLocation = resultLoc
	inst.cont = cont
	if parent != nil {
		parent.addChild(inst)
	}

	for _, p := range meta.DelegateParams() {
		if p.Direction != activity.In {
			continue
		}
		if v, ok := presets[p.Name]; ok {
			if err := p.Set(inst.env, v); err != nil {
				return nil, fmt.Errorf("delegate parameter %q: %w", p.Name, err)
			}
		}
	}

	if needsResolution {
		ex.enqueue(inst, &workItem{kind: wiResolveArguments, instance: inst})
	} else {
		ex.scheduleBody(inst)
	}
	return inst, nil
}
