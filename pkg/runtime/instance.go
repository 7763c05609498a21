// Package runtime executes cached activity trees: it tracks live activity
// instances, drives them through their substates on a single-threaded
// cooperative scheduler, and manages bookmark suspension points.
package runtime

import (
	"github.com/tombee/baton/pkg/activity"
)

// Substate is an instance's position in the pre-terminal pipeline.
type Substate int

const (
	// SubstateCreated marks a freshly registered instance.
	SubstateCreated Substate = iota
	// SubstateResolvingArguments marks argument resolution in progress.
	SubstateResolvingArguments
	// SubstateResolvingVariables marks variable resolution in progress.
	SubstateResolvingVariables
	// SubstateInitialized marks resolution complete, body not yet begun.
	SubstateInitialized
	// SubstatePreExecuting marks a body work item queued but not started.
	SubstatePreExecuting
	// SubstateExecuting marks the body as having begun.
	SubstateExecuting
	// SubstateCanceling marks a Cancelable body processing cancelation.
	SubstateCanceling
)

// State is an instance's terminal progression.
type State int

const (
	// StateExecuting marks a live instance.
	StateExecuting State = iota
	// StateClosed marks normal completion.
	StateClosed
	// StateCanceled marks completion after observed cancelation.
	StateCanceled
	// StateFaulted marks completion by fault or abort.
	StateFaulted
)

// String returns the state name as used in persisted records.
func (s State) String() string {
	switch s {
	case StateExecuting:
		return "Executing"
	case StateClosed:
		return "Closed"
	case StateCanceled:
		return "Canceled"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// continuationKind selects what happens in the parent when an internally
// scheduled child (an expression) completes. Kinds are stable integers so
// pending continuations survive persistence.
type continuationKind int

const (
	contNone continuationKind = iota
	// contResolveNextArgument resumes the parent's argument resolution at
	// Index.
	contResolveNextArgument
	// contResolveNextVariable resumes the parent's variable resolution at
	// Index.
	contResolveNextVariable
)

type continuation struct {
	kind  continuationKind
	index int
}

// ActivityInstance is one live invocation of an activity: its environment,
// its substate, its children, and the busy count that gates completion.
type ActivityInstance struct {
	activity  activity.Activity
	parent    *ActivityInstance
	children  map[int64]*ActivityInstance
	env       *activity.Environment
	parentEnv *activity.Environment

	id       int64
	substate Substate
	state    State

	// busyCount counts outstanding work items, active cancelation
	// contexts, and blocking bookmarks. An instance with busyCount > 0
	// never completes.
	busyCount             int
	blockingBookmarkCount int

	cancelRequested         bool
	performingDefaultCancel bool
	markedCanceled          bool
	bodyExecuted            bool

	ownsEnvironment bool

	// resultLocation receives the value of a ValueProducer instance, when
	// scheduled as an expression.
	resultLocation *activity.Location

	// cont tells the scheduler how to continue the parent when this
	// internally scheduled instance completes.
	cont continuation
}

// Activity returns the definition this instance executes.
func (i *ActivityInstance) Activity() activity.Activity { return i.activity }

// ID returns the serialized id assigned by the instance map.
func (i *ActivityInstance) ID() int64 { return i.id }

// Parent returns the parent instance, or nil at the root.
func (i *ActivityInstance) Parent() *ActivityInstance { return i.parent }

// State returns the terminal progression state.
func (i *ActivityInstance) State() State { return i.state }

// Substate returns the pre-terminal pipeline position.
func (i *ActivityInstance) Substate() Substate { return i.substate }

// IsCompleted reports whether the instance reached a terminal state.
func (i *ActivityInstance) IsCompleted() bool { return i.state != StateExecuting }

// BusyCount returns the number of outstanding work items, cancelation
// contexts, and blocking bookmarks.
func (i *ActivityInstance) BusyCount() int { return i.busyCount }

// BlockingBookmarkCount returns how many of the instance's bookmarks are
// blocking.
func (i *ActivityInstance) BlockingBookmarkCount() int { return i.blockingBookmarkCount }

// CancelRequested reports whether cancelation has been requested. A
// second request is a no-op.
func (i *ActivityInstance) CancelRequested() bool { return i.cancelRequested }

// Environment returns the instance's lexical environment.
func (i *ActivityInstance) Environment() *activity.Environment { return i.env }

// HasChildren reports whether any child invocation is still live.
func (i *ActivityInstance) HasChildren() bool { return len(i.children) > 0 }

// initialize wires parent links and allocates the environment chain. An
// activity that declares no symbols shares its parent's environment; one
// that does gets its public and implementation environments and must
// resolve its arguments and variables before executing. Returns whether
// resolution is needed.
func (i *ActivityInstance) initialize(parent *ActivityInstance, parentEnv *activity.Environment) bool {
	i.parent = parent
	i.parentEnv = parentEnv
	meta := i.activity.Meta()
	if meta.SymbolCount() == 0 {
		i.env = parentEnv
		i.substate = SubstateInitialized
		return false
	}
	i.env = activity.NewEnvironment(parentEnv, meta)
	i.ownsEnvironment = true
	i.substate = SubstateResolvingArguments
	return true
}

// scopeFor returns the environment a child invocation enters: public and
// imported children (and delegate handlers, which consumers supply) see
// the public view; implementation children and internally scheduled
// expressions see the implementation scope.
func (i *ActivityInstance) scopeFor(child activity.Activity) *activity.Environment {
	switch child.Meta().Relationship() {
	case activity.KindImplementationChild, activity.KindArgumentExpression, activity.KindVariableDefault, activity.KindConstraint:
		return i.env
	default:
		return i.env.PublicView(i.activity.Meta())
	}
}

// addChild registers a live child invocation.
func (i *ActivityInstance) addChild(c *ActivityInstance) {
	if i.children == nil {
		i.children = make(map[int64]*ActivityInstance)
	}
	i.children[c.id] = c
}

// removeChild drops a completed child. The children map is never
// resurrected after completion.
func (i *ActivityInstance) removeChild(c *ActivityInstance) {
	delete(i.children, c.id)
}
