package host

import (
	"context"
	"sync"

	"github.com/tombee/baton/pkg/activity"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/runtime"
)

// CompletedEventArgs describes a terminal workflow to the Completed
// handler.
type CompletedEventArgs struct {
	// State is Closed, Canceled, or Faulted.
	State runtime.State

	// Outputs holds the root's output values when State is Closed.
	Outputs map[string]any

	// Fault is the terminating error when State is Faulted.
	Fault error
}

// IdleEventArgs describes an idle point to the Idle and PersistableIdle
// handlers.
type IdleEventArgs struct {
	// Bookmarks are the suspension points the instance is waiting on.
	Bookmarks []runtime.BookmarkInfo
}

// PersistableIdleAction is the PersistableIdle handler's directive.
type PersistableIdleAction int

const (
	// ActionNone leaves the instance in memory.
	ActionNone PersistableIdleAction = iota
	// ActionPersist saves the instance and keeps it loaded.
	ActionPersist
	// ActionUnload saves the instance and unloads it.
	ActionUnload
)

// UnhandledExceptionAction is the UnhandledException handler's directive.
// It maps directly onto the runtime's fault actions.
type UnhandledExceptionAction = runtime.FaultAction

// Directives an UnhandledException handler can return.
const (
	ActionAbort     = runtime.FaultAbort
	ActionCancel    = runtime.FaultCancel
	ActionTerminate = runtime.FaultTerminate
	ActionIgnore    = runtime.FaultIgnore
)

// UnhandledExceptionEventArgs describes an unhandled fault.
type UnhandledExceptionEventArgs struct {
	// Source is the faulting activity definition.
	Source activity.Activity

	// SourceInstanceID is the faulting invocation's serialized id.
	SourceInstanceID int64

	// Exception is the fault.
	Exception error
}

// Handler signatures. Each receives a context carrying the in-handler
// marker; host operations invoked with it fail fast.
type (
	// CompletedHandler observes terminal completion.
	CompletedHandler func(ctx context.Context, e CompletedEventArgs)

	// IdleHandler observes idle points.
	IdleHandler func(ctx context.Context, e IdleEventArgs)

	// PersistableIdleHandler decides what to do at a persistable idle
	// point.
	PersistableIdleHandler func(ctx context.Context, e IdleEventArgs) PersistableIdleAction

	// UnloadedHandler observes the instance leaving memory.
	UnloadedHandler func(ctx context.Context)

	// AbortedHandler observes a terminal abort.
	AbortedHandler func(ctx context.Context, reason error)

	// UnhandledExceptionHandler decides what an unhandled fault does to
	// the instance.
	UnhandledExceptionHandler func(ctx context.Context, e UnhandledExceptionEventArgs) UnhandledExceptionAction
)

// handlers holds the host's single-cast handler set. Assigning a handler
// twice is rejected; there is no multicast.
type handlers struct {
	mu sync.Mutex

	completed          CompletedHandler
	idle               IdleHandler
	persistableIdle    PersistableIdleHandler
	unloaded           UnloadedHandler
	aborted            AbortedHandler
	unhandledException UnhandledExceptionHandler
}

func rejectReassignment(name string) error {
	return &errors.StateError{
		Operation: "Set" + name,
		Message:   "handler is already assigned; multicast handlers are not supported",
	}
}

// SetOnCompleted assigns the Completed handler. A second assignment is
// rejected.
func (h *Host) SetOnCompleted(fn CompletedHandler) error {
	h.handlers.mu.Lock()
	defer h.handlers.mu.Unlock()
	if h.handlers.completed != nil {
		return rejectReassignment("OnCompleted")
	}
	h.handlers.completed = fn
	return nil
}

// SetOnIdle assigns the Idle handler. A second assignment is rejected.
func (h *Host) SetOnIdle(fn IdleHandler) error {
	h.handlers.mu.Lock()
	defer h.handlers.mu.Unlock()
	if h.handlers.idle != nil {
		return rejectReassignment("OnIdle")
	}
	h.handlers.idle = fn
	return nil
}

// SetOnPersistableIdle assigns the PersistableIdle handler. A second
// assignment is rejected.
func (h *Host) SetOnPersistableIdle(fn PersistableIdleHandler) error {
	h.handlers.mu.Lock()
	defer h.handlers.mu.Unlock()
	if h.handlers.persistableIdle != nil {
		return rejectReassignment("OnPersistableIdle")
	}
	h.handlers.persistableIdle = fn
	return nil
}

// SetOnUnloaded assigns the Unloaded handler. A second assignment is
// rejected.
func (h *Host) SetOnUnloaded(fn UnloadedHandler) error {
	h.handlers.mu.Lock()
	defer h.handlers.mu.Unlock()
	if h.handlers.unloaded != nil {
		return rejectReassignment("OnUnloaded")
	}
	h.handlers.unloaded = fn
	return nil
}

// SetOnAborted assigns the Aborted handler. A second assignment is
// rejected.
func (h *Host) SetOnAborted(fn AbortedHandler) error {
	h.handlers.mu.Lock()
	defer h.handlers.mu.Unlock()
	if h.handlers.aborted != nil {
		return rejectReassignment("OnAborted")
	}
	h.handlers.aborted = fn
	return nil
}

// SetOnUnhandledException assigns the UnhandledException handler. A
// second assignment is rejected.
func (h *Host) SetOnUnhandledException(fn UnhandledExceptionHandler) error {
	h.handlers.mu.Lock()
	defer h.handlers.mu.Unlock()
	if h.handlers.unhandledException != nil {
		return rejectReassignment("OnUnhandledException")
	}
	h.handlers.unhandledException = fn
	return nil
}

// handlerCtxKey marks contexts created for handler frames. Host
// operations consult the marker and reject calls made from inside a
// handler.
type handlerCtxKey struct{}

func markHandlerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, handlerCtxKey{}, true)
}

func isHandlerContext(ctx context.Context) bool {
	v, _ := ctx.Value(handlerCtxKey{}).(bool)
	return v
}
