package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tombee/baton/pkg/activity"
)

// Context is the API an activity body sees while executing. It is only
// valid for the duration of the call it was passed to; activities must
// not retain it across yields.
type Context struct {
	ex   *Executor
	inst *ActivityInstance
}

// Activity returns the executing definition.
func (c *Context) Activity() activity.Activity { return c.inst.activity }

// InstanceID returns the executing invocation's serialized id.
func (c *Context) InstanceID() int64 { return c.inst.id }

// Logger returns the executor's logger.
func (c *Context) Logger() *slog.Logger { return c.ex.logger }

// Value reads a symbol's current value from the instance's environment.
func (c *Context) Value(sym activity.Symbol) (any, error) {
	loc, ok := c.inst.env.Resolve(sym)
	if !ok {
		return nil, fmt.Errorf("symbol %q is not in scope", sym.SymbolName())
	}
	return loc.Get(), nil
}

// SetValue writes a symbol's value into the instance's environment.
func (c *Context) SetValue(sym activity.Symbol, v any) error {
	loc, ok := c.inst.env.Resolve(sym)
	if !ok {
		return fmt.Errorf("symbol %q is not in scope", sym.SymbolName())
	}
	return loc.Set(v)
}

// SetResult writes the invocation's result location. Only meaningful for
// activities scheduled as expressions.
func (c *Context) SetResult(v any) error {
	if c.inst.resultLocation == nil {
		return fmt.Errorf("activity %s has no result location", c.inst.activity.Meta().DisplayName())
	}
	return c.inst.resultLocation.Set(v)
}

// ScheduleActivity schedules a child invocation. The child must belong to
// the same cached root; it enters the scope its declared relationship
// grants it, so public children never see this activity's implementation
// environment. Completion is delivered through the parent's
// ChildCompletionHandler, if implemented.
func (c *Context) ScheduleActivity(child activity.Activity) error {
	if child == nil {
		return fmt.Errorf("cannot schedule a nil activity")
	}
	_, err := c.ex.scheduleInternal(c.inst, child, c.inst.scopeFor(child), nil, continuation{}, nil)
	return err
}

// ScheduleDelegate schedules a delegate's handler with the given In
// parameter values. Handlers are supplied by consumers and see the public
// view of this activity's scope. Out parameter values come back in the
// completion's Outputs map.
func (c *Context) ScheduleDelegate(d *activity.Delegate, inputs map[string]any) error {
	if d == nil || d.Handler == nil {
		return fmt.Errorf("cannot schedule an empty delegate")
	}
	_, err := c.ex.scheduleInternal(c.inst, d.Handler, c.inst.scopeFor(d.Handler), nil, continuation{}, inputs)
	return err
}

// CreateBookmark registers a named suspension point owned by this
// invocation. Blocking bookmarks (the default) hold the instance open
// until resumed or purged.
func (c *Context) CreateBookmark(name string, opts BookmarkOptions) (Bookmark, error) {
	return c.ex.bookmarks.Create(c.inst, name, opts)
}

// RemoveBookmark drops a bookmark owned by this invocation. Returns false
// if the bookmark is unknown.
func (c *Context) RemoveBookmark(name string) bool {
	rec := c.ex.bookmarks.byName[name]
	if rec == nil || rec.ownerID != c.inst.id {
		return false
	}
	return c.ex.bookmarks.remove(rec.bookmark, c.inst)
}

// IsCancellationRequested reports whether the invocation has been asked
// to cancel.
func (c *Context) IsCancellationRequested() bool {
	return c.inst.cancelRequested
}

// MarkCanceled acknowledges a cancelation request; the invocation then
// closes as Canceled instead of Closed. Valid only after cancelation has
// been requested.
func (c *Context) MarkCanceled() error {
	if !c.inst.cancelRequested {
		return fmt.Errorf("cancelation has not been requested for this invocation")
	}
	c.inst.markedCanceled = true
	return nil
}

// CancelChildren requests cancelation of every live child invocation.
func (c *Context) CancelChildren() {
	for _, child := range c.inst.children {
		c.ex.ScheduleCancel(child)
	}
}
