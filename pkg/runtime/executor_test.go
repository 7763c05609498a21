package runtime

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/activity"
	"github.com/tombee/baton/pkg/errors"
)

var intType = reflect.TypeOf(int(0))

// ---------------------------------------------------------------------
// Test activities

// noop completes as soon as it is scheduled.
type noop struct {
	activity.NodeMeta
}

func (n *noop) CacheMetadata(mc *activity.MetadataContext) {}

// sequence runs its steps one at a time, tracking progress in an
// implementation variable so the position survives persistence.
type sequence struct {
	activity.NodeMeta

	steps []activity.Activity
	index *activity.Variable
}

func newSequence(name string, steps ...activity.Activity) *sequence {
	s := &sequence{
		steps: steps,
		index: activity.NewVariable("index", intType),
	}
	s.SetDisplayName(name)
	return s
}

func (s *sequence) CacheMetadata(mc *activity.MetadataContext) {
	mc.AddImplementationVariable(s.index)
	for _, step := range s.steps {
		mc.AddChild(step)
	}
}

func (s *sequence) Execute(ctx *Context) error {
	return s.scheduleStep(ctx, 0)
}

func (s *sequence) scheduleStep(ctx *Context, i int) error {
	if i >= len(s.steps) {
		return nil
	}
	if err := ctx.SetValue(s.index, i); err != nil {
		return err
	}
	return ctx.ScheduleActivity(s.steps[i])
}

func (s *sequence) OnChildCompleted(ctx *Context, child ChildCompletion) error {
	if child.State != StateClosed {
		return nil
	}
	v, err := ctx.Value(s.index)
	if err != nil {
		return err
	}
	return s.scheduleStep(ctx, v.(int)+1)
}

// waitForValue creates a named bookmark and copies the resumption value
// into its result output.
type waitForValue struct {
	activity.NodeMeta

	bookmarkName string
	result       *activity.RuntimeArgument
	executed     bool
}

func newWaitForValue(name, bookmark string) *waitForValue {
	w := &waitForValue{
		bookmarkName: bookmark,
		result:       activity.NewArgument("result", activity.Out, intType),
	}
	w.SetDisplayName(name)
	return w
}

func (w *waitForValue) CacheMetadata(mc *activity.MetadataContext) {
	mc.AddArgument(w.result)
}

func (w *waitForValue) Execute(ctx *Context) error {
	w.executed = true
	_, err := ctx.CreateBookmark(w.bookmarkName, BookmarkOptions{})
	return err
}

func (w *waitForValue) OnBookmarkResumed(ctx *Context, b Bookmark, value any) error {
	return ctx.SetValue(w.result, value)
}

// asyncExpr is an expression that resolves through a bookmark rather
// than synchronously.
type asyncExpr struct {
	activity.NodeMeta

	bookmarkName string
}

func (a *asyncExpr) CacheMetadata(mc *activity.MetadataContext) {}

func (a *asyncExpr) ResultType() reflect.Type { return intType }

func (a *asyncExpr) Execute(ctx *Context) error {
	_, err := ctx.CreateBookmark(a.bookmarkName, BookmarkOptions{})
	return err
}

func (a *asyncExpr) OnBookmarkResumed(ctx *Context, b Bookmark, value any) error {
	return ctx.SetResult(value)
}

// argConsumer has one In argument and records whether its body ran.
type argConsumer struct {
	activity.NodeMeta

	n        *activity.RuntimeArgument
	executed bool
	seen     any
}

func newArgConsumer(name string, expr activity.Activity) *argConsumer {
	a := &argConsumer{n: activity.NewBoundArgument("n", activity.In, intType, expr)}
	a.SetDisplayName(name)
	return a
}

func (a *argConsumer) CacheMetadata(mc *activity.MetadataContext) {
	mc.AddArgument(a.n)
}

func (a *argConsumer) Execute(ctx *Context) error {
	a.executed = true
	v, err := ctx.Value(a.n)
	if err != nil {
		return err
	}
	a.seen = v
	return nil
}

// faulty fails as soon as its body runs.
type faulty struct {
	activity.NodeMeta
}

func (f *faulty) CacheMetadata(mc *activity.MetadataContext) {}

func (f *faulty) Execute(ctx *Context) error {
	return fmt.Errorf("intentional failure")
}

// varReader copies a defaulted variable into its output.
type varReader struct {
	activity.NodeMeta

	v      *activity.Variable
	result *activity.RuntimeArgument
}

func newVarReader(def activity.Activity) *varReader {
	return &varReader{
		v:      activity.NewVariableWithDefault("seed", intType, def),
		result: activity.NewArgument("result", activity.Out, intType),
	}
}

func (r *varReader) CacheMetadata(mc *activity.MetadataContext) {
	mc.AddVariable(r.v)
	mc.AddArgument(r.result)
}

func (r *varReader) Execute(ctx *Context) error {
	v, err := ctx.Value(r.v)
	if err != nil {
		return err
	}
	return ctx.SetValue(r.result, v)
}

// delegator invokes its delegate with a fixed input and surfaces the
// handler's output.
type delegator struct {
	activity.NodeMeta

	d      *activity.Delegate
	result *activity.RuntimeArgument
}

func (d *delegator) CacheMetadata(mc *activity.MetadataContext) {
	mc.AddDelegate(d.d)
	mc.AddArgument(d.result)
}

func (d *delegator) Execute(ctx *Context) error {
	return ctx.ScheduleDelegate(d.d, map[string]any{"input": 5})
}

func (d *delegator) OnChildCompleted(ctx *Context, child ChildCompletion) error {
	if out, ok := child.Outputs["output"]; ok {
		return ctx.SetValue(d.result, out)
	}
	return nil
}

// doubler is a delegate handler reading its In param and writing twice
// the value to its Out param.
type doubler struct {
	activity.NodeMeta

	in  *activity.DelegateParam
	out *activity.DelegateParam
}

func (d *doubler) CacheMetadata(mc *activity.MetadataContext) {}

func (d *doubler) Execute(ctx *Context) error {
	v, err := ctx.Value(d.in)
	if err != nil {
		return err
	}
	return ctx.SetValue(d.out, v.(int)*2)
}

// ---------------------------------------------------------------------
// Helpers

func cacheDefinition(t *testing.T, root activity.Activity) {
	t.Helper()
	require.NoError(t, activity.EnsureCached(context.Background(), root, activity.NewHostEnvironment()))
}

func newTestExecutor(t *testing.T, root activity.Activity) *Executor {
	t.Helper()
	cacheDefinition(t, root)
	return NewExecutor(root)
}

func runToOutcome(t *testing.T, ex *Executor, inputs map[string]any) RunOutcome {
	t.Helper()
	require.NoError(t, ex.ScheduleRootInvocation(inputs))
	return ex.Run(context.Background())
}

// ---------------------------------------------------------------------
// Scenarios

func TestSequenceOfTwoNoopsCompletes(t *testing.T) {
	root := newSequence("root", &noop{}, &noop{})
	ex := newTestExecutor(t, root)

	outcome := runToOutcome(t, ex, nil)

	assert.Equal(t, OutcomeCompleted, outcome)
	state, fault := ex.TerminalState()
	assert.Equal(t, StateClosed, state)
	assert.NoError(t, fault)
	assert.Empty(t, ex.Outputs())
	assert.Equal(t, 0, ex.Instances().Count(), "no live instances may remain after completion")
	assert.Equal(t, 0, ex.Bookmarks().Count())
}

func TestBookmarkResumeRoundTrip(t *testing.T) {
	root := newWaitForValue("root", "k")
	ex := newTestExecutor(t, root)

	outcome := runToOutcome(t, ex, nil)
	require.Equal(t, OutcomeIdle, outcome)

	inst := ex.RootInstance()
	assert.Equal(t, 1, inst.BlockingBookmarkCount())
	assert.Equal(t, inst.BlockingBookmarkCount(), inst.BusyCount())

	result := ex.ResumeBookmark(Bookmark{Name: "k"}, 42)
	require.Equal(t, ResumeSuccess, result)

	outcome = ex.Run(context.Background())
	assert.Equal(t, OutcomeCompleted, outcome)
	state, _ := ex.TerminalState()
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 42, ex.Outputs()["result"])
}

func TestResumeUnknownBookmark(t *testing.T) {
	root := newWaitForValue("root", "k")
	ex := newTestExecutor(t, root)

	require.Equal(t, OutcomeIdle, runToOutcome(t, ex, nil))

	result := ex.ResumeBookmark(Bookmark{Name: "x"}, 0)
	assert.Equal(t, ResumeNotFound, result)

	// State unchanged: still idle, bookmark still outstanding.
	assert.Equal(t, ExecutorIdle, ex.State())
	assert.Equal(t, 1, ex.Bookmarks().Count())
	assert.False(t, ex.IsComplete())
}

func TestCancelDuringArgumentResolution(t *testing.T) {
	expr := &asyncExpr{bookmarkName: "expr-wait"}
	root := newArgConsumer("root", expr)
	ex := newTestExecutor(t, root)

	require.Equal(t, OutcomeIdle, runToOutcome(t, ex, nil))
	require.Equal(t, 1, ex.Bookmarks().Count(), "the pending expression must be waiting")

	ex.CancelRoot()
	outcome := ex.Run(context.Background())

	assert.Equal(t, OutcomeCompleted, outcome)
	state, _ := ex.TerminalState()
	assert.Equal(t, StateCanceled, state)
	assert.False(t, root.executed, "the body must not execute after cancelation")
	assert.Equal(t, 0, ex.Bookmarks().Count(), "the pending expression bookmark must be purged")
	assert.Equal(t, 0, ex.Instances().Count())
}

func TestSynchronousArgumentResolution(t *testing.T) {
	root := newArgConsumer("root", activity.NewLiteral(7))
	ex := newTestExecutor(t, root)

	outcome := runToOutcome(t, ex, nil)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.True(t, root.executed)
	assert.Equal(t, 7, root.seen)
}

func TestAsynchronousArgumentResolution(t *testing.T) {
	expr := &asyncExpr{bookmarkName: "expr-wait"}
	root := newArgConsumer("root", expr)
	ex := newTestExecutor(t, root)

	require.Equal(t, OutcomeIdle, runToOutcome(t, ex, nil))

	require.Equal(t, ResumeSuccess, ex.ResumeBookmark(Bookmark{Name: "expr-wait"}, 13))
	outcome := ex.Run(context.Background())

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.True(t, root.executed)
	assert.Equal(t, 13, root.seen)
}

func TestRootInputOverrides(t *testing.T) {
	root := newArgConsumer("root", &asyncExpr{bookmarkName: "never"})
	ex := newTestExecutor(t, root)

	// The override satisfies the argument synchronously; the bound
	// expression is never scheduled.
	outcome := runToOutcome(t, ex, map[string]any{"n": 99})
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 99, root.seen)
	assert.Equal(t, 0, ex.Bookmarks().Count())
}

func TestUnknownRootInputRejected(t *testing.T) {
	root := newSequence("root", &noop{})
	ex := newTestExecutor(t, root)

	err := ex.ScheduleRootInvocation(map[string]any{"bogus": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestCancelIsIdempotent(t *testing.T) {
	root := newWaitForValue("root", "k")
	ex := newTestExecutor(t, root)

	require.Equal(t, OutcomeIdle, runToOutcome(t, ex, nil))

	ex.CancelRoot()
	busyAfterFirst := ex.RootInstance().BusyCount()
	ex.CancelRoot() // second request is a no-op
	assert.Equal(t, busyAfterFirst, ex.RootInstance().BusyCount())

	outcome := ex.Run(context.Background())
	assert.Equal(t, OutcomeCompleted, outcome)
	state, _ := ex.TerminalState()
	assert.Equal(t, StateCanceled, state)
}

func TestTerminateDeliversFault(t *testing.T) {
	root := newWaitForValue("root", "k")
	ex := newTestExecutor(t, root)

	require.Equal(t, OutcomeIdle, runToOutcome(t, ex, nil))

	reason := fmt.Errorf("operator gave up")
	ex.Terminate(reason)
	outcome := ex.Run(context.Background())

	assert.Equal(t, OutcomeCompleted, outcome)
	state, fault := ex.TerminalState()
	assert.Equal(t, StateFaulted, state)

	var te *errors.TerminatedError
	require.ErrorAs(t, fault, &te)
	assert.ErrorIs(t, fault, reason)
}

func TestUnhandledFaultAbortsByDefault(t *testing.T) {
	root := &faulty{}
	ex := newTestExecutor(t, root)

	outcome := runToOutcome(t, ex, nil)

	assert.Equal(t, OutcomeAborted, outcome)
	state, fault := ex.TerminalState()
	assert.Equal(t, StateFaulted, state)
	assert.ErrorContains(t, fault, "intentional failure")
	assert.Equal(t, ExecutorAborted, ex.State())
}

func TestUnhandledFaultIgnoreDirective(t *testing.T) {
	var observed error
	root := newSequence("root", &faulty{}, &noop{})
	cacheDefinition(t, root)
	ex := NewExecutor(root, WithUnhandledFaultHandler(func(fault error, source *ActivityInstance) FaultAction {
		observed = fault
		return FaultIgnore
	}))

	outcome := runToOutcome(t, ex, nil)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.ErrorContains(t, observed, "intentional failure")
	state, _ := ex.TerminalState()
	assert.Equal(t, StateClosed, state)
}

func TestVariableDefaultResolution(t *testing.T) {
	root := newVarReader(activity.NewLiteral(11))
	ex := newTestExecutor(t, root)

	outcome := runToOutcome(t, ex, nil)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 11, ex.Outputs()["result"])
}

func TestAsyncVariableDefaultResolution(t *testing.T) {
	root := newVarReader(&asyncExpr{bookmarkName: "default-wait"})
	ex := newTestExecutor(t, root)

	require.Equal(t, OutcomeIdle, runToOutcome(t, ex, nil))
	require.Equal(t, ResumeSuccess, ex.ResumeBookmark(Bookmark{Name: "default-wait"}, 17))

	outcome := ex.Run(context.Background())
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 17, ex.Outputs()["result"])
}

func TestDelegateInvocation(t *testing.T) {
	handler := &doubler{
		in:  activity.NewDelegateParam("input", activity.In, intType),
		out: activity.NewDelegateParam("output", activity.Out, intType),
	}
	root := &delegator{
		d:      activity.NewDelegate("body", handler, handler.in, handler.out),
		result: activity.NewArgument("result", activity.Out, intType),
	}
	ex := newTestExecutor(t, root)

	outcome := runToOutcome(t, ex, nil)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 10, ex.Outputs()["result"])
}

func TestPauseInterruptsRun(t *testing.T) {
	// A long chain of noops gives the pause request a safe point to land.
	steps := make([]activity.Activity, 0, 16)
	for i := 0; i < 16; i++ {
		steps = append(steps, &noop{})
	}
	root := newSequence("root", steps...)
	ex := newTestExecutor(t, root)

	require.NoError(t, ex.ScheduleRootInvocation(nil))
	ex.RequestPause()

	outcome := ex.Run(context.Background())
	require.Equal(t, OutcomePaused, outcome)
	assert.Equal(t, ExecutorPaused, ex.State())

	// A subsequent run finishes the work.
	outcome = ex.Run(context.Background())
	assert.Equal(t, OutcomeCompleted, outcome)
}

func TestBusyCountNeverNegative(t *testing.T) {
	root := newWaitForValue("root", "k")
	ex := newTestExecutor(t, root)

	require.Equal(t, OutcomeIdle, runToOutcome(t, ex, nil))
	assert.GreaterOrEqual(t, ex.RootInstance().BusyCount(), 0)
	assert.LessOrEqual(t, ex.RootInstance().BlockingBookmarkCount(), ex.RootInstance().BusyCount())

	require.Equal(t, ResumeSuccess, ex.ResumeBookmark(Bookmark{Name: "k"}, 1))
	require.Equal(t, OutcomeCompleted, ex.Run(context.Background()))
}

func TestAbortTearsDownInstances(t *testing.T) {
	root := newWaitForValue("root", "k")
	ex := newTestExecutor(t, root)

	require.Equal(t, OutcomeIdle, runToOutcome(t, ex, nil))
	ex.Abort(fmt.Errorf("host went away"))

	assert.Equal(t, ExecutorAborted, ex.State())
	assert.Equal(t, 0, ex.Instances().Count())
	assert.Equal(t, 0, ex.Bookmarks().Count())

	var ae *errors.AbortedError
	_, fault := ex.TerminalState()
	require.ErrorAs(t, fault, &ae)

	assert.Equal(t, ResumeNotFound, ex.ResumeBookmark(Bookmark{Name: "k"}, 1))
}

func TestNonBlockingBookmarkDoesNotHoldInstanceOpen(t *testing.T) {
	root := &nonBlockingWaiter{}
	ex := newTestExecutor(t, root)

	outcome := runToOutcome(t, ex, nil)
	assert.Equal(t, OutcomeCompleted, outcome)
	state, _ := ex.TerminalState()
	assert.Equal(t, StateClosed, state)
}

// scopeProbe records whether a symbol resolves from its invocation's
// environment.
type scopeProbe struct {
	activity.NodeMeta

	target   activity.Symbol
	resolved bool
}

func (p *scopeProbe) CacheMetadata(mc *activity.MetadataContext) {}

func (p *scopeProbe) Execute(ctx *Context) error {
	_, err := ctx.Value(p.target)
	p.resolved = err == nil
	return nil
}

// scopedParent declares one public and one implementation variable and
// schedules a public probe plus an implementation probe.
type scopedParent struct {
	activity.NodeMeta

	shared, secret      *activity.Variable
	pubProbe, implProbe *scopeProbe
}

func (s *scopedParent) CacheMetadata(mc *activity.MetadataContext) {
	mc.AddVariable(s.shared)
	mc.AddImplementationVariable(s.secret)
	mc.AddChild(s.pubProbe)
	mc.AddImplementationChild(s.implProbe)
}

func (s *scopedParent) Execute(ctx *Context) error {
	if err := ctx.ScheduleActivity(s.pubProbe); err != nil {
		return err
	}
	return ctx.ScheduleActivity(s.implProbe)
}

func TestImplementationScopeHiddenAtRuntime(t *testing.T) {
	parent := &scopedParent{
		shared:    activity.NewVariable("shared", intType),
		secret:    activity.NewVariable("secret", intType),
		pubProbe:  &scopeProbe{},
		implProbe: &scopeProbe{},
	}
	parent.SetDisplayName("parent")
	parent.pubProbe.SetDisplayName("pubProbe")
	parent.implProbe.SetDisplayName("implProbe")
	parent.pubProbe.target = parent.secret
	parent.implProbe.target = parent.secret

	ex := newTestExecutor(t, parent)
	require.Equal(t, OutcomeCompleted, runToOutcome(t, ex, nil))

	assert.False(t, parent.pubProbe.resolved, "a public child must not see implementation variables")
	assert.True(t, parent.implProbe.resolved, "an implementation child resolves implementation variables")
}

func TestPublicVariablesVisibleToChildrenAtRuntime(t *testing.T) {
	parent := &scopedParent{
		shared:    activity.NewVariable("shared", intType),
		secret:    activity.NewVariable("secret", intType),
		pubProbe:  &scopeProbe{},
		implProbe: &scopeProbe{},
	}
	parent.pubProbe.target = parent.shared
	parent.implProbe.target = parent.shared

	ex := newTestExecutor(t, parent)
	require.Equal(t, OutcomeCompleted, runToOutcome(t, ex, nil))

	assert.True(t, parent.pubProbe.resolved, "public variables are visible to public children")
	assert.True(t, parent.implProbe.resolved, "public variables are visible to the implementation")
}

// nonBlockingWaiter registers a non-blocking bookmark; the instance
// completes without waiting for it.
type nonBlockingWaiter struct {
	activity.NodeMeta
}

func (n *nonBlockingWaiter) CacheMetadata(mc *activity.MetadataContext) {}

func (n *nonBlockingWaiter) Execute(ctx *Context) error {
	_, err := ctx.CreateBookmark("optional", BookmarkOptions{NonBlocking: true})
	return err
}
