package activity

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/tombee/baton/pkg/errors"
)

// CacheOptions controls a tree walk.
type CacheOptions struct {
	// IsRuntimeReady marks the root runtime-ready when the walk succeeds
	// without errors. Hosts cache with this set; design-time validation
	// passes leave it unset.
	IsRuntimeReady bool

	// SkipPrivateChildren skips implementation children entirely.
	SkipPrivateChildren bool

	// SkipConstraints suppresses constraint evaluation.
	SkipConstraints bool

	// StoreTempViolations keeps metadata-level violations on the activity
	// for later flushing instead of surfacing them immediately.
	StoreTempViolations bool
}

// ParentChain is the immutable path from the root to the node being
// processed, innermost parent first when walked via parent links.
type ParentChain struct {
	parent      *ParentChain
	activity    Activity
	willExecute bool
}

// Activity returns the chain entry's node.
func (c *ParentChain) Activity() Activity { return c.activity }

// Parent returns the next entry toward the root, or nil.
func (c *ParentChain) Parent() *ParentChain { return c.parent }

// WillExecute reports whether every entry on the chain executes at
// runtime. Imported children and constraints break the chain.
func (c *ParentChain) WillExecute() bool {
	for e := c; e != nil; e = e.parent {
		if !e.willExecute {
			return false
		}
	}
	return true
}

// CacheCallback is invoked once per node, after the node's own metadata
// has been processed and before its subtree completes.
type CacheCallback func(current Activity, chain *ParentChain)

// cacheMu serializes tree walks process-wide. A definition shared between
// hosts must not be cached concurrently.
var cacheMu sync.Mutex

// CacheRoot transforms a raw root activity into a runtime-ready tree:
// every node recorded in one IdSpace, every argument, variable, and
// delegate initialized, scoped, and validated, every constraint evaluated.
//
// The walk is an iterative DFS over an explicit stack. It collects errors
// into errs instead of throwing; ctx cancellation aborts the walk with a
// single cancellation error. On success with opts.IsRuntimeReady the root
// is marked runtime-ready.
func CacheRoot(ctx context.Context, root Activity, hostEnv *Environment, opts CacheOptions, callback CacheCallback, errs *ValidationErrors) error {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if errs == nil {
		errs = &ValidationErrors{}
	}
	if hostEnv == nil {
		hostEnv = NewHostEnvironment()
	}

	rootMeta := root.Meta()
	if rootMeta.cacheState == StateCached {
		return nil
	}
	rootMeta.hostEnv = hostEnv

	w := &walker{
		rootMeta: rootMeta,
		idSpace:  newIdSpace(rootMeta),
		opts:     opts,
		callback: callback,
		errs:     errs,
	}

	w.push(&walkFrame{
		activity:      root,
		kind:          KindRoot,
		canBeExecuted: true,
	})

	for len(w.stack) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("activity tree walk canceled: %w", err)
		}

		frame := w.pop()
		if frame.popMarker {
			w.finishNode(frame)
			continue
		}
		w.processNode(frame)
	}

	if !errs.HasErrors() && opts.IsRuntimeReady {
		rootMeta.runtimeReady = true
	}
	return nil
}

// EnsureCached caches a root with runtime-ready defaults if it is not
// cached yet, returning the collected validation failure if any.
func EnsureCached(ctx context.Context, root Activity, hostEnv *Environment) error {
	if root.Meta().CacheState() == StateCached && root.Meta().IsRuntimeReady() {
		return nil
	}
	errs := &ValidationErrors{}
	if err := CacheRoot(ctx, root, hostEnv, CacheOptions{IsRuntimeReady: true}, nil, errs); err != nil {
		return err
	}
	return errs.Err()
}

type walkFrame struct {
	activity      Activity
	parentMeta    *NodeMeta
	kind          ChildKind
	canBeExecuted bool
	chain         *ParentChain // chain up to and including the parent
	scope         *scope       // enclosing symbol scope
	delegate      *Delegate    // set for delegate handlers
	popMarker     bool
}

// scope is a lexical symbol table used for reference resolution during
// the walk. Each activity owns two: a public scope holding its public
// variables and an implementation scope holding its delegate parameters,
// arguments, and implementation variables. The implementation scope
// parents at the public one, so implementation children resolve both
// while public and imported children enter the chain above it and never
// see private symbols. Child scopes shadow parents.
type scope struct {
	parent *scope
	owner  *NodeMeta
	names  map[string]Symbol
}

func newScope(parent *scope, owner *NodeMeta) *scope {
	return &scope{parent: parent, owner: owner, names: make(map[string]Symbol)}
}

func (s *scope) lookup(name string) (Symbol, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if sym, ok := sc.names[name]; ok {
			return sym, true
		}
	}
	return nil, false
}

type walker struct {
	rootMeta *NodeMeta
	idSpace  *IdSpace
	opts     CacheOptions
	callback CacheCallback
	errs     *ValidationErrors
	stack    []*walkFrame
}

func (w *walker) push(f *walkFrame) {
	w.stack = append(w.stack, f)
}

func (w *walker) pop() *walkFrame {
	f := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]
	return f
}

func (w *walker) addError(chain *ParentChain, a Activity, property, format string, args ...any) {
	e := &errors.ValidationError{
		Property: property,
		Message:  fmt.Sprintf(format, args...),
	}
	stamp(e, chain, a)
	w.errs.Add(e)
}

// processNode performs the first-visit work for one activity: id
// assignment, metadata caching, argument/variable/delegate processing, and
// pushing the node's subtree.
func (w *walker) processNode(f *walkFrame) {
	a := f.activity
	meta := a.Meta()

	switch {
	case meta.root != nil && meta.root != w.rootMeta:
		w.addError(f.chain, a, "", "activity is already part of another workflow definition and cannot be reused")
		return
	case meta.root == w.rootMeta && meta.cacheState != StateUncached:
		w.addError(f.chain, a, "", "activity is referenced more than once in this workflow definition")
		return
	}

	if meta.displayName == "" {
		meta.displayName = defaultDisplayName(a)
	}

	meta.reset()
	meta.self = a
	meta.root = w.rootMeta
	meta.relationship = f.kind
	meta.cacheState = StatePartiallyCached
	meta.id = w.idSpace.addMember(a)
	meta.idSpace = w.idSpace

	mc := &MetadataContext{meta: meta}
	a.CacheMetadata(mc)

	chain := &ParentChain{parent: f.chain, activity: a, willExecute: f.canBeExecuted}

	// Two scopes per node, mirroring the two runtime environments: the
	// public scope is what consumers of this activity see; the
	// implementation scope sits inside it and is private to the
	// activity's body and implementation children. Declared names must
	// still be unique across both.
	publicScope := newScope(f.scope, meta)
	implScope := newScope(publicScope, meta)
	declared := make(map[string]Symbol)

	// Delegate parameters come into scope on the handler before the
	// handler's own symbols, the one walk step that reaches up the stack.
	implNext := 0
	if f.delegate != nil {
		for _, p := range f.delegate.Params {
			w.declareSymbol(declared, implScope, f.chain, a, p, "delegate parameter")
			if !p.Direction.IsValid() || p.Direction == InOut {
				w.addError(f.chain, a, p.Name, "delegate parameters must be In or Out")
			}
			p.owner = meta
			p.id = implNext
			implNext++
			meta.delegateParams = append(meta.delegateParams, p)
		}
	}

	// The pop marker seals the node once everything pushed above it (its
	// expressions, children, delegates, and constraints) has processed.
	w.push(&walkFrame{activity: a, chain: f.chain, canBeExecuted: f.canBeExecuted, popMarker: true})

	implNext = w.processArguments(f, chain, declared, implScope, meta, implNext)
	publicNext, implFinal := w.processVariables(f, chain, declared, publicScope, implScope, meta, implNext)
	meta.publicSymbolCount = publicNext
	meta.implementationSymbolCount = implFinal

	w.pushSubtree(f, chain, publicScope, implScope, meta)

	// Resolve reference expressions against the scope at their point of
	// use.
	if ref, ok := a.(*ArgumentReference); ok {
		w.resolveReference(f, ref)
	}

	if w.callback != nil {
		w.callback(a, f.chain)
	}

	w.flushTempViolations(f, a, meta, mc)
}

// processArguments validates directions, types, and uniqueness, assigns
// sequential implementation-environment ids, and pushes each non-empty
// bound expression. Arguments are initialized into the implementation
// environment.
func (w *walker) processArguments(f *walkFrame, chain *ParentChain, declared map[string]Symbol, implScope *scope, meta *NodeMeta, nextID int) int {
	for _, arg := range meta.arguments {
		if arg.Name == "" {
			w.addError(f.chain, f.activity, "", "argument name must not be empty")
			continue
		}
		if !arg.Direction.IsValid() {
			w.addError(f.chain, f.activity, arg.Name, "argument direction is not one of In, Out, InOut")
		}
		if arg.Type == nil {
			w.addError(f.chain, f.activity, arg.Name, "argument type must not be nil")
			continue
		}
		w.declareSymbol(declared, implScope, f.chain, f.activity, arg, "argument")

		arg.owner = meta
		arg.id = nextID
		nextID++

		if arg.Expression == nil {
			continue
		}
		w.validateBinding(f, arg)
		w.push(&walkFrame{
			activity:      arg.Expression,
			parentMeta:    meta,
			kind:          KindArgumentExpression,
			canBeExecuted: f.canBeExecuted,
			chain:         chain,
			scope:         f.scope, // expressions see the enclosing scope, not the consumer's
		})
	}
	return nextID
}

// validateBinding checks a bound expression's produced type against the
// consuming argument.
func (w *walker) validateBinding(f *walkFrame, arg *RuntimeArgument) {
	switch arg.Direction {
	case In:
		vp, ok := arg.Expression.(ValueProducer)
		if !ok {
			w.addError(f.chain, f.activity, arg.Name, "bound expression does not produce a value")
			return
		}
		if !typesCompatible(vp.ResultType(), arg.Type) {
			w.addError(f.chain, f.activity, arg.Name,
				"bound expression produces %s but the argument requires %s", vp.ResultType(), arg.Type)
		}
	case Out, InOut:
		lp, ok := arg.Expression.(LocationProducer)
		if !ok {
			w.addError(f.chain, f.activity, arg.Name, "bound expression does not produce a location; %s arguments require one", arg.Direction)
			return
		}
		if !typesCompatible(lp.LocationType(), arg.Type) {
			w.addError(f.chain, f.activity, arg.Name,
				"bound expression produces a location of %s but the argument requires %s", lp.LocationType(), arg.Type)
		}
	}
}

// processVariables declares public variables into the public scope and
// implementation variables into the implementation scope, assigns each
// its environment's sequential ids, and pushes default expressions. A
// default is walked with the scope of the environment its variable lives
// in, so public defaults never see private symbols.
func (w *walker) processVariables(f *walkFrame, chain *ParentChain, declared map[string]Symbol, publicScope, implScope *scope, meta *NodeMeta, implNext int) (publicCount, implCount int) {
	publicNext := 0
	declare := func(vars []*Variable, sc *scope, nextID *int) {
		for _, v := range vars {
			if v.Name == "" {
				w.addError(f.chain, f.activity, "", "variable name must not be empty")
				continue
			}
			if v.Type == nil {
				w.addError(f.chain, f.activity, v.Name, "variable type must not be nil")
				continue
			}
			w.declareSymbol(declared, sc, f.chain, f.activity, v, "variable")

			v.owner = meta
			v.id = *nextID
			(*nextID)++

			if v.Default == nil {
				continue
			}
			if vp, ok := v.Default.(ValueProducer); !ok {
				w.addError(f.chain, f.activity, v.Name, "default expression does not produce a value")
			} else if !typesCompatible(vp.ResultType(), v.Type) {
				w.addError(f.chain, f.activity, v.Name,
					"default expression produces %s but the variable requires %s", vp.ResultType(), v.Type)
			}
			w.push(&walkFrame{
				activity:      v.Default,
				parentMeta:    meta,
				kind:          KindVariableDefault,
				canBeExecuted: f.canBeExecuted,
				chain:         chain,
				scope:         sc,
			})
		}
	}
	declare(meta.publicVariables, publicScope, &publicNext)
	declare(meta.implementationVariables, implScope, &implNext)
	return publicNext, implNext
}

// pushSubtree pushes children, delegates, and constraints so that the
// stack processes public children first, in declaration order. Public and
// imported children see the node's public scope; only implementation
// children (and constraints) see the implementation scope.
func (w *walker) pushSubtree(f *walkFrame, chain *ParentChain, publicScope, implScope *scope, meta *NodeMeta) {
	pushReversed := func(items []Activity, kind ChildKind, canExec bool, sc *scope) {
		for i := len(items) - 1; i >= 0; i-- {
			if items[i] == nil {
				continue
			}
			w.push(&walkFrame{
				activity:      items[i],
				parentMeta:    meta,
				kind:          kind,
				canBeExecuted: canExec,
				chain:         chain,
				scope:         sc,
			})
		}
	}

	// Constraints are validated as activities too, but never execute as
	// part of the tree.
	pushReversed(meta.constraints, KindConstraint, false, implScope)

	// Delegate handlers are supplied by consumers; they see the public
	// scope.
	for _, delegates := range [][]*Delegate{meta.implementationDelegates, meta.importedDelegates, meta.delegates} {
		for i := len(delegates) - 1; i >= 0; i-- {
			d := delegates[i]
			if d == nil || d.Handler == nil {
				continue
			}
			w.push(&walkFrame{
				activity:      d.Handler,
				parentMeta:    meta,
				kind:          KindDelegateHandler,
				canBeExecuted: f.canBeExecuted,
				chain:         chain,
				scope:         publicScope,
				delegate:      d,
			})
		}
	}

	if !w.opts.SkipPrivateChildren {
		pushReversed(meta.implementationChildren, KindImplementationChild, f.canBeExecuted, implScope)
	}
	// Imported children are reachable by name lookup but are not executed
	// through this parent.
	pushReversed(meta.importedChildren, KindImportedChild, false, publicScope)
	pushReversed(meta.children, KindChild, f.canBeExecuted, publicScope)
}

// finishNode seals a node once its subtree has been processed: evaluates
// constraints and marks the node cached.
func (w *walker) finishNode(f *walkFrame) {
	a := f.activity
	meta := a.Meta()

	if !w.opts.SkipConstraints && f.canBeExecuted && f.chain.WillExecute() {
		for _, c := range meta.constraints {
			cv, ok := c.(ConstraintValidator)
			if !ok {
				continue
			}
			for _, v := range cv.ValidateConstraint(a) {
				stamp(v, f.chain, a)
				w.errs.Add(v)
			}
		}
	}

	meta.cacheState = StateCached
}

// declareSymbol records a symbol in its visibility scope and checks the
// name against everything the node has declared so far: public and
// implementation symbols share one namespace on their activity.
func (w *walker) declareSymbol(declared map[string]Symbol, sc *scope, chain *ParentChain, a Activity, sym Symbol, what string) {
	name := sym.SymbolName()
	if name == "" {
		return
	}
	if _, dup := declared[name]; dup {
		w.addError(chain, a, name, "%s name is already declared in this scope", what)
		return
	}
	declared[name] = sym
	sc.names[name] = sym
}

// resolveReference binds a reference expression to the named symbol in its
// enclosing scope.
func (w *walker) resolveReference(f *walkFrame, ref *ArgumentReference) {
	if f.scope == nil {
		w.addError(f.chain, ref, ref.TargetName, "reference has no enclosing scope")
		return
	}
	sym, ok := f.scope.lookup(ref.TargetName)
	if !ok {
		w.addError(f.chain, ref, ref.TargetName, "reference names an unknown argument")
		return
	}
	if !typesCompatible(sym.symbolType(), ref.typ) {
		w.addError(f.chain, ref, ref.TargetName,
			"reference expects %s but the target is %s", ref.typ, sym.symbolType())
		return
	}
	ref.bindTarget(sym)
}

// flushTempViolations stamps author-reported violations with the node's
// source chain, then either surfaces them or stores them on the node.
func (w *walker) flushTempViolations(f *walkFrame, a Activity, meta *NodeMeta, mc *MetadataContext) {
	for _, v := range mc.violations {
		stamp(v, f.chain, a)
		if w.opts.StoreTempViolations {
			meta.tempViolations = append(meta.tempViolations, v)
		} else {
			w.errs.Add(v)
		}
	}
	mc.violations = nil
}

func typesCompatible(produced, required reflect.Type) bool {
	if produced == nil || required == nil {
		return false
	}
	return produced == required || produced.AssignableTo(required)
}

func defaultDisplayName(a Activity) string {
	t := reflect.TypeOf(a)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return "Activity"
}
