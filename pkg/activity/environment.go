package activity

import "reflect"

// scopeKind separates the two environments every activity owns: the
// public one, visible to consumers, and the implementation one, private
// to the activity's body and implementation children.
type scopeKind int

const (
	scopePublic scopeKind = iota
	scopeImplementation
)

// Environment is a lexical scope binding symbols to locations, with a
// parent link. An activity instance owns up to two environments: a public
// one holding its public variables and an implementation one holding its
// delegate parameters, arguments, and implementation variables. The
// implementation environment parents at the public one, so the activity's
// body sees both; public and imported children enter the chain above the
// implementation scope and never see it. Lookups walk parents.
type Environment struct {
	parent *Environment
	owner  *NodeMeta
	kind   scopeKind
	slots  []*Location
}

// NewEnvironment creates the environment chain owned by the given
// activity on top of parent and returns its innermost scope: the
// implementation environment when the activity declares private symbols,
// else the public environment, else parent itself. Slot locations are
// created eagerly with the symbol's type; values are populated during
// argument and variable resolution.
func NewEnvironment(parent *Environment, owner *NodeMeta) *Environment {
	if owner == nil {
		return &Environment{parent: parent}
	}

	if n := owner.publicSymbolCount; n > 0 {
		pub := &Environment{parent: parent, owner: owner, kind: scopePublic, slots: make([]*Location, n)}
		for _, sym := range owner.publicSymbols() {
			pub.slots[sym.envID()] = NewLocation(sym.symbolType())
		}
		parent = pub
	}

	if n := owner.implementationSymbolCount; n > 0 {
		impl := &Environment{parent: parent, owner: owner, kind: scopeImplementation, slots: make([]*Location, n)}
		for _, sym := range owner.implementationSymbols() {
			impl.slots[sym.envID()] = NewLocation(sym.symbolType())
		}
		return impl
	}

	return parent
}

// NewHostEnvironment creates a root environment with no owner. It parents
// every environment chain created during a walk of the root.
func NewHostEnvironment() *Environment {
	return &Environment{}
}

// Parent returns the enclosing environment, or nil at the root.
func (e *Environment) Parent() *Environment {
	return e.parent
}

// Owner returns the activity whose symbols this environment holds, or nil
// for the host environment.
func (e *Environment) Owner() *NodeMeta {
	return e.owner
}

// Resolve returns the location bound to the given symbol, walking parent
// environments until the symbol's declaring activity's scope of the
// matching visibility is found.
func (e *Environment) Resolve(sym Symbol) (*Location, bool) {
	owner := sym.symbolOwner()
	id := sym.envID()
	if owner == nil || id < 0 {
		return nil, false
	}
	kind := symbolScope(sym)
	for env := e; env != nil; env = env.parent {
		if env.owner == owner && env.kind == kind {
			if id >= len(env.slots) || env.slots[id] == nil {
				return nil, false
			}
			return env.slots[id], true
		}
	}
	return nil, false
}

// Install replaces the location bound to a symbol in this environment
// chain. Out and inout argument resolution installs the producer's cell
// so writes flow through to the enclosing scope.
func (e *Environment) Install(sym Symbol, loc *Location) bool {
	owner := sym.symbolOwner()
	id := sym.envID()
	kind := symbolScope(sym)
	for env := e; env != nil; env = env.parent {
		if env.owner == owner && env.kind == kind {
			if id < 0 || id >= len(env.slots) {
				return false
			}
			env.slots[id] = loc
			return true
		}
	}
	return false
}

// Scope returns the environment in this chain owned by the given activity
// for the given visibility, or nil when the activity owns none.
func (e *Environment) Scope(owner *NodeMeta, public bool) *Environment {
	kind := scopeImplementation
	if public {
		kind = scopePublic
	}
	for env := e; env != nil; env = env.parent {
		if env.owner == owner && env.kind == kind {
			return env
		}
	}
	return nil
}

// PublicView returns the chain as seen by the owner's public and imported
// children: the owner's implementation scope, if this environment is it,
// is skipped.
func (e *Environment) PublicView(owner *NodeMeta) *Environment {
	if e != nil && e.owner == owner && e.kind == scopeImplementation {
		return e.parent
	}
	return e
}

// SlotCount returns the number of slots this environment owns directly.
func (e *Environment) SlotCount() int {
	return len(e.slots)
}

// Slot returns the location at the given slot index, without walking
// parents. Used by persistence to snapshot owned environments in order.
func (e *Environment) Slot(i int) *Location {
	return e.slots[i]
}

// Snapshot returns every named value visible from this environment, with
// inner bindings shadowing outer ones. Expression activities evaluate
// against this view; implementation symbols are only present when the
// chain includes the implementation scope.
func (e *Environment) Snapshot() map[string]any {
	vars := make(map[string]any)
	var walk func(env *Environment)
	walk = func(env *Environment) {
		if env == nil {
			return
		}
		walk(env.parent)
		if env.owner == nil {
			return
		}
		var syms []Symbol
		if env.kind == scopePublic {
			syms = env.owner.publicSymbols()
		} else {
			syms = env.owner.implementationSymbols()
		}
		for _, sym := range syms {
			name := sym.SymbolName()
			if name == "" {
				continue
			}
			id := sym.envID()
			if id >= 0 && id < len(env.slots) && env.slots[id] != nil {
				vars[name] = env.slots[id].Get()
			}
		}
	}
	walk(e)
	return vars
}

// Symbol is implemented by runtime arguments, variables, and delegate
// parameters. A symbol knows its declaring activity, its visibility, and
// the slot it was assigned during metadata caching.
type Symbol interface {
	// SymbolName returns the declared name, empty for unnamed symbols.
	SymbolName() string

	symbolOwner() *NodeMeta
	envID() int
	symbolType() reflect.Type
	isPublicSymbol() bool
}

func symbolScope(sym Symbol) scopeKind {
	if sym.isPublicSymbol() {
		return scopePublic
	}
	return scopeImplementation
}
