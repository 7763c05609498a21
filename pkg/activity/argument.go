package activity

import (
	"reflect"
)

// Direction describes how data flows through an argument.
type Direction int

const (
	// In arguments flow from the enclosing scope into the activity.
	In Direction = iota
	// Out arguments flow from the activity back to the enclosing scope.
	Out
	// InOut arguments flow both ways through a shared location.
	InOut
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case In:
		return "In"
	case Out:
		return "Out"
	case InOut:
		return "InOut"
	default:
		return "Unknown"
	}
}

// IsValid reports whether the direction is one of the three defined values.
func (d Direction) IsValid() bool {
	return d == In || d == Out || d == InOut
}

// RuntimeArgument is a cached argument descriptor: a name, a direction, a
// value type, and an optional bound expression. Creating an argument with
// no expression is legal (an empty binding); resolution then leaves the
// slot at its zero value unless the caller supplies an override.
type RuntimeArgument struct {
	// Name is the argument's declared name, unique within its activity.
	Name string

	// Direction is In, Out, or InOut.
	Direction Direction

	// Type is the argument's value type.
	Type reflect.Type

	// Expression is the optionally bound expression activity. For In
	// arguments it must be a ValueProducer of Type; for Out and InOut it
	// must be a LocationProducer of Type.
	Expression Activity

	owner *NodeMeta
	id    int
}

// NewArgument creates an argument descriptor with an empty binding.
func NewArgument(name string, dir Direction, typ reflect.Type) *RuntimeArgument {
	return &RuntimeArgument{
		Name:      name,
		Direction: dir,
		Type:      typ,
		id:        -1,
	}
}

// NewBoundArgument creates an argument descriptor bound to an expression.
func NewBoundArgument(name string, dir Direction, typ reflect.Type, expr Activity) *RuntimeArgument {
	a := NewArgument(name, dir, typ)
	a.Expression = expr
	return a
}

// SymbolName implements Symbol.
func (a *RuntimeArgument) SymbolName() string { return a.Name }

func (a *RuntimeArgument) symbolOwner() *NodeMeta       { return a.owner }
func (a *RuntimeArgument) envID() int               { return a.id }
func (a *RuntimeArgument) symbolType() reflect.Type { return a.Type }
func (a *RuntimeArgument) isPublicSymbol() bool     { return false }

// EnvironmentID returns the slot assigned during caching, or -1.
func (a *RuntimeArgument) EnvironmentID() int { return a.id }

// Get reads the argument's current value from the environment.
func (a *RuntimeArgument) Get(env *Environment) (any, bool) {
	loc, ok := env.Resolve(a)
	if !ok {
		return nil, false
	}
	return loc.Get(), true
}

// Set writes the argument's value into the environment.
func (a *RuntimeArgument) Set(env *Environment, v any) error {
	loc, ok := env.Resolve(a)
	if !ok {
		return &resolveError{symbol: a.Name}
	}
	return loc.Set(v)
}

type resolveError struct {
	symbol string
}

func (e *resolveError) Error() string {
	return "symbol " + e.symbol + " is not bound in this environment"
}

// ArgumentReference is an expression activity that reads or writes an
// argument declared by an enclosing activity, by name. The walker resolves
// the name against the enclosing scopes during caching; an unknown target
// is a validation error.
type ArgumentReference struct {
	NodeMeta

	// TargetName names the argument in the enclosing scope.
	TargetName string

	// ForWriting selects location semantics: a writing reference produces
	// the target's cell (for Out/InOut consumers) rather than its value.
	ForWriting bool

	typ      reflect.Type
	resolved Symbol
}

// NewArgumentReference creates a reading reference to a named argument.
func NewArgumentReference(target string, typ reflect.Type) *ArgumentReference {
	return &ArgumentReference{TargetName: target, typ: typ}
}

// NewArgumentReferenceForWrite creates a writing reference to a named
// argument, usable as an Out/InOut binding.
func NewArgumentReferenceForWrite(target string, typ reflect.Type) *ArgumentReference {
	return &ArgumentReference{TargetName: target, typ: typ, ForWriting: true}
}

// CacheMetadata implements Activity. References declare no structure.
func (r *ArgumentReference) CacheMetadata(mc *MetadataContext) {}

// ResultType implements ValueProducer for reading references.
func (r *ArgumentReference) ResultType() reflect.Type { return r.typ }

// LocationType implements LocationProducer for writing references.
func (r *ArgumentReference) LocationType() reflect.Type { return r.typ }

// Target returns the resolved symbol after caching, or nil.
func (r *ArgumentReference) Target() Symbol { return r.resolved }

// bindTarget records the walker's resolution.
func (r *ArgumentReference) bindTarget(sym Symbol) { r.resolved = sym }
