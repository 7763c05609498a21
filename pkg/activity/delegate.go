package activity

import "reflect"

// Delegate names a slot where a consumer supplies behavior: a handler
// activity plus the parameters the owner binds when invoking it. Delegate
// parameters are scoped into the handler's environment during caching, the
// only walk step that reaches up the stack.
type Delegate struct {
	// DisplayName labels the delegate in diagnostics.
	DisplayName string

	// Handler is the activity invoked when the delegate is scheduled.
	Handler Activity

	// Params are the delegate's bound parameters, in declaration order.
	Params []*DelegateParam
}

// NewDelegate creates a delegate around a handler.
func NewDelegate(name string, handler Activity, params ...*DelegateParam) *Delegate {
	return &Delegate{DisplayName: name, Handler: handler, Params: params}
}

// DelegateParam is a named, directional parameter of a delegate. In
// parameters carry values from the invoking activity to the handler; Out
// parameters carry the handler's results back.
type DelegateParam struct {
	// Name is the parameter's declared name, unique within the handler's
	// scope.
	Name string

	// Direction is In or Out. InOut delegate parameters are not supported.
	Direction Direction

	// Type is the parameter's value type.
	Type reflect.Type

	owner *NodeMeta
	id    int
}

// NewDelegateParam creates a delegate parameter descriptor.
func NewDelegateParam(name string, dir Direction, typ reflect.Type) *DelegateParam {
	return &DelegateParam{Name: name, Direction: dir, Type: typ, id: -1}
}

// SymbolName implements Symbol.
func (p *DelegateParam) SymbolName() string { return p.Name }

func (p *DelegateParam) symbolOwner() *NodeMeta       { return p.owner }
func (p *DelegateParam) envID() int               { return p.id }
func (p *DelegateParam) symbolType() reflect.Type { return p.Type }
func (p *DelegateParam) isPublicSymbol() bool     { return false }

// EnvironmentID returns the slot assigned during caching, or -1.
func (p *DelegateParam) EnvironmentID() int { return p.id }

// Get reads the parameter's current value from the environment.
func (p *DelegateParam) Get(env *Environment) (any, bool) {
	loc, ok := env.Resolve(p)
	if !ok {
		return nil, false
	}
	return loc.Get(), true
}

// Set writes the parameter's value into the environment.
func (p *DelegateParam) Set(env *Environment, v any) error {
	loc, ok := env.Resolve(p)
	if !ok {
		return &resolveError{symbol: p.Name}
	}
	return loc.Set(v)
}
