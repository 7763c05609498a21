package activity

import "reflect"

// Variable is a cached variable descriptor. Public variables are visible
// to consumers of the declaring activity; implementation variables only to
// its implementation children. A variable's default is an expression
// activity evaluated during variable resolution.
type Variable struct {
	// Name is the variable's declared name, unique within its scope.
	Name string

	// Type is the variable's value type.
	Type reflect.Type

	// Default is the optional default expression, a ValueProducer of Type.
	Default Activity

	owner  *NodeMeta
	id     int
	public bool
}

// NewVariable creates a variable descriptor with no default.
func NewVariable(name string, typ reflect.Type) *Variable {
	return &Variable{Name: name, Type: typ, id: -1}
}

// NewVariableWithDefault creates a variable descriptor with a default
// expression.
func NewVariableWithDefault(name string, typ reflect.Type, def Activity) *Variable {
	v := NewVariable(name, typ)
	v.Default = def
	return v
}

// SymbolName implements Symbol.
func (v *Variable) SymbolName() string { return v.Name }

func (v *Variable) symbolOwner() *NodeMeta       { return v.owner }
func (v *Variable) envID() int               { return v.id }
func (v *Variable) symbolType() reflect.Type { return v.Type }
func (v *Variable) isPublicSymbol() bool     { return v.public }

// EnvironmentID returns the slot assigned during caching, or -1.
func (v *Variable) EnvironmentID() int { return v.id }

// IsPublic reports whether the variable was declared into the public
// environment.
func (v *Variable) IsPublic() bool { return v.public }

// Get reads the variable's current value from the environment.
func (v *Variable) Get(env *Environment) (any, bool) {
	loc, ok := env.Resolve(v)
	if !ok {
		return nil, false
	}
	return loc.Get(), true
}

// Set writes the variable's value into the environment.
func (v *Variable) Set(env *Environment, val any) error {
	loc, ok := env.Resolve(v)
	if !ok {
		return &resolveError{symbol: v.Name}
	}
	return loc.Set(val)
}
