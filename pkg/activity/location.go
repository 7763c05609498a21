package activity

import (
	"fmt"
	"reflect"
)

// Location is a mutable, typed storage cell. Arguments, variables, and
// expression results all read and write through locations; environments
// bind symbols to them.
type Location struct {
	typ   reflect.Type
	value any

	// Temporary-resolution metadata for out/inout arguments whose
	// producer returned an intermediate reference.
	tempEnv              *Environment
	bufferGetsOnCollapse bool
}

// NewLocation creates an empty location holding values of the given type.
func NewLocation(typ reflect.Type) *Location {
	return &Location{typ: typ}
}

// Type returns the location's value type.
func (l *Location) Type() reflect.Type {
	return l.typ
}

// Get returns the current value. An unset location returns the zero value
// of its type.
func (l *Location) Get() any {
	if l.value == nil && l.typ != nil {
		return reflect.Zero(l.typ).Interface()
	}
	return l.value
}

// Set stores a value, checking assignability against the location type.
// Numeric values are converted when the target type is numeric; this keeps
// values that round-tripped through JSON (where every number is a float64)
// assignable to their original typed cells.
func (l *Location) Set(v any) error {
	if v == nil {
		l.value = nil
		return nil
	}
	if l.typ == nil {
		l.value = v
		return nil
	}

	vt := reflect.TypeOf(v)
	switch {
	case vt.AssignableTo(l.typ):
		l.value = v
	case isNumeric(vt) && isNumeric(l.typ):
		l.value = reflect.ValueOf(v).Convert(l.typ).Interface()
	case vt.ConvertibleTo(l.typ) && vt.Kind() == l.typ.Kind():
		l.value = reflect.ValueOf(v).Convert(l.typ).Interface()
	default:
		return fmt.Errorf("cannot store %s in location of type %s", vt, l.typ)
	}
	return nil
}

// MarkTemporary records the environment that minted this location during
// out/inout argument resolution. A temporary cell is an intermediate
// buffer: bufferGets marks that its value must be surfaced when the
// owning invocation collapses, rather than having flowed through to the
// enclosing scope already.
func (l *Location) MarkTemporary(env *Environment, bufferGets bool) {
	l.tempEnv = env
	l.bufferGetsOnCollapse = bufferGets
}

// IsTemporary reports whether the location carries temporary-resolution
// metadata.
func (l *Location) IsTemporary() bool {
	return l.tempEnv != nil
}

// BufferGetsOnCollapse reports whether the temporary cell's value is
// surfaced when the owning invocation completes.
func (l *Location) BufferGetsOnCollapse() bool {
	return l.bufferGetsOnCollapse
}

func isNumeric(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
