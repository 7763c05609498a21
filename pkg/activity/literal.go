package activity

import "reflect"

// FastPathValue is implemented by expressions that can produce their
// value synchronously during argument or variable resolution, without a
// trip through the scheduler. Resolution falls back to scheduling the
// expression as a child when ok is false.
type FastPathValue interface {
	TryPopulateValue(env *Environment) (value any, ok bool, err error)
}

// Literal is an expression activity producing a constant value.
type Literal struct {
	NodeMeta

	// Value is the constant produced.
	Value any

	typ reflect.Type
}

// NewLiteral creates a literal expression. The result type is taken from
// the value; use NewTypedLiteral when the value may be nil.
func NewLiteral(v any) *Literal {
	return &Literal{Value: v, typ: reflect.TypeOf(v)}
}

// NewTypedLiteral creates a literal expression with an explicit type.
func NewTypedLiteral(v any, typ reflect.Type) *Literal {
	return &Literal{Value: v, typ: typ}
}

// CacheMetadata implements Activity. Literals declare no structure.
func (l *Literal) CacheMetadata(mc *MetadataContext) {}

// ResultType implements ValueProducer.
func (l *Literal) ResultType() reflect.Type { return l.typ }

// TryPopulateValue implements FastPathValue. Literals always resolve
// synchronously.
func (l *Literal) TryPopulateValue(env *Environment) (any, bool, error) {
	return l.Value, true, nil
}
