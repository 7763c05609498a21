// Package exprs provides expression activities backed by expr-lang. The
// runtime treats expressions as opaque result-producing activities; this
// package supplies the common concrete implementation used for argument
// bindings and variable defaults.
package exprs

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/baton/pkg/activity"
)

// Expr is an expression activity. The program text is compiled once at
// metadata-caching time to surface syntax errors, and again against the
// environment at each evaluation, which sees every named symbol visible
// from the expression's lexical environment as an expr variable.
type Expr struct {
	activity.NodeMeta

	// Text is the expr-lang program.
	Text string

	typ reflect.Type

	mu      sync.Mutex
	program *vm.Program
}

// New creates an expression producing values of the given type.
func New(text string, typ reflect.Type) *Expr {
	return &Expr{Text: text, typ: typ}
}

// String creates an expression producing strings.
func String(text string) *Expr {
	return New(text, reflect.TypeOf(""))
}

// Int creates an expression producing ints.
func Int(text string) *Expr {
	return New(text, reflect.TypeOf(int(0)))
}

// Bool creates an expression producing bools.
func Bool(text string) *Expr {
	return New(text, reflect.TypeOf(false))
}

// CacheMetadata implements activity.Activity. The program is compiled
// here so syntax errors surface as validation errors during the tree
// walk, not as faults at run time.
func (e *Expr) CacheMetadata(mc *activity.MetadataContext) {
	if e.Text == "" {
		mc.AddValidationError("expression text must not be empty")
		return
	}
	program, err := expr.Compile(e.Text, expr.AllowUndefinedVariables())
	if err != nil {
		mc.AddValidationError(fmt.Sprintf("failed to compile expression: %s", err))
		return
	}
	e.mu.Lock()
	e.program = program
	e.mu.Unlock()
}

// ResultType implements activity.ValueProducer.
func (e *Expr) ResultType() reflect.Type { return e.typ }

// TryPopulateValue implements activity.FastPathValue. Expressions always
// evaluate synchronously against the environment's visible symbols.
func (e *Expr) TryPopulateValue(env *activity.Environment) (any, bool, error) {
	e.mu.Lock()
	program := e.program
	e.mu.Unlock()
	if program == nil {
		return nil, true, fmt.Errorf("expression %q was not compiled during caching", e.Text)
	}

	// Compiling against the visible symbols lets environment names take
	// precedence over expr-lang builtins of the same name (count, len, ...).
	vars := env.Snapshot()
	program, err := expr.Compile(e.Text, expr.Env(vars), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, true, fmt.Errorf("expression %q compilation failed: %w", e.Text, err)
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, true, fmt.Errorf("expression %q evaluation failed: %w", e.Text, err)
	}
	return out, true, nil
}
