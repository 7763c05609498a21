// Package activity defines the declarative activity model: definition
// nodes with typed arguments, variables, and delegate structure, the
// lexical environments that scope them, and the tree walker that turns a
// raw root into a cached, runtime-ready definition.
package activity

import (
	"reflect"

	"github.com/tombee/baton/pkg/errors"
)

// Activity is a definition node describing a unit of work and its
// compositional structure. Implementations embed NodeMeta and populate their
// collections in CacheMetadata. Definitions become immutable once cached
// and may never be associated with two roots.
//
// Execution behavior is attached separately: the runtime asserts its own
// Executable and Cancelable interfaces against the definition, so a pure
// structural node needs nothing beyond this interface.
type Activity interface {
	// Meta returns the per-node cached metadata holder. Satisfied by
	// embedding NodeMeta.
	Meta() *NodeMeta

	// CacheMetadata declares the node's children, arguments, variables,
	// delegates, and constraints. Called exactly once per root association,
	// by the tree walker.
	CacheMetadata(mc *MetadataContext)
}

// ValueProducer is implemented by activities that produce a value in a
// Result slot, such as expressions bound to In arguments and variable
// defaults.
type ValueProducer interface {
	Activity

	// ResultType returns the type of the produced value.
	ResultType() reflect.Type
}

// LocationProducer is implemented by expressions whose result is a storage
// cell rather than a value. Out and inout argument bindings must produce
// locations so writes flow back to the enclosing scope.
type LocationProducer interface {
	Activity

	// LocationType returns the value type of the produced location.
	LocationType() reflect.Type
}

// ConstraintValidator is implemented by constraint activities. Constraints
// attached via AddConstraint are walked like any other activity; those
// implementing this interface are additionally evaluated against the node
// they guard once that node finishes caching.
type ConstraintValidator interface {
	Activity

	// ValidateConstraint checks the target and returns zero or more
	// violations. Violations marked as warnings do not block readiness.
	ValidateConstraint(target Activity) []*errors.ValidationError
}

// CacheState tracks a definition node's progress through the tree walk.
type CacheState int

const (
	// StateUncached marks a node the walker has not entered.
	StateUncached CacheState = iota
	// StatePartiallyCached marks a node the walker has entered but not
	// finished; its descendants may still be processing.
	StatePartiallyCached
	// StateCached marks a fully processed, immutable node.
	StateCached
)

// ChildKind records how a node relates to its parent.
type ChildKind int

const (
	// KindRoot marks the root of the tree.
	KindRoot ChildKind = iota
	// KindChild marks an ordinary public child.
	KindChild
	// KindImportedChild marks a child reachable by name lookup but not
	// executed through this parent.
	KindImportedChild
	// KindImplementationChild marks a private implementation detail.
	KindImplementationChild
	// KindArgumentExpression marks an expression bound to an argument.
	KindArgumentExpression
	// KindVariableDefault marks a variable default expression.
	KindVariableDefault
	// KindDelegateHandler marks a delegate's handler.
	KindDelegateHandler
	// KindConstraint marks a runtime constraint.
	KindConstraint
)

// NodeMeta holds the cached, runtime-ready metadata of a definition node.
// Activity implementations embed it; the tree walker populates it.
type NodeMeta struct {
	displayName string
	id          int
	idSpace     *IdSpace
	root        *NodeMeta
	self        Activity
	cacheState  CacheState
	runtimeReady bool
	relationship ChildKind

	arguments               []*RuntimeArgument
	publicVariables         []*Variable
	implementationVariables []*Variable

	children               []Activity
	importedChildren       []Activity
	implementationChildren []Activity

	delegates               []*Delegate
	importedDelegates       []*Delegate
	implementationDelegates []*Delegate

	constraints []Activity

	// delegateParams are parameters scoped into this activity because it
	// serves as a delegate handler.
	delegateParams []*DelegateParam

	// Slot counts of the two environments an instance of this activity
	// owns. The public environment holds public variables; the
	// implementation environment holds delegate parameters, arguments,
	// and implementation variables.
	publicSymbolCount         int
	implementationSymbolCount int

	// hostEnv is the environment supplied to the walk; set on roots only.
	// Runtime environments of root instances parent here.
	hostEnv *Environment

	tempViolations []*errors.ValidationError
}

// Meta returns the metadata holder itself, satisfying the Activity
// interface for embedders.
func (m *NodeMeta) Meta() *NodeMeta { return m }

// DisplayName returns the node's display name. When unset it defaults to
// the implementing type's name at caching time.
func (m *NodeMeta) DisplayName() string { return m.displayName }

// SetDisplayName overrides the node's display name. Must be called before
// the node is cached.
func (m *NodeMeta) SetDisplayName(name string) { m.displayName = name }

// ID returns the node's id within its root's IdSpace, or 0 if uncached.
func (m *NodeMeta) ID() int { return m.id }

// IdSpace returns the flat numbering this node belongs to, or nil if
// uncached.
func (m *NodeMeta) IdSpace() *IdSpace { return m.idSpace }

// Root returns the owning root's metadata, or nil if uncached.
func (m *NodeMeta) Root() *NodeMeta { return m.root }

// CacheState returns the node's walk progress.
func (m *NodeMeta) CacheState() CacheState { return m.cacheState }

// IsRuntimeReady reports whether this node is a root that was cached with
// the runtime-ready option and without errors. It is false for every
// non-root node.
func (m *NodeMeta) IsRuntimeReady() bool { return m.runtimeReady }

// Relationship returns how this node relates to its parent.
func (m *NodeMeta) Relationship() ChildKind { return m.relationship }

// RuntimeArguments returns the cached argument descriptors, in declaration
// order.
func (m *NodeMeta) RuntimeArguments() []*RuntimeArgument { return m.arguments }

// PublicVariables returns the cached public variable descriptors.
func (m *NodeMeta) PublicVariables() []*Variable { return m.publicVariables }

// ImplementationVariables returns the cached implementation variable
// descriptors.
func (m *NodeMeta) ImplementationVariables() []*Variable { return m.implementationVariables }

// Children returns the public children in declaration order.
func (m *NodeMeta) Children() []Activity { return m.children }

// ImportedChildren returns the imported children in declaration order.
func (m *NodeMeta) ImportedChildren() []Activity { return m.importedChildren }

// ImplementationChildren returns the implementation children in
// declaration order.
func (m *NodeMeta) ImplementationChildren() []Activity { return m.implementationChildren }

// Delegates returns the public delegates in declaration order.
func (m *NodeMeta) Delegates() []*Delegate { return m.delegates }

// Constraints returns the attached runtime constraints.
func (m *NodeMeta) Constraints() []Activity { return m.constraints }

// SymbolCount returns the total number of environment slots an instance
// of this activity owns, across both of its environments.
func (m *NodeMeta) SymbolCount() int { return m.publicSymbolCount + m.implementationSymbolCount }

// PublicSymbolCount returns the slot count of the public environment.
func (m *NodeMeta) PublicSymbolCount() int { return m.publicSymbolCount }

// ImplementationSymbolCount returns the slot count of the implementation
// environment.
func (m *NodeMeta) ImplementationSymbolCount() int { return m.implementationSymbolCount }

// HostEnvironment returns the environment the root was cached against.
// Nil for non-root nodes.
func (m *NodeMeta) HostEnvironment() *Environment { return m.hostEnv }

// publicSymbols returns the symbols of the public environment, in slot
// order.
func (m *NodeMeta) publicSymbols() []Symbol {
	syms := make([]Symbol, 0, m.publicSymbolCount)
	for _, v := range m.publicVariables {
		syms = append(syms, v)
	}
	return syms
}

// implementationSymbols returns the symbols of the implementation
// environment, in slot order.
func (m *NodeMeta) implementationSymbols() []Symbol {
	syms := make([]Symbol, 0, m.implementationSymbolCount)
	for _, p := range m.delegateParams {
		syms = append(syms, p)
	}
	for _, a := range m.arguments {
		syms = append(syms, a)
	}
	for _, v := range m.implementationVariables {
		syms = append(syms, v)
	}
	return syms
}

// DelegateParams returns parameters scoped into this activity because it
// serves as a delegate handler.
func (m *NodeMeta) DelegateParams() []*DelegateParam { return m.delegateParams }

// reset clears transient walk state so a failed caching attempt can be
// retried. Cached nodes are never reset.
func (m *NodeMeta) reset() {
	m.arguments = nil
	m.publicVariables = nil
	m.implementationVariables = nil
	m.children = nil
	m.importedChildren = nil
	m.implementationChildren = nil
	m.delegates = nil
	m.importedDelegates = nil
	m.implementationDelegates = nil
	m.constraints = nil
	m.delegateParams = nil
	m.publicSymbolCount = 0
	m.implementationSymbolCount = 0
	m.tempViolations = nil
}

// TempViolations returns validation errors stored on the node when the
// walk ran with StoreTempViolations, for later flushing.
func (m *NodeMeta) TempViolations() []*errors.ValidationError {
	return m.tempViolations
}

// MetadataContext is handed to CacheMetadata so a node can declare its
// structure. All Add methods record into the node being cached; the walker
// validates and scopes the collections afterwards.
type MetadataContext struct {
	meta       *NodeMeta
	violations []*errors.ValidationError
}

// AddArgument declares a runtime argument.
func (mc *MetadataContext) AddArgument(a *RuntimeArgument) {
	mc.meta.arguments = append(mc.meta.arguments, a)
}

// AddVariable declares a public variable, visible to consumers of the
// activity.
func (mc *MetadataContext) AddVariable(v *Variable) {
	v.public = true
	mc.meta.publicVariables = append(mc.meta.publicVariables, v)
}

// AddImplementationVariable declares a private variable, visible only to
// the activity's implementation children.
func (mc *MetadataContext) AddImplementationVariable(v *Variable) {
	v.public = false
	mc.meta.implementationVariables = append(mc.meta.implementationVariables, v)
}

// AddChild declares a public child.
func (mc *MetadataContext) AddChild(a Activity) {
	mc.meta.children = append(mc.meta.children, a)
}

// AddImportedChild declares a child reachable by name lookup but not
// executed through this parent.
func (mc *MetadataContext) AddImportedChild(a Activity) {
	mc.meta.importedChildren = append(mc.meta.importedChildren, a)
}

// AddImplementationChild declares a private implementation child.
func (mc *MetadataContext) AddImplementationChild(a Activity) {
	mc.meta.implementationChildren = append(mc.meta.implementationChildren, a)
}

// AddDelegate declares a public delegate.
func (mc *MetadataContext) AddDelegate(d *Delegate) {
	mc.meta.delegates = append(mc.meta.delegates, d)
}

// AddImportedDelegate declares an imported delegate.
func (mc *MetadataContext) AddImportedDelegate(d *Delegate) {
	mc.meta.importedDelegates = append(mc.meta.importedDelegates, d)
}

// AddImplementationDelegate declares an implementation delegate.
func (mc *MetadataContext) AddImplementationDelegate(d *Delegate) {
	mc.meta.implementationDelegates = append(mc.meta.implementationDelegates, d)
}

// AddConstraint attaches a runtime constraint to the node.
func (mc *MetadataContext) AddConstraint(c Activity) {
	mc.meta.constraints = append(mc.meta.constraints, c)
}

// AddValidationError records a metadata-level violation. The walker stamps
// it with the node's source chain before surfacing it.
func (mc *MetadataContext) AddValidationError(message string) {
	mc.violations = append(mc.violations, &errors.ValidationError{Message: message})
}

// AddValidationWarning records a non-fatal metadata finding.
func (mc *MetadataContext) AddValidationWarning(message string) {
	mc.violations = append(mc.violations, &errors.ValidationError{Message: message, IsWarning: true})
}
