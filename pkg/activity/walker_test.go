package activity

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	baterrors "github.com/tombee/baton/pkg/errors"
)

var intType = reflect.TypeOf(int(0))

// container is a minimal structural activity for walker tests.
type container struct {
	NodeMeta

	args      []*RuntimeArgument
	vars      []*Variable
	implVars  []*Variable
	children  []Activity
	imported  []Activity
	implKids  []Activity
	delegates   []*Delegate
	constraints []Activity
	metaErr     string
}

func (c *container) CacheMetadata(mc *MetadataContext) {
	for _, a := range c.args {
		mc.AddArgument(a)
	}
	for _, v := range c.vars {
		mc.AddVariable(v)
	}
	for _, v := range c.implVars {
		mc.AddImplementationVariable(v)
	}
	for _, ch := range c.children {
		mc.AddChild(ch)
	}
	for _, ch := range c.imported {
		mc.AddImportedChild(ch)
	}
	for _, ch := range c.implKids {
		mc.AddImplementationChild(ch)
	}
	for _, d := range c.delegates {
		mc.AddDelegate(d)
	}
	for _, cn := range c.constraints {
		mc.AddConstraint(cn)
	}
	if c.metaErr != "" {
		mc.AddValidationError(c.metaErr)
	}
}

func newContainer(name string) *container {
	c := &container{}
	c.SetDisplayName(name)
	return c
}

func cache(t *testing.T, root Activity) *ValidationErrors {
	t.Helper()
	errs := &ValidationErrors{}
	err := CacheRoot(context.Background(), root, NewHostEnvironment(), CacheOptions{IsRuntimeReady: true}, nil, errs)
	require.NoError(t, err)
	return errs
}

func TestCacheRootAssignsIds(t *testing.T) {
	leaf1 := newContainer("leaf1")
	leaf2 := newContainer("leaf2")
	mid := newContainer("mid")
	mid.children = []Activity{leaf1, leaf2}
	root := newContainer("root")
	root.children = []Activity{mid}

	errs := cache(t, root)
	require.False(t, errs.HasErrors(), "unexpected validation errors: %v", errs.All())

	assert.Equal(t, 1, root.Meta().ID())
	assert.Equal(t, 2, mid.Meta().ID())
	assert.Equal(t, 3, leaf1.Meta().ID())
	assert.Equal(t, 4, leaf2.Meta().ID())

	// Every activity reaches exactly one IdSpace entry of the root's
	// space, and ids are resolvable.
	space := root.Meta().IdSpace()
	require.NotNil(t, space)
	assert.Equal(t, 4, space.MemberCount())
	for _, a := range []Activity{root, mid, leaf1, leaf2} {
		assert.Same(t, space, a.Meta().IdSpace())
		assert.Same(t, a, space.ByID(a.Meta().ID()))
		assert.Equal(t, StateCached, a.Meta().CacheState())
	}
	assert.True(t, root.Meta().IsRuntimeReady())
}

func TestCacheRootIdsStableAcrossRewalk(t *testing.T) {
	build := func() *container {
		inner := newContainer("inner")
		root := newContainer("root")
		root.children = []Activity{inner, newContainer("other")}
		return root
	}

	first := build()
	second := build()
	cache(t, first)
	cache(t, second)

	require.Equal(t, first.Meta().IdSpace().MemberCount(), second.Meta().IdSpace().MemberCount())
	for id := 1; id <= first.Meta().IdSpace().MemberCount(); id++ {
		a := first.Meta().IdSpace().ByID(id)
		b := second.Meta().IdSpace().ByID(id)
		assert.Equal(t, a.Meta().DisplayName(), b.Meta().DisplayName(), "id %d", id)
	}
}

func TestCacheRootRejectsSecondRoot(t *testing.T) {
	shared := newContainer("shared")

	first := newContainer("first")
	first.children = []Activity{shared}
	errs := cache(t, first)
	require.False(t, errs.HasErrors())

	second := newContainer("second")
	second.children = []Activity{shared}
	errs = cache(t, second)
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.All()[0].Message, "another workflow definition")
	assert.False(t, second.Meta().IsRuntimeReady())
}

func TestCacheRootRejectsDuplicateReference(t *testing.T) {
	shared := newContainer("shared")
	root := newContainer("root")
	root.children = []Activity{shared, shared}

	errs := cache(t, root)
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.All()[0].Message, "referenced more than once")
}

func TestArgumentValidation(t *testing.T) {
	t.Run("assigns sequential ids per environment", func(t *testing.T) {
		root := newContainer("root")
		root.args = []*RuntimeArgument{
			NewArgument("a", In, intType),
			NewArgument("b", Out, intType),
		}
		root.vars = []*Variable{NewVariable("v", intType)}
		root.implVars = []*Variable{NewVariable("w", intType)}

		errs := cache(t, root)
		require.False(t, errs.HasErrors())

		// Arguments and implementation variables number the
		// implementation environment; public variables number the public
		// one.
		assert.Equal(t, 0, root.args[0].EnvironmentID())
		assert.Equal(t, 1, root.args[1].EnvironmentID())
		assert.Equal(t, 2, root.implVars[0].EnvironmentID())
		assert.Equal(t, 0, root.vars[0].EnvironmentID())
		assert.Equal(t, 3, root.Meta().ImplementationSymbolCount())
		assert.Equal(t, 1, root.Meta().PublicSymbolCount())
		assert.Equal(t, 4, root.Meta().SymbolCount())
	})

	t.Run("duplicate symbol name is an error", func(t *testing.T) {
		root := newContainer("root")
		root.args = []*RuntimeArgument{NewArgument("x", In, intType)}
		root.vars = []*Variable{NewVariable("x", intType)}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
		assert.Contains(t, errs.All()[0].Message, "already declared")
	})

	t.Run("child may shadow a parent symbol", func(t *testing.T) {
		child := newContainer("child")
		child.vars = []*Variable{NewVariable("x", intType)}
		root := newContainer("root")
		root.vars = []*Variable{NewVariable("x", intType)}
		root.children = []Activity{child}

		errs := cache(t, root)
		assert.False(t, errs.HasErrors(), "shadowing across scopes must be legal: %v", errs.All())
	})

	t.Run("bound expression type mismatch", func(t *testing.T) {
		root := newContainer("root")
		root.args = []*RuntimeArgument{
			NewBoundArgument("n", In, intType, NewLiteral("not an int")),
		}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
		assert.Contains(t, errs.All()[0].Message, "requires int")
	})

	t.Run("out argument requires a location expression", func(t *testing.T) {
		root := newContainer("root")
		root.args = []*RuntimeArgument{
			NewBoundArgument("n", Out, intType, NewLiteral(1)),
		}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
		assert.Contains(t, errs.All()[0].Message, "location")
	})

	t.Run("invalid direction", func(t *testing.T) {
		root := newContainer("root")
		root.args = []*RuntimeArgument{{Name: "n", Direction: Direction(42), Type: intType}}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
	})
}

func TestArgumentReferenceResolution(t *testing.T) {
	t.Run("implementation child resolves the owner's argument", func(t *testing.T) {
		ref := NewArgumentReference("total", intType)
		child := newContainer("child")
		child.args = []*RuntimeArgument{NewBoundArgument("n", In, intType, ref)}

		root := newContainer("root")
		root.args = []*RuntimeArgument{NewArgument("total", In, intType)}
		root.implKids = []Activity{child}

		errs := cache(t, root)
		require.False(t, errs.HasErrors(), "errors: %v", errs.All())
		require.NotNil(t, ref.Target())
		assert.Equal(t, "total", ref.Target().SymbolName())
	})

	t.Run("unknown target is a validation error", func(t *testing.T) {
		ref := NewArgumentReference("missing", intType)
		child := newContainer("child")
		child.args = []*RuntimeArgument{NewBoundArgument("n", In, intType, ref)}

		root := newContainer("root")
		root.implKids = []Activity{child}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
		assert.Contains(t, errs.All()[0].Message, "unknown argument")
	})

	t.Run("arguments are private to the implementation", func(t *testing.T) {
		// A public child sits outside the implementation scope: the
		// owner's arguments are not named there.
		ref := NewArgumentReference("total", intType)
		child := newContainer("child")
		child.args = []*RuntimeArgument{NewBoundArgument("n", In, intType, ref)}

		root := newContainer("root")
		root.args = []*RuntimeArgument{NewArgument("total", In, intType)}
		root.children = []Activity{child}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
		assert.Contains(t, errs.All()[0].Message, "unknown argument")
	})

	t.Run("public variables are visible to public children", func(t *testing.T) {
		ref := NewArgumentReference("shared", intType)
		child := newContainer("child")
		child.args = []*RuntimeArgument{NewBoundArgument("n", In, intType, ref)}

		root := newContainer("root")
		root.vars = []*Variable{NewVariable("shared", intType)}
		root.children = []Activity{child}

		errs := cache(t, root)
		require.False(t, errs.HasErrors(), "errors: %v", errs.All())
		require.NotNil(t, ref.Target())
	})
}

func TestImplementationScopeIsolation(t *testing.T) {
	t.Run("implementation variables are hidden from public children", func(t *testing.T) {
		ref := NewArgumentReference("secret", intType)
		pub := newContainer("pub")
		pub.args = []*RuntimeArgument{NewBoundArgument("n", In, intType, ref)}

		root := newContainer("root")
		root.implVars = []*Variable{NewVariable("secret", intType)}
		root.children = []Activity{pub}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
		assert.Contains(t, errs.All()[0].Message, "unknown argument")
	})

	t.Run("implementation variables are hidden from imported children", func(t *testing.T) {
		ref := NewArgumentReference("secret", intType)
		imp := newContainer("imp")
		imp.args = []*RuntimeArgument{NewBoundArgument("n", In, intType, ref)}

		root := newContainer("root")
		root.implVars = []*Variable{NewVariable("secret", intType)}
		root.imported = []Activity{imp}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
		assert.Contains(t, errs.All()[0].Message, "unknown argument")
	})

	t.Run("implementation children see the whole chain", func(t *testing.T) {
		secretRef := NewArgumentReference("secret", intType)
		sharedRef := NewArgumentReference("shared", intType)
		impl := newContainer("impl")
		impl.args = []*RuntimeArgument{
			NewBoundArgument("a", In, intType, secretRef),
			NewBoundArgument("b", In, intType, sharedRef),
		}

		root := newContainer("root")
		root.vars = []*Variable{NewVariable("shared", intType)}
		root.implVars = []*Variable{NewVariable("secret", intType)}
		root.implKids = []Activity{impl}

		errs := cache(t, root)
		require.False(t, errs.HasErrors(), "errors: %v", errs.All())
		require.NotNil(t, secretRef.Target())
		require.NotNil(t, sharedRef.Target())
	})
}

func TestMetadataViolationsAreStamped(t *testing.T) {
	bad := newContainer("bad")
	bad.metaErr = "this node is misconfigured"
	root := newContainer("root")
	root.children = []Activity{bad}

	errs := cache(t, root)
	require.True(t, errs.HasErrors())
	ve := errs.All()[0]
	assert.Equal(t, "root/bad", ve.Source)
	assert.Equal(t, "2", ve.ID)
}

func TestStoreTempViolations(t *testing.T) {
	bad := newContainer("bad")
	bad.metaErr = "deferred problem"
	root := newContainer("root")
	root.children = []Activity{bad}

	errs := &ValidationErrors{}
	err := CacheRoot(context.Background(), root, nil, CacheOptions{StoreTempViolations: true}, nil, errs)
	require.NoError(t, err)
	assert.False(t, errs.HasErrors())
	require.Len(t, bad.Meta().TempViolations(), 1)
	assert.Equal(t, "deferred problem", bad.Meta().TempViolations()[0].Message)
}

// fixedConstraint reports one violation against whatever node it guards.
type fixedConstraint struct {
	NodeMeta
	message string
	warning bool
}

func (c *fixedConstraint) CacheMetadata(mc *MetadataContext) {}

func (c *fixedConstraint) ValidateConstraint(target Activity) []*baterrors.ValidationError {
	return []*baterrors.ValidationError{{Message: c.message, IsWarning: c.warning}}
}

func newConstrained(name, message string, warning bool) *container {
	c := newContainer(name)
	c.constraints = []Activity{&fixedConstraint{message: message, warning: warning}}
	return c
}

func TestConstraints(t *testing.T) {
	t.Run("constraint violations surface against the guarded node", func(t *testing.T) {
		root := newContainer("root")
		root.children = []Activity{newConstrained("child", "child must be configured", false)}

		errs := cache(t, root)
		require.True(t, errs.HasErrors())
		assert.Contains(t, errs.All()[0].Message, "must be configured")
	})

	t.Run("warnings do not block readiness", func(t *testing.T) {
		root := newContainer("root")
		root.children = []Activity{newConstrained("child", "advisory only", true)}

		errs := cache(t, root)
		assert.False(t, errs.HasErrors())
		assert.Len(t, errs.All(), 1)
		assert.True(t, root.Meta().IsRuntimeReady())
	})

	t.Run("skip constraints option", func(t *testing.T) {
		root := newContainer("root")
		root.children = []Activity{newConstrained("child", "should not surface", false)}

		errs := &ValidationErrors{}
		err := CacheRoot(context.Background(), root, nil, CacheOptions{SkipConstraints: true}, nil, errs)
		require.NoError(t, err)
		assert.Empty(t, errs.All())
	})
}

func TestWalkCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	root := newContainer("root")
	errs := &ValidationErrors{}
	err := CacheRoot(ctx, root, nil, CacheOptions{}, nil, errs)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallbackSeesEveryNode(t *testing.T) {
	leaf := newContainer("leaf")
	imported := newContainer("imported")
	private := newContainer("private")
	root := newContainer("root")
	root.children = []Activity{leaf}
	root.imported = []Activity{imported}
	root.implKids = []Activity{private}

	var seen []string
	errs := &ValidationErrors{}
	err := CacheRoot(context.Background(), root, nil, CacheOptions{IsRuntimeReady: true},
		func(current Activity, chain *ParentChain) {
			seen = append(seen, current.Meta().DisplayName())
		}, errs)
	require.NoError(t, err)
	require.False(t, errs.HasErrors())

	assert.Equal(t, []string{"root", "leaf", "imported", "private"}, seen)
	// Imported children are cached but will not execute through this
	// parent.
	assert.Equal(t, StateCached, imported.Meta().CacheState())
	assert.Equal(t, KindImportedChild, imported.Meta().Relationship())
}

func TestSkipPrivateChildren(t *testing.T) {
	private := newContainer("private")
	root := newContainer("root")
	root.implKids = []Activity{private}

	errs := &ValidationErrors{}
	err := CacheRoot(context.Background(), root, nil, CacheOptions{SkipPrivateChildren: true}, nil, errs)
	require.NoError(t, err)
	assert.Equal(t, StateUncached, private.Meta().CacheState())
}

func TestDelegateParamsScopeIntoHandler(t *testing.T) {
	in := NewDelegateParam("input", In, intType)
	out := NewDelegateParam("output", Out, intType)
	handler := newContainer("handler")
	d := NewDelegate("body", handler, in, out)

	root := newContainer("root")
	root.delegates = []*Delegate{d}

	errs := cache(t, root)
	require.False(t, errs.HasErrors(), "errors: %v", errs.All())

	assert.Equal(t, 0, in.EnvironmentID())
	assert.Equal(t, 1, out.EnvironmentID())
	assert.Equal(t, 2, handler.Meta().SymbolCount())
	assert.Len(t, handler.Meta().DelegateParams(), 2)
}
