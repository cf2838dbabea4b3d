package privilege

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLatticeAggregation(t *testing.T) {
	l := Default()

	for _, leaf := range []string{ModifyProperties, AddChildren, RemoveNode, RemoveChildren} {
		assert.True(t, l.Contains(Write, leaf), "write should contain %s", leaf)
		assert.True(t, l.Contains(All, leaf), "all should contain %s through write", leaf)
	}
	assert.True(t, l.Contains(All, Read))
	assert.False(t, l.Contains(Write, Read))
	assert.False(t, l.Contains(Read, Read), "containment is not reflexive")
	assert.True(t, l.Implies(Read, Read))
	assert.False(t, l.Contains("nope", Read))
}

func TestContainsIsTransitive(t *testing.T) {
	l, err := NewBuilder().
		Declare("c").
		Declare("b", "c").
		Declare("a", "b").
		Build()
	require.NoError(t, err)

	assert.True(t, l.Contains("a", "b"))
	assert.True(t, l.Contains("b", "c"))
	assert.True(t, l.Contains("a", "c"))
	assert.False(t, l.Contains("c", "a"))
}

func TestBuildRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
	}{
		{"dangling", NewBuilder().Declare("a", "missing")},
		{"duplicate", NewBuilder().Declare("a").Declare("a")},
		{"cycle", NewBuilder().Declare("a", "b").Declare("b", "a")},
		{"empty name", NewBuilder().Declare("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
		})
	}
}

func TestExpand(t *testing.T) {
	l := Default()

	set, err := l.Expand(Write, Read)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{Read, ModifyProperties, AddChildren, RemoveNode, RemoveChildren, Write},
		l.Ordered(set))

	all, err := l.Expand(All)
	require.NoError(t, err)
	assert.Len(t, all, len(l.Names()))

	_, err = l.Expand("teleport")
	assert.True(t, errors.Is(err, ErrUnknownPrivilege))
}

func TestLookupAndResolve(t *testing.T) {
	l := Default()

	p, err := l.Lookup(Write)
	require.NoError(t, err)
	assert.True(t, p.IsAggregate())

	_, err = l.Lookup("jcr:read")
	assert.ErrorIs(t, err, ErrUnknownPrivilege)
	assert.NoError(t, l.Resolve(Read, LockManagement))
	assert.ErrorIs(t, l.Resolve(Read, "bogus"), ErrUnknownPrivilege)
}

func TestSet(t *testing.T) {
	s := NewSet(Write, Read)
	c := s.Clone()
	c.Remove(Write)

	assert.True(t, s.Has(Write))
	assert.False(t, c.Has(Write))
	assert.Equal(t, []string{Read, Write}, s.Names())
}
