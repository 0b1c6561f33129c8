package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDAG_Linear(t *testing.T) {
	d, err := NewDAG("linear", []*TaskNode{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, d.Sources())
	assert.Equal(t, []string{"b"}, d.Children("a"))
	assert.Equal(t, []string{"a"}, d.Parents("b"))
}

func TestNewDAG_DuplicateName(t *testing.T) {
	_, err := NewDAG("dup", []*TaskNode{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
}

func TestNewDAG_UnknownDependency(t *testing.T) {
	_, err := NewDAG("missing", []*TaskNode{{Name: "a", Deps: []string{"ghost"}}})
	assert.Error(t, err)
}

func TestNewDAG_CycleDetected(t *testing.T) {
	_, err := NewDAG("cycle", []*TaskNode{
		{Name: "a", Deps: []string{"c"}},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"b"}},
	})
	assert.Error(t, err)
}

func TestDAG_Prune(t *testing.T) {
	d, err := NewDAG("prune", []*TaskNode{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
	})
	require.NoError(t, err)

	d.Prune([]string{"a"})
	assert.Empty(t, d.NonForbiddenParents("b"))
}
