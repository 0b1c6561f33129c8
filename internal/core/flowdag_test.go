package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondNodes() []*TaskNode {
	return []*TaskNode{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"a"}},
		{Name: "d", Deps: []string{"b", "c"}},
	}
}

func TestGenerateFlowDag_EmptySelectorsYieldFullDag(t *testing.T) {
	pd, err := GenerateFlowDag(diamondNodes(), "diamond", nil, nil, TaskDependAll)
	require.NoError(t, err)
	assert.Len(t, pd.Nodes, 4)
}

func TestGenerateFlowDag_Forward(t *testing.T) {
	pd, err := GenerateFlowDag(diamondNodes(), "diamond", []string{"b"}, nil, TaskDependForward)
	require.NoError(t, err)

	_, hasB := pd.Nodes["b"]
	_, hasD := pd.Nodes["d"]
	_, hasA := pd.Nodes["a"]
	assert.True(t, hasB)
	assert.True(t, hasD, "forward slice should include downstream node d")
	assert.False(t, hasA, "forward slice should not include upstream-only node a")
}

func TestGenerateFlowDag_Backward(t *testing.T) {
	pd, err := GenerateFlowDag(diamondNodes(), "diamond", nil, []string{"c"}, TaskDependBackward)
	require.NoError(t, err)

	_, hasC := pd.Nodes["c"]
	_, hasA := pd.Nodes["a"]
	_, hasD := pd.Nodes["d"]
	assert.True(t, hasC)
	assert.True(t, hasA, "backward slice should include upstream node a")
	assert.False(t, hasD, "backward slice should not include downstream-only node d")
}

func TestGenerateFlowDag_All(t *testing.T) {
	pd, err := GenerateFlowDag(diamondNodes(), "diamond", []string{"b"}, nil, TaskDependAll)
	require.NoError(t, err)
	assert.Len(t, pd.Nodes, 3, "TaskDependAll pulls in both ancestors and descendants of the seed")
}
