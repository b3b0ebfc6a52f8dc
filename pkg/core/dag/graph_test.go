package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LENAX/node-engine/pkg/core/types"
)

func snapshot(edges ...types.Edge) *types.WorkflowSnapshot {
	seen := map[string]bool{}
	var nodes []types.NodeSpec
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			nodes = append(nodes, types.NodeSpec{ID: id, Type: "noop"})
		}
	}
	for _, e := range edges {
		add(e.From)
		add(e.To)
	}
	return &types.WorkflowSnapshot{WorkflowID: "wf", Nodes: nodes, Edges: edges}
}

func TestBuild_FanOutFanIn(t *testing.T) {
	g, err := Build(snapshot(
		types.Edge{From: "A", To: "B"},
		types.Edge{From: "A", To: "C"},
		types.Edge{From: "B", To: "D"},
		types.Edge{From: "C", To: "D"},
	))
	require.NoError(t, err)

	assert.Equal(t, 4, g.Len())
	assert.Equal(t, []string{"A"}, g.Roots())
	assert.Equal(t, []string{"B", "C"}, g.Successors("A"))
	assert.Equal(t, []string{"B", "C"}, g.Predecessors("D"))
	assert.Equal(t, map[string]int{"A": 0, "B": 1, "C": 1, "D": 2}, g.Indegrees())
	assert.Equal(t, []string{"B", "C", "D"}, g.Descendants("A"))
	assert.Equal(t, []string{"D"}, g.Descendants("C"))

	order := g.TopologicalSort()
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, order.Levels)
	assert.Equal(t, []string{"A", "B", "C", "D"}, order.Flatten())
}

func TestBuild_DetectsCycle(t *testing.T) {
	_, err := Build(snapshot(
		types.Edge{From: "A", To: "B"},
		types.Edge{From: "B", To: "C"},
		types.Edge{From: "C", To: "A"},
	))
	require.Error(t, err)
	assert.Equal(t, types.ErrorKindValidation, types.Classify(err))
	assert.Contains(t, err.Error(), "循环依赖")
}

func TestBuild_DuplicateEdgeIgnored(t *testing.T) {
	g, err := Build(snapshot(
		types.Edge{From: "A", To: "B"},
		types.Edge{From: "A", To: "B"},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, g.Indegrees()["B"])
}

func TestBuild_IsolatedNodesAreRoots(t *testing.T) {
	s := &types.WorkflowSnapshot{
		WorkflowID: "wf",
		Nodes:      []types.NodeSpec{{ID: "x", Type: "noop"}, {ID: "y", Type: "noop"}},
	}
	g, err := Build(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, g.Roots())

	spec, err := g.Node("y")
	require.NoError(t, err)
	assert.Equal(t, "noop", spec.Type)

	_, err = g.Node("missing")
	assert.Error(t, err)
}

func TestBuild_IdenticalNodeDefinitions(t *testing.T) {
	cfg := map[string]any{"duration": "1s"}
	s := &types.WorkflowSnapshot{
		WorkflowID: "wf",
		Nodes: []types.NodeSpec{
			{ID: "A", Type: "sleep", Config: cfg},
			{ID: "B", Type: "sleep", Config: cfg},
			{ID: "C", Type: "sleep", Config: cfg},
		},
		Edges: []types.Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	}
	g, err := Build(s)
	require.NoError(t, err, "类型和配置相同的节点应按ID区分")

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"A"}, g.Roots())
	assert.Equal(t, []string{"B"}, g.Predecessors("C"))
	node, err := g.Node("B")
	require.NoError(t, err)
	assert.Equal(t, "B", node.ID)
}
