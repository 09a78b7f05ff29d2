package engine

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func agentNode(id string) schema.Node {
	return schema.NewAgentNode(id, schema.AgentData{AgentID: "role-" + id})
}

func levelIDs(levels [][]schema.Node) [][]string {
	out := make([][]string, len(levels))
	for i, level := range levels {
		for _, n := range level {
			out[i] = append(out[i], n.ID)
		}
	}
	return out
}

func TestLevelize_Linear(t *testing.T) {
	levels, err := Levelize(
		[]schema.Node{agentNode("c"), agentNode("a"), agentNode("b")},
		[]schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, levelIDs(levels))
}

func TestLevelize_Diamond(t *testing.T) {
	levels, err := Levelize(
		[]schema.Node{agentNode("start"), agentNode("right"), agentNode("left"), agentNode("join")},
		[]schema.Edge{
			{Source: "start", Target: "right"},
			{Source: "start", Target: "left"},
			{Source: "left", Target: "join"},
			{Source: "right", Target: "join"},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"start"}, {"left", "right"}, {"join"}}, levelIDs(levels))
}

func TestLevelize_IndependentNodesShareLevel(t *testing.T) {
	levels, err := Levelize([]schema.Node{agentNode("z"), agentNode("m"), agentNode("a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "m", "z"}}, levelIDs(levels))
}

func TestLevelize_LongestPathDecidesLevel(t *testing.T) {
	// a -> c directly and a -> b -> c: c must wait for b.
	levels, err := Levelize(
		[]schema.Node{agentNode("a"), agentNode("b"), agentNode("c")},
		[]schema.Edge{{Source: "a", Target: "c"}, {Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, levelIDs(levels))
}

func TestLevelize_DuplicateEdges(t *testing.T) {
	levels, err := Levelize(
		[]schema.Node{agentNode("a"), agentNode("b")},
		[]schema.Edge{{Source: "a", Target: "b"}, {Source: "a", Target: "b"}},
	)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, levelIDs(levels))
}

func TestLevelize_Empty(t *testing.T) {
	levels, err := Levelize(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, levels)
}

func TestLevelize_CycleIsEngineError(t *testing.T) {
	_, err := Levelize(
		[]schema.Node{agentNode("a"), agentNode("b"), agentNode("c")},
		[]schema.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}, {Source: "c", Target: "b"}},
	)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeEngine, engErr.Code)
	assert.Contains(t, engErr.Message, "scheduler defect")
	assert.Equal(t, 1, engErr.Details["scheduled"])
}

func TestLevelize_DuplicateIDsIsEngineError(t *testing.T) {
	_, err := Levelize([]schema.Node{agentNode("a"), agentNode("a")}, nil)
	require.Error(t, err)
}

// randomDAG builds a DAG whose edges only point from lower to higher index.
func randomDAG(r *rand.Rand, n int) ([]schema.Node, []schema.Edge) {
	nodes := make([]schema.Node, n)
	for i := range nodes {
		nodes[i] = agentNode(fmt.Sprintf("n%03d", i))
	}
	var edges []schema.Edge
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if r.IntN(4) == 0 {
				edges = append(edges, schema.Edge{Source: nodes[i].ID, Target: nodes[j].ID})
			}
		}
	}
	r.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	return nodes, edges
}

func TestLevelize_RandomDAGProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 200; iter++ {
		nodes, edges := randomDAG(r, 1+r.IntN(25))

		levels, err := Levelize(nodes, edges)
		require.NoError(t, err)

		levelOf := make(map[string]int)
		for i, level := range levels {
			for k, n := range level {
				_, dup := levelOf[n.ID]
				require.False(t, dup, "node %s scheduled twice", n.ID)
				levelOf[n.ID] = i
				if k > 0 {
					assert.Less(t, level[k-1].ID, n.ID, "level %d not sorted", i)
				}
			}
		}
		require.Len(t, levelOf, len(nodes))

		for _, e := range edges {
			assert.Less(t, levelOf[e.Source], levelOf[e.Target], "edge %s -> %s", e.Source, e.Target)
		}
	}
}

func TestUpstreamOf(t *testing.T) {
	up := upstreamOf([]schema.Edge{
		{Source: "a", Target: "c"},
		{Source: "b", Target: "c"},
		{Source: "a", Target: "c"},
	})
	assert.Equal(t, []string{"a", "b"}, up["c"])
	assert.Empty(t, up["a"])
}
