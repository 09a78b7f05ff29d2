package engine

import (
	"slices"

	"github.com/rendis/agentflow/pkg/schema"
)

// Levelize groups nodes into execution levels with Kahn's algorithm. Every
// node of level k depends only on nodes of levels < k, and nodes within a
// level are ordered by ID. Edges naming unknown nodes are ignored; the
// validator rejects them before execution.
//
// A graph that cannot be fully levelized (a cycle that slipped past
// validation) is an ENGINE_ERROR, never a partial schedule.
func Levelize(nodes []schema.Node, edges []schema.Edge) ([][]schema.Node, error) {
	byID := make(map[string]schema.Node, len(nodes))
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		inDegree[n.ID] = 0
	}

	children := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if _, ok := byID[e.Source]; !ok {
			continue
		}
		if _, ok := byID[e.Target]; !ok {
			continue
		}
		children[e.Source] = append(children[e.Source], e.Target)
		inDegree[e.Target]++
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}

	var levels [][]schema.Node
	scheduled := 0
	for len(frontier) > 0 {
		slices.Sort(frontier)
		level := make([]schema.Node, 0, len(frontier))
		var next []string
		for _, id := range frontier {
			level = append(level, byID[id])
			for _, child := range children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		levels = append(levels, level)
		scheduled += len(level)
		frontier = next
	}

	if scheduled < len(byID) || len(byID) < len(nodes) {
		return nil, schema.NewErrorf(schema.ErrCodeEngine,
			"scheduler defect: %d of %d nodes scheduled", scheduled, len(nodes)).
			WithDetails(map[string]any{"scheduled": scheduled, "total": len(nodes)})
	}
	return levels, nil
}

// upstreamOf maps each node ID to the IDs of its direct predecessors.
func upstreamOf(edges []schema.Edge) map[string][]string {
	up := make(map[string][]string)
	for _, e := range edges {
		if !slices.Contains(up[e.Target], e.Source) {
			up[e.Target] = append(up[e.Target], e.Source)
		}
	}
	return up
}
