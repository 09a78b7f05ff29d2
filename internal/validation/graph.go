package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// validateGraph runs the structural checks in order: non-empty node list,
// unique node IDs, edge endpoints and cycles. Duplicate IDs make edge
// resolution ambiguous, so edge and cycle checks only run when IDs are unique.
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(wf.Nodes) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow must contain at least one node")
		return result
	}

	ids, dupes := indexNodes(wf.Nodes, result)
	if dupes {
		return result
	}

	adj := validateEdges(wf.Edges, ids, result)
	detectCycles(wf.Nodes, adj, result)
	return result
}

// indexNodes reports empty and duplicate IDs and returns the ID set.
func indexNodes(nodes []schema.Node, result *schema.ValidationResult) (map[string]bool, bool) {
	ids := make(map[string]bool, len(nodes))
	reported := make(map[string]bool)
	bad := false

	for i, n := range nodes {
		path := fmt.Sprintf("nodes[%d].id", i)
		if n.ID == "" {
			result.AddError(path, schema.ErrCodeValidation, "node id must not be empty")
			bad = true
			continue
		}
		if ids[n.ID] {
			if !reported[n.ID] {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("duplicate node id %q", n.ID))
				reported[n.ID] = true
			}
			bad = true
			continue
		}
		ids[n.ID] = true
	}
	return ids, bad
}

// validateEdges reports edges with unknown endpoints and returns the
// adjacency list (source -> targets) built from the valid ones.
func validateEdges(edges []schema.Edge, ids map[string]bool, result *schema.ValidationResult) map[string][]string {
	adj := make(map[string][]string, len(ids))
	seen := make(map[schema.Edge]bool, len(edges))

	for i, e := range edges {
		ok := true
		if !ids[e.Source] {
			result.AddError(fmt.Sprintf("edges[%d].source", i), schema.ErrCodeValidation,
				fmt.Sprintf("edge source %q does not reference a known node", e.Source))
			ok = false
		}
		if !ids[e.Target] {
			result.AddError(fmt.Sprintf("edges[%d].target", i), schema.ErrCodeValidation,
				fmt.Sprintf("edge target %q does not reference a known node", e.Target))
			ok = false
		}
		if !ok {
			continue
		}
		if seen[e] {
			result.AddWarning(fmt.Sprintf("edges[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("edge %s -> %s is declared more than once", e.Source, e.Target))
			continue
		}
		seen[e] = true
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

const (
	unvisited = iota
	onStack
	done
)

// detectCycles walks the graph depth-first from every node in declaration
// order. Reaching a node that is still on the recursion stack closes a cycle,
// which is reported with its full path.
func detectCycles(nodes []schema.Node, adj map[string][]string, result *schema.ValidationResult) {
	state := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		stack = append(stack, id)

		for _, next := range adj[id] {
			switch state[next] {
			case unvisited:
				visit(next)
			case onStack:
				result.AddError("edges", schema.ErrCodeCycleDetected,
					"cycle detected: "+cyclePath(stack, next))
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for _, n := range nodes {
		if state[n.ID] == unvisited {
			visit(n.ID)
		}
	}
}

// cyclePath renders the stack suffix starting at the re-entered node, e.g. "a -> b -> a".
func cyclePath(stack []string, reentered string) string {
	start := 0
	for i, id := range stack {
		if id == reentered {
			start = i
			break
		}
	}
	path := append(append([]string{}, stack[start:]...), reentered)
	return strings.Join(path, " -> ")
}
