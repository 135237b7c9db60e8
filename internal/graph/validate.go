// Package graph validates execution graphs against the invariants an
// interpreter relies on before it ever starts scheduling: a single root, weak
// connectivity, acyclicity once weak edges are removed, and well-formed edge
// attributes.
package graph

import (
	"fmt"
	"sort"

	"github.com/netexp/orchestrator/internal/model"
)

// Validate checks g against every structural rule an interpreter depends on.
// It returns the first violation found; callers should treat a non-nil error
// as "reject the graph", never as partial success.
func Validate(g *model.ExecutionGraph) error {
	if g == nil {
		return fmt.Errorf("execution graph is nil")
	}
	if _, ok := g.Nodes[model.RootNodeName]; !ok {
		return fmt.Errorf("execution graph must have a %q node", model.RootNodeName)
	}

	fullDirected := directedAdjacency(g, false)
	if !isWeaklyConnected(g, fullDirected) {
		return fmt.Errorf("execution graph must be weakly connected")
	}
	if diff := unreachable(g, fullDirected, model.RootNodeName); len(diff) > 0 {
		return fmt.Errorf("all nodes must be reachable from root; unreachable: %v", diff)
	}

	strongOnly := directedAdjacency(g, true)
	if cyc := findCycle(g, strongOnly); cyc != "" {
		return fmt.Errorf("execution graph must be acyclic after removing weak edges; cycle detected at %q", cyc)
	}
	if diff := unreachable(g, strongOnly, model.RootNodeName); len(diff) > 0 {
		return fmt.Errorf("after removing weak edges, all nodes must remain reachable from root; unreachable: %v", diff)
	}

	for _, e := range g.Edges {
		if e.Counter != nil && *e.Counter <= 0 {
			return fmt.Errorf("edge (%s, %s) has non-positive counter %d; must be a positive integer", e.From, e.To, *e.Counter)
		}
		if e.TraverseOn != nil {
			switch *e.TraverseOn {
			case model.TraverseOnSuccess, model.TraverseOnFailure, model.TraverseOnAny:
			default:
				return fmt.Errorf("edge (%s, %s) has invalid traverse_on %q", e.From, e.To, *e.TraverseOn)
			}
			src, ok := g.Nodes[e.From]
			if !ok {
				return fmt.Errorf("edge (%s, %s) source node does not exist", e.From, e.To)
			}
			if src.Kind != model.NodeKindTask && src.Kind != model.NodeKindTaskDispatcher {
				return fmt.Errorf("edge (%s, %s) has traverse_on but source %q is not a Task or TaskDispatcher", e.From, e.To, e.From)
			}
		}
	}

	return nil
}

// directedAdjacency builds a forward adjacency map. When strongOnly is true,
// weak edges are excluded, matching the "remove all weak links" validation
// step.
func directedAdjacency(g *model.ExecutionGraph, strongOnly bool) map[string][]string {
	adj := make(map[string][]string, len(g.Nodes))
	for name := range g.Nodes {
		adj[name] = nil
	}
	for _, e := range g.Edges {
		if strongOnly && e.EffectiveType() == model.EdgeWeak {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}

func isWeaklyConnected(g *model.ExecutionGraph, directed map[string][]string) bool {
	if len(g.Nodes) == 0 {
		return true
	}
	undirected := make(map[string]map[string]bool, len(g.Nodes))
	for name := range g.Nodes {
		undirected[name] = map[string]bool{}
	}
	for from, tos := range directed {
		for _, to := range tos {
			undirected[from][to] = true
			undirected[to][from] = true
		}
	}
	var start string
	for n := range g.Nodes {
		start = n
		break
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range undirected[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return len(seen) == len(g.Nodes)
}

// unreachable returns, sorted, every node name not reachable from root by
// forward traversal of the directed adjacency map.
func unreachable(g *model.ExecutionGraph, directed map[string][]string, root string) []string {
	seen := map[string]bool{}
	if _, ok := g.Nodes[root]; ok {
		seen[root] = true
		stack := []string{root}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, next := range directed[cur] {
				if !seen[next] {
					seen[next] = true
					stack = append(stack, next)
				}
			}
		}
	}
	var diff []string
	for name := range g.Nodes {
		if !seen[name] {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff
}

// findCycle returns the name of a node involved in a cycle, or "" if the
// directed graph is acyclic. Standard three-color DFS.
func findCycle(g *model.ExecutionGraph, directed map[string][]string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))
	for name := range g.Nodes {
		color[name] = white
	}

	var names []string
	for name := range g.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	var visit func(string) string
	visit = func(n string) string {
		color[n] = gray
		for _, next := range directed[n] {
			switch color[next] {
			case gray:
				return next
			case white:
				if cyc := visit(next); cyc != "" {
					return cyc
				}
			}
		}
		color[n] = black
		return ""
	}

	for _, n := range names {
		if color[n] == white {
			if cyc := visit(n); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}
