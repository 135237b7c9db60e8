package graph

import (
	"testing"

	"github.com/netexp/orchestrator/internal/model"
)

func linear(names ...string) *model.ExecutionGraph {
	g := model.NewExecutionGraph()
	prev := model.RootNodeName
	for _, n := range names {
		g.AddTask(model.Task{Name: n})
		g.AddEdge(model.Edge{From: prev, To: n})
		prev = n
	}
	return g
}

func TestValidateLinearPipeline(t *testing.T) {
	g := linear("A", "B")
	if err := Validate(g); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestValidateMissingRoot(t *testing.T) {
	g := &model.ExecutionGraph{Nodes: map[string]model.GraphNode{"A": {Name: "A", Kind: model.NodeKindTask}}}
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestValidateUnreachableNode(t *testing.T) {
	g := linear("A")
	g.Nodes["orphan"] = model.GraphNode{Name: "orphan", Kind: model.NodeKindTask}
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for unreachable node")
	}
}

func TestValidateCycleWithoutWeakEdge(t *testing.T) {
	g := model.NewExecutionGraph()
	g.AddTask(model.Task{Name: "C"})
	g.AddTask(model.Task{Name: "D"})
	g.AddEdge(model.Edge{From: model.RootNodeName, To: "C"})
	g.AddEdge(model.Edge{From: "C", To: "D"})
	g.AddEdge(model.Edge{From: "D", To: "C"})
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for cycle with no weak edge")
	}
}

func TestValidateBoundedLoopViaWeakEdge(t *testing.T) {
	g := model.NewExecutionGraph()
	g.AddTask(model.Task{Name: "A"})
	g.AddTask(model.Task{Name: "C"})
	g.AddTask(model.Task{Name: "D"})
	g.AddEdge(model.Edge{From: model.RootNodeName, To: "A"})
	g.AddEdge(model.Edge{From: "A", To: "C"})
	g.AddEdge(model.Edge{From: "C", To: "D"})
	counter := 4
	weak := model.EdgeWeak
	g.AddEdge(model.Edge{From: "D", To: "C", Type: weak, Counter: &counter})
	if err := Validate(g); err != nil {
		t.Fatalf("expected valid bounded loop, got %v", err)
	}
}

func TestValidateNonPositiveCounter(t *testing.T) {
	g := linear("A")
	zero := 0
	g.Edges[0].Counter = &zero
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for non-positive counter")
	}
}

func TestValidateBadTraverseOn(t *testing.T) {
	g := linear("A")
	bad := model.TraverseOn("maybe")
	g.Edges[0].TraverseOn = &bad
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for invalid traverse_on")
	}
}

func TestValidateTraverseOnFromSyncPoint(t *testing.T) {
	g := linear("A")
	on := model.TraverseOnSuccess
	// root is a sync point, not a Task/TaskDispatcher
	g.Edges[0].TraverseOn = &on
	if err := Validate(g); err == nil {
		t.Fatalf("expected error for traverse_on edge sourced at a sync point")
	}
}
