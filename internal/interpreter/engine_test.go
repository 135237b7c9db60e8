package interpreter

import (
	"context"
	"errors"
	"testing"

	"github.com/netexp/orchestrator/internal/model"
)

func alwaysSucceed(ctx context.Context, t model.Task) model.Result {
	return model.Success(0)
}

func alwaysFail(ctx context.Context, t model.Task) model.Result {
	return model.Failure(errors.New("boom"))
}

func TestEngineLinearPipelineAllSuccess(t *testing.T) {
	g := model.NewExecutionGraph()
	g.EarlyStopping = true
	g.AddTask(model.Task{Name: "A"})
	g.AddTask(model.Task{Name: "B"})
	g.AddEdge(model.Edge{From: model.RootNodeName, To: "A"})
	g.AddEdge(model.Edge{From: "A", To: "B"})

	eng := NewEngine(g, func(model.Task) TaskFunc { return alwaysSucceed })
	outcome, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Overall.IsSuccess() {
		t.Fatalf("expected overall success")
	}
	if len(outcome.Steps["A"]) != 1 || len(outcome.Steps["B"]) != 1 {
		t.Fatalf("expected both A and B to run exactly once, got %+v", outcome.Steps)
	}
}

func TestEngineEarlyStopHaltsSuccessor(t *testing.T) {
	g := model.NewExecutionGraph()
	g.EarlyStopping = true
	g.AddTask(model.Task{Name: "A"})
	g.AddTask(model.Task{Name: "B"})
	g.AddEdge(model.Edge{From: model.RootNodeName, To: "A"})
	g.AddEdge(model.Edge{From: "A", To: "B"})

	eng := NewEngine(g, func(model.Task) TaskFunc { return alwaysFail })
	outcome, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Overall.IsFailure() {
		t.Fatalf("expected overall failure")
	}
	if _, ran := outcome.Steps["B"]; ran {
		t.Fatalf("B should not have run, got %+v", outcome.Steps)
	}
}

func TestEngineTraverseOnFailureKeepsGoing(t *testing.T) {
	g := model.NewExecutionGraph()
	g.EarlyStopping = true
	g.AddTask(model.Task{Name: "A"})
	g.AddTask(model.Task{Name: "B"})
	g.AddEdge(model.Edge{From: model.RootNodeName, To: "A"})
	onFailure := model.TraverseOnFailure
	g.AddEdge(model.Edge{From: "A", To: "B", TraverseOn: &onFailure})

	eng := NewEngine(g, func(task model.Task) TaskFunc {
		if task.Name == "A" {
			return alwaysFail
		}
		return alwaysSucceed
	})
	outcome, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Overall.IsFailure() {
		t.Fatalf("expected overall failure because A failed")
	}
	if len(outcome.Steps["B"]) != 1 || !outcome.Steps["B"][0].IsSuccess() {
		t.Fatalf("expected B to have run and succeeded, got %+v", outcome.Steps["B"])
	}
}

func TestEngineBoundedLoopViaWeakEdge(t *testing.T) {
	g := model.NewExecutionGraph()
	g.EarlyStopping = true
	g.AddTask(model.Task{Name: "A"})
	g.AddTask(model.Task{Name: "C"})
	g.AddTask(model.Task{Name: "D"})
	g.AddEdge(model.Edge{From: model.RootNodeName, To: "A"})
	g.AddEdge(model.Edge{From: "A", To: "C"})
	g.AddEdge(model.Edge{From: "C", To: "D"})
	counter := 4
	weak := model.EdgeWeak
	g.AddEdge(model.Edge{From: "D", To: "C", Type: weak, Counter: &counter})

	eng := NewEngine(g, func(model.Task) TaskFunc { return alwaysSucceed })
	outcome, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Steps["A"]) != 1 {
		t.Fatalf("expected A to run exactly once, got %d", len(outcome.Steps["A"]))
	}
	if len(outcome.Steps["C"]) != 5 {
		t.Fatalf("expected C to run exactly 5 times, got %d", len(outcome.Steps["C"]))
	}
	if len(outcome.Steps["D"]) != 5 {
		t.Fatalf("expected D to run exactly 5 times, got %d", len(outcome.Steps["D"]))
	}
}
