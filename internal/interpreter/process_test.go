package interpreter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netexp/orchestrator/internal/model"
)

type fakeGateway struct {
	graph       *model.ExecutionGraph
	ready       int32
	reported    Outcome
	reportCalls int32
	heartbeats  int32
}

func (f *fakeGateway) FetchGraph(ctx context.Context, executorID string) (*model.ExecutionGraph, bool, error) {
	if atomic.LoadInt32(&f.ready) == 0 {
		return nil, false, nil
	}
	return f.graph, true, nil
}

func (f *fakeGateway) ReportResult(ctx context.Context, executorID string, outcome Outcome) error {
	f.reported = outcome
	atomic.AddInt32(&f.reportCalls, 1)
	return nil
}

func (f *fakeGateway) Heartbeat(ctx context.Context, executorID string) error {
	atomic.AddInt32(&f.heartbeats, 1)
	return nil
}

func TestProcessRunsToFinished(t *testing.T) {
	g := model.NewExecutionGraph()
	g.EarlyStopping = true
	g.AddTask(model.Task{Name: "A"})
	g.AddEdge(model.Edge{From: model.RootNodeName, To: "A"})

	gw := &fakeGateway{graph: g, ready: 1}
	p := NewProcess(gw, "exec-1", "exp-1", func(model.Task) TaskFunc { return alwaysSucceed })
	p.HeartbeatPeriod = 10 * time.Millisecond

	outcome, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Overall.IsSuccess() {
		t.Fatalf("expected success outcome")
	}
	if p.State() != StateFinished {
		t.Fatalf("expected FINISHED state, got %s", p.State())
	}
	if atomic.LoadInt32(&gw.reportCalls) != 1 {
		t.Fatalf("expected exactly one report call, got %d", gw.reportCalls)
	}
}
