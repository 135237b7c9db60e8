package orchestrator

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/connectors/mockconnector"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	mp := noopmetric.MeterProvider{}
	st, err := store.Open(dir, mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := connector.NewRegistry()
	reg.Register(mockconnector.New("mock"))

	return New(st, reg, mp.Meter("test")), st
}

func sampleDeployment() model.Deployment {
	return model.Deployment{
		Node:                  model.Node{Name: "mock-node", Connector: "mock", Architecture: model.ArchLinuxAMD64},
		Graph:                 *model.NewExecutionGraph(),
		EnvironmentDefinition: model.EnvironmentDefinition{EnvironmentDefinitionType: model.EnvDefShellCommands, Commands: []string{"echo hi"}},
		Architecture:          model.ArchLinuxAMD64,
	}
}

func TestPrepareExperimentIsIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	exp1, err := o.PrepareExperiment(ctx, "alice", "probe-1", []model.Deployment{sampleDeployment()}, 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	exp2, err := o.PrepareExperiment(ctx, "alice", "probe-1", []model.Deployment{sampleDeployment()}, 0)
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if exp1.ExperimentID != exp2.ExperimentID {
		t.Fatalf("expected same experiment id on repeat prepare, got %s vs %s", exp1.ExperimentID, exp2.ExperimentID)
	}
}

func TestPrepareExperimentReachesReadyAfterCompilationResolves(t *testing.T) {
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	exp, err := o.PrepareExperiment(ctx, "alice", "probe-2", []model.Deployment{sampleDeployment()}, 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	jobs, err := st.ListCompilationsByExperiment(ctx, exp.ExperimentID)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected exactly one dedup'd compilation job, got %d (err=%v)", len(jobs), err)
	}
	if err := o.ResolveCompilation(ctx, exp.ExperimentID, jobs[0].CompilationID, true, "image:v1"); err != nil {
		t.Fatalf("resolve compilation: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := o.GetExperimentStatus(ctx, "alice", "probe-2")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if res.Status == model.StatusReady {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("experiment %s never reached READY", exp.ExperimentID)
}

func TestStartExecutionRequiresReady(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.PrepareExperiment(ctx, "alice", "probe-3", []model.Deployment{sampleDeployment()}, 0); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := o.StartExecution(ctx, "alice", "probe-3"); err == nil {
		t.Fatalf("expected error starting a non-READY experiment")
	}
}

func TestGetExperimentStatusUnknown(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	res, err := o.GetExperimentStatus(context.Background(), "alice", "does-not-exist")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Status != model.StatusUnknown {
		t.Fatalf("expected UNKNOWN, got %s", res.Status)
	}
}
