package cleanup

import (
	"context"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/connectors/mockconnector"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/store"
)

// countingConnector wraps the mock connector and counts Cleanup calls.
type countingConnector struct {
	*mockconnector.Connector
	cleanups int
}

func (c *countingConnector) Cleanup(ctx context.Context, experimentID string, deployments []model.Deployment) error {
	c.cleanups++
	return c.Connector.Cleanup(ctx, experimentID, deployments)
}

func TestSweepCleansFinishedExperimentOnce(t *testing.T) {
	ctx := context.Background()
	mp := noopmetric.MeterProvider{}

	st, err := store.Open(t.TempDir(), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	reg := connector.NewRegistry()
	mock := &countingConnector{Connector: mockconnector.New("mock")}
	reg.Register(mock)

	exp := model.Experiment{
		ExperimentID:   "exp-1",
		Username:       "alice",
		ExperimentName: "probe",
		Status:         model.StatusFinished,
		Deployments:    []model.Deployment{{Node: model.Node{Connector: "mock"}}},
	}
	if err := st.PutExperiment(ctx, exp); err != nil {
		t.Fatalf("put experiment: %v", err)
	}

	wd := New(st, reg, mp.Meter("test"))
	if err := wd.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _, err := st.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if !got.CleanedUp {
		t.Fatalf("expected experiment to be marked cleaned_up")
	}

	// a second sweep must not re-invoke cleanup (idempotent, no-op for
	// already-cleaned experiments).
	if err := wd.sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if mock.cleanups != 1 {
		t.Fatalf("expected exactly one connector Cleanup call, got %d", mock.cleanups)
	}
}

func TestSweepSkipsRunningExperiments(t *testing.T) {
	ctx := context.Background()
	mp := noopmetric.MeterProvider{}

	st, err := store.Open(t.TempDir(), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	reg := connector.NewRegistry()
	exp := model.Experiment{ExperimentID: "exp-2", Status: model.StatusRunning}
	if err := st.PutExperiment(ctx, exp); err != nil {
		t.Fatalf("put experiment: %v", err)
	}

	wd := New(st, reg, mp.Meter("test"))
	if err := wd.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _, err := st.GetExperiment(ctx, "exp-2")
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if got.CleanedUp {
		t.Fatalf("expected a RUNNING experiment to be left alone")
	}
}
