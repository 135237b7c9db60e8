package watcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/netexp/orchestrator/internal/blackboard"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/store"
)

func newTestWatcher(t *testing.T) (*Watcher, *store.Store, *blackboard.Blackboard) {
	t.Helper()
	mp := noopmetric.MeterProvider{}

	st, err := store.Open(t.TempDir(), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bb, err := blackboard.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open blackboard: %v", err)
	}
	t.Cleanup(func() { bb.Close() })

	w := New(st, bb, mp.Meter("test"))
	return w, st, bb
}

func seedRunningExperiment(t *testing.T, st *store.Store, executorIDs []string) model.Experiment {
	t.Helper()
	ctx := context.Background()
	exp := model.Experiment{
		ExperimentID:     "exp-1",
		Username:         "alice",
		ExperimentName:   "probe",
		Status:           model.StatusRunning,
		StartTime:        time.Now().Add(-time.Hour),
		KeepAliveTimeout: 100 * time.Millisecond,
	}
	for _, id := range executorIDs {
		exp.Deployments = append(exp.Deployments, model.Deployment{ExecutorID: id})
		if err := st.PutExecutor(ctx, model.ExecutorRecord{ExecutorID: id, ExperimentID: exp.ExperimentID}); err != nil {
			t.Fatalf("put executor: %v", err)
		}
	}
	if err := st.PutExperiment(ctx, exp); err != nil {
		t.Fatalf("put experiment: %v", err)
	}
	return exp
}

func TestSweepMarksSilentExecutorFailed(t *testing.T) {
	w, st, _ := newTestWatcher(t)
	ctx := context.Background()
	seedRunningExperiment(t, st, []string{"ex-1"})

	if err := w.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	exp, _, err := st.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if exp.Status != model.StatusFinished {
		t.Fatalf("expected experiment to finish once its only executor went silent, got %s", exp.Status)
	}
	res, ok := exp.Results["ex-1"]
	if !ok || !res.IsFailure() {
		t.Fatalf("expected ex-1 to have a Failure result, got %+v (ok=%v)", res, ok)
	}
}

func TestSweepWaitsForHeartbeat(t *testing.T) {
	w, st, bb := newTestWatcher(t)
	ctx := context.Background()
	exp := seedRunningExperiment(t, st, []string{"ex-2"})
	exp.StartTime = time.Now()
	exp.KeepAliveTimeout = time.Hour
	if err := st.PutExperiment(ctx, exp); err != nil {
		t.Fatalf("put experiment: %v", err)
	}
	if err := bb.Set(ctx, blackboard.HeartbeatKey("ex-2"), []byte("alive"), time.Hour); err != nil {
		t.Fatalf("set heartbeat: %v", err)
	}

	if err := w.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _, err := st.GetExperiment(ctx, exp.ExperimentID)
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Fatalf("expected experiment to remain RUNNING while heartbeat is alive, got %s", got.Status)
	}
}

func TestSweepFinishesOnPostedResult(t *testing.T) {
	w, st, bb := newTestWatcher(t)
	ctx := context.Background()
	seedRunningExperiment(t, st, []string{"ex-3"})

	data, _ := json.Marshal(model.Success("ok"))
	if err := bb.Set(ctx, blackboard.ResultKey("ex-3"), data, 0); err != nil {
		t.Fatalf("set result: %v", err)
	}

	if err := w.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	exp, _, err := st.GetExperiment(ctx, "exp-1")
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if exp.Status != model.StatusFinished {
		t.Fatalf("expected experiment to finish once its result was posted, got %s", exp.Status)
	}
	if res := exp.Results["ex-3"]; !res.IsSuccess() {
		t.Fatalf("expected ex-3 to carry its posted Success result, got %+v", res)
	}
}
