package interpreter

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/netexp/orchestrator/internal/model"
)

// State is a position in the interpreter process's state machine:
// LOOKING_FOR_GRAPH → EXECUTING → REPORTING → FINISHED.
type State string

const (
	StateLookingForGraph State = "LOOKING_FOR_GRAPH"
	StateExecuting       State = "EXECUTING"
	StateReporting       State = "REPORTING"
	StateFinished        State = "FINISHED"
)

// Gateway is the subset of the control plane's HTTP surface the interpreter
// process needs: fetching its graph, reporting results, and heartbeating.
type Gateway interface {
	FetchGraph(ctx context.Context, executorID string) (*model.ExecutionGraph, bool, error)
	ReportResult(ctx context.Context, executorID string, outcome Outcome) error
	Heartbeat(ctx context.Context, executorID string) error
}

// Process drives one interpreter instance from graph acquisition through
// execution and result reporting.
type Process struct {
	Gateway          Gateway
	ExecutorID       string
	ExperimentID     string
	HeartbeatEnabled bool
	HeartbeatPeriod  time.Duration
	MaxWorkers       int
	Resolve          func(model.Task) TaskFunc

	state State
}

// NewProcess builds a Process reading GATEWAY_ENDPOINT / EXECUTOR_ID /
// EXPERIMENT_ID is left to the cmd/executor entrypoint; this constructor
// takes already-resolved values so the state machine itself stays testable
// without environment coupling.
func NewProcess(gw Gateway, executorID, experimentID string, resolve func(model.Task) TaskFunc) *Process {
	return &Process{
		Gateway:          gw,
		ExecutorID:       executorID,
		ExperimentID:     experimentID,
		HeartbeatEnabled: true,
		HeartbeatPeriod:  30 * time.Second,
		MaxWorkers:       8,
		Resolve:          resolve,
		state:            StateLookingForGraph,
	}
}

// State returns the process's current state.
func (p *Process) State() State { return p.state }

// Run drives the process through its full lifecycle and returns the final
// Outcome reported to the gateway. It only returns a non-nil error for
// conditions that prevented any report at all (e.g. the graph was never
// acquired); task failures are always captured as a Failure Outcome, not a
// Go error.
func (p *Process) Run(ctx context.Context) (Outcome, error) {
	graph, err := p.lookForGraph(ctx)
	if err != nil {
		return Outcome{}, err
	}
	p.state = StateExecuting

	execCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	if p.HeartbeatEnabled {
		go p.heartbeatLoop(execCtx)
	}

	outcome := p.execute(ctx, graph)
	cancelHeartbeat()

	p.state = StateReporting
	p.report(ctx, outcome)

	p.state = StateFinished
	return outcome, nil
}

// lookForGraph tries a local file first (matching how a containerized
// interpreter might receive its graph baked into the image), then polls the
// gateway with exponential backoff: 0.5s initial step, capped around 24
// minutes of total elapsed time before giving up.
func (p *Process) lookForGraph(ctx context.Context) (*model.ExecutionGraph, error) {
	if g, ok := p.readLocalGraph(); ok {
		return g, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2.0
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 24 * time.Minute

	var graph *model.ExecutionGraph
	op := func() error {
		g, ready, err := p.Gateway.FetchGraph(ctx, p.ExecutorID)
		if err != nil {
			return err
		}
		if !ready {
			return errGraphNotReady
		}
		graph = g
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return graph, nil
}

var errGraphNotReady = &graphNotReadyError{}

type graphNotReadyError struct{}

func (*graphNotReadyError) Error() string { return "graph not yet available from gateway" }

func (p *Process) readLocalGraph() (*model.ExecutionGraph, bool) {
	path := os.Getenv("EXECUTOR_LOCAL_GRAPH_PATH")
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var g model.ExecutionGraph
	if err := json.Unmarshal(data, &g); err != nil {
		slog.Warn("local graph file is not valid JSON, falling back to gateway poll", "path", path, "error", err)
		return nil, false
	}
	return &g, true
}

func (p *Process) execute(ctx context.Context, graph *model.ExecutionGraph) Outcome {
	eng := &Engine{Graph: graph, Resolve: p.Resolve, MaxWorkers: p.workers()}
	outcome, err := eng.Run(ctx)
	if err != nil {
		return Outcome{Overall: model.Failure(err), Steps: outcome.Steps}
	}
	return outcome
}

func (p *Process) workers() int {
	if p.MaxWorkers <= 0 {
		return 8
	}
	return p.MaxWorkers
}

// report uploads the outcome (no log tail is sent) and retries every failed
// upload with the same backoff profile used to acquire the graph.
func (p *Process) report(ctx context.Context, outcome Outcome) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2.0
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 24 * time.Minute

	op := func() error {
		return p.Gateway.ReportResult(ctx, p.ExecutorID, outcome)
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		slog.Error("failed to report interpreter outcome", "executor_id", p.ExecutorID, "error", err)
	}
}

func (p *Process) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Gateway.Heartbeat(ctx, p.ExecutorID); err != nil {
				slog.Warn("heartbeat failed", "executor_id", p.ExecutorID, "error", err)
			}
		}
	}
}
