// Package orchestrator owns the experiment state machine: assigning ids,
// deduplicating compilation work, fanning deploy/execute/stop out to
// connectors, and serializing status transitions per experiment.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/eventbus"
	"github.com/netexp/orchestrator/internal/graph"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/policygate"
	"github.com/netexp/orchestrator/internal/store"
)

// Orchestrator implements the user-facing verbs of spec §4.3. All methods
// are idempotent keyed by (username, experiment_name) where applicable.
type Orchestrator struct {
	store      *store.Store
	registry   *connector.Registry
	defaultKAT time.Duration
	policyGate *policygate.Gate
	events     *eventbus.Bus

	expLocks sync.Map // experiment_id -> *sync.Mutex

	tracer          trace.Tracer
	prepareRuns     metric.Int64Counter
	startRuns       metric.Int64Counter
	cancelRuns      metric.Int64Counter
	fanoutFailures  metric.Int64Counter
	stateTransition metric.Int64Counter
}

// New builds an Orchestrator over st (persistence) and reg (the live
// connector set).
func New(st *store.Store, reg *connector.Registry, meter metric.Meter) *Orchestrator {
	prepareRuns, _ := meter.Int64Counter("orch_orchestrator_prepare_total")
	startRuns, _ := meter.Int64Counter("orch_orchestrator_start_total")
	cancelRuns, _ := meter.Int64Counter("orch_orchestrator_cancel_total")
	fanoutFailures, _ := meter.Int64Counter("orch_orchestrator_fanout_failures_total")
	stateTransition, _ := meter.Int64Counter("orch_orchestrator_state_transitions_total")

	o := &Orchestrator{
		store:           st,
		registry:        reg,
		defaultKAT:      10 * time.Minute,
		tracer:          otel.Tracer("netexp-orchestrator"),
		prepareRuns:     prepareRuns,
		startRuns:       startRuns,
		cancelRuns:      cancelRuns,
		fanoutFailures:  fanoutFailures,
		stateTransition: stateTransition,
	}
	reg.OnEviction(o.onConnectorEvicted)
	return o
}

// SetPolicyGate installs an admission check that every PrepareExperiment
// deployment must pass. A nil gate (the default) allows everything.
func (o *Orchestrator) SetPolicyGate(g *policygate.Gate) {
	o.policyGate = g
}

// SetEventBus installs the notification side-channel of §4.8. A nil bus
// (the default) makes every publish a no-op.
func (o *Orchestrator) SetEventBus(b *eventbus.Bus) {
	o.events = b
}

// onConnectorEvicted marks every unfinished executor of connectorName as
// Failure("connector unavailable") across every experiment on the books, as
// required by the eviction policy in spec §4.2 — this catches executors
// left running outside an active fan-out call, not just the targets of the
// call that triggered the eviction (those are marked finished by the
// fan-out caller itself).
func (o *Orchestrator) onConnectorEvicted(connectorName string) {
	ctx := context.Background()
	slog.Warn("connector evicted", "connector", connectorName)

	exps, err := o.store.ListAllExperiments(ctx)
	if err != nil {
		slog.Error("list experiments during eviction sweep failed", "error", err)
		return
	}
	for _, exp := range exps {
		for _, d := range exp.Deployments {
			if d.Node.Connector != connectorName {
				continue
			}
			rec, found, err := o.store.GetExecutor(ctx, exp.ExperimentID, d.ExecutorID)
			if err != nil || (found && rec.Finished) {
				continue
			}
			o.finishExecutor(ctx, exp.ExperimentID, d, "connector unavailable")
		}
	}
}

func (o *Orchestrator) lockFor(experimentID string) *sync.Mutex {
	l, _ := o.expLocks.LoadOrStore(experimentID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (o *Orchestrator) setStatus(ctx context.Context, exp *model.Experiment, status model.ExperimentStatus) error {
	exp.Status = status
	o.stateTransition.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
	if err := o.store.PutExperiment(ctx, *exp); err != nil {
		return err
	}
	if err := o.events.ExperimentStatusChanged(ctx, exp.ExperimentID, status.String()); err != nil {
		slog.Error("event bus publish failed", "experiment_id", exp.ExperimentID, "error", err)
	}
	return nil
}

// PrepareExperiment assigns an experiment_id and an executor_id to every
// deployment, deduplicates deployments into compilation jobs, and persists
// the experiment with status PREPARING. Calling it twice with the same
// (username, experimentName) returns the already-assigned id.
func (o *Orchestrator) PrepareExperiment(ctx context.Context, username, experimentName string, deployments []model.Deployment, keepAliveTimeout time.Duration) (*model.Experiment, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.prepare_experiment",
		trace.WithAttributes(attribute.String("username", username), attribute.String("experiment_name", experimentName)))
	defer span.End()
	o.prepareRuns.Add(ctx, 1)

	if existing, found, err := o.store.GetExperimentByName(ctx, username, experimentName); err != nil {
		return nil, fmt.Errorf("lookup existing experiment: %w", err)
	} else if found {
		return &existing, nil
	}

	if keepAliveTimeout <= 0 {
		keepAliveTimeout = o.defaultKAT
	}

	for _, d := range deployments {
		if err := graph.Validate(&d.Graph); err != nil {
			return nil, fmt.Errorf("graph validation: %w", err)
		}
		allowed, reason, err := o.policyGate.Evaluate(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("policy gate: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("deployment to node %q rejected by policy: %s", d.Node.Name, reason)
		}
	}

	for i := range deployments {
		deployments[i].ExecutorID = uuid.NewString()
	}

	exp := model.Experiment{
		ExperimentID:     uuid.NewString(),
		Username:         username,
		ExperimentName:   experimentName,
		Status:           model.StatusPreparing,
		CreationTime:     time.Now().UTC(),
		Deployments:      deployments,
		KeepAliveTimeout: keepAliveTimeout,
	}

	for _, d := range deployments {
		if err := o.store.PutExecutor(ctx, model.ExecutorRecord{
			ExecutorID:   d.ExecutorID,
			ExperimentID: exp.ExperimentID,
			NodeName:     d.Node.Name,
			Connector:    d.Node.Connector,
		}); err != nil {
			return nil, fmt.Errorf("persist executor row: %w", err)
		}
	}

	jobs, err := o.dedupeCompilationJobs(ctx, exp.ExperimentID, deployments)
	if err != nil {
		return nil, fmt.Errorf("dedupe compilation jobs: %w", err)
	}
	for _, job := range jobs {
		if err := o.store.PutCompilation(ctx, job); err != nil {
			return nil, fmt.Errorf("persist compilation job: %w", err)
		}
	}

	if err := o.store.PutExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("persist experiment: %w", err)
	}

	if len(jobs) == 0 {
		// nothing to compile; move straight to the deploy fan-out.
		go o.runDeployFanout(context.Background(), exp.ExperimentID)
	}

	slog.Info("experiment prepared", "experiment_id", exp.ExperimentID, "username", username, "name", experimentName, "compilation_jobs", len(jobs))
	return &exp, nil
}

// compilationKeyHash deterministically hashes a CompilationKey so identical
// (environment, graph, architecture) triples share one compilation job.
func compilationKeyHash(envHash, graphHash string, arch model.Architecture) string {
	data, _ := json.Marshal(model.CompilationKey{EnvironmentDefinitionHash: envHash, GraphHash: graphHash, Architecture: arch})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func hashJSON(v interface{}) string {
	data, _ := json.Marshal(v)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (o *Orchestrator) dedupeCompilationJobs(ctx context.Context, experimentID string, deployments []model.Deployment) ([]model.CompilationJob, error) {
	seen := make(map[string]bool)
	var jobs []model.CompilationJob
	for _, d := range deployments {
		envHash := hashJSON(d.EnvironmentDefinition)
		graphHash := hashJSON(d.Graph)
		key := compilationKeyHash(envHash, graphHash, d.Architecture)
		if seen[key] {
			continue
		}
		seen[key] = true
		jobs = append(jobs, model.CompilationJob{
			ExperimentID:  experimentID,
			CompilationID: key,
			Architecture:  d.Architecture,
			Environment:   d.EnvironmentDefinition,
		})
	}
	return jobs, nil
}

// GetExperimentStatus returns the status plus, when available, the
// experiment record and its final result map.
func (o *Orchestrator) GetExperimentStatus(ctx context.Context, username, experimentName string) (model.ExperimentResult, error) {
	exp, found, err := o.store.GetExperimentByName(ctx, username, experimentName)
	if err != nil {
		return model.ExperimentResult{}, fmt.Errorf("lookup experiment: %w", err)
	}
	if !found {
		return model.ExperimentResult{Status: model.StatusUnknown}, nil
	}
	return model.ExperimentResult{Status: exp.Status, Experiment: &exp, Results: exp.Results}, nil
}
