package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/model"
)

// connectorOp is the shape shared by Connector.Deploy and Connector.Execute.
type connectorOp func(c connector.Connector, ctx context.Context, username, experimentID string, deployments []model.Deployment) (map[string]connector.PerExecutorResult, error)

func deployOp(c connector.Connector, ctx context.Context, username, experimentID string, deployments []model.Deployment) (map[string]connector.PerExecutorResult, error) {
	return c.Deploy(ctx, username, experimentID, deployments, nil, nil)
}

func executeOp(c connector.Connector, ctx context.Context, username, experimentID string, deployments []model.Deployment) (map[string]connector.PerExecutorResult, error) {
	return c.Execute(ctx, username, experimentID, deployments, nil, nil)
}

// runFanout implements the deploy/execute fan-out algorithm of spec §4.3:
// group remaining deployments by connector, verify liveness, then run one
// group at a time so a single dead connector doesn't abort the others.
func (o *Orchestrator) runFanout(ctx context.Context, experimentID string, op connectorOp, skipFinished bool) error {
	exp, found, err := o.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return fmt.Errorf("load experiment: %w", err)
	}
	if !found {
		return fmt.Errorf("experiment %s not found", experimentID)
	}

	groups := make(map[string][]model.Deployment)
	for _, d := range exp.Deployments {
		if skipFinished {
			rec, found, err := o.store.GetExecutor(ctx, experimentID, d.ExecutorID)
			if err == nil && found && rec.Finished {
				continue
			}
		}
		groups[d.Node.Connector] = append(groups[d.Node.Connector], d)
	}

	for name := range groups {
		if _, ok := o.registry.Get(name); !ok {
			return fmt.Errorf("connector %s is not live", name)
		}
	}

	for name, targets := range groups {
		var results map[string]connector.PerExecutorResult
		callErr := o.registry.Call(ctx, name, func(c connector.Connector) error {
			var err error
			results, err = op(c, ctx, exp.Username, experimentID, targets)
			return err
		})
		if callErr != nil {
			o.fanoutFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("connector", name)))
			for _, d := range targets {
				o.finishExecutor(ctx, experimentID, d, "connector unavailable")
			}
			continue
		}
		for _, d := range targets {
			res, ok := results[d.ExecutorID]
			if !ok || res.Err == "" {
				continue
			}
			o.finishExecutor(ctx, experimentID, d, res.Err)
		}
	}
	return nil
}

func (o *Orchestrator) finishExecutor(ctx context.Context, experimentID string, d model.Deployment, reason string) {
	if err := o.store.PutExecutor(ctx, model.ExecutorRecord{
		ExecutorID:   d.ExecutorID,
		ExperimentID: experimentID,
		NodeName:     d.Node.Name,
		Connector:    d.Node.Connector,
		Finished:     true,
		Error:        reason,
	}); err != nil {
		slog.Error("failed to mark executor finished", "executor_id", d.ExecutorID, "error", err)
	}
}

// runDeployFanout runs after every compilation job resolves; completion
// advances the experiment to READY regardless of individual per-executor
// failures (those are recorded, not fatal).
func (o *Orchestrator) runDeployFanout(ctx context.Context, experimentID string) {
	lock := o.lockFor(experimentID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.runFanout(ctx, experimentID, deployOp, true); err != nil {
		slog.Error("deploy fan-out aborted", "experiment_id", experimentID, "error", err)
		return
	}

	exp, found, err := o.store.GetExperiment(ctx, experimentID)
	if err != nil || !found {
		slog.Error("reload experiment after deploy failed", "experiment_id", experimentID, "error", err)
		return
	}
	for i := range exp.Deployments {
		exp.Deployments[i].Prepared = true
	}
	if err := o.setStatus(ctx, &exp, model.StatusReady); err != nil {
		slog.Error("transition to READY failed", "experiment_id", experimentID, "error", err)
	}
}

// StartExecution requires the experiment to be READY and fans execute out
// to every deployment's connector, then transitions to RUNNING.
func (o *Orchestrator) StartExecution(ctx context.Context, username, experimentName string) error {
	o.startRuns.Add(ctx, 1)

	exp, found, err := o.store.GetExperimentByName(ctx, username, experimentName)
	if err != nil {
		return fmt.Errorf("lookup experiment: %w", err)
	}
	if !found {
		return fmt.Errorf("experiment %s/%s not found", username, experimentName)
	}
	if exp.Status != model.StatusReady {
		return fmt.Errorf("experiment %s is %s, not READY", exp.ExperimentID, exp.Status)
	}

	lock := o.lockFor(exp.ExperimentID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.runFanout(ctx, exp.ExperimentID, executeOp, true); err != nil {
		return fmt.Errorf("execute fan-out: %w", err)
	}

	exp.StartTime = time.Now().UTC()
	return o.setStatus(ctx, &exp, model.StatusRunning)
}

// CancelExperiment stops every still-running executor of the experiment.
func (o *Orchestrator) CancelExperiment(ctx context.Context, username, experimentName string) error {
	o.cancelRuns.Add(ctx, 1)

	exp, found, err := o.store.GetExperimentByName(ctx, username, experimentName)
	if err != nil {
		return fmt.Errorf("lookup experiment: %w", err)
	}
	if !found {
		return fmt.Errorf("experiment %s/%s not found", username, experimentName)
	}

	recs, err := o.store.ListExecutorsByExperiment(ctx, exp.ExperimentID)
	if err != nil {
		return fmt.Errorf("list executors: %w", err)
	}
	return o.stopExecutors(ctx, exp.Username, recs)
}

// CancelExecutors stops a specific set of server-unique executor ids,
// regardless of which experiment they belong to.
func (o *Orchestrator) CancelExecutors(ctx context.Context, username string, executorIDs []string) error {
	o.cancelRuns.Add(ctx, 1)

	var recs []model.ExecutorRecord
	for _, id := range executorIDs {
		experimentID, found, err := o.store.ExperimentIDForExecutor(ctx, id)
		if err != nil || !found {
			continue
		}
		rec, found, err := o.store.GetExecutor(ctx, experimentID, id)
		if err != nil || !found {
			continue
		}
		recs = append(recs, rec)
	}
	return o.stopExecutors(ctx, username, recs)
}

func (o *Orchestrator) stopExecutors(ctx context.Context, username string, recs []model.ExecutorRecord) error {
	groups := make(map[string][]model.StopRequest)
	for _, r := range recs {
		if r.Finished {
			continue
		}
		groups[r.Connector] = append(groups[r.Connector], model.StopRequest{ExecutorID: r.ExecutorID, NodeName: r.NodeName})
	}

	for name, targets := range groups {
		callErr := o.registry.Call(ctx, name, func(c connector.Connector) error {
			_, err := c.StopExecutors(ctx, username, targets, nil, nil)
			return err
		})
		if callErr != nil {
			o.fanoutFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("connector", name)))
			slog.Error("stop_executors failed, connector evicted", "connector", name, "error", callErr)
		}
	}
	return nil
}
