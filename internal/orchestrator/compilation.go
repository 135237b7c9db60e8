package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/netexp/orchestrator/internal/model"
)

// ResolveCompilation is called by the external compilation worker once a
// dedup'd job finishes, successfully (ok=true, result holds the image tag)
// or not (ok=false, result holds the error). Once every compilation job for
// the experiment has resolved, the deploy fan-out starts automatically.
func (o *Orchestrator) ResolveCompilation(ctx context.Context, experimentID, compilationID string, ok bool, result string) error {
	job, found, err := o.store.GetCompilation(ctx, experimentID, compilationID)
	if err != nil {
		return fmt.Errorf("load compilation job: %w", err)
	}
	if !found {
		return fmt.Errorf("unknown compilation job %s/%s", experimentID, compilationID)
	}
	job.Status = &ok
	job.Result = result
	if err := o.store.PutCompilation(ctx, job); err != nil {
		return fmt.Errorf("persist compilation result: %w", err)
	}

	exp, found, err := o.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return fmt.Errorf("load experiment: %w", err)
	}
	if !found {
		return fmt.Errorf("unknown experiment %s", experimentID)
	}

	if !ok {
		// mark every deployment sharing this compilation id pre-finished.
		for _, d := range exp.Deployments {
			if compilationKeyHash(hashJSON(d.EnvironmentDefinition), hashJSON(d.Graph), d.Architecture) != compilationID {
				continue
			}
			if err := o.store.PutExecutor(ctx, model.ExecutorRecord{
				ExecutorID:   d.ExecutorID,
				ExperimentID: experimentID,
				NodeName:     d.Node.Name,
				Connector:    d.Node.Connector,
				Finished:     true,
				Error:        fmt.Sprintf("compilation failed: %s", result),
			}); err != nil {
				return fmt.Errorf("mark executor finished: %w", err)
			}
		}
	}

	jobs, err := o.store.ListCompilationsByExperiment(ctx, experimentID)
	if err != nil {
		return fmt.Errorf("list compilation jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Status == nil {
			return nil // still waiting on at least one job
		}
	}

	slog.Info("all compilations resolved, starting deploy fan-out", "experiment_id", experimentID)
	go o.runDeployFanout(context.Background(), experimentID)
	return nil
}
