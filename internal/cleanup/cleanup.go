// Package cleanup implements the 5-minute watchdog that calls each
// connector's Cleanup for every FINISHED or UNKNOWN experiment not yet
// cleaned up.
package cleanup

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/store"
)

// Watchdog ticks every 5 minutes and best-effort cleans up settled
// experiments; a connector exception is logged and evicts the connector,
// but the experiment is still marked cleaned_up.
type Watchdog struct {
	store    *store.Store
	registry *connector.Registry
	cron     *cron.Cron

	tracer        trace.Tracer
	runsTotal     metric.Int64Counter
	cleanedTotal  metric.Int64Counter
	cleanupErrors metric.Int64Counter
}

// New builds a Watchdog. Call Start to begin ticking, Stop to halt.
func New(st *store.Store, reg *connector.Registry, meter metric.Meter) *Watchdog {
	runsTotal, _ := meter.Int64Counter("orch_cleanup_runs_total")
	cleanedTotal, _ := meter.Int64Counter("orch_cleanup_experiments_total")
	cleanupErrors, _ := meter.Int64Counter("orch_cleanup_errors_total")

	return &Watchdog{
		store:         st,
		registry:      reg,
		cron:          cron.New(),
		tracer:        otel.Tracer("netexp-orchestrator"),
		runsTotal:     runsTotal,
		cleanedTotal:  cleanedTotal,
		cleanupErrors: cleanupErrors,
	}
}

// Start registers the 5-minute tick and begins the cron scheduler.
func (w *Watchdog) Start(ctx context.Context) error {
	_, err := w.cron.AddFunc("@every 5m", func() {
		if err := w.sweep(context.Background()); err != nil {
			slog.Error("cleanup sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight tick to finish.
func (w *Watchdog) Stop(ctx context.Context) error {
	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watchdog) sweep(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "cleanup.sweep")
	defer span.End()
	w.runsTotal.Add(ctx, 1)

	exps, err := w.store.ListAllExperiments(ctx)
	if err != nil {
		return err
	}

	for _, exp := range exps {
		if exp.CleanedUp {
			continue
		}
		if exp.Status != model.StatusFinished && exp.Status != model.StatusUnknown {
			continue
		}
		w.cleanupExperiment(ctx, exp)
	}
	return nil
}

// cleanupExperiment marks cleaned_up=true first so a crash mid-sweep makes
// re-entry safe, then best-effort calls each involved connector's Cleanup.
func (w *Watchdog) cleanupExperiment(ctx context.Context, exp model.Experiment) {
	exp.CleanedUp = true
	if err := w.store.PutExperiment(ctx, exp); err != nil {
		slog.Error("failed to mark experiment cleaned_up", "experiment_id", exp.ExperimentID, "error", err)
		return
	}

	groups := make(map[string][]model.Deployment)
	for _, d := range exp.Deployments {
		groups[d.Node.Connector] = append(groups[d.Node.Connector], d)
	}

	for name, deployments := range groups {
		err := w.registry.Call(ctx, name, func(c connector.Connector) error {
			return c.Cleanup(ctx, exp.ExperimentID, deployments)
		})
		if err != nil {
			w.cleanupErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("connector", name)))
			slog.Error("connector cleanup failed, connector evicted", "connector", name, "experiment_id", exp.ExperimentID, "error", err)
			continue
		}
	}
	w.cleanedTotal.Add(ctx, 1)
}
