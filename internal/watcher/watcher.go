// Package watcher polls the Blackboard for executor liveness and results,
// declaring silent executors dead and transitioning experiments to FINISHED
// once every executor has settled.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/netexp/orchestrator/internal/blackboard"
	"github.com/netexp/orchestrator/internal/eventbus"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/store"
)

// Watcher is the liveness-polling loop of spec §4.4: one logical sweep over
// every RUNNING experiment, every pollInterval.
type Watcher struct {
	store        *store.Store
	blackboard   *blackboard.Blackboard
	events       *eventbus.Bus
	pollInterval time.Duration
	readyTimeout time.Duration

	tracer             trace.Tracer
	sweepsRun          metric.Int64Counter
	executorsTimedOut  metric.Int64Counter
	experimentsFinished metric.Int64Counter
}

// New returns a Watcher. pollInterval defaults to 30s, readyTimeout (the
// READY-to-RUNNING guard) defaults to 10 minutes, matching the
// Orchestrator's default keep-alive timeout.
func New(st *store.Store, bb *blackboard.Blackboard, meter metric.Meter) *Watcher {
	sweepsRun, _ := meter.Int64Counter("orch_watcher_sweeps_total")
	executorsTimedOut, _ := meter.Int64Counter("orch_watcher_executors_timed_out_total")
	experimentsFinished, _ := meter.Int64Counter("orch_watcher_experiments_finished_total")

	return &Watcher{
		store:               st,
		blackboard:          bb,
		pollInterval:        30 * time.Second,
		readyTimeout:        10 * time.Minute,
		tracer:              otel.Tracer("netexp-orchestrator"),
		sweepsRun:           sweepsRun,
		executorsTimedOut:   executorsTimedOut,
		experimentsFinished: experimentsFinished,
	}
}

// SetEventBus installs the notification side-channel of §4.8. A nil bus
// (the default) makes every publish a no-op.
func (w *Watcher) SetEventBus(b *eventbus.Bus) {
	w.events = b
}

// Run blocks, sweeping every pollInterval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				slog.Error("watcher sweep failed", "error", err)
			}
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "watcher.sweep")
	defer span.End()
	w.sweepsRun.Add(ctx, 1)

	exps, err := w.store.ListAllExperiments(ctx)
	if err != nil {
		return fmt.Errorf("list experiments: %w", err)
	}

	for _, exp := range exps {
		switch exp.Status {
		case model.StatusRunning:
			if err := w.sweepRunning(ctx, exp); err != nil {
				slog.Error("sweep running experiment failed", "experiment_id", exp.ExperimentID, "error", err)
			}
		case model.StatusReady:
			w.sweepReadyTimeout(ctx, exp)
		}
	}
	return nil
}

// sweepReadyTimeout guards the window between prepared and actually
// started: an experiment still READY more than readyTimeout after its
// creation time is finished with an error rather than left to linger
// forever.
func (w *Watcher) sweepReadyTimeout(ctx context.Context, exp model.Experiment) {
	if time.Since(exp.CreationTime) <= w.readyTimeout {
		return
	}
	exp.Error = "start_execution was not called within the ready timeout"
	exp.Status = model.StatusFinished
	if err := w.store.PutExperiment(ctx, exp); err != nil {
		slog.Error("failed to finish ready-timed-out experiment", "experiment_id", exp.ExperimentID, "error", err)
		return
	}
	w.experimentsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "ready_timeout")))
	if err := w.events.ExperimentStatusChanged(ctx, exp.ExperimentID, exp.Status.String()); err != nil {
		slog.Error("event bus publish failed", "experiment_id", exp.ExperimentID, "error", err)
	}
}

func (w *Watcher) sweepRunning(ctx context.Context, exp model.Experiment) error {
	recs, err := w.store.ListExecutorsByExperiment(ctx, exp.ExperimentID)
	if err != nil {
		return fmt.Errorf("list executors: %w", err)
	}

	results := make(map[string]model.Result, len(recs))
	allSettled := true

	for _, rec := range recs {
		if rec.Finished {
			if res, ok := w.readResult(ctx, rec.ExecutorID); ok {
				results[rec.ExecutorID] = res
			} else {
				results[rec.ExecutorID] = model.Failure(errors.New(rec.Error))
			}
			continue
		}

		if res, ok := w.readResult(ctx, rec.ExecutorID); ok {
			results[rec.ExecutorID] = res
			rec.Finished = true
			if err := w.store.PutExecutor(ctx, rec); err != nil {
				slog.Error("failed to mark executor finished", "executor_id", rec.ExecutorID, "error", err)
			}
			continue
		}

		alive, err := w.blackboard.Exists(ctx, blackboard.HeartbeatKey(rec.ExecutorID))
		if err != nil {
			return fmt.Errorf("check heartbeat: %w", err)
		}
		if alive {
			allSettled = false
			continue
		}
		if time.Since(exp.StartTime) <= exp.KeepAliveTimeout {
			// no heartbeat yet, but still within the initial grace window.
			allSettled = false
			continue
		}

		rec.Finished = true
		rec.Error = "not responding"
		if err := w.store.PutExecutor(ctx, rec); err != nil {
			slog.Error("failed to mark silent executor finished", "executor_id", rec.ExecutorID, "error", err)
		}
		results[rec.ExecutorID] = model.Failure(errors.New("not responding"))
		w.executorsTimedOut.Add(ctx, 1)
		if err := w.events.ExecutorSilent(ctx, rec.ExecutorID); err != nil {
			slog.Error("event bus publish failed", "executor_id", rec.ExecutorID, "error", err)
		}
	}

	if !allSettled {
		return nil
	}

	exp.Results = results
	exp.Status = model.StatusFinished
	if err := w.store.PutExperiment(ctx, exp); err != nil {
		return fmt.Errorf("finish experiment: %w", err)
	}
	w.experimentsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "all_executors_settled")))
	slog.Info("experiment finished", "experiment_id", exp.ExperimentID)
	if err := w.events.ExperimentStatusChanged(ctx, exp.ExperimentID, exp.Status.String()); err != nil {
		slog.Error("event bus publish failed", "experiment_id", exp.ExperimentID, "error", err)
	}
	return nil
}

func (w *Watcher) readResult(ctx context.Context, executorID string) (model.Result, bool) {
	raw, err := w.blackboard.Get(ctx, blackboard.ResultKey(executorID))
	if err != nil {
		return model.Result{}, false
	}
	var res model.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		slog.Error("malformed result on blackboard", "executor_id", executorID, "error", err)
		return model.Result{}, false
	}
	return res, true
}
