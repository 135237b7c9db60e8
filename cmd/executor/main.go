// Command executor is the on-node Graph Interpreter process: it reads
// GATEWAY_ENDPOINT, EXECUTOR_ID, and EXPERIMENT_ID, fetches its execution
// graph from the control plane, runs it, and reports the outcome back.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/netexp/orchestrator/internal/interpreter"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/platform/logging"
)

func main() {
	logging.Init("executor")

	endpoint := os.Getenv("GATEWAY_ENDPOINT")
	executorID := os.Getenv("EXECUTOR_ID")
	experimentID := os.Getenv("EXPERIMENT_ID")
	if endpoint == "" || executorID == "" || experimentID == "" {
		slog.Error("missing required environment variables", "GATEWAY_ENDPOINT", endpoint, "EXECUTOR_ID", executorID, "EXPERIMENT_ID", experimentID)
		os.Exit(1)
	}
	token := os.Getenv("EXECUTOR_AUTH_TOKEN")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw := &httpGateway{endpoint: endpoint, token: token, client: &http.Client{Timeout: 30 * time.Second}}
	proc := interpreter.NewProcess(gw, executorID, experimentID, resolveShellTask)

	outcome, err := proc.Run(ctx)
	if err != nil {
		slog.Error("interpreter process failed before reporting", "executor_id", executorID, "error", err)
		os.Exit(1)
	}
	slog.Info("interpreter finished", "executor_id", executorID, "result", outcome.Overall.String())
}

// httpGateway implements interpreter.Gateway against orchestratord's HTTP
// surface (spec.md §6): GET /executor/graph, POST /executor/result, GET
// /executor/heartbeat/{id}.
type httpGateway struct {
	endpoint string
	token    string
	client   *http.Client
}

func (g *httpGateway) authorize(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}

func (g *httpGateway) FetchGraph(ctx context.Context, executorID string) (*model.ExecutionGraph, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"/executor/graph?executor_id="+executorID, nil)
	if err != nil {
		return nil, false, err
	}
	g.authorize(req)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("fetch graph: unexpected status %d", resp.StatusCode)
	}

	encoded, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	raw, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, false, fmt.Errorf("decode graph: %w", err)
	}
	var g2 model.ExecutionGraph
	if err := json.Unmarshal(raw, &g2); err != nil {
		return nil, false, fmt.Errorf("unmarshal graph: %w", err)
	}
	return &g2, true, nil
}

func (g *httpGateway) ReportResult(ctx context.Context, executorID string, outcome interpreter.Outcome) error {
	data, err := json.Marshal(outcome.Overall)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{
		"executor_id": executorID,
		"results":     base64.StdEncoding.EncodeToString(data),
		"state":       string(interpreter.StateReporting),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/executor/result", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report result: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (g *httpGateway) Heartbeat(ctx context.Context, executorID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"/executor/heartbeat/"+executorID, nil)
	if err != nil {
		return err
	}
	g.authorize(req)
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// resolveShellTask treats a Task's opaque payload as a shell command line,
// matching the reference shell-based idiom the rest of this repo's
// connectors use for node preparation.
func resolveShellTask(t model.Task) interpreter.TaskFunc {
	return func(ctx context.Context, task model.Task) model.Result {
		cmd := exec.CommandContext(ctx, "sh", "-c", string(task.Payload))
		out, err := cmd.CombinedOutput()
		if err != nil {
			return model.Failure(fmt.Errorf("%s: %w", string(out), err))
		}
		return model.Success(string(out))
	}
}
