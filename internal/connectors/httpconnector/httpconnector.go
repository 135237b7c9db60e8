// Package httpconnector implements a Connector that delegates every
// operation to a remote infrastructure adapter over a small JSON/HTTP
// protocol: POST /initialize, GET /health, POST /shutdown, GET
// /nodes/{username}, POST /deploy/{username}/{experiment_id}, POST
// /execute/{username}/{experiment_id}, POST /stop_executors/{username},
// POST /cleanup/{experiment_id}.
package httpconnector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/platform/resilience"
)

// Connector forwards every Connector operation to a backing REST service.
type Connector struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
	// outbound paces calls to the backing infra service so a large
	// deploy/execute fan-out can't hammer it; this is independent of the
	// HTTP API's inbound HybridRateLimiter, which instead protects this
	// process from its own callers.
	outbound *resilience.RateLimiter
}

// New returns an HTTP-backed connector targeting baseURL (no trailing
// slash expected; it is trimmed if present).
func New(name, baseURL string) *Connector {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Connector{
		name:    name,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker:  resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 4, 0.5, 10*time.Second, 2),
		outbound: resilience.NewRateLimiter(20, 20, time.Second, 20),
	}
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) Initialize(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/initialize", nil)
	return err
}

func (c *Connector) Health(ctx context.Context) (bool, string) {
	if !c.breaker.Allow() {
		return false, "circuit open: backing connector service is unhealthy"
	}
	body, err := c.do(ctx, http.MethodGet, "/health", nil)
	c.breaker.RecordResult(err == nil)
	if err != nil {
		return false, err.Error()
	}
	var payload struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(body, &payload)
	return true, payload.Status
}

func (c *Connector) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/shutdown", nil)
	return err
}

func (c *Connector) GetNodes(ctx context.Context, username string, auth connector.AuthContext) (model.NodePool, error) {
	body, err := c.do(ctx, http.MethodGet, "/nodes/"+username, nil)
	if err != nil {
		return model.NodePool{}, err
	}
	var pool model.NodePool
	if err := json.Unmarshal(body, &pool); err != nil {
		return model.NodePool{}, fmt.Errorf("decode node pool: %w", err)
	}
	return pool, nil
}

func (c *Connector) Deploy(ctx context.Context, username, experimentID string, deployments []model.Deployment, deployCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	return c.postPerExecutor(ctx, fmt.Sprintf("/deploy/%s/%s", username, experimentID), deployments)
}

func (c *Connector) Execute(ctx context.Context, username, experimentID string, deployments []model.Deployment, execCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	return c.postPerExecutor(ctx, fmt.Sprintf("/execute/%s/%s", username, experimentID), deployments)
}

func (c *Connector) StopExecutors(ctx context.Context, username string, targets []model.StopRequest, cancelCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	return c.postPerExecutor(ctx, "/stop_executors/"+username, targets)
}

func (c *Connector) Cleanup(ctx context.Context, experimentID string, deployments []model.Deployment) error {
	_, err := c.postPerExecutor(ctx, "/cleanup/"+experimentID, deployments)
	return err
}

func (c *Connector) postPerExecutor(ctx context.Context, path string, payload interface{}) (map[string]connector.PerExecutorResult, error) {
	body, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	var raw map[string]*string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode per-executor result: %w", err)
	}
	out := make(map[string]connector.PerExecutorResult, len(raw))
	for executorID, errStr := range raw {
		if errStr == nil {
			out[executorID] = connector.PerExecutorResult{}
		} else {
			out[executorID] = connector.PerExecutorResult{Err: *errStr}
		}
	}
	return out, nil
}

func (c *Connector) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	if !c.outbound.Allow() {
		return nil, fmt.Errorf("connector %s: outbound call to %s throttled", c.name, path)
	}

	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	do := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("connector %s: %s %s returned %d: %s", c.name, method, path, resp.StatusCode, respBody)
		}
		return respBody, nil
	}

	return resilience.Retry(ctx, 3, 200*time.Millisecond, do)
}
