package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/netexp/orchestrator/internal/blackboard"
	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/connectors/mockconnector"
	"github.com/netexp/orchestrator/internal/model"
	"github.com/netexp/orchestrator/internal/orchestrator"
	"github.com/netexp/orchestrator/internal/store"
)

// unhealthyConnector reports itself as down on every Health call, used to
// exercise handleHealth's unhealthy path.
type unhealthyConnector struct{ name string }

func (c *unhealthyConnector) Name() string                        { return c.name }
func (c *unhealthyConnector) Initialize(ctx context.Context) error { return nil }
func (c *unhealthyConnector) Health(ctx context.Context) (bool, string) {
	return false, "simulated outage"
}
func (c *unhealthyConnector) Shutdown(ctx context.Context) error { return nil }
func (c *unhealthyConnector) GetNodes(ctx context.Context, username string, auth connector.AuthContext) (model.NodePool, error) {
	return model.NodePool{}, nil
}
func (c *unhealthyConnector) Deploy(ctx context.Context, username, experimentID string, deployments []model.Deployment, deployCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	return nil, nil
}
func (c *unhealthyConnector) Execute(ctx context.Context, username, experimentID string, deployments []model.Deployment, execCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	return nil, nil
}
func (c *unhealthyConnector) StopExecutors(ctx context.Context, username string, targets []model.StopRequest, cancelCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	return nil, nil
}
func (c *unhealthyConnector) Cleanup(ctx context.Context, experimentID string, deployments []model.Deployment) error {
	return nil
}

// testBearerToken is a structurally valid, unsigned JWT ({"alg":"none"}
// header, {"sub":"alice"} payload) — enough to exercise the no-secret
// (ParseUnverified) path in validateToken.
const testBearerToken = "eyJhbGciOiAibm9uZSIsICJ0eXAiOiAiSldUIn0.eyJzdWIiOiAiYWxpY2UifQ."

func newTestServer(t *testing.T) *Server {
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

	reg := connector.NewRegistry()
	reg.Register(mockconnector.New("mock"))

	orch := orchestrator.New(st, reg, mp.Meter("test"))
	return New(orch, st, bb, reg, nil, mp.Meter("test"))
}

func authedRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testBearerToken)
	return req
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthIsUnhealthyWhenNoConnectorIsHealthy(t *testing.T) {
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

	reg := connector.NewRegistry()
	reg.Register(&unhealthyConnector{name: "down"})

	orch := orchestrator.New(st, reg, mp.Meter("test"))
	s := New(orch, st, bb, reg, nil, mp.Meter("test"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthIsUnhealthyWhenStoreIsClosed(t *testing.T) {
	s := newTestServer(t)
	if err := s.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProtectedRouteRejectsMissingAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/experiment/probe", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPrepareThenGetExperiment(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"deployments": []map[string]interface{}{},
	})
	req := authedRequest(http.MethodPost, "/experiment/probe/prepare", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("prepare: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := authedRequest(http.MethodGet, "/experiment/probe", nil)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec2.Code)
	}
}

func TestExecutorHeartbeatAndResultRoundTrip(t *testing.T) {
	s := newTestServer(t)

	req := authedRequest(http.MethodGet, "/executor/heartbeat/ex-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: expected 200, got %d", rec.Code)
	}

	payload, _ := json.Marshal(map[string]string{
		"executor_id": "ex-1",
		"results":     base64.StdEncoding.EncodeToString([]byte(`{"result_variant":"success"}`)),
	})
	req2 := authedRequest(http.MethodPost, "/executor/result", payload)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("result: expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}
}
