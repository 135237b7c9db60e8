package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/netexp/orchestrator/internal/model"
)

type stubConnector struct {
	name    string
	failNow bool
}

func (s *stubConnector) Name() string { return s.name }
func (s *stubConnector) Initialize(ctx context.Context) error { return nil }
func (s *stubConnector) Health(ctx context.Context) (bool, string) { return true, "ok" }
func (s *stubConnector) Shutdown(ctx context.Context) error { return nil }
func (s *stubConnector) GetNodes(ctx context.Context, username string, auth AuthContext) (model.NodePool, error) {
	return model.NodePool{}, nil
}
func (s *stubConnector) Deploy(ctx context.Context, username, experimentID string, deployments []model.Deployment, deployCtx map[string]string, auth AuthContext) (map[string]PerExecutorResult, error) {
	if s.failNow {
		return nil, errors.New("deploy exploded")
	}
	return map[string]PerExecutorResult{}, nil
}
func (s *stubConnector) Execute(ctx context.Context, username, experimentID string, deployments []model.Deployment, execCtx map[string]string, auth AuthContext) (map[string]PerExecutorResult, error) {
	return map[string]PerExecutorResult{}, nil
}
func (s *stubConnector) StopExecutors(ctx context.Context, username string, targets []model.StopRequest, cancelCtx map[string]string, auth AuthContext) (map[string]PerExecutorResult, error) {
	return map[string]PerExecutorResult{}, nil
}
func (s *stubConnector) Cleanup(ctx context.Context, experimentID string, deployments []model.Deployment) error {
	return nil
}

func TestRegistryEvictsOnError(t *testing.T) {
	r := NewRegistry()
	c := &stubConnector{name: "faulty", failNow: true}
	r.Register(c)

	var evicted string
	r.OnEviction(func(name string) { evicted = name })

	err := r.Call(context.Background(), "faulty", func(conn Connector) error {
		_, callErr := conn.Deploy(context.Background(), "alice", "exp-1", nil, nil, nil)
		return callErr
	})
	if err == nil {
		t.Fatalf("expected error from faulty connector")
	}
	if evicted != "faulty" {
		t.Fatalf("expected eviction hook to fire for 'faulty', got %q", evicted)
	}
	if _, ok := r.Get("faulty"); ok {
		t.Fatalf("expected connector to be removed from registry after eviction")
	}
}

func TestRegistryIsolatesConnectors(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubConnector{name: "bad", failNow: true})
	r.Register(&stubConnector{name: "good", failNow: false})

	_ = r.Call(context.Background(), "bad", func(conn Connector) error {
		_, err := conn.Deploy(context.Background(), "alice", "exp-1", nil, nil, nil)
		return err
	})

	err := r.Call(context.Background(), "good", func(conn Connector) error {
		_, err := conn.Deploy(context.Background(), "alice", "exp-1", nil, nil, nil)
		return err
	})
	if err != nil {
		t.Fatalf("good connector should be unaffected by bad connector's eviction: %v", err)
	}
	if _, ok := r.Get("good"); !ok {
		t.Fatalf("good connector should remain registered")
	}
}

func TestRegistryUnknownConnector(t *testing.T) {
	r := NewRegistry()
	err := r.Call(context.Background(), "ghost", func(Connector) error { return nil })
	if err == nil {
		t.Fatalf("expected error for unregistered connector")
	}
}
