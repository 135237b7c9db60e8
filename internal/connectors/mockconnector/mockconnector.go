// Package mockconnector implements a no-op reference Connector used for
// local development and integration tests: it never touches real
// infrastructure and always reports success.
package mockconnector

import (
	"context"
	"log/slog"

	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/model"
)

// Connector is a dummy infrastructure adapter. Initialize, Shutdown and
// Cleanup log one line each; Deploy, Execute and StopExecutors report
// success for every target without logging.
type Connector struct {
	name string
}

// New returns a mock connector registered under the given name.
func New(name string) *Connector {
	return &Connector{name: name}
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) Initialize(ctx context.Context) error {
	slog.Info("mock connector initialized", "connector", c.name)
	return nil
}

func (c *Connector) Health(ctx context.Context) (bool, string) {
	return true, "mock connector is always healthy"
}

func (c *Connector) Shutdown(ctx context.Context) error {
	slog.Info("mock connector shutdown", "connector", c.name)
	return nil
}

func (c *Connector) GetNodes(ctx context.Context, username string, auth connector.AuthContext) (model.NodePool, error) {
	return model.NodePool{
		NodePoolType: model.NodePoolCountable,
		Nodes: []model.Node{
			{Name: "mock-node", Properties: map[string]interface{}{}, Architecture: model.ArchLinuxAMD64, Connector: c.name},
		},
	}, nil
}

func (c *Connector) Deploy(ctx context.Context, username, experimentID string, deployments []model.Deployment, deployCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	return c.successForAll(deployments), nil
}

func (c *Connector) Execute(ctx context.Context, username, experimentID string, deployments []model.Deployment, execCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	return c.successForAll(deployments), nil
}

func (c *Connector) StopExecutors(ctx context.Context, username string, targets []model.StopRequest, cancelCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	out := make(map[string]connector.PerExecutorResult, len(targets))
	for _, t := range targets {
		out[t.ExecutorID] = connector.PerExecutorResult{}
	}
	return out, nil
}

func (c *Connector) Cleanup(ctx context.Context, experimentID string, deployments []model.Deployment) error {
	slog.Info("mock connector cleanup", "connector", c.name, "experiment_id", experimentID)
	return nil
}

func (c *Connector) successForAll(deployments []model.Deployment) map[string]connector.PerExecutorResult {
	out := make(map[string]connector.PerExecutorResult, len(deployments))
	for _, d := range deployments {
		out[d.ExecutorID] = connector.PerExecutorResult{}
	}
	return out
}
