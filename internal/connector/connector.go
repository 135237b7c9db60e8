// Package connector defines the pluggable infrastructure adapter interface
// and the registry that holds live connector instances, evicting any
// connector whose method panics or returns a Go error (as opposed to a
// per-executor Failure, which is a normal outcome the connector reports
// without being evicted).
package connector

import (
	"context"

	"github.com/netexp/orchestrator/internal/model"
)

// AuthContext is the opaque authentication context forwarded from the
// caller, e.g. bearer-token claims already validated by the HTTP API.
type AuthContext map[string]string

// PerExecutorResult is the {optional msg, err string} shape every
// multi-target connector operation returns, keyed by executor_id.
type PerExecutorResult struct {
	Message string
	Err     string
}

// Connector is the capability set every infrastructure adapter exposes. All
// operations must be safe to call concurrently on distinct inputs, and none
// may block the caller beyond kicking off async work. A connector that
// panics or returns a non-nil error from any method is evicted from the
// Registry; per-executor failures are instead reported inside the returned
// map and never trigger eviction.
type Connector interface {
	Name() string
	Initialize(ctx context.Context) error
	Health(ctx context.Context) (bool, string)
	Shutdown(ctx context.Context) error
	GetNodes(ctx context.Context, username string, auth AuthContext) (model.NodePool, error)
	Deploy(ctx context.Context, username, experimentID string, deployments []model.Deployment, deployCtx map[string]string, auth AuthContext) (map[string]PerExecutorResult, error)
	Execute(ctx context.Context, username, experimentID string, deployments []model.Deployment, execCtx map[string]string, auth AuthContext) (map[string]PerExecutorResult, error)
	StopExecutors(ctx context.Context, username string, targets []model.StopRequest, cancelCtx map[string]string, auth AuthContext) (map[string]PerExecutorResult, error)
	Cleanup(ctx context.Context, experimentID string, deployments []model.Deployment) error
}
