// Package shellconnector implements a local-process Connector: deploy runs
// an EnvironmentDefinition's shell command list directly with os/exec on
// the machine the control plane itself runs on, and execute spawns the
// interpreter binary as a child process with the GATEWAY_ENDPOINT,
// EXECUTOR_ID, and EXPERIMENT_ID environment variables set, mirroring how a
// real infrastructure connector launches the interpreter on a remote node.
package shellconnector

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/netexp/orchestrator/internal/connector"
	"github.com/netexp/orchestrator/internal/model"
)

// allowedCommands whitelists the shell verbs an EnvironmentDefinition may
// use to prepare a node; anything else is rejected before exec.Command ever
// runs.
var allowedCommands = map[string]bool{
	"echo": true, "mkdir": true, "cp": true, "tar": true, "pip": true,
	"python3": true, "apt-get": true, "curl": true, "wget": true,
}

// Connector runs deployments as local child processes. GatewayEndpoint is
// the URL handed to spawned interpreters so they know where to report.
// ExecutorBinaryPath is the path to the cmd/executor build.
type Connector struct {
	name               string
	GatewayEndpoint    string
	ExecutorBinaryPath string
	ExecutorAuthToken  string

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// New returns a shell-backed connector under the given name.
func New(name, gatewayEndpoint, executorBinaryPath string) *Connector {
	return &Connector{
		name:               name,
		GatewayEndpoint:    gatewayEndpoint,
		ExecutorBinaryPath: executorBinaryPath,
		running:            make(map[string]*exec.Cmd),
	}
}

// SetAuthToken arms every future spawned interpreter with a bearer token for
// its gateway calls, matching whatever the control plane's HTTP API expects
// in its Authorization header.
func (c *Connector) SetAuthToken(token string) {
	c.ExecutorAuthToken = token
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) Initialize(ctx context.Context) error { return nil }

func (c *Connector) Health(ctx context.Context) (bool, string) {
	return true, "local shell connector is always reachable"
}

func (c *Connector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cmd := range c.running {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(c.running, id)
	}
	return nil
}

func (c *Connector) GetNodes(ctx context.Context, username string, auth connector.AuthContext) (model.NodePool, error) {
	return model.NodePool{
		NodePoolType: model.NodePoolCountable,
		Nodes: []model.Node{
			{Name: "localhost", Properties: map[string]interface{}{}, Architecture: model.ArchLinuxAMD64, Connector: c.name},
		},
	}, nil
}

// Deploy runs each deployment's environment-definition shell commands
// sequentially on the local machine.
func (c *Connector) Deploy(ctx context.Context, username, experimentID string, deployments []model.Deployment, deployCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	out := make(map[string]connector.PerExecutorResult, len(deployments))
	for _, d := range deployments {
		if err := c.runCommands(ctx, d.EnvironmentDefinition.Commands); err != nil {
			out[d.ExecutorID] = connector.PerExecutorResult{Err: err.Error()}
			continue
		}
		out[d.ExecutorID] = connector.PerExecutorResult{}
	}
	return out, nil
}

// Execute spawns the interpreter binary for every deployment as a detached
// child process.
func (c *Connector) Execute(ctx context.Context, username, experimentID string, deployments []model.Deployment, execCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	out := make(map[string]connector.PerExecutorResult, len(deployments))
	for _, d := range deployments {
		cmd := exec.Command(c.ExecutorBinaryPath)
		cmd.Env = append(cmd.Env,
			"GATEWAY_ENDPOINT="+c.GatewayEndpoint,
			"EXECUTOR_ID="+d.ExecutorID,
			"EXPERIMENT_ID="+experimentID,
			"EXECUTOR_AUTH_TOKEN="+c.ExecutorAuthToken,
		)
		if err := cmd.Start(); err != nil {
			out[d.ExecutorID] = connector.PerExecutorResult{Err: fmt.Sprintf("spawn interpreter: %v", err)}
			continue
		}
		c.mu.Lock()
		c.running[d.ExecutorID] = cmd
		c.mu.Unlock()
		go func(id string, cmd *exec.Cmd) {
			_ = cmd.Wait()
			c.mu.Lock()
			delete(c.running, id)
			c.mu.Unlock()
		}(d.ExecutorID, cmd)
		out[d.ExecutorID] = connector.PerExecutorResult{}
	}
	return out, nil
}

func (c *Connector) StopExecutors(ctx context.Context, username string, targets []model.StopRequest, cancelCtx map[string]string, auth connector.AuthContext) (map[string]connector.PerExecutorResult, error) {
	out := make(map[string]connector.PerExecutorResult, len(targets))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range targets {
		cmd, ok := c.running[t.ExecutorID]
		if !ok {
			out[t.ExecutorID] = connector.PerExecutorResult{}
			continue
		}
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				out[t.ExecutorID] = connector.PerExecutorResult{Err: err.Error()}
				continue
			}
		}
		delete(c.running, t.ExecutorID)
		out[t.ExecutorID] = connector.PerExecutorResult{}
	}
	return out, nil
}

func (c *Connector) Cleanup(ctx context.Context, experimentID string, deployments []model.Deployment) error {
	return nil
}

func (c *Connector) runCommands(ctx context.Context, commands []string) error {
	for _, line := range commands {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		if !allowedCommands[parts[0]] {
			return fmt.Errorf("command not allowed: %s", parts[0])
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("command %q failed: %w: %s", line, err, stderr.String())
		}
	}
	return nil
}
