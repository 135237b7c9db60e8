// Package model holds the wire and storage representation of every entity
// in the system: nodes, tasks, execution graphs, environment definitions,
// deployments, experiments, and executor records.
package model

// Architecture enumerates the node architectures a connector may report.
type Architecture string

const (
	ArchLinuxAMD64 Architecture = "linux-amd64"
	ArchLinuxARM64 Architecture = "linux-arm64"
	ArchUnknown    Architecture = "unknown"
)

// Node is a single targetable machine or instance reported by a connector.
type Node struct {
	Name         string                 `json:"name"`
	Properties   map[string]interface{} `json:"properties"`
	Architecture Architecture           `json:"architecture"`
	Connector    string                 `json:"connector"`
}

// NodePoolType discriminates the two shapes a connector's node pool can take:
// a Countable pool (a concrete, enumerable slice) or an Uncountable one (a
// lazily-expanded pool, e.g. backed by a cloud quota the connector won't
// enumerate eagerly).
type NodePoolType string

const (
	NodePoolCountable   NodePoolType = "Countable"
	NodePoolUncountable NodePoolType = "Uncountable"
)

// NodePool is the discriminated-union wire shape returned by GET /nodes/{user}.
type NodePool struct {
	NodePoolType NodePoolType `json:"node_pool_type"`
	Nodes        []Node       `json:"nodes,omitempty"`
}

// Countable reports whether the pool enumerates a concrete node set.
func (p NodePool) Countable() bool {
	return p.NodePoolType == NodePoolCountable
}
