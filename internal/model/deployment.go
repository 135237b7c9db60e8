package model

// Deployment is one (node, graph) pair targeted for execution, along with
// the bookkeeping the Orchestrator mutates as it advances through
// preparation, compilation, and execution.
type Deployment struct {
	ExecutorID            string                `json:"executor_id"`
	Node                  Node                  `json:"node"`
	Graph                 ExecutionGraph        `json:"graph"`
	EnvironmentDefinition EnvironmentDefinition `json:"environment_definition"`
	Architecture          Architecture          `json:"architecture"`
	Prepared              bool                  `json:"prepared"`
	Error                 string                `json:"error,omitempty"`
	CleanedUp             bool                  `json:"cleanup"`
}

// CompilationKey groups deployments that can share one compiled image:
// identical environment definition, graph, and target architecture compile
// to the same artifact and should not be built twice.
type CompilationKey struct {
	EnvironmentDefinitionHash string       `json:"environment_definition_hash"`
	GraphHash                 string       `json:"graph_hash"`
	Architecture              Architecture `json:"architecture"`
}

// CompilationJob is one deduplicated build handed to the external
// compilation worker; Status is nil while pending, true on success (Result
// then holds the image tag), false on failure (Result then holds the error).
type CompilationJob struct {
	ExperimentID  string         `json:"experiment_id"`
	CompilationID string         `json:"compilation_id"`
	Architecture  Architecture   `json:"architecture"`
	Environment   EnvironmentDefinition `json:"environment_definition"`
	Status        *bool          `json:"status"`
	Result        string         `json:"result,omitempty"`
}
