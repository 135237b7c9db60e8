package model

// EnvironmentDefinitionType discriminates the two ways a node can be
// prepared to run a graph.
type EnvironmentDefinitionType string

const (
	EnvDefShellCommands EnvironmentDefinitionType = "ShellCommands"
	EnvDefContainerImage EnvironmentDefinitionType = "ContainerImage"
)

// RuntimeContext carries the extra parameters a ContainerImage environment
// needs at execution time: environment variables, published ports, and any
// additional container-runtime arguments.
type RuntimeContext struct {
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`
	Ports                map[string]string `json:"ports,omitempty"`
	AdditionalArguments  []string          `json:"additional_arguments,omitempty"`
}

// EnvironmentDefinition describes how a connector must prepare a node
// before the execution graph can run on it.
type EnvironmentDefinition struct {
	EnvironmentDefinitionType EnvironmentDefinitionType `json:"environment_definition_type"`
	Commands                  []string                  `json:"commands,omitempty"`
	Image                     string                    `json:"image,omitempty"`
	InterpreterVersion        string                    `json:"interpreter_version,omitempty"`
	RuntimeContext            RuntimeContext             `json:"runtime_context,omitempty"`
}

// IsContainer reports whether this definition builds a container image.
func (e EnvironmentDefinition) IsContainer() bool {
	return e.EnvironmentDefinitionType == EnvDefContainerImage
}
