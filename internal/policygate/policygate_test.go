package policygate

import (
	"context"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/netexp/orchestrator/internal/model"
)

func TestNilGateAllowsEverything(t *testing.T) {
	var g *Gate
	allowed, reason, err := g.Evaluate(context.Background(), model.Deployment{})
	if err != nil || !allowed || reason != "" {
		t.Fatalf("expected nil gate to allow, got allowed=%v reason=%q err=%v", allowed, reason, err)
	}
}

func TestGateDeniesUnpinnedContainerImage(t *testing.T) {
	ctx := context.Background()
	mp := noopmetric.MeterProvider{}

	g, err := Load(ctx, "policies", mp.Meter("test"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	d := model.Deployment{
		Architecture: model.ArchLinuxAMD64,
		EnvironmentDefinition: model.EnvironmentDefinition{
			EnvironmentDefinitionType: model.EnvDefContainerImage,
			Image:                     "registry.example.com/probe:latest",
		},
	}

	allowed, reason, err := g.Evaluate(ctx, d)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if allowed {
		t.Fatalf("expected :latest tag to be denied")
	}
	if reason == "" {
		t.Fatalf("expected a denial reason")
	}
}

func TestGateAllowsPinnedContainerImage(t *testing.T) {
	ctx := context.Background()
	mp := noopmetric.MeterProvider{}

	g, err := Load(ctx, "policies", mp.Meter("test"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	d := model.Deployment{
		Architecture: model.ArchLinuxAMD64,
		EnvironmentDefinition: model.EnvironmentDefinition{
			EnvironmentDefinitionType: model.EnvDefContainerImage,
			Image:                     "registry.example.com/probe:v1.2.3",
		},
	}

	allowed, _, err := g.Evaluate(ctx, d)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !allowed {
		t.Fatalf("expected pinned tag to be allowed")
	}
}

func TestGateDeniesArm64ShellWithoutCapability(t *testing.T) {
	ctx := context.Background()
	mp := noopmetric.MeterProvider{}

	g, err := Load(ctx, "policies", mp.Meter("test"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	d := model.Deployment{
		Node:         model.Node{Name: "arm-node"},
		Architecture: model.ArchLinuxARM64,
		EnvironmentDefinition: model.EnvironmentDefinition{
			EnvironmentDefinitionType: model.EnvDefShellCommands,
			Commands:                  []string{"echo hi"},
		},
	}

	allowed, _, err := g.Evaluate(ctx, d)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if allowed {
		t.Fatalf("expected arm64 shell deployment without capability flag to be denied")
	}
}
