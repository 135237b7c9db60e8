// Package policygate is the optional Rego admission check spec.md §4.7
// hangs prepare_experiment on: each deployment's EnvironmentDefinition is
// evaluated against a loaded policy bundle before any compilation job or
// executor record is created. A nil *Gate allows everything, preserving
// the base prepare_experiment contract for callers that configure none.
package policygate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/netexp/orchestrator/internal/model"
)

// decisionQuery is the single decision path every policy package must
// expose: data.netexp.policygate.allow (bool) and .deny (array of reason
// strings, populated only when allow is false).
const decisionQuery = "data.netexp.policygate"

// Gate compiles a directory of .rego files into one prepared query and
// evaluates it against each deployment in a prepare_experiment request.
// The zero value is not usable; build one with Load.
type Gate struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery

	tracer         trace.Tracer
	compileLatency metric.Float64Histogram
	evalLatency    metric.Float64Histogram
	denials        metric.Int64Counter
}

// Load compiles every *.rego file in dir into a Gate. An empty dir, or a
// dir with no policies, is an error — callers that want "allow
// everything" should simply keep the *Gate nil rather than Load one.
func Load(ctx context.Context, dir string, meter metric.Meter) (*Gate, error) {
	compileLatency, _ := meter.Float64Histogram("orch_policygate_compile_latency_ms")
	evalLatency, _ := meter.Float64Histogram("orch_policygate_eval_latency_ms")
	denials, _ := meter.Int64Counter("orch_policygate_denials_total")

	g := &Gate{
		tracer:         otel.Tracer("netexp-orchestrator"),
		compileLatency: compileLatency,
		evalLatency:    evalLatency,
		denials:        denials,
	}
	if err := g.reload(ctx, dir); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gate) reload(ctx context.Context, dir string) error {
	ctx, span := g.tracer.Start(ctx, "policygate.load")
	defer span.End()
	start := time.Now()

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return fmt.Errorf("glob policies: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no policy files found in %s", dir)
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return fmt.Errorf("parse policy %s: %w", file, err)
		}
		modules[file] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		return fmt.Errorf("compile policies: %v", compiler.Errors)
	}

	prepared, err := rego.New(
		rego.Query(decisionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare query: %w", err)
	}

	g.mu.Lock()
	g.prepared = &prepared
	g.mu.Unlock()

	g.compileLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("policy_count", len(files))))
	return nil
}

// decision is the shape a netexp.policygate package must return.
type decision struct {
	Allow bool     `json:"allow"`
	Deny  []string `json:"deny"`
}

// Evaluate inspects one deployment's EnvironmentDefinition (plus its node
// and target architecture, for rules like "no shell deployments to
// linux-arm64 without a capability flag"). A nil Gate always allows.
func (g *Gate) Evaluate(ctx context.Context, d model.Deployment) (allowed bool, reason string, err error) {
	if g == nil {
		return true, "", nil
	}

	ctx, span := g.tracer.Start(ctx, "policygate.evaluate")
	defer span.End()
	start := time.Now()

	g.mu.RLock()
	prepared := g.prepared
	g.mu.RUnlock()
	if prepared == nil {
		return false, "", fmt.Errorf("policygate: no policy loaded")
	}

	input := map[string]interface{}{
		"node":                   d.Node,
		"architecture":           d.Architecture,
		"environment_definition": d.EnvironmentDefinition,
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	g.evalLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return false, "", fmt.Errorf("policygate: eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "", fmt.Errorf("policygate: no decision produced")
	}

	raw, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return false, "", fmt.Errorf("policygate: decision was not an object")
	}
	dec := parseDecision(raw)

	span.SetAttributes(attribute.Bool("allowed", dec.Allow))
	if dec.Allow {
		return true, "", nil
	}
	g.denials.Add(ctx, 1)
	if len(dec.Deny) > 0 {
		return false, dec.Deny[0], nil
	}
	return false, "denied by policy", nil
}

func parseDecision(raw map[string]interface{}) decision {
	var dec decision
	if allow, ok := raw["allow"].(bool); ok {
		dec.Allow = allow
	}
	if deny, ok := raw["deny"].([]interface{}); ok {
		for _, v := range deny {
			if s, ok := v.(string); ok {
				dec.Deny = append(dec.Deny, s)
			}
		}
	}
	return dec
}
