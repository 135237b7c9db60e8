// Package interpreter implements the on-node graph interpreter: the
// component that takes a validated execution graph and actually runs it,
// scheduling tasks in topological waves, honoring strong/weak edges,
// traverse_on firing policy, and bounded edge counters.
package interpreter

import (
	"context"
	"sync"

	"github.com/netexp/orchestrator/internal/model"
)

// TaskFunc runs a single task's logic and produces its Result. Production
// code resolves this by deserializing Task.Payload into a concrete
// implementation before invoking it; the engine itself never looks inside
// the payload.
type TaskFunc func(ctx context.Context, task model.Task) model.Result

// Outcome is the final, terminal result of one graph interpretation.
type Outcome struct {
	Overall model.Result
	Steps   map[string][]model.Result
}

// Engine runs one ExecutionGraph to completion.
type Engine struct {
	Graph      *model.ExecutionGraph
	Resolve    func(task model.Task) TaskFunc
	MaxWorkers int
}

// NewEngine constructs an Engine with a sane default worker pool size.
func NewEngine(g *model.ExecutionGraph, resolve func(model.Task) TaskFunc) *Engine {
	return &Engine{Graph: g, Resolve: resolve, MaxWorkers: 8}
}

type edgeRuntime struct {
	edge      model.Edge
	remaining *int
}

type job struct {
	node      string
	prevSteps []model.Result
}

type activation struct {
	node   string
	result *model.Result // nil for sync-point nodes
}

// Run executes the graph to completion and returns the aggregated step
// results plus the overall outcome: Success(map) if every produced Result is
// Success, Failure(map) otherwise.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	g := e.Graph
	outgoing := make(map[string][]*edgeRuntime, len(g.Nodes))
	incomingStrong := make(map[string][]*edgeRuntime, len(g.Nodes))
	for name := range g.Nodes {
		outgoing[name] = nil
		incomingStrong[name] = nil
	}
	for i := range g.Edges {
		edge := g.Edges[i]
		var remaining *int
		if edge.Counter != nil {
			v := *edge.Counter
			remaining = &v
		}
		rt := &edgeRuntime{edge: edge, remaining: remaining}
		outgoing[edge.From] = append(outgoing[edge.From], rt)
		if edge.EffectiveType() == model.EdgeStrong {
			incomingStrong[edge.To] = append(incomingStrong[edge.To], rt)
		}
	}

	started := make(map[string]bool, len(g.Nodes))
	strongFired := make(map[string]map[*edgeRuntime]bool, len(g.Nodes))
	steps := make(map[string][]model.Result)

	predecessors := make(map[string][]string, len(g.Nodes))
	for _, edge := range g.Edges {
		predecessors[edge.To] = append(predecessors[edge.To], edge.From)
	}

	jobsChan := make(chan job, 4096)
	resultsChan := make(chan activation, 4096)

	var wg sync.WaitGroup
	for i := 0; i < e.workers(); i++ {
		wg.Add(1)
		go e.worker(ctx, jobsChan, resultsChan, &wg)
	}

	pending := 0
	enqueue := func(name string) {
		pending++
		var prev []model.Result
		for _, p := range predecessors[name] {
			if rs := steps[p]; len(rs) > 0 {
				prev = append(prev, rs[len(rs)-1])
			}
		}
		jobsChan <- job{node: name, prevSteps: prev}
	}

	for name := range g.Nodes {
		if len(incomingStrong[name]) == 0 {
			started[name] = true
			enqueue(name)
		}
	}

	earlyStopping := g.EarlyStopping

	for pending > 0 {
		act := <-resultsChan
		pending--

		var srcResult *model.Result
		if act.result != nil {
			steps[act.node] = append(steps[act.node], *act.result)
			srcResult = act.result
		}

		for _, rt := range outgoing[act.node] {
			if rt.remaining != nil && *rt.remaining <= 0 {
				continue
			}
			if !edgeShouldFire(rt.edge, earlyStopping, srcResult) {
				continue
			}
			if rt.remaining != nil {
				*rt.remaining--
			}

			target := rt.edge.To
			if started[target] {
				enqueue(target)
				continue
			}
			if rt.edge.EffectiveType() == model.EdgeStrong {
				if strongFired[target] == nil {
					strongFired[target] = map[*edgeRuntime]bool{}
				}
				strongFired[target][rt] = true
				if len(strongFired[target]) == len(incomingStrong[target]) {
					started[target] = true
					enqueue(target)
				}
			}
			// weak edge arriving before the target has ever started is
			// dropped: a valid graph always reaches every node via a
			// strong path first (root-reachability after removing weak
			// edges is enforced at validation time).
		}
	}

	close(jobsChan)
	wg.Wait()
	close(resultsChan)

	anyFailure := false
	for _, results := range steps {
		for _, r := range results {
			if r.IsFailure() {
				anyFailure = true
			}
		}
	}
	overall := model.Success(steps)
	if anyFailure {
		overall = model.Result{ResultVariant: model.ResultFailure, Value: steps}
	}
	return Outcome{Overall: overall, Steps: steps}, nil
}

func (e *Engine) workers() int {
	if e.MaxWorkers <= 0 {
		return 8
	}
	return e.MaxWorkers
}

func (e *Engine) worker(ctx context.Context, jobs <-chan job, results chan<- activation, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			results <- e.runOne(ctx, j)
		}
	}
}

func (e *Engine) runOne(ctx context.Context, j job) activation {
	name := j.node
	n := e.Graph.Nodes[name]
	if n.Kind != model.NodeKindTask || n.Task == nil {
		return activation{node: name}
	}
	task := *n.Task
	task.PreviousSteps = deepCopyResults(j.prevSteps)
	fn := e.Resolve(task)
	if fn == nil {
		r := model.Failure(nil)
		return activation{node: name, result: &r}
	}
	r := runCapturingPanic(ctx, fn, task)
	return activation{node: name, result: &r}
}

// deepCopyResults gives each task its own previous_steps slice, so replacing
// an element never affects another task's view. The copy is shallow: each
// Result's Value and Err are shared with the stored predecessor result, not
// cloned.
func deepCopyResults(in []model.Result) []model.Result {
	if in == nil {
		return nil
	}
	out := make([]model.Result, len(in))
	copy(out, in)
	return out
}

func runCapturingPanic(ctx context.Context, fn TaskFunc, t model.Task) (result model.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = model.Failure(model.ErrorRecord{Message: formatPanic(rec)})
		}
	}()
	return fn(ctx, t)
}

func formatPanic(rec interface{}) string {
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	return "panic: task execution failed"
}

func edgeShouldFire(e model.Edge, earlyStopping bool, src *model.Result) bool {
	if e.TraverseOn != nil {
		if src == nil {
			return true
		}
		switch *e.TraverseOn {
		case model.TraverseOnSuccess:
			return src.IsSuccess()
		case model.TraverseOnFailure:
			return src.IsFailure()
		case model.TraverseOnAny:
			return true
		}
	}
	if src == nil {
		// edge sourced at a sync point: always propagate
		return true
	}
	if earlyStopping {
		return src.IsSuccess()
	}
	return true
}
