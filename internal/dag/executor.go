package dag

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	dplog "devpublish/internal/log"
	"devpublish/internal/trace"
)

// Runner performs single steps for the Executor.
type Runner interface {
	// Probe reports whether step is already up to date. When cached is true
	// the step is not run and result describes the existing state.
	Probe(ctx context.Context, step Step) (result *StepResult, cached bool, err error)

	// Run performs the step. A non-nil error marks the step FAILED.
	Run(ctx context.Context, step Step) (*StepResult, error)
}

// Executor runs a Graph. One Executor performs one execution.
type Executor struct {
	Graph  *Graph
	Runner Runner

	// Sink receives StepFailed and StepSkipped events. May be nil.
	Sink   trace.Sink
	Logger *slog.Logger

	mu    sync.Mutex
	state ExecutionState
}

// NewExecutor creates an executor with every node PENDING.
func NewExecutor(g *Graph, runner Runner) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = StepPending
	}
	return &Executor{Graph: g, Runner: runner, state: state}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.state)
}

func (e *Executor) logger() *slog.Logger {
	return dplog.OrNop(e.Logger)
}

// outcome is the result of probing and, if needed, running one step.
type outcome struct {
	name     string
	result   *StepResult
	cached   bool
	err      error
	duration time.Duration
}

// perform probes step and runs it unless it is up to date. It never touches
// executor state.
func (e *Executor) perform(ctx context.Context, name string, step Step) outcome {
	start := time.Now()
	o := outcome{name: name}

	res, cached, err := e.Runner.Probe(ctx, step)
	switch {
	case err != nil:
		o.err = fmt.Errorf("probing: %w", err)
	case cached:
		o.cached = true
		o.result = res
	default:
		o.result, o.err = e.Runner.Run(ctx, step)
	}
	if o.err == nil && o.result == nil {
		o.result = &StepResult{}
	}
	o.duration = time.Since(start)
	return o
}

// commit applies an outcome to the state. The caller holds e.mu.
func (e *Executor) commit(o outcome, res *GraphResult) error {
	lg := e.logger().With("step", o.name)

	if o.err != nil {
		res.Errors[o.name] = o.err
		skipped, err := FailAndPropagate(e.Graph, e.state, o.name)
		if err != nil {
			return err
		}
		lg.Error("step failed", "error", o.err, "duration", o.duration)

		reason := trace.ReasonWriteFailed
		if e.Graph.nodesByName[o.name].Step.Kind == StepMerge {
			reason = trace.ReasonMergeFailed
		}
		trace.SafeRecord(e.Sink, trace.Event{Kind: trace.EventStepFailed, Step: o.name, Reason: reason})
		for _, s := range skipped {
			lg.Warn("step skipped", "skipped", s)
			trace.SafeRecord(e.Sink, trace.Event{
				Kind:   trace.EventStepSkipped,
				Step:   s,
				Reason: trace.ReasonUpstreamFailed,
				Cause:  o.name,
			})
		}
		return nil
	}

	res.Results[o.name] = o.result
	if o.cached {
		lg.Info("step up to date", "duration", o.duration)
		return Transition(e.state, o.name, StepRunning, StepCached)
	}
	lg.Info("step completed", "changed", o.result.Changed, "files", len(o.result.Files), "duration", o.duration)
	return Transition(e.state, o.name, StepRunning, StepCompleted)
}

func (e *Executor) allTerminal() bool {
	for _, st := range e.state {
		if !IsTerminal(st) {
			return false
		}
	}
	return true
}

// RunSerial runs one step at a time, always the first step ReadySteps
// returns.
func (e *Executor) RunSerial(ctx context.Context) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res := newGraphResult(e.Graph)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execution cancelled: %w", err)
		}

		e.mu.Lock()
		ready := ReadySteps(e.Graph, e.state)
		if len(ready) == 0 {
			done := e.allTerminal()
			e.mu.Unlock()
			if !done {
				return nil, fmt.Errorf("no ready steps but graph not finished")
			}
			res.FinalState = e.StateSnapshot()
			return res, nil
		}

		next := ready[0]
		if err := Transition(e.state, next, StepPending, StepRunning); err != nil {
			e.mu.Unlock()
			return nil, err
		}
		res.ExecutionOrder = append(res.ExecutionOrder, next)
		step := e.Graph.nodesByName[next].Step
		e.mu.Unlock()

		o := e.perform(ctx, next, step)

		e.mu.Lock()
		err := e.commit(o, res)
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
}

type workItem struct {
	name string
	step Step
}

// RunParallel runs up to concurrency steps at once.
//
// Dispatch is staged by topological depth and, within a depth, by name, so
// ExecutionOrder is the same on every run. All state changes happen on the
// calling goroutine; workers only perform steps.
func (e *Executor) RunParallel(ctx context.Context, concurrency int) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}

	maxDepth := 0
	for _, d := range e.Graph.depth {
		maxDepth = max(maxDepth, d)
	}
	byDepth := make([][]string, maxDepth+1)
	for _, n := range e.Graph.nodes {
		d := e.Graph.depth[n.canonicalIndex]
		byDepth[d] = append(byDepth[d], n.Name)
	}
	for d := range byDepth {
		sort.Strings(byDepth[d])
	}

	workCh := make(chan workItem, concurrency)
	doneCh := make(chan outcome, concurrency)

	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			wg.Wait()
		})
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				doneCh <- e.perform(ctx, w.name, w.step)
			}
		}()
	}
	defer stopWorkers()

	res := newGraphResult(e.Graph)
	inFlight := 0

	for depth := 0; depth <= maxDepth; depth++ {
		names := byDepth[depth]
		next := 0

		for {
			e.mu.Lock()
			for inFlight < concurrency && next < len(names) {
				name := names[next]
				node := e.Graph.nodesByName[name]
				next++

				st := e.state[name]
				if IsTerminal(st) {
					// skipped by an upstream failure
					continue
				}
				if st != StepPending {
					e.mu.Unlock()
					return nil, fmt.Errorf("unexpected non-pending state for %q: %s", name, st)
				}
				if !e.Graph.predecessorsSucceeded(node.canonicalIndex, e.state) {
					e.mu.Unlock()
					return nil, fmt.Errorf("step %q at depth %d is pending but its predecessors did not succeed", name, depth)
				}
				if err := Transition(e.state, name, StepPending, StepRunning); err != nil {
					e.mu.Unlock()
					return nil, err
				}
				res.ExecutionOrder = append(res.ExecutionOrder, name)
				inFlight++
				workCh <- workItem{name: name, step: node.Step}
			}
			stageDone := next >= len(names) && inFlight == 0
			e.mu.Unlock()
			if stageDone {
				break
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
			case o := <-doneCh:
				e.mu.Lock()
				if cur := e.state[o.name]; cur != StepRunning {
					e.mu.Unlock()
					return nil, fmt.Errorf("completion for %q but state is %s", o.name, cur)
				}
				err := e.commit(o, res)
				inFlight--
				e.mu.Unlock()
				if err != nil {
					return nil, err
				}
			}
		}
	}

	stopWorkers()
	res.FinalState = e.StateSnapshot()
	return res, nil
}
