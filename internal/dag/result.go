package dag

import (
	"errors"
	"fmt"
	"sort"
)

// StepResult is what a runner reports for one step.
type StepResult struct {
	// Files are the relative paths the step wrote or changed.
	Files []string

	// Changed is false when the step ran but had nothing to do.
	Changed bool

	// Detail is a human-readable summary, e.g. a fingerprint diff.
	Detail string
}

// GraphResult summarizes one execution.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of every node.
	FinalState ExecutionState

	// ExecutionOrder lists the steps that were started, in start order.
	ExecutionOrder []string

	// Results holds the result of every step that was probed up to date or
	// ran successfully.
	Results map[string]*StepResult

	// Errors holds the failure of every FAILED step.
	Errors map[string]error
}

// Failed returns the names of FAILED steps, sorted.
func (r *GraphResult) Failed() []string {
	var out []string
	for name, st := range r.FinalState {
		if st == StepFailed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Err joins the step failures in name order, or returns nil when every step
// succeeded or was skipped.
func (r *GraphResult) Err() error {
	var errs []error
	for _, name := range r.Failed() {
		err := r.Errors[name]
		if err == nil {
			err = errors.New("failed")
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

func newGraphResult(g *Graph) *GraphResult {
	return &GraphResult{
		GraphHash:      g.Hash(),
		ExecutionOrder: make([]string, 0, len(g.nodes)),
		Results:        make(map[string]*StepResult, len(g.nodes)),
		Errors:         make(map[string]error),
	}
}
