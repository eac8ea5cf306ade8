package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is final.
func IsTerminal(s StepState) bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCached:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies dependents.
func IsSuccessful(s StepState) bool {
	return s == StepCompleted || s == StepCached
}

// Transition moves name from one state to another, failing if the current
// state is not from or the move is not allowed. state is only mutated on
// success.
func Transition(state ExecutionState, name string, from, to StepState) error {
	cur, ok := state[name]
	if !ok {
		return fmt.Errorf("unknown step in state: %q", name)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", name, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	state[name] = to
	return nil
}

func isAllowedTransition(from, to StepState) bool {
	switch from {
	case StepPending:
		return to == StepRunning || to == StepCached || to == StepSkipped
	case StepRunning:
		// CACHED from RUNNING: a dispatched step probed as up to date.
		return to == StepCompleted || to == StepFailed || to == StepCached
	default:
		return false
	}
}

// FailAndPropagate marks name FAILED and every PENDING step reachable from it
// SKIPPED. It returns the newly skipped steps in canonical order.
//
// A RUNNING step downstream of a failure means a dependent was started early;
// that is reported as an error.
func FailAndPropagate(g *Graph, state ExecutionState, name string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown step: %q", name)
	}
	switch state[name] {
	case StepRunning:
		state[name] = StepFailed
	case StepFailed:
	default:
		return nil, fmt.Errorf("cannot fail %q from state %s", name, state[name])
	}

	visited := make([]bool, len(g.nodes))
	visited[node.canonicalIndex] = true
	hq := &intMinHeap{}
	for _, d := range g.outgoing[node.canonicalIndex] {
		heap.Push(hq, d)
	}

	var skipped []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		dep := g.nodes[u].Name
		switch state[dep] {
		case StepPending:
			state[dep] = StepSkipped
			skipped = append(skipped, dep)
		case StepRunning:
			return skipped, fmt.Errorf("downstream step %q is RUNNING during failure propagation", dep)
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}
	return skipped, nil
}
