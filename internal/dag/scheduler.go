package dag

import "sort"

// ReadySteps returns the PENDING steps whose predecessors all finished
// successfully, ordered by (depth, name). It does not mutate g or state.
func ReadySteps(g *Graph, state ExecutionState) []string {
	if g == nil {
		return nil
	}

	var ready []string
	for _, node := range g.nodes {
		if state[node.Name] != StepPending {
			continue
		}
		if g.predecessorsSucceeded(node.canonicalIndex, state) {
			ready = append(ready, node.Name)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		di, _ := g.Depth(ready[i])
		dj, _ := g.Depth(ready[j])
		if di != dj {
			return di < dj
		}
		return ready[i] < ready[j]
	})
	return ready
}

func (g *Graph) predecessorsSucceeded(idx int, state ExecutionState) bool {
	for _, p := range g.incoming[idx] {
		if !IsSuccessful(state[g.nodes[p].Name]) {
			return false
		}
	}
	return true
}
