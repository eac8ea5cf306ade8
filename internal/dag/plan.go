package dag

import "sort"

// PlanPublishGraph lays out one pass: a publish step per publication and a
// merge step that depends on every one of them. Publications are sorted and
// de-duplicated so the plan does not depend on argument order.
func PlanPublishGraph(publications []string) ([]Step, []Edge) {
	names := make([]string, 0, len(publications))
	seen := make(map[string]struct{}, len(publications))
	for _, p := range publications {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		names = append(names, p)
	}
	sort.Strings(names)

	steps := make([]Step, 0, len(names)+1)
	edges := make([]Edge, 0, len(names))
	for _, p := range names {
		name := PublishStepName(p)
		steps = append(steps, Step{Name: name, Kind: StepPublish, Publication: p})
		edges = append(edges, Edge{From: name, To: MergeStepName})
	}
	steps = append(steps, Step{Name: MergeStepName, Kind: StepMerge})
	return steps, edges
}

// NewPublishGraph plans and builds the graph for publications.
func NewPublishGraph(publications []string) (*Graph, error) {
	steps, edges := PlanPublishGraph(publications)
	return NewGraph(steps, edges)
}
