package dag

import "fmt"

// GraphHash is the deterministic identity of a Graph. It does not depend on
// the order steps or edges were supplied in.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// StepDefHash is the identity of one step definition.
type StepDefHash string

func (h StepDefHash) String() string { return string(h) }

// StepKind says what a step does.
type StepKind string

const (
	StepPublish StepKind = "publish"
	StepMerge   StepKind = "merge"
)

// MergeStepName is the name of the single merge step of a pass.
const MergeStepName = "merge"

// Step is one unit of work in a publish pass.
type Step struct {
	Name string
	Kind StepKind

	// Publication is the publication a publish step writes. Empty for merge.
	Publication string
}

// PublishStepName is the graph name of the publish step for publication.
func PublishStepName(publication string) string {
	return string(StepPublish) + ":" + publication
}

func (s Step) validate() error {
	switch s.Kind {
	case StepPublish:
		if s.Publication == "" {
			return fmt.Errorf("publish step %q has no publication", s.Name)
		}
	case StepMerge:
		if s.Publication != "" {
			return fmt.Errorf("merge step %q must not name a publication", s.Name)
		}
	default:
		return fmt.Errorf("step %q has unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// Edge is a dependency: To runs only after From finished successfully.
type Edge struct {
	From string
	To   string
}

// Node is an immutable node of a Graph.
type Node struct {
	Name           string
	Step           Step
	DefinitionHash StepDefHash
	canonicalIndex int
}

// CanonicalIndex returns the node's position in the graph's canonical order.
func (n *Node) CanonicalIndex() int { return n.canonicalIndex }
