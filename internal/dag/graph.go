package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

type edgeIndex struct {
	from int
	to   int
}

// Graph is an immutable, validated publish graph. It is safe for concurrent
// read access.
type Graph struct {
	nodesByName map[string]*Node
	nodes       []*Node // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int
	depth    []int // longest path from any root

	hash GraphHash
}

// NewGraph builds and validates a Graph.
//
// It rejects:
//   - an empty step list
//   - empty or duplicate step names and malformed steps
//   - edges naming unknown steps, duplicate edges and self-loops
//   - any cycle
func NewGraph(steps []Step, edges []Edge) (*Graph, error) {
	if len(steps) == 0 {
		return nil, invalidf("no steps")
	}

	nodesByName := make(map[string]*Node, len(steps))
	nodes := make([]*Node, 0, len(steps))
	for _, s := range steps {
		if s.Name == "" {
			return nil, invalidf("step name is required")
		}
		if _, exists := nodesByName[s.Name]; exists {
			return nil, invalidf("duplicate step name: %q", s.Name)
		}
		if err := s.validate(); err != nil {
			return nil, invalidf("%v", err)
		}
		node := &Node{Name: s.Name, Step: s, DefinitionHash: stepDefHash(s)}
		nodesByName[s.Name] = node
		nodes = append(nodes, node)
	}

	// Canonical order: definition hash, then name as tie-breaker.
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].DefinitionHash != nodes[j].DefinitionHash {
			return nodes[i].DefinitionHash < nodes[j].DefinitionHash
		}
		return nodes[i].Name < nodes[j].Name
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		from, okFrom := nodesByName[e.From]
		to, okTo := nodesByName[e.To]
		if !okFrom {
			return nil, invalidf("edge references unknown step (from): %q", e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown step (to): %q", e.To)
		}
		if from == to {
			return nil, invalidf("self-loop: %q -> %q", e.From, e.To)
		}
		pair := edgeIndex{from: from.canonicalIndex, to: to.canonicalIndex}
		if _, dup := seen[pair]; dup {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}
	sort.Slice(mapped, func(i, j int) bool {
		if mapped[i].from != mapped[j].from {
			return mapped[i].from < mapped[j].from
		}
		return mapped[i].to < mapped[j].to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}
	for i := range nodes {
		sort.Ints(outgoing[i])
		sort.Ints(incoming[i])
	}

	g := &Graph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity of the graph.
func (g *Graph) Hash() GraphHash { return g.hash }

// Node returns a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the dependency edges in canonical order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Depth returns the topological depth of the named node.
func (g *Graph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

// TopologicalOrder returns a deterministic topological order of step names.
func (g *Graph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

func (g *Graph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		for _, p := range g.incoming[u] {
			depth[u] = max(depth[u], depth[p]+1)
		}
	}
	return depth
}

// writeField writes a length-prefixed field so adjacent fields can never
// run together.
func writeField(h hash.Hash, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.Write(n[:])
	h.Write(data)
}

func stepDefHash(s Step) StepDefHash {
	h := sha256.New()
	writeField(h, []byte(s.Kind))
	writeField(h, []byte(s.Name))
	writeField(h, []byte(s.Publication))
	return StepDefHash(hex.EncodeToString(h.Sum(nil)))
}

func (g *Graph) computeGraphHash() GraphHash {
	h := sha256.New()
	var n [8]byte

	binary.BigEndian.PutUint64(n[:], uint64(len(g.nodes)))
	writeField(h, n[:])
	for _, node := range g.nodes {
		writeField(h, []byte(node.DefinitionHash))
	}

	binary.BigEndian.PutUint64(n[:], uint64(len(g.edges)))
	writeField(h, n[:])
	for _, e := range g.edges {
		binary.BigEndian.PutUint64(n[:], uint64(e.from))
		writeField(h, n[:])
		binary.BigEndian.PutUint64(n[:], uint64(e.to))
		writeField(h, n[:])
	}
	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}
