package rulegraph

import (
	"fmt"
	"sort"
)

// Graph is one region's decision graph. It is never mutated after
// construction; the Registry hands out clones.
type Graph struct {
	Region  string
	Kind    Kind
	Version string
	Start   string

	nodes map[string]Node
	order []string
	edges map[string][]Edge
}

func newGraph(region string, kind Kind, version, start string) *Graph {
	return &Graph{
		Region:  region,
		Kind:    kind,
		Version: version,
		Start:   start,
		nodes:   make(map[string]Node),
		edges:   make(map[string][]Edge),
	}
}

func (g *Graph) addNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: %s/%s: node without id", ErrInvalidGraph, g.Region, g.Kind)
	}
	if _, dup := g.nodes[n.ID]; dup {
		return fmt.Errorf("%w: %s/%s: duplicate node %q", ErrInvalidGraph, g.Region, g.Kind, n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

func (g *Graph) addEdge(e Edge) {
	g.edges[e.From] = append(g.edges[e.From], e)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns node ids in declaration order.
func (g *Graph) NodeIDs() []string {
	return append([]string(nil), g.order...)
}

// Edges returns the outgoing edges of a node in declaration order.
func (g *Graph) Edges(id string) []Edge {
	src := g.edges[id]
	out := make([]Edge, len(src))
	for i, e := range src {
		out[i] = e.clone()
	}
	return out
}

// Edge finds the outgoing edge of from whose label equals label.
func (g *Graph) Edge(from, label string) (Edge, bool) {
	for _, e := range g.edges[from] {
		if e.Label == label {
			return e.clone(), true
		}
	}
	return Edge{}, false
}

// IsTerminal reports whether id has no outgoing edges.
func (g *Graph) IsTerminal(id string) bool {
	return len(g.edges[id]) == 0
}

// Tags returns every distinct tag value declared anywhere in the graph,
// keyed by value.
func (g *Graph) Tags() map[string]TagKind {
	out := make(map[string]TagKind)
	for _, id := range g.order {
		for _, e := range g.edges[id] {
			for _, t := range e.Tags {
				if t.Kind == TagWeightAdjustment {
					continue
				}
				out[t.Value] = t.Kind
			}
		}
	}
	return out
}

// WeightTargets returns the diagnoses referenced by weight adjustment tags.
func (g *Graph) WeightTargets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range g.order {
		for _, e := range g.edges[id] {
			for _, t := range e.Tags {
				if t.Kind == TagWeightAdjustment && !seen[t.Diagnosis] {
					seen[t.Diagnosis] = true
					out = append(out, t.Diagnosis)
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	c := newGraph(g.Region, g.Kind, g.Version, g.Start)
	c.order = append([]string(nil), g.order...)
	for id, n := range g.nodes {
		c.nodes[id] = n
	}
	for id, es := range g.edges {
		cp := make([]Edge, len(es))
		for i, e := range es {
			cp[i] = e.clone()
		}
		c.edges[id] = cp
	}
	return c
}

var testOutcomes = []string{"Positive", "Negative", "Inconclusive"}

// Validate checks the structural invariants of the graph.
func (g *Graph) Validate() error {
	where := fmt.Sprintf("%s/%s", g.Region, g.Kind)
	if g.Region == "" {
		return fmt.Errorf("%w: graph without region", ErrInvalidGraph)
	}
	if g.Kind != KindIntake && g.Kind != KindTest {
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidGraph, where, g.Kind)
	}
	if _, ok := g.nodes[g.Start]; !ok {
		return fmt.Errorf("%w: %s: start node %q not defined", ErrInvalidGraph, where, g.Start)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		labels := make(map[string]bool)
		for _, e := range g.edges[id] {
			if e.Label == "" {
				return fmt.Errorf("%w: %s: node %q has an unlabelled edge", ErrInvalidGraph, where, id)
			}
			if labels[e.Label] {
				return fmt.Errorf("%w: %s: node %q has duplicate label %q", ErrInvalidGraph, where, id, e.Label)
			}
			labels[e.Label] = true
			if e.To != "" {
				if _, ok := g.nodes[e.To]; !ok {
					return fmt.Errorf("%w: %s: edge %q -> %q targets an undefined node", ErrInvalidGraph, where, id, e.To)
				}
			}
			for _, t := range e.Tags {
				if t.Kind == TagWeightAdjustment {
					if t.Diagnosis == "" {
						return fmt.Errorf("%w: %s: weight tag on %q/%q has no diagnosis", ErrInvalidGraph, where, id, e.Label)
					}
					continue
				}
				if t.Value == "" {
					return fmt.Errorf("%w: %s: empty %s tag on %q/%q", ErrInvalidGraph, where, t.Kind, id, e.Label)
				}
			}
		}

		switch g.Kind {
		case KindIntake:
			if n.Type != NodeQuestion {
				return fmt.Errorf("%w: %s: node %q must be a question", ErrInvalidGraph, where, id)
			}
			if len(g.edges[id]) == 0 {
				return fmt.Errorf("%w: %s: question %q has no options", ErrInvalidGraph, where, id)
			}
		case KindTest:
			if err := g.validateTestNode(n, labels); err != nil {
				return fmt.Errorf("%w: %s: %s", ErrInvalidGraph, where, err)
			}
		}
	}

	return g.checkAcyclic()
}

func (g *Graph) validateTestNode(n Node, labels map[string]bool) error {
	switch n.Type {
	case NodeTest:
		if n.Name == "" {
			return fmt.Errorf("test %q has no name", n.ID)
		}
		if len(labels) != len(testOutcomes) {
			return fmt.Errorf("test %q must define exactly %v", n.ID, testOutcomes)
		}
		for _, o := range testOutcomes {
			if !labels[o] {
				return fmt.Errorf("test %q is missing outcome %q", n.ID, o)
			}
		}
		for _, e := range g.edges[n.ID] {
			if e.To == "" {
				return fmt.Errorf("test %q outcome %q must lead to a node", n.ID, e.Label)
			}
		}
	case NodeConclusion:
		if len(labels) != 0 {
			return fmt.Errorf("conclusion %q must not have outcomes", n.ID)
		}
		if n.Diagnosis == "" {
			return fmt.Errorf("conclusion %q has no diagnosis", n.ID)
		}
	default:
		return fmt.Errorf("node %q has type %q, want test or conclusion", n.ID, n.Type)
	}
	return nil
}

// checkAcyclic runs a colouring DFS from every node.
func (g *Graph) checkAcyclic() error {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(g.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		colour[id] = grey
		for _, e := range g.edges[id] {
			if e.To == "" {
				continue
			}
			switch colour[e.To] {
			case grey:
				return fmt.Errorf("%w: %s/%s: cycle through %q -> %q", ErrInvalidGraph, g.Region, g.Kind, id, e.To)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		colour[id] = black
		return nil
	}
	for _, id := range g.order {
		if colour[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
