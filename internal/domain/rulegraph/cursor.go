package rulegraph

import "fmt"

// Cursor walks a graph from its start node one label at a time. It refuses
// to enter a node twice, so a malformed cycle surfaces as ErrCycle rather
// than an endless walk.
type Cursor struct {
	g       *Graph
	current string
	done    bool
	steps   int
	visited map[string]bool
}

// NewCursor positions a cursor on the graph's start node.
func NewCursor(g *Graph) *Cursor {
	return &Cursor{
		g:       g,
		current: g.Start,
		visited: map[string]bool{g.Start: true},
	}
}

// Current is the node id the cursor sits on, or "" after a terminal edge.
func (c *Cursor) Current() string { return c.current }

// Done reports whether a terminal edge has been followed.
func (c *Cursor) Done() bool { return c.done }

// Steps is the number of edges followed so far.
func (c *Cursor) Steps() int { return c.steps }

// Advance follows the edge labelled label out of the current node.
func (c *Cursor) Advance(label string) (Edge, error) {
	if c.done {
		return Edge{}, fmt.Errorf("%w: step %d: traversal already ended", ErrNoSuchEdge, c.steps+1)
	}
	e, ok := c.g.Edge(c.current, label)
	if !ok {
		return Edge{}, fmt.Errorf("%w: step %d: node %q has no edge %q", ErrNoSuchEdge, c.steps+1, c.current, label)
	}
	c.steps++
	if e.Terminal() {
		c.done = true
		c.current = ""
		return e, nil
	}
	if c.visited[e.To] {
		return Edge{}, fmt.Errorf("%w: node %q revisited at step %d", ErrCycle, e.To, c.steps)
	}
	c.visited[e.To] = true
	c.current = e.To
	return e, nil
}

// Walk follows labels from the start node and returns the final node id
// ("" when the last edge was terminal) along with the edges taken.
func (g *Graph) Walk(labels []string) (string, []Edge, error) {
	c := NewCursor(g)
	path := make([]Edge, 0, len(labels))
	for _, l := range labels {
		e, err := c.Advance(l)
		if err != nil {
			return "", path, err
		}
		path = append(path, e)
	}
	return c.Current(), path, nil
}
