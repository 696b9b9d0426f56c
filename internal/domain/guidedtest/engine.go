// Package guidedtest drives the clinician through a region's confirmatory
// test graph. Nothing is cached between calls: every operation reloads the
// graph and replays the recorded test log to find its position.
package guidedtest

import (
	"fmt"
	"strings"
	"time"

	"github.com/samkiell/CDSS-sub001/internal/domain/rulegraph"
	"github.com/samkiell/CDSS-sub001/internal/domain/scoring"
)

const (
	confirmedFloor    = 90
	unconfirmedCeil   = 89
	revisedBase       = 50
	positiveTestBoost = 10
)

// GraphSource yields confirmatory test graphs; *rulegraph.Registry
// satisfies it.
type GraphSource interface {
	TestGraph(region string) (*rulegraph.Graph, error)
}

type Engine struct {
	graphs GraphSource
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the clock used to stamp recorded tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(graphs GraphSource, opts ...Option) *Engine {
	e := &Engine{graphs: graphs, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Initialize positions a new session on the region's first test.
func (e *Engine) Initialize(region string) (*rulegraph.Graph, State, error) {
	g, err := e.graphs.TestGraph(region)
	if err != nil {
		return nil, State{}, err
	}
	return g, State{
		Region:         region,
		GraphVersion:   g.Version,
		CurrentNodeID:  g.Start,
		CompletedTests: []CompletedTest{},
	}, nil
}

// Resume replays tests from the start node and returns the node reached.
// Any entry that does not line up with the graph is a desync; the position
// is never guessed.
func Resume(g *rulegraph.Graph, tests []CompletedTest) (string, error) {
	c := rulegraph.NewCursor(g)
	for i, t := range tests {
		if t.TestID != c.Current() {
			return "", fmt.Errorf("%w: entry %d records %q but replay is at %q", ErrGraphDesync, i+1, t.TestID, c.Current())
		}
		if _, err := c.Advance(string(t.Result)); err != nil {
			return "", fmt.Errorf("%w: entry %d: %v", ErrGraphDesync, i+1, err)
		}
	}
	return c.Current(), nil
}

// Position reloads the session's graph and replays its log.
func (e *Engine) Position(s State) (*rulegraph.Graph, string, error) {
	g, err := e.graphs.TestGraph(s.Region)
	if err != nil {
		return nil, "", err
	}
	pos, err := Resume(g, s.CompletedTests)
	if err != nil {
		return nil, "", err
	}
	return g, pos, nil
}

// CurrentTest returns the test to perform next, or nil once the replayed
// position is a conclusion.
func (e *Engine) CurrentTest(s State) (*TestDescriptor, error) {
	g, pos, err := e.Position(s)
	if err != nil {
		return nil, err
	}
	if g.IsTerminal(pos) {
		return nil, nil
	}
	n, _ := g.Node(pos)
	d := &TestDescriptor{
		ID:           n.ID,
		Name:         n.Name,
		Instructions: n.Instructions,
		Category:     n.Category,
		Step:         len(s.CompletedTests) + 1,
	}
	for _, edge := range g.Edges(pos) {
		d.Outcomes = append(d.Outcomes, edge.Label)
	}
	return d, nil
}

// RecordResult appends one outcome for testID and advances. testID must be
// the test at the replayed position; anything else is stale.
func (e *Engine) RecordResult(s State, testID string, result Result, notes, actor string) (State, error) {
	if s.IsLocked {
		return s, ErrSessionLocked
	}
	result, err := ParseResult(string(result))
	if err != nil {
		return s, err
	}
	g, pos, err := e.Position(s)
	if err != nil {
		return s, err
	}
	if g.IsTerminal(pos) {
		return s, fmt.Errorf("%w: %q submitted after testing reached %q", ErrStaleTest, testID, pos)
	}
	if testID != pos {
		return s, fmt.Errorf("%w: got %q, current test is %q", ErrStaleTest, testID, pos)
	}
	edge, ok := g.Edge(pos, string(result))
	if !ok {
		return s, fmt.Errorf("%w: %q has no %s outcome", ErrGraphDesync, pos, result)
	}

	next := s.clone()
	next.GraphVersion = g.Version
	next.CompletedTests = append(next.CompletedTests, CompletedTest{
		TestID:     testID,
		Result:     result,
		Notes:      notes,
		Timestamp:  e.now().UTC(),
		RecordedBy: actor,
	})
	next.CurrentNodeID = edge.To
	next.IsComplete = g.IsTerminal(edge.To)
	return next, nil
}

// Finalize combines the provisional candidate with the test outcomes. The
// result depends only on its inputs, so a retried completion produces the
// same record.
func (e *Engine) Finalize(c scoring.Candidate, s State) (RefinedDiagnosis, error) {
	if !s.IsComplete {
		return RefinedDiagnosis{}, ErrNotComplete
	}
	g, pos, err := e.Position(s)
	if err != nil {
		return RefinedDiagnosis{}, err
	}
	end, ok := g.Node(pos)
	if !ok || end.Type != rulegraph.NodeConclusion {
		return RefinedDiagnosis{}, fmt.Errorf("%w: log ends at %q, not a conclusion", ErrGraphDesync, pos)
	}

	var (
		findings  = make([]string, 0, len(s.CompletedTests))
		positives []string
		delta     int
	)
	from := g.Start
	for _, t := range s.CompletedTests {
		n, _ := g.Node(t.TestID)
		name := n.Name
		if name == "" {
			name = n.ID
		}
		findings = append(findings, fmt.Sprintf("%s: %s", name, t.Result))
		if t.Result == Positive {
			positives = append(positives, name)
		}
		edge, _ := g.Edge(from, string(t.Result))
		for _, tag := range edge.Tags {
			if tag.Kind == rulegraph.TagWeightAdjustment && tag.Diagnosis == end.Diagnosis {
				delta += tag.Delta
			}
		}
		from = edge.To
	}

	rd := RefinedDiagnosis{
		Diagnosis:        end.Diagnosis,
		Findings:         findings,
		ConclusionNodeID: end.ID,
	}
	var summary string
	switch {
	case end.Diagnosis != c.TemporalDiagnosis:
		rd.Status = StatusRevised
		rd.PreviousDiagnosis = c.TemporalDiagnosis
		base := revisedBase
		for _, d := range c.Differentials {
			if d.Diagnosis == end.Diagnosis {
				base = d.Score
				break
			}
		}
		rd.Confidence = clamp(base + delta + positiveTestBoost*len(positives))
		summary = fmt.Sprintf("Revised from %s after testing.", displayName(c.TemporalDiagnosis))
	case len(positives) > 0:
		rd.Status = StatusConfirmed
		rd.Confidence = max(confirmedFloor, clamp(c.ConfidenceScore+delta))
		summary = fmt.Sprintf("Confirmed by %s.", strings.Join(positives, ", "))
	default:
		rd.Status = StatusUnconfirmed
		rd.Confidence = min(unconfirmedCeil, clamp(c.ConfidenceScore+delta))
		summary = "No confirmatory test was positive."
	}
	rd.Narrative = strings.TrimSpace(end.Narrative + " " + summary)
	return rd, nil
}

// Lock stores the refined diagnosis and closes the session to mutation.
func (e *Engine) Lock(s State, rd RefinedDiagnosis) (State, error) {
	switch {
	case s.IsLocked:
		return s, ErrSessionLocked
	case !s.IsComplete:
		return s, ErrNotComplete
	}
	next := s.clone()
	rd.Findings = append([]string{}, rd.Findings...)
	next.RefinedDiagnosis = &rd
	next.IsLocked = true
	return next, nil
}

func displayName(diagnosis string) string {
	if diagnosis == "" {
		return scoring.Undetermined
	}
	return diagnosis
}

func clamp(v int) int {
	return max(0, min(100, v))
}
