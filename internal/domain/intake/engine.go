// Package intake walks a region's intake graph driven by patient answers.
// The engine is pure: every call takes a State value and returns a new one,
// leaving persistence to the caller.
package intake

import (
	"errors"
	"fmt"
	"sort"

	"github.com/samkiell/CDSS-sub001/internal/domain/rulegraph"
)

var (
	ErrInvalidAnswer  = errors.New("answer is not an option of the current question")
	ErrIntakeComplete = errors.New("intake is already complete")
	ErrInvalidState   = errors.New("intake state does not match the region graph")
)

// Phase is the coarse position of an intake session.
type Phase string

const (
	PhaseRegionSelect Phase = "region_select"
	PhaseQuestioning  Phase = "questioning"
	PhaseComplete     Phase = "complete"
)

// State is the full, serialisable intake session.
type State struct {
	Region        string            `json:"region"`
	CurrentNodeID string            `json:"current_node_id"`
	History       []string          `json:"history"`
	Responses     map[string]string `json:"responses"`
	RedFlags      []string          `json:"red_flags"`
	Complete      bool              `json:"complete"`
}

// Phase derives the virtual state of s.
func (s State) Phase() Phase {
	switch {
	case s.Region == "":
		return PhaseRegionSelect
	case s.Complete:
		return PhaseComplete
	default:
		return PhaseQuestioning
	}
}

// HasRedFlag reports whether flag was raised during the traversal.
func (s State) HasRedFlag(flag string) bool {
	i := sort.SearchStrings(s.RedFlags, flag)
	return i < len(s.RedFlags) && s.RedFlags[i] == flag
}

func (s State) clone() State {
	c := s
	c.History = append([]string{}, s.History...)
	c.Responses = make(map[string]string, len(s.Responses))
	for k, v := range s.Responses {
		c.Responses[k] = v
	}
	c.RedFlags = []string{}
	for _, f := range s.RedFlags {
		c.RedFlags = addFlag(c.RedFlags, f)
	}
	return c
}

// Question is what the patient is shown at the current node.
type Question struct {
	NodeID   string   `json:"node_id"`
	Prompt   string   `json:"prompt"`
	Category string   `json:"category,omitempty"`
	Options  []string `json:"options"`
}

// GraphSource yields intake graphs by region.
type GraphSource interface {
	IntakeGraph(region string) (*rulegraph.Graph, error)
}

// Engine is safe for concurrent use; it keeps no per-session state.
type Engine struct {
	graphs GraphSource
}

func NewEngine(graphs GraphSource) *Engine {
	return &Engine{graphs: graphs}
}

// Start opens a traversal at the region's first question.
func (e *Engine) Start(region string) (State, error) {
	g, err := e.graphs.IntakeGraph(region)
	if err != nil {
		return State{}, err
	}
	return State{
		Region:        region,
		CurrentNodeID: g.Start,
		History:       []string{},
		Responses:     map[string]string{},
		RedFlags:      []string{},
	}, nil
}

// Answer applies label to the current question.
func (e *Engine) Answer(s State, label string) (State, error) {
	if s.Complete {
		return s, ErrIntakeComplete
	}
	g, err := e.graphs.IntakeGraph(s.Region)
	if err != nil {
		return s, err
	}
	if _, ok := g.Node(s.CurrentNodeID); !ok {
		return s, fmt.Errorf("%w: node %q not in %s graph", ErrInvalidState, s.CurrentNodeID, s.Region)
	}
	edge, ok := g.Edge(s.CurrentNodeID, label)
	if !ok {
		return s, fmt.Errorf("%w: %q at %q", ErrInvalidAnswer, label, s.CurrentNodeID)
	}

	next := s.clone()
	next.History = append(next.History, s.CurrentNodeID)
	next.Responses[s.CurrentNodeID] = label
	for _, flag := range edge.TagsOf(rulegraph.TagRedFlag) {
		next.RedFlags = addFlag(next.RedFlags, flag)
	}
	if edge.Terminal() {
		next.CurrentNodeID = ""
		next.Complete = true
		return next, nil
	}
	next.CurrentNodeID = edge.To
	return next, nil
}

// Back returns to the previous question. With no history left it reports
// reselect, meaning the caller should return to region selection.
// Responses and red flags are kept.
func (e *Engine) Back(s State) (State, bool) {
	if len(s.History) == 0 {
		return s, true
	}
	next := s.clone()
	last := len(next.History) - 1
	next.CurrentNodeID = next.History[last]
	next.History = next.History[:last]
	next.Complete = false
	return next, false
}

// Question describes the current node, or returns ErrIntakeComplete.
func (e *Engine) Question(s State) (Question, error) {
	if s.Complete {
		return Question{}, ErrIntakeComplete
	}
	g, err := e.graphs.IntakeGraph(s.Region)
	if err != nil {
		return Question{}, err
	}
	n, ok := g.Node(s.CurrentNodeID)
	if !ok {
		return Question{}, fmt.Errorf("%w: node %q not in %s graph", ErrInvalidState, s.CurrentNodeID, s.Region)
	}
	q := Question{NodeID: n.ID, Prompt: n.Prompt, Category: n.Category}
	for _, edge := range g.Edges(n.ID) {
		q.Options = append(q.Options, edge.Label)
	}
	return q, nil
}

// Replay runs answers from a fresh start. It is how a stored response map is
// checked against the current graph.
func (e *Engine) Replay(region string, answers []string) (State, error) {
	s, err := e.Start(region)
	if err != nil {
		return State{}, err
	}
	for _, a := range answers {
		if s, err = e.Answer(s, a); err != nil {
			return s, err
		}
	}
	return s, nil
}

func addFlag(flags []string, flag string) []string {
	i := sort.SearchStrings(flags, flag)
	if i < len(flags) && flags[i] == flag {
		return flags
	}
	flags = append(flags, "")
	copy(flags[i+1:], flags[i:])
	flags[i] = flag
	return flags
}
