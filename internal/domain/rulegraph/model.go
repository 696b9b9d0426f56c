// Package rulegraph holds the per-region decision graphs used by the diagnosis
// engine: the patient intake graph (questions and answer options) and the
// clinician confirmatory test graph (tests and outcomes). Graphs are parsed
// from YAML rule files once, validated, and handed out as deep copies so no
// caller can mutate the shared definition.
package rulegraph

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRegion = errors.New("unknown region")
	ErrInvalidGraph  = errors.New("invalid rule graph")
	ErrNoSuchEdge    = errors.New("no matching edge")
	ErrCycle         = errors.New("cycle detected during traversal")
)

// Kind distinguishes intake graphs from confirmatory test graphs.
type Kind string

const (
	KindIntake Kind = "intake"
	KindTest   Kind = "test"
)

// NodeType is the role a node plays in its graph.
type NodeType string

const (
	NodeQuestion   NodeType = "question"
	NodeTest       NodeType = "test"
	NodeConclusion NodeType = "conclusion"
)

// TagKind is the closed set of tag variants an edge may carry.
type TagKind int

const (
	TagRedFlag TagKind = iota + 1
	TagDiagnosticCategory
	TagWeightAdjustment
)

var tagKindNames = map[TagKind]string{
	TagRedFlag:            "red_flag",
	TagDiagnosticCategory: "category",
	TagWeightAdjustment:   "weight",
}

func (k TagKind) String() string {
	if s, ok := tagKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("TagKind(%d)", int(k))
}

func (k TagKind) MarshalText() ([]byte, error) {
	if _, ok := tagKindNames[k]; !ok {
		return nil, fmt.Errorf("marshal %s", k)
	}
	return []byte(k.String()), nil
}

func (k *TagKind) UnmarshalText(b []byte) error {
	parsed, err := ParseTagKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseTagKind maps the rule-file spelling to a TagKind.
func ParseTagKind(s string) (TagKind, error) {
	for k, name := range tagKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tag kind %q", ErrInvalidGraph, s)
}

// Tag annotates an edge. Diagnosis and Delta are only meaningful for
// TagWeightAdjustment.
type Tag struct {
	Kind      TagKind `json:"kind"`
	Value     string  `json:"value,omitempty"`
	Diagnosis string  `json:"diagnosis,omitempty"`
	Delta     int     `json:"delta,omitempty"`
}

// Node is a question, a clinical test or a conclusion.
type Node struct {
	ID           string   `json:"id"`
	Type         NodeType `json:"type"`
	Prompt       string   `json:"prompt,omitempty"`
	Category     string   `json:"category,omitempty"`
	Name         string   `json:"name,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Diagnosis    string   `json:"diagnosis,omitempty"`
	Narrative    string   `json:"narrative,omitempty"`
}

// Edge is an answer option or a test outcome. An empty To marks a terminal
// edge.
type Edge struct {
	From  string `json:"from"`
	Label string `json:"label"`
	To    string `json:"to,omitempty"`
	Tags  []Tag  `json:"tags,omitempty"`
}

// Terminal reports whether following the edge ends the traversal.
func (e Edge) Terminal() bool { return e.To == "" }

// TagsOf returns the values of the edge's tags of the given kind.
func (e Edge) TagsOf(kind TagKind) []string {
	var out []string
	for _, t := range e.Tags {
		if t.Kind == kind {
			out = append(out, t.Value)
		}
	}
	return out
}

func (e Edge) clone() Edge {
	c := e
	if e.Tags != nil {
		c.Tags = append([]Tag(nil), e.Tags...)
	}
	return c
}
