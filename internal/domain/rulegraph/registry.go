package rulegraph

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed rules/*.yaml
var embeddedRules embed.FS

// MaxRuleFileSize bounds a single rule file.
const MaxRuleFileSize = 1 << 20

type fileDef struct {
	Region  string    `yaml:"region"`
	Kind    string    `yaml:"kind"`
	Version string    `yaml:"version"`
	Start   string    `yaml:"start"`
	Nodes   []nodeDef `yaml:"nodes"`
}

type nodeDef struct {
	ID           string      `yaml:"id"`
	Type         string      `yaml:"type"`
	Prompt       string      `yaml:"prompt"`
	Category     string      `yaml:"category"`
	Name         string      `yaml:"name"`
	Instructions string      `yaml:"instructions"`
	Diagnosis    string      `yaml:"diagnosis"`
	Narrative    string      `yaml:"narrative"`
	Options      []optionDef `yaml:"options"`
}

type optionDef struct {
	Label string   `yaml:"label"`
	Next  string   `yaml:"next"`
	Tags  []tagDef `yaml:"tags"`
}

type tagDef struct {
	Kind      string `yaml:"kind"`
	Value     string `yaml:"value"`
	Diagnosis string `yaml:"diagnosis"`
	Delta     int    `yaml:"delta"`
}

// Registry holds the validated graphs for every region.
type Registry struct {
	intake map[string]*Graph
	tests  map[string]*Graph
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the registry built from the rule files compiled into the
// binary. It is parsed once per process.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		sub, err := fs.Sub(embeddedRules, "rules")
		if err != nil {
			defaultErr = err
			return
		}
		defaultReg, defaultErr = NewRegistry(sub)
	})
	return defaultReg, defaultErr
}

// NewRegistry parses and validates every *.yaml file at the root of fsys.
func NewRegistry(fsys fs.FS) (*Registry, error) {
	names, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list rule files: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no rule files found", ErrInvalidGraph)
	}
	sort.Strings(names)

	r := &Registry{
		intake: make(map[string]*Graph),
		tests:  make(map[string]*Graph),
	}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if len(data) > MaxRuleFileSize {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidGraph, name, MaxRuleFileSize)
		}
		g, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(name), err)
		}
		target := r.intake
		if g.Kind == KindTest {
			target = r.tests
		}
		if _, dup := target[g.Region]; dup {
			return nil, fmt.Errorf("%w: %s: second %s graph for region %q", ErrInvalidGraph, name, g.Kind, g.Region)
		}
		target[g.Region] = g
	}

	for region := range r.tests {
		if _, ok := r.intake[region]; !ok {
			return nil, fmt.Errorf("%w: test graph for %q has no intake graph", ErrInvalidGraph, region)
		}
	}
	return r, nil
}

// Parse decodes and validates a single rule file.
func Parse(data []byte) (*Graph, error) {
	var def fileDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, err)
	}

	g := newGraph(def.Region, Kind(def.Kind), def.Version, def.Start)
	for _, nd := range def.Nodes {
		n := Node{
			ID:           nd.ID,
			Type:         NodeType(nd.Type),
			Prompt:       nd.Prompt,
			Category:     nd.Category,
			Name:         nd.Name,
			Instructions: nd.Instructions,
			Diagnosis:    nd.Diagnosis,
			Narrative:    nd.Narrative,
		}
		if n.Type == "" {
			n.Type = NodeQuestion
		}
		if err := g.addNode(n); err != nil {
			return nil, err
		}
		for _, od := range nd.Options {
			e := Edge{From: nd.ID, Label: od.Label, To: od.Next}
			for _, td := range od.Tags {
				kind, err := ParseTagKind(td.Kind)
				if err != nil {
					return nil, err
				}
				e.Tags = append(e.Tags, Tag{Kind: kind, Value: td.Value, Diagnosis: td.Diagnosis, Delta: td.Delta})
			}
			g.addEdge(e)
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// IntakeGraph returns a copy of the region's intake graph.
func (r *Registry) IntakeGraph(region string) (*Graph, error) {
	g, ok := r.intake[region]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}
	return g.Clone(), nil
}

// TestGraph returns a copy of the region's confirmatory test graph.
func (r *Registry) TestGraph(region string) (*Graph, error) {
	g, ok := r.tests[region]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no confirmatory test graph", ErrUnknownRegion, region)
	}
	return g.Clone(), nil
}

// Regions lists regions that have an intake graph, sorted.
func (r *Registry) Regions() []string {
	out := make([]string, 0, len(r.intake))
	for region := range r.intake {
		out = append(out, region)
	}
	sort.Strings(out)
	return out
}

// HasTestGraph reports whether the region defines confirmatory tests.
func (r *Registry) HasTestGraph(region string) bool {
	_, ok := r.tests[region]
	return ok
}
