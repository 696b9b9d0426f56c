package scoring

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/samkiell/CDSS-sub001/internal/domain/rulegraph"
)

//go:embed patterns.yaml
var embeddedPatterns []byte

var ErrInvalidPatterns = errors.New("invalid pattern table")

// Pattern maps a combination of intake answers and tags to a diagnosis.
type Pattern struct {
	ID           string       `yaml:"id"`
	Diagnosis    string       `yaml:"diagnosis"`
	Weight       int          `yaml:"weight"`
	Description  string       `yaml:"description"`
	ModerateRisk bool         `yaml:"moderate_risk"`
	Requires     Requirements `yaml:"requires"`
	index        int
}

// Requirements must all be present for a pattern to match.
type Requirements struct {
	Responses map[string]string `yaml:"responses"`
	Tags      []string          `yaml:"tags"`
}

type tableDef struct {
	Version  string               `yaml:"version"`
	RedFlags map[string]string    `yaml:"red_flags"`
	Regions  map[string]regionDef `yaml:"regions"`
}

type regionDef struct {
	KeyFindings map[string][]string `yaml:"key_findings"`
	Patterns    []Pattern           `yaml:"patterns"`
}

type regionTable struct {
	graph       *rulegraph.Graph
	patterns    []Pattern
	keyFindings map[string][]string
}

// GraphSource yields intake graphs; *rulegraph.Registry satisfies it.
type GraphSource interface {
	IntakeGraph(region string) (*rulegraph.Graph, error)
	Regions() []string
}

// LoadPatterns decodes a pattern table and checks it against the intake
// graphs. Every region with an intake graph must have patterns, and every
// reference in the table must resolve.
func LoadPatterns(graphs GraphSource, data []byte) (*Scorer, error) {
	var def tableDef
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatterns, err)
	}

	s := &Scorer{
		version:  def.Version,
		regions:  make(map[string]*regionTable),
		redFlags: make(map[string]string, len(def.RedFlags)),
	}
	for tag, desc := range def.RedFlags {
		s.redFlags[tag] = desc
	}

	usedFlags := make(map[string]bool)
	for _, region := range graphs.Regions() {
		rd, ok := def.Regions[region]
		if !ok || len(rd.Patterns) == 0 {
			return nil, fmt.Errorf("%w: region %q has no patterns", ErrInvalidPatterns, region)
		}
		g, err := graphs.IntakeGraph(region)
		if err != nil {
			return nil, err
		}
		rt, err := buildRegion(region, g, rd)
		if err != nil {
			return nil, err
		}
		for tag, kind := range g.Tags() {
			if kind != rulegraph.TagRedFlag {
				continue
			}
			if s.redFlags[tag] == "" {
				return nil, fmt.Errorf("%w: red flag %q in %s has no description", ErrInvalidPatterns, tag, region)
			}
			usedFlags[tag] = true
		}
		s.regions[region] = rt
	}

	for region := range def.Regions {
		if _, ok := s.regions[region]; !ok {
			return nil, fmt.Errorf("%w: patterns for unknown region %q", ErrInvalidPatterns, region)
		}
	}
	for tag := range def.RedFlags {
		if !usedFlags[tag] {
			return nil, fmt.Errorf("%w: red flag %q is not raised by any graph", ErrInvalidPatterns, tag)
		}
	}
	return s, nil
}

func buildRegion(region string, g *rulegraph.Graph, rd regionDef) (*regionTable, error) {
	tags := g.Tags()
	ids := make(map[string]bool)
	diagnoses := make(map[string]bool)
	rt := &regionTable{graph: g, keyFindings: rd.KeyFindings}

	for i, p := range rd.Patterns {
		where := fmt.Sprintf("%s pattern %q", region, p.ID)
		switch {
		case p.ID == "":
			return nil, fmt.Errorf("%w: %s pattern #%d has no id", ErrInvalidPatterns, region, i+1)
		case ids[p.ID]:
			return nil, fmt.Errorf("%w: duplicate %s", ErrInvalidPatterns, where)
		case p.Diagnosis == "":
			return nil, fmt.Errorf("%w: %s has no diagnosis", ErrInvalidPatterns, where)
		case p.Weight <= 0 || p.Weight > 100:
			return nil, fmt.Errorf("%w: %s weight %d outside (0,100]", ErrInvalidPatterns, where, p.Weight)
		case len(p.Requires.Tags) == 0 && len(p.Requires.Responses) == 0:
			return nil, fmt.Errorf("%w: %s requires nothing", ErrInvalidPatterns, where)
		}
		for _, tag := range p.Requires.Tags {
			if _, ok := tags[tag]; !ok {
				return nil, fmt.Errorf("%w: %s requires unknown tag %q", ErrInvalidPatterns, where, tag)
			}
		}
		for node, label := range p.Requires.Responses {
			if _, ok := g.Node(node); !ok {
				return nil, fmt.Errorf("%w: %s requires unknown node %q", ErrInvalidPatterns, where, node)
			}
			if _, ok := g.Edge(node, label); !ok {
				return nil, fmt.Errorf("%w: %s requires unknown answer %q at %q", ErrInvalidPatterns, where, label, node)
			}
		}
		ids[p.ID] = true
		diagnoses[p.Diagnosis] = true
		p.index = i
		rt.patterns = append(rt.patterns, p)
	}

	for diag, findings := range rd.KeyFindings {
		if !diagnoses[diag] {
			return nil, fmt.Errorf("%w: %s key findings for unknown diagnosis %q", ErrInvalidPatterns, region, diag)
		}
		for _, f := range findings {
			if _, ok := tags[f]; !ok {
				return nil, fmt.Errorf("%w: %s key finding %q is not a graph tag", ErrInvalidPatterns, region, f)
			}
		}
	}
	for _, diag := range g.WeightTargets() {
		if !diagnoses[diag] {
			return nil, fmt.Errorf("%w: %s graph adjusts unknown diagnosis %q", ErrInvalidPatterns, region, diag)
		}
	}
	return rt, nil
}

// Diagnoses lists the distinct diagnoses a region can produce, in
// declaration order.
func (s *Scorer) Diagnoses(region string) []string {
	rt, ok := s.regions[region]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range rt.patterns {
		if !seen[p.Diagnosis] {
			seen[p.Diagnosis] = true
			out = append(out, p.Diagnosis)
		}
	}
	return out
}

// RedFlagDescription returns the clinician-facing text for a red-flag tag.
func (s *Scorer) RedFlagDescription(tag string) string {
	if d, ok := s.redFlags[tag]; ok {
		return d
	}
	return tag
}

// Version is the pattern table version.
func (s *Scorer) Version() string { return s.version }

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	j := 0
	for i, v := range out {
		if i > 0 && v == out[j-1] {
			continue
		}
		out[j] = v
		j++
	}
	return out[:j]
}
