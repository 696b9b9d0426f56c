package scoring

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/samkiell/CDSS-sub001/internal/domain/intake"
	"github.com/samkiell/CDSS-sub001/internal/domain/rulegraph"
)

func defaultScorer(t *testing.T) (*Scorer, *rulegraph.Registry) {
	t.Helper()
	reg, err := rulegraph.Default()
	if err != nil {
		t.Fatalf("rulegraph.Default: %v", err)
	}
	s, err := Default(reg)
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	return s, reg
}

const testGraph = `region: r
kind: intake
start: q
nodes:
  - id: q
    prompt: First?
    options:
      - label: a
        next: q2
        tags:
          - {kind: category, value: x}
          - {kind: category, value: y}
      - label: b
        next: q2
        tags:
          - {kind: category, value: z}
  - id: q2
    prompt: Second?
    options:
      - label: stop
        tags:
          - {kind: red_flag, value: danger}
      - label: go
`

func testRegistry(t *testing.T) *rulegraph.Registry {
	t.Helper()
	reg, err := rulegraph.NewRegistry(fstest.MapFS{"r.yaml": {Data: []byte(testGraph)}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestScore_EmptyInput(t *testing.T) {
	s, _ := defaultScorer(t)
	for _, region := range []string{"lumbar", ""} {
		c, err := s.Score(region, nil, nil)
		if err != nil {
			t.Fatalf("Score(%q): %v", region, err)
		}
		if c.TemporalDiagnosis != Undetermined || c.ConfidenceScore != 0 || c.RiskLevel != RiskLow {
			t.Errorf("Score(%q) = %+v", region, c)
		}
		if c.Reasoning == nil || len(c.Reasoning) != 0 {
			t.Errorf("reasoning = %#v, want empty slice", c.Reasoning)
		}
	}
}

func TestScore_UnknownRegion(t *testing.T) {
	s, _ := defaultScorer(t)
	_, err := s.Score("hip", map[string]string{"q": "a"}, nil)
	if !errors.Is(err, rulegraph.ErrUnknownRegion) {
		t.Fatalf("expected ErrUnknownRegion, got %v", err)
	}
}

func TestScore_CaudaEquinaScenario(t *testing.T) {
	s, reg := defaultScorer(t)
	st, err := intake.NewEngine(reg).Replay("lumbar", []string{"Radiates down both legs", "Sudden"})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	c, err := s.Score(st.Region, st.Responses, st.RedFlags)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if c.RiskLevel != RiskUrgent {
		t.Fatalf("RiskLevel = %s, want Urgent", c.RiskLevel)
	}
	if c.TemporalDiagnosis != "Cauda Equina Syndrome" {
		t.Errorf("TemporalDiagnosis = %q", c.TemporalDiagnosis)
	}
	if len(c.Reasoning) != 3 || !strings.HasPrefix(c.Reasoning[0], RedFlagPrefix) {
		t.Fatalf("reasoning = %v", c.Reasoning)
	}
	for _, line := range c.Reasoning[1:] {
		if !strings.HasPrefix(line, MatchPrefix) {
			t.Errorf("expected match line, got %q", line)
		}
	}
	want := []Differential{{Diagnosis: "Lumbar Disc Herniation with Radiculopathy", Score: 45}}
	if !reflect.DeepEqual(c.Differentials, want) {
		t.Errorf("differentials = %+v", c.Differentials)
	}
}

func TestScore_RedFlagAlwaysUrgent(t *testing.T) {
	s, reg := defaultScorer(t)
	for _, region := range reg.Regions() {
		g, _ := reg.IntakeGraph(region)
		for _, id := range g.NodeIDs() {
			for _, e := range g.Edges(id) {
				flags := e.TagsOf(rulegraph.TagRedFlag)
				if len(flags) == 0 {
					continue
				}
				c, err := s.Score(region, map[string]string{id: e.Label}, flags)
				if err != nil {
					t.Fatalf("%s/%s: %v", region, id, err)
				}
				if c.RiskLevel != RiskUrgent {
					t.Errorf("%s %q -> %q: risk %s, want Urgent", region, id, e.Label, c.RiskLevel)
				}
			}
		}
	}
}

func TestScore_AgreementAndAdjustment(t *testing.T) {
	s, _ := defaultScorer(t)
	c, err := s.Score("lumbar", map[string]string{
		"radiation":   "Radiates to one leg",
		"aggravation": "Coughing or sneezing",
	}, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// 45+20 base, +10 agreement, +5 from the cough answer.
	if c.BaseConfidence != 65 || c.ConfidenceScore != 80 {
		t.Errorf("base=%d confidence=%d, want 65/80", c.BaseConfidence, c.ConfidenceScore)
	}
	if c.RiskLevel != RiskLow {
		t.Errorf("RiskLevel = %s", c.RiskLevel)
	}
}

func TestScore_MissingKeyFindingPenalty(t *testing.T) {
	s, _ := defaultScorer(t)
	c, err := s.Score("lumbar", map[string]string{
		"radiation":   "Radiates to one leg",
		"aggravation": "Nothing in particular",
	}, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if c.TemporalDiagnosis != "Lumbar Disc Herniation with Radiculopathy" {
		t.Fatalf("TemporalDiagnosis = %q", c.TemporalDiagnosis)
	}
	if c.BaseConfidence != 45 || c.ConfidenceScore != 30 {
		t.Errorf("base=%d confidence=%d, want 45/30", c.BaseConfidence, c.ConfidenceScore)
	}
}

func TestScore_ModerateRiskPattern(t *testing.T) {
	s, _ := defaultScorer(t)
	c, err := s.Score("ankle", map[string]string{
		"mechanism":      "Felt a pop or kick at the back of the heel",
		"weight_bearing": "Yes",
		"tiptoe":         "No",
	}, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if c.TemporalDiagnosis != "Achilles Tendon Rupture" {
		t.Fatalf("TemporalDiagnosis = %q", c.TemporalDiagnosis)
	}
	if c.BaseConfidence != 80 || c.ConfidenceScore != 100 {
		t.Errorf("base=%d confidence=%d, want 80/100", c.BaseConfidence, c.ConfidenceScore)
	}
	if c.RiskLevel != RiskModerate {
		t.Errorf("RiskLevel = %s, want Moderate", c.RiskLevel)
	}
}

func TestScore_NoMatch(t *testing.T) {
	s, _ := defaultScorer(t)
	c, err := s.Score("lumbar", map[string]string{"bladder": "No"}, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if c.TemporalDiagnosis != Undetermined || c.ConfidenceScore != 0 || c.RiskLevel != RiskLow {
		t.Errorf("unexpected candidate %+v", c)
	}
}

func TestScore_TieBreakByDeclarationOrder(t *testing.T) {
	reg := testRegistry(t)
	table := func(first, second string) string {
		return `red_flags:
  danger: Danger
regions:
  r:
    patterns:
      - {id: p1, diagnosis: ` + first + `, weight: 30, description: d1, requires: {tags: [x]}}
      - {id: p2, diagnosis: ` + second + `, weight: 30, description: d2, requires: {tags: [y]}}
`
	}
	for _, tc := range []struct{ first, second string }{{"Alpha", "Beta"}, {"Beta", "Alpha"}} {
		s, err := LoadPatterns(reg, []byte(table(tc.first, tc.second)))
		if err != nil {
			t.Fatalf("LoadPatterns: %v", err)
		}
		c, err := s.Score("r", map[string]string{"q": "a"}, nil)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if c.TemporalDiagnosis != tc.first {
			t.Errorf("tie resolved to %q, want %q", c.TemporalDiagnosis, tc.first)
		}
	}
}

func TestScore_Clamped(t *testing.T) {
	reg := testRegistry(t)
	s, err := LoadPatterns(reg, []byte(`red_flags:
  danger: Danger
regions:
  r:
    key_findings:
      Low: [x, y]
    patterns:
      - {id: hi1, diagnosis: High, weight: 100, description: h1, requires: {tags: [z]}}
      - {id: hi2, diagnosis: High, weight: 100, description: h2, requires: {responses: {q: b}}}
      - {id: lo, diagnosis: Low, weight: 10, description: l, requires: {responses: {q2: go}}}
`))
	if err != nil {
		t.Fatalf("LoadPatterns: %v", err)
	}

	c, _ := s.Score("r", map[string]string{"q": "b"}, nil)
	if c.BaseConfidence != 100 || c.ConfidenceScore != 100 {
		t.Errorf("upper clamp: base=%d confidence=%d", c.BaseConfidence, c.ConfidenceScore)
	}

	c, _ = s.Score("r", map[string]string{"q2": "go"}, nil)
	if c.TemporalDiagnosis != "Low" || c.ConfidenceScore != 0 {
		t.Errorf("lower clamp: %+v", c)
	}
}

func TestLoadPatterns_Rejects(t *testing.T) {
	reg := testRegistry(t)
	tests := []struct {
		name  string
		table string
		want  string
	}{
		{
			name: "unknown tag",
			table: `red_flags: {danger: D}
regions:
  r:
    patterns:
      - {id: p, diagnosis: A, weight: 10, requires: {tags: [nope]}}`,
			want: "unknown tag",
		},
		{
			name: "weight out of range",
			table: `red_flags: {danger: D}
regions:
  r:
    patterns:
      - {id: p, diagnosis: A, weight: 0, requires: {tags: [x]}}`,
			want: "outside",
		},
		{
			name: "unknown answer",
			table: `red_flags: {danger: D}
regions:
  r:
    patterns:
      - {id: p, diagnosis: A, weight: 10, requires: {responses: {q: c}}}`,
			want: "unknown answer",
		},
		{
			name: "red flag without description",
			table: `regions:
  r:
    patterns:
      - {id: p, diagnosis: A, weight: 10, requires: {tags: [x]}}`,
			want: "no description",
		},
		{
			name: "unreferenced red flag",
			table: `red_flags: {danger: D, other: O}
regions:
  r:
    patterns:
      - {id: p, diagnosis: A, weight: 10, requires: {tags: [x]}}`,
			want: "not raised",
		},
		{
			name:  "region without patterns",
			table: `red_flags: {danger: D}`,
			want:  "no patterns",
		},
		{
			name: "unknown region",
			table: `red_flags: {danger: D}
regions:
  r:
    patterns:
      - {id: p, diagnosis: A, weight: 10, requires: {tags: [x]}}
  elbow:
    patterns:
      - {id: p, diagnosis: A, weight: 10, requires: {tags: [x]}}`,
			want: "unknown region",
		},
		{
			name: "duplicate id",
			table: `red_flags: {danger: D}
regions:
  r:
    patterns:
      - {id: p, diagnosis: A, weight: 10, requires: {tags: [x]}}
      - {id: p, diagnosis: B, weight: 10, requires: {tags: [y]}}`,
			want: "duplicate",
		},
		{
			name: "key finding for unknown diagnosis",
			table: `red_flags: {danger: D}
regions:
  r:
    key_findings:
      Z: [x]
    patterns:
      - {id: p, diagnosis: A, weight: 10, requires: {tags: [x]}}`,
			want: "unknown diagnosis",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadPatterns(reg, []byte(tt.table))
			if !errors.Is(err, ErrInvalidPatterns) {
				t.Fatalf("expected ErrInvalidPatterns, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDiagnoses(t *testing.T) {
	s, _ := defaultScorer(t)
	got := s.Diagnoses("ankle")
	want := []string{"Achilles Tendon Rupture", "Lateral Ankle Sprain", "Ankle Fracture", "Achilles Tendinopathy"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Diagnoses = %v, want %v", got, want)
	}
}

func TestUnavailableBridge(t *testing.T) {
	var b MLBridge = UnavailableBridge{}
	_, err := b.Predict(context.Background(), "lumbar", nil)
	if !errors.Is(err, ErrMLUnavailable) {
		t.Fatalf("expected ErrMLUnavailable, got %v", err)
	}
	if got := BridgeStatus(err); got != "unavailable" {
		t.Errorf("BridgeStatus = %q", got)
	}
}
