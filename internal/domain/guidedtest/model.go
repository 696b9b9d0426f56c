package guidedtest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrGraphDesync   = errors.New("test history does not replay against the current graph")
	ErrStaleTest     = errors.New("test is not the current test")
	ErrSessionLocked = errors.New("session is locked")
	ErrNotComplete   = errors.New("guided testing is not complete")
	ErrInvalidResult = errors.New("result must be Positive, Negative or Inconclusive")
)

// Result is a test outcome. The values double as outcome edge labels.
type Result string

const (
	Positive     Result = "Positive"
	Negative     Result = "Negative"
	Inconclusive Result = "Inconclusive"
)

// ParseResult accepts any casing of a known outcome.
func ParseResult(s string) (Result, error) {
	for _, r := range []Result{Positive, Negative, Inconclusive} {
		if strings.EqualFold(strings.TrimSpace(s), string(r)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidResult, s)
}

// CompletedTest is one entry of the append-only test log.
type CompletedTest struct {
	TestID     string    `json:"test_id"`
	Result     Result    `json:"result"`
	Notes      string    `json:"notes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RecordedBy string    `json:"recorded_by,omitempty"`
}

// Status describes how the refined diagnosis relates to the provisional one.
type Status string

const (
	StatusConfirmed   Status = "confirmed"
	StatusRevised     Status = "revised"
	StatusUnconfirmed Status = "unconfirmed"
)

// RefinedDiagnosis is the locked outcome of guided testing.
type RefinedDiagnosis struct {
	Diagnosis         string   `json:"diagnosis"`
	Status            Status   `json:"status"`
	Confidence        int      `json:"confidence"`
	PreviousDiagnosis string   `json:"previous_diagnosis,omitempty"`
	Narrative         string   `json:"narrative"`
	Findings          []string `json:"findings"`
	ConclusionNodeID  string   `json:"conclusion_node_id"`
}

// Phase is the coarse position of a guided session.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseTesting    Phase = "testing"
	PhaseComplete   Phase = "complete"
	PhaseLocked     Phase = "locked"
)

// State is the persisted guided-test record. CurrentNodeID is a cached
// position; the log in CompletedTests is authoritative.
type State struct {
	Region           string            `json:"region"`
	GraphVersion     string            `json:"graph_version"`
	CurrentNodeID    string            `json:"current_node_id"`
	CompletedTests   []CompletedTest   `json:"completed_tests"`
	RefinedDiagnosis *RefinedDiagnosis `json:"refined_diagnosis,omitempty"`
	IsComplete       bool              `json:"is_complete"`
	IsLocked         bool              `json:"is_locked"`
}

func (s State) Phase() Phase {
	switch {
	case s.Region == "":
		return PhaseNotStarted
	case s.IsLocked:
		return PhaseLocked
	case s.IsComplete:
		return PhaseComplete
	default:
		return PhaseTesting
	}
}

func (s State) clone() State {
	c := s
	c.CompletedTests = append([]CompletedTest{}, s.CompletedTests...)
	if s.RefinedDiagnosis != nil {
		rd := *s.RefinedDiagnosis
		rd.Findings = append([]string{}, s.RefinedDiagnosis.Findings...)
		c.RefinedDiagnosis = &rd
	}
	return c
}

// TestDescriptor is what the clinician is asked to perform next.
type TestDescriptor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions,omitempty"`
	Category     string   `json:"category,omitempty"`
	Outcomes     []string `json:"outcomes"`
	Step         int      `json:"step"`
}
