package diagnosis

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/samkiell/CDSS-sub001/internal/domain/guidedtest"
	"github.com/samkiell/CDSS-sub001/internal/domain/scoring"
)

var (
	ErrSessionNotFound  = errors.New("diagnosis session not found")
	ErrVersionConflict  = errors.New("diagnosis session was modified concurrently")
	ErrIntakeIncomplete = errors.New("intake is not complete")
	ErrTestsNotStarted  = errors.New("guided tests have not been started")
	ErrPatientRequired  = errors.New("patient id is required")
	ErrForbidden        = errors.New("session belongs to another patient")
)

// Status is the coarse lifecycle of a session.
type Status string

const (
	StatusProvisional Status = "provisional"
	StatusTesting     Status = "testing"
	StatusFinalized   Status = "finalized"
)

// AIAnalysis is the provisional assessment stored at intake submission.
type AIAnalysis struct {
	Candidate       scoring.Candidate `json:"candidate"`
	MLStatus        string            `json:"ml_status"`
	RulesVersion    string            `json:"rules_version"`
	PatternsVersion string            `json:"patterns_version"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Session is one patient's path from intake to a locked refined diagnosis.
// Version increases on every successful write.
type Session struct {
	ID                uuid.UUID         `json:"id"`
	PatientID         string            `json:"patient_id"`
	Region            string            `json:"region"`
	Status            Status            `json:"status"`
	Responses         map[string]string `json:"responses"`
	RedFlags          []string          `json:"red_flags"`
	AIAnalysis        AIAnalysis        `json:"ai_analysis"`
	GuidedTestResults *guidedtest.State `json:"guided_test_results,omitempty"`
	Version           int               `json:"version"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IsLocked reports whether the refined diagnosis has been stored.
func (s *Session) IsLocked() bool {
	return s.GuidedTestResults != nil && s.GuidedTestResults.IsLocked
}

// ReplayReport is the result of re-deriving a session's test position from
// its stored log.
type ReplayReport struct {
	SessionID      uuid.UUID `json:"session_id"`
	Region         string    `json:"region"`
	StoredVersion  string    `json:"stored_graph_version"`
	CurrentVersion string    `json:"current_graph_version"`
	VersionDrift   bool      `json:"version_drift"`
	StoredNodeID   string    `json:"stored_node_id"`
	ReplayedNodeID string    `json:"replayed_node_id"`
	Consistent     bool      `json:"consistent"`
	TestsRecorded  int       `json:"tests_recorded"`
	IsLocked       bool      `json:"is_locked"`
}
