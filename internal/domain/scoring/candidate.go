package scoring

// RiskLevel grades how quickly the patient needs to be seen.
type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskModerate RiskLevel = "Moderate"
	RiskUrgent   RiskLevel = "Urgent"
)

// Undetermined is the temporal diagnosis when nothing matched.
const Undetermined = "Undetermined"

// Reasoning line prefixes. Consumers render red-flag lines differently.
const (
	RedFlagPrefix = "[RED FLAG] "
	MatchPrefix   = "[MATCH] "
)

// Candidate is the provisional diagnosis produced from intake alone. It is a
// plain record and is serialised to clients as is.
type Candidate struct {
	TemporalDiagnosis string         `json:"temporal_diagnosis"`
	BaseConfidence    int            `json:"base_confidence"`
	ConfidenceScore   int            `json:"confidence_score"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	Reasoning         []string       `json:"reasoning"`
	Differentials     []Differential `json:"differentials,omitempty"`
}

// Differential is a runner-up diagnosis with its capped match strength.
type Differential struct {
	Diagnosis string `json:"diagnosis"`
	Score     int    `json:"score"`
}

// IsUrgent reports whether the candidate requires escalation.
func (c Candidate) IsUrgent() bool { return c.RiskLevel == RiskUrgent }

func undetermined(risk RiskLevel, reasoning []string) Candidate {
	if reasoning == nil {
		reasoning = []string{}
	}
	return Candidate{
		TemporalDiagnosis: Undetermined,
		RiskLevel:         risk,
		Reasoning:         reasoning,
	}
}
