package diagnosis

import (
	"encoding/json"
	"fmt"

	"github.com/samkiell/CDSS-sub001/internal/domain/guidedtest"
)

// documents holds the JSON columns of a session row.
type documents struct {
	responses []byte
	redFlags  []byte
	analysis  []byte
	guided    []byte // nil until guided tests start
}

func encodeDocuments(s *Session) (documents, error) {
	var d documents
	var err error
	responses := s.Responses
	if responses == nil {
		responses = map[string]string{}
	}
	flags := s.RedFlags
	if flags == nil {
		flags = []string{}
	}
	if d.responses, err = json.Marshal(responses); err != nil {
		return d, fmt.Errorf("encode responses: %w", err)
	}
	if d.redFlags, err = json.Marshal(flags); err != nil {
		return d, fmt.Errorf("encode red flags: %w", err)
	}
	if d.analysis, err = json.Marshal(s.AIAnalysis); err != nil {
		return d, fmt.Errorf("encode ai analysis: %w", err)
	}
	if s.GuidedTestResults != nil {
		if d.guided, err = json.Marshal(s.GuidedTestResults); err != nil {
			return d, fmt.Errorf("encode guided tests: %w", err)
		}
	}
	return d, nil
}

func (d documents) decodeInto(s *Session) error {
	if err := json.Unmarshal(d.responses, &s.Responses); err != nil {
		return fmt.Errorf("decode responses: %w", err)
	}
	if err := json.Unmarshal(d.redFlags, &s.RedFlags); err != nil {
		return fmt.Errorf("decode red flags: %w", err)
	}
	if err := json.Unmarshal(d.analysis, &s.AIAnalysis); err != nil {
		return fmt.Errorf("decode ai analysis: %w", err)
	}
	s.GuidedTestResults = nil
	if len(d.guided) > 0 && string(d.guided) != "null" {
		var st guidedtest.State
		if err := json.Unmarshal(d.guided, &st); err != nil {
			return fmt.Errorf("decode guided tests: %w", err)
		}
		s.GuidedTestResults = &st
	}
	return nil
}
