// Package scoring turns accumulated intake answers into a provisional
// diagnosis using a table of weighted patterns.
//
// For the leading diagnosis (highest summed pattern weight, ties going to the
// pattern declared first):
//
//	base       = min(100, sum of matched weights)
//	confidence = base + 10*(agreeing patterns-1) - 15*(missing key findings)
//	             + weight adjustments from chosen answers, clamped to [0,100]
//
// Any red flag makes the candidate Urgent whatever the confidence.
package scoring

import (
	"fmt"
	"sort"

	"github.com/samkiell/CDSS-sub001/internal/domain/rulegraph"
)

const (
	agreementBonus     = 10
	missingKeyPenalty  = 15
	moderateBandLow    = 40
	moderateBandHigh   = 70
	maxConfidenceScore = 100
)

// Scorer is immutable after LoadPatterns and safe for concurrent use.
type Scorer struct {
	version  string
	regions  map[string]*regionTable
	redFlags map[string]string
}

// Default builds a scorer from the pattern table compiled into the binary.
func Default(graphs GraphSource) (*Scorer, error) {
	return LoadPatterns(graphs, embeddedPatterns)
}

type tally struct {
	diagnosis string
	sum       int
	count     int
	first     int
	moderate  bool
}

// Score evaluates responses (node id to chosen label) and the red flags
// raised during intake.
func (s *Scorer) Score(region string, responses map[string]string, redFlags []string) (Candidate, error) {
	flags := sortedUnique(redFlags)
	if len(responses) == 0 && len(flags) == 0 {
		return undetermined(RiskLow, nil), nil
	}
	rt, ok := s.regions[region]
	if !ok {
		return Candidate{}, fmt.Errorf("%w: %q", rulegraph.ErrUnknownRegion, region)
	}

	tags := make(map[string]bool)
	adjust := make(map[string]int)
	for node, label := range responses {
		e, ok := rt.graph.Edge(node, label)
		if !ok {
			continue
		}
		for _, t := range e.Tags {
			if t.Kind == rulegraph.TagWeightAdjustment {
				adjust[t.Diagnosis] += t.Delta
				continue
			}
			tags[t.Value] = true
		}
	}
	for _, f := range flags {
		tags[f] = true
	}

	reasoning := make([]string, 0, len(flags))
	for _, f := range flags {
		reasoning = append(reasoning, RedFlagPrefix+s.RedFlagDescription(f))
	}

	byDiag := make(map[string]*tally)
	var order []*tally
	for _, p := range rt.patterns {
		if !p.matches(responses, tags) {
			continue
		}
		reasoning = append(reasoning, fmt.Sprintf("%s%s (%s)", MatchPrefix, p.Description, p.Diagnosis))
		t, ok := byDiag[p.Diagnosis]
		if !ok {
			t = &tally{diagnosis: p.Diagnosis, first: p.index}
			byDiag[p.Diagnosis] = t
			order = append(order, t)
		}
		t.sum += p.Weight
		t.count++
		t.moderate = t.moderate || p.ModerateRisk
	}

	risk := RiskLow
	if len(flags) > 0 {
		risk = RiskUrgent
	}
	if len(order) == 0 {
		return undetermined(risk, reasoning), nil
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].sum != order[j].sum {
			return order[i].sum > order[j].sum
		}
		return order[i].first < order[j].first
	})
	lead := order[0]

	missing := 0
	for _, f := range rt.keyFindings[lead.diagnosis] {
		if !tags[f] {
			missing++
		}
	}
	base := min(maxConfidenceScore, lead.sum)
	conf := base + agreementBonus*(lead.count-1) - missingKeyPenalty*missing + adjust[lead.diagnosis]
	conf = max(0, min(maxConfidenceScore, conf))

	if risk != RiskUrgent && (lead.moderate || (conf >= moderateBandLow && conf < moderateBandHigh)) {
		risk = RiskModerate
	}

	c := Candidate{
		TemporalDiagnosis: lead.diagnosis,
		BaseConfidence:    base,
		ConfidenceScore:   conf,
		RiskLevel:         risk,
		Reasoning:         reasoning,
	}
	for _, t := range order[1:] {
		c.Differentials = append(c.Differentials, Differential{
			Diagnosis: t.diagnosis,
			Score:     min(maxConfidenceScore, t.sum),
		})
	}
	return c, nil
}

func (p Pattern) matches(responses map[string]string, tags map[string]bool) bool {
	for node, label := range p.Requires.Responses {
		if responses[node] != label {
			return false
		}
	}
	for _, t := range p.Requires.Tags {
		if !tags[t] {
			return false
		}
	}
	return true
}
