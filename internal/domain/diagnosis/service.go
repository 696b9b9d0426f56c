package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/samkiell/CDSS-sub001/internal/domain/guidedtest"
	"github.com/samkiell/CDSS-sub001/internal/domain/intake"
	"github.com/samkiell/CDSS-sub001/internal/domain/rulegraph"
	"github.com/samkiell/CDSS-sub001/internal/domain/scoring"
)

const defaultMaxRetries = 3

// errNoChange tells mutate that the session already has the requested state.
var errNoChange = errors.New("no change")

type Service struct {
	repo       Repository
	rules      *rulegraph.Registry
	scorer     *scoring.Scorer
	intake     *intake.Engine
	guided     *guidedtest.Engine
	ml         scoring.MLBridge
	maxRetries int
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithMLBridge(b scoring.MLBridge) Option {
	return func(s *Service) { s.ml = b }
}

// WithMaxRetries bounds how often a write that lost a version race is
// retried from a fresh read.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = max(0, n) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, rules *rulegraph.Registry, scorer *scoring.Scorer, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		rules:      rules,
		scorer:     scorer,
		ml:         scoring.UnavailableBridge{},
		maxRetries: defaultMaxRetries,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.intake = intake.NewEngine(rules)
	s.guided = guidedtest.NewEngine(rules, guidedtest.WithClock(s.now))
	return s
}

// IntakeStep is what the client needs to render the next intake screen.
type IntakeStep struct {
	State    intake.State     `json:"state"`
	Phase    intake.Phase     `json:"phase"`
	Question *intake.Question `json:"question,omitempty"`
	Reselect bool             `json:"reselect,omitempty"`
}

func (s *Service) Regions() []string {
	return s.rules.Regions()
}

func (s *Service) step(st intake.State) (IntakeStep, error) {
	out := IntakeStep{State: st, Phase: st.Phase()}
	if st.Complete {
		return out, nil
	}
	q, err := s.intake.Question(st)
	if err != nil {
		return IntakeStep{}, err
	}
	out.Question = &q
	return out, nil
}

func (s *Service) StartIntake(region string) (IntakeStep, error) {
	st, err := s.intake.Start(region)
	if err != nil {
		return IntakeStep{}, err
	}
	return s.step(st)
}

func (s *Service) AnswerIntake(st intake.State, answer string) (IntakeStep, error) {
	next, err := s.intake.Answer(st, answer)
	if err != nil {
		return IntakeStep{}, err
	}
	return s.step(next)
}

// BackIntake steps back one question. From the first question it returns an
// empty state with Reselect set.
func (s *Service) BackIntake(st intake.State) (IntakeStep, error) {
	prev, reselect := s.intake.Back(st)
	if reselect {
		return IntakeStep{Phase: intake.PhaseRegionSelect, Reselect: true}, nil
	}
	return s.step(prev)
}

// verifyIntake replays a client-held intake state against the graph. It
// returns the responses on the final path and every red flag the state
// legitimately raised, including ones from answers later revised.
func (s *Service) verifyIntake(st intake.State) (map[string]string, []string, error) {
	answers := make([]string, 0, len(st.History))
	for _, node := range st.History {
		label, ok := st.Responses[node]
		if !ok {
			return nil, nil, fmt.Errorf("%w: no response recorded for %q", intake.ErrInvalidState, node)
		}
		answers = append(answers, label)
	}
	replayed, err := s.intake.Replay(st.Region, answers)
	if err != nil {
		return nil, nil, err
	}
	if !replayed.Complete {
		return nil, nil, ErrIntakeIncomplete
	}

	g, err := s.rules.IntakeGraph(st.Region)
	if err != nil {
		return nil, nil, err
	}
	flags := make(map[string]bool)
	for _, f := range replayed.RedFlags {
		flags[f] = true
	}
	for node, label := range st.Responses {
		e, ok := g.Edge(node, label)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q at %q", intake.ErrInvalidAnswer, label, node)
		}
		for _, f := range e.TagsOf(rulegraph.TagRedFlag) {
			flags[f] = true
		}
	}
	tags := g.Tags()
	for _, f := range st.RedFlags {
		if tags[f] != rulegraph.TagRedFlag {
			return nil, nil, fmt.Errorf("%w: %q is not a red flag of %s", intake.ErrInvalidState, f, st.Region)
		}
		flags[f] = true
	}

	out := make([]string, 0, len(flags))
	for f := range flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return replayed.Responses, out, nil
}

// SubmitIntake scores a completed intake and stores a provisional session.
func (s *Service) SubmitIntake(ctx context.Context, patientID string, st intake.State) (_ *Session, err error) {
	ctx, span, timer := startSpan(ctx, "submit_intake", attribute.String("region", st.Region))
	defer func() { endSpan(span, timer, err) }()

	if patientID == "" {
		return nil, ErrPatientRequired
	}
	if !st.Complete {
		return nil, ErrIntakeIncomplete
	}
	path, flags, err := s.verifyIntake(st)
	if err != nil {
		return nil, err
	}
	cand, err := s.scorer.Score(st.Region, path, flags)
	if err != nil {
		return nil, err
	}

	ml, mlErr := s.ml.Predict(ctx, st.Region, path)
	switch {
	case mlErr == nil:
		s.logger.Debug().Str("region", st.Region).Str("ml_diagnosis", ml.TemporalDiagnosis).Msg("ml prediction recorded")
	case !errors.Is(mlErr, scoring.ErrMLUnavailable):
		s.logger.Warn().Err(mlErr).Str("region", st.Region).Msg("ml bridge failed, using rule-based candidate")
	}

	g, err := s.rules.IntakeGraph(st.Region)
	if err != nil {
		return nil, err
	}
	responses := make(map[string]string, len(st.Responses))
	for k, v := range st.Responses {
		responses[k] = v
	}
	sess := &Session{
		ID:        uuid.New(),
		PatientID: patientID,
		Region:    st.Region,
		Status:    StatusProvisional,
		Responses: responses,
		RedFlags:  flags,
		AIAnalysis: AIAnalysis{
			Candidate:       cand,
			MLStatus:        scoring.BridgeStatus(mlErr),
			RulesVersion:    g.Version,
			PatternsVersion: s.scorer.Version(),
			GeneratedAt:     s.now().UTC(),
		},
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sessionsCreated.WithLabelValues(sess.Region, string(cand.RiskLevel)).Inc()
	span.SetAttributes(attribute.String("session.id", sess.ID.String()), attribute.String("risk", string(cand.RiskLevel)))
	if cand.IsUrgent() {
		redFlagEscalations.WithLabelValues(sess.Region).Inc()
		s.logger.Warn().
			Str("session_id", sess.ID.String()).
			Str("region", sess.Region).
			Strs("red_flags", flags).
			Msg("red flag escalation")
	} else {
		s.logger.Info().
			Str("session_id", sess.ID.String()).
			Str("region", sess.Region).
			Str("risk", string(cand.RiskLevel)).
			Msg("provisional session created")
	}
	return sess, nil
}

// mutate is the read-modify-write loop. fn edits a fresh copy of the
// session; a version conflict starts over from a new read, up to maxRetries
// times.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, op string, fn func(*Session) error) (*Session, error) {
	for attempt := 0; ; attempt++ {
		sess, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := sess.Version
		if err := fn(sess); err != nil {
			if errors.Is(err, errNoChange) {
				return sess, nil
			}
			return nil, err
		}
		err = s.repo.Update(ctx, sess, expected)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		writeConflicts.WithLabelValues(op).Inc()
		if attempt >= s.maxRetries {
			s.logger.Warn().Str("session_id", id.String()).Str("operation", op).Int("attempts", attempt+1).Msg("giving up after version conflicts")
			return nil, err
		}
		s.logger.Debug().Str("session_id", id.String()).Str("operation", op).Int("attempt", attempt+1).Msg("version conflict, retrying")
	}
}

// StartGuidedTests positions the session on the region's first test. A
// session already in testing is returned unchanged.
func (s *Service) StartGuidedTests(ctx context.Context, id uuid.UUID) (_ *Session, err error) {
	ctx, span, timer := startSpan(ctx, "start_guided_tests", attribute.String("session.id", id.String()))
	defer func() { endSpan(span, timer, err) }()

	return s.mutate(ctx, id, "start_guided_tests", func(sess *Session) error {
		if sess.GuidedTestResults != nil {
			return errNoChange
		}
		_, st, err := s.guided.Initialize(sess.Region)
		if err != nil {
			return err
		}
		sess.GuidedTestResults = &st
		sess.Status = StatusTesting
		return nil
	})
}

// CurrentTest returns the next test, or nil once testing has concluded.
func (s *Service) CurrentTest(ctx context.Context, id uuid.UUID) (*guidedtest.TestDescriptor, *Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if sess.GuidedTestResults == nil {
		return nil, sess, ErrTestsNotStarted
	}
	if sess.GuidedTestResults.IsComplete {
		return nil, sess, nil
	}
	d, err := s.guided.CurrentTest(*sess.GuidedTestResults)
	if err != nil {
		return nil, sess, err
	}
	return d, sess, nil
}

// finalize stores the refined diagnosis and locks st in sess.
func (s *Service) finalize(sess *Session, st guidedtest.State) error {
	rd, err := s.guided.Finalize(sess.AIAnalysis.Candidate, st)
	if err != nil {
		return err
	}
	locked, err := s.guided.Lock(st, rd)
	if err != nil {
		return err
	}
	sess.GuidedTestResults = &locked
	sess.Status = StatusFinalized
	return nil
}

// RecordTestResult appends one outcome. When it reaches a conclusion the
// refined diagnosis is computed and the session locked by the same write.
func (s *Service) RecordTestResult(ctx context.Context, id uuid.UUID, testID, result, notes, actor string) (_ *Session, err error) {
	ctx, span, timer := startSpan(ctx, "record_test_result",
		attribute.String("session.id", id.String()),
		attribute.String("test.id", testID),
	)
	defer func() { endSpan(span, timer, err) }()

	region := ""
	sess, err := s.mutate(ctx, id, "record_test_result", func(sess *Session) error {
		region = sess.Region
		if sess.GuidedTestResults == nil {
			return ErrTestsNotStarted
		}
		next, err := s.guided.RecordResult(*sess.GuidedTestResults, testID, guidedtest.Result(result), notes, actor)
		if err != nil {
			return err
		}
		if next.IsComplete {
			return s.finalize(sess, next)
		}
		sess.GuidedTestResults = &next
		return nil
	})
	testsRecorded.WithLabelValues(region, outcomeLabel(err)).Inc()
	if err != nil {
		if errors.Is(err, guidedtest.ErrStaleTest) || errors.Is(err, guidedtest.ErrSessionLocked) {
			s.logger.Info().Err(err).Str("session_id", id.String()).Str("test_id", testID).Msg("test result rejected")
		}
		return nil, err
	}
	if sess.IsLocked() {
		s.logFinalized(sess)
	}
	return sess, nil
}

// Complete finalises a session whose log already ends at a conclusion but
// was not locked, which only happens after a failed write.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (_ *Session, err error) {
	ctx, span, timer := startSpan(ctx, "complete", attribute.String("session.id", id.String()))
	defer func() { endSpan(span, timer, err) }()

	sess, err := s.mutate(ctx, id, "complete", func(sess *Session) error {
		st := sess.GuidedTestResults
		switch {
		case st == nil:
			return ErrTestsNotStarted
		case st.IsLocked:
			return guidedtest.ErrSessionLocked
		case !st.IsComplete:
			return guidedtest.ErrNotComplete
		}
		return s.finalize(sess, *st)
	})
	if err != nil {
		return nil, err
	}
	s.logFinalized(sess)
	return sess, nil
}

func (s *Service) logFinalized(sess *Session) {
	rd := sess.GuidedTestResults.RefinedDiagnosis
	sessionsFinalized.WithLabelValues(sess.Region, string(rd.Status)).Inc()
	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("region", sess.Region).
		Str("diagnosis", rd.Diagnosis).
		Str("status", string(rd.Status)).
		Int("confidence", rd.Confidence).
		Msg("session finalized and locked")
}

// Replay re-derives the guided-test position from the stored log and
// compares it with the cached node. A log that no longer replays returns
// guidedtest.ErrGraphDesync.
func (s *Service) Replay(ctx context.Context, id uuid.UUID) (_ ReplayReport, err error) {
	ctx, span, timer := startSpan(ctx, "replay", attribute.String("session.id", id.String()))
	defer func() { endSpan(span, timer, err) }()

	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return ReplayReport{}, err
	}
	st := sess.GuidedTestResults
	if st == nil {
		return ReplayReport{}, ErrTestsNotStarted
	}
	g, pos, err := s.guided.Position(*st)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id.String()).Msg("guided test log does not replay")
		return ReplayReport{}, err
	}
	report := ReplayReport{
		SessionID:      sess.ID,
		Region:         sess.Region,
		StoredVersion:  st.GraphVersion,
		CurrentVersion: g.Version,
		VersionDrift:   st.GraphVersion != g.Version,
		StoredNodeID:   st.CurrentNodeID,
		ReplayedNodeID: pos,
		Consistent:     st.CurrentNodeID == pos,
		TestsRecorded:  len(st.CompletedTests),
		IsLocked:       st.IsLocked,
	}
	if report.VersionDrift {
		s.logger.Warn().
			Str("session_id", id.String()).
			Str("stored_version", report.StoredVersion).
			Str("current_version", report.CurrentVersion).
			Msg("test graph changed since the session started")
	}
	return report, nil
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.repo.GetByID(ctx, id)
}

// ListSessions lists one patient's sessions, or all sessions when patientID
// is empty.
func (s *Service) ListSessions(ctx context.Context, patientID string, limit, offset int) ([]*Session, int, error) {
	if patientID == "" {
		return s.repo.List(ctx, limit, offset)
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, guidedtest.ErrStaleTest):
		return "stale"
	case errors.Is(err, guidedtest.ErrSessionLocked):
		return "locked"
	case errors.Is(err, guidedtest.ErrGraphDesync):
		return "desync"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}
