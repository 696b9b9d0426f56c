package diagnosis

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/samkiell/CDSS-sub001/internal/domain/guidedtest"
	"github.com/samkiell/CDSS-sub001/internal/domain/intake"
	"github.com/samkiell/CDSS-sub001/internal/domain/rulegraph"
	"github.com/samkiell/CDSS-sub001/internal/platform/auth"
	"github.com/samkiell/CDSS-sub001/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Intake and session reads – patients and clinicians
	patientGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleClinician))
	patientGroup.GET("/intake/regions", h.ListRegions)
	patientGroup.POST("/intake/start", h.StartIntake)
	patientGroup.POST("/intake/answer", h.AnswerIntake)
	patientGroup.POST("/intake/back", h.BackIntake)
	patientGroup.POST("/diagnosis-sessions", h.SubmitIntake)
	patientGroup.GET("/diagnosis-sessions", h.ListSessions)
	patientGroup.GET("/diagnosis-sessions/:id", h.GetSession)

	// Guided testing – clinicians
	clinicianGroup := api.Group("/diagnosis-sessions/:id", auth.RequireRole(auth.RoleClinician))
	clinicianGroup.POST("/guided-tests", h.StartGuidedTests)
	clinicianGroup.GET("/guided-tests/current", h.CurrentTest)
	clinicianGroup.POST("/guided-tests/results", h.RecordTestResult)
	clinicianGroup.POST("/guided-tests/complete", h.Complete)
	clinicianGroup.GET("/replay", h.Replay)
}

type startIntakeRequest struct {
	Region string `json:"region" validate:"required,identifier"`
}

type answerIntakeRequest struct {
	State  intake.State `json:"state"`
	Answer string       `json:"answer" validate:"required,max=256"`
}

type backIntakeRequest struct {
	State intake.State `json:"state"`
}

type submitIntakeRequest struct {
	// PatientID is only read when a clinician submits on a patient's behalf.
	PatientID string       `json:"patient_id" validate:"max=128"`
	State     intake.State `json:"state"`
}

type recordResultRequest struct {
	TestID string `json:"test_id" validate:"required,max=128"`
	Result string `json:"result" validate:"required,max=32"`
	Notes  string `json:"notes" validate:"max=2000"`
}

type currentTestResponse struct {
	SessionID uuid.UUID                  `json:"session_id"`
	Phase     guidedtest.Phase           `json:"phase"`
	Test      *guidedtest.TestDescriptor `json:"test"`
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(v)
}

// -- Intake Handlers --

func (h *Handler) ListRegions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"regions": h.svc.Regions()})
}

func (h *Handler) StartIntake(c echo.Context) error {
	var req startIntakeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	step, err := h.svc.StartIntake(req.Region)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, step)
}

func (h *Handler) AnswerIntake(c echo.Context) error {
	var req answerIntakeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	step, err := h.svc.AnswerIntake(req.State, req.Answer)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, step)
}

func (h *Handler) BackIntake(c echo.Context) error {
	var req backIntakeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	step, err := h.svc.BackIntake(req.State)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, step)
}

// -- Session Handlers --

func (h *Handler) SubmitIntake(c echo.Context) error {
	var req submitIntakeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	patientID := auth.UserIDFromContext(ctx)
	if auth.HasRole(ctx, auth.RoleClinician) && req.PatientID != "" {
		patientID = req.PatientID
	}
	sess, err := h.svc.SubmitIntake(ctx, patientID, req.State)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.loadSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)

	patientID := c.QueryParam("patient_id")
	if !auth.HasRole(ctx, auth.RoleClinician) {
		patientID = auth.UserIDFromContext(ctx)
	}
	items, total, err := h.svc.ListSessions(ctx, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	if items == nil {
		items = []*Session{}
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

// loadSession fetches :id and enforces that patients only see their own
// sessions.
func (h *Handler) loadSession(c echo.Context) (*Session, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	sess, err := h.svc.GetSession(ctx, id)
	if err != nil {
		return nil, errorResponse(err)
	}
	if !auth.HasRole(ctx, auth.RoleClinician) && sess.PatientID != auth.UserIDFromContext(ctx) {
		return nil, errorResponse(ErrForbidden)
	}
	return sess, nil
}

// -- Guided Test Handlers --

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) StartGuidedTests(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.StartGuidedTests(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) CurrentTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	test, sess, err := h.svc.CurrentTest(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, currentTestResponse{
		SessionID: sess.ID,
		Phase:     sess.GuidedTestResults.Phase(),
		Test:      test,
	})
}

func (h *Handler) RecordTestResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req recordResultRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	sess, err := h.svc.RecordTestResult(ctx, id, req.TestID, req.Result, req.Notes, auth.UserIDFromContext(ctx))
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) Replay(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	report, err := h.svc.Replay(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, report)
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{ErrSessionNotFound, http.StatusNotFound, "not_found"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrPatientRequired, http.StatusBadRequest, "patient_required"},
	{rulegraph.ErrUnknownRegion, http.StatusBadRequest, "unknown_region"},
	{intake.ErrInvalidAnswer, http.StatusBadRequest, "invalid_answer"},
	{intake.ErrInvalidState, http.StatusBadRequest, "invalid_state"},
	{guidedtest.ErrInvalidResult, http.StatusBadRequest, "invalid_result"},
	{intake.ErrIntakeComplete, http.StatusConflict, "intake_complete"},
	{ErrIntakeIncomplete, http.StatusConflict, "intake_incomplete"},
	{ErrTestsNotStarted, http.StatusConflict, "tests_not_started"},
	{guidedtest.ErrGraphDesync, http.StatusConflict, "graph_desync"},
	{guidedtest.ErrStaleTest, http.StatusConflict, "stale_test"},
	{guidedtest.ErrSessionLocked, http.StatusConflict, "session_locked"},
	{guidedtest.ErrNotComplete, http.StatusConflict, "not_complete"},
	{ErrVersionConflict, http.StatusConflict, "version_conflict"},
}

// errorResponse maps domain errors to a status and a machine-readable code.
// Anything unrecognised is passed through for the server's error handler.
func errorResponse(err error) error {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return echo.NewHTTPError(e.status, map[string]string{
				"error": err.Error(),
				"code":  e.code,
			}).SetInternal(err)
		}
	}
	return err
}
