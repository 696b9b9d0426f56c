package diagnosis

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/samkiell/CDSS-sub001/internal/domain/intake"
	"github.com/samkiell/CDSS-sub001/internal/platform/auth"
	"github.com/samkiell/CDSS-sub001/internal/platform/middleware"
	"github.com/samkiell/CDSS-sub001/internal/platform/validate"
)

func newTestServer(t *testing.T) (*echo.Echo, *Service) {
	t.Helper()
	svc, _ := newTestService(t)
	e := echo.New()
	e.Validator = validate.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(svc).RegisterRoutes(api)
	return e, svc
}

type caller struct {
	user  string
	roles string
}

var (
	patient1  = caller{user: "patient-1", roles: auth.RolePatient}
	patient2  = caller{user: "patient-2", roles: auth.RolePatient}
	clinician = caller{user: "clin-1", roles: auth.RoleClinician}
)

func do(t *testing.T, e *echo.Echo, who caller, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		payload = string(b)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(auth.DevUserHeader, who.user)
	req.Header.Set(auth.DevRolesHeader, who.roles)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["code"]
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func submitViaHTTP(t *testing.T, e *echo.Echo, who caller, st intake.State) *Session {
	t.Helper()
	rec := do(t, e, who, http.MethodPost, "/api/v1/diagnosis-sessions", map[string]interface{}{"state": st})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	s := decode[Session](t, rec)
	return &s
}

func TestHandler_ListRegions(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(t, e, patient1, http.MethodGet, "/api/v1/intake/regions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode[map[string][]string](t, rec)
	if len(body["regions"]) != 5 {
		t.Errorf("expected 5 regions, got %v", body["regions"])
	}
}

func TestHandler_IntakeFlow(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(t, e, patient1, http.MethodPost, "/api/v1/intake/start", map[string]string{"region": "knee"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	step := decode[IntakeStep](t, rec)
	for _, a := range kneeACLAnswers {
		rec = do(t, e, patient1, http.MethodPost, "/api/v1/intake/answer", map[string]interface{}{"state": step.State, "answer": a})
		if rec.Code != http.StatusOK {
			t.Fatalf("answer %q: expected 200, got %d: %s", a, rec.Code, rec.Body.String())
		}
		step = decode[IntakeStep](t, rec)
	}
	if step.Phase != intake.PhaseComplete {
		t.Fatalf("expected complete, got %s", step.Phase)
	}

	sess := submitViaHTTP(t, e, patient1, step.State)
	if sess.PatientID != "patient-1" || sess.Status != StatusProvisional {
		t.Errorf("unexpected session %+v", sess)
	}
}

func TestHandler_IntakeErrors(t *testing.T) {
	e, svc := newTestServer(t)
	started, _ := svc.StartIntake("knee")

	tests := []struct {
		name     string
		path     string
		body     interface{}
		wantCode int
		wantErr  string
	}{
		{"unknown region", "/api/v1/intake/start", map[string]string{"region": "elbow"}, 400, "unknown_region"},
		{"missing region", "/api/v1/intake/start", map[string]string{}, 400, "validation_failed"},
		{"invalid answer", "/api/v1/intake/answer", map[string]interface{}{"state": started.State, "answer": "Skiing"}, 400, "invalid_answer"},
		{"incomplete submit", "/api/v1/diagnosis-sessions", map[string]interface{}{"state": started.State}, 409, "intake_incomplete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, e, patient1, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantErr {
				t.Errorf("expected code %q, got %q", tt.wantErr, code)
			}
		})
	}
}

func TestHandler_BackToRegionSelect(t *testing.T) {
	e, svc := newTestServer(t)
	started, _ := svc.StartIntake("knee")

	rec := do(t, e, patient1, http.MethodPost, "/api/v1/intake/back", map[string]interface{}{"state": started.State})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if step := decode[IntakeStep](t, rec); !step.Reselect {
		t.Error("expected reselect")
	}
}

func TestHandler_SessionAccess(t *testing.T) {
	e, svc := newTestServer(t)
	sess := submitViaHTTP(t, e, patient1, completeIntake(t, svc, "knee", kneeACLAnswers...))
	path := "/api/v1/diagnosis-sessions/" + sess.ID.String()

	if rec := do(t, e, patient1, http.MethodGet, path, nil); rec.Code != http.StatusOK {
		t.Errorf("owner: expected 200, got %d", rec.Code)
	}
	if rec := do(t, e, clinician, http.MethodGet, path, nil); rec.Code != http.StatusOK {
		t.Errorf("clinician: expected 200, got %d", rec.Code)
	}
	rec := do(t, e, patient2, http.MethodGet, path, nil)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "forbidden" {
		t.Errorf("other patient: expected 403 forbidden, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, clinician, http.MethodGet, "/api/v1/diagnosis-sessions/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "not_found" {
		t.Errorf("missing: expected 404 not_found, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, e, clinician, http.MethodGet, "/api/v1/diagnosis-sessions/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestHandler_ListSessions_PatientSeesOwn(t *testing.T) {
	e, svc := newTestServer(t)
	st := completeIntake(t, svc, "knee", kneeACLAnswers...)
	submitViaHTTP(t, e, patient1, st)
	submitViaHTTP(t, e, patient2, st)

	type page struct {
		Data  []Session `json:"data"`
		Total int       `json:"total"`
	}
	rec := do(t, e, patient1, http.MethodGet, "/api/v1/diagnosis-sessions?patient_id=patient-2", nil)
	if got := decode[page](t, rec); got.Total != 1 || got.Data[0].PatientID != "patient-1" {
		t.Errorf("patient filter must be forced to the caller, got %+v", got)
	}
	rec = do(t, e, clinician, http.MethodGet, "/api/v1/diagnosis-sessions", nil)
	if got := decode[page](t, rec); got.Total != 2 {
		t.Errorf("clinician should see all sessions, got %d", got.Total)
	}
	rec = do(t, e, clinician, http.MethodGet, "/api/v1/diagnosis-sessions?patient_id=patient-2", nil)
	if got := decode[page](t, rec); got.Total != 1 {
		t.Errorf("clinician filter: got %d", got.Total)
	}
}

func TestHandler_ClinicianSubmitsForPatient(t *testing.T) {
	e, svc := newTestServer(t)
	st := completeIntake(t, svc, "knee", kneeACLAnswers...)

	rec := do(t, e, clinician, http.MethodPost, "/api/v1/diagnosis-sessions",
		map[string]interface{}{"patient_id": "patient-9", "state": st})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if s := decode[Session](t, rec); s.PatientID != "patient-9" {
		t.Errorf("expected patient-9, got %s", s.PatientID)
	}

	rec = do(t, e, patient1, http.MethodPost, "/api/v1/diagnosis-sessions",
		map[string]interface{}{"patient_id": "patient-9", "state": st})
	if s := decode[Session](t, rec); s.PatientID != "patient-1" {
		t.Errorf("patients cannot submit for others, got %s", s.PatientID)
	}
}

func TestHandler_GuidedTestFlow(t *testing.T) {
	e, svc := newTestServer(t)
	sess := submitViaHTTP(t, e, patient1, completeIntake(t, svc, "knee", kneeACLAnswers...))
	base := "/api/v1/diagnosis-sessions/" + sess.ID.String()

	rec := do(t, e, patient1, http.MethodPost, base+"/guided-tests", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("patients must not run guided tests, got %d", rec.Code)
	}

	rec = do(t, e, clinician, http.MethodGet, base+"/guided-tests/current", nil)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "tests_not_started" {
		t.Errorf("expected tests_not_started, got %d %s", rec.Code, rec.Body.String())
	}

	if rec = do(t, e, clinician, http.MethodPost, base+"/guided-tests", nil); rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, clinician, http.MethodGet, base+"/guided-tests/current", nil)
	cur := decode[currentTestResponse](t, rec)
	if cur.Test == nil || cur.Test.ID != "lachman" {
		t.Fatalf("unexpected current test %+v", cur)
	}

	rec = do(t, e, clinician, http.MethodPost, base+"/guided-tests/results",
		map[string]string{"test_id": "mcmurray", "result": "Positive"})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "stale_test" {
		t.Errorf("expected stale_test, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, clinician, http.MethodPost, base+"/guided-tests/results",
		map[string]string{"test_id": "lachman", "result": "Sideways"})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_result" {
		t.Errorf("expected invalid_result, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, clinician, http.MethodPost, base+"/guided-tests/results",
		map[string]string{"result": "Positive"})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "validation_failed" {
		t.Errorf("expected validation_failed, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, clinician, http.MethodPost, base+"/guided-tests/results",
		map[string]string{"test_id": "lachman", "result": "Positive", "notes": "soft end feel"})
	if rec.Code != http.StatusOK {
		t.Fatalf("record: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	locked := decode[Session](t, rec)
	if !locked.IsLocked() || locked.GuidedTestResults.CompletedTests[0].RecordedBy != "clin-1" {
		t.Errorf("expected locked session recorded by clin-1, got %+v", locked.GuidedTestResults)
	}

	rec = do(t, e, clinician, http.MethodGet, base+"/guided-tests/current", nil)
	if cur := decode[currentTestResponse](t, rec); cur.Test != nil || cur.Phase != "locked" {
		t.Errorf("expected no test once locked, got %+v", cur)
	}

	rec = do(t, e, clinician, http.MethodPost, base+"/guided-tests/results",
		map[string]string{"test_id": "lachman", "result": "Negative"})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "session_locked" {
		t.Errorf("expected session_locked, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, clinician, http.MethodPost, base+"/guided-tests/complete", nil)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "session_locked" {
		t.Errorf("expected session_locked from complete, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, e, clinician, http.MethodGet, base+"/replay", nil)
	if report := decode[ReplayReport](t, rec); !report.Consistent || !report.IsLocked {
		t.Errorf("unexpected replay report %+v", report)
	}
}
