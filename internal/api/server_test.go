package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OpenGRC-Risk/internal/agent"
	"OpenGRC-Risk/internal/agents/riskscoring"
	"OpenGRC-Risk/internal/auth"
	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/observability/metrics"
	"OpenGRC-Risk/internal/scoring"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/internal/task"
	"OpenGRC-Risk/pkg/logger"
)

type fixture struct {
	repo    *store.Repository
	queue   *task.MemoryQueue
	metrics *metrics.Metrics
	ctrl    *agent.Controller[riskscoring.Batch, riskscoring.Scored]
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	records := store.NewMemoryStore()
	repo := store.NewRepository(records)
	controls := []scoring.Control{
		{ID: "A.5.1", Title: "Policies for information security", Category: "Organizational", Type: scoring.ControlManagement},
		{ID: "A.8.24", Title: "Use of cryptography", Category: "Technological", Type: scoring.ControlTechnical},
	}
	if err := repo.SaveFramework(context.Background(), store.Framework{ID: "iso27001", Name: "ISO/IEC 27001"}, controls); err != nil {
		t.Fatalf("save framework: %v", err)
	}

	queue := task.NewMemoryQueue(16)
	service := task.NewService(task.NewKVStore(records), queue, repo)
	m := metrics.New()

	cfg := agent.DefaultConfig(riskscoring.Name)
	cfg.Timeout = 5 * time.Second
	ctrl, err := riskscoring.NewController(cfg, riskscoring.New(repo), agent.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	registry, err := agent.NewRegistry(ctrl)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	srv := NewServer(":0", repo, service, WithRegistry(registry), WithMetrics(m), WithLogger(logger.Discard()))
	return &fixture{repo: repo, queue: queue, metrics: m, ctrl: ctrl, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAssessmentScoringFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/assessments", map[string]string{"id": "acme-2026", "framework_id": "iso27001", "name": "ACME"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[store.Assessment](t, rec)
	if created.Status != store.AssessmentDraft {
		t.Fatalf("expected draft assessment, got %s", created.Status)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/assessments/acme-2026/responses", map[string]any{
		"responses": []scoring.Response{
			{ControlID: "A.5.1", Status: "compliant"},
			{ControlID: "A.8.24", Status: "non-compliant"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put responses: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[responsesReply](t, rec); got.Accepted != 2 {
		t.Fatalf("expected 2 accepted responses, got %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/assessments/acme-2026/result", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before scoring, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/assessments/acme-2026/score", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("score: status %d body %s", rec.Code, rec.Body.String())
	}
	job := decodeBody[task.Job](t, rec)
	if job.AssessmentID != "acme-2026" || job.Status != task.StatusPending {
		t.Fatalf("unexpected job: %+v", job)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/jobs/"+job.ID {
		t.Fatalf("unexpected location %q", loc)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: status %d", rec.Code)
	}

	if res := f.ctrl.Run(context.Background()); res.Status != agent.StatusCompleted || res.TasksCompleted != 1 {
		t.Fatalf("unexpected run: %+v", res)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/assessments/acme-2026/result", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("result: status %d body %s", rec.Code, rec.Body.String())
	}
	result := decodeBody[store.ResultRecord](t, rec)
	// Organizational contributes 0 and Technological 100, with equal category weights.
	if result.Result.OverallScore != 50 || result.Result.RiskLevel != scoring.RiskMedium {
		t.Fatalf("unexpected result: %+v", result.Result)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/assessments/acme-2026", nil)
	if got := decodeBody[store.Assessment](t, rec); got.Status != store.AssessmentScored || got.LatestResultID != result.ID {
		t.Fatalf("assessment not marked scored: %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/agents", nil)
	snaps := decodeBody[[]struct {
		Name    string          `json:"name"`
		LastRun json.RawMessage `json:"last_run"`
	}](t, rec)
	if len(snaps) != 1 || snaps[0].Name != riskscoring.Name || len(snaps[0].LastRun) == 0 {
		t.Fatalf("unexpected agent snapshot: %s", rec.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   xerrors.Code
	}{
		{"unknown assessment", http.MethodGet, "/api/v1/assessments/missing", nil, http.StatusNotFound, xerrors.CodeNotFound},
		{"unknown framework", http.MethodPost, "/api/v1/assessments", map[string]string{"framework_id": "nist"}, http.StatusNotFound, xerrors.CodeNotFound},
		{"missing framework id", http.MethodPost, "/api/v1/assessments", map[string]string{"name": "x"}, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unknown field", http.MethodPost, "/api/v1/assessments", map[string]string{"framework": "iso27001"}, http.StatusBadRequest, xerrors.CodeInvalidArgument},
		{"unknown job", http.MethodGet, "/api/v1/jobs/nope", nil, http.StatusNotFound, task.CodeJobNotFound},
		{"score unknown assessment", http.MethodPost, "/api/v1/assessments/missing/score", nil, http.StatusNotFound, xerrors.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if got := decodeBody[errorBody](t, rec); got.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got.Code)
			}
		})
	}

	rec := f.do(t, http.MethodPost, "/api/v1/assessments", map[string]string{"id": "dup", "framework_id": "iso27001"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/assessments", map[string]string{"id": "dup", "framework_id": "iso27001"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", rec.Code)
	}
}

func TestScoreFailsWhenQueueClosed(t *testing.T) {
	f := newFixture(t)
	if _, err := f.repo.CreateAssessment(context.Background(), store.Assessment{ID: "a1", FrameworkID: "iso27001"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = f.queue.Close()

	rec := f.do(t, http.MethodPost, "/api/v1/assessments/a1/score", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestListFrameworksAndControls(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/frameworks", nil)
	fws := decodeBody[[]store.Framework](t, rec)
	if len(fws) != 1 || fws[0].ID != "iso27001" || fws[0].ControlCount != 2 {
		t.Fatalf("unexpected frameworks: %+v", fws)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/frameworks/iso27001/controls", nil)
	controls := decodeBody[[]scoring.Control](t, rec)
	if len(controls) != 2 || controls[0].ID != "A.5.1" {
		t.Fatalf("unexpected controls: %+v", controls)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	f.do(t, http.MethodGet, "/api/v1/assessments/missing", nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	body := rec.Body.String()
	for _, want := range []string{
		`risk_http_requests_total{code="200",handler="healthz",method="GET"} 1`,
		`risk_http_requests_total{code="404",handler="assessment",method="GET"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in metrics output", want)
		}
	}
}

func TestStatusForUnknownCode(t *testing.T) {
	if statusFor(xerrors.CodeStorageFailure) != http.StatusInternalServerError {
		t.Fatalf("storage failures should map to 500")
	}
	if statusFor(task.CodeJobPublish) != http.StatusServiceUnavailable {
		t.Fatalf("publish failures should map to 503")
	}
}

func TestAuthProtectsAPIRoutes(t *testing.T) {
	repo := store.NewRepository(store.NewMemoryStore())
	authn, err := auth.NewService(auth.Config{Mode: auth.ModeAPIKey, Keys: []auth.Key{
		{Name: "dashboard", Secret: "dashboard-secret-0123", Permissions: []string{auth.PermissionRead}},
	}})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	h := NewServer(":0", repo, nil, WithAuth(authn), WithLogger(logger.Discard())).Handler()

	call := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(`{"framework_id":"x"}`))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if got := call(http.MethodGet, "/healthz", ""); got != http.StatusOK {
		t.Fatalf("healthz should stay open, got %d", got)
	}
	if got := call(http.MethodGet, "/api/v1/frameworks", ""); got != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", got)
	}
	if got := call(http.MethodGet, "/api/v1/frameworks", "dashboard-secret-0123"); got != http.StatusOK {
		t.Fatalf("expected 200, got %d", got)
	}
	if got := call(http.MethodPost, "/api/v1/assessments", "dashboard-secret-0123"); got != http.StatusForbidden {
		t.Fatalf("read-only key must not write, got %d", got)
	}
}
