package risk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OpenGRC-Risk/internal/agent"
	"OpenGRC-Risk/internal/agents/riskscoring"
	"OpenGRC-Risk/internal/api"
	"OpenGRC-Risk/internal/auth"
	"OpenGRC-Risk/internal/scoring"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/internal/task"
	"OpenGRC-Risk/pkg/logger"
)

const testKey = "sdk-test-secret-0123456789"

func newTestServer(t *testing.T, ctx context.Context) *httptest.Server {
	t.Helper()
	records := store.NewMemoryStore()
	repo := store.NewRepository(records)
	controls := []scoring.Control{
		{ID: "CC1.1", Title: "Integrity and ethical values", Category: "Governance", Type: scoring.ControlManagement},
		{ID: "CC6.1", Title: "Logical access security", Category: "Access Control", Type: scoring.ControlTechnical},
	}
	if err := repo.SaveFramework(ctx, store.Framework{ID: "soc2", Name: "SOC 2"}, controls); err != nil {
		t.Fatalf("save framework: %v", err)
	}

	cfg := agent.DefaultConfig(riskscoring.Name)
	cfg.Timeout = 5 * time.Second
	ctrl, err := riskscoring.NewController(cfg, riskscoring.New(repo), agent.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	queue := task.NewMemoryQueue(16)
	jobs := task.NewKVStore(records)
	processor := task.NewProcessor(ctrl, jobs, queue, task.WithWorkerCount(1), task.WithProcessorLogger(logger.Discard()))
	go func() { _ = processor.Start(ctx) }()

	authn, err := auth.NewService(auth.Config{Mode: auth.ModeAPIKey, Keys: []auth.Key{
		{Name: "sdk", Secret: testKey, Permissions: []string{auth.PermissionRead, auth.PermissionWrite}},
	}})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	srv := api.NewServer(":0", repo, task.NewService(jobs, queue, repo), api.WithAuth(authn), api.WithLogger(logger.Discard()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientScoresAssessment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ts := newTestServer(t, ctx)

	client, err := NewClient(ts.URL, ts.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAPIKey(testKey)

	fws, err := client.ListFrameworks(ctx)
	if err != nil || len(fws) != 1 || fws[0].ControlCount != 2 {
		t.Fatalf("unexpected frameworks %+v (%v)", fws, err)
	}

	a, err := client.CreateAssessment(ctx, NewAssessment{ID: "q3", FrameworkID: "soc2", Name: "Q3 review"})
	if err != nil {
		t.Fatalf("create assessment: %v", err)
	}
	if err := client.PutResponses(ctx, a.ID, []Response{
		{ControlID: "CC1.1", Status: "compliant"},
		{ControlID: "CC6.1", Status: "partially compliant"},
	}); err != nil {
		t.Fatalf("put responses: %v", err)
	}

	job, err := client.Score(ctx, a.ID)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	done, err := client.WaitForJob(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for job: %v", err)
	}
	if done.Status != "succeeded" {
		t.Fatalf("unexpected job outcome: %+v", done)
	}

	res, err := client.LatestResult(ctx, a.ID)
	if err != nil {
		t.Fatalf("latest result: %v", err)
	}
	summary, err := res.Summary()
	if err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	// Governance 0, Access Control 50, equal category weights.
	if summary.OverallScore != 25 || summary.RiskLevel != "low" || summary.Confidence != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	got, err := client.GetAssessment(ctx, a.ID)
	if err != nil || got.Status != "scored" || got.LatestResultID != res.ID {
		t.Fatalf("unexpected assessment %+v (%v)", got, err)
	}
}

func TestClientReportsAPIErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts := newTestServer(t, ctx)

	client, err := NewClient(ts.URL, ts.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.ListFrameworks(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	client.SetAPIKey(testKey)
	_, err = client.GetAssessment(ctx, "missing")
	if !IsNotFound(err) || !errors.As(err, &apiErr) || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("expected coded not found error, got %v", err)
	}
}
