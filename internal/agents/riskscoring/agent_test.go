package riskscoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"OpenGRC-Risk/internal/agent"
	"OpenGRC-Risk/internal/events"
	"OpenGRC-Risk/internal/scoring"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/pkg/logger"
)

func seed(t *testing.T, repo *store.Repository) {
	t.Helper()
	ctx := context.Background()
	controls := []scoring.Control{
		{ID: "A.8.24", Title: "Use of cryptography", Category: "Cryptography", Type: scoring.ControlTechnical},
		{ID: "A.5.1", Title: "Policies for information security", Category: "Governance", Type: scoring.ControlManagement},
	}
	if err := repo.SaveFramework(ctx, store.Framework{ID: "iso27001", Name: "ISO 27001"}, controls); err != nil {
		t.Fatalf("save framework: %v", err)
	}
	for _, id := range []string{"a-pending", "a-draft"} {
		if _, err := repo.CreateAssessment(ctx, store.Assessment{ID: id, FrameworkID: "iso27001"}); err != nil {
			t.Fatalf("create assessment: %v", err)
		}
	}
	pending, _ := repo.GetAssessment(ctx, "a-pending")
	pending.Status = store.AssessmentPending
	if err := repo.SaveAssessment(ctx, pending); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	if err := repo.PutResponse(ctx, "a-pending", scoring.Response{ControlID: "A.8.24", Status: "not_implemented"}); err != nil {
		t.Fatalf("put response: %v", err)
	}
	if err := repo.PutResponse(ctx, "a-pending", scoring.Response{ControlID: "A.5.1", Status: scoring.StatusCompliant}); err != nil {
		t.Fatalf("put response: %v", err)
	}
}

func testConfig() agent.Config {
	cfg := agent.DefaultConfig(Name)
	cfg.Timeout = 5 * time.Second
	return cfg
}

type scoreLog struct {
	mu     sync.Mutex
	scores map[string]int
}

func (s *scoreLog) RecordScore(id string, r scoring.AssessmentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scores == nil {
		s.scores = make(map[string]int)
	}
	s.scores[id] = r.OverallScore
}

func TestRunScoresPendingAssessments(t *testing.T) {
	repo := store.NewRepository(store.NewMemoryStore())
	seed(t, repo)
	pub := &events.MemoryPublisher{}
	scores := &scoreLog{}
	ctrl, err := NewController(testConfig(), New(repo, WithPublisher(pub), WithScoreRecorder(scores)),
		agent.WithBackoff(func(int) time.Duration { return 0 }), agent.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	res := ctrl.Run(context.Background())
	if res.Status != agent.StatusCompleted || res.TasksCompleted != 1 || res.TotalTasks != 1 {
		t.Fatalf("unexpected run result: %+v", res)
	}

	ctx := context.Background()
	latest, err := repo.LatestResult(ctx, "a-pending")
	if err != nil {
		t.Fatalf("latest result: %v", err)
	}
	// Cryptography: critical non-compliant = 100, Governance: compliant = 0.
	if latest.Result.OverallScore != 50 || latest.Result.RiskLevel != scoring.RiskMedium {
		t.Fatalf("unexpected result: %+v", latest.Result)
	}
	a, _ := repo.GetAssessment(ctx, "a-pending")
	if a.Status != store.AssessmentScored || a.LatestResultID != latest.ID || a.ScoredAt == nil {
		t.Fatalf("assessment not marked scored: %+v", a)
	}
	draft, _ := repo.GetAssessment(ctx, "a-draft")
	if draft.Status != store.AssessmentDraft {
		t.Fatalf("draft assessments must not be scored: %+v", draft)
	}
	if evs := pub.Events(); len(evs) != 1 || evs[0].Type != events.TypeAssessmentScored {
		t.Fatalf("expected one scored event, got %+v", evs)
	}
	if scores.scores["a-pending"] != 50 {
		t.Fatalf("score recorder not notified: %+v", scores.scores)
	}

	again := ctrl.Run(context.Background())
	if again.Status != agent.StatusCompleted || again.TotalTasks != 0 {
		t.Fatalf("second run should find nothing pending: %+v", again)
	}
}

type failingPublisher struct {
	failures int
	events.MemoryPublisher
}

func (f *failingPublisher) Publish(ctx context.Context, ev events.Event) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	return f.MemoryPublisher.Publish(ctx, ev)
}

func TestPublishFailureLeavesAssessmentPendingForRetry(t *testing.T) {
	repo := store.NewRepository(store.NewMemoryStore())
	seed(t, repo)
	pub := &failingPublisher{failures: 1}
	ctrl, err := NewController(testConfig(), New(repo, WithPublisher(pub)),
		agent.WithBackoff(func(int) time.Duration { return 0 }), agent.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	res := ctrl.Run(context.Background())
	if res.Status != agent.StatusCompleted || res.RetryCount != 1 || res.TasksCompleted != 1 {
		t.Fatalf("expected success on the retry, got %+v", res)
	}
	if len(pub.Events()) != 1 {
		t.Fatalf("expected one delivered event")
	}
}

func TestRunScoresAssessmentWithoutControls(t *testing.T) {
	repo := store.NewRepository(store.NewMemoryStore())
	ctx := context.Background()
	if err := repo.SaveFramework(ctx, store.Framework{ID: "empty"}, nil); err != nil {
		t.Fatalf("save framework: %v", err)
	}
	a, err := repo.CreateAssessment(ctx, store.Assessment{ID: "a1", FrameworkID: "empty"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a.Status = store.AssessmentPending
	_ = repo.SaveAssessment(ctx, a)

	ctrl, err := NewController(testConfig(), New(repo), agent.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	res := ctrl.Run(ctx)
	if res.Status != agent.StatusCompleted || res.TasksCompleted != 1 || res.TotalTasks != 1 {
		t.Fatalf("expected 1/1 tasks, got %+v", res)
	}
	latest, err := repo.LatestResult(ctx, "a1")
	if err != nil {
		t.Fatalf("latest result: %v", err)
	}
	if latest.Result.OverallScore != 0 || latest.Result.RiskLevel != scoring.RiskLow || latest.Result.Confidence != 0 {
		t.Fatalf("expected empty low-risk result, got %+v", latest.Result)
	}
	got, _ := repo.GetAssessment(ctx, "a1")
	if got.Status != store.AssessmentScored {
		t.Fatalf("assessment should be scored, got %s", got.Status)
	}
}

func TestPublishKeepsAssessmentResubmittedDuringRun(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepository(store.NewMemoryStore())
	seed(t, repo)
	ag := New(repo)

	batch, err := ag.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	scored, err := ag.Process(ctx, batch)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	time.Sleep(time.Millisecond)
	current, _ := repo.GetAssessment(ctx, "a-pending")
	if err := repo.SaveAssessment(ctx, current); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	if err := ag.Publish(ctx, scored); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, _ := repo.GetAssessment(ctx, "a-pending")
	if got.Status != store.AssessmentPending {
		t.Fatalf("resubmitted assessment must stay pending, got %s", got.Status)
	}
	if got.LatestResultID == "" {
		t.Fatalf("latest result id should still be recorded")
	}
}
