package task

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"OpenGRC-Risk/internal/agent"
	"OpenGRC-Risk/internal/agents/riskscoring"
	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/scoring"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/pkg/logger"
)

type fakeRunner struct {
	runs    atomic.Int32
	latency time.Duration
	status  agent.Status
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(ctx context.Context) agent.RunResult {
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	f.runs.Add(1)
	status := f.status
	if status == "" {
		status = agent.StatusCompleted
	}
	res := agent.RunResult{RunID: fmt.Sprintf("run-%d", f.runs.Load()), AgentName: "fake", Status: status, TasksCompleted: 1, TotalTasks: 1}
	if status == agent.StatusFailed {
		res.Error = "[AGENT_EXECUTION_FAILED] boom"
	}
	return res
}

func newFixture(t *testing.T, assessments int) (*store.Repository, *KVStore) {
	t.Helper()
	records := store.NewMemoryStore()
	repo := store.NewRepository(records)
	ctx := context.Background()
	controls := []scoring.Control{{ID: "A.8.24", Title: "Use of cryptography", Category: "Cryptography", Type: scoring.ControlTechnical}}
	if err := repo.SaveFramework(ctx, store.Framework{ID: "iso27001"}, controls); err != nil {
		t.Fatalf("save framework: %v", err)
	}
	for i := 0; i < assessments; i++ {
		if _, err := repo.CreateAssessment(ctx, store.Assessment{ID: fmt.Sprintf("a-%d", i), FrameworkID: "iso27001"}); err != nil {
			t.Fatalf("create assessment: %v", err)
		}
	}
	return repo, NewKVStore(records)
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	total := 100
	repo, jobs := newFixture(t, total)
	queue := NewMemoryQueue(1024)
	runner := &fakeRunner{latency: 5 * time.Millisecond}

	service := NewService(jobs, queue, repo)
	processor := NewProcessor(runner, jobs, queue, WithWorkerCount(8), WithProcessorLogger(logger.Discard()))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	var last *Job
	for i := 0; i < total; i++ {
		job, err := service.Submit(ctx, fmt.Sprintf("a-%d", i))
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		last = job
	}

	deadline := time.After(5 * time.Second)
	for int(runner.runs.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("jobs not processed in time, finished %d", runner.runs.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	done, err := service.WaitUntilCompleted(ctx, last.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.RunID == "" || done.Attempts != 1 {
		t.Fatalf("unexpected job: %+v", done)
	}
}

func TestSubmitValidatesAndMarksPending(t *testing.T) {
	repo, jobs := newFixture(t, 1)
	queue := NewMemoryQueue(4)
	service := NewService(jobs, queue, repo)
	ctx := context.Background()

	if _, err := service.Submit(ctx, " "); !xerrors.HasCode(err, CodeJobValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	job, err := service.Submit(ctx, "a-0")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	a, _ := repo.GetAssessment(ctx, "a-0")
	if a.Status != store.AssessmentPending || job.Status != StatusPending {
		t.Fatalf("expected pending assessment and job, got %s / %s", a.Status, job.Status)
	}
}

func TestSubmitMarksJobFailedWhenQueueRejects(t *testing.T) {
	repo, jobs := newFixture(t, 1)
	queue := NewMemoryQueue(1)
	queue.Close()
	service := NewService(jobs, queue, repo)

	_, err := service.Submit(context.Background(), "a-0")
	if !xerrors.HasCode(err, CodeJobPublish) {
		t.Fatalf("expected publish failure, got %v", err)
	}
	list, _ := service.List(context.Background(), 10)
	if len(list) != 1 || list[0].Status != StatusFailed || list[0].ErrorCode != string(CodeJobPublish) {
		t.Fatalf("expected failed job, got %+v", list)
	}
}

func TestProcessorRecordsRunOutcome(t *testing.T) {
	cases := []struct {
		status agent.Status
		want   Status
		code   string
	}{
		{agent.StatusFailed, StatusFailed, string(CodeJobRunFailed)},
		{agent.StatusIdle, StatusFailed, string(CodeAgentDisabled)},
	}
	for _, tc := range cases {
		repo, jobs := newFixture(t, 1)
		service := NewService(jobs, NewMemoryQueue(4), repo)
		job, err := service.Submit(context.Background(), "a-0")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		p := NewProcessor(&fakeRunner{status: tc.status}, jobs, nil)
		if err := p.handle(context.Background(), job.ID); err != nil {
			t.Fatalf("handle: %v", err)
		}
		got, _ := jobs.Get(context.Background(), job.ID)
		if got.Status != tc.want || got.ErrorCode != tc.code {
			t.Fatalf("%s: unexpected job %+v", tc.status, got)
		}
		if err := p.handle(context.Background(), "unknown"); err != nil {
			t.Fatalf("unknown jobs should be skipped: %v", err)
		}
	}
}

func TestProcessorDrivesRiskScoringAgent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, jobs := newFixture(t, 1)
	if err := repo.PutResponse(ctx, "a-0", scoring.Response{ControlID: "A.8.24", Status: scoring.StatusPartial}); err != nil {
		t.Fatalf("put response: %v", err)
	}
	cfg := agent.DefaultConfig(riskscoring.Name)
	ctrl, err := riskscoring.NewController(cfg, riskscoring.New(repo), agent.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	queue := NewMemoryQueue(4)
	service := NewService(jobs, queue, repo)
	go NewProcessor(ctrl, jobs, queue).Start(ctx)

	job, err := service.Submit(ctx, "a-0")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done, err := service.WaitUntilCompleted(ctx, job.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.TasksCompleted != 1 {
		t.Fatalf("unexpected job: %+v", done)
	}
	latest, err := repo.LatestResult(ctx, "a-0")
	if err != nil || latest.Result.OverallScore != 50 {
		t.Fatalf("expected partial critical control to score 50, got %+v err=%v", latest, err)
	}
}

func newBatchOfOneController(t *testing.T, repo *store.Repository) *agent.Controller[riskscoring.Batch, riskscoring.Scored] {
	t.Helper()
	cfg := agent.DefaultConfig(riskscoring.Name)
	ctrl, err := riskscoring.NewController(cfg, riskscoring.New(repo, riskscoring.WithBatchSize(1)), agent.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	return ctrl
}

func markPending(t *testing.T, repo *store.Repository, id string) {
	t.Helper()
	a, err := repo.GetAssessment(context.Background(), id)
	if err != nil {
		t.Fatalf("get assessment: %v", err)
	}
	a.Status = store.AssessmentPending
	if err := repo.SaveAssessment(context.Background(), a); err != nil {
		t.Fatalf("save assessment: %v", err)
	}
}

func TestProcessorRequeuesJobWhoseAssessmentWasNotReached(t *testing.T) {
	ctx := context.Background()
	repo, jobs := newFixture(t, 2)
	markPending(t, repo, "a-0")

	queue := NewMemoryQueue(4)
	service := NewService(jobs, queue, repo)
	job, err := service.Submit(ctx, "a-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	p := NewProcessor(newBatchOfOneController(t, repo), jobs, queue,
		WithRequeue(repo, queue), WithProcessorLogger(logger.Discard()))

	// The batch of one holds a-0, so the first run does not reach a-1.
	if err := p.handle(ctx, <-queue.ch); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	got, _ := jobs.Get(ctx, job.ID)
	if got.Status != StatusPending || got.Attempts != 1 {
		t.Fatalf("job should be back to pending after one attempt, got %+v", got)
	}
	if a, _ := repo.GetAssessment(ctx, "a-1"); a.Status != store.AssessmentPending {
		t.Fatalf("a-1 should still be pending, got %s", a.Status)
	}
	if a, _ := repo.GetAssessment(ctx, "a-0"); a.Status != store.AssessmentScored {
		t.Fatalf("a-0 should have been scored, got %s", a.Status)
	}

	select {
	case id := <-queue.ch:
		if err := p.handle(ctx, id); err != nil {
			t.Fatalf("second handle: %v", err)
		}
	default:
		t.Fatal("job was not requeued")
	}
	got, _ = jobs.Get(ctx, job.ID)
	if got.Status != StatusSucceeded || got.Attempts != 2 || got.TasksCompleted != 1 {
		t.Fatalf("unexpected job after requeue: %+v", got)
	}
	if _, err := repo.LatestResult(ctx, "a-1"); err != nil {
		t.Fatalf("a-1 should have a result: %v", err)
	}
}

func TestProcessorFailsUnreachedJobWithoutRequeue(t *testing.T) {
	ctx := context.Background()
	repo, jobs := newFixture(t, 2)
	markPending(t, repo, "a-0")

	queue := NewMemoryQueue(4)
	job, err := NewService(jobs, queue, repo).Submit(ctx, "a-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	p := NewProcessor(newBatchOfOneController(t, repo), jobs, queue, WithProcessorLogger(logger.Discard()))
	if err := p.handle(ctx, <-queue.ch); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := jobs.Get(ctx, job.ID)
	if got.Status != StatusFailed || got.ErrorCode != string(CodeJobNotScored) {
		t.Fatalf("expected not-scored failure, got %+v", got)
	}
}

func TestMemoryQueueCloseReleasesBlockedPublisher(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), "first"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- queue.Publish(context.Background(), "second") }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = queue.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close waited for a blocked publisher")
	}
	select {
	case err := <-blocked:
		if !xerrors.HasCode(err, xerrors.CodeQueueFailure) {
			t.Fatalf("expected queue failure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked publisher was not released")
	}
}
