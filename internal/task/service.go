package task

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/pkg/logger"
)

// Service accepts scoring requests and tracks their jobs.
type Service struct {
	jobs     Store
	producer Producer
	repo     *store.Repository
}

// NewService wires the job store, the queue producer and the record repository.
func NewService(jobs Store, producer Producer, repo *store.Repository) *Service {
	return &Service{jobs: jobs, producer: producer, repo: repo}
}

// Submit marks the assessment pending and enqueues a job for it.
func (s *Service) Submit(ctx context.Context, assessmentID string) (*Job, error) {
	assessmentID = strings.TrimSpace(assessmentID)
	if assessmentID == "" {
		return nil, xerrors.New(CodeJobValidation, "assessment id is required")
	}
	if s.jobs == nil || s.producer == nil || s.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "job service not initialised")
	}

	assessment, err := s.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return nil, err
	}
	// Saved even when already pending so a run in flight sees the resubmission.
	assessment.Status = store.AssessmentPending
	if err := s.repo.SaveAssessment(ctx, assessment); err != nil {
		return nil, err
	}

	job := &Job{ID: uuid.NewString(), AssessmentID: assessmentID, Status: StatusPending}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		logger.L().Error("enqueue job failed", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "publish job to queue")
		if markErr := s.jobs.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error()); markErr != nil {
			logger.L().Error("mark job failed", slog.Any("error", markErr), slog.String("job_id", job.ID))
		}
		return nil, wrapped
	}
	logger.Audit().Info("scoring job enqueued",
		slog.String("job_id", job.ID),
		slog.String("assessment", assessmentID),
		slog.String("framework", assessment.FrameworkID),
	)
	return job, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.jobs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "job store not initialised")
	}
	return s.jobs.Get(ctx, id)
}

// List returns the newest jobs first.
func (s *Service) List(ctx context.Context, limit int) ([]*Job, error) {
	if s.jobs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "job store not initialised")
	}
	return s.jobs.List(ctx, limit)
}

// Close releases the producer.
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted polls the job until it is terminal or ctx is done.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil && !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		if job != nil && job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
