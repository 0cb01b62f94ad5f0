package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OpenGRC-Risk/internal/agent"
	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/observability/alerting"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/pkg/logger"
)

// MaxJobAttempts bounds how often a job is requeued because its run did not
// reach the assessment.
const MaxJobAttempts = 5

// Coverage is implemented by run payloads that list the assessments they scored.
type Coverage interface {
	Covers(assessmentID string) bool
}

// Runner is the part of an agent controller the processor drives.
type Runner interface {
	Name() string
	Run(ctx context.Context) agent.RunResult
}

// Processor consumes job ids and drives the scoring agent for each.
type Processor struct {
	runner      Runner
	jobs        Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	repo        *store.Repository
	requeue     Producer
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the debug logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount sets the number of consuming goroutines.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher reports job bookkeeping failures.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRequeue lets the processor hand back jobs whose assessment was left
// pending by the run, using repo to check the assessment and p to re-enqueue.
func WithRequeue(repo *store.Repository, p Producer) ProcessorOption {
	return func(proc *Processor) {
		proc.repo = repo
		proc.requeue = p
	}
}

// NewProcessor builds a Processor.
func NewProcessor(runner Runner, jobs Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		jobs:        jobs,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start consumes until ctx is done.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "job consumer not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle returns an error only when job bookkeeping fails; the agent
// controller already retried the run itself.
func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.jobs == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialised")
	}
	job, err := p.jobs.Claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobCompleted) || errors.Is(err, ErrJobConflict) {
			p.logDebug("skip job", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("claim job failed", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, jobID, xerrors.CodeOf(err), err)
		return err
	}

	res := p.runner.Run(ctx)
	switch res.Status {
	case agent.StatusCompleted:
		if cov, ok := res.Data.(Coverage); ok && !cov.Covers(job.AssessmentID) {
			err = p.settleUncovered(ctx, job, res)
			break
		}
		err = p.jobs.MarkSucceeded(ctx, job.ID, Outcome{
			RunID:          res.RunID,
			TasksCompleted: res.TasksCompleted,
			TotalTasks:     res.TotalTasks,
		})
	case agent.StatusIdle:
		err = p.jobs.MarkFailed(ctx, job.ID, CodeAgentDisabled, fmt.Sprintf("agent %s is disabled", p.runner.Name()))
	default:
		err = p.jobs.MarkFailed(ctx, job.ID, CodeJobRunFailed, res.Error)
	}
	if err != nil {
		logger.L().Error("record job outcome failed", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job.ID, xerrors.CodeOf(err), err)
		return err
	}
	logger.Audit().Info("scoring job finished",
		slog.String("job_id", job.ID),
		slog.String("assessment", job.AssessmentID),
		slog.String("run_id", res.RunID),
		slog.String("status", string(res.Status)),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

// settleUncovered handles a completed run that did not score the job's
// assessment: already scored elsewhere succeeds with no tasks, still pending
// is requeued while attempts remain, anything else fails the job.
func (p *Processor) settleUncovered(ctx context.Context, job *Job, res agent.RunResult) error {
	if p.repo == nil {
		return p.jobs.MarkFailed(ctx, job.ID, CodeJobNotScored,
			fmt.Sprintf("run %s did not score assessment %s", res.RunID, job.AssessmentID))
	}
	assessment, err := p.repo.GetAssessment(ctx, job.AssessmentID)
	if err != nil {
		return p.jobs.MarkFailed(ctx, job.ID, xerrors.CodeOf(err), err.Error())
	}
	switch {
	case assessment.Status == store.AssessmentScored:
		return p.jobs.MarkSucceeded(ctx, job.ID, Outcome{RunID: res.RunID})
	case assessment.Status == store.AssessmentPending && p.requeue != nil && job.Attempts < MaxJobAttempts:
		if err := p.jobs.Release(ctx, job.ID); err != nil {
			return err
		}
		p.logDebug("requeue job", slog.String("job_id", job.ID), slog.String("assessment", job.AssessmentID))
		if err := p.requeue.Publish(ctx, job.ID); err != nil {
			wrapped := xerrors.Wrap(CodeJobPublish, err, "requeue job")
			if markErr := p.jobs.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error()); markErr != nil {
				return markErr
			}
			return wrapped
		}
		return nil
	default:
		return p.jobs.MarkFailed(ctx, job.ID, CodeJobNotScored,
			fmt.Sprintf("assessment %s left %s after %d attempts", job.AssessmentID, assessment.Status, job.Attempts))
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, jobID string, code xerrors.Code, cause error) {
	if p.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Agent:      p.runner.Name(),
		Metadata:   map[string]string{"job_id": jobID},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("dispatch alert failed", slog.Any("error", err), slog.String("job_id", jobID))
	}
}
