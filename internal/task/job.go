package task

import (
	xerrors "OpenGRC-Risk/internal/errors"
)

// Status is the lifecycle state of a scoring job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job asks the risk scoring agent to score one assessment.
type Job struct {
	ID             string `json:"id"`
	AssessmentID   string `json:"assessment_id"`
	Status         Status `json:"status"`
	Attempts       int    `json:"attempts"`
	RunID          string `json:"run_id,omitempty"`
	TasksCompleted int    `json:"tasks_completed"`
	TotalTasks     int    `json:"total_tasks"`
	LastError      string `json:"last_error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobRunFailed  xerrors.Code = "JOB_RUN_FAILED"
	CodeAgentDisabled xerrors.Code = "AGENT_DISABLED"
	CodeJobNotScored  xerrors.Code = "JOB_NOT_SCORED"
)

var (
	// ErrJobNotFound matches any missing job.
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict reports a job that is already running.
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict")
	// ErrJobCompleted reports a job that already finished.
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{Message: "job not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{Message: "job conflict", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{Message: "job already completed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{Message: "job validation failed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobRunFailed, xerrors.Attributes{
		Message:  "scoring run failed",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobNotScored, xerrors.Attributes{
		Message:  "assessment was not scored",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentDisabled, xerrors.Attributes{
		Message:  "agent is disabled",
		Severity: xerrors.SeverityInfo,
	})
}

// IsTerminal reports whether no further work will happen on the job.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}
