package store

import (
	"strings"

	xerrors "OpenGRC-Risk/internal/errors"
)

// Key space, one prefix per record type:
//
//	frameworks/{framework}
//	controls/{framework}/{control}
//	assessments/{assessment}
//	responses/{assessment}/{control}
//	results/{assessment}/{result}
//	latest/{assessment}
//	runs/{agent}/{run}
//	jobs/{job}
const (
	prefixFrameworks  = "frameworks/"
	prefixControls    = "controls/"
	prefixAssessments = "assessments/"
	prefixResponses   = "responses/"
	prefixResults     = "results/"
	prefixLatest      = "latest/"
	prefixRuns        = "runs/"
	prefixJobs        = "jobs/"
)

// FrameworkKey locates a framework record.
func FrameworkKey(id string) string { return prefixFrameworks + id }

// ControlKey locates one control of a framework.
func ControlKey(framework, control string) string {
	return ControlsPrefix(framework) + control
}

// ControlsPrefix lists every control of a framework.
func ControlsPrefix(framework string) string { return prefixControls + framework + "/" }

// AssessmentKey locates an assessment record.
func AssessmentKey(id string) string { return prefixAssessments + id }

// ResponseKey locates the response of one control within an assessment.
func ResponseKey(assessment, control string) string {
	return ResponsesPrefix(assessment) + control
}

// ResponsesPrefix lists every response of an assessment.
func ResponsesPrefix(assessment string) string { return prefixResponses + assessment + "/" }

// ResultKey locates one scoring result.
func ResultKey(assessment, result string) string { return ResultsPrefix(assessment) + result }

// ResultsPrefix lists every scoring result of an assessment.
func ResultsPrefix(assessment string) string { return prefixResults + assessment + "/" }

// LatestKey holds the id of the newest result of an assessment.
func LatestKey(assessment string) string { return prefixLatest + assessment }

// RunKey locates one agent run.
func RunKey(agentName, runID string) string { return RunsPrefix(agentName) + runID }

// RunsPrefix lists every recorded run of an agent.
func RunsPrefix(agentName string) string { return prefixRuns + agentName + "/" }

// JobKey locates a scoring job.
func JobKey(id string) string { return prefixJobs + id }

// JobsPrefix lists every scoring job.
const JobsPrefix = prefixJobs

// validateSegment rejects ids that would escape their key prefix.
func validateSegment(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, kind+" id is required")
	}
	if strings.Contains(id, "/") {
		return xerrors.New(xerrors.CodeInvalidArgument, kind+" id must not contain '/'",
			xerrors.WithMetadata(kind, id))
	}
	return nil
}
