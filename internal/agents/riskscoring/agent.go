// Package riskscoring implements the agent that turns pending compliance
// assessments into stored risk results.
package riskscoring

import (
	"context"
	"log/slog"
	"time"

	"OpenGRC-Risk/internal/agent"
	"OpenGRC-Risk/internal/events"
	"OpenGRC-Risk/internal/scoring"
	"OpenGRC-Risk/internal/store"
	"OpenGRC-Risk/pkg/logger"
)

// Name is the registry name of the risk scoring agent.
const Name = "risk-scoring"

// Item is one assessment gathered for scoring.
type Item struct {
	Assessment store.Assessment
	Controls   []scoring.Control
	Responses  []scoring.Response
}

// Batch is the output of Collect.
type Batch struct {
	Items []Item
}

// ScoredItem pairs an assessment with its fresh result.
type ScoredItem struct {
	AssessmentID string                   `json:"assessment_id"`
	FrameworkID  string                   `json:"framework_id"`
	Result       scoring.AssessmentResult `json:"result"`

	assessment store.Assessment
}

// Scored is the output of Process and the data of a successful run.
type Scored struct {
	Items     []ScoredItem `json:"items"`
	Collected int          `json:"collected"`
}

// TaskCounts reports scored assessments against collected ones.
func (s Scored) TaskCounts() (int, int) { return len(s.Items), s.Collected }

// Covers reports whether the run produced a result for assessmentID.
func (s Scored) Covers(assessmentID string) bool {
	for _, item := range s.Items {
		if item.AssessmentID == assessmentID {
			return true
		}
	}
	return false
}

// ScoreRecorder is told about every published result.
type ScoreRecorder interface {
	RecordScore(assessmentID string, result scoring.AssessmentResult)
}

// Agent is the Worker behind the risk scoring controller.
type Agent struct {
	repo      *store.Repository
	engine    *scoring.Engine
	publisher events.Publisher
	recorder  ScoreRecorder
	log       *slog.Logger
	batchSize int
	now       func() time.Time
}

// Option customises an Agent.
type Option func(*Agent)

// WithEngine replaces the scoring engine.
func WithEngine(e *scoring.Engine) Option {
	return func(a *Agent) {
		if e != nil {
			a.engine = e
		}
	}
}

// WithPublisher sets the destination of AssessmentScored events.
func WithPublisher(p events.Publisher) Option {
	return func(a *Agent) {
		if p != nil {
			a.publisher = p
		}
	}
}

// WithScoreRecorder registers a recorder for published results.
func WithScoreRecorder(r ScoreRecorder) Option {
	return func(a *Agent) { a.recorder = r }
}

// WithBatchSize bounds how many pending assessments one run collects.
func WithBatchSize(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// New builds the agent around repo.
func New(repo *store.Repository, opts ...Option) *Agent {
	a := &Agent{
		repo:      repo,
		engine:    scoring.NewEngine(),
		publisher: events.Noop{},
		log:       logger.Named(Name),
		batchSize: 100,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// NewController wraps the agent in a lifecycle controller.
func NewController(cfg agent.Config, a *Agent, opts ...agent.Option) (*agent.Controller[Batch, Scored], error) {
	return agent.New[Batch, Scored](cfg, a, opts...)
}

// Collect implements agent.Worker. It loads every pending assessment with
// its framework controls and current responses.
func (a *Agent) Collect(ctx context.Context) (Batch, error) {
	pending, err := a.repo.ListAssessments(ctx, store.AssessmentPending)
	if err != nil {
		return Batch{}, err
	}
	if len(pending) > a.batchSize {
		pending = pending[:a.batchSize]
	}
	var batch Batch
	for _, assessment := range pending {
		controls, err := a.repo.ListControls(ctx, assessment.FrameworkID)
		if err != nil {
			return Batch{}, err
		}
		if len(controls) == 0 {
			a.log.Warn("framework has no controls, scoring as empty",
				slog.String("assessment", assessment.ID),
				slog.String("framework", assessment.FrameworkID))
		}
		responses, err := a.repo.ListResponses(ctx, assessment.ID)
		if err != nil {
			return Batch{}, err
		}
		batch.Items = append(batch.Items, Item{Assessment: assessment, Controls: controls, Responses: responses})
	}
	return batch, nil
}

// Process implements agent.Worker.
func (a *Agent) Process(ctx context.Context, batch Batch) (Scored, error) {
	out := Scored{Collected: len(batch.Items), Items: make([]ScoredItem, 0, len(batch.Items))}
	for _, item := range batch.Items {
		if err := ctx.Err(); err != nil {
			return Scored{}, err
		}
		result := a.engine.Compute(scoring.ResponsesByControl(item.Responses), item.Controls)
		out.Items = append(out.Items, ScoredItem{
			AssessmentID: item.Assessment.ID,
			FrameworkID:  item.Assessment.FrameworkID,
			Result:       result,
			assessment:   item.Assessment,
		})
	}
	return out, nil
}

// Publish implements agent.Worker. Each result is stored, an
// AssessmentScored event is emitted and the assessment is marked scored.
func (a *Agent) Publish(ctx context.Context, scored Scored) error {
	for _, item := range scored.Items {
		rec, err := a.repo.SaveResult(ctx, item.AssessmentID, item.Result)
		if err != nil {
			return err
		}
		ev, err := events.NewEvent(events.TypeAssessmentScored, events.AssessmentScored{
			AssessmentID: item.AssessmentID,
			FrameworkID:  item.FrameworkID,
			ResultID:     rec.ID,
			OverallScore: item.Result.OverallScore,
			RiskLevel:    item.Result.RiskLevel,
			Confidence:   item.Result.Confidence,
			Findings:     len(item.Result.KeyFindings),
			ComputedAt:   item.Result.ComputedAt,
		})
		if err != nil {
			return err
		}
		if err := a.publisher.Publish(ctx, ev); err != nil {
			return err
		}

		// Marked last so a failed event leaves the assessment pending for the retry.
		assessment, err := a.repo.GetAssessment(ctx, item.AssessmentID)
		if err != nil {
			return err
		}
		scoredAt := a.now()
		if assessment.UpdatedAt.Equal(item.assessment.UpdatedAt) {
			assessment.Status = store.AssessmentScored
		} else {
			// Resubmitted after collection: keep it pending for the next run.
			a.log.Info("assessment changed during scoring, left pending",
				slog.String("assessment", item.AssessmentID))
		}
		assessment.LatestResultID = rec.ID
		assessment.ScoredAt = &scoredAt
		if err := a.repo.SaveAssessment(ctx, assessment); err != nil {
			return err
		}
		if a.recorder != nil {
			a.recorder.RecordScore(item.AssessmentID, item.Result)
		}
		logger.Audit().Info("assessment scored",
			slog.String("assessment", item.AssessmentID),
			slog.String("result_id", rec.ID),
			slog.Int("overall_score", item.Result.OverallScore),
			slog.String("risk_level", string(item.Result.RiskLevel)),
		)
	}
	return nil
}
