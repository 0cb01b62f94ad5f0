package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenGRC-Risk/internal/agent"
	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/scoring"
	"OpenGRC-Risk/pkg/logger"
)

// Framework is a named catalogue of controls, e.g. ISO 27001:2022.
type Framework struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Version      string `json:"version,omitempty"`
	Description  string `json:"description,omitempty"`
	ControlCount int    `json:"control_count"`
}

// AssessmentStatus tracks an assessment through scoring.
type AssessmentStatus string

const (
	AssessmentDraft   AssessmentStatus = "draft"
	AssessmentPending AssessmentStatus = "pending"
	AssessmentScored  AssessmentStatus = "scored"
)

// Assessment is one evaluation of an organisation against a framework.
type Assessment struct {
	ID             string           `json:"id"`
	FrameworkID    string           `json:"framework_id"`
	Name           string           `json:"name"`
	Status         AssessmentStatus `json:"status"`
	LatestResultID string           `json:"latest_result_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	ScoredAt       *time.Time       `json:"scored_at,omitempty"`
}

// ResultRecord is a stored scoring outcome.
type ResultRecord struct {
	ID           string                   `json:"id"`
	AssessmentID string                   `json:"assessment_id"`
	Result       scoring.AssessmentResult `json:"result"`
}

type controlRecord struct {
	Position int             `json:"position"`
	Control  scoring.Control `json:"control"`
}

type responseRecord struct {
	scoring.Response
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository maps the domain records onto a Store.
type Repository struct {
	store Store
	now   func() time.Time
}

// NewRepository wraps s.
func NewRepository(s Store) *Repository {
	return &Repository{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// Store exposes the underlying key/value store.
func (r *Repository) Store() Store { return r.store }

// SaveFramework replaces a framework together with its ordered controls.
func (r *Repository) SaveFramework(ctx context.Context, fw Framework, controls []scoring.Control) error {
	if err := validateSegment("framework", fw.ID); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(controls))
	for _, c := range controls {
		if err := validateSegment("control", c.ID); err != nil {
			return err
		}
		if _, dup := seen[c.ID]; dup {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("framework %s: duplicate control %s", fw.ID, c.ID))
		}
		seen[c.ID] = struct{}{}
	}

	existing, err := r.store.List(ctx, ControlsPrefix(fw.ID))
	if err != nil {
		return err
	}
	for _, rec := range existing {
		id := strings.TrimPrefix(rec.Key, ControlsPrefix(fw.ID))
		if _, keep := seen[id]; !keep {
			if err := r.store.Delete(ctx, rec.Key); err != nil {
				return err
			}
		}
	}
	for i, c := range controls {
		if err := r.putJSON(ctx, ControlKey(fw.ID, c.ID), controlRecord{Position: i, Control: c}); err != nil {
			return err
		}
	}
	fw.ControlCount = len(controls)
	return r.putJSON(ctx, FrameworkKey(fw.ID), fw)
}

// GetFramework loads one framework.
func (r *Repository) GetFramework(ctx context.Context, id string) (Framework, error) {
	var fw Framework
	err := r.getJSON(ctx, FrameworkKey(id), &fw)
	return fw, err
}

// ListFrameworks returns every framework ordered by id.
func (r *Repository) ListFrameworks(ctx context.Context) ([]Framework, error) {
	return listJSON[Framework](ctx, r.store, prefixFrameworks)
}

// ListControls returns the controls of a framework in catalogue order.
func (r *Repository) ListControls(ctx context.Context, frameworkID string) ([]scoring.Control, error) {
	recs, err := listJSON[controlRecord](ctx, r.store, ControlsPrefix(frameworkID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Position < recs[j].Position })
	out := make([]scoring.Control, len(recs))
	for i, rec := range recs {
		out[i] = rec.Control
	}
	return out, nil
}

// CreateAssessment stores a new draft assessment for an existing framework.
func (r *Repository) CreateAssessment(ctx context.Context, a Assessment) (Assessment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := validateSegment("assessment", a.ID); err != nil {
		return Assessment{}, err
	}
	if _, err := r.GetFramework(ctx, a.FrameworkID); err != nil {
		return Assessment{}, err
	}
	if _, err := r.GetAssessment(ctx, a.ID); err == nil {
		return Assessment{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("assessment %s already exists", a.ID))
	} else if !errors.Is(err, ErrNotFound) {
		return Assessment{}, err
	}
	now := r.now()
	a.Status = AssessmentDraft
	a.CreatedAt = now
	a.UpdatedAt = now
	a.LatestResultID = ""
	a.ScoredAt = nil
	if err := r.putJSON(ctx, AssessmentKey(a.ID), a); err != nil {
		return Assessment{}, err
	}
	return a, nil
}

// SaveAssessment overwrites an assessment record.
func (r *Repository) SaveAssessment(ctx context.Context, a Assessment) error {
	if err := validateSegment("assessment", a.ID); err != nil {
		return err
	}
	a.UpdatedAt = r.now()
	return r.putJSON(ctx, AssessmentKey(a.ID), a)
}

// GetAssessment loads one assessment.
func (r *Repository) GetAssessment(ctx context.Context, id string) (Assessment, error) {
	var a Assessment
	err := r.getJSON(ctx, AssessmentKey(id), &a)
	return a, err
}

// ListAssessments returns assessments ordered by id, optionally filtered by status.
func (r *Repository) ListAssessments(ctx context.Context, status AssessmentStatus) ([]Assessment, error) {
	all, err := listJSON[Assessment](ctx, r.store, prefixAssessments)
	if err != nil || status == "" {
		return all, err
	}
	out := all[:0]
	for _, a := range all {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

// PutResponse records the answer for one control; the last write wins.
func (r *Repository) PutResponse(ctx context.Context, assessmentID string, resp scoring.Response) error {
	if err := validateSegment("assessment", assessmentID); err != nil {
		return err
	}
	if err := validateSegment("control", resp.ControlID); err != nil {
		return err
	}
	return r.putJSON(ctx, ResponseKey(assessmentID, resp.ControlID), responseRecord{Response: resp, UpdatedAt: r.now()})
}

// ListResponses returns the stored responses of an assessment.
func (r *Repository) ListResponses(ctx context.Context, assessmentID string) ([]scoring.Response, error) {
	recs, err := listJSON[responseRecord](ctx, r.store, ResponsesPrefix(assessmentID))
	if err != nil {
		return nil, err
	}
	out := make([]scoring.Response, len(recs))
	for i, rec := range recs {
		out[i] = rec.Response
	}
	return out, nil
}

// SaveResult stores a result under a fresh id and moves the latest pointer to it.
func (r *Repository) SaveResult(ctx context.Context, assessmentID string, result scoring.AssessmentResult) (ResultRecord, error) {
	if err := validateSegment("assessment", assessmentID); err != nil {
		return ResultRecord{}, err
	}
	rec := ResultRecord{ID: uuid.NewString(), AssessmentID: assessmentID, Result: result}
	if err := r.putJSON(ctx, ResultKey(assessmentID, rec.ID), rec); err != nil {
		return ResultRecord{}, err
	}
	if err := r.store.Put(ctx, LatestKey(assessmentID), []byte(rec.ID)); err != nil {
		return ResultRecord{}, err
	}
	return rec, nil
}

// LatestResult follows the latest pointer of an assessment.
func (r *Repository) LatestResult(ctx context.Context, assessmentID string) (ResultRecord, error) {
	id, err := r.store.Get(ctx, LatestKey(assessmentID))
	if err != nil {
		return ResultRecord{}, err
	}
	var rec ResultRecord
	err = r.getJSON(ctx, ResultKey(assessmentID, string(id)), &rec)
	return rec, err
}

// ListResults returns every stored result of an assessment, oldest first.
func (r *Repository) ListResults(ctx context.Context, assessmentID string) ([]ResultRecord, error) {
	recs, err := listJSON[ResultRecord](ctx, r.store, ResultsPrefix(assessmentID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Result.ComputedAt.Before(recs[j].Result.ComputedAt)
	})
	return recs, nil
}

// SaveRun persists an agent run record.
func (r *Repository) SaveRun(ctx context.Context, run agent.RunResult) error {
	if err := validateSegment("agent", run.AgentName); err != nil {
		return err
	}
	if err := validateSegment("run", run.RunID); err != nil {
		return err
	}
	return r.putJSON(ctx, RunKey(run.AgentName, run.RunID), run)
}

// ListRuns returns the recorded runs of an agent, oldest first.
func (r *Repository) ListRuns(ctx context.Context, agentName string) ([]agent.RunResult, error) {
	runs, err := listJSON[agent.RunResult](ctx, r.store, RunsPrefix(agentName))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, nil
}

// RunRecorder persists every terminal run it observes.
func (r *Repository) RunRecorder(timeout time.Duration) agent.Observer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return agent.ObserverFunc(func(run agent.RunResult) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := r.SaveRun(ctx, run); err != nil {
			logger.L().Warn("persist agent run failed",
				slog.String("agent", run.AgentName),
				slog.String("run_id", run.RunID),
				slog.Any("error", err))
		}
	})
}

func (r *Repository) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode "+key)
	}
	return r.store.Put(ctx, key, data)
}

func (r *Repository) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode "+key)
	}
	return nil
}

func listJSON[T any](ctx context.Context, s Store, prefix string) ([]T, error) {
	recs, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode "+rec.Key)
		}
		out = append(out, v)
	}
	return out, nil
}
