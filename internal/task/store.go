package task

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/store"
)

// Store persists job state.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, outcome Outcome) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	Release(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*Job, error)
}

// Outcome is what a finished run leaves on its job.
type Outcome struct {
	RunID          string
	TasksCompleted int
	TotalTasks     int
}

// KVStore keeps jobs as JSON records in a record store under jobs/{id}.
// Claim is serialised in process; a shared backend with several processes
// may claim a job twice, which only costs an extra scoring run.
type KVStore struct {
	mu      sync.Mutex
	records store.Store
	now     func() time.Time
}

// NewKVStore wraps records.
func NewKVStore(records store.Store) *KVStore {
	return &KVStore{records: records, now: time.Now}
}

// Create implements Store.
func (s *KVStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(ctx, job.ID); err == nil {
		return ErrJobConflict
	} else if !errors.Is(err, ErrJobNotFound) {
		return err
	}
	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return s.save(ctx, job)
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.load(ctx, id)
}

// Claim moves a pending or failed job to running.
func (s *KVStore) Claim(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusSucceeded:
		return job, ErrJobCompleted
	case StatusRunning:
		return job, ErrJobConflict
	}
	job.Status = StatusRunning
	job.Attempts++
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = s.now().Unix()
	return job, s.save(ctx, job)
}

// MarkSucceeded implements Store.
func (s *KVStore) MarkSucceeded(ctx context.Context, id string, outcome Outcome) error {
	return s.update(ctx, id, func(job *Job) {
		job.Status = StatusSucceeded
		job.RunID = outcome.RunID
		job.TasksCompleted = outcome.TasksCompleted
		job.TotalTasks = outcome.TotalTasks
		job.LastError = ""
		job.ErrorCode = ""
	})
}

// MarkFailed implements Store.
func (s *KVStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	return s.update(ctx, id, func(job *Job) {
		job.Status = StatusFailed
		job.LastError = lastError
		job.ErrorCode = string(code)
	})
}

// Release puts a running job back to pending so it can be claimed again.
func (s *KVStore) Release(ctx context.Context, id string) error {
	return s.update(ctx, id, func(job *Job) {
		job.Status = StatusPending
	})
}

// List returns the newest jobs first.
func (s *KVStore) List(ctx context.Context, limit int) ([]*Job, error) {
	recs, err := s.records.List(ctx, store.JobsPrefix)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(recs))
	for _, rec := range recs {
		var job Job
		if err := json.Unmarshal(rec.Value, &job); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode "+rec.Key)
		}
		jobs = append(jobs, &job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt == jobs[j].CreatedAt {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt > jobs[j].CreatedAt
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *KVStore) update(ctx context.Context, id string, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	mutate(job)
	job.UpdatedAt = s.now().Unix()
	return s.save(ctx, job)
}

func (s *KVStore) load(ctx context.Context, id string) (*Job, error) {
	data, err := s.records.Get(ctx, store.JobKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode job "+id)
	}
	return &job, nil
}

func (s *KVStore) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode job "+job.ID)
	}
	return s.records.Put(ctx, store.JobKey(job.ID), data)
}
