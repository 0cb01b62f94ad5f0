package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/observability/alerting"
	"OpenGRC-Risk/pkg/logger"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Worker is the unit of work supervised by a Controller. The three phases
// run in order as one attempt; any error fails the whole attempt.
type Worker[R, P any] interface {
	Collect(ctx context.Context) (R, error)
	Process(ctx context.Context, raw R) (P, error)
	Publish(ctx context.Context, processed P) error
}

// TaskCounter may be implemented by a processed payload to report how many
// of its tasks were completed. Without it a successful run counts as 1/1.
type TaskCounter interface {
	TaskCounts() (completed, total int)
}

// RunResult is the record of one Run call.
type RunResult struct {
	RunID          string    `json:"run_id,omitempty"`
	AgentName      string    `json:"agent_name"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	LatencyMs      int64     `json:"latency_ms"`
	TasksCompleted int       `json:"tasks_completed"`
	TotalTasks     int       `json:"total_tasks"`
	Error          string    `json:"error,omitempty"`
	Data           any       `json:"data,omitempty"`
	RetryCount     int       `json:"retry_count"`
}

// Observer is notified of every terminal run.
type Observer interface {
	ObserveRun(result RunResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(result RunResult)

// ObserveRun implements Observer.
func (fn ObserverFunc) ObserveRun(result RunResult) { fn(result) }

// Option customises a Controller.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	backoff   Backoff
	observers []Observer
	alerts    alerting.Dispatcher
	now       func() time.Time
}

// WithLogger overrides the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBackoff overrides the pause between attempts.
func WithBackoff(b Backoff) Option {
	return func(o *options) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithObserver registers an observer for terminal runs.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithAlertDispatcher sends an alert for every failed run.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *options) {
		o.alerts = d
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Controller drives a Worker through retries and timeouts and keeps the
// execution log for it. Run calls on one controller are serialized.
type Controller[R, P any] struct {
	cfg    Config
	worker Worker[R, P]
	opts   options

	runMu sync.Mutex

	mu      sync.RWMutex
	status  Status
	lastRun *RunResult
	history *history
}

// New validates cfg and builds a controller around worker.
func New[R, P any](cfg Config, worker Worker[R, P], opts ...Option) (*Controller[R, P], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, xerrors.New(CodeAgentConfig, fmt.Sprintf("agent %s: worker is required", cfg.Name))
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	o := options{
		backoff: DefaultBackoff,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named("agent").With(slog.String("agent", cfg.Name))
	}
	return &Controller[R, P]{
		cfg:     cfg,
		worker:  worker,
		opts:    o,
		status:  StatusIdle,
		history: newHistory(cfg.HistoryLimit),
	}, nil
}

// Name returns the configured agent name.
func (c *Controller[R, P]) Name() string { return c.cfg.Name }

// Config returns the effective configuration.
func (c *Controller[R, P]) Config() Config { return c.cfg }

// Status reports the current lifecycle state.
func (c *Controller[R, P]) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastRun returns the most recent terminal run, if any.
func (c *Controller[R, P]) LastRun() (RunResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastRun == nil {
		return RunResult{}, false
	}
	return *c.lastRun, true
}

// History returns a copy of the execution log, oldest first.
func (c *Controller[R, P]) History() []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.snapshot()
}

// Metrics derives run statistics from the execution log.
func (c *Controller[R, P]) Metrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return computeMetrics(c.cfg.Name, c.status, c.history.entries)
}

// Run executes the worker until an attempt succeeds or the retry budget is
// spent. It never returns an error: failures are reported on the result.
// Cancelling ctx does not stop a run that has started.
func (c *Controller[R, P]) Run(ctx context.Context) RunResult {
	if !c.cfg.Enabled {
		now := c.opts.now()
		return RunResult{AgentName: c.cfg.Name, Status: StatusIdle, StartedAt: now, CompletedAt: now}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.setStatus(StatusRunning)
	started := c.opts.now()
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		payload, err := c.attempt(ctx, attempt)
		if err == nil {
			return c.finish(ctx, started, attempt, payload, nil)
		}
		lastErr = err
		c.opts.logger.Warn("agent attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", c.cfg.MaxRetries),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		if attempt < c.cfg.MaxRetries {
			if delay := c.opts.backoff(attempt); delay > 0 {
				time.Sleep(delay)
			}
		}
	}
	var zero P
	return c.finish(ctx, started, c.cfg.MaxRetries, zero, lastErr)
}

type outcome[P any] struct {
	payload P
	err     error
}

// attempt races one unit of work against the timeout. A unit that loses is
// left to finish on its own; the result channel is private to the attempt,
// so its late outcome lands in a buffer nobody reads.
func (c *Controller[R, P]) attempt(ctx context.Context, n int) (P, error) {
	done := make(chan outcome[P], 1)
	go func() {
		var out outcome[P]
		defer func() {
			if r := recover(); r != nil {
				out = outcome[P]{err: xerrors.New(CodeAgentExecution, fmt.Sprintf("agent %s panicked: %v", c.cfg.Name, r))}
			}
			done <- out
		}()
		out.payload, out.err = c.unit(ctx)
	}()

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	var zero P
	select {
	case out := <-done:
		if out.err != nil {
			return zero, executionError(c.cfg.Name, n, out.err)
		}
		return out.payload, nil
	case <-timer.C:
		return zero, xerrors.New(CodeAgentTimeout,
			fmt.Sprintf("agent %s attempt %d exceeded timeout of %s", c.cfg.Name, n, c.cfg.Timeout),
			xerrors.WithMetadata("attempt", fmt.Sprint(n)))
	}
}

func (c *Controller[R, P]) unit(ctx context.Context) (P, error) {
	var zero P
	raw, err := c.worker.Collect(ctx)
	if err != nil {
		return zero, fmt.Errorf("collect: %w", err)
	}
	processed, err := c.worker.Process(ctx, raw)
	if err != nil {
		return zero, fmt.Errorf("process: %w", err)
	}
	if err := c.worker.Publish(ctx, processed); err != nil {
		return zero, fmt.Errorf("publish: %w", err)
	}
	return processed, nil
}

func executionError(name string, attempt int, err error) error {
	var coded *xerrors.Error
	if errors.As(err, &coded) && (coded.Code() == CodeAgentExecution || coded.Code() == CodeAgentTimeout) {
		return err
	}
	return xerrors.Wrap(CodeAgentExecution, err, fmt.Sprintf("agent %s attempt %d failed", name, attempt),
		xerrors.WithMetadata("attempt", fmt.Sprint(attempt)))
}

func (c *Controller[R, P]) finish(ctx context.Context, started time.Time, retries int, payload P, err error) RunResult {
	completed := c.opts.now()
	res := RunResult{
		RunID:       uuid.NewString(),
		AgentName:   c.cfg.Name,
		StartedAt:   started,
		CompletedAt: completed,
		LatencyMs:   completed.Sub(started).Milliseconds(),
		RetryCount:  retries,
	}
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		res.TotalTasks = 1
	} else {
		res.Status = StatusCompleted
		res.Data = payload
		res.TasksCompleted, res.TotalTasks = 1, 1
		if counter, ok := any(payload).(TaskCounter); ok {
			res.TasksCompleted, res.TotalTasks = counter.TaskCounts()
		}
	}

	c.mu.Lock()
	c.history.append(entryFor(res))
	c.status = res.Status
	stored := res
	c.lastRun = &stored
	c.mu.Unlock()

	attrs := []any{
		slog.String("agent", res.AgentName),
		slog.String("run_id", res.RunID),
		slog.String("status", string(res.Status)),
		slog.Int64("latency_ms", res.LatencyMs),
		slog.Int("retry_count", res.RetryCount),
		slog.Int("tasks_completed", res.TasksCompleted),
		slog.Int("total_tasks", res.TotalTasks),
	}
	if err != nil {
		logger.Audit().Error("agent run failed", append(attrs, slog.String("error", res.Error))...)
	} else {
		logger.Audit().Info("agent run completed", attrs...)
	}

	for _, obs := range c.opts.observers {
		obs.ObserveRun(res)
	}
	if err != nil && c.opts.alerts != nil && xerrors.ShouldAlert(err) {
		event := alerting.Event{
			Code:       xerrors.CodeOf(err),
			Message:    res.Error,
			Severity:   xerrors.SeverityOf(err),
			Agent:      res.AgentName,
			RunID:      res.RunID,
			Attempts:   retries + 1,
			MaxRetries: c.cfg.MaxRetries,
			OccurredAt: completed,
		}
		if alertErr := c.opts.alerts.Notify(ctx, event); alertErr != nil {
			c.opts.logger.Warn("dispatch agent alert failed", slog.Any("error", alertErr))
		}
	}
	return res
}

func (c *Controller[R, P]) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}
