package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "OpenGRC-Risk/internal/errors"
)

// Runner is the type-erased view of a Controller.
type Runner interface {
	Name() string
	Run(ctx context.Context) RunResult
	Status() Status
	LastRun() (RunResult, bool)
	Metrics() Metrics
	History() []LogEntry
}

var _ Runner = (*Controller[struct{}, struct{}])(nil)

// Snapshot is the externally visible state of one agent.
type Snapshot struct {
	Name    string     `json:"name"`
	Status  Status     `json:"status"`
	LastRun *RunResult `json:"last_run,omitempty"`
	Metrics Metrics    `json:"metrics"`
}

// Registry supervises a set of named agents.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry registers runners, rejecting duplicate names.
func NewRegistry(runners ...Runner) (*Registry, error) {
	r := &Registry{runners: make(map[string]Runner, len(runners))}
	for _, runner := range runners {
		if err := r.Register(runner); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a runner.
func (r *Registry) Register(runner Runner) error {
	if runner == nil {
		return xerrors.New(CodeAgentConfig, "runner is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[runner.Name()]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("agent %s already registered", runner.Name()))
	}
	r.runners[runner.Name()] = runner
	return nil
}

// Get looks up a runner by name.
func (r *Registry) Get(name string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	return runner, ok
}

// Names lists registered agents in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunAll runs every agent concurrently and returns results keyed by name.
func (r *Registry) RunAll(ctx context.Context) map[string]RunResult {
	names := r.Names()
	results := make(map[string]RunResult, len(names))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range names {
		runner, ok := r.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, runner Runner) {
			defer wg.Done()
			res := runner.Run(ctx)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(name, runner)
	}
	wg.Wait()
	return results
}

// Snapshot reports every agent's state in name order.
func (r *Registry) Snapshot() []Snapshot {
	names := r.Names()
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		runner, ok := r.Get(name)
		if !ok {
			continue
		}
		snap := Snapshot{Name: name, Status: runner.Status(), Metrics: runner.Metrics()}
		if last, ok := runner.LastRun(); ok {
			snap.LastRun = &last
		}
		out = append(out, snap)
	}
	return out
}
