package agent

import "time"

// LogEntry is one terminal outcome in an agent's execution log.
type LogEntry struct {
	RunID       string    `json:"run_id"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	LatencyMs   int64     `json:"latency_ms"`
	RetryCount  int       `json:"retry_count"`
	Error       string    `json:"error,omitempty"`
}

func entryFor(r RunResult) LogEntry {
	return LogEntry{
		RunID:       r.RunID,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		LatencyMs:   r.LatencyMs,
		RetryCount:  r.RetryCount,
		Error:       r.Error,
	}
}

// history keeps the newest limit entries. Callers hold the controller lock.
type history struct {
	limit   int
	entries []LogEntry
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

func (h *history) append(e LogEntry) {
	h.entries = append(h.entries, e)
	if h.limit > 0 && len(h.entries) > h.limit {
		drop := len(h.entries) - h.limit
		h.entries = append(h.entries[:0:0], h.entries[drop:]...)
	}
}

func (h *history) snapshot() []LogEntry {
	out := make([]LogEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Metrics summarises an execution log.
type Metrics struct {
	AgentName        string     `json:"agent_name"`
	Status           Status     `json:"status"`
	TotalRuns        int        `json:"total_runs"`
	Successes        int        `json:"successes"`
	Failures         int        `json:"failures"`
	SuccessRate      float64    `json:"success_rate"`
	AverageLatencyMs float64    `json:"average_latency_ms"`
	LastRunAt        *time.Time `json:"last_run_at,omitempty"`
}

func computeMetrics(name string, status Status, entries []LogEntry) Metrics {
	m := Metrics{AgentName: name, Status: status, TotalRuns: len(entries)}
	if len(entries) == 0 {
		return m
	}
	var latency int64
	for _, e := range entries {
		switch e.Status {
		case StatusCompleted:
			m.Successes++
		case StatusFailed:
			m.Failures++
		}
		latency += e.LatencyMs
	}
	m.SuccessRate = float64(m.Successes) / float64(m.TotalRuns)
	m.AverageLatencyMs = float64(latency) / float64(m.TotalRuns)
	last := entries[len(entries)-1].CompletedAt
	m.LastRunAt = &last
	return m
}
