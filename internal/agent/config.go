package agent

import (
	"fmt"
	"strings"
	"time"

	xerrors "OpenGRC-Risk/internal/errors"
)

const (
	DefaultMaxRetries   = 3
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryLimit = 1000
)

const (
	CodeAgentTimeout   xerrors.Code = "AGENT_TIMEOUT"
	CodeAgentExecution xerrors.Code = "AGENT_EXECUTION_FAILED"
	CodeAgentConfig    xerrors.Code = "AGENT_CONFIG_INVALID"
)

func init() {
	xerrors.Register(CodeAgentTimeout, xerrors.Attributes{
		Message:   "agent attempt timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAgentExecution, xerrors.Attributes{
		Message:   "agent execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAgentConfig, xerrors.Attributes{
		Message:  "invalid agent configuration",
		Severity: xerrors.SeverityCritical,
	})
}

// Config describes one supervised agent.
type Config struct {
	Name         string
	Description  string
	MaxRetries   int
	Timeout      time.Duration
	Enabled      bool
	HistoryLimit int
}

// DefaultConfig returns an enabled config with the standard retry budget.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxRetries:   DefaultMaxRetries,
		Timeout:      DefaultTimeout,
		Enabled:      true,
		HistoryLimit: DefaultHistoryLimit,
	}
}

// Validate rejects configurations that cannot be run.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return xerrors.New(CodeAgentConfig, "agent name is required")
	}
	if c.MaxRetries < 0 {
		return xerrors.New(CodeAgentConfig, fmt.Sprintf("agent %s: max retries must not be negative", c.Name))
	}
	if c.Timeout <= 0 {
		return xerrors.New(CodeAgentConfig, fmt.Sprintf("agent %s: timeout must be positive", c.Name))
	}
	if c.HistoryLimit < 0 {
		return xerrors.New(CodeAgentConfig, fmt.Sprintf("agent %s: history limit must not be negative", c.Name))
	}
	return nil
}

// Backoff returns the pause before the attempt following attempt.
type Backoff func(attempt int) time.Duration

// ExponentialBackoff doubles base per attempt and caps the result at limit.
func ExponentialBackoff(base, limit time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		delay := base
		for i := 0; i < attempt; i++ {
			delay *= 2
			if delay >= limit {
				return limit
			}
		}
		if delay > limit {
			return limit
		}
		return delay
	}
}

// DefaultBackoff is min(1s * 2^attempt, 10s).
var DefaultBackoff = ExponentialBackoff(time.Second, 10*time.Second)
