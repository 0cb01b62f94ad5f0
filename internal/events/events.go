// Package events announces scoring outcomes to downstream consumers such as
// report generation.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenGRC-Risk/internal/errors"
	"OpenGRC-Risk/internal/scoring"
)

// Type names an event kind; it doubles as the AMQP routing key.
type Type string

const TypeAssessmentScored Type = "assessment.scored"

const CodePublishFailed xerrors.Code = "EVENT_PUBLISH_FAILED"

func init() {
	xerrors.Register(CodePublishFailed, xerrors.Attributes{
		Message:   "failed to publish event",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Event is the envelope written to every transport.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// AssessmentScored is the payload of TypeAssessmentScored.
type AssessmentScored struct {
	AssessmentID string            `json:"assessment_id"`
	FrameworkID  string            `json:"framework_id"`
	ResultID     string            `json:"result_id"`
	OverallScore int               `json:"overall_score"`
	RiskLevel    scoring.RiskLevel `json:"risk_level"`
	Confidence   float64           `json:"confidence"`
	Findings     int               `json:"findings"`
	ComputedAt   time.Time         `json:"computed_at"`
}

// NewEvent wraps payload in an envelope with a fresh id.
func NewEvent(t Type, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode event payload")
	}
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), Payload: raw}, nil
}

// Publisher delivers events. Delivery is at most once.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Noop) Close() error { return nil }

// MemoryPublisher keeps published events in order, for tests and one-shot runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (m *MemoryPublisher) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Close implements Publisher.
func (m *MemoryPublisher) Close() error { return nil }
