package scoring

import "time"

// Status is the assessed state of one control.
type Status string

const (
	StatusCompliant    Status = "compliant"
	StatusPartial      Status = "partial"
	StatusNonCompliant Status = "non_compliant"
	StatusNotAssessed  Status = "not_assessed"
)

// ControlType drives the criticality of a control.
type ControlType string

const (
	ControlTechnical   ControlType = "technical"
	ControlOperational ControlType = "operational"
	ControlManagement  ControlType = "management"
)

// Criticality is the severity bucket derived from a control type.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// RiskLevel classifies an overall score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Priority ranks remediation urgency, P0 first.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Control is a single compliance requirement from a framework catalog.
type Control struct {
	ID          string      `json:"id" yaml:"id"`
	Title       string      `json:"title" yaml:"title"`
	Category    string      `json:"category" yaml:"category"`
	Type        ControlType `json:"type" yaml:"type"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// Response is one assessor answer for one control. Status is kept raw so
// callers can pass whatever upstream systems produce; the engine normalises it.
type Response struct {
	ControlID string `json:"control_id" yaml:"control_id"`
	Status    Status `json:"status" yaml:"status"`
	Evidence  string `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	Notes     string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// CategoryScore aggregates all controls sharing a category.
type CategoryScore struct {
	Category             string  `json:"category"`
	Score                int     `json:"score"`
	Weight               float64 `json:"weight"`
	ControlCount         int     `json:"control_count"`
	CompliantCount       int     `json:"compliant_count"`
	PartialCount         int     `json:"partial_count"`
	NonCompliantCount    int     `json:"non_compliant_count"`
	NotAssessedCount     int     `json:"not_assessed_count"`
	CompliancePercentage int     `json:"compliance_percentage"`
}

// Finding is a compliance gap surfaced for attention.
type Finding struct {
	ControlID    string      `json:"control_id"`
	ControlTitle string      `json:"control_title"`
	Category     string      `json:"category"`
	Criticality  Criticality `json:"criticality"`
	Status       Status      `json:"status"`
	Impact       string      `json:"impact"`
	Priority     int         `json:"priority"`
}

// Recommendation is remediation guidance for one finding.
type Recommendation struct {
	ControlID     string   `json:"control_id"`
	Title         string   `json:"title"`
	Priority      Priority `json:"priority"`
	Effort        string   `json:"effort"`
	EstimatedDays int      `json:"estimated_days"`
	Actions       []string `json:"actions"`
}

// AssessmentResult is the terminal output of one scoring run.
type AssessmentResult struct {
	OverallScore          int              `json:"overall_score"`
	RiskLevel             RiskLevel        `json:"risk_level"`
	CategoryScores        []CategoryScore  `json:"category_scores"`
	KeyFindings           []Finding        `json:"key_findings"`
	Recommendations       []Recommendation `json:"recommendations"`
	Confidence            float64          `json:"confidence"`
	TotalControlsAssessed int              `json:"total_controls_assessed"`
	TotalControls         int              `json:"total_controls"`
	CompletionPercentage  int              `json:"completion_percentage"`
	ComputedAt            time.Time        `json:"computed_at"`
}
