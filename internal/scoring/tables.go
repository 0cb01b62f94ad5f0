package scoring

import "strings"

// The tables below are fixed: changing any value changes scoring semantics
// for every stored assessment.

var statusAliases = map[string]Status{
	"compliant":             StatusCompliant,
	"implemented":           StatusCompliant,
	"fully_implemented":     StatusCompliant,
	"pass":                  StatusCompliant,
	"passed":                StatusCompliant,
	"partial":               StatusPartial,
	"partially_compliant":   StatusPartial,
	"partially_implemented": StatusPartial,
	"in_progress":           StatusPartial,
	"non_compliant":         StatusNonCompliant,
	"noncompliant":          StatusNonCompliant,
	"not_compliant":         StatusNonCompliant,
	"not_implemented":       StatusNonCompliant,
	"fail":                  StatusNonCompliant,
	"failed":                StatusNonCompliant,
	"not_assessed":          StatusNotAssessed,
}

var criticalityByType = map[ControlType]Criticality{
	ControlTechnical:   CriticalityCritical,
	ControlOperational: CriticalityHigh,
	ControlManagement:  CriticalityMedium,
}

var criticalityWeight = map[Criticality]float64{
	CriticalityCritical: 3,
	CriticalityHigh:     2,
	CriticalityMedium:   1.5,
	CriticalityLow:      1,
}

// Not assessed scores worse than partial: unknown risk outranks half-done.
var statusScore = map[Status]float64{
	StatusCompliant:    0,
	StatusPartial:      0.5,
	StatusNonCompliant: 1,
	StatusNotAssessed:  0.7,
}

var criticalityBase = map[Criticality]int{
	CriticalityCritical: 100,
	CriticalityHigh:     75,
	CriticalityMedium:   50,
	CriticalityLow:      25,
}

var statusBonus = map[Status]int{
	StatusNotAssessed:  15,
	StatusNonCompliant: 10,
	StatusPartial:      5,
	StatusCompliant:    0,
}

// NormalizeStatus maps free-form status text onto the four canonical values.
// Anything unrecognised is treated as not assessed.
func NormalizeStatus(raw Status) Status {
	key := strings.ToLower(strings.TrimSpace(string(raw)))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if status, ok := statusAliases[key]; ok {
		return status
	}
	return StatusNotAssessed
}

// CriticalityOf derives the tier from the control type; unknown types are medium.
func CriticalityOf(t ControlType) Criticality {
	key := ControlType(strings.ToLower(strings.TrimSpace(string(t))))
	if c, ok := criticalityByType[key]; ok {
		return c
	}
	return CriticalityMedium
}

// Weight returns the scoring weight of a tier.
func (c Criticality) Weight() float64 {
	if w, ok := criticalityWeight[c]; ok {
		return w
	}
	return criticalityWeight[CriticalityMedium]
}

// Score returns the risk contribution of a canonical status in [0,1].
func (s Status) Score() float64 {
	if v, ok := statusScore[s]; ok {
		return v
	}
	return statusScore[StatusNotAssessed]
}

// RiskLevelFor classifies a score; bands are inclusive on their upper bound.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score <= 25:
		return RiskLow
	case score <= 50:
		return RiskMedium
	case score <= 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func findingPriority(c Criticality, s Status) int {
	return criticalityBase[c] + statusBonus[s]
}
