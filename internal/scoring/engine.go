package scoring

import (
	"math"
	"sort"
	"strings"
	"time"
)

// MaxFindings bounds the findings kept per result to keep output actionable.
const MaxFindings = 5

const uncategorized = "Uncategorized"

// Engine maps compliance responses onto a risk assessment. It holds no
// mutable state after construction and is safe for concurrent use.
type Engine struct {
	now      func() time.Time
	matchers []Matcher
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the timestamp source for ComputedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMatchers replaces the recommendation matcher chain.
func WithMatchers(matchers ...Matcher) Option {
	return func(e *Engine) {
		if len(matchers) > 0 {
			e.matchers = append([]Matcher(nil), matchers...)
		}
	}
}

// NewEngine builds an engine with the default recommendation chain.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:      func() time.Time { return time.Now().UTC() },
		matchers: DefaultMatchers(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

var defaultEngine = NewEngine()

// ComputeScore scores responses against controls with the default engine.
func ComputeScore(responses map[string]Response, controls []Control) AssessmentResult {
	return defaultEngine.Compute(responses, controls)
}

// ResponsesByControl indexes responses by control id. A later entry for the
// same control replaces an earlier one.
func ResponsesByControl(responses []Response) map[string]Response {
	indexed := make(map[string]Response, len(responses))
	for _, r := range responses {
		if strings.TrimSpace(r.ControlID) == "" {
			continue
		}
		indexed[r.ControlID] = r
	}
	return indexed
}

type categoryAccumulator struct {
	score    CategoryScore
	weighted float64
	weights  float64
}

// Compute produces a fresh AssessmentResult. Responses that reference a
// control absent from controls are ignored.
func (e *Engine) Compute(responses map[string]Response, controls []Control) AssessmentResult {
	result := AssessmentResult{
		RiskLevel:       RiskLow,
		CategoryScores:  []CategoryScore{},
		KeyFindings:     []Finding{},
		Recommendations: []Recommendation{},
		TotalControls:   len(controls),
		ComputedAt:      e.now(),
	}
	if len(controls) == 0 {
		return result
	}

	categories := make(map[string]*categoryAccumulator)
	var order []*categoryAccumulator
	total := float64(len(controls))
	var candidates []Finding
	var received, unanswered, assessed int

	for _, control := range controls {
		tier := CriticalityOf(control.Type)
		status := StatusNotAssessed
		resp, answered := responses[control.ID]
		if answered {
			status = NormalizeStatus(resp.Status)
			received++
			if status == StatusNotAssessed {
				unanswered++
			} else {
				assessed++
			}
		}

		name := strings.TrimSpace(control.Category)
		if name == "" {
			name = uncategorized
		}
		acc, ok := categories[name]
		if !ok {
			acc = &categoryAccumulator{score: CategoryScore{Category: name}}
			categories[name] = acc
			order = append(order, acc)
		}
		acc.weighted += status.Score() * tier.Weight()
		acc.weights += tier.Weight()
		acc.score.ControlCount++
		switch status {
		case StatusCompliant:
			acc.score.CompliantCount++
		case StatusPartial:
			acc.score.PartialCount++
		case StatusNonCompliant:
			acc.score.NonCompliantCount++
		default:
			acc.score.NotAssessedCount++
		}

		if answered && (status == StatusNonCompliant || status == StatusNotAssessed) {
			candidates = append(candidates, Finding{
				ControlID:    control.ID,
				ControlTitle: control.Title,
				Category:     name,
				Criticality:  tier,
				Status:       status,
				Impact:       impactFor(control, tier, status),
				Priority:     findingPriority(tier, status),
			})
		}
	}

	// Summed in first-seen order; float addition is not associative.
	var overall float64
	for _, acc := range order {
		raw := acc.weighted / acc.weights * 100
		acc.score.Weight = float64(acc.score.ControlCount) / total
		acc.score.Score = int(math.Round(raw))
		acc.score.CompliancePercentage = percent(acc.score.CompliantCount, acc.score.ControlCount)
		overall += raw * acc.score.Weight
		result.CategoryScores = append(result.CategoryScores, acc.score)
	}
	sort.Slice(result.CategoryScores, func(i, j int) bool {
		a, b := result.CategoryScores[i], result.CategoryScores[j]
		if a.Score == b.Score {
			return a.Category < b.Category
		}
		return a.Score > b.Score
	})

	result.OverallScore = clampScore(int(math.Round(overall)))
	result.RiskLevel = RiskLevelFor(result.OverallScore)
	result.KeyFindings = topFindings(candidates, MaxFindings)
	result.Recommendations = Recommend(result.KeyFindings, e.matchers)
	result.Confidence = confidence(received, unanswered, len(controls))
	result.TotalControlsAssessed = assessed
	result.CompletionPercentage = percent(assessed, len(controls))
	return result
}

func topFindings(candidates []Finding, limit int) []Finding {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Finding, len(candidates))
	copy(out, candidates)
	return out
}

// confidence rewards completeness and penalises up to 30% for answers that
// are themselves "not assessed".
func confidence(received, unanswered, total int) float64 {
	if total == 0 || received == 0 {
		return 0
	}
	coverage := math.Min(float64(received)/float64(total), 1)
	penalty := 0.3 * float64(unanswered) / float64(received)
	return math.Max(0, math.Min(1, coverage*(1-penalty)))
}

func percent(part, whole int) int {
	if whole == 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(whole) * 100))
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

var tierConsequence = map[Criticality]string{
	CriticalityCritical: "exposes systems and data to direct compromise",
	CriticalityHigh:     "weakens day-to-day operational safeguards",
	CriticalityMedium:   "leaves a governance gap auditors will flag",
	CriticalityLow:      "has limited direct exposure",
}

func impactFor(control Control, tier Criticality, status Status) string {
	title := control.Title
	if title == "" {
		title = control.ID
	}
	label := strings.ToUpper(string(tier[:1])) + string(tier[1:])
	if status == StatusNotAssessed {
		return label + " control \"" + title + "\" has not been assessed; its risk is unknown and treated as elevated"
	}
	return label + " control \"" + title + "\" is not implemented and " + tierConsequence[tier]
}
