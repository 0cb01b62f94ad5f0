package scoring

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Matcher turns a finding into remediation guidance. Matchers are evaluated
// in order and the first match wins.
type Matcher interface {
	Match(f Finding) (Recommendation, bool)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(f Finding) (Recommendation, bool)

// Match implements Matcher.
func (fn MatcherFunc) Match(f Finding) (Recommendation, bool) { return fn(f) }

// Template is a reusable remediation recipe.
type Template struct {
	Title         string
	Priority      Priority
	Effort        string
	EstimatedDays int
	Actions       []string
}

func (t Template) recommendation(controlID string) Recommendation {
	return Recommendation{
		ControlID:     controlID,
		Title:         t.Title,
		Priority:      t.Priority,
		Effort:        t.Effort,
		EstimatedDays: t.EstimatedDays,
		Actions:       append([]string(nil), t.Actions...),
	}
}

// ControlMatcher matches on exact control id, case-insensitively.
type ControlMatcher struct {
	templates map[string]Template
}

// NewControlMatcher indexes templates by control id.
func NewControlMatcher(templates map[string]Template) *ControlMatcher {
	indexed := make(map[string]Template, len(templates))
	for id, tmpl := range templates {
		indexed[normalizeControlID(id)] = tmpl
	}
	return &ControlMatcher{templates: indexed}
}

// Match implements Matcher.
func (m *ControlMatcher) Match(f Finding) (Recommendation, bool) {
	tmpl, ok := m.templates[normalizeControlID(f.ControlID)]
	if !ok {
		return Recommendation{}, false
	}
	return tmpl.recommendation(f.ControlID), true
}

// CategoryPattern binds keywords found in a normalised category name to a template.
type CategoryPattern struct {
	Keywords []string
	Template Template
}

// CategoryMatcher matches the first pattern whose keyword occurs in the
// normalised category name.
type CategoryMatcher struct {
	patterns []CategoryPattern
}

// NewCategoryMatcher keeps patterns in evaluation order.
func NewCategoryMatcher(patterns []CategoryPattern) *CategoryMatcher {
	return &CategoryMatcher{patterns: append([]CategoryPattern(nil), patterns...)}
}

// Match implements Matcher.
func (m *CategoryMatcher) Match(f Finding) (Recommendation, bool) {
	name := NormalizeCategory(f.Category)
	for _, p := range m.patterns {
		for _, kw := range p.Keywords {
			if kw != "" && strings.Contains(name, kw) {
				return p.Template.recommendation(f.ControlID), true
			}
		}
	}
	return Recommendation{}, false
}

// GenericMatcher always matches, sizing the work from the criticality tier.
type GenericMatcher struct{}

type tierPlan struct {
	priority Priority
	effort   string
	days     int
}

var genericPlans = map[Criticality]tierPlan{
	CriticalityCritical: {PriorityP0, "high", 30},
	CriticalityHigh:     {PriorityP1, "medium", 21},
	CriticalityMedium:   {PriorityP2, "medium", 14},
	CriticalityLow:      {PriorityP3, "low", 7},
}

// Match implements Matcher.
func (GenericMatcher) Match(f Finding) (Recommendation, bool) {
	plan, ok := genericPlans[f.Criticality]
	if !ok {
		plan = genericPlans[CriticalityMedium]
	}
	title := f.ControlTitle
	if title == "" {
		title = f.ControlID
	}
	actions := []string{
		fmt.Sprintf("Document the current gap for control %s", f.ControlID),
		fmt.Sprintf("Implement the missing safeguards required by %q", title),
		"Collect evidence and re-assess the control",
	}
	if f.Status == StatusNotAssessed {
		actions = []string{
			fmt.Sprintf("Assign an owner to assess control %s", f.ControlID),
			"Gather evidence of the current implementation state",
			"Record the assessment result and plan remediation for any gap",
		}
	}
	return Recommendation{
		ControlID:     f.ControlID,
		Title:         fmt.Sprintf("Remediate %s: %s", f.ControlID, title),
		Priority:      plan.priority,
		Effort:        plan.effort,
		EstimatedDays: plan.days,
		Actions:       actions,
	}, true
}

// DefaultMatchers is the control id -> category pattern -> generic chain.
func DefaultMatchers() []Matcher {
	return []Matcher{
		NewControlMatcher(controlTemplates),
		NewCategoryMatcher(categoryPatterns),
		GenericMatcher{},
	}
}

// Recommend maps findings to recommendations: at most one per control, and
// recommendations with identical content are collapsed.
func Recommend(findings []Finding, matchers []Matcher) []Recommendation {
	out := make([]Recommendation, 0, len(findings))
	seenControl := make(map[string]struct{}, len(findings))
	seenContent := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		if _, ok := seenControl[f.ControlID]; ok {
			continue
		}
		seenControl[f.ControlID] = struct{}{}
		for _, m := range matchers {
			rec, ok := m.Match(f)
			if !ok {
				continue
			}
			key := contentKey(rec)
			if _, dup := seenContent[key]; !dup {
				seenContent[key] = struct{}{}
				out = append(out, rec)
			}
			break
		}
	}
	return out
}

func contentKey(r Recommendation) string {
	var b strings.Builder
	b.WriteString(r.Title)
	b.WriteByte('|')
	b.WriteString(string(r.Priority))
	b.WriteByte('|')
	b.WriteString(r.Effort)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(r.EstimatedDays))
	for _, a := range r.Actions {
		b.WriteByte('|')
		b.WriteString(a)
	}
	return b.String()
}

// NormalizeCategory lowercases and collapses punctuation to single spaces,
// so "Access-Control & IAM" becomes "access control iam".
func NormalizeCategory(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

func normalizeControlID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

var controlTemplates = map[string]Template{
	"A.5.1": {
		Title: "Publish and approve the information security policy", Priority: PriorityP2, Effort: "low", EstimatedDays: 10,
		Actions: []string{"Draft the policy set with management", "Obtain formal approval", "Communicate the policy to all staff", "Schedule an annual review"},
	},
	"A.5.15": {
		Title: "Establish access control rules", Priority: PriorityP0, Effort: "medium", EstimatedDays: 21,
		Actions: []string{"Define role-based access rules", "Remove orphaned and shared accounts", "Introduce quarterly access reviews"},
	},
	"A.5.24": {
		Title: "Stand up incident management planning", Priority: PriorityP1, Effort: "medium", EstimatedDays: 14,
		Actions: []string{"Define incident roles and escalation paths", "Write the incident response runbook", "Run a tabletop exercise"},
	},
	"A.5.30": {
		Title: "Prepare ICT for business continuity", Priority: PriorityP1, Effort: "high", EstimatedDays: 45,
		Actions: []string{"Set recovery time objectives per service", "Document failover procedures", "Test recovery at least annually"},
	},
	"A.6.3": {
		Title: "Roll out security awareness training", Priority: PriorityP2, Effort: "low", EstimatedDays: 14,
		Actions: []string{"Select a training programme", "Enrol all staff and contractors", "Track completion and refresh yearly"},
	},
	"A.8.5": {
		Title: "Enforce secure authentication", Priority: PriorityP0, Effort: "medium", EstimatedDays: 14,
		Actions: []string{"Enable multi-factor authentication for all users", "Enforce password policy in the identity provider", "Monitor failed logins"},
	},
	"A.8.8": {
		Title: "Manage technical vulnerabilities", Priority: PriorityP0, Effort: "medium", EstimatedDays: 21,
		Actions: []string{"Deploy continuous vulnerability scanning", "Define patch SLAs by severity", "Report open vulnerabilities monthly"},
	},
	"A.8.13": {
		Title: "Implement and test information backup", Priority: PriorityP0, Effort: "medium", EstimatedDays: 14,
		Actions: []string{"Define backup scope and retention", "Encrypt and store backups off-site", "Perform restore tests quarterly"},
	},
	"A.8.15": {
		Title: "Centralise security logging", Priority: PriorityP1, Effort: "medium", EstimatedDays: 21,
		Actions: []string{"Forward system and application logs to a central store", "Protect logs from tampering", "Define retention periods"},
	},
	"A.8.24": {
		Title: "Apply cryptography to data at rest and in transit", Priority: PriorityP0, Effort: "high", EstimatedDays: 30,
		Actions: []string{"Inventory sensitive data stores", "Enable encryption at rest", "Enforce TLS 1.2+ on all endpoints", "Document key management"},
	},
}

var categoryPatterns = []CategoryPattern{
	{Keywords: []string{"access", "identity"}, Template: Template{
		Title: "Strengthen access control", Priority: PriorityP1, Effort: "medium", EstimatedDays: 21,
		Actions: []string{"Review user entitlements", "Apply least privilege", "Automate joiner/mover/leaver provisioning"},
	}},
	{Keywords: []string{"cryptograph", "encryption"}, Template: Template{
		Title: "Harden cryptographic controls", Priority: PriorityP1, Effort: "high", EstimatedDays: 30,
		Actions: []string{"Inventory keys and certificates", "Retire weak algorithms", "Automate key rotation"},
	}},
	{Keywords: []string{"incident"}, Template: Template{
		Title: "Mature incident response", Priority: PriorityP1, Effort: "medium", EstimatedDays: 14,
		Actions: []string{"Update the incident runbook", "Define severity levels", "Exercise the process with a tabletop"},
	}},
	{Keywords: []string{"continuity", "resilience", "backup"}, Template: Template{
		Title: "Improve business continuity readiness", Priority: PriorityP1, Effort: "high", EstimatedDays: 45,
		Actions: []string{"Run a business impact analysis", "Document recovery plans", "Test recovery procedures"},
	}},
	{Keywords: []string{"network", "communication"}, Template: Template{
		Title: "Secure network communications", Priority: PriorityP1, Effort: "medium", EstimatedDays: 21,
		Actions: []string{"Segment production networks", "Restrict inbound exposure", "Monitor network flows"},
	}},
	{Keywords: []string{"asset"}, Template: Template{
		Title: "Complete the asset inventory", Priority: PriorityP2, Effort: "medium", EstimatedDays: 14,
		Actions: []string{"Discover hardware and software assets", "Assign asset owners", "Classify assets by sensitivity"},
	}},
	{Keywords: []string{"supplier", "vendor", "third party"}, Template: Template{
		Title: "Manage supplier security", Priority: PriorityP2, Effort: "medium", EstimatedDays: 21,
		Actions: []string{"Tier suppliers by risk", "Add security clauses to contracts", "Review critical suppliers annually"},
	}},
	{Keywords: []string{"people", "human", "personnel"}, Template: Template{
		Title: "Embed security in people processes", Priority: PriorityP2, Effort: "low", EstimatedDays: 14,
		Actions: []string{"Add screening to hiring", "Deliver awareness training", "Formalise offboarding checklists"},
	}},
	{Keywords: []string{"physical", "environmental"}, Template: Template{
		Title: "Tighten physical security", Priority: PriorityP2, Effort: "medium", EstimatedDays: 21,
		Actions: []string{"Review site access controls", "Log visitor access", "Protect equipment from environmental threats"},
	}},
	{Keywords: []string{"logging", "monitoring"}, Template: Template{
		Title: "Expand security monitoring", Priority: PriorityP1, Effort: "medium", EstimatedDays: 21,
		Actions: []string{"Centralise logs", "Define alerting use cases", "Review alerts daily"},
	}},
	{Keywords: []string{"polic", "governance", "organizational", "organisational"}, Template: Template{
		Title: "Formalise security governance", Priority: PriorityP2, Effort: "low", EstimatedDays: 14,
		Actions: []string{"Assign security roles and responsibilities", "Approve and publish policies", "Track policy exceptions"},
	}},
}
