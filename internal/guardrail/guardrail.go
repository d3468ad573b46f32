// Package guardrail evaluates configured policy rules against text,
// detected PII entities, and numeric request context. Rules are loaded
// once at startup and never mutated by request handling.
package guardrail

import (
	"time"

	"piigate/internal/pii"
)

// Kind selects the rule's evaluation strategy.
type Kind string

const (
	KindThreshold      Kind = "THRESHOLD"
	KindPIIPresence    Kind = "PII_PRESENCE"
	KindContentPattern Kind = "CONTENT_PATTERN"
)

// Severity classifies how serious a violation is.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Action is what the pipeline does about a violation.
type Action string

const (
	ActionLog   Action = "log"
	ActionAlert Action = "alert"
	ActionBlock Action = "block"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

func actionRank(a Action) int {
	switch a {
	case ActionBlock:
		return 2
	case ActionAlert:
		return 1
	default:
		return 0
	}
}

// Violation records one rule firing. Created during evaluation, never
// mutated afterwards; persisted by the audit collaborator.
type Violation struct {
	RuleName  string         `json:"rule_name"`
	Severity  Severity       `json:"severity"`
	Action    Action         `json:"action_taken"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EvalContext carries the numeric values THRESHOLD rules compare against,
// keyed by metric name (e.g. "tokens", "cost").
type EvalContext map[string]float64

// rule is one compiled, immutable guardrail rule.
type rule interface {
	check(text string, entities []pii.Entity, evalCtx EvalContext) *Violation
}

// Engine holds the ordered rule list.
type Engine struct {
	rules   []rule
	refusal string
}

// Evaluate runs every rule and returns all violations. Evaluation is
// total: no rule short-circuits another, so audit records capture every
// applicable violation even when the request will be blocked.
func (e *Engine) Evaluate(text string, entities []pii.Entity, evalCtx EvalContext) []Violation {
	var violations []Violation
	for _, r := range e.rules {
		if v := r.check(text, entities, evalCtx); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

// RefusalMessage is the policy-defined text substituted for blocked
// requests.
func (e *Engine) RefusalMessage() string {
	return e.refusal
}

// RuleCount reports how many rules are active.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// EffectiveAction returns the most severe action among the violations:
// block > alert > log. With no violations it returns ActionLog.
func EffectiveAction(violations []Violation) Action {
	effective := ActionLog
	for _, v := range violations {
		if actionRank(v.Action) > actionRank(effective) {
			effective = v.Action
		}
	}
	return effective
}

// ShouldBlock reports whether any violation demands a block.
func ShouldBlock(violations []Violation) bool {
	return EffectiveAction(violations) == ActionBlock
}
