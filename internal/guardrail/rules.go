package guardrail

import (
	"fmt"
	"regexp"
	"time"

	"piigate/internal/pii"
)

// thresholdRule fires when a numeric context value crosses the limit.
type thresholdRule struct {
	name       string
	severity   Severity
	action     Action
	metric     string
	threshold  float64
	comparison string // gt, gte, lt, lte, eq
}

func (r *thresholdRule) check(_ string, _ []pii.Entity, evalCtx EvalContext) *Violation {
	value, ok := evalCtx[r.metric]
	if !ok {
		return nil
	}

	var exceeded bool
	switch r.comparison {
	case "gte":
		exceeded = value >= r.threshold
	case "lt":
		exceeded = value < r.threshold
	case "lte":
		exceeded = value <= r.threshold
	case "eq":
		exceeded = value == r.threshold
	default: // gt
		exceeded = value > r.threshold
	}
	if !exceeded {
		return nil
	}

	return &Violation{
		RuleName: r.name,
		Severity: r.severity,
		Action:   r.action,
		Message:  fmt.Sprintf("%s %g exceeds threshold %g", r.metric, value, r.threshold),
		Details: map[string]any{
			"metric":    r.metric,
			"value":     value,
			"threshold": r.threshold,
		},
		Timestamp: time.Now().UTC(),
	}
}

// typeOverride escalates severity/action for a specific entity type.
type typeOverride struct {
	severity Severity
	action   Action
}

// piiPresenceRule fires when entities of a blocked type are present. An
// empty blocked set matches every entity type. Per-type overrides
// escalate the violation's severity and action.
type piiPresenceRule struct {
	name      string
	severity  Severity
	action    Action
	blocked   map[pii.Type]struct{}
	overrides map[pii.Type]typeOverride
}

func (r *piiPresenceRule) check(_ string, entities []pii.Entity, _ EvalContext) *Violation {
	var matched []pii.Entity
	for _, e := range entities {
		if len(r.blocked) > 0 {
			if _, ok := r.blocked[e.Type]; !ok {
				continue
			}
		}
		matched = append(matched, e)
	}
	if len(matched) == 0 {
		return nil
	}

	severity := r.severity
	action := r.action
	types := make([]string, 0, len(matched))
	for _, e := range matched {
		types = append(types, string(e.Type))
		if ov, ok := r.overrides[e.Type]; ok {
			if severityRank(ov.severity) > severityRank(severity) {
				severity = ov.severity
			}
			if actionRank(ov.action) > actionRank(action) {
				action = ov.action
			}
		}
	}

	return &Violation{
		RuleName: r.name,
		Severity: severity,
		Action:   action,
		Message:  fmt.Sprintf("PII detected: %v", types),
		Details: map[string]any{
			"entity_types": types,
			"count":        len(matched),
		},
		Timestamp: time.Now().UTC(),
	}
}

// contentPatternRule fires when any of its regexes matches the text.
type contentPatternRule struct {
	name     string
	severity Severity
	action   Action
	patterns []*regexp.Regexp
}

func (r *contentPatternRule) check(text string, _ []pii.Entity, _ EvalContext) *Violation {
	if text == "" {
		return nil
	}
	for _, p := range r.patterns {
		if p.MatchString(text) {
			return &Violation{
				RuleName: r.name,
				Severity: r.severity,
				Action:   r.action,
				Message:  "content matches filtered pattern",
				Details: map[string]any{
					"pattern": p.String(),
				},
				Timestamp: time.Now().UTC(),
			}
		}
	}
	return nil
}
