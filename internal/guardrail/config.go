package guardrail

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"piigate/internal/pii"
)

// DefaultRefusalMessage is returned to callers when a block rule fires and
// no message is configured.
const DefaultRefusalMessage = "This request was blocked by content policy."

// RuleConfig is one rule as declared in the YAML file.
type RuleConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Enabled  *bool  `yaml:"enabled"`
	Severity string `yaml:"severity"`
	Action   string `yaml:"action"`

	// THRESHOLD
	Metric     string  `yaml:"metric"`
	Threshold  float64 `yaml:"threshold"`
	Comparison string  `yaml:"comparison"`

	// PII_PRESENCE
	EntityTypes []string                  `yaml:"entity_types"`
	Overrides   map[string]OverrideConfig `yaml:"overrides"`

	// CONTENT_PATTERN
	Patterns []string `yaml:"patterns"`
}

// OverrideConfig escalates severity/action for one entity type.
type OverrideConfig struct {
	Severity string `yaml:"severity"`
	Action   string `yaml:"action"`
}

// Config is the guardrail YAML document.
type Config struct {
	RefusalMessage string       `yaml:"refusal_message"`
	Rules          []RuleConfig `yaml:"rules"`
}

// LoadConfig reads and parses the guardrail YAML file. A missing path
// yields an empty config rather than an error so deployments can run
// without guardrails.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read guardrail config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse guardrail config: %w", err)
	}
	return &cfg, nil
}

// NewEngine compiles the configured rules into an engine. Rule order is
// preserved; disabled rules are dropped. Invalid rules fail construction
// so misconfiguration is caught at startup, not per request.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	refusal := cfg.RefusalMessage
	if refusal == "" {
		refusal = DefaultRefusalMessage
	}

	e := &Engine{refusal: refusal}
	for i, rc := range cfg.Rules {
		if rc.Enabled != nil && !*rc.Enabled {
			continue
		}
		r, err := buildRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rc.Name, err)
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

func buildRule(rc RuleConfig) (rule, error) {
	if rc.Name == "" {
		return nil, fmt.Errorf("rule has no name")
	}
	severity, err := parseSeverity(rc.Severity)
	if err != nil {
		return nil, err
	}
	action, err := parseAction(rc.Action)
	if err != nil {
		return nil, err
	}

	switch Kind(strings.ToUpper(rc.Kind)) {
	case KindThreshold:
		if rc.Metric == "" {
			return nil, fmt.Errorf("threshold rule needs a metric")
		}
		comparison := rc.Comparison
		if comparison == "" {
			comparison = "gt"
		}
		switch comparison {
		case "gt", "gte", "lt", "lte", "eq":
		default:
			return nil, fmt.Errorf("unknown comparison %q", comparison)
		}
		return &thresholdRule{
			name:       rc.Name,
			severity:   severity,
			action:     action,
			metric:     rc.Metric,
			threshold:  rc.Threshold,
			comparison: comparison,
		}, nil

	case KindPIIPresence:
		blocked := make(map[pii.Type]struct{}, len(rc.EntityTypes))
		for _, t := range rc.EntityTypes {
			blocked[pii.Type(strings.ToUpper(t))] = struct{}{}
		}
		overrides := make(map[pii.Type]typeOverride, len(rc.Overrides))
		for t, oc := range rc.Overrides {
			osev, err := parseSeverity(oc.Severity)
			if err != nil {
				return nil, fmt.Errorf("override for %s: %w", t, err)
			}
			oact, err := parseAction(oc.Action)
			if err != nil {
				return nil, fmt.Errorf("override for %s: %w", t, err)
			}
			overrides[pii.Type(strings.ToUpper(t))] = typeOverride{severity: osev, action: oact}
		}
		return &piiPresenceRule{
			name:      rc.Name,
			severity:  severity,
			action:    action,
			blocked:   blocked,
			overrides: overrides,
		}, nil

	case KindContentPattern:
		if len(rc.Patterns) == 0 {
			return nil, fmt.Errorf("content rule needs at least one pattern")
		}
		patterns := make([]*regexp.Regexp, 0, len(rc.Patterns))
		for _, p := range rc.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", p, err)
			}
			patterns = append(patterns, re)
		}
		return &contentPatternRule{
			name:     rc.Name,
			severity: severity,
			action:   action,
			patterns: patterns,
		}, nil

	default:
		return nil, fmt.Errorf("unknown rule kind %q", rc.Kind)
	}
}

func parseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "", "warning":
		return SeverityWarning, nil
	case "info":
		return SeverityInfo, nil
	case "error":
		return SeverityError, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

func parseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "", "log":
		return ActionLog, nil
	case "alert":
		return ActionAlert, nil
	case "block":
		return ActionBlock, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}
