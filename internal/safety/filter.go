// Package safety implements the configuration-driven content filter that
// inspects prompts before they leave the engine and completions before they
// reach the caller.
//
// The policy is a flat list of pattern rules, each with an action (block or
// redact) and a direction (outbound, inbound, or both). Which categories block
// versus redact is configuration data; the filter only fixes the three-way
// verdict contract: Block aborts the orchestration call, Redact substitutes
// text and continues, Allow passes through unchanged.
//
// Filter is safe for concurrent use; the rule set is fixed at construction.
package safety

import (
	"fmt"
	"regexp"

	"github.com/inkwise/inkwise/internal/config"
)

// Direction identifies which side of the provider call is being checked.
type Direction int

const (
	// Outbound checks prompt text before it is sent to a provider.
	Outbound Direction = iota

	// Inbound checks completion text returned by a provider.
	Inbound
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Action is the three-way verdict of a check.
type Action int

const (
	// Allow passes the text through unchanged.
	Allow Action = iota

	// Redact substitutes matched spans and continues.
	Redact

	// Block aborts the orchestration call.
	Block
)

// Verdict is the result of a [Filter.Check] call.
type Verdict struct {
	// Action is the overall outcome. Block wins over Redact wins over Allow.
	Action Action

	// Text is the (possibly redacted) text. Valid for Allow and Redact.
	Text string

	// Rule is the name of the rule that caused a Block. Empty otherwise.
	Rule string

	// Reason is a human-readable explanation for a Block. Empty otherwise.
	Reason string
}

// rule is a compiled FilterRule.
type rule struct {
	name        string
	re          *regexp.Regexp
	action      config.FilterAction
	direction   config.FilterDirection
	replacement string
}

// Filter evaluates the configured rule set against text.
type Filter struct {
	enabled bool
	rules   []rule
}

// DefaultRules returns the built-in rule set used when the configuration
// enables safety filtering without listing rules: credential-looking
// assignments are redacted in both directions, and well-known PII markers are
// blocked outbound.
func DefaultRules() []config.FilterRule {
	return []config.FilterRule{
		{
			Name:        "credentials",
			Pattern:     `(?i)(password|api[_-]?key|secret|token)\s*[:=]\s*\S+`,
			Action:      config.ActionRedact,
			Direction:   config.DirectionBoth,
			Replacement: "[REDACTED]",
		},
		{
			Name:      "pii-markers",
			Pattern:   `(?i)(credit[_-]?card|ssn|social[_-]?security)\s*(number)?\s*[:=]\s*\S+`,
			Action:    config.ActionBlock,
			Direction: config.DirectionOutbound,
		},
	}
}

// New compiles the given safety configuration into a [Filter].
// When cfg.Enabled is true and cfg.Rules is empty, [DefaultRules] is used.
func New(cfg config.SafetyConfig) (*Filter, error) {
	f := &Filter{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return f, nil
	}

	src := cfg.Rules
	if len(src) == 0 {
		src = DefaultRules()
	}

	for i, rc := range src {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("safety: rule %d (%s): compile pattern: %w", i, rc.Name, err)
		}
		direction := rc.Direction
		if direction == "" {
			direction = config.DirectionBoth
		}
		replacement := rc.Replacement
		if rc.Action == config.ActionRedact && replacement == "" {
			replacement = "[REDACTED]"
		}
		f.rules = append(f.rules, rule{
			name:        rc.Name,
			re:          re,
			action:      rc.Action,
			direction:   direction,
			replacement: replacement,
		})
	}
	return f, nil
}

// Check evaluates text against all rules applicable to the given direction.
//
// Block rules short-circuit: the first Block match returns immediately and no
// further rules run. Redact rules are cumulative: every matching redact rule
// substitutes its spans, in rule order. When nothing matches the verdict is
// Allow with the original text.
func (f *Filter) Check(text string, dir Direction) Verdict {
	if !f.enabled {
		return Verdict{Action: Allow, Text: text}
	}

	redacted := false
	out := text
	for _, r := range f.rules {
		if !r.applies(dir) {
			continue
		}
		switch r.action {
		case config.ActionBlock:
			if r.re.MatchString(out) {
				return Verdict{
					Action: Block,
					Rule:   r.name,
					Reason: fmt.Sprintf("%s content matched rule %q", dir, r.name),
				}
			}
		case config.ActionRedact:
			if r.re.MatchString(out) {
				out = r.re.ReplaceAllString(out, r.replacement)
				redacted = true
			}
		}
	}

	if redacted {
		return Verdict{Action: Redact, Text: out}
	}
	return Verdict{Action: Allow, Text: out}
}

// applies reports whether the rule participates in checks for dir.
func (r *rule) applies(dir Direction) bool {
	switch r.direction {
	case config.DirectionBoth:
		return true
	case config.DirectionOutbound:
		return dir == Outbound
	case config.DirectionInbound:
		return dir == Inbound
	}
	return false
}
