// Package config provides the configuration schema, loader, and provider
// registry for the Inkwise AI orchestration engine.
package config

import "time"

// LogLevel controls log verbosity for the Inkwise server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// FilterAction selects what the content filter does when a rule matches.
type FilterAction string

const (
	// ActionBlock aborts the orchestration call with a ContentBlocked error.
	ActionBlock FilterAction = "block"

	// ActionRedact substitutes the matched text and continues.
	ActionRedact FilterAction = "redact"
)

// IsValid reports whether a is a recognised filter action.
func (a FilterAction) IsValid() bool {
	return a == ActionBlock || a == ActionRedact
}

// FilterDirection selects which side of the provider call a rule applies to.
type FilterDirection string

const (
	// DirectionOutbound applies the rule to prompts before they leave the engine.
	DirectionOutbound FilterDirection = "outbound"

	// DirectionInbound applies the rule to completions returned by a provider.
	DirectionInbound FilterDirection = "inbound"

	// DirectionBoth applies the rule in both directions.
	DirectionBoth FilterDirection = "both"
)

// IsValid reports whether d is a recognised filter direction.
func (d FilterDirection) IsValid() bool {
	switch d {
	case DirectionOutbound, DirectionInbound, DirectionBoth:
		return true
	}
	return false
}

// Config is the root configuration structure for Inkwise.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Context      ContextConfig      `yaml:"context"`
	Budget       BudgetConfig       `yaml:"budget"`
	Safety       SafetyConfig       `yaml:"safety"`
}

// ServerConfig holds network and logging settings for the Inkwise server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderConfig declares one LLM backend. The engine tries providers in an
// order derived from health and cost, not from list position; list position
// only breaks ties between providers with identical cost.
type ProviderConfig struct {
	// Name is a unique identifier for this provider used in logs, metrics,
	// and the usage ledger (e.g., "claude", "gpt4o", "local-llama").
	Name string `yaml:"name"`

	// Driver selects the registered adapter implementation ("openai" or
	// "anyllm").
	Driver string `yaml:"driver"`

	// Vendor selects the backend vendor for multi-vendor drivers
	// (e.g., "anthropic", "gemini", "ollama" for the anyllm driver).
	// Ignored by single-vendor drivers.
	Vendor string `yaml:"vendor"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "claude-3-5-sonnet-latest").
	Model string `yaml:"model"`

	// CostPer1KTokens is the blended price in USD per thousand tokens, used
	// for provider ordering (cheapest healthy provider first) and cost
	// estimates in the usage ledger.
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`

	// MaxContextTokens overrides the adapter's reported context window.
	// Zero means use the adapter's value.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// TokenBudget is this provider's token ceiling per budget window.
	// Zero means no per-provider ceiling.
	TokenBudget int64 `yaml:"token_budget"`

	// RequestsPerSecond caps the request rate against this provider.
	// Zero means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the request-rate burst size. Defaults to 1 when
	// RequestsPerSecond is set.
	Burst int `yaml:"burst"`
}

// OrchestratorConfig tunes the failover state machine.
type OrchestratorConfig struct {
	// AttemptTimeout bounds a single provider attempt. Default: 5s.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// MaxConsecutiveFailures is how many consecutive failures mark a provider
	// unavailable (not merely degraded). Default: 3.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// ContextConfig tunes conversation-context management.
type ContextConfig struct {
	// TokenBudget is the global ceiling on a serialized conversation context.
	// Individual providers with smaller context windows impose a tighter
	// effective budget per attempt. Default: 8192.
	TokenBudget int `yaml:"token_budget"`

	// IdleTTL is how long an idle conversation is kept before eviction.
	// Default: 30m.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// BudgetConfig tunes the cost/rate governor.
type BudgetConfig struct {
	// GlobalTokenBudget is the total token ceiling across all providers per
	// window. Zero disables the global ceiling.
	GlobalTokenBudget int64 `yaml:"global_token_budget"`

	// Window is the accounting window for token ceilings. Default: 1h.
	Window time.Duration `yaml:"window"`
}

// SafetyConfig holds the content filter rule set.
type SafetyConfig struct {
	// Enabled toggles content filtering. When false, every check returns Allow.
	Enabled bool `yaml:"enabled"`

	// Rules is the ordered list of pattern rules. The first Block match wins;
	// Redact rules are applied cumulatively in order.
	Rules []FilterRule `yaml:"rules"`
}

// FilterRule is a single configuration-driven safety rule.
type FilterRule struct {
	// Name identifies the rule in logs and ContentBlocked errors.
	Name string `yaml:"name"`

	// Pattern is the regular expression matched against the text.
	Pattern string `yaml:"pattern"`

	// Action is what to do on match.
	Action FilterAction `yaml:"action"`

	// Direction limits the rule to one side of the provider call.
	// Empty means both.
	Direction FilterDirection `yaml:"direction"`

	// Replacement is the substitution text for redact rules.
	// Defaults to "[REDACTED]".
	Replacement string `yaml:"replacement"`
}

// ApplyDefaults fills zero-valued tuning fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Orchestrator.AttemptTimeout <= 0 {
		c.Orchestrator.AttemptTimeout = 5 * time.Second
	}
	if c.Orchestrator.MaxConsecutiveFailures <= 0 {
		c.Orchestrator.MaxConsecutiveFailures = 3
	}
	if c.Context.TokenBudget <= 0 {
		c.Context.TokenBudget = 8192
	}
	if c.Context.IdleTTL <= 0 {
		c.Context.IdleTTL = 30 * time.Minute
	}
	if c.Budget.Window <= 0 {
		c.Budget.Window = time.Hour
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.RequestsPerSecond > 0 && p.Burst <= 0 {
			p.Burst = 1
		}
	}
	for i := range c.Safety.Rules {
		r := &c.Safety.Rules[i]
		if r.Direction == "" {
			r.Direction = DirectionBoth
		}
		if r.Action == ActionRedact && r.Replacement == "" {
			r.Replacement = "[REDACTED]"
		}
	}
}
