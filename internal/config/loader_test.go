package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inkwise/inkwise/pkg/provider/llm"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
providers:
  - name: claude
    driver: anyllm
    vendor: anthropic
    api_key: key-a
    model: claude-sonnet-4-5
    cost_per_1k_tokens: 3.0
    token_budget: 100000
  - name: gpt4o
    driver: openai
    api_key: key-b
    model: gpt-4o
    cost_per_1k_tokens: 2.5
    requests_per_second: 5
orchestrator:
  attempt_timeout: 2s
  max_consecutive_failures: 5
context:
  token_budget: 4096
  idle_ttl: 15m
budget:
  global_token_budget: 500000
  window: 30m
safety:
  enabled: true
  rules:
    - name: keys
      pattern: "sk-\\w+"
      action: redact
      replacement: "[KEY]"
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("len(Providers) = %d, want 2", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Name != "claude" || p.Driver != "anyllm" || p.Vendor != "anthropic" {
		t.Errorf("provider[0] = %+v", p)
	}
	if p.CostPer1KTokens != 3.0 {
		t.Errorf("CostPer1KTokens = %f", p.CostPer1KTokens)
	}
	if cfg.Orchestrator.AttemptTimeout != 2*time.Second {
		t.Errorf("AttemptTimeout = %v", cfg.Orchestrator.AttemptTimeout)
	}
	if cfg.Orchestrator.MaxConsecutiveFailures != 5 {
		t.Errorf("MaxConsecutiveFailures = %d", cfg.Orchestrator.MaxConsecutiveFailures)
	}
	if cfg.Context.TokenBudget != 4096 {
		t.Errorf("Context.TokenBudget = %d", cfg.Context.TokenBudget)
	}
	if cfg.Budget.GlobalTokenBudget != 500000 {
		t.Errorf("GlobalTokenBudget = %d", cfg.Budget.GlobalTokenBudget)
	}
	if !cfg.Safety.Enabled || len(cfg.Safety.Rules) != 1 {
		t.Errorf("Safety = %+v", cfg.Safety)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	minimal := `
providers:
  - name: claude
    driver: anyllm
    vendor: anthropic
    model: claude-sonnet-4-5
`
	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}

	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info default", cfg.Server.LogLevel)
	}
	if cfg.Orchestrator.AttemptTimeout != 5*time.Second {
		t.Errorf("AttemptTimeout = %v, want 5s default", cfg.Orchestrator.AttemptTimeout)
	}
	if cfg.Orchestrator.MaxConsecutiveFailures != 3 {
		t.Errorf("MaxConsecutiveFailures = %d, want 3 default", cfg.Orchestrator.MaxConsecutiveFailures)
	}
	if cfg.Context.TokenBudget != 8192 {
		t.Errorf("Context.TokenBudget = %d, want 8192 default", cfg.Context.TokenBudget)
	}
	if cfg.Context.IdleTTL != 30*time.Minute {
		t.Errorf("IdleTTL = %v, want 30m default", cfg.Context.IdleTTL)
	}
	if cfg.Budget.Window != time.Hour {
		t.Errorf("Budget.Window = %v, want 1h default", cfg.Budget.Window)
	}
}

func TestLoadFromReader_RedactRuleDefaults(t *testing.T) {
	yaml := `
providers:
  - name: p
    driver: openai
    model: gpt-4o
safety:
  enabled: true
  rules:
    - name: keys
      pattern: "sk-\\w+"
      action: redact
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	r := cfg.Safety.Rules[0]
	if r.Direction != DirectionBoth {
		t.Errorf("Direction = %q, want both default", r.Direction)
	}
	if r.Replacement != "[REDACTED]" {
		t.Errorf("Replacement = %q, want [REDACTED] default", r.Replacement)
	}
}

func TestLoadFromReader_UnknownFieldFails(t *testing.T) {
	yaml := `
providers:
  - name: p
    driver: openai
    model: gpt-4o
    not_a_field: true
`
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("LoadFromReader() with unknown field succeeded, want error")
	}
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_PROVIDER_KEY", "sk-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
providers:
  - name: p
    driver: openai
    api_key: ${TEST_PROVIDER_KEY}
    model: gpt-4o
    cost_per_1k_tokens: 1.0
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-from-env" {
		t.Errorf("APIKey = %q, want sk-from-env", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{LogLevel: "loud"},
		Providers: []ProviderConfig{
			{Name: "", Driver: "carrier-pigeon", Model: "", CostPer1KTokens: -1},
			{Name: "dup", Driver: "openai", Model: "m"},
			{Name: "dup", Driver: "openai", Model: "m"},
		},
		Budget: BudgetConfig{GlobalTokenBudget: -5},
		Safety: SafetyConfig{Rules: []FilterRule{
			{Name: "", Pattern: "([bad", Action: "explode"},
		}},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() = nil, want joined errors")
	}

	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"providers[0].name is required",
		"carrier-pigeon",
		"providers[0].model is required",
		"cost_per_1k_tokens",
		`"dup" is a duplicate`,
		"global_token_budget",
		"safety.rules[0].name is required",
		"does not compile",
		"action",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Validate() error missing %q in:\n%s", want, msg)
		}
	}
}

func TestValidate_RequiresAProvider(t *testing.T) {
	cfg := &Config{}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "at least one provider") {
		t.Errorf("Validate() error = %v, want missing-provider failure", err)
	}
}

func TestRegistry_CreateProvider(t *testing.T) {
	reg := NewRegistry()
	created := false
	reg.Register("openai", func(pc ProviderConfig) (llm.Provider, error) {
		created = true
		if pc.Model != "gpt-4o" {
			t.Errorf("factory got model %q", pc.Model)
		}
		return nil, nil
	})

	if _, err := reg.CreateProvider(ProviderConfig{Name: "p", Driver: "openai", Model: "gpt-4o"}); err != nil {
		t.Fatalf("CreateProvider() error = %v", err)
	}
	if !created {
		t.Error("factory not invoked")
	}

	if _, err := reg.CreateProvider(ProviderConfig{Driver: "unknown"}); err == nil {
		t.Error("CreateProvider() with unregistered driver succeeded, want error")
	}
}
