package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidDrivers lists the known provider driver names.
var ValidDrivers = []string{"openai", "anyllm"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. References of the form ${VAR} or $VAR are replaced with the
// corresponding environment variable before parsing, so API keys can be kept
// out of the file itself.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if len(cfg.Providers) == 0 {
		errs = append(errs, errors.New("providers must list at least one provider"))
	}

	namesSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if !validDriver(p.Driver) {
			errs = append(errs, fmt.Errorf("%s.driver %q is invalid; valid values: openai, anyllm", prefix, p.Driver))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if p.CostPer1KTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.cost_per_1k_tokens %.4f must not be negative", prefix, p.CostPer1KTokens))
		}
		if p.TokenBudget < 0 {
			errs = append(errs, fmt.Errorf("%s.token_budget %d must not be negative", prefix, p.TokenBudget))
		}
		if p.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("%s.requests_per_second %.2f must not be negative", prefix, p.RequestsPerSecond))
		}
	}

	if cfg.Budget.GlobalTokenBudget < 0 {
		errs = append(errs, fmt.Errorf("budget.global_token_budget %d must not be negative", cfg.Budget.GlobalTokenBudget))
	}

	for i, r := range cfg.Safety.Rules {
		prefix := fmt.Sprintf("safety.rules[%d]", i)
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("%s.pattern is required", prefix))
		} else if _, err := regexp.Compile(r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("%s.pattern does not compile: %v", prefix, err))
		}
		if !r.Action.IsValid() {
			errs = append(errs, fmt.Errorf("%s.action %q is invalid; valid values: block, redact", prefix, r.Action))
		}
		if r.Direction != "" && !r.Direction.IsValid() {
			errs = append(errs, fmt.Errorf("%s.direction %q is invalid; valid values: outbound, inbound, both", prefix, r.Direction))
		}
	}

	return errors.Join(errs...)
}

func validDriver(driver string) bool {
	for _, d := range ValidDrivers {
		if driver == d {
			return true
		}
	}
	return false
}
