package safety

import (
	"strings"
	"testing"

	"github.com/inkwise/inkwise/internal/config"
)

func TestCheck_DisabledFilterAllowsEverything(t *testing.T) {
	f, err := New(config.SafetyConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	v := f.Check("password = hunter2", Outbound)
	if v.Action != Allow {
		t.Errorf("Action = %v, want Allow", v.Action)
	}
	if v.Text != "password = hunter2" {
		t.Errorf("Text = %q, want original", v.Text)
	}
}

func TestCheck_DefaultRulesRedactCredentials(t *testing.T) {
	f, err := New(config.SafetyConfig{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	v := f.Check("my api_key = sk-abc123 is secret", Outbound)
	if v.Action != Redact {
		t.Fatalf("Action = %v, want Redact", v.Action)
	}
	if strings.Contains(v.Text, "sk-abc123") {
		t.Errorf("Text = %q, credential not redacted", v.Text)
	}
	if !strings.Contains(v.Text, "[REDACTED]") {
		t.Errorf("Text = %q, want replacement marker", v.Text)
	}
}

func TestCheck_DefaultRulesBlockPIIOutboundOnly(t *testing.T) {
	f, err := New(config.SafetyConfig{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	text := "my ssn: 123-45-6789"

	out := f.Check(text, Outbound)
	if out.Action != Block {
		t.Errorf("outbound Action = %v, want Block", out.Action)
	}
	if out.Rule != "pii-markers" {
		t.Errorf("Rule = %q, want pii-markers", out.Rule)
	}
	if out.Reason == "" {
		t.Error("Reason is empty")
	}

	in := f.Check(text, Inbound)
	if in.Action == Block {
		t.Error("inbound check blocked, pii-markers is outbound-only")
	}
}

func TestCheck_BlockShortCircuits(t *testing.T) {
	f, err := New(config.SafetyConfig{
		Enabled: true,
		Rules: []config.FilterRule{
			{Name: "ban", Pattern: "forbidden", Action: config.ActionBlock},
			{Name: "clean", Pattern: "forbidden", Action: config.ActionRedact, Replacement: "xxx"},
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	v := f.Check("this is forbidden text", Outbound)
	if v.Action != Block {
		t.Fatalf("Action = %v, want Block", v.Action)
	}
	if v.Rule != "ban" {
		t.Errorf("Rule = %q, want the first matching block rule", v.Rule)
	}
	if v.Text != "" {
		t.Errorf("Text = %q, want empty for Block", v.Text)
	}
}

func TestCheck_RedactionsAreCumulative(t *testing.T) {
	f, err := New(config.SafetyConfig{
		Enabled: true,
		Rules: []config.FilterRule{
			{Name: "emails", Pattern: `\S+@\S+`, Action: config.ActionRedact, Replacement: "[EMAIL]"},
			{Name: "phones", Pattern: `\d{3}-\d{4}`, Action: config.ActionRedact, Replacement: "[PHONE]"},
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	v := f.Check("mail me at a@b.com or call 555-1234", Outbound)
	if v.Action != Redact {
		t.Fatalf("Action = %v, want Redact", v.Action)
	}
	want := "mail me at [EMAIL] or call [PHONE]"
	if v.Text != want {
		t.Errorf("Text = %q, want %q", v.Text, want)
	}
}

func TestCheck_DirectionScoping(t *testing.T) {
	f, err := New(config.SafetyConfig{
		Enabled: true,
		Rules: []config.FilterRule{
			{Name: "in-only", Pattern: "alpha", Action: config.ActionBlock, Direction: config.DirectionInbound},
			{Name: "out-only", Pattern: "beta", Action: config.ActionBlock, Direction: config.DirectionOutbound},
			{Name: "both", Pattern: "gamma", Action: config.ActionBlock, Direction: config.DirectionBoth},
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name string
		text string
		dir  Direction
		want Action
	}{
		{"inbound rule hits inbound", "alpha", Inbound, Block},
		{"inbound rule skips outbound", "alpha", Outbound, Allow},
		{"outbound rule hits outbound", "beta", Outbound, Block},
		{"outbound rule skips inbound", "beta", Inbound, Allow},
		{"both hits inbound", "gamma", Inbound, Block},
		{"both hits outbound", "gamma", Outbound, Block},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.Check(tc.text, tc.dir).Action; got != tc.want {
				t.Errorf("Check(%q, %v).Action = %v, want %v", tc.text, tc.dir, got, tc.want)
			}
		})
	}
}

func TestNew_InvalidPatternFails(t *testing.T) {
	_, err := New(config.SafetyConfig{
		Enabled: true,
		Rules: []config.FilterRule{
			{Name: "broken", Pattern: "([unclosed", Action: config.ActionBlock},
		},
	})
	if err == nil {
		t.Fatal("New() with invalid pattern succeeded, want error")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error %q does not name the offending rule", err)
	}
}
