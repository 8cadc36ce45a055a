package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/inkwise/inkwise/pkg/provider/llm"
)

func TestNew_ValidatesArguments(t *testing.T) {
	if _, err := New("", "claude-3-5-sonnet-latest"); err == nil {
		t.Fatal("New with empty vendor did not return an error")
	}
	if _, err := New("anthropic", ""); err == nil {
		t.Fatal("New with empty model did not return an error")
	}
}

func TestNew_UnsupportedVendor(t *testing.T) {
	_, err := New("smoke-signal", "some-model")
	if err == nil {
		t.Fatal("New with unsupported vendor did not return an error")
	}
	if !strings.Contains(err.Error(), "unsupported vendor") {
		t.Errorf("error = %q, want it to mention the unsupported vendor", err)
	}
}

func TestNew_SupportedVendors(t *testing.T) {
	tests := []struct {
		vendor string
		opts   []anyllmlib.Option
	}{
		{"openai", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"anthropic", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", nil},
	}
	for _, tt := range tests {
		t.Run(tt.vendor, func(t *testing.T) {
			p, err := New(tt.vendor, "some-model", tt.opts...)
			if err != nil {
				t.Fatalf("New(%q) returned error: %v", tt.vendor, err)
			}
			if p == nil {
				t.Fatalf("New(%q) returned nil provider", tt.vendor)
			}
		})
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("New without an API key did not return an error")
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model  string
		window int
		output int
		vision bool
	}{
		{"claude-3-5-sonnet-latest", 200_000, 8_192, true},
		{"claude-3.5-haiku", 200_000, 8_192, true},
		{"claude-3-opus", 200_000, 4_096, true},
		{"gemini-1.5-pro", 1_000_000, 8_192, true},
		{"gemini-2.0-flash", 1_000_000, 8_192, true},
		{"gemini-1.5-flash", 128_000, 8_192, true},
		{"gpt-4o", 128_000, 16_384, true},
		{"gpt-4", 8_192, 4_096, false},
		{"llama3.1:8b", 8_192, 2_048, false},
		{"mistral-large", 32_000, 4_096, false},
		{"mixtral-8x7b", 32_000, 4_096, false},
		{"unknown-model", 128_000, 4_096, false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.window {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.window)
			}
			if caps.MaxOutputTokens != tt.output {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.output)
			}
			if caps.SupportsVision != tt.vision {
				t.Errorf("SupportsVision = %v, want %v", caps.SupportsVision, tt.vision)
			}
		})
	}
}

func TestCountTokens(t *testing.T) {
	p, err := NewOllama("llama3.1:8b")
	if err != nil {
		t.Fatalf("NewOllama returned error: %v", err)
	}

	got, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: strings.Repeat("a", 16)},
		{Role: "assistant", Content: "ok"},
	})
	if err != nil {
		t.Fatalf("CountTokens returned error: %v", err)
	}
	// 16 chars -> 4 tokens, 2 chars -> 1 token, plus 4 overhead each.
	if want := 4 + 4 + 1 + 4; got != want {
		t.Errorf("CountTokens = %d, want %d", got, want)
	}
}
