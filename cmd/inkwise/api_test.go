package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inkwise/inkwise/internal/config"
	"github.com/inkwise/inkwise/internal/engine"
	"github.com/inkwise/inkwise/internal/orchestrator"
	"github.com/inkwise/inkwise/pkg/provider/llm"
	"github.com/inkwise/inkwise/pkg/provider/llm/mock"
)

func testServer(t *testing.T, p *mock.Provider, cfg *config.Config) *httptest.Server {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{
			Providers: []config.ProviderConfig{
				{Name: "mock", Driver: "openai", Model: "test-model", CostPer1KTokens: 1},
			},
		}
	}
	cfg.ApplyDefaults()

	caps := p.Capabilities()
	if caps.ContextWindow == 0 {
		caps.ContextWindow = 8192
	}
	descriptors := []*orchestrator.Descriptor{
		orchestrator.NewDescriptor("mock", p, 1, caps, 3),
	}

	eng, err := engine.New(cfg, config.NewRegistry(),
		engine.WithDescriptors(descriptors), engine.WithMetrics(nil))
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	mux := http.NewServeMux()
	newAPI(eng).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func okProvider(text string) *mock.Provider {
	return &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: text,
			Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192},
	}
}

var errAlwaysDown = errors.New("connection refused")

func TestComplete_Success(t *testing.T) {
	srv := testServer(t, okProvider("the rewritten paragraph"), nil)

	resp, err := http.Post(srv.URL+"/v1/complete", "application/json",
		strings.NewReader(`{"conversation_id":"c1","prompt":"rewrite this","max_tokens":128}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Text != "the rewritten paragraph" {
		t.Errorf("text = %q, want the provider's completion", got.Text)
	}
	if got.Provider != "mock" {
		t.Errorf("provider = %q, want mock", got.Provider)
	}
	if got.RequestID == "" {
		t.Error("request_id is empty")
	}
	if got.TotalTokens != 15 {
		t.Errorf("total_tokens = %d, want 15", got.TotalTokens)
	}
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		provider   *mock.Provider
		cfg        *config.Config
		body       string
		wantStatus int
		wantKind   string
	}{
		{
			name:       "malformed body",
			provider:   okProvider("x"),
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "missing prompt",
			provider:   okProvider("x"),
			body:       `{"conversation_id":"c1","max_tokens":128}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "provider failure",
			provider:   &mock.Provider{CompleteErr: errAlwaysDown, ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192}},
			body:       `{"conversation_id":"c1","prompt":"go on","max_tokens":128}`,
			wantStatus: http.StatusBadGateway,
			wantKind:   "all_providers_failed",
		},
		{
			name:     "budget exhausted",
			provider: okProvider("x"),
			cfg: &config.Config{
				Providers: []config.ProviderConfig{
					{Name: "mock", Driver: "openai", Model: "test-model", CostPer1KTokens: 1},
				},
				Budget: config.BudgetConfig{GlobalTokenBudget: 10},
			},
			body:       `{"conversation_id":"c1","prompt":"go on","max_tokens":128}`,
			wantStatus: http.StatusTooManyRequests,
			wantKind:   "budget_exhausted",
		},
		{
			name:     "content blocked",
			provider: okProvider("x"),
			cfg: &config.Config{
				Providers: []config.ProviderConfig{
					{Name: "mock", Driver: "openai", Model: "test-model", CostPer1KTokens: 1},
				},
				Safety: config.SafetyConfig{
					Enabled: true,
					Rules: []config.FilterRule{
						{Name: "banned", Pattern: "forbidden", Action: config.ActionBlock},
					},
				},
			},
			body:       `{"conversation_id":"c1","prompt":"this is forbidden","max_tokens":128}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "content_blocked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, tt.provider, tt.cfg)

			resp, err := http.Post(srv.URL+"/v1/complete", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var got errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", got.Kind, tt.wantKind)
			}
		})
	}
}

func TestUsage_ReflectsCompletedCalls(t *testing.T) {
	srv := testServer(t, okProvider("done"), nil)

	resp, err := http.Post(srv.URL+"/v1/complete", "application/json",
		strings.NewReader(`{"conversation_id":"c1","prompt":"go on","max_tokens":128}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if got.GlobalUsed != 15 {
		t.Errorf("global_used = %d, want 15", got.GlobalUsed)
	}
	if _, ok := got.Providers["mock"]; !ok {
		t.Error("usage response missing the mock provider")
	}
}

func TestProviders_ReportsHealth(t *testing.T) {
	srv := testServer(t, okProvider("done"), nil)

	resp, err := http.Get(srv.URL + "/v1/providers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got []providerStatus
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d providers, want 1", len(got))
	}
	if got[0].Name != "mock" || got[0].Health != "healthy" {
		t.Errorf("provider = %+v, want mock/healthy", got[0])
	}
}

func TestConversationLifecycle(t *testing.T) {
	srv := testServer(t, okProvider("done"), nil)

	resp, err := http.Post(srv.URL+"/v1/complete", "application/json",
		strings.NewReader(`{"conversation_id":"c1","prompt":"go on","max_tokens":128}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/conversations/c1")
	if err != nil {
		t.Fatal(err)
	}
	var turns []turnResponse
	if err := json.NewDecoder(resp.Body).Decode(&turns); err != nil {
		t.Fatalf("decode turns: %v", err)
	}
	resp.Body.Close()
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want user + assistant", len(turns))
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/conversations/c1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/conversations/c1")
	if err != nil {
		t.Fatal(err)
	}
	turns = nil
	if err := json.NewDecoder(resp.Body).Decode(&turns); err != nil {
		t.Fatalf("decode turns after close: %v", err)
	}
	resp.Body.Close()
	if len(turns) != 0 {
		t.Errorf("got %d turns after close, want 0", len(turns))
	}
}
