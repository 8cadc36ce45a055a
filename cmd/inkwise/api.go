package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/inkwise/inkwise/internal/budget"
	"github.com/inkwise/inkwise/internal/engine"
	"github.com/inkwise/inkwise/internal/orchestrator"
)

// api is the JSON surface over the engine. It maps the orchestration error
// taxonomy onto HTTP status codes so clients can distinguish "try again
// later" (429) from "rephrase your request" (422) from "system degraded"
// (502) without parsing error strings.
type api struct {
	engine *engine.Engine
}

func newAPI(e *engine.Engine) *api {
	return &api{engine: e}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/complete", a.complete)
	mux.HandleFunc("GET /v1/usage", a.usage)
	mux.HandleFunc("GET /v1/providers", a.providers)
	mux.HandleFunc("GET /v1/conversations/{id}", a.conversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", a.closeConversation)
}

type completeRequest struct {
	ConversationID  string  `json:"conversation_id"`
	Prompt          string  `json:"prompt"`
	DocumentContext string  `json:"document_context,omitempty"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature,omitempty"`

	NeedsLongContext bool `json:"needs_long_context,omitempty"`
	MinContextTokens int  `json:"min_context_tokens,omitempty"`
	NeedsStreaming   bool `json:"needs_streaming,omitempty"`
}

type completeResponse struct {
	RequestID        string `json:"request_id"`
	Text             string `json:"text"`
	Provider         string `json:"provider"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	LatencyMs        int64  `json:"latency_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`

	// RetryAfterMs is set for rate-limited responses.
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`

	// Causes carries the per-provider failure detail when every provider
	// failed.
	Causes map[string]string `json:"causes,omitempty"`
}

func (a *api) complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error(), Kind: "invalid_request"})
		return
	}

	result, err := a.engine.Complete(r.Context(), orchestrator.Request{
		ConversationID:  req.ConversationID,
		Prompt:          req.Prompt,
		DocumentContext: req.DocumentContext,
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		Hints: orchestrator.CapabilityHints{
			NeedsLongContext: req.NeedsLongContext,
			MinContextTokens: req.MinContextTokens,
			NeedsStreaming:   req.NeedsStreaming,
		},
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		RequestID:        result.RequestID,
		Text:             result.Text,
		Provider:         result.Provider,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		LatencyMs:        result.Latency.Milliseconds(),
	})
}

// writeError translates the typed completion errors into HTTP responses.
func (a *api) writeError(w http.ResponseWriter, err error) {
	var (
		blocked     *orchestrator.ContentBlockedError
		rateLimited *budget.RateLimitedError
		allFailed   *orchestrator.AllProvidersFailedError
	)

	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: "invalid_request"})

	case errors.As(err, &blocked):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: "content_blocked"})

	case errors.Is(err, budget.ErrExhausted):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error(), Kind: "budget_exhausted"})

	case errors.As(err, &rateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:        err.Error(),
			Kind:         "rate_limited",
			RetryAfterMs: rateLimited.RetryAfter.Milliseconds(),
		})

	case errors.As(err, &allFailed):
		causes := make(map[string]string, len(allFailed.Causes))
		for name, cause := range allFailed.Causes {
			causes[name] = cause.Error()
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "all providers failed", Kind: "all_providers_failed", Causes: causes})

	case errors.Is(err, engine.ErrEngineClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Kind: "engine_closed"})

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error(), Kind: "cancelled"})

	default:
		slog.Error("unclassified completion error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Kind: "internal"})
	}
}

type usageResponse struct {
	WindowStart  time.Time                `json:"window_start"`
	GlobalUsed   int64                    `json:"global_used"`
	GlobalBudget int64                    `json:"global_budget,omitempty"`
	Providers    map[string]providerUsage `json:"providers"`
}

type providerUsage struct {
	Used   int64 `json:"used"`
	Budget int64 `json:"budget,omitempty"`
}

func (a *api) usage(w http.ResponseWriter, _ *http.Request) {
	snap := a.engine.Usage()
	resp := usageResponse{
		WindowStart:  snap.WindowStart,
		GlobalUsed:   snap.GlobalUsed,
		GlobalBudget: snap.GlobalBudget,
		Providers:    make(map[string]providerUsage, len(snap.Providers)),
	}
	for name, u := range snap.Providers {
		resp.Providers[name] = providerUsage{Used: u.Used, Budget: u.Budget}
	}
	writeJSON(w, http.StatusOK, resp)
}

type providerStatus struct {
	Name                string    `json:"name"`
	Health              string    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LastHealthy         time.Time `json:"last_healthy,omitzero"`
	AvgLatencyMs        int64     `json:"avg_latency_ms"`
}

func (a *api) providers(w http.ResponseWriter, _ *http.Request) {
	statuses := a.engine.ProviderStatus()
	out := make([]providerStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, providerStatus{
			Name:                s.Name,
			Health:              s.Health.String(),
			ConsecutiveFailures: s.ConsecutiveFailures,
			LastFailure:         s.LastFailure,
			LastHealthy:         s.LastHealthy,
			AvgLatencyMs:        s.AvgLatency.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type turnResponse struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

func (a *api) conversation(w http.ResponseWriter, r *http.Request) {
	turns := a.engine.Turns(r.PathValue("id"))
	out := make([]turnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnResponse{Role: t.Role, Text: t.Text, At: t.At})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) closeConversation(w http.ResponseWriter, r *http.Request) {
	a.engine.CloseConversation(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
