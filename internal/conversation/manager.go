// Package conversation provides per-conversation context management for the
// Inkwise engine: ordered turn history, deterministic token-budget trimming
// with a summarisation fallback, effective-prompt assembly, and idle eviction.
//
// Each conversation is keyed by a caller-chosen identifier. Concurrent
// orchestration calls on the same identifier are serialized through
// [Manager.Serialize]; calls on different identifiers proceed fully in
// parallel.
//
// All methods are safe for concurrent use.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkwise/inkwise/internal/observe"
	"github.com/inkwise/inkwise/pkg/provider/llm"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// Turn is one prompt or response unit in a conversation's history.
type Turn struct {
	// Role is "user", "assistant", or "system".
	Role string

	// Text is the turn's content.
	Text string

	// At is when the turn was appended.
	At time.Time

	// Pinned turns are exempt from age-based trimming. They can still be
	// folded into a summary when trimming alone cannot satisfy the budget.
	Pinned bool
}

// state is the mutable record for one conversation.
type state struct {
	// mu serializes all operations on this conversation, including the full
	// orchestration call that spans filter, provider attempts, and append.
	mu sync.Mutex

	turns      []Turn
	lastActive time.Time
}

// Config configures a [Manager].
type Config struct {
	// TokenBudget is the default ceiling on a serialized conversation context.
	// Default: 8192.
	TokenBudget int

	// IdleTTL is how long an idle conversation survives before eviction.
	// Default: 30m.
	IdleTTL time.Duration

	// Summariser compresses the oldest turns when trimming alone cannot
	// satisfy the budget. When nil an [ExtractiveSummariser] is used, which
	// keeps trimming deterministic and reproducible.
	Summariser Summariser

	// Metrics, when non-nil, receives the live-conversation gauge.
	Metrics *observe.Metrics
}

// Manager owns all conversation state. Contexts are created on first use of an
// identifier and evicted after IdleTTL of inactivity or an explicit Close.
type Manager struct {
	budget     int
	idleTTL    time.Duration
	summariser Summariser
	metrics    *observe.Metrics

	mu    sync.Mutex
	convs map[string]*state
}

// NewManager creates a [Manager] with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 8192
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.Summariser == nil {
		cfg.Summariser = &ExtractiveSummariser{}
	}
	return &Manager{
		budget:     cfg.TokenBudget,
		idleTTL:    cfg.IdleTTL,
		summariser: cfg.Summariser,
		metrics:    cfg.Metrics,
		convs:      make(map[string]*state),
	}
}

// Serialize locks the conversation for the duration of an orchestration call,
// creating it on first use. The returned release function must be called
// exactly once. Two concurrent calls on the same identifier never interleave;
// the second waits for the first to finish.
func (m *Manager) Serialize(id string) (release func()) {
	st := m.get(id)
	st.mu.Lock()
	return st.mu.Unlock
}

// AppendTurn appends a turn to the conversation and trims the stored context
// to the manager's token budget. The most recent turn is never dropped.
func (m *Manager) AppendTurn(ctx context.Context, id, role, text string) error {
	return m.Append(ctx, id, Turn{Role: role, Text: text})
}

// Append appends the given turn (timestamp filled in if zero) and trims to
// the manager's token budget.
func (m *Manager) Append(ctx context.Context, id string, turn Turn) error {
	if turn.At.IsZero() {
		turn.At = time.Now()
	}

	st := m.get(id)
	st.turns = append(st.turns, turn)
	st.lastActive = time.Now()
	if err := m.trim(ctx, st, m.budget); err != nil {
		return fmt.Errorf("conversation %q: trim after append: %w", id, err)
	}
	return nil
}

// BuildPrompt assembles the effective prompt for one provider attempt: the
// stored context (trimmed to fit budget alongside the request), the caller's
// document context verbatim and un-trimmed, and the request prompt as the
// final user message.
//
// budget is the candidate provider's context window; the stored context is
// trimmed to budget minus the space the document context and prompt occupy.
// Caller-supplied document context is authoritative and never summarised.
func (m *Manager) BuildPrompt(ctx context.Context, id, prompt, documentContext string, budget int) ([]llm.Message, error) {
	if budget <= 0 || budget > m.budget {
		budget = m.budget
	}

	reserved := estimateText(prompt) + estimateText(documentContext)
	contextBudget := budget - reserved
	if contextBudget < 0 {
		contextBudget = 0
	}

	st := m.get(id)
	if err := m.trim(ctx, st, contextBudget); err != nil {
		return nil, fmt.Errorf("conversation %q: trim for prompt: %w", id, err)
	}
	st.lastActive = time.Now()

	msgs := make([]llm.Message, 0, len(st.turns)+2)
	for _, t := range st.turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Text})
	}
	if documentContext != "" {
		msgs = append(msgs, llm.Message{
			Role:    "system",
			Content: "Document context:\n" + documentContext,
		})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: prompt})
	return msgs, nil
}

// Turns returns a snapshot of the conversation's stored turns. It waits for
// any in-flight orchestration call on the conversation to finish.
func (m *Manager) Turns(id string) []Turn {
	m.mu.Lock()
	st, ok := m.convs[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Turn, len(st.turns))
	copy(out, st.turns)
	return out
}

// TokenEstimate returns the estimated token count of the stored context.
func (m *Manager) TokenEstimate(id string) int {
	m.mu.Lock()
	st, ok := m.convs[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return estimateTurns(st.turns)
}

// Close removes the conversation immediately.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	_, existed := m.convs[id]
	delete(m.convs, id)
	m.mu.Unlock()
	if existed {
		m.recordActive(-1)
	}
}

// EvictIdle removes conversations whose last activity is older than the idle
// TTL. Conversations with an orchestration call in flight are skipped and
// picked up on a later sweep. Returns the number of conversations evicted.
func (m *Manager) EvictIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, st := range m.convs {
		// TryLock: never evict under an in-flight call.
		if !st.mu.TryLock() {
			continue
		}
		idle := now.Sub(st.lastActive) > m.idleTTL
		st.mu.Unlock()
		if idle {
			delete(m.convs, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.recordActive(int64(-evicted))
	}
	return evicted
}

// RunJanitor periodically evicts idle conversations until ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.EvictIdle(now); n > 0 {
				slog.Debug("evicted idle conversations", "count", n)
			}
		}
	}
}

// get returns (creating if needed) the state for id.
func (m *Manager) get(id string) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.convs[id]
	if !ok {
		st = &state{lastActive: time.Now()}
		m.convs[id] = st
		m.recordActive(1)
	}
	return st
}

// recordActive moves the live-conversation gauge by delta.
func (m *Manager) recordActive(delta int64) {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveConversations.Add(context.Background(), delta)
}

// trim reduces st.turns until the estimated token count fits budget.
//
// Oldest non-pinned turns are dropped first. If that alone cannot satisfy the
// budget, the oldest half of the remaining turns is replaced by a single
// synthesised summary turn, then age-based dropping resumes. The most recent
// turn is never dropped regardless of budget. Given the same turns, budget,
// and summariser, the result is deterministic; trimming an already-trimmed
// context is a no-op.
func (m *Manager) trim(ctx context.Context, st *state, budget int) error {
	if estimateTurns(st.turns) <= budget {
		return nil
	}

	// Phase 1: drop oldest non-pinned turns, never the most recent.
	st.turns = dropOldest(st.turns, budget)
	if estimateTurns(st.turns) <= budget {
		return nil
	}

	// Phase 2: fold the oldest half into one summary turn.
	if len(st.turns) > 1 {
		half := len(st.turns) / 2
		summary, err := m.summariser.Summarise(ctx, st.turns[:half])
		if err != nil {
			return err
		}
		folded := make([]Turn, 0, len(st.turns)-half+1)
		folded = append(folded, Turn{
			Role: "system",
			Text: "[Previous conversation summary]: " + summary,
			At:   st.turns[half-1].At,
		})
		folded = append(folded, st.turns[half:]...)
		st.turns = folded
	}

	// Phase 3: resume age-based dropping if the summary still overflows.
	st.turns = dropOldest(st.turns, budget)
	return nil
}

// dropOldest removes oldest non-pinned turns until turns fit budget, always
// preserving the most recent turn.
func dropOldest(turns []Turn, budget int) []Turn {
	for estimateTurns(turns) > budget && len(turns) > 1 {
		dropped := false
		for i := 0; i < len(turns)-1; i++ {
			if turns[i].Pinned {
				continue
			}
			turns = append(turns[:i], turns[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}
	return turns
}

// estimateTurns returns the estimated token count of the serialized turns.
func estimateTurns(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += estimateTurn(t)
	}
	return total
}

// estimateTurn returns a rough token count for a single turn using the
// 1-token-per-4-characters heuristic.
func estimateTurn(t Turn) int {
	chars := len(t.Text) + len(t.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// estimateText returns a rough token count for free text.
func estimateText(s string) int {
	tokens := len(s) / charsPerToken
	if tokens == 0 && len(s) > 0 {
		tokens = 1
	}
	return tokens
}
