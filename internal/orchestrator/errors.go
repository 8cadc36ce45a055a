package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidRequest is returned by Complete for caller errors: empty
// conversation ID, empty prompt, non-positive max tokens, max tokens above
// every configured provider's capacity, or capability hints no provider can
// satisfy. Invalid requests are never retried.
var ErrInvalidRequest = errors.New("orchestrator: invalid request")

// ContentBlockedError is returned when the content filter blocks the prompt
// before any provider is contacted, or blocks a completion after one
// responded. It is terminal for the call: no fallback is attempted, and the
// caller should rephrase rather than retry.
type ContentBlockedError struct {
	// Direction is "outbound" (prompt) or "inbound" (completion).
	Direction string

	// Rule is the name of the filter rule that matched.
	Rule string

	// Reason is a human-readable explanation.
	Reason string
}

// Error implements the error interface.
func (e *ContentBlockedError) Error() string {
	return fmt.Sprintf("orchestrator: content blocked (%s, rule %q): %s", e.Direction, e.Rule, e.Reason)
}

// AllProvidersFailedError is returned when every candidate provider was tried
// (or skipped by its rate limit) and none produced a completion. Causes holds
// the last underlying error per provider for diagnostics.
type AllProvidersFailedError struct {
	Causes map[string]error
}

// Error implements the error interface. Providers are listed in name order so
// the message is stable.
func (e *AllProvidersFailedError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("orchestrator: all providers failed")
	for _, name := range names {
		fmt.Fprintf(&sb, "; %s: %v", name, e.Causes[name])
	}
	return sb.String()
}

// Unwrap exposes the per-provider causes to errors.Is and errors.As.
func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Causes))
	for _, err := range e.Causes {
		errs = append(errs, err)
	}
	return errs
}
