package pipeline

import (
	"context"
	"errors"

	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
)

// ErrNoReply is returned when a backend answers with no text.
var ErrNoReply = errors.New("llm: empty reply")

// LLMBackend is a reasoning backend usable both for live chat and for one-shot completions.
type LLMBackend interface {
	conversation.Reasoner
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLMRouter selects the configured reasoning backend.
type LLMRouter struct {
	*Router[LLMBackend]
}

// NewLLMRouter creates a router with registered LLM backends and a fallback default.
func NewLLMRouter(backends map[string]LLMBackend, fallback string) *LLMRouter {
	return &LLMRouter{Router: NewRouter(backends, fallback)}
}
