package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

// AgentLLM runs chat turns through the openai-agents-go SDK against any
// OpenAI-compatible endpoint (OpenAI, Ollama, vLLM).
type AgentLLM struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewAgentLLM creates a backend for baseURL. An empty apiKey is allowed for local servers.
func NewAgentLLM(baseURL, apiKey, model string, maxTokens int) *AgentLLM {
	params := agents.OpenAIProviderParams{UseResponses: param.NewOpt(false)}
	if baseURL != "" {
		params.BaseURL = param.NewOpt(baseURL)
	}
	if apiKey != "" {
		params.APIKey = param.NewOpt(apiKey)
	}
	return &AgentLLM{
		provider:  agents.NewOpenAIProvider(params),
		model:     model,
		maxTokens: maxTokens,
	}
}

// StartChat opens a chat. History is replayed into each turn's input.
func (a *AgentLLM) StartChat(_ context.Context, system string) (conversation.ChatSession, error) {
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("agent llm: empty system instruction")
	}
	return &agentChat{llm: a, system: system}, nil
}

// Complete runs one prompt with no history.
func (a *AgentLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	return a.run(ctx, system, prompt)
}

func (a *AgentLLM) run(ctx context.Context, system, input string) (string, error) {
	agent := agents.New("assistant").
		WithInstructions(system).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()
	events, errCh, err := runner.RunStreamedChan(ctx, agent, input)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "stream_start").Inc()
		return "", fmt.Errorf("llm stream start: %w", err)
	}

	var text strings.Builder
	for ev := range events {
		collectDelta(ev, &text)
	}
	if streamErr := <-errCh; streamErr != nil {
		return "", fmt.Errorf("llm stream: %w", streamErr)
	}
	metrics.StageDuration.WithLabelValues("llm_backend").Observe(time.Since(start).Seconds())

	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", ErrNoReply
	}
	return out, nil
}

func collectDelta(ev agents.StreamEvent, text *strings.Builder) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok || raw.Data.Type != "response.output_text.delta" {
		return
	}
	text.WriteString(raw.Data.Delta)
}

type exchange struct {
	patient   string
	assistant string
}

type agentChat struct {
	llm    *AgentLLM
	system string

	mu      sync.Mutex
	history []exchange
}

func (c *agentChat) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.llm.run(ctx, c.system, c.formatInput(text))
	if err != nil {
		return "", err
	}
	c.history = append(c.history, exchange{patient: text, assistant: reply})
	return reply, nil
}

// formatInput prepends the conversation so far to the current message.
func (c *agentChat) formatInput(current string) string {
	if len(c.history) == 0 {
		return current
	}
	var b strings.Builder
	for _, x := range c.history {
		fmt.Fprintf(&b, "Patient: %s\nAssistant: %s\n", x.patient, x.assistant)
	}
	fmt.Fprintf(&b, "Patient: %s", current)
	return b.String()
}
