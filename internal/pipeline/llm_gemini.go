package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

// GeminiLLM talks to the Gemini API through the genai SDK.
type GeminiLLM struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

// GeminiConfig selects the Gemini API (APIKey) or Vertex AI (Project and Location).
type GeminiConfig struct {
	APIKey    string
	Project   string
	Location  string
	Model     string
	MaxTokens int
}

// NewGeminiLLM creates a Gemini backend.
func NewGeminiLLM(ctx context.Context, cfg GeminiConfig) (*GeminiLLM, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.APIKey == "" && cfg.Project != "" {
		cc = &genai.ClientConfig{Project: cfg.Project, Location: cfg.Location, Backend: genai.BackendVertexAI}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &GeminiLLM{client: client, model: cfg.Model, maxTokens: int32(cfg.MaxTokens)}, nil
}

// StartChat opens a chat whose history lives in memory for the life of the call.
func (g *GeminiLLM) StartChat(_ context.Context, system string) (conversation.ChatSession, error) {
	if strings.TrimSpace(system) == "" {
		return nil, fmt.Errorf("gemini: empty system instruction")
	}
	return &geminiChat{llm: g, system: system}, nil
}

// Complete runs a single prompt with no history. Used for transcript triage.
func (g *GeminiLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	cfg := g.config(system)
	cfg.ResponseMIMEType = "application/json"
	return g.generate(ctx, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
}

func (g *GeminiLLM) config(system string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}},
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = g.maxTokens
	}
	return cfg
}

func (g *GeminiLLM) generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}
	metrics.StageDuration.WithLabelValues("llm_backend").Observe(time.Since(start).Seconds())

	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrNoReply
	}
	return text, nil
}

type geminiChat struct {
	llm    *GeminiLLM
	system string

	mu      sync.Mutex
	history []*genai.Content
}

// Send appends to history only when the backend answers, so an abandoned
// request leaves the chat consistent.
func (c *geminiChat) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user := genai.NewContentFromText(text, genai.RoleUser)
	contents := append(c.history[:len(c.history):len(c.history)], user)

	reply, err := c.llm.generate(ctx, contents, c.llm.config(c.system))
	if err != nil {
		return "", err
	}
	c.history = append(contents, genai.NewContentFromText(reply, genai.RoleModel))
	return reply, nil
}
