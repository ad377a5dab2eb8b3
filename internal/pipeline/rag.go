package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

const KnowledgeCollection = "knowledge_base"

// RAGClient retrieves consultation context from the vector knowledge base.
type RAGClient struct {
	embedder       Embedder
	qdrant         *QdrantClient
	collection     string
	topK           int
	scoreThreshold float64
}

// RAGConfig holds configuration for the RAG client.
type RAGConfig struct {
	Embedder       Embedder
	Qdrant         *QdrantClient
	Collection     string
	TopK           int
	ScoreThreshold float64
}

// NewRAGClient creates a RAG retrieval client.
func NewRAGClient(cfg RAGConfig) *RAGClient {
	if cfg.Collection == "" {
		cfg.Collection = KnowledgeCollection
	}
	return &RAGClient{
		embedder:       cfg.Embedder,
		qdrant:         cfg.Qdrant,
		collection:     cfg.Collection,
		topK:           cfg.TopK,
		scoreThreshold: cfg.ScoreThreshold,
	}
}

// ConsultationContext returns knowledge base passages for consultationID that are
// relevant to query. Returns an empty string when nothing matches.
func (r *RAGClient) ConsultationContext(ctx context.Context, consultationID, query string) (string, error) {
	start := time.Now()

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	var filter *MatchFilter
	if consultationID != "" {
		filter = &MatchFilter{Key: "consultation_id", Value: consultationID}
	}
	results, err := r.qdrant.Search(ctx, r.collection, vector, r.topK, r.scoreThreshold, filter)
	if err != nil {
		return "", fmt.Errorf("qdrant search: %w", err)
	}

	metrics.RAGDuration.Observe(time.Since(start).Seconds())
	return formatResults(results), nil
}

func formatResults(results []SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		text, ok := r.Payload["text"].(string)
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n---\n")
}
