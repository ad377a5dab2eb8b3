// Command seed loads demo consultations and knowledge base passages.
//
// Usage:
//
//	seed consultation --name Ana --phone +15550100 --summary "Knee arthroscopy."
//	seed knowledge --dir ./samples/knowledge/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/patient-followup/gateway/internal/env"
	"github.com/hubenschmidt/patient-followup/gateway/internal/pipeline"
)

var (
	ollamaURL  string
	model      string
	qdrantURL  string
	vectorSize int
)

var rootCmd = &cobra.Command{
	Use:          "seed",
	Short:        "Seed consultations and the follow-up knowledge base",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&ollamaURL, "ollama-url", env.Str("OLLAMA_URL", "http://localhost:11434"), "Ollama URL")
	pf.StringVar(&model, "model", env.Str("EMBEDDING_MODEL", "nomic-embed-text"), "embedding model")
	pf.StringVar(&qdrantURL, "qdrant-url", env.Str("QDRANT_URL", "http://localhost:6333"), "Qdrant URL")
	pf.IntVar(&vectorSize, "vector-size", env.Int("VECTOR_SIZE", 768), "embedding vector dimension")

	rootCmd.AddCommand(consultationCmd(), knowledgeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// vectorTarget opens the knowledge collection, creating it when missing.
func vectorTarget(ctx context.Context) (*pipeline.EmbeddingClient, *pipeline.QdrantClient, error) {
	embedder := pipeline.NewEmbeddingClient(ollamaURL, model, 4)
	qdrant := pipeline.NewQdrantClient(qdrantURL, 4)
	if err := qdrant.EnsureCollection(ctx, pipeline.KnowledgeCollection, vectorSize); err != nil {
		return nil, nil, fmt.Errorf("ensure collection: %w", err)
	}
	return embedder, qdrant, nil
}

func seedContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
