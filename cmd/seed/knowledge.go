package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hubenschmidt/patient-followup/gateway/internal/pipeline"
)

func knowledgeCmd() *cobra.Command {
	var (
		dir            string
		chunkSize      int
		consultationID string
		force          bool
	)
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Embed .txt files into the knowledge base",
		Long: `Embed every .txt file in --dir into the knowledge base.

Passages tagged with --consultation are only retrieved for that consultation's calls.
An already populated collection is skipped unless --force is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			ctx, cancel := seedContext(5 * time.Minute)
			defer cancel()

			embedder, qdrant, err := vectorTarget(ctx)
			if err != nil {
				return err
			}
			count, err := qdrant.CollectionPointCount(ctx, pipeline.KnowledgeCollection)
			if err == nil && count > 0 && !force {
				slog.Info("collection already seeded, skipping", "collection", pipeline.KnowledgeCollection, "points", count)
				return nil
			}

			files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
			if err != nil {
				return fmt.Errorf("glob files: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("no .txt files found in %s", dir)
			}

			var total int
			for _, f := range files {
				n, seedErr := seedFile(ctx, f, chunkSize, consultationID, embedder, qdrant)
				if seedErr != nil {
					slog.Error("seed file", "file", f, "error", seedErr)
					continue
				}
				total += n
				slog.Info("seeded", "file", f, "chunks", n)
			}
			slog.Info("done", "total_chunks", total, "files", len(files))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dir, "dir", "", "directory containing .txt files")
	f.IntVar(&chunkSize, "chunk-size", 500, "max characters per chunk")
	f.StringVar(&consultationID, "consultation", "", "tag passages with this consultation id")
	f.BoolVar(&force, "force", false, "seed even if the collection has points")
	return cmd
}

func seedFile(ctx context.Context, path string, chunkSize int, consultationID string, embedder pipeline.Embedder, qdrant *pipeline.QdrantClient) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	chunks := chunkText(string(data), chunkSize)
	points := make([]pipeline.QdrantPoint, 0, len(chunks))
	for _, chunk := range chunks {
		vector, embedErr := embedder.Embed(ctx, chunk)
		if embedErr != nil {
			return 0, fmt.Errorf("embed chunk: %w", embedErr)
		}
		points = append(points, pipeline.QdrantPoint{
			ID:      uuid.NewString(),
			Vector:  vector,
			Payload: chunkPayload(chunk, filepath.Base(path), consultationID),
		})
	}

	if err := qdrant.Upsert(ctx, pipeline.KnowledgeCollection, points); err != nil {
		return 0, err
	}
	return len(points), nil
}

func chunkPayload(text, source, consultationID string) map[string]any {
	p := map[string]any{"text": text, "source": source}
	if consultationID != "" {
		p["consultation_id"] = consultationID
	}
	return p
}

// chunkText packs paragraphs into chunks of at most maxChars. A single
// paragraph longer than maxChars becomes its own chunk.
func chunkText(text string, maxChars int) []string {
	var chunks []string
	var current strings.Builder

	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len()+len(p) > maxChars && current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
