package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/patient-followup/gateway/internal/finalize"
)

const CallHistoryCollection = "call_history"

// CallArchive is what gets embedded for one finished call.
type CallArchive struct {
	ConversationID string
	ConsultationID string
	Transcript     string
	Summary        string
	Urgency        string
	RequiresDoctor bool
}

// CallHistoryClient stores finished calls as embeddings in Qdrant so later
// calls for the same consultation can retrieve them.
type CallHistoryClient struct {
	embedder   Embedder
	qdrant     *QdrantClient
	collection string
	timeout    time.Duration
}

// NewCallHistoryClient creates a call history storage client.
func NewCallHistoryClient(embedder Embedder, qdrant *QdrantClient, collection string) *CallHistoryClient {
	if collection == "" {
		collection = CallHistoryCollection
	}
	return &CallHistoryClient{embedder: embedder, qdrant: qdrant, collection: collection, timeout: 30 * time.Second}
}

// Store embeds the summary and transcript and upserts one point.
func (ch *CallHistoryClient) Store(ctx context.Context, a CallArchive) error {
	text := "Summary: " + a.Summary + "\n" + a.Transcript
	vector, err := ch.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("call history embed: %w", err)
	}

	point := QdrantPoint{
		ID:     uuid.NewString(),
		Vector: vector,
		Payload: map[string]any{
			"conversation_id": a.ConversationID,
			"consultation_id": a.ConsultationID,
			"text":            text,
			"urgency":         a.Urgency,
			"requires_doctor": a.RequiresDoctor,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err = ch.qdrant.Upsert(ctx, ch.collection, []QdrantPoint{point}); err != nil {
		return fmt.Errorf("call history upsert: %w", err)
	}
	return nil
}

// StoreAsync runs Store in a background goroutine detached from the call's context.
// Errors are logged, not propagated.
func (ch *CallHistoryClient) StoreAsync(a CallArchive) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ch.timeout)
		defer cancel()
		if err := ch.Store(ctx, a); err != nil {
			slog.Error("call history store", "conversation_id", a.ConversationID, "error", err)
		}
	}()
}

// Archive implements finalize.Archiver.
func (ch *CallHistoryClient) Archive(rec finalize.Record) {
	ch.StoreAsync(CallArchive{
		ConversationID: rec.ConversationID,
		ConsultationID: rec.ConsultationID,
		Transcript:     rec.Transcript,
		Summary:        rec.Summary,
		Urgency:        string(rec.Urgency),
		RequiresDoctor: rec.RequiresDoctor,
	})
}
