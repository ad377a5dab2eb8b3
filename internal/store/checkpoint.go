package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

const checkpointTimeout = 5 * time.Second

// CheckpointWriter is the durable side of a checkpoint. *Store implements it.
type CheckpointWriter interface {
	SaveCheckpoint(ctx context.Context, conversationID, consultationID, transcript string) error
}

type checkpointMsg struct {
	conversationID string
	consultationID string
	transcript     string
}

// Checkpointer writes transcript checkpoints asynchronously via a buffered channel.
// A full buffer drops the checkpoint; the next one carries a superset of the text.
// All methods are nil-safe (no-op on nil receiver).
type Checkpointer struct {
	w    CheckpointWriter
	ch   chan checkpointMsg
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewCheckpointer starts the background writer. Must call Close when done.
func NewCheckpointer(w CheckpointWriter, buffer int) *Checkpointer {
	if buffer <= 0 {
		buffer = 256
	}
	c := &Checkpointer{
		w:    w,
		ch:   make(chan checkpointMsg, buffer),
		done: make(chan struct{}),
	}
	go c.drain()
	return c
}

func (c *Checkpointer) drain() {
	defer close(c.done)
	for msg := range c.ch {
		ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
		err := c.w.SaveCheckpoint(ctx, msg.conversationID, msg.consultationID, msg.transcript)
		cancel()
		if err != nil {
			metrics.Errors.WithLabelValues("checkpoint", "write").Inc()
			slog.Warn("checkpoint write failed", "conversation_id", msg.conversationID, "error", err)
		}
	}
}

// Checkpoint queues a transcript snapshot. It never blocks.
func (c *Checkpointer) Checkpoint(conversationID, consultationID, transcript string) {
	if c == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- checkpointMsg{conversationID: conversationID, consultationID: consultationID, transcript: transcript}:
	default:
		metrics.CheckpointsDropped.Inc()
	}
}

// Close drains pending writes and shuts down the background goroutine.
func (c *Checkpointer) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.ch)
	c.mu.Unlock()
	<-c.done
}
