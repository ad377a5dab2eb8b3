package transcript

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	Assistant Speaker = "Assistant"
	Patient   Speaker = "Patient"
)

// ErrEmptyTurn is returned when appending a turn with no text.
// Silence is reported to the conversation engine separately and never recorded as a turn.
var ErrEmptyTurn = errors.New("transcript: empty turn")

// Turn is one utterance in the conversation.
type Turn struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Buffer is an append-only, ordered log of turns. Safe for concurrent use.
type Buffer struct {
	mu    sync.RWMutex
	turns []Turn
}

// Append records a turn and returns it. Text is trimmed before storage.
func (b *Buffer) Append(speaker Speaker, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyTurn
	}
	t := Turn{Speaker: speaker, Text: text, At: time.Now()}

	b.mu.Lock()
	b.turns = append(b.turns, t)
	b.mu.Unlock()
	return t, nil
}

// Turns returns a copy of all turns in emission order.
func (b *Buffer) Turns() []Turn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Len returns the number of recorded turns.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// String renders the transcript as speaker-labeled, newline-separated lines.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sb strings.Builder
	for i, t := range b.turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(string(t.Speaker))
		sb.WriteString(": ")
		sb.WriteString(t.Text)
	}
	return sb.String()
}
