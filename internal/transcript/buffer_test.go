package transcript

import (
	"errors"
	"sync"
	"testing"
)

func TestBufferAppendAndRender(t *testing.T) {
	var b Buffer
	if _, err := b.Append(Assistant, "Hi, how are you?"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := b.Append(Patient, "  much better  "); err != nil {
		t.Fatalf("append: %v", err)
	}

	want := "Assistant: Hi, how are you?\nPatient: much better"
	if got := b.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
}

func TestBufferRejectsEmptyTurn(t *testing.T) {
	var b Buffer
	_, err := b.Append(Patient, " \t\n")
	if !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("expected ErrEmptyTurn, got %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("empty turn was recorded")
	}
	if b.String() != "" {
		t.Fatalf("expected empty transcript, got %q", b.String())
	}
}

func TestBufferTurnsIsACopy(t *testing.T) {
	var b Buffer
	b.Append(Assistant, "hello")
	turns := b.Turns()
	turns[0].Text = "mutated"
	if b.Turns()[0].Text != "hello" {
		t.Fatal("Turns() exposed internal storage")
	}
}

func TestBufferConcurrentAppendKeepsEveryTurn(t *testing.T) {
	var b Buffer
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Append(Patient, "x")
		}()
	}
	wg.Wait()
	if b.Len() != 50 {
		t.Fatalf("Len() = %d, want 50", b.Len())
	}
}
