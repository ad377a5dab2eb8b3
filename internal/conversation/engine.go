package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
	"github.com/hubenschmidt/patient-followup/gateway/internal/prompts"
	"github.com/hubenschmidt/patient-followup/gateway/internal/transcript"
)

// State is the engine's dialogue state.
type State int

const (
	StateIdle State = iota
	StateGreeting
	StateListening
	StateResponding
	StateTerminated
)

func (s State) String() string {
	return [...]string{"idle", "greeting", "listening", "responding", "terminated"}[s]
}

const (
	DefaultReplyTimeout = 20 * time.Second
	DefaultMaxSilences  = 3

	// EndMark is the name of the mark frame queued by End.
	EndMark = "call-ended"
)

var (
	ErrTerminated = errors.New("conversation: terminated")
	ErrNotStarted = errors.New("conversation: not listening")
	ErrNoReply    = errors.New("conversation: empty reply")
)

// ChatSession carries one call's rolling chat history with the reasoning backend.
type ChatSession interface {
	Send(ctx context.Context, text string) (string, error)
}

// Reasoner opens chat sessions seeded with a system instruction.
type Reasoner interface {
	StartChat(ctx context.Context, system string) (ChatSession, error)
}

// Synthesizer turns text into outbound μ-law frames, calling emit for each frame in order.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, emit func(frame []byte)) error
}

// Config describes one call.
type Config struct {
	ConversationID      string
	AssistantName       string
	PatientName         string
	ConsultationSummary string
	RetrievedContext    string

	Reasoner Reasoner
	Synth    Synthesizer
	Lexicon  *Lexicon

	ReplyTimeout time.Duration
	MaxSilences  int

	// Checkpoint receives the rendered transcript after every appended turn.
	// It runs on its own goroutine.
	Checkpoint func(transcript string)
}

// Engine drives one call's dialogue.
type Engine struct {
	cfg   Config
	buf   transcript.Buffer
	queue *AudioQueue
	log   *slog.Logger

	mu       sync.Mutex
	state    State
	silences int
	chat     ChatSession

	terminate atomic.Bool
	escalate  atomic.Bool
	endOnce   sync.Once
}

// New creates an idle engine.
func New(cfg Config) *Engine {
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.MaxSilences <= 0 {
		cfg.MaxSilences = DefaultMaxSilences
	}
	if cfg.Lexicon == nil {
		cfg.Lexicon = DefaultLexicon()
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = prompts.DefaultAssistantName
	}
	return &Engine{
		cfg:   cfg,
		queue: NewAudioQueue(),
		log:   slog.With("conversation_id", cfg.ConversationID),
	}
}

// Begin opens the chat session and speaks the greeting. If the reasoning backend
// cannot be reached the engine speaks an apology, escalates, and terminates.
func (e *Engine) Begin(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return fmt.Errorf("begin in state %s", e.state)
	}
	e.state = StateGreeting

	system := prompts.System(prompts.FollowUp{
		AssistantName:       e.cfg.AssistantName,
		PatientName:         e.cfg.PatientName,
		ConsultationSummary: e.cfg.ConsultationSummary,
		RetrievedContext:    e.cfg.RetrievedContext,
	})
	chat, err := e.cfg.Reasoner.StartChat(ctx, system)
	if err != nil {
		metrics.Errors.WithLabelValues("llm", "start").Inc()
		e.fail(ctx, "start_failed")
		return fmt.Errorf("start chat: %w", err)
	}
	e.chat = chat

	e.speak(ctx, prompts.Greeting(e.cfg.AssistantName, e.cfg.PatientName))
	e.state = StateListening
	return nil
}

// OnUtterance applies one finalized recognizer result. Empty text counts as silence.
func (e *Engine) OnUtterance(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateTerminated || e.terminate.Load() {
		return ErrTerminated
	}
	if e.state != StateListening {
		return ErrNotStarted
	}

	text = strings.TrimSpace(text)
	if text == "" {
		e.onSilence(ctx)
		return nil
	}
	e.silences = 0
	e.appendTurn(transcript.Patient, text)

	switch e.cfg.Lexicon.Classify(text) {
	case VerdictPositive:
		metrics.Utterances.WithLabelValues("positive").Inc()
		e.log.Info("fast path", "verdict", "positive")
		e.speak(ctx, prompts.PositiveGoodbye)
		e.finish()
		return nil
	case VerdictProblem:
		metrics.Utterances.WithLabelValues("problem").Inc()
		e.log.Info("fast path", "verdict", "problem")
		e.raiseEscalation("problem_reported")
		e.speak(ctx, prompts.ProblemGoodbye)
		e.finish()
		return nil
	}

	metrics.Utterances.WithLabelValues("llm").Inc()
	e.state = StateResponding
	reply, err := e.reply(ctx, text)
	if err != nil && ctx.Err() != nil {
		// The call itself went away; there is no one left to speak to.
		e.finish()
		return ctx.Err()
	}
	if err != nil {
		e.log.Warn("reasoning failed", "error", err)
		e.fail(ctx, "reasoning_failed")
		return nil
	}

	e.speak(ctx, reply)
	if strings.Contains(strings.ToLower(reply), "goodbye") {
		e.finish()
		return nil
	}
	e.state = StateListening
	return nil
}

func (e *Engine) onSilence(ctx context.Context) {
	e.silences++
	metrics.Utterances.WithLabelValues("silence").Inc()
	if e.silences < e.cfg.MaxSilences {
		e.speak(ctx, prompts.Reprompt)
		return
	}
	e.log.Info("silence limit reached", "silences", e.silences)
	e.raiseEscalation("silence")
	e.speak(ctx, prompts.SilenceClosing)
	e.finish()
}

// reply sends text to the chat session under the reply timeout.
// A send still running at the deadline is abandoned.
func (e *Engine) reply(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ReplyTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		r, err := e.chat.Send(ctx, text)
		done <- result{r, err}
	}()

	select {
	case <-ctx.Done():
		metrics.Errors.WithLabelValues("llm", "timeout").Inc()
		return "", fmt.Errorf("reply: %w", ctx.Err())
	case r := <-done:
		metrics.StageDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
		if r.err != nil {
			metrics.Errors.WithLabelValues("llm", "send").Inc()
			return "", fmt.Errorf("reply: %w", r.err)
		}
		if strings.TrimSpace(r.text) == "" {
			metrics.Errors.WithLabelValues("llm", "empty").Inc()
			return "", ErrNoReply
		}
		return r.text, nil
	}
}

// fail speaks the handoff line and routes the call to a human.
func (e *Engine) fail(ctx context.Context, reason string) {
	e.raiseEscalation(reason)
	e.speak(ctx, prompts.BackendApology)
	e.finish()
}

func (e *Engine) raiseEscalation(reason string) {
	if e.escalate.CompareAndSwap(false, true) {
		metrics.Escalations.WithLabelValues(reason).Inc()
		e.log.Warn("forced escalation", "reason", reason)
	}
}

func (e *Engine) finish() {
	e.terminate.Store(true)
	e.state = StateTerminated
}

// speak records an Assistant turn and queues its audio. Synthesis failures
// leave the turn in the transcript.
func (e *Engine) speak(ctx context.Context, text string) {
	if _, ok := e.appendTurn(transcript.Assistant, text); !ok {
		return
	}
	if e.cfg.Synth == nil {
		return
	}
	start := time.Now()
	err := e.cfg.Synth.Synthesize(ctx, text, func(frame []byte) {
		e.queue.Push(Frame{Payload: frame})
	})
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synthesize").Inc()
		e.log.Warn("synthesis failed", "error", err)
		return
	}
	metrics.StageDuration.WithLabelValues("tts").Observe(time.Since(start).Seconds())
}

func (e *Engine) appendTurn(speaker transcript.Speaker, text string) (transcript.Turn, bool) {
	if e.terminate.Load() {
		return transcript.Turn{}, false
	}
	turn, err := e.buf.Append(speaker, text)
	if err != nil {
		return turn, false
	}
	if e.cfg.Checkpoint != nil {
		go e.cfg.Checkpoint(e.buf.String())
	}
	return turn, true
}

// ShouldEnd reports whether the engine has decided the call is over.
func (e *Engine) ShouldEnd() bool { return e.terminate.Load() }

// ShouldForceEscalation reports whether a human must follow up regardless of triage.
func (e *Engine) ShouldForceEscalation() bool { return e.escalate.Load() }

// Outbound returns the ordered frame queue consumed by the transport forwarder.
func (e *Engine) Outbound() *AudioQueue { return e.queue }

// End stops accepting input, queues the terminal mark, and closes the outbound queue.
// Safe to call more than once.
func (e *Engine) End() {
	e.endOnce.Do(func() {
		e.mu.Lock()
		e.state = StateTerminated
		e.mu.Unlock()
		e.queue.Push(Frame{Mark: EndMark})
		e.queue.Close()
	})
}

// Transcript renders the full transcript.
func (e *Engine) Transcript() string { return e.buf.String() }

// Turns returns a copy of the recorded turns.
func (e *Engine) Turns() []transcript.Turn { return e.buf.Turns() }

// State returns the current dialogue state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
