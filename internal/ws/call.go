package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/patient-followup/gateway/internal/audio"
	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
	"github.com/hubenschmidt/patient-followup/gateway/internal/finalize"
	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
	"github.com/hubenschmidt/patient-followup/gateway/internal/prompts"
	"github.com/hubenschmidt/patient-followup/gateway/internal/registry"
	"github.com/hubenschmidt/patient-followup/gateway/internal/store"
)

// frameDuration is the playback time of one outbound μ-law frame.
const frameDuration = 20 * time.Millisecond

// Conn is the subset of *websocket.Conn a call uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Recognizer turns inbound audio frames into finalized utterances.
type Recognizer interface {
	Feed(frame []byte) bool
	Utterances() <-chan string
	Pause()
	Resume(grace time.Duration)
	SetCodec(c audio.Codec)
	Run(ctx context.Context) error
	Close()
}

// ConsultationLoader looks up who is being called and why.
type ConsultationLoader interface {
	LoadConsultation(ctx context.Context, id string) (store.Consultation, error)
}

// ContextRetriever returns knowledge base passages for a consultation.
type ContextRetriever interface {
	ConsultationContext(ctx context.Context, consultationID, query string) (string, error)
}

// Checkpointer persists transcript snapshots without blocking.
type Checkpointer interface {
	Checkpoint(conversationID, consultationID, transcript string)
}

// Finalizer runs once per call after the stream is torn down.
type Finalizer interface {
	Finalize(ctx context.Context, in finalize.Input) finalize.Record
}

// CallConfig holds the collaborators shared by every call.
type CallConfig struct {
	Registry      *registry.Registry
	Finalizer     Finalizer
	Reasoner      conversation.Reasoner
	Synth         conversation.Synthesizer
	NewRecognizer func(conversationID string) Recognizer

	Consultations ConsultationLoader
	Knowledge     ContextRetriever
	Checkpoints   Checkpointer
	Lexicon       *conversation.Lexicon

	AssistantName  string
	ReplyTimeout   time.Duration
	MaxSilences    int
	DrainTimeout   time.Duration
	ContextTimeout time.Duration
}

type endReason int

const (
	endEngine endReason = iota
	endInitFailed
	endStop
	endDisconnect
	endRecognizer
	endCancelled
)

var endReasonNames = map[endReason]string{
	endEngine:     "engine",
	endInitFailed: "init_failed",
	endStop:       "stop",
	endDisconnect: "disconnect",
	endRecognizer: "recognizer",
	endCancelled:  "cancelled",
}

func (r endReason) String() string { return endReasonNames[r] }

// drains reports whether queued audio should be played out before hanging up.
func (r endReason) drains() bool { return r == endEngine || r == endInitFailed }

func (r endReason) status() finalize.CallStatus {
	switch r {
	case endEngine, endStop:
		return finalize.StatusCompleted
	}
	return finalize.StatusFailed
}

// Call bridges one transport stream to one conversation engine.
type Call struct {
	cfg            CallConfig
	id             string
	consultationID string
	log            *slog.Logger

	engine    *conversation.Engine
	rec       Recognizer
	startedAt time.Time
	conn      Conn

	mu        sync.Mutex
	handle    string
	begun     bool
	dialogue  chan endReason
	dialogCtx context.CancelFunc
	dialogEnd chan struct{}
	fwdCancel context.CancelFunc
	fwdDone   chan struct{}

	// playEnd is when the audio already written to the transport finishes playing.
	playMu  sync.Mutex
	playEnd time.Time

	quit      chan struct{}
	closeOnce sync.Once
}

// NewCall prepares a call. Start must run before events are handled.
func NewCall(cfg CallConfig, conversationID, consultationID string) *Call {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = 3 * time.Second
	}
	return &Call{
		cfg:            cfg,
		id:             conversationID,
		consultationID: consultationID,
		log:            slog.With("conversation_id", conversationID, "consultation_id", consultationID),
		dialogue:       make(chan endReason, 1),
		quit:           make(chan struct{}),
	}
}

// ID returns the conversation id.
func (c *Call) ID() string { return c.id }

// Start registers the call and builds its engine from the consultation record.
func (c *Call) Start(ctx context.Context) {
	c.startedAt = time.Now()
	c.cfg.Registry.Start(c.id, c.consultationID)

	patient, summary := c.consultation(ctx)
	c.engine = conversation.New(conversation.Config{
		ConversationID:      c.id,
		AssistantName:       c.cfg.AssistantName,
		PatientName:         patient,
		ConsultationSummary: summary,
		RetrievedContext:    c.knowledge(ctx, summary),
		Reasoner:            c.cfg.Reasoner,
		Synth:               c.cfg.Synth,
		Lexicon:             c.cfg.Lexicon,
		ReplyTimeout:        c.cfg.ReplyTimeout,
		MaxSilences:         c.cfg.MaxSilences,
		Checkpoint:          c.checkpoint,
	})
	c.rec = c.cfg.NewRecognizer(c.id)
	c.log.Info("call started", "patient", patient)
}

func (c *Call) consultation(ctx context.Context) (patient, summary string) {
	patient, summary = prompts.DefaultPatientName, prompts.DefaultSummary
	if c.cfg.Consultations == nil {
		return patient, summary
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ContextTimeout)
	defer cancel()
	cons, err := c.cfg.Consultations.LoadConsultation(ctx, c.consultationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			metrics.Errors.WithLabelValues("store", "load_consultation").Inc()
		}
		c.log.Warn("consultation lookup failed", "error", err)
		return patient, summary
	}
	if cons.PatientName != "" {
		patient = cons.PatientName
	}
	if cons.Summary != "" {
		summary = cons.Summary
	}
	return patient, summary
}

func (c *Call) knowledge(ctx context.Context, query string) string {
	if c.cfg.Knowledge == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ContextTimeout)
	defer cancel()
	text, err := c.cfg.Knowledge.ConsultationContext(ctx, c.consultationID, query)
	if err != nil {
		metrics.Errors.WithLabelValues("rag", "retrieve").Inc()
		c.log.Warn("knowledge lookup failed", "error", err)
		return ""
	}
	return text
}

func (c *Call) checkpoint(transcript string) {
	c.cfg.Registry.UpdateTranscript(c.id, transcript)
	if c.cfg.Checkpoints != nil {
		c.cfg.Checkpoints.Checkpoint(c.id, c.consultationID, transcript)
	}
}

// IsActive reports whether the registry still considers the call live.
func (c *Call) IsActive() bool { return c.cfg.Registry.IsActive(c.id) }

// Outbound returns the engine's outbound frame queue.
func (c *Call) Outbound() *conversation.AudioQueue { return c.engine.Outbound() }

// Run owns conn until the call ends, then finalizes it. Start must have been called.
func (c *Call) Run(ctx context.Context, conn Conn) finalize.Record {
	c.conn = conn
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go c.readLoop(conn, inbound, readErr)
	go c.rec.Run(ctx)

	reason := c.loop(ctx, inbound, readErr)
	return c.shutdown(ctx, reason)
}

func (c *Call) readLoop(conn Conn, inbound chan<- []byte, readErr chan<- error) {
	defer close(inbound)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- data:
		case <-c.quit:
			return
		}
	}
}

func (c *Call) loop(ctx context.Context, inbound <-chan []byte, readErr <-chan error) endReason {
	for {
		select {
		case <-ctx.Done():
			return endCancelled
		case r := <-c.dialogue:
			return r
		case data, ok := <-inbound:
			if !ok {
				c.log.Info("transport closed", "error", <-readErr)
				return endDisconnect
			}
			stop, err := c.HandleEvent(ctx, data)
			if err != nil {
				metrics.Errors.WithLabelValues("transport", "event").Inc()
				c.log.Warn("bad transport event", "error", err)
				continue
			}
			if stop {
				return endStop
			}
		}
	}
}

// HandleEvent applies one raw transport event. It reports true when the
// transport has stopped the stream.
func (c *Call) HandleEvent(ctx context.Context, raw []byte) (bool, error) {
	ev, err := ParseEvent(raw)
	if err != nil {
		return false, err
	}
	if ev.Event == EventConnected {
		return false, nil
	}

	handle := ev.Handle()
	if handle == "" {
		handle = c.streamHandle()
	}
	if !c.cfg.Registry.MarkEventProcessed(c.id, IdempotencyKey(handle, ev, raw)) {
		metrics.DuplicateEvents.Inc()
		return false, nil
	}

	switch ev.Event {
	case EventStart:
		c.onStart(ctx, handle, ev.Start)
	case EventMedia:
		if ev.Media == nil || ev.Media.Track == "outbound" {
			return false, nil
		}
		frame, err := ev.Audio()
		if err != nil {
			return false, err
		}
		metrics.MediaEvents.Inc()
		c.rec.Feed(frame)
	case EventMark:
		if ev.Mark != nil {
			c.log.Debug("mark played", "name", ev.Mark.Name)
		}
	case EventStop:
		c.log.Info("stream stopped", "stream_sid", handle)
		return true, nil
	}
	return false, nil
}

func (c *Call) streamHandle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// onStart records the stream handle and starts the forwarder and the dialogue.
func (c *Call) onStart(ctx context.Context, handle string, start *StartPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.begun {
		return
	}
	c.begun = true
	c.handle = handle
	c.cfg.Registry.UpdateStreamHandle(c.id, handle)

	var encoding string
	if start != nil {
		encoding = start.MediaFormat.Encoding
	}
	codec, err := audio.ParseCodec(encoding)
	if err != nil {
		metrics.Errors.WithLabelValues("stream", "codec").Inc()
		c.log.Warn("unsupported media format, assuming mu-law", "encoding", encoding)
		codec = audio.CodecUlaw
	}
	c.rec.SetCodec(codec)
	c.log.Info("stream started", "stream_sid", handle, "codec", codec)

	fctx, fcancel := context.WithCancel(ctx)
	c.fwdCancel = fcancel
	c.fwdDone = make(chan struct{})
	go c.forward(fctx, handle)

	dctx, dcancel := context.WithCancel(ctx)
	c.dialogCtx = dcancel
	c.dialogEnd = make(chan struct{})
	go c.converse(dctx)
}

// converse speaks the greeting and feeds utterances to the engine until it ends.
func (c *Call) converse(ctx context.Context) {
	defer close(c.dialogEnd)
	c.rec.Pause()
	if err := c.engine.Begin(ctx); err != nil {
		c.log.Error("begin failed", "error", err)
		c.dialogue <- endInitFailed
		return
	}
	c.rec.Resume(c.playback())

	utterances := c.rec.Utterances()
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-utterances:
			if !ok {
				if ctx.Err() == nil {
					c.dialogue <- endRecognizer
				}
				return
			}
			c.rec.Pause()
			err := c.engine.OnUtterance(ctx, text)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn("utterance rejected", "error", err)
			}
			if c.engine.ShouldEnd() {
				c.dialogue <- endEngine
				return
			}
			c.rec.Resume(c.playback())
		}
	}
}

// playback is how long until the patient has heard everything spoken so far:
// audio still playing on the far end plus audio not yet written.
func (c *Call) playback() time.Duration {
	c.playMu.Lock()
	remaining := time.Until(c.playEnd)
	c.playMu.Unlock()
	return max(remaining, 0) + time.Duration(c.engine.Outbound().Len())*frameDuration
}

// played advances the playback clock by one written frame.
func (c *Call) played() {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	now := time.Now()
	if c.playEnd.Before(now) {
		c.playEnd = now
	}
	c.playEnd = c.playEnd.Add(frameDuration)
}

// forward is the single writer to the transport.
func (c *Call) forward(ctx context.Context, handle string) {
	defer close(c.fwdDone)
	q := c.engine.Outbound()
	for {
		f, err := q.Next(ctx)
		if err != nil {
			return
		}
		var msg []byte
		if f.IsMark() {
			msg, err = MarkMessage(handle, f.Mark)
		} else {
			msg, err = MediaMessage(handle, f.Payload)
		}
		if err != nil {
			c.log.Error("encode outbound", "error", err)
			continue
		}
		if err = c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			metrics.Errors.WithLabelValues("transport", "write").Inc()
			c.log.Warn("write outbound", "error", err)
			return
		}
		if !f.IsMark() {
			c.played()
			metrics.OutboundFrames.Inc()
		}
	}
}

// shutdown tears the call down exactly once and returns the finalization record.
func (c *Call) shutdown(ctx context.Context, reason endReason) finalize.Record {
	c.log.Info("call ending", "reason", reason.String())
	c.cfg.Registry.End(c.id)
	c.closeOnce.Do(func() { close(c.quit) })

	c.mu.Lock()
	fwdCancel, fwdDone := c.fwdCancel, c.fwdDone
	dialogCancel, dialogEnd := c.dialogCtx, c.dialogEnd
	c.mu.Unlock()

	if dialogCancel != nil {
		dialogCancel()
		<-dialogEnd
	}
	if reason.drains() && fwdDone != nil {
		c.engine.End()
		select {
		case <-fwdDone:
		case <-time.After(c.cfg.DrainTimeout):
			c.log.Warn("outbound drain timed out")
		}
	}
	if fwdCancel != nil {
		fwdCancel()
	}
	if err := c.conn.Close(); err != nil {
		c.log.Debug("close transport", "error", err)
	}
	if fwdDone != nil {
		<-fwdDone
	}
	c.engine.End()
	c.rec.Close()

	return c.cfg.Finalizer.Finalize(ctx, finalize.Input{
		ConversationID:   c.id,
		ConsultationID:   c.consultationID,
		Transcript:       c.engine.Transcript(),
		ForcedEscalation: c.engine.ShouldForceEscalation(),
		StartedAt:        c.startedAt,
		Status:           reason.status(),
	})
}
