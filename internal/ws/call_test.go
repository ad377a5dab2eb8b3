package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/patient-followup/gateway/internal/audio"
	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
	"github.com/hubenschmidt/patient-followup/gateway/internal/finalize"
	"github.com/hubenschmidt/patient-followup/gateway/internal/prompts"
	"github.com/hubenschmidt/patient-followup/gateway/internal/registry"
	"github.com/hubenschmidt/patient-followup/gateway/internal/store"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn(events ...string) *fakeConn {
	c := &fakeConn{in: make(chan []byte, len(events)+8), closed: make(chan struct{})}
	for _, e := range events {
		c.in <- []byte(e)
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent(t *testing.T) []outbound {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]outbound, len(c.writes))
	for i, w := range c.writes {
		if err := json.Unmarshal(w, &out[i]); err != nil {
			t.Fatalf("outbound %d: %v", i, err)
		}
	}
	return out
}

// fakeRecognizer hears each fed frame as an utterance of the same text.
type fakeRecognizer struct {
	in   chan []byte
	out  chan string
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	fed    int
	codec  audio.Codec
	paused bool
	graces []time.Duration
}

func newFakeRecognizer(string) Recognizer {
	return &fakeRecognizer{in: make(chan []byte, 64), out: make(chan string, 64), done: make(chan struct{})}
}

func (r *fakeRecognizer) Feed(frame []byte) bool {
	r.mu.Lock()
	r.fed++
	r.mu.Unlock()
	select {
	case r.in <- frame:
		return true
	case <-r.done:
		return false
	}
}

func (r *fakeRecognizer) Utterances() <-chan string { return r.out }

func (r *fakeRecognizer) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

func (r *fakeRecognizer) Resume(grace time.Duration) {
	r.mu.Lock()
	r.paused = false
	r.graces = append(r.graces, grace)
	r.mu.Unlock()
}

func (r *fakeRecognizer) SetCodec(c audio.Codec) {
	r.mu.Lock()
	r.codec = c
	r.mu.Unlock()
}
func (r *fakeRecognizer) Close() { r.once.Do(func() { close(r.done) }) }

func (r *fakeRecognizer) Run(ctx context.Context) error {
	defer close(r.out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		case f := <-r.in:
			r.out <- string(f)
		}
	}
}

type echoChat struct{}

func (echoChat) Send(_ context.Context, text string) (string, error) {
	return "Thanks for sharing. Anything else?", nil
}

// reasonerFunc observes each patient turn sent to the chat.
type reasonerFunc func(text string)

func (f reasonerFunc) StartChat(context.Context, string) (conversation.ChatSession, error) {
	return f, nil
}

func (f reasonerFunc) Send(_ context.Context, text string) (string, error) {
	f(text)
	return "Thanks for sharing. Anything else?", nil
}

type fakeReasoner struct{ err error }

func (r fakeReasoner) StartChat(context.Context, string) (conversation.ChatSession, error) {
	if r.err != nil {
		return nil, r.err
	}
	return echoChat{}, nil
}

type textSynth struct{}

func (textSynth) Synthesize(_ context.Context, text string, emit func([]byte)) error {
	emit([]byte(text))
	return nil
}

// pacedSynth speaks every text as sentences of frames each, pausing between them
// like a backend that synthesizes one sentence at a time.
type pacedSynth struct {
	sentences int
	frames    int
	gap       time.Duration
}

func (p pacedSynth) Synthesize(ctx context.Context, _ string, emit func([]byte)) error {
	for i := range p.sentences {
		if i > 0 {
			select {
			case <-time.After(p.gap):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for range p.frames {
			emit(make([]byte, 160))
		}
	}
	return nil
}

type analyzerFunc func(context.Context, string) (finalize.Triage, error)

func (f analyzerFunc) Analyze(ctx context.Context, s string) (finalize.Triage, error) { return f(ctx, s) }

type fakeConsultations struct{}

func (fakeConsultations) LoadConsultation(_ context.Context, id string) (store.Consultation, error) {
	if id != "42" {
		return store.Consultation{}, store.ErrNotFound
	}
	return store.Consultation{ID: id, PatientName: "Ana", Summary: "Knee arthroscopy."}, nil
}

type checkpoints struct {
	mu   sync.Mutex
	last string
}

func (c *checkpoints) Checkpoint(_, _, transcript string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(transcript) > len(c.last) {
		c.last = transcript
	}
}

type harness struct {
	reg   *registry.Registry
	cfg   CallConfig
	cps   *checkpoints
	mu    sync.Mutex
	calls int
}

func newHarness(reasoner conversation.Reasoner) *harness {
	h := &harness{reg: registry.New(), cps: &checkpoints{}}
	h.cfg = CallConfig{
		Registry: h.reg,
		Finalizer: finalize.New(finalize.Config{
			Analyzer: analyzerFunc(func(context.Context, string) (finalize.Triage, error) {
				h.mu.Lock()
				h.calls++
				h.mu.Unlock()
				return finalize.Triage{Summary: "ok", Urgency: finalize.UrgencyLow}, nil
			}),
			Registry: h.reg,
		}),
		Reasoner:      reasoner,
		Synth:         textSynth{},
		NewRecognizer: newFakeRecognizer,
		Consultations: fakeConsultations{},
		Checkpoints:   h.cps,
		ReplyTimeout:  time.Second,
		DrainTimeout:  time.Second,
	}
	return h
}

func (h *harness) run(t *testing.T, conn *fakeConn) (finalize.Record, *Call) {
	t.Helper()
	call := NewCall(h.cfg, "conv-1", "42")
	call.Start(context.Background())
	if !call.IsActive() {
		t.Fatal("call not active after Start")
	}

	done := make(chan finalize.Record, 1)
	go func() { done <- call.Run(context.Background(), conn) }()
	select {
	case rec := <-done:
		return rec, call
	case <-time.After(5 * time.Second):
		t.Fatal("call did not finish")
	}
	return finalize.Record{}, nil
}

func startEvent(sid string) string {
	return fmt.Sprintf(`{"event":"start","sequenceNumber":"1","streamSid":%q,"start":{"streamSid":%q,"callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`, sid, sid)
}

func mediaEvent(sid string, seq int, text string) string {
	return fmt.Sprintf(`{"event":"media","sequenceNumber":"%d","streamSid":%q,"media":{"track":"inbound","chunk":"%d","timestamp":"%d","payload":%q}}`,
		seq, sid, seq, seq*20, base64.StdEncoding.EncodeToString([]byte(text)))
}

func TestCallPositivePathDrainsAndFinalizes(t *testing.T) {
	h := newHarness(fakeReasoner{})
	utter := mediaEvent("MZ1", 2, "I'm feeling fine, no issues")
	conn := newFakeConn(`{"event":"connected","protocol":"Call","version":"1.0.0"}`, startEvent("MZ1"), utter, utter)

	rec, _ := h.run(t, conn)

	if rec.CallStatus != finalize.StatusCompleted || rec.RequiresDoctor {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !strings.Contains(rec.Transcript, "Patient: I'm feeling fine, no issues") ||
		!strings.Contains(rec.Transcript, prompts.PositiveGoodbye) ||
		!strings.Contains(rec.Transcript, "Hi Ana") {
		t.Fatalf("transcript:\n%s", rec.Transcript)
	}
	if strings.Count(rec.Transcript, "Patient:") != 1 {
		t.Fatalf("duplicate media was not dropped:\n%s", rec.Transcript)
	}

	out := conn.sent(t)
	if len(out) != 3 {
		t.Fatalf("got %d outbound messages, want greeting, goodbye, mark", len(out))
	}
	for _, m := range out {
		if m.StreamSid != "MZ1" {
			t.Fatalf("frame not tagged with stream handle: %+v", m)
		}
	}
	if out[0].Event != EventMedia || out[2].Event != EventMark || out[2].Mark.Name != conversation.EndMark {
		t.Fatalf("unexpected outbound order %+v", out)
	}
	goodbye, _ := base64.StdEncoding.DecodeString(out[1].Media.Payload)
	if string(goodbye) != prompts.PositiveGoodbye {
		t.Fatalf("second frame = %q", goodbye)
	}

	if h.reg.Len() != 0 {
		t.Fatal("registry entry not cleaned up")
	}
	h.cps.mu.Lock()
	defer h.cps.mu.Unlock()
	if h.cps.last == "" {
		t.Fatal("no checkpoint written")
	}
}

func TestCallProblemPathEscalates(t *testing.T) {
	h := newHarness(fakeReasoner{})
	conn := newFakeConn(startEvent("MZ2"), mediaEvent("MZ2", 2, "it's still very painful"))

	rec, _ := h.run(t, conn)
	if !rec.RequiresDoctor || rec.CallStatus != finalize.StatusCompleted {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !strings.Contains(rec.Transcript, prompts.ProblemGoodbye) {
		t.Fatalf("transcript:\n%s", rec.Transcript)
	}
}

func TestCallStopEndsCompleted(t *testing.T) {
	h := newHarness(fakeReasoner{})
	conn := newFakeConn(startEvent("MZ3"), `{"event":"stop","sequenceNumber":"2","streamSid":"MZ3","stop":{"callSid":"CA1"}}`)

	rec, _ := h.run(t, conn)
	if rec.CallStatus != finalize.StatusCompleted {
		t.Fatalf("status = %s", rec.CallStatus)
	}
	if h.reg.Len() != 0 {
		t.Fatal("registry entry not cleaned up")
	}
}

func TestCallDisconnectIsFailedButFinalized(t *testing.T) {
	h := newHarness(fakeReasoner{})
	conn := newFakeConn(startEvent("MZ4"))
	close(conn.in)

	rec, _ := h.run(t, conn)
	if rec.CallStatus != finalize.StatusFailed {
		t.Fatalf("status = %s", rec.CallStatus)
	}
	if rec.ConversationID != "conv-1" || rec.ConsultationID != "42" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if h.reg.Len() != 0 {
		t.Fatal("registry entry not cleaned up")
	}
}

func TestCallNoStartSkipsTriage(t *testing.T) {
	h := newHarness(fakeReasoner{})
	conn := newFakeConn()
	close(conn.in)

	rec, _ := h.run(t, conn)
	if h.calls != 0 {
		t.Fatal("analyzer invoked with no transcript")
	}
	if rec.Urgency != finalize.UrgencyLow || rec.RequiresDoctor {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCallInitFailureApologizesAndFails(t *testing.T) {
	h := newHarness(fakeReasoner{err: errors.New("backend down")})
	conn := newFakeConn(startEvent("MZ5"))

	rec, _ := h.run(t, conn)
	if rec.CallStatus != finalize.StatusFailed || !rec.RequiresDoctor {
		t.Fatalf("unexpected record %+v", rec)
	}
	out := conn.sent(t)
	if len(out) != 2 || out[1].Event != EventMark {
		t.Fatalf("expected apology then mark, got %+v", out)
	}
	apology, _ := base64.StdEncoding.DecodeString(out[0].Media.Payload)
	if string(apology) != prompts.BackendApology {
		t.Fatalf("first frame = %q", apology)
	}
}

func TestCallUnknownConsultationUsesDefaults(t *testing.T) {
	h := newHarness(fakeReasoner{})
	call := NewCall(h.cfg, "conv-9", "missing")
	call.Start(context.Background())
	conn := newFakeConn(startEvent("MZ6"), mediaEvent("MZ6", 2, "I'm fine"))

	rec := call.Run(context.Background(), conn)
	if !strings.Contains(rec.Transcript, "Hi "+prompts.DefaultPatientName) {
		t.Fatalf("transcript:\n%s", rec.Transcript)
	}
}

func TestHandleEventDedupAndTrack(t *testing.T) {
	h := newHarness(fakeReasoner{})
	call := NewCall(h.cfg, "conv-7", "42")
	call.Start(context.Background())
	rec := call.rec.(*fakeRecognizer)

	media := mediaEvent("MZ7", 5, "hello")
	for i := 0; i < 3; i++ {
		if stop, err := call.HandleEvent(context.Background(), []byte(media)); err != nil || stop {
			t.Fatalf("HandleEvent: stop=%v err=%v", stop, err)
		}
	}
	outboundTrack := `{"event":"media","sequenceNumber":"6","streamSid":"MZ7","media":{"track":"outbound","payload":"aGk="}}`
	if _, err := call.HandleEvent(context.Background(), []byte(outboundTrack)); err != nil {
		t.Fatal(err)
	}
	if rec.fed != 1 {
		t.Fatalf("fed %d frames, want 1", rec.fed)
	}
	if _, err := call.HandleEvent(context.Background(), []byte(`{not json`)); err == nil {
		t.Fatal("expected parse error")
	}
	stop, err := call.HandleEvent(context.Background(), []byte(`{"event":"stop","sequenceNumber":"7","streamSid":"MZ7"}`))
	if err != nil || !stop {
		t.Fatalf("stop=%v err=%v", stop, err)
	}
	if got := h.reg.ProcessedCount("conv-7"); got != 3 {
		t.Fatalf("processed = %d, want 3", got)
	}
}

func TestCallStartSelectsAnnouncedCodec(t *testing.T) {
	h := newHarness(fakeReasoner{})
	alaw := `{"event":"start","sequenceNumber":"1","streamSid":"MZ9","start":{"streamSid":"MZ9","mediaFormat":{"encoding":"audio/x-alaw","sampleRate":8000,"channels":1}}}`
	conn := newFakeConn(alaw, `{"event":"stop","sequenceNumber":"2","streamSid":"MZ9"}`)

	_, call := h.run(t, conn)
	rec := call.rec.(*fakeRecognizer)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.codec != audio.CodecAlaw {
		t.Fatalf("codec = %q", rec.codec)
	}
}

func TestCallGraceCoversAudioAlreadyWritten(t *testing.T) {
	h := newHarness(fakeReasoner{})
	h.cfg.Synth = pacedSynth{sentences: 2, frames: 150, gap: 50 * time.Millisecond}
	call := NewCall(h.cfg, "conv-10", "42")
	call.Start(context.Background())
	conn := newFakeConn(startEvent("MZ10"))

	done := make(chan finalize.Record, 1)
	go func() { done <- call.Run(context.Background(), conn) }()

	rec := call.rec.(*fakeRecognizer)
	var grace time.Duration
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.graces)
		if n > 0 {
			grace = rec.graces[0]
		}
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(conn.in)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("call did not finish")
	}

	// 300 frames of greeting is 6s on the far end, nearly all of it still to play.
	if grace < 5500*time.Millisecond || grace > 6*time.Second {
		t.Fatalf("greeting grace = %s, want about 6s", grace)
	}
}

func TestCallPausesSilenceClockWhileReplying(t *testing.T) {
	h := newHarness(fakeReasoner{})
	var call *Call
	paused := make(chan bool, 4)
	h.cfg.Reasoner = reasonerFunc(func(string) {
		rec := call.rec.(*fakeRecognizer)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		select {
		case paused <- rec.paused:
		default:
		}
	})
	call = NewCall(h.cfg, "conv-11", "42")
	call.Start(context.Background())
	conn := newFakeConn(startEvent("MZ11"), mediaEvent("MZ11", 2, "I have a question about the bandage"))

	done := make(chan finalize.Record, 1)
	go func() { done <- call.Run(context.Background(), conn) }()
	select {
	case p := <-paused:
		if !p {
			t.Fatal("no-speech clock running while the reply was generated")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reply never requested")
	}
	close(conn.in)
	<-done

	rec := call.rec.(*fakeRecognizer)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.graces) < 2 {
		t.Fatalf("resumed %d times, want after greeting and after reply", len(rec.graces))
	}
}
