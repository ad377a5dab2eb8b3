package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
	"github.com/hubenschmidt/patient-followup/gateway/internal/prompts"
)

func TestHandlerRejectsAtCapacity(t *testing.T) {
	h := NewHandler(HandlerConfig{Call: newHarness(fakeReasoner{}).cfg, MaxConcurrent: 1})
	h.sem <- struct{}{}

	mux := http.NewServeMux()
	mux.Handle("GET /twilio/stream/{consultation_id}", h)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/twilio/stream/42", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestHandlerRunsCallOverWebSocket(t *testing.T) {
	hs := newHarness(fakeReasoner{})
	h := NewHandler(HandlerConfig{Call: hs.cfg, MaxConcurrent: 2})
	mux := http.NewServeMux()
	mux.Handle("GET /twilio/stream/{consultation_id}", h)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/twilio/stream/42"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, ev := range []string{startEvent("MZ8"), mediaEvent("MZ8", 2, "all good, thanks")} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
			t.Fatal(err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frames []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read before mark: %v (frames %q)", err, frames)
		}
		var m outbound
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		if m.Event == EventMark {
			if m.Mark.Name != conversation.EndMark {
				t.Fatalf("mark = %q", m.Mark.Name)
			}
			break
		}
		payload, _ := base64.StdEncoding.DecodeString(m.Media.Payload)
		frames = append(frames, string(payload))
	}
	if len(frames) != 2 || !strings.HasPrefix(frames[0], "Hi Ana") || frames[1] != prompts.PositiveGoodbye {
		t.Fatalf("frames = %q", frames)
	}

	h.Wait()
	if hs.reg.Len() != 0 {
		t.Fatal("registry not cleaned up after call")
	}
}

func TestHandlerDrainLetsCallsFinish(t *testing.T) {
	hs := newHarness(fakeReasoner{})
	h := NewHandler(HandlerConfig{Call: hs.cfg, MaxConcurrent: 2})
	mux := http.NewServeMux()
	mux.Handle("GET /twilio/stream/{consultation_id}", h)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/twilio/stream/42"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(startEvent("MZ12"))); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain with a live call = %v", err)
	}
	if hs.reg.Len() != 1 {
		t.Fatal("drain timeout hung up the call")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(mediaEvent("MZ12", 2, "all good, thanks"))); err != nil {
		t.Fatal(err)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Drain(ctx); err != nil {
		t.Fatalf("drain after goodbye = %v", err)
	}
	if hs.reg.Len() != 0 {
		t.Fatal("registry not cleaned up after call")
	}
}

func TestTwiMLHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	TwiMLHandler("calls.example.com")(rr, httptest.NewRequest(http.MethodPost, "/twilio/twiml?consultation_id=42", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("content type = %s", ct)
	}
	if !strings.Contains(rr.Body.String(), `<Stream url="wss://calls.example.com/twilio/stream/42" />`) {
		t.Fatalf("body:\n%s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	TwiMLHandler("calls.example.com")(rr, httptest.NewRequest(http.MethodPost, "/twilio/twiml", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestIdempotencyKey(t *testing.T) {
	a, _ := ParseEvent([]byte(mediaEvent("MZ", 3, "x")))
	b, _ := ParseEvent([]byte(mediaEvent("MZ", 4, "x")))
	if IdempotencyKey("MZ", a, nil) != "MZ:media:3" {
		t.Fatalf("key = %s", IdempotencyKey("MZ", a, nil))
	}
	if IdempotencyKey("MZ", a, nil) == IdempotencyKey("MZ", b, nil) {
		t.Fatal("distinct sequence numbers share a key")
	}

	raw1 := []byte(`{"event":"media","media":{"timestamp":"20","payload":"AAA="}}`)
	raw2 := []byte(`{"event":"media","media":{"timestamp":"40","payload":"AAA="}}`)
	e1, _ := ParseEvent(raw1)
	e2, _ := ParseEvent(raw2)
	k1 := IdempotencyKey("MZ", e1, raw1)
	if k1 != IdempotencyKey("MZ", e1, raw1) {
		t.Fatal("fallback key not stable")
	}
	if k1 == IdempotencyKey("MZ", e2, raw2) {
		t.Fatal("fallback key ignores content")
	}
}

func TestOutboundMessages(t *testing.T) {
	data, err := MediaMessage("MZ1", []byte{0xff, 0x7f})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"event":"media","streamSid":"MZ1","media":{"payload":"/38="}}` {
		t.Fatalf("media = %s", data)
	}
	data, _ = MarkMessage("MZ1", "call-ended")
	if string(data) != `{"event":"mark","streamSid":"MZ1","mark":{"name":"call-ended"}}` {
		t.Fatalf("mark = %s", data)
	}
}

func TestParseEventRejectsUntyped(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"streamSid":"MZ"}`)); err == nil {
		t.Fatal("expected error")
	}
}
