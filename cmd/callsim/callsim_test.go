package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/pipeline"
	"github.com/hubenschmidt/patient-followup/gateway/internal/ws"
)

func TestPercentile(t *testing.T) {
	data := []float64{50, 10, 40, 20, 30}
	if got := percentile(data, 50); got != 30 {
		t.Errorf("p50 = %v", got)
	}
	if got := percentile(data, 99); got != 50 {
		t.Errorf("p99 = %v", got)
	}
	if got := percentile(data, 0); got != 10 {
		t.Errorf("p0 = %v", got)
	}
	if data[0] != 50 {
		t.Error("percentile reordered its input")
	}
	if percentile(nil, 50) != 0 {
		t.Error("empty input")
	}
}

func TestMediaEventRoundTripsThroughGatewayParser(t *testing.T) {
	frame := bytes.Repeat([]byte{0x7f}, pipeline.FrameBytes)
	data, err := json.Marshal(mediaEvent(7, "MZ1", 3, frame))
	if err != nil {
		t.Fatal(err)
	}
	ev, err := ws.ParseEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Handle() != "MZ1" || ev.Media.Timestamp != "40" {
		t.Fatalf("event = %+v", ev)
	}
	got, err := ev.Audio()
	if err != nil || !bytes.Equal(got, frame) {
		t.Fatalf("audio mismatch: %v", err)
	}
	if k := ws.IdempotencyKey("MZ1", ev, data); k != "MZ1:media:7" {
		t.Fatalf("key = %s", k)
	}
}

func TestStartEvent(t *testing.T) {
	ev := startEvent(1, "MZabc")
	if ev.Handle() != "MZabc" || ev.Start.CallSid != "CAabc" {
		t.Fatalf("start = %+v", ev.Start)
	}
	if ev.Start.MediaFormat.SampleRate != pipeline.TelephonyRate {
		t.Fatalf("rate = %d", ev.Start.MediaFormat.SampleRate)
	}
}

func TestStreamSidUnique(t *testing.T) {
	a, b := streamSid(), streamSid()
	if a == b || !strings.HasPrefix(a, "MZ") || len(a) != 34 {
		t.Fatalf("sids %q %q", a, b)
	}
}

func TestGreetingPlayed(t *testing.T) {
	start := time.Unix(0, 0)
	lastOut := start.Add(100 * time.Millisecond)
	// 100 frames is 2s of audio; a quiet gap alone is not enough.
	if greetingPlayed(start.Add(time.Second), start, lastOut, 100) {
		t.Error("greeting should still be playing")
	}
	if !greetingPlayed(start.Add(2*time.Second), start, lastOut, 100) {
		t.Error("greeting should be over")
	}
	if greetingPlayed(lastOut.Add(100*time.Millisecond), start, lastOut, 1) {
		t.Error("outbound audio still arriving")
	}
}

func TestLoadSpeechSynthetic(t *testing.T) {
	frames, err := loadSpeech("")
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 75 {
		t.Fatalf("frames = %d, want 75", len(frames))
	}
	for _, f := range frames {
		if len(f) != pipeline.FrameBytes {
			t.Fatalf("frame size %d", len(f))
		}
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, []callResult{
		{success: true, greetingMs: 800, replyMs: 1200, sent: 100, duplicates: 10},
		{err: "dial", sent: 0},
	})
	out := buf.String()
	for _, want := range []string{"Calls completed:   1", "Calls failed:      1", "(10 redelivered)", "Greeting", "Reply"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
