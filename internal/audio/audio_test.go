package audio

import (
	"errors"
	"math"
	"testing"
)

func TestUlawRoundTrip(t *testing.T) {
	for _, s := range []float32{0, 0.001, -0.001, 0.1, -0.25, 0.5, -0.75, 0.99, -1} {
		enc := EncodeUlaw([]float32{s})
		dec, err := Decode(enc, CodecUlaw)
		if err != nil {
			t.Fatal(err)
		}
		if diff := math.Abs(float64(dec[0] - s)); diff > 0.04 {
			t.Errorf("sample %v decoded as %v (diff %v)", s, dec[0], diff)
		}
	}
}

func TestParseCodec(t *testing.T) {
	cases := []struct {
		in   string
		want Codec
		ok   bool
	}{
		{"", CodecUlaw, true},
		{"audio/x-mulaw", CodecUlaw, true},
		{" Audio/X-ALAW", CodecAlaw, true},
		{"audio/l16", "", false},
	}
	for _, c := range cases {
		got, err := ParseCodec(c.in)
		if (err == nil) != c.ok || got != c.want {
			t.Errorf("ParseCodec(%q) = %q, %v", c.in, got, err)
		}
	}
	if _, err := Decode([]byte{0xff}, "audio/opus"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestUlawSilenceByte(t *testing.T) {
	if b := EncodeUlaw([]float32{0})[0]; b != 0xFF {
		t.Fatalf("silence encodes to %#x, want 0xff", b)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 0.25}
	out, rate, err := ParseWAV(SamplesToWAV(in, 22050))
	if err != nil {
		t.Fatal(err)
	}
	if rate != 22050 || len(out) != len(in) {
		t.Fatalf("rate=%d len=%d", rate, len(out))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1e-3 {
			t.Fatalf("sample %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestParseWAVRejectsGarbage(t *testing.T) {
	if _, _, err := ParseWAV([]byte("not audio at all")); !errors.Is(err, ErrNotWAV) {
		t.Fatalf("err = %v, want ErrNotWAV", err)
	}
}

func tone(n int, amp float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = amp * float32(math.Sin(float64(i)*0.3))
	}
	return s
}

func TestVADSegmentsByAudioTime(t *testing.T) {
	v := NewVAD(DefaultVADConfig())
	chunk := 320 // 20ms at 16kHz

	for range 25 { // 500ms speech
		if r := v.Process(tone(chunk, 0.5)); r.SpeechEnded {
			t.Fatal("segment ended during speech")
		}
	}
	var got VADResult
	for range 50 { // up to 1s silence
		if r := v.Process(make([]float32, chunk)); r.SpeechEnded {
			got = r
			break
		}
	}
	if !got.SpeechEnded || len(got.Audio) < 25*chunk {
		t.Fatalf("expected a completed segment, got ended=%v len=%d", got.SpeechEnded, len(got.Audio))
	}
	if v.InSpeech() {
		t.Fatal("VAD still in speech after segment end")
	}
}

func TestVADDropsShortBlips(t *testing.T) {
	v := NewVAD(DefaultVADConfig())
	v.Process(tone(320, 0.5)) // 20ms
	for range 60 {
		if r := v.Process(make([]float32, 320)); r.SpeechEnded {
			t.Fatal("blip shorter than MinSpeechDuration produced a segment")
		}
	}
}

func TestResample(t *testing.T) {
	in := tone(16000, 0.3) // 1s at 16 kHz
	out, err := Resample(in, 16000, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) < 7200 || len(out) > 8000 {
		t.Fatalf("len = %d, want about 8000", len(out))
	}
	same, err := Resample(in, 8000, 8000)
	if err != nil || len(same) != len(in) {
		t.Fatalf("equal rates: len=%d err=%v", len(same), err)
	}
}
