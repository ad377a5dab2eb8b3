package pipeline

import (
	"context"
	"fmt"

	"github.com/hubenschmidt/patient-followup/gateway/internal/audio"
	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

const (
	// TelephonyRate is the sample rate of the transport's μ-law stream.
	TelephonyRate = audio.TelephonyRate
	// FrameBytes is 20ms of 8 kHz μ-law.
	FrameBytes = 160

	ulawSilence = 0xFF
)

// FrameSynthesizer renders text to transport-ready μ-law frames, one sentence at a time.
type FrameSynthesizer struct {
	tts    *TTSRouter
	engine string
	opts   TTSOptions
}

// NewFrameSynthesizer binds a TTS router to a fixed engine and voice.
func NewFrameSynthesizer(tts *TTSRouter, engine string, opts TTSOptions) *FrameSynthesizer {
	return &FrameSynthesizer{tts: tts, engine: engine, opts: opts}
}

// Synthesize emits frames in playback order. Frames from earlier sentences are
// emitted before later sentences are synthesized.
func (s *FrameSynthesizer) Synthesize(ctx context.Context, text string, emit func(frame []byte)) error {
	for _, sentence := range splitSentences(text) {
		out, err := s.tts.Synthesize(ctx, sentence, s.engine, s.opts)
		if err != nil {
			return fmt.Errorf("synthesize: %w", err)
		}
		ulaw, err := toTelephony(out)
		if err != nil {
			metrics.Errors.WithLabelValues("tts", "decode").Inc()
			return fmt.Errorf("convert tts audio: %w", err)
		}
		for _, f := range chunkFrames(ulaw, FrameBytes) {
			emit(f)
		}
	}
	return nil
}

// toTelephony converts backend output to 8 kHz μ-law.
func toTelephony(a TTSAudio) ([]byte, error) {
	if a.Format == FormatUlaw8k {
		return a.Data, nil
	}
	samples, rate, err := audio.ParseWAV(a.Data)
	if err != nil {
		return nil, err
	}
	samples, err = audio.Resample(samples, rate, TelephonyRate)
	if err != nil {
		return nil, err
	}
	return audio.EncodeUlaw(samples), nil
}

// chunkFrames splits data into fixed-size frames, padding the last with μ-law silence.
func chunkFrames(data []byte, size int) [][]byte {
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		f := make([]byte, size)
		n := copy(f, data[off:])
		for i := n; i < size; i++ {
			f[i] = ulawSilence
		}
		frames = append(frames, f)
	}
	return frames
}

// TelephonyFrames converts a WAV clip to transport-ready μ-law frames.
func TelephonyFrames(wav []byte) ([][]byte, error) {
	ulaw, err := toTelephony(TTSAudio{Data: wav, Format: FormatWAV})
	if err != nil {
		return nil, err
	}
	return chunkFrames(ulaw, FrameBytes), nil
}

// SilenceFrame returns one frame of μ-law silence.
func SilenceFrame() []byte {
	return chunkFrames([]byte{ulawSilence}, FrameBytes)[0]
}
