package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/audio"
	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

// RecognizerConfig tunes segmentation of the inbound stream.
type RecognizerConfig struct {
	VAD audio.VADConfig
	// NoSpeechTimeout is how much inbound audio without speech yields an empty utterance.
	NoSpeechTimeout time.Duration
	// Backlog bounds the number of inbound frames waiting to be processed.
	Backlog int
}

// DefaultRecognizerConfig returns settings for 8 kHz telephone audio.
func DefaultRecognizerConfig() RecognizerConfig {
	vad := audio.DefaultVADConfig()
	vad.SampleRate = TelephonyRate
	return RecognizerConfig{VAD: vad, NoSpeechTimeout: 8 * time.Second, Backlog: 512}
}

// Recognizer turns a stream of inbound μ-law frames into finalized utterances.
// Speech is segmented with an energy VAD and each segment is transcribed in order.
// An empty string is emitted after NoSpeechTimeout of audio without speech.
type Recognizer struct {
	asr ASRTranscriber
	cfg RecognizerConfig
	vad *audio.VAD
	log *slog.Logger

	in   chan []byte
	out  chan string
	done chan struct{}
	stop sync.Once

	mu          sync.Mutex
	resumeGrace *time.Duration
	paused      bool
	codec       audio.Codec

	quiet    int // samples without speech since the last emission
	noSpeech int
}

// NewRecognizer creates a recognizer for one call. Run must be started for it to make progress.
func NewRecognizer(asr ASRTranscriber, cfg RecognizerConfig, conversationID string) *Recognizer {
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD.SampleRate = TelephonyRate
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 512
	}
	return &Recognizer{
		asr:      asr,
		cfg:      cfg,
		vad:      audio.NewVAD(cfg.VAD),
		log:      slog.With("conversation_id", conversationID),
		in:       make(chan []byte, cfg.Backlog),
		out:      make(chan string, 16),
		done:     make(chan struct{}),
		codec:    audio.CodecUlaw,
		noSpeech: int(cfg.NoSpeechTimeout.Seconds() * float64(cfg.VAD.SampleRate)),
	}
}

// Feed queues one inbound μ-law frame without blocking. It reports false if the
// frame was dropped because the recognizer is closed or backlogged.
func (r *Recognizer) Feed(frame []byte) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.in <- frame:
		return true
	default:
		metrics.Errors.WithLabelValues("asr", "backlog").Inc()
		return false
	}
}

// Utterances delivers finalized utterances in input order. Closed when Run returns.
func (r *Recognizer) Utterances() <-chan string { return r.out }

// Pause stops the no-speech clock until the next Resume. Speech is still
// segmented and transcribed while paused.
func (r *Recognizer) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume restarts the no-speech clock, granting grace of extra audio time
// (typically the assistant's remaining playback) before silence is counted.
func (r *Recognizer) Resume(grace time.Duration) {
	r.mu.Lock()
	r.resumeGrace = &grace
	r.paused = false
	r.mu.Unlock()
}

// SetCodec switches the payload encoding for frames processed from now on.
func (r *Recognizer) SetCodec(c audio.Codec) {
	r.mu.Lock()
	r.codec = c
	r.mu.Unlock()
}

// Close stops the recognizer. Pending frames are discarded.
func (r *Recognizer) Close() {
	r.stop.Do(func() { close(r.done) })
}

// Run processes frames until ctx is cancelled or Close is called.
func (r *Recognizer) Run(ctx context.Context) error {
	defer close(r.out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		case frame := <-r.in:
			if !r.process(ctx, frame) {
				return ctx.Err()
			}
		}
	}
}

// process handles one frame and reports false if emitting was interrupted.
func (r *Recognizer) process(ctx context.Context, frame []byte) bool {
	codec, paused := r.applyResume()

	samples, err := audio.Decode(frame, codec)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "decode").Inc()
		return true
	}
	res := r.vad.Process(samples)
	if res.SpeechEnded {
		metrics.SpeechSegments.Inc()
		return r.transcribe(ctx, res.Audio)
	}
	if r.vad.InSpeech() || paused {
		return true
	}

	r.quiet += len(samples)
	if r.noSpeech > 0 && r.quiet >= r.noSpeech {
		r.log.Info("no speech timeout")
		return r.emit(ctx, "")
	}
	return true
}

func (r *Recognizer) transcribe(ctx context.Context, segment []float32) bool {
	upsampled, err := audio.Resample(segment, TelephonyRate, ASRSampleRate)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "resample").Inc()
		r.log.Warn("resample failed", "error", err)
		return r.emit(ctx, "")
	}
	result, err := r.asr.Transcribe(ctx, upsampled)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		// Heard something but could not make it out; treat as unintelligible.
		r.log.Warn("asr failed", "error", err)
		return r.emit(ctx, "")
	}
	if isNoiseTranscript(result.Text) {
		metrics.ASRNoiseFiltered.Inc()
		return true
	}
	r.log.Info("utterance", "text", result.Text, "asr_ms", result.LatencyMs)
	return r.emit(ctx, result.Text)
}

func (r *Recognizer) emit(ctx context.Context, text string) bool {
	r.quiet = 0
	select {
	case r.out <- text:
		return true
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	}
}

// applyResume consumes a pending Resume and returns the current codec and
// whether the no-speech clock is paused.
func (r *Recognizer) applyResume() (audio.Codec, bool) {
	r.mu.Lock()
	grace := r.resumeGrace
	r.resumeGrace = nil
	codec, paused := r.codec, r.paused
	r.mu.Unlock()
	if grace != nil {
		r.quiet = -int(grace.Seconds() * float64(r.cfg.VAD.SampleRate))
	}
	if paused {
		r.quiet = 0
	}
	return codec, paused
}
