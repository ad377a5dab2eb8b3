package audio

import (
	"math"
	"time"
)

// VADConfig controls voice activity detection behavior.
type VADConfig struct {
	SpeechThresholdDB float64
	SilenceTimeout    time.Duration
	MinSpeechDuration time.Duration
	PreSpeechBuffer   time.Duration
	SampleRate        int
}

// DefaultVADConfig returns defaults for telephone speech.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB: -35,
		SilenceTimeout:    800 * time.Millisecond,
		MinSpeechDuration: 300 * time.Millisecond,
		PreSpeechBuffer:   300 * time.Millisecond,
		SampleRate:        16000,
	}
}

// VAD implements energy-based voice activity detection.
// Durations are measured in audio time (sample counts), so bursty frame delivery
// from the transport does not distort segment boundaries.
type VAD struct {
	cfg            VADConfig
	isSpeech       bool
	speechSamples  int
	silenceSamples int
	buffer         []float32
	preSpeech      []float32
	preSpeechLen   int
	silenceLimit   int
	minSpeech      int
}

// NewVAD creates a VAD with the given config.
func NewVAD(cfg VADConfig) *VAD {
	return &VAD{
		cfg:          cfg,
		preSpeechLen: cfg.samples(cfg.PreSpeechBuffer),
		preSpeech:    make([]float32, 0, cfg.samples(cfg.PreSpeechBuffer)),
		silenceLimit: cfg.samples(cfg.SilenceTimeout),
		minSpeech:    cfg.samples(cfg.MinSpeechDuration),
	}
}

func (c VADConfig) samples(d time.Duration) int {
	return int(d.Seconds() * float64(c.SampleRate))
}

// VADResult holds the output of processing an audio chunk.
type VADResult struct {
	SpeechEnded bool
	Audio       []float32
}

// Process feeds an audio chunk into the VAD and returns completed speech segments.
func (v *VAD) Process(samples []float32) VADResult {
	if computeEnergyDB(samples) >= v.cfg.SpeechThresholdDB {
		return v.handleSpeech(samples)
	}
	return v.handleSilence(samples)
}

// InSpeech reports whether a segment is currently open.
func (v *VAD) InSpeech() bool { return v.isSpeech }

func (v *VAD) handleSpeech(samples []float32) VADResult {
	if !v.isSpeech {
		v.isSpeech = true
		v.speechSamples = 0
		v.buffer = append(v.buffer, v.preSpeech...)
	}
	v.speechSamples += len(samples)
	v.silenceSamples = 0
	v.buffer = append(v.buffer, samples...)
	v.preSpeech = v.preSpeech[:0]
	return VADResult{}
}

func (v *VAD) handleSilence(samples []float32) VADResult {
	if !v.isSpeech {
		v.updatePreSpeech(samples)
		return VADResult{}
	}

	v.buffer = append(v.buffer, samples...)
	v.silenceSamples += len(samples)
	if v.silenceSamples < v.silenceLimit {
		return VADResult{}
	}

	v.isSpeech = false
	v.silenceSamples = 0
	if v.speechSamples < v.minSpeech {
		v.buffer = v.buffer[:0]
		return VADResult{}
	}

	audio := v.buffer
	v.buffer = nil
	return VADResult{SpeechEnded: true, Audio: audio}
}

func (v *VAD) updatePreSpeech(samples []float32) {
	v.preSpeech = append(v.preSpeech, samples...)
	if len(v.preSpeech) > v.preSpeechLen {
		excess := len(v.preSpeech) - v.preSpeechLen
		v.preSpeech = v.preSpeech[excess:]
	}
}

// Flush returns any buffered speech audio and resets the VAD.
func (v *VAD) Flush() []float32 {
	v.isSpeech = false
	v.silenceSamples = 0
	if len(v.buffer) == 0 || v.speechSamples < v.minSpeech {
		v.buffer = nil
		return nil
	}
	audio := v.buffer
	v.buffer = nil
	return audio
}

func computeEnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
