package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

// AudioFormat is the container/encoding a TTS backend returns.
type AudioFormat int

const (
	FormatWAV    AudioFormat = iota // 16-bit PCM WAV at any rate
	FormatUlaw8k                    // raw G.711 μ-law at 8 kHz
)

// TTSOptions holds per-call TTS tuning parameters.
type TTSOptions struct {
	Speed float64
	Voice string
}

// TTSAudio is one synthesized utterance.
type TTSAudio struct {
	Data   []byte
	Format AudioFormat
}

// TTSSynthesizer produces audio from text.
type TTSSynthesizer interface {
	SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) (TTSAudio, error)
}

// TTSRouter dispatches to the correct TTS backend based on engine name.
type TTSRouter struct {
	*Router[TTSSynthesizer]
}

// NewTTSRouter creates a router with registered TTS backends and a fallback default.
func NewTTSRouter(backends map[string]TTSSynthesizer, fallback string) *TTSRouter {
	return &TTSRouter{Router: NewRouter(backends, fallback)}
}

// Synthesize routes to the backend for engine and records latency metrics.
func (r *TTSRouter) Synthesize(ctx context.Context, text, engine string, opts TTSOptions) (TTSAudio, error) {
	start := time.Now()

	backend, err := r.Route(engine)
	if err != nil {
		return TTSAudio{}, err
	}

	out, err := backend.SynthesizeAudio(ctx, text, opts)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		return TTSAudio{}, err
	}

	metrics.StageDuration.WithLabelValues("tts_backend").Observe(time.Since(start).Seconds())
	return out, nil
}

// --- Piper backend (local neural TTS via piper-tts, returns WAV) ---

type piperSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewPiperSynthesizer(url, voice string, client *http.Client) TTSSynthesizer {
	return &piperSynthesizer{url: url, voice: voice, client: client}
}

func (p *piperSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) (TTSAudio, error) {
	voice := p.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body := struct {
		Text  string `json:"text"`
		Voice string `json:"voice"`
	}{Text: text, Voice: voice}

	data, err := readTTS(doJSON(ctx, p.client, http.MethodPost, p.url+"/synthesize", body, nil))
	if err != nil {
		return TTSAudio{}, fmt.Errorf("piper: %w", err)
	}
	return TTSAudio{Data: data, Format: FormatWAV}, nil
}

// --- OpenAI-compatible backend (Kokoro, OpenAI, any server exposing /v1/audio/speech) ---

type openaiSynthesizer struct {
	url    string
	model  string
	voice  string
	apiKey string
	client *http.Client
}

func NewOpenAISynthesizer(url, model, voice, apiKey string, client *http.Client) TTSSynthesizer {
	return &openaiSynthesizer{url: url, model: model, voice: voice, apiKey: apiKey, client: client}
}

func (o *openaiSynthesizer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) (TTSAudio, error) {
	voice := o.voice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	body := struct {
		Input          string  `json:"input"`
		Model          string  `json:"model"`
		Voice          string  `json:"voice"`
		Speed          float64 `json:"speed,omitempty"`
		ResponseFormat string  `json:"response_format"`
	}{Input: text, Model: o.model, Voice: voice, Speed: opts.Speed, ResponseFormat: "wav"}

	var header http.Header
	if o.apiKey != "" {
		header = http.Header{"Authorization": {"Bearer " + o.apiKey}}
	}
	data, err := readTTS(doJSON(ctx, o.client, http.MethodPost, o.url+"/v1/audio/speech", body, header))
	if err != nil {
		return TTSAudio{}, fmt.Errorf("openai tts: %w", err)
	}
	return TTSAudio{Data: data, Format: FormatWAV}, nil
}

// --- ElevenLabs backend (cloud API; asks for telephony μ-law directly) ---

type elevenlabsSynthesizer struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client) TTSSynthesizer {
	return &elevenlabsSynthesizer{
		baseURL: "https://api.elevenlabs.io",
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: modelID,
		client:  client,
	}
}

func (e *elevenlabsSynthesizer) SynthesizeAudio(ctx context.Context, text string, _ TTSOptions) (TTSAudio, error) {
	body := struct {
		Text    string `json:"text"`
		ModelID string `json:"model_id"`
	}{Text: text, ModelID: e.modelID}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=ulaw_8000", e.baseURL, url.PathEscape(e.voiceID))
	header := http.Header{"xi-api-key": {e.apiKey}, "Accept": {"audio/basic"}}
	data, err := readTTS(doJSON(ctx, e.client, http.MethodPost, endpoint, body, header))
	if err != nil {
		return TTSAudio{}, fmt.Errorf("elevenlabs: %w", err)
	}
	return TTSAudio{Data: data, Format: FormatUlaw8k}, nil
}

func readTTS(resp *http.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
