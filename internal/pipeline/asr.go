package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/audio"
	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

// ASRSampleRate is the rate whisper expects.
const ASRSampleRate = 16000

// ASRTranscriber produces transcriptions from 16 kHz mono samples.
type ASRTranscriber interface {
	Transcribe(ctx context.Context, samples []float32) (*ASRResult, error)
}

// ASRResult holds the transcription output.
type ASRResult struct {
	Text      string  `json:"text"`
	LatencyMs float64 `json:"latency_ms"`
}

// WhisperClient sends audio as multipart WAV to a whisper.cpp compatible /inference endpoint.
type WhisperClient struct {
	url      string
	endpoint string
	prompt   string
	client   *http.Client
}

// NewWhisperClient creates a whisper.cpp client. prompt biases decoding toward the call vocabulary.
func NewWhisperClient(url, prompt string, poolSize int) *WhisperClient {
	return &WhisperClient{
		url:      url,
		endpoint: "/inference",
		prompt:   prompt,
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// Warmup sends a tiny silent clip to verify the server is responsive.
func (c *WhisperClient) Warmup(ctx context.Context) error {
	_, err := c.post(ctx, make([]float32, ASRSampleRate))
	if err != nil {
		return fmt.Errorf("whisper warmup: %w", err)
	}
	return nil
}

// Transcribe returns the transcript for one speech segment.
func (c *WhisperClient) Transcribe(ctx context.Context, samples []float32) (*ASRResult, error) {
	start := time.Now()

	result, err := c.post(ctx, samples)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())

	return &ASRResult{
		Text:      strings.TrimSpace(result.Text),
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

func (c *WhisperClient) post(ctx context.Context, samples []float32) (*whisperResponse, error) {
	body, contentType, err := buildMultipartAudio(samples, c.prompt)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "http").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.Errors.WithLabelValues("asr", "status").Inc()
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var result whisperResponse
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

type whisperResponse struct {
	Text string `json:"text"`
}

func buildMultipartAudio(samples []float32, prompt string) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, ASRSampleRate)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}
	if err = writer.WriteField("response_format", "json"); err != nil {
		return nil, "", fmt.Errorf("write field: %w", err)
	}
	if prompt != "" {
		if err = writer.WriteField("prompt", prompt); err != nil {
			return nil, "", fmt.Errorf("write field: %w", err)
		}
	}
	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}

// noisePatterns are common ASR hallucinations from background noise.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "sneeze": true, "laughter": true,
	"you": true, "the": true, "a": true, "um": true, "uh": true,
	"hmm": true, "ah": true, "oh": true, "mhm": true,
}

// isNoiseTranscript reports whether ASR output is likely background noise
// rather than speech: bracketed annotations like [BLANK_AUDIO] or *static*,
// or a lone filler word.
func isNoiseTranscript(text string) bool {
	text = strings.TrimSpace(text)
	for _, pair := range [][2]string{{"*", "*"}, {"[", "]"}, {"(", ")"}} {
		if strings.HasPrefix(text, pair[0]) && strings.HasSuffix(text, pair[1]) {
			return true
		}
	}
	lower := strings.Trim(strings.ToLower(text), ".!?, ")
	return noisePatterns[lower]
}
