package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/audio"
	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
	"github.com/hubenschmidt/patient-followup/gateway/internal/env"
	"github.com/hubenschmidt/patient-followup/gateway/internal/prompts"
)

type config struct {
	port       string
	publicHost string
	logLevel   slog.Level

	databaseURL string

	llmEngine       string
	geminiAPIKey    string
	googleProject   string
	gcpLocation     string
	geminiModel     string
	openaiBaseURL   string
	openaiAPIKey    string
	openaiModel     string
	llmMaxTokens    int
	llmReplyTimeout time.Duration
	triageTimeout   time.Duration

	whisperServerURL string
	whisperPrompt    string
	asrPoolSize      int
	vadConfig        audio.VADConfig
	noSpeechTimeout  time.Duration

	ttsEngine         string
	ttsPoolSize       int
	piperURL          string
	piperVoice        string
	kokoroURL         string
	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string

	qdrantURL         string
	qdrantPoolSize    int
	ollamaURL         string
	embeddingModel    string
	vectorSize        int
	ragTopK           int
	ragScoreThreshold float64

	maxConcurrentCalls int
	maxSilences        int
	idempotencyHigh    int
	idempotencyTrimTo  int
	drainTimeout       time.Duration
	shutdownGrace      time.Duration
	finalizeTimeout    time.Duration
	assistantName      string
	lexiconFile        string

	slackToken         string
	slackChannel       string
	doctorAlertAddress string
}

func loadConfig() config {
	vad := audio.DefaultVADConfig()
	vad.SpeechThresholdDB = env.Float("VAD_SPEECH_THRESHOLD_DB", vad.SpeechThresholdDB)
	vad.SilenceTimeout = env.Duration("VAD_SILENCE_TIMEOUT", vad.SilenceTimeout)

	return config{
		port:       env.Str("GATEWAY_PORT", "8000"),
		publicHost: env.Str("PUBLIC_HOST", "localhost:8000"),
		logLevel:   parseLevel(env.Str("LOG_LEVEL", "info")),

		databaseURL: env.Str("DATABASE_URL", ""),

		llmEngine:       env.Str("LLM_ENGINE", "gemini"),
		geminiAPIKey:    env.Str("GEMINI_API_KEY", ""),
		googleProject:   env.Str("GOOGLE_PROJECT_ID", ""),
		gcpLocation:     env.Str("GCP_LOCATION", "us-central1"),
		geminiModel:     env.Str("GEMINI_MODEL", "gemini-2.5-flash"),
		openaiBaseURL:   env.Str("OPENAI_BASE_URL", "http://localhost:11434/v1"),
		openaiAPIKey:    env.Str("OPENAI_API_KEY", ""),
		openaiModel:     env.Str("OPENAI_MODEL", "llama3.2:3b"),
		llmMaxTokens:    env.Int("LLM_MAX_TOKENS", 256),
		llmReplyTimeout: env.Duration("LLM_REPLY_TIMEOUT", conversation.DefaultReplyTimeout),
		triageTimeout:   env.Duration("TRIAGE_TIMEOUT", 60*time.Second),

		whisperServerURL: env.Str("WHISPER_SERVER_URL", "http://localhost:8080"),
		whisperPrompt:    env.Str("WHISPER_PROMPT", "A patient talking to a clinic nurse about how they feel after a visit."),
		asrPoolSize:      env.Int("ASR_POOL_SIZE", 50),
		vadConfig:        vad,
		noSpeechTimeout:  env.Duration("NO_SPEECH_TIMEOUT", 8*time.Second),

		ttsEngine:         env.Str("TTS_ENGINE", "piper"),
		ttsPoolSize:       env.Int("TTS_POOL_SIZE", 50),
		piperURL:          env.Str("PIPER_URL", "http://localhost:5100"),
		piperVoice:        env.Str("PIPER_VOICE", "en_US-lessac-medium"),
		kokoroURL:         env.Str("KOKORO_URL", ""),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsVoiceID: env.Str("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),

		qdrantURL:         env.Str("QDRANT_URL", ""),
		qdrantPoolSize:    env.Int("QDRANT_POOL_SIZE", 10),
		ollamaURL:         env.Str("OLLAMA_URL", "http://localhost:11434"),
		embeddingModel:    env.Str("EMBEDDING_MODEL", "nomic-embed-text"),
		vectorSize:        env.Int("VECTOR_SIZE", 768),
		ragTopK:           env.Int("RAG_TOP_K", 3),
		ragScoreThreshold: env.Float("RAG_SCORE_THRESHOLD", 0.6),

		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		maxSilences:        env.Int("MAX_SILENCES", conversation.DefaultMaxSilences),
		idempotencyHigh:    env.Int("IDEMPOTENCY_HIGH_WATER", 5000),
		idempotencyTrimTo:  env.Int("IDEMPOTENCY_TRIM_TO", 3000),
		drainTimeout:       env.Duration("DRAIN_TIMEOUT", 10*time.Second),
		shutdownGrace:      env.Duration("SHUTDOWN_GRACE", 2*time.Minute),
		finalizeTimeout:    env.Duration("FINALIZE_TIMEOUT", 90*time.Second),
		assistantName:      env.Str("ASSISTANT_NAME", prompts.DefaultAssistantName),
		lexiconFile:        env.Str("LEXICON_FILE", ""),

		slackToken:         env.Str("SLACK_TOKEN", ""),
		slackChannel:       env.Str("SLACK_CHANNEL", ""),
		doctorAlertAddress: env.Str("DOCTOR_ALERT_ADDRESS", "on-call@clinic.example"),
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
