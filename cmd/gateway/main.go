package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/conversation"
	"github.com/hubenschmidt/patient-followup/gateway/internal/finalize"
	"github.com/hubenschmidt/patient-followup/gateway/internal/health"
	"github.com/hubenschmidt/patient-followup/gateway/internal/notify"
	"github.com/hubenschmidt/patient-followup/gateway/internal/pipeline"
	"github.com/hubenschmidt/patient-followup/gateway/internal/registry"
	"github.com/hubenschmidt/patient-followup/gateway/internal/store"
	"github.com/hubenschmidt/patient-followup/gateway/internal/ws"
)

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// Reasoning backends
	llmRouter, err := buildLLMRouter(initCtx, cfg)
	if err != nil {
		slog.Error("llm setup failed", "error", err)
		os.Exit(1)
	}
	llm, err := llmRouter.Route(cfg.llmEngine)
	if err != nil {
		slog.Error("llm engine", "error", err)
		os.Exit(1)
	}

	// Speech
	whisper := pipeline.NewWhisperClient(cfg.whisperServerURL, cfg.whisperPrompt, cfg.asrPoolSize)
	ttsHTTP := pipeline.NewPooledHTTPClient(cfg.ttsPoolSize, 30*time.Second)
	ttsRouter := buildTTSRouter(cfg, ttsHTTP)
	synth := pipeline.NewFrameSynthesizer(ttsRouter, cfg.ttsEngine, pipeline.TTSOptions{})

	recCfg := pipeline.DefaultRecognizerConfig()
	recCfg.VAD = cfg.vadConfig
	recCfg.VAD.SampleRate = pipeline.TelephonyRate
	recCfg.NoSpeechTimeout = cfg.noSpeechTimeout

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := whisper.Warmup(ctx); err != nil {
			slog.Warn("whisper warmup", "error", err)
		}
	}()

	lexicon := conversation.DefaultLexicon()
	if cfg.lexiconFile != "" {
		if lexicon, err = conversation.LoadLexicon(cfg.lexiconFile); err != nil {
			slog.Error("lexicon", "file", cfg.lexiconFile, "error", err)
			os.Exit(1)
		}
		slog.Info("lexicon loaded", "file", cfg.lexiconFile)
	}

	reg := registry.New(registry.WithEventBound(cfg.idempotencyHigh, cfg.idempotencyTrimTo))

	probes := []health.Probe{
		{Name: "whisper-server", Category: "stt", Required: true, Check: health.HTTPCheck(nil, cfg.whisperServerURL+"/health")},
	}
	if cfg.ttsEngine == "piper" {
		probes = append(probes, health.Probe{Name: "piper", Category: "tts", Required: true, Check: health.HTTPCheck(nil, cfg.piperURL+"/health")})
	}

	callCfg := ws.CallConfig{
		Registry: reg,
		Reasoner: llm,
		Synth:    synth,
		NewRecognizer: func(conversationID string) ws.Recognizer {
			return pipeline.NewRecognizer(whisper, recCfg, conversationID)
		},
		Lexicon:       lexicon,
		AssistantName: cfg.assistantName,
		ReplyTimeout:  cfg.llmReplyTimeout,
		MaxSilences:   cfg.maxSilences,
		DrainTimeout:  cfg.drainTimeout,
	}
	finCfg := finalize.Config{
		Analyzer:  finalize.NewLLMTriage(llm, cfg.triageTimeout),
		Notifier:  buildNotifier(cfg),
		Registry:  reg,
		Recipient: cfg.doctorAlertAddress,
		Timeout:   cfg.finalizeTimeout,
	}

	// Persistence
	var checkpoints *store.Checkpointer
	if cfg.databaseURL != "" {
		st, err := store.Open(initCtx, cfg.databaseURL)
		if err != nil {
			slog.Error("store open failed", "error", err)
			os.Exit(1)
		}
		defer st.Close()
		checkpoints = store.NewCheckpointer(st, 256)
		callCfg.Consultations = st
		callCfg.Checkpoints = checkpoints
		finCfg.Persister = st
		probes = append(probes, health.Probe{Name: "postgres", Category: "db", Required: true, Check: st.Ping})
		slog.Info("store enabled")
	}

	// Knowledge base and call history
	if cfg.qdrantURL != "" {
		embedder := pipeline.NewEmbeddingClient(cfg.ollamaURL, cfg.embeddingModel, cfg.qdrantPoolSize)
		qdrant := pipeline.NewQdrantClient(cfg.qdrantURL, cfg.qdrantPoolSize)
		for _, coll := range []string{pipeline.KnowledgeCollection, pipeline.CallHistoryCollection} {
			if err := qdrant.EnsureCollection(initCtx, coll, cfg.vectorSize); err != nil {
				slog.Warn("qdrant collection", "collection", coll, "error", err)
			}
		}
		callCfg.Knowledge = pipeline.NewRAGClient(pipeline.RAGConfig{
			Embedder:       embedder,
			Qdrant:         qdrant,
			TopK:           cfg.ragTopK,
			ScoreThreshold: cfg.ragScoreThreshold,
		})
		finCfg.Archiver = pipeline.NewCallHistoryClient(embedder, qdrant, pipeline.CallHistoryCollection)
		probes = append(probes, health.Probe{Name: "qdrant", Category: "vector", Check: health.HTTPCheck(nil, cfg.qdrantURL+"/readyz")})
		slog.Info("rag enabled", "qdrant", cfg.qdrantURL, "embedding_model", cfg.embeddingModel)
	}

	callCfg.Finalizer = finalize.New(finCfg)

	baseCtx, cancelCalls := context.WithCancel(context.Background())
	handler := ws.NewHandler(ws.HandlerConfig{
		Call:          callCfg,
		MaxConcurrent: cfg.maxConcurrentCalls,
		BaseContext:   baseCtx,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		publicHost: cfg.publicHost,
		wsHandler:  handler,
		health:     health.NewChecker(3*time.Second, probes...),
		registry:   reg,
		llmRouter:  llmRouter,
		ttsClient:  ttsRouter,
		ttsEngine:  cfg.ttsEngine,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}

		// Hijacked stream connections are not covered by Shutdown. Live calls
		// get until shutdownGrace to say goodbye before they are cut off.
		graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.shutdownGrace)
		defer cancelGrace()
		if err := handler.Drain(graceCtx); err != nil {
			slog.Warn("calls still running at shutdown, hanging up", "error", err)
		}
		cancelCalls()
	}()

	slog.Info("gateway starting",
		"addr", addr,
		"max_concurrent", cfg.maxConcurrentCalls,
		"llm_engine", cfg.llmEngine,
		"tts_engine", cfg.ttsEngine,
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	handler.Wait()
	checkpoints.Close()
	cancelCalls()

	slog.Info("gateway stopped")
}

func buildLLMRouter(ctx context.Context, cfg config) (*pipeline.LLMRouter, error) {
	backends := map[string]pipeline.LLMBackend{}
	if cfg.geminiAPIKey != "" || cfg.googleProject != "" {
		g, err := pipeline.NewGeminiLLM(ctx, pipeline.GeminiConfig{
			APIKey:    cfg.geminiAPIKey,
			Project:   cfg.googleProject,
			Location:  cfg.gcpLocation,
			Model:     cfg.geminiModel,
			MaxTokens: cfg.llmMaxTokens,
		})
		if err != nil {
			return nil, err
		}
		backends["gemini"] = g
	}
	if cfg.openaiBaseURL != "" {
		backends["openai"] = pipeline.NewAgentLLM(cfg.openaiBaseURL, cfg.openaiAPIKey, cfg.openaiModel, cfg.llmMaxTokens)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no llm backend configured")
	}
	return pipeline.NewLLMRouter(backends, cfg.llmEngine), nil
}

func buildTTSRouter(cfg config, client *http.Client) *pipeline.TTSRouter {
	backends := map[string]pipeline.TTSSynthesizer{
		"piper": pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.piperVoice, client),
	}
	if cfg.kokoroURL != "" {
		backends["kokoro"] = pipeline.NewOpenAISynthesizer(cfg.kokoroURL, "kokoro", "af_heart", "", client)
	}
	if cfg.elevenlabsAPIKey != "" {
		backends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, client)
	}
	return pipeline.NewTTSRouter(backends, "piper")
}

func buildNotifier(cfg config) finalize.Notifier {
	n := notify.Multi{notify.LogNotifier{}}
	if cfg.slackToken != "" && cfg.slackChannel != "" {
		n = append(n, &notify.Slack{Token: cfg.slackToken, Channel: cfg.slackChannel})
		slog.Info("slack alerts enabled", "channel", cfg.slackChannel)
	}
	return n
}
