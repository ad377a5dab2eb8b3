package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/patient-followup/gateway/internal/health"
	"github.com/hubenschmidt/patient-followup/gateway/internal/pipeline"
	"github.com/hubenschmidt/patient-followup/gateway/internal/registry"
	"github.com/hubenschmidt/patient-followup/gateway/internal/ws"
)

type deps struct {
	publicHost string
	wsHandler  http.Handler
	health     *health.Checker
	registry   *registry.Registry
	llmRouter  *pipeline.LLMRouter
	ttsClient  *pipeline.TTSRouter
	ttsEngine  string
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("POST /twilio/twiml", ws.TwiMLHandler(d.publicHost))
	mux.Handle("GET /twilio/stream/{consultation_id}", d.wsHandler)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("GET /ready", d.health)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/engines", d.handleEngines)
	mux.HandleFunc("POST /api/tts/warmup", d.handleTTSWarmup)
	mux.HandleFunc("GET /api/calls/{conversation_id}", d.handleCall)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (d deps) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"llm": map[string]any{"engines": d.llmRouter.Engines()},
		"tts": map[string]any{"engines": d.ttsClient.Engines(), "active": d.ttsEngine},
		"services": d.health.Names(),
	})
}

func (d deps) handleTTSWarmup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Engine string `json:"engine"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Engine == "" {
		req.Engine = d.ttsEngine
	}
	if !d.ttsClient.Has(req.Engine) {
		http.Error(w, "engine not available", http.StatusNotFound)
		return
	}
	slog.Info("warming up tts engine", "engine", req.Engine)
	if _, err := d.ttsClient.Synthesize(r.Context(), "Hello.", req.Engine, pipeline.TTSOptions{}); err != nil {
		slog.Error("tts warmup", "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "engine": req.Engine})
}

type callView struct {
	ConversationID string    `json:"conversation_id"`
	ConsultationID string    `json:"consultation_id"`
	StreamHandle   string    `json:"stream_sid,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	Active         bool      `json:"active"`
	Transcript     string    `json:"transcript"`
}

func (d deps) handleCall(w http.ResponseWriter, r *http.Request) {
	s, ok := d.registry.Get(r.PathValue("conversation_id"))
	if !ok {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, callView{
		ConversationID: s.ConversationID,
		ConsultationID: s.ConsultationID,
		StreamHandle:   s.StreamHandle,
		StartedAt:      s.StartedAt,
		Active:         s.Active,
		Transcript:     s.LastTranscript,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
