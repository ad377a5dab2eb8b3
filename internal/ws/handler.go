package ws

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared collaborators for all call streams.
type HandlerConfig struct {
	Call          CallConfig
	MaxConcurrent int
	// BaseContext bounds every call; cancelling it hangs up all calls.
	BaseContext context.Context
}

// Handler serves Twilio media streams with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewHandler creates a stream handler with shared collaborators and a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and runs the call until it is finalized.
// Returns 503 if at max concurrent call capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.CallsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	consultationID := r.PathValue("consultation_id")
	if consultationID == "" {
		http.Error(w, "missing consultation id", http.StatusBadRequest)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	metrics.CallsActive.Inc()
	defer metrics.CallsActive.Dec()

	h.runCall(conn, consultationID)
}

func (h *Handler) runCall(conn Conn, consultationID string) {
	ctx, cancel := context.WithCancel(h.cfg.BaseContext)
	defer cancel()

	call := NewCall(h.cfg.Call, uuid.NewString(), consultationID)
	call.Start(ctx)
	rec := call.Run(ctx, conn)
	slog.Info("call ended",
		"conversation_id", call.ID(),
		"status", rec.CallStatus,
		"urgency", rec.Urgency,
		"requires_doctor", rec.RequiresDoctor,
	)
}

// Wait blocks until every running call has been finalized.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Drain waits for running calls to end on their own. It returns ctx's error
// if calls are still running when ctx is done.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TwiMLHandler answers Twilio's voice webhook with a bidirectional stream
// pointed at this gateway.
func TwiMLHandler(publicHost string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consultationID := r.URL.Query().Get("consultation_id")
		if consultationID == "" {
			http.Error(w, "consultation_id is required", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, TwiML(publicHost, consultationID))
	}
}

// TwiML renders the connect-stream document for one consultation.
func TwiML(publicHost, consultationID string) string {
	streamURL := fmt.Sprintf("wss://%s/twilio/stream/%s", publicHost, url.PathEscape(consultationID))
	return `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="` + html.EscapeString(streamURL) + `" />
    </Connect>
</Response>`
}
