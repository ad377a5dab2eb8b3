package finalize

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
	"github.com/hubenschmidt/patient-followup/gateway/internal/prompts"
)

// CallStatus is the outcome recorded in the call log.
type CallStatus string

const (
	StatusStarted   CallStatus = "started"
	StatusCompleted CallStatus = "completed"
	StatusFailed    CallStatus = "failed"
)

// Record is the single finalization record produced per call.
type Record struct {
	ConversationID string
	ConsultationID string
	Transcript     string
	Summary        string
	Urgency        Urgency
	RequiresDoctor bool
	CallDuration   time.Duration
	CallStatus     CallStatus
}

// Alert is sent to a clinician when a call needs human follow-up.
type Alert struct {
	CallRef        string
	ConsultationID string
	Summary        string
	Urgency        Urgency
	Recipient      string
}

// Persister stores the record: upserts the call log and updates the consultation status.
type Persister interface {
	SaveFinalization(ctx context.Context, rec Record) error
}

// Notifier delivers escalation alerts. Best effort.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Archiver receives finished records for secondary storage. Must not block.
type Archiver interface {
	Archive(rec Record)
}

// Cleaner releases per-call bookkeeping.
type Cleaner interface {
	Cleanup(id string)
}

// Config wires a Finalizer's collaborators. Persister, Notifier and Archiver may be nil.
type Config struct {
	Analyzer  Analyzer
	Persister Persister
	Notifier  Notifier
	Archiver  Archiver
	Registry  Cleaner
	Recipient string
	Timeout   time.Duration
	Now       func() time.Time
}

// Finalizer turns an ended call into a Record and hands it off.
type Finalizer struct {
	cfg Config
}

// New creates a Finalizer.
func New(cfg Config) *Finalizer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Finalizer{cfg: cfg}
}

// Input is what the orchestrator knows when a call ends.
type Input struct {
	ConversationID   string
	ConsultationID   string
	Transcript       string
	ForcedEscalation bool
	StartedAt        time.Time
	Status           CallStatus
}

// Finalize runs triage, persistence, and notification for one call, then cleans up
// the registry entry. Cleanup runs last whatever happens before it.
// It is detached from ctx cancellation so a hung-up call is still finalized.
func (f *Finalizer) Finalize(ctx context.Context, in Input) Record {
	if f.cfg.Registry != nil {
		defer f.cfg.Registry.Cleanup(in.ConversationID)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.Timeout)
	defer cancel()
	log := slog.With("conversation_id", in.ConversationID)

	tri := f.triage(ctx, log, in.Transcript)

	rec := Record{
		ConversationID: in.ConversationID,
		ConsultationID: in.ConsultationID,
		Transcript:     in.Transcript,
		Summary:        tri.Summary,
		Urgency:        NormalizeUrgency(string(tri.Urgency)),
		RequiresDoctor: tri.RequiresDoctor || in.ForcedEscalation,
		CallStatus:     in.Status,
	}
	if rec.Urgency == UrgencyHigh {
		rec.RequiresDoctor = true
	}
	if rec.CallStatus == "" {
		rec.CallStatus = StatusCompleted
	}
	if !in.StartedAt.IsZero() {
		rec.CallDuration = f.cfg.Now().Sub(in.StartedAt)
	}

	log.Info("call finalized",
		"status", rec.CallStatus,
		"urgency", rec.Urgency,
		"requires_doctor", rec.RequiresDoctor,
		"forced_escalation", in.ForcedEscalation,
		"duration_ms", rec.CallDuration.Milliseconds(),
	)
	metrics.CallsTotal.WithLabelValues(string(rec.CallStatus), string(rec.Urgency)).Inc()
	metrics.CallDuration.Observe(rec.CallDuration.Seconds())

	f.persist(ctx, log, rec)
	if rec.RequiresDoctor {
		f.notify(ctx, log, rec)
	}
	if f.cfg.Archiver != nil {
		f.cfg.Archiver.Archive(rec)
	}
	return rec
}

func (f *Finalizer) triage(ctx context.Context, log *slog.Logger, transcript string) Triage {
	if strings.TrimSpace(transcript) == "" {
		return Triage{Summary: prompts.TriageNoSpeech, Urgency: UrgencyLow}
	}
	if f.cfg.Analyzer == nil {
		log.Warn("no triage analyzer configured")
		return failSafe()
	}
	tri, err := f.cfg.Analyzer.Analyze(ctx, transcript)
	if err != nil {
		metrics.Errors.WithLabelValues("triage", "analyze").Inc()
		log.Error("triage failed", "error", err)
		return failSafe()
	}
	return tri
}

// failSafe never under-triages: an unreadable result goes to a doctor.
func failSafe() Triage {
	return Triage{Summary: prompts.TriageFailed, Urgency: UrgencyHigh, RequiresDoctor: true}
}

func (f *Finalizer) persist(ctx context.Context, log *slog.Logger, rec Record) {
	if f.cfg.Persister == nil {
		return
	}
	start := time.Now()
	if err := f.cfg.Persister.SaveFinalization(ctx, rec); err != nil {
		metrics.Errors.WithLabelValues("persist", "save").Inc()
		log.Error("persist finalization failed", "error", err)
		return
	}
	metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())
}

func (f *Finalizer) notify(ctx context.Context, log *slog.Logger, rec Record) {
	if f.cfg.Notifier == nil {
		return
	}
	alert := Alert{
		CallRef:        rec.ConversationID,
		ConsultationID: rec.ConsultationID,
		Summary:        rec.Summary,
		Urgency:        rec.Urgency,
		Recipient:      f.cfg.Recipient,
	}
	if err := f.cfg.Notifier.Notify(ctx, alert); err != nil {
		metrics.Errors.WithLabelValues("notify", "send").Inc()
		log.Error("escalation notify failed", "error", err)
	}
}
