package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "followup_calls_active",
		Help: "Currently active call streams",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "followup_calls_total",
		Help: "Finalized calls by call status and triage urgency",
	}, []string{"status", "urgency"})

	CallsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "followup_calls_rejected_total",
		Help: "Stream upgrades refused because the gateway was at capacity",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "followup_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0, 20.0},
	}, []string{"stage"})

	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "followup_call_duration_seconds",
		Help:    "Wall time from stream start to finalization",
		Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "followup_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	MediaEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "followup_media_events_total",
		Help: "Inbound media events accepted",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "followup_duplicate_events_total",
		Help: "Inbound transport events dropped as duplicate deliveries",
	})

	Utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "followup_utterances_total",
		Help: "Patient utterances by routing path",
	}, []string{"path"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "followup_forced_escalations_total",
		Help: "Forced escalations raised by the conversation engine",
	}, []string{"reason"})

	OutboundFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "followup_outbound_frames_total",
		Help: "Audio frames written to the transport",
	})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vad_speech_segments_total",
		Help: "Speech segments detected by VAD",
	})

	EmbeddingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "followup_embedding_duration_seconds",
		Help:    "Embedding generation latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	})

	RAGDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "followup_rag_duration_seconds",
		Help:    "RAG retrieval latency (embed + search)",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	})

	ASRNoiseFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asr_noise_filtered_total",
		Help: "Transcripts dropped by confidence or noise filter",
	})

	CheckpointsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "followup_checkpoints_dropped_total",
		Help: "Transcript checkpoints dropped because the writer queue was full",
	})
)
