package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hubenschmidt/patient-followup/gateway/internal/metrics"
	"github.com/hubenschmidt/patient-followup/gateway/internal/prompts"
)

// Urgency is the triage severity.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// NormalizeUrgency maps free-form model output onto the three levels.
// Anything unrecognized becomes medium.
func NormalizeUrgency(s string) Urgency {
	switch Urgency(strings.ToLower(strings.TrimSpace(s))) {
	case UrgencyLow:
		return UrgencyLow
	case UrgencyHigh:
		return UrgencyHigh
	case UrgencyMedium:
		return UrgencyMedium
	}
	return UrgencyMedium
}

// ErrMalformedTriage is returned when the analyzer output cannot be read as a triage object.
var ErrMalformedTriage = errors.New("finalize: malformed triage output")

// Triage is the analyzer's verdict on one transcript.
type Triage struct {
	Summary        string
	Urgency        Urgency
	RequiresDoctor bool
}

// Analyzer classifies a full call transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (Triage, error)
}

// Completer runs a one-shot prompt against a language model.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLMTriage is an Analyzer backed by a language model that answers in JSON.
type LLMTriage struct {
	llm     Completer
	timeout time.Duration
}

// NewLLMTriage creates an analyzer. A zero timeout means no extra deadline.
func NewLLMTriage(llm Completer, timeout time.Duration) *LLMTriage {
	return &LLMTriage{llm: llm, timeout: timeout}
}

func (t *LLMTriage) Analyze(ctx context.Context, transcript string) (Triage, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := t.llm.Complete(ctx, prompts.TriageSystem, prompts.Triage(transcript))
	if err != nil {
		return Triage{}, fmt.Errorf("triage completion: %w", err)
	}
	metrics.StageDuration.WithLabelValues("triage").Observe(time.Since(start).Seconds())
	return ParseTriage(raw)
}

type triageJSON struct {
	Summary        string   `json:"summary"`
	Urgency        string   `json:"urgency"`
	RequiresDoctor flexBool `json:"requires_doctor"`
}

// flexBool accepts true/false as JSON booleans or strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*b = flexBool(x)
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		*b = flexBool(s == "true" || s == "yes")
	case nil:
		*b = false
	default:
		return fmt.Errorf("requires_doctor: unexpected %T", v)
	}
	return nil
}

// ParseTriage extracts the JSON object from model output, which may be wrapped in
// prose or code fences, and repairs it if needed.
func ParseTriage(raw string) (Triage, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Triage{}, fmt.Errorf("%w: no JSON object", ErrMalformedTriage)
	}
	obj := raw[start : end+1]

	var v triageJSON
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(obj)
		if rerr != nil {
			return Triage{}, fmt.Errorf("%w: %v", ErrMalformedTriage, rerr)
		}
		v = triageJSON{}
		if err = json.Unmarshal([]byte(repaired), &v); err != nil {
			return Triage{}, fmt.Errorf("%w: %v", ErrMalformedTriage, err)
		}
	}

	summary := strings.TrimSpace(v.Summary)
	if summary == "" {
		return Triage{}, fmt.Errorf("%w: empty summary", ErrMalformedTriage)
	}
	return Triage{
		Summary:        summary,
		Urgency:        NormalizeUrgency(v.Urgency),
		RequiresDoctor: bool(v.RequiresDoctor),
	}, nil
}
