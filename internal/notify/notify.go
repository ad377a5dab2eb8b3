package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hubenschmidt/patient-followup/gateway/internal/finalize"
)

// LogNotifier writes escalation alerts to the log at warn level.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, a finalize.Alert) error {
	slog.Warn("doctor alert",
		"conversation_id", a.CallRef,
		"consultation_id", a.ConsultationID,
		"recipient", a.Recipient,
		"urgency", a.Urgency,
		"summary", a.Summary,
	)
	return nil
}

// Multi delivers an alert to every notifier and joins their errors.
type Multi []finalize.Notifier

func (m Multi) Notify(ctx context.Context, a finalize.Alert) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
