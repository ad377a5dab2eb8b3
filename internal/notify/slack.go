package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hubenschmidt/patient-followup/gateway/internal/finalize"
)

// Slack posts escalation alerts to a channel through chat.postMessage.
type Slack struct {
	Token   string
	Channel string
	BaseURL string
	HTTP    *http.Client
}

func (s *Slack) Notify(ctx context.Context, a finalize.Alert) error {
	if s.Token == "" {
		return fmt.Errorf("missing slack token")
	}
	if s.Channel == "" {
		return fmt.Errorf("missing slack channel")
	}
	client := s.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = "https://slack.com/api"
	}

	body, err := json.Marshal(map[string]any{
		"channel": s.Channel,
		"text":    alertText(a),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer res.Body.Close()

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return fmt.Errorf("slack decode: %w", err)
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "slack api error"
		}
		return fmt.Errorf("slack: %s", resp.Error)
	}
	return nil
}

func alertText(a finalize.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: Follow-up call needs a doctor (urgency: %s)\n", a.Urgency)
	if a.Recipient != "" {
		fmt.Fprintf(&b, "For: %s\n", a.Recipient)
	}
	fmt.Fprintf(&b, "Consultation: %s\nCall: %s\n", a.ConsultationID, a.CallRef)
	fmt.Fprintf(&b, "Summary: %s", a.Summary)
	return b.String()
}
