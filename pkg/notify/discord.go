// Package notify posts progress messages to a Discord webhook, so a
// long-running sync can be watched from a channel instead of a terminal.
// Notifications are best-effort: callers log a failed send and move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Discord sends messages to a single webhook URL.
type Discord struct {
	webhookURL string
	http       *http.Client
}

// NewDiscord creates a notifier for the given webhook URL.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{webhookURL: webhookURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// Send posts one message to the webhook.
func (d *Discord) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook message: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	// Discord answers 204 on success, 200 with a body when wait is requested
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook message rejected: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
