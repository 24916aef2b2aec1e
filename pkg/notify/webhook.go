package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type webhookNotifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

type webhookPayload struct {
	Message   string            `json:"message"`
	Severity  string            `json:"severity"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func newWebhookNotifier(url string, log *slog.Logger) *webhookNotifier {
	return &webhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With("component", "notify.webhook"),
	}
}

func (n *webhookNotifier) Alert(message string, severity string, context map[string]string) {
	if n.url == "" {
		n.log.Warn("Webhook notifier has no URL configured, dropping alert", "message", message)
		return
	}

	payload := webhookPayload{
		Message:   message,
		Severity:  severity,
		Context:   context,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("Failed to encode alert payload", "error", err)
		return
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.log.Error("Failed to deliver alert webhook", "url", n.url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Error("Alert webhook rejected", "url", n.url, "status", resp.StatusCode)
	}
}

func (n *webhookNotifier) NotifyError(err error, context map[string]string) {
	n.Alert("Critical error: "+err.Error(), SeverityCritical, context)
}
