// Package notify delivers operator alerts for unrecoverable pipeline
// failures. Exactly one sink is active per process, chosen by config.
// Sinks are best-effort: a failure to deliver an alert is logged and
// swallowed, never propagated into the pipeline.
package notify

import (
	"fmt"
	"log/slog"

	"voicesdr/pkg/config"
)

// Severity levels for Alert.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Notifier is the critical-error reporting sink.
type Notifier interface {
	NotifyError(err error, context map[string]string)
	Alert(message string, severity string, context map[string]string)
}

// New selects the configured sink. Unknown types fall back to console.
func New(cfg config.NotificationsConfig, log *slog.Logger) Notifier {
	if log == nil {
		log = slog.Default()
	}

	switch cfg.Type {
	case "file":
		return newFileNotifier(cfg.LogFilePath, log)
	case "webhook":
		return newWebhookNotifier(cfg.WebhookURL, log)
	case "telegram":
		notifier, err := newTelegramNotifier(cfg.Telegram, log)
		if err != nil {
			log.Error("Telegram notifier unavailable, falling back to console", "error", err)
			return newConsoleNotifier(log)
		}
		return notifier
	default:
		return newConsoleNotifier(log)
	}
}

func formatAlert(message string, severity string, context map[string]string) string {
	line := fmt.Sprintf("%s: %s", severity, message)
	if len(context) > 0 {
		line += fmt.Sprintf(" | context: %v", context)
	}
	return line
}
