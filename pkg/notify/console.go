package notify

import "log/slog"

type consoleNotifier struct {
	log *slog.Logger
}

func newConsoleNotifier(log *slog.Logger) *consoleNotifier {
	return &consoleNotifier{log: log.With("component", "notify.console")}
}

func (n *consoleNotifier) Alert(message string, severity string, context map[string]string) {
	attrs := contextAttrs(context)
	switch severity {
	case SeverityCritical, SeverityError:
		n.log.Error(message, attrs...)
	case SeverityWarning:
		n.log.Warn(message, attrs...)
	default:
		n.log.Info(message, attrs...)
	}
}

func (n *consoleNotifier) NotifyError(err error, context map[string]string) {
	n.Alert("Critical error: "+err.Error(), SeverityCritical, context)
}

func contextAttrs(context map[string]string) []any {
	attrs := make([]any, 0, len(context)*2)
	for key, value := range context {
		attrs = append(attrs, key, value)
	}
	return attrs
}
