package notify

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

type fileNotifier struct {
	path string
	log  *slog.Logger
	mu   sync.Mutex
}

func newFileNotifier(path string, log *slog.Logger) *fileNotifier {
	if path == "" {
		path = "critical_errors.log"
	}
	return &fileNotifier{path: path, log: log.With("component", "notify.file")}
}

func (n *fileNotifier) Alert(message string, severity string, context map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := os.OpenFile(n.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		n.log.Error("Failed to open alert log", "path", n.path, "error", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), formatAlert(message, severity, context))
	if _, err := f.WriteString(line); err != nil {
		n.log.Error("Failed to append alert", "path", n.path, "error", err)
	}
}

func (n *fileNotifier) NotifyError(err error, context map[string]string) {
	n.Alert("Critical error: "+err.Error(), SeverityCritical, context)
}
