package tempfiles

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dir manages a dedicated scratch directory for downloaded and synthesized
// audio. Every pipeline run cleans up its own files; Sweep handles orphans
// left behind by crashes.
type Dir struct {
	root string
	log  *slog.Logger
}

// New ensures the scratch directory exists. An empty root defaults to a
// voicesdr subdirectory of the OS temp dir.
func New(root string, log *slog.Logger) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "voicesdr")
	}
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", root, err)
	}

	return &Dir{root: root, log: log.With("component", "tempfiles")}, nil
}

// Root returns the scratch directory path.
func (d *Dir) Root() string {
	return d.root
}

// NewPath returns a unique file path with the given prefix and extension.
// The file itself is not created.
func (d *Dir) NewPath(prefix string, extension string) string {
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	return filepath.Join(d.root, fmt.Sprintf("%s_%s%s", prefix, uuid.NewString(), extension))
}

// SafeRemove deletes a file without failing when it is already gone.
func (d *Dir) SafeRemove(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log.Warn("Failed to remove temp file", "path", path, "error", err)
		return
	}
	d.log.Debug("Temp file removed", "path", filepath.Base(path))
}

// Sweep removes files older than maxAge and returns how many were deleted.
// A zero maxAge removes everything.
func (d *Dir) Sweep(maxAge time.Duration) int {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		d.log.Error("Temp sweep failed to list directory", "error", err)
		return 0
	}

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed concurrently
		}
		if maxAge > 0 && now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(d.root, entry.Name())); err == nil {
			removed++
		}
	}

	if removed > 0 {
		d.log.Info("Temp sweep completed", "removed", removed)
	}
	return removed
}
