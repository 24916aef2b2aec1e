package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Turn is one role-tagged utterance in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Store keeps bounded per-sender turn history, persisted as one JSON file.
//
// Every append rewrites the whole store through a temp file + rename so a
// crashed write can never corrupt previously durable state. A single lock
// serializes appends, which also gives receipt-order history for
// concurrent runs from the same sender.
type Store struct {
	path     string
	maxTurns int
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string][]Turn
}

// Load opens the store at path, tolerating a missing or corrupt file by
// starting empty. maxTurns caps each sender's history (oldest evicted).
func Load(path string, maxTurns int, log *slog.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "memory")

	s := &Store{
		path:     path,
		maxTurns: maxTurns,
		log:      log,
		sessions: make(map[string][]Turn),
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info("No conversation store found, starting empty", "path", path)
		} else {
			log.Error("Failed to read conversation store, starting empty", "path", path, "error", err)
		}
		return s
	}

	if err := json.Unmarshal(content, &s.sessions); err != nil {
		log.Error("Conversation store is corrupt, starting empty", "path", path, "error", err)
		s.sessions = make(map[string][]Turn)
		return s
	}

	log.Info("Conversation store loaded", "path", path, "conversations", len(s.sessions))
	return s
}

// Append records one turn for a sender and persists the store before
// returning. Write failures are logged, not fatal: the in-memory state
// stays consistent and the next successful append persists it.
func (s *Store) Append(senderID string, role string, content string) {
	senderID = strings.TrimSpace(senderID)
	content = strings.TrimSpace(content)
	if senderID == "" || content == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.sessions[senderID], Turn{Role: role, Content: content})
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	s.sessions[senderID] = turns

	if err := s.persistLocked(); err != nil {
		s.log.Error("Failed to persist conversation store", "error", err)
	}
}

// History returns a copy of the sender's turns in receipt order.
func (s *Store) History(senderID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.sessions[senderID]
	if len(turns) == 0 {
		return nil
	}

	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Len returns the number of known conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) persistLocked() error {
	content, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
