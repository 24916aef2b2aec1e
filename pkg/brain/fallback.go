package brain

import "sync"

// modelSelector implements sticky primary/fallback model selection.
//
// The active model starts as the primary. When the primary fails and the
// fallback produces a reply, the selector commits to the fallback for
// the rest of the process lifetime. A restart is the only way to promote
// the primary again.
type modelSelector struct {
	primary  string
	fallback string

	mu         sync.Mutex
	onFallback bool
}

func newModelSelector(primary string, fallback string) *modelSelector {
	return &modelSelector{primary: primary, fallback: fallback}
}

// current returns the model every new request should use.
func (s *modelSelector) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFallback {
		return s.fallback
	}
	return s.primary
}

// alternate returns the model to try after current failed, or "" when
// there is nothing left to try.
func (s *modelSelector) alternate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFallback || s.fallback == "" || s.fallback == s.primary {
		return ""
	}
	return s.fallback
}

// commitFallback makes the fallback the active model. Called only after
// the fallback has actually produced a reply.
func (s *modelSelector) commitFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFallback = true
}

// degraded reports whether the selector has left the primary model.
func (s *modelSelector) degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onFallback
}
