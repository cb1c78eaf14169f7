package pipeline

import (
	"sync"

	"github.com/opensource-sec/kestrel/internal/domain"
)

// sessionLocks serializes pipeline runs per session. A second run on a
// locked session is rejected immediately rather than queued; the caller can
// retry once the running pipeline finishes.
type sessionLocks struct {
	mu     sync.Mutex
	active map[string]bool
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{active: make(map[string]bool)}
}

// Acquire claims the session or returns a retryable state-conflict error.
func (l *sessionLocks) Acquire(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active[sessionID] {
		return domain.SessionLockedError(sessionID)
	}
	l.active[sessionID] = true
	return nil
}

// Release frees the session for the next run.
func (l *sessionLocks) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, sessionID)
}
