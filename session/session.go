package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reddimon/attribution-go/logger"
)

var log = logger.ZapForComponent("session")

// Session is a rolling activity window identified by an opaque token.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Manager owns the current session. All access is mutex-serialized so that
// concurrent callers inside one timeout window observe the same session.
type Manager struct {
	mu      sync.Mutex
	timeout time.Duration
	current *Session
	now     func() time.Time
}

// NewManager creates a manager with the given idle timeout.
func NewManager(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout, now: time.Now}
}

// NewManagerWithClock is used by tests to control time.
func NewManagerWithClock(timeout time.Duration, now func() time.Time) *Manager {
	return &Manager{timeout: timeout, now: now}
}

// Current returns a valid, non-expired session id, rotating transparently
// when the idle timeout has elapsed. Every call counts as activity.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.current == nil || now.Sub(m.current.LastActivityAt) > m.timeout {
		if m.current != nil {
			log.Debugf("session %s expired after idle timeout", m.current.ID)
		}
		m.current = &Session{
			ID:             uuid.NewString(),
			CreatedAt:      now,
			LastActivityAt: now,
		}
		log.Debugf("started session %s", m.current.ID)
	} else {
		m.current.LastActivityAt = now
	}
	return m.current.ID
}

// Snapshot returns a copy of the current session without counting activity,
// or nil when no session has started yet.
func (m *Manager) Snapshot() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}
