package daemon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codetether/tether/internal/tunnel"
)

// SessionStatus represents the current state of a tracked session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session's connection is open.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusReplaying indicates buffered output is being replayed
	// after a reconnect.
	SessionStatusReplaying SessionStatus = "replaying"
	// SessionStatusEnded indicates the connection has closed.
	SessionStatusEnded SessionStatus = "ended"
)

// Session is one tracked agent session, keyed by its connection.
type Session struct {
	ID            string           `json:"id"`
	ConnID        int64            `json:"conn_id"`
	Command       string           `json:"command"`
	PlanID        *int64           `json:"plan_id,omitempty"`
	PlanTitle     string           `json:"plan_title,omitempty"`
	WorkspacePath string           `json:"workspace_path,omitempty"`
	GitRemote     string           `json:"git_remote,omitempty"`
	Terminal      *tunnel.Terminal `json:"terminal,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       time.Time        `json:"ended_at,omitempty"`
	Status        SessionStatus    `json:"status"`

	// LastSeq is the high-water mark of output sequence numbers seen.
	LastSeq int64 `json:"last_seq"`

	// LastNotification is the most recent POST notification matched to
	// this session's workspace.
	LastNotification string    `json:"last_notification,omitempty"`
	NotifiedAt       time.Time `json:"notified_at,omitempty"`

	mu sync.RWMutex
}

// Snapshot returns a copy of the session safe to read without locking.
func (s *Session) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Session{
		ID:               s.ID,
		ConnID:           s.ConnID,
		Command:          s.Command,
		PlanID:           s.PlanID,
		PlanTitle:        s.PlanTitle,
		WorkspacePath:    s.WorkspacePath,
		GitRemote:        s.GitRemote,
		Terminal:         s.Terminal,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
		Status:           s.Status,
		LastSeq:          s.LastSeq,
		LastNotification: s.LastNotification,
		NotifiedAt:       s.NotifiedAt,
	}
}

// SessionRegistry tracks one session per live connection. It is the
// reference consumer behind the tunnel.Handler interface; richer
// consumers (project stores, GUIs) plug in the same way.
type SessionRegistry struct {
	sessions sync.Map // connID -> *Session

	totalStarted       atomic.Int64
	totalEnded         atomic.Int64
	totalNotifications atomic.Int64
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// HandleEvent implements tunnel.Handler. Events for one connection
// arrive in order from its read goroutine, so per-session updates need
// no cross-event coordination.
func (r *SessionRegistry) HandleEvent(connID int64, ev tunnel.Event) {
	switch ev := ev.(type) {
	case tunnel.SessionInfoEvent:
		s := r.ensure(connID)
		s.mu.Lock()
		s.Command = ev.Info.Command
		s.PlanID = ev.Info.PlanID
		s.PlanTitle = ev.Info.PlanTitle
		s.WorkspacePath = ev.Info.WorkspacePath
		s.GitRemote = ev.Info.GitRemote
		s.Terminal = ev.Info.Terminal
		s.mu.Unlock()

	case tunnel.OutputEvent:
		s := r.ensure(connID)
		s.mu.Lock()
		if ev.Seq > s.LastSeq {
			s.LastSeq = ev.Seq
		}
		s.mu.Unlock()

	case tunnel.ReplayStartEvent:
		s := r.ensure(connID)
		s.mu.Lock()
		s.Status = SessionStatusReplaying
		s.mu.Unlock()

	case tunnel.ReplayEndEvent:
		s := r.ensure(connID)
		s.mu.Lock()
		s.Status = SessionStatusActive
		s.mu.Unlock()

	case tunnel.DisconnectedEvent:
		if val, ok := r.sessions.Load(connID); ok {
			s := val.(*Session)
			s.mu.Lock()
			s.Status = SessionStatusEnded
			s.EndedAt = time.Now()
			s.mu.Unlock()
			r.totalEnded.Add(1)
		}
	}
}

// HandleNotification implements NotificationHandler: the notification is
// recorded on the active session with the matching workspace path, when
// one exists.
func (r *SessionRegistry) HandleNotification(n tunnel.Notification) {
	r.totalNotifications.Add(1)
	r.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		s.mu.Lock()
		match := s.Status != SessionStatusEnded && s.WorkspacePath == n.WorkspacePath
		if match {
			s.LastNotification = n.Message
			s.NotifiedAt = time.Now()
		}
		s.mu.Unlock()
		return !match
	})
}

// ensure returns the session for a connection, creating it on first use.
// Output can arrive ahead of session_info; the placeholder keeps the
// sequence high-water mark either way.
func (r *SessionRegistry) ensure(connID int64) *Session {
	if val, ok := r.sessions.Load(connID); ok {
		return val.(*Session)
	}
	s := &Session{
		ID:        uuid.NewString(),
		ConnID:    connID,
		StartedAt: time.Now(),
		Status:    SessionStatusActive,
	}
	if actual, loaded := r.sessions.LoadOrStore(connID, s); loaded {
		return actual.(*Session)
	}
	r.totalStarted.Add(1)
	return s
}

// Get retrieves the session for a connection.
func (r *SessionRegistry) Get(connID int64) (*Session, bool) {
	val, ok := r.sessions.Load(connID)
	if !ok {
		return nil, false
	}
	return val.(*Session), true
}

// List returns snapshots of all tracked sessions.
func (r *SessionRegistry) List() []Session {
	var result []Session
	r.sessions.Range(func(_, value any) bool {
		result = append(result, value.(*Session).Snapshot())
		return true
	})
	return result
}

// ActiveCount returns the number of sessions that have not ended.
func (r *SessionRegistry) ActiveCount() int {
	count := 0
	r.sessions.Range(func(_, value any) bool {
		if value.(*Session).Snapshot().Status != SessionStatusEnded {
			count++
		}
		return true
	})
	return count
}

// Stats summarizes registry counters.
type Stats struct {
	TotalStarted       int64 `json:"total_started"`
	TotalEnded         int64 `json:"total_ended"`
	TotalNotifications int64 `json:"total_notifications"`
}

// Stats returns lifetime counters.
func (r *SessionRegistry) Stats() Stats {
	return Stats{
		TotalStarted:       r.totalStarted.Load(),
		TotalEnded:         r.totalEnded.Load(),
		TotalNotifications: r.totalNotifications.Load(),
	}
}
