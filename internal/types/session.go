package types

import (
	"strings"
	"time"
)

type SessionKind string

const (
	SessionKindImport         SessionKind = "import"
	SessionKindTest           SessionKind = "test"
	SessionKindServiceControl SessionKind = "service-control"
)

// SessionKinds lists every kind in a stable order.
var SessionKinds = []SessionKind{SessionKindImport, SessionKindTest, SessionKindServiceControl}

func ParseSessionKind(raw string) (SessionKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(SessionKindImport):
		return SessionKindImport, true
	case string(SessionKindTest), "testing":
		return SessionKindTest, true
	case string(SessionKindServiceControl), "service", "service_control":
		return SessionKindServiceControl, true
	default:
		return "", false
	}
}

type SessionOrigin string

const (
	SessionOriginUser    SessionOrigin = "user"
	SessionOriginDerived SessionOrigin = "derived"
)

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

func ParseSessionStatus(raw string) (SessionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running", "pending", "queued", "in_progress", "processing":
		return SessionStatusRunning, true
	case "completed", "complete", "done", "success":
		return SessionStatusCompleted, true
	case "failed", "error":
		return SessionStatusFailed, true
	case "cancelled", "canceled":
		return SessionStatusCancelled, true
	default:
		return "", false
	}
}

type Transport string

const (
	TransportSync  Transport = "sync"
	TransportAsync Transport = "async"
)

// Session is the tracked handle for one backend job. Target is captured at
// submission and never mutated afterwards.
type Session struct {
	ID             string        `json:"id"`
	Kind           SessionKind   `json:"kind"`
	Origin         SessionOrigin `json:"origin"`
	Status         SessionStatus `json:"status"`
	Transport      Transport     `json:"transport,omitempty"`
	ParentID       string        `json:"parent_id,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	ConnectionLost bool          `json:"connection_lost,omitempty"`
	Target         Target        `json:"target"`
}

func (s *Session) Active() bool {
	return s != nil && s.Status == SessionStatusRunning
}

// StatusText separates a locally forced failure from one the backend reported;
// the job behind a lost connection may still have finished.
func (s *Session) StatusText() string {
	if s == nil {
		return ""
	}
	switch s.Status {
	case SessionStatusRunning:
		return "running"
	case SessionStatusCompleted:
		return "job completed"
	case SessionStatusCancelled:
		return "job cancelled"
	case SessionStatusFailed:
		if s.ConnectionLost {
			return "connection to job lost"
		}
		return "job failed"
	default:
		return string(s.Status)
	}
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		out.FinishedAt = &finished
	}
	out.Target = s.Target.Clone()
	return &out
}
