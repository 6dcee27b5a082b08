package types

import "time"

// PersistedCheckpoint is the minimal durable view of a session. Only the
// first five fields are required; the rest are dropped when the encoded
// checkpoint would not fit the byte budget.
type PersistedCheckpoint struct {
	SessionID  string        `json:"session_id"`
	Kind       SessionKind   `json:"kind"`
	Status     SessionStatus `json:"status"`
	UnitsTotal int           `json:"units_total"`
	SavedAt    time.Time     `json:"saved_at"`

	Origin         SessionOrigin `json:"origin,omitempty"`
	Transport      Transport     `json:"transport,omitempty"`
	UnitsDone      int           `json:"units_done,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	Label          string        `json:"label,omitempty"`
	ParentID       string        `json:"parent_id,omitempty"`
	ConnectionLost bool          `json:"connection_lost,omitempty"`
	Target         *Target       `json:"target,omitempty"`
}

func (c PersistedCheckpoint) Reduced() PersistedCheckpoint {
	return PersistedCheckpoint{
		SessionID:  c.SessionID,
		Kind:       c.Kind,
		Status:     c.Status,
		UnitsTotal: c.UnitsTotal,
		SavedAt:    c.SavedAt,
	}
}

// Session rebuilds a running-or-terminal session handle from the checkpoint.
// Reduced checkpoints default to a user-originated async session.
func (c PersistedCheckpoint) Session() *Session {
	session := &Session{
		ID:             c.SessionID,
		Kind:           c.Kind,
		Origin:         c.Origin,
		Status:         c.Status,
		Transport:      c.Transport,
		ParentID:       c.ParentID,
		ConnectionLost: c.ConnectionLost,
	}
	if session.Origin == "" {
		session.Origin = SessionOriginUser
	}
	if session.Transport == "" {
		session.Transport = TransportAsync
	}
	if c.StartedAt != nil {
		session.StartedAt = *c.StartedAt
	} else {
		session.StartedAt = c.SavedAt
	}
	if c.Target != nil {
		session.Target = c.Target.Clone()
	}
	return session
}
