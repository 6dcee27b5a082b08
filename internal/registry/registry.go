package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"nodectl/internal/logging"
	"nodectl/internal/metrics"
	"nodectl/internal/types"
)

const (
	defaultExpiry = 30 * time.Minute
	defaultGrace  = 10 * time.Second
)

type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

type Event struct {
	Type    EventType
	Session *types.Session
}

// Patch is a partial session update. Target is not patchable.
type Patch struct {
	Status         *types.SessionStatus
	ConnectionLost *bool
}

type entry struct {
	session    *types.Session
	generation uint64
	expiry     *time.Timer
	grace      *time.Timer
}

// Registry is the directory of tracked sessions. At most one running session
// may occupy a (kind, origin) slot.
type Registry struct {
	mu          sync.Mutex
	entries     map[string]*entry
	generation  uint64
	expiry      time.Duration
	grace       time.Duration
	logger      logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	subscribers map[int]chan Event
	nextSub     int
	closed      bool
}

type Option func(*Registry)

func WithExpiry(expiry time.Duration) Option {
	return func(r *Registry) {
		if expiry > 0 {
			r.expiry = expiry
		}
	}
}

func WithGrace(grace time.Duration) Option {
	return func(r *Registry) {
		if grace > 0 {
			r.grace = grace
		}
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) {
		r.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:     map[string]*entry{},
		expiry:      defaultExpiry,
		grace:       defaultGrace,
		logger:      logging.Nop(),
		now:         time.Now,
		subscribers: map[int]chan Event{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a session and schedules its fallback removal. A running
// session whose slot is already taken is rejected, never swapped in.
func (r *Registry) Add(session *types.Session) error {
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return errors.New("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("registry closed")
	}
	if _, ok := r.entries[session.ID]; ok {
		return types.ErrSessionExists
	}
	if session.Status == "" {
		session.Status = types.SessionStatusRunning
	}
	if session.Status == types.SessionStatusRunning {
		if active := r.activeLocked(session.Kind, session.Origin); active != nil {
			r.logger.Warn("registry_slot_occupied",
				logging.F("kind", session.Kind),
				logging.F("origin", session.Origin),
				logging.F("session_id", session.ID),
				logging.F("active_session_id", active.ID),
			)
			return types.ErrSlotOccupied
		}
	}
	stored := session.Clone()
	if stored.StartedAt.IsZero() {
		stored.StartedAt = r.now().UTC()
	}
	r.generation++
	e := &entry{session: stored, generation: r.generation}
	e.expiry = r.scheduleRemovalLocked(stored.ID, e.generation, r.expiry, "expired")
	if stored.Status.Terminal() {
		e.grace = r.scheduleRemovalLocked(stored.ID, e.generation, r.grace, "grace")
	}
	r.entries[stored.ID] = e
	r.metrics.SessionAdded(string(stored.Kind), string(stored.Origin), stored.Active())
	r.logger.Info("registry_session_added",
		logging.F("session_id", stored.ID),
		logging.F("kind", stored.Kind),
		logging.F("origin", stored.Origin),
		logging.F("status", stored.Status),
	)
	r.publishLocked(EventAdded, stored)
	return nil
}

// Update applies a partial update. Moving a terminal session back to running
// is allowed only while its slot is free.
func (r *Registry) Update(id string, patch Patch) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	if patch.Status != nil && *patch.Status != e.session.Status {
		if err := r.transitionLocked(e, *patch.Status); err != nil {
			return nil, err
		}
	}
	if patch.ConnectionLost != nil {
		e.session.ConnectionLost = *patch.ConnectionLost
	}
	r.publishLocked(EventUpdated, e.session)
	return e.session.Clone(), nil
}

// Finish moves a running session to a terminal status. changed reports
// whether this call performed the transition; a session that is already
// terminal is returned unchanged.
func (r *Registry) Finish(id string, status types.SessionStatus, connectionLost bool) (*types.Session, bool, error) {
	if !status.Terminal() {
		return nil, false, errors.New("finish requires a terminal status")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false, types.ErrSessionNotFound
	}
	if e.session.Status != types.SessionStatusRunning {
		return e.session.Clone(), false, nil
	}
	e.session.ConnectionLost = connectionLost
	if err := r.transitionLocked(e, status); err != nil {
		return nil, false, err
	}
	r.publishLocked(EventUpdated, e.session)
	return e.session.Clone(), true, nil
}

func (r *Registry) transitionLocked(e *entry, status types.SessionStatus) error {
	session := e.session
	wasRunning := session.Status == types.SessionStatusRunning
	switch {
	case status == types.SessionStatusRunning:
		if active := r.activeLocked(session.Kind, session.Origin); active != nil && active.ID != session.ID {
			return types.ErrSlotOccupied
		}
		session.Status = status
		session.FinishedAt = nil
		session.ConnectionLost = false
		if e.grace != nil {
			e.grace.Stop()
			e.grace = nil
		}
		r.metrics.SessionReactivated(string(session.Kind), string(session.Origin))
	case status.Terminal():
		session.Status = status
		finished := r.now().UTC()
		session.FinishedAt = &finished
		if wasRunning {
			r.metrics.SessionInactive(string(session.Kind), string(session.Origin))
		}
		r.metrics.SessionFinished(string(session.Kind), string(status), session.ConnectionLost)
		if e.grace != nil {
			e.grace.Stop()
		}
		e.grace = r.scheduleRemovalLocked(session.ID, e.generation, r.grace, "grace")
	default:
		return errors.New("unknown session status: " + string(status))
	}
	r.logger.Info("registry_session_status",
		logging.F("session_id", session.ID),
		logging.F("kind", session.Kind),
		logging.F("status", status),
	)
	return nil
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id, 0, "removed")
}

func (r *Registry) Get(id string) (*types.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.session.Clone(), true
}

// List returns every tracked session ordered by start time.
func (r *Registry) List() []*types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (r *Registry) GetActiveByKindAndOrigin(kind types.SessionKind, origin types.SessionOrigin) *types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(kind, origin).Clone()
}

func (r *Registry) HasActive() bool {
	return r.CountActive() > 0
}

func (r *Registry) CountActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.session.Active() {
			count++
		}
	}
	return count
}

func (r *Registry) CountActiveByKind(kind types.SessionKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.session.Active() && e.session.Kind == kind {
			count++
		}
	}
	return count
}

// Subscribe returns a buffered event feed. Slow subscribers miss events
// rather than block the registry.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 64)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := r.subscribers[id]; ok {
				delete(r.subscribers, id)
				close(sub)
			}
		})
	}
}

// Close stops every pending timer and ends all subscriptions.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, e := range r.entries {
		stopTimers(e)
	}
	for id, ch := range r.subscribers {
		delete(r.subscribers, id)
		close(ch)
	}
}

func (r *Registry) activeLocked(kind types.SessionKind, origin types.SessionOrigin) *types.Session {
	for _, e := range r.entries {
		if e.session.Active() && e.session.Kind == kind && e.session.Origin == origin {
			return e.session
		}
	}
	return nil
}

func (r *Registry) scheduleRemovalLocked(id string, generation uint64, after time.Duration, reason string) *time.Timer {
	return time.AfterFunc(after, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removeLocked(id, generation, reason)
	})
}

// removeLocked drops the entry; a non-zero generation must match so a stale
// timer cannot remove a re-added session with the same id.
func (r *Registry) removeLocked(id string, generation uint64, reason string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if generation != 0 && e.generation != generation {
		return false
	}
	stopTimers(e)
	delete(r.entries, id)
	if e.session.Active() {
		r.metrics.SessionInactive(string(e.session.Kind), string(e.session.Origin))
	}
	r.logger.Info("registry_session_removed",
		logging.F("session_id", id),
		logging.F("status", e.session.Status),
		logging.F("reason", reason),
	)
	r.publishLocked(EventRemoved, e.session)
	return true
}

func (r *Registry) publishLocked(eventType EventType, session *types.Session) {
	if len(r.subscribers) == 0 {
		return
	}
	for _, ch := range r.subscribers {
		select {
		case ch <- Event{Type: eventType, Session: session.Clone()}:
		default:
		}
	}
}

func stopTimers(e *entry) {
	if e.expiry != nil {
		e.expiry.Stop()
	}
	if e.grace != nil {
		e.grace.Stop()
	}
}
