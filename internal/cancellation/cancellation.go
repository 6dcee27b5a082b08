package cancellation

import (
	"context"
	"errors"
	"sync"

	"nodectl/internal/client"
	"nodectl/internal/logging"
	"nodectl/internal/metrics"
	"nodectl/internal/router"
	"nodectl/internal/types"
)

type Outcome string

const (
	// OutcomeAborted: an in-flight synchronous request was aborted.
	OutcomeAborted Outcome = "aborted"
	// OutcomeCancelled: this call moved the session to cancelled.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeAlreadyTerminal: nothing to do; the session had already finished.
	OutcomeAlreadyTerminal Outcome = "already_terminal"
)

// Backend is the cancel-by-session-id endpoint.
type Backend interface {
	CancelSession(ctx context.Context, sessionID string) (*client.CancelResponse, error)
}

// Sessions is the slice of the registry the coordinator needs.
type Sessions interface {
	Get(id string) (*types.Session, bool)
	Finish(id string, status types.SessionStatus, connectionLost bool) (*types.Session, bool, error)
}

// Stopper tears down the progress transport of a session.
type Stopper interface {
	Stop()
}

// Recorder persists the terminal status of a session.
type Recorder interface {
	RecordTerminal(ctx context.Context, session *types.Session) error
}

// Coordinator cancels sessions over whichever transport carries them and
// guarantees a single terminal transition per session.
type Coordinator struct {
	backend  Backend
	sessions Sessions
	recorder Recorder
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	stoppers map[string]Stopper
	locks    map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

type Option func(*Coordinator)

func WithRecorder(recorder Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = recorder
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func New(backend Backend, sessions Sessions, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:  backend,
		sessions: sessions,
		logger:   logging.Nop(),
		inflight: map[string]context.CancelFunc{},
		stoppers: map[string]Stopper{},
		locks:    map[string]*sessionLock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TrackSync registers the abort func of an in-flight synchronous request.
// The returned func unregisters it.
func (c *Coordinator) TrackSync(id string, cancel context.CancelFunc) func() {
	c.mu.Lock()
	c.inflight[id] = cancel
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) Begin(op router.SyncOperation, cancel context.CancelFunc) {
	if cancel == nil {
		return
	}
	c.TrackSync(op.ID, cancel)
}

func (c *Coordinator) End(op router.SyncOperation, _ error) {
	c.mu.Lock()
	delete(c.inflight, op.ID)
	c.mu.Unlock()
}

// Attach registers the consumer following sessionID so Cancel can stop it.
func (c *Coordinator) Attach(sessionID string, stopper Stopper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stopper == nil {
		delete(c.stoppers, sessionID)
		return
	}
	c.stoppers[sessionID] = stopper
}

// Detach forgets the consumer of sessionID if it is still stopper.
func (c *Coordinator) Detach(sessionID string, stopper Stopper) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.stoppers[sessionID]; ok && current == stopper {
		delete(c.stoppers, sessionID)
	}
}

// Cancel is idempotent: cancelling a finished or unknown session reports
// OutcomeAlreadyTerminal with a nil error. A failed backend call returns a
// cancellation error and leaves the session running.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) (Outcome, error) {
	if abort, ok := c.takeInFlight(sessionID); ok {
		abort()
		c.metrics.Cancellation(string(OutcomeAborted))
		c.logger.Info("cancel_sync_aborted", logging.F("session_id", sessionID))
		return OutcomeAborted, nil
	}

	unlock := c.lock(sessionID)
	defer unlock()

	session, ok := c.sessions.Get(sessionID)
	if !ok || !session.Active() {
		c.metrics.Cancellation(string(OutcomeAlreadyTerminal))
		c.logger.Debug("cancel_noop", logging.F("session_id", sessionID), logging.F("known", ok))
		return OutcomeAlreadyTerminal, nil
	}

	resp, err := c.backend.CancelSession(ctx, sessionID)
	if err != nil {
		c.metrics.Cancellation("error")
		cerr := types.CancellationError(sessionID, err)
		c.logger.Warn("cancel_failed", logging.Err(cerr))
		return "", cerr
	}
	if resp != nil && resp.AlreadyTerminal {
		c.logger.Info("cancel_backend_already_terminal", logging.F("session_id", sessionID))
	}

	c.stop(sessionID)
	updated, changed, err := c.sessions.Finish(sessionID, types.SessionStatusCancelled, false)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			c.metrics.Cancellation(string(OutcomeAlreadyTerminal))
			return OutcomeAlreadyTerminal, nil
		}
		return "", types.CancellationError(sessionID, err)
	}
	if !changed {
		// The consumer may have applied the backend's cancelled message first.
		if updated != nil && updated.Status == types.SessionStatusCancelled {
			c.metrics.Cancellation(string(OutcomeCancelled))
			return OutcomeCancelled, nil
		}
		c.metrics.Cancellation(string(OutcomeAlreadyTerminal))
		return OutcomeAlreadyTerminal, nil
	}
	if c.recorder != nil {
		if err := c.recorder.RecordTerminal(ctx, updated); err != nil {
			c.logger.Warn("cancel_checkpoint_failed", logging.F("session_id", sessionID), logging.Err(err))
		}
	}
	c.metrics.Cancellation(string(OutcomeCancelled))
	c.logger.Info("cancel_session_cancelled", logging.F("session_id", sessionID), logging.F("kind", updated.Kind))
	return OutcomeCancelled, nil
}

func (c *Coordinator) takeInFlight(id string) (context.CancelFunc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	abort, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
	}
	return abort, ok
}

func (c *Coordinator) stop(sessionID string) {
	c.mu.Lock()
	stopper := c.stoppers[sessionID]
	delete(c.stoppers, sessionID)
	c.mu.Unlock()
	if stopper != nil {
		stopper.Stop()
	}
}

func (c *Coordinator) lock(sessionID string) func() {
	c.mu.Lock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		c.locks[sessionID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, sessionID)
		}
		c.mu.Unlock()
	}
}
