package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"nodectl/internal/logging"
	"nodectl/internal/metrics"
	"nodectl/internal/types"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultMaxPollFailures = 3
	defaultTailLimit       = 50
)

// Finisher records the terminal status of a session. The registry satisfies it.
type Finisher interface {
	Finish(id string, status types.SessionStatus, connectionLost bool) (*types.Session, bool, error)
}

// TerminalFunc runs once when the consumer reaches a terminal state. session
// is the registry's view after the transition; msg is the terminal message
// (synthesised for a local connection loss).
type TerminalFunc func(session *types.Session, msg types.ProgressMessage)

// Consumer follows one session's progress. It prefers the stream and falls
// back to polling; both feed the same normalisation.
type Consumer struct {
	session  *types.Session
	client   Client
	finisher Finisher

	pollInterval  time.Duration
	idleTimeout   time.Duration
	maxFailures   int
	tailLimit     int
	disableStream bool
	onTerminal    TerminalFunc
	logger        logging.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	mu         sync.Mutex
	snapshot   types.ProgressSnapshot
	last       Reading
	applied    bool
	terminated bool
	stopped    bool
	cancel     context.CancelFunc

	terminateOnce sync.Once
	closeOnce     sync.Once
	updates       chan types.ProgressSnapshot
	done          chan struct{}
}

type Option func(*Consumer)

func WithPollInterval(interval time.Duration) Option {
	return func(c *Consumer) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Consumer) {
		if timeout > 0 {
			c.idleTimeout = timeout
		}
	}
}

func WithMaxPollFailures(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxFailures = n
		}
	}
}

func WithTailLimit(limit int) Option {
	return func(c *Consumer) {
		if limit > 0 {
			c.tailLimit = limit
		}
	}
}

// WithoutStream makes the consumer poll from the start.
func WithoutStream() Option {
	return func(c *Consumer) {
		c.disableStream = true
	}
}

func WithOnTerminal(fn TerminalFunc) Option {
	return func(c *Consumer) {
		c.onTerminal = fn
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Consumer) {
		c.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	}
}

func NewConsumer(session *types.Session, client Client, finisher Finisher, opts ...Option) *Consumer {
	c := &Consumer{
		session:      session.Clone(),
		client:       client,
		finisher:     finisher,
		pollInterval: defaultPollInterval,
		idleTimeout:  defaultIdleTimeout,
		maxFailures:  defaultMaxPollFailures,
		tailLimit:    defaultTailLimit,
		logger:       logging.Nop(),
		now:          time.Now,
		updates:      make(chan types.ProgressSnapshot, 32),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.F("session_id", session.ID), logging.F("kind", session.Kind))
	c.snapshot = types.ProgressSnapshot{
		SessionID:  session.ID,
		Status:     types.SessionStatusRunning,
		UnitsTotal: 1,
		UpdatedAt:  c.now().UTC(),
	}
	return c
}

func (c *Consumer) SessionID() string {
	return c.session.ID
}

// Run blocks until the session reaches a terminal state, Stop is called, or
// ctx ends. A connection loss is absorbed into a locally failed session and
// reported as a transport error.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.closeOnce.Do(func() {
		close(c.updates)
		close(c.done)
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.stopped || c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	if !c.disableStream {
		stream := NewStreamSource(c.client, c.idleTimeout, c.logger, c.metrics)
		err := stream.Run(ctx, c.session.ID, c.apply)
		if c.isTerminated() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.metrics.TransportEvent("fallback_poll")
		c.logger.Warn("progress_fallback_poll", logging.F("reason", fallbackReason(err)), logging.Err(err))
	}

	poll := NewPollSource(c.client, c.pollInterval, c.maxFailures, c.logger, c.metrics)
	err := poll.Run(ctx, c.session.ID, c.apply)
	if c.isTerminated() {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	c.metrics.TransportEvent("connection_lost")
	c.logger.Error("progress_connection_lost", logging.Err(err))
	c.terminate(types.ProgressMessage{
		SessionID: c.session.ID,
		Status:    string(types.SessionStatusFailed),
		Error:     err.Error(),
	}, true)
	return err
}

// Stop tears the transport down without changing the session status.
func (c *Consumer) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once Run has returned.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Snapshot() types.ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Clone()
}

// Updates delivers snapshots as they are applied. When the reader falls
// behind, older snapshots are replaced by newer ones; the channel closes
// after Run returns.
func (c *Consumer) Updates() <-chan types.ProgressSnapshot {
	return c.updates
}

func (c *Consumer) isTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// apply is the single entry point for inbound messages from either transport.
// It returns false once no further messages should be read.
func (c *Consumer) apply(msg types.ProgressMessage) bool {
	reading := Normalize(msg)

	c.mu.Lock()
	if c.terminated || c.stopped {
		c.mu.Unlock()
		c.metrics.ProgressMessage("late")
		return false
	}
	if reading.Status.Terminal() {
		c.mu.Unlock()
		c.terminate(msg, false)
		return false
	}
	if c.applied && reading.UnitsDone < c.last.UnitsDone {
		c.mu.Unlock()
		c.metrics.ProgressMessage("regressed")
		c.logger.Debug("progress_regression_dropped",
			logging.F("units_done", reading.UnitsDone),
			logging.F("last_units_done", c.last.UnitsDone),
		)
		return true
	}
	if c.applied && sameReading(c.last, reading) {
		c.mu.Unlock()
		c.metrics.ProgressMessage("duplicate")
		return true
	}
	c.applyLocked(reading)
	snapshot := c.snapshot.Clone()
	c.mu.Unlock()

	c.metrics.ProgressMessage("applied")
	c.publish(snapshot)
	return true
}

func (c *Consumer) applyLocked(reading Reading) {
	c.last = reading
	c.applied = true
	c.snapshot.Status = reading.Status
	c.snapshot.UnitsDone = reading.UnitsDone
	c.snapshot.UnitsTotal = reading.UnitsTotal
	c.snapshot.Percent = types.Percent(reading.UnitsDone, reading.UnitsTotal)
	if reading.Label != "" {
		c.snapshot.CurrentLabel = reading.Label
	}
	c.snapshot.TailResults = mergeTail(c.snapshot.TailResults, reading.Results, c.tailLimit)
	c.snapshot.UpdatedAt = c.now().UTC()
}

// terminate runs at most once: it closes the transport, records the status
// in the registry, publishes the final snapshot and fires the terminal hook.
func (c *Consumer) terminate(msg types.ProgressMessage, connectionLost bool) {
	c.terminateOnce.Do(func() {
		reading := Normalize(msg)

		c.mu.Lock()
		c.terminated = true
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		session := c.session.Clone()
		if c.finisher != nil {
			updated, changed, err := c.finisher.Finish(c.session.ID, reading.Status, connectionLost)
			switch {
			case err != nil:
				c.logger.Warn("progress_finish_failed", logging.Err(err))
			case updated != nil:
				session = updated
				if !changed {
					c.logger.Debug("progress_terminal_already_recorded", logging.F("status", updated.Status))
				}
			}
		}
		if session.Status == types.SessionStatusRunning || session.Status == "" {
			session.Status = reading.Status
			session.ConnectionLost = connectionLost
		}

		c.mu.Lock()
		done := reading.UnitsDone
		if done < c.last.UnitsDone {
			done = c.last.UnitsDone
		}
		total := reading.UnitsTotal
		if total <= 1 && c.last.UnitsTotal > total {
			total = c.last.UnitsTotal
		}
		c.snapshot.Status = session.Status
		c.snapshot.UnitsTotal = total
		c.snapshot.UnitsDone = done
		c.snapshot.Percent = types.Percent(done, total)
		if session.Status == types.SessionStatusCompleted {
			if c.snapshot.UnitsDone < total {
				c.snapshot.UnitsDone = total
			}
			c.snapshot.Percent = 100
		}
		if reading.Label != "" {
			c.snapshot.CurrentLabel = reading.Label
		}
		c.snapshot.TailResults = mergeTail(c.snapshot.TailResults, reading.Results, c.tailLimit)
		c.snapshot.Error = reading.Error
		c.snapshot.ConnectionLost = session.ConnectionLost
		c.snapshot.Final = true
		c.snapshot.UpdatedAt = c.now().UTC()
		snapshot := c.snapshot.Clone()
		c.mu.Unlock()

		c.logger.Info("progress_terminal",
			logging.F("status", session.Status),
			logging.F("connection_lost", session.ConnectionLost),
			logging.F("units_done", snapshot.UnitsDone),
			logging.F("units_total", snapshot.UnitsTotal),
		)
		c.publish(snapshot)
		if c.onTerminal != nil {
			c.onTerminal(session, msg)
		}
	})
}

func (c *Consumer) publish(snapshot types.ProgressSnapshot) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.updates <- snapshot:
		return
	default:
	}
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- snapshot:
	default:
	}
}

func sameReading(a, b Reading) bool {
	return a.Status == b.Status &&
		a.UnitsDone == b.UnitsDone &&
		a.UnitsTotal == b.UnitsTotal &&
		a.Label == b.Label &&
		len(b.Results) == 0
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrStreamIdle):
		return "idle timeout"
	case errors.Is(err, ErrStreamClosed):
		return "stream closed"
	case err == nil:
		return "stream ended"
	default:
		return "stream unavailable"
	}
}
