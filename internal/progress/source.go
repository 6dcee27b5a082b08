package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nodectl/internal/logging"
	"nodectl/internal/metrics"
	"nodectl/internal/types"
)

var (
	ErrStreamIdle   = errors.New("progress stream idle")
	ErrStreamClosed = errors.New("progress stream closed before a terminal message")
)

// Client is the backend surface the progress transports need.
type Client interface {
	ProgressStream(ctx context.Context, sessionID string) (<-chan types.ProgressMessage, func(), error)
	GetProgress(ctx context.Context, sessionID string) (*types.ProgressMessage, error)
}

// Source is one progress transport. Run feeds messages to emit until emit
// returns false, the context ends, or the transport fails.
type Source interface {
	Name() string
	Run(ctx context.Context, sessionID string, emit func(types.ProgressMessage) bool) error
}

type StreamSource struct {
	client  Client
	idle    time.Duration
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewStreamSource(client Client, idle time.Duration, logger logging.Logger, m *metrics.Metrics) *StreamSource {
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &StreamSource{client: client, idle: idle, logger: logging.OrNop(logger), metrics: m}
}

func (s *StreamSource) Name() string { return "stream" }

func (s *StreamSource) Run(ctx context.Context, sessionID string, emit func(types.ProgressMessage) bool) error {
	ch, stop, err := s.client.ProgressStream(ctx, sessionID)
	if err != nil {
		return err
	}
	defer stop()
	s.metrics.TransportEvent("stream_open")

	idle := time.NewTimer(s.idle)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return ErrStreamIdle
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrStreamClosed
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idle)
			if !emit(msg) {
				return nil
			}
		}
	}
}

type PollSource struct {
	client      Client
	interval    time.Duration
	maxFailures int
	logger      logging.Logger
	metrics     *metrics.Metrics
}

func NewPollSource(client Client, interval time.Duration, maxFailures int, logger logging.Logger, m *metrics.Metrics) *PollSource {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if maxFailures <= 0 {
		maxFailures = defaultMaxPollFailures
	}
	return &PollSource{
		client:      client,
		interval:    interval,
		maxFailures: maxFailures,
		logger:      logging.OrNop(logger),
		metrics:     m,
	}
}

func (p *PollSource) Name() string { return "poll" }

// Run polls immediately and then every interval. maxFailures consecutive
// failed polls end the run with a transport error wrapping ErrPollExhausted.
func (p *PollSource) Run(ctx context.Context, sessionID string, emit func(types.ProgressMessage) bool) error {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		msg, err := p.client.GetProgress(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			p.metrics.TransportEvent("poll_failure")
			p.logger.Warn("progress_poll_failed",
				logging.F("session_id", sessionID),
				logging.F("failures", failures),
				logging.Err(err),
			)
			if failures >= p.maxFailures {
				return types.TransportError("poll", sessionID, fmt.Errorf("%w: %v", types.ErrPollExhausted, err))
			}
		} else {
			failures = 0
			if !emit(*msg) {
				return nil
			}
		}
		timer.Reset(p.interval)
	}
}
