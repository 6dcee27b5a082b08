package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"nodectl/internal/client"
	"nodectl/internal/logging"
	"nodectl/internal/metrics"
	"nodectl/internal/types"
)

// Backend is the submission surface of the node backend.
type Backend interface {
	RunSync(ctx context.Context, kind types.SessionKind, body any) (*types.SyncResult, error)
	SubmitAsync(ctx context.Context, kind types.SessionKind, body any, idempotencyKey string) (string, error)
}

// Registrar receives sessions created by async submissions.
type Registrar interface {
	Add(session *types.Session) error
	GetActiveByKindAndOrigin(kind types.SessionKind, origin types.SessionOrigin) *types.Session
}

// SyncOperation describes a synchronous request while it is in flight.
type SyncOperation struct {
	ID        string
	Kind      types.SessionKind
	Target    types.Target
	StartedAt time.Time
}

// InFlight observes synchronous requests. Begin hands over the cancel func
// that aborts the request; End receives the request error, nil on success.
type InFlight interface {
	Begin(op SyncOperation, cancel context.CancelFunc)
	End(op SyncOperation, err error)
}

type Thresholds struct {
	ImportBytes  int
	TestNodes    int
	ServiceNodes int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ImportBytes:  500 * 1024,
		TestNodes:    200,
		ServiceNodes: 200,
	}
}

func (t Thresholds) For(kind types.SessionKind) int {
	switch kind {
	case types.SessionKindImport:
		return t.ImportBytes
	case types.SessionKindTest:
		return t.TestNodes
	case types.SessionKindServiceControl:
		return t.ServiceNodes
	default:
		return 0
	}
}

type Params struct {
	TestType    string
	Concurrency int
	Action      string
}

type Request struct {
	Kind    types.SessionKind
	Target  types.Target
	Payload []byte
	Params  Params
}

// Result carries exactly one of Sync or Session.
type Result struct {
	Transport types.Transport
	Cost      int
	Sync      *types.SyncResult
	Session   *types.Session
}

// Router picks the synchronous or asynchronous endpoint for a request and
// allows one submission at a time.
type Router struct {
	backend    Backend
	registrar  Registrar
	thresholds Thresholds
	inFlight   []InFlight
	onSession  func(*types.Session)
	logger     logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	newID      func() string
	submitting atomic.Bool
}

type Option func(*Router)

func WithThresholds(thresholds Thresholds) Option {
	return func(r *Router) {
		defaults := DefaultThresholds()
		if thresholds.ImportBytes <= 0 {
			thresholds.ImportBytes = defaults.ImportBytes
		}
		if thresholds.TestNodes <= 0 {
			thresholds.TestNodes = defaults.TestNodes
		}
		if thresholds.ServiceNodes <= 0 {
			thresholds.ServiceNodes = defaults.ServiceNodes
		}
		r.thresholds = thresholds
	}
}

func WithInFlight(observers ...InFlight) Option {
	return func(r *Router) {
		for _, observer := range observers {
			if observer != nil {
				r.inFlight = append(r.inFlight, observer)
			}
		}
	}
}

// WithOnSession runs after an async session has been registered.
func WithOnSession(fn func(*types.Session)) Option {
	return func(r *Router) {
		r.onSession = fn
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(r *Router) {
		r.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

func New(backend Backend, registrar Registrar, opts ...Option) *Router {
	r := &Router{
		backend:    backend,
		registrar:  registrar,
		thresholds: DefaultThresholds(),
		logger:     logging.Nop(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submitting reports whether a submission is in flight.
func (r *Router) Submitting() bool {
	return r.submitting.Load()
}

// Submit routes req. Every failure is a submission error and leaves no
// session behind.
func (r *Router) Submit(ctx context.Context, req Request) (*Result, error) {
	op := string(req.Kind)
	if !r.submitting.CompareAndSwap(false, true) {
		r.metrics.SubmissionError(op, "in_flight")
		return nil, types.SubmissionError(op, types.ErrSubmissionInFlight)
	}
	defer r.submitting.Store(false)

	body, target, err := r.prepare(req)
	if err != nil {
		r.metrics.SubmissionError(op, "invalid")
		return nil, types.SubmissionError(op, err)
	}
	cost := costOf(req.Kind, target)
	threshold := r.thresholds.For(req.Kind)
	async := cost >= threshold || (target.Mode == types.SelectionModeFiltered && target.CountStale)

	r.logger.Info("submission_routed",
		logging.F("kind", req.Kind),
		logging.F("cost", formatCost(req.Kind, cost)),
		logging.F("threshold", formatCost(req.Kind, threshold)),
		logging.F("async", async),
		logging.F("count_stale", target.CountStale),
	)
	if async {
		return r.submitAsync(ctx, req.Kind, body, target, cost)
	}
	return r.submitSync(ctx, req.Kind, body, target, cost)
}

func (r *Router) submitSync(ctx context.Context, kind types.SessionKind, body any, target types.Target, cost int) (*Result, error) {
	op := SyncOperation{
		ID:        "sync-" + r.newID(),
		Kind:      kind,
		Target:    target.Summary(),
		StartedAt: r.now().UTC(),
	}
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, observer := range r.inFlight {
		observer.Begin(op, cancel)
	}
	result, err := r.backend.RunSync(reqCtx, kind, body)
	aborted := err != nil && reqCtx.Err() != nil && ctx.Err() == nil
	if aborted {
		err = fmt.Errorf("%w: %w", types.ErrAborted, err)
	}
	for _, observer := range r.inFlight {
		observer.End(op, err)
	}
	if err != nil {
		if aborted {
			r.metrics.SubmissionError(string(kind), "aborted")
			r.logger.Info("submission_aborted", logging.F("kind", kind), logging.F("operation_id", op.ID))
			return nil, types.SubmissionError(string(kind), err)
		}
		r.metrics.SubmissionError(string(kind), "backend")
		r.logger.Warn("submission_failed", logging.F("kind", kind), logging.F("transport", types.TransportSync), logging.Err(err))
		return nil, types.SubmissionError(string(kind), err)
	}
	r.metrics.Submission(string(kind), string(types.TransportSync))
	return &Result{Transport: types.TransportSync, Cost: cost, Sync: result}, nil
}

func (r *Router) submitAsync(ctx context.Context, kind types.SessionKind, body any, target types.Target, cost int) (*Result, error) {
	if r.registrar != nil {
		if active := r.registrar.GetActiveByKindAndOrigin(kind, types.SessionOriginUser); active != nil {
			r.metrics.SubmissionError(string(kind), "slot_occupied")
			return nil, types.SubmissionError(string(kind), fmt.Errorf("%w: %s", types.ErrSlotOccupied, active.ID))
		}
	}
	key := r.newID()
	sessionID, err := r.backend.SubmitAsync(ctx, kind, body, key)
	if err != nil {
		r.metrics.SubmissionError(string(kind), "backend")
		r.logger.Warn("submission_failed", logging.F("kind", kind), logging.F("transport", types.TransportAsync), logging.Err(err))
		return nil, types.SubmissionError(string(kind), err)
	}
	session := &types.Session{
		ID:        sessionID,
		Kind:      kind,
		Origin:    types.SessionOriginUser,
		Status:    types.SessionStatusRunning,
		Transport: types.TransportAsync,
		StartedAt: r.now().UTC(),
		Target:    target,
	}
	if r.registrar != nil {
		if err := r.registrar.Add(session); err != nil {
			r.metrics.SubmissionError(string(kind), "register")
			r.logger.Error("submission_register_failed",
				logging.F("kind", kind),
				logging.F("session_id", sessionID),
				logging.Err(err),
			)
			return nil, types.SubmissionError(string(kind), err)
		}
	}
	r.metrics.Submission(string(kind), string(types.TransportAsync))
	r.logger.Info("submission_accepted",
		logging.F("kind", kind),
		logging.F("session_id", sessionID),
		logging.F("idempotency_key", key),
	)
	if r.onSession != nil {
		r.onSession(session.Clone())
	}
	return &Result{Transport: types.TransportAsync, Cost: cost, Session: session}, nil
}

// prepare validates req and builds the backend body plus the target snapshot
// stored on the session.
func (r *Router) prepare(req Request) (any, types.Target, error) {
	switch req.Kind {
	case types.SessionKindImport:
		if len(strings.TrimSpace(string(req.Payload))) == 0 {
			return nil, types.Target{}, errors.New("import payload is empty")
		}
		target := types.Target{
			PayloadBytes: len(req.Payload),
			Count:        countItems(req.Payload),
		}
		return client.ImportRequest{Data: string(req.Payload)}, target, nil
	case types.SessionKindTest, types.SessionKindServiceControl:
		target := req.Target.Clone()
		if target.Empty() {
			return nil, types.Target{}, types.ErrEmptyTarget
		}
		body := client.NodeOperationRequest{
			TestType:    strings.TrimSpace(req.Params.TestType),
			Concurrency: req.Params.Concurrency,
		}
		if req.Kind == types.SessionKindServiceControl {
			action := strings.ToLower(strings.TrimSpace(req.Params.Action))
			if action != "start" && action != "stop" {
				return nil, types.Target{}, fmt.Errorf("unsupported service action %q", req.Params.Action)
			}
			body.Action = action
			body.TestType = ""
		}
		if target.Mode == types.SelectionModeFiltered {
			body.Filter = target.Filter
			body.ExcludeIDs = target.ExcludeIDs
		} else {
			body.NodeIDs = target.IDs
		}
		return body, target, nil
	default:
		return nil, types.Target{}, fmt.Errorf("unsupported operation kind %q", req.Kind)
	}
}

func costOf(kind types.SessionKind, target types.Target) int {
	if kind == types.SessionKindImport {
		return target.PayloadBytes
	}
	if target.Mode == types.SelectionModeExplicit {
		return len(target.IDs)
	}
	return target.Count
}

func formatCost(kind types.SessionKind, cost int) string {
	if kind == types.SessionKindImport {
		return humanize.IBytes(uint64(cost))
	}
	return humanize.Comma(int64(cost)) + " nodes"
}

func countItems(payload []byte) int {
	count := 0
	for _, line := range strings.Split(string(payload), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}
