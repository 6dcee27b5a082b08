package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"nodectl/internal/cancellation"
	"nodectl/internal/checkpoint"
	"nodectl/internal/config"
	"nodectl/internal/logging"
	"nodectl/internal/metrics"
	"nodectl/internal/progress"
	"nodectl/internal/registry"
	"nodectl/internal/router"
	"nodectl/internal/selection"
	"nodectl/internal/store"
	"nodectl/internal/types"
)

const terminalWriteTimeout = 2 * time.Second

// Client is the backend surface the tracker drives. *client.Client satisfies it.
type Client interface {
	selection.Counter
	router.Backend
	progress.Client
	cancellation.Backend
}

// TerminalFunc observes every session that reaches a terminal state through
// its progress consumer.
type TerminalFunc func(session *types.Session, snapshot types.ProgressSnapshot)

// MountReport lists what Mount found in storage.
type MountReport struct {
	Resumed     []*types.Session
	Finished    []*types.Session
	Interrupted []*types.Session
}

// Tracker wires selection, routing, progress, the registry, checkpoints and
// cancellation into one facade.
type Tracker struct {
	client       Client
	cfg          config.Config
	logger       logging.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	consumerOpts []progress.Option
	onTerminal   TerminalFunc

	registry    *registry.Registry
	selection   *selection.State
	router      *router.Router
	checkpoints *checkpoint.Checkpointer
	cancels     *cancellation.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	consumers map[string]*follower
	finals    map[string]types.ProgressSnapshot
	syncOps   map[string]router.SyncOperation
	closed    bool
}

type Option func(*Tracker)

func WithConfig(cfg config.Config) Option {
	return func(t *Tracker) {
		t.cfg = cfg
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(t *Tracker) {
		t.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithConsumerOptions appends options to every progress consumer, after the
// ones derived from config.
func WithConsumerOptions(opts ...progress.Option) Option {
	return func(t *Tracker) {
		t.consumerOpts = append(t.consumerOpts, opts...)
	}
}

func WithOnTerminal(fn TerminalFunc) Option {
	return func(t *Tracker) {
		t.onTerminal = fn
	}
}

func New(client Client, kv store.KV, opts ...Option) *Tracker {
	t := &Tracker{
		client:    client,
		cfg:       config.Default(),
		logger:    logging.Nop(),
		now:       time.Now,
		consumers: map[string]*follower{},
		finals:    map[string]types.ProgressSnapshot{},
		syncOps:   map[string]router.SyncOperation{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.registry = registry.New(
		registry.WithExpiry(t.cfg.RegistryExpiry()),
		registry.WithGrace(t.cfg.RegistryGrace()),
		registry.WithLogger(t.logger),
		registry.WithMetrics(t.metrics),
		registry.WithClock(t.now),
	)
	t.selection = selection.New(client, selection.WithLogger(t.logger))
	t.checkpoints = checkpoint.New(kv, t.registry,
		checkpoint.WithInterval(t.cfg.CheckpointInterval()),
		checkpoint.WithBudget(t.cfg.CheckpointBudgetBytes()),
		checkpoint.WithDisplayWindow(t.cfg.CheckpointDisplayWindow()),
		checkpoint.WithSyncStaleness(t.cfg.SyncStaleness()),
		checkpoint.WithStaleness(t.cfg.Staleness()),
		checkpoint.WithProgress(t.progressFor),
		checkpoint.WithLogger(t.logger),
		checkpoint.WithMetrics(t.metrics),
		checkpoint.WithClock(t.now),
	)
	t.cancels = cancellation.New(client, t.registry,
		cancellation.WithRecorder(t.checkpoints),
		cancellation.WithLogger(t.logger),
		cancellation.WithMetrics(t.metrics),
	)
	t.router = router.New(client, t.registry,
		router.WithThresholds(router.Thresholds{
			ImportBytes:  t.cfg.ImportThresholdBytes(),
			TestNodes:    t.cfg.TestThresholdNodes(),
			ServiceNodes: t.cfg.ServiceThresholdNodes(),
		}),
		router.WithInFlight(t.checkpoints, t.cancels, syncObserver{t}),
		router.WithOnSession(t.follow),
		router.WithLogger(t.logger),
		router.WithMetrics(t.metrics),
		router.WithClock(t.now),
	)
	return t
}

// Start begins periodic checkpointing.
func (t *Tracker) Start() {
	t.checkpoints.Start(t.ctx)
}

func (t *Tracker) Selection() *selection.State {
	return t.selection
}

func (t *Tracker) Registry() *registry.Registry {
	return t.registry
}

// Submit routes req; async sessions are followed until terminal.
func (t *Tracker) Submit(ctx context.Context, req router.Request) (*router.Result, error) {
	return t.router.Submit(ctx, req)
}

// SubmitSelection submits a node operation against the current selection.
func (t *Tracker) SubmitSelection(ctx context.Context, kind types.SessionKind, params router.Params) (*router.Result, error) {
	return t.router.Submit(ctx, router.Request{
		Kind:   kind,
		Target: t.selection.Resolve(),
		Params: params,
	})
}

func (t *Tracker) Submitting() bool {
	return t.router.Submitting()
}

// SyncInFlight lists synchronous requests currently waiting on the backend.
// Their ids are accepted by Cancel.
func (t *Tracker) SyncInFlight() []router.SyncOperation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]router.SyncOperation, 0, len(t.syncOps))
	for _, op := range t.syncOps {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (t *Tracker) Cancel(ctx context.Context, sessionID string) (cancellation.Outcome, error) {
	return t.cancels.Cancel(ctx, sessionID)
}

func (t *Tracker) HasActive() bool {
	return t.registry.HasActive()
}

func (t *Tracker) CountActive() int {
	return t.registry.CountActive()
}

// ActiveTesting returns the running testing session, preferring one derived
// from an import over a user-submitted one.
func (t *Tracker) ActiveTesting() *types.Session {
	if session := t.registry.GetActiveByKindAndOrigin(types.SessionKindTest, types.SessionOriginDerived); session != nil {
		return session
	}
	return t.registry.GetActiveByKindAndOrigin(types.SessionKindTest, types.SessionOriginUser)
}

// Snapshot returns the live progress of a session, or its final snapshot
// once the consumer has finished.
func (t *Tracker) Snapshot(sessionID string) (types.ProgressSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.consumers[sessionID]; ok {
		return f.consumer.Snapshot(), true
	}
	snapshot, ok := t.finals[sessionID]
	return snapshot.Clone(), ok
}

// Updates exposes the snapshot feed of a followed session.
func (t *Tracker) Updates(sessionID string) (<-chan types.ProgressSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.consumers[sessionID]
	if !ok {
		return nil, false
	}
	return f.consumer.Updates(), true
}

// Wait blocks until the consumer of sessionID has finished and returns its
// last snapshot.
func (t *Tracker) Wait(ctx context.Context, sessionID string) (types.ProgressSnapshot, error) {
	t.mu.Lock()
	f, ok := t.consumers[sessionID]
	final, hasFinal := t.finals[sessionID]
	t.mu.Unlock()
	if !ok {
		if hasFinal {
			return final.Clone(), nil
		}
		return types.ProgressSnapshot{}, types.ErrSessionNotFound
	}
	select {
	case <-f.done:
		return f.final, nil
	case <-ctx.Done():
		return f.consumer.Snapshot(), ctx.Err()
	}
}

// Mount restores checkpointed sessions. Running async sessions are
// re-registered and followed again; they are never resubmitted.
func (t *Tracker) Mount(ctx context.Context) (MountReport, error) {
	var report MountReport
	result, err := t.checkpoints.Mount(ctx)
	if err != nil {
		return report, err
	}
	for _, cp := range result.Resume {
		session := cp.Session()
		session.Status = types.SessionStatusRunning
		if err := t.registry.Add(session); err != nil {
			t.logger.Warn("mount_resume_skipped", logging.F("session_id", session.ID), logging.Err(err))
			continue
		}
		t.follow(session)
		report.Resumed = append(report.Resumed, session)
	}
	for _, cp := range result.Finished {
		session := cp.Session()
		if err := t.registry.Add(session); err != nil && !errors.Is(err, types.ErrSessionExists) {
			t.logger.Debug("mount_finished_not_registered", logging.F("session_id", session.ID), logging.Err(err))
		}
		t.storeFinal(session, cp)
		report.Finished = append(report.Finished, session)
	}
	for _, cp := range result.Interrupted {
		session := cp.Session()
		report.Interrupted = append(report.Interrupted, session)
	}
	return report, nil
}

// Reconcile asks the backend once for the current state of a finished
// session. A terminal server status replaces the local one; a running status
// re-opens the session and follows it again. A failed fetch changes nothing.
func (t *Tracker) Reconcile(ctx context.Context, sessionID string) (*types.Session, error) {
	session, ok := t.registry.Get(sessionID)
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	if session.Active() {
		return session, nil
	}
	msg, err := t.client.GetProgress(ctx, sessionID)
	if err != nil {
		t.logger.Warn("reconcile_fetch_failed", logging.F("session_id", sessionID), logging.Err(err))
		return session, types.TransportError("reconcile", sessionID, err)
	}
	reading := progress.Normalize(*msg)
	connectionLost := false
	updated, err := t.registry.Update(sessionID, registry.Patch{
		Status:         &reading.Status,
		ConnectionLost: &connectionLost,
	})
	if err != nil {
		t.logger.Warn("reconcile_update_failed",
			logging.F("session_id", sessionID),
			logging.F("server_status", reading.Status),
			logging.Err(err),
		)
		return session, err
	}
	t.logger.Info("reconcile_result",
		logging.F("session_id", sessionID),
		logging.F("local_status", session.Status),
		logging.F("server_status", updated.Status),
	)
	if updated.Active() {
		t.checkpoints.Reopen(sessionID)
		t.mu.Lock()
		delete(t.finals, sessionID)
		t.mu.Unlock()
		t.follow(updated)
		return updated, nil
	}

	t.mu.Lock()
	if final, ok := t.finals[sessionID]; ok {
		final.Status = updated.Status
		final.ConnectionLost = false
		final.Error = reading.Error
		final.UnitsDone = max(final.UnitsDone, reading.UnitsDone)
		final.UnitsTotal = max(final.UnitsTotal, reading.UnitsTotal)
		final.Percent = types.Percent(final.UnitsDone, final.UnitsTotal)
		if updated.Status == types.SessionStatusCompleted {
			final.Percent = 100
		}
		t.finals[sessionID] = final
	}
	t.mu.Unlock()
	t.recordTerminal(updated)
	return updated, nil
}

// Flush writes checkpoints for everything in flight.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.checkpoints.Flush(ctx)
}

// Checkpoints lists stored checkpoints without mounting them.
func (t *Tracker) Checkpoints(ctx context.Context) ([]types.PersistedCheckpoint, error) {
	return t.checkpoints.List(ctx)
}

// Close flushes checkpoints, detaches every consumer and releases timers.
// Backend jobs keep running; the next Mount picks them up.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := make([]*progress.Consumer, 0, len(t.consumers))
	for _, f := range t.consumers {
		consumers = append(consumers, f.consumer)
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	err := t.checkpoints.Flush(ctx)
	cancel()
	if err != nil {
		t.logger.Warn("tracker_flush_failed", logging.Err(err))
	}
	for _, consumer := range consumers {
		consumer.Stop()
	}
	t.cancel()
	t.wg.Wait()
	t.checkpoints.Close()
	t.registry.Close()
	return nil
}

// follow starts a consumer for a registered running session.
func (t *Tracker) follow(session *types.Session) {
	opts := []progress.Option{
		progress.WithPollInterval(t.cfg.PollInterval()),
		progress.WithIdleTimeout(t.cfg.StreamIdleTimeout()),
		progress.WithMaxPollFailures(t.cfg.MaxPollFailures()),
		progress.WithTailLimit(t.cfg.TailLimit()),
		progress.WithLogger(t.logger),
		progress.WithMetrics(t.metrics),
		progress.WithClock(t.now),
	}
	if !t.cfg.StreamEnabled() {
		opts = append(opts, progress.WithoutStream())
	}
	opts = append(opts, t.consumerOpts...)
	var consumer *progress.Consumer
	opts = append(opts, progress.WithOnTerminal(func(finished *types.Session, msg types.ProgressMessage) {
		t.handleTerminal(consumer, finished, msg)
	}))
	consumer = progress.NewConsumer(session, t.client, t.registry, opts...)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if previous, ok := t.consumers[session.ID]; ok {
		previous.consumer.Stop()
	}
	f := &follower{consumer: consumer, done: make(chan struct{})}
	t.consumers[session.ID] = f
	t.wg.Add(1)
	t.mu.Unlock()
	t.cancels.Attach(session.ID, consumer)

	go func() {
		defer t.wg.Done()
		err := consumer.Run(t.ctx)
		t.cancels.Detach(session.ID, consumer)
		f.final = t.finalSnapshot(consumer)
		t.mu.Lock()
		if t.consumers[session.ID] == f {
			delete(t.consumers, session.ID)
			t.finals[session.ID] = f.final
		}
		t.mu.Unlock()
		close(f.done)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			t.logger.Debug("tracker_consumer_detached", logging.F("session_id", session.ID))
		default:
			t.logger.Warn("tracker_consumer_ended", logging.F("session_id", session.ID), logging.Err(err))
		}
	}()
}

func (t *Tracker) handleTerminal(consumer *progress.Consumer, session *types.Session, msg types.ProgressMessage) {
	t.recordTerminal(session)
	if session.Status == types.SessionStatusCompleted && msg.DerivedSessionID != "" {
		t.handoff(session, msg)
	}
	if t.onTerminal != nil {
		t.onTerminal(session.Clone(), consumer.Snapshot())
	}
}

// handoff registers the session a completed job spawned. An occupied slot
// keeps the existing session; the derived one is not followed.
func (t *Tracker) handoff(parent *types.Session, msg types.ProgressMessage) {
	kind, ok := types.ParseSessionKind(msg.DerivedKind)
	if !ok {
		kind = types.SessionKindTest
	}
	derived := &types.Session{
		ID:        msg.DerivedSessionID,
		Kind:      kind,
		Origin:    types.SessionOriginDerived,
		Status:    types.SessionStatusRunning,
		Transport: types.TransportAsync,
		ParentID:  parent.ID,
		StartedAt: t.now().UTC(),
		Target:    types.Target{Count: parent.Target.Count},
	}
	if err := t.registry.Add(derived); err != nil {
		level := t.logger.Warn
		if errors.Is(err, types.ErrSessionExists) {
			level = t.logger.Debug
		}
		level("handoff_rejected",
			logging.F("parent_id", parent.ID),
			logging.F("session_id", derived.ID),
			logging.F("kind", kind),
			logging.Err(err),
		)
		return
	}
	t.logger.Info("handoff_registered",
		logging.F("parent_id", parent.ID),
		logging.F("session_id", derived.ID),
		logging.F("kind", kind),
	)
	t.follow(derived)
}

func (t *Tracker) recordTerminal(session *types.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	if err := t.checkpoints.RecordTerminal(ctx, session); err != nil {
		t.logger.Debug("tracker_terminal_checkpoint_failed", logging.F("session_id", session.ID), logging.Err(err))
	}
}

func (t *Tracker) storeFinal(session *types.Session, cp types.PersistedCheckpoint) {
	snapshot := types.ProgressSnapshot{
		SessionID:      session.ID,
		Status:         session.Status,
		UnitsDone:      cp.UnitsDone,
		UnitsTotal:     max(cp.UnitsTotal, 1),
		CurrentLabel:   cp.Label,
		ConnectionLost: cp.ConnectionLost,
		Final:          true,
		UpdatedAt:      cp.SavedAt,
	}
	snapshot.Percent = types.Percent(snapshot.UnitsDone, snapshot.UnitsTotal)
	if session.Status == types.SessionStatusCompleted {
		snapshot.Percent = 100
	}
	t.mu.Lock()
	t.finals[session.ID] = snapshot
	t.mu.Unlock()
}

// finalSnapshot is the consumer's last snapshot with the registry's status
// laid over it; a consumer stopped by a cancel never saw the terminal message.
func (t *Tracker) finalSnapshot(consumer *progress.Consumer) types.ProgressSnapshot {
	final := consumer.Snapshot()
	current, ok := t.registry.Get(consumer.SessionID())
	if ok && current.Status.Terminal() && final.Status != current.Status {
		final.Status = current.Status
		final.ConnectionLost = current.ConnectionLost
		final.Final = true
	}
	return final
}

func (t *Tracker) progressFor(sessionID string) (types.ProgressSnapshot, bool) {
	t.mu.Lock()
	f, ok := t.consumers[sessionID]
	t.mu.Unlock()
	if !ok {
		return types.ProgressSnapshot{}, false
	}
	return f.consumer.Snapshot(), true
}

// follower is a running consumer; done closes once final is set.
type follower struct {
	consumer *progress.Consumer
	done     chan struct{}
	final    types.ProgressSnapshot
}

// syncObserver records in-flight synchronous requests so callers can find
// their ids.
type syncObserver struct {
	t *Tracker
}

func (o syncObserver) Begin(op router.SyncOperation, _ context.CancelFunc) {
	o.t.mu.Lock()
	defer o.t.mu.Unlock()
	o.t.syncOps[op.ID] = op
}

func (o syncObserver) End(op router.SyncOperation, _ error) {
	o.t.mu.Lock()
	defer o.t.mu.Unlock()
	delete(o.t.syncOps, op.ID)
}
