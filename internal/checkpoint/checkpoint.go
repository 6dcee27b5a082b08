package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nodectl/internal/logging"
	"nodectl/internal/metrics"
	"nodectl/internal/router"
	"nodectl/internal/store"
	"nodectl/internal/types"
)

const (
	defaultInterval       = 1500 * time.Millisecond
	defaultBudgetBytes    = 100 * 1024
	defaultDisplayWindow  = 30 * time.Second
	defaultSyncStaleness  = 5 * time.Minute
	defaultAsyncStaleness = 30 * time.Minute
	writeTimeout          = 2 * time.Second

	syncSlot = "sync"
)

// SessionLister exposes the sessions to snapshot. The registry satisfies it.
type SessionLister interface {
	List() []*types.Session
}

// ProgressLookup returns the latest progress snapshot of a session, if any.
type ProgressLookup func(sessionID string) (types.ProgressSnapshot, bool)

// Key returns the storage key owned by the (kind, origin) slot.
func Key(kind types.SessionKind, origin types.SessionOrigin) string {
	return "checkpoint/" + string(kind) + "/" + string(origin)
}

// SyncKey returns the storage key of an in-flight synchronous request.
func SyncKey(kind types.SessionKind) string {
	return "checkpoint/" + string(kind) + "/" + syncSlot
}

// Keys lists every key the checkpointer may write.
func Keys() []string {
	out := make([]string, 0, len(types.SessionKinds)*3)
	for _, kind := range types.SessionKinds {
		out = append(out,
			Key(kind, types.SessionOriginUser),
			Key(kind, types.SessionOriginDerived),
			SyncKey(kind),
		)
	}
	return out
}

// MountResult sorts the fresh checkpoints found at startup.
type MountResult struct {
	// Resume holds running async sessions to re-attach to.
	Resume []types.PersistedCheckpoint
	// Finished holds terminal checkpoints still inside their display window.
	Finished []types.PersistedCheckpoint
	// Interrupted holds synchronous requests that died with the previous
	// process; their outcome is unknown.
	Interrupted []types.PersistedCheckpoint
}

// Checkpointer is the only writer of checkpoint keys. Storage failures are
// logged and counted, never surfaced to the operation being tracked.
type Checkpointer struct {
	kv       store.KV
	sessions SessionLister
	progress ProgressLookup

	interval       time.Duration
	budget         int
	displayWindow  time.Duration
	syncStaleness  time.Duration
	asyncStaleness map[types.SessionKind]time.Duration
	logger         logging.Logger
	metrics        *metrics.Metrics
	now            func() time.Time

	// syncMu orders sync checkpoint writes so a flush cannot land after End.
	syncMu sync.Mutex
	// sessionMu does the same for async session keys and RecordTerminal.
	sessionMu sync.Mutex
	mu       sync.Mutex
	terminal map[string]bool
	syncOps  map[string]router.SyncOperation
	timers   map[string]*time.Timer
	stop     chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

type Option func(*Checkpointer)

func WithInterval(interval time.Duration) Option {
	return func(c *Checkpointer) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

func WithBudget(bytes int) Option {
	return func(c *Checkpointer) {
		if bytes > 0 {
			c.budget = bytes
		}
	}
}

func WithDisplayWindow(window time.Duration) Option {
	return func(c *Checkpointer) {
		if window > 0 {
			c.displayWindow = window
		}
	}
}

func WithSyncStaleness(window time.Duration) Option {
	return func(c *Checkpointer) {
		if window > 0 {
			c.syncStaleness = window
		}
	}
}

// WithStaleness overrides the async resumption window per kind.
func WithStaleness(windows map[string]time.Duration) Option {
	return func(c *Checkpointer) {
		for raw, window := range windows {
			kind, ok := types.ParseSessionKind(raw)
			if !ok || window <= 0 {
				continue
			}
			c.asyncStaleness[kind] = window
		}
	}
}

func WithProgress(lookup ProgressLookup) Option {
	return func(c *Checkpointer) {
		c.progress = lookup
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Checkpointer) {
		c.logger = logging.OrNop(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Checkpointer) {
		c.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Checkpointer) {
		if now != nil {
			c.now = now
		}
	}
}

func New(kv store.KV, sessions SessionLister, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		kv:            kv,
		sessions:      sessions,
		interval:      defaultInterval,
		budget:        defaultBudgetBytes,
		displayWindow: defaultDisplayWindow,
		syncStaleness: defaultSyncStaleness,
		asyncStaleness: map[types.SessionKind]time.Duration{
			types.SessionKindImport:         defaultAsyncStaleness,
			types.SessionKindTest:           defaultAsyncStaleness,
			types.SessionKindServiceControl: defaultAsyncStaleness,
		},
		logger:   logging.Nop(),
		now:      time.Now,
		terminal: map[string]bool{},
		syncOps:  map[string]router.SyncOperation{},
		timers:   map[string]*time.Timer{},
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start flushes on every interval tick until ctx ends or Close is called.
func (c *Checkpointer) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				_ = c.Flush(ctx)
			}
		}
	}()
}

// Close stops the ticker and pending removals. Checkpoints already written
// stay in storage for the next Mount.
func (c *Checkpointer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	for key, timer := range c.timers {
		timer.Stop()
		delete(c.timers, key)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Flush writes a checkpoint for every running session and every in-flight
// synchronous request. It is safe to call on shutdown.
func (c *Checkpointer) Flush(ctx context.Context) error {
	var errs []error
	if c.sessions != nil {
		for _, session := range c.sessions.List() {
			if !session.Active() {
				continue
			}
			if err := c.flushSession(ctx, session); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.syncMu.Lock()
	for _, op := range c.pendingSync() {
		if err := c.write(ctx, SyncKey(op.Kind), c.fromSyncOperation(op, types.SessionStatusRunning)); err != nil {
			errs = append(errs, err)
		}
	}
	c.syncMu.Unlock()
	return errors.Join(errs...)
}

// flushSession writes the running checkpoint of session unless a terminal
// one was recorded since the session list was read.
func (c *Checkpointer) flushSession(ctx context.Context, session *types.Session) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.isTerminal(session.ID) {
		return nil
	}
	return c.write(ctx, Key(session.Kind, session.Origin), c.fromSession(session))
}

// Reopen lets running checkpoints be written again for a session whose
// terminal status was withdrawn.
func (c *Checkpointer) Reopen(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.terminal, sessionID)
}

// RecordTerminal writes the terminal checkpoint of session and schedules its
// removal once the display window has passed.
func (c *Checkpointer) RecordTerminal(ctx context.Context, session *types.Session) error {
	if session == nil || !session.Status.Terminal() {
		return nil
	}
	c.sessionMu.Lock()
	c.markTerminal(session.ID)
	key := Key(session.Kind, session.Origin)
	err := c.write(ctx, key, c.fromSession(session))
	c.sessionMu.Unlock()
	if err != nil {
		return err
	}
	c.scheduleRetire(key, session.ID, c.displayWindow)
	return nil
}

// Begin checkpoints a synchronous request as running.
func (c *Checkpointer) Begin(op router.SyncOperation, _ context.CancelFunc) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	c.mu.Lock()
	c.syncOps[op.ID] = op
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.write(ctx, SyncKey(op.Kind), c.fromSyncOperation(op, types.SessionStatusRunning))
}

// End replaces the running sync checkpoint with its terminal outcome.
func (c *Checkpointer) End(op router.SyncOperation, err error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	c.mu.Lock()
	delete(c.syncOps, op.ID)
	c.terminal[op.ID] = true
	c.mu.Unlock()

	status := types.SessionStatusCompleted
	switch {
	case errors.Is(err, types.ErrAborted):
		status = types.SessionStatusCancelled
	case err != nil:
		status = types.SessionStatusFailed
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	key := SyncKey(op.Kind)
	if writeErr := c.write(ctx, key, c.fromSyncOperation(op, status)); writeErr != nil {
		return
	}
	c.scheduleRetire(key, op.ID, c.displayWindow)
}

// Mount reads every checkpoint key and sorts the fresh ones. Stale and
// unreadable checkpoints are discarded.
func (c *Checkpointer) Mount(ctx context.Context) (MountResult, error) {
	var result MountResult
	now := c.now().UTC()
	for _, key := range Keys() {
		data, ok, err := c.kv.Load(ctx, key)
		if err != nil {
			c.metrics.CheckpointMount("error")
			return result, types.PersistenceError("load", "", fmt.Errorf("%s: %w", key, err))
		}
		if !ok {
			continue
		}
		var cp types.PersistedCheckpoint
		if err := json.Unmarshal(data, &cp); err != nil || cp.SessionID == "" {
			c.metrics.CheckpointMount("invalid")
			c.logger.Warn("checkpoint_invalid", logging.F("key", key), logging.Err(err))
			c.discard(ctx, key)
			continue
		}
		// The reduced form drops origin and transport; the key still has both.
		restoreSlot(key, &cp)
		if now.Sub(cp.SavedAt) > c.stalenessFor(cp) {
			c.metrics.CheckpointMount("stale")
			c.logger.Info("checkpoint_stale",
				logging.F("key", key),
				logging.F("session_id", cp.SessionID),
				logging.F("saved_at", cp.SavedAt),
			)
			c.discard(ctx, key)
			continue
		}
		switch {
		case cp.Transport == types.TransportSync && cp.Status == types.SessionStatusRunning:
			cp.Status = types.SessionStatusFailed
			cp.SavedAt = now
			if err := c.write(ctx, key, cp); err == nil {
				c.scheduleRetire(key, cp.SessionID, c.displayWindow)
			}
			c.markTerminal(cp.SessionID)
			c.metrics.CheckpointMount("interrupted")
			result.Interrupted = append(result.Interrupted, cp)
		case cp.Status == types.SessionStatusRunning:
			c.metrics.CheckpointMount("resumed")
			result.Resume = append(result.Resume, cp)
		default:
			remaining := c.displayWindow - now.Sub(cp.SavedAt)
			if remaining < 0 {
				remaining = 0
			}
			c.markTerminal(cp.SessionID)
			c.scheduleRetire(key, cp.SessionID, remaining)
			c.metrics.CheckpointMount("finished")
			result.Finished = append(result.Finished, cp)
		}
	}
	c.logger.Info("checkpoint_mount",
		logging.F("backend", c.kv.Backend()),
		logging.F("resume", len(result.Resume)),
		logging.F("finished", len(result.Finished)),
		logging.F("interrupted", len(result.Interrupted)),
	)
	return result, nil
}

// List returns every stored checkpoint without modifying storage.
func (c *Checkpointer) List(ctx context.Context) ([]types.PersistedCheckpoint, error) {
	var out []types.PersistedCheckpoint
	for _, key := range Keys() {
		data, ok, err := c.kv.Load(ctx, key)
		if err != nil {
			return nil, types.PersistenceError("load", "", fmt.Errorf("%s: %w", key, err))
		}
		if !ok {
			continue
		}
		var cp types.PersistedCheckpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Stale reports whether cp is past its resumption window.
func (c *Checkpointer) Stale(cp types.PersistedCheckpoint) bool {
	return c.now().Sub(cp.SavedAt) > c.stalenessFor(cp)
}

func (c *Checkpointer) stalenessFor(cp types.PersistedCheckpoint) time.Duration {
	if cp.Transport == types.TransportSync {
		return c.syncStaleness
	}
	if window, ok := c.asyncStaleness[cp.Kind]; ok {
		return window
	}
	return defaultAsyncStaleness
}

// write encodes cp, falling back to the reduced form when it exceeds the
// budget. A checkpoint that still does not fit is skipped.
func (c *Checkpointer) write(ctx context.Context, key string, cp types.PersistedCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return c.failed("encode", cp.SessionID, err)
	}
	result := "full"
	if len(data) > c.budget {
		reduced, err := json.Marshal(cp.Reduced())
		if err != nil {
			return c.failed("encode", cp.SessionID, err)
		}
		c.logger.Warn("checkpoint_reduced",
			logging.F("session_id", cp.SessionID),
			logging.F("bytes", len(data)),
			logging.F("reduced_bytes", len(reduced)),
			logging.F("budget", c.budget),
		)
		data = reduced
		result = "reduced"
	}
	if len(data) > c.budget {
		c.metrics.CheckpointWrite("over_budget", len(data))
		err := types.PersistenceError("write", cp.SessionID, fmt.Errorf("%w: %d > %d bytes", types.ErrOverBudget, len(data), c.budget))
		c.logger.Error("checkpoint_write_skipped", logging.F("key", key), logging.Err(err))
		return err
	}
	if err := c.kv.Save(ctx, key, data); err != nil {
		return c.failed("write", cp.SessionID, err)
	}
	c.metrics.CheckpointWrite(result, len(data))
	return nil
}

func (c *Checkpointer) failed(op, sessionID string, err error) error {
	c.metrics.CheckpointWrite("error", 0)
	perr := types.PersistenceError(op, sessionID, err)
	c.logger.Error("checkpoint_write_failed", logging.Err(perr))
	return perr
}

func (c *Checkpointer) discard(ctx context.Context, key string) {
	if err := c.kv.Remove(ctx, key); err != nil {
		c.logger.Warn("checkpoint_discard_failed", logging.F("key", key), logging.Err(err))
	}
}

func (c *Checkpointer) scheduleRetire(key, sessionID string, after time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	timerKey := key + "#" + sessionID
	if existing, ok := c.timers[timerKey]; ok {
		existing.Stop()
	}
	c.timers[timerKey] = time.AfterFunc(after, func() {
		c.mu.Lock()
		delete(c.timers, timerKey)
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		c.retire(ctx, key, sessionID)
	})
}

// retire removes the checkpoint at key only when it still belongs to
// sessionID and records a terminal status. A running checkpoint is never
// removed here.
func (c *Checkpointer) retire(ctx context.Context, key, sessionID string) bool {
	lock := &c.sessionMu
	if strings.HasSuffix(key, "/"+syncSlot) {
		lock = &c.syncMu
	}
	lock.Lock()
	defer lock.Unlock()
	data, ok, err := c.kv.Load(ctx, key)
	if err != nil || !ok {
		return false
	}
	var cp types.PersistedCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return false
	}
	if cp.SessionID != sessionID {
		return false
	}
	if !cp.Status.Terminal() {
		c.logger.Warn("checkpoint_retire_refused",
			logging.F("key", key),
			logging.F("session_id", sessionID),
			logging.F("status", cp.Status),
		)
		return false
	}
	if err := c.kv.Remove(ctx, key); err != nil {
		c.logger.Warn("checkpoint_retire_failed", logging.F("key", key), logging.Err(err))
		return false
	}
	c.mu.Lock()
	delete(c.terminal, sessionID)
	c.mu.Unlock()
	c.logger.Debug("checkpoint_retired", logging.F("key", key), logging.F("session_id", sessionID))
	return true
}

func (c *Checkpointer) fromSession(session *types.Session) types.PersistedCheckpoint {
	now := c.now().UTC()
	started := session.StartedAt
	cp := types.PersistedCheckpoint{
		SessionID:      session.ID,
		Kind:           session.Kind,
		Status:         session.Status,
		UnitsTotal:     max(session.Target.Count, 1),
		SavedAt:        now,
		Origin:         session.Origin,
		Transport:      session.Transport,
		StartedAt:      &started,
		ParentID:       session.ParentID,
		ConnectionLost: session.ConnectionLost,
	}
	if cp.Transport == "" {
		cp.Transport = types.TransportAsync
	}
	summary := session.Target.Summary()
	cp.Target = &summary
	if c.progress != nil {
		if snapshot, ok := c.progress(session.ID); ok {
			cp.UnitsDone = snapshot.UnitsDone
			if snapshot.UnitsTotal > 1 || cp.UnitsTotal <= 1 {
				cp.UnitsTotal = max(snapshot.UnitsTotal, 1)
			}
			cp.Label = snapshot.CurrentLabel
		}
	}
	return cp
}

func (c *Checkpointer) fromSyncOperation(op router.SyncOperation, status types.SessionStatus) types.PersistedCheckpoint {
	started := op.StartedAt
	summary := op.Target.Summary()
	return types.PersistedCheckpoint{
		SessionID:  op.ID,
		Kind:       op.Kind,
		Status:     status,
		UnitsTotal: max(op.Target.Count, 1),
		SavedAt:    c.now().UTC(),
		Origin:     types.SessionOriginUser,
		Transport:  types.TransportSync,
		StartedAt:  &started,
		Target:     &summary,
	}
}

func (c *Checkpointer) isTerminal(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal[sessionID]
}

func (c *Checkpointer) markTerminal(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminal[sessionID] = true
}

func (c *Checkpointer) pendingSync() []router.SyncOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]router.SyncOperation, 0, len(c.syncOps))
	for _, op := range c.syncOps {
		out = append(out, op)
	}
	return out
}

// restoreSlot sets the origin and transport encoded in key.
func restoreSlot(key string, cp *types.PersistedCheckpoint) {
	switch key[strings.LastIndex(key, "/")+1:] {
	case syncSlot:
		cp.Transport = types.TransportSync
		cp.Origin = types.SessionOriginUser
	case string(types.SessionOriginUser):
		cp.Origin = types.SessionOriginUser
	case string(types.SessionOriginDerived):
		cp.Origin = types.SessionOriginDerived
	}
	if cp.Transport == "" {
		cp.Transport = types.TransportAsync
	}
}
