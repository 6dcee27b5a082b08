package progress

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nodectl/internal/client"
	"nodectl/internal/registry"
	"nodectl/internal/testutil"
	"nodectl/internal/types"
)

func TestNormalizePicksPresentCounterPair(t *testing.T) {
	chunks := Normalize(types.ProgressMessage{
		Status:          "processing",
		ProcessedChunks: testutil.Int(3),
		TotalChunks:     testutil.Int(8),
		ProcessedItems:  testutil.Int(999),
		CurrentStep:     "chunk 3",
	})
	require.Equal(t, types.SessionStatusRunning, chunks.Status)
	require.Equal(t, 3, chunks.UnitsDone)
	require.Equal(t, 8, chunks.UnitsTotal)
	require.Equal(t, "chunk 3", chunks.Label)

	items := Normalize(types.ProgressMessage{
		ProcessedItems: testutil.Int(40),
		TotalItems:     testutil.Int(200),
		Message:        "testing nodes",
	})
	require.Equal(t, 40, items.UnitsDone)
	require.Equal(t, 200, items.UnitsTotal)
	require.Equal(t, "testing nodes", items.Label)
}

func TestNormalizeDefaultsTotalToOne(t *testing.T) {
	reading := Normalize(types.ProgressMessage{Status: "done", TotalItems: testutil.Int(0)})
	require.Equal(t, 1, reading.UnitsTotal)
	require.Equal(t, 0, reading.UnitsDone)
	require.Equal(t, types.SessionStatusCompleted, reading.Status)
}

func TestMergeTailIsNewestFirstAndCapped(t *testing.T) {
	tail := mergeTail(nil, []types.OutcomeRecord{{NodeID: "a"}, {NodeID: "b"}}, 3)
	tail = mergeTail(tail, []types.OutcomeRecord{{NodeID: "c"}, {NodeID: "d"}}, 3)
	require.Equal(t, []string{"d", "c", "b"}, nodeIDs(tail))
}

type harness struct {
	backend  *testutil.Backend
	registry *registry.Registry
	session  *types.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := testutil.NewBackend(t)
	reg := registry.New()
	t.Cleanup(reg.Close)
	session := &types.Session{
		ID:        "job-1",
		Kind:      types.SessionKindImport,
		Origin:    types.SessionOriginUser,
		Status:    types.SessionStatusRunning,
		Transport: types.TransportAsync,
	}
	require.NoError(t, reg.Add(session))
	backend.AddJob(session.ID, session.Kind, types.ProgressMessage{Status: "running"})
	return &harness{backend: backend, registry: reg, session: session}
}

func (h *harness) consumer(opts ...Option) *Consumer {
	c := client.NewWithBaseURL(h.backend.URL(), "")
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	return NewConsumer(h.session, c, h.registry, opts...)
}

func runAsync(c *Consumer) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("consumer did not finish")
		return nil
	}
}

func TestStreamProgressDropsRegressionAndCompletes(t *testing.T) {
	h := newHarness(t)
	var terminalCalls int
	var mu sync.Mutex
	c := h.consumer(WithOnTerminal(func(*types.Session, types.ProgressMessage) {
		mu.Lock()
		terminalCalls++
		mu.Unlock()
	}))
	errCh := runAsync(c)
	require.True(t, h.backend.WaitForStream("job-1", time.Second))

	h.backend.Push("job-1", types.ProgressMessage{Status: "running", ProcessedChunks: testutil.Int(4), TotalChunks: testutil.Int(10)})
	require.Eventually(t, func() bool { return c.Snapshot().UnitsDone == 4 }, time.Second, 5*time.Millisecond)

	h.backend.Push("job-1", types.ProgressMessage{Status: "running", ProcessedChunks: testutil.Int(2), TotalChunks: testutil.Int(10)})
	h.backend.Push("job-1", types.ProgressMessage{Status: "running", ProcessedChunks: testutil.Int(6), TotalChunks: testutil.Int(10),
		Results: []types.OutcomeRecord{{NodeID: "n1", OK: true}}})
	require.Eventually(t, func() bool { return c.Snapshot().UnitsDone == 6 }, time.Second, 5*time.Millisecond)

	h.backend.Push("job-1", types.ProgressMessage{Status: "completed", ProcessedChunks: testutil.Int(9), TotalChunks: testutil.Int(10)})
	require.NoError(t, waitErr(t, errCh))

	snapshot := c.Snapshot()
	require.True(t, snapshot.Final)
	require.Equal(t, 100, snapshot.Percent)
	require.Equal(t, types.SessionStatusCompleted, snapshot.Status)
	require.Equal(t, []string{"n1"}, nodeIDs(snapshot.TailResults))

	stored, ok := h.registry.Get("job-1")
	require.True(t, ok)
	require.Equal(t, types.SessionStatusCompleted, stored.Status)

	// A late duplicate terminal message is a no-op.
	require.False(t, c.apply(types.ProgressMessage{Status: "failed"}))
	stored, _ = h.registry.Get("job-1")
	require.Equal(t, types.SessionStatusCompleted, stored.Status)
	mu.Lock()
	require.Equal(t, 1, terminalCalls)
	mu.Unlock()
}

func TestUpdatesAreMonotonic(t *testing.T) {
	h := newHarness(t)
	c := h.consumer()
	errCh := runAsync(c)
	require.True(t, h.backend.WaitForStream("job-1", time.Second))

	for _, done := range []int{1, 3, 2, 5, 5, 4} {
		h.backend.Push("job-1", types.ProgressMessage{Status: "running", ProcessedItems: testutil.Int(done), TotalItems: testutil.Int(5)})
	}
	h.backend.Push("job-1", types.ProgressMessage{Status: "completed", ProcessedItems: testutil.Int(5), TotalItems: testutil.Int(5)})
	require.NoError(t, waitErr(t, errCh))

	last := -1
	for snapshot := range c.Updates() {
		require.GreaterOrEqual(t, snapshot.UnitsDone, last)
		last = snapshot.UnitsDone
	}
	require.Equal(t, 5, last)
}

func TestStreamUnavailableFallsBackToPolling(t *testing.T) {
	h := newHarness(t)
	h.backend.FailStream(http.StatusNotImplemented)
	h.backend.SetProgress("job-1", types.ProgressMessage{Status: "completed", ProcessedItems: testutil.Int(7), TotalItems: testutil.Int(7)})

	c := h.consumer()
	require.NoError(t, waitErr(t, runAsync(c)))
	require.NotEmpty(t, h.backend.Requests("/api/jobs/sessions/job-1/progress"))
	require.Equal(t, types.SessionStatusCompleted, c.Snapshot().Status)
}

func TestIdleStreamFallsBackToPolling(t *testing.T) {
	h := newHarness(t)
	c := h.consumer(WithIdleTimeout(30 * time.Millisecond))
	errCh := runAsync(c)
	require.True(t, h.backend.WaitForStream("job-1", time.Second))
	h.backend.SetProgress("job-1", types.ProgressMessage{Status: "cancelled"})

	require.NoError(t, waitErr(t, errCh))
	stored, _ := h.registry.Get("job-1")
	require.Equal(t, types.SessionStatusCancelled, stored.Status)
}

func TestStreamClosedEarlyFallsBackToPolling(t *testing.T) {
	h := newHarness(t)
	c := h.consumer()
	errCh := runAsync(c)
	require.True(t, h.backend.WaitForStream("job-1", time.Second))
	h.backend.SetProgress("job-1", types.ProgressMessage{Status: "completed"})
	h.backend.EndStreams("job-1")

	require.NoError(t, waitErr(t, errCh))
	require.Equal(t, 100, c.Snapshot().Percent)
}

func TestRepeatedPollFailuresMarkConnectionLost(t *testing.T) {
	h := newHarness(t)
	h.backend.FailProgress(3)
	c := h.consumer(WithoutStream(), WithMaxPollFailures(3))

	err := waitErr(t, runAsync(c))
	require.Error(t, err)
	require.True(t, types.IsKind(err, types.ErrorTransport))
	require.True(t, errors.Is(err, types.ErrPollExhausted))

	stored, ok := h.registry.Get("job-1")
	require.True(t, ok)
	require.Equal(t, types.SessionStatusFailed, stored.Status)
	require.True(t, stored.ConnectionLost)
	require.Equal(t, "connection to job lost", stored.StatusText())
	require.True(t, c.Snapshot().ConnectionLost)
}

func TestPollFailuresResetOnSuccess(t *testing.T) {
	h := newHarness(t)
	h.backend.FailProgress(2)
	h.backend.SetProgress("job-1", types.ProgressMessage{Status: "failed", Error: "backend exploded"})
	c := h.consumer(WithoutStream(), WithMaxPollFailures(3))

	require.NoError(t, waitErr(t, runAsync(c)))
	stored, _ := h.registry.Get("job-1")
	require.Equal(t, types.SessionStatusFailed, stored.Status)
	require.False(t, stored.ConnectionLost)
	require.Equal(t, "job failed", stored.StatusText())
	require.Equal(t, "backend exploded", c.Snapshot().Error)
}

func TestStopLeavesStatusUntouched(t *testing.T) {
	h := newHarness(t)
	c := h.consumer()
	errCh := runAsync(c)
	require.True(t, h.backend.WaitForStream("job-1", time.Second))

	c.Stop()
	require.ErrorIs(t, waitErr(t, errCh), context.Canceled)
	stored, _ := h.registry.Get("job-1")
	require.Equal(t, types.SessionStatusRunning, stored.Status)
	require.False(t, c.apply(types.ProgressMessage{Status: "completed"}))
	stored, _ = h.registry.Get("job-1")
	require.Equal(t, types.SessionStatusRunning, stored.Status)
}

func TestTerminalHookCarriesDerivedSession(t *testing.T) {
	h := newHarness(t)
	type terminal struct {
		session *types.Session
		msg     types.ProgressMessage
	}
	got := make(chan terminal, 1)
	c := h.consumer(WithOnTerminal(func(session *types.Session, msg types.ProgressMessage) {
		got <- terminal{session: session, msg: msg}
	}))
	errCh := runAsync(c)
	require.True(t, h.backend.WaitForStream("job-1", time.Second))
	h.backend.Push("job-1", types.ProgressMessage{Status: "completed", DerivedSessionID: "job-2", DerivedKind: "test"})
	require.NoError(t, waitErr(t, errCh))

	select {
	case hook := <-got:
		require.Equal(t, types.SessionStatusCompleted, hook.session.Status)
		require.Equal(t, "job-2", hook.msg.DerivedSessionID)
	case <-time.After(time.Second):
		t.Fatalf("terminal hook not called")
	}
}

func nodeIDs(records []types.OutcomeRecord) []string {
	out := make([]string, 0, len(records))
	for _, record := range records {
		out = append(out, record.NodeID)
	}
	return out
}
