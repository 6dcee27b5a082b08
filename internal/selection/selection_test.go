package selection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"nodectl/internal/types"
)

type stubCounter struct {
	mu     sync.Mutex
	count  int
	err    error
	calls  int
	filter map[string]string
}

func (c *stubCounter) CountNodes(_ context.Context, filter map[string]string, _ []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.filter = filter
	return c.count, c.err
}

func TestExplicitSelectionDedupesAndKeepsOrder(t *testing.T) {
	s := New(nil)
	s.SelectExplicit([]string{"b", " a ", "", "b", "c"})

	target := s.Resolve()
	require.Equal(t, types.SelectionModeExplicit, target.Mode)
	require.Equal(t, []string{"b", "a", "c"}, target.IDs)
	require.Equal(t, 3, target.Count)
	require.Nil(t, target.Filter)
}

func TestToggleExplicitAddsAndRemoves(t *testing.T) {
	s := New(nil)
	s.Toggle("n1")
	s.Toggle("n2")
	s.Toggle("n1")

	require.Equal(t, []string{"n2"}, s.Resolve().IDs)
	require.False(t, s.Contains("n1"))
	require.True(t, s.Contains("n2"))
}

func TestSelectAllByFilterUsesCountOnly(t *testing.T) {
	counter := &stubCounter{count: 50000}
	s := New(counter)
	s.SelectExplicit([]string{"x"})

	count, err := s.SelectAllByFilter(context.Background(), map[string]string{"country": "de"})
	require.NoError(t, err)
	require.Equal(t, 50000, count)
	require.Equal(t, 1, counter.calls)

	target := s.Resolve()
	require.Equal(t, types.SelectionModeFiltered, target.Mode)
	require.Empty(t, target.IDs, "filtered mode must never carry ids")
	require.Equal(t, map[string]string{"country": "de"}, target.Filter)
	require.Equal(t, 50000, target.Count)
	require.False(t, target.Empty())
}

func TestCountFailureResetsCachedCount(t *testing.T) {
	counter := &stubCounter{count: 900}
	s := New(counter)
	_, err := s.SelectAllByFilter(context.Background(), map[string]string{"country": "de"})
	require.NoError(t, err)
	require.Equal(t, 900, s.CachedCount())

	counter.err = errors.New("boom")
	_, err = s.SelectAllByFilter(context.Background(), map[string]string{"country": "fr"})
	require.Error(t, err)
	require.Equal(t, 0, s.CachedCount())

	target := s.Resolve()
	require.Equal(t, types.SelectionModeFiltered, target.Mode)
	require.Equal(t, "fr", target.Filter["country"])
	require.True(t, target.CountStale)
	require.False(t, target.Empty(), "an unknown count is not an empty selection")
}

func TestToggleInFilteredModeUsesExclusionOverlay(t *testing.T) {
	s := New(&stubCounter{count: 10})
	_, err := s.SelectAllByFilter(context.Background(), map[string]string{"status": "up"})
	require.NoError(t, err)

	s.Toggle("n7")
	s.Toggle("n8")
	require.Equal(t, types.SelectionModeFiltered, s.Mode(), "filtered mode is never downgraded")
	require.Equal(t, 8, s.EffectiveCount())
	require.False(t, s.Contains("n7"))
	require.True(t, s.Contains("n9"))

	s.Toggle("n7")
	target := s.Resolve()
	require.Equal(t, []string{"n8"}, target.ExcludeIDs)
	require.Equal(t, 9, target.Count)
	require.Empty(t, target.IDs)
}

func TestEffectiveCountNeverNegative(t *testing.T) {
	s := New(&stubCounter{count: 1})
	_, err := s.SelectAllByFilter(context.Background(), map[string]string{"k": "v"})
	require.NoError(t, err)
	s.Toggle("a")
	s.Toggle("b")
	require.Equal(t, 0, s.EffectiveCount())
	require.True(t, s.IsEmpty())
}

func TestSwitchingModeClearsTheOther(t *testing.T) {
	s := New(&stubCounter{count: 3})
	_, err := s.SelectAllByFilter(context.Background(), map[string]string{"k": "v"})
	require.NoError(t, err)
	s.Toggle("a")

	s.SelectExplicit([]string{"z"})
	target := s.Resolve()
	require.Nil(t, target.Filter)
	require.Empty(t, target.ExcludeIDs)
	require.Equal(t, []string{"z"}, target.IDs)

	s.Clear()
	require.True(t, s.IsEmpty())
	require.Equal(t, types.SelectionModeExplicit, s.Mode())
}

func TestResolveReturnsDetachedSnapshot(t *testing.T) {
	s := New(nil)
	s.SelectExplicit([]string{"a"})
	target := s.Resolve()
	target.IDs[0] = "mutated"
	require.Equal(t, []string{"a"}, s.Resolve().IDs)
}
