package selection

import (
	"context"
	"strings"
	"sync"

	"nodectl/internal/logging"
	"nodectl/internal/types"
)

// Counter answers count-only queries; it never returns ids.
type Counter interface {
	CountNodes(ctx context.Context, filter map[string]string, exclude []string) (int, error)
}

// State is the node selection behind a bulk action. Explicit ids and a
// filter are mutually exclusive. In filtered mode the matching ids are never
// materialised: toggling a node adds it to an exclusion overlay instead.
type State struct {
	mu          sync.Mutex
	counter     Counter
	logger      logging.Logger
	mode        types.SelectionMode
	explicit    []string
	explicitSet map[string]struct{}
	filter      map[string]string
	excluded    []string
	excludedSet map[string]struct{}
	cachedCount int
	countStale  bool
}

type Option func(*State)

func WithLogger(logger logging.Logger) Option {
	return func(s *State) {
		s.logger = logging.OrNop(logger)
	}
}

func New(counter Counter, opts ...Option) *State {
	s := &State{
		counter:     counter,
		logger:      logging.Nop(),
		mode:        types.SelectionModeExplicit,
		explicitSet: map[string]struct{}{},
		excludedSet: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectExplicit replaces the selection with ids. Blank ids are dropped and
// the first-seen order is kept.
func (s *State) SelectExplicit(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(types.SelectionModeExplicit)
	for _, id := range ids {
		s.addExplicitLocked(id)
	}
}

// SelectAllByFilter switches to filtered mode and runs one count query. On
// failure the filter is still recorded but the cached count is reset to zero
// and marked stale, so a count from an earlier filter never leaks through.
func (s *State) SelectAllByFilter(ctx context.Context, filter map[string]string) (int, error) {
	clean := cleanFilter(filter)
	s.mu.Lock()
	s.resetLocked(types.SelectionModeFiltered)
	s.filter = clean
	s.countStale = true
	counter := s.counter
	s.mu.Unlock()

	if counter == nil {
		return 0, nil
	}
	count, err := counter.CountNodes(ctx, copyFilter(clean), nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != types.SelectionModeFiltered || !sameFilter(s.filter, clean) {
		// A newer selection replaced this one while the count was in flight.
		return count, err
	}
	if err != nil {
		s.cachedCount = 0
		s.logger.Warn("selection_count_failed", logging.Err(err))
		return 0, err
	}
	if count < 0 {
		count = 0
	}
	s.cachedCount = count
	s.countStale = false
	return count, nil
}

// Toggle flips one node. In explicit mode it adds or removes the id; in
// filtered mode it adds or removes the id from the exclusion overlay.
func (s *State) Toggle(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == types.SelectionModeFiltered {
		if _, ok := s.excludedSet[id]; ok {
			delete(s.excludedSet, id)
			s.excluded = removeID(s.excluded, id)
			return
		}
		s.excludedSet[id] = struct{}{}
		s.excluded = append(s.excluded, id)
		return
	}
	if _, ok := s.explicitSet[id]; ok {
		delete(s.explicitSet, id)
		s.explicit = removeID(s.explicit, id)
		return
	}
	s.addExplicitLocked(id)
}

func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(types.SelectionModeExplicit)
}

// Resolve returns an immutable snapshot of the selection.
func (s *State) Resolve() types.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == types.SelectionModeFiltered {
		target := types.Target{
			Mode:       types.SelectionModeFiltered,
			Filter:     copyFilter(s.filter),
			Count:      s.effectiveCountLocked(),
			CountStale: s.countStale,
		}
		if len(s.excluded) > 0 {
			target.ExcludeIDs = append([]string(nil), s.excluded...)
		}
		return target
	}
	return types.Target{
		Mode:  types.SelectionModeExplicit,
		IDs:   append([]string(nil), s.explicit...),
		Count: len(s.explicit),
	}
}

func (s *State) Mode() types.SelectionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// CachedCount is the last count the backend reported for the current filter.
func (s *State) CachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != types.SelectionModeFiltered {
		return 0
	}
	return s.cachedCount
}

// EffectiveCount is the advisory size of the selection: the explicit id
// count, or the cached filter count minus exclusions.
func (s *State) EffectiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == types.SelectionModeFiltered {
		return s.effectiveCountLocked()
	}
	return len(s.explicit)
}

func (s *State) IsEmpty() bool {
	return s.Resolve().Empty()
}

// Contains reports whether id is part of the selection. For filtered mode the
// answer assumes the node matches the filter.
func (s *State) Contains(id string) bool {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == types.SelectionModeFiltered {
		_, excluded := s.excludedSet[id]
		return !excluded
	}
	_, ok := s.explicitSet[id]
	return ok
}

func (s *State) effectiveCountLocked() int {
	count := s.cachedCount - len(s.excluded)
	if count < 0 {
		return 0
	}
	return count
}

func (s *State) resetLocked(mode types.SelectionMode) {
	s.mode = mode
	s.explicit = nil
	s.explicitSet = map[string]struct{}{}
	s.filter = nil
	s.excluded = nil
	s.excludedSet = map[string]struct{}{}
	s.cachedCount = 0
	s.countStale = false
}

func (s *State) addExplicitLocked(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if _, ok := s.explicitSet[id]; ok {
		return
	}
	s.explicitSet[id] = struct{}{}
	s.explicit = append(s.explicit, id)
}

func cleanFilter(filter map[string]string) map[string]string {
	out := make(map[string]string, len(filter))
	for key, value := range filter {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func copyFilter(filter map[string]string) map[string]string {
	if filter == nil {
		return nil
	}
	out := make(map[string]string, len(filter))
	for key, value := range filter {
		out[key] = value
	}
	return out
}

func sameFilter(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		if other, ok := b[key]; !ok || other != value {
			return false
		}
	}
	return true
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}
