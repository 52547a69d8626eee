package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type entry struct {
	state   State
	touched time.Time
}

// MemoryStore keeps states in a map. Entries idle for longer than ttl are
// treated as absent and removed by Run.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[int64]entry
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewMemoryStore(ttl time.Duration, logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64]entry),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

func (s *MemoryStore) Get(ctx context.Context, chatID int64) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[chatID]
	if !ok {
		return State{}, nil
	}
	if s.expired(e) {
		delete(s.entries, chatID)
		return State{}, nil
	}
	return e.state, nil
}

func (s *MemoryStore) Put(ctx context.Context, chatID int64, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state.Step == StepNone {
		delete(s.entries, chatID)
		return nil
	}
	s.entries[chatID] = entry{state: state, touched: s.now()}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, chatID)
	return nil
}

func (s *MemoryStore) expired(e entry) bool {
	return s.ttl > 0 && s.now().Sub(e.touched) > s.ttl
}

// Sweep removes expired entries and returns how many were dropped
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Run sweeps periodically until ctx is done
func (s *MemoryStore) Run(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("Expired conversation states", zap.Int("count", n))
			}
		}
	}
}
