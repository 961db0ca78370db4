package progress

import (
	"context"
	"sync"
	"time"
)

const (
	defaultMemoryTTL     = time.Hour
	defaultMemoryMaxRuns = 500
)

// MemoryStore keeps runs in process. Finished runs expire after ttl; when the
// store exceeds maxRuns the oldest finished runs are evicted first.
type MemoryStore struct {
	mu      sync.Mutex
	runs    map[uint64]*Progress
	order   []uint64
	ttl     time.Duration
	maxRuns int
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration, maxRuns int) *MemoryStore {
	if ttl == 0 {
		ttl = defaultMemoryTTL
	}
	if maxRuns == 0 {
		maxRuns = defaultMemoryMaxRuns
	}
	return &MemoryStore{
		runs:    make(map[uint64]*Progress),
		order:   make([]uint64, 0),
		ttl:     ttl,
		maxRuns: maxRuns,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *MemoryStore) Begin(_ context.Context, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked(s.now())
	if existing, ok := s.runs[p.PostID]; ok {
		if existing.Running() {
			return ErrRunInProgress
		}
		s.removeLocked(p.PostID)
	}
	stored := p.Clone()
	s.runs[p.PostID] = &stored
	s.order = append(s.order, p.PostID)
	s.enforceMaxRunsLocked()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, postID uint64, fn func(*Progress)) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[postID]
	if !ok {
		return Progress{}, ErrNotFound
	}
	wasRunning := run.Running()
	fn(run)
	now := s.now()
	run.UpdatedAt = now
	if wasRunning && !run.Running() && run.FinishedAt == nil {
		finishedAt := now
		run.FinishedAt = &finishedAt
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, postID uint64) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked(s.now())
	run, ok := s.runs[postID]
	if !ok {
		return Progress{}, ErrNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, postID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[postID]
	if !ok || !run.Running() {
		return false, nil
	}
	run.CancelRequested = true
	return true, nil
}

func (s *MemoryStore) CancelRequested(_ context.Context, postID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[postID]
	if !ok {
		return false, nil
	}
	return run.CancelRequested, nil
}

func (s *MemoryStore) Abandon(_ context.Context, postID uint64, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[postID]
	if !ok || !run.Running() || !run.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	abandon(run)
	now := s.now()
	run.UpdatedAt = now
	run.FinishedAt = &now
	return true, nil
}

// CleanupExpired drops finished runs older than the ttl.
func (s *MemoryStore) CleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked(s.now())
	s.enforceMaxRunsLocked()
}

func (s *MemoryStore) cleanupExpiredLocked(now time.Time) {
	if s.ttl <= 0 || len(s.order) == 0 {
		return
	}

	kept := make([]uint64, 0, len(s.order))
	for _, postID := range s.order {
		run, ok := s.runs[postID]
		if !ok {
			continue
		}
		if run.FinishedAt != nil && now.Sub(*run.FinishedAt) >= s.ttl {
			delete(s.runs, postID)
			continue
		}
		kept = append(kept, postID)
	}
	s.order = kept
}

func (s *MemoryStore) enforceMaxRunsLocked() {
	if s.maxRuns <= 0 {
		return
	}
	for len(s.runs) > s.maxRuns {
		index := s.oldestFinishedIndexLocked()
		if index < 0 {
			// Running runs are never evicted.
			return
		}
		postID := s.order[index]
		delete(s.runs, postID)
		s.order = append(s.order[:index], s.order[index+1:]...)
	}
}

func (s *MemoryStore) oldestFinishedIndexLocked() int {
	for i, postID := range s.order {
		run, ok := s.runs[postID]
		if ok && run.FinishedAt != nil {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) removeLocked(postID uint64) {
	delete(s.runs, postID)
	for i, id := range s.order {
		if id == postID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
