package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
)

// MemoryStore keeps the queue in memory. Used when no database is
// configured and throughout the tests; semantics mirror PostgresStore.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[types.ID]*QueuedRequest
	capacity int
}

func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		items:    make(map[types.ID]*QueuedRequest),
		capacity: capacity,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, req *QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingLocked() >= s.capacity {
		return ErrQueueFull
	}

	clone := *req
	clone.Status = StatusPending
	s.items[clone.ID] = &clone
	return nil
}

func (s *MemoryStore) Drain(ctx context.Context, limit int) ([]*QueuedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-reclaimAfter)

	var eligible []*QueuedRequest
	for _, q := range s.items {
		if q.Status == StatusPending {
			eligible = append(eligible, q)
			continue
		}
		if q.Status == StatusClaimed && q.ClaimedAt != nil && q.ClaimedAt.Before(cutoff) {
			eligible = append(eligible, q)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].EnqueuedAt.Before(eligible[j].EnqueuedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]*QueuedRequest, 0, len(eligible))
	for _, q := range eligible {
		q.Status = StatusClaimed
		at := now
		q.ClaimedAt = &at
		clone := *q
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

func (s *MemoryStore) Complete(ctx context.Context, id types.ID, providerID string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.items[id]
	if !ok {
		return errors.NotFound("queued request", id.String())
	}
	now := time.Now().UTC()
	q.Status = StatusCompleted
	q.ProviderID = providerID
	q.Token = token
	q.CompletedAt = &now
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id types.ID, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.items[id]
	if !ok {
		return false, errors.NotFound("queued request", id.String())
	}
	q.RetryCount++
	q.LastError = lastError
	q.ClaimedAt = nil
	if q.RetryCount >= q.MaxRetries {
		q.Status = StatusDead
		return true, nil
	}
	q.Status = StatusPending
	return false, nil
}

func (s *MemoryStore) Get(ctx context.Context, id types.ID) (*QueuedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.items[id]
	if !ok {
		return nil, errors.NotFound("queued request", id.String())
	}
	clone := *q
	return &clone, nil
}

func (s *MemoryStore) Depth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(), nil
}

func (s *MemoryStore) DeadLetters(ctx context.Context, limit int) ([]*QueuedRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []*QueuedRequest
	for _, q := range s.items {
		if q.Status == StatusDead {
			clone := *q
			dead = append(dead, &clone)
		}
	}
	sort.Slice(dead, func(i, j int) bool {
		return dead[i].EnqueuedAt.After(dead[j].EnqueuedAt)
	})
	if len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

func (s *MemoryStore) pendingLocked() int {
	n := 0
	for _, q := range s.items {
		if q.Status == StatusPending {
			n++
		}
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
