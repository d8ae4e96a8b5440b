package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is a simple in-memory call log useful for tests and local development.
// It enforces user isolation on reads. Retain behaves as in PostgresRepo.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []Entry
	Retain  int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.ID == e.ID {
			return nil
		}
	}
	r.entries = append(r.entries, e)
	if r.Retain > 0 {
		r.trimLocked(e.UserID)
	}
	return nil
}

// trimLocked drops the user's oldest entries beyond Retain.
func (r *MemoryRepo) trimLocked(userID string) {
	var mine []Entry
	for _, e := range r.entries {
		if e.UserID == userID {
			mine = append(mine, e)
		}
	}
	if len(mine) <= r.Retain {
		return
	}
	sort.SliceStable(mine, func(i, j int) bool { return mine[i].EndedAt.After(mine[j].EndedAt) })
	drop := make(map[string]struct{}, len(mine)-r.Retain)
	for _, e := range mine[r.Retain:] {
		drop[e.ID] = struct{}{}
	}
	kept := r.entries[:0]
	for _, e := range r.entries {
		if _, ok := drop[e.ID]; ok && e.UserID == userID {
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
}

// List returns entries with from <= ended_at < to, newest first. limit <= 0 means no limit.
func (r *MemoryRepo) List(ctx context.Context, userID string, from, to time.Time, limit int) ([]Entry, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	out := make([]Entry, 0)
	for _, e := range r.entries {
		if e.UserID != userID {
			continue
		}
		if e.EndedAt.Before(from) || !e.EndedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
