package audit

import (
	"context"
	"sort"
	"sync"
)

// Store persists entries. It deliberately has no update or delete.
type Store interface {
	// Append stores e and returns it with Seq assigned.
	Append(ctx context.Context, e Entry) (Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// MemoryStore is an in-memory append-only log for tests and dev runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	seq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Seq = s.seq
	e.Payload = clonePayload(e.Payload)
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if f.Match(e) {
			e.Payload = clonePayload(e.Payload)
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			if f.Ascending {
				return a.OccurredAt.Before(b.OccurredAt)
			}
			return a.OccurredAt.After(b.OccurredAt)
		}
		if f.Ascending {
			return a.Seq < b.Seq
		}
		return a.Seq > b.Seq
	})

	if f.Offset >= len(matched) {
		return []Entry{}, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
