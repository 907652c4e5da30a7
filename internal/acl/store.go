package acl

import (
	"context"
	"sort"
	"sync"

	"corpusguard.org/internal/authz"
)

// Store persists grants. Upsert must be atomic per (resource, principal).
type Store interface {
	UpsertGrant(ctx context.Context, g Grant) (Grant, error)
	DeleteGrant(ctx context.Context, ref authz.Ref, principalID string) error
	GetGrant(ctx context.Context, ref authz.Ref, principalID string) (Grant, bool, error)
	ListGrants(ctx context.Context, f GrantFilter) ([]Grant, error)
}

type grantKey struct {
	typ, id, principal string
}

// MemoryStore is a Store for tests and dev runs.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[grantKey]Grant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[grantKey]Grant)}
}

func (s *MemoryStore) UpsertGrant(ctx context.Context, g Grant) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	s.mu.Lock()
	s.grants[grantKey{g.ResourceType, g.ResourceID, g.PrincipalID}] = g
	s.mu.Unlock()
	return g, nil
}

func (s *MemoryStore) DeleteGrant(ctx context.Context, ref authz.Ref, principalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := grantKey{ref.Type, ref.ID, principalID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[k]; !ok {
		return ErrNotFound
	}
	delete(s.grants, k)
	return nil
}

func (s *MemoryStore) GetGrant(ctx context.Context, ref authz.Ref, principalID string) (Grant, bool, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, false, err
	}
	s.mu.RLock()
	g, ok := s.grants[grantKey{ref.Type, ref.ID, principalID}]
	s.mu.RUnlock()
	return g, ok, nil
}

func (s *MemoryStore) ListGrants(ctx context.Context, f GrantFilter) ([]Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Grant, 0)
	for _, g := range s.grants {
		if f.Match(g) {
			out = append(out, g)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ResourceType != b.ResourceType {
			return a.ResourceType < b.ResourceType
		}
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		return a.PrincipalID < b.PrincipalID
	})
	if f.Offset >= len(out) {
		return []Grant{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
