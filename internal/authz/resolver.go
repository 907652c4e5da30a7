package authz

import (
	"context"
	"fmt"
	"sync"
)

// Resolver loads the authorization-relevant view of a resource from the
// service that owns it.
type Resolver interface {
	Resolve(ctx context.Context, resourceType, id string) (Resource, error)
}

// Catalog is a Resolver collaborators can register resource metadata with.
type Catalog interface {
	Resolver
	Register(ctx context.Context, r Resource) error
}

// StaticResolver serves resources registered in memory. Principal resources
// resolve to themselves so profile checks work without a backing table.
type StaticResolver struct {
	mu        sync.RWMutex
	resources map[Ref]Resource
}

func NewStaticResolver(resources ...Resource) *StaticResolver {
	s := &StaticResolver{resources: make(map[Ref]Resource, len(resources))}
	for _, r := range resources {
		s.resources[r.Ref()] = r
	}
	return s
}

// Put registers or replaces r.
func (s *StaticResolver) Put(r Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.Ref()] = r
}

// Register validates and stores r.
func (s *StaticResolver) Register(ctx context.Context, r Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Ref().Validate(); err != nil {
		return err
	}
	if r.Type == ResourceTypePrincipal {
		return fmt.Errorf("%w: principal resources are implicit", ErrInvalidInput)
	}
	s.Put(r)
	return nil
}

func (s *StaticResolver) Resolve(ctx context.Context, resourceType, id string) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return Resource{}, err
	}
	ref := Ref{Type: resourceType, ID: id}
	if err := ref.Validate(); err != nil {
		return Resource{}, err
	}
	s.mu.RLock()
	r, ok := s.resources[ref]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}
	if resourceType == ResourceTypePrincipal {
		return Resource{Type: resourceType, ID: id, OwnerID: id, Approved: true}, nil
	}
	return Resource{}, ErrNotFound
}
