package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"corpusguard.org/internal/authz"
)

// Resolve reads the authorization view of a resource registered by the
// owning service. Principal resources are implicit.
func (s *Store) Resolve(ctx context.Context, resourceType, id string) (authz.Resource, error) {
	ref := authz.Ref{Type: resourceType, ID: id}
	if err := ref.Validate(); err != nil {
		return authz.Resource{}, err
	}
	if resourceType == authz.ResourceTypePrincipal {
		return authz.Resource{Type: resourceType, ID: id, OwnerID: id, Approved: true}, nil
	}
	r := authz.Resource{Type: resourceType, ID: id}
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select owner_id, sensitive, approved
		from resources
		where resource_type = $1 and resource_id = $2
	`, resourceType, id).Scan(&owner, &r.Sensitive, &r.Approved)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Resource{}, authz.ErrNotFound
	}
	if err != nil {
		return authz.Resource{}, classify("resolve resource", err)
	}
	r.OwnerID = owner.String
	return r, nil
}

func (s *Store) Register(ctx context.Context, r authz.Resource) error {
	if err := r.Ref().Validate(); err != nil {
		return err
	}
	if r.Type == authz.ResourceTypePrincipal {
		return fmt.Errorf("%w: principal resources are implicit", authz.ErrInvalidInput)
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into resources(resource_type, resource_id, owner_id, sensitive, approved, updated_at)
		values ($1, $2, $3, $4, $5, now())
		on conflict (resource_type, resource_id) do update
		set owner_id = excluded.owner_id,
			sensitive = excluded.sensitive,
			approved = excluded.approved,
			updated_at = now()
	`, r.Type, r.ID, nullIfEmpty(r.OwnerID), r.Sensitive, r.Approved); err != nil {
		return classify("register resource", err)
	}
	return nil
}
