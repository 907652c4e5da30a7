package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"corpusguard.org/internal/acl"
	"corpusguard.org/internal/authz"
)

const grantColumns = `resource_type, resource_id, principal_id, can_view, can_edit, can_delete, granted_by, granted_at`

func scanGrant(row rowScanner) (acl.Grant, error) {
	var g acl.Grant
	err := row.Scan(&g.ResourceType, &g.ResourceID, &g.PrincipalID,
		&g.Permissions.View, &g.Permissions.Edit, &g.Permissions.Delete, &g.GrantedBy, &g.GrantedAt)
	g.GrantedAt = g.GrantedAt.UTC()
	return g, err
}

// UpsertGrant relies on the (resource_type, resource_id, principal_id)
// primary key so concurrent grants converge on one row.
func (s *Store) UpsertGrant(ctx context.Context, g acl.Grant) (acl.Grant, error) {
	saved, err := scanGrant(s.db.QueryRowContext(ctx, `
		insert into access_grants(`+grantColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (resource_type, resource_id, principal_id) do update
		set can_view = excluded.can_view,
			can_edit = excluded.can_edit,
			can_delete = excluded.can_delete,
			granted_by = excluded.granted_by,
			granted_at = excluded.granted_at
		returning `+grantColumns,
		g.ResourceType, g.ResourceID, g.PrincipalID,
		g.Permissions.View, g.Permissions.Edit, g.Permissions.Delete, g.GrantedBy, g.GrantedAt))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrForeignKeyViolation:
				return acl.Grant{}, acl.ErrInvalidInput
			case pgErrCheckViolation:
				return acl.Grant{}, acl.ErrMalformedGrant
			}
		}
		return acl.Grant{}, classify("upsert grant", err)
	}
	return saved, nil
}

func (s *Store) DeleteGrant(ctx context.Context, ref authz.Ref, principalID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from access_grants
		where resource_type = $1 and resource_id = $2 and principal_id = $3
	`, ref.Type, ref.ID, principalID)
	if err != nil {
		return classify("delete grant", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return classify("delete grant", err)
	}
	if aff == 0 {
		return acl.ErrNotFound
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, ref authz.Ref, principalID string) (acl.Grant, bool, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		select `+grantColumns+`
		from access_grants
		where resource_type = $1 and resource_id = $2 and principal_id = $3
	`, ref.Type, ref.ID, principalID))
	if errors.Is(err, sql.ErrNoRows) {
		return acl.Grant{}, false, nil
	}
	if err != nil {
		return acl.Grant{}, false, classify("get grant", err)
	}
	return g, true, nil
}

func (s *Store) ListGrants(ctx context.Context, f acl.GrantFilter) ([]acl.Grant, error) {
	var (
		where []string
		ph    placeholders
	)
	if f.ResourceType != "" {
		where = append(where, "resource_type = "+ph.add(f.ResourceType))
	}
	if f.ResourceID != "" {
		where = append(where, "resource_id = "+ph.add(f.ResourceID))
	}
	if f.PrincipalID != "" {
		where = append(where, "principal_id = "+ph.add(f.PrincipalID))
	}
	if f.GrantedBy != "" {
		where = append(where, "granted_by = "+ph.add(f.GrantedBy))
	}
	query := `select ` + grantColumns + ` from access_grants`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by resource_type, resource_id, principal_id`
	if f.Limit > 0 {
		query += ` limit ` + ph.add(f.Limit)
	}
	if f.Offset > 0 {
		query += ` offset ` + ph.add(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, ph.args...)
	if err != nil {
		return nil, classify("list grants", err)
	}
	defer rows.Close()

	out := make([]acl.Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, classify("scan grant", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list grants", err)
	}
	return out, nil
}
