package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"corpusguard.org/internal/auth"
)

const principalColumns = `id, username, coalesce(email, ''), role, approval, active, console_override, created_at, updated_at`

const accountColumns = principalColumns + `, password_hash, two_factor_enabled, coalesce(totp_secret, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner, extra ...any) (auth.Principal, error) {
	var p auth.Principal
	dest := []any{&p.ID, &p.Username, &p.Email, &p.Role, &p.Approval, &p.Active, &p.ConsoleOverride, &p.CreatedAt, &p.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return auth.Principal{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func scanAccount(row rowScanner) (auth.Account, error) {
	var acct auth.Account
	p, err := scanPrincipal(row, &acct.PasswordHash, &acct.TwoFactorEnabled, &acct.TOTPSecret)
	if err != nil {
		return auth.Account{}, err
	}
	acct.Principal = p
	return acct, nil
}

func (s *Store) CreateAccount(ctx context.Context, acct auth.Account) (auth.Principal, error) {
	username := auth.NormalizeUsername(acct.Username)
	if acct.ID == "" || username == "" {
		return auth.Principal{}, fmt.Errorf("%w: id and username are required", auth.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into principals(id, username, email, role, approval, active, console_override,
			password_hash, two_factor_enabled, totp_secret, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		returning `+principalColumns,
		acct.ID, username, nullIfEmpty(strings.ToLower(acct.Email)), acct.Role, acct.Approval, acct.Active,
		acct.ConsoleOverride, acct.PasswordHash, acct.TwoFactorEnabled, nullIfEmpty(acct.TOTPSecret))
	p, err := scanPrincipal(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.Principal{}, auth.ErrConflict
		}
		return auth.Principal{}, classify("create account", err)
	}
	return p, nil
}

func (s *Store) AccountByUsername(ctx context.Context, username string) (auth.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from principals where username = $1`, auth.NormalizeUsername(username)))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, classify("account by username", err)
	}
	return acct, nil
}

func (s *Store) AccountByID(ctx context.Context, id string) (auth.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from principals where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Account{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Account{}, classify("account by id", err)
	}
	return acct, nil
}

func (s *Store) Principal(ctx context.Context, id string) (auth.Principal, error) {
	p, err := scanPrincipal(s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, classify("principal", err)
	}
	return p, nil
}

func (s *Store) ListPrincipals(ctx context.Context, f auth.PrincipalFilter) ([]auth.Principal, error) {
	var (
		where []string
		ph    placeholders
	)
	if !f.IncludeInactive {
		where = append(where, "active")
	}
	if f.Approval != "" {
		where = append(where, "approval = "+ph.add(f.Approval))
	}
	if f.Role != "" {
		where = append(where, "role = "+ph.add(f.Role))
	}
	query := `select ` + principalColumns + ` from principals`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by username`

	rows, err := s.db.QueryContext(ctx, query, ph.args...)
	if err != nil {
		return nil, classify("list principals", err)
	}
	defer rows.Close()

	out := make([]auth.Principal, 0)
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, classify("scan principal", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list principals", err)
	}
	return out, nil
}

func (s *Store) UpdatePrincipal(ctx context.Context, id string, upd auth.PrincipalUpdate) (auth.Principal, error) {
	if upd.Empty() {
		return s.Principal(ctx, id)
	}
	var (
		sets []string
		ph   placeholders
	)
	if upd.Role != nil {
		sets = append(sets, "role = "+ph.add(*upd.Role))
	}
	if upd.Approval != nil {
		sets = append(sets, "approval = "+ph.add(*upd.Approval))
	}
	if upd.Active != nil {
		sets = append(sets, "active = "+ph.add(*upd.Active))
	}
	if upd.ConsoleOverride != nil {
		sets = append(sets, "console_override = "+ph.add(*upd.ConsoleOverride))
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update principals set %s where id = %s returning %s`,
		strings.Join(sets, ", "), ph.add(id), principalColumns)

	p, err := scanPrincipal(s.db.QueryRowContext(ctx, query, ph.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, classify("update principal", err)
	}
	return p, nil
}

func (s *Store) SetTwoFactor(ctx context.Context, id, secret string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		update principals
		set totp_secret = $2, two_factor_enabled = $3, updated_at = now()
		where id = $1
	`, id, nullIfEmpty(secret), enabled)
	if err != nil {
		return classify("set two-factor", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return classify("set two-factor", err)
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
