package pg

import (
	"context"
	"time"
)

// Revoke records a logged-out token id until its natural expiry.
func (s *Store) Revoke(ctx context.Context, jti string, until time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		insert into revoked_tokens(jti, expires_at) values ($1, $2)
		on conflict (jti) do nothing
	`, jti, until.UTC()); err != nil {
		return classify("revoke token", err)
	}
	return nil
}

func (s *Store) Revoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	if err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from revoked_tokens where jti = $1 and expires_at > now())
	`, jti).Scan(&revoked); err != nil {
		return false, classify("check revocation", err)
	}
	return revoked, nil
}

// PurgeRevocations drops entries whose tokens would be rejected as expired
// anyway.
func (s *Store) PurgeRevocations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from revoked_tokens where expires_at <= now()`)
	if err != nil {
		return 0, classify("purge revocations", err)
	}
	return res.RowsAffected()
}
