package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"corpusguard.org/internal/auth"
)

// restartSeries mirrors auth.NextFailureState: a new series starts when there
// is none, when the previous lock has expired, or when the window has passed.
const restartSeries = `(l.failures = 0 or (l.locked_until is not null and l.locked_until <= $2) or l.window_start <= $3)`

// registerFailureSQL counts a failure in a single statement so concurrent
// attempts against the same key cannot lose increments.
const registerFailureSQL = `
	insert into login_lockouts as l (key, failures, window_start, locked_until)
	values ($1, 1, $2, case when 1 >= $4 then $5::timestamptz else null end)
	on conflict (key) do update set
		failures = case when ` + restartSeries + ` then 1 else l.failures + 1 end,
		window_start = case when ` + restartSeries + ` then $2 else l.window_start end,
		locked_until = case
			when (case when ` + restartSeries + ` then 1 else l.failures + 1 end) >= $4 then $5::timestamptz
			else null
		end
	returning failures, window_start, locked_until`

func (s *Store) Lockout(ctx context.Context, key string) (auth.LockoutState, error) {
	st := auth.LockoutState{Key: key}
	var until sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select failures, window_start, locked_until from login_lockouts where key = $1
	`, key).Scan(&st.Failures, &st.WindowStart, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return auth.LockoutState{}, classify("read lockout", err)
	}
	st.WindowStart = st.WindowStart.UTC()
	st.LockedUntil = timePtr(until)
	return st, nil
}

func (s *Store) RegisterFailure(ctx context.Context, key string, now time.Time, p auth.LockoutPolicy) (auth.LockoutState, error) {
	now = now.UTC()
	st := auth.LockoutState{Key: key}
	var until sql.NullTime
	err := s.db.QueryRowContext(ctx, registerFailureSQL,
		key, now, now.Add(-p.Window), p.Threshold, now.Add(p.Duration),
	).Scan(&st.Failures, &st.WindowStart, &until)
	if err != nil {
		return auth.LockoutState{}, classify("register failure", err)
	}
	st.WindowStart = st.WindowStart.UTC()
	st.LockedUntil = timePtr(until)
	return st, nil
}

func (s *Store) ResetLockout(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `delete from login_lockouts where key = $1`, key); err != nil {
		return classify("reset lockout", err)
	}
	return nil
}
