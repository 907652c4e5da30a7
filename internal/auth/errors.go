package auth

import (
	"errors"
	"fmt"
	"time"

	"corpusguard.org/internal/store"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNotApproved        = errors.New("auth: account pending approval")
	ErrDeactivated        = errors.New("auth: account deactivated")
	ErrLockedOut          = errors.New("auth: too many failed attempts")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrStorageUnavailable = store.ErrUnavailable
)

// LockoutError reports an active lockout together with its expiry.
type LockoutError struct {
	Until time.Time
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s until %s", ErrLockedOut, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockoutError) Unwrap() error { return ErrLockedOut }

// RetryAfter returns the remaining lock time relative to now, at least one second.
func (e *LockoutError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
