package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/obs"
	"corpusguard.org/internal/store"
)

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

const (
	OutcomeSuccess            = "success"
	OutcomeInvalidCredentials = "invalid_credentials"
	OutcomeLockedOut          = "locked_out"
	OutcomeNotApproved        = "not_approved"
	OutcomeDeactivated        = "deactivated"
	OutcomeStorageUnavailable = "storage_unavailable"
)

// Gate authenticates credentials and enforces failed-attempt lockout.
type Gate struct {
	accounts AccountLookup
	lockouts LockoutStore
	recorder Recorder
	policy   LockoutPolicy
	clock    func() time.Time
	timeout  time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLockoutPolicy replaces DefaultLockoutPolicy. A policy with any zero
// field is ignored.
func WithLockoutPolicy(p LockoutPolicy) GateOption {
	return func(g *Gate) {
		if p.Threshold > 0 && p.Window > 0 && p.Duration > 0 {
			g.policy = p
		}
	}
}

// WithGateClock sets the time source for lockout windows.
func WithGateClock(clock func() time.Time) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithStorageTimeout bounds each store call made during an attempt.
func WithStorageTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGate returns a Gate that checks credentials against accounts, counts
// failures in lockouts and reports every attempt to recorder.
func NewGate(accounts AccountLookup, lockouts LockoutStore, recorder Recorder, opts ...GateOption) *Gate {
	g := &Gate{
		accounts: accounts,
		lockouts: lockouts,
		recorder: recorder,
		policy:   DefaultLockoutPolicy(),
		clock:    time.Now,
		timeout:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the active lockout policy.
func (g *Gate) Policy() LockoutPolicy { return g.policy }

type attemptResult struct {
	principal *Principal
	username  string
	outcome   string
	failures  int
	locked    bool
}

// Attempt checks credentials presented from origin. A locked key is refused
// before any credential comparison. Every outcome is audited as LOGIN.
func (g *Gate) Attempt(ctx context.Context, cred Credentials, origin Origin) (Principal, error) {
	username := NormalizeUsername(cred.Username)
	key := LockKey(username, origin.Address)
	res := attemptResult{username: username}

	p, err := g.attempt(ctx, key, cred, &res)
	g.audit(ctx, origin, res)
	obs.RecordLoginAttempt(res.outcome)
	return p, err
}

func (g *Gate) attempt(ctx context.Context, key string, cred Credentials, res *attemptResult) (Principal, error) {
	now := g.clock().UTC()

	st, err := g.lockout(ctx, key)
	if err != nil {
		res.outcome = OutcomeStorageUnavailable
		return Principal{}, err
	}
	if st.Locked(now) {
		res.outcome = OutcomeLockedOut
		res.failures = st.Failures
		res.locked = true
		return Principal{}, &LockoutError{Until: *st.LockedUntil}
	}

	acct, err := g.lookup(ctx, res.username)
	switch {
	case errors.Is(err, ErrNotFound):
		burnPasswordCheck(cred.Password)
		return Principal{}, g.fail(ctx, key, now, res)
	case err != nil:
		res.outcome = OutcomeStorageUnavailable
		return Principal{}, err
	}
	principal := acct.Principal
	res.principal = &principal

	if VerifyPassword(acct.PasswordHash, cred.Password) != nil {
		return Principal{}, g.fail(ctx, key, now, res)
	}
	if acct.TwoFactorEnabled && !validateTOTP(cred.OTP, acct.TOTPSecret, now) {
		return Principal{}, g.fail(ctx, key, now, res)
	}

	// Credentials are proven from here on; the counter is neither
	// incremented nor reset for inactive or unapproved accounts.
	if !acct.Active {
		res.outcome = OutcomeDeactivated
		return Principal{}, ErrDeactivated
	}
	if !acct.Approved() {
		res.outcome = OutcomeNotApproved
		return Principal{}, ErrNotApproved
	}

	rctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.lockouts.ResetLockout(rctx, key); err != nil {
		// A stale counter only makes a future lock arrive earlier.
		obs.LogEvent("warn", "lockout_reset_failed", map[string]any{
			"principal_id": acct.ID,
			"error":        err.Error(),
		})
	}
	res.outcome = OutcomeSuccess
	return principal, nil
}

func (g *Gate) fail(ctx context.Context, key string, now time.Time, res *attemptResult) error {
	fctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	st, err := g.lockouts.RegisterFailure(fctx, key, now, g.policy)
	if err != nil {
		// Without a durable counter the attempt limit cannot be enforced.
		res.outcome = OutcomeStorageUnavailable
		return store.Unavailable("register failure", err)
	}
	res.outcome = OutcomeInvalidCredentials
	res.failures = st.Failures
	if st.Locked(now) {
		res.locked = true
		if st.Failures == g.policy.Threshold {
			obs.RecordLockout()
		}
	}
	return ErrInvalidCredentials
}

func (g *Gate) lockout(ctx context.Context, key string) (LockoutState, error) {
	lctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	st, err := g.lockouts.Lockout(lctx, key)
	if err != nil {
		return LockoutState{}, store.Unavailable("read lockout", err)
	}
	return st, nil
}

func (g *Gate) lookup(ctx context.Context, username string) (Account, error) {
	if username == "" {
		return Account{}, ErrNotFound
	}
	lctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	acct, err := g.accounts.AccountByUsername(lctx, username)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Account{}, store.Unavailable("lookup account", err)
	}
	return acct, err
}

func (g *Gate) audit(ctx context.Context, origin Origin, res attemptResult) {
	if g.recorder == nil {
		return
	}
	success := res.outcome == OutcomeSuccess
	entry := audit.Entry{
		Action:        audit.ActionLogin,
		ResourceType:  "Principal",
		OriginAddress: origin.Address,
		OriginAgent:   origin.UserAgent,
		Payload: map[string]any{
			"success":  success,
			"outcome":  res.outcome,
			"username": res.username,
			"failures": res.failures,
			"locked":   res.locked,
		},
	}
	if res.principal != nil {
		entry.Actor = ActorOf(*res.principal)
		entry.ResourceID = res.principal.ID
	}
	if success {
		entry.Description = "login succeeded"
	} else {
		entry.Description = fmt.Sprintf("login failed: %s", res.outcome)
	}
	if err := g.recorder.Record(ctx, entry); err != nil {
		obs.LogEvent("error", "audit_record_failed", map[string]any{
			"action": string(audit.ActionLogin),
			"error":  err.Error(),
		})
	}
}

// ActorOf snapshots p for an audit entry.
func ActorOf(p Principal) *audit.Actor {
	return &audit.Actor{ID: p.ID, Username: p.Username, Role: string(p.Role)}
}
