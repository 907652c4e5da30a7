package acl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/store"
)

// Ledger manages grants on behalf of authenticated grantors.
type Ledger struct {
	store   Store
	clock   func() time.Time
	timeout time.Duration
	// policy judges what a grantor may delegate, including overrides that
	// apply to the grantor themselves.
	policy *authz.Engine
}

type Option func(*Ledger)

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func NewLedger(s Store, opts ...Option) *Ledger {
	l := &Ledger{store: s, clock: time.Now, timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(l)
	}
	l.policy = authz.NewEngine(l, authz.WithLookupTimeout(l.timeout))
	return l
}

// CanDelegate reports whether role may hand out overrides at all. It needs no
// storage, so callers can refuse before touching any resource.
func CanDelegate(role auth.Role) bool {
	return authz.DefaultCapability(role, authz.ActionEdit)
}

// Grant records or replaces the override for principalID on r. The grantor
// may only hand out bits they effectively hold on r, never to themselves, and
// may only replace overrides they granted. Administrators are exempt from the
// last two rules.
func (l *Ledger) Grant(ctx context.Context, r authz.Resource, principalID string, perms Permissions, grantor auth.Principal) (Grant, error) {
	principalID = strings.TrimSpace(principalID)
	if err := r.Ref().Validate(); err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if principalID == "" {
		return Grant{}, fmt.Errorf("%w: principal id is required", ErrMalformedGrant)
	}
	if err := perms.Validate(); err != nil {
		return Grant{}, err
	}
	if !grantor.Active || !grantor.Approved() || !CanDelegate(grantor.Role) {
		return Grant{}, ErrForbidden
	}
	admin := grantor.Role == auth.RoleAdmin
	if !admin && principalID == grantor.ID {
		return Grant{}, fmt.Errorf("%w: cannot grant to yourself", ErrForbidden)
	}
	if err := l.permit(ctx, grantor, authz.ActionEdit, r); err != nil {
		return Grant{}, err
	}
	if perms.View {
		if err := l.permit(ctx, grantor, authz.ActionView, r); err != nil {
			return Grant{}, err
		}
	}
	if perms.Delete {
		if err := l.permit(ctx, grantor, authz.ActionDelete, r); err != nil {
			return Grant{}, err
		}
	}
	if !admin {
		existing, found, err := l.Lookup(ctx, r.Ref(), principalID)
		if err != nil {
			return Grant{}, err
		}
		if found && existing.GrantedBy != grantor.ID {
			return Grant{}, fmt.Errorf("%w: override belongs to another grantor", ErrForbidden)
		}
	}

	g := Grant{
		ResourceType: r.Type,
		ResourceID:   r.ID,
		PrincipalID:  principalID,
		Permissions:  perms,
		GrantedBy:    grantor.ID,
		GrantedAt:    l.clock().UTC(),
	}
	sctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	saved, err := l.store.UpsertGrant(sctx, g)
	if err != nil {
		return Grant{}, storageErr("upsert grant", err)
	}
	return saved, nil
}

// Revoke removes the override. Administrators may revoke any override; other
// grantors only their own, and only while they still hold edit on r. To a
// non-administrator a missing override looks the same as a forbidden one.
func (l *Ledger) Revoke(ctx context.Context, r authz.Resource, principalID string, actor auth.Principal) error {
	ref := r.Ref()
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !actor.Active || !actor.Approved() || !CanDelegate(actor.Role) {
		return ErrForbidden
	}
	admin := actor.Role == auth.RoleAdmin
	if !admin {
		if err := l.permit(ctx, actor, authz.ActionEdit, r); err != nil {
			return err
		}
	}
	g, found, err := l.Lookup(ctx, ref, principalID)
	if err != nil {
		return err
	}
	switch {
	case !found && admin:
		return ErrNotFound
	case !found, !admin && actor.ID != g.GrantedBy:
		return ErrForbidden
	}
	sctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.store.DeleteGrant(sctx, ref, g.PrincipalID); err != nil {
		return storageErr("delete grant", err)
	}
	return nil
}

// permit evaluates the effective policy, so an override on the grantor
// limits what they can delegate.
func (l *Ledger) permit(ctx context.Context, p auth.Principal, action authz.Action, r authz.Resource) error {
	d, err := l.policy.Can(ctx, p, action, r)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s on %s/%s (%s)", ErrForbidden, action, r.Type, r.ID, d.Reason)
	}
	return nil
}

// Lookup returns the override, if any. found=false means role defaults apply.
func (l *Ledger) Lookup(ctx context.Context, ref authz.Ref, principalID string) (Grant, bool, error) {
	sctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	g, found, err := l.store.GetGrant(sctx, ref, strings.TrimSpace(principalID))
	if err != nil {
		return Grant{}, false, storageErr("get grant", err)
	}
	return g, found, nil
}

// LookupBits lets the authorization engine consult the ledger.
func (l *Ledger) LookupBits(ctx context.Context, ref authz.Ref, principalID string) (authz.Bits, bool, error) {
	g, found, err := l.Lookup(ctx, ref, principalID)
	if err != nil || !found {
		return authz.Bits{}, false, err
	}
	return g.Permissions.bits(), true, nil
}

func (l *Ledger) List(ctx context.Context, f GrantFilter) ([]Grant, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	out, err := l.store.ListGrants(sctx, f)
	if err != nil {
		return nil, storageErr("list grants", err)
	}
	return out, nil
}

// storageErr passes domain errors through and classifies the rest.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrMalformedGrant):
		return err
	}
	return store.Unavailable(op, err)
}
