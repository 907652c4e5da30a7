package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/store"
)

var (
	ErrInvalidInput       = errors.New("authz: invalid input")
	ErrNotFound           = errors.New("authz: resource not found")
	ErrStorageUnavailable = store.ErrUnavailable
)

// ResourceTypePrincipal names principal records as resources.
const ResourceTypePrincipal = "Principal"

// Resource is what a decision is about. The document service owns it; this
// package only reads the fields below.
type Resource struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id,omitempty"`
	Sensitive bool   `json:"sensitive"`
	Approved  bool   `json:"approved"`
}

// Ref is the resource identity used as a ledger key.
type Ref struct {
	Type string
	ID   string
}

func (r Resource) Ref() Ref { return Ref{Type: r.Type, ID: r.ID} }

func (r Ref) Validate() error {
	if strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: resource type and id are required", ErrInvalidInput)
	}
	return nil
}

// Bits are the per-resource override flags a ledger entry carries.
type Bits struct {
	View   bool
	Edit   bool
	Delete bool
}

// GrantLookup answers whether an explicit override exists. found=false means
// fall through to role defaults.
type GrantLookup interface {
	LookupBits(ctx context.Context, ref Ref, principalID string) (bits Bits, found bool, err error)
}

// Reason explains a decision for the audit trail. It is never shown to the
// requesting principal.
type Reason string

const (
	ReasonDeactivated         Reason = "deactivated"
	ReasonNotApproved         Reason = "not_approved"
	ReasonAdminOverride       Reason = "admin_override"
	ReasonSelf                Reason = "self"
	ReasonGrantAllow          Reason = "grant_allow"
	ReasonGrantDeny           Reason = "grant_deny"
	ReasonRoleDefault         Reason = "role_default"
	ReasonSensitiveRestricted Reason = "sensitive_restricted"
	ReasonNoGrant             Reason = "no_grant"
	ReasonUnknownAction       Reason = "unknown_action"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

func allow(r Reason) Decision { return Decision{Allowed: true, Reason: r} }
func deny(r Reason) Decision  { return Decision{Allowed: false, Reason: r} }

// Engine evaluates the policy.
type Engine struct {
	grants  GrantLookup
	timeout time.Duration
}

type EngineOption func(*Engine)

// WithLookupTimeout bounds the ledger lookup.
func WithLookupTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func NewEngine(grants GrantLookup, opts ...EngineOption) *Engine {
	e := &Engine{grants: grants, timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Can decides whether p may perform action on r. A failed ledger lookup
// returns ErrStorageUnavailable and a zero Decision, never a guess.
func (e *Engine) Can(ctx context.Context, p auth.Principal, action Action, r Resource) (Decision, error) {
	if !action.Valid() {
		return deny(ReasonUnknownAction), nil
	}
	if !p.Active {
		return deny(ReasonDeactivated), nil
	}
	self := r.Type == ResourceTypePrincipal && r.ID != "" && r.ID == p.ID
	if !p.Approved() {
		if action == ActionViewProfile && self {
			return allow(ReasonSelf), nil
		}
		return deny(ReasonNotApproved), nil
	}
	if p.Role == auth.RoleAdmin {
		return allow(ReasonAdminOverride), nil
	}
	if action == ActionViewProfile {
		if self {
			return allow(ReasonSelf), nil
		}
		return deny(ReasonNoGrant), nil
	}

	act := action.canonical()
	if bit, ok := overridable(act); ok && e.grants != nil {
		lctx, cancel := context.WithTimeout(ctx, e.timeout)
		bits, found, err := e.grants.LookupBits(lctx, r.Ref(), p.ID)
		cancel()
		if err != nil {
			return Decision{}, store.Unavailable("grant lookup", err)
		}
		if found {
			if bit(bits) {
				return allow(ReasonGrantAllow), nil
			}
			return deny(ReasonGrantDeny), nil
		}
	}

	if Lookup(p.Role, act).Permits(p, r) {
		if r.Sensitive && !sensitiveRole(p.Role) {
			return deny(ReasonSensitiveRestricted), nil
		}
		return allow(ReasonRoleDefault), nil
	}
	return deny(ReasonNoGrant), nil
}

// overridable returns the ledger bit that governs act, if any.
func overridable(act Action) (func(Bits) bool, bool) {
	switch act {
	case ActionView:
		return func(b Bits) bool { return b.View }, true
	case ActionEdit:
		return func(b Bits) bool { return b.Edit }, true
	case ActionDelete:
		return func(b Bits) bool { return b.Delete }, true
	}
	return nil, false
}
