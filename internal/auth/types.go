package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the coarse tier a principal holds.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleEditor     Role = "editor"
	RoleViewer     Role = "viewer"
	RoleResearcher Role = "researcher"
)

// Roles lists every valid role.
func Roles() []Role {
	return []Role{RoleAdmin, RoleEditor, RoleViewer, RoleResearcher}
}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer, RoleResearcher:
		return true
	}
	return false
}

// ParseRole accepts any casing.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// Approval tracks whether an administrator has admitted the account.
type Approval string

const (
	ApprovalApproved Approval = "approved"
	ApprovalPending  Approval = "pending"
)

func (a Approval) Valid() bool {
	return a == ApprovalApproved || a == ApprovalPending
}

// Principal is an authenticated identity. Principals are deactivated, never
// deleted, so audit references stay meaningful.
type Principal struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Role     Role     `json:"role"`
	Approval Approval `json:"approval"`
	Active   bool     `json:"active"`
	// ConsoleOverride grants console access regardless of role.
	ConsoleOverride bool      `json:"console_override"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (p Principal) Approved() bool { return p.Approval == ApprovalApproved }

// ConsoleAccess reports whether p may use administrative console routes.
func (p Principal) ConsoleAccess() bool {
	return p.Active && p.Approved() && (p.Role == RoleAdmin || p.ConsoleOverride)
}

// Account is a principal plus its credential material.
type Account struct {
	Principal
	PasswordHash     string
	TwoFactorEnabled bool
	TOTPSecret       string
}

// Credentials is what a client presents at login.
type Credentials struct {
	Username string
	Password string
	// OTP is required only when the account has two-factor enabled.
	OTP string
}

// Origin identifies where a request came from.
type Origin struct {
	Address   string
	UserAgent string
}

// PrincipalUpdate carries the fields an administrator may change. Nil fields
// are left untouched.
type PrincipalUpdate struct {
	Role            *Role
	Approval        *Approval
	Active          *bool
	ConsoleOverride *bool
}

func (u PrincipalUpdate) Empty() bool {
	return u.Role == nil && u.Approval == nil && u.Active == nil && u.ConsoleOverride == nil
}

// PrincipalFilter narrows directory listings.
type PrincipalFilter struct {
	Approval        Approval
	Role            Role
	IncludeInactive bool
}

func (f PrincipalFilter) Match(p Principal) bool {
	if !f.IncludeInactive && !p.Active {
		return false
	}
	if f.Approval != "" && p.Approval != f.Approval {
		return false
	}
	if f.Role != "" && p.Role != f.Role {
		return false
	}
	return true
}

// NormalizeUsername is the canonical form used for lookups and lockout keys.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
