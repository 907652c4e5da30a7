// Package acl keeps per-resource permission overrides. A grant, when present,
// is authoritative for the bits it carries; its absence defers to role
// defaults.
package acl

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/store"
)

var (
	ErrMalformedGrant     = errors.New("acl: malformed grant")
	ErrForbidden          = errors.New("acl: forbidden")
	ErrNotFound           = errors.New("acl: grant not found")
	ErrInvalidInput       = errors.New("acl: invalid input")
	ErrStorageUnavailable = store.ErrUnavailable
)

// Permissions are the override bits. Delete without Edit is malformed; all
// false is a legal explicit deny.
type Permissions struct {
	View   bool `json:"can_view"`
	Edit   bool `json:"can_edit"`
	Delete bool `json:"can_delete"`
}

func (p Permissions) Validate() error {
	if p.Delete && !p.Edit {
		return fmt.Errorf("%w: delete requires edit", ErrMalformedGrant)
	}
	return nil
}

func (p Permissions) bits() authz.Bits {
	return authz.Bits{View: p.View, Edit: p.Edit, Delete: p.Delete}
}

// Grant is the single override for a (resource, principal) pair.
type Grant struct {
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id"`
	PrincipalID  string      `json:"principal_id"`
	Permissions  Permissions `json:"permissions"`
	GrantedBy    string      `json:"granted_by"`
	GrantedAt    time.Time   `json:"granted_at"`
}

func (g Grant) Ref() authz.Ref {
	return authz.Ref{Type: g.ResourceType, ID: g.ResourceID}
}

// GrantFilter narrows reporting queries. Empty fields match everything.
type GrantFilter struct {
	ResourceType string
	ResourceID   string
	PrincipalID  string
	GrantedBy    string
	Limit        int
	Offset       int
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

func (f GrantFilter) Normalize() (GrantFilter, error) {
	f.ResourceType = strings.TrimSpace(f.ResourceType)
	f.ResourceID = strings.TrimSpace(f.ResourceID)
	f.PrincipalID = strings.TrimSpace(f.PrincipalID)
	f.GrantedBy = strings.TrimSpace(f.GrantedBy)
	if f.Limit < 0 || f.Offset < 0 {
		return f, fmt.Errorf("%w: limit and offset must be non-negative", ErrInvalidInput)
	}
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	return f, nil
}

func (f GrantFilter) Match(g Grant) bool {
	if f.ResourceType != "" && g.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && g.ResourceID != f.ResourceID {
		return false
	}
	if f.PrincipalID != "" && g.PrincipalID != f.PrincipalID {
		return false
	}
	if f.GrantedBy != "" && g.GrantedBy != f.GrantedBy {
		return false
	}
	return true
}
