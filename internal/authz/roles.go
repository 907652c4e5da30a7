// Package authz decides whether a principal may perform an action on a
// resource. Decisions are pure: no side effects, no logging.
package authz

import (
	"fmt"
	"strings"

	"corpusguard.org/internal/auth"
)

// Action is a verb evaluated against a resource.
type Action string

const (
	ActionView         Action = "view"
	ActionDownload     Action = "download"
	ActionCreate       Action = "create"
	ActionEdit         Action = "edit"
	ActionDelete       Action = "delete"
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionManageGrants Action = "manage_grants"
	ActionViewProfile  Action = "view_profile"
)

var allActions = []Action{
	ActionView, ActionDownload, ActionCreate, ActionEdit, ActionDelete,
	ActionApprove, ActionReject, ActionManageGrants, ActionViewProfile,
}

func (a Action) Valid() bool {
	for _, known := range allActions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction accepts any casing.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidInput, s)
	}
	return a, nil
}

// canonical folds aliases onto the verb the policy is written for.
func (a Action) canonical() Action {
	if a == ActionDownload {
		return ActionView
	}
	return a
}

// Capability is the role-default answer for an action.
type Capability int

const (
	Deny Capability = iota
	Allow
	// AllowOwn applies only to resources the principal owns.
	AllowOwn
	// AllowApproved applies only to resources that passed review.
	AllowApproved
)

func (c Capability) String() string {
	switch c {
	case Allow:
		return "allow"
	case AllowOwn:
		return "allow_own"
	case AllowApproved:
		return "allow_approved"
	}
	return "deny"
}

var roleTable = map[auth.Role]map[Action]Capability{
	auth.RoleAdmin: {
		ActionView: Allow, ActionCreate: Allow, ActionEdit: Allow, ActionDelete: Allow,
		ActionApprove: Allow, ActionReject: Allow, ActionManageGrants: Allow,
	},
	auth.RoleEditor: {
		ActionView: Allow, ActionCreate: Allow, ActionEdit: Allow, ActionDelete: AllowOwn,
	},
	auth.RoleResearcher: {
		ActionView: AllowApproved,
	},
	auth.RoleViewer: {
		ActionView: AllowApproved,
	},
}

// Lookup returns the role-default capability. Unknown roles and actions deny.
func Lookup(role auth.Role, action Action) Capability {
	return roleTable[role][action.canonical()]
}

// DefaultCapability reports whether role holds action by default on at least
// some resources.
func DefaultCapability(role auth.Role, action Action) bool {
	return Lookup(role, action) != Deny
}

// Permits evaluates a capability against a concrete resource.
func (c Capability) Permits(p auth.Principal, r Resource) bool {
	switch c {
	case Allow:
		return true
	case AllowOwn:
		return r.OwnerID != "" && r.OwnerID == p.ID
	case AllowApproved:
		return r.Approved
	}
	return false
}

// sensitiveRoles may reach sensitive resources through role defaults.
func sensitiveRole(role auth.Role) bool {
	return role == auth.RoleAdmin || role == auth.RoleEditor
}
