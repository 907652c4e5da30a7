package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"corpusguard.org/internal/store"
)

var (
	ErrInvalidEntry       = errors.New("audit: invalid entry")
	ErrInvalidFilter      = errors.New("audit: invalid filter")
	ErrStorageUnavailable = store.ErrUnavailable
)

// Action is the semantic verb recorded for an entry.
type Action string

const (
	ActionLogin    Action = "LOGIN"
	ActionLogout   Action = "LOGOUT"
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionView     Action = "VIEW"
	ActionDownload Action = "DOWNLOAD"
	ActionUpload   Action = "UPLOAD"
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
)

var actions = []Action{
	ActionLogin, ActionLogout, ActionCreate, ActionUpdate, ActionDelete,
	ActionView, ActionDownload, ActionUpload, ActionApprove, ActionReject,
}

// Actions lists every recordable action.
func Actions() []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}

func (a Action) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// ParseAction accepts any casing.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, s)
	}
	return a, nil
}

// Actor is a point-in-time snapshot of the acting principal. It is not a
// reference: deleting or renaming the principal leaves entries untouched.
type Actor struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Entry is an immutable audit record. ID, OccurredAt and Seal are assigned by
// the Trail; Seq is assigned by the store.
type Entry struct {
	ID            string         `json:"id"`
	Seq           int64          `json:"seq"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Actor         *Actor         `json:"actor,omitempty"`
	Action        Action         `json:"action"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Description   string         `json:"description,omitempty"`
	OriginAddress string         `json:"origin_address,omitempty"`
	OriginAgent   string         `json:"origin_agent,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Seal          string         `json:"seal"`
}

// Filter selects entries for compliance review.
type Filter struct {
	ActorID      string
	Action       Action
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
	Limit        int
	Offset       int
	// Ascending returns oldest first; the default is newest first.
	Ascending bool
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Normalize applies defaults and rejects malformed filters.
func (f Filter) Normalize() (Filter, error) {
	f.ActorID = strings.TrimSpace(f.ActorID)
	f.ResourceType = strings.TrimSpace(f.ResourceType)
	f.ResourceID = strings.TrimSpace(f.ResourceID)
	if f.Action != "" && !f.Action.Valid() {
		return Filter{}, fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, f.Action)
	}
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit < 0 || f.Limit > MaxLimit {
		return Filter{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidFilter, MaxLimit)
	}
	if f.Offset < 0 {
		return Filter{}, fmt.Errorf("%w: offset must not be negative", ErrInvalidFilter)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return Filter{}, fmt.Errorf("%w: until precedes since", ErrInvalidFilter)
	}
	return f, nil
}

// Match reports whether e satisfies the filter predicates (paging excluded).
func (f Filter) Match(e Entry) bool {
	if f.ActorID != "" && (e.Actor == nil || e.Actor.ID != f.ActorID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.OccurredAt.Before(f.Until) {
		return false
	}
	return true
}
