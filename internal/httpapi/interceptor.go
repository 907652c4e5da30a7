package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/obs"
)

const (
	resourceTypeGrant = "AccessGrant"
	resourceTypeAudit = "AuditEntry"
)

const (
	outcomeSuccess  = "success"
	outcomeDenied   = "denied"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// operation describes what a route does in audit terms. The recorded action
// is the semantic verb, independent of the HTTP method.
type operation struct {
	Name         string
	Action       audit.Action
	ResourceType string
	// TypeParam names a path value carrying the resource type when
	// ResourceType is not fixed.
	TypeParam string
	IDParam   string
}

// auditNote lets a handler refine the entry the interceptor records.
type auditNote struct {
	action       audit.Action
	resourceType string
	resourceID   string
	outcome      string
	fields       map[string]any
}

type auditNoteKey struct{}

func noteFrom(r *http.Request) *auditNote {
	n, _ := r.Context().Value(auditNoteKey{}).(*auditNote)
	return n
}

func annotate(r *http.Request, key string, v any) {
	if n := noteFrom(r); n != nil {
		if n.fields == nil {
			n.fields = map[string]any{}
		}
		n.fields[key] = v
	}
}

func setAuditResource(r *http.Request, resourceType, id string) {
	if n := noteFrom(r); n != nil {
		if resourceType != "" {
			n.resourceType = resourceType
		}
		n.resourceID = id
	}
}

func setAuditAction(r *http.Request, action audit.Action) {
	if n := noteFrom(r); n != nil {
		n.action = action
	}
}

func setAuditOutcome(r *http.Request, outcome string) {
	if n := noteFrom(r); n != nil {
		n.outcome = outcome
	}
}

func (a *API) route(pattern string, op operation, h http.HandlerFunc) {
	a.ops[pattern] = op
	a.mux.Handle(pattern, a.intercept(op, h))
}

// operationFor names the operation r would reach. Path values are not known
// before routing, so only the fixed resource type is kept.
func (a *API) operationFor(r *http.Request) operation {
	if _, pattern := a.mux.Handler(r); pattern != "" {
		if op, ok := a.ops[pattern]; ok {
			op.TypeParam, op.IDParam = "", ""
			return op
		}
	}
	return operation{Name: "request", Action: audit.ActionView}
}

// rejectAuth answers a request whose credentials were refused and records
// the refusal. p is set when the token named a principal that may not proceed.
func (a *API) rejectAuth(w http.ResponseWriter, r *http.Request, status int, msg, reason string, p *auth.Principal) {
	if p != nil {
		r = r.WithContext(auth.ContextWithPrincipal(r.Context(), *p))
	}
	writeError(w, r, status, msg)
	note := &auditNote{fields: map[string]any{"reason": reason}}
	a.recordOperation(r, a.operationFor(r), note, status)
}

// intercept enforces the console restriction and records one audit entry
// after the handler completes.
func (a *API) intercept(op operation, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		note := &auditNote{}
		r = r.WithContext(context.WithValue(r.Context(), auditNoteKey{}, note))
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		if a.consoleRoute(r.URL.Path) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !p.ConsoleAccess() {
				annotate(r, "reason", "console_restricted")
				forbidden(sw, r)
				a.recordOperation(r, op, note, sw.code)
				return
			}
		}

		next(sw, r)
		a.recordOperation(r, op, note, sw.code)
	})
}

func (a *API) recordOperation(r *http.Request, op operation, note *auditNote, status int) {
	if a.Trail == nil || op.Action == "" || a.skipAudit(r.URL.Path) {
		return
	}
	outcome := note.outcome
	if outcome == "" {
		outcome = outcomeOf(status)
	}
	action := op.Action
	if note.action != "" {
		action = note.action
	}
	resourceType := op.ResourceType
	if op.TypeParam != "" {
		resourceType = r.PathValue(op.TypeParam)
	}
	if note.resourceType != "" {
		resourceType = note.resourceType
	}
	resourceID := note.resourceID
	if resourceID == "" && op.IDParam != "" {
		resourceID = r.PathValue(op.IDParam)
	}

	payload := map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"status":  status,
		"outcome": outcome,
	}
	for k, v := range note.fields {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}

	entry := audit.Entry{
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Description:   fmt.Sprintf("%s %s", op.Name, outcome),
		OriginAddress: clientIP(r),
		OriginAgent:   r.UserAgent(),
		Payload:       payload,
	}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		entry.Actor = auth.ActorOf(p)
	}
	a.record(r.Context(), entry)
}

// record persists e without letting an audit failure change the response.
// The request context may already be cancelled (streams end that way).
func (a *API) record(ctx context.Context, e audit.Entry) {
	if a.Trail == nil {
		return
	}
	if err := a.Trail.Record(context.WithoutCancel(ctx), e); err != nil {
		obs.LogEvent("error", "audit_record_failed", map[string]any{
			"request_id":    RequestIDFromContext(ctx),
			"action":        string(e.Action),
			"resource_type": e.ResourceType,
			"error":         err.Error(),
		})
	}
}

func outcomeOf(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return outcomeDenied
	case status >= 500:
		return outcomeError
	case status >= 400:
		return outcomeRejected
	}
	return outcomeSuccess
}

func (a *API) consoleRoute(path string) bool {
	return hasAnyPrefix(path, a.ConsolePrefixes)
}

func (a *API) skipAudit(path string) bool {
	return hasAnyPrefix(path, a.AuditSkipPrefixes)
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
