package httpapi

import (
	"context"
	"net/http"
	"strings"

	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/obs"
)

type authorizeRequest struct {
	// PrincipalID defaults to the caller. Asking about someone else needs
	// console access.
	PrincipalID  string `json:"principal_id,omitempty"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

type authorizeResponse struct {
	Allowed bool `json:"allowed"`
}

// auditActions maps policy verbs onto the recorded vocabulary.
var auditActions = map[authz.Action]audit.Action{
	authz.ActionView:         audit.ActionView,
	authz.ActionViewProfile:  audit.ActionView,
	authz.ActionDownload:     audit.ActionDownload,
	authz.ActionCreate:       audit.ActionCreate,
	authz.ActionEdit:         audit.ActionUpdate,
	authz.ActionManageGrants: audit.ActionUpdate,
	authz.ActionDelete:       audit.ActionDelete,
	authz.ActionApprove:      audit.ActionApprove,
	authz.ActionReject:       audit.ActionReject,
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	action, err := authz.ParseAction(req.Action)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	setAuditAction(r, auditActions[action])
	setAuditResource(r, strings.TrimSpace(req.ResourceType), strings.TrimSpace(req.ResourceID))

	subject := caller
	if id := strings.TrimSpace(req.PrincipalID); id != "" && id != caller.ID {
		if !caller.ConsoleAccess() {
			forbidden(w, r)
			return
		}
		subject, err = a.Accounts.Principal(r.Context(), id)
		if err != nil {
			writeResourceError(w, r, err)
			return
		}
	}
	annotate(r, "subject_id", subject.ID)
	annotate(r, "requested_action", string(action))

	res, err := a.Catalog.Resolve(r.Context(), req.ResourceType, req.ResourceID)
	if missing(err) && !caller.ConsoleAccess() {
		// Indistinguishable from a denial on a resource that exists.
		annotate(r, "allowed", false)
		annotate(r, "reason", "not_found")
		setAuditOutcome(r, outcomeDenied)
		writeJSON(w, http.StatusOK, authorizeResponse{Allowed: false})
		return
	}
	if err != nil {
		writeResourceError(w, r, err)
		return
	}
	d, err := a.can(r.Context(), subject, action, res)
	if err != nil {
		unavailable(w, r)
		return
	}
	annotate(r, "allowed", d.Allowed)
	annotate(r, "reason", string(d.Reason))
	if !d.Allowed {
		setAuditOutcome(r, outcomeDenied)
	}
	writeJSON(w, http.StatusOK, authorizeResponse{Allowed: d.Allowed})
}

// can evaluates the engine and counts the decision.
func (a *API) can(ctx context.Context, p auth.Principal, action authz.Action, res authz.Resource) (authz.Decision, error) {
	d, err := a.Engine.Can(ctx, p, action, res)
	if err != nil {
		return authz.Decision{}, err
	}
	obs.RecordDecision(string(action), d.Allowed)
	return d, nil
}
