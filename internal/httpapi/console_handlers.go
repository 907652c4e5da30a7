package httpapi

import (
	"math"
	"net/http"
	"strings"

	"corpusguard.org/internal/acl"
	"corpusguard.org/internal/auth"
)

func (a *API) handleListGrants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), acl.DefaultLimit, 1, acl.MaxLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset "+err.Error())
		return
	}
	grants, err := a.Ledger.List(r.Context(), acl.GrantFilter{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		PrincipalID:  q.Get("principal_id"),
		GrantedBy:    q.Get("granted_by"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		writeGrantError(w, r, err)
		return
	}
	annotate(r, "count", len(grants))
	writeJSON(w, http.StatusOK, map[string]any{
		"grants": grants,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := auth.PrincipalFilter{IncludeInactive: parseBool(q.Get("include_inactive"))}
	if raw := strings.TrimSpace(q.Get("approval")); raw != "" {
		f.Approval = auth.Approval(strings.ToLower(raw))
		if !f.Approval.Valid() {
			writeError(w, r, http.StatusBadRequest, "approval must be approved or pending")
			return
		}
	}
	if raw := strings.TrimSpace(q.Get("role")); raw != "" {
		role, err := auth.ParseRole(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		f.Role = role
	}
	principals, err := a.Directory.List(r.Context(), caller, f)
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	annotate(r, "count", len(principals))
	writeJSON(w, http.StatusOK, map[string]any{"principals": principals})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	p, err := a.Directory.Get(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	p, err := a.Directory.Approve(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleRejectUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	p, err := a.Directory.Reject(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	p, err := a.Directory.Deactivate(r.Context(), caller, r.PathValue("id"))
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type setRoleRequest struct {
	Role            string `json:"role"`
	ConsoleOverride *bool  `json:"console_override,omitempty"`
}

func (a *API) handleSetRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	annotate(r, "role", string(role))
	if req.ConsoleOverride != nil {
		annotate(r, "console_override", *req.ConsoleOverride)
	}
	p, err := a.Directory.SetRole(r.Context(), caller, r.PathValue("id"), role, req.ConsoleOverride)
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
