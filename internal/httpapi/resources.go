package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"corpusguard.org/internal/acl"
	"corpusguard.org/internal/authz"
)

type resourceRequest struct {
	OwnerID   string `json:"owner_id,omitempty"`
	Sensitive bool   `json:"sensitive"`
	Approved  bool   `json:"approved"`
}

// handleRegisterResource lets the owning service publish the metadata
// decisions depend on. Creating needs create, changing needs edit, flipping
// the review state needs approve or reject, and assigning another owner
// needs manage_grants.
func (a *API) handleRegisterResource(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	typ, id := r.PathValue("type"), r.PathValue("id")
	if typ == authz.ResourceTypePrincipal {
		writeError(w, r, http.StatusBadRequest, "principal resources are implicit")
		return
	}
	var req resourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := a.Catalog.Resolve(r.Context(), typ, id)
	found := err == nil
	if err != nil && !errors.Is(err, authz.ErrNotFound) {
		writeResourceError(w, r, err)
		return
	}

	res := authz.Resource{
		Type:      typ,
		ID:        id,
		OwnerID:   strings.TrimSpace(req.OwnerID),
		Sensitive: req.Sensitive,
		Approved:  req.Approved,
	}
	var (
		target   = res
		required []authz.Action
	)
	if found {
		target = existing
		if res.OwnerID == "" {
			res.OwnerID = existing.OwnerID
		}
		required = append(required, authz.ActionEdit)
		if res.Approved != existing.Approved {
			required = append(required, reviewAction(res.Approved))
		}
		if res.OwnerID != existing.OwnerID {
			required = append(required, authz.ActionManageGrants)
		}
	} else {
		if res.OwnerID == "" {
			res.OwnerID = caller.ID
			target.OwnerID = caller.ID
		}
		required = append(required, authz.ActionCreate)
		if res.Approved {
			required = append(required, authz.ActionApprove)
		}
		if res.OwnerID != caller.ID {
			required = append(required, authz.ActionManageGrants)
		}
	}

	for _, action := range required {
		d, err := a.can(r.Context(), caller, action, target)
		if err != nil {
			unavailable(w, r)
			return
		}
		if !d.Allowed {
			annotate(r, "reason", string(d.Reason))
			annotate(r, "required_action", string(action))
			forbidden(w, r)
			return
		}
	}

	if err := a.Catalog.Register(r.Context(), res); err != nil {
		writeResourceError(w, r, err)
		return
	}
	annotate(r, "sensitive", res.Sensitive)
	annotate(r, "approved", res.Approved)
	code := http.StatusOK
	if !found {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func reviewAction(approved bool) authz.Action {
	if approved {
		return authz.ActionApprove
	}
	return authz.ActionReject
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	typ, id, target := r.PathValue("type"), r.PathValue("id"), r.PathValue("principal")
	setAuditResource(r, "", grantID(typ, id, target))
	if !acl.CanDelegate(caller.Role) {
		annotate(r, "required_action", string(authz.ActionEdit))
		forbidden(w, r)
		return
	}

	var perms acl.Permissions
	if err := decodeJSON(w, r, &perms); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	annotate(r, "permissions", perms)

	res, err := a.Catalog.Resolve(r.Context(), typ, id)
	if err != nil {
		writeLookupError(w, r, caller, err)
		return
	}
	if _, err := a.Accounts.Principal(r.Context(), target); err != nil {
		writeLookupError(w, r, caller, err)
		return
	}
	g, err := a.Ledger.Grant(r.Context(), res, target, perms, caller)
	if err != nil {
		writeGrantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	typ, id, target := r.PathValue("type"), r.PathValue("id"), r.PathValue("principal")
	setAuditResource(r, "", grantID(typ, id, target))
	if !acl.CanDelegate(caller.Role) {
		annotate(r, "required_action", string(authz.ActionEdit))
		forbidden(w, r)
		return
	}

	res, err := a.Catalog.Resolve(r.Context(), typ, id)
	if err != nil {
		writeLookupError(w, r, caller, err)
		return
	}
	if err := a.Ledger.Revoke(r.Context(), res, target, caller); err != nil {
		writeGrantError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func grantID(resourceType, resourceID, principalID string) string {
	return resourceType + "/" + resourceID + "/" + principalID
}
