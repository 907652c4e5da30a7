package httpapi

import (
	"errors"
	"net/http"

	"corpusguard.org/internal/acl"
	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/directory"
	"corpusguard.org/internal/store"
)

func (a *API) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *auth.LockoutError
	switch {
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", retryAfterSeconds(locked.RetryAfter(a.Clock())))
		writeError(w, r, http.StatusTooManyRequests, "too many failed attempts")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrNotApproved):
		writeError(w, r, http.StatusForbidden, "account pending approval")
	case errors.Is(err, auth.ErrDeactivated):
		writeError(w, r, http.StatusForbidden, "account not active")
	case errors.Is(err, store.ErrUnavailable):
		unavailable(w, r)
	default:
		writeError(w, r, http.StatusInternalServerError, "login failed")
	}
}

func writeDirectoryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, directory.ErrForbidden):
		forbidden(w, r)
	case errors.Is(err, directory.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "principal not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "username or email already registered")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		unavailable(w, r)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeGrantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, acl.ErrForbidden):
		forbidden(w, r)
	case errors.Is(err, acl.ErrMalformedGrant), errors.Is(err, acl.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, acl.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "grant not found")
	case errors.Is(err, store.ErrUnavailable):
		unavailable(w, r)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeResourceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, authz.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "principal not found")
	default:
		unavailable(w, r)
	}
}

// missing reports a lookup that found no resource or principal.
func missing(err error) bool {
	return errors.Is(err, authz.ErrNotFound) || errors.Is(err, auth.ErrNotFound)
}

// writeLookupError answers a missing resource or principal with the same 403
// a denial gets, unless the caller has console access.
func writeLookupError(w http.ResponseWriter, r *http.Request, caller auth.Principal, err error) {
	if missing(err) && !caller.ConsoleAccess() {
		annotate(r, "reason", "not_found")
		forbidden(w, r)
		return
	}
	writeResourceError(w, r, err)
}

func writeAuditError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, audit.ErrInvalidFilter):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		unavailable(w, r)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
