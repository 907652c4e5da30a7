package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/directory"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	OTP      string `json:"otp,omitempty"`
}

type loginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	Principal auth.Principal `json:"principal"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.Gate == nil || a.Tokens == nil {
		unavailable(w, r)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.Gate.Attempt(r.Context(), auth.Credentials{
		Username: req.Username,
		Password: req.Password,
		OTP:      req.OTP,
	}, originOf(r))
	if err != nil {
		a.writeLoginError(w, r, err)
		return
	}

	token, exp, err := a.Tokens.Issue(p)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: exp, Principal: p})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := a.Tokens.Revoke(r.Context(), claims); err != nil {
		unavailable(w, r)
		return
	}
	origin := originOf(r)
	a.record(r.Context(), audit.Entry{
		Actor:         auth.ActorOf(p),
		Action:        audit.ActionLogout,
		ResourceType:  authz.ResourceTypePrincipal,
		ResourceID:    p.ID,
		Description:   "logout",
		OriginAddress: origin.Address,
		OriginAgent:   origin.UserAgent,
		Payload:       map[string]any{"token_id": claims.ID},
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	setAuditResource(r, "", p.ID)
	fresh, err := a.Directory.Get(r.Context(), p, p.ID)
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req directory.Registration
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	annotate(r, "username", auth.NormalizeUsername(req.Username))
	p, err := a.Directory.Register(r.Context(), req)
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	setAuditResource(r, "", p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleEnrollTwoFactor(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	setAuditResource(r, "", p.ID)
	enr, err := a.Directory.EnrollTwoFactor(r.Context(), p)
	if err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enr)
}

type confirmTwoFactorRequest struct {
	Code string `json:"code"`
}

func (a *API) handleConfirmTwoFactor(w http.ResponseWriter, r *http.Request) {
	p, ok := a.requirePrincipal(w, r)
	if !ok {
		return
	}
	setAuditResource(r, "", p.ID)
	var req confirmTwoFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Directory.ConfirmTwoFactor(r.Context(), p, req.Code); err != nil {
		writeDirectoryError(w, r, err)
		return
	}
	annotate(r, "two_factor_enabled", true)
	w.WriteHeader(http.StatusNoContent)
}

func originOf(r *http.Request) auth.Origin {
	return auth.Origin{Address: clientIP(r), UserAgent: r.UserAgent()}
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}
