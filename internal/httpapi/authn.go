package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"corpusguard.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// credentialPaths accept requests regardless of any stale bearer token.
var credentialPaths = []string{
	"/v1/auth/login",
	"/v1/register",
}

// withAuth resolves the bearer token into a freshly loaded principal.
// Requests without a token pass through anonymously; handlers decide whether
// that is enough. Refused credentials are recorded like any other denial.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a.Tokens == nil || a.Accounts == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		if r.Method == http.MethodOptions || strings.TrimSpace(header) == "" || isCredentialPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(header)
		if err != nil {
			a.rejectAuth(w, r, http.StatusUnauthorized, err.Error(), "malformed_authorization", nil)
			return
		}

		claims, err := a.Tokens.Parse(r.Context(), token)
		switch {
		case errors.Is(err, auth.ErrInvalidToken):
			a.rejectAuth(w, r, http.StatusUnauthorized, "invalid token", "invalid_token", nil)
			return
		case err != nil:
			a.rejectAuth(w, r, http.StatusServiceUnavailable, "service unavailable", "storage_unavailable", nil)
			return
		}

		// role and status changes apply on the next request, not the next login
		principal, err := a.Accounts.Principal(r.Context(), claims.Subject)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			a.rejectAuth(w, r, http.StatusUnauthorized, "invalid token", "unknown_principal", nil)
			return
		case err != nil:
			a.rejectAuth(w, r, http.StatusServiceUnavailable, "service unavailable", "storage_unavailable", nil)
			return
		}
		if !principal.Active {
			a.rejectAuth(w, r, http.StatusUnauthorized, "account not active", "deactivated", &principal)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isCredentialPath(path string) bool {
	for _, p := range credentialPaths {
		if path == p {
			return true
		}
	}
	return false
}
