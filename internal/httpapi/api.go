package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"corpusguard.org/api/spec"
	"corpusguard.org/internal/acl"
	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/directory"
	"corpusguard.org/internal/obs"
)

const serviceName = "corpusguard-api"

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks every backing store the service needs.
type ReadyProbe struct {
	Stores []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	var errs []error
	for _, s := range rp.Stores {
		if s == nil {
			continue
		}
		if err := s.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deps wires the API to the access-control core.
type Deps struct {
	Gate      *auth.Gate
	Tokens    *auth.TokenIssuer
	Accounts  auth.AccountStore
	Directory *directory.Service
	Engine    *authz.Engine
	Catalog   authz.Catalog
	Ledger    *acl.Ledger
	Trail     *audit.Trail
	Feed      *audit.Feed
	Probe     ReadyProbe
	Version   string

	ConsolePrefixes   []string
	AuditSkipPrefixes []string
	RateBurst         int
	RatePerSecond     int
	MaxBodyBytes      int64
	// Clock defaults to time.Now; Retry-After is computed against it.
	Clock func() time.Time
}

// API is the HTTP layer.
type API struct {
	Deps
	mux *http.ServeMux
	ops map[string]operation
}

func New(d Deps) *API {
	if d.RateBurst <= 0 {
		d.RateBurst = 40
	}
	if d.RatePerSecond <= 0 {
		d.RatePerSecond = 20
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	a := &API{Deps: d, mux: http.NewServeMux(), ops: map[string]operation{}}

	// ops
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.HandleFunc("GET /openapi.yaml", a.OpenAPISpec)
	a.mux.Handle("GET /metrics", obs.Handler())

	// login and logout audit themselves
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.ops["POST /v1/auth/logout"] = operation{Name: "logout", Action: audit.ActionLogout, ResourceType: authz.ResourceTypePrincipal}

	a.route("GET /v1/auth/me", operation{Name: "profile", Action: audit.ActionView, ResourceType: authz.ResourceTypePrincipal}, a.handleMe)
	a.route("POST /v1/auth/2fa/enroll", operation{Name: "two-factor enrollment", Action: audit.ActionUpdate, ResourceType: authz.ResourceTypePrincipal}, a.handleEnrollTwoFactor)
	a.route("POST /v1/auth/2fa/confirm", operation{Name: "two-factor confirmation", Action: audit.ActionUpdate, ResourceType: authz.ResourceTypePrincipal}, a.handleConfirmTwoFactor)
	a.route("POST /v1/register", operation{Name: "registration", Action: audit.ActionCreate, ResourceType: authz.ResourceTypePrincipal}, a.handleRegister)
	a.route("POST /v1/authorize", operation{Name: "authorization check", Action: audit.ActionView}, a.handleAuthorize)

	a.route("PUT /v1/resources/{type}/{id}", operation{Name: "resource registration", Action: audit.ActionUpdate, TypeParam: "type", IDParam: "id"}, a.handleRegisterResource)
	a.route("PUT /v1/resources/{type}/{id}/grants/{principal}", operation{Name: "grant", Action: audit.ActionUpdate, ResourceType: resourceTypeGrant}, a.handleGrant)
	a.route("DELETE /v1/resources/{type}/{id}/grants/{principal}", operation{Name: "revoke", Action: audit.ActionDelete, ResourceType: resourceTypeGrant}, a.handleRevoke)

	a.route("GET /v1/console/grants", operation{Name: "grant report", Action: audit.ActionView, ResourceType: resourceTypeGrant}, a.handleListGrants)
	a.route("GET /v1/console/users", operation{Name: "principal list", Action: audit.ActionView, ResourceType: authz.ResourceTypePrincipal}, a.handleListUsers)
	a.route("GET /v1/console/users/{id}", operation{Name: "principal detail", Action: audit.ActionView, ResourceType: authz.ResourceTypePrincipal, IDParam: "id"}, a.handleGetUser)
	a.route("POST /v1/console/users/{id}/approve", operation{Name: "approve principal", Action: audit.ActionApprove, ResourceType: authz.ResourceTypePrincipal, IDParam: "id"}, a.handleApproveUser)
	a.route("POST /v1/console/users/{id}/reject", operation{Name: "reject principal", Action: audit.ActionReject, ResourceType: authz.ResourceTypePrincipal, IDParam: "id"}, a.handleRejectUser)
	a.route("POST /v1/console/users/{id}/deactivate", operation{Name: "deactivate principal", Action: audit.ActionUpdate, ResourceType: authz.ResourceTypePrincipal, IDParam: "id"}, a.handleDeactivateUser)
	a.route("PUT /v1/console/users/{id}/role", operation{Name: "change role", Action: audit.ActionUpdate, ResourceType: authz.ResourceTypePrincipal, IDParam: "id"}, a.handleSetRole)

	a.route("GET /v1/console/audit", operation{Name: "audit query", Action: audit.ActionView, ResourceType: resourceTypeAudit}, a.handleAuditQuery)
	a.route("GET /v1/console/audit/verify", operation{Name: "audit verification", Action: audit.ActionView, ResourceType: resourceTypeAudit}, a.handleAuditVerify)
	a.route("GET /v1/console/audit/stream", operation{Name: "audit stream", Action: audit.ActionView, ResourceType: resourceTypeAudit}, a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the fully wrapped server handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.MaxBodyBytes)
	h = RateLimit(h, a.RateBurst, a.RatePerSecond)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- ops ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.Probe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.Clock().UTC().Format(time.RFC3339),
		"version": a.Version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}
