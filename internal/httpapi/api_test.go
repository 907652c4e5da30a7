package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"corpusguard.org/internal/acl"
	"corpusguard.org/internal/audit"
	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/directory"
	"corpusguard.org/internal/store"
)

const testPassword = "correct horse battery"

type fixture struct {
	api      *API
	handler  http.Handler
	accounts *auth.MemoryAccounts
	entries  *audit.MemoryStore
	catalog  *authz.StaticResolver
	tokens   *auth.TokenIssuer
}

type fixtureOption func(*Deps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	accounts := auth.NewMemoryAccounts()
	entries := audit.NewMemoryStore()
	feed := audit.NewFeed()
	trail := audit.NewTrail(entries, audit.WithFeed(feed), audit.WithRetry(1, 0))
	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	ledger := acl.NewLedger(acl.NewMemoryStore())
	engine := authz.NewEngine(ledger)
	catalog := authz.NewStaticResolver()

	deps := Deps{
		Gate:              auth.NewGate(accounts, auth.NewMemoryLockouts(), trail),
		Tokens:            tokens,
		Accounts:          accounts,
		Directory:         directory.NewService(accounts, engine),
		Engine:            engine,
		Catalog:           catalog,
		Ledger:            ledger,
		Trail:             trail,
		Feed:              feed,
		Version:           "test",
		ConsolePrefixes:   []string{"/v1/console/"},
		AuditSkipPrefixes: []string{"/metrics", "/healthz", "/readyz"},
		RateBurst:         1000,
		RatePerSecond:     1000,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	api := New(deps)
	return &fixture{
		api:      api,
		handler:  api.Handler(),
		accounts: accounts,
		entries:  entries,
		catalog:  catalog,
		tokens:   tokens,
	}
}

func (f *fixture) addPrincipal(t *testing.T, id string, role auth.Role, approval auth.Approval, active bool) auth.Principal {
	t.Helper()
	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	p, err := f.accounts.CreateAccount(context.Background(), auth.Account{
		Principal: auth.Principal{
			ID:       id,
			Username: id,
			Email:    id + "@example.org",
			Role:     role,
			Approval: approval,
			Active:   active,
		},
		PasswordHash: hash,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, _, err := f.tokens.Issue(p)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("User-Agent", "api-test")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) recorded(t *testing.T, flt audit.Filter) []audit.Entry {
	t.Helper()
	out, err := f.entries.Query(context.Background(), mustNormalize(t, flt))
	require.NoError(t, err)
	return out
}

func mustNormalize(t *testing.T, flt audit.Filter) audit.Filter {
	t.Helper()
	n, err := flt.Normalize()
	require.NoError(t, err)
	return n
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func TestHealthzAndInfo(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", decodeBody(t, rr)["status"])
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = f.do(t, http.MethodGet, "/v1/info", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "test", decodeBody(t, rr)["version"])

	rr = f.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Zero(t, f.entries.Len())
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return store.Unavailable("ping", errors.New("refused")) }

func TestReadyzReportsFailingStore(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Probe = ReadyProbe{Stores: []Pinger{downStore{}}} })
	rr := f.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "not_ready", decodeBody(t, rr)["status"])
}

func TestLoginStatusMapping(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", auth.RoleEditor, auth.ApprovalApproved, true)
	f.addPrincipal(t, "penny", auth.RoleViewer, auth.ApprovalPending, true)
	f.addPrincipal(t, "gone", auth.RoleViewer, auth.ApprovalApproved, false)

	login := func(user, pw string) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Username: user, Password: pw})
	}

	rr := login("Alice", testPassword)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var ok loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ok))
	require.NotEmpty(t, ok.Token)
	require.Equal(t, "alice", ok.Principal.ID)

	rr = login("alice", "wrong password")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "invalid credentials", decodeBody(t, rr)["error"])

	rr = login("penny", testPassword)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "account pending approval", decodeBody(t, rr)["error"])

	rr = login("gone", testPassword)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "account not active", decodeBody(t, rr)["error"])

	logins := f.recorded(t, audit.Filter{Action: audit.ActionLogin})
	require.Len(t, logins, 4)
}

func TestLoginLockoutAnswers429(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "bob", auth.RoleViewer, auth.ApprovalApproved, true)

	for i := 0; i < 5; i++ {
		rr := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Username: "bob", Password: "not the password"})
		require.Equal(t, http.StatusUnauthorized, rr.Code, "attempt %d", i+1)
	}
	rr := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Username: "bob", Password: testPassword})
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.NotEmpty(t, rr.Header().Get("Retry-After"))
	require.Equal(t, "too many failed attempts", decodeBody(t, rr)["error"])
}

func TestConsoleRejectsEditorAndRecordsDenial(t *testing.T) {
	f := newFixture(t)
	editor := f.addPrincipal(t, "ed", auth.RoleEditor, auth.ApprovalApproved, true)

	rr := f.do(t, http.MethodGet, "/v1/console/audit", f.token(t, editor), nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "not authorized", body["error"])
	require.NotContains(t, body, "reason")

	entries := f.recorded(t, audit.Filter{ActorID: "ed"})
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, audit.ActionView, e.Action)
	require.Equal(t, resourceTypeAudit, e.ResourceType)
	require.Equal(t, outcomeDenied, e.Payload["outcome"])
	require.Equal(t, float64(http.StatusForbidden), e.Payload["status"])
	require.Equal(t, "192.0.2.10", e.OriginAddress)
	require.Equal(t, "api-test", e.OriginAgent)
	require.Equal(t, "audit query denied", e.Description)

	rr = f.do(t, http.MethodGet, "/v1/console/users", "", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestConsoleOverrideGrantsConsoleAccess(t *testing.T) {
	f := newFixture(t)
	p := f.addPrincipal(t, "ops", auth.RoleEditor, auth.ApprovalApproved, true)
	yes := true
	_, err := f.accounts.UpdatePrincipal(context.Background(), p.ID, auth.PrincipalUpdate{ConsoleOverride: &yes})
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/v1/console/audit", f.token(t, p), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestSkippedPathsAreNotRecorded(t *testing.T) {
	f := newFixture(t)
	p := f.addPrincipal(t, "vic", auth.RoleViewer, auth.ApprovalApproved, true)
	tok := f.token(t, p)

	rr := f.do(t, http.MethodGet, "/v1/auth/me", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, f.entries.Len())

	f.api.AuditSkipPrefixes = append(f.api.AuditSkipPrefixes, "/v1/auth/")
	rr = f.do(t, http.MethodGet, "/v1/auth/me", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, 1, f.entries.Len())
}

func TestRegistrationThenApproval(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)

	rr := f.do(t, http.MethodPost, "/v1/register", "", directory.Registration{
		Username: "Newbie", Email: "newbie@example.org", Password: testPassword,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created auth.Principal
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.Equal(t, auth.ApprovalPending, created.Approval)
	require.Equal(t, auth.RoleViewer, created.Role)

	rr = f.do(t, http.MethodPost, "/v1/register", "", directory.Registration{
		Username: "newbie", Password: testPassword,
	})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Username: "newbie", Password: testPassword})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/console/users/"+created.ID+"/approve", f.token(t, admin), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Username: "newbie", Password: testPassword})
	require.Equal(t, http.StatusOK, rr.Code)

	creates := f.recorded(t, audit.Filter{Action: audit.ActionCreate, ResourceType: authz.ResourceTypePrincipal})
	require.Len(t, creates, 2)
	approvals := f.recorded(t, audit.Filter{Action: audit.ActionApprove, ResourceID: created.ID})
	require.Len(t, approvals, 1)
	require.Equal(t, "root", approvals[0].Actor.ID)
	require.Equal(t, outcomeSuccess, approvals[0].Payload["outcome"])
}

func TestConsoleUserLifecycle(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)
	f.addPrincipal(t, "pend", auth.RoleViewer, auth.ApprovalPending, true)
	f.addPrincipal(t, "rita", auth.RoleViewer, auth.ApprovalApproved, true)
	tok := f.token(t, admin)

	rr := f.do(t, http.MethodGet, "/v1/console/users?approval=pending", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeBody(t, rr)["principals"], 1)

	rr = f.do(t, http.MethodPut, "/v1/console/users/rita/role", tok, setRoleRequest{Role: "Researcher"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "researcher", decodeBody(t, rr)["role"])

	rr = f.do(t, http.MethodPut, "/v1/console/users/rita/role", tok, setRoleRequest{Role: "wizard"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/console/users/pend/reject", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, false, decodeBody(t, rr)["active"])

	rr = f.do(t, http.MethodPost, "/v1/console/users/rita/deactivate", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/console/users/root/deactivate", tok, nil)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/console/users/nobody", tok, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeactivatedPrincipalTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	p := f.addPrincipal(t, "dora", auth.RoleViewer, auth.ApprovalApproved, true)
	tok := f.token(t, p)

	no := false
	_, err := f.accounts.UpdatePrincipal(context.Background(), p.ID, auth.PrincipalUpdate{Active: &no})
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/v1/auth/me", tok, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "account not active", decodeBody(t, rr)["error"])
}

func TestRefusedCredentialsAreRecorded(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)
	f.addPrincipal(t, "vi", auth.RoleViewer, auth.ApprovalApproved, true)
	f.catalog.Put(authz.Resource{Type: "Document", ID: "d1", OwnerID: "root"})

	forged := f.token(t, admin) + "x"
	rr := f.do(t, http.MethodGet, "/v1/console/audit", forged, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, 1, f.entries.Len())
	denied := f.recorded(t, audit.Filter{ResourceType: resourceTypeAudit})
	require.Len(t, denied, 1)
	require.Nil(t, denied[0].Actor)
	require.Equal(t, audit.ActionView, denied[0].Action)
	require.Equal(t, outcomeDenied, denied[0].Payload["outcome"])
	require.Equal(t, "invalid_token", denied[0].Payload["reason"])
	require.Equal(t, "/v1/console/audit", denied[0].Payload["path"])

	req := httptest.NewRequest(http.MethodGet, "/v1/console/users", nil)
	req.Header.Set("Authorization", "Basic cm9vdDpwdw==")
	f.handler.ServeHTTP(httptest.NewRecorder(), req)
	malformed := f.recorded(t, audit.Filter{ResourceType: authz.ResourceTypePrincipal})
	require.Len(t, malformed, 1)
	require.Equal(t, "malformed_authorization", malformed[0].Payload["reason"])

	tok := f.token(t, admin)
	no := false
	_, err := f.accounts.UpdatePrincipal(context.Background(), admin.ID, auth.PrincipalUpdate{Active: &no})
	require.NoError(t, err)

	rr = f.do(t, http.MethodPut, "/v1/resources/Document/d1/grants/vi", tok, acl.Permissions{View: true})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	grants := f.recorded(t, audit.Filter{ActorID: "root"})
	require.Len(t, grants, 1)
	require.Equal(t, audit.ActionUpdate, grants[0].Action)
	require.Equal(t, resourceTypeGrant, grants[0].ResourceType)
	require.Equal(t, "deactivated", grants[0].Payload["reason"])
	require.Equal(t, string(auth.RoleAdmin), grants[0].Actor.Role)
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t)
	p := f.addPrincipal(t, "lou", auth.RoleViewer, auth.ApprovalApproved, true)
	tok := f.token(t, p)

	rr := f.do(t, http.MethodPost, "/v1/auth/logout", tok, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/auth/me", tok, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	logouts := f.recorded(t, audit.Filter{Action: audit.ActionLogout})
	require.Len(t, logouts, 1)
	require.Equal(t, "lou", logouts[0].Actor.ID)

	rr = f.do(t, http.MethodPost, "/v1/auth/logout", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestResourceGrantAndAuthorizeFlow(t *testing.T) {
	f := newFixture(t)
	editor := f.addPrincipal(t, "ed", auth.RoleEditor, auth.ApprovalApproved, true)
	viewer := f.addPrincipal(t, "vi", auth.RoleViewer, auth.ApprovalApproved, true)
	edTok, viTok := f.token(t, editor), f.token(t, viewer)

	rr := f.do(t, http.MethodPut, "/v1/resources/Document/d1", edTok, resourceRequest{})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "ed", decodeBody(t, rr)["owner_id"])

	rr = f.do(t, http.MethodPut, "/v1/resources/Document/d2", viTok, resourceRequest{})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPut, "/v1/resources/Document/d1", edTok, resourceRequest{Approved: true})
	require.Equal(t, http.StatusForbidden, rr.Code)

	ask := authorizeRequest{Action: "view", ResourceType: "Document", ResourceID: "d1"}
	rr = f.do(t, http.MethodPost, "/v1/authorize", viTok, ask)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, false, decodeBody(t, rr)["allowed"])

	rr = f.do(t, http.MethodPut, "/v1/resources/Document/d1/grants/vi", edTok, acl.Permissions{View: true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/v1/authorize", viTok, ask)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decodeBody(t, rr)["allowed"])

	rr = f.do(t, http.MethodPut, "/v1/resources/Document/d1/grants/ed", viTok, acl.Permissions{View: true})
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "not authorized", decodeBody(t, rr)["error"])

	rr = f.do(t, http.MethodPut, "/v1/resources/Document/d1/grants/vi", edTok, acl.Permissions{Delete: true})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPut, "/v1/resources/Document/missing/grants/vi", edTok, acl.Permissions{View: true})
	require.Equal(t, http.StatusForbidden, rr.Code)

	grants := f.recorded(t, audit.Filter{Action: audit.ActionUpdate, ResourceType: resourceTypeGrant, ResourceID: "Document/d1/vi"})
	require.Len(t, grants, 2)

	rr = f.do(t, http.MethodDelete, "/v1/resources/Document/d1/grants/vi", edTok, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodDelete, "/v1/resources/Document/d1/grants/vi", edTok, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	views := f.recorded(t, audit.Filter{Action: audit.ActionView, ResourceType: "Document", ResourceID: "d1"})
	require.Len(t, views, 2)
	// newest first
	require.Equal(t, true, views[0].Payload["allowed"])
	require.Equal(t, outcomeSuccess, views[0].Payload["outcome"])
	require.Equal(t, outcomeDenied, views[1].Payload["outcome"])
	require.Equal(t, string(authz.ReasonNoGrant), views[1].Payload["reason"])
}

func TestGrantEndpointsHideExistence(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)
	editor := f.addPrincipal(t, "ed", auth.RoleEditor, auth.ApprovalApproved, true)
	viewer := f.addPrincipal(t, "vi", auth.RoleViewer, auth.ApprovalApproved, true)
	f.catalog.Put(authz.Resource{Type: "Document", ID: "d1", OwnerID: "root", Approved: true})
	adTok, edTok, viTok := f.token(t, admin), f.token(t, editor), f.token(t, viewer)

	var bodies []string
	for _, path := range []string{
		"/v1/resources/Document/d1/grants/ed",
		"/v1/resources/Document/ghost/grants/ed",
		"/v1/resources/Document/d1/grants/nobody",
	} {
		for _, method := range []string{http.MethodPut, http.MethodDelete} {
			rr := f.do(t, method, path, viTok, acl.Permissions{View: true})
			require.Equal(t, http.StatusForbidden, rr.Code, "%s %s", method, path)
			body := decodeBody(t, rr)
			delete(body, "request_id")
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			bodies = append(bodies, string(raw))
		}
	}
	for _, b := range bodies[1:] {
		require.Equal(t, bodies[0], b)
	}

	rr := f.do(t, http.MethodPut, "/v1/resources/Document/ghost/grants/vi", edTok, acl.Permissions{View: true})
	require.Equal(t, http.StatusForbidden, rr.Code)
	rr = f.do(t, http.MethodPut, "/v1/resources/Document/d1/grants/nobody", edTok, acl.Permissions{View: true})
	require.Equal(t, http.StatusForbidden, rr.Code)
	rr = f.do(t, http.MethodDelete, "/v1/resources/Document/ghost/grants/vi", edTok, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPut, "/v1/resources/Document/ghost/grants/vi", adTok, acl.Permissions{View: true})
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodPut, "/v1/resources/Document/d1/grants/nobody", adTok, acl.Permissions{View: true})
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodDelete, "/v1/resources/Document/d1/grants/vi", adTok, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	hidden := f.recorded(t, audit.Filter{ActorID: "ed", ResourceType: resourceTypeGrant})
	require.Len(t, hidden, 3)
	for _, e := range hidden {
		require.Equal(t, outcomeDenied, e.Payload["outcome"])
	}
}

func TestAuthorizeHidesMissingResources(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)
	viewer := f.addPrincipal(t, "vi", auth.RoleViewer, auth.ApprovalApproved, true)
	f.catalog.Put(authz.Resource{Type: "Document", ID: "draft", OwnerID: "root"})

	var answers []string
	for _, id := range []string{"draft", "ghost"} {
		rr := f.do(t, http.MethodPost, "/v1/authorize", f.token(t, viewer), authorizeRequest{Action: "view", ResourceType: "Document", ResourceID: id})
		require.Equal(t, http.StatusOK, rr.Code, id)
		answers = append(answers, strings.TrimSpace(rr.Body.String()))
	}
	require.Equal(t, answers[0], answers[1])
	require.JSONEq(t, `{"allowed":false}`, answers[1])

	entries := f.recorded(t, audit.Filter{ActorID: "vi", ResourceID: "ghost"})
	require.Len(t, entries, 1)
	require.Equal(t, outcomeDenied, entries[0].Payload["outcome"])
	require.Equal(t, "not_found", entries[0].Payload["reason"])

	rr := f.do(t, http.MethodPost, "/v1/authorize", f.token(t, admin), authorizeRequest{Action: "view", ResourceType: "Document", ResourceID: "ghost"})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAuthorizeOnBehalfNeedsConsoleAccess(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)
	viewer := f.addPrincipal(t, "vi", auth.RoleViewer, auth.ApprovalApproved, true)
	f.catalog.Put(authz.Resource{Type: "Document", ID: "pub", OwnerID: "root", Approved: true})

	ask := authorizeRequest{PrincipalID: "root", Action: "delete", ResourceType: "Document", ResourceID: "pub"}
	rr := f.do(t, http.MethodPost, "/v1/authorize", f.token(t, viewer), ask)
	require.Equal(t, http.StatusForbidden, rr.Code)

	ask.PrincipalID = "vi"
	rr = f.do(t, http.MethodPost, "/v1/authorize", f.token(t, admin), ask)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, false, decodeBody(t, rr)["allowed"])

	ask.Action = "download"
	rr = f.do(t, http.MethodPost, "/v1/authorize", f.token(t, admin), ask)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decodeBody(t, rr)["allowed"])

	downloads := f.recorded(t, audit.Filter{Action: audit.ActionDownload})
	require.Len(t, downloads, 1)
	require.Equal(t, "vi", downloads[0].Payload["subject_id"])

	ask.Action = "purge"
	rr = f.do(t, http.MethodPost, "/v1/authorize", f.token(t, admin), ask)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

type brokenGrants struct{ *acl.MemoryStore }

func (brokenGrants) GetGrant(context.Context, authz.Ref, string) (acl.Grant, bool, error) {
	return acl.Grant{}, false, errors.New("connection refused")
}

func TestAuthorizeAnswers503WhenLedgerIsDown(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Engine = authz.NewEngine(acl.NewLedger(brokenGrants{acl.NewMemoryStore()}))
	})
	viewer := f.addPrincipal(t, "vi", auth.RoleViewer, auth.ApprovalApproved, true)
	f.catalog.Put(authz.Resource{Type: "Document", ID: "pub", Approved: true})

	rr := f.do(t, http.MethodPost, "/v1/authorize", f.token(t, viewer), authorizeRequest{Action: "view", ResourceType: "Document", ResourceID: "pub"})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	entries := f.recorded(t, audit.Filter{ActorID: "vi"})
	require.Len(t, entries, 1)
	require.Equal(t, outcomeError, entries[0].Payload["outcome"])
}

type refusingAudit struct{}

func (refusingAudit) Append(context.Context, audit.Entry) (audit.Entry, error) {
	return audit.Entry{}, store.Unavailable("append", errors.New("disk full"))
}

func (refusingAudit) Query(context.Context, audit.Filter) ([]audit.Entry, error) {
	return nil, store.Unavailable("query", errors.New("disk full"))
}

func TestAuditFailureDoesNotBlockRequests(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Trail = audit.NewTrail(refusingAudit{}, audit.WithRetry(1, 0))
	})
	p := f.addPrincipal(t, "vi", auth.RoleViewer, auth.ApprovalApproved, true)

	rr := f.do(t, http.MethodGet, "/v1/auth/me", f.token(t, p), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "vi", decodeBody(t, rr)["id"])
}

func TestAuditQueryExportAndVerify(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)
	tok := f.token(t, admin)
	for i := 0; i < 3; i++ {
		f.do(t, http.MethodGet, "/v1/auth/me", tok, nil)
	}

	rr := f.do(t, http.MethodGet, "/v1/console/audit?action=view&resource_type=Principal&limit=2", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, decodeBody(t, rr)["entries"], 2)

	rr = f.do(t, http.MethodGet, "/v1/console/audit?format=csv&order=asc", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/csv"))
	rows, err := csv.NewReader(strings.NewReader(rr.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Equal(t, csvHeader, rows[0])
	require.Len(t, rows, 5)
	require.Equal(t, "VIEW", rows[1][6])

	rr = f.do(t, http.MethodGet, "/v1/console/audit?action=PURGE", tok, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/console/audit?limit=5000", tok, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/console/audit?since=yesterday", tok, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/console/audit/verify", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, true, body["ok"])
	require.Empty(t, body["tampered"])
}

func TestGrantReportIsConsoleOnly(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)
	f.addPrincipal(t, "vi", auth.RoleViewer, auth.ApprovalApproved, true)
	f.catalog.Put(authz.Resource{Type: "Document", ID: "d1", OwnerID: "root"})
	tok := f.token(t, admin)

	rr := f.do(t, http.MethodPut, "/v1/resources/Document/d1/grants/vi", tok, acl.Permissions{View: true, Edit: true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/v1/console/grants?principal_id=vi", tok, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeBody(t, rr)["grants"], 1)

	rr = f.do(t, http.MethodGet, "/v1/console/grants?limit=0", tok, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStreamDeliversRecordedEntries(t *testing.T) {
	f := newFixture(t)
	admin := f.addPrincipal(t, "root", auth.RoleAdmin, auth.ApprovalApproved, true)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/console/audit/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, admin))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "stream started")

	go f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{Username: "root", Password: testPassword})

	var got strings.Builder
	for !strings.Contains(got.String(), `"LOGIN"`) {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	require.Contains(t, got.String(), "event: audit")
}
