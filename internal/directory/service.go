// Package directory manages the principal lifecycle: self-registration,
// administrative review and role changes.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
	"corpusguard.org/internal/ids"
	"corpusguard.org/internal/store"
)

var (
	ErrForbidden = errors.New("directory: forbidden")
	// ErrInvalidTransition is returned when a lifecycle step does not apply
	// to the account's current state.
	ErrInvalidTransition = errors.New("directory: invalid transition")
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,149}$`)

// Registration is a self-service signup request.
type Registration struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Authorizer is the subset of the engine the directory needs.
type Authorizer interface {
	Can(ctx context.Context, p auth.Principal, action authz.Action, r authz.Resource) (authz.Decision, error)
}

// Service applies directory operations on behalf of an acting principal.
type Service struct {
	accounts auth.AccountStore
	authz    Authorizer
	newID    func() string
	clock    func() time.Time
	timeout  time.Duration
}

type Option func(*Service)

func WithIDs(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.clock = fn
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(accounts auth.AccountStore, authorizer Authorizer, opts ...Option) *Service {
	s := &Service{
		accounts: accounts,
		authz:    authorizer,
		newID:    ids.New,
		clock:    time.Now,
		timeout:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a pending viewer account. It never grants access by
// itself; an administrator must approve it.
func (s *Service) Register(ctx context.Context, reg Registration) (auth.Principal, error) {
	username := auth.NormalizeUsername(reg.Username)
	if !usernamePattern.MatchString(username) {
		return auth.Principal{}, fmt.Errorf("%w: username must be 3-150 characters of a-z, 0-9, '.', '_' or '-'", auth.ErrInvalidInput)
	}
	email := strings.ToLower(strings.TrimSpace(reg.Email))
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return auth.Principal{}, fmt.Errorf("%w: invalid email", auth.ErrInvalidInput)
		}
	}
	hash, err := auth.HashPassword(reg.Password)
	if err != nil {
		return auth.Principal{}, err
	}

	acct := auth.Account{
		Principal: auth.Principal{
			ID:       s.newID(),
			Username: username,
			Email:    email,
			Role:     auth.RoleViewer,
			Approval: auth.ApprovalPending,
			Active:   true,
		},
		PasswordHash: hash,
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	p, err := s.accounts.CreateAccount(sctx, acct)
	if err != nil {
		return auth.Principal{}, storageErr("create account", err)
	}
	return p, nil
}

// Approve admits a pending account. Approving an approved account is a no-op.
func (s *Service) Approve(ctx context.Context, actor auth.Principal, id string) (auth.Principal, error) {
	target, err := s.authorized(ctx, actor, authz.ActionApprove, id)
	if err != nil {
		return auth.Principal{}, err
	}
	if !target.Active {
		return auth.Principal{}, fmt.Errorf("%w: account is deactivated", ErrInvalidTransition)
	}
	if target.Approved() {
		return target, nil
	}
	approved := auth.ApprovalApproved
	return s.update(ctx, id, auth.PrincipalUpdate{Approval: &approved})
}

// Reject turns down a pending registration by deactivating it.
func (s *Service) Reject(ctx context.Context, actor auth.Principal, id string) (auth.Principal, error) {
	target, err := s.authorized(ctx, actor, authz.ActionReject, id)
	if err != nil {
		return auth.Principal{}, err
	}
	if target.Approved() {
		return auth.Principal{}, fmt.Errorf("%w: only pending accounts can be rejected", ErrInvalidTransition)
	}
	inactive := false
	return s.update(ctx, id, auth.PrincipalUpdate{Active: &inactive})
}

// Deactivate disables an account. Principals are never deleted.
func (s *Service) Deactivate(ctx context.Context, actor auth.Principal, id string) (auth.Principal, error) {
	if actor.ID == strings.TrimSpace(id) {
		return auth.Principal{}, fmt.Errorf("%w: cannot deactivate yourself", ErrInvalidTransition)
	}
	if _, err := s.authorized(ctx, actor, authz.ActionReject, id); err != nil {
		return auth.Principal{}, err
	}
	inactive := false
	return s.update(ctx, id, auth.PrincipalUpdate{Active: &inactive})
}

// SetRole changes the role tier and optionally the console override.
func (s *Service) SetRole(ctx context.Context, actor auth.Principal, id string, role auth.Role, consoleOverride *bool) (auth.Principal, error) {
	if !role.Valid() {
		return auth.Principal{}, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, role)
	}
	if actor.ID == strings.TrimSpace(id) && role != actor.Role {
		return auth.Principal{}, fmt.Errorf("%w: cannot change your own role", ErrInvalidTransition)
	}
	if _, err := s.authorized(ctx, actor, authz.ActionManageGrants, id); err != nil {
		return auth.Principal{}, err
	}
	return s.update(ctx, id, auth.PrincipalUpdate{Role: &role, ConsoleOverride: consoleOverride})
}

// Get returns a principal the actor may see: themselves, or anyone for an
// administrator.
func (s *Service) Get(ctx context.Context, actor auth.Principal, id string) (auth.Principal, error) {
	return s.authorized(ctx, actor, authz.ActionViewProfile, id)
}

// List returns principals for review. Restricted to those who may approve.
func (s *Service) List(ctx context.Context, actor auth.Principal, f auth.PrincipalFilter) ([]auth.Principal, error) {
	if err := s.check(ctx, actor, authz.ActionApprove, authz.Resource{Type: authz.ResourceTypePrincipal, ID: "*"}); err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.accounts.ListPrincipals(sctx, f)
	if err != nil {
		return nil, storageErr("list principals", err)
	}
	return out, nil
}

// EnrollTwoFactor generates a TOTP secret for the actor. It is not enforced
// until ConfirmTwoFactor proves the authenticator works. An account that
// already has two-factor enabled cannot enroll again, since a bearer token
// alone must not be able to swap or disable the second factor.
func (s *Service) EnrollTwoFactor(ctx context.Context, actor auth.Principal) (auth.Enrollment, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	acct, err := s.accounts.AccountByID(sctx, actor.ID)
	if err != nil {
		return auth.Enrollment{}, storageErr("load account", err)
	}
	if acct.TwoFactorEnabled {
		return auth.Enrollment{}, fmt.Errorf("%w: two-factor already enabled", ErrInvalidTransition)
	}
	enr, err := auth.NewEnrollment(actor.Username)
	if err != nil {
		return auth.Enrollment{}, err
	}
	if err := s.accounts.SetTwoFactor(sctx, actor.ID, enr.Secret, false); err != nil {
		return auth.Enrollment{}, storageErr("enroll two-factor", err)
	}
	return enr, nil
}

// ConfirmTwoFactor enables the enrolled secret once code validates.
func (s *Service) ConfirmTwoFactor(ctx context.Context, actor auth.Principal, code string) error {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	acct, err := s.accounts.AccountByID(sctx, actor.ID)
	if err != nil {
		return storageErr("load account", err)
	}
	if acct.TOTPSecret == "" {
		return fmt.Errorf("%w: no pending enrollment", ErrInvalidTransition)
	}
	if !auth.ValidateTOTP(code, acct.TOTPSecret, s.clock()) {
		return fmt.Errorf("%w: invalid code", auth.ErrInvalidInput)
	}
	if err := s.accounts.SetTwoFactor(sctx, actor.ID, acct.TOTPSecret, true); err != nil {
		return storageErr("enable two-factor", err)
	}
	return nil
}

func (s *Service) authorized(ctx context.Context, actor auth.Principal, action authz.Action, id string) (auth.Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return auth.Principal{}, fmt.Errorf("%w: principal id is required", auth.ErrInvalidInput)
	}
	if err := s.check(ctx, actor, action, authz.Resource{Type: authz.ResourceTypePrincipal, ID: id, OwnerID: id, Approved: true}); err != nil {
		return auth.Principal{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	p, err := s.accounts.Principal(sctx, id)
	if err != nil {
		return auth.Principal{}, storageErr("load principal", err)
	}
	return p, nil
}

func (s *Service) check(ctx context.Context, actor auth.Principal, action authz.Action, r authz.Resource) error {
	d, err := s.authz.Can(ctx, actor, action, r)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ErrForbidden
	}
	return nil
}

func (s *Service) update(ctx context.Context, id string, upd auth.PrincipalUpdate) (auth.Principal, error) {
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	p, err := s.accounts.UpdatePrincipal(sctx, strings.TrimSpace(id), upd)
	if err != nil {
		return auth.Principal{}, storageErr("update principal", err)
	}
	return p, nil
}

// storageErr passes domain errors through and classifies the rest.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrConflict),
		errors.Is(err, auth.ErrInvalidInput), errors.Is(err, store.ErrUnavailable):
		return err
	}
	return store.Unavailable(op, err)
}
