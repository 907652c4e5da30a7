package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"corpusguard.org/internal/auth"
	"corpusguard.org/internal/authz"
)

type fixture struct {
	svc      *Service
	accounts *auth.MemoryAccounts
	admin    auth.Principal
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	accounts := auth.NewMemoryAccounts()
	n := 0
	svc := NewService(accounts, authz.NewEngine(nil), WithIDs(func() string {
		n++
		return fmt.Sprintf("p%d", n)
	}))
	admin, err := accounts.CreateAccount(context.Background(), auth.Account{Principal: auth.Principal{
		ID: "root", Username: "root", Role: auth.RoleAdmin, Approval: auth.ApprovalApproved, Active: true,
	}})
	require.NoError(t, err)
	return fixture{svc: svc, accounts: accounts, admin: admin}
}

func (f fixture) register(t *testing.T, username string) auth.Principal {
	t.Helper()
	p, err := f.svc.Register(context.Background(), Registration{Username: username, Email: username + "@example.org", Password: "long enough pw"})
	require.NoError(t, err)
	return p
}

func TestRegisterCreatesPendingViewer(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, " Reader.One ")
	require.Equal(t, "reader.one", p.Username)
	require.Equal(t, auth.RoleViewer, p.Role)
	require.Equal(t, auth.ApprovalPending, p.Approval)
	require.True(t, p.Active)

	acct, err := f.accounts.AccountByID(context.Background(), p.ID)
	require.NoError(t, err)
	require.NoError(t, auth.VerifyPassword(acct.PasswordHash, "long enough pw"))
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []Registration{
		{Username: "ab", Password: "long enough pw"},
		{Username: "has space", Password: "long enough pw"},
		{Username: "valid", Email: "not-an-email", Password: "long enough pw"},
		{Username: "valid", Password: "short"},
	}
	for _, reg := range cases {
		_, err := f.svc.Register(ctx, reg)
		require.ErrorIs(t, err, auth.ErrInvalidInput, "%+v", reg)
	}

	f.register(t, "taken")
	_, err := f.svc.Register(ctx, Registration{Username: "TAKEN", Password: "long enough pw"})
	require.ErrorIs(t, err, auth.ErrConflict)
}

func TestApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.register(t, "alice")
	b := f.register(t, "bob")

	got, err := f.svc.Approve(ctx, f.admin, a.ID)
	require.NoError(t, err)
	require.True(t, got.Approved())

	again, err := f.svc.Approve(ctx, f.admin, a.ID)
	require.NoError(t, err)
	require.Equal(t, got, again)

	_, err = f.svc.Reject(ctx, f.admin, a.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	rejected, err := f.svc.Reject(ctx, f.admin, b.ID)
	require.NoError(t, err)
	require.False(t, rejected.Active)

	_, err = f.svc.Approve(ctx, f.admin, b.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Approve(ctx, f.admin, "missing")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestNonAdminsCannotManage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := f.register(t, "target")
	ed := f.register(t, "editor")
	role := auth.RoleEditor
	approved := auth.ApprovalApproved
	ed, err := f.accounts.UpdatePrincipal(ctx, ed.ID, auth.PrincipalUpdate{Role: &role, Approval: &approved})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, ed, target.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Reject(ctx, ed, target.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Deactivate(ctx, ed, target.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.SetRole(ctx, ed, target.ID, auth.RoleAdmin, nil)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.List(ctx, ed, auth.PrincipalFilter{})
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Get(ctx, ed, target.ID)
	require.ErrorIs(t, err, ErrForbidden)

	self, err := f.svc.Get(ctx, ed, ed.ID)
	require.NoError(t, err)
	require.Equal(t, ed.ID, self.ID)

	pending, err := f.svc.Get(ctx, target, target.ID)
	require.NoError(t, err, "pending principals may see their own status")
	require.Equal(t, auth.ApprovalPending, pending.Approval)
}

func TestSetRoleAndDeactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.register(t, "carol")

	override := true
	got, err := f.svc.SetRole(ctx, f.admin, p.ID, auth.RoleResearcher, &override)
	require.NoError(t, err)
	require.Equal(t, auth.RoleResearcher, got.Role)
	require.True(t, got.ConsoleOverride)

	_, err = f.svc.SetRole(ctx, f.admin, p.ID, auth.Role("owner"), nil)
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = f.svc.SetRole(ctx, f.admin, f.admin.ID, auth.RoleViewer, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Deactivate(ctx, f.admin, f.admin.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	off, err := f.svc.Deactivate(ctx, f.admin, p.ID)
	require.NoError(t, err)
	require.False(t, off.Active)

	active, err := f.svc.List(ctx, f.admin, auth.PrincipalFilter{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	all, err := f.svc.List(ctx, f.admin, auth.PrincipalFilter{IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestTwoFactorEnrollment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	require.ErrorIs(t, f.svc.ConfirmTwoFactor(ctx, f.admin, "123456"), ErrInvalidTransition)

	enr, err := f.svc.EnrollTwoFactor(ctx, f.admin)
	require.NoError(t, err)
	require.NotEmpty(t, enr.Secret)

	acct, err := f.accounts.AccountByID(ctx, f.admin.ID)
	require.NoError(t, err)
	require.False(t, acct.TwoFactorEnabled)

	require.ErrorIs(t, f.svc.ConfirmTwoFactor(ctx, f.admin, "000000x"), auth.ErrInvalidInput)

	code, err := auth.TOTPCode(enr.Secret, now)
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmTwoFactor(ctx, f.admin, code))

	acct, err = f.accounts.AccountByID(ctx, f.admin.ID)
	require.NoError(t, err)
	require.True(t, acct.TwoFactorEnabled)
}

func TestEnabledTwoFactorCannotBeReEnrolled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enr, err := f.svc.EnrollTwoFactor(ctx, f.admin)
	require.NoError(t, err)
	code, err := auth.TOTPCode(enr.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.svc.ConfirmTwoFactor(ctx, f.admin, code))

	_, err = f.svc.EnrollTwoFactor(ctx, f.admin)
	require.ErrorIs(t, err, ErrInvalidTransition)

	acct, err := f.accounts.AccountByID(ctx, f.admin.ID)
	require.NoError(t, err)
	require.True(t, acct.TwoFactorEnabled, "second factor stays enforced")
	require.Equal(t, enr.Secret, acct.TOTPSecret)
}

type brokenAccounts struct{ *auth.MemoryAccounts }

func (brokenAccounts) Principal(context.Context, string) (auth.Principal, error) {
	return auth.Principal{}, errors.New("i/o timeout")
}

func TestStorageFailureIsClassified(t *testing.T) {
	f := newFixture(t)
	svc := NewService(brokenAccounts{f.accounts}, authz.NewEngine(nil))
	_, err := svc.Approve(context.Background(), f.admin, "anyone")
	require.ErrorIs(t, err, auth.ErrStorageUnavailable)
}
