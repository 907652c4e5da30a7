package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// AccountLookup is the read side the authentication gate needs.
type AccountLookup interface {
	AccountByUsername(ctx context.Context, username string) (Account, error)
}

// AccountStore persists principals and their credentials.
type AccountStore interface {
	AccountLookup
	CreateAccount(ctx context.Context, acct Account) (Principal, error)
	AccountByID(ctx context.Context, id string) (Account, error)
	Principal(ctx context.Context, id string) (Principal, error)
	ListPrincipals(ctx context.Context, f PrincipalFilter) ([]Principal, error)
	UpdatePrincipal(ctx context.Context, id string, upd PrincipalUpdate) (Principal, error)
	SetTwoFactor(ctx context.Context, id, secret string, enabled bool) error
}

// MemoryAccounts is an AccountStore for tests and dev runs.
type MemoryAccounts struct {
	mu         sync.RWMutex
	byID       map[string]Account
	byUsername map[string]string
	byEmail    map[string]string
	now        func() time.Time
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{
		byID:       make(map[string]Account),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		now:        time.Now,
	}
}

func (s *MemoryAccounts) CreateAccount(ctx context.Context, acct Account) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	acct.Username = NormalizeUsername(acct.Username)
	acct.Email = strings.ToLower(strings.TrimSpace(acct.Email))
	if acct.ID == "" || acct.Username == "" {
		return Principal{}, fmt.Errorf("%w: id and username are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[acct.ID]; ok {
		return Principal{}, ErrConflict
	}
	if _, ok := s.byUsername[acct.Username]; ok {
		return Principal{}, ErrConflict
	}
	if acct.Email != "" {
		if _, ok := s.byEmail[acct.Email]; ok {
			return Principal{}, ErrConflict
		}
	}
	now := s.now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.byID[acct.ID] = acct
	s.byUsername[acct.Username] = acct.ID
	if acct.Email != "" {
		s.byEmail[acct.Email] = acct.ID
	}
	return acct.Principal, nil
}

func (s *MemoryAccounts) AccountByUsername(ctx context.Context, username string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byUsername[NormalizeUsername(username)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryAccounts) AccountByID(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func (s *MemoryAccounts) Principal(ctx context.Context, id string) (Principal, error) {
	acct, err := s.AccountByID(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	return acct.Principal, nil
}

func (s *MemoryAccounts) ListPrincipals(ctx context.Context, f PrincipalFilter) ([]Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Principal, 0, len(s.byID))
	for _, acct := range s.byID {
		if f.Match(acct.Principal) {
			out = append(out, acct.Principal)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryAccounts) UpdatePrincipal(ctx context.Context, id string, upd PrincipalUpdate) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	if upd.Role != nil {
		acct.Role = *upd.Role
	}
	if upd.Approval != nil {
		acct.Approval = *upd.Approval
	}
	if upd.Active != nil {
		acct.Active = *upd.Active
	}
	if upd.ConsoleOverride != nil {
		acct.ConsoleOverride = *upd.ConsoleOverride
	}
	acct.UpdatedAt = s.now().UTC()
	s.byID[id] = acct
	return acct.Principal, nil
}

func (s *MemoryAccounts) SetTwoFactor(ctx context.Context, id, secret string, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	acct.TOTPSecret = secret
	acct.TwoFactorEnabled = enabled
	acct.UpdatedAt = s.now().UTC()
	s.byID[id] = acct
	return nil
}
