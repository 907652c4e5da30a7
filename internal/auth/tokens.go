package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "corpusguard"

var errMissingSecret = errors.New("auth: token secret is not configured")

// Claims represents JWT claims used across the service. Role is informational;
// authorization always reloads the principal.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Revocations remembers logged-out token ids until they expire.
type Revocations interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	Revoked(ctx context.Context, jti string) (bool, error)
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret  []byte
	ttl     time.Duration
	clock   func() time.Time
	revoked Revocations
}

// TokenOption configures a TokenIssuer.
type TokenOption func(*TokenIssuer)

func WithTokenClock(clock func() time.Time) TokenOption {
	return func(t *TokenIssuer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func WithRevocations(r Revocations) TokenOption {
	return func(t *TokenIssuer) {
		if r != nil {
			t.revoked = r
		}
	}
}

// NewTokenIssuer fails closed: an empty secret is an error, never a
// generated fallback.
func NewTokenIssuer(secret string, ttl time.Duration, opts ...TokenOption) (*TokenIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	if ttl <= 0 {
		return nil, errors.New("auth: ttl must be greater than zero")
	}
	t := &TokenIssuer{
		secret:  []byte(secret),
		ttl:     ttl,
		clock:   time.Now,
		revoked: NewMemoryRevocations(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue signs a token for p.
func (t *TokenIssuer) Issue(p Principal) (string, time.Time, error) {
	if strings.TrimSpace(p.ID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: principal id is required", ErrInvalidInput)
	}
	now := t.clock().UTC()
	expires := now.Add(t.ttl)
	claims := Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies the token signature, required claims and revocation.
func (t *TokenIssuer) Parse(ctx context.Context, token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.clock))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	revoked, err := t.revoked.Revoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: revocation check: %v", ErrStorageUnavailable, err)
	}
	if revoked {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Revoke invalidates the token identified by claims until it would expire.
func (t *TokenIssuer) Revoke(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	return t.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

func (t *TokenIssuer) validateClaims(claims *Claims) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return errors.New("token id missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.clock().UTC()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// MemoryRevocations is a process-local revocation list.
type MemoryRevocations struct {
	mu    sync.Mutex
	until map[string]time.Time
	clock func() time.Time
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{until: make(map[string]time.Time), clock: time.Now}
}

func (m *MemoryRevocations) Revoke(_ context.Context, jti string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for id, exp := range m.until {
		if now.After(exp) {
			delete(m.until, id)
		}
	}
	m.until[jti] = until
	return nil
}

func (m *MemoryRevocations) Revoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.until[jti]
	if !ok {
		return false, nil
	}
	return !m.clock().After(exp), nil
}
