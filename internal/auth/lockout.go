package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// LockoutPolicy bounds brute-force attempts per (username, origin) key.
type LockoutPolicy struct {
	// Threshold is the number of failures within Window that triggers a lock.
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Window: time.Hour, Duration: time.Hour}
}

// LockoutState is the failure counter for one key.
type LockoutState struct {
	Key         string     `json:"key"`
	Failures    int        `json:"failures"`
	WindowStart time.Time  `json:"window_start"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Locked reports whether the lock is still in force at now.
func (s LockoutState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// LockoutStore keeps failure counters. RegisterFailure must be atomic per key:
// concurrent failures for the same key may never be lost.
type LockoutStore interface {
	Lockout(ctx context.Context, key string) (LockoutState, error)
	RegisterFailure(ctx context.Context, key string, now time.Time, p LockoutPolicy) (LockoutState, error)
	ResetLockout(ctx context.Context, key string) error
}

// LockKey derives the counter key for a username and origin address.
func LockKey(username, address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		address = "unknown"
	}
	return NormalizeUsername(username) + "|" + address
}

// NextFailureState applies one failure to prev. A failure outside the window,
// or after an expired lock, starts a fresh count at one.
func NextFailureState(prev LockoutState, key string, now time.Time, p LockoutPolicy) LockoutState {
	st := prev
	st.Key = key
	expiredLock := st.LockedUntil != nil && !now.Before(*st.LockedUntil)
	stale := !st.WindowStart.After(now.Add(-p.Window))
	if st.Failures == 0 || expiredLock || stale {
		st.Failures = 1
		st.WindowStart = now
		st.LockedUntil = nil
	} else {
		st.Failures++
	}
	if st.Failures >= p.Threshold {
		until := now.Add(p.Duration)
		st.LockedUntil = &until
	}
	return st
}

// MemoryLockouts is a process-local LockoutStore.
type MemoryLockouts struct {
	mu     sync.Mutex
	states map[string]LockoutState
}

func NewMemoryLockouts() *MemoryLockouts {
	return &MemoryLockouts{states: make(map[string]LockoutState)}
}

func (m *MemoryLockouts) Lockout(ctx context.Context, key string) (LockoutState, error) {
	if err := ctx.Err(); err != nil {
		return LockoutState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[key]
	if !ok {
		return LockoutState{Key: key}, nil
	}
	return st, nil
}

func (m *MemoryLockouts) RegisterFailure(ctx context.Context, key string, now time.Time, p LockoutPolicy) (LockoutState, error) {
	if err := ctx.Err(); err != nil {
		return LockoutState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := NextFailureState(m.states[key], key, now, p)
	m.states[key] = st
	return st, nil
}

func (m *MemoryLockouts) ResetLockout(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}
