package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldcrm/internal/store"
)

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockDuration      = 30 * time.Minute
	DefaultLockoutRetention  = time.Hour

	lockoutKeyPrefix = "lockout:"
)

type LockoutConfig struct {
	MaxAttempts  int
	LockDuration time.Duration
	// Retention bounds how long a failure history is kept, independent of the lock.
	Retention time.Duration
}

type LockStatus struct {
	Locked            bool
	LockedUntil       *time.Time
	RemainingAttempts int
}

type lockoutEntry struct {
	FailedAttempts int   `json:"failed_attempts"`
	LockedUntil    int64 `json:"locked_until,omitempty"`
	LastAttempt    int64 `json:"last_attempt"`
}

// LockoutGuard counts failed logins per account and locks the account at the threshold.
// Store errors are returned to the caller; logins must fail closed on them.
type LockoutGuard struct {
	store store.Store
	cfg   LockoutConfig
	now   func() time.Time
}

func NewLockoutGuard(s store.Store, cfg LockoutConfig) *LockoutGuard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxFailedAttempts
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = DefaultLockDuration
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultLockoutRetention
	}

	return &LockoutGuard{store: s, cfg: cfg, now: time.Now}
}

func (g *LockoutGuard) CheckLocked(ctx context.Context, account string) (LockStatus, error) {
	key := lockoutKey(account)
	entry, ok, err := store.GetJSON[lockoutEntry](ctx, g.store, key)
	if err != nil {
		return LockStatus{}, fmt.Errorf("read lockout entry: %w", err)
	}
	if !ok {
		return g.open(0), nil
	}

	if entry.LockedUntil != 0 {
		if g.now().UnixMilli() > entry.LockedUntil {
			if err := g.store.Delete(ctx, key); err != nil {
				return LockStatus{}, fmt.Errorf("clear elapsed lockout: %w", err)
			}
			return g.open(0), nil
		}
		return g.locked(entry), nil
	}

	return g.open(entry.FailedAttempts), nil
}

func (g *LockoutGuard) RecordFailure(ctx context.Context, account string) (LockStatus, error) {
	key := lockoutKey(account)
	entry, _, err := store.GetJSON[lockoutEntry](ctx, g.store, key)
	if err != nil {
		return LockStatus{}, fmt.Errorf("read lockout entry: %w", err)
	}

	now := g.now()
	if entry.LockedUntil != 0 {
		if now.UnixMilli() <= entry.LockedUntil {
			return g.locked(entry), nil
		}
		entry = lockoutEntry{}
	}

	entry.FailedAttempts++
	entry.LastAttempt = now.UnixMilli()
	if entry.FailedAttempts >= g.cfg.MaxAttempts {
		entry.LockedUntil = now.Add(g.cfg.LockDuration).UnixMilli()
	}

	ttl := g.cfg.Retention
	if lockRemaining := time.Duration(entry.LockedUntil-now.UnixMilli()) * time.Millisecond; lockRemaining > ttl {
		ttl = lockRemaining
	}
	if err := store.PutJSON(ctx, g.store, key, entry, ttl); err != nil {
		return LockStatus{}, fmt.Errorf("write lockout entry: %w", err)
	}

	if entry.LockedUntil != 0 {
		return g.locked(entry), nil
	}
	return g.open(entry.FailedAttempts), nil
}

// Reset fully clears the account's history after a successful login.
func (g *LockoutGuard) Reset(ctx context.Context, account string) error {
	if err := g.store.Delete(ctx, lockoutKey(account)); err != nil {
		return fmt.Errorf("reset lockout entry: %w", err)
	}
	return nil
}

func (g *LockoutGuard) open(failed int) LockStatus {
	return LockStatus{RemainingAttempts: max(g.cfg.MaxAttempts-failed, 0)}
}

func (g *LockoutGuard) locked(entry lockoutEntry) LockStatus {
	until := time.UnixMilli(entry.LockedUntil).UTC()
	return LockStatus{Locked: true, LockedUntil: &until}
}

func lockoutKey(account string) string {
	return lockoutKeyPrefix + strings.ToLower(strings.TrimSpace(account))
}
