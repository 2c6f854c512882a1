// Package credentials holds the session credentials used to authorize
// requests to the task service. Reads are lock-free snapshots; writes go
// through to the key-value store before the snapshot is swapped.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	KeyPrimary        = "auth.primary_token"
	KeyFallback       = "auth.fallback_token"
	KeySessionInvalid = "auth.session_invalid"
)

// KV is the persistence surface the store needs.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSetMany(ctx context.Context, pairs map[string]string) error
}

// Credential is the pair of bearer tokens a session may hold. Primary is the
// renewable session token, Fallback a long-lived token that cannot be renewed.
type Credential struct {
	Primary  string
	Fallback string
}

type snapshot struct {
	cred    Credential
	invalid bool
}

type Store struct {
	kv     KV
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

type Option func(*Store)

// WithClock overrides the clock used for token expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(kv KV, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:     kv,
		logger: logger.With("component", "credentials"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(&snapshot{})
	return s
}

// Load reads the persisted credentials, refreshes the in-memory snapshot and
// returns the authoritative value.
func (s *Store) Load(ctx context.Context) (Credential, error) {
	primary, err := s.kv.KVGet(ctx, KeyPrimary)
	if err != nil {
		return Credential{}, fmt.Errorf("load primary token: %w", err)
	}
	fallback, err := s.kv.KVGet(ctx, KeyFallback)
	if err != nil {
		return Credential{}, fmt.Errorf("load fallback token: %w", err)
	}
	invalid, err := s.kv.KVGet(ctx, KeySessionInvalid)
	if err != nil {
		return Credential{}, fmt.Errorf("load session flag: %w", err)
	}
	cred := Credential{Primary: primary, Fallback: fallback}
	s.snap.Store(&snapshot{cred: cred, invalid: invalid == "1"})
	return cred, nil
}

// Current returns the in-memory credential snapshot.
func (s *Store) Current() Credential {
	return s.snap.Load().cred
}

// Best returns the token requests should carry right now, or "" when there
// is none. It never blocks.
func (s *Store) Best() string {
	snap := s.snap.Load()
	if snap.invalid {
		return snap.cred.Fallback
	}
	if snap.cred.Primary != "" && !s.expired(snap.cred.Primary) {
		return snap.cred.Primary
	}
	if snap.cred.Fallback != "" {
		return snap.cred.Fallback
	}
	// An expired primary is still worth sending: the 401 it earns is what
	// drives renewal.
	return snap.cred.Primary
}

// SessionInvalid reports whether re-authentication is required.
func (s *Store) SessionInvalid() bool {
	return s.snap.Load().invalid
}

// expired reports whether token is a JWT whose exp claim has passed. Opaque
// tokens are never considered expired.
func (s *Store) expired(token string) bool {
	exp, ok := ExpiresAt(token)
	if !ok {
		return false
	}
	return !s.now().Before(exp)
}

// ExpiresAt returns the exp claim of a JWT without verifying its signature.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return ""
}

// update applies mutate to a copy of the snapshot, persists the changed keys
// and installs the result.
func (s *Store) update(ctx context.Context, op string, mutate func(*snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.snap.Load()
	mutate(&next)
	err := s.kv.KVSetMany(ctx, map[string]string{
		KeyPrimary:        next.cred.Primary,
		KeyFallback:       next.cred.Fallback,
		KeySessionInvalid: flag(next.invalid),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.snap.Store(&next)
	s.logger.Debug("credentials updated", "op", op, "has_primary", next.cred.Primary != "", "has_fallback", next.cred.Fallback != "", "session_invalid", next.invalid)
	return nil
}

// Login installs a fresh credential set and clears any re-authentication flag.
func (s *Store) Login(ctx context.Context, primary, fallback string) error {
	return s.update(ctx, "login", func(n *snapshot) {
		n.cred = Credential{Primary: primary, Fallback: fallback}
		n.invalid = false
	})
}

func (s *Store) SetPrimary(ctx context.Context, token string) error {
	return s.update(ctx, "set primary", func(n *snapshot) {
		n.cred.Primary = token
	})
}

func (s *Store) SetFallback(ctx context.Context, token string) error {
	return s.update(ctx, "set fallback", func(n *snapshot) {
		n.cred.Fallback = token
	})
}

func (s *Store) ClearPrimary(ctx context.Context) error {
	return s.update(ctx, "clear primary", func(n *snapshot) {
		n.cred.Primary = ""
	})
}

// MarkSessionInvalid blocks authenticated calls until the next Login.
func (s *Store) MarkSessionInvalid(ctx context.Context) error {
	return s.update(ctx, "mark session invalid", func(n *snapshot) {
		n.invalid = true
	})
}

func (s *Store) Logout(ctx context.Context) error {
	return s.update(ctx, "logout", func(n *snapshot) {
		*n = snapshot{}
	})
}
