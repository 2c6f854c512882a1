// Package auth recovers authenticated calls from authorization failures.
//
// When a request comes back 401 the Coordinator decides, under one critical
// section shared by every caller, whether another caller already refreshed
// the credential, whether the session token can be renewed, whether the
// long-lived fallback token should be used, or whether the user must log in
// again. Concurrent failures on the same token share a single outcome.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/credentials"
	tsotel "github.com/basket/tasksync/internal/otel"
	"github.com/basket/tasksync/internal/transport"
)

type State string

const (
	StateIdle           State = "idle"
	StateEvaluating     State = "evaluating"
	StateRetrying       State = "retrying"
	StateRenewing       State = "renewing"
	StateFallingBack    State = "falling_back"
	StateReAuthRequired State = "reauth_required"
)

// MaxChain is the number of authorization failures on one logical call after
// which recovery is abandoned.
const MaxChain = 2

const renewTimeout = 30 * time.Second

// Renewer exchanges a session token for a fresh one.
type Renewer interface {
	RenewToken(ctx context.Context, current string) (string, error)
}

// CredentialStore is the credential surface the coordinator reads and mutates.
type CredentialStore interface {
	Best() string
	SessionInvalid() bool
	Load(ctx context.Context) (credentials.Credential, error)
	Current() credentials.Credential
	SetPrimary(ctx context.Context, token string) error
	ClearPrimary(ctx context.Context) error
	MarkSessionInvalid(ctx context.Context) error
}

// Outcome is the shared result of one recovery.
type Outcome struct {
	Token string
	State State
}

type Config struct {
	Credentials CredentialStore
	Renewer     Renewer
	Bus         *bus.Bus
	Logger      *slog.Logger
	Metrics     *tsotel.Metrics
}

type Coordinator struct {
	creds   CredentialStore
	renewer Renewer
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *tsotel.Metrics

	mu     sync.Mutex // guards the whole credential set during recovery
	flight singleflight.Group
	state  atomic.Value
}

func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		creds:   cfg.Credentials,
		renewer: cfg.Renewer,
		bus:     cfg.Bus,
		logger:  logger.With("component", "auth"),
		metrics: cfg.Metrics,
	}
	c.state.Store(StateIdle)
	return c
}

// State returns the state the last recovery finished in.
func (c *Coordinator) State() State {
	return c.state.Load().(State)
}

// Recover implements transport.Authorizer.
func (c *Coordinator) Recover(ctx context.Context, failedToken string, chain int) (string, error) {
	out, err := c.Resolve(ctx, failedToken, chain)
	return out.Token, err
}

// Resolve runs the recovery protocol for a call whose request carrying
// failedToken was rejected. chain is the number of rejections seen so far on
// that call.
func (c *Coordinator) Resolve(ctx context.Context, failedToken string, chain int) (Outcome, error) {
	if chain >= MaxChain {
		c.reauth(ctx, "retry chain exhausted")
		return Outcome{State: StateReAuthRequired}, transport.ErrReAuthRequired
	}
	if c.creds.SessionInvalid() {
		return Outcome{State: StateReAuthRequired}, transport.ErrReAuthRequired
	}

	ch := c.flight.DoChan(failedToken, func() (any, error) {
		// The shared recovery must not die with whichever caller started it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), renewTimeout)
		defer cancel()
		return c.critical(rctx, failedToken)
	})
	select {
	case <-ctx.Done():
		return Outcome{State: StateEvaluating}, ctx.Err()
	case res := <-ch:
		out := res.Val.(Outcome)
		return out, res.Err
	}
}

func (c *Coordinator) critical(ctx context.Context, failed string) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateEvaluating, "")

	cred, err := c.creds.Load(ctx)
	if err != nil {
		// The snapshot stands in for an unreadable store.
		cred = c.creds.Current()
		if cred.Primary == "" && cred.Fallback == "" {
			c.logger.Error("credential reload failed", "error", err)
			c.setState(StateIdle, "credential store unavailable")
			return Outcome{State: StateIdle}, transport.LocalStore("auth.recover", err)
		}
		c.logger.Warn("credential reload failed, using snapshot", "error", err)
	}

	// 1. Someone else already replaced the credential that failed.
	if best := c.creds.Best(); best != "" && best != failed {
		c.setState(StateRetrying, "credential already refreshed")
		return Outcome{Token: best, State: StateRetrying}, nil
	}

	// 2. Renew the session token.
	if cred.Primary != "" && c.renewer != nil {
		renewed, rerr := c.renewer.RenewToken(ctx, cred.Primary)
		if rerr == nil && renewed != "" && renewed != failed {
			if err := c.creds.SetPrimary(ctx, renewed); err != nil {
				c.logger.Error("store renewed token", "error", err)
			}
			c.countRenewal(ctx, "renewed")
			c.setState(StateRenewing, "session renewed")
			return Outcome{Token: renewed, State: StateRenewing}, nil
		}
		c.countRenewal(ctx, "failed")
		c.logger.Warn("session renewal failed", "error", rerr)
		if err := c.creds.ClearPrimary(ctx); err != nil {
			c.logger.Error("clear rejected primary", "error", err)
		}
	}

	// 3. Fall back to the long-lived token.
	if cred.Fallback != "" && cred.Fallback != failed {
		c.setState(StateFallingBack, "using fallback token")
		return Outcome{Token: cred.Fallback, State: StateFallingBack}, nil
	}

	// 4. Nothing left.
	c.reauthLocked(ctx, "credentials exhausted")
	return Outcome{State: StateReAuthRequired}, transport.ErrReAuthRequired
}

func (c *Coordinator) reauth(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reauthLocked(ctx, reason)
}

func (c *Coordinator) reauthLocked(ctx context.Context, reason string) {
	if err := c.creds.ClearPrimary(ctx); err != nil {
		c.logger.Error("clear primary on re-auth", "error", err)
	}
	if err := c.creds.MarkSessionInvalid(ctx); err != nil {
		c.logger.Error("mark session invalid", "error", err)
	}
	c.setState(StateReAuthRequired, reason)
}

func (c *Coordinator) setState(s State, reason string) {
	prev := c.state.Swap(s)
	if prev == s {
		return
	}
	if s == StateReAuthRequired {
		c.logger.Warn("re-authentication required", "reason", reason)
	} else {
		c.logger.Debug("auth state", "state", string(s), "reason", reason)
	}
	c.bus.Publish(bus.TopicAuthStateChanged, bus.AuthStateChangedEvent{State: string(s), Reason: reason})
}

func (c *Coordinator) countRenewal(ctx context.Context, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.AuthRenewals.Add(ctx, 1, metric.WithAttributes(tsotel.AttrOutcome.String(outcome)))
}

// LoggedIn resets the coordinator after a successful interactive login.
func (c *Coordinator) LoggedIn() {
	c.setState(StateIdle, "logged in")
}
