package auth_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/auth"
	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/credentials"
	"github.com/basket/tasksync/internal/persistence"
	"github.com/basket/tasksync/internal/transport"
)

type fakeRenewer struct {
	calls atomic.Int32
	delay time.Duration
	token string
	err   error
}

func (f *fakeRenewer) RenewToken(ctx context.Context, _ string) (string, error) {
	f.calls.Add(1)
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return f.token, f.err
}

func newCreds(t *testing.T, primary, fallback string) *credentials.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasksync.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	creds := credentials.New(store, nil)
	if err := creds.Login(context.Background(), primary, fallback); err != nil {
		t.Fatalf("login: %v", err)
	}
	return creds
}

func TestCoordinator_ConcurrentFailuresRenewOnce(t *testing.T) {
	creds := newCreds(t, "old", "")
	renewer := &fakeRenewer{delay: 50 * time.Millisecond, token: "new"}
	coord := auth.NewCoordinator(auth.Config{Credentials: creds, Renewer: renewer})

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Recover(context.Background(), "old", 1)
		}(i)
	}
	wg.Wait()

	if got := renewer.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one renewal call, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "new" {
			t.Fatalf("caller %d got %q, want renewed token", i, results[i])
		}
	}
	if creds.Best() != "new" {
		t.Fatalf("expected renewed token installed, got %q", creds.Best())
	}
}

func TestCoordinator_ReusesAlreadyRefreshedCredential(t *testing.T) {
	creds := newCreds(t, "fresh", "")
	renewer := &fakeRenewer{token: "unused"}
	coord := auth.NewCoordinator(auth.Config{Credentials: creds, Renewer: renewer})

	out, err := coord.Resolve(context.Background(), "stale", 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Token != "fresh" || out.State != auth.StateRetrying {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if renewer.calls.Load() != 0 {
		t.Fatalf("expected no renewal call")
	}
}

func TestCoordinator_FallsBackWhenRenewalFails(t *testing.T) {
	creds := newCreds(t, "old", "long-lived")
	renewer := &fakeRenewer{err: errors.New("renewal rejected")}
	coord := auth.NewCoordinator(auth.Config{Credentials: creds, Renewer: renewer})

	out, err := coord.Resolve(context.Background(), "old", 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Token != "long-lived" || out.State != auth.StateFallingBack {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if creds.Best() != "long-lived" {
		t.Fatalf("expected fallback to become best credential, got %q", creds.Best())
	}
}

func TestCoordinator_ExhaustedOptionsRequireReAuth(t *testing.T) {
	creds := newCreds(t, "old", "")
	renewer := &fakeRenewer{err: errors.New("offline")}
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicAuthStateChanged)
	defer eventBus.Unsubscribe(sub)
	coord := auth.NewCoordinator(auth.Config{Credentials: creds, Renewer: renewer, Bus: eventBus})

	_, err := coord.Recover(context.Background(), "old", 1)
	if !errors.Is(err, transport.ErrReAuthRequired) {
		t.Fatalf("expected ErrReAuthRequired, got %v", err)
	}
	if !creds.SessionInvalid() {
		t.Fatalf("expected session marked invalid")
	}
	if creds.Current().Primary != "" {
		t.Fatalf("expected stale primary cleared")
	}
	if coord.State() != auth.StateReAuthRequired {
		t.Fatalf("unexpected state %s", coord.State())
	}

	sawReAuth := false
	for !sawReAuth {
		select {
		case ev := <-sub.Ch():
			if ev.Payload.(bus.AuthStateChangedEvent).State == string(auth.StateReAuthRequired) {
				sawReAuth = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected reauth_required event")
		}
	}

	// Terminal until the next login: no further renewal attempts.
	before := renewer.calls.Load()
	if _, err := coord.Recover(context.Background(), "", 1); !errors.Is(err, transport.ErrReAuthRequired) {
		t.Fatalf("expected short-circuit, got %v", err)
	}
	if renewer.calls.Load() != before {
		t.Fatalf("expected no renewal while session invalid")
	}
}

func TestCoordinator_ChainCapIsTerminal(t *testing.T) {
	creds := newCreds(t, "p", "f")
	renewer := &fakeRenewer{token: "n"}
	coord := auth.NewCoordinator(auth.Config{Credentials: creds, Renewer: renewer})

	out, err := coord.Resolve(context.Background(), "n", auth.MaxChain)
	if !errors.Is(err, transport.ErrReAuthRequired) || out.State != auth.StateReAuthRequired {
		t.Fatalf("expected re-auth at chain cap, got %+v %v", out, err)
	}
	if renewer.calls.Load() != 0 {
		t.Fatalf("chain cap must not attempt renewal")
	}
	if !creds.SessionInvalid() {
		t.Fatalf("expected session invalid")
	}
}

func TestCoordinator_WaiterCancellationDoesNotAbortRenewal(t *testing.T) {
	creds := newCreds(t, "old", "")
	renewer := &fakeRenewer{delay: 100 * time.Millisecond, token: "new"}
	coord := auth.NewCoordinator(auth.Config{Credentials: creds, Renewer: renewer})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := coord.Recover(ctx, "old", 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected waiter deadline, got %v", err)
	}

	token, err := coord.Recover(context.Background(), "old", 1)
	if err != nil || token != "new" {
		t.Fatalf("expected shared renewal to finish, got %q %v", token, err)
	}
	if renewer.calls.Load() != 1 {
		t.Fatalf("expected a single renewal call, got %d", renewer.calls.Load())
	}
}

// lockedStore fails the next n authoritative reads the way a busy database does.
type lockedStore struct {
	*credentials.Store
	n atomic.Int32
}

func (l *lockedStore) Load(ctx context.Context) (credentials.Credential, error) {
	if l.n.Add(-1) >= 0 {
		return credentials.Credential{}, errors.New("database is locked")
	}
	return l.Store.Load(ctx)
}

func TestCoordinator_StoreReadFailureKeepsSession(t *testing.T) {
	tests := []struct {
		name      string
		renewer   *fakeRenewer
		wantToken string
		wantState auth.State
	}{
		{name: "renews from snapshot", renewer: &fakeRenewer{token: "new"}, wantToken: "new", wantState: auth.StateRenewing},
		{name: "falls back from snapshot", renewer: &fakeRenewer{err: errors.New("renewal rejected")}, wantToken: "long", wantState: auth.StateFallingBack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := &lockedStore{Store: newCreds(t, "old", "long")}
			creds.n.Store(1)
			coord := auth.NewCoordinator(auth.Config{Credentials: creds, Renewer: tt.renewer})

			out, err := coord.Resolve(context.Background(), "old", 1)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if out.Token != tt.wantToken || out.State != tt.wantState {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if tt.renewer.calls.Load() != 1 {
				t.Fatalf("expected one renewal attempt, got %d", tt.renewer.calls.Load())
			}
			if creds.SessionInvalid() {
				t.Fatal("a failed read must not invalidate the session")
			}
		})
	}
}

func TestCoordinator_StoreReadFailureWithoutSnapshotIsLocal(t *testing.T) {
	creds := &lockedStore{Store: newCreds(t, "", "")}
	creds.n.Store(1)
	renewer := &fakeRenewer{token: "unused"}
	coord := auth.NewCoordinator(auth.Config{Credentials: creds, Renewer: renewer})

	_, err := coord.Resolve(context.Background(), "old", 1)
	if !transport.IsKind(err, transport.KindLocalStore) {
		t.Fatalf("expected a local store error, got %v", err)
	}
	if errors.Is(err, transport.ErrReAuthRequired) || creds.SessionInvalid() {
		t.Fatal("a failed read must not require re-authentication")
	}
	if coord.State() == auth.StateReAuthRequired {
		t.Fatalf("unexpected state %q", coord.State())
	}
}
