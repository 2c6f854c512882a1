package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeCreds struct {
	mu      sync.Mutex
	token   string
	invalid bool
}

func (f *fakeCreds) Best() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeCreds) SessionInvalid() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invalid
}

type recordingAuthorizer struct {
	calls  []int
	failed []string
	token  string
	err    error
}

func (r *recordingAuthorizer) Recover(_ context.Context, failedToken string, chain int) (string, error) {
	r.calls = append(r.calls, chain)
	r.failed = append(r.failed, failedToken)
	if chain >= 2 {
		return "", ErrReAuthRequired
	}
	return r.token, r.err
}

func newTestClient(t *testing.T, handler http.HandlerFunc, creds *fakeCreds) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{Endpoint: NewEndpoint(srv.URL), Credentials: creds})
}

func TestClient_DecodesSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tasks/1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":1,"title":"hello"}`))
	}, &fakeCreds{token: "t"})

	var out struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	}
	if err := c.Do(context.Background(), &Request{Op: "tasks.get", Method: http.MethodGet, Path: "/tasks/1"}, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.ID != 1 || out.Title != "hello" {
		t.Fatalf("unexpected decode %+v", out)
	}
}

func TestClient_ErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		kind    Kind
		status  int
		message string
	}{
		{
			name: "server rejection",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"code":2001,"message":"task does not exist"}`))
			},
			kind:    KindServerRejection,
			status:  http.StatusNotFound,
			message: "task does not exist",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			kind:   KindServerRejection,
			status: http.StatusInternalServerError,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"id":`))
			},
			kind:   KindParse,
			status: http.StatusOK,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.handler, &fakeCreds{token: "t"})
			var out map[string]any
			err := c.Do(context.Background(), &Request{Op: "tasks.get", Method: http.MethodGet, Path: "/tasks/9"}, &out)
			var te *Error
			if !errors.As(err, &te) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if te.Kind != tc.kind || te.Status != tc.status {
				t.Fatalf("expected %s/%d, got %s/%d", tc.kind, tc.status, te.Kind, te.Status)
			}
			if tc.message != "" && te.Message != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, te.Message)
			}
		})
	}
}

func TestClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(ClientConfig{Endpoint: NewEndpoint(srv.URL), Credentials: &fakeCreds{token: "t"}})
	err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/tasks/all"}, nil)
	if !IsKind(err, KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestClient_RecoversFromUnauthorized(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer renewed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}, &fakeCreds{token: "stale"})
	authz := &recordingAuthorizer{token: "renewed"}
	c.UseAuthorizer(authz)

	var out []any
	if err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/projects"}, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected original call plus one retry, got %d", hits.Load())
	}
	if len(authz.calls) != 1 || authz.calls[0] != 1 || authz.failed[0] != "stale" {
		t.Fatalf("unexpected authorizer calls %v failed=%v", authz.calls, authz.failed)
	}
}

func TestClient_SecondUnauthorizedIsReAuthRequired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, &fakeCreds{token: "stale"})
	authz := &recordingAuthorizer{token: "still-bad"}
	c.UseAuthorizer(authz)

	err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/projects"}, nil)
	if !IsReAuthRequired(err) || !IsKind(err, KindAuthorization) {
		t.Fatalf("expected re-auth required authorization error, got %v", err)
	}
	if len(authz.calls) != 2 || authz.calls[1] != 2 {
		t.Fatalf("expected chain 1 then 2, got %v", authz.calls)
	}
	if authz.failed[1] != "still-bad" {
		t.Fatalf("expected the retried token reported as failed, got %q", authz.failed[1])
	}
}

func TestClient_InvalidSessionShortCircuits(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}, &fakeCreds{token: "t", invalid: true})

	err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/tasks/all"}, nil)
	if !IsReAuthRequired(err) {
		t.Fatalf("expected re-auth required, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no network call, got %d", hits.Load())
	}

	// Public endpoints remain reachable so the user can log in again.
	if err := c.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/info"}, nil); err != nil {
		t.Fatalf("info while invalid: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected info request to reach the server")
	}
}

func TestClient_PublicUnauthorizedSkipsRecovery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"wrong username or password"}`))
	}, &fakeCreds{})
	authz := &recordingAuthorizer{}
	c.UseAuthorizer(authz)

	err := c.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/login", Body: map[string]string{}}, nil)
	if !IsKind(err, KindAuthorization) || IsReAuthRequired(err) {
		t.Fatalf("expected plain authorization error, got %v", err)
	}
	if len(authz.calls) != 0 {
		t.Fatalf("login failures must not trigger renewal")
	}
}
