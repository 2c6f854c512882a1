package transport

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/basket/tasksync/internal/shared"
)

type staticToken string

func (s staticToken) Best() string { return string(s) }

func TestIsPublicPath(t *testing.T) {
	cases := map[string]bool{
		"/login":                       true,
		"/info":                        true,
		"/user/token":                  true,
		"/auth/openid/google/callback": true,
		"/auth/openid/":                true,
		"/tasks/all":                   false,
		"/user":                        false,
		"/login/extra":                 false,
	}
	for path, want := range cases {
		if got := IsPublicPath(path); got != want {
			t.Errorf("IsPublicPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestPipeline_ResolvesAndAttachesCredential(t *testing.T) {
	p := DefaultPipeline(NewEndpoint("https://tasks.example.com/"), staticToken("tok-123"))
	req, err := p.Prepare(context.Background(), &Request{
		Method: http.MethodGet,
		Path:   "/tasks/all",
		Query:  url.Values{"page": {"2"}},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := req.URL.String(); got != "https://tasks.example.com/api/v1/tasks/all?page=2" {
		t.Fatalf("unexpected url %s", got)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Fatalf("unexpected authorization header %q", got)
	}
	if req.Header.Get(HeaderRequestID) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestPipeline_PublicPathStaysUnauthenticated(t *testing.T) {
	p := DefaultPipeline(NewEndpoint("https://tasks.example.com"), staticToken("tok-123"))
	req, err := p.Prepare(context.Background(), &Request{Method: http.MethodPost, Path: "/login", Body: map[string]string{"username": "ana"}})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("login must not carry a credential")
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("expected json content type")
	}

	// A caller-provided header on a public path is preserved.
	renew, err := p.Prepare(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/user/token",
		Header: http.Header{"Authorization": {"Bearer old"}},
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if renew.Header.Get("Authorization") != "Bearer old" {
		t.Fatalf("expected caller authorization preserved, got %q", renew.Header.Get("Authorization"))
	}
}

func TestPipeline_NoCredentialProceedsUnauthenticated(t *testing.T) {
	p := DefaultPipeline(NewEndpoint("https://tasks.example.com"), staticToken(""))
	req, err := p.Prepare(context.Background(), &Request{Method: http.MethodGet, Path: "/projects"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatalf("expected no authorization header")
	}
}

func TestPipeline_UnsetEndpointIsNoop(t *testing.T) {
	p := DefaultPipeline(NewEndpoint(""), staticToken(""))
	req, err := p.Prepare(context.Background(), &Request{Method: http.MethodGet, Path: "/info"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if req.URL.Host != "unconfigured.invalid" {
		t.Fatalf("expected unreachable default host, got %s", req.URL.Host)
	}
}

func TestPipeline_TransformsAreIdempotent(t *testing.T) {
	ep := NewEndpoint("https://tasks.example.com")
	p := DefaultPipeline(ep, staticToken("tok"))
	ctx := shared.WithTraceID(context.Background(), "trace-abc")
	req, err := p.Prepare(ctx, &Request{Method: http.MethodGet, Path: "/tasks/1"})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	before := req.URL.String()
	for _, tr := range p.transforms {
		if err := tr(ctx, req); err != nil {
			t.Fatalf("reapply: %v", err)
		}
	}
	if req.URL.String() != before {
		t.Fatalf("url changed on re-apply: %s -> %s", before, req.URL.String())
	}
	if got := req.Header.Values("Authorization"); len(got) != 1 {
		t.Fatalf("expected a single authorization header, got %v", got)
	}
	if req.Header.Get(HeaderRequestID) != "trace-abc" {
		t.Fatalf("expected trace id reused as request id, got %q", req.Header.Get(HeaderRequestID))
	}
}
