package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/tasksync/internal/shared"
)

const HeaderRequestID = "X-Request-ID"

// Request is a logical call against the task service. Path is relative to
// the versioned API root, e.g. "/tasks/42".
type Request struct {
	Op     string // operation name used in errors, logs and spans
	Method string
	Path   string
	Query  url.Values
	Body   any // JSON-encoded when non-nil
	Header http.Header
}

// publicPaths never carry the session credential and never enter renewal.
var publicPaths = []string{"/login", "/info", "/user/token"}

const oidcPrefix = "/auth/openid/"

// IsPublicPath reports whether path is on the unauthenticated allow-list.
func IsPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return strings.HasPrefix(path, oidcPrefix)
}

type logicalPathKey struct{}

// LogicalPath returns the API-relative path a prepared request was built from.
func LogicalPath(r *http.Request) string {
	if p, ok := r.Context().Value(logicalPathKey{}).(string); ok {
		return p
	}
	return r.URL.Path
}

// Transform mutates an outgoing request. Transforms must be idempotent so the
// pipeline can be re-applied when a call is retried.
type Transform func(ctx context.Context, r *http.Request) error

// TokenSource yields the credential to attach, "" when there is none.
type TokenSource interface {
	Best() string
}

// EndpointTransform points the request at the configured base URL. It is a
// no-op while the endpoint is unset.
func EndpointTransform(ep *Endpoint) Transform {
	return func(_ context.Context, r *http.Request) error {
		resolved, ok := ep.Resolve(LogicalPath(r))
		if !ok {
			return nil
		}
		u, err := url.Parse(resolved)
		if err != nil {
			return fmt.Errorf("parse endpoint %q: %w", resolved, err)
		}
		u.RawQuery = r.URL.RawQuery
		r.URL = u
		r.Host = u.Host
		return nil
	}
}

// CredentialTransform attaches the best available bearer token to every
// non-public request. With no token the request goes out unauthenticated.
func CredentialTransform(src TokenSource) Transform {
	return func(_ context.Context, r *http.Request) error {
		if IsPublicPath(LogicalPath(r)) {
			return nil
		}
		if token := src.Best(); token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		} else {
			r.Header.Del("Authorization")
		}
		return nil
	}
}

// RequestIDTransform sets X-Request-ID, reusing the trace id from ctx when present.
func RequestIDTransform() Transform {
	return func(ctx context.Context, r *http.Request) error {
		if r.Header.Get(HeaderRequestID) != "" {
			return nil
		}
		id := shared.TraceID(ctx)
		if id == "-" {
			id = uuid.NewString()
		}
		r.Header.Set(HeaderRequestID, id)
		return nil
	}
}

// Pipeline turns logical requests into transport-ready ones.
type Pipeline struct {
	transforms []Transform
}

func NewPipeline(transforms ...Transform) *Pipeline {
	return &Pipeline{transforms: transforms}
}

// DefaultPipeline is endpoint resolution, credential attachment and request ids, in that order.
func DefaultPipeline(ep *Endpoint, src TokenSource) *Pipeline {
	return NewPipeline(EndpointTransform(ep), CredentialTransform(src), RequestIDTransform())
}

// Prepare builds an *http.Request for req and runs every transform over it.
func (p *Pipeline) Prepare(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", req.Op, err)
		}
		body = bytes.NewReader(raw)
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := unconfiguredBase + APIVersionPath + path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(context.WithValue(ctx, logicalPathKey{}, path), method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.Op, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for _, t := range p.transforms {
		if err := t(ctx, httpReq); err != nil {
			return nil, err
		}
	}
	return httpReq, nil
}
