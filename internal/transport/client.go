package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	tsotel "github.com/basket/tasksync/internal/otel"
)

const maxResponseBytes = 10 << 20

// Authorizer recovers from a 401 on an authenticated call. chain counts the
// authorization failures seen so far on the same logical call. It returns the
// token to retry with.
type Authorizer interface {
	Recover(ctx context.Context, failedToken string, chain int) (string, error)
}

// CredentialSource is the read side of the credential store.
type CredentialSource interface {
	TokenSource
	SessionInvalid() bool
}

type ClientConfig struct {
	HTTPClient  *http.Client
	Timeout     time.Duration
	Endpoint    *Endpoint
	Credentials CredentialSource
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     *tsotel.Metrics
}

// Client sends logical requests through the pipeline and maps every failure
// onto the error taxonomy.
type Client struct {
	http     *http.Client
	endpoint *Endpoint
	creds    CredentialSource
	pipeline *Pipeline
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *tsotel.Metrics

	mu    sync.RWMutex
	authz Authorizer
}

func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	ep := cfg.Endpoint
	if ep == nil {
		ep = NewEndpoint("")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tsotel.NoopTracer()
	}
	return &Client{
		http:     hc,
		endpoint: ep,
		creds:    cfg.Credentials,
		pipeline: DefaultPipeline(ep, cfg.Credentials),
		logger:   logger.With("component", "transport"),
		tracer:   tracer,
		metrics:  cfg.Metrics,
	}
}

// UseAuthorizer installs the 401 handler. Without one, authorization
// failures are returned as-is.
func (c *Client) UseAuthorizer(a Authorizer) {
	c.mu.Lock()
	c.authz = a
	c.mu.Unlock()
}

func (c *Client) authorizer() Authorizer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authz
}

func (c *Client) Endpoint() *Endpoint { return c.endpoint }

type serverMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func bearerOf(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// Do performs req and decodes a JSON response into out (which may be nil).
// Every returned error is a *Error.
func (c *Client) Do(ctx context.Context, req *Request, out any) error {
	op := req.Op
	if op == "" {
		op = req.Method + " " + req.Path
	}
	public := IsPublicPath(req.Path)
	if !public && c.creds != nil && c.creds.SessionInvalid() {
		return reAuthError(op)
	}

	ctx, span := tsotel.StartClientSpan(ctx, c.tracer, "remote."+op,
		tsotel.AttrHTTPMethod.String(req.Method),
		tsotel.AttrHTTPPath.String(req.Path),
	)
	defer span.End()
	start := time.Now()

	err := c.do(ctx, op, req, public, out)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		span.SetAttributes(tsotel.AttrErrorKind.String(outcome))
	}
	if c.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("op", op), tsotel.AttrOutcome.String(outcome))
		c.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			c.metrics.RequestErrors.Add(ctx, 1, attrs)
		}
	}
	return err
}

func (c *Client) do(ctx context.Context, op string, req *Request, public bool, out any) error {
	chain := 0
	override := ""
	for {
		httpReq, err := c.pipeline.Prepare(ctx, req)
		if err != nil {
			return &Error{Kind: KindParse, Op: op, Err: err}
		}
		if override != "" {
			httpReq.Header.Set("Authorization", "Bearer "+override)
		}

		status, body, err := c.send(httpReq)
		if err != nil {
			c.logger.Warn("request failed", "op", op, "request_id", httpReq.Header.Get(HeaderRequestID), "error", err)
			return &Error{Kind: KindNetwork, Op: op, Err: err}
		}

		if status == http.StatusUnauthorized && !public {
			chain++
			authz := c.authorizer()
			if authz == nil {
				return &Error{Kind: KindAuthorization, Op: op, Status: status, Message: decodeMessage(body)}
			}
			c.logger.Info("authorization failed", "op", op, "chain", chain)
			token, rerr := authz.Recover(ctx, bearerOf(httpReq), chain)
			if rerr != nil {
				switch {
				case IsReAuthRequired(rerr):
					return reAuthError(op)
				case errors.Is(rerr, context.Canceled), errors.Is(rerr, context.DeadlineExceeded):
					return &Error{Kind: KindNetwork, Op: op, Err: rerr}
				case KindOf(rerr) == KindLocalStore:
					return LocalStore(op, rerr)
				}
				return &Error{Kind: KindAuthorization, Op: op, Status: status, Err: rerr}
			}
			override = token
			continue
		}

		if status >= 400 {
			kind := KindServerRejection
			if status == http.StatusUnauthorized {
				kind = KindAuthorization
			}
			c.logger.Warn("request rejected", "op", op, "status", status, "request_id", httpReq.Header.Get(HeaderRequestID))
			return &Error{Kind: kind, Op: op, Status: status, Message: decodeMessage(body)}
		}

		c.logger.Debug("request ok", "op", op, "status", status, "request_id", httpReq.Header.Get(HeaderRequestID))
		if out == nil || len(body) == 0 || status == http.StatusNoContent {
			return nil
		}
		if raw, ok := out.(*json.RawMessage); ok {
			*raw = append((*raw)[:0], body...)
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return &Error{Kind: KindParse, Op: op, Status: status, Err: err}
		}
		return nil
	}
}

func (c *Client) send(r *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(r)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeMessage(body []byte) string {
	var msg serverMessage
	if err := json.Unmarshal(body, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
