package transport

import (
	"strings"
	"sync/atomic"
)

// APIVersionPath is appended to the configured base URL for every call.
const APIVersionPath = "/api/v1"

// unconfiguredBase is used while no endpoint has been set. The .invalid TLD
// never resolves, so calls fail as network errors.
const unconfiguredBase = "http://unconfigured.invalid"

// Endpoint is the process-wide base URL of the task service. It is safe for
// concurrent use and can be swapped while requests are in flight.
type Endpoint struct {
	base atomic.Pointer[string]
}

func NewEndpoint(raw string) *Endpoint {
	e := &Endpoint{}
	e.Set(raw)
	return e
}

// Set normalizes and installs a new base URL. A trailing slash or an
// already-present version segment is dropped.
func (e *Endpoint) Set(raw string) {
	base := strings.TrimSpace(raw)
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, APIVersionPath)
	base = strings.TrimRight(base, "/")
	e.base.Store(&base)
}

// Base returns the normalized base URL, or "" when unset.
func (e *Endpoint) Base() string {
	if p := e.base.Load(); p != nil {
		return *p
	}
	return ""
}

func (e *Endpoint) Configured() bool {
	return e.Base() != ""
}

// Resolve joins the base URL, the version segment and path. ok is false when
// no base URL is configured.
func (e *Endpoint) Resolve(path string) (string, bool) {
	base := e.Base()
	if base == "" {
		return "", false
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + APIVersionPath + path, true
}
