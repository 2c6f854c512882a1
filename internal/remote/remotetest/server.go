// Package remotetest runs an in-memory task service for tests. Sessions are
// HS256 JWTs; knobs let tests expire sessions, fail renewals, drop the
// network and inject error responses.
package remotetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/basket/tasksync/internal/model"
)

const (
	Username  = "ana"
	Password  = "correct horse"
	LongToken = "tk_0123456789abcdefghijABCDEFGHIJ"
)

type sessionClaims struct {
	UserID   int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Recorded is one request the server received.
type Recorded struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type Server struct {
	srv    *httptest.Server
	secret []byte

	sessionTTL time.Duration
	now        func() time.Time

	renewCalls   atomic.Int32
	failRenewals atomic.Bool
	down         atomic.Bool
	longRevoked  atomic.Bool

	mu          sync.Mutex
	nextID      int64
	tasks       map[int64]model.Task
	projects    map[int64]model.Project
	labels      map[int64]model.Label
	attachments map[int64]model.Attachment
	relations   []model.TaskRelation
	requests    []Recorded
	failure     func(r *http.Request) int
	delay       func(r *http.Request) time.Duration
}

type Option func(*Server)

// WithSessionTTL sets the lifetime of issued session tokens.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Server) { s.sessionTTL = d }
}

// New starts a server that is closed when the test ends.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		secret:      []byte("remotetest-secret-" + uuid.NewString()),
		sessionTTL:  time.Hour,
		now:         time.Now,
		nextID:      1000,
		tasks:       make(map[int64]model.Task),
		projects:    make(map[int64]model.Project),
		labels:      make(map[int64]model.Label),
		attachments: make(map[int64]model.Attachment),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(s.router())
	t.Cleanup(s.srv.Close)
	return s
}

func (s *Server) URL() string { return s.srv.URL }

// IssueSession mints a session token valid for ttl (negative ttl yields an
// already-expired token).
func (s *Server) IssueSession(ttl time.Duration) string {
	now := s.now()
	claims := sessionClaims{
		UserID:   1,
		Username: Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("sign session: %v", err))
	}
	return signed
}

func (s *Server) RenewCalls() int { return int(s.renewCalls.Load()) }
func (s *Server) SetFailRenewals(v bool) { s.failRenewals.Store(v) }
func (s *Server) SetDown(v bool) { s.down.Store(v) }
func (s *Server) RevokeLongToken(v bool) { s.longRevoked.Store(v) }

// SetFailure installs a hook returning a status code to force for a request,
// or 0 to serve it normally.
func (s *Server) SetFailure(f func(r *http.Request) int) {
	s.mu.Lock()
	s.failure = f
	s.mu.Unlock()
}

// SetDelay installs a hook delaying matching requests before they are served.
func (s *Server) SetDelay(f func(r *http.Request) time.Duration) {
	s.mu.Lock()
	s.delay = f
	s.mu.Unlock()
}

// Requests returns every request received so far.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// Mutations returns recorded non-GET requests against path prefix.
func (s *Server) Mutations(prefix string) []Recorded {
	var out []Recorded
	for _, r := range s.Requests() {
		if r.Method != http.MethodGet && strings.HasPrefix(r.Path, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) SeedTasks(tasks ...model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
}

func (s *Server) SeedProjects(projects ...model.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range projects {
		s.projects[p.ID] = p
	}
}

func (s *Server) SeedLabels(labels ...model.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range labels {
		s.labels[l.ID] = l
	}
}

func (s *Server) SeedAttachments(atts ...model.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range atts {
		s.attachments[a.ID] = a
	}
}

func (s *Server) Task(id int64) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *Server) Project(id int64) (model.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	return p, ok
}

func (s *Server) Relations() []model.TaskRelation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TaskRelation(nil), s.relations...)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.networkMiddleware)
	r.Use(s.recordMiddleware)
	r.Use(s.failureMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/info", s.handleInfo)
		r.Post("/user/token", s.handleRenew)
		r.Post("/auth/openid/{provider}/callback", s.handleOIDCCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/tasks/all", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Post("/tasks/{id}", s.handleUpdateTask)
			r.Delete("/tasks/{id}", s.handleDeleteTask)
			r.Post("/tasks/{id}/position", s.handleMoveTask)
			r.Put("/tasks/{id}/relations", s.handleCreateRelation)
			r.Delete("/tasks/{id}/relations/{kind}/{other}", s.handleDeleteRelation)
			r.Get("/tasks/{id}/attachments", s.handleListAttachments)
			r.Delete("/tasks/{id}/attachments/{aid}", s.handleDeleteAttachment)

			r.Get("/projects", s.handleListProjects)
			r.Put("/projects", s.handleCreateProject)
			r.Post("/projects/{id}", s.handleUpdateProject)
			r.Delete("/projects/{id}", s.handleDeleteProject)
			r.Put("/projects/{id}/tasks", s.handleCreateTask)

			r.Get("/labels", s.handleListLabels)
			r.Put("/labels", s.handleCreateLabel)
			r.Post("/labels/{id}", s.handleUpdateLabel)
			r.Delete("/labels/{id}", s.handleDeleteLabel)
		})
	})
	return r
}

// networkMiddleware drops the connection while the server is "down".
func (s *Server) networkMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recordMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		s.mu.Lock()
		s.requests = append(s.requests, Recorded{
			Method: r.Method,
			Path:   strings.TrimPrefix(r.URL.Path, "/api/v1"),
			Body:   string(body),
			Auth:   strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		})
		delay := s.delay
		s.mu.Unlock()
		if delay != nil {
			if d := delay(r); d > 0 {
				select {
				case <-time.After(d):
				case <-r.Context().Done():
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) failureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		f := s.failure
		s.mu.Unlock()
		if f != nil {
			if status := f(r); status != 0 {
				writeError(w, status, "injected failure")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) parse(token string, validateClaims bool) (*sessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithTimeFunc(s.now),
	}
	if !validateClaims {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		if token == LongToken {
			if s.longRevoked.Load() {
				writeError(w, http.StatusUnauthorized, "token revoked")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		if _, err := s.parse(token, true); err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "message": msg})
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		LongToken bool   `json:"long_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Username != Username || req.Password != Password {
		writeError(w, http.StatusUnauthorized, "wrong username or password")
		return
	}
	ttl := s.sessionTTL
	if req.LongToken {
		ttl = 30 * 24 * time.Hour
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.IssueSession(ttl)})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v0.24.0-remotetest",
		"frontend_url": s.srv.URL,
		"auth": map[string]any{
			"local": map[string]any{"enabled": true},
			"openid_connect": map[string]any{
				"enabled":   true,
				"providers": []map[string]string{{"name": "Test IdP", "key": "test", "auth_url": s.srv.URL + "/idp", "client_id": "tasksync"}},
			},
		},
	})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	s.renewCalls.Add(1)
	if s.failRenewals.Load() {
		writeError(w, http.StatusUnauthorized, "renewal refused")
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	// Expired sessions may still be renewed; the signature must be ours.
	if _, err := s.parse(token, false); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.IssueSession(s.sessionTTL)})
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if chi.URLParam(r, "provider") != "test" || req.Code != "good-code" {
		writeError(w, http.StatusUnauthorized, "invalid authorization code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.IssueSession(s.sessionTTL)})
}

// matchesFilter evaluates the small subset of filter expressions the client emits.
func matchesFilter(t model.Task, expr string) bool {
	if expr == "" {
		return true
	}
	for _, clause := range strings.Split(expr, "&&") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "project_id = "):
			id, _ := strconv.ParseInt(strings.TrimPrefix(clause, "project_id = "), 10, 64)
			if t.ProjectID != id {
				return false
			}
		case strings.HasPrefix(clause, "done = "):
			if strconv.FormatBool(t.Done) != strings.TrimPrefix(clause, "done = ") {
				return false
			}
		}
	}
	return true
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	search := strings.ToLower(r.URL.Query().Get("s"))
	filter := r.URL.Query().Get("filter")

	s.mu.Lock()
	all := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if search != "" && !strings.Contains(strings.ToLower(t.Title), search) {
			continue
		}
		if !matchesFilter(t, filter) {
			continue
		}
		all = append(all, t)
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := (page - 1) * perPage
	if start > len(all) {
		start = len(all)
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	writeJSON(w, http.StatusOK, all[start:end])
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	t, ok := s.Task(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task does not exist")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	pid, _ := pathID(r, "id")
	var t model.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil || strings.TrimSpace(t.Title) == "" {
		writeError(w, http.StatusBadRequest, "task title required")
		return
	}
	s.mu.Lock()
	if _, ok := s.projects[pid]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "project does not exist")
		return
	}
	s.nextID++
	t.ID = s.nextID
	t.ProjectID = pid
	t.Created = s.now().UTC().Truncate(time.Second)
	t.Updated = t.Created
	s.tasks[t.ID] = t
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var t model.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	prev, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "task does not exist")
		return
	}
	t.ID = id
	t.Created = prev.Created
	t.Updated = s.now().UTC().Truncate(time.Second)
	if t.ProjectID == 0 {
		t.ProjectID = prev.ProjectID
	}
	if t.Done && !prev.Done {
		now := t.Updated
		t.DoneAt = &now
	}
	s.tasks[id] = t
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	s.mu.Lock()
	_, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "task does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted."})
}

func (s *Server) handleMoveTask(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var body struct {
		Position float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		t.Position = body.Position
		s.tasks[id] = t
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "task does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "position": body.Position})
}

func (s *Server) handleCreateRelation(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var rel model.TaskRelation
	if err := json.NewDecoder(r.Body).Decode(&rel); err != nil || rel.RelationKind == "" {
		writeError(w, http.StatusBadRequest, "relation kind required")
		return
	}
	rel.TaskID = id
	s.mu.Lock()
	s.relations = append(s.relations, rel)
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, rel)
}

func (s *Server) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	other, _ := pathID(r, "other")
	kind := chi.URLParam(r, "kind")
	s.mu.Lock()
	kept := s.relations[:0]
	for _, rel := range s.relations {
		if rel.TaskID == id && rel.OtherTaskID == other && rel.RelationKind == kind {
			continue
		}
		kept = append(kept, rel)
	}
	s.relations = kept
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted."})
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	s.mu.Lock()
	out := make([]model.Attachment, 0)
	for _, a := range s.attachments {
		if a.TaskID == id {
			out = append(out, a)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	aid, _ := pathID(r, "aid")
	s.mu.Lock()
	_, ok := s.attachments[aid]
	delete(s.attachments, aid)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "attachment does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted."})
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]model.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p model.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || strings.TrimSpace(p.Title) == "" {
		writeError(w, http.StatusBadRequest, "project title required")
		return
	}
	s.mu.Lock()
	s.nextID++
	p.ID = s.nextID
	p.Created = s.now().UTC().Truncate(time.Second)
	p.Updated = p.Created
	s.projects[p.ID] = p
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var p model.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	prev, ok := s.projects[id]
	if ok {
		p.ID = id
		p.Created = prev.Created
		p.Updated = s.now().UTC().Truncate(time.Second)
		s.projects[id] = p
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "project does not exist")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	s.mu.Lock()
	_, ok := s.projects[id]
	delete(s.projects, id)
	for tid, t := range s.tasks {
		if t.ProjectID == id {
			delete(s.tasks, tid)
		}
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "project does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted."})
}

func (s *Server) handleListLabels(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]model.Label, 0, len(s.labels))
	for _, l := range s.labels {
		out = append(out, l)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	var l model.Label
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil || strings.TrimSpace(l.Title) == "" {
		writeError(w, http.StatusBadRequest, "label title required")
		return
	}
	s.mu.Lock()
	s.nextID++
	l.ID = s.nextID
	l.Created = s.now().UTC().Truncate(time.Second)
	l.Updated = l.Created
	s.labels[l.ID] = l
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleUpdateLabel(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	var l model.Label
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	prev, ok := s.labels[id]
	if ok {
		l.ID = id
		l.Created = prev.Created
		l.Updated = s.now().UTC().Truncate(time.Second)
		s.labels[id] = l
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "label does not exist")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleDeleteLabel(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "id")
	s.mu.Lock()
	_, ok := s.labels[id]
	delete(s.labels, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "label does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Successfully deleted."})
}
