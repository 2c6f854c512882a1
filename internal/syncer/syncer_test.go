package syncer_test

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/tasksync/internal/auth"
	"github.com/basket/tasksync/internal/bus"
	"github.com/basket/tasksync/internal/cache"
	"github.com/basket/tasksync/internal/credentials"
	"github.com/basket/tasksync/internal/model"
	"github.com/basket/tasksync/internal/persistence"
	"github.com/basket/tasksync/internal/queue"
	"github.com/basket/tasksync/internal/remote"
	"github.com/basket/tasksync/internal/remote/remotetest"
	"github.com/basket/tasksync/internal/syncer"
	"github.com/basket/tasksync/internal/transport"
)

type harness struct {
	srv   *remotetest.Server
	store *persistence.Store
	bus   *bus.Bus
	creds *credentials.Store
	coord *auth.Coordinator
	api   *remote.API
	cache *cache.Cache
	queue *queue.Queue
	sync  *syncer.Syncer
}

type harnessOptions struct {
	maxRetries   int
	drainOnWrite bool
	expired      bool
	fallback     string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{srv: remotetest.New(t), bus: bus.New()}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasksync.db"), h.bus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	h.store = store

	h.creds = credentials.New(store, nil)
	primary := h.srv.IssueSession(time.Hour)
	if opts.expired {
		primary = h.srv.IssueSession(-time.Minute)
	}
	if err := h.creds.Login(context.Background(), primary, opts.fallback); err != nil {
		t.Fatalf("login: %v", err)
	}

	client := transport.NewClient(transport.ClientConfig{
		Endpoint:    transport.NewEndpoint(h.srv.URL()),
		Credentials: h.creds,
		Timeout:     5 * time.Second,
	})
	h.api = remote.New(client, 50)
	h.coord = auth.NewCoordinator(auth.Config{Credentials: h.creds, Renewer: h.api, Bus: h.bus})
	client.UseAuthorizer(h.coord)

	h.cache = cache.New(store, h.bus, nil)
	h.queue = queue.New(store, opts.maxRetries, nil)
	h.sync = syncer.New(syncer.Config{
		Remote:       h.api,
		Cache:        h.cache,
		Queue:        h.queue,
		KV:           store,
		Bus:          h.bus,
		DrainOnWrite: opts.drainOnWrite,
	})
	t.Cleanup(h.sync.Wait)
	return h
}

func (h *harness) refresh(t *testing.T, req syncer.RefreshRequest) syncer.Result {
	t.Helper()
	return h.sync.Refresh(context.Background(), req)
}

func mustOK(t *testing.T, res syncer.Result) {
	t.Helper()
	if !res.OK() {
		t.Fatalf("refresh failed: superseded=%v err=%v", res.Superseded, res.Err)
	}
}

func cachedIDs(t *testing.T, h *harness) map[int64]model.Task {
	t.Helper()
	open, done := false, true
	tasks, err := h.cache.Tasks(context.Background(), cache.Query{View: cache.ViewInbox, Done: &open})
	if err != nil {
		t.Fatalf("query cache: %v", err)
	}
	doneTasks, err := h.cache.Tasks(context.Background(), cache.Query{View: cache.ViewInbox, Done: &done})
	if err != nil {
		t.Fatalf("query cache: %v", err)
	}
	out := make(map[int64]model.Task)
	for _, task := range append(tasks, doneTasks...) {
		out[task.ID] = task
	}
	return out
}

// waitForRequest blocks until the server has received a request matching match.
func waitForRequest(t *testing.T, srv *remotetest.Server, match func(remotetest.Recorded) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range srv.Requests() {
			if match(r) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("request never reached the server")
}

func TestRefresh_DoesNotDeleteUnreturnedEntities(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedTasks(
		model.Task{ID: 1, ProjectID: 1, Title: "one"},
		model.Task{ID: 2, ProjectID: 1, Title: "two"},
		model.Task{ID: 3, ProjectID: 1, Title: "three"},
	)
	if err := h.cache.UpsertTasks(ctx, []model.Task{
		{ID: 1, ProjectID: 1, Title: "one"}, {ID: 2, ProjectID: 1, Title: "two"},
		{ID: 3, ProjectID: 1, Title: "three"}, {ID: 4, ProjectID: 1, Title: "four"},
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	res := h.refresh(t, syncer.RefreshRequest{})
	mustOK(t, res)
	if res.Fetched != 3 {
		t.Fatalf("expected 3 fetched, got %d", res.Fetched)
	}
	if _, ok := cachedIDs(t, h)[4]; !ok {
		t.Fatal("task 4 must survive a refresh that did not return it")
	}

	res = h.refresh(t, syncer.RefreshRequest{FullReplace: true})
	mustOK(t, res)
	if _, ok := cachedIDs(t, h)[4]; ok {
		t.Fatal("task 4 should be removed by an explicit full replace")
	}
	if res.Removed != 1 {
		t.Fatalf("expected one removal, got %d", res.Removed)
	}
}

func TestRefresh_FilteredFullReplaceKeepsOthers(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedTasks(model.Task{ID: 1, ProjectID: 1, Title: "one"})
	if err := h.cache.UpsertTasks(ctx, []model.Task{{ID: 9, ProjectID: 2, Title: "elsewhere"}}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	mustOK(t, h.refresh(t, syncer.RefreshRequest{Filter: remote.TaskFilter{ProjectID: 1}, FullReplace: true}))
	if _, ok := cachedIDs(t, h)[9]; !ok {
		t.Fatal("a filtered refresh must not prune entities outside its window")
	}
}

func TestRefresh_MetadataAndFullReplace(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedProjects(model.Project{ID: 1, Title: "Inbox"})
	h.srv.SeedLabels(model.Label{ID: 5, Title: "urgent"})
	if err := h.cache.UpsertProjects(ctx, []model.Project{{ID: 77, Title: "gone"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mustOK(t, h.refresh(t, syncer.RefreshRequest{Metadata: true, FullReplace: true}))

	projects, _ := h.cache.Projects(ctx, true)
	if len(projects) != 1 || projects[0].ID != 1 {
		t.Fatalf("expected only project 1, got %+v", projects)
	}
	labels, _ := h.cache.Labels(ctx)
	if len(labels) != 1 || labels[0].Title != "urgent" {
		t.Fatalf("expected label urgent, got %+v", labels)
	}
}

func TestOfflineEdits_OnlyLatestIsDelivered(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedTasks(model.Task{ID: 42, ProjectID: 1, Title: "original"})
	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))

	h.srv.SetDown(true)
	task, _ := h.cache.GetTask(ctx, 42)
	task.Title = "A"
	if _, err := h.sync.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update A: %v", err)
	}
	task.Title = "B"
	if _, err := h.sync.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update B: %v", err)
	}

	pending, err := h.queue.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].EntityID != 42 {
		t.Fatalf("expected one pending action for 42, got %v", pending)
	}
	if payload, _ := pending[0].Task(); payload.Title != "B" {
		t.Fatalf("expected payload B, got %q", payload.Title)
	}

	res := h.refresh(t, syncer.RefreshRequest{})
	if !transport.IsKind(res.Err, transport.KindNetwork) {
		t.Fatalf("expected network error while offline, got %v", res.Err)
	}

	h.srv.SetDown(false)
	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))

	updates := h.srv.Mutations("/tasks/42")
	if len(updates) != 1 {
		t.Fatalf("expected exactly one delivered update, got %d", len(updates))
	}
	if !strings.Contains(updates[0].Body, `"title":"B"`) {
		t.Fatalf("expected delivered title B, got %s", updates[0].Body)
	}
	if got, _ := h.srv.Task(42); got.Title != "B" {
		t.Fatalf("server title = %q", got.Title)
	}
	stats, _ := h.sync.Stats(ctx)
	if stats != (queue.Stats{}) {
		t.Fatalf("expected empty queue after drain, got %+v", stats)
	}
}

func TestToggleDone_NotResurrectedByStaleFetch(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedTasks(model.Task{ID: 7, ProjectID: 1, Title: "water plants"})
	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))

	// The server keeps rejecting the update, so its copy stays "not done".
	h.srv.SetFailure(func(r *http.Request) int {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/7" {
			return http.StatusServiceUnavailable
		}
		return 0
	})
	toggled, err := h.sync.ToggleDone(ctx, 7)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !toggled.Done {
		t.Fatal("expected task done locally")
	}

	h.refresh(t, syncer.RefreshRequest{})
	if cached, ok := cachedIDs(t, h)[7]; ok && !cached.Done {
		t.Fatal("task 7 was resurrected as not done")
	}

	h.srv.SetFailure(nil)
	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))
	cached, ok := cachedIDs(t, h)[7]
	if !ok || !cached.Done {
		t.Fatalf("expected confirmed done task, got %+v (present=%v)", cached, ok)
	}
	if srvTask, _ := h.srv.Task(7); !srvTask.Done {
		t.Fatal("server never received the completion")
	}
}

func TestDrain_RetryBudgetThenFailed(t *testing.T) {
	h := newHarness(t, harnessOptions{maxRetries: 3})
	ctx := context.Background()
	h.srv.SeedTasks(model.Task{ID: 5, ProjectID: 1, Title: "x"})
	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))

	h.srv.SetFailure(func(r *http.Request) int {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/v1/tasks/5") {
			return http.StatusInternalServerError
		}
		return 0
	})
	task, _ := h.cache.GetTask(ctx, 5)
	task.Title = "y"
	if _, err := h.sync.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}

	for i := 0; i < 3; i++ {
		res := h.refresh(t, syncer.RefreshRequest{})
		if res.Err != nil {
			t.Fatalf("refresh %d: rejected actions should not fail the cycle: %v", i, res.Err)
		}
	}
	failed, err := h.sync.FailedActions(ctx)
	if err != nil {
		t.Fatalf("failed actions: %v", err)
	}
	if len(failed) != 1 || failed[0].RetryCount != 3 {
		t.Fatalf("expected one failed action with 3 retries, got %v", failed)
	}

	attempts := len(h.srv.Mutations("/tasks/5"))
	h.refresh(t, syncer.RefreshRequest{})
	if got := len(h.srv.Mutations("/tasks/5")); got != attempts {
		t.Fatalf("failed action was replayed automatically (%d -> %d attempts)", attempts, got)
	}

	h.srv.SetFailure(nil)
	n, err := h.sync.RetryAllFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry all: n=%d err=%v", n, err)
	}
	res := h.sync.Drain(ctx)
	if res.Err != nil || res.Replayed != 1 {
		t.Fatalf("expected one replayed action, got %+v", res)
	}
	if got, _ := h.srv.Task(5); got.Title != "y" {
		t.Fatalf("server title = %q", got.Title)
	}
}

func TestDiscardAllFailed_DropsProvisionalCreates(t *testing.T) {
	h := newHarness(t, harnessOptions{maxRetries: 1})
	ctx := context.Background()
	h.srv.SeedProjects(model.Project{ID: 1, Title: "Inbox"})
	h.srv.SetFailure(func(r *http.Request) int {
		if r.Method == http.MethodPut {
			return http.StatusBadRequest
		}
		return 0
	})
	created, err := h.sync.CreateTask(ctx, model.Task{ProjectID: 1, Title: "doomed"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res := h.sync.Drain(ctx)
	if res.Failed != 1 {
		t.Fatalf("expected the create to fail permanently, got %+v", res)
	}
	n, err := h.sync.DiscardAllFailed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("discard: n=%d err=%v", n, err)
	}
	if _, err := h.cache.GetTask(ctx, created.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("provisional task should be gone, got %v", err)
	}
}

func TestCreate_RemapsTemporaryID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedProjects(model.Project{ID: 1, Title: "Inbox"})

	created, err := h.sync.CreateTask(ctx, model.Task{ProjectID: 1, Title: "draft"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID >= 0 {
		t.Fatalf("expected temporary id, got %d", created.ID)
	}
	created.Title = "final"
	if _, err := h.sync.UpdateTask(ctx, created); err != nil {
		t.Fatalf("update: %v", err)
	}

	res := h.sync.Drain(ctx)
	if res.Err != nil || res.Replayed != 1 {
		t.Fatalf("drain: %+v", res)
	}
	puts := h.srv.Mutations("/projects/1/tasks")
	if len(puts) != 1 || !strings.Contains(puts[0].Body, `"title":"final"`) {
		t.Fatalf("expected one create carrying the final title, got %+v", puts)
	}

	serverID, err := h.cache.ResolveID(ctx, model.EntityTask, created.ID)
	if err != nil || serverID <= 0 {
		t.Fatalf("resolve temp id: %d err=%v", serverID, err)
	}
	tasks := cachedIDs(t, h)
	if _, ok := tasks[created.ID]; ok {
		t.Fatal("temporary row should be gone")
	}
	if got, ok := tasks[serverID]; !ok || got.Title != "final" {
		t.Fatalf("expected server task %d in cache, got %+v", serverID, got)
	}
}

func TestCreateProjectThenTask_ResolvesParent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	p, err := h.sync.CreateProject(ctx, model.Project{Title: "Garden"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := h.sync.CreateTask(ctx, model.Task{ProjectID: p.ID, Title: "dig"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	res := h.sync.Drain(ctx)
	if res.Err != nil || res.Replayed != 2 {
		t.Fatalf("drain: %+v", res)
	}
	projectID, _ := h.cache.ResolveID(ctx, model.EntityProject, p.ID)
	taskID, _ := h.cache.ResolveID(ctx, model.EntityTask, task.ID)
	got, ok := h.srv.Task(taskID)
	if !ok || got.ProjectID != projectID {
		t.Fatalf("task should live in project %d, got %+v", projectID, got)
	}
}

func TestDeleteOfUnsyncedCreateNeverReachesServer(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedProjects(model.Project{ID: 1, Title: "Inbox"})
	created, err := h.sync.CreateTask(ctx, model.Task{ProjectID: 1, Title: "oops"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.sync.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res := h.sync.Drain(ctx)
	if res.Err != nil || res.Replayed != 0 {
		t.Fatalf("drain: %+v", res)
	}
	if n := len(h.srv.Mutations("/")); n != 0 {
		t.Fatalf("expected no mutations on the server, got %d", n)
	}
}

func TestDrainOnWrite(t *testing.T) {
	h := newHarness(t, harnessOptions{drainOnWrite: true})
	ctx := context.Background()
	h.srv.SeedTasks(model.Task{ID: 3, ProjectID: 1, Title: "move me"})
	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))

	if err := h.sync.MoveTask(ctx, 3, 12.5); err != nil {
		t.Fatalf("move: %v", err)
	}
	h.sync.Wait()
	if got, _ := h.srv.Task(3); got.Position != 12.5 {
		t.Fatalf("expected background drain to deliver the move, got position %v", got.Position)
	}
}

func TestExpiredSession_RenewsOnceForConcurrentCalls(t *testing.T) {
	h := newHarness(t, harnessOptions{expired: true})
	ctx := context.Background()
	h.srv.SeedProjects(model.Project{ID: 1, Title: "Inbox"})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.api.ListProjects(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := h.srv.RenewCalls(); got != 1 {
		t.Fatalf("expected exactly one renewal, got %d", got)
	}
	if h.creds.SessionInvalid() {
		t.Fatal("a successful renewal must not invalidate the session")
	}
}

func TestReAuthRequired_StopsDrainAndShortCircuits(t *testing.T) {
	h := newHarness(t, harnessOptions{expired: true})
	ctx := context.Background()
	h.srv.SeedTasks(model.Task{ID: 8, ProjectID: 1, Title: "x"})
	if err := h.cache.UpsertTask(ctx, model.Task{ID: 8, ProjectID: 1, Title: "x"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.srv.SetFailRenewals(true)

	task, _ := h.cache.GetTask(ctx, 8)
	task.Title = "edited"
	if _, err := h.sync.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update: %v", err)
	}

	res := h.refresh(t, syncer.RefreshRequest{})
	if res.Err == nil || !res.Err.ReAuthRequired() {
		t.Fatalf("expected re-auth required, got %v", res.Err)
	}
	if !h.creds.SessionInvalid() {
		t.Fatal("session should be marked invalid")
	}
	pending, _ := h.queue.ListPending(ctx)
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Fatalf("queued edit must be kept without charging a retry, got %v", pending)
	}

	before := len(h.srv.Requests())
	renewals := h.srv.RenewCalls()
	res = h.refresh(t, syncer.RefreshRequest{})
	if res.Err == nil || !res.Err.ReAuthRequired() {
		t.Fatalf("expected re-auth required again, got %v", res.Err)
	}
	if len(h.srv.Requests()) != before || h.srv.RenewCalls() != renewals {
		t.Fatal("calls should short-circuit while re-authentication is required")
	}

	// A new login clears the state and the queued edit goes through.
	if err := h.creds.Login(ctx, h.srv.IssueSession(time.Hour), ""); err != nil {
		t.Fatalf("login: %v", err)
	}
	h.coord.LoggedIn()
	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))
	if got, _ := h.srv.Task(8); got.Title != "edited" {
		t.Fatalf("server title = %q", got.Title)
	}
}

func TestFallbackTokenAfterRenewalFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{expired: true, fallback: remotetest.LongToken})
	h.srv.SetFailRenewals(true)
	h.srv.SeedTasks(model.Task{ID: 1, ProjectID: 1, Title: "x"})

	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))
	if h.creds.SessionInvalid() {
		t.Fatal("fallback should have kept the session usable")
	}
	last := h.srv.Requests()[len(h.srv.Requests())-1]
	if last.Auth != remotetest.LongToken {
		t.Fatalf("expected the last call to use the fallback token, got %q", last.Auth)
	}
}

func TestRefresh_SupersededBySameScope(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.srv.SeedTasks(model.Task{ID: 1, ProjectID: 1, Title: "apple"}, model.Task{ID: 2, ProjectID: 1, Title: "apricot"})
	h.srv.SetDelay(func(r *http.Request) time.Duration {
		if r.URL.Query().Get("s") == "ap" {
			return 2 * time.Second
		}
		return 0
	})

	first := make(chan syncer.Result, 1)
	go func() {
		first <- h.sync.Refresh(context.Background(), syncer.RefreshRequest{Scope: "search", Filter: remote.TaskFilter{Search: "ap"}})
	}()
	waitForRequest(t, h.srv, func(r remotetest.Recorded) bool { return r.Path == "/tasks/all" })

	second := h.sync.Refresh(context.Background(), syncer.RefreshRequest{Scope: "search", Filter: remote.TaskFilter{Search: "apple"}})
	mustOK(t, second)
	if second.Fetched != 1 {
		t.Fatalf("expected the second search to fetch 1 task, got %d", second.Fetched)
	}

	select {
	case res := <-first:
		if !res.Superseded {
			t.Fatalf("expected first refresh superseded, got %+v", res)
		}
		if res.Fetched != 0 {
			t.Fatal("superseded results must not be applied")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first refresh never returned")
	}
	if _, ok := cachedIDs(t, h)[2]; ok {
		t.Fatal("results of the superseded search leaked into the cache")
	}
}

func TestRefresh_PublishesCycleFinished(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.srv.SeedTasks(model.Task{ID: 1, ProjectID: 1, Title: "one"})
	sub := h.bus.Subscribe(bus.TopicCycleFinished)
	defer h.bus.Unsubscribe(sub)

	next := func() bus.CycleFinishedEvent {
		t.Helper()
		select {
		case ev := <-sub.Ch():
			payload, ok := ev.Payload.(bus.CycleFinishedEvent)
			if !ok {
				t.Fatalf("unexpected payload %#v", ev.Payload)
			}
			return payload
		case <-time.After(time.Second):
			t.Fatal("no cycle event published")
		}
		return bus.CycleFinishedEvent{}
	}

	res := h.refresh(t, syncer.RefreshRequest{Scope: "background"})
	mustOK(t, res)
	ev := next()
	if ev.CycleID != res.CycleID || ev.Scope != "background" || ev.Fetched != 1 || ev.ErrorKind != "" {
		t.Fatalf("unexpected event %+v", ev)
	}

	h.srv.SetDown(true)
	res = h.refresh(t, syncer.RefreshRequest{Scope: "background"})
	ev = next()
	if ev.CycleID != res.CycleID || ev.ErrorKind != string(transport.KindNetwork) {
		t.Fatalf("expected a network failure event, got %+v", ev)
	}
}

func TestDrain_SkipsActionReplacedWhileDraining(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedTasks(model.Task{ID: 1, ProjectID: 1, Title: "one"}, model.Task{ID: 42, ProjectID: 1, Title: "old"})
	mustOK(t, h.refresh(t, syncer.RefreshRequest{}))

	for _, edit := range []struct {
		id    int64
		title string
	}{{1, "one edited"}, {42, "A"}} {
		task, err := h.cache.GetTask(ctx, edit.id)
		if err != nil {
			t.Fatalf("get task %d: %v", edit.id, err)
		}
		task.Title = edit.title
		if _, err := h.sync.UpdateTask(ctx, task); err != nil {
			t.Fatalf("update task %d: %v", edit.id, err)
		}
	}

	h.srv.SetDelay(func(r *http.Request) time.Duration {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks/1" {
			return 300 * time.Millisecond
		}
		return 0
	})
	drained := make(chan syncer.Result, 1)
	go func() { drained <- h.sync.Drain(ctx) }()
	waitForRequest(t, h.srv, func(r remotetest.Recorded) bool { return r.Path == "/tasks/1" && r.Method == http.MethodPost })

	// Task 42 is edited again while the drain is busy with task 1.
	task, _ := h.cache.GetTask(ctx, 42)
	task.Title = "B"
	if _, err := h.sync.UpdateTask(ctx, task); err != nil {
		t.Fatalf("update task 42: %v", err)
	}

	res := <-drained
	if res.Err != nil || res.Replayed != 1 {
		t.Fatalf("expected only task 1 replayed, got %+v", res)
	}
	if got := h.srv.Mutations("/tasks/42"); len(got) != 0 {
		t.Fatalf("replaced edit reached the server: %+v", got)
	}

	res = h.sync.Drain(ctx)
	if res.Err != nil || res.Replayed != 1 {
		t.Fatalf("expected the newest edit replayed, got %+v", res)
	}
	got := h.srv.Mutations("/tasks/42")
	if len(got) != 1 || !strings.Contains(got[0].Body, `"title":"B"`) {
		t.Fatalf("expected exactly one delivery carrying B, got %+v", got)
	}
}

func TestRefresh_SupersedeDoesNotAbortReplay(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.srv.SeedProjects(model.Project{ID: 1, Title: "Inbox"})
	if _, err := h.sync.CreateTask(ctx, model.Task{ProjectID: 1, Title: "slow create"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.srv.SetDelay(func(r *http.Request) time.Duration {
		if r.Method == http.MethodPut && r.URL.Path == "/api/v1/projects/1/tasks" {
			return 300 * time.Millisecond
		}
		return 0
	})

	req := syncer.RefreshRequest{Scope: "search", Filter: remote.TaskFilter{Search: "slow"}}
	first := make(chan syncer.Result, 1)
	go func() { first <- h.sync.Refresh(ctx, req) }()
	waitForRequest(t, h.srv, func(r remotetest.Recorded) bool { return r.Method == http.MethodPut })

	second := h.sync.Refresh(ctx, req)
	mustOK(t, second)

	res := <-first
	if res.Err != nil || res.Superseded || res.Replayed != 1 {
		t.Fatalf("expected the first cycle to finish its replay, got superseded=%v replayed=%d err=%v", res.Superseded, res.Replayed, res.Err)
	}
	if got := h.srv.Mutations("/projects/1/tasks"); len(got) != 1 {
		t.Fatalf("expected the create sent once, got %d", len(got))
	}
	stats, err := h.sync.Stats(ctx)
	if err != nil || stats.Pending != 0 || stats.Failed != 0 {
		t.Fatalf("expected an empty queue, got %+v err=%v", stats, err)
	}
}

func TestUpdateMetadata_RequiresCachedEntity(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.srv.SeedProjects(model.Project{ID: 1, Title: "Inbox", Created: created})
	h.srv.SeedLabels(model.Label{ID: 5, Title: "urgent", Created: created})
	mustOK(t, h.refresh(t, syncer.RefreshRequest{Metadata: true}))

	if _, err := h.sync.UpdateProject(ctx, model.Project{ID: 99, Title: "ghost"}); !errors.Is(err, syncer.ErrNotCached) {
		t.Fatalf("expected ErrNotCached for unknown project, got %v", err)
	}
	if _, err := h.sync.UpdateLabel(ctx, model.Label{ID: 99, Title: "ghost"}); !errors.Is(err, syncer.ErrNotCached) {
		t.Fatalf("expected ErrNotCached for unknown label, got %v", err)
	}
	if _, err := h.cache.GetProject(ctx, 99); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("unknown project was cached: %v", err)
	}
	if stats, _ := h.sync.Stats(ctx); stats.Pending != 0 {
		t.Fatalf("expected nothing queued, got %+v", stats)
	}

	p, err := h.sync.UpdateProject(ctx, model.Project{ID: 1, Title: "Home"})
	if err != nil {
		t.Fatalf("update project: %v", err)
	}
	if !p.Created.Equal(created) {
		t.Fatalf("project creation time lost: %v", p.Created)
	}
	l, err := h.sync.UpdateLabel(ctx, model.Label{ID: 5, Title: "soon"})
	if err != nil {
		t.Fatalf("update label: %v", err)
	}
	if !l.Created.Equal(created) {
		t.Fatalf("label creation time lost: %v", l.Created)
	}
	if stats, _ := h.sync.Stats(ctx); stats.Pending != 2 {
		t.Fatalf("expected two queued updates, got %+v", stats)
	}
}
