package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fixline/internal/command/commandtest"
	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/engine/auth"
	"fixline/internal/events"
	"fixline/internal/migrate"
	"fixline/internal/modcli"
	"fixline/internal/pipeline"
	"fixline/internal/repo"
	"fixline/internal/workspace"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Repo   repo.Repo
	Engine *engine.Engine
	Fake   *commandtest.Fake
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	policy, err := auth.NewPolicy(config.Default().RolePermissions())
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	fake := &commandtest.Fake{}
	mod := modcli.New(fake, "mod")
	e := engine.New(repo.NewMemoryStore(), 2)
	e.Events = events.Writer{DB: conn}
	e.Mod = mod
	e.CatalogPath = filepath.Join(dir, "recipes.json")
	e.Pipeline = &pipeline.Pipeline{
		Workspace: workspace.Workspace{Path: filepath.Join(dir, "ws"), TempDir: dir, Mod: mod},
		Mod:       mod,
	}
	r := repo.Repo{DB: conn}
	handler, err := New(Config{
		Engine:   e,
		Repo:     r,
		Policy:   policy,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   r,
		Engine: e,
		Fake:   fake,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(AuthConfig{JWTSecret: testSecret}, actor, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func waitForJob(t *testing.T, srv *testServer, id string, headers map[string]string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+id, nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("poll status %d: %s", res.StatusCode, string(data))
		}
		var job domain.Job
		if err := json.Unmarshal(data, &job); err != nil {
			t.Fatalf("unmarshal job: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s", id, job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealthAndSpecArePublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/v0/automations") {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if body := decodeError(t, data); body.Code != "unauthorized" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestUnknownJobIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/nope", nil, bearer(t, "alice", "viewer"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != "not_found" || body.Message != "Job ID not found" || body.Details["job_id"] != "nope" {
		t.Fatalf("unexpected envelope %+v", body)
	}
}

func TestSubmitAutomationValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/automations", map[string]any{
		"repo_url":    "https://github.com/acme/app.git",
		"goal":        "  ",
		"branch_name": "fix/java17",
	}, bearer(t, "alice", "operator"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); !strings.Contains(body.Message, "goal") {
		t.Fatalf("unexpected message %q", body.Message)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/automations", map[string]any{
		"repo_url": "https://github.com/acme/app.git",
	}, bearer(t, "alice", "operator"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d", res.StatusCode)
	}
}

func TestSubmitAutomationRecordsFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Fake.On("mod git sync csv", func(commandtest.Call) (string, error) {
		return "", errors.New("remote: Repository not found.")
	})
	headers := bearer(t, "alice", "operator")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/automations", map[string]any{
		"repo_url":    "https://github.com/acme/app.git",
		"goal":        "Upgrade to Java 17",
		"branch_name": "fix/java17",
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var submittedJob SubmitResponse
	if err := json.Unmarshal(data, &submittedJob); err != nil {
		t.Fatal(err)
	}
	if submittedJob.JobID == "" || !strings.HasSuffix(submittedJob.Message, submittedJob.JobID) {
		t.Fatalf("unexpected submit response %+v", submittedJob)
	}

	job := waitForJob(t, srv, submittedJob.JobID, headers)
	srv.Engine.Close()
	if job.Status != domain.JobFailed || !strings.Contains(job.Error, "Repository not found") {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Result == nil || len(job.Result.Logs) == 0 {
		t.Fatalf("failed job should carry logs: %+v", job.Result)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+job.ID+"/events?limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Items[0].Type != events.JobSubmitted || page.Items[0].ActorID != "alice" {
		t.Fatalf("unexpected events %+v", page.Items)
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+job.ID+"/events?cursor="+page.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d", res.StatusCode)
	}
	var rest paginatedEvents
	_ = json.Unmarshal(data, &rest)
	if len(rest.Items) == 0 || rest.Items[len(rest.Items)-1].Type != events.JobFailed {
		t.Fatalf("expected job.failed last, got %+v", rest.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs", nil, headers)
	var list JobListResponse
	_ = json.Unmarshal(data, &list)
	if res.StatusCode != http.StatusOK || len(list.Items) != 1 || list.Items[0].ID != job.ID {
		t.Fatalf("list jobs: %d %+v", res.StatusCode, list)
	}
}

func TestViewerCannotSubmit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/builds", nil, bearer(t, "bob", "viewer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Details["permission"] != auth.PermJobsSubmit {
		t.Fatalf("unexpected envelope %+v", body)
	}
}

func TestAPIKeyPrincipal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	plain, err := repo.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "k1", ActorID: "ci", Role: "operator", KeyHash: repo.HashAPIKey(plain),
	}); err != nil {
		t.Fatal(err)
	}
	srv.Fake.Reply("mod build", "Built 1 LST")
	headers := map[string]string{"X-Api-Key": plain}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/builds", nil, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("build submit: %d %s", res.StatusCode, string(data))
	}
	var sub SubmitResponse
	_ = json.Unmarshal(data, &sub)
	job := waitForJob(t, srv, sub.JobID, headers)
	if job.Status != domain.JobCompleted || job.Type != domain.JobTypeBuild {
		t.Fatalf("unexpected build job %+v", job)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/workspace", nil, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("operator must not clear the workspace, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{"X-Api-Key": "flk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestRecipeRunAndCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Fake.On("mod config recipes export json", func(c commandtest.Call) (string, error) {
		return "", os.WriteFile(c.Argv[len(c.Argv)-1], []byte(`[
			{"id":"org.openrewrite.java.RemoveUnusedImports","displayName":"Remove unused imports","description":"Remove imports for types that are not referenced"},
			{"id":"org.openrewrite.java.format.AutoFormat","description":"Format Java code"}
		]`), 0o644)
	})
	srv.Fake.Reply("mod run", "Search results at /ws/.moderne/run/s-1/search.patch")
	headers := bearer(t, "alice", "admin")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/recipes?query=imports", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recipes: %d %s", res.StatusCode, string(data))
	}
	var recipes RecipeListResponse
	_ = json.Unmarshal(data, &recipes)
	if len(recipes.Items) != 1 || recipes.Items[0].ID != "org.openrewrite.java.RemoveUnusedImports" {
		t.Fatalf("unexpected recipes %+v", recipes.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/recipe-runs", map[string]any{
		"recipe_id": "org.openrewrite.java.RemoveUnusedImports",
	}, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("recipe run: %d %s", res.StatusCode, string(data))
	}
	var sub SubmitResponse
	_ = json.Unmarshal(data, &sub)
	job := waitForJob(t, srv, sub.JobID, headers)
	if job.Status != domain.JobCompleted || !strings.Contains(job.Result.Message, "search results only") {
		t.Fatalf("unexpected recipe job %+v", job.Result)
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/workspace", nil, headers)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "Workspace was already empty.") {
		t.Fatalf("clear workspace: %d %s", res.StatusCode, string(data))
	}
}

func TestMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, bearer(t, "carol", "viewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "carol" || who.Source != "jwt" || len(who.Permissions) != 2 {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestWebhookDispatcher(t *testing.T) {
	conn, err := db.Open(db.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	w := events.Writer{DB: conn}
	if err := w.Append(ctx, events.JobSubmitted, "old", "", nil); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []http.Header
	var bodies []EventResponse
	hook := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var evt EventResponse
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, r.Header.Clone())
		bodies = append(bodies, evt)
		mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(repo.Repo{DB: conn}, []config.Webhook{
		{ID: "ci", URL: hook.URL, Secret: "shh", Events: []string{events.JobCompleted}},
	}, nil)
	d.DispatchOnce(ctx)
	if len(got) != 0 {
		t.Fatalf("events older than the dispatcher must not be delivered")
	}

	if err := w.Append(ctx, events.JobRunning, "job-1", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, events.JobCompleted, "job-1", "alice", events.EventPayload{"status": "COMPLETED"}); err != nil {
		t.Fatal(err)
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(got))
	}
	if got[0].Get("X-Fixline-Event") != events.JobCompleted || got[0].Get("X-Fixline-Job") != "job-1" || got[0].Get("X-Fixline-Secret") != "shh" {
		t.Fatalf("unexpected headers %v", got[0])
	}
	if bodies[0].ActorID != "alice" || !strings.Contains(string(bodies[0].Payload), "COMPLETED") {
		t.Fatalf("unexpected body %+v", bodies[0])
	}
}
