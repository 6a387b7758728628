package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"fixline/internal/command/commandtest"
	"fixline/internal/db"
	"fixline/internal/domain"
	"fixline/internal/engine"
	"fixline/internal/events"
	"fixline/internal/migrate"
	"fixline/internal/modcli"
	"fixline/internal/pipeline"
	"fixline/internal/repo"
	"fixline/internal/workspace"
)

type testEnv struct {
	Engine *engine.Engine
	Fake   *commandtest.Fake
	Dir    string
	Ctx    context.Context
}

func newTestEnv(t *testing.T, maxConcurrent int) testEnv {
	t.Helper()
	dir := t.TempDir()
	fake := &commandtest.Fake{}
	mod := modcli.New(fake, "mod")
	eng := engine.New(repo.NewMemoryStore(), maxConcurrent)
	eng.Mod = mod
	eng.CatalogPath = filepath.Join(dir, "recipes.json")
	eng.Pipeline = &pipeline.Pipeline{
		Workspace: workspace.Workspace{Path: filepath.Join(dir, "ws"), TempDir: dir, Mod: mod},
		Mod:       mod,
	}
	t.Cleanup(eng.Close)
	return testEnv{Engine: eng, Fake: fake, Dir: dir, Ctx: context.Background()}
}

func waitJob(t *testing.T, env testEnv, id string) domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(env.Ctx, 10*time.Second)
	defer cancel()
	job, err := env.Engine.Wait(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait %s: %v", id, err)
	}
	return job
}

func TestSubmitCompletes(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, 2)
	id, err := env.Engine.Submit(env.Ctx, "custom", "tester", map[string]string{"k": "v"},
		func(_ context.Context, jobID string, progress pipeline.ProgressFunc) domain.PipelineResult {
			progress("Step 1/1: working")
			return domain.PipelineResult{Status: domain.ResultSuccess, Message: "done " + jobID}
		})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := waitJob(t, env, id)
	env.Engine.Close()
	if job.Status != domain.JobCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
	if job.Result == nil || job.Result.Message != "done "+id {
		t.Fatalf("unexpected result %+v", job.Result)
	}
	if job.Progress != "Step 1/1: working" || job.Params["k"] != "v" {
		t.Fatalf("progress/params not kept: %+v", job)
	}
}

func TestErrorResultFailsJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, 1)
	id, err := env.Engine.Submit(env.Ctx, "custom", "", nil,
		func(context.Context, string, pipeline.ProgressFunc) domain.PipelineResult {
			return domain.PipelineResult{Status: domain.ResultError, Error: "sync: boom", Logs: []string{"FAILURE:\nsync: boom"}}
		})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, env, id)
	env.Engine.Close()
	if job.Status != domain.JobFailed || job.Error != "sync: boom" {
		t.Fatalf("expected FAILED with error copied, got %+v", job)
	}
	if job.Result == nil || len(job.Result.Logs) != 1 {
		t.Fatalf("result logs not kept: %+v", job.Result)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, 1)
	id, err := env.Engine.Submit(env.Ctx, "custom", "", nil,
		func(context.Context, string, pipeline.ProgressFunc) domain.PipelineResult {
			panic("nil map")
		})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, env, id)
	env.Engine.Close()
	if job.Status != domain.JobFailed || !strings.Contains(job.Error, "nil map") {
		t.Fatalf("expected recovered failure, got %+v", job)
	}
}

// runningRejectStore fails every attempt to move a job to RUNNING.
type runningRejectStore struct {
	*repo.MemoryStore
}

func (s runningRejectStore) Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	return s.MemoryStore.Update(ctx, id, func(j *domain.Job) error {
		if err := fn(j); err != nil {
			return err
		}
		if j.Status == domain.JobRunning {
			return errors.New("database is locked")
		}
		return nil
	})
}

func TestRunningUpdateFailureFailsJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, 1)
	env.Engine.Store = runningRejectStore{MemoryStore: repo.NewMemoryStore()}
	called := make(chan struct{}, 1)
	id, err := env.Engine.Submit(env.Ctx, "custom", "", nil,
		func(context.Context, string, pipeline.ProgressFunc) domain.PipelineResult {
			called <- struct{}{}
			return domain.PipelineResult{Status: domain.ResultSuccess}
		})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, env, id)
	env.Engine.Close()
	if job.Status != domain.JobFailed || !strings.Contains(job.Error, "database is locked") {
		t.Fatalf("expected FAILED after the RUNNING update failed, got %+v", job)
	}
	select {
	case <-called:
		t.Fatalf("job body must not run when the job cannot be marked running")
	default:
	}
}

func TestPollUnknownJob(t *testing.T) {
	env := newTestEnv(t, 1)
	if _, ok := env.Engine.Poll(env.Ctx, "does-not-exist"); ok {
		t.Fatalf("expected unknown job to report not found")
	}
}

func TestConcurrencyBoundKeepsJobsPending(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, 1)
	release := make(chan struct{})
	block := func(context.Context, string, pipeline.ProgressFunc) domain.PipelineResult {
		<-release
		return domain.PipelineResult{Status: domain.ResultSuccess}
	}
	first, err := env.Engine.Submit(env.Ctx, "custom", "", nil, block)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, _ := env.Engine.Poll(env.Ctx, first)
		if job.Status == domain.JobRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first job never started")
		}
		time.Sleep(2 * time.Millisecond)
	}
	second, err := env.Engine.Submit(env.Ctx, "custom", "", nil, block)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if job, _ := env.Engine.Poll(env.Ctx, second); job.Status != domain.JobPending {
		t.Fatalf("second job should wait in PENDING, got %s", job.Status)
	}
	close(release)
	if waitJob(t, env, first).Status != domain.JobCompleted || waitJob(t, env, second).Status != domain.JobCompleted {
		t.Fatalf("jobs did not complete")
	}
	env.Engine.Close()
}

func TestEventsJournal(t *testing.T) {
	conn, err := db.Open(db.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := newTestEnv(t, 1)
	env.Engine.Events = events.Writer{DB: conn}
	id, err := env.Engine.Submit(env.Ctx, "custom", "alice", nil,
		func(_ context.Context, _ string, progress pipeline.ProgressFunc) domain.PipelineResult {
			progress("halfway")
			return domain.PipelineResult{Status: domain.ResultSuccess}
		})
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, env, id)
	env.Engine.Close()

	evs, err := repo.Repo{DB: conn}.JobEvents(env.Ctx, id, 10)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	want := []string{events.JobSubmitted, events.JobRunning, events.JobProgress, events.JobCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event sequence %v", types)
	}
	if evs[0].ActorID != "alice" {
		t.Fatalf("actor not recorded: %+v", evs[0])
	}
}

func TestSubmitFullAutomationValidates(t *testing.T) {
	env := newTestEnv(t, 1)
	_, err := env.Engine.SubmitFullAutomation(env.Ctx, "", pipeline.Params{RepoURL: "https://github.com/acme/app.git", BranchName: "fix"})
	if err == nil || !strings.Contains(err.Error(), "goal") {
		t.Fatalf("expected validation error, got %v", err)
	}
	if jobs, _ := env.Engine.List(env.Ctx, 10); len(jobs) != 0 {
		t.Fatalf("invalid submission must not create a job")
	}
}

func TestFullAutomationFailureIsRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, 1)
	env.Fake.On("mod git sync csv", func(commandtest.Call) (string, error) {
		return "", errors.New("authentication required")
	})
	id, err := env.Engine.SubmitFullAutomation(env.Ctx, "ci", pipeline.Params{
		RepoURL: "https://github.com/acme/app.git", Goal: "java 17", BranchName: "fix/java17",
	})
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, env, id)
	env.Engine.Close()
	if job.Type != domain.JobTypeFullAutomation || job.Status != domain.JobFailed {
		t.Fatalf("unexpected job %+v", job)
	}
	if !strings.Contains(job.Error, "authentication required") {
		t.Fatalf("error not propagated: %q", job.Error)
	}
	if job.Params["source_branch"] != "main" || job.Params["force_clean"] != "false" {
		t.Fatalf("params not recorded: %+v", job.Params)
	}
	if job.Progress != "Step 1/8: Syncing repository..." {
		t.Fatalf("unexpected progress %q", job.Progress)
	}
	// The sync descriptor is named after the job id and removed afterwards.
	if _, err := os.Stat(filepath.Join(env.Dir, "fixline_repos_"+id+".csv")); !os.IsNotExist(err) {
		t.Fatalf("descriptor left behind: %v", err)
	}
}

func TestBuildAndRecipeRunJobs(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, 2)
	env.Fake.Reply("mod build", "Built 3 LSTs")
	env.Fake.Reply("mod run", "Fix results at /tmp/ws/.moderne/run/20240101-abc/fix.patch")

	buildID, err := env.Engine.SubmitBuild(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	runID, err := env.Engine.SubmitRecipeRun(env.Ctx, "", "org.openrewrite.java.migrate.upgrade.UpgradeJavaVersion8to21", map[string]string{"a": "b"})
	if err != nil {
		t.Fatal(err)
	}
	build := waitJob(t, env, buildID)
	run := waitJob(t, env, runID)
	env.Engine.Close()

	if build.Status != domain.JobCompleted || build.Result.Output != "Built 3 LSTs" {
		t.Fatalf("unexpected build job %+v", build)
	}
	if run.Status != domain.JobCompleted || !strings.Contains(run.Result.Message, "20240101-abc") {
		t.Fatalf("unexpected run job %+v", run.Result)
	}
	if run.Params["option.a"] != "b" {
		t.Fatalf("options not recorded: %+v", run.Params)
	}
	if env.Fake.Count("mod run "+env.Engine.Pipeline.Workspace.Path+" --recipe org.openrewrite.java.migrate.UpgradeToJava21 -Pa=b") != 1 {
		t.Fatalf("deprecated recipe id not resolved: %+v", env.Fake.Calls())
	}
}

func TestBuildFailureFailsJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	env := newTestEnv(t, 1)
	env.Fake.On("mod build", func(commandtest.Call) (string, error) { return "", errors.New("no repositories") })
	id, err := env.Engine.SubmitBuild(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	job := waitJob(t, env, id)
	env.Engine.Close()
	if job.Status != domain.JobFailed || !strings.Contains(job.Error, "exit code 1") {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestClearWorkspace(t *testing.T) {
	env := newTestEnv(t, 1)
	msg, err := env.Engine.ClearWorkspace()
	if err != nil || msg != "Workspace was already empty." {
		t.Fatalf("empty workspace: %q %v", msg, err)
	}
	ws := env.Engine.Pipeline.Workspace.Path
	if err := os.MkdirAll(filepath.Join(ws, "github.com", "acme"), 0o755); err != nil {
		t.Fatal(err)
	}
	msg, err = env.Engine.ClearWorkspace()
	if err != nil || msg != "Successfully cleared "+ws+"." {
		t.Fatalf("clear: %q %v", msg, err)
	}
	if _, err := os.Stat(ws); !os.IsNotExist(err) {
		t.Fatalf("workspace still present")
	}
}

func TestRecipesExportsCatalogOnce(t *testing.T) {
	env := newTestEnv(t, 1)
	env.Fake.On("mod config recipes export json", func(c commandtest.Call) (string, error) {
		path := c.Argv[len(c.Argv)-1]
		return "exported", os.WriteFile(path, []byte(`[
			{"id":"org.openrewrite.java.RemoveUnusedImports","description":"Remove imports"},
			{"id":"org.openrewrite.java.migrate.UpgradeToJava21","description":"Migrate to Java 21"}
		]`), 0o644)
	})
	got, err := env.Engine.Recipes(env.Ctx, "java 21")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "org.openrewrite.java.migrate.UpgradeToJava21" {
		t.Fatalf("unexpected filter result %+v", got)
	}
	if _, err := env.Engine.Recipes(env.Ctx, ""); err != nil {
		t.Fatal(err)
	}
	if n := env.Fake.Count("mod config recipes export"); n != 1 {
		t.Fatalf("catalog exported %d times", n)
	}
}
