package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"fixline/internal/domain"
	"fixline/internal/events"
	"fixline/internal/metrics"
	"fixline/internal/modcli"
	"fixline/internal/pipeline"
	"fixline/internal/recipe"
	"fixline/internal/repo"
	"fixline/internal/workspace"
)

const DefaultMaxConcurrent = 2

// JobFunc is the body of a background job. It reports progress labels through progress and
// always returns a result; an ERROR result fails the job.
type JobFunc func(ctx context.Context, jobID string, progress pipeline.ProgressFunc) domain.PipelineResult

// Engine tracks background jobs and runs them with bounded concurrency.
type Engine struct {
	Store    repo.JobStore
	Events   events.Writer
	Pipeline *pipeline.Pipeline
	Mod      modcli.Client
	// CatalogPath is where the recipe catalog is exported to and read from.
	CatalogPath string
	Locks       *workspace.Locks
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Now         func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func New(store repo.JobStore, maxConcurrent int) *Engine {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Engine{
		Store: store,
		Locks: &workspace.Locks{},
		Now:   time.Now,
		sem:   semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (e *Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) workspace() workspace.Workspace {
	if e.Pipeline != nil {
		return e.Pipeline.Workspace
	}
	return workspace.Workspace{}
}

// Submit records a PENDING job and starts fn on its own goroutine. The job keeps running after
// ctx is cancelled; only its values are inherited.
func (e *Engine) Submit(ctx context.Context, jobType, actorID string, params map[string]string, fn JobFunc) (string, error) {
	if fn == nil {
		return "", errors.New("job function required")
	}
	now := e.now()
	job := domain.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    domain.JobPending,
		Progress:  "Initializing...",
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.Put(ctx, job); err != nil {
		return "", fmt.Errorf("record job: %w", err)
	}
	e.emit(ctx, events.JobSubmitted, job.ID, actorID, events.EventPayload{"type": jobType})
	e.logger().Info("job submitted", zap.String("job_id", job.ID), zap.String("type", jobType))

	e.wg.Add(1)
	go e.run(context.WithoutCancel(ctx), job, actorID, fn)
	return job.ID, nil
}

func (e *Engine) run(ctx context.Context, job domain.Job, actorID string, fn JobFunc) {
	defer e.wg.Done()
	log := e.logger().With(zap.String("job_id", job.ID), zap.String("type", job.Type))

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finish(ctx, job, actorID, domain.PipelineResult{Status: domain.ResultError, Error: err.Error()})
		return
	}
	defer e.sem.Release(1)

	if _, err := e.Store.Update(ctx, job.ID, func(j *domain.Job) error {
		j.Status = domain.JobRunning
		j.UpdatedAt = e.now()
		return nil
	}); err != nil {
		log.Error("mark job running", zap.Error(err))
		e.finish(ctx, job, actorID, domain.PipelineResult{
			Status: domain.ResultError,
			Error:  fmt.Sprintf("mark job running: %v", err),
		})
		return
	}
	e.emit(ctx, events.JobRunning, job.ID, actorID, nil)

	progress := func(label string) {
		if _, err := e.Store.Update(ctx, job.ID, func(j *domain.Job) error {
			j.Progress = label
			j.UpdatedAt = e.now()
			return nil
		}); err != nil {
			log.Warn("record progress", zap.Error(err))
			return
		}
		e.emit(ctx, events.JobProgress, job.ID, actorID, events.EventPayload{"progress": label})
	}

	result := invoke(ctx, job.ID, fn, progress)
	e.finish(ctx, job, actorID, result)
}

// invoke runs fn and turns a panic into an ERROR result.
func invoke(ctx context.Context, jobID string, fn JobFunc, progress pipeline.ProgressFunc) (res domain.PipelineResult) {
	defer func() {
		if r := recover(); r != nil {
			res = domain.PipelineResult{Status: domain.ResultError, Error: fmt.Sprintf("job panicked: %v", r)}
		}
	}()
	return fn(ctx, jobID, progress)
}

func (e *Engine) finish(ctx context.Context, job domain.Job, actorID string, result domain.PipelineResult) {
	status := domain.JobCompleted
	evt := events.JobCompleted
	if result.Status == domain.ResultError {
		status = domain.JobFailed
		evt = events.JobFailed
		if result.Error == "" {
			result.Error = "Unknown error"
		}
	}
	res := result
	if _, err := e.Store.Update(ctx, job.ID, func(j *domain.Job) error {
		j.Status = status
		j.Result = &res
		if status == domain.JobFailed {
			j.Error = res.Error
		}
		j.UpdatedAt = e.now()
		return nil
	}); err != nil {
		e.logger().Error("finalize job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	payload := events.EventPayload{"status": string(status)}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	e.emit(ctx, evt, job.ID, actorID, payload)
	if e.Metrics != nil {
		e.Metrics.Jobs.WithLabelValues(job.Type, string(status)).Inc()
	}
	e.logger().Info("job finished", zap.String("job_id", job.ID), zap.String("status", string(status)))
}

func (e *Engine) emit(ctx context.Context, evtType, jobID, actorID string, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, jobID, actorID, payload); err != nil {
		e.logger().Warn("append job event", zap.String("type", evtType), zap.String("job_id", jobID), zap.Error(err))
	}
}

// Poll returns the job record. Unknown ids report false rather than an error.
func (e *Engine) Poll(ctx context.Context, jobID string) (domain.Job, bool) {
	job, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, false
	}
	return job, true
}

func (e *Engine) List(ctx context.Context, limit int) ([]domain.Job, error) {
	return e.Store.List(ctx, limit)
}

// Wait polls until the job reaches a terminal status or ctx ends.
func (e *Engine) Wait(ctx context.Context, jobID string, interval time.Duration) (domain.Job, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := e.Store.Get(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close waits for every started job to finish.
func (e *Engine) Close() {
	e.wg.Wait()
}

// withWorkspace serialises fn against other jobs touching the same workspace.
func (e *Engine) withWorkspace(fn func() domain.PipelineResult) domain.PipelineResult {
	path := e.workspace().Path
	if e.Locks == nil || path == "" {
		return fn()
	}
	mu := e.Locks.For(path)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// SubmitFullAutomation starts the fix pipeline for one repository.
func (e *Engine) SubmitFullAutomation(ctx context.Context, actorID string, params pipeline.Params) (string, error) {
	if e.Pipeline == nil {
		return "", errors.New("pipeline not configured")
	}
	if params.SourceBranch == "" {
		params.SourceBranch = pipeline.DefaultSourceRef
	}
	if err := params.Validate(); err != nil {
		return "", err
	}
	jobParams := map[string]string{
		"repo_url":      params.RepoURL,
		"goal":          params.Goal,
		"branch_name":   params.BranchName,
		"source_branch": params.SourceBranch,
		"force_clean":   strconv.FormatBool(params.ForceClean),
	}
	return e.Submit(ctx, domain.JobTypeFullAutomation, actorID, jobParams,
		func(ctx context.Context, jobID string, progress pipeline.ProgressFunc) domain.PipelineResult {
			p := params
			p.SessionToken = jobID
			return e.withWorkspace(func() domain.PipelineResult {
				return e.Pipeline.Run(ctx, p, progress)
			})
		})
}

// SubmitBuild starts an LST build of the whole workspace.
func (e *Engine) SubmitBuild(ctx context.Context, actorID string) (string, error) {
	ws := e.workspace().Path
	if ws == "" {
		return "", errors.New("workspace not configured")
	}
	return e.Submit(ctx, domain.JobTypeBuild, actorID, map[string]string{"workspace": ws},
		func(ctx context.Context, _ string, progress pipeline.ProgressFunc) domain.PipelineResult {
			return e.withWorkspace(func() domain.PipelineResult {
				progress("Building Lossless Semantic Tree (LST)...")
				out, err := e.Mod.Build(ctx, ws)
				if err != nil {
					return domain.PipelineResult{Status: domain.ResultError, Error: err.Error(), Output: out}
				}
				return domain.PipelineResult{Status: domain.ResultSuccess, Message: "LST build completed.", Output: out}
			})
		})
}

// SubmitRecipeRun runs one recipe across the workspace without applying its patch.
func (e *Engine) SubmitRecipeRun(ctx context.Context, actorID, recipeID string, options map[string]string) (string, error) {
	ws := e.workspace().Path
	if ws == "" {
		return "", errors.New("workspace not configured")
	}
	if recipeID == "" {
		return "", errors.New("recipe_id is required")
	}
	jobParams := map[string]string{"recipe_id": recipeID}
	for k, v := range options {
		jobParams["option."+k] = v
	}
	return e.Submit(ctx, domain.JobTypeRecipeRun, actorID, jobParams,
		func(ctx context.Context, _ string, progress pipeline.ProgressFunc) domain.PipelineResult {
			id := recipe.Resolve(recipeID)
			return e.withWorkspace(func() domain.PipelineResult {
				progress(fmt.Sprintf("Running %s...", id))
				out, err := e.Mod.Run(ctx, ws, id, options)
				outcome := modcli.ClassifyRun(out, err)
				msg := fmt.Sprintf("Recipe %s produced no changes.", id)
				switch outcome.Kind {
				case domain.Failed:
					return domain.PipelineResult{Status: domain.ResultError, Error: outcome.Err.Error(), Output: out}
				case domain.SearchOnly:
					msg = fmt.Sprintf("Recipe %s produced search results only.", id)
				case domain.Applied:
					msg = fmt.Sprintf("Recipe %s produced changes in run %s.", id, outcome.RunID)
				}
				return domain.PipelineResult{Status: domain.ResultSuccess, Message: msg, Output: out}
			})
		})
}

// ClearWorkspace deletes the workspace once no job holds it.
func (e *Engine) ClearWorkspace() (string, error) {
	ws := e.workspace()
	var err error
	existed := true
	e.withWorkspace(func() domain.PipelineResult {
		if _, statErr := os.Stat(ws.Path); statErr != nil {
			existed = false
			return domain.PipelineResult{}
		}
		err = ws.Clear()
		return domain.PipelineResult{}
	})
	if err != nil {
		return "", err
	}
	if !existed {
		return "Workspace was already empty.", nil
	}
	return fmt.Sprintf("Successfully cleared %s.", ws.Path), nil
}

// Recipes lists catalog entries matching query, exporting the catalog on first use.
func (e *Engine) Recipes(ctx context.Context, query string) ([]domain.Recipe, error) {
	if e.CatalogPath == "" {
		return nil, errors.New("recipe catalog path not configured")
	}
	cat, err := recipe.LoadCatalog(ctx, e.CatalogPath, e.Mod)
	if err != nil {
		return nil, err
	}
	return cat.Filter(query), nil
}
