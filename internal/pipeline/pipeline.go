// Package pipeline runs the automated fix workflow against one repository: sync, branch, build,
// recommend, apply recipes one at a time with rebuild verification, summarise and push.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"fixline/internal/artifacts"
	"fixline/internal/domain"
	"fixline/internal/events"
	"fixline/internal/metrics"
	"fixline/internal/recipe"
	"fixline/internal/recommend"
	"fixline/internal/vcs"
	"fixline/internal/workspace"
)

const (
	TotalSteps         = 8
	DefaultSummaryFile = "FIXLINE_SUMMARY.md"
	DefaultSourceRef   = "main"
	commitPrefix       = "Fixline Auto-Fix: "
)

// DefaultIdentity signs automated commits.
var DefaultIdentity = vcs.Signature{Name: "Fixline Automation", Email: "automation@fixline.dev"}

// projectFiles are read from the checkout root for the recommendation prompt.
var projectFiles = []string{"pom.xml", "build.gradle", "build.gradle.kts"}

// Engine is the part of the mod CLI the pipeline drives.
type Engine interface {
	Build(ctx context.Context, workspace string) (string, error)
	Run(ctx context.Context, workspace, recipeID string, options map[string]string) (string, error)
	Apply(ctx context.Context, workspace, runID, repoPath string) (string, error)
}

// Repository is the version-control surface of a checkout. *vcs.Repository implements it.
type Repository interface {
	CurrentBranch() (string, error)
	CheckoutBranch(ctx context.Context, name string) error
	ConfigureIdentity(name, email string) error
	StageAll(excludes []string) ([]string, error)
	StagePaths(paths ...string) error
	HasStagedChanges() (bool, error)
	Commit(msg string) (string, error)
	Head() (string, error)
	ResetToParent() error
	Push(ctx context.Context, remote, branch string) error
}

// Params describe one full automation run.
type Params struct {
	RepoURL      string
	Goal         string
	BranchName   string
	SourceBranch string
	ForceClean   bool
	// SessionToken scopes transient files; the job id when run under the engine.
	SessionToken string
}

func (p Params) Validate() error {
	switch {
	case strings.TrimSpace(p.RepoURL) == "":
		return errors.New("repo_url is required")
	case strings.TrimSpace(p.Goal) == "":
		return errors.New("goal is required")
	case strings.TrimSpace(p.BranchName) == "":
		return errors.New("branch_name is required")
	}
	return nil
}

// ProgressFunc receives human readable step labels.
type ProgressFunc func(label string)

type Pipeline struct {
	Workspace   workspace.Workspace
	Mod         Engine
	Recommender recommend.Recommender
	// OpenRepo opens the synced checkout. Defaults to vcs.Open with GitToken auth.
	OpenRepo    func(path string) (Repository, error)
	GitToken    string
	Identity    vcs.Signature
	Remote      string
	Excludes    []string
	SummaryFile string
	Archiver    artifacts.Archiver
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Pipeline) openRepo(path string) (Repository, error) {
	if p.OpenRepo != nil {
		return p.OpenRepo(path)
	}
	r, err := vcs.Open(path)
	if err != nil {
		return nil, err
	}
	r.Auth = vcs.TokenAuth(p.GitToken)
	return r, nil
}

func (p *Pipeline) identity() vcs.Signature {
	if p.Identity.Name == "" || p.Identity.Email == "" {
		return DefaultIdentity
	}
	return p.Identity
}

func (p *Pipeline) excludes() []string {
	if p.Excludes == nil {
		return vcs.DefaultExcludes
	}
	return p.Excludes
}

func (p *Pipeline) summaryFile() string {
	if p.SummaryFile == "" {
		return DefaultSummaryFile
	}
	return p.SummaryFile
}

func (p *Pipeline) remote() string {
	if p.Remote == "" {
		return vcs.DefaultRemoteName
	}
	return p.Remote
}

// run is the state of one pipeline execution.
type run struct {
	params   Params
	handle   domain.RepositoryHandle
	repo     Repository
	log      *events.AuditLog
	progress ProgressFunc
	rawAI    string
	requests []domain.TransformationRequest
	records  []record
}

func (r *run) report(label string) {
	if r.progress != nil {
		r.progress(label)
	}
}

// Run executes the workflow and always returns a result; failures become ERROR results
// carrying the audit log accumulated so far.
func (p *Pipeline) Run(ctx context.Context, params Params, progress ProgressFunc) domain.PipelineResult {
	start := p.now()
	if params.SourceBranch == "" {
		params.SourceBranch = DefaultSourceRef
	}
	st := &run{params: params, log: &events.AuditLog{}, progress: progress}
	logger := p.logger().With(zap.String("repo_url", params.RepoURL), zap.String("branch", params.BranchName))

	var result domain.PipelineResult
	if err := p.execute(ctx, st); err != nil {
		logger.Error("automation failed", zap.Error(err))
		msg := err.Error()
		found := false
		for _, e := range st.log.Entries() {
			if strings.Contains(e, msg) {
				found = true
				break
			}
		}
		if !found {
			st.log.Add("FAILURE:\n" + msg)
		}
		result = domain.PipelineResult{Status: domain.ResultError, Error: msg, Logs: st.log.Entries()}
	} else {
		st.report("Completed successfully")
		result = domain.PipelineResult{
			Status:  domain.ResultSuccess,
			Message: fmt.Sprintf("Automation completed for %s.", workspace.RepoName(params.RepoURL)),
			Branch:  params.BranchName,
			URL:     BranchURL(params.RepoURL, params.BranchName),
			Logs:    st.log.Entries(),
		}
		logger.Info("automation completed", zap.Int("commits", st.survivors()))
	}

	if p.Metrics != nil {
		p.Metrics.PipelineRuns.WithLabelValues(string(result.Status)).Inc()
		p.Metrics.PipelineDuration.Observe(p.now().Sub(start).Seconds())
	}
	if p.Archiver != nil && params.SessionToken != "" {
		if err := p.Archiver.Archive(ctx, params.SessionToken, result); err != nil {
			logger.Warn("archive run", zap.Error(err))
		}
	}
	return result
}

// BranchURL is the web location of branch on the repository host.
func BranchURL(repoURL, branch string) string {
	return strings.TrimSuffix(strings.TrimSuffix(repoURL, "/"), ".git") + "/tree/" + branch
}

func stepLabel(n int, what string) string {
	return fmt.Sprintf("Step %d/%d: %s", n, TotalSteps, what)
}

func (p *Pipeline) execute(ctx context.Context, st *run) error {
	if err := st.params.Validate(); err != nil {
		return err
	}
	if err := p.sync(ctx, st); err != nil {
		return &StepError{Step: "sync", Err: err}
	}
	if err := p.prepareBranch(ctx, st); err != nil {
		return &StepError{Step: "branch", Err: err}
	}
	st.report(stepLabel(3, "Building Lossless Semantic Tree (LST)..."))
	out, err := p.Mod.Build(ctx, st.handle.WorkspacePath)
	if err != nil {
		return &StepError{Step: "build", Err: err}
	}
	st.log.Command([]string{"mod", "build"}, out)

	st.report(stepLabel(4, "Analyzing project structure..."))
	files := p.analyze(st)

	st.report(stepLabel(5, "Getting AI recipe recommendations..."))
	if err := p.recommend(ctx, st, files); err != nil {
		return err
	}

	if err := p.applyAll(ctx, st); err != nil {
		return err
	}

	st.report(stepLabel(7, "Generating fix summary documentation..."))
	if err := p.writeSummary(st); err != nil {
		return &StepError{Step: "summary", Err: err}
	}

	st.report(stepLabel(8, "Finalizing and pushing all changes..."))
	remote, branch := p.remote(), st.params.BranchName
	if err := st.repo.Push(ctx, remote, branch); err != nil {
		return &PushError{Branch: branch, Err: err}
	}
	st.log.Command([]string{"git", "push", remote, branch}, "")
	st.log.Addf("PUSHED ALL CHANGES TO %s", branch)
	return nil
}

func (p *Pipeline) sync(ctx context.Context, st *run) error {
	st.report(stepLabel(1, "Syncing repository..."))
	out, err := p.Workspace.Sync(ctx, st.params.RepoURL, st.params.SourceBranch, st.params.ForceClean, st.params.SessionToken)
	if err != nil {
		return err
	}
	st.log.Command([]string{"mod", "git", "sync"}, out)
	repoPath, err := p.Workspace.Locate(st.params.RepoURL)
	if err != nil {
		return err
	}
	st.handle = domain.RepositoryHandle{
		WorkspacePath: p.Workspace.Path,
		RepoPath:      repoPath,
		BranchName:    st.params.BranchName,
	}
	return nil
}

func (p *Pipeline) prepareBranch(ctx context.Context, st *run) error {
	st.report(stepLabel(2, "Preparing git branch and identity..."))
	repo, err := p.openRepo(st.handle.RepoPath)
	if err != nil {
		return err
	}
	st.repo = repo
	if cur, err := repo.CurrentBranch(); err == nil {
		st.handle.OriginalBranch = cur
	}
	if err := repo.CheckoutBranch(ctx, st.params.BranchName); err != nil {
		return err
	}
	head, err := repo.Head()
	if err != nil {
		return err
	}
	st.log.Command([]string{"git", "checkout", "-B", st.params.BranchName}, "HEAD is now at "+shortSHA(head))
	id := p.identity()
	if err := repo.ConfigureIdentity(id.Name, id.Email); err != nil {
		return err
	}
	st.log.Command([]string{"git", "config", "user.name", id.Name}, "")
	st.log.Command([]string{"git", "config", "user.email", id.Email}, "")
	return nil
}

// analyze reads the build descriptors the recommendation needs. pom.xml is always present in
// the snapshot, empty when missing; gradle scripts only when they exist.
func (p *Pipeline) analyze(st *run) map[string]string {
	files := map[string]string{}
	for _, name := range projectFiles {
		data, err := os.ReadFile(filepath.Join(st.handle.RepoPath, name))
		switch {
		case err == nil:
			files[name] = string(data)
		case name == "pom.xml":
			files[name] = ""
		}
	}
	return files
}

func (p *Pipeline) recommend(ctx context.Context, st *run, files map[string]string) error {
	raw := recommend.EmptyResponse
	if p.Recommender != nil {
		out, err := p.Recommender.Recommend(ctx, st.params.Goal, files)
		if err != nil {
			p.logger().Warn("recommendation call failed", zap.Error(err))
			st.log.Addf("FAILED RECOMMEND: %s", firstLine(err.Error()))
		} else {
			raw = out
		}
	}
	st.rawAI = raw
	st.log.Command([]string{"ai_recommend"}, raw)

	suggested, err := recommend.Parse(raw)
	if err != nil {
		p.logger().Warn("failed to parse recommendation", zap.Error(err))
		st.log.Addf("FAILED PARSE: %s", firstLine(err.Error()))
		suggested = nil
	}
	injected := recipe.Fallbacks(st.params.Goal, suggested)
	for _, r := range injected {
		st.log.Addf("INJECTED: %s with version=%s", r.ID, r.Options["version"])
	}
	st.requests = append(injected, suggested...)
	if len(st.requests) == 0 {
		return &NoTransformationsFoundError{Raw: raw}
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
