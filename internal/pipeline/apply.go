package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fixline/internal/command"
	"fixline/internal/domain"
	"fixline/internal/modcli"
	"fixline/internal/recipe"
	"fixline/internal/vcs"
)

// outcome is what happened to one requested recipe inside the apply loop.
type outcome int

const (
	outcomeFiltered outcome = iota
	outcomeRunFailed
	outcomeSearchOnly
	outcomeNoChange
	outcomeNotApplied
	outcomeNoNetChange
	outcomeCommitted
	outcomeRolledBack
)

func (o outcome) String() string {
	switch o {
	case outcomeFiltered:
		return "filtered"
	case outcomeRunFailed:
		return "run_failed"
	case outcomeSearchOnly:
		return "search_only"
	case outcomeNoChange:
		return "no_change"
	case outcomeNotApplied:
		return "not_applied"
	case outcomeNoNetChange:
		return "no_net_change"
	case outcomeCommitted:
		return "committed"
	case outcomeRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// record is the fate of one request, kept for the summary.
type record struct {
	Request domain.TransformationRequest
	Outcome outcome
	RunID   string
	Commit  string
	Detail  string
}

func (r *run) survivors() int {
	n := 0
	for _, rec := range r.records {
		if rec.Outcome == outcomeCommitted {
			n++
		}
	}
	return n
}

func (p *Pipeline) applyAll(ctx context.Context, st *run) error {
	total := len(st.requests)
	st.report(stepLabel(6, fmt.Sprintf("Running %d recipes...", total)))
	for i, req := range st.requests {
		rec, err := p.applyOne(ctx, st, i, req)
		if err != nil {
			return err
		}
		st.records = append(st.records, rec)
		if p.Metrics != nil {
			p.Metrics.Transformations.WithLabelValues(rec.Outcome.String()).Inc()
		}
	}
	return nil
}

// applyOne walks one request through filter, normalise, run, classify, apply, stage, commit
// and verify. Only errors that leave the checkout in an unknown state are returned; every
// other failure is recorded and the loop moves on.
func (p *Pipeline) applyOne(ctx context.Context, st *run, i int, req domain.TransformationRequest) (record, error) {
	rec := record{Request: req}
	total := len(st.requests)
	id := req.ID

	if recipe.IsRedundant(id, st.requests) {
		st.log.Addf("FILTERED: Skipping %s as it is redundant", id)
		rec.Outcome = outcomeFiltered
		return rec, nil
	}
	if resolved := recipe.Resolve(id); resolved != id {
		st.log.Addf("ALIASED: %s -> %s", id, resolved)
		id = resolved
	}

	st.report(fmt.Sprintf("Step 6.%d/%d: Running %s...", i+1, total, id))
	options := recipe.Normalize(id, req.Options)

	out, err := p.Mod.Run(ctx, st.handle.WorkspacePath, id, options)
	runOutcome := modcli.ClassifyRun(out, err)
	if runOutcome.Kind == domain.Failed {
		summary := firstLine(runOutcome.Err.Error())
		var cmdErr *command.CommandError
		if errors.As(runOutcome.Err, &cmdErr) {
			summary = cmdErr.Summary()
		}
		p.logger().Warn("recipe run failed", zap.String("recipe", id), zap.String("error", summary))
		st.log.Addf("FAILED RUN: %s (%s)", id, summary)
		rec.Outcome, rec.Detail = outcomeRunFailed, summary
		return rec, nil
	}
	st.log.Command([]string{"mod", "run", id}, out)

	switch runOutcome.Kind {
	case domain.SearchOnly:
		st.log.Addf("SKIPPED: %s produced SEARCH results only", id)
		rec.Outcome, rec.Detail = outcomeSearchOnly, "search results only"
		return rec, nil
	case domain.NoChange:
		st.log.Addf("SKIPPED: %s produced no code changes", id)
		rec.Outcome, rec.Detail = outcomeNoChange, "no code changes"
		return rec, nil
	}
	rec.RunID = runOutcome.RunID

	applyOut, err := p.Mod.Apply(ctx, st.handle.WorkspacePath, rec.RunID, st.handle.RepoPath)
	if err != nil {
		return rec, &StepError{Step: "apply " + id, Err: err}
	}
	st.log.Command([]string{"mod", "git", "apply", "--recipe-run", rec.RunID, st.handle.RepoPath}, applyOut)
	if n, ok := modcli.AppliedRepositories(applyOut); ok && n == 0 {
		st.log.Addf("SKIPPED APPLY: CLI reports 0 repositories updated for %s", id)
		rec.Outcome, rec.Detail = outcomeNotApplied, "patch applied to 0 repositories"
		return rec, nil
	}

	excludes := p.excludes()
	skipped, err := st.repo.StageAll(excludes)
	if err != nil {
		return rec, &StepError{Step: "stage " + id, Err: err}
	}
	var stageOut string
	if len(skipped) > 0 {
		stageOut = "not staged: " + strings.Join(skipped, ", ")
	}
	st.log.Command(append([]string{"git", "add", "-A", "--", "."}, excludeSpecs(excludes)...), stageOut)

	staged, err := st.repo.HasStagedChanges()
	if err != nil {
		return rec, &StepError{Step: "diff " + id, Err: err}
	}
	if !staged {
		st.log.Addf("SKIPPED COMMIT: No net changes for %s", id)
		rec.Outcome, rec.Detail = outcomeNoNetChange, "no net changes"
		return rec, nil
	}

	msg := commitPrefix + "Applied " + id
	sha, err := st.repo.Commit(msg)
	if err != nil {
		return rec, &StepError{Step: "commit " + id, Err: err}
	}
	rec.Commit = sha
	st.log.Command([]string{"git", "commit", "-m", msg}, sha)
	st.log.Addf("APPLIED AND COMMITTED: %s (Run %s)", id, rec.RunID)

	st.report(fmt.Sprintf("Step 6.%d.refresh: Refreshing LST after %s...", i+1, id))
	buildOut, err := p.Mod.Build(ctx, st.handle.WorkspacePath)
	if err != nil {
		verr := &BuildVerificationError{Recipe: id, Err: err}
		summary := firstLine(err.Error())
		p.logger().Warn("rebuild failed, rolling back", zap.String("recipe", id), zap.Error(verr))
		st.log.Addf("FAILED BUILD: ROLLBACK: %s broke the build. Reverting changes. (%s)", id, summary)
		if err := st.repo.ResetToParent(); err != nil {
			return rec, &StepError{Step: "rollback " + id, Err: errors.Join(verr, err)}
		}
		resetArgs := []string{"git", "reset", "--hard", "HEAD~1"}
		if head, err := st.repo.Head(); err != nil {
			p.logger().Warn("read HEAD after rollback", zap.String("recipe", id), zap.Error(err))
			st.log.Command(resetArgs, "HEAD unknown: "+err.Error())
		} else {
			st.log.Command(resetArgs, "HEAD is now at "+shortSHA(head))
		}
		rec.Outcome, rec.Detail = outcomeRolledBack, summary
		p.restoreBuild(ctx, st, id)
		return rec, nil
	}
	st.log.Command([]string{"mod", "build (refresh)"}, buildOut)
	rec.Outcome = outcomeCommitted
	return rec, nil
}

// restoreBuild rebuilds the LST for the commit a rollback landed on so the next recipe does not
// run against the rejected tree. A failure here is logged and the loop carries on.
func (p *Pipeline) restoreBuild(ctx context.Context, st *run, id string) {
	out, err := p.Mod.Build(ctx, st.handle.WorkspacePath)
	if err != nil {
		p.logger().Warn("rebuild after rollback failed", zap.String("recipe", id), zap.Error(err))
		st.log.Addf("FAILED BUILD: LST refresh after rolling back %s failed (%s)", id, firstLine(err.Error()))
		return
	}
	st.log.Command([]string{"mod", "build (restore)"}, out)
}

func excludeSpecs(excludes []string) []string {
	specs := make([]string, 0, len(excludes))
	for _, ex := range excludes {
		specs = append(specs, ":(exclude)"+ex)
	}
	return specs
}

var _ Repository = (*vcs.Repository)(nil)
