package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// renderSummary lists the recipes that survived verification separately from the ones that were
// rolled back or skipped, so the document matches what the pushed branch contains.
func renderSummary(goal, rawAI string, records []record) string {
	var applied, rolledBack, skipped []string
	for _, rec := range records {
		id := rec.Request.ID
		switch rec.Outcome {
		case outcomeCommitted:
			applied = append(applied, fmt.Sprintf("- %s (run %s, commit %s)", id, rec.RunID, shortSHA(rec.Commit)))
		case outcomeRolledBack:
			rolledBack = append(rolledBack, fmt.Sprintf("- %s: %s", id, rec.Detail))
		default:
			reason := rec.Detail
			if reason == "" {
				reason = rec.Outcome.String()
			}
			skipped = append(skipped, fmt.Sprintf("- %s: %s", id, reason))
		}
	}
	none := func(lines []string) string {
		if len(lines) == 0 {
			return "- none"
		}
		return strings.Join(lines, "\n")
	}

	var b strings.Builder
	b.WriteString("# Fixline Fix Summary\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	fmt.Fprintf(&b, "## Applied Recipes\n%s\n\n", none(applied))
	fmt.Fprintf(&b, "## Rolled Back (broke the build)\n%s\n\n", none(rolledBack))
	fmt.Fprintf(&b, "## Skipped\n%s\n\n", none(skipped))
	fmt.Fprintf(&b, "## AI Analysis\n%s\n", rawAI)
	return b.String()
}

func (p *Pipeline) writeSummary(st *run) error {
	name := p.summaryFile()
	content := renderSummary(st.params.Goal, st.rawAI, st.records)
	if err := os.WriteFile(filepath.Join(st.handle.RepoPath, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := st.repo.StagePaths(name); err != nil {
		return err
	}
	st.log.Command([]string{"git", "add", name}, "")
	staged, err := st.repo.HasStagedChanges()
	if err != nil {
		return err
	}
	if !staged {
		st.log.Addf("SKIPPED COMMIT: %s unchanged", name)
		return nil
	}
	msg := commitPrefix + "Added summary documentation"
	sha, err := st.repo.Commit(msg)
	if err != nil {
		return err
	}
	st.log.Command([]string{"git", "commit", "-m", msg}, sha)
	return nil
}
