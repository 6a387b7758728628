package modcli

import (
	"regexp"
	"strconv"
	"strings"

	"fixline/internal/domain"
)

// The mod CLI only reports run results as text. Everything that depends on its output shape
// lives in this file.

var (
	fixPatchPattern = regexp.MustCompile(`/run/([A-Za-z0-9-]+)/fix\.patch`)
	appliedPattern  = regexp.MustCompile(`Applied patches to (\d+) repositor`)
)

const searchPatchMarker = "search.patch"

// ClassifyRun decides what a `mod run` produced. A non-nil err from the run is a Failed outcome
// regardless of output.
func ClassifyRun(output string, err error) domain.RunOutcome {
	if err != nil {
		return domain.RunOutcome{Kind: domain.Failed, Err: err}
	}
	if m := fixPatchPattern.FindStringSubmatch(output); m != nil {
		return domain.RunOutcome{Kind: domain.Applied, RunID: m[1]}
	}
	if strings.Contains(output, searchPatchMarker) {
		return domain.RunOutcome{Kind: domain.SearchOnly}
	}
	return domain.RunOutcome{Kind: domain.NoChange}
}

// AppliedRepositories extracts the repository count from `mod git apply` output. ok is false
// when the output does not carry a count.
func AppliedRepositories(output string) (n int, ok bool) {
	m := appliedPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
