package domain

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// rank orders statuses so transitions can be checked for monotonicity.
func (s JobStatus) rank() int {
	switch s {
	case JobPending:
		return 0
	case JobRunning:
		return 1
	case JobCompleted, JobFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a record may move from s to next. Records only move forward
// and never leave a terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Job types.
const (
	JobTypeFullAutomation = "full_automate"
	JobTypeBuild          = "build_lst"
	JobTypeRecipeRun      = "run_recipe"
)

type Job struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    JobStatus         `json:"status" enum:"PENDING,RUNNING,COMPLETED,FAILED"`
	Progress  string            `json:"progress,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Result    *PipelineResult   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
}

// TransformationRequest names one recipe and its options.
type TransformationRequest struct {
	ID            string            `json:"id"`
	Options       map[string]string `json:"options,omitempty"`
	Justification string            `json:"justification,omitempty"`
}

// OutcomeKind classifies what applying one transformation produced.
type OutcomeKind int

const (
	NoChange OutcomeKind = iota
	SearchOnly
	Applied
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case SearchOnly:
		return "search_only"
	case Applied:
		return "applied"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunOutcome is the classified result of one transformation run.
type RunOutcome struct {
	Kind  OutcomeKind
	RunID string
	Err   error
}

// RepositoryHandle locates the checkout a pipeline run owns.
type RepositoryHandle struct {
	WorkspacePath  string `json:"workspace_path"`
	RepoPath       string `json:"repo_path"`
	BranchName     string `json:"branch_name"`
	OriginalBranch string `json:"original_branch"`
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultError   ResultStatus = "ERROR"
)

// PipelineResult is the terminal payload of a job.
type PipelineResult struct {
	Status  ResultStatus `json:"status" enum:"SUCCESS,ERROR"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
	Branch  string       `json:"branch,omitempty"`
	URL     string       `json:"url,omitempty"`
	Output  string       `json:"output,omitempty"`
	Logs    []string     `json:"logs"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	ActorID string `json:"actor_id,omitempty"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Recipe is one entry of the exported recipe catalog.
type Recipe struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}
