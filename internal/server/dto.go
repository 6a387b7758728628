package server

import (
	"encoding/json"

	"fixline/internal/domain"
)

// Request payloads

type AutomationRequest struct {
	RepoURL      string `json:"repo_url" example:"https://github.com/acme/app.git"`
	Goal         string `json:"goal" example:"Upgrade to Java 17"`
	BranchName   string `json:"branch_name" example:"fix/java17"`
	SourceBranch string `json:"source_branch,omitempty" example:"main"`
	ForceClean   *bool  `json:"force_clean,omitempty"`
}

type RecipeRunRequest struct {
	RecipeID string            `json:"recipe_id" example:"org.openrewrite.java.RemoveUnusedImports"`
	Options  map[string]string `json:"options,omitempty"`
}

// Responses

type SubmitResponse struct {
	JobID   string           `json:"job_id"`
	Status  domain.JobStatus `json:"status"`
	Message string           `json:"message"`
}

func submitted(id, what string) SubmitResponse {
	return SubmitResponse{JobID: id, Status: domain.JobPending, Message: what + " Job ID: " + id}
}

type JobListResponse struct {
	Items []domain.Job `json:"items"`
}

type RecipeListResponse struct {
	Items []domain.Recipe `json:"items"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	ActorID    string          `json:"actor_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	resp := EventResponse{
		ID:      evt.ID,
		TS:      evt.TS,
		Type:    evt.Type,
		JobID:   evt.JobID,
		ActorID: evt.ActorID,
		Payload: json.RawMessage("{}"),
	}
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			resp.Payload = json.RawMessage(evt.Payload)
		} else {
			resp.PayloadRaw = evt.Payload
		}
	}
	return resp
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func nonNilJobs(items []domain.Job) []domain.Job {
	if items == nil {
		return []domain.Job{}
	}
	return items
}

func nonNilRecipes(items []domain.Recipe) []domain.Recipe {
	if items == nil {
		return []domain.Recipe{}
	}
	return items
}
