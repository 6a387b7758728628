package fixlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndWait(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v0/automations":
			var req AutomationRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Upgrade to Java 17", req.Goal)
			assert.Nil(t, req.ForceClean)
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"job_id":"j1","status":"PENDING","message":"Automation started in background. Job ID: j1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v0/jobs/j1":
			status := StatusRunning
			if polls.Add(1) >= 3 {
				status = StatusCompleted
			}
			_ = json.NewEncoder(w).Encode(Job{ID: "j1", Status: status, Result: &Result{Status: "SUCCESS", Branch: "fix/java17"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	sub, err := c.SubmitAutomation(context.Background(), AutomationRequest{
		RepoURL:    "https://github.com/acme/app.git",
		Goal:       "Upgrade to Java 17",
		BranchName: "fix/java17",
	})
	require.NoError(t, err)
	assert.Equal(t, "j1", sub.JobID)

	job, err := c.WaitJob(context.Background(), sub.JobID, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "fix/java17", job.Result.Branch)
	assert.EqualValues(t, 3, polls.Load())
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"Job ID not found","details":{"job_id":"x"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	_, err := c.GetJob(context.Background(), "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "Job ID not found", apiErr.Message)
}

func TestWaitJobHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Job{ID: "j1", Status: StatusRunning})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	job, err := New(srv.URL).WaitJob(ctx, "j1", 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusRunning, job.Status)
}

func TestQueryEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/recipes":
			assert.Equal(t, "java 17", r.URL.Query().Get("query"))
			_, _ = w.Write([]byte(`{"items":[{"id":"org.openrewrite.java.migrate.UpgradeToJava17"}]}`))
		case "/v0/jobs/j1/events":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			assert.Equal(t, "7", r.URL.Query().Get("cursor"))
			_, _ = w.Write([]byte(`{"items":[{"id":8,"type":"job.completed","job_id":"j1","payload":{"status":"COMPLETED"}}],"next_cursor":""}`))
		case "/v0/recipe-runs":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "org.openrewrite.java.RemoveUnusedImports", body["recipe_id"])
			assert.NotContains(t, body, "options")
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"job_id":"j2","status":"PENDING"}`))
		case "/v0/workspace":
			assert.Equal(t, http.MethodDelete, r.Method)
			_, _ = w.Write([]byte(`{"message":"Workspace was already empty."}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := New(srv.URL)
	ctx := context.Background()

	recipes, err := c.ListRecipes(ctx, "java 17")
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, "org.openrewrite.java.migrate.UpgradeToJava17", recipes[0].ID)

	page, err := c.JobEvents(ctx, "j1", 2, "7")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "COMPLETED", page.Items[0].Payload["status"])

	sub, err := c.SubmitRecipeRun(ctx, "org.openrewrite.java.RemoveUnusedImports", nil)
	require.NoError(t, err)
	assert.Equal(t, "j2", sub.JobID)

	msg, err := c.ClearWorkspace(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Workspace was already empty.", msg)
}
