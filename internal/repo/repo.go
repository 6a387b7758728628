package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fixline/internal/domain"
)

// Repo is the sqlite-backed job store. It also serves the job event journal and API keys.
type Repo struct {
	DB *sql.DB
}

var _ JobStore = Repo{}

const jobColumns = `id,type,status,COALESCE(progress,''),params_json,COALESCE(result_json,''),COALESCE(error,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var status, params, result string
	err := row.Scan(&j.ID, &j.Type, &status, &j.Progress, &params, &result, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Status = domain.JobStatus(status)
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return j, fmt.Errorf("decode params for job %s: %w", j.ID, err)
		}
	}
	if result != "" {
		var res domain.PipelineResult
		if err := json.Unmarshal([]byte(result), &res); err != nil {
			return j, fmt.Errorf("decode result for job %s: %w", j.ID, err)
		}
		j.Result = &res
	}
	return j, nil
}

func encodeJob(j domain.Job) (params string, result any, err error) {
	data, err := json.Marshal(j.Params)
	if err != nil {
		return "", nil, fmt.Errorf("encode params: %w", err)
	}
	if j.Result == nil {
		return string(data), nil, nil
	}
	res, err := json.Marshal(j.Result)
	if err != nil {
		return "", nil, fmt.Errorf("encode result: %w", err)
	}
	return string(data), string(res), nil
}

func (r Repo) Put(ctx context.Context, job domain.Job) error {
	if job.ID == "" {
		return errors.New("job id required")
	}
	params, result, err := encodeJob(job)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if job.CreatedAt == "" {
		job.CreatedAt = now
	}
	if job.UpdatedAt == "" {
		job.UpdatedAt = job.CreatedAt
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO jobs(id,type,status,progress,params_json,result_json,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		job.ID, job.Type, string(job.Status), nullable(job.Progress), params, result, nullable(job.Error), job.CreatedAt, job.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("job %s: %w", job.ID, ErrExists)
	}
	return err
}

func (r Repo) Get(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

func (r Repo) Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	before, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return domain.Job{}, err
	}
	after := cloneJob(before)
	if err := fn(&after); err != nil {
		return before, err
	}
	after.ID = before.ID
	if err := checkTransition(before, after); err != nil {
		return before, err
	}
	params, result, err := encodeJob(after)
	if err != nil {
		return before, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, progress=?, params_json=?, result_json=?, error=?, updated_at=? WHERE id=?`,
		string(after.Status), nullable(after.Progress), params, result, nullable(after.Error), after.UpdatedAt, id); err != nil {
		return before, err
	}
	if err := tx.Commit(); err != nil {
		return before, err
	}
	return after, nil
}

func (r Repo) List(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// JobEvents returns the journal of a single job, oldest first. The journal lives in sqlite even
// when jobs themselves are kept in memory, so callers check job existence against their store.
func (r Repo) JobEvents(ctx context.Context, jobID string, limit int) ([]domain.Event, error) {
	return r.EventsAfter(ctx, limit, 0, jobID)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, jobID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,job_id,COALESCE(actor_id,''),payload_json FROM job_events WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JobID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID across all jobs.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM job_events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
