package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"fixline/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// TransitionError reports a status change the job lifecycle does not allow.
type TransitionError struct {
	JobID string
	From  domain.JobStatus
	To    domain.JobStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid status transition %s -> %s", e.JobID, e.From, e.To)
}

// JobStore holds job records. Implementations synchronise internally; each record is expected
// to have a single writer (the goroutine executing the job) besides the initial Put.
type JobStore interface {
	Put(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	// Update loads the record, applies fn and stores the result atomically.
	Update(ctx context.Context, id string, fn func(*domain.Job) error) (domain.Job, error)
	List(ctx context.Context, limit int) ([]domain.Job, error)
}

// checkTransition rejects updates to terminal records and backward status moves.
func checkTransition(before, after domain.Job) error {
	if before.Status.Terminal() {
		return TransitionError{JobID: before.ID, From: before.Status, To: after.Status}
	}
	if after.Status != before.Status && !before.Status.CanTransition(after.Status) {
		return TransitionError{JobID: before.ID, From: before.Status, To: after.Status}
	}
	return nil
}

// MemoryStore keeps jobs in a map for the lifetime of the process.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]domain.Job)}
}

func (m *MemoryStore) Put(_ context.Context, job domain.Job) error {
	if job.ID == "" {
		return errors.New("job id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrExists)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*domain.Job) error) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	after := cloneJob(before)
	if err := fn(&after); err != nil {
		return before, err
	}
	after.ID = before.ID
	if err := checkTransition(before, after); err != nil {
		return before, err
	}
	m.jobs[id] = after
	return cloneJob(after), nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]domain.Job, error) {
	m.mu.RLock()
	res := make([]domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		res = append(res, cloneJob(j))
	}
	m.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt == res[j].CreatedAt {
			return res[i].ID > res[j].ID
		}
		return res[i].CreatedAt > res[j].CreatedAt
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// cloneJob copies the mutable parts of a record so callers never alias stored state.
func cloneJob(j domain.Job) domain.Job {
	if j.Params != nil {
		params := make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			params[k] = v
		}
		j.Params = params
	}
	if j.Result != nil {
		res := *j.Result
		res.Logs = append([]string(nil), j.Result.Logs...)
		j.Result = &res
	}
	return j
}
