package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"otto/internal/storage"
)

// memRepo mirrors the SQLite predicates closely enough for tick tests.
type memRepo struct {
	mu       sync.Mutex
	jobs     map[string]*storage.Job
	runs     map[string]*storage.JobRun
	seq      int
	releases int
	listErr  error
}

func newMemRepo(jobs ...storage.Job) *memRepo {
	r := &memRepo{jobs: map[string]*storage.Job{}, runs: map[string]*storage.JobRun{}}
	for i := range jobs {
		j := jobs[i]
		if j.Status == "" {
			j.Status = storage.JobScheduled
		}
		r.jobs[j.ID] = &j
	}
	return r
}

func eligible(j *storage.Job, now time.Time) bool {
	return j.Status == storage.JobScheduled &&
		!j.ScheduledFor.After(now) &&
		(j.LockOwner == "" || j.LockExpiresAt.Before(now))
}

func (r *memRepo) ListEligibleJobs(_ context.Context, now time.Time, limit int) ([]storage.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []storage.Job
	for _, j := range r.jobs {
		if eligible(j, now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].ScheduledFor.Equal(out[b].ScheduledFor) {
			return out[a].ScheduledFor.Before(out[b].ScheduledFor)
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ClaimLease(_ context.Context, jobID, owner string, now, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || !eligible(j, now) {
		return false, nil
	}
	j.LockOwner, j.LockExpiresAt = owner, expiresAt
	return true, nil
}

func (r *memRepo) ReleaseLease(_ context.Context, jobID, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
	j, ok := r.jobs[jobID]
	if !ok || j.LockOwner != owner {
		return false, nil
	}
	j.LockOwner, j.LockExpiresAt = "", time.Time{}
	return true, nil
}

func (r *memRepo) StartRun(_ context.Context, jobID, owner string) (storage.JobRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return storage.JobRun{}, storage.ErrNotFound
	}
	if j.LockOwner != owner {
		return storage.JobRun{}, storage.ErrStateConflict
	}
	r.seq++
	run := &storage.JobRun{
		ID:           fmt.Sprintf("run-%d", r.seq),
		JobID:        jobID,
		ScheduledFor: j.ScheduledFor,
		Status:       storage.RunRunning,
	}
	r.runs[run.ID] = run
	return *run, nil
}

func (r *memRepo) FinishRun(_ context.Context, runID, owner string, outcome storage.RunOutcome, next storage.JobAdvance) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return false, storage.ErrNotFound
	}
	if run.Status != storage.RunRunning {
		return false, storage.ErrStateConflict
	}
	run.Status = outcome.Status
	run.ErrorCode = outcome.ErrorCode
	run.ErrorMessage = outcome.ErrorMessage
	run.Result = outcome.Result

	j := r.jobs[run.JobID]
	if j == nil || j.LockOwner != owner || j.Status != storage.JobScheduled {
		return false, nil
	}
	j.Status = next.Status
	if !next.ScheduledFor.IsZero() {
		j.ScheduledFor = next.ScheduledFor
	}
	j.LockOwner, j.LockExpiresAt = "", time.Time{}
	return true, nil
}

func (r *memRepo) job(id string) storage.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.jobs[id]
}

// runsFor returns the runs of a job in creation order.
func (r *memRepo) runsFor(jobID string) []storage.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.JobRun
	for _, run := range r.runs {
		if run.JobID == jobID {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}
