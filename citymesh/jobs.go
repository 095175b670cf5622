package citymesh

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job states.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job is one asynchronous coverage or texture run.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	BuildingID string    `json:"bldid,omitempty"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	Result     string    `json:"result,omitempty"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
}

// JobTracker tracks asynchronous jobs for the HTTP endpoints. Finished
// jobs are kept until the tracker reaches its limit, then the oldest
// are evicted.
type JobTracker struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	limit int
}

// NewJobTracker creates a tracker that retains up to limit jobs.
// A non-positive limit falls back to 256.
func NewJobTracker(limit int) *JobTracker {
	if limit <= 0 {
		limit = 256
	}
	return &JobTracker{
		jobs:  make(map[string]*Job),
		limit: limit,
	}
}

// Create registers a new pending job and returns a snapshot of it.
func (t *JobTracker) Create(kind, buildingID string) Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		BuildingID: buildingID,
		State:      JobPending,
		Created:    now,
		Updated:    now,
	}
	t.jobs[job.ID] = job
	t.order = append(t.order, job.ID)

	for len(t.order) > t.limit {
		delete(t.jobs, t.order[0])
		t.order = t.order[1:]
	}
	return *job
}

// SetRunning marks a job as started.
func (t *JobTracker) SetRunning(id string) {
	t.update(id, func(j *Job) {
		j.State = JobRunning
	})
}

// Complete marks a job as finished, recording where its output went.
func (t *JobTracker) Complete(id, result string) {
	t.update(id, func(j *Job) {
		j.State = JobDone
		j.Result = result
	})
}

// Fail marks a job as failed.
func (t *JobTracker) Fail(id string, err error) {
	t.update(id, func(j *Job) {
		j.State = JobFailed
		if err != nil {
			j.Error = err.Error()
		}
	})
}

func (t *JobTracker) update(id string, fn func(*Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job, ok := t.jobs[id]; ok {
		fn(job)
		job.Updated = time.Now()
	}
}

// Get returns a snapshot of one job.
func (t *JobTracker) Get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if job, ok := t.jobs[id]; ok {
		return *job, true
	}
	return Job{}, false
}

// List returns snapshots of all retained jobs, newest first.
func (t *JobTracker) List() []Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Job, 0, len(t.order))
	for _, id := range t.order {
		if job, ok := t.jobs[id]; ok {
			out = append(out, *job)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	return out
}
