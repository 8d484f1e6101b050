package cronjob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/gg/gslice"
)

// Backend persists the whole job collection. Load on an empty backend
// returns an empty map and no error. Save must be atomic.
type Backend interface {
	Load(ctx context.Context) (map[string]Job, error)
	Save(ctx context.Context, jobs map[string]Job) error
	// Location describes where jobs live (path or URL), for status output.
	Location() string
	Close() error
}

// Store keeps the job collection in memory and funnels every write to the
// backend through a single writer.
type Store struct {
	backend Backend

	mu     sync.RWMutex
	jobs   map[string]Job // keyed by Job.ID
	loaded bool

	saveMu sync.Mutex
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		jobs:    make(map[string]Job),
	}
}

// Load replaces the in-memory collection with the backend's contents.
func (s *Store) Load(ctx context.Context) error {
	jobs, err := s.backend.Load(ctx)
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	if jobs == nil {
		jobs = make(map[string]Job)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = jobs
	s.loaded = true
	return nil
}

// ensureLoaded loads the backend once, so writes issued before Start never
// clobber persisted jobs.
func (s *Store) ensureLoaded(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	return s.Load(ctx)
}

// Save writes a snapshot of all jobs to the backend.
func (s *Store) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	snapshot := make(map[string]Job, len(s.jobs))
	for id, j := range s.jobs {
		snapshot[id] = j.clone()
	}
	s.mu.RUnlock()

	if err := s.backend.Save(ctx, snapshot); err != nil {
		return &PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// Add inserts a new job. Returns an error if the ID already exists.
func (s *Store) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job already exists: %s", job.ID)
	}
	s.jobs[job.ID] = job.clone()
	return nil
}

// Mutate applies fn to the stored job under the write lock. fn returning
// false deletes the job. The second result is false for unknown ids.
func (s *Store) Mutate(id string, fn func(*Job) (keep bool)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	j = j.clone()
	if !fn(&j) {
		delete(s.jobs, id)
		return j, true
	}
	s.jobs[id] = j
	return j.clone(), true
}

// Remove deletes a job by ID and reports whether it existed.
func (s *Store) Remove(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	delete(s.jobs, jobID)
	return ok
}

// Get returns a job by ID.
func (s *Store) Get(jobID string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// List returns all jobs ordered by next run, then name.
func (s *Store) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	s.mu.RUnlock()

	sortJobs(out)
	return out
}

// ListDue returns enabled jobs whose next run is at or before now, earliest
// first.
func (s *Store) ListDue(now time.Time) []Job {
	s.mu.RLock()
	var due []Job
	for _, j := range s.jobs {
		if j.isDue(now) {
			due = append(due, j.clone())
		}
	}
	s.mu.RUnlock()

	sortJobs(due)
	return due
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) Location() string {
	return s.backend.Location()
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func sortJobs(jobs []Job) {
	gslice.SortBy(jobs, func(x, y Job) bool {
		a, b := x.State.NextRunAtMs, y.State.NextRunAtMs
		// Jobs without a next run sort last.
		if (a == 0) != (b == 0) {
			return b == 0
		}
		if a != b {
			return a < b
		}
		if x.Name != y.Name {
			return x.Name < y.Name
		}
		return x.ID < y.ID
	})
}
