package repository

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/crankbench/crank/internal/agent/job"
)

// JobRepository is the in-memory store of the jobs of one agent. Lookups and inserts of unrelated
// jobs never contend on a shared lock.
type JobRepository interface {
	Add(j *job.Job) (int, error)
	Find(id int) *job.Job
	Remove(id int) bool
	GetAll() []*job.Job
	Count() int
}

type InMemoryJobRepository struct {
	jobs   sync.Map
	lastId atomic.Int64
	count  atomic.Int64
}

func NewInMemoryJobRepository() *InMemoryJobRepository {
	return &InMemoryJobRepository{}
}

// Add assigns the next id to j and stores it.
func (r *InMemoryJobRepository) Add(j *job.Job) (int, error) {
	id := int(r.lastId.Add(1))
	if err := j.AssignId(id); err != nil {
		return 0, err
	}
	r.jobs.Store(id, j)
	r.count.Add(1)
	return id, nil
}

// Find returns nil when no job has the given id.
func (r *InMemoryJobRepository) Find(id int) *job.Job {
	value, ok := r.jobs.Load(id)
	if !ok {
		return nil
	}
	return value.(*job.Job)
}

func (r *InMemoryJobRepository) Remove(id int) bool {
	_, loaded := r.jobs.LoadAndDelete(id)
	if loaded {
		r.count.Add(-1)
	}
	return loaded
}

// GetAll returns the stored jobs ordered by id.
func (r *InMemoryJobRepository) GetAll() []*job.Job {
	var jobs []*job.Job
	r.jobs.Range(func(_, value any) bool {
		jobs = append(jobs, value.(*job.Job))
		return true
	})
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].Id() < jobs[k].Id()
	})
	return jobs
}

func (r *InMemoryJobRepository) Count() int {
	return int(r.count.Load())
}
