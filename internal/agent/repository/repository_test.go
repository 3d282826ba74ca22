package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbench/crank/internal/agent/job"
	"github.com/crankbench/crank/internal/common/util"
)

func newJob() *job.Job {
	return job.NewJob(job.Definition{Executable: "/bin/true"}, util.NewDummyClock(time.Now()))
}

func TestFind_UnknownIdReturnsNil(t *testing.T) {
	r := NewInMemoryJobRepository()
	assert.Nil(t, r.Find(42))
}

func TestAdd_AssignsIncreasingIds(t *testing.T) {
	r := NewInMemoryJobRepository()
	first, err := r.Add(newJob())
	require.NoError(t, err)
	second, err := r.Add(newJob())
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, second, r.Find(second).Id())
}

func TestAdd_RejectsJobWithId(t *testing.T) {
	r := NewInMemoryJobRepository()
	j := newJob()
	_, err := r.Add(j)
	require.NoError(t, err)

	_, err = r.Add(j)
	assert.Error(t, err)
	assert.Equal(t, 1, r.Count())
}

func TestRemove(t *testing.T) {
	r := NewInMemoryJobRepository()
	id, _ := r.Add(newJob())

	assert.True(t, r.Remove(id))
	assert.False(t, r.Remove(id))
	assert.Nil(t, r.Find(id))
	assert.Equal(t, 0, r.Count())
}

func TestConcurrentAddFindRemove_LosesNothing(t *testing.T) {
	r := NewInMemoryJobRepository()
	const workers = 16
	const perWorker = 200

	ids := make(chan int, workers*perWorker)
	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := r.Add(newJob())
				if err != nil {
					t.Error(err)
					return
				}
				if r.Find(id) == nil {
					t.Errorf("job %d not found right after add", id)
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, workers*perWorker, r.Count())
	assert.Len(t, r.GetAll(), workers*perWorker)

	removers := sync.WaitGroup{}
	for id := range seen {
		removers.Add(1)
		go func(id int) {
			defer removers.Done()
			r.Remove(id)
		}(id)
	}
	removers.Wait()
	assert.Equal(t, 0, r.Count())
}

func TestGetAll_SortedById(t *testing.T) {
	r := NewInMemoryJobRepository()
	for i := 0; i < 5; i++ {
		_, _ = r.Add(newJob())
	}
	all := r.GetAll()
	for i := range all {
		assert.Equal(t, i+1, all[i].Id())
	}
}
