package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edition-publisher/internal/job"
	"edition-publisher/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newJob(id, editionID, siteID int64, clock *fakeClock) *job.Job {
	ed := models.Edition{ID: editionID, SiteID: siteID, Destination: "fs"}
	return job.New(id, ed, job.Deps{Now: clock.Now})
}

func TestClaimIsExclusivePerEdition(t *testing.T) {
	r := New(time.Minute, nil)
	require.NoError(t, r.Claim(1, 100))
	require.ErrorIs(t, r.Claim(1, 101), ErrEditionActive)
	require.NoError(t, r.Claim(2, 101))
	require.Equal(t, int64(100), r.EditionJob(1))

	r.Release(1, 999)
	require.Equal(t, int64(100), r.EditionJob(1), "release by a non-holder is ignored")

	r.Release(1, 100)
	require.Zero(t, r.EditionJob(1))
	require.NoError(t, r.Claim(1, 102))
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	r := New(time.Minute, nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if r.Claim(7, id) == nil {
				wins.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

func TestLookupsAndRemove(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := New(time.Minute, clock.Now)
	j := newJob(5, 50, 1, clock)
	require.NoError(t, r.Claim(50, 5))
	r.Add(j)

	got, ok := r.Get(5)
	require.True(t, ok)
	require.Same(t, j, got)
	ed, ok := r.JobEdition(5)
	require.True(t, ok)
	require.Equal(t, int64(50), ed)

	require.True(t, r.Remove(5))
	require.False(t, r.Remove(5))
	_, ok = r.JobEdition(5)
	require.False(t, ok)
	require.Zero(t, r.EditionJob(50))
}

func TestJobIDsFilterBySite(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := New(time.Minute, clock.Now)
	r.Add(newJob(3, 30, 1, clock))
	r.Add(newJob(1, 10, 2, clock))
	r.Add(newJob(2, 20, 1, clock))

	require.Equal(t, []int64{1, 2, 3}, r.JobIDs(0))
	require.Equal(t, []int64{2, 3}, r.JobIDs(1))
}

func TestReapAfterReapTime(t *testing.T) {
	const reapTime = 10 * time.Minute
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := New(reapTime, clock.Now)

	finished := newJob(1, 10, 1, clock)
	running := newJob(2, 20, 1, clock)
	require.NoError(t, r.Claim(10, 1))
	require.NoError(t, r.Claim(20, 2))
	r.Add(finished)
	r.Add(running)
	finished.Cancel(models.JobCancelled, "")

	clock.Advance(reapTime - time.Second)
	require.Equal(t, []int64{1, 2}, r.JobIDs(0))

	clock.Advance(2 * time.Second)
	require.Equal(t, []int64{2}, r.JobIDs(0))

	clock.Advance(24 * time.Hour)
	require.Equal(t, []int64{2}, r.JobIDs(0), "running jobs are never reaped")
}

func TestRegisterMakesJobVisibleBeforeEdition(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := New(time.Minute, clock.Now)

	require.NoError(t, r.Register(newJob(1, 10, 1, clock)))
	holder := r.EditionJob(10)
	require.Equal(t, int64(1), holder)
	_, ok := r.Get(holder)
	require.True(t, ok)

	require.ErrorIs(t, r.Register(newJob(2, 10, 1, clock)), ErrEditionActive)
	_, ok = r.Get(2)
	require.False(t, ok, "rejected job is not left behind")
	require.Equal(t, int64(1), r.EditionJob(10))
}

func TestConcurrentRegisterEditionAlwaysResolves(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := New(time.Minute, clock.Now)
	stop := make(chan struct{})
	var misses atomic.Int32
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if id := r.EditionJob(7); id != 0 {
				if _, ok := r.Get(id); !ok {
					misses.Add(1)
				}
			}
		}
	}()

	for id := int64(1); id <= 200; id++ {
		j := newJob(id, 7, 1, clock)
		require.NoError(t, r.Register(j))
		j.Cancel(models.JobCancelled, "")
		r.Release(7, id)
	}
	close(stop)
	readers.Wait()
	require.Zero(t, misses.Load())
}
