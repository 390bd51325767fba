package demand

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"edition-publisher/internal/models"
)

const gen = "sys_OnDemandEditionContentList"

func TestValidateRequiresGenerator(t *testing.T) {
	ed := models.Edition{ID: 1, ContentLists: []models.EditionContentList{{Name: "nav", Generator: "sys_Selective"}}}
	err := Validate(ed, gen)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Empty(t, cfgErr.ContentList)
}

func TestValidateSingleListNeedsNoFlag(t *testing.T) {
	ed := models.Edition{ID: 1, ContentLists: []models.EditionContentList{{Name: "od", Generator: gen, Sequence: 1}}}
	require.NoError(t, Validate(ed, gen))
}

func TestValidateEarlierListMarkedLast(t *testing.T) {
	ed := models.Edition{ID: 1, ContentLists: []models.EditionContentList{
		{Name: "od_second", Generator: gen, Sequence: 2},
		{Name: "od_first", Generator: gen, Sequence: 1, LastOnDemand: true},
	}}
	err := Validate(ed, gen)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "od_first", cfgErr.ContentList)
	require.Contains(t, err.Error(), "od_first")
}

func TestValidateLastListNotMarked(t *testing.T) {
	ed := models.Edition{ID: 1, ContentLists: []models.EditionContentList{
		{Name: "od_first", Generator: gen, Sequence: 1},
		{Name: "od_second", Generator: gen, Sequence: 2},
	}}
	var cfgErr *ConfigError
	require.True(t, errors.As(Validate(ed, gen), &cfgErr))
	require.Equal(t, "od_second", cfgErr.ContentList)
}

func TestValidateOnlyLastMarked(t *testing.T) {
	ed := models.Edition{ID: 1, ContentLists: []models.EditionContentList{
		{Name: "od_first", Generator: gen, Sequence: 1},
		{Name: "other", Generator: "sys_Selective", Sequence: 2, LastOnDemand: true},
		{Name: "od_second", Generator: gen, Sequence: 3, LastOnDemand: true},
	}}
	require.NoError(t, Validate(ed, gen))
}

func exerciseQueue(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(ctx, models.DemandWork{
			RequestID: string(rune('a' + i)),
			EditionID: 1,
			Items:     []models.DemandItem{{ContentID: int64(i)}},
		}))
	}
	require.NoError(t, q.Push(ctx, models.DemandWork{RequestID: "z", EditionID: 2}))

	depth, err := q.Depth(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), depth)

	work, err := q.DrainAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, work, 3)
	require.Equal(t, "a", work[0].RequestID)
	require.Equal(t, "c", work[2].RequestID)
	require.Equal(t, int64(2), work[2].Items[0].ContentID)

	again, err := q.DrainAll(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, again)

	other, err := q.DrainAll(ctx, 2)
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestMemoryQueue(t *testing.T) {
	exerciseQueue(t, NewMemoryQueue())
}

func TestRedisQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	exerciseQueue(t, NewRedisQueue(client, ""))
}

func TestConcurrentPushAndDrainLosesNothing(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				_ = q.Push(ctx, models.DemandWork{EditionID: 9})
			}
		}()
	}

	var mu sync.Mutex
	total := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			work, _ := q.DrainAll(ctx, 9)
			mu.Lock()
			total += len(work)
			n := total
			mu.Unlock()
			if n == 400 {
				return
			}
		}
	}()
	wg.Wait()
	<-done
	require.Equal(t, 400, total)
}

func TestTrackerClaim(t *testing.T) {
	tr := NewTracker()
	req := tr.NewRequest(4)
	require.NotEmpty(t, req.ID)

	got, ok := tr.Get(req.ID)
	require.True(t, ok)
	require.Zero(t, got.JobID)

	tr.Claim(req.ID, 77)
	got, _ = tr.Get(req.ID)
	require.Equal(t, int64(77), got.JobID)

	tr.Claim("unknown", 1)
	_, ok = tr.Get("unknown")
	require.False(t, ok)

	require.Equal(t, 1, tr.Forget(77))
	_, ok = tr.Get(req.ID)
	require.False(t, ok)
}
