package statusbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"edition-publisher/internal/models"
)

func TestDrainPreservesOrder(t *testing.T) {
	b := New(0)
	for i := int64(1); i <= 5; i++ {
		b.Push(models.ItemStatus{ReferenceID: i})
	}

	first := b.Drain(2)
	require.Len(t, first, 2)
	require.Equal(t, int64(1), first[0].ReferenceID)
	require.Equal(t, int64(2), first[1].ReferenceID)

	rest := b.Drain(0)
	require.Len(t, rest, 3)
	require.Equal(t, int64(3), rest[0].ReferenceID)
	require.Zero(t, b.Len())
	require.Nil(t, b.Drain(10))
}

func TestConcurrentProducers(t *testing.T) {
	b := New(0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				b.Push(models.ItemStatus{ReferenceID: int64(w*1000 + i)})
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for batch := b.Drain(300); batch != nil; batch = b.Drain(300) {
		for _, s := range batch {
			seen[s.ReferenceID] = true
		}
	}
	require.Len(t, seen, 2000)
}

func TestReadySignalsAtThreshold(t *testing.T) {
	b := New(3)
	b.Push(models.ItemStatus{ReferenceID: 1})
	b.Push(models.ItemStatus{ReferenceID: 2})
	select {
	case <-b.Ready():
		t.Fatal("signalled below threshold")
	default:
	}

	b.Push(models.ItemStatus{ReferenceID: 3})
	b.Push(models.ItemStatus{ReferenceID: 4})
	select {
	case <-b.Ready():
	default:
		t.Fatal("expected ready signal")
	}
}

func TestRequeueGoesToFront(t *testing.T) {
	b := New(0)
	for i := int64(1); i <= 3; i++ {
		b.Push(models.ItemStatus{ReferenceID: i})
	}
	batch := b.Drain(2)
	b.Push(models.ItemStatus{ReferenceID: 4})
	b.Requeue(batch[1:])

	var refs []int64
	for _, st := range b.Drain(0) {
		refs = append(refs, st.ReferenceID)
	}
	require.Equal(t, []int64{2, 3, 4}, refs)
}
