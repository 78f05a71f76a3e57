package managedtask

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()

	a, err := store.Create(ctx, "sess-1", CreateInput{Subject: "first"})
	require.NoError(t, err)
	require.Equal(t, "1", a.ID)
	require.Equal(t, StatusPending, a.Status)

	b, err := store.Create(ctx, "sess-1", CreateInput{Subject: "second"})
	require.NoError(t, err)
	require.Equal(t, "2", b.ID)
}

func TestCreateConcurrentIDsAreUnique(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := store.Create(ctx, "sess-concurrent", CreateInput{Subject: "t"})
			require.NoError(t, err)
			ids[i] = task.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
}

func TestStatusTransitions(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()
	task, err := store.Create(ctx, "sess-2", CreateInput{Subject: "work"})
	require.NoError(t, err)

	inProgress := StatusInProgress
	_, err = store.Update(ctx, "sess-2", task.ID, UpdateInput{Status: &inProgress})
	require.NoError(t, err)

	pending := StatusPending
	_, err = store.Update(ctx, "sess-2", task.ID, UpdateInput{Status: &pending})
	require.ErrorIs(t, err, ErrInvalidTransition)

	completed := StatusCompleted
	got, err := store.Update(ctx, "sess-2", task.ID, UpdateInput{Status: &completed})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestDeleteClearsDependencyReferences(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()
	a, _ := store.Create(ctx, "sess-3", CreateInput{Subject: "a"})
	b, _ := store.Create(ctx, "sess-3", CreateInput{Subject: "b"})

	_, err := store.Update(ctx, "sess-3", a.ID, UpdateInput{AddBlockedBy: []string{b.ID}})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "sess-3", b.ID))

	got, err := store.Get(ctx, "sess-3", a.ID)
	require.NoError(t, err)
	require.Empty(t, got.BlockedBy)
}

func TestSelfAndCircularDependencyRejected(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()
	a, _ := store.Create(ctx, "sess-4", CreateInput{Subject: "a"})
	b, _ := store.Create(ctx, "sess-4", CreateInput{Subject: "b"})

	_, err := store.Update(ctx, "sess-4", a.ID, UpdateInput{AddBlocks: []string{a.ID}})
	require.ErrorIs(t, err, ErrSelfDependency)

	_, err = store.Update(ctx, "sess-4", a.ID, UpdateInput{AddBlocks: []string{b.ID}})
	require.NoError(t, err)

	_, err = store.Update(ctx, "sess-4", b.ID, UpdateInput{AddBlocks: []string{a.ID}})
	require.ErrorIs(t, err, ErrCircularDependency)
}

func TestListSortedByNumericID(t *testing.T) {
	store := NewInMemStore()
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := store.Create(ctx, "sess-5", CreateInput{Subject: "t"})
		require.NoError(t, err)
	}
	list, err := store.List(ctx, "sess-5")
	require.NoError(t, err)
	require.Len(t, list, 12)
	for i, task := range list {
		require.Equal(t, itoaHelper(i+1), task.ID)
	}
}

func itoaHelper(n int) string {
	return strconv.FormatInt(int64(n), 10)
}
