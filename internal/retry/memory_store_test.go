package retry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dueTx(t *testing.T, store Store, now time.Time) *Transaction {
	t.Helper()
	tx := NewTransaction(SubjectEscrow, "esc_1", OpRelease, 5, 0, now.Add(-time.Minute))
	require.NoError(t, store.Enqueue(context.Background(), tx))
	return tx
}

func TestMemoryStore_ClaimRace_ExactlyOneWins(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	tx := dueTx(t, store, now)

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := store.Claim(context.Background(), tx.ID, fmt.Sprintf("w%d", i), now)
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestMemoryStore_ClaimNextRace_NoDoubleClaim(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	for i := 0; i < 10; i++ {
		dueTx(t, store, now)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				tx, err := store.ClaimNext(context.Background(), now, fmt.Sprintf("w%d", i))
				if err != nil || tx == nil {
					return
				}
				mu.Lock()
				seen[tx.ID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "transaction %s claimed more than once", id)
	}
}

func TestMemoryStore_ClaimSkipsNotDue(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	future := NewTransaction(SubjectEscrow, "esc_2", OpRefund, 5, time.Hour, now)
	require.NoError(t, store.Enqueue(context.Background(), future))

	ok, err := store.Claim(context.Background(), future.ID, "w1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	claimed, err := store.ClaimNext(context.Background(), now, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestMemoryStore_ClaimNextOrdersByNextAttempt(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	late := NewTransaction(SubjectEscrow, "esc_late", OpRelease, 5, 0, now.Add(-time.Minute))
	early := NewTransaction(SubjectEscrow, "esc_early", OpRelease, 5, 0, now.Add(-time.Hour))
	require.NoError(t, store.Enqueue(context.Background(), late))
	require.NoError(t, store.Enqueue(context.Background(), early))

	claimed, err := store.ClaimNext(context.Background(), now, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "esc_early", claimed.SubjectID)
	assert.Equal(t, "w1", claimed.ClaimID)
	assert.Equal(t, StatusInProgress, claimed.Status)
}

func TestMemoryStore_FinishRequiresClaim(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	tx := dueTx(t, store, now)

	tx.Status = StatusSucceeded
	assert.ErrorIs(t, store.Finish(context.Background(), tx), ErrNotClaimed)

	ok, err := store.Claim(context.Background(), tx.ID, "w1", now)
	require.NoError(t, err)
	require.True(t, ok)

	tx.ClaimID = "w2"
	assert.ErrorIs(t, store.Finish(context.Background(), tx), ErrNotClaimed, "another worker's claim")

	tx.ClaimID = "w1"
	require.NoError(t, store.Finish(context.Background(), tx))
	got, _ := store.Get(context.Background(), tx.ID)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Empty(t, got.ClaimID)
}

func TestMemoryStore_StaleClaimIsFencedAfterRequeue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	tx := dueTx(t, store, now)

	ok, err := store.Claim(ctx, tx.ID, "slow", now)
	require.NoError(t, err)
	require.True(t, ok)

	later := now.Add(20 * time.Minute)
	n, err := store.RequeueStale(ctx, later.Add(-10*time.Minute), later)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	next, err := store.ClaimNext(ctx, later, "fresh")
	require.NoError(t, err)
	require.NotNil(t, next)

	assert.ErrorIs(t, store.Renew(ctx, tx.ID, "slow", later), ErrNotClaimed)
	stale := *next
	stale.ClaimID = "slow"
	stale.Status = StatusSucceeded
	assert.ErrorIs(t, store.Finish(ctx, &stale), ErrNotClaimed)

	require.NoError(t, store.Renew(ctx, tx.ID, "fresh", later))
	next.Status = StatusSucceeded
	require.NoError(t, store.Finish(ctx, next))
}

func TestMemoryStore_HasOpen(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	open, err := store.HasOpen(ctx, SubjectEscrow, "esc_1")
	require.NoError(t, err)
	assert.False(t, open)

	tx := dueTx(t, store, now)
	open, _ = store.HasOpen(ctx, SubjectEscrow, "esc_1")
	assert.True(t, open)
	open, _ = store.HasOpen(ctx, SubjectSplit, "esc_1")
	assert.False(t, open, "subject type is part of the key")

	_, _ = store.Claim(ctx, tx.ID, "w1", now)
	tx.ClaimID = "w1"
	tx.Status = StatusFailedTerminal
	require.NoError(t, store.Finish(ctx, tx))
	open, _ = store.HasOpen(ctx, SubjectEscrow, "esc_1")
	assert.False(t, open)
}

func TestMemoryStore_RequeueStale(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	tx := dueTx(t, store, now)
	claimedAt := now.Add(-time.Minute)
	ok, err := store.Claim(ctx, tx.ID, "w1", claimedAt)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := store.RequeueStale(ctx, claimedAt, now)
	require.NoError(t, err)
	assert.Zero(t, n, "lease not yet expired")

	require.NoError(t, store.Renew(ctx, tx.ID, "w1", claimedAt.Add(30*time.Second)))
	n, err = store.RequeueStale(ctx, claimedAt.Add(10*time.Second), now)
	require.NoError(t, err)
	assert.Zero(t, n, "renewed after the cutoff")

	n, err = store.RequeueStale(ctx, now, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := store.Get(ctx, tx.ID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Empty(t, got.ClaimID)
	assert.Equal(t, now, got.NextAttemptAt)
}

func TestMemoryStore_CountByStatusSplitsRetryable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	dueTx(t, store, now)
	failed := NewTransaction(SubjectEscrow, "esc_3", OpRelease, 5, 0, now)
	failed.AttemptCount = 2
	require.NoError(t, store.Enqueue(ctx, failed))

	stats, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[StatusQueued])
	assert.Equal(t, int64(1), stats[StatusFailedRetryable])
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	tx := dueTx(t, store, time.Now())

	got, _ := store.Get(context.Background(), tx.ID)
	got.Status = StatusSucceeded

	again, _ := store.Get(context.Background(), tx.ID)
	assert.Equal(t, StatusQueued, again.Status)

	_, err := store.Get(context.Background(), "rtx_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
