//go:build integration

package split

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custody/internal/testutil"
)

func setupPGStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.DB(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func pgSplit(t *testing.T, store *PostgresStore, id string, now time.Time) (*Split, []*Recipient) {
	t.Helper()
	s := &Split{
		ID:             id,
		PayerAddr:      payer,
		TotalAmount:    "1",
		Currency:       "ETH",
		Chain:          "base-sepolia",
		CustodyAddress: "0xcccc000000000000000000000000000000000003",
		EncryptedKey:   "age-ciphertext",
		ShareType:      SharePercentage,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rs := []*Recipient{
		{ID: id + "_r0", SplitID: id, Position: 0, Address: alice, Percentage: "33.3333", Amount: "0", UpdatedAt: now},
		{ID: id + "_r1", SplitID: id, Position: 1, Address: bob, Percentage: "66.6667", Amount: "0", UpdatedAt: now},
	}
	require.NoError(t, store.Create(context.Background(), s, rs))
	return s, rs
}

func TestPostgresStore_CreateAndRecipients(t *testing.T) {
	store := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	s, _ := pgSplit(t, store, "spl_pg1", now)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SharePercentage, got.ShareType)
	assert.Equal(t, s.EncryptedKey, got.EncryptedKey)

	rs, err := store.Recipients(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, alice, rs[0].Address)
	assert.True(t, decimal.RequireFromString(rs[1].Percentage).Equal(decimal.RequireFromString("66.6667")))
	assert.Empty(t, rs[0].FixedAmount)

	_, err = store.Get(ctx, "spl_missing")
	assert.ErrorIs(t, err, ErrSplitNotFound)

	list, err := store.ListByPayer(ctx, payer, nil, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgresStore_TransitionIsCompareAndSwap(t *testing.T) {
	store := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	s, _ := pgSplit(t, store, "spl_pg2", now)

	funded := *s
	funded.Status = StatusFunded
	funded.FundedAt = &now
	require.NoError(t, store.Transition(ctx, &funded, StatusPending))

	stale := *s
	stale.Status = StatusCancelled
	assert.ErrorIs(t, store.Transition(ctx, &stale, StatusPending), ErrStatusConflict)

	byStatus, err := store.ListByStatus(ctx, StatusFunded, 10)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, s.ID, byStatus[0].ID)
}

func TestPostgresStore_PaidRecipientIsFinal(t *testing.T) {
	store := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	_, rs := pgSplit(t, store, "spl_pg3", now)

	r := rs[0]
	r.Amount = "333333000000000000"
	r.TxHash = "0xabc"
	require.NoError(t, store.UpdateRecipient(ctx, r))

	r.PaidAt = &now
	require.NoError(t, store.UpdateRecipient(ctx, r))

	r.TxHash = "0xdef"
	assert.ErrorIs(t, store.UpdateRecipient(ctx, r), ErrStatusConflict)

	got, err := store.Recipients(ctx, r.SplitID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got[0].TxHash)
	assert.True(t, got[0].Paid())
}

func TestPostgresStore_ActivityLatestOldestFirst(t *testing.T) {
	store := setupPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	s, _ := pgSplit(t, store, "spl_pg4", now)

	for _, action := range []string{"created", "funded", "distributed"} {
		require.NoError(t, store.AppendActivity(ctx, &Activity{SplitID: s.ID, Actor: "system", Action: action, CreatedAt: now}))
	}
	got, err := store.ListActivity(ctx, s.ID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "funded", got[0].Action)
	assert.Equal(t, "distributed", got[1].Action)
}
