package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var storeNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func makeLot(user string, amount int64, expireDays int) *points.Lot {
	return points.NewLot(points.UserID(user), amount, points.KindPurchase,
		storeNow, storeNow.AddDate(0, 0, expireDays))
}

func useEvent(lot *points.Lot, amount int64, orderRef string) points.LedgerEvent {
	return points.LedgerEvent{
		ID:       points.NewEventID(),
		UserID:   lot.UserID,
		LotID:    lot.ID,
		Kind:     points.EventUse,
		Delta:    -amount,
		OrderRef: orderRef,
		At:       storeNow,
	}
}

// =============================================================================
// LOT ROUND-TRIPS
// =============================================================================

func TestStore_CreateAndFindLot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lot := makeLot("user-1", 1000, 365)
	require.NoError(t, store.CreateLot(ctx, lot))

	found, err := store.FindLot(ctx, lot.ID)
	require.NoError(t, err)
	require.NotNil(t, found)

	assert.Equal(t, lot.ID, found.ID)
	assert.Equal(t, int64(1000), found.Original)
	assert.Equal(t, int64(1000), found.Remaining)
	assert.Equal(t, points.LotActive, found.Status)
	assert.True(t, lot.ExpiresAt.Equal(found.ExpiresAt))
}

func TestStore_FindLot_Missing_ReturnsNilNil(t *testing.T) {
	store := newTestStore(t)

	found, err := store.FindLot(context.Background(), "no-such-lot")

	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestStore_SaveLot_Missing_NotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveLot(context.Background(), makeLot("user-1", 100, 30))

	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestStore_CreateLot_DuplicateID_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lot := makeLot("user-1", 100, 30)
	require.NoError(t, store.CreateLot(ctx, lot))

	err := store.CreateLot(ctx, lot)

	assert.ErrorIs(t, err, points.ErrInvalidState)
}

// =============================================================================
// ORDERING CONTRACT
// =============================================================================

func TestStore_ActiveLotsByUser_OrderedByKindThenExpiry(t *testing.T) {
	// GIVEN: Three active lots with mixed expiries, one canceled lot
	// WHEN: Loading active lots
	// THEN: Soonest expiry first; canceled excluded

	store := newTestStore(t)
	ctx := context.Background()

	far := makeLot("user-1", 100, 300)
	near := makeLot("user-1", 100, 30)
	mid := makeLot("user-1", 100, 100)
	canceled := makeLot("user-1", 100, 10)
	require.NoError(t, canceled.Cancel())

	for _, lot := range []*points.Lot{far, near, mid, canceled} {
		require.NoError(t, store.CreateLot(ctx, lot))
	}

	lots, err := store.ActiveLotsByUser(ctx, "user-1")
	require.NoError(t, err)

	require.Len(t, lots, 3)
	assert.Equal(t, near.ID, lots[0].ID)
	assert.Equal(t, mid.ID, lots[1].ID)
	assert.Equal(t, far.ID, lots[2].ID)
}

func TestStore_ActiveLotsByUser_IsolatesUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateLot(ctx, makeLot("user-1", 100, 30)))
	require.NoError(t, store.CreateLot(ctx, makeLot("user-2", 200, 30)))

	lots, err := store.ActiveLotsByUser(ctx, "user-1")
	require.NoError(t, err)

	require.Len(t, lots, 1)
	assert.Equal(t, int64(100), lots[0].Original)
}

// =============================================================================
// EVENT LOG
// =============================================================================

func TestStore_EventsByOrder_FiltersAndPreservesAppendOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lotA := makeLot("user-1", 1000, 30)
	lotB := makeLot("user-1", 500, 60)
	require.NoError(t, store.CreateLot(ctx, lotA))
	require.NoError(t, store.CreateLot(ctx, lotB))

	first := useEvent(lotA, 1000, "order-1")
	second := useEvent(lotB, 200, "order-1")
	other := useEvent(lotB, 50, "order-2")
	require.NoError(t, store.AppendEvents(ctx, []points.LedgerEvent{first, second, other}))

	events, err := store.EventsByOrder(ctx, "user-1", "order-1", points.EventUse)
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, first.ID, events[0].ID)
	assert.Equal(t, second.ID, events[1].ID)
	assert.Equal(t, int64(-1000), events[0].Delta)
	assert.Equal(t, int64(-200), events[1].Delta)
}

func TestStore_EventsByUser_NullableFieldsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := points.LedgerEvent{
		ID:          points.NewEventID(),
		UserID:      "user-1",
		Kind:        points.EventIssue,
		Delta:       500,
		Description: "points issued",
		At:          storeNow,
	}
	require.NoError(t, store.AppendEvent(ctx, ev))

	events, err := store.EventsByUser(ctx, "user-1")
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Empty(t, events[0].LotID)
	assert.Empty(t, events[0].OrderRef)
	assert.Equal(t, "points issued", events[0].Description)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A unit of work that creates a lot and appends an event
	// WHEN: The closure fails after both writes
	// THEN: Neither write survives

	store := newTestStore(t)
	ctx := context.Background()

	lot := makeLot("user-1", 1000, 30)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s points.Store) error {
		if err := s.CreateLot(ctx, lot); err != nil {
			return err
		}
		if err := s.AppendEvent(ctx, useEvent(lot, 100, "order-1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	found, err := store.FindLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	events, err := store.EventsByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_WithTx_CommitsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lot := makeLot("user-1", 1000, 30)
	err := store.WithTx(ctx, func(s points.Store) error {
		if err := s.CreateLot(ctx, lot); err != nil {
			return err
		}
		lot.Remaining = 400
		return s.SaveLot(ctx, lot)
	})
	require.NoError(t, err)

	found, err := store.FindLot(ctx, lot.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(400), found.Remaining)
}

// =============================================================================
// POLICY VERSIONING
// =============================================================================

func TestStore_Policy_VersionedSave(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	current, err := store.CurrentPolicy(ctx)
	require.NoError(t, err)
	assert.Nil(t, current, "no policy configured initially")

	policy := points.DefaultPolicy()
	require.NoError(t, store.SavePolicy(ctx, &policy))
	assert.Equal(t, int64(1), policy.Version)

	loaded, err := store.CurrentPolicy(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, policy.MaxIssue, loaded.MaxIssue)

	// Update with the current version succeeds and bumps it.
	loaded.MaxIssue = 50000
	require.NoError(t, store.SavePolicy(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	// A stale version is rejected.
	stale := *loaded
	stale.Version = 1
	err = store.SavePolicy(ctx, &stale)
	assert.ErrorIs(t, err, points.ErrVersionConflict)
}
