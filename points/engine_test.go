package points_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// testClock is a settable time source so expiry can be crossed without
// sleeping.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func (c *testClock) AdvanceDays(n int)       { c.now = c.now.AddDate(0, 0, n) }

func newTestEngine(t *testing.T) (*points.Engine, *memory.Store, *testClock) {
	t.Helper()
	store := memory.New()
	clock := &testClock{now: testNow}
	engine := points.NewEngine(store)
	engine.SetClock(clock.Now)
	return engine, store, clock
}

func issueWithExpiry(t *testing.T, engine *points.Engine, user string, amount int64, expireDays int) *points.Lot {
	t.Helper()
	lot, err := engine.Issue(context.Background(), points.IssueRequest{
		UserID:     points.UserID(user),
		Amount:     amount,
		ExpireDays: intPtr(expireDays),
	})
	require.NoError(t, err)
	return lot
}

// capturingNotifier records every post-commit batch it receives.
type capturingNotifier struct {
	batches [][]points.LedgerEvent
}

func (n *capturingNotifier) LedgerAppended(ctx context.Context, events []points.LedgerEvent) {
	n.batches = append(n.batches, events)
}

// =============================================================================
// ISSUE
// =============================================================================

func TestEngine_Issue_CreatesLotAndEvent(t *testing.T) {
	// GIVEN: A fresh user
	// WHEN: Issuing 1000 points
	// THEN: One ACTIVE lot and one ISSUE event with delta +1000

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	lot, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1000})
	require.NoError(t, err)

	assert.Equal(t, int64(1000), lot.Original)
	assert.Equal(t, int64(1000), lot.Remaining)
	assert.Equal(t, points.LotActive, lot.Status)
	assert.Equal(t, testNow.AddDate(0, 0, 365), lot.ExpiresAt, "default expiry is 365 days")

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, points.EventIssue, events[0].Kind)
	assert.Equal(t, int64(1000), events[0].Delta)
	assert.Equal(t, lot.ID, events[0].LotID)
	assert.Empty(t, events[0].OrderRef, "issue events carry no order reference")
}

func TestEngine_Issue_AmountOutsidePolicyBounds(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 0})
	assert.ErrorIs(t, err, points.ErrPolicyViolation)

	_, err = engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 100001})
	assert.ErrorIs(t, err, points.ErrPolicyViolation)

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, events, "rejected issues leave no trace")
}

func TestEngine_Issue_OutstandingCeiling(t *testing.T) {
	// GIVEN: A configured ceiling of 1500 with 1000 already outstanding
	// WHEN: Issuing 501 more
	// THEN: PolicyViolation; issuing 500 exactly reaches the ceiling

	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	policy := &points.Policy{
		MinIssue:          1,
		MaxIssue:          1000,
		OutstandingLimit:  1500,
		DefaultExpireDays: 365,
		MinExpireDays:     1,
		MaxExpireDays:     1825,
	}
	require.NoError(t, store.SavePolicy(ctx, policy))

	_, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1000})
	require.NoError(t, err)

	_, err = engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 501})
	assert.ErrorIs(t, err, points.ErrPolicyViolation)

	_, err = engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 500})
	assert.NoError(t, err, "reaching the ceiling exactly is allowed")
}

func TestEngine_Issue_ExpiredLotsFreeTheCeiling(t *testing.T) {
	// GIVEN: Ceiling 1500, one lot of 1000 that has since expired
	// WHEN: Issuing 1500
	// THEN: Succeeds; expired points no longer count as outstanding

	engine, store, clock := newTestEngine(t)
	ctx := context.Background()

	policy := &points.Policy{
		MinIssue:          1,
		MaxIssue:          1500,
		OutstandingLimit:  1500,
		DefaultExpireDays: 365,
		MinExpireDays:     1,
		MaxExpireDays:     1825,
	}
	require.NoError(t, store.SavePolicy(ctx, policy))

	issueWithExpiry(t, engine, "user-1", 1000, 10)
	clock.AdvanceDays(11)

	_, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1500})
	assert.NoError(t, err)
}

// =============================================================================
// CANCEL-ISSUE
// =============================================================================

func TestEngine_CancelIssue_UntouchedLot(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	lot, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 500})
	require.NoError(t, err)

	canceled, err := engine.CancelIssue(ctx, lot.ID)
	require.NoError(t, err)

	assert.Equal(t, points.LotCanceled, canceled.Status)
	assert.Equal(t, int64(500), canceled.Remaining)

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, points.EventIssueCancel, events[1].Kind)
	assert.Equal(t, int64(-500), events[1].Delta)

	summary, err := engine.Summarize(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.OutstandingTotal)
}

func TestEngine_CancelIssue_PartiallyUsedLot_Rejected(t *testing.T) {
	// GIVEN: A lot with remaining < original
	// WHEN: Canceling the issuance
	// THEN: InvalidState and the lot is untouched

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	lot, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 500})
	require.NoError(t, err)
	_, err = engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 100, OrderRef: "order-1"})
	require.NoError(t, err)

	_, err = engine.CancelIssue(ctx, lot.ID)

	assert.ErrorIs(t, err, points.ErrInvalidState)
	summary, err := engine.Summarize(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(400), summary.OutstandingTotal)
}

func TestEngine_CancelIssue_Twice_Rejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	lot, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 500})
	require.NoError(t, err)
	_, err = engine.CancelIssue(ctx, lot.ID)
	require.NoError(t, err)

	_, err = engine.CancelIssue(ctx, lot.ID)

	assert.ErrorIs(t, err, points.ErrInvalidState)
}

func TestEngine_CancelIssue_UnknownLot(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.CancelIssue(context.Background(), "no-such-lot")

	assert.ErrorIs(t, err, points.ErrNotFound)
}

// =============================================================================
// USE
// =============================================================================

func TestEngine_Use_SpansLotsSoonestExpiryFirst(t *testing.T) {
	// GIVEN: 1000 points expiring in 30 days, 500 expiring in 60
	// WHEN: Using 1200
	// THEN: The sooner lot drains to 0, the later drops to 300

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	soon := issueWithExpiry(t, engine, "user-1", 1000, 30)
	later := issueWithExpiry(t, engine, "user-1", 500, 60)

	res, err := engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 1200, OrderRef: "order-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(1200), res.Amount)
	assert.Equal(t, int64(300), res.OutstandingTotal)

	lots, err := engine.Lots(ctx, "user-1")
	require.NoError(t, err)
	byID := map[points.LotID]*points.Lot{}
	for _, l := range lots {
		byID[l.ID] = l
	}
	assert.Equal(t, int64(0), byID[soon.ID].Remaining)
	assert.Equal(t, int64(300), byID[later.ID].Remaining)

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	var useDeltas []int64
	for _, ev := range events {
		if ev.Kind == points.EventUse {
			useDeltas = append(useDeltas, ev.Delta)
			assert.Equal(t, "order-1", ev.OrderRef)
		}
	}
	assert.Equal(t, []int64{-1000, -200}, useDeltas)
}

func TestEngine_Use_Insufficient_AllOrNothing(t *testing.T) {
	// GIVEN: 1000 points available
	// WHEN: Using 1500
	// THEN: InsufficientBalance; no lot changes, no events persisted

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	lot, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1000})
	require.NoError(t, err)

	_, err = engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 1500, OrderRef: "order-1"})

	assert.ErrorIs(t, err, points.ErrInsufficientBalance)
	var balErr *points.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.Equal(t, int64(1500), balErr.Requested)

	lots, err := engine.Lots(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(1000), lots[0].Remaining, "failed use rolls back every deduction")
	assert.Equal(t, lot.ID, lots[0].ID)

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, events, 1, "only the original ISSUE event survives")
}

func TestEngine_Use_SkipsExpiredLots(t *testing.T) {
	// GIVEN: An expired 1000-point lot and a live 500-point lot
	// WHEN: Using 600
	// THEN: InsufficientBalance; expired points are not spendable

	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	issueWithExpiry(t, engine, "user-1", 1000, 10)
	issueWithExpiry(t, engine, "user-1", 500, 100)
	clock.AdvanceDays(20)

	_, err := engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 600, OrderRef: "order-1"})
	assert.ErrorIs(t, err, points.ErrInsufficientBalance)

	res, err := engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 500, OrderRef: "order-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.OutstandingTotal)
}

func TestEngine_Use_ZeroAmount_NoOp(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1000})
	require.NoError(t, err)

	res, err := engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 0, OrderRef: "order-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.Amount)
	assert.Equal(t, int64(1000), res.OutstandingTotal)

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, events, 1, "a zero-amount use appends nothing")
}

func TestEngine_Use_InvalidInputs(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: -1, OrderRef: "order-1"})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)

	_, err = engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 10})
	assert.ErrorIs(t, err, points.ErrInvalidRequest, "order reference is required")
}

// =============================================================================
// CANCEL-USE
// =============================================================================

func TestEngine_CancelUse_RefundsLiveLotInPlace(t *testing.T) {
	// GIVEN: 500 points used from a live lot on order-1
	// WHEN: Canceling 300 of that usage
	// THEN: The same lot's remaining rises by 300

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	lot, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1000})
	require.NoError(t, err)
	_, err = engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 500, OrderRef: "order-1"})
	require.NoError(t, err)

	res, err := engine.CancelUse(ctx, points.CancelUseRequest{UserID: "user-1", OrderRef: "order-1", Amount: 300})
	require.NoError(t, err)

	assert.Equal(t, int64(300), res.Amount)
	assert.Equal(t, int64(800), res.OutstandingTotal)

	lots, err := engine.Lots(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, lots, 1, "no new lot is minted when the source is alive")
	assert.Equal(t, lot.ID, lots[0].ID)
	assert.Equal(t, int64(800), lots[0].Remaining)

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, points.EventUseCancel, last.Kind)
	assert.Equal(t, int64(300), last.Delta)
	assert.Equal(t, lot.ID, last.LotID)
	assert.Empty(t, last.OrderRef, "reversals carry no order reference")
}

func TestEngine_CancelUse_ExpiredSourceLot_MintsReplacement(t *testing.T) {
	// GIVEN: A usage of 1200 spanning lot A (1000, expiring soon) and
	//        lot B (200 of 500, expiring later); lot A has since expired
	// WHEN: Canceling 1100
	// THEN: Lot A stays untouched, a fresh 1000-point lot is minted with the
	//       default expiry, and lot B is refunded the remaining 100

	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	lotA := issueWithExpiry(t, engine, "user-1", 1000, 10)
	lotB := issueWithExpiry(t, engine, "user-1", 500, 100)

	_, err := engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 1200, OrderRef: "order-1"})
	require.NoError(t, err)

	clock.AdvanceDays(20) // lot A is now past its expiry

	res, err := engine.CancelUse(ctx, points.CancelUseRequest{UserID: "user-1", OrderRef: "order-1", Amount: 1100})
	require.NoError(t, err)

	assert.Equal(t, int64(1100), res.Amount)
	// Minted 1000 + lot B at 300+100 = 400. Lot A's 0 is expired either way.
	assert.Equal(t, int64(1400), res.OutstandingTotal)

	lots, err := engine.Lots(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, lots, 3)

	byID := map[points.LotID]*points.Lot{}
	var minted *points.Lot
	for _, l := range lots {
		byID[l.ID] = l
		if l.ID != lotA.ID && l.ID != lotB.ID {
			minted = l
		}
	}
	require.NotNil(t, minted, "a replacement lot must exist")

	assert.Equal(t, int64(0), byID[lotA.ID].Remaining, "expired lot receives no credit")
	assert.Equal(t, int64(400), byID[lotB.ID].Remaining)
	assert.Equal(t, int64(1000), minted.Original)
	assert.Equal(t, int64(1000), minted.Remaining)
	assert.Equal(t, clock.Now().UTC().AddDate(0, 0, 365), minted.ExpiresAt, "fresh default expiry")

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	var cancelDeltas []int64
	for _, ev := range events {
		if ev.Kind == points.EventUseCancel {
			cancelDeltas = append(cancelDeltas, ev.Delta)
		}
	}
	assert.Equal(t, []int64{1000, 100}, cancelDeltas, "events walk the original usage order")
}

func TestEngine_CancelUse_FullCancellationZeroesNetEffect(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1000})
	require.NoError(t, err)
	_, err = engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 700, OrderRef: "order-1"})
	require.NoError(t, err)

	res, err := engine.CancelUse(ctx, points.CancelUseRequest{UserID: "user-1", OrderRef: "order-1", Amount: 700})
	require.NoError(t, err)

	assert.Equal(t, int64(700), res.Amount)
	assert.Equal(t, int64(1000), res.OutstandingTotal)
}

func TestEngine_CancelUse_BeyondUsedTotal_Rejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1000})
	require.NoError(t, err)
	_, err = engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 500, OrderRef: "order-1"})
	require.NoError(t, err)

	_, err = engine.CancelUse(ctx, points.CancelUseRequest{UserID: "user-1", OrderRef: "order-1", Amount: 501})

	assert.ErrorIs(t, err, points.ErrInvalidRequest)
}

func TestEngine_CancelUse_UnknownOrder_Rejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.CancelUse(context.Background(), points.CancelUseRequest{
		UserID: "user-1", OrderRef: "no-such-order", Amount: 1,
	})

	assert.ErrorIs(t, err, points.ErrNotFound)
}

func TestEngine_CancelUse_MissingSourceLot_DataIntegrity(t *testing.T) {
	// GIVEN: A USE event whose lot has no record (a prior bug, not user error)
	// WHEN: Canceling usage for that order
	// THEN: DataIntegrityError; the log gains nothing

	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, store.AppendEvent(ctx, points.LedgerEvent{
		ID:       points.NewEventID(),
		UserID:   "user-1",
		LotID:    "ghost-lot",
		Kind:     points.EventUse,
		Delta:    -500,
		OrderRef: "order-1",
		At:       testNow,
	}))

	_, err := engine.CancelUse(ctx, points.CancelUseRequest{
		UserID: "user-1", OrderRef: "order-1", Amount: 300,
	})

	assert.ErrorIs(t, err, points.ErrDataIntegrity)

	events, err := engine.Events(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, events, 1, "the failed reversal appends no events")
	assert.Equal(t, points.EventUse, events[0].Kind)
}

func TestEngine_CancelUse_NonPositiveAmount_Rejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CancelUse(ctx, points.CancelUseRequest{UserID: "user-1", OrderRef: "order-1", Amount: 0})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)

	_, err = engine.CancelUse(ctx, points.CancelUseRequest{UserID: "user-1", OrderRef: "order-1", Amount: -5})
	assert.ErrorIs(t, err, points.ErrInvalidRequest)
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestEngine_Summarize_ExcludesExpiredAndCanceled(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	issueWithExpiry(t, engine, "user-1", 1000, 10)
	issueWithExpiry(t, engine, "user-1", 500, 100)
	canceled, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 200})
	require.NoError(t, err)
	_, err = engine.CancelIssue(ctx, canceled.ID)
	require.NoError(t, err)

	clock.AdvanceDays(20)

	summary, err := engine.Summarize(ctx, "user-1")
	require.NoError(t, err)

	assert.Equal(t, int64(500), summary.OutstandingTotal)
	assert.Equal(t, 1, summary.ActiveLots)
}

// =============================================================================
// NOTIFIER FAN-OUT
// =============================================================================

func TestEngine_Notifier_ReceivesCommittedBatches(t *testing.T) {
	// GIVEN: A notifier attached to the engine
	// WHEN: Running one successful and one failing operation
	// THEN: Only the committed batch is fanned out

	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	notifier := &capturingNotifier{}
	engine.SetNotifier(notifier)

	_, err := engine.Issue(ctx, points.IssueRequest{UserID: "user-1", Amount: 1000})
	require.NoError(t, err)
	_, err = engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 2000, OrderRef: "order-1"})
	require.Error(t, err)
	_, err = engine.Use(ctx, points.UseRequest{UserID: "user-1", Amount: 400, OrderRef: "order-2"})
	require.NoError(t, err)

	require.Len(t, notifier.batches, 2, "failed operations publish nothing")
	assert.Equal(t, points.EventIssue, notifier.batches[0][0].Kind)
	assert.Equal(t, points.EventUse, notifier.batches[1][0].Kind)
}
