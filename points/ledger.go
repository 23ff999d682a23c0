/*
ledger.go - Transaction log helpers

PURPOSE:
  Event constructors and aggregation over the append-only log. The log is
  the source of truth for reversing a usage: lots keep no backward link from
  "amount deducted" to "which usage caused it" except via USE events looked
  up by (user, order reference).

INVARIANT:
  For a (user, order, USE) group, the sum of absolute deltas equals the
  total amount actually deducted for that usage request, possibly spanning
  multiple lots. That sum is the authoritative "amount used" figure during
  cancellation.

SEE ALSO:
  - store.go: EventStore contract
  - engine.go: Appends and consumes these events
*/
package points

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// EVENT CONSTRUCTORS
// =============================================================================

func newIssueEvent(lot *Lot, at time.Time) LedgerEvent {
	return LedgerEvent{
		ID:          NewEventID(),
		UserID:      lot.UserID,
		LotID:       lot.ID,
		Kind:        EventIssue,
		Delta:       lot.Remaining,
		Description: "points issued",
		At:          at,
	}
}

func newIssueCancelEvent(lot *Lot, at time.Time) LedgerEvent {
	return LedgerEvent{
		ID:          NewEventID(),
		UserID:      lot.UserID,
		LotID:       lot.ID,
		Kind:        EventIssueCancel,
		Delta:       -lot.Remaining,
		Description: "point issuance canceled",
		At:          at,
	}
}

func newUseEvent(lot *Lot, deducted int64, orderRef string, at time.Time) LedgerEvent {
	return LedgerEvent{
		ID:          NewEventID(),
		UserID:      lot.UserID,
		LotID:       lot.ID,
		Kind:        EventUse,
		Delta:       -deducted,
		OrderRef:    orderRef,
		Description: fmt.Sprintf("points used for order %s", orderRef),
		At:          at,
	}
}

func newUseCancelEvent(lot *Lot, amount int64, description string, at time.Time) LedgerEvent {
	return LedgerEvent{
		ID:          NewEventID(),
		UserID:      lot.UserID,
		LotID:       lot.ID,
		Kind:        EventUseCancel,
		Delta:       amount,
		Description: description,
		At:          at,
	}
}

// =============================================================================
// ORDER USAGE - Aggregation over USE events
// =============================================================================

// OrderUsage is the recorded usage history for one (user, order) pair.
type OrderUsage struct {
	Events    []LedgerEvent
	TotalUsed int64
}

// usageForOrder loads the USE events for an order and sums the deducted
// amounts. An empty history is not an error here; the engine decides.
func usageForOrder(ctx context.Context, s EventStore, userID UserID, orderRef string) (OrderUsage, error) {
	events, err := s.EventsByOrder(ctx, userID, orderRef, EventUse)
	if err != nil {
		return OrderUsage{}, err
	}
	var total int64
	for _, ev := range events {
		total += -ev.Delta
	}
	return OrderUsage{Events: events, TotalUsed: total}, nil
}

// =============================================================================
// OUTSTANDING TOTAL - Derived, never stored
// =============================================================================

// outstandingTotal sums remaining points over ACTIVE, non-expired lots.
// Recomputed from the lot set after every commit rather than tracked
// incrementally, so it cannot drift.
func outstandingTotal(lots []*Lot, now time.Time) int64 {
	var total int64
	for _, lot := range lots {
		if lot.Status == LotActive && !lot.IsExpired(now) {
			total += lot.Remaining
		}
	}
	return total
}

// usableLots filters out derived-expired lots, preserving store order.
func usableLots(lots []*Lot, now time.Time) []*Lot {
	var out []*Lot
	for _, lot := range lots {
		if !lot.IsExpired(now) {
			out = append(out, lot)
		}
	}
	return out
}
