/*
engine.go - The allocation and reconciliation engine

PURPOSE:
  Implements the four public operations over the balance ledger and
  transaction log:
    Issue:       create a new lot under policy constraints
    CancelIssue: void an untouched lot
    Use:         consume outstanding lots deterministically for an order
    CancelUse:   reverse a prior usage, re-issuing amounts whose source
                 lot has expired in the meantime

ATOMICITY:
  Each operation is a single unit of work via TxStore.WithTx: every lot
  mutation and event append commits together or not at all. Loads happen
  inside the unit so concurrent operations on the same user's lots cannot
  interleave their read-modify-write.

CONSUMPTION ORDER:
  ACTIVE non-expired lots ordered by kind asc, then expiry asc
  (soonest-expiring first), then lot ID asc. Soonest-first minimizes future
  breakage from expiry.

EXPIRED-LOT SUBSTITUTION:
  Reversing a usage whose source lot has expired does not credit the dead
  lot - that would park the points in an unusable container. The reversed
  amount is minted as a brand-new lot with a fresh default expiry.

SEE ALSO:
  - lot.go: The guarded mutation primitives
  - ledger.go: Event constructors and log aggregation
  - policy.go: The validation gate
*/
package points

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine orchestrates the four public operations. All state lives in the
// store; the engine itself is stateless between requests.
type Engine struct {
	store    TxStore
	gate     *Gate
	notifier Notifier
	now      func() time.Time
}

func NewEngine(store TxStore) *Engine {
	return &Engine{
		store: store,
		gate:  NewGate(store),
		now:   time.Now,
	}
}

// SetNotifier installs a post-commit event sink. Nil disables fan-out.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) notify(ctx context.Context, events []LedgerEvent) {
	if e.notifier != nil && len(events) > 0 {
		e.notifier.LedgerAppended(ctx, events)
	}
}

// =============================================================================
// REQUESTS AND RESULTS
// =============================================================================

type IssueRequest struct {
	UserID UserID
	Amount int64
	// ExpireDays overrides the policy default when set; it must then fall
	// within the policy's min/max window.
	ExpireDays *int
}

type UseRequest struct {
	UserID   UserID
	Amount   int64
	OrderRef string
}

type CancelUseRequest struct {
	UserID   UserID
	OrderRef string
	Amount   int64
}

// UseResult reports the outcome of a use or cancel-use operation. Amount is
// the total actually deducted (or reversed); OutstandingTotal is recomputed
// from the user's current active lots.
type UseResult struct {
	UserID           UserID
	OrderRef         string
	Amount           int64
	OutstandingTotal int64
	At               time.Time
}

// Summary is the read-side view of a user's usable credit.
type Summary struct {
	UserID           UserID
	OutstandingTotal int64
	ActiveLots       int
	AsOf             time.Time
}

// =============================================================================
// ISSUE / CANCEL-ISSUE
// =============================================================================

// Issue creates a new ACTIVE lot for the user and records an ISSUE event.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*Lot, error) {
	now := e.now().UTC()

	// One policy snapshot per operation; all checks validate against it.
	pol, err := e.gate.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := pol.ValidateIssueAmount(req.Amount); err != nil {
		return nil, err
	}
	expiresAt, err := pol.ExpiryFor(now, req.ExpireDays)
	if err != nil {
		return nil, err
	}

	var (
		lot    *Lot
		events []LedgerEvent
	)
	err = e.store.WithTx(ctx, func(s Store) error {
		active, err := s.ActiveLotsByUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		outstanding := outstandingTotal(active, now)
		if err := pol.ValidateOutstandingCeiling(outstanding + req.Amount); err != nil {
			return err
		}

		lot = NewLot(req.UserID, req.Amount, KindPurchase, now, expiresAt)
		if err := s.CreateLot(ctx, lot); err != nil {
			return err
		}
		events = []LedgerEvent{newIssueEvent(lot, now)}
		return s.AppendEvents(ctx, events)
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, events)
	return lot, nil
}

// CancelIssue voids an untouched lot and records an ISSUE_CANCEL event.
// Partially- or fully-consumed lots, and lots already canceled, fail
// ErrInvalidState.
func (e *Engine) CancelIssue(ctx context.Context, lotID LotID) (*Lot, error) {
	now := e.now().UTC()

	var (
		lot    *Lot
		events []LedgerEvent
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		lot, err = s.FindLot(ctx, lotID)
		if err != nil {
			return err
		}
		if lot == nil {
			return fmt.Errorf("%w: lot %s", ErrNotFound, lotID)
		}
		if err := lot.Cancel(); err != nil {
			return err
		}
		if err := s.SaveLot(ctx, lot); err != nil {
			return err
		}
		events = []LedgerEvent{newIssueCancelEvent(lot, now)}
		return s.AppendEvents(ctx, events)
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, events)
	return lot, nil
}

// =============================================================================
// USE
// =============================================================================

// Use consumes req.Amount points across the user's active lots,
// soonest-expiring first. The operation is all-or-nothing: if the full
// amount cannot be satisfied, nothing is persisted and the call fails with
// an InsufficientBalanceError. A zero amount is a successful no-op.
func (e *Engine) Use(ctx context.Context, req UseRequest) (*UseResult, error) {
	now := e.now().UTC()

	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: usage amount must not be negative, got %d", ErrInvalidRequest, req.Amount)
	}
	if req.OrderRef == "" {
		return nil, fmt.Errorf("%w: order reference is required", ErrInvalidRequest)
	}

	var (
		result    *UseResult
		committed []LedgerEvent
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		active, err := s.ActiveLotsByUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		lots := usableLots(active, now)

		if req.Amount == 0 {
			result = &UseResult{
				UserID:           req.UserID,
				OrderRef:         req.OrderRef,
				OutstandingTotal: outstandingTotal(lots, now),
				At:               now,
			}
			return nil
		}

		var (
			remaining = req.Amount
			usedTotal int64
			touched   []*Lot
			events    []LedgerEvent
		)
		for _, lot := range lots {
			if remaining <= 0 {
				break
			}
			deduct := min64(lot.Remaining, remaining)
			if deduct == 0 {
				continue
			}
			if err := lot.Deduct(deduct); err != nil {
				return err
			}
			events = append(events, newUseEvent(lot, deduct, req.OrderRef, now))
			touched = append(touched, lot)
			remaining -= deduct
			usedTotal += deduct
		}
		if remaining > 0 {
			return &InsufficientBalanceError{
				UserID:    req.UserID,
				Available: usedTotal,
				Requested: req.Amount,
			}
		}

		if err := s.SaveLots(ctx, touched); err != nil {
			return err
		}
		if err := s.AppendEvents(ctx, events); err != nil {
			return err
		}

		total, err := e.currentOutstanding(ctx, s, req.UserID, now)
		if err != nil {
			return err
		}
		result = &UseResult{
			UserID:           req.UserID,
			OrderRef:         req.OrderRef,
			Amount:           usedTotal,
			OutstandingTotal: total,
			At:               now,
		}
		committed = events
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, committed)
	return result, nil
}

// =============================================================================
// CANCEL-USE
// =============================================================================

// CancelUse reverses up to req.Amount points of the usage recorded for
// (user, order), walking the USE events in their original order. Amounts
// drawn from lots that have since expired are re-issued as new lots with a
// fresh default expiry; live lots are refunded in place.
func (e *Engine) CancelUse(ctx context.Context, req CancelUseRequest) (*UseResult, error) {
	now := e.now().UTC()

	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: cancel amount must be positive, got %d", ErrInvalidRequest, req.Amount)
	}
	pol, err := e.gate.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result    *UseResult
		committed []LedgerEvent
	)
	err = e.store.WithTx(ctx, func(s Store) error {
		usage, err := usageForOrder(ctx, s, req.UserID, req.OrderRef)
		if err != nil {
			return err
		}
		if len(usage.Events) == 0 {
			return fmt.Errorf("%w: no usage recorded for order %s", ErrNotFound, req.OrderRef)
		}
		if req.Amount > usage.TotalUsed {
			return fmt.Errorf("%w: cancel amount %d exceeds used total %d for order %s",
				ErrInvalidRequest, req.Amount, usage.TotalUsed, req.OrderRef)
		}

		var (
			remainingToCancel = req.Amount
			canceledTotal     int64
			loaded            = make(map[LotID]*Lot)
			refunded          []*Lot
			minted            []*Lot
			events            []LedgerEvent
		)
		for _, ev := range usage.Events {
			if remainingToCancel <= 0 {
				break
			}
			usedInEvent := -ev.Delta
			reverse := min64(usedInEvent, remainingToCancel)

			lot, ok := loaded[ev.LotID]
			if !ok {
				lot, err = s.FindLot(ctx, ev.LotID)
				if err != nil {
					return err
				}
				if lot == nil {
					return fmt.Errorf("%w: usage event %s references missing lot %s",
						ErrDataIntegrity, ev.ID, ev.LotID)
				}
				loaded[ev.LotID] = lot
			}

			if lot.IsExpired(now) {
				// Fresh expiry from the policy default; never credit the
				// expired container.
				expiresAt, err := pol.ExpiryFor(now, nil)
				if err != nil {
					return err
				}
				replacement := NewLot(req.UserID, reverse, lot.Kind, now, expiresAt)
				minted = append(minted, replacement)
				events = append(events, newUseCancelEvent(replacement, reverse,
					"use canceled; expired lot re-issued as new lot", now))
			} else {
				if err := lot.Refund(reverse); err != nil {
					return err
				}
				refunded = appendOnce(refunded, lot)
				events = append(events, newUseCancelEvent(lot, reverse, "use canceled", now))
			}

			remainingToCancel -= reverse
			canceledTotal += reverse
		}

		for _, lot := range minted {
			if err := s.CreateLot(ctx, lot); err != nil {
				return err
			}
		}
		if err := s.SaveLots(ctx, refunded); err != nil {
			return err
		}
		if err := s.AppendEvents(ctx, events); err != nil {
			return err
		}

		total, err := e.currentOutstanding(ctx, s, req.UserID, now)
		if err != nil {
			return err
		}
		result = &UseResult{
			UserID:           req.UserID,
			OrderRef:         req.OrderRef,
			Amount:           canceledTotal,
			OutstandingTotal: total,
			At:               now,
		}
		committed = events
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notify(ctx, committed)
	return result, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

// Lots returns all of the user's lots, oldest first.
func (e *Engine) Lots(ctx context.Context, userID UserID) ([]*Lot, error) {
	return e.store.LotsByUser(ctx, userID)
}

// Events returns the user's ledger history in append order.
func (e *Engine) Events(ctx context.Context, userID UserID) ([]LedgerEvent, error) {
	return e.store.EventsByUser(ctx, userID)
}

// Summarize computes the user's usable outstanding total.
func (e *Engine) Summarize(ctx context.Context, userID UserID) (Summary, error) {
	now := e.now().UTC()
	active, err := e.store.ActiveLotsByUser(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	lots := usableLots(active, now)
	return Summary{
		UserID:           userID,
		OutstandingTotal: outstandingTotal(lots, now),
		ActiveLots:       len(lots),
		AsOf:             now,
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) currentOutstanding(ctx context.Context, s Store, userID UserID, now time.Time) (int64, error) {
	active, err := s.ActiveLotsByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return outstandingTotal(active, now), nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func appendOnce(lots []*Lot, lot *Lot) []*Lot {
	for _, l := range lots {
		if l.ID == lot.ID {
			return lots
		}
	}
	return append(lots, lot)
}
