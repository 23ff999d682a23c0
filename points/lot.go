/*
lot.go - Lot state primitives

PURPOSE:
  All mutations of a lot go through the guarded primitives here. They
  enforce the per-lot invariants:
    - Remaining stays within [0, Original]
    - Only an untouched ACTIVE lot may be canceled
    - CANCELED and EXPIRED lots accept no deduction or in-place refund

STATE MACHINE (per lot):
  ACTIVE --[deduct]--> ACTIVE (remaining down)
  ACTIVE --[refund]--> ACTIVE (remaining up, never past original)
  ACTIVE --[cancel, only if untouched]--> CANCELED (terminal)
  ACTIVE --[expiry reached]--> EXPIRED (derived, observed not transitioned)

SEE ALSO:
  - engine.go: Drives these primitives inside atomic units of work
*/
package points

import (
	"fmt"
	"time"
)

// NewLot creates an ACTIVE lot with original == remaining == amount.
func NewLot(userID UserID, amount int64, kind LotKind, now, expiresAt time.Time) *Lot {
	return &Lot{
		ID:        NewLotID(),
		UserID:    userID,
		Kind:      kind,
		Original:  amount,
		Remaining: amount,
		Status:    LotActive,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
}

// Deduct decreases Remaining by amount. The engine's accounting keeps amount
// within the lot's remaining; the precondition here is a hard guard, not an
// expected failure path.
func (l *Lot) Deduct(amount int64) error {
	if l.Status != LotActive {
		return fmt.Errorf("%w: cannot deduct from %s lot %s", ErrInvalidState, l.Status, l.ID)
	}
	if amount > l.Remaining {
		return fmt.Errorf("%w: deduction %d exceeds remaining %d on lot %s",
			ErrInvalidState, amount, l.Remaining, l.ID)
	}
	l.Remaining -= amount
	return nil
}

// Refund increases Remaining by amount, never past Original.
func (l *Lot) Refund(amount int64) error {
	if l.Status != LotActive {
		return fmt.Errorf("%w: cannot refund %s lot %s", ErrInvalidState, l.Status, l.ID)
	}
	if l.Remaining+amount > l.Original {
		return fmt.Errorf("%w: refund %d would push lot %s past its original amount %d",
			ErrInvalidState, amount, l.ID, l.Original)
	}
	l.Remaining += amount
	return nil
}

// Cancel marks an untouched lot CANCELED. Remaining is left unchanged, so a
// canceled lot always has remaining == original.
func (l *Lot) Cancel() error {
	if l.Status == LotCanceled {
		return fmt.Errorf("%w: lot %s is already canceled", ErrInvalidState, l.ID)
	}
	if l.Remaining != l.Original {
		return fmt.Errorf("%w: lot %s has been partially used (%d of %d remaining)",
			ErrInvalidState, l.ID, l.Remaining, l.Original)
	}
	l.Status = LotCanceled
	return nil
}

// IsExpired reports whether the lot's expiry has passed.
func (l *Lot) IsExpired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// EffectiveStatus resolves the derived EXPIRED state for display: a lot that
// is stored ACTIVE but past its expiry reads as EXPIRED.
func (l *Lot) EffectiveStatus(now time.Time) LotStatus {
	if l.Status == LotActive && l.IsExpired(now) {
		return LotExpired
	}
	return l.Status
}

// Clone returns a copy so stores can hand out lots without aliasing their
// internal state.
func (l *Lot) Clone() *Lot {
	c := *l
	return &c
}
