/*
store.go - Persistence interfaces for lots, events, and policy

PURPOSE:
  Defines the interface between the engine and the database. The event side
  is append-only; lots are mutated only through the engine's atomic units of
  work. Different implementations can use SQLite, PostgreSQL, or in-memory
  storage.

KEY INTERFACES:
  LotStore:    Lot persistence and ordered active-lot queries
  EventStore:  Append-only ledger event persistence
  PolicyStore: Policy read/update with version check
  TxStore:     Atomic multi-entity units of work

APPEND-ONLY CONTRACT:
  EventStore has no update or delete. Reversals are new events.

ORDERING CONTRACT:
  ActiveLotsByUser returns ACTIVE lots ordered by kind asc, expiry asc, then
  lot ID asc. The engine depends on this for deterministic consumption.
  EventsByOrder returns events in their original append order.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - store/postgres: Production PostgreSQL (pgx)
  - store/memory: In-memory for testing

SEE ALSO:
  - engine.go: The only writer
*/
package points

import "context"

// =============================================================================
// LOT STORE
// =============================================================================

type LotStore interface {
	// CreateLot persists a new lot. The ID must be assigned by the caller.
	CreateLot(ctx context.Context, lot *Lot) error

	// SaveLot persists mutations to an existing lot.
	SaveLot(ctx context.Context, lot *Lot) error

	// SaveLots persists mutations to several lots.
	SaveLots(ctx context.Context, lots []*Lot) error

	// FindLot returns the lot or (nil, nil) when absent.
	FindLot(ctx context.Context, id LotID) (*Lot, error)

	// ActiveLotsByUser returns the user's ACTIVE lots ordered by kind asc,
	// expiry asc, lot ID asc. Expiry is not evaluated here: derived EXPIRED
	// filtering is the engine's job.
	ActiveLotsByUser(ctx context.Context, userID UserID) ([]*Lot, error)

	// LotsByUser returns all of the user's lots, oldest first.
	LotsByUser(ctx context.Context, userID UserID) ([]*Lot, error)
}

// =============================================================================
// EVENT STORE - Append-only
// =============================================================================

type EventStore interface {
	// AppendEvent persists one ledger event. This and AppendEvents are the
	// only write operations; there is no update or delete.
	AppendEvent(ctx context.Context, event LedgerEvent) error

	// AppendEvents persists several ledger events atomically.
	AppendEvents(ctx context.Context, events []LedgerEvent) error

	// EventsByOrder returns events of one kind for (user, order reference)
	// in their original append order.
	EventsByOrder(ctx context.Context, userID UserID, orderRef string, kind EventKind) ([]LedgerEvent, error)

	// EventsByUser returns all of a user's events in append order.
	EventsByUser(ctx context.Context, userID UserID) ([]LedgerEvent, error)
}

// =============================================================================
// POLICY STORE
// =============================================================================

// PolicyStore extends the read contract with the administrative update path.
// SavePolicy expects the caller's Version to match the stored record (zero
// for the first write) and bumps it; a mismatch fails ErrVersionConflict.
type PolicyStore interface {
	PolicySource
	SavePolicy(ctx context.Context, policy *Policy) error
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic units of work
// =============================================================================

// Store is the full persistence surface available inside a unit of work.
type Store interface {
	LotStore
	EventStore
	PolicyStore
}

// TxStore wraps Store with transaction support. Every public engine
// operation runs inside WithTx: either every lot mutation and event append
// commits, or none does.
type TxStore interface {
	Store

	// WithTx executes fn within one atomic unit of work. If fn returns an
	// error the unit is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// NOTIFIER - Post-commit fan-out
// =============================================================================

// Notifier receives ledger events after their unit of work has committed.
// Implementations must not fail the operation; delivery is best-effort.
type Notifier interface {
	LedgerAppended(ctx context.Context, events []LedgerEvent)
}
