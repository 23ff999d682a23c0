/*
Package points implements the point allocation and reconciliation engine.

PURPOSE:
  This package contains the domain types and algorithms for managing store
  credit held per user as a set of discrete, independently-expiring lots.
  It issues new lots under policy constraints, consumes outstanding lots in
  a deterministic order, and reverses prior usages - including re-issuing
  reversed amounts whose source lot has expired in the meantime.

KEY CONCEPTS IN THIS FILE (types.go):
  - Lot: One issuance of points with its own remaining amount and expiry
  - LedgerEvent: An immutable record of one ledger-affecting step
  - Policy: Configured limits and expiry windows, with a fixed default set
  - User/Lot/Event IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Ledger events are never modified, only appended
  2. Derivation: EXPIRED is computed from the expiry timestamp, never stored
  3. Conservation: Lot mutations go through guarded primitives (lot.go)
  4. Auditability: Every point movement leaves a ledger event

SEE ALSO:
  - lot.go: Lot state primitives and invariants
  - policy.go: Policy gate and validation
  - engine.go: The four public operations
*/
package points

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type LotID string
type EventID string

func NewLotID() LotID     { return LotID(uuid.NewString()) }
func NewEventID() EventID { return EventID(uuid.NewString()) }

// =============================================================================
// LOT - One issuance event's worth of points
// =============================================================================

type LotStatus string

const (
	LotActive   LotStatus = "ACTIVE"
	LotCanceled LotStatus = "CANCELED"

	// LotExpired is a derived status: a lot whose expiry has passed while the
	// stored status is still ACTIVE. It is never persisted.
	LotExpired LotStatus = "EXPIRED"
)

// LotKind is a stable ordering key ahead of expiry when consuming lots.
// Currently a single variant exists.
type LotKind string

const KindPurchase LotKind = "purchase"

// Lot is one issuance of points. Original never changes after creation;
// Remaining moves within [0, Original] through the primitives in lot.go.
type Lot struct {
	ID        LotID
	UserID    UserID
	Kind      LotKind
	Original  int64
	Remaining int64
	Status    LotStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// =============================================================================
// LEDGER EVENT - Immutable audit record of a point-changing action
// =============================================================================

type EventKind string

const (
	EventIssue       EventKind = "ISSUE"
	EventIssueCancel EventKind = "ISSUE_CANCEL"
	EventUse         EventKind = "USE"
	EventUseCancel   EventKind = "USE_CANCEL"
)

// LedgerEvent records one ledger-affecting step. Delta is signed: positive
// for credits, negative for debits. OrderRef is set for USE events only; a
// USE_CANCEL is decoupled from the original order, and for an expired source
// lot it is attributed to the freshly minted replacement lot.
type LedgerEvent struct {
	ID          EventID
	UserID      UserID
	LotID       LotID
	Kind        EventKind
	Delta       int64
	OrderRef    string
	Description string
	At          time.Time
}

// =============================================================================
// POLICY - Singleton configuration record
// =============================================================================

// Policy holds the configured limits the gate validates against.
// It is read-mostly; administrative updates bump Version so concurrent
// modification is detectable.
type Policy struct {
	MinIssue          int64
	MaxIssue          int64
	OutstandingLimit  int64
	DefaultExpireDays int
	MinExpireDays     int
	MaxExpireDays     int
	Version           int64
	CreatedAt         time.Time
}

// DefaultPolicy is the fixed fallback used when no policy record is
// configured.
func DefaultPolicy() Policy {
	return Policy{
		MinIssue:          1,
		MaxIssue:          100000,
		OutstandingLimit:  1000000,
		DefaultExpireDays: 365,
		MinExpireDays:     1,
		MaxExpireDays:     1825,
	}
}
