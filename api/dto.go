/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - points/engine.go: The domain types these map to
*/
package api

import (
	"time"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// IssueRequest is the request to grant points to a user.
type IssueRequest struct {
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	ExpireDays *int   `json:"expire_days,omitempty"`
}

// CancelIssueRequest is the request to void an unused issuance.
type CancelIssueRequest struct {
	LotID string `json:"lot_id"`
}

// UseRequest is the request to spend points against an order.
type UseRequest struct {
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
	OrderID string `json:"order_id"`
}

// CancelUseRequest is the request to reverse a prior use, fully or in part.
type CancelUseRequest struct {
	UserID       string `json:"user_id"`
	OrderID      string `json:"order_id"`
	CancelAmount int64  `json:"cancel_amount"`
}

// UpdatePolicyRequest carries new policy values plus the version the caller
// read, for optimistic concurrency.
type UpdatePolicyRequest struct {
	MinIssue          int64 `json:"min_issue"`
	MaxIssue          int64 `json:"max_issue"`
	OutstandingLimit  int64 `json:"outstanding_limit"`
	DefaultExpireDays int   `json:"default_expire_days"`
	MinExpireDays     int   `json:"min_expire_days"`
	MaxExpireDays     int   `json:"max_expire_days"`
	Version           int64 `json:"version"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// LotDTO represents a point lot in API responses. Status reflects expiry:
// an ACTIVE lot past its expires_at reports EXPIRED.
type LotDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Kind      string `json:"kind"`
	Original  int64  `json:"original"`
	Remaining int64  `json:"remaining"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

// UseResponseDTO reports the outcome of a use or cancel-use.
type UseResponseDTO struct {
	UserID           string `json:"user_id"`
	OrderID          string `json:"order_id,omitempty"`
	Amount           int64  `json:"amount"`
	OutstandingTotal int64  `json:"outstanding_total"`
	At               string `json:"at"`
}

// EventDTO represents one ledger event.
type EventDTO struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	LotID       string `json:"lot_id,omitempty"`
	Kind        string `json:"kind"`
	Delta       int64  `json:"delta"`
	OrderID     string `json:"order_id,omitempty"`
	Description string `json:"description,omitempty"`
	At          string `json:"at"`
}

// SummaryDTO is a user's spendable balance at a point in time.
type SummaryDTO struct {
	UserID           string `json:"user_id"`
	OutstandingTotal int64  `json:"outstanding_total"`
	ActiveLots       int    `json:"active_lots"`
	AsOf             string `json:"as_of"`
}

// PolicyDTO represents the effective policy.
type PolicyDTO struct {
	MinIssue          int64  `json:"min_issue"`
	MaxIssue          int64  `json:"max_issue"`
	OutstandingLimit  int64  `json:"outstanding_limit"`
	DefaultExpireDays int    `json:"default_expire_days"`
	MinExpireDays     int    `json:"min_expire_days"`
	MaxExpireDays     int    `json:"max_expire_days"`
	Version           int64  `json:"version"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// ErrorResponse is the standard error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toLotDTO(lot *points.Lot, now time.Time) LotDTO {
	return LotDTO{
		ID:        string(lot.ID),
		UserID:    string(lot.UserID),
		Kind:      string(lot.Kind),
		Original:  lot.Original,
		Remaining: lot.Remaining,
		Status:    string(lot.EffectiveStatus(now)),
		CreatedAt: lot.CreatedAt.Format(time.RFC3339),
		ExpiresAt: lot.ExpiresAt.Format(time.RFC3339),
	}
}

func toUseResponseDTO(res *points.UseResult) UseResponseDTO {
	return UseResponseDTO{
		UserID:           string(res.UserID),
		OrderID:          res.OrderRef,
		Amount:           res.Amount,
		OutstandingTotal: res.OutstandingTotal,
		At:               res.At.Format(time.RFC3339),
	}
}

func toEventDTO(ev points.LedgerEvent) EventDTO {
	return EventDTO{
		ID:          string(ev.ID),
		UserID:      string(ev.UserID),
		LotID:       string(ev.LotID),
		Kind:        string(ev.Kind),
		Delta:       ev.Delta,
		OrderID:     ev.OrderRef,
		Description: ev.Description,
		At:          ev.At.Format(time.RFC3339),
	}
}

func toPolicyDTO(p *points.Policy) PolicyDTO {
	dto := PolicyDTO{
		MinIssue:          p.MinIssue,
		MaxIssue:          p.MaxIssue,
		OutstandingLimit:  p.OutstandingLimit,
		DefaultExpireDays: p.DefaultExpireDays,
		MinExpireDays:     p.MinExpireDays,
		MaxExpireDays:     p.MaxExpireDays,
		Version:           p.Version,
	}
	if !p.CreatedAt.IsZero() {
		dto.CreatedAt = p.CreatedAt.Format(time.RFC3339)
	}
	return dto
}
