/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Operations:
    POST   /api/points/save         Issue points to a user
    POST   /api/points/save/cancel  Void an unused issuance
    POST   /api/points/use          Spend points against an order
    POST   /api/points/use/cancel   Reverse part or all of a prior use

  Read side:
    GET    /api/users/{id}/lots     All lots for a user
    GET    /api/users/{id}/summary  Outstanding spendable balance
    GET    /api/users/{id}/events   Full ledger history

  Policy:
    GET    /api/policy              Effective policy (configured or default)
    PUT    /api/policy              Replace the configured policy

  Health:
    GET    /api/health              Liveness probe

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input shape
  3. Call domain logic (engine)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, policy violations, insufficient balance
  - 404: Resource not found
  - 409: Conflict (invalid state, stale policy version)
  - 500: Internal errors, ledger integrity violations

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - points/engine.go: The domain logic these handlers call
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *points.Engine
	Store  points.TxStore

	now func() time.Time
}

// NewHandler creates a new handler around the engine and its store.
func NewHandler(engine *points.Engine, store points.TxStore) *Handler {
	return &Handler{
		Engine: engine,
		Store:  store,
		now:    time.Now,
	}
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

// IssuePoints grants a new lot of points to a user.
// POST /api/points/save
func (h *Handler) IssuePoints(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	lot, err := h.Engine.Issue(r.Context(), points.IssueRequest{
		UserID:     points.UserID(req.UserID),
		Amount:     req.Amount,
		ExpireDays: req.ExpireDays,
	})
	if err != nil {
		writeDomainError(w, "Failed to issue points", err)
		return
	}

	writeJSON(w, http.StatusCreated, toLotDTO(lot, h.now()))
}

// CancelIssue voids a fully unused issuance.
// POST /api/points/save/cancel
func (h *Handler) CancelIssue(w http.ResponseWriter, r *http.Request) {
	var req CancelIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.LotID == "" {
		writeError(w, http.StatusBadRequest, "lot_id is required", nil)
		return
	}

	lot, err := h.Engine.CancelIssue(r.Context(), points.LotID(req.LotID))
	if err != nil {
		writeDomainError(w, "Failed to cancel issuance", err)
		return
	}

	writeJSON(w, http.StatusOK, toLotDTO(lot, h.now()))
}

// UsePoints spends points against an order.
// POST /api/points/use
func (h *Handler) UsePoints(w http.ResponseWriter, r *http.Request) {
	var req UseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	res, err := h.Engine.Use(r.Context(), points.UseRequest{
		UserID:   points.UserID(req.UserID),
		Amount:   req.Amount,
		OrderRef: req.OrderID,
	})
	if err != nil {
		writeDomainError(w, "Failed to use points", err)
		return
	}

	writeJSON(w, http.StatusOK, toUseResponseDTO(res))
}

// CancelUse reverses part or all of a prior use on an order.
// POST /api/points/use/cancel
func (h *Handler) CancelUse(w http.ResponseWriter, r *http.Request) {
	var req CancelUseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required", nil)
		return
	}

	res, err := h.Engine.CancelUse(r.Context(), points.CancelUseRequest{
		UserID:   points.UserID(req.UserID),
		OrderRef: req.OrderID,
		Amount:   req.CancelAmount,
	})
	if err != nil {
		writeDomainError(w, "Failed to cancel use", err)
		return
	}

	writeJSON(w, http.StatusOK, toUseResponseDTO(res))
}

// =============================================================================
// READ-SIDE HANDLERS
// =============================================================================

// ListUserLots returns every lot a user holds, any status.
// GET /api/users/{id}/lots
func (h *Handler) ListUserLots(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))

	lots, err := h.Engine.Lots(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list lots", err)
		return
	}

	now := h.now()
	dtos := make([]LotDTO, len(lots))
	for i, lot := range lots {
		dtos[i] = toLotDTO(lot, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUserSummary returns the user's spendable balance.
// GET /api/users/{id}/summary
func (h *Handler) GetUserSummary(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))

	summary, err := h.Engine.Summarize(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute summary", err)
		return
	}

	writeJSON(w, http.StatusOK, SummaryDTO{
		UserID:           string(summary.UserID),
		OutstandingTotal: summary.OutstandingTotal,
		ActiveLots:       summary.ActiveLots,
		AsOf:             summary.AsOf.Format(time.RFC3339),
	})
}

// ListUserEvents returns the user's full ledger history in append order.
// GET /api/users/{id}/events
func (h *Handler) ListUserEvents(w http.ResponseWriter, r *http.Request) {
	userID := points.UserID(chi.URLParam(r, "id"))

	events, err := h.Engine.Events(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}

	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// POLICY HANDLERS
// =============================================================================

// GetPolicy returns the effective policy: the configured one, or the
// built-in defaults when none has been saved yet.
// GET /api/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.Store.CurrentPolicy(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load policy", err)
		return
	}
	if policy == nil {
		def := points.DefaultPolicy()
		policy = &def
	}

	writeJSON(w, http.StatusOK, toPolicyDTO(policy))
}

// UpdatePolicy replaces the configured policy. The request carries the
// version the caller last read; a stale version gets 409.
// PUT /api/policy
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req UpdatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	policy := &points.Policy{
		MinIssue:          req.MinIssue,
		MaxIssue:          req.MaxIssue,
		OutstandingLimit:  req.OutstandingLimit,
		DefaultExpireDays: req.DefaultExpireDays,
		MinExpireDays:     req.MinExpireDays,
		MaxExpireDays:     req.MaxExpireDays,
		Version:           req.Version,
	}
	if err := policy.Validate(); err != nil {
		writeDomainError(w, "Invalid policy", err)
		return
	}

	if err := h.Store.SavePolicy(r.Context(), policy); err != nil {
		writeDomainError(w, "Failed to save policy", err)
		return
	}

	writeJSON(w, http.StatusOK, toPolicyDTO(policy))
}

// =============================================================================
// HEALTH
// =============================================================================

// Health is the liveness probe.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain error categories to HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case points.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case points.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case points.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
