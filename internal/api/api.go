// Package api exposes the control plane over HTTP: trade ingestion, the
// inbound confirmation and settlement status callbacks, and read-only
// queries over the artifacts each domain produces.
//
// All monetary values are shopspring/decimal on the wire.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/post-trade-engine/internal/confirmation"
	"github.com/atmx/post-trade-engine/internal/controlplane"
	"github.com/atmx/post-trade-engine/internal/ledger"
	"github.com/atmx/post-trade-engine/internal/marketdata"
	"github.com/atmx/post-trade-engine/internal/processing"
	"github.com/atmx/post-trade-engine/internal/settlement"
	"github.com/atmx/post-trade-engine/internal/trading"
)

// Handler serves the engine's HTTP surface.
type Handler struct {
	plane  *controlplane.ControlPlane
	agents controlplane.Agents
}

// NewHandler creates a handler over plane.
func NewHandler(plane *controlplane.ControlPlane) *Handler {
	return &Handler{plane: plane, agents: plane.Agents()}
}

// Routes registers every endpoint on r. Callers mount it under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/trades", h.SubmitTrade)
	r.Get("/trades/{tradeID}", h.GetTrade)
	r.Post("/trades/{tradeID}/terminate", h.TerminateTrade)
	r.Post("/trades/{tradeID}/allocations", h.AllocateBlock)
	r.Post("/trades/{tradeID}/affirmations", h.TrackAffirmation)

	r.Get("/workflows", h.ListWorkflows)
	r.Get("/workflows/{tradeID}", h.GetWorkflow)

	r.Get("/trades/{tradeID}/confirmations", h.GetConfirmations)
	r.Post("/trades/{tradeID}/confirmations", h.InboundConfirmation)
	r.Get("/disputes", h.ListDisputes)

	r.Get("/regulatory/pending", h.PendingReports)
	r.Get("/regulatory/submitted", h.SubmittedReports)

	r.Get("/trades/{tradeID}/instructions", h.TradeInstructions)
	r.Put("/settlement/instructions/{instructionID}/status", h.UpdateSettlementStatus)
	r.Get("/settlement/report", h.SettlementReport)
	r.Get("/settlement/tickets", h.FailTickets)

	r.Get("/ledgers/{ledger}", h.GetLedger)
	r.Get("/positions", h.ListPositions)
	r.Get("/pnl", h.GetPnL)
	r.Post("/ledgers/corporate-actions", h.CorporateAction)
	r.Post("/ledgers/reconciliations", h.ReconcilePositions)
	r.Post("/portfolios/{portfolioID}/reconciliations", h.TriggerReconciliation)

	r.Get("/margin/calls", h.MarginCalls)
	r.Get("/margin/{nettingSetID}", h.GetMargin)
	r.Post("/margin/{nettingSetID}/calls", h.IssueMarginCall)
	r.Post("/margin/collateral/optimize", h.OptimizeCollateral)

	r.Post("/maintenance", h.RunMaintenance)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, controlplane.ErrInvalidRequest),
		errors.Is(err, processing.ErrInvalidAllocation),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnknownCorporateAction):
		return http.StatusBadRequest
	case errors.Is(err, controlplane.ErrUnknownTrade),
		errors.Is(err, settlement.ErrUnknownInstruction),
		errors.Is(err, confirmation.ErrNoConfirmation):
		return http.StatusNotFound
	case errors.Is(err, trading.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrInvalidTransition),
		errors.Is(err, confirmation.ErrAlreadyTerminal),
		errors.Is(err, trading.ErrAlreadyBooked),
		errors.Is(err, processing.ErrUTIAlreadyAssigned):
		return http.StatusConflict
	case errors.Is(err, marketdata.ErrNoPrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// orEmpty keeps empty collections rendering as [] rather than null.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
