package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/controlplane"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/trading"
)

// TradeView is the response body of GET /trades/{tradeID}.
type TradeView struct {
	Product model.Product          `json:"product"`
	State   trading.State          `json:"state"`
	UTI     string                 `json:"uti,omitempty"`
	Events  []model.LifecycleEvent `json:"events"`
}

// TerminateRequest is the JSON body for POST /trades/{tradeID}/terminate.
type TerminateRequest struct {
	Reason  string          `json:"reason"`
	Payment decimal.Decimal `json:"payment"`
}

// AllocationRequest splits a booked block across accounts. Percentages are
// fractions summing to one.
type AllocationRequest struct {
	Allocations map[string]decimal.Decimal `json:"allocations"`
}

// SubmitTrade handles POST /api/v1/trades.
// Runs the full workflow and returns its result. Domain failures are
// reported inside the result, so a partially completed workflow is still 201.
func (h *Handler) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req controlplane.TradeRequest
	if !decode(w, r, &req) {
		return
	}

	result, err := h.plane.ProcessTradeRequest(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}

	slog.Info("workflow processed",
		"trade_id", result.TradeID,
		"uti", result.UTI,
		"status", result.Status,
		"duration", result.Duration.String(),
	)
	writeJSON(w, http.StatusCreated, result)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	product, ok := h.agents.Trading.Product(tradeID)
	if !ok {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}
	state, _ := h.agents.Trading.State(tradeID)
	uti, _ := h.agents.Processing.UTI(tradeID)

	writeJSON(w, http.StatusOK, TradeView{
		Product: product,
		State:   state,
		UTI:     uti,
		Events:  orEmpty(h.agents.Trading.Events(tradeID)),
	})
}

// TerminateTrade handles POST /api/v1/trades/{tradeID}/terminate
func (h *Handler) TerminateTrade(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	var req TerminateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, "reason is required", http.StatusBadRequest)
		return
	}

	state, err := h.plane.TerminateTrade(r.Context(), tradeID, req.Reason, req.Payment)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trade_id": tradeID, "state": state})
}

// AllocateBlock handles POST /api/v1/trades/{tradeID}/allocations
func (h *Handler) AllocateBlock(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	var req AllocationRequest
	if !decode(w, r, &req) {
		return
	}

	block, ok := h.agents.Trading.Product(tradeID)
	if !ok {
		writeFailure(w, fmt.Errorf("%w: %s", controlplane.ErrUnknownTrade, tradeID))
		return
	}
	children, err := h.agents.Processing.AllocateBlockTrade(r.Context(), block, req.Allocations)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, children)
}

// TrackAffirmation handles POST /api/v1/trades/{tradeID}/affirmations
func (h *Handler) TrackAffirmation(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	var req struct {
		FundManager string `json:"fund_manager"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.FundManager == "" {
		writeError(w, "fund_manager is required", http.StatusBadRequest)
		return
	}
	if _, ok := h.agents.Trading.State(tradeID); !ok {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, h.agents.Confirmation.TrackAffirmation(r.Context(), tradeID, req.FundManager))
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.plane.Workflows()))
}

// GetWorkflow handles GET /api/v1/workflows/{tradeID}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	result, ok := h.plane.Workflow(chi.URLParam(r, "tradeID"))
	if !ok {
		writeError(w, "workflow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunMaintenance handles POST /api/v1/maintenance
// Retries due regulatory submissions and failed settlements immediately
// rather than waiting for the background ticker.
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	summary, err := h.plane.RunMaintenance(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
