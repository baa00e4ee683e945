package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/confirmation"
	"github.com/atmx/post-trade-engine/internal/ledger"
	"github.com/atmx/post-trade-engine/internal/margin"
	"github.com/atmx/post-trade-engine/internal/model"
)

// --- Confirmation ---

// InboundRequest carries a counterparty confirmation as raw FpML content.
type InboundRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// GetConfirmations handles GET /api/v1/trades/{tradeID}/confirmations
func (h *Handler) GetConfirmations(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	resp := map[string]any{"trade_id": tradeID}
	out, err := h.agents.Confirmation.Outbound(tradeID)
	if err == nil {
		resp["outbound"] = out
	}
	in, inErr := h.agents.Confirmation.Inbound(tradeID)
	if inErr == nil {
		resp["inbound"] = in
	}
	if err != nil && inErr != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// InboundConfirmation handles POST /api/v1/trades/{tradeID}/confirmations
func (h *Handler) InboundConfirmation(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	var req InboundRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, "content is required", http.StatusBadRequest)
		return
	}
	if _, ok := h.agents.Trading.State(tradeID); !ok {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}

	doc := model.ConfirmationDocument{ID: req.ID, Format: confirmation.FormatFPML, Content: req.Content}
	res, err := h.plane.ProcessInboundConfirmation(r.Context(), tradeID, doc)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListDisputes handles GET /api/v1/disputes
func (h *Handler) ListDisputes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.agents.Confirmation.Disputes()))
}

// --- Regulatory ---

// PendingReports handles GET /api/v1/regulatory/pending
func (h *Handler) PendingReports(w http.ResponseWriter, r *http.Request) {
	parked, err := h.agents.Regulatory.Parked()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queued": orEmpty(h.agents.Regulatory.Pending()),
		"parked": parked,
	})
}

// SubmittedReports handles GET /api/v1/regulatory/submitted
func (h *Handler) SubmittedReports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.agents.Regulatory.Submitted()))
}

// --- Settlement ---

// TradeInstructions handles GET /api/v1/trades/{tradeID}/instructions
func (h *Handler) TradeInstructions(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	writeJSON(w, http.StatusOK, orEmpty(h.agents.Settlement.Instructions(tradeID)))
}

// UpdateSettlementStatus handles PUT /api/v1/settlement/instructions/{instructionID}/status
// This is the payment rails' status callback.
func (h *Handler) UpdateSettlementStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instructionID")
	var req struct {
		Status model.SettlementStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	switch req.Status {
	case model.SettlementPending, model.SettlementSettled, model.SettlementFailed:
	default:
		writeError(w, "status must be PENDING, SETTLED or FAILED", http.StatusBadRequest)
		return
	}

	if err := h.agents.Settlement.ProcessSettlementStatus(r.Context(), id, req.Status); err != nil {
		writeFailure(w, err)
		return
	}
	in, _ := h.agents.Settlement.Instruction(id)
	writeJSON(w, http.StatusOK, in)
}

// SettlementReport handles GET /api/v1/settlement/report
// Optionally scoped to one value date with ?date=YYYY-MM-DD.
func (h *Handler) SettlementReport(w http.ResponseWriter, r *http.Request) {
	var date time.Time
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}
	writeJSON(w, http.StatusOK, h.agents.Settlement.Report(date))
}

// FailTickets handles GET /api/v1/settlement/tickets
func (h *Handler) FailTickets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.agents.Settlement.FailTickets()))
}

// --- Ledger ---

// LedgerView is the response body of GET /ledgers/{ledger}.
type LedgerView struct {
	ledger.Report
	Lines []model.LedgerEntry `json:"lines"`
}

// CorporateActionRequest applies an action to every position in one asset
// class.
type CorporateActionRequest struct {
	Action     ledger.CorporateAction `json:"action"`
	AssetClass model.AssetClass       `json:"asset_class"`
}

// GetLedger handles GET /api/v1/ledgers/{ledger}
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	lt := model.LedgerType(strings.ToUpper(chi.URLParam(r, "ledger")))
	switch lt {
	case model.TradeLedger, model.PositionLedger, model.CashLedger, model.CollateralLedger:
	default:
		writeError(w, "unknown ledger: "+string(lt), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, LedgerView{
		Report: h.agents.Ledger.LedgerReport(lt),
		Lines:  orEmpty(h.agents.Ledger.Entries(lt)),
	})
}

// ListPositions handles GET /api/v1/positions
// Returns every position, optionally filtered by ?party=<partyID>.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.agents.Ledger.Positions()
	if party := r.URL.Query().Get("party"); party != "" {
		var filtered []model.Position
		for _, p := range positions {
			if p.PartyID == party {
				filtered = append(filtered, p)
			}
		}
		positions = filtered
	}
	writeJSON(w, http.StatusOK, orEmpty(positions))
}

// GetPnL handles GET /api/v1/pnl?portfolio=<partyID>
func (h *Handler) GetPnL(w http.ResponseWriter, r *http.Request) {
	report, err := h.agents.Ledger.CalculatePnL(r.Context(), r.URL.Query().Get("portfolio"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CorporateAction handles POST /api/v1/ledgers/corporate-actions
func (h *Handler) CorporateAction(w http.ResponseWriter, r *http.Request) {
	var req CorporateActionRequest
	if !decode(w, r, &req) {
		return
	}
	touched, err := h.agents.Ledger.ProcessCorporateAction(r.Context(), req.Action, req.AssetClass)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"positions_affected": touched})
}

// ReconcilePositions handles POST /api/v1/ledgers/reconciliations
// The body maps position keys to the external quantity.
func (h *Handler) ReconcilePositions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Positions map[string]decimal.Decimal `json:"positions"`
	}
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.agents.Ledger.ReconcilePositions(r.Context(), req.Positions))
}

// TriggerReconciliation handles POST /api/v1/portfolios/{portfolioID}/reconciliations
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	job := h.agents.Processing.TriggerReconciliation(r.Context(), chi.URLParam(r, "portfolioID"))
	writeJSON(w, http.StatusAccepted, job)
}

// --- Margin ---

// MarginCallRequest carries the inputs a margin call needs beyond the
// netting set's own trades.
type MarginCallRequest struct {
	Counterparty string          `json:"counterparty"`
	MTM          decimal.Decimal `json:"mtm"`
	Collateral   decimal.Decimal `json:"collateral"`
}

// MarginCallResponse reports the computed margin and any call issued.
type MarginCallResponse struct {
	InitialMargin   decimal.Decimal   `json:"initial_margin"`
	VariationMargin decimal.Decimal   `json:"variation_margin"`
	Call            *model.MarginCall `json:"margin_call"`
}

// GetMargin handles GET /api/v1/margin/{nettingSetID}
func (h *Handler) GetMargin(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "nettingSetID")
	trades := h.agents.Margin.Trades(ns)
	if len(trades) == 0 {
		writeError(w, "netting set not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"netting_set_id": ns,
		"trades":         trades,
	})
}

// IssueMarginCall handles POST /api/v1/margin/{nettingSetID}/calls
// Recomputes initial margin over the netting set and issues a call when
// collateral falls short.
func (h *Handler) IssueMarginCall(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "nettingSetID")
	var req MarginCallRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Counterparty == "" {
		writeError(w, "counterparty is required", http.StatusBadRequest)
		return
	}
	trades := h.agents.Margin.Trades(ns)
	if len(trades) == 0 {
		writeError(w, "netting set not found", http.StatusNotFound)
		return
	}

	ctx := r.Context()
	simm := h.agents.Margin.CalculatePortfolioMargin(ctx, ns, trades)
	vm := h.agents.Margin.CalculateVariationMargin(ctx, ns, req.MTM, req.Collateral)
	call := h.agents.Margin.GenerateMarginCall(ctx, ns, req.Counterparty, simm.TotalIM, vm, req.Collateral)

	status := http.StatusOK
	if call != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, MarginCallResponse{InitialMargin: simm.TotalIM, VariationMargin: vm, Call: call})
}

// MarginCalls handles GET /api/v1/margin/calls
func (h *Handler) MarginCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, orEmpty(h.agents.Margin.Calls()))
}

// OptimizeCollateral handles POST /api/v1/margin/collateral/optimize
func (h *Handler) OptimizeCollateral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Assets []margin.CollateralAsset `json:"assets"`
		Count  int                      `json:"count"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.Assets) == 0 {
		writeError(w, "assets are required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, margin.OptimizeCollateral(req.Assets, req.Count))
}
