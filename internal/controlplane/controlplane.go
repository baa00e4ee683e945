// Package controlplane orchestrates a trade through the post-trade domains.
// Booking, identifier assignment and netting-set assignment run strictly in
// order; confirmation, regulatory reporting, settlement, ledger and margin
// then run concurrently and are joined under a deadline. A failure in one
// domain never cancels the others.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/confirmation"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/ledger"
	"github.com/atmx/post-trade-engine/internal/margin"
	"github.com/atmx/post-trade-engine/internal/metrics"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/processing"
	"github.com/atmx/post-trade-engine/internal/regulatory"
	"github.com/atmx/post-trade-engine/internal/settlement"
	"github.com/atmx/post-trade-engine/internal/trading"
	"github.com/atmx/post-trade-engine/internal/transport"
)

const domain = "controlplane"

var (
	ErrInvalidRequest = errors.New("controlplane: invalid trade request")
	ErrUnknownTrade   = errors.New("controlplane: unknown trade")
)

// Workflow statuses.
const (
	StatusCompleted          = "completed"
	StatusPartiallyCompleted = "partially_completed"
)

// Domain outcome statuses.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Fan-out domains in reporting order.
const (
	DomainConfirmation = "confirmation"
	DomainRegulatory   = "regulatory"
	DomainSettlement   = "settlement"
	DomainLedger       = "ledger"
	DomainMargin       = "margin"
)

// TradeRequest is the raw input of a workflow. Parties are buyer then
// seller.
type TradeRequest struct {
	ProductType string           `json:"product_type"`
	AssetClass  model.AssetClass `json:"asset_class"`
	Notional    decimal.Decimal  `json:"notional"`
	Currency    string           `json:"currency"`
	Parties     [2]string        `json:"parties"`
}

func (r TradeRequest) validate() (model.Currency, error) {
	ccy, err := model.ParseCurrency(r.Currency)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if r.ProductType == "" {
		return "", fmt.Errorf("%w: product type is required", ErrInvalidRequest)
	}
	if r.Parties[0] == "" || r.Parties[1] == "" {
		return "", fmt.Errorf("%w: both party names are required", ErrInvalidRequest)
	}
	if !r.Notional.IsPositive() {
		return "", fmt.Errorf("%w: notional must be positive", ErrInvalidRequest)
	}
	return ccy, nil
}

// DomainOutcome is the result of one fan-out unit.
type DomainOutcome struct {
	Domain    string   `json:"domain"`
	Status    string   `json:"status"`
	Error     string   `json:"error,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// WorkflowResult is returned for every booked trade, including partial
// failures.
type WorkflowResult struct {
	TradeID      string          `json:"trade_id"`
	UTI          string          `json:"uti"`
	NettingSetID string          `json:"netting_set_id"`
	Mirrors      []string        `json:"mirrors,omitempty"`
	Status       string          `json:"status"`
	Domains      []DomainOutcome `json:"domains"`
	StartedAt    time.Time       `json:"started_at"`
	Duration     time.Duration   `json:"duration"`
}

// Outcome returns the outcome of one domain.
func (r *WorkflowResult) Outcome(name string) (DomainOutcome, bool) {
	for _, o := range r.Domains {
		if o.Domain == name {
			return o, true
		}
	}
	return DomainOutcome{}, false
}

// Agents are the domain workers the control plane drives.
type Agents struct {
	Trading      *trading.Agent
	Processing   *processing.Agent
	Confirmation *confirmation.Agent
	Regulatory   *regulatory.Agent
	Settlement   *settlement.Agent
	Ledger       *ledger.Agent
	Margin       *margin.Agent
}

// Broadcaster receives completed workflows, typically a WebSocket hub.
type Broadcaster interface {
	Broadcast(msg transport.WSMessage)
}

// Config tunes the orchestration.
type Config struct {
	// JoinTimeout bounds how long the fan-out is awaited.
	JoinTimeout time.Duration
}

// ControlPlane drives trade workflows.
type ControlPlane struct {
	cfg    Config
	agents Agents
	sink   audit.Sink
	clock  ids.Clock
	tracer trace.Tracer
	notify Broadcaster

	mu      sync.RWMutex
	results map[string]*WorkflowResult
	order   []string
}

// New creates a control plane over agents.
func New(cfg Config, agents Agents, sink audit.Sink, clock ids.Clock) *ControlPlane {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ids.SystemClock
	}
	return &ControlPlane{
		cfg:     cfg,
		agents:  agents,
		sink:    sink,
		clock:   clock,
		tracer:  otel.Tracer("github.com/atmx/post-trade-engine/internal/controlplane"),
		results: make(map[string]*WorkflowResult),
	}
}

// SetBroadcaster publishes every completed workflow to b.
func (c *ControlPlane) SetBroadcaster(b Broadcaster) {
	c.notify = b
}

// Agents returns the domain workers for read-only queries.
func (c *ControlPlane) Agents() Agents {
	return c.agents
}

// ProcessTradeRequest runs the full post-trade workflow. It returns an
// error only when the request is invalid or the trade is rejected before
// fan-out; domain failures are reported in the result.
func (c *ControlPlane) ProcessTradeRequest(ctx context.Context, req TradeRequest) (*WorkflowResult, error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "workflow.process_trade",
		trace.WithAttributes(attribute.String("product_type", req.ProductType)))
	defer span.End()

	ccy, err := req.validate()
	if err != nil {
		return nil, c.reject(ctx, span, "", err)
	}

	buyer, seller := model.NewParty(req.Parties[0]), model.NewParty(req.Parties[1])
	product := model.NewProduct(ids.Prefixed("TRD"), req.ProductType, req.AssetClass, req.Notional, ccy, c.clock())
	span.SetAttributes(attribute.String("trade_id", product.ID))

	booked, err := c.agents.Trading.BookTrade(ctx, product, buyer, seller)
	if err != nil {
		return nil, c.reject(ctx, span, product.ID, err)
	}
	uti, err := c.agents.Processing.GenerateUTI(ctx, booked, buyer, seller)
	if err != nil {
		return nil, c.reject(ctx, span, product.ID, err)
	}
	var mirrors []string
	for _, m := range c.agents.Processing.ProcessIntercompany(ctx, booked, buyer, seller) {
		mirrors = append(mirrors, m.ID)
	}
	nettingSet := c.agents.Processing.AssignNettingSet(ctx, booked, buyer, seller)

	result := &WorkflowResult{
		TradeID:      booked.ID,
		UTI:          uti,
		NettingSetID: nettingSet,
		Mirrors:      mirrors,
		StartedAt:    c.clock(),
	}
	result.Domains = c.fanOut(ctx, booked, buyer, seller, uti, nettingSet)

	result.Status = StatusCompleted
	for _, o := range result.Domains {
		if o.Status != OutcomeSucceeded {
			result.Status = StatusPartiallyCompleted
		}
	}
	result.Duration = time.Since(started)

	metrics.WorkflowsTotal.WithLabelValues(result.Status).Inc()
	metrics.WorkflowLatency.Observe(result.Duration.Seconds())
	span.SetAttributes(attribute.String("status", result.Status))

	c.mu.Lock()
	c.results[result.TradeID] = result
	c.order = append(c.order, result.TradeID)
	c.mu.Unlock()

	c.sink.Emit(ctx, audit.New(domain, "workflow_completed", result.TradeID,
		"status", result.Status, "uti", uti, "netting_set", nettingSet, "duration_ms", result.Duration.Milliseconds()))
	if c.notify != nil {
		c.notify.Broadcast(transport.WSMessage{
			Type:    "workflow_completed",
			TradeID: result.TradeID,
			Status:  result.Status,
			Payload: result,
		})
	}
	return result, nil
}

func (c *ControlPlane) reject(ctx context.Context, span trace.Span, tradeID string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.WorkflowsTotal.WithLabelValues("rejected").Inc()
	c.sink.Emit(ctx, audit.New(domain, "workflow_rejected", tradeID, "error", err.Error()))
	return err
}

type unit struct {
	domain string
	run    func(ctx context.Context) ([]string, error)
}

func (c *ControlPlane) units(product model.Product, buyer, seller model.Party, uti, nettingSet string) []unit {
	a := c.agents
	return []unit{
		{DomainConfirmation, func(ctx context.Context) ([]string, error) {
			doc, err := a.Confirmation.GenerateConfirmation(ctx, product, uti, buyer, seller)
			if doc == nil {
				return nil, err
			}
			if doc.Status == model.ConfirmationMatched {
				c.confirmTrade(ctx, product.ID, doc.ID)
			}
			return []string{doc.ID}, err
		}},
		{DomainRegulatory, func(ctx context.Context) ([]string, error) {
			var reports []string
			var errs []error
			for _, regime := range a.Regulatory.DetermineReportability(ctx, product, buyer, seller) {
				report := a.Regulatory.GenerateReport(product, regime, buyer, seller, uti)
				if err := a.Regulatory.QueueSubmission(ctx, report); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", regime, err))
					continue
				}
				reports = append(reports, report.ID)
			}
			if _, err := a.Regulatory.SubmitToTradeRepository(ctx); err != nil {
				errs = append(errs, err)
			}
			return reports, errors.Join(errs...)
		}},
		{DomainSettlement, func(ctx context.Context) ([]string, error) {
			instructions, err := a.Settlement.SettleTrade(ctx, product, buyer, seller)
			out := make([]string, 0, len(instructions))
			for _, in := range instructions {
				out = append(out, in.ID)
			}
			return out, err
		}},
		{DomainLedger, func(ctx context.Context) ([]string, error) {
			return nil, a.Ledger.RecordTransaction(ctx, product, buyer, seller)
		}},
		{DomainMargin, func(ctx context.Context) ([]string, error) {
			a.Margin.Register(nettingSet, product)
			simm := a.Margin.CalculatePortfolioMargin(ctx, nettingSet, a.Margin.Trades(nettingSet))
			a.Margin.ProduceRegulatoryMarginReport(ctx, simm)
			return nil, nil
		}},
	}
}

// fanOut runs every unit concurrently and waits up to JoinTimeout. Units
// still running at the deadline are reported as timed out.
func (c *ControlPlane) fanOut(ctx context.Context, product model.Product, buyer, seller model.Party, uti, nettingSet string) []DomainOutcome {
	units := c.units(product, buyer, seller, uti, nettingSet)

	var mu sync.Mutex
	outcomes := make([]DomainOutcome, len(units))
	done := make([]bool, len(units))

	unitCtx, cancel := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancel()

	var g errgroup.Group
	for i, u := range units {
		g.Go(func() error {
			o := c.runUnit(unitCtx, u)
			mu.Lock()
			outcomes[i], done[i] = o, true
			mu.Unlock()
			return nil
		})
	}

	joined := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-unitCtx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]DomainOutcome, len(units))
	for i, u := range units {
		if done[i] {
			out[i] = outcomes[i]
			continue
		}
		out[i] = DomainOutcome{Domain: u.domain, Status: OutcomeTimedOut, Error: "join deadline exceeded"}
		metrics.DomainOutcomes.WithLabelValues(u.domain, OutcomeTimedOut).Inc()
		c.sink.Emit(ctx, audit.New(domain, "domain_timed_out", product.ID, "domain", u.domain))
	}
	return out
}

func (c *ControlPlane) runUnit(ctx context.Context, u unit) (outcome DomainOutcome) {
	ctx, span := c.tracer.Start(ctx, "workflow."+u.domain)
	defer span.End()

	outcome.Domain = u.domain
	defer func() {
		if r := recover(); r != nil {
			outcome.Status = OutcomeFailed
			outcome.Error = fmt.Sprintf("panic: %v", r)
		}
		if outcome.Status == OutcomeFailed {
			span.SetStatus(codes.Error, outcome.Error)
		}
		metrics.DomainOutcomes.WithLabelValues(u.domain, outcome.Status).Inc()
	}()

	artifacts, err := u.run(ctx)
	outcome.Artifacts = artifacts
	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.Error = err.Error()
		span.RecordError(err)
		return outcome
	}
	outcome.Status = OutcomeSucceeded
	return outcome
}

// ProcessInboundConfirmation matches a counterparty confirmation and moves
// the trade to CONFIRMED on a match.
func (c *ControlPlane) ProcessInboundConfirmation(ctx context.Context, tradeID string, inbound model.ConfirmationDocument) (confirmation.MatchResult, error) {
	ctx, span := c.tracer.Start(ctx, "workflow.inbound_confirmation", trace.WithAttributes(attribute.String("trade_id", tradeID)))
	defer span.End()

	res, err := c.agents.Confirmation.ProcessInboundConfirmation(ctx, tradeID, inbound)
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	if res.Status == model.ConfirmationMatched {
		c.confirmTrade(ctx, tradeID, inbound.ID)
	}
	return res, nil
}

func (c *ControlPlane) confirmTrade(ctx context.Context, tradeID, confirmationID string) {
	event := model.NewEvent(ids.Prefixed("EVT"), tradeID, c.clock(), model.ConfirmationPayload{
		ConfirmationID: confirmationID,
		Method:         confirmation.FormatFPML,
	})
	c.agents.Trading.ApplyLifecycleEvent(ctx, tradeID, event)
}

// TerminateTrade applies a termination event to a booked trade.
func (c *ControlPlane) TerminateTrade(ctx context.Context, tradeID, reason string, payment decimal.Decimal) (trading.State, error) {
	if _, ok := c.agents.Trading.State(tradeID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTrade, tradeID)
	}
	event := model.NewEvent(ids.Prefixed("EVT"), tradeID, c.clock(), model.TerminationPayload{Reason: reason, Payment: payment})
	return c.agents.Trading.ApplyLifecycleEvent(ctx, tradeID, event), nil
}

// MaintenanceSummary reports one pass of the background retries.
type MaintenanceSummary struct {
	Resubmitted       []string `json:"resubmitted"`
	StillParked       []string `json:"still_parked"`
	SettlementRetries []string `json:"settlement_retries"`
}

// RunMaintenance retries parked regulatory submissions and failed
// settlements that have come due.
func (c *ControlPlane) RunMaintenance(ctx context.Context) (MaintenanceSummary, error) {
	ctx, span := c.tracer.Start(ctx, "maintenance")
	defer span.End()

	now := c.clock()
	var summary MaintenanceSummary
	sub, err := c.agents.Regulatory.RetryPending(ctx, now)
	summary.Resubmitted, summary.StillParked = sub.Submitted, sub.Parked
	if err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("retry submissions: %w", err)
	}
	retries, err := c.agents.Settlement.RetryDue(ctx, now)
	for _, in := range retries {
		summary.SettlementRetries = append(summary.SettlementRetries, in.ID)
	}
	if err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("retry settlements: %w", err)
	}
	return summary, nil
}

// Workflow returns the result of a processed trade.
func (c *ControlPlane) Workflow(tradeID string) (*WorkflowResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[tradeID]
	return r, ok
}

// Workflows returns every result in processing order.
func (c *ControlPlane) Workflows() []*WorkflowResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*WorkflowResult, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.results[id])
	}
	return out
}
