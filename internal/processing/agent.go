// Package processing derives the post-booking identity of a trade: its UTI,
// intercompany mirror and netting set. It also splits block trades into
// per-account allocations.
package processing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/model"
)

const domain = "processing"

// intercompanyPrefix marks parties belonging to the firm's own legal-entity
// group.
const intercompanyPrefix = "ENTITY_"

var (
	ErrUTIAlreadyAssigned = errors.New("processing: UTI already assigned to trade")
	ErrInvalidAllocation  = errors.New("processing: invalid block allocation")
)

// allocationTolerance bounds how far allocation percentages may sum away
// from one.
var allocationTolerance = decimal.New(1, -9)

// Mirror is the reciprocal booking of an intercompany trade.
type Mirror struct {
	OriginalID string        `json:"original_id"`
	Product    model.Product `json:"product"`
	Buyer      model.Party   `json:"buyer"`
	Seller     model.Party   `json:"seller"`
}

// ReconciliationRequest is a queued portfolio reconciliation job.
type ReconciliationRequest struct {
	ID          string    `json:"id"`
	PortfolioID string    `json:"portfolio_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// Agent holds the identifiers assigned to each trade.
type Agent struct {
	rnd   *ids.Rand
	clock ids.Clock
	sink  audit.Sink

	mu              sync.Mutex
	utis            map[string]string // trade id -> UTI
	issued          map[string]string // UTI -> trade id
	mirrors         map[string]Mirror
	nettingSets     map[string]string
	allocations     map[string][]model.Product
	reconciliations []ReconciliationRequest
}

func NewAgent(rnd *ids.Rand, clock ids.Clock, sink audit.Sink) *Agent {
	if rnd == nil {
		rnd = ids.NewRand(0)
	}
	if clock == nil {
		clock = ids.SystemClock
	}
	if sink == nil {
		sink = audit.Discard
	}
	return &Agent{
		rnd:         rnd,
		clock:       clock,
		sink:        sink,
		utis:        make(map[string]string),
		issued:      make(map[string]string),
		mirrors:     make(map[string]Mirror),
		nettingSets: make(map[string]string),
		allocations: make(map[string][]model.Product),
	}
}

// GenerateUTI assigns the trade's unique transaction identifier,
// "{buyerLEI}:{YYYYMMDD}-{8 hex}". A trade gets exactly one UTI; a second
// call returns ErrUTIAlreadyAssigned.
func (a *Agent) GenerateUTI(ctx context.Context, product model.Product, buyer, seller model.Party) (string, error) {
	a.mu.Lock()
	if existing, ok := a.utis[product.ID]; ok {
		a.mu.Unlock()
		return existing, fmt.Errorf("%w: %s", ErrUTIAlreadyAssigned, product.ID)
	}

	at := a.clock()
	uti := formatUTI(buyer.LEI, at, a.rnd.Hex(8))
	for {
		if _, taken := a.issued[uti]; !taken {
			break
		}
		uti = formatUTI(buyer.LEI, at, a.rnd.Hex(8))
	}
	a.utis[product.ID] = uti
	a.issued[uti] = product.ID
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "uti_generated", product.ID, "uti", uti))
	return uti, nil
}

// UTI returns the identifier assigned to a trade.
func (a *Agent) UTI(tradeID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	uti, ok := a.utis[tradeID]
	return uti, ok
}

// IsIntercompany reports whether both parties belong to the firm's own
// legal-entity group.
func IsIntercompany(buyer, seller model.Party) bool {
	return strings.HasPrefix(buyer.ID, intercompanyPrefix) && strings.HasPrefix(seller.ID, intercompanyPrefix)
}

// ProcessIntercompany returns the product, followed by its mirror with
// reversed roles when the trade is intercompany. Mirrors are retained for
// reconciliation.
func (a *Agent) ProcessIntercompany(ctx context.Context, product model.Product, buyer, seller model.Party) []model.Product {
	trades := []model.Product{product}
	if !IsIntercompany(buyer, seller) {
		return trades
	}

	mirror := product
	mirror.ID = product.ID + "-M"
	trades = append(trades, mirror)

	a.mu.Lock()
	a.mirrors[product.ID] = Mirror{OriginalID: product.ID, Product: mirror, Buyer: seller, Seller: buyer}
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "intercompany_mirrored", product.ID, "mirror_id", mirror.ID))
	return trades
}

// MirrorOf returns the retained mirror of an intercompany trade.
func (a *Agent) MirrorOf(tradeID string) (Mirror, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.mirrors[tradeID]
	return m, ok
}

// NettingSetID is the netting-set key for a party pair and asset class.
func NettingSetID(buyerID, sellerID string, ac model.AssetClass) string {
	return "NS-" + buyerID + "-" + sellerID + "-" + string(ac)
}

// AssignNettingSet records and returns the trade's netting set. The key
// depends only on the buyer, seller and asset class.
func (a *Agent) AssignNettingSet(ctx context.Context, product model.Product, buyer, seller model.Party) string {
	id := NettingSetID(buyer.ID, seller.ID, product.AssetClass)

	a.mu.Lock()
	a.nettingSets[product.ID] = id
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "netting_set_assigned", product.ID, "netting_set", id))
	return id
}

// NettingSet returns the netting set assigned to a trade.
func (a *Agent) NettingSet(tradeID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.nettingSets[tradeID]
	return id, ok
}

// AllocateBlockTrade splits a block into one child per account with notional
// block x percentage. Children are numbered in account order as
// "{blockID}-A{n}". Percentages must be positive and sum to one; otherwise
// nothing is allocated.
func (a *Agent) AllocateBlockTrade(ctx context.Context, block model.Product, allocations map[string]decimal.Decimal) ([]model.Product, error) {
	if len(allocations) == 0 {
		return nil, fmt.Errorf("%w: no allocations", ErrInvalidAllocation)
	}

	accounts := make([]string, 0, len(allocations))
	total := decimal.Zero
	for account, pct := range allocations {
		if !pct.IsPositive() {
			return nil, fmt.Errorf("%w: account %s has percentage %s", ErrInvalidAllocation, account, pct)
		}
		total = total.Add(pct)
		accounts = append(accounts, account)
	}
	if total.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(allocationTolerance) {
		return nil, fmt.Errorf("%w: percentages sum to %s", ErrInvalidAllocation, total)
	}
	sort.Strings(accounts)

	amount := block.Terms.Notional.Amount
	children := make([]model.Product, 0, len(accounts))
	for i, account := range accounts {
		id := fmt.Sprintf("%s-A%d", block.ID, i+1)
		children = append(children, block.WithNotional(id, amount.Mul(allocations[account])))
	}

	a.mu.Lock()
	a.allocations[block.ID] = append([]model.Product(nil), children...)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "block_allocated", block.ID,
		"children", len(children),
		"accounts", accounts,
	))
	return children, nil
}

// Allocations returns the children of an allocated block.
func (a *Agent) Allocations(blockID string) []model.Product {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Product(nil), a.allocations[blockID]...)
}

// TriggerReconciliation queues a reconciliation job for a portfolio.
func (a *Agent) TriggerReconciliation(ctx context.Context, portfolioID string) ReconciliationRequest {
	req := ReconciliationRequest{
		ID:          ids.Artifact("RECON"),
		PortfolioID: portfolioID,
		RequestedAt: a.clock(),
	}

	a.mu.Lock()
	a.reconciliations = append(a.reconciliations, req)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "reconciliation_queued", "", "portfolio_id", portfolioID, "job_id", req.ID))
	return req
}

// Reconciliations returns the queued reconciliation jobs.
func (a *Agent) Reconciliations() []ReconciliationRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ReconciliationRequest(nil), a.reconciliations...)
}
