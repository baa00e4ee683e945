// Package ledger keeps the four books of record (trade, position, cash and
// collateral) and the aggregated positions derived from them. Entries are
// append-only.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/marketdata"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/store"
)

const domain = "ledger"

var (
	ErrUnknownCorporateAction = errors.New("ledger: unknown corporate action")
	ErrInvalidAmount          = errors.New("ledger: amount must be positive")
)

// Corporate action types.
const (
	Dividend   = "DIVIDEND"
	StockSplit = "STOCK_SPLIT"
)

// CorporateAction adjusts every position in an asset class. Dividends use
// Amount per unit held; splits use Ratio.
type CorporateAction struct {
	Type     string          `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Ratio    decimal.Decimal `json:"ratio"`
	Currency model.Currency  `json:"currency"`
}

// PnLReport is the profit and loss of a portfolio.
type PnLReport struct {
	PortfolioID string          `json:"portfolio_id"`
	Unrealized  decimal.Decimal `json:"unrealized"`
	Realized    decimal.Decimal `json:"realized"`
	Total       decimal.Decimal `json:"total"`
	AsOf        time.Time       `json:"as_of"`
}

// ReconciliationResult lists the positions that disagree with an external
// statement.
type ReconciliationResult struct {
	Clean  bool     `json:"clean"`
	Breaks []string `json:"breaks"`
}

// Report summarizes one ledger.
type Report struct {
	Ledger      model.LedgerType `json:"ledger"`
	Entries     int              `json:"entries"`
	TotalDebit  decimal.Decimal  `json:"total_debit"`
	TotalCredit decimal.Decimal  `json:"total_credit"`
	Balanced    bool             `json:"balanced"`
}

// Config holds the booking assumptions.
type Config struct {
	// Premium is the cash amount exchanged per booked trade until premiums
	// are derived from the economics.
	Premium decimal.Decimal
}

// Agent owns the ledgers and positions.
type Agent struct {
	cfg     Config
	prices  marketdata.PriceSource
	archive store.Store
	sink    audit.Sink
	clock   ids.Clock

	mu        sync.Mutex
	entries   map[model.LedgerType][]model.LedgerEntry
	positions map[string]model.Position
}

// NewAgent creates a ledger agent. archive may be nil.
func NewAgent(cfg Config, prices marketdata.PriceSource, archive store.Store, sink audit.Sink, clock ids.Clock) *Agent {
	if cfg.Premium.IsZero() {
		cfg.Premium = decimal.NewFromInt(10_000)
	}
	if prices == nil {
		prices = marketdata.NewRandomSource(ids.NewRand(0))
	}
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ids.SystemClock
	}
	return &Agent{
		cfg:       cfg,
		prices:    prices,
		archive:   archive,
		sink:      sink,
		clock:     clock,
		entries:   make(map[model.LedgerType][]model.LedgerEntry),
		positions: make(map[string]model.Position),
	}
}

func entry(prefix string, ledger model.LedgerType, tradeID, account string, debit, credit decimal.Decimal, ccy model.Currency, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        ids.Artifact(prefix),
		Ledger:    ledger,
		TradeID:   tradeID,
		Account:   account,
		Debit:     debit,
		Credit:    credit,
		Currency:  ccy,
		Timestamp: at,
	}
}

// RecordTransaction books a trade: a trade ledger marker, a long unit for
// the buyer and a short unit for the seller, and the premium cash pair.
func (a *Agent) RecordTransaction(ctx context.Context, product model.Product, buyer, seller model.Party) error {
	price, err := a.prices.LookupMarketPrice(ctx, product.AssetClass)
	if err != nil {
		return fmt.Errorf("record transaction %s: %w", product.ID, err)
	}

	now := a.clock()
	ccy := product.Terms.Notional.Currency
	one := decimal.NewFromInt(1)
	buyerKey := model.PositionKey(buyer.ID, product.AssetClass)
	sellerKey := model.PositionKey(seller.ID, product.AssetClass)

	posted := []model.LedgerEntry{
		entry("TL", model.TradeLedger, product.ID, product.ID, decimal.Zero, decimal.Zero, ccy, now),
		entry("PL", model.PositionLedger, product.ID, buyerKey, one, decimal.Zero, ccy, now),
		entry("PL", model.PositionLedger, product.ID, sellerKey, decimal.Zero, one, ccy, now),
		entry("CL", model.CashLedger, product.ID, "CASH-"+buyer.ID, a.cfg.Premium, decimal.Zero, ccy, now),
		entry("CL", model.CashLedger, product.ID, "CASH-"+seller.ID, decimal.Zero, a.cfg.Premium, ccy, now),
	}

	a.mu.Lock()
	a.applyFill(buyer.ID, product.AssetClass, one, price, now)
	a.applyFill(seller.ID, product.AssetClass, one.Neg(), price, now)
	a.append(posted...)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "transaction_recorded", product.ID,
		"buyer", buyer.ID, "seller", seller.ID, "price", price.String(), "premium", a.cfg.Premium.String()))
	return a.persist(ctx, posted)
}

// applyFill adds qty at price to a position. Adding to a position moves the
// average price; reducing it leaves the average alone; crossing through
// flat restarts it at price. Callers hold a.mu.
func (a *Agent) applyFill(partyID string, ac model.AssetClass, qty, price decimal.Decimal, at time.Time) {
	key := model.PositionKey(partyID, ac)
	pos, ok := a.positions[key]
	if !ok {
		pos = model.Position{PartyID: partyID, AssetClass: ac, Quantity: decimal.Zero, AvgPrice: decimal.Zero}
	}

	next := pos.Quantity.Add(qty)
	switch {
	case next.IsZero():
		pos.AvgPrice = decimal.Zero
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == qty.Sign():
		cost := pos.Quantity.Abs().Mul(pos.AvgPrice).Add(qty.Abs().Mul(price))
		pos.AvgPrice = cost.Div(next.Abs())
	case next.Sign() != pos.Quantity.Sign():
		pos.AvgPrice = price
	}
	pos.Quantity = next
	pos.LastUpdated = at
	a.positions[key] = pos
}

func (a *Agent) append(entries ...model.LedgerEntry) {
	for _, e := range entries {
		a.entries[e.Ledger] = append(a.entries[e.Ledger], e)
	}
}

func (a *Agent) persist(ctx context.Context, entries []model.LedgerEntry) error {
	if a.archive == nil {
		return nil
	}
	for i := range entries {
		if err := a.archive.InsertLedgerEntry(ctx, &entries[i]); err != nil {
			a.sink.Emit(ctx, audit.New(domain, "archive_failed", entries[i].TradeID, "entry_id", entries[i].ID, "error", err.Error()))
			return fmt.Errorf("archive ledger entry %s: %w", entries[i].ID, err)
		}
	}
	return nil
}

// CalculatePnL marks the positions of a portfolio (a party id, or every
// position when empty) to market. Realized P&L is not tracked yet and is
// reported as zero.
func (a *Agent) CalculatePnL(ctx context.Context, portfolioID string) (PnLReport, error) {
	var held []model.Position
	for _, p := range a.Positions() {
		if portfolioID == "" || p.PartyID == portfolioID {
			held = append(held, p)
		}
	}

	unrealized := decimal.Zero
	for _, p := range held {
		price, err := a.prices.LookupMarketPrice(ctx, p.AssetClass)
		if err != nil {
			return PnLReport{}, fmt.Errorf("mark %s: %w", p.Key(), err)
		}
		unrealized = unrealized.Add(p.Quantity.Mul(price).Sub(p.Quantity.Mul(p.AvgPrice)))
	}
	unrealized = unrealized.Round(2)

	report := PnLReport{
		PortfolioID: portfolioID,
		Unrealized:  unrealized,
		Realized:    decimal.Zero,
		Total:       unrealized,
		AsOf:        a.clock(),
	}
	a.sink.Emit(ctx, audit.New(domain, "pnl_calculated", "", "portfolio_id", portfolioID, "total", report.Total.String()))
	return report, nil
}

// ProcessCorporateAction applies action to every position in ac and returns
// how many positions it touched.
func (a *Agent) ProcessCorporateAction(ctx context.Context, action CorporateAction, ac model.AssetClass) (int, error) {
	switch action.Type {
	case Dividend:
	case StockSplit:
		if !action.Ratio.IsPositive() {
			return 0, fmt.Errorf("%w: split ratio %s", ErrInvalidAmount, action.Ratio)
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCorporateAction, action.Type)
	}

	ccy := action.Currency
	if ccy == "" {
		ccy = model.USD
	}
	now := a.clock()
	var posted []model.LedgerEntry

	a.mu.Lock()
	keys := a.sortedKeys()
	affected := 0
	for _, k := range keys {
		pos := a.positions[k]
		if pos.AssetClass != ac {
			continue
		}
		affected++
		switch action.Type {
		case Dividend:
			amount := pos.Quantity.Mul(action.Amount)
			debit, credit := decimal.Zero, amount
			if amount.IsNegative() {
				debit, credit = amount.Neg(), decimal.Zero
			}
			posted = append(posted, entry("CL", model.CashLedger, "CA-"+action.Type, "CASH-"+pos.PartyID, debit, credit, ccy, now))
		case StockSplit:
			pos.Quantity = pos.Quantity.Mul(action.Ratio)
			pos.AvgPrice = pos.AvgPrice.Div(action.Ratio)
			pos.LastUpdated = now
			a.positions[k] = pos
		}
	}
	a.append(posted...)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "corporate_action_processed", "",
		"type", action.Type, "asset_class", string(ac), "positions", affected))
	return affected, a.persist(ctx, posted)
}

// ReconcilePositions compares internal quantities with an external statement
// keyed by position key. Keys are checked in sorted order.
func (a *Agent) ReconcilePositions(ctx context.Context, external map[string]decimal.Decimal) ReconciliationResult {
	keys := make([]string, 0, len(external))
	for k := range external {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	a.mu.Lock()
	breaks := []string{}
	for _, k := range keys {
		internal := decimal.Zero
		if pos, ok := a.positions[k]; ok {
			internal = pos.Quantity
		}
		if !internal.Equal(external[k]) {
			breaks = append(breaks, fmt.Sprintf("BREAK: %s - Internal: %s, External: %s", k, internal, external[k]))
		}
	}
	a.mu.Unlock()

	result := ReconciliationResult{Clean: len(breaks) == 0, Breaks: breaks}
	a.sink.Emit(ctx, audit.New(domain, "positions_reconciled", "", "clean", result.Clean, "breaks", len(breaks)))
	return result
}

// RecordCollateral posts collateral received against a netting set.
func (a *Agent) RecordCollateral(ctx context.Context, nettingSetID string, amount decimal.Decimal, ccy model.Currency) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	now := a.clock()
	posted := []model.LedgerEntry{
		entry("COL", model.CollateralLedger, nettingSetID, "COLLATERAL-"+nettingSetID, amount, decimal.Zero, ccy, now),
		entry("COL", model.CollateralLedger, nettingSetID, "CASH-"+nettingSetID, decimal.Zero, amount, ccy, now),
	}
	a.mu.Lock()
	a.append(posted...)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "collateral_recorded", "", "netting_set", nettingSetID, "amount", amount.String()))
	return a.persist(ctx, posted)
}

// Entries returns a copy of one ledger in posting order.
func (a *Agent) Entries(ledger model.LedgerType) []model.LedgerEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.LedgerEntry(nil), a.entries[ledger]...)
}

// Position returns a single position by key.
func (a *Agent) Position(key string) (model.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[key]
	return p, ok
}

// Positions returns every position ordered by key.
func (a *Agent) Positions() []model.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Position, 0, len(a.positions))
	for _, k := range a.sortedKeys() {
		out = append(out, a.positions[k])
	}
	return out
}

func (a *Agent) sortedKeys() []string {
	keys := make([]string, 0, len(a.positions))
	for k := range a.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LedgerReport totals one ledger.
func (a *Agent) LedgerReport(ledger model.LedgerType) Report {
	r := Report{Ledger: ledger, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	for _, e := range a.Entries(ledger) {
		r.Entries++
		r.TotalDebit = r.TotalDebit.Add(e.Debit)
		r.TotalCredit = r.TotalCredit.Add(e.Credit)
	}
	r.Balanced = r.TotalDebit.Equal(r.TotalCredit)
	return r
}
