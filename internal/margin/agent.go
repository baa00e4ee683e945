// Package margin computes initial margin with a simplified ISDA SIMM,
// variation margin, and issues margin calls when collateral falls short.
package margin

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/metrics"
	"github.com/atmx/post-trade-engine/internal/model"
)

const domain = "margin"

// SIMM report constants.
const (
	Regime = "UMR"
	Method = "ISDA SIMM v2.6"
)

const defaultCollateralPicks = 3

var riskWeights = map[string]float64{
	"InterestRate-Bucket1":    2.0,
	"ForeignExchange-Bucket1": 1.5,
	"Credit-Bucket1":          3.0,
	"Equity-Bucket1":          2.5,
	"Commodity-Bucket1":       3.5,
}

const defaultRiskWeight = 2.0

// RiskWeight returns the SIMM weight of a bucket.
func RiskWeight(bucket string) decimal.Decimal {
	if w, ok := riskWeights[bucket]; ok {
		return decimal.NewFromFloat(w)
	}
	return decimal.NewFromFloat(defaultRiskWeight)
}

// Bucket returns the SIMM bucket of a product.
func Bucket(p model.Product) string {
	return string(p.AssetClass) + "-Bucket1"
}

// SIMMResult is the initial margin of a portfolio broken down by risk type.
type SIMMResult struct {
	PortfolioID   string              `json:"portfolio_id"`
	Delta         decimal.Decimal     `json:"delta"`
	Vega          decimal.Decimal     `json:"vega"`
	Curvature     decimal.Decimal     `json:"curvature"`
	TotalIM       decimal.Decimal     `json:"total_im"`
	Sensitivities []model.Sensitivity `json:"sensitivities"`
}

// CollateralAsset is an asset available to post.
type CollateralAsset struct {
	Type    string          `json:"type"`
	Value   decimal.Decimal `json:"value"`
	Haircut decimal.Decimal `json:"haircut"`
	Cost    decimal.Decimal `json:"cost"`
}

// MarginReport is the regulatory margin disclosure of a portfolio.
type MarginReport struct {
	PortfolioID   string          `json:"portfolio_id"`
	Regime        string          `json:"regime"`
	Method        string          `json:"method"`
	InitialMargin decimal.Decimal `json:"initial_margin"`
	ReportDate    string          `json:"report_date"`
}

// Config holds the margin parameters.
type Config struct {
	Currency model.Currency
	// Correlation scales every weighted risk type by its square root.
	Correlation float64
}

// Agent owns the netting-set portfolios and issued calls.
type Agent struct {
	cfg   Config
	rnd   *ids.Rand
	sink  audit.Sink
	clock ids.Clock

	mu         sync.Mutex
	portfolios map[string][]model.Product
	calls      []model.MarginCall
}

// NewAgent creates a margin agent. Sensitivities are drawn from rnd until a
// pricing library is attached.
func NewAgent(cfg Config, rnd *ids.Rand, sink audit.Sink, clock ids.Clock) *Agent {
	if cfg.Currency == "" {
		cfg.Currency = model.USD
	}
	if cfg.Correlation <= 0 {
		cfg.Correlation = 0.85
	}
	if rnd == nil {
		rnd = ids.NewRand(0)
	}
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ids.SystemClock
	}
	return &Agent{
		cfg:        cfg,
		rnd:        rnd,
		sink:       sink,
		clock:      clock,
		portfolios: make(map[string][]model.Product),
	}
}

// Register adds a trade to a netting set's portfolio.
func (a *Agent) Register(nettingSetID string, product model.Product) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.portfolios[nettingSetID] = append(a.portfolios[nettingSetID], product)
}

// Trades returns the trades registered under a netting set.
func (a *Agent) Trades(nettingSetID string) []model.Product {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Product(nil), a.portfolios[nettingSetID]...)
}

func (a *Agent) computeSensitivities(trades []model.Product) []model.Sensitivity {
	out := make([]model.Sensitivity, 0, 3*len(trades))
	for _, p := range trades {
		bucket := Bucket(p)
		out = append(out, model.Sensitivity{
			TradeID: p.ID, Type: model.Delta, Bucket: bucket,
			Value: a.rnd.Between(decimal.NewFromInt(50_000), decimal.NewFromInt(100_000)),
		})
		if p.IsOption() {
			out = append(out, model.Sensitivity{
				TradeID: p.ID, Type: model.Vega, Bucket: bucket,
				Value: a.rnd.Between(decimal.NewFromInt(10_000), decimal.NewFromInt(20_000)),
			})
		}
		out = append(out, model.Sensitivity{
			TradeID: p.ID, Type: model.Curvature, Bucket: bucket,
			Value: a.rnd.Between(decimal.NewFromInt(5_000), decimal.NewFromInt(10_000)),
		})
	}
	return out
}

// weighted sums the risk-weighted sensitivities of one type.
func weighted(sens []model.Sensitivity, typ model.SensitivityType) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range sens {
		if s.Type == typ {
			sum = sum.Add(s.Value.Mul(RiskWeight(s.Bucket)))
		}
	}
	return sum
}

// CalculatePortfolioMargin computes the SIMM initial margin of trades.
// Sensitivities are produced fresh for every calculation and only returned
// in the result.
func (a *Agent) CalculatePortfolioMargin(ctx context.Context, portfolioID string, trades []model.Product) SIMMResult {
	sens := a.computeSensitivities(trades)
	scale := decimal.NewFromFloat(math.Sqrt(a.cfg.Correlation))

	delta := weighted(sens, model.Delta).Mul(scale).Round(2)
	vega := weighted(sens, model.Vega).Mul(scale).Round(2)
	curvature := weighted(sens, model.Curvature).Mul(scale).Round(2)

	df, _ := delta.Float64()
	vf, _ := vega.Float64()
	cf, _ := curvature.Float64()
	total := decimal.NewFromFloat(math.Sqrt(df*df + vf*vf + cf*cf)).Round(2)

	a.sink.Emit(ctx, audit.New(domain, "simm_calculated", "",
		"portfolio_id", portfolioID, "trades", len(trades), "total_im", total.String()))
	return SIMMResult{
		PortfolioID:   portfolioID,
		Delta:         delta,
		Vega:          vega,
		Curvature:     curvature,
		TotalIM:       total,
		Sensitivities: sens,
	}
}

// CalculateVariationMargin returns mark-to-market less collateral held.
func (a *Agent) CalculateVariationMargin(ctx context.Context, portfolioID string, mtm, collateral decimal.Decimal) decimal.Decimal {
	vm := mtm.Sub(collateral)
	a.sink.Emit(ctx, audit.New(domain, "variation_margin_calculated", "", "portfolio_id", portfolioID, "vm", vm.String()))
	return vm
}

// GenerateMarginCall issues a call for the shortfall when initial plus
// variation margin exceeds the collateral held. It returns nil otherwise.
func (a *Agent) GenerateMarginCall(ctx context.Context, portfolioID, counterparty string, im, vm, collateral decimal.Decimal) *model.MarginCall {
	shortfall := im.Add(vm).Sub(collateral)
	if !shortfall.IsPositive() {
		return nil
	}
	call := model.MarginCall{
		ID:           ids.Artifact("MC"),
		PortfolioID:  portfolioID,
		Counterparty: counterparty,
		Shortfall:    shortfall,
		Currency:     a.cfg.Currency,
		IssuedAt:     a.clock(),
	}
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()

	metrics.MarginCallsIssued.Inc()
	a.sink.Emit(ctx, audit.New(domain, "margin_call_issued", "",
		"call_id", call.ID, "portfolio_id", portfolioID, "counterparty", counterparty, "shortfall", shortfall.String()))
	return &call
}

// Calls returns every issued margin call.
func (a *Agent) Calls() []model.MarginCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.MarginCall(nil), a.calls...)
}

// OptimizeCollateral picks the n cheapest assets to deliver. n <= 0 picks
// three. The input is left untouched.
func OptimizeCollateral(assets []CollateralAsset, n int) []CollateralAsset {
	if n <= 0 {
		n = defaultCollateralPicks
	}
	sorted := append([]CollateralAsset(nil), assets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Cost.LessThan(sorted[j].Cost) })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// ProduceRegulatoryMarginReport renders the UMR disclosure for a SIMM
// result.
func (a *Agent) ProduceRegulatoryMarginReport(ctx context.Context, simm SIMMResult) MarginReport {
	report := MarginReport{
		PortfolioID:   simm.PortfolioID,
		Regime:        Regime,
		Method:        Method,
		InitialMargin: simm.TotalIM,
		ReportDate:    a.clock().Format(time.DateOnly),
	}
	a.sink.Emit(ctx, audit.New(domain, "margin_report_produced", "", "portfolio_id", simm.PortfolioID))
	return report
}
