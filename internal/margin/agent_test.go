package margin

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func portfolio() []model.Product {
	return []model.Product{
		model.NewProduct("TRD-1", "InterestRateSwap", "", d(10_000_000), model.USD, now),
		model.NewProduct("TRD-2", "FxOption", "", d(5_000_000), model.USD, now),
	}
}

func TestCalculatePortfolioMargin(t *testing.T) {
	rec := audit.NewRecorder()
	a := NewAgent(Config{}, ids.NewRand(42), rec, ids.FixedClock(now))

	res := a.CalculatePortfolioMargin(context.Background(), "NS-1", portfolio())
	require.Len(t, res.Sensitivities, 5)

	counts := map[model.SensitivityType]int{}
	for _, s := range res.Sensitivities {
		counts[s.Type]++
		switch s.Type {
		case model.Delta:
			assert.True(t, s.Value.GreaterThanOrEqual(d(50_000)) && s.Value.LessThanOrEqual(d(150_000)), "delta %s", s.Value)
		case model.Vega:
			assert.Equal(t, "TRD-2", s.TradeID)
			assert.Equal(t, "ForeignExchange-Bucket1", s.Bucket)
			assert.True(t, s.Value.GreaterThanOrEqual(d(10_000)) && s.Value.LessThanOrEqual(d(30_000)), "vega %s", s.Value)
		case model.Curvature:
			assert.True(t, s.Value.GreaterThanOrEqual(d(5_000)) && s.Value.LessThanOrEqual(d(15_000)), "curvature %s", s.Value)
		}
	}
	assert.Equal(t, map[model.SensitivityType]int{model.Delta: 2, model.Vega: 1, model.Curvature: 2}, counts)

	scale := decimal.NewFromFloat(math.Sqrt(0.85))
	assert.True(t, weighted(res.Sensitivities, model.Delta).Mul(scale).Round(2).Equal(res.Delta))
	assert.True(t, weighted(res.Sensitivities, model.Vega).Mul(scale).Round(2).Equal(res.Vega))

	df, _ := res.Delta.Float64()
	vf, _ := res.Vega.Float64()
	cf, _ := res.Curvature.Float64()
	total, _ := res.TotalIM.Float64()
	assert.InDelta(t, math.Sqrt(df*df+vf*vf+cf*cf), total, 0.01)
	assert.True(t, res.TotalIM.GreaterThan(res.Delta))

	// Nothing carries over into the next calculation.
	empty := a.CalculatePortfolioMargin(context.Background(), "NS-1", nil)
	assert.Empty(t, empty.Sensitivities)
	assert.True(t, empty.TotalIM.IsZero())
	assert.Len(t, rec.Named("simm_calculated"), 2)
}

func TestCalculatePortfolioMargin_SeedReplays(t *testing.T) {
	a := NewAgent(Config{}, ids.NewRand(7), nil, nil)
	b := NewAgent(Config{}, ids.NewRand(7), nil, nil)
	ra := a.CalculatePortfolioMargin(context.Background(), "NS-1", portfolio())
	rb := b.CalculatePortfolioMargin(context.Background(), "NS-1", portfolio())
	assert.True(t, ra.TotalIM.Equal(rb.TotalIM))
}

func TestCalculatePortfolioMargin_Empty(t *testing.T) {
	a := NewAgent(Config{}, ids.NewRand(1), nil, nil)
	res := a.CalculatePortfolioMargin(context.Background(), "NS-0", nil)
	assert.Empty(t, res.Sensitivities)
	assert.True(t, res.TotalIM.IsZero())
}

func TestRiskWeight(t *testing.T) {
	tests := []struct {
		bucket string
		want   float64
	}{
		{"InterestRate-Bucket1", 2.0},
		{"ForeignExchange-Bucket1", 1.5},
		{"Credit-Bucket1", 3.0},
		{"Equity-Bucket1", 2.5},
		{"Commodity-Bucket1", 3.5},
		{"-Bucket1", 2.0},
	}
	for _, tt := range tests {
		assert.True(t, RiskWeight(tt.bucket).Equal(d(tt.want)), tt.bucket)
	}
}

func TestRegisterAndTrades(t *testing.T) {
	a := NewAgent(Config{}, nil, nil, nil)
	for _, p := range portfolio() {
		a.Register("NS-A-B-InterestRate", p)
	}
	trades := a.Trades("NS-A-B-InterestRate")
	require.Len(t, trades, 2)
	trades[0].ID = "mutated"
	assert.Equal(t, "TRD-1", a.Trades("NS-A-B-InterestRate")[0].ID)
	assert.Empty(t, a.Trades("NS-unknown"))
}

func TestVariationMargin(t *testing.T) {
	a := NewAgent(Config{}, nil, nil, nil)
	vm := a.CalculateVariationMargin(context.Background(), "NS-1", d(150_000), d(100_000))
	assert.True(t, vm.Equal(d(50_000)))
	vm = a.CalculateVariationMargin(context.Background(), "NS-1", d(50_000), d(100_000))
	assert.True(t, vm.Equal(d(-50_000)))
}

func TestGenerateMarginCall(t *testing.T) {
	rec := audit.NewRecorder()
	a := NewAgent(Config{Currency: model.EUR}, nil, rec, ids.FixedClock(now))
	ctx := context.Background()

	call := a.GenerateMarginCall(ctx, "NS-1", "BANK_B", d(100_000), d(20_000), d(80_000))
	require.NotNil(t, call)
	assert.True(t, call.Shortfall.Equal(d(40_000)))
	assert.Equal(t, model.EUR, call.Currency)
	assert.Equal(t, "BANK_B", call.Counterparty)
	assert.Equal(t, now, call.IssuedAt)
	assert.Regexp(t, `^MC-[0-9A-F]{8}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{12}$`, call.ID)

	assert.Nil(t, a.GenerateMarginCall(ctx, "NS-1", "BANK_B", d(100_000), d(20_000), d(150_000)))
	assert.Nil(t, a.GenerateMarginCall(ctx, "NS-1", "BANK_B", d(100_000), d(20_000), d(120_000)))

	assert.Len(t, a.Calls(), 1)
	assert.Len(t, rec.Named("margin_call_issued"), 1)
}

func TestOptimizeCollateral(t *testing.T) {
	assets := []CollateralAsset{
		{Type: "EQUITY", Value: d(1_000_000), Haircut: d(15), Cost: d(3)},
		{Type: "CASH_USD", Value: d(1_000_000), Haircut: d(0), Cost: d(1)},
		{Type: "UST", Value: d(1_000_000), Haircut: d(2), Cost: d(2)},
		{Type: "CORP_BOND", Value: d(1_000_000), Haircut: d(8), Cost: d(4)},
	}

	top := OptimizeCollateral(assets, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "CASH_USD", top[0].Type)
	assert.Equal(t, "UST", top[1].Type)

	assert.Len(t, OptimizeCollateral(assets, 0), 3)
	assert.Len(t, OptimizeCollateral(assets, 10), 4)
	assert.Equal(t, "EQUITY", assets[0].Type, "input must not be reordered")
}

func TestProduceRegulatoryMarginReport(t *testing.T) {
	a := NewAgent(Config{}, ids.NewRand(3), nil, ids.FixedClock(now))
	simm := a.CalculatePortfolioMargin(context.Background(), "NS-1", portfolio())

	report := a.ProduceRegulatoryMarginReport(context.Background(), simm)
	assert.Equal(t, "UMR", report.Regime)
	assert.Equal(t, "ISDA SIMM v2.6", report.Method)
	assert.Equal(t, "NS-1", report.PortfolioID)
	assert.Equal(t, "2025-03-14", report.ReportDate)
	assert.True(t, report.InitialMargin.Equal(simm.TotalIM))
}
