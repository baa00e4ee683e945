package model

import (
	"time"

	"github.com/shopspring/decimal"
)

var defaultAssetClass = map[ProductKind]AssetClass{
	KindInterestRateSwap:  InterestRate,
	KindFxOption:          ForeignExchange,
	KindCreditDefaultSwap: Credit,
	KindEquityOption:      Equity,
	KindCommoditySwap:     Commodity,
}

// KindOf maps a requested product type to its variant. Unrecognized types map
// to KindGeneric.
func KindOf(productType string) ProductKind {
	switch productType {
	case "InterestRateSwap":
		return KindInterestRateSwap
	case "FxOption", "FxForward":
		return KindFxOption
	case "CreditDefaultSwap":
		return KindCreditDefaultSwap
	case "EquityOption":
		return KindEquityOption
	case "CommoditySwap":
		return KindCommoditySwap
	default:
		return KindGeneric
	}
}

// NewProduct builds a product of the requested type with synthesized economic
// terms. An empty asset class takes the variant's natural class.
func NewProduct(id, productType string, assetClass AssetClass, amount decimal.Decimal, ccy Currency, tradeDate time.Time) Product {
	kind := KindOf(productType)
	if assetClass == "" {
		assetClass = defaultAssetClass[kind]
	}
	tradeDate = tradeDate.UTC()

	p := Product{
		ID:         id,
		Kind:       kind,
		AssetClass: assetClass,
		TradeDate:  tradeDate,
		Terms: EconomicTerms{
			Notional: Notional{Amount: amount, Currency: ccy},
		},
	}

	fiveYear := Schedule{
		Effective: tradeDate,
		Maturity:  tradeDate.AddDate(5, 0, 0),
		Frequency: SemiAnnual,
		DayCount:  Act360,
	}

	switch kind {
	case KindInterestRateSwap:
		fixed := decimal.RequireFromString("0.025")
		p.Terms.Schedule = fiveYear
		p.Terms.Rate = FixedRate(fixed)
		p.Details = InterestRateSwapDetails{
			FixedRate:   fixed,
			FloatIndex:  "SOFR",
			FloatSpread: decimal.RequireFromString("0.001"),
		}
	case KindFxOption:
		expiry := tradeDate.AddDate(0, 3, 0)
		p.Terms.Schedule = Schedule{Effective: tradeDate, Maturity: expiry, Frequency: Annual, DayCount: Act365}
		p.Terms.Rate = FixedRate(decimal.Zero)
		p.Details = FxOptionDetails{
			CurrencyPair: "EUR/USD",
			Strike:       decimal.RequireFromString("1.10"),
			Expiry:       expiry,
			OptionType:   "CALL",
		}
	case KindCreditDefaultSwap:
		spread := decimal.RequireFromString("0.005")
		p.Terms.Schedule = fiveYear
		p.Terms.Schedule.Frequency = Quarterly
		p.Terms.Rate = FixedRate(spread)
		p.Details = CreditDefaultSwapDetails{ReferenceEntity: "ACME Corp", Spread: spread}
	case KindEquityOption:
		expiry := tradeDate.AddDate(0, 6, 0)
		p.Terms.Schedule = Schedule{Effective: tradeDate, Maturity: expiry, Frequency: Annual, DayCount: Act365}
		p.Terms.Rate = FixedRate(decimal.Zero)
		p.Details = EquityOptionDetails{
			Underlying: "SPX",
			Strike:     decimal.NewFromInt(5000),
			Expiry:     expiry,
			OptionType: "PUT",
		}
	case KindCommoditySwap:
		p.Terms.Schedule = Schedule{
			Effective: tradeDate,
			Maturity:  tradeDate.AddDate(1, 0, 0),
			Frequency: Quarterly,
			DayCount:  Act365,
		}
		p.Terms.Rate = FloatingRate("WTI", decimal.Zero)
		p.Details = CommoditySwapDetails{
			Commodity:  "WTI",
			FixedPrice: decimal.RequireFromString("75.50"),
			Unit:       "BBL",
		}
	case KindGeneric:
		p.Terms.Rate = FixedRate(decimal.Zero)
		p.Details = GenericDetails{RawType: productType}
	}
	return p
}
