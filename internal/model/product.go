package model

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRateAmbiguous     = errors.New("model: rate must be either fixed or floating")
	ErrNonPositiveAmount = errors.New("model: notional must be positive")
	ErrScheduleInverted  = errors.New("model: maturity precedes effective date")
)

// ProductKind discriminates the Product variants.
type ProductKind string

const (
	KindInterestRateSwap  ProductKind = "InterestRateSwap"
	KindFxOption          ProductKind = "FxOption"
	KindCreditDefaultSwap ProductKind = "CreditDefaultSwap"
	KindEquityOption      ProductKind = "EquityOption"
	KindCommoditySwap     ProductKind = "CommoditySwap"
	KindGeneric           ProductKind = "Generic"
)

// Frequency is a coupon payment frequency.
type Frequency string

const (
	Annual     Frequency = "ANNUAL"
	SemiAnnual Frequency = "SEMI_ANNUAL"
	Quarterly  Frequency = "QUARTERLY"
	Monthly    Frequency = "MONTHLY"
)

// Months returns the step between coupon dates. Unknown frequencies step
// annually.
func (f Frequency) Months() int {
	switch f {
	case SemiAnnual:
		return 6
	case Quarterly:
		return 3
	case Monthly:
		return 1
	default:
		return 12
	}
}

// DayCount is a day-count convention.
type DayCount string

const (
	Act360    DayCount = "ACT_360"
	Act365    DayCount = "ACT_365"
	Thirty360 DayCount = "THIRTY_360"
)

// YearFraction returns the accrual fraction between two dates.
func (dc DayCount) YearFraction(start, end time.Time) decimal.Decimal {
	switch dc {
	case Thirty360:
		d1, d2 := start.Day(), end.Day()
		if d1 == 31 {
			d1 = 30
		}
		if d2 == 31 && d1 == 30 {
			d2 = 30
		}
		days := 360*(end.Year()-start.Year()) + 30*(int(end.Month())-int(start.Month())) + (d2 - d1)
		return decimal.NewFromInt(int64(days)).Div(decimal.NewFromInt(360))
	case Act365:
		return actualDays(start, end).Div(decimal.NewFromInt(365))
	default:
		return actualDays(start, end).Div(decimal.NewFromInt(360))
	}
}

func actualDays(start, end time.Time) decimal.Decimal {
	hours := end.Sub(start).Hours()
	return decimal.NewFromInt(int64(hours / 24))
}

// Notional is an amount in a currency.
type Notional struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// Schedule describes the accrual period of a product.
type Schedule struct {
	Effective time.Time `json:"effective"`
	Maturity  time.Time `json:"maturity"`
	Frequency Frequency `json:"frequency"`
	DayCount  DayCount  `json:"day_count"`
}

// IsZero reports whether no schedule was synthesized for the product.
func (s Schedule) IsZero() bool {
	return s.Effective.IsZero() && s.Maturity.IsZero()
}

// Rate is either a fixed rate or a floating index plus spread, never both.
type Rate struct {
	Fixed      *decimal.Decimal `json:"fixed,omitempty"`
	FloatIndex string           `json:"float_index,omitempty"`
	Spread     decimal.Decimal  `json:"spread"`
}

// FixedRate builds a fixed Rate.
func FixedRate(r decimal.Decimal) Rate {
	return Rate{Fixed: &r}
}

// FloatingRate builds a floating Rate.
func FloatingRate(index string, spread decimal.Decimal) Rate {
	return Rate{FloatIndex: index, Spread: spread}
}

func (r Rate) IsFixed() bool { return r.Fixed != nil }

func (r Rate) Validate() error {
	if r.IsFixed() == (r.FloatIndex != "") {
		return ErrRateAmbiguous
	}
	return nil
}

// EconomicTerms bundles notional, schedule and rate.
type EconomicTerms struct {
	Notional Notional `json:"notional"`
	Schedule Schedule `json:"schedule"`
	Rate     Rate     `json:"rate"`
}

func (t EconomicTerms) Validate() error {
	if !t.Notional.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if !t.Schedule.IsZero() && t.Schedule.Maturity.Before(t.Schedule.Effective) {
		return ErrScheduleInverted
	}
	return t.Rate.Validate()
}

// ProductDetails is the variant-specific payload of a Product. The set of
// implementations is closed to this package.
type ProductDetails interface {
	productKind() ProductKind
}

type InterestRateSwapDetails struct {
	FixedRate   decimal.Decimal `json:"fixed_rate"`
	FloatIndex  string          `json:"float_index"`
	FloatSpread decimal.Decimal `json:"float_spread"`
}

type FxOptionDetails struct {
	CurrencyPair string          `json:"currency_pair"`
	Strike       decimal.Decimal `json:"strike"`
	Expiry       time.Time       `json:"expiry"`
	OptionType   string          `json:"option_type"`
}

type CreditDefaultSwapDetails struct {
	ReferenceEntity string          `json:"reference_entity"`
	Spread          decimal.Decimal `json:"spread"`
}

type EquityOptionDetails struct {
	Underlying string          `json:"underlying"`
	Strike     decimal.Decimal `json:"strike"`
	Expiry     time.Time       `json:"expiry"`
	OptionType string          `json:"option_type"`
}

type CommoditySwapDetails struct {
	Commodity  string          `json:"commodity"`
	FixedPrice decimal.Decimal `json:"fixed_price"`
	Unit       string          `json:"unit"`
}

// GenericDetails carries the raw product type of an unrecognized request.
type GenericDetails struct {
	RawType string `json:"raw_type"`
}

func (InterestRateSwapDetails) productKind() ProductKind  { return KindInterestRateSwap }
func (FxOptionDetails) productKind() ProductKind          { return KindFxOption }
func (CreditDefaultSwapDetails) productKind() ProductKind { return KindCreditDefaultSwap }
func (EquityOptionDetails) productKind() ProductKind      { return KindEquityOption }
func (CommoditySwapDetails) productKind() ProductKind     { return KindCommoditySwap }
func (GenericDetails) productKind() ProductKind           { return KindGeneric }

// Enrichment is the static data attached at booking.
type Enrichment struct {
	BookedAt       time.Time       `json:"booked_at"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Source         string          `json:"source"`
}

// Product is a traded instrument. Kind always agrees with Details.
type Product struct {
	ID         string         `json:"id"`
	Kind       ProductKind    `json:"kind"`
	AssetClass AssetClass     `json:"asset_class"`
	TradeDate  time.Time      `json:"trade_date"`
	Terms      EconomicTerms  `json:"terms"`
	Details    ProductDetails `json:"details"`
	Enrichment *Enrichment    `json:"enrichment,omitempty"`
}

// Type returns the product type name; generic products report the raw type
// they were requested with.
func (p Product) Type() string {
	if g, ok := p.Details.(GenericDetails); ok {
		return g.RawType
	}
	return string(p.Kind)
}

// IsOption reports whether the product carries optionality (vega risk).
func (p Product) IsOption() bool {
	switch p.Kind {
	case KindFxOption, KindEquityOption:
		return true
	case KindInterestRateSwap, KindCreditDefaultSwap, KindCommoditySwap:
		return false
	case KindGeneric:
		return strings.Contains(p.Type(), "Option")
	default:
		return false
	}
}

// WithNotional returns a copy of p with its notional amount replaced.
func (p Product) WithNotional(id string, amount decimal.Decimal) Product {
	cp := p
	cp.ID = id
	cp.Terms.Notional.Amount = amount
	return cp
}
