package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/model"
)

// premiumLag is the settlement lag of the upfront premium.
const premiumLag = 2

// ProjectCashflows derives the payment schedule of a product: an upfront
// premium two days after the effective date, then for swaps one coupon per
// period from effective to maturity. Coupons accrue the fixed rate, or the
// floating fixing plus spread, over the period's year fraction.
func (a *Agent) ProjectCashflows(product model.Product) []model.CashFlow {
	terms := product.Terms
	ccy := terms.Notional.Currency
	notional := terms.Notional.Amount

	start := product.TradeDate
	if !terms.Schedule.IsZero() {
		start = terms.Schedule.Effective
	}
	flows := []model.CashFlow{{
		Date:     start.AddDate(0, 0, premiumLag),
		Amount:   notional.Mul(a.cfg.PremiumRate).Round(2),
		Currency: ccy,
		Type:     model.FlowPremium,
	}}

	if terms.Schedule.IsZero() || !paysCoupons(product) {
		return flows
	}

	rate := a.cfg.FloatingFixing.Add(terms.Rate.Spread)
	if terms.Rate.IsFixed() {
		rate = terms.Rate.Fixed.Add(terms.Rate.Spread)
	}
	step := terms.Schedule.Frequency.Months()
	prev := terms.Schedule.Effective
	for i := 1; ; i++ {
		date := terms.Schedule.Effective.AddDate(0, step*i, 0)
		if date.After(terms.Schedule.Maturity) {
			break
		}
		yf := terms.Schedule.DayCount.YearFraction(prev, date)
		flows = append(flows, model.CashFlow{
			Date:     date,
			Amount:   notional.Mul(rate).Mul(yf).Round(2),
			Currency: ccy,
			Type:     model.FlowCoupon,
		})
		prev = date
	}
	return flows
}

func paysCoupons(product model.Product) bool {
	switch product.Kind {
	case model.KindInterestRateSwap, model.KindCreditDefaultSwap, model.KindCommoditySwap:
		return true
	case model.KindFxOption, model.KindEquityOption, model.KindGeneric:
		return false
	default:
		return false
	}
}

// NextBusinessDay returns the first weekday strictly after t, at midnight UTC.
func NextBusinessDay(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// signedFor returns amount expressed in the direction payer -> receiver.
func signedFor(in model.SettlementInstruction, payer, receiver string) decimal.Decimal {
	if in.PayerAccount == receiver && in.ReceiverAccount == payer {
		return in.Amount.Neg()
	}
	return in.Amount
}
