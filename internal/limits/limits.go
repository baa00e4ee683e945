// Package limits implements the pre-trade limit checks run before booking:
// counterparty credit (with correlated-group aggregation), market risk per
// asset class and operational capacity.
//
// Counterparties belonging to the same legal-entity group carry correlated
// credit risk. Group membership is detected from the party naming convention
// (the text before the first underscore), so "ENTITY_NY" and "ENTITY_LDN"
// aggregate into the "ENTITY" group.
package limits

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/model"
)

var (
	// ErrCreditLimitExceeded is returned when a trade would push one
	// counterparty's notional exposure beyond its maximum.
	ErrCreditLimitExceeded = errors.New("limits: credit limit exceeded for counterparty")

	// ErrCorrelatedLimitExceeded is returned when the aggregate exposure of
	// a counterparty group would exceed the correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated group exposure exceeded")

	// ErrMarketRiskBreached is returned when the asset-class notional cap
	// would be exceeded.
	ErrMarketRiskBreached = errors.New("limits: market risk limits breached")

	// ErrCapacityReached is returned when no more live trades can be taken.
	ErrCapacityReached = errors.New("limits: operational capacity at maximum")
)

// CreditLimiter enforces per-counterparty and per-group notional limits.
type CreditLimiter struct {
	// MaxPerCounterparty is the maximum notional exposure to any single
	// counterparty.
	MaxPerCounterparty decimal.Decimal

	// MaxCorrelated is the maximum aggregate exposure across all
	// counterparties in the same group.
	MaxCorrelated decimal.Decimal
}

// NewCreditLimiter creates a credit limiter.
func NewCreditLimiter(maxPerCounterparty, maxCorrelated decimal.Decimal) *CreditLimiter {
	return &CreditLimiter{
		MaxPerCounterparty: maxPerCounterparty,
		MaxCorrelated:      maxCorrelated,
	}
}

// CheckLimit validates whether adding exposureDelta to counterparty keeps
// both the single-name and the group exposure within limits.
//
// existing maps counterparty ID to current notional exposure.
func (l *CreditLimiter) CheckLimit(
	counterparty string,
	exposureDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	// 1. Single name.
	newExposure := existing[counterparty].Add(exposureDelta)
	if newExposure.Abs().GreaterThan(l.MaxPerCounterparty) {
		return ErrCreditLimitExceeded
	}

	// 2. Correlated group.
	group := GroupOf(counterparty)
	total := newExposure.Abs()
	for id, exposure := range existing {
		if id == counterparty {
			continue
		}
		if GroupOf(id) == group {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// GroupOf returns the legal-entity group of a party ID.
func GroupOf(partyID string) string {
	if i := strings.IndexByte(partyID, '_'); i > 0 {
		return partyID[:i]
	}
	return partyID
}

// MarketRiskLimiter caps total live notional per asset class.
type MarketRiskLimiter struct {
	PerAssetClass map[model.AssetClass]decimal.Decimal

	// Default applies to asset classes without an explicit cap. Zero means
	// uncapped.
	Default decimal.Decimal
}

func NewMarketRiskLimiter(perAssetClass map[model.AssetClass]decimal.Decimal, def decimal.Decimal) *MarketRiskLimiter {
	return &MarketRiskLimiter{PerAssetClass: perAssetClass, Default: def}
}

// CheckLimit validates that current+notional stays within the cap.
func (l *MarketRiskLimiter) CheckLimit(ac model.AssetClass, notional, current decimal.Decimal) error {
	limit, ok := l.PerAssetClass[ac]
	if !ok {
		limit = l.Default
	}
	if limit.IsZero() {
		return nil
	}
	if current.Add(notional).GreaterThan(limit) {
		return ErrMarketRiskBreached
	}
	return nil
}

// CapacityLimiter caps the number of live trades.
type CapacityLimiter struct {
	MaxLiveTrades int
}

func (l CapacityLimiter) CheckLimit(live int) error {
	if l.MaxLiveTrades > 0 && live >= l.MaxLiveTrades {
		return ErrCapacityReached
	}
	return nil
}
