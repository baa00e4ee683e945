// Package marketdata provides market price lookups per asset class.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/model"
)

var ErrNoPrice = errors.New("marketdata: no price for asset class")

// PriceSource looks up the current market price of an asset class.
type PriceSource interface {
	LookupMarketPrice(ctx context.Context, assetClass model.AssetClass) (decimal.Decimal, error)
}

// RandomSource draws prices uniformly from [base, base+spread). It stands in
// for a real feed in development and seeded tests.
type RandomSource struct {
	rnd    *ids.Rand
	base   decimal.Decimal
	spread decimal.Decimal
}

// NewRandomSource returns prices in [100, 110).
func NewRandomSource(rnd *ids.Rand) *RandomSource {
	return &RandomSource{
		rnd:    rnd,
		base:   decimal.NewFromInt(100),
		spread: decimal.NewFromInt(10),
	}
}

func (s *RandomSource) LookupMarketPrice(_ context.Context, _ model.AssetClass) (decimal.Decimal, error) {
	return s.rnd.Between(s.base, s.spread), nil
}

// StaticSource serves fixed prices, falling back to Default when set.
type StaticSource struct {
	mu      sync.RWMutex
	prices  map[model.AssetClass]decimal.Decimal
	Default decimal.Decimal
}

func NewStaticSource(prices map[model.AssetClass]decimal.Decimal) *StaticSource {
	cp := make(map[model.AssetClass]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticSource{prices: cp}
}

// Set updates the price of one asset class.
func (s *StaticSource) Set(ac model.AssetClass, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ac] = price
}

func (s *StaticSource) LookupMarketPrice(_ context.Context, ac model.AssetClass) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.prices[ac]; ok {
		return p, nil
	}
	if !s.Default.IsZero() {
		return s.Default, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, ac)
}
