// Package model defines the core domain types shared across the post-trade engine.
// All monetary values use shopspring/decimal, never float64 for money.
//
// Values in this package are treated as immutable once handed to an agent:
// agents copy what they store and never mutate a Product or Party they receive.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedCurrency is returned by ParseCurrency for codes outside the
// settlement universe.
var ErrUnsupportedCurrency = errors.New("model: unsupported currency")

// Currency is an ISO 4217 code accepted by the engine.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CHF Currency = "CHF"
)

var supportedCurrencies = map[Currency]bool{
	USD: true,
	EUR: true,
	GBP: true,
	JPY: true,
	CHF: true,
}

// ParseCurrency validates a currency code.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(code)))
	if !supportedCurrencies[c] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return c, nil
}

// AssetClass is fixed on a product at creation time.
type AssetClass string

const (
	InterestRate    AssetClass = "InterestRate"
	ForeignExchange AssetClass = "ForeignExchange"
	Credit          AssetClass = "Credit"
	Equity          AssetClass = "Equity"
	Commodity       AssetClass = "Commodity"
)

// Jurisdiction codes inferred for parties.
const (
	JurisdictionUS   = "US"
	JurisdictionEU   = "EU"
	JurisdictionEUGB = "EU_GB"
	JurisdictionSG   = "SG"
	JurisdictionAU   = "AU"
)

// Party is a trade counterparty. ID is stable and never reassigned.
type Party struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LEI          string `json:"lei"`
	Jurisdiction string `json:"jurisdiction"`
}

// NewParty materializes a party from its name. The legal entity identifier and
// jurisdiction come from naming conventions until a reference-data service is
// plugged in.
func NewParty(name string) Party {
	return Party{
		ID:           name,
		Name:         name,
		LEI:          "LEI-" + name,
		Jurisdiction: InferJurisdiction(name),
	}
}

// InferJurisdiction maps a party name to a jurisdiction code.
func InferJurisdiction(name string) string {
	upper := strings.ToUpper(name)
	switch {
	case strings.Contains(upper, "LONDON") || strings.Contains(upper, "_GB"):
		return JurisdictionEUGB
	case strings.Contains(upper, "PARIS") || strings.Contains(upper, "_EU"):
		return JurisdictionEU
	case strings.Contains(upper, "_SG"):
		return JurisdictionSG
	case strings.Contains(upper, "_AU"):
		return JurisdictionAU
	default:
		return JurisdictionUS
	}
}
