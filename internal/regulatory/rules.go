package regulatory

import (
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/atmx/post-trade-engine/internal/model"
)

var mandatoryFields = map[model.Regime][]string{
	model.RegimeCFTCPart43: {"UTI", "ExecutionTimestamp", "Price", "Notional", "AssetClass", "ClearedIndicator"},
	model.RegimeCFTCPart45: {"UTI", "UPI", "ReportingCounterpartyLEI", "OtherCounterpartyLEI", "EffectiveDate", "MaturityDate", "Notional", "CollateralizationType"},
	model.RegimeEMIR:       {"UTI", "LEI_1", "LEI_2", "TradeDate", "Notional", "Valuation", "CollateralPosted"},
	model.RegimeMIFIR:      {"ISIN", "Quantity", "Price", "Venue", "BuyerLEI", "SellerLEI"},
	model.RegimeASIC:       {"UTI", "ReportingEntityLEI", "CounterpartyLEI", "AssetClass", "Notional", "Currency", "ExecutionTimestamp"},
	model.RegimeMAS:        {"UTI", "ReportingEntityLEI", "CounterpartyLEI", "ProductType", "Notional", "Currency", "TradeDate"},
}

// MandatoryFields returns the fields a report under regime must carry.
// Unknown regimes have none.
func MandatoryFields(regime model.Regime) []string {
	return append([]string(nil), mandatoryFields[regime]...)
}

// KnownRegime reports whether regime has a reporting schema.
func KnownRegime(regime model.Regime) bool {
	_, ok := mandatoryFields[regime]
	return ok
}

// DetermineReportability returns every regime the trade is reportable under,
// in a fixed order.
func DetermineReportability(product model.Product, buyer, seller model.Party) []model.Regime {
	var regimes []model.Regime
	either := func(match func(string) bool) bool {
		return match(buyer.Jurisdiction) || match(seller.Jurisdiction)
	}

	if either(equals(model.JurisdictionUS)) && strings.Contains(product.Type(), "Swap") {
		regimes = append(regimes, model.RegimeCFTCPart43, model.RegimeCFTCPart45)
	}
	if either(func(j string) bool { return strings.HasPrefix(j, "EU") }) {
		regimes = append(regimes, model.RegimeEMIR)
	}
	if product.AssetClass == model.Equity || product.AssetClass == model.Credit {
		regimes = append(regimes, model.RegimeMIFIR)
	}
	if either(equals(model.JurisdictionAU)) {
		regimes = append(regimes, model.RegimeASIC)
	}
	if either(equals(model.JurisdictionSG)) {
		regimes = append(regimes, model.RegimeMAS)
	}
	return regimes
}

func equals(want string) func(string) bool {
	return func(j string) bool { return j == want }
}

var assetClassCodes = map[model.AssetClass]string{
	model.InterestRate:    "IR",
	model.ForeignExchange: "FX",
	model.Credit:          "CRED",
	model.Equity:          "EQ",
	model.Commodity:       "CO",
}

// AssetClassCode maps an internal asset class to its reporting code.
func AssetClassCode(ac model.AssetClass) string {
	if code, ok := assetClassCodes[ac]; ok {
		return code
	}
	return "Other"
}

// reportFields renders the regime-specific field map. Unmapped regimes get an
// empty map.
func reportFields(product model.Product, regime model.Regime, buyer, seller model.Party, uti string, at time.Time) map[string]string {
	notional := product.Terms.Notional.Amount.StringFixed(2)
	ccy := string(product.Terms.Notional.Currency)
	tradeDate := product.TradeDate.Format(time.DateOnly)
	effective, maturity := tradeDate, tradeDate
	if s := product.Terms.Schedule; !s.IsZero() {
		effective = s.Effective.Format(time.DateOnly)
		maturity = s.Maturity.Format(time.DateOnly)
	}
	price := "0"
	if product.Enrichment != nil {
		price = product.Enrichment.ReferencePrice.String()
	}
	executed := at.UTC().Format(time.RFC3339)

	switch regime {
	case model.RegimeCFTCPart43:
		return map[string]string{
			"UTI":                 uti,
			"ExecutionTimestamp":  executed,
			"AssetClass":          AssetClassCode(product.AssetClass),
			"Price":               price,
			"Notional":            notional,
			"Currency":            ccy,
			"BlockTradeIndicator": "false",
			"ClearedIndicator":    "false",
		}
	case model.RegimeCFTCPart45:
		return map[string]string{
			"UTI":                      uti,
			"UPI":                      "UPI-" + product.Type(),
			"ReportingCounterpartyLEI": buyer.LEI,
			"OtherCounterpartyLEI":     seller.LEI,
			"EffectiveDate":            effective,
			"MaturityDate":             maturity,
			"Notional":                 notional,
			"CollateralizationType":    "Uncollateralized",
		}
	case model.RegimeEMIR:
		return map[string]string{
			"UTI":              uti,
			"LEI_1":            buyer.LEI,
			"LEI_2":            seller.LEI,
			"TradeDate":        tradeDate,
			"Notional":         notional,
			"Valuation":        "0.00",
			"CollateralPosted": "0.00",
		}
	case model.RegimeMIFIR:
		return map[string]string{
			"ISIN":      syntheticISIN(product.ID),
			"Quantity":  notional,
			"Price":     price,
			"Venue":     "XOFF",
			"BuyerLEI":  buyer.LEI,
			"SellerLEI": seller.LEI,
		}
	case model.RegimeASIC:
		return map[string]string{
			"UTI":                uti,
			"ReportingEntityLEI": buyer.LEI,
			"CounterpartyLEI":    seller.LEI,
			"AssetClass":         AssetClassCode(product.AssetClass),
			"Notional":           notional,
			"Currency":           ccy,
			"ExecutionTimestamp": executed,
		}
	case model.RegimeMAS:
		return map[string]string{
			"UTI":                uti,
			"ReportingEntityLEI": buyer.LEI,
			"CounterpartyLEI":    seller.LEI,
			"ProductType":        product.Type(),
			"Notional":           notional,
			"Currency":           ccy,
			"TradeDate":          tradeDate,
		}
	default:
		return map[string]string{}
	}
}

// syntheticISIN derives a stable placeholder instrument code for OTC
// products without a listed ISIN.
func syntheticISIN(productID string) string {
	return fmt.Sprintf("EZ%010d", crc32.ChecksumIEEE([]byte(productID)))
}
