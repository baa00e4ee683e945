package confirmation

import (
	"encoding/xml"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/model"
)

const dateLayout = "2006-01-02"

// Terms are the economic terms carried by a confirmation. They render as an
// FpML-shaped XML document.
type Terms struct {
	XMLName       xml.Name        `xml:"FpML"`
	UTI           string          `xml:"trade>tradeHeader>uniqueTransactionIdentifier"`
	TradeID       string          `xml:"trade>tradeHeader>partyTradeIdentifier"`
	TradeDate     string          `xml:"trade>tradeHeader>tradeDate"`
	ProductType   string          `xml:"trade>product>productType"`
	Notional      decimal.Decimal `xml:"trade>product>notional>amount"`
	Currency      string          `xml:"trade>product>notional>currency"`
	EffectiveDate string          `xml:"trade>product>effectiveDate,omitempty"`
	MaturityDate  string          `xml:"trade>product>terminationDate,omitempty"`
	FixedRate     decimal.Decimal `xml:"trade>product>fixedRate"`
	Spread        decimal.Decimal `xml:"trade>product>spread"`
	BuyerLEI      string          `xml:"party>buyer"`
	SellerLEI     string          `xml:"party>seller"`
}

// TermsFor extracts the confirmable terms of a booked product.
func TermsFor(product model.Product, uti string, buyer, seller model.Party) Terms {
	t := Terms{
		UTI:         uti,
		TradeID:     product.ID,
		TradeDate:   product.TradeDate.Format(dateLayout),
		ProductType: product.Type(),
		Notional:    product.Terms.Notional.Amount,
		Currency:    string(product.Terms.Notional.Currency),
		Spread:      product.Terms.Rate.Spread,
		BuyerLEI:    buyer.LEI,
		SellerLEI:   seller.LEI,
	}
	if s := product.Terms.Schedule; !s.IsZero() {
		t.EffectiveDate = s.Effective.Format(dateLayout)
		t.MaturityDate = s.Maturity.Format(dateLayout)
	}
	if product.Terms.Rate.IsFixed() {
		t.FixedRate = *product.Terms.Rate.Fixed
	}
	return t
}

// EncodeTerms renders terms as XML content.
func EncodeTerms(t Terms) (string, error) {
	out, err := xml.MarshalIndent(t, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode confirmation terms: %w", err)
	}
	return xml.Header + string(out), nil
}

// DecodeTerms parses XML content produced by EncodeTerms or a counterparty.
func DecodeTerms(content string) (Terms, error) {
	var t Terms
	if err := xml.Unmarshal([]byte(content), &t); err != nil {
		return Terms{}, fmt.Errorf("decode confirmation terms: %w", err)
	}
	return t, nil
}

// Break is one field that failed to match.
type Break struct {
	Field  string `json:"field"`
	Ours   string `json:"ours"`
	Theirs string `json:"theirs"`
}

// MatchPolicy compares critical economic terms. Identifiers, product type,
// currency and dates must agree exactly; amounts and rates may differ by up
// to their tolerance.
type MatchPolicy struct {
	NotionalTolerance decimal.Decimal
	RateTolerance     decimal.Decimal
}

// DefaultMatchPolicy tolerates one cent of notional and one basis point of
// rate.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		NotionalTolerance: decimal.RequireFromString("0.01"),
		RateTolerance:     decimal.RequireFromString("0.0001"),
	}
}

// Compare returns every break between our terms and theirs.
func (p MatchPolicy) Compare(ours, theirs Terms) []Break {
	var breaks []Break
	exact := func(field, a, b string) {
		if a != b {
			breaks = append(breaks, Break{Field: field, Ours: a, Theirs: b})
		}
	}
	within := func(field string, a, b, tol decimal.Decimal) {
		if a.Sub(b).Abs().GreaterThan(tol) {
			breaks = append(breaks, Break{Field: field, Ours: a.String(), Theirs: b.String()})
		}
	}

	exact("uti", ours.UTI, theirs.UTI)
	exact("product_type", ours.ProductType, theirs.ProductType)
	exact("currency", ours.Currency, theirs.Currency)
	exact("trade_date", ours.TradeDate, theirs.TradeDate)
	exact("effective_date", ours.EffectiveDate, theirs.EffectiveDate)
	exact("maturity_date", ours.MaturityDate, theirs.MaturityDate)
	exact("buyer", ours.BuyerLEI, theirs.BuyerLEI)
	exact("seller", ours.SellerLEI, theirs.SellerLEI)
	within("notional", ours.Notional, theirs.Notional, p.NotionalTolerance)
	within("fixed_rate", ours.FixedRate, theirs.FixedRate, p.RateTolerance)
	within("spread", ours.Spread, theirs.Spread, p.RateTolerance)
	return breaks
}
