package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConfirmationStatus moves one way: Sent, then Matched or Disputed.
type ConfirmationStatus string

const (
	ConfirmationSent     ConfirmationStatus = "SENT"
	ConfirmationMatched  ConfirmationStatus = "MATCHED"
	ConfirmationDisputed ConfirmationStatus = "DISPUTED"
)

// Terminal reports whether no further transition is allowed.
func (s ConfirmationStatus) Terminal() bool {
	return s == ConfirmationMatched || s == ConfirmationDisputed
}

// ConfirmationDocument is an outbound or inbound confirmation.
type ConfirmationDocument struct {
	ID        string             `json:"id"`
	TradeID   string             `json:"trade_id"`
	Direction string             `json:"direction"` // "OUTBOUND" or "INBOUND"
	Format    string             `json:"format"`
	Content   string             `json:"content"`
	Status    ConfirmationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// SettlementStatus moves one way: Pending, then Settled or Failed.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "PENDING"
	SettlementSettled SettlementStatus = "SETTLED"
	SettlementFailed  SettlementStatus = "FAILED"
)

// SettlementInstruction is a payment obligation. Amount is signed from the
// payer's point of view.
type SettlementInstruction struct {
	ID              string           `json:"id" db:"id"`
	TradeID         string           `json:"trade_id" db:"trade_id"`
	Counterparty    string           `json:"counterparty" db:"counterparty"`
	SettlementDate  time.Time        `json:"settlement_date" db:"settlement_date"`
	Amount          decimal.Decimal  `json:"amount" db:"amount"`
	Currency        Currency         `json:"currency" db:"currency"`
	PayerAccount    string           `json:"payer_account" db:"payer_account"`
	ReceiverAccount string           `json:"receiver_account" db:"receiver_account"`
	Status          SettlementStatus `json:"status" db:"status"`
	NettedFrom      []string         `json:"netted_from,omitempty" db:"netted_from"`
}

// Regime is a regulatory reporting rule-set.
type Regime string

const (
	RegimeCFTCPart43 Regime = "CFTC_PART_43"
	RegimeCFTCPart45 Regime = "CFTC_PART_45"
	RegimeEMIR       Regime = "EMIR"
	RegimeMIFIR      Regime = "MIFIR"
	RegimeASIC       Regime = "ASIC"
	RegimeMAS        Regime = "MAS"
)

// RegulatoryReport is a regime-specific submission. Field values are rendered
// strings so the map survives any transport unchanged.
type RegulatoryReport struct {
	ID          string            `json:"id" db:"id"`
	TradeID     string            `json:"trade_id" db:"trade_id"`
	Regime      Regime            `json:"regime" db:"regime"`
	Fields      map[string]string `json:"fields" db:"fields"`
	GeneratedAt time.Time         `json:"generated_at" db:"generated_at"`
}

// LedgerType names one of the four independent ledgers.
type LedgerType string

const (
	TradeLedger      LedgerType = "TRADE"
	PositionLedger   LedgerType = "POSITION"
	CashLedger       LedgerType = "CASH"
	CollateralLedger LedgerType = "COLLATERAL"
)

// LedgerEntry is an immutable posting. Once created, entries are never
// modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	Ledger    LedgerType      `json:"ledger" db:"ledger"`
	TradeID   string          `json:"trade_id" db:"trade_id"`
	Account   string          `json:"account" db:"account"`
	Debit     decimal.Decimal `json:"debit" db:"debit"`
	Credit    decimal.Decimal `json:"credit" db:"credit"`
	Currency  Currency        `json:"currency" db:"currency"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is the aggregated exposure of a party in one asset class.
type Position struct {
	PartyID     string          `json:"party_id"`
	AssetClass  AssetClass      `json:"asset_class"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Key returns the position map key "{partyID}-{assetClass}".
func (p Position) Key() string {
	return PositionKey(p.PartyID, p.AssetClass)
}

func PositionKey(partyID string, ac AssetClass) string {
	return partyID + "-" + string(ac)
}

// SensitivityType is a SIMM risk type.
type SensitivityType string

const (
	Delta     SensitivityType = "DELTA"
	Vega      SensitivityType = "VEGA"
	Curvature SensitivityType = "CURVATURE"
)

// Sensitivity is computed fresh per margin calculation.
type Sensitivity struct {
	TradeID string          `json:"trade_id"`
	Type    SensitivityType `json:"type"`
	Bucket  string          `json:"bucket"`
	Value   decimal.Decimal `json:"value"`
}

// MarginCall notifies a counterparty of a collateral shortfall.
type MarginCall struct {
	ID           string          `json:"id"`
	PortfolioID  string          `json:"portfolio_id"`
	Counterparty string          `json:"counterparty"`
	Shortfall    decimal.Decimal `json:"shortfall"`
	Currency     Currency        `json:"currency"`
	IssuedAt     time.Time       `json:"issued_at"`
}

// CashFlowType classifies projected flows.
type CashFlowType string

const (
	FlowPremium CashFlowType = "PREMIUM"
	FlowCoupon  CashFlowType = "COUPON"
)

// CashFlow is one projected payment.
type CashFlow struct {
	Date     time.Time       `json:"date"`
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
	Type     CashFlowType    `json:"type"`
}
