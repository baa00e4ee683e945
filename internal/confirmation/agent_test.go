package confirmation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/transport"
)

var now = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

const uti = "LEI-BANK_A:20250314-0A1B2C3D"

var (
	buyer  = model.NewParty("BANK_A")
	seller = model.NewParty("BANK_B")
)

func newTestAgent() (*Agent, *transport.Recorder, *audit.Recorder) {
	platform := transport.NewRecorder()
	rec := audit.NewRecorder()
	return NewAgent(DefaultMatchPolicy(), platform, rec, ids.FixedClock(now)), platform, rec
}

func irs() model.Product {
	return model.NewProduct("TRD-1", "InterestRateSwap", "", decimal.NewFromInt(10_000_000), model.USD, now)
}

func issue(t *testing.T, a *Agent) *model.ConfirmationDocument {
	t.Helper()
	doc, err := a.GenerateConfirmation(context.Background(), irs(), uti, buyer, seller)
	require.NoError(t, err)
	require.NotNil(t, doc)
	return doc
}

func inbound(t *testing.T, mutate func(*Terms)) model.ConfirmationDocument {
	t.Helper()
	terms := TermsFor(irs(), uti, buyer, seller)
	if mutate != nil {
		mutate(&terms)
	}
	doc, err := NewInboundDocument("TRD-1", terms, now)
	require.NoError(t, err)
	return doc
}

func TestIsConfirmable(t *testing.T) {
	a, _, _ := newTestAgent()
	assert.True(t, a.IsConfirmable(irs(), buyer, seller))

	cash := model.NewProduct("TRD-2", "CashEquity", model.Equity, decimal.NewFromInt(1), model.USD, now)
	assert.False(t, a.IsConfirmable(cash, buyer, seller))
}

func TestGenerateConfirmation(t *testing.T) {
	a, platform, rec := newTestAgent()
	doc := issue(t, a)

	assert.Equal(t, model.ConfirmationSent, doc.Status)
	assert.Equal(t, Outbound, doc.Direction)
	assert.Equal(t, FormatFPML, doc.Format)
	assert.True(t, strings.HasPrefix(doc.ID, "CONF-"))
	assert.Contains(t, doc.Content, "<uniqueTransactionIdentifier>"+uti+"</uniqueTransactionIdentifier>")

	terms, err := DecodeTerms(doc.Content)
	require.NoError(t, err)
	assert.Equal(t, "InterestRateSwap", terms.ProductType)
	assert.True(t, terms.Notional.Equal(decimal.NewFromInt(10_000_000)))
	assert.True(t, terms.FixedRate.Equal(decimal.RequireFromString("0.025")))
	assert.Equal(t, "2030-03-14", terms.MaturityDate)

	stored, err := a.Outbound("TRD-1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, stored.ID)
	assert.Len(t, platform.Confirmations(), 1)
	assert.Len(t, rec.Named("confirmation_generated"), 1)
}

func TestGenerateConfirmation_CashProduct(t *testing.T) {
	a, platform, _ := newTestAgent()
	cash := model.NewProduct("TRD-2", "CashBond", model.Credit, decimal.NewFromInt(1), model.USD, now)

	doc, err := a.GenerateConfirmation(context.Background(), cash, uti, buyer, seller)
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Empty(t, platform.Confirmations())
}

func TestProcessInbound_Match(t *testing.T) {
	a, _, _ := newTestAgent()
	issue(t, a)

	// Half a cent and a fraction of a basis point are within tolerance.
	in := inbound(t, func(tm *Terms) {
		tm.Notional = tm.Notional.Add(decimal.RequireFromString("0.005"))
		tm.FixedRate = tm.FixedRate.Add(decimal.RequireFromString("0.00005"))
	})
	res, err := a.ProcessInboundConfirmation(context.Background(), "TRD-1", in)
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmationMatched, res.Status)
	assert.Empty(t, res.Breaks)

	out, _ := a.Outbound("TRD-1")
	got, _ := a.Inbound("TRD-1")
	assert.Equal(t, model.ConfirmationMatched, out.Status)
	assert.Equal(t, out.Status, got.Status)
	assert.Empty(t, a.Disputes())
}

func TestProcessInbound_Dispute(t *testing.T) {
	a, _, rec := newTestAgent()
	issue(t, a)

	in := inbound(t, func(tm *Terms) {
		tm.Notional = tm.Notional.Add(decimal.NewFromInt(1))
		tm.MaturityDate = "2030-03-15"
	})
	res, err := a.ProcessInboundConfirmation(context.Background(), "TRD-1", in)
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmationDisputed, res.Status)
	require.Len(t, res.Breaks, 2)

	fields := []string{res.Breaks[0].Field, res.Breaks[1].Field}
	assert.ElementsMatch(t, []string{"notional", "maturity_date"}, fields)

	out, _ := a.Outbound("TRD-1")
	got, _ := a.Inbound("TRD-1")
	assert.Equal(t, model.ConfirmationDisputed, out.Status)
	assert.Equal(t, model.ConfirmationDisputed, got.Status)

	disputes := a.Disputes()
	require.Len(t, disputes, 1)
	assert.Equal(t, now.Add(24*time.Hour), disputes[0].EscalateBy)
	assert.Equal(t, []string{"TRD-1"}, a.DisputedTrades())
	assert.Len(t, rec.Named("dispute_escalation_scheduled"), 1)
}

func TestProcessInbound_TerminalNotRematched(t *testing.T) {
	a, _, _ := newTestAgent()
	issue(t, a)
	ctx := context.Background()

	_, err := a.ProcessInboundConfirmation(ctx, "TRD-1", inbound(t, nil))
	require.NoError(t, err)

	res, err := a.ProcessInboundConfirmation(ctx, "TRD-1", inbound(t, func(tm *Terms) { tm.Currency = "EUR" }))
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, model.ConfirmationMatched, res.Status)

	out, _ := a.Outbound("TRD-1")
	assert.Equal(t, model.ConfirmationMatched, out.Status)
}

func TestProcessInbound_WithoutOutbound(t *testing.T) {
	a, _, _ := newTestAgent()

	res, err := a.ProcessInboundConfirmation(context.Background(), "TRD-1", inbound(t, nil))
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmationSent, res.Status)

	_, err = a.Outbound("TRD-1")
	assert.ErrorIs(t, err, ErrNoConfirmation)
	stored, err := a.Inbound("TRD-1")
	require.NoError(t, err)
	assert.Equal(t, Inbound, stored.Direction)
}

func TestGenerateConfirmation_MatchesEarlyInbound(t *testing.T) {
	a, platform, rec := newTestAgent()
	ctx := context.Background()

	res, err := a.ProcessInboundConfirmation(ctx, "TRD-1", inbound(t, nil))
	require.NoError(t, err)
	require.Equal(t, model.ConfirmationSent, res.Status)

	doc := issue(t, a)
	assert.Equal(t, model.ConfirmationMatched, doc.Status)
	got, _ := a.Inbound("TRD-1")
	assert.Equal(t, model.ConfirmationMatched, got.Status)
	assert.Len(t, rec.Named("confirmation_matched"), 1)
	require.Len(t, platform.Confirmations(), 1)
}

func TestGenerateConfirmation_EarlyInboundDisputed(t *testing.T) {
	a, _, _ := newTestAgent()

	_, err := a.ProcessInboundConfirmation(context.Background(), "TRD-1", inbound(t, func(tm *Terms) { tm.Currency = "EUR" }))
	require.NoError(t, err)

	doc := issue(t, a)
	assert.Equal(t, model.ConfirmationDisputed, doc.Status)
	require.Len(t, a.Disputes(), 1)
	assert.Equal(t, "currency", a.Disputes()[0].Breaks[0].Field)
}

func TestGenerateConfirmation_TerminalNotReissued(t *testing.T) {
	a, platform, _ := newTestAgent()
	ctx := context.Background()
	first := issue(t, a)
	_, err := a.ProcessInboundConfirmation(ctx, "TRD-1", inbound(t, nil))
	require.NoError(t, err)

	doc, err := a.GenerateConfirmation(ctx, irs(), uti, buyer, seller)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	require.NotNil(t, doc)
	assert.Equal(t, first.ID, doc.ID)

	out, _ := a.Outbound("TRD-1")
	assert.Equal(t, model.ConfirmationMatched, out.Status)
	assert.Equal(t, first.ID, out.ID)
	assert.Len(t, platform.Confirmations(), 1)
}

func TestProcessInbound_UnreadableContent(t *testing.T) {
	a, _, _ := newTestAgent()
	issue(t, a)

	res, err := a.ProcessInboundConfirmation(context.Background(), "TRD-1", model.ConfirmationDocument{Content: "not xml <"})
	require.NoError(t, err)
	assert.Equal(t, model.ConfirmationDisputed, res.Status)
	require.Len(t, res.Breaks, 1)
	assert.Equal(t, "content", res.Breaks[0].Field)
}

func TestTrackAffirmation(t *testing.T) {
	a, _, _ := newTestAgent()
	a.TrackAffirmation(context.Background(), "TRD-1", "FUND_MGR_X")

	aff, ok := a.Affirmation("TRD-1")
	require.True(t, ok)
	assert.Equal(t, "FUND_MGR_X", aff.FundManager)
	assert.Equal(t, "AWAITING", aff.Status)
}

func TestCompare_ExactFields(t *testing.T) {
	base := TermsFor(irs(), uti, buyer, seller)
	other := base
	other.UTI = "LEI-BANK_A:20250314-FFFFFFFF"
	other.SellerLEI = "LEI-BANK_C"

	breaks := DefaultMatchPolicy().Compare(base, other)
	require.Len(t, breaks, 2)
	assert.Equal(t, "uti", breaks[0].Field)
	assert.Equal(t, "seller", breaks[1].Field)
}
