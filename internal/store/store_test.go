package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/post-trade-engine/internal/model"
)

var ts = time.Date(2025, 3, 14, 10, 30, 0, 123456789, time.UTC)

func sampleEntry(id string) model.LedgerEntry {
	return model.LedgerEntry{
		ID: id, Ledger: model.CashLedger, TradeID: "TRD-1", Account: "BANK_A",
		Debit: decimal.RequireFromString("10000.0001"), Credit: decimal.Zero,
		Currency: model.USD, Timestamp: ts,
	}
}

func sampleInstruction() model.SettlementInstruction {
	return model.SettlementInstruction{
		ID: "SI-1", TradeID: "TRD-1", Counterparty: "BANK_B",
		SettlementDate: ts.Truncate(24 * time.Hour),
		Amount:         decimal.RequireFromString("-12345.67"), Currency: model.EUR,
		PayerAccount: "ACC-BANK_A", ReceiverAccount: "ACC-BANK_B",
		Status: model.SettlementPending, NettedFrom: []string{"SI-A", "SI-B"},
	}
}

func sampleReport(id string, regime model.Regime) model.RegulatoryReport {
	return model.RegulatoryReport{
		ID: id, TradeID: "TRD-1", Regime: regime,
		Fields:      map[string]string{"UTI": "LEI-BANK_A:20250314-0A1B2C3D", "Notional": "1000000.00"},
		GeneratedAt: ts,
	}
}

// exerciseStore runs the same round-trip contract against any Store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	// Ledger.
	e := sampleEntry("CL-1")
	require.NoError(t, s.InsertLedgerEntry(ctx, &e))
	entries, err := s.GetLedgerEntriesByTrade(ctx, "TRD-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.Ledger, got.Ledger)
	assert.Equal(t, e.Account, got.Account)
	assert.Equal(t, e.Debit.String(), got.Debit.String())
	assert.Equal(t, e.Credit.String(), got.Credit.String())
	assert.Equal(t, e.Currency, got.Currency)
	assert.True(t, e.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", e.Timestamp, got.Timestamp)

	// Instructions, including a status update through upsert.
	in := sampleInstruction()
	require.NoError(t, s.UpsertInstruction(ctx, &in))
	in.Status = model.SettlementSettled
	require.NoError(t, s.UpsertInstruction(ctx, &in))

	gotIn, err := s.GetInstruction(ctx, "SI-1")
	require.NoError(t, err)
	assert.Equal(t, model.SettlementSettled, gotIn.Status)
	assert.Equal(t, in.Amount.String(), gotIn.Amount.String())
	assert.Equal(t, in.NettedFrom, gotIn.NettedFrom)
	assert.Equal(t, in.PayerAccount, gotIn.PayerAccount)
	assert.Equal(t, in.ReceiverAccount, gotIn.ReceiverAccount)
	assert.True(t, in.SettlementDate.Equal(gotIn.SettlementDate))

	list, err := s.ListInstructionsByTrade(ctx, "TRD-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetInstruction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Reports.
	r := sampleReport("RPT-1", model.RegimeEMIR)
	require.NoError(t, s.InsertReport(ctx, &r))
	r2 := sampleReport("RPT-2", model.RegimeCFTCPart43)
	require.NoError(t, s.InsertReport(ctx, &r2))

	gotR, err := s.GetReport(ctx, "RPT-1")
	require.NoError(t, err)
	assert.Equal(t, r.Fields, gotR.Fields)
	assert.Equal(t, r.Regime, gotR.Regime)
	assert.True(t, r.GeneratedAt.Equal(gotR.GeneratedAt))

	reports, err := s.ListReportsByTrade(ctx, "TRD-1")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, model.RegimeCFTCPart43, reports[0].Regime)

	_, err = s.GetReport(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "archive.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.sqlite")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	e := sampleEntry("TL-1")
	require.NoError(t, s.InsertLedgerEntry(context.Background(), &e))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.GetLedgerEntriesByTrade(context.Background(), "TRD-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r := sampleReport("RPT-1", model.RegimeMAS)
	require.NoError(t, s.InsertReport(ctx, &r))
	r.Fields["UTI"] = "mutated"

	got, err := s.GetReport(ctx, "RPT-1")
	require.NoError(t, err)
	assert.Equal(t, "LEI-BANK_A:20250314-0A1B2C3D", got.Fields["UTI"])

	got.Fields["UTI"] = "mutated again"
	again, _ := s.GetReport(ctx, "RPT-1")
	assert.Equal(t, "LEI-BANK_A:20250314-0A1B2C3D", again.Fields["UTI"])

	assert.ErrorIs(t, s.InsertReport(ctx, &r), ErrDuplicate)
}
