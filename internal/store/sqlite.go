package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/model"
)

// SQLiteStore implements Store on a local SQLite file. Decimals are stored as
// TEXT so no precision is lost.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err := Migrate(db, DialectSQLite); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, ledger, trade_id, account, debit, credit, currency, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Ledger), e.TradeID, e.Account,
		e.Debit.String(), e.Credit.String(), string(e.Currency), e.Timestamp,
	)
	return err
}

func (s *SQLiteStore) GetLedgerEntriesByTrade(ctx context.Context, tradeID string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ledger, trade_id, account, debit, credit, currency, timestamp
		 FROM ledger_entries WHERE trade_id = ? ORDER BY timestamp, id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var ledger, ccy, debitS, creditS string
		if err := rows.Scan(&e.ID, &ledger, &e.TradeID, &e.Account,
			&debitS, &creditS, &ccy, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Ledger = model.LedgerType(ledger)
		e.Currency = model.Currency(ccy)
		if e.Debit, err = decimal.NewFromString(debitS); err != nil {
			return nil, fmt.Errorf("ledger entry %s debit: %w", e.ID, err)
		}
		if e.Credit, err = decimal.NewFromString(creditS); err != nil {
			return nil, fmt.Errorf("ledger entry %s credit: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) UpsertInstruction(ctx context.Context, in *model.SettlementInstruction) error {
	netted, err := json.Marshal(in.NettedFrom)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settlement_instructions
		   (id, trade_id, counterparty, settlement_date, amount, currency,
		    payer_account, receiver_account, status, netted_from)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status`,
		in.ID, in.TradeID, in.Counterparty, in.SettlementDate,
		in.Amount.String(), string(in.Currency),
		in.PayerAccount, in.ReceiverAccount, string(in.Status), string(netted),
	)
	return err
}

const sqliteInstructionColumns = `id, trade_id, counterparty, settlement_date, amount, currency,
	payer_account, receiver_account, status, netted_from`

func (s *SQLiteStore) GetInstruction(ctx context.Context, id string) (*model.SettlementInstruction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteInstructionColumns+` FROM settlement_instructions WHERE id = ?`, id)
	in, err := scanInstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instruction %s", ErrNotFound, id)
	}
	return in, err
}

func (s *SQLiteStore) ListInstructionsByTrade(ctx context.Context, tradeID string) ([]model.SettlementInstruction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteInstructionColumns+` FROM settlement_instructions
		 WHERE trade_id = ? ORDER BY settlement_date, id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SettlementInstruction
	for rows.Next() {
		in, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *in)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) InsertReport(ctx context.Context, r *model.RegulatoryReport) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO regulatory_reports (id, trade_id, regime, fields, generated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TradeID, string(r.Regime), string(fields), r.GeneratedAt,
	)
	return err
}

func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*model.RegulatoryReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, trade_id, regime, fields, generated_at FROM regulatory_reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	return r, err
}

func (s *SQLiteStore) ListReportsByTrade(ctx context.Context, tradeID string) ([]model.RegulatoryReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trade_id, regime, fields, generated_at
		 FROM regulatory_reports WHERE trade_id = ? ORDER BY regime`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.RegulatoryReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}
