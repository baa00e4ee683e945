package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, ledger, trade_id, account, debit, credit, currency, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
		e.ID, string(e.Ledger), e.TradeID, e.Account,
		e.Debit.String(), e.Credit.String(),
		string(e.Currency), e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetLedgerEntriesByTrade(ctx context.Context, tradeID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ledger, trade_id, account, debit::TEXT, credit::TEXT, currency, timestamp
		 FROM ledger_entries WHERE trade_id = $1 ORDER BY timestamp, id`, tradeID)
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
		e.Debit, _ = decimal.NewFromString(debitS)
		e.Credit, _ = decimal.NewFromString(creditS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) UpsertInstruction(ctx context.Context, in *model.SettlementInstruction) error {
	netted, err := json.Marshal(in.NettedFrom)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settlement_instructions
		   (id, trade_id, counterparty, settlement_date, amount, currency,
		    payer_account, receiver_account, status, netted_from)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`,
		in.ID, in.TradeID, in.Counterparty, in.SettlementDate,
		in.Amount.String(), string(in.Currency),
		in.PayerAccount, in.ReceiverAccount, string(in.Status), string(netted),
	)
	return err
}

const instructionColumns = `id, trade_id, counterparty, settlement_date, amount::TEXT, currency,
	payer_account, receiver_account, status, netted_from`

func (s *PostgresStore) GetInstruction(ctx context.Context, id string) (*model.SettlementInstruction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+instructionColumns+` FROM settlement_instructions WHERE id = $1`, id)
	in, err := scanInstruction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: instruction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instruction %s: %w", id, err)
	}
	return in, nil
}

func (s *PostgresStore) ListInstructionsByTrade(ctx context.Context, tradeID string) ([]model.SettlementInstruction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+instructionColumns+` FROM settlement_instructions
		 WHERE trade_id = $1 ORDER BY settlement_date, id`, tradeID)
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

func (s *PostgresStore) InsertReport(ctx context.Context, r *model.RegulatoryReport) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO regulatory_reports (id, trade_id, regime, fields, generated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.TradeID, string(r.Regime), string(fields), r.GeneratedAt,
	)
	return err
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*model.RegulatoryReport, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, trade_id, regime, fields, generated_at FROM regulatory_reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) ListReportsByTrade(ctx context.Context, tradeID string) ([]model.RegulatoryReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, trade_id, regime, fields, generated_at
		 FROM regulatory_reports WHERE trade_id = $1 ORDER BY regime`, tradeID)
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

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row / *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstruction(row rowScanner) (*model.SettlementInstruction, error) {
	var in model.SettlementInstruction
	var amountS, ccy, status, netted string
	if err := row.Scan(&in.ID, &in.TradeID, &in.Counterparty, &in.SettlementDate,
		&amountS, &ccy, &in.PayerAccount, &in.ReceiverAccount, &status, &netted); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(amountS)
	if err != nil {
		return nil, fmt.Errorf("instruction %s amount: %w", in.ID, err)
	}
	in.Amount = amount
	in.Currency = model.Currency(ccy)
	in.Status = model.SettlementStatus(status)
	if err := json.Unmarshal([]byte(netted), &in.NettedFrom); err != nil {
		return nil, fmt.Errorf("instruction %s netted_from: %w", in.ID, err)
	}
	return &in, nil
}

func scanReport(row rowScanner) (*model.RegulatoryReport, error) {
	var r model.RegulatoryReport
	var regime, fields string
	if err := row.Scan(&r.ID, &r.TradeID, &regime, &fields, &r.GeneratedAt); err != nil {
		return nil, err
	}
	r.Regime = model.Regime(regime)
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, fmt.Errorf("report %s fields: %w", r.ID, err)
	}
	return &r, nil
}
