// Package store archives the audit artifacts the engine's agents produce.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/post-trade-engine/internal/model"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate id")
)

// Store is the persistence boundary for ledger entries, settlement
// instructions and regulatory reports.
type Store interface {
	// --- Ledger ---

	// InsertLedgerEntry appends an immutable posting.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByTrade returns all postings for a trade across ledgers.
	GetLedgerEntriesByTrade(ctx context.Context, tradeID string) ([]model.LedgerEntry, error)

	// --- Settlement ---

	// UpsertInstruction stores or replaces an instruction by ID.
	UpsertInstruction(ctx context.Context, instr *model.SettlementInstruction) error

	// GetInstruction retrieves an instruction by ID.
	GetInstruction(ctx context.Context, id string) (*model.SettlementInstruction, error)

	// ListInstructionsByTrade returns the instructions of a trade.
	ListInstructionsByTrade(ctx context.Context, tradeID string) ([]model.SettlementInstruction, error)

	// --- Regulatory ---

	// InsertReport archives a validated report.
	InsertReport(ctx context.Context, report *model.RegulatoryReport) error

	// GetReport retrieves a report by ID.
	GetReport(ctx context.Context, id string) (*model.RegulatoryReport, error)

	// ListReportsByTrade returns the reports of a trade.
	ListReportsByTrade(ctx context.Context, tradeID string) ([]model.RegulatoryReport, error)
}
