package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/post-trade-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and refresh or invalidate the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, ledgerKey(entry.TradeID))
	return nil
}

func (s *CachedStore) UpsertInstruction(ctx context.Context, instr *model.SettlementInstruction) error {
	if err := s.primary.UpsertInstruction(ctx, instr); err != nil {
		return err
	}
	s.cache(ctx, instructionKey(instr.ID), instr)
	s.rdb.Del(ctx, tradeInstructionsKey(instr.TradeID))
	return nil
}

func (s *CachedStore) InsertReport(ctx context.Context, report *model.RegulatoryReport) error {
	if err := s.primary.InsertReport(ctx, report); err != nil {
		return err
	}
	s.cache(ctx, reportKey(report.ID), report)
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetLedgerEntriesByTrade(ctx context.Context, tradeID string) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	if s.lookup(ctx, ledgerKey(tradeID), &entries) {
		return entries, nil
	}

	entries, err := s.primary.GetLedgerEntriesByTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ledgerKey(tradeID), entries)
	return entries, nil
}

func (s *CachedStore) GetInstruction(ctx context.Context, id string) (*model.SettlementInstruction, error) {
	var in model.SettlementInstruction
	if s.lookup(ctx, instructionKey(id), &in) {
		return &in, nil
	}

	got, err := s.primary.GetInstruction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, instructionKey(id), got)
	return got, nil
}

func (s *CachedStore) ListInstructionsByTrade(ctx context.Context, tradeID string) ([]model.SettlementInstruction, error) {
	var list []model.SettlementInstruction
	if s.lookup(ctx, tradeInstructionsKey(tradeID), &list) {
		return list, nil
	}

	list, err := s.primary.ListInstructionsByTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, tradeInstructionsKey(tradeID), list)
	return list, nil
}

func (s *CachedStore) GetReport(ctx context.Context, id string) (*model.RegulatoryReport, error) {
	var r model.RegulatoryReport
	if s.lookup(ctx, reportKey(id), &r) {
		return &r, nil
	}

	got, err := s.primary.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, reportKey(id), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListReportsByTrade(ctx context.Context, tradeID string) ([]model.RegulatoryReport, error) {
	return s.primary.ListReportsByTrade(ctx, tradeID)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func ledgerKey(tradeID string) string            { return fmt.Sprintf("ledger:%s", tradeID) }
func instructionKey(id string) string            { return fmt.Sprintf("instruction:%s", id) }
func tradeInstructionsKey(tradeID string) string { return fmt.Sprintf("instructions:%s", tradeID) }
func reportKey(id string) string                 { return fmt.Sprintf("report:%s", id) }
