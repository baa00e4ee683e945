package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/post-trade-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	ledger       []model.LedgerEntry
	instructions map[string]model.SettlementInstruction
	reports      map[string]model.RegulatoryReport
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instructions: make(map[string]model.SettlementInstruction),
		reports:      make(map[string]model.RegulatoryReport),
	}
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ledger {
		if e.ID == entry.ID {
			return fmt.Errorf("%w: ledger entry %s", ErrDuplicate, entry.ID)
		}
	}
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByTrade(_ context.Context, tradeID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.TradeID == tradeID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpsertInstruction(_ context.Context, instr *model.SettlementInstruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.instructions[instr.ID] = copyInstruction(*instr)
	return nil
}

func (s *MemoryStore) GetInstruction(_ context.Context, id string) (*model.SettlementInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instr, ok := s.instructions[id]
	if !ok {
		return nil, fmt.Errorf("%w: instruction %s", ErrNotFound, id)
	}
	cp := copyInstruction(instr)
	return &cp, nil
}

func (s *MemoryStore) ListInstructionsByTrade(_ context.Context, tradeID string) ([]model.SettlementInstruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SettlementInstruction
	for _, instr := range s.instructions {
		if instr.TradeID == tradeID {
			result = append(result, copyInstruction(instr))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SettlementDate.Equal(result[j].SettlementDate) {
			return result[i].SettlementDate.Before(result[j].SettlementDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) InsertReport(_ context.Context, report *model.RegulatoryReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[report.ID]; ok {
		return fmt.Errorf("%w: report %s", ErrDuplicate, report.ID)
	}
	s.reports[report.ID] = copyReport(*report)
	return nil
}

func (s *MemoryStore) GetReport(_ context.Context, id string) (*model.RegulatoryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	cp := copyReport(r)
	return &cp, nil
}

func (s *MemoryStore) ListReportsByTrade(_ context.Context, tradeID string) ([]model.RegulatoryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RegulatoryReport
	for _, r := range s.reports {
		if r.TradeID == tradeID {
			result = append(result, copyReport(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Regime < result[j].Regime })
	return result, nil
}

func copyInstruction(in model.SettlementInstruction) model.SettlementInstruction {
	if in.NettedFrom != nil {
		in.NettedFrom = append([]string(nil), in.NettedFrom...)
	}
	return in
}

func copyReport(in model.RegulatoryReport) model.RegulatoryReport {
	if in.Fields != nil {
		fields := make(map[string]string, len(in.Fields))
		for k, v := range in.Fields {
			fields[k] = v
		}
		in.Fields = fields
	}
	return in
}
