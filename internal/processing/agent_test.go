package processing

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestAgent(seed int64) (*Agent, *audit.Recorder) {
	rec := audit.NewRecorder()
	return NewAgent(ids.NewRand(seed), ids.FixedClock(now), rec), rec
}

func product(id string) model.Product {
	return model.NewProduct(id, "InterestRateSwap", "", d(1_000_000), model.USD, now)
}

func TestGenerateUTI_Format(t *testing.T) {
	a, rec := newTestAgent(42)
	buyer, seller := model.NewParty("BANK_A"), model.NewParty("BANK_B")

	uti, err := a.GenerateUTI(context.Background(), product("TRD-1"), buyer, seller)
	require.NoError(t, err)

	parsed, err := ParseUTI(uti)
	require.NoError(t, err)
	assert.Equal(t, "LEI-BANK_A", parsed.LEI)
	assert.True(t, parsed.Date.Equal(time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)))
	assert.Len(t, parsed.Suffix, 8)
	assert.True(t, strings.HasPrefix(uti, "LEI-BANK_A:20250314-"))
	assert.Len(t, rec.Named("uti_generated"), 1)
}

func TestGenerateUTI_ExactlyOncePerTrade(t *testing.T) {
	a, _ := newTestAgent(1)
	ctx := context.Background()
	buyer, seller := model.NewParty("BANK_A"), model.NewParty("BANK_B")

	first, err := a.GenerateUTI(ctx, product("TRD-1"), buyer, seller)
	require.NoError(t, err)

	again, err := a.GenerateUTI(ctx, product("TRD-1"), buyer, seller)
	assert.ErrorIs(t, err, ErrUTIAlreadyAssigned)
	assert.Equal(t, first, again)

	stored, ok := a.UTI("TRD-1")
	require.True(t, ok)
	assert.Equal(t, first, stored)
}

func TestGenerateUTI_UniqueAcrossTrades(t *testing.T) {
	a, _ := newTestAgent(7)
	ctx := context.Background()
	buyer, seller := model.NewParty("BANK_A"), model.NewParty("BANK_B")

	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		uti, err := a.GenerateUTI(ctx, product(fmt.Sprintf("TRD-%d", i)), buyer, seller)
		require.NoError(t, err)
		require.False(t, seen[uti], "duplicate UTI %s", uti)
		seen[uti] = true
	}
}

func TestGenerateUTI_DistinctSeeds(t *testing.T) {
	buyer, seller := model.NewParty("BANK_A"), model.NewParty("BANK_B")
	seen := make(map[string]bool)
	for seed := int64(1); seed <= 1000; seed++ {
		a, _ := newTestAgent(seed)
		uti, err := a.GenerateUTI(context.Background(), product("TRD-1"), buyer, seller)
		require.NoError(t, err)
		require.False(t, seen[uti], "seed %d repeated UTI %s", seed, uti)
		seen[uti] = true
	}
}

func TestParseUTI_Invalid(t *testing.T) {
	for _, s := range []string{
		"",
		"LEI-A",
		"LEI-A:2025031-0A1B2C3D",
		"LEI-A:20250314-0a1b2c3d", // lower-case hex
		"LEI-A:20250314-0A1B2C3",
		"LEI-A:20251340-0A1B2C3D", // no such month
		":20250314-0A1B2C3D",
	} {
		_, err := ParseUTI(s)
		assert.ErrorIs(t, err, ErrInvalidUTI, "input %q", s)
	}
}

func TestProcessIntercompany(t *testing.T) {
	a, _ := newTestAgent(1)
	ctx := context.Background()

	trades := a.ProcessIntercompany(ctx, product("TRD-1"), model.NewParty("BANK_A"), model.NewParty("BANK_B"))
	assert.Len(t, trades, 1)
	_, ok := a.MirrorOf("TRD-1")
	assert.False(t, ok)

	buyer, seller := model.NewParty("ENTITY_NY"), model.NewParty("ENTITY_LDN")
	trades = a.ProcessIntercompany(ctx, product("TRD-2"), buyer, seller)
	require.Len(t, trades, 2)
	assert.Equal(t, "TRD-2", trades[0].ID)
	assert.Equal(t, "TRD-2-M", trades[1].ID)

	m, ok := a.MirrorOf("TRD-2")
	require.True(t, ok)
	assert.Equal(t, "ENTITY_LDN", m.Buyer.ID)
	assert.Equal(t, "ENTITY_NY", m.Seller.ID)
}

func TestAssignNettingSet_Idempotent(t *testing.T) {
	a, _ := newTestAgent(1)
	ctx := context.Background()
	buyer, seller := model.NewParty("BANK_A"), model.NewParty("BANK_B")

	first := a.AssignNettingSet(ctx, product("TRD-1"), buyer, seller)
	second := a.AssignNettingSet(ctx, product("TRD-1"), buyer, seller)
	other := a.AssignNettingSet(ctx, product("TRD-2"), buyer, seller)

	assert.Equal(t, "NS-BANK_A-BANK_B-InterestRate", first)
	assert.Equal(t, first, second)
	assert.Equal(t, first, other)

	stored, ok := a.NettingSet("TRD-2")
	require.True(t, ok)
	assert.Equal(t, first, stored)
}

func TestAllocateBlockTrade(t *testing.T) {
	a, _ := newTestAgent(1)
	block := product("BLK-1")

	children, err := a.AllocateBlockTrade(context.Background(), block, map[string]decimal.Decimal{
		"ACC-B": d(0.25),
		"ACC-A": d(0.5),
		"ACC-C": d(0.25),
	})
	require.NoError(t, err)
	require.Len(t, children, 3)

	assert.Equal(t, "BLK-1-A1", children[0].ID)
	assert.True(t, children[0].Terms.Notional.Amount.Equal(d(500_000)))
	assert.True(t, children[1].Terms.Notional.Amount.Equal(d(250_000)))

	sum := decimal.Zero
	for _, c := range children {
		sum = sum.Add(c.Terms.Notional.Amount)
		assert.Equal(t, block.Kind, c.Kind)
	}
	assert.True(t, sum.Equal(block.Terms.Notional.Amount))
	assert.Len(t, a.Allocations("BLK-1"), 3)
}

func TestAllocateBlockTrade_Rejected(t *testing.T) {
	a, _ := newTestAgent(1)
	ctx := context.Background()

	cases := map[string]map[string]decimal.Decimal{
		"empty":    {},
		"under":    {"A": d(0.5), "B": d(0.4)},
		"over":     {"A": d(0.7), "B": d(0.4)},
		"negative": {"A": d(1.2), "B": d(-0.2)},
		"zero leg": {"A": d(1), "B": decimal.Zero},
	}
	for name, alloc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.AllocateBlockTrade(ctx, product("BLK-"+name), alloc)
			assert.ErrorIs(t, err, ErrInvalidAllocation)
			assert.Empty(t, a.Allocations("BLK-"+name))
		})
	}
}

func TestTriggerReconciliation(t *testing.T) {
	a, rec := newTestAgent(1)
	req := a.TriggerReconciliation(context.Background(), "PORTFOLIO-1")

	assert.True(t, strings.HasPrefix(req.ID, "RECON-"))
	assert.Equal(t, now, req.RequestedAt)
	assert.Len(t, a.Reconciliations(), 1)
	assert.Len(t, rec.Named("reconciliation_queued"), 1)
}
