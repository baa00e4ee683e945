package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/store"
	"github.com/atmx/post-trade-engine/internal/transport"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Friday.
var now = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

var (
	buyer  = model.NewParty("BANK_A")
	seller = model.NewParty("BANK_B")
)

func newTestAgent() (*Agent, *transport.Recorder, *store.MemoryStore, *audit.Recorder) {
	rails := transport.NewRecorder()
	archive := store.NewMemoryStore()
	rec := audit.NewRecorder()
	a := NewAgent(Config{}, rails, archive, FixedClassifier("Insufficient Funds"), rec, ids.FixedClock(now))
	return a, rails, archive, rec
}

func instruction(id string, amount float64, payer, receiver string) model.SettlementInstruction {
	return model.SettlementInstruction{
		ID:              id,
		TradeID:         "TRD-1",
		Counterparty:    "BANK_B",
		SettlementDate:  time.Date(2025, 3, 18, 0, 0, 0, 0, time.UTC),
		Amount:          d(amount),
		Currency:        model.USD,
		PayerAccount:    payer,
		ReceiverAccount: receiver,
		Status:          model.SettlementPending,
	}
}

func TestProjectCashflows_Swap(t *testing.T) {
	a, _, _, _ := newTestAgent()
	p := model.NewProduct("TRD-1", "InterestRateSwap", "", d(10_000_000), model.USD, now)

	flows := a.ProjectCashflows(p)
	// Premium plus ten semi-annual coupons over five years.
	if len(flows) != 11 {
		t.Fatalf("expected 11 flows, got %d", len(flows))
	}

	premium := flows[0]
	if premium.Type != model.FlowPremium {
		t.Fatalf("expected premium first, got %s", premium.Type)
	}
	if !premium.Date.Equal(now.AddDate(0, 0, 2)) {
		t.Errorf("premium date: got %s", premium.Date)
	}
	if !premium.Amount.Equal(d(100_000)) {
		t.Errorf("premium amount: expected 100000, got %s", premium.Amount)
	}

	// 184 days ACT/360 at 2.5%.
	first := flows[1]
	if first.Type != model.FlowCoupon {
		t.Fatalf("expected coupon, got %s", first.Type)
	}
	if !first.Date.Equal(time.Date(2025, 9, 14, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("first coupon date: got %s", first.Date)
	}
	if !first.Amount.Equal(d(127_777.78)) {
		t.Errorf("first coupon: expected 127777.78, got %s", first.Amount)
	}
	if last := flows[len(flows)-1]; !last.Date.Equal(p.Terms.Schedule.Maturity) {
		t.Errorf("last coupon should fall on maturity, got %s", last.Date)
	}
}

func TestProjectCashflows_PremiumOnly(t *testing.T) {
	a, _, _, _ := newTestAgent()
	for _, typ := range []string{"FxOption", "Swaption"} {
		p := model.NewProduct("TRD-1", typ, model.InterestRate, d(1_000_000), model.EUR, now)
		flows := a.ProjectCashflows(p)
		if len(flows) != 1 || flows[0].Type != model.FlowPremium {
			t.Errorf("%s: expected premium only, got %+v", typ, flows)
		}
		if !flows[0].Amount.Equal(d(10_000)) {
			t.Errorf("%s: expected premium 10000, got %s", typ, flows[0].Amount)
		}
		if !flows[0].Date.Equal(now.AddDate(0, 0, 2)) {
			t.Errorf("%s: premium date %s", typ, flows[0].Date)
		}
	}
}

func TestProjectCashflows_FloatingUsesFixing(t *testing.T) {
	a := NewAgent(Config{FloatingFixing: d(0.04)}, nil, nil, nil, nil, ids.FixedClock(now))
	p := model.NewProduct("TRD-1", "CommoditySwap", "", d(1_000_000), model.USD, now)

	flows := a.ProjectCashflows(p)
	if len(flows) != 5 {
		t.Fatalf("expected premium plus 4 quarterly coupons, got %d", len(flows))
	}
	// 2025-03-14 to 2025-06-14 is 92 days ACT/365 at 4%.
	if !flows[1].Amount.Equal(d(10_082.19)) {
		t.Errorf("expected 10082.19, got %s", flows[1].Amount)
	}
}

func TestBuildInstructions_Horizon(t *testing.T) {
	a, _, _, _ := newTestAgent()
	p := model.NewProduct("TRD-1", "InterestRateSwap", "", d(10_000_000), model.USD, now)
	flows := a.ProjectCashflows(p)

	near := a.BuildInstructions(p, buyer, seller, flows, 0)
	if len(near) != 1 {
		t.Fatalf("30 day horizon: expected 1 instruction, got %d", len(near))
	}
	in := near[0]
	if in.PayerAccount != "ACC-BANK_A" || in.ReceiverAccount != "ACC-BANK_B" || in.Counterparty != "BANK_B" {
		t.Errorf("unexpected routing: %+v", in)
	}
	if in.Status != model.SettlementPending || in.TradeID != "TRD-1" {
		t.Errorf("unexpected instruction: %+v", in)
	}

	year := a.BuildInstructions(p, buyer, seller, flows, 365*24*time.Hour)
	if len(year) != 3 {
		t.Errorf("one year horizon: expected 3 instructions, got %d", len(year))
	}
}

func TestCalculateNetting(t *testing.T) {
	t.Run("signed sum", func(t *testing.T) {
		out := CalculateNetting([]model.SettlementInstruction{
			instruction("SI-1", 100, "ACC-A", "ACC-B"),
			instruction("SI-2", -40, "ACC-A", "ACC-B"),
		})
		if len(out) != 1 {
			t.Fatalf("expected 1 netted instruction, got %d", len(out))
		}
		if !out[0].Amount.Equal(d(60)) {
			t.Errorf("expected 60, got %s", out[0].Amount)
		}
		if strings.Join(out[0].NettedFrom, ",") != "SI-1,SI-2" {
			t.Errorf("unexpected sources: %v", out[0].NettedFrom)
		}
	})

	t.Run("opposite direction", func(t *testing.T) {
		out := CalculateNetting([]model.SettlementInstruction{
			instruction("SI-1", 100, "ACC-A", "ACC-B"),
			instruction("SI-2", 40, "ACC-B", "ACC-A"),
		})
		if len(out) != 1 || !out[0].Amount.Equal(d(60)) {
			t.Fatalf("expected single 60 payment, got %+v", out)
		}
		if out[0].PayerAccount != "ACC-A" {
			t.Errorf("netted direction should follow the first instruction")
		}
	})

	t.Run("zero net suppressed", func(t *testing.T) {
		out := CalculateNetting([]model.SettlementInstruction{
			instruction("SI-1", 100, "ACC-A", "ACC-B"),
			instruction("SI-2", -100, "ACC-A", "ACC-B"),
		})
		if len(out) != 0 {
			t.Errorf("expected nothing, got %+v", out)
		}
	})

	t.Run("single zero amount dropped", func(t *testing.T) {
		out := CalculateNetting([]model.SettlementInstruction{
			instruction("SI-1", 0, "ACC-A", "ACC-B"),
			instruction("SI-2", 25, "ACC-A", "ACC-B"),
		})
		if len(out) != 1 || !out[0].Amount.Equal(d(25)) {
			t.Fatalf("expected only the 25 instruction, got %+v", out)
		}
		if len(CalculateNetting([]model.SettlementInstruction{instruction("SI-1", 0, "ACC-A", "ACC-B")})) != 0 {
			t.Errorf("zero-amount instruction survived netting")
		}
	})

	t.Run("separate groups", func(t *testing.T) {
		eur := instruction("SI-2", 50, "ACC-A", "ACC-B")
		eur.Currency = model.EUR
		later := instruction("SI-3", 25, "ACC-A", "ACC-B")
		later.SettlementDate = later.SettlementDate.AddDate(0, 0, 1)
		settled := instruction("SI-4", 10, "ACC-A", "ACC-B")
		settled.Status = model.SettlementSettled

		in := []model.SettlementInstruction{instruction("SI-1", 100, "ACC-A", "ACC-B"), eur, later, settled}
		out := CalculateNetting(in)
		if len(out) != len(in) {
			t.Fatalf("expected %d instructions, got %d", len(in), len(out))
		}
		for i := range in {
			if out[i].ID != in[i].ID || out[i].NettedFrom != nil {
				t.Errorf("single member group %d should pass through unchanged", i)
			}
		}
	})
}

func TestProposeSettlement(t *testing.T) {
	a, rails, archive, rec := newTestAgent()
	ctx := context.Background()

	in := instruction("SI-1", 1234.5, "ACC-BANK_A", "ACC-BANK_B")
	in.Status = ""
	if err := a.ProposeSettlement(ctx, in); err != nil {
		t.Fatalf("propose: %v", err)
	}

	got, ok := a.Instruction("SI-1")
	if !ok || got.Status != model.SettlementPending {
		t.Fatalf("expected pending instruction, got %+v", got)
	}
	stored, err := archive.GetInstruction(ctx, "SI-1")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if stored.Status != model.SettlementPending {
		t.Errorf("archived status: %s", stored.Status)
	}

	payments := rails.Payments()
	if len(payments) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(payments))
	}
	for _, field := range []string{":20:SI-1\n", ":32A:250318USD1234,50\n", ":50K:/ACC-BANK_A\n", ":59:/ACC-BANK_B\n"} {
		if !strings.Contains(payments[0], field) {
			t.Errorf("message missing %q:\n%s", field, payments[0])
		}
	}
	if len(rec.Named("settlement_proposed")) != 1 {
		t.Errorf("expected settlement_proposed audit event")
	}
}

func TestGenerateSWIFTMessage_NegativeAmountSwapsParties(t *testing.T) {
	msg := GenerateSWIFTMessage(instruction("SI-1", -60, "ACC-A", "ACC-B"))
	if !strings.Contains(msg, ":50K:/ACC-B\n") || !strings.Contains(msg, ":59:/ACC-A\n") {
		t.Errorf("expected reversed parties:\n%s", msg)
	}
	if !strings.Contains(msg, "USD60,00") {
		t.Errorf("expected absolute amount:\n%s", msg)
	}
	if !strings.HasPrefix(msg, "{1:F01") || !strings.HasSuffix(msg, "-}") {
		t.Errorf("malformed envelope:\n%s", msg)
	}
}

func TestProcessSettlementStatus_Transitions(t *testing.T) {
	a, _, archive, _ := newTestAgent()
	ctx := context.Background()
	if err := a.ProposeSettlement(ctx, instruction("SI-1", 100, "ACC-A", "ACC-B")); err != nil {
		t.Fatal(err)
	}

	if err := a.ProcessSettlementStatus(ctx, "SI-1", model.SettlementSettled); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := a.ProcessSettlementStatus(ctx, "SI-1", model.SettlementSettled); err != nil {
		t.Errorf("repeating the current status should be a no-op: %v", err)
	}
	if err := a.ProcessSettlementStatus(ctx, "SI-1", model.SettlementFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := a.ProcessSettlementStatus(ctx, "SI-1", model.SettlementPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := a.ProcessSettlementStatus(ctx, "SI-404", model.SettlementSettled); !errors.Is(err, ErrUnknownInstruction) {
		t.Errorf("expected ErrUnknownInstruction, got %v", err)
	}

	stored, _ := archive.GetInstruction(ctx, "SI-1")
	if stored.Status != model.SettlementSettled {
		t.Errorf("archive should follow status, got %s", stored.Status)
	}
	if len(a.FailTickets()) != 0 {
		t.Errorf("settled instruction should not raise a ticket")
	}
}

func TestFailureHandlingAndRetry(t *testing.T) {
	a, rails, _, rec := newTestAgent()
	ctx := context.Background()
	if err := a.ProposeSettlement(ctx, instruction("SI-1", 100, "ACC-A", "ACC-B")); err != nil {
		t.Fatal(err)
	}
	if err := a.ProcessSettlementStatus(ctx, "SI-1", model.SettlementFailed); err != nil {
		t.Fatalf("fail: %v", err)
	}

	tickets := a.FailTickets()
	if len(tickets) != 1 {
		t.Fatalf("expected 1 ticket, got %d", len(tickets))
	}
	ticket := tickets[0]
	if ticket.Reason != "Insufficient Funds" || ticket.InstructionID != "SI-1" {
		t.Errorf("unexpected ticket: %+v", ticket)
	}
	monday := time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC)
	if !ticket.RetryOn.Equal(monday) {
		t.Errorf("retry should land on Monday, got %s", ticket.RetryOn)
	}
	if len(rec.Named("settlement_failed")) != 1 {
		t.Errorf("expected settlement_failed audit event")
	}

	retries, err := a.RetryDue(ctx, now)
	if err != nil || len(retries) != 0 {
		t.Fatalf("nothing should be due yet: %v %v", retries, err)
	}

	retries, err = a.RetryDue(ctx, monday)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(retries) != 1 {
		t.Fatalf("expected 1 retry, got %d", len(retries))
	}
	retry := retries[0]
	if retry.ID == "SI-1" || !retry.SettlementDate.Equal(monday) || !retry.Amount.Equal(d(100)) {
		t.Errorf("unexpected retry: %+v", retry)
	}
	if got, _ := a.Instruction(retry.ID); got.Status != model.SettlementPending {
		t.Errorf("retry should be pending, got %s", got.Status)
	}
	if len(rails.Payments()) != 2 {
		t.Errorf("retry should be transmitted")
	}

	again, _ := a.RetryDue(ctx, monday.AddDate(0, 0, 7))
	if len(again) != 0 {
		t.Errorf("resolved ticket retried twice")
	}

	r := a.Report(time.Time{})
	if r.Total != 2 || r.Failed != 1 || r.Pending != 1 || r.OpenTickets != 0 {
		t.Errorf("unexpected report: %+v", r)
	}
	if r := a.Report(monday); r.Total != 1 || r.Pending != 1 || r.Date != "2025-03-17" {
		t.Errorf("unexpected dated report: %+v", r)
	}
}

func TestSettleTrade(t *testing.T) {
	a, rails, archive, _ := newTestAgent()
	ctx := context.Background()
	p := model.NewProduct("TRD-9", "EquityOption", "", d(2_000_000), model.USD, now)

	out, err := a.SettleTrade(ctx, p, buyer, seller)
	if err != nil {
		t.Fatalf("settle trade: %v", err)
	}
	if len(out) != 1 || !out[0].Amount.Equal(d(20_000)) {
		t.Fatalf("expected a single premium instruction, got %+v", out)
	}
	if len(a.Instructions("TRD-9")) != 1 || len(rails.Payments()) != 1 {
		t.Errorf("instruction should be proposed")
	}
	stored, err := archive.ListInstructionsByTrade(ctx, "TRD-9")
	if err != nil || len(stored) != 1 {
		t.Errorf("expected archived instruction: %v %v", stored, err)
	}
}

func TestNextBusinessDay(t *testing.T) {
	tests := []struct {
		from, want string
	}{
		{"2025-03-14", "2025-03-17"}, // Friday
		{"2025-03-15", "2025-03-17"}, // Saturday
		{"2025-03-16", "2025-03-17"}, // Sunday
		{"2025-03-17", "2025-03-18"},
	}
	for _, tt := range tests {
		from, _ := time.Parse(time.DateOnly, tt.from)
		if got := dayKey(NextBusinessDay(from)); got != tt.want {
			t.Errorf("NextBusinessDay(%s) = %s, want %s", tt.from, got, tt.want)
		}
	}
}
