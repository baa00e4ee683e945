package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/limits"
	"github.com/atmx/post-trade-engine/internal/marketdata"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/transport"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestAgent(cfg Config) (*Agent, *transport.Recorder, *audit.Recorder) {
	bus := transport.NewRecorder()
	rec := audit.NewRecorder()
	prices := marketdata.NewStaticSource(map[model.AssetClass]decimal.Decimal{
		model.InterestRate: d(101.25),
	})
	prices.Default = d(100)
	return NewAgent(cfg, prices, bus, rec, ids.FixedClock(now)), bus, rec
}

func irs(id string, notional float64) model.Product {
	return model.NewProduct(id, "InterestRateSwap", model.InterestRate, d(notional), model.USD, now)
}

func TestBookTrade_Valid(t *testing.T) {
	a, bus, rec := newTestAgent(Config{})
	buyer, seller := model.NewParty("BANK_A"), model.NewParty("BANK_B")

	booked, err := a.BookTrade(context.Background(), irs("TRD-1", 1_000_000), buyer, seller)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if st, _ := a.State("TRD-1"); st != Booked {
		t.Errorf("expected state BOOKED, got %s", st)
	}
	if booked.Enrichment == nil {
		t.Fatal("expected enrichment on booked product")
	}
	if !booked.Enrichment.ReferencePrice.Equal(d(101.25)) {
		t.Errorf("expected reference price 101.25, got %s", booked.Enrichment.ReferencePrice)
	}

	events := a.Events("TRD-1")
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	if events[0].Kind != model.EventExecution {
		t.Errorf("expected Execution event, got %s", events[0].Kind)
	}
	if len(bus.Events()) != 1 {
		t.Errorf("expected 1 published event, got %d", len(bus.Events()))
	}
	if len(rec.Named("trade_booked")) != 1 {
		t.Error("expected a trade_booked audit event")
	}
	if !a.Exposure("BANK_A").Equal(d(1_000_000)) {
		t.Errorf("expected buyer exposure 1000000, got %s", a.Exposure("BANK_A"))
	}
}

func TestBookTrade_ReportsEveryViolation(t *testing.T) {
	cfg := Config{
		Credit:     limits.NewCreditLimiter(d(1_000_000), d(5_000_000)),
		MarketRisk: limits.NewMarketRiskLimiter(nil, d(1_500_000)),
		Capacity:   limits.CapacityLimiter{MaxLiveTrades: 1},
	}
	a, bus, rec := newTestAgent(cfg)
	ctx := context.Background()

	if _, err := a.BookTrade(ctx, irs("TRD-1", 1_000_000), model.NewParty("BANK_A"), model.NewParty("BANK_B")); err != nil {
		t.Fatalf("first booking should pass: %v", err)
	}

	_, err := a.BookTrade(ctx, irs("TRD-2", 1_000_000), model.NewParty("BANK_A"), model.NewParty("DEALER_C"))
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	var be *BookingError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BookingError, got %T", err)
	}
	// credit (BANK_A), market risk, capacity
	if len(be.Errors) != 3 {
		t.Errorf("expected 3 violations, got %d: %v", len(be.Errors), be.Errors)
	}

	if _, ok := a.State("TRD-2"); ok {
		t.Error("rejected trade must not have a state")
	}
	if len(a.Events("TRD-2")) != 0 {
		t.Error("rejected trade must not have events")
	}
	if len(bus.Events()) != 1 {
		t.Errorf("expected only the first booking to publish, got %d", len(bus.Events()))
	}
	if len(rec.Named("booking_rejected")) != 1 {
		t.Error("expected a booking_rejected audit event")
	}
}

func TestValidateTrade_CorrelatedGroup(t *testing.T) {
	cfg := Config{Credit: limits.NewCreditLimiter(d(1_000_000), d(1_500_000))}
	a, _, _ := newTestAgent(cfg)
	ctx := context.Background()

	if _, err := a.BookTrade(ctx, irs("TRD-1", 1_000_000), model.NewParty("ENTITY_NY"), model.NewParty("BANK_B")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := a.ValidateTrade(irs("TRD-2", 900_000), model.NewParty("ENTITY_LDN"), model.NewParty("BANK_C"))
	if res.Valid {
		t.Fatal("expected correlated group breach")
	}
	if len(res.Errors) != 1 {
		t.Errorf("expected 1 error, got %v", res.Errors)
	}
}

func TestValidateTrade_SameParty(t *testing.T) {
	a, _, _ := newTestAgent(Config{})
	p := model.NewParty("BANK_A")
	if res := a.ValidateTrade(irs("TRD-1", 1), p, p); res.Valid {
		t.Error("expected self-trade to be invalid")
	}
}

func TestBookTrade_Twice(t *testing.T) {
	a, _, _ := newTestAgent(Config{})
	ctx := context.Background()
	buyer, seller := model.NewParty("BANK_A"), model.NewParty("BANK_B")

	if _, err := a.BookTrade(ctx, irs("TRD-1", 100), buyer, seller); err != nil {
		t.Fatal(err)
	}
	if _, err := a.BookTrade(ctx, irs("TRD-1", 100), buyer, seller); !errors.Is(err, ErrAlreadyBooked) {
		t.Errorf("expected ErrAlreadyBooked, got %v", err)
	}
	if n := len(a.Events("TRD-1")); n != 1 {
		t.Errorf("expected 1 event, got %d", n)
	}
}

func TestApplyLifecycleEvent_Transitions(t *testing.T) {
	a, bus, _ := newTestAgent(Config{})
	ctx := context.Background()
	buyer, seller := model.NewParty("BANK_A"), model.NewParty("BANK_B")

	if _, err := a.BookTrade(ctx, irs("TRD-1", 500), buyer, seller); err != nil {
		t.Fatal(err)
	}

	confirm := model.NewEvent("", "TRD-1", now.Add(time.Minute), model.ConfirmationPayload{ConfirmationID: "CONF-1", Method: "ELECTRONIC"})
	if st := a.ApplyLifecycleEvent(ctx, "TRD-1", confirm); st != Confirmed {
		t.Errorf("expected CONFIRMED, got %s", st)
	}

	// A second confirmation is recorded but changes nothing.
	if st := a.ApplyLifecycleEvent(ctx, "TRD-1", confirm); st != Confirmed {
		t.Errorf("expected CONFIRMED to hold, got %s", st)
	}

	term := model.NewEvent("", "TRD-1", now.Add(2*time.Minute), model.TerminationPayload{Reason: "EARLY", Payment: d(10)})
	if st := a.ApplyLifecycleEvent(ctx, "TRD-1", term); st != Terminated {
		t.Errorf("expected TERMINATED, got %s", st)
	}

	events := a.Events("TRD-1")
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Error("events must be ordered by timestamp")
		}
	}
	if !a.Exposure("BANK_A").IsZero() {
		t.Errorf("termination should release exposure, got %s", a.Exposure("BANK_A"))
	}
	// booking + termination
	if len(bus.Events()) != 2 {
		t.Errorf("expected 2 published events, got %d", len(bus.Events()))
	}
}

func TestApplyLifecycleEvent_ConfirmationBeforeBooking(t *testing.T) {
	a, _, _ := newTestAgent(Config{})
	ev := model.NewEvent("EVT-X", "TRD-9", now, model.ConfirmationPayload{ConfirmationID: "C"})

	if st := a.ApplyLifecycleEvent(context.Background(), "TRD-9", ev); st != Draft {
		t.Errorf("expected DRAFT (no-op), got %s", st)
	}
	if len(a.Events("TRD-9")) != 1 {
		t.Error("event must still be logged")
	}
	if st, ok := a.State("TRD-9"); ok {
		t.Errorf("unbooked trade should stay unknown, got %s", st)
	}
}

func TestBookTrade_ConcurrentBookingsRespectCapacity(t *testing.T) {
	a, _, _ := newTestAgent(Config{Capacity: limits.CapacityLimiter{MaxLiveTrades: 10}})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	booked := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.BookTrade(ctx, irs(fmt.Sprintf("TRD-%d", i), 100), model.NewParty("BANK_A"), model.NewParty("BANK_B"))
			if err == nil {
				mu.Lock()
				booked++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if booked != 10 {
		t.Errorf("expected exactly 10 bookings, got %d", booked)
	}
}

func TestEnrichTrade_PriceUnavailable(t *testing.T) {
	prices := marketdata.NewStaticSource(nil)
	a := NewAgent(Config{}, prices, nil, nil, ids.FixedClock(now))

	_, err := a.BookTrade(context.Background(), irs("TRD-1", 100), model.NewParty("A"), model.NewParty("B"))
	if !errors.Is(err, marketdata.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
	if _, ok := a.State("TRD-1"); ok {
		t.Error("trade must not be booked without enrichment")
	}
}
