// Package trading owns pre-trade validation, booking and the trade lifecycle
// state machine.
//
// States move DRAFT -> BOOKED -> CONFIRMED, and any state may move to
// TERMINATED. The event log is append-only.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/limits"
	"github.com/atmx/post-trade-engine/internal/marketdata"
	"github.com/atmx/post-trade-engine/internal/metrics"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/transport"
)

const domain = "trading"

// State is a trade's position in the lifecycle.
type State string

const (
	Draft      State = "DRAFT"
	Booked     State = "BOOKED"
	Confirmed  State = "CONFIRMED"
	Terminated State = "TERMINATED"
)

var (
	ErrValidationFailed = errors.New("trading: pre-trade validation failed")
	ErrAlreadyBooked    = errors.New("trading: trade already booked")
)

// ValidationResult lists every violated check. Valid is true only when
// Errors is empty.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// BookingError is returned when a trade fails pre-trade validation.
type BookingError struct {
	TradeID string
	Errors  []string
}

func (e *BookingError) Error() string {
	return fmt.Sprintf("trading: trade %s failed validation: %s", e.TradeID, strings.Join(e.Errors, "; "))
}

func (e *BookingError) Unwrap() error { return ErrValidationFailed }

// Config holds the pre-trade limits. Nil limiters skip their check.
type Config struct {
	Credit     *limits.CreditLimiter
	MarketRisk *limits.MarketRiskLimiter
	Capacity   limits.CapacityLimiter
	Venue      string
}

// Agent books trades and applies lifecycle events. All mutations are
// serialized by one mutex so validation and booking are atomic.
type Agent struct {
	cfg    Config
	prices marketdata.PriceSource
	bus    transport.EventBus
	sink   audit.Sink
	clock  ids.Clock

	mu       sync.RWMutex
	states   map[string]State
	products map[string]model.Product
	parties  map[string][2]string
	events   map[string][]model.LifecycleEvent
	exposure map[string]decimal.Decimal
	notional map[model.AssetClass]decimal.Decimal
}

// NewAgent creates a trading agent. Nil collaborators fall back to no-op
// implementations.
func NewAgent(cfg Config, prices marketdata.PriceSource, bus transport.EventBus, sink audit.Sink, clock ids.Clock) *Agent {
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ids.SystemClock
	}
	if cfg.Venue == "" {
		cfg.Venue = "ELECTRONIC"
	}
	return &Agent{
		cfg:      cfg,
		prices:   prices,
		bus:      bus,
		sink:     sink,
		clock:    clock,
		states:   make(map[string]State),
		products: make(map[string]model.Product),
		parties:  make(map[string][2]string),
		events:   make(map[string][]model.LifecycleEvent),
		exposure: make(map[string]decimal.Decimal),
		notional: make(map[model.AssetClass]decimal.Decimal),
	}
}

// ValidateTrade runs every pre-trade check and reports all violations.
func (a *Agent) ValidateTrade(product model.Product, buyer, seller model.Party) ValidationResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.validate(product, buyer, seller)
}

func (a *Agent) validate(product model.Product, buyer, seller model.Party) ValidationResult {
	var errs []string
	amount := product.Terms.Notional.Amount

	if err := product.Terms.Validate(); err != nil {
		errs = append(errs, "Invalid economic terms: "+err.Error())
	}
	if buyer.ID == "" || seller.ID == "" {
		errs = append(errs, "Both counterparties are required")
	} else if buyer.ID == seller.ID {
		errs = append(errs, "Buyer and seller must differ")
	}

	// Credit: each side carries the gross notional against the other.
	if a.cfg.Credit != nil {
		for _, p := range []model.Party{buyer, seller} {
			if p.ID == "" {
				continue
			}
			if err := a.cfg.Credit.CheckLimit(p.ID, amount, a.exposure); err != nil {
				errs = append(errs, creditMessage(err, p.ID))
			}
		}
	}

	if a.cfg.MarketRisk != nil {
		if err := a.cfg.MarketRisk.CheckLimit(product.AssetClass, amount, a.notional[product.AssetClass]); err != nil {
			errs = append(errs, "Market risk limits breached")
		}
	}

	if err := a.cfg.Capacity.CheckLimit(a.liveTrades()); err != nil {
		errs = append(errs, "Operational capacity at maximum")
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func creditMessage(err error, party string) string {
	if errors.Is(err, limits.ErrCorrelatedLimitExceeded) {
		return "Correlated group exposure exceeded for counterparty " + party
	}
	return "Credit limit exceeded for counterparty " + party
}

// EnrichTrade returns a copy of product carrying booking static data and a
// reference price from the market-data source.
func (a *Agent) EnrichTrade(ctx context.Context, product model.Product) (model.Product, error) {
	enriched := product
	e := &model.Enrichment{BookedAt: a.clock(), Source: "static-data"}
	if a.prices != nil {
		price, err := a.prices.LookupMarketPrice(ctx, product.AssetClass)
		if err != nil {
			return product, fmt.Errorf("enrich trade %s: %w", product.ID, err)
		}
		e.ReferencePrice = price
	}
	enriched.Enrichment = e
	return enriched, nil
}

// BookTrade validates, enriches and books a trade. On validation failure it
// returns a *BookingError and records nothing.
func (a *Agent) BookTrade(ctx context.Context, product model.Product, buyer, seller model.Party) (model.Product, error) {
	enriched, err := a.EnrichTrade(ctx, product)
	if err != nil {
		return product, err
	}

	a.mu.Lock()
	if st, ok := a.states[product.ID]; ok && st != Draft {
		a.mu.Unlock()
		return product, fmt.Errorf("%w: %s is %s", ErrAlreadyBooked, product.ID, st)
	}
	result := a.validate(product, buyer, seller)
	if !result.Valid {
		a.mu.Unlock()
		metrics.BookingRejections.Inc()
		a.sink.Emit(ctx, audit.New(domain, "booking_rejected", product.ID, "errors", result.Errors))
		return product, &BookingError{TradeID: product.ID, Errors: result.Errors}
	}

	amount := product.Terms.Notional.Amount
	a.states[product.ID] = Booked
	a.products[product.ID] = enriched
	a.parties[product.ID] = [2]string{buyer.ID, seller.ID}
	a.exposure[buyer.ID] = a.exposure[buyer.ID].Add(amount)
	a.exposure[seller.ID] = a.exposure[seller.ID].Add(amount)
	a.notional[product.AssetClass] = a.notional[product.AssetClass].Add(amount)

	event := model.NewEvent(ids.Prefixed("EVT"), product.ID, a.clock(), model.ExecutionPayload{
		Venue:    a.cfg.Venue,
		Price:    enriched.Enrichment.ReferencePrice,
		Notional: amount,
		Currency: product.Terms.Notional.Currency,
	})
	a.events[product.ID] = append(a.events[product.ID], event)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "trade_booked", product.ID,
		"state", string(Booked),
		"buyer", buyer.ID,
		"seller", seller.ID,
		"notional", amount.String(),
	))
	a.publish(ctx, event)
	return enriched, nil
}

// ApplyLifecycleEvent records event against tradeID and applies any state
// transition it implies. Confirmation only moves BOOKED to CONFIRMED;
// Termination always moves to TERMINATED. Other combinations are recorded
// without a transition, and an event for an unknown trade does not make the
// trade known.
func (a *Agent) ApplyLifecycleEvent(ctx context.Context, tradeID string, event model.LifecycleEvent) State {
	if event.ID == "" {
		event.ID = ids.Prefixed("EVT")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.clock()
	}
	event.TradeID = tradeID

	a.mu.Lock()
	from, ok := a.states[tradeID]
	if !ok {
		from = Draft
	}
	to := from
	switch event.Kind {
	case model.EventConfirmation:
		if from == Booked {
			to = Confirmed
		}
	case model.EventTermination:
		to = Terminated
		if from == Booked || from == Confirmed {
			a.release(tradeID)
		}
	case model.EventExecution, model.EventAmendment:
	}
	if ok || to != from {
		a.states[tradeID] = to
	}
	a.events[tradeID] = append(a.events[tradeID], event)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "lifecycle_event_applied", tradeID,
		"event_id", event.ID,
		"kind", string(event.Kind),
		"from", string(from),
		"to", string(to),
	))
	if event.Kind == model.EventTermination {
		a.publish(ctx, event)
	}
	return to
}

// release returns a terminated trade's notional to the limit pools. Caller
// holds a.mu.
func (a *Agent) release(tradeID string) {
	product, ok := a.products[tradeID]
	if !ok {
		return
	}
	amount := product.Terms.Notional.Amount
	for _, id := range a.parties[tradeID] {
		a.exposure[id] = a.exposure[id].Sub(amount)
	}
	a.notional[product.AssetClass] = a.notional[product.AssetClass].Sub(amount)
}

func (a *Agent) publish(ctx context.Context, event model.LifecycleEvent) {
	if a.bus == nil {
		return
	}
	if err := a.bus.PublishLifecycleEvent(ctx, event); err != nil {
		a.sink.Emit(ctx, audit.New(domain, "publish_failed", event.TradeID,
			"event_id", event.ID,
			"error", err.Error(),
		))
	}
}

// liveTrades counts booked and confirmed trades. Caller holds a.mu.
func (a *Agent) liveTrades() int {
	n := 0
	for _, st := range a.states {
		if st == Booked || st == Confirmed {
			n++
		}
	}
	return n
}

// State returns the current state of a trade.
func (a *Agent) State(tradeID string) (State, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[tradeID]
	return st, ok
}

// Product returns the booked (enriched) product.
func (a *Agent) Product(tradeID string) (model.Product, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.products[tradeID]
	return p, ok
}

// Events returns the trade's event log ordered by timestamp.
func (a *Agent) Events(tradeID string) []model.LifecycleEvent {
	a.mu.RLock()
	out := append([]model.LifecycleEvent(nil), a.events[tradeID]...)
	a.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Exposure returns the gross notional currently booked against a party.
func (a *Agent) Exposure(partyID string) decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.exposure[partyID]
}
