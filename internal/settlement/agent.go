// Package settlement projects the cashflows of booked trades, nets them into
// settlement instructions and drives those instructions through the payment
// rails. Failed instructions get a fail ticket and are retried on the next
// business day.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/metrics"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/store"
	"github.com/atmx/post-trade-engine/internal/transport"
)

const domain = "settlement"

var (
	ErrUnknownInstruction = errors.New("settlement: unknown instruction")
	ErrInvalidTransition  = errors.New("settlement: invalid status transition")
)

// FailureReasons is the fixed list a failed instruction is classified into.
var FailureReasons = []string{
	"Insufficient Funds",
	"Account Closed",
	"Invalid Routing",
	"Cut-off Time Missed",
}

// Classifier picks the failure reason of an instruction.
type Classifier func(model.SettlementInstruction) string

// RandomClassifier draws a reason from FailureReasons.
func RandomClassifier(rnd *ids.Rand) Classifier {
	return func(model.SettlementInstruction) string {
		return FailureReasons[rnd.Intn(len(FailureReasons))]
	}
}

// FixedClassifier always returns reason.
func FixedClassifier(reason string) Classifier {
	return func(model.SettlementInstruction) string { return reason }
}

// FailTicket tracks the remediation of a failed instruction.
type FailTicket struct {
	ID            string    `json:"id"`
	InstructionID string    `json:"instruction_id"`
	TradeID       string    `json:"trade_id"`
	Reason        string    `json:"reason"`
	RaisedAt      time.Time `json:"raised_at"`
	RetryOn       time.Time `json:"retry_on"`
	RetryID       string    `json:"retry_id,omitempty"`
}

// Resolved reports whether a retry has been proposed.
func (t FailTicket) Resolved() bool { return t.RetryID != "" }

// Report summarizes instruction statuses for one settlement date.
type Report struct {
	Date        string `json:"date"`
	Total       int    `json:"total"`
	Pending     int    `json:"pending"`
	Settled     int    `json:"settled"`
	Failed      int    `json:"failed"`
	OpenTickets int    `json:"open_tickets"`
}

// Config holds the cashflow assumptions.
type Config struct {
	// PremiumRate is the upfront premium as a fraction of notional.
	PremiumRate decimal.Decimal
	// FloatingFixing stands in for the current fixing of floating indices.
	FloatingFixing decimal.Decimal
	// Horizon bounds which projected flows become instructions.
	Horizon time.Duration
}

func (c *Config) defaults() {
	if c.PremiumRate.IsZero() {
		c.PremiumRate = decimal.RequireFromString("0.01")
	}
	if c.FloatingFixing.IsZero() {
		c.FloatingFixing = decimal.RequireFromString("0.05")
	}
	if c.Horizon <= 0 {
		c.Horizon = 30 * 24 * time.Hour
	}
}

// Agent owns the settlement instructions and fail tickets.
type Agent struct {
	cfg      Config
	rails    transport.PaymentRails
	archive  store.Store
	classify Classifier
	sink     audit.Sink
	clock    ids.Clock

	mu           sync.Mutex
	instructions map[string]model.SettlementInstruction
	order        []string
	tickets      []FailTicket
}

// NewAgent creates a settlement agent. archive may be nil. A nil classifier
// draws reasons at random.
func NewAgent(cfg Config, rails transport.PaymentRails, archive store.Store, classify Classifier, sink audit.Sink, clock ids.Clock) *Agent {
	cfg.defaults()
	if classify == nil {
		classify = RandomClassifier(ids.NewRand(0))
	}
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ids.SystemClock
	}
	return &Agent{
		cfg:          cfg,
		rails:        rails,
		archive:      archive,
		classify:     classify,
		sink:         sink,
		clock:        clock,
		instructions: make(map[string]model.SettlementInstruction),
	}
}

func account(party model.Party) string {
	return "ACC-" + party.ID
}

// BuildInstructions turns the flows dated within horizon of now into buyer
// to seller payment instructions. A zero horizon uses the configured one.
func (a *Agent) BuildInstructions(product model.Product, buyer, seller model.Party, flows []model.CashFlow, horizon time.Duration) []model.SettlementInstruction {
	if horizon <= 0 {
		horizon = a.cfg.Horizon
	}
	cutoff := a.clock().Add(horizon)
	var out []model.SettlementInstruction
	for _, f := range flows {
		if f.Date.After(cutoff) || f.Amount.IsZero() {
			continue
		}
		out = append(out, model.SettlementInstruction{
			ID:              ids.Artifact("SI"),
			TradeID:         product.ID,
			Counterparty:    seller.ID,
			SettlementDate:  f.Date,
			Amount:          f.Amount,
			Currency:        f.Currency,
			PayerAccount:    account(buyer),
			ReceiverAccount: account(seller),
			Status:          model.SettlementPending,
		})
	}
	return out
}

type nettingKey struct {
	counterparty string
	currency     model.Currency
	date         string
	status       model.SettlementStatus
}

// CalculateNetting collapses instructions sharing counterparty, currency,
// settlement date and status into one instruction carrying the signed sum,
// expressed in the direction of the group's first instruction. Groups that
// net to zero are dropped. Single non-zero instructions pass through unchanged.
func CalculateNetting(instructions []model.SettlementInstruction) []model.SettlementInstruction {
	groups := make(map[nettingKey][]model.SettlementInstruction)
	var keys []nettingKey
	for _, in := range instructions {
		k := nettingKey{in.Counterparty, in.Currency, dayKey(in.SettlementDate), in.Status}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], in)
	}

	var out []model.SettlementInstruction
	for _, k := range keys {
		members := groups[k]
		if len(members) == 1 {
			if !members[0].Amount.IsZero() {
				out = append(out, members[0])
			}
			continue
		}
		base := members[0]
		total := decimal.Zero
		from := make([]string, 0, len(members))
		for _, m := range members {
			total = total.Add(signedFor(m, base.PayerAccount, base.ReceiverAccount))
			from = append(from, m.ID)
		}
		if total.IsZero() {
			continue
		}
		netted := base
		netted.ID = ids.Artifact("NET")
		netted.Amount = total
		netted.NettedFrom = from
		out = append(out, netted)
	}
	return out
}

// ProposeSettlement enqueues an instruction as pending, archives it and
// hands its MT103 rendition to the payment rails.
func (a *Agent) ProposeSettlement(ctx context.Context, in model.SettlementInstruction) error {
	in.Status = model.SettlementPending
	a.mu.Lock()
	if _, ok := a.instructions[in.ID]; !ok {
		a.order = append(a.order, in.ID)
	}
	a.instructions[in.ID] = in
	a.mu.Unlock()

	if err := a.persist(ctx, in); err != nil {
		return err
	}

	message := GenerateSWIFTMessage(in)
	if a.rails != nil {
		if err := a.rails.TransmitPayment(ctx, message); err != nil {
			a.sink.Emit(ctx, audit.New(domain, "payment_transmit_failed", in.TradeID, "instruction_id", in.ID, "error", err.Error()))
			return fmt.Errorf("transmit payment %s: %w", in.ID, err)
		}
	}
	a.sink.Emit(ctx, audit.New(domain, "settlement_proposed", in.TradeID,
		"instruction_id", in.ID, "amount", in.Amount.String(), "currency", string(in.Currency),
		"settlement_date", dayKey(in.SettlementDate)))
	return nil
}

// SettleTrade projects, builds, nets and proposes every instruction of a
// trade. It returns the proposed instructions.
func (a *Agent) SettleTrade(ctx context.Context, product model.Product, buyer, seller model.Party) ([]model.SettlementInstruction, error) {
	flows := a.ProjectCashflows(product)
	netted := CalculateNetting(a.BuildInstructions(product, buyer, seller, flows, 0))
	for _, in := range netted {
		if err := a.ProposeSettlement(ctx, in); err != nil {
			return netted, err
		}
	}
	return netted, nil
}

// ProcessSettlementStatus applies a status update. Pending may move to
// Settled or Failed; terminal statuses never change. Repeating the current
// status is a no-op.
func (a *Agent) ProcessSettlementStatus(ctx context.Context, id string, status model.SettlementStatus) error {
	a.mu.Lock()
	in, ok := a.instructions[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstruction, id)
	}
	if in.Status == status {
		a.mu.Unlock()
		return nil
	}
	if in.Status != model.SettlementPending || status == model.SettlementPending {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.Status, status)
	}
	in.Status = status
	a.instructions[id] = in

	var ticket FailTicket
	if status == model.SettlementFailed {
		now := a.clock()
		ticket = FailTicket{
			ID:            ids.Artifact("FAIL"),
			InstructionID: in.ID,
			TradeID:       in.TradeID,
			Reason:        a.classify(in),
			RaisedAt:      now,
			RetryOn:       NextBusinessDay(now),
		}
		a.tickets = append(a.tickets, ticket)
	}
	a.mu.Unlock()

	if err := a.persist(ctx, in); err != nil {
		return err
	}

	switch status {
	case model.SettlementSettled:
		a.sink.Emit(ctx, audit.New(domain, "settlement_confirmed", in.TradeID, "instruction_id", in.ID))
	case model.SettlementFailed:
		metrics.SettlementFailures.WithLabelValues(ticket.Reason).Inc()
		a.sink.Emit(ctx, audit.New(domain, "settlement_failed", in.TradeID,
			"instruction_id", in.ID, "reason", ticket.Reason, "ticket_id", ticket.ID,
			"retry_on", dayKey(ticket.RetryOn)))
	}
	return nil
}

// RetryDue proposes a fresh instruction for every open fail ticket whose
// retry date is on or before asOf.
func (a *Agent) RetryDue(ctx context.Context, asOf time.Time) ([]model.SettlementInstruction, error) {
	a.mu.Lock()
	var retries []model.SettlementInstruction
	for i := range a.tickets {
		t := &a.tickets[i]
		if t.Resolved() || t.RetryOn.After(asOf) {
			continue
		}
		clone := a.instructions[t.InstructionID]
		clone.ID = ids.Artifact("SI")
		clone.SettlementDate = t.RetryOn
		clone.NettedFrom = nil
		t.RetryID = clone.ID
		retries = append(retries, clone)
	}
	a.mu.Unlock()

	for _, in := range retries {
		if err := a.ProposeSettlement(ctx, in); err != nil {
			return retries, err
		}
	}
	return retries, nil
}

func (a *Agent) persist(ctx context.Context, in model.SettlementInstruction) error {
	if a.archive == nil {
		return nil
	}
	if err := a.archive.UpsertInstruction(ctx, &in); err != nil {
		return fmt.Errorf("archive instruction %s: %w", in.ID, err)
	}
	return nil
}

// Report counts instructions settling on date. A zero date counts all.
func (a *Agent) Report(date time.Time) Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Report{}
	if !date.IsZero() {
		r.Date = dayKey(date)
	}
	for _, in := range a.instructions {
		if r.Date != "" && dayKey(in.SettlementDate) != r.Date {
			continue
		}
		r.Total++
		switch in.Status {
		case model.SettlementPending:
			r.Pending++
		case model.SettlementSettled:
			r.Settled++
		case model.SettlementFailed:
			r.Failed++
		}
	}
	for _, t := range a.tickets {
		if !t.Resolved() {
			r.OpenTickets++
		}
	}
	return r
}

// Instruction returns an instruction by id.
func (a *Agent) Instruction(id string) (model.SettlementInstruction, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.instructions[id]
	return in, ok
}

// Instructions returns the instructions of a trade in proposal order. An
// empty trade id returns all of them.
func (a *Agent) Instructions(tradeID string) []model.SettlementInstruction {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.SettlementInstruction
	for _, id := range a.order {
		in := a.instructions[id]
		if tradeID == "" || in.TradeID == tradeID {
			out = append(out, in)
		}
	}
	return out
}

// FailTickets returns the fail tickets ordered by retry date.
func (a *Agent) FailTickets() []FailTicket {
	a.mu.Lock()
	out := append([]FailTicket(nil), a.tickets...)
	a.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].RetryOn.Before(out[j].RetryOn) })
	return out
}
