// Package confirmation issues outbound trade confirmations and matches them
// against counterparty confirmations.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/metrics"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/transport"
)

const domain = "confirmation"

// Document directions and format.
const (
	Outbound   = "OUTBOUND"
	Inbound    = "INBOUND"
	FormatFPML = "FPML"
)

// escalationDelay is the remediation window for a dispute.
const escalationDelay = 24 * time.Hour

var (
	ErrAlreadyTerminal = errors.New("confirmation: confirmation already matched or disputed")
	ErrNoConfirmation  = errors.New("confirmation: no confirmation for trade")
)

// Dispute records a mismatched confirmation pair awaiting manual review.
type Dispute struct {
	ID         string    `json:"id"`
	TradeID    string    `json:"trade_id"`
	Breaks     []Break   `json:"breaks"`
	RaisedAt   time.Time `json:"raised_at"`
	EscalateBy time.Time `json:"escalate_by"`
	AssignedTo string    `json:"assigned_to"`
}

// Affirmation tracks a fund manager's affirmation of a trade.
type Affirmation struct {
	TradeID     string    `json:"trade_id"`
	FundManager string    `json:"fund_manager"`
	RequestedAt time.Time `json:"requested_at"`
	Status      string    `json:"status"`
}

// MatchResult is the outcome of processing an inbound confirmation. Status
// stays SENT while the outbound side is missing.
type MatchResult struct {
	TradeID string                   `json:"trade_id"`
	Status  model.ConfirmationStatus `json:"status"`
	Breaks  []Break                  `json:"breaks,omitempty"`
}

// Agent owns the outbound and inbound confirmation maps and the dispute
// list.
type Agent struct {
	policy   MatchPolicy
	platform transport.ConfirmationPlatform
	sink     audit.Sink
	clock    ids.Clock

	mu           sync.Mutex
	outbound     map[string]model.ConfirmationDocument
	inbound      map[string]model.ConfirmationDocument
	disputes     []Dispute
	affirmations map[string]Affirmation
}

func NewAgent(policy MatchPolicy, platform transport.ConfirmationPlatform, sink audit.Sink, clock ids.Clock) *Agent {
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ids.SystemClock
	}
	return &Agent{
		policy:       policy,
		platform:     platform,
		sink:         sink,
		clock:        clock,
		outbound:     make(map[string]model.ConfirmationDocument),
		inbound:      make(map[string]model.ConfirmationDocument),
		affirmations: make(map[string]Affirmation),
	}
}

// IsConfirmable reports whether a trade needs a confirmation. Cash-settled
// product types never do.
func (a *Agent) IsConfirmable(product model.Product, buyer, seller model.Party) bool {
	return !strings.Contains(product.Type(), "Cash")
}

// GenerateConfirmation issues the outbound confirmation for a trade and hands
// it to the confirmation platform. It returns nil for trades that need no
// confirmation. A counterparty confirmation that arrived first is matched
// immediately. A matched or disputed outbound is never reissued.
func (a *Agent) GenerateConfirmation(ctx context.Context, product model.Product, uti string, buyer, seller model.Party) (*model.ConfirmationDocument, error) {
	if !a.IsConfirmable(product, buyer, seller) {
		a.sink.Emit(ctx, audit.New(domain, "confirmation_not_required", product.ID, "product_type", product.Type()))
		return nil, nil
	}

	content, err := EncodeTerms(TermsFor(product, uti, buyer, seller))
	if err != nil {
		return nil, err
	}
	doc := model.ConfirmationDocument{
		ID:        ids.Artifact("CONF"),
		TradeID:   product.ID,
		Direction: Outbound,
		Format:    FormatFPML,
		Content:   content,
		Status:    model.ConfirmationSent,
		CreatedAt: a.clock(),
	}

	a.mu.Lock()
	if prev, ok := a.outbound[product.ID]; ok && prev.Status.Terminal() {
		a.mu.Unlock()
		return &prev, fmt.Errorf("%w: %s", ErrAlreadyTerminal, product.ID)
	}
	a.outbound[product.ID] = doc
	in, early := a.inbound[product.ID]
	var result MatchResult
	var dispute Dispute
	if early {
		doc, result, dispute = a.resolveLocked(doc, in)
	}
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "confirmation_generated", product.ID, "confirmation_id", doc.ID, "uti", uti))
	if early {
		a.report(ctx, doc.ID, result, dispute)
	}

	if a.platform != nil {
		if err := a.platform.TransmitConfirmation(ctx, doc); err != nil {
			return &doc, fmt.Errorf("transmit confirmation %s: %w", doc.ID, err)
		}
	}
	return &doc, nil
}

// NewInboundDocument wraps counterparty terms in an inbound document.
func NewInboundDocument(tradeID string, terms Terms, at time.Time) (model.ConfirmationDocument, error) {
	content, err := EncodeTerms(terms)
	if err != nil {
		return model.ConfirmationDocument{}, err
	}
	return model.ConfirmationDocument{
		ID:        ids.Artifact("CONF"),
		TradeID:   tradeID,
		Direction: Inbound,
		Format:    FormatFPML,
		Content:   content,
		Status:    model.ConfirmationSent,
		CreatedAt: at,
	}, nil
}

// ProcessInboundConfirmation stores a counterparty confirmation and, when
// our outbound exists, matches the two. Both documents always end in the
// same terminal status. A mismatch opens a dispute due for escalation at T+1.
func (a *Agent) ProcessInboundConfirmation(ctx context.Context, tradeID string, inbound model.ConfirmationDocument) (MatchResult, error) {
	inbound.TradeID = tradeID
	inbound.Direction = Inbound
	inbound.Status = model.ConfirmationSent
	if inbound.ID == "" {
		inbound.ID = ids.Artifact("CONF")
	}
	if inbound.CreatedAt.IsZero() {
		inbound.CreatedAt = a.clock()
	}

	a.mu.Lock()
	out, ok := a.outbound[tradeID]
	if ok && out.Status.Terminal() {
		a.mu.Unlock()
		return MatchResult{TradeID: tradeID, Status: out.Status}, fmt.Errorf("%w: %s", ErrAlreadyTerminal, tradeID)
	}
	a.inbound[tradeID] = inbound
	if !ok {
		a.mu.Unlock()
		a.sink.Emit(ctx, audit.New(domain, "inbound_awaiting_outbound", tradeID, "confirmation_id", inbound.ID))
		return MatchResult{TradeID: tradeID, Status: model.ConfirmationSent}, nil
	}

	out, result, dispute := a.resolveLocked(out, inbound)
	a.mu.Unlock()

	a.report(ctx, out.ID, result, dispute)
	return result, nil
}

// resolveLocked matches an outbound/inbound pair, stores both with the shared
// terminal status and opens a dispute on a mismatch. a.mu must be held.
func (a *Agent) resolveLocked(out, inbound model.ConfirmationDocument) (model.ConfirmationDocument, MatchResult, Dispute) {
	tradeID := out.TradeID
	breaks := a.match(out, inbound)
	status := model.ConfirmationMatched
	if len(breaks) > 0 {
		status = model.ConfirmationDisputed
	}
	out.Status = status
	inbound.Status = status
	a.outbound[tradeID] = out
	a.inbound[tradeID] = inbound

	var dispute Dispute
	if status == model.ConfirmationDisputed {
		raised := a.clock()
		dispute = Dispute{
			ID:         ids.Artifact("DSP"),
			TradeID:    tradeID,
			Breaks:     breaks,
			RaisedAt:   raised,
			EscalateBy: raised.Add(escalationDelay),
			AssignedTo: "OPERATIONS",
		}
		a.disputes = append(a.disputes, dispute)
	}
	return out, MatchResult{TradeID: tradeID, Status: status, Breaks: breaks}, dispute
}

func (a *Agent) report(ctx context.Context, confirmationID string, result MatchResult, dispute Dispute) {
	if result.Status == model.ConfirmationMatched {
		metrics.ConfirmationMatches.WithLabelValues("matched").Inc()
		a.sink.Emit(ctx, audit.New(domain, "confirmation_matched", result.TradeID, "confirmation_id", confirmationID))
		return
	}
	metrics.ConfirmationMatches.WithLabelValues("disputed").Inc()
	fields := make([]string, len(result.Breaks))
	for i, b := range result.Breaks {
		fields[i] = b.Field
	}
	a.sink.Emit(ctx, audit.New(domain, "confirmation_disputed", result.TradeID,
		"dispute_id", dispute.ID,
		"breaks", fields,
	))
	a.sink.Emit(ctx, audit.New(domain, "dispute_escalation_scheduled", result.TradeID,
		"dispute_id", dispute.ID,
		"assigned_to", dispute.AssignedTo,
		"escalate_by", dispute.EscalateBy,
	))
}

// match parses both documents and compares them. Unreadable content is a
// break in its own right.
func (a *Agent) match(out, in model.ConfirmationDocument) []Break {
	ours, err := DecodeTerms(out.Content)
	if err != nil {
		return []Break{{Field: "content", Ours: err.Error(), Theirs: ""}}
	}
	theirs, err := DecodeTerms(in.Content)
	if err != nil {
		return []Break{{Field: "content", Ours: "", Theirs: err.Error()}}
	}
	return a.policy.Compare(ours, theirs)
}

// TrackAffirmation records that a fund manager's affirmation is awaited.
func (a *Agent) TrackAffirmation(ctx context.Context, tradeID, fundManager string) Affirmation {
	aff := Affirmation{
		TradeID:     tradeID,
		FundManager: fundManager,
		RequestedAt: a.clock(),
		Status:      "AWAITING",
	}

	a.mu.Lock()
	a.affirmations[tradeID] = aff
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "affirmation_tracked", tradeID, "fund_manager", fundManager))
	return aff
}

// Affirmation returns the affirmation tracked for a trade.
func (a *Agent) Affirmation(tradeID string) (Affirmation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	aff, ok := a.affirmations[tradeID]
	return aff, ok
}

// Outbound returns our confirmation for a trade.
func (a *Agent) Outbound(tradeID string) (model.ConfirmationDocument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	doc, ok := a.outbound[tradeID]
	if !ok {
		return doc, fmt.Errorf("%w: %s", ErrNoConfirmation, tradeID)
	}
	return doc, nil
}

// Inbound returns the counterparty's confirmation for a trade.
func (a *Agent) Inbound(tradeID string) (model.ConfirmationDocument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	doc, ok := a.inbound[tradeID]
	if !ok {
		return doc, fmt.Errorf("%w: %s", ErrNoConfirmation, tradeID)
	}
	return doc, nil
}

// Disputes returns every dispute raised so far, oldest first.
func (a *Agent) Disputes() []Dispute {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Dispute, len(a.disputes))
	copy(out, a.disputes)
	return out
}

// DisputedTrades returns the ids of disputed trades in sorted order.
func (a *Agent) DisputedTrades() []string {
	a.mu.Lock()
	seen := make(map[string]bool, len(a.disputes))
	for _, d := range a.disputes {
		seen[d.TradeID] = true
	}
	a.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
