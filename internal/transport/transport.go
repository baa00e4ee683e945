// Package transport defines the external collaborators the engine hands its
// artifacts to: the confirmation platform, the trade repository, payment
// rails and the lifecycle event bus.
package transport

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/post-trade-engine/internal/model"
)

// ErrTransmissionFailed is returned by fallible channels that rejected a message.
var ErrTransmissionFailed = errors.New("transport: transmission failed")

// ConfirmationPlatform delivers confirmations to counterparties.
type ConfirmationPlatform interface {
	TransmitConfirmation(ctx context.Context, doc model.ConfirmationDocument) error
}

// TradeRepository accepts regulatory submissions. Transmission is fallible.
type TradeRepository interface {
	TransmitSubmission(ctx context.Context, report model.RegulatoryReport) error
}

// PaymentRails carries serialized payment messages.
type PaymentRails interface {
	TransmitPayment(ctx context.Context, message string) error
}

// EventBus publishes lifecycle events to downstream listeners.
type EventBus interface {
	PublishLifecycleEvent(ctx context.Context, event model.LifecycleEvent) error
}

// LogGateway implements every collaborator by logging what it would send.
// It is the default wiring when no real endpoint is configured.
type LogGateway struct {
	logger *slog.Logger
}

func NewLogGateway(logger *slog.Logger) *LogGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) TransmitConfirmation(ctx context.Context, doc model.ConfirmationDocument) error {
	g.logger.InfoContext(ctx, "confirmation transmitted",
		"confirmation_id", doc.ID,
		"trade_id", doc.TradeID,
		"format", doc.Format,
	)
	return nil
}

func (g *LogGateway) TransmitSubmission(ctx context.Context, report model.RegulatoryReport) error {
	g.logger.InfoContext(ctx, "regulatory submission transmitted",
		"report_id", report.ID,
		"trade_id", report.TradeID,
		"regime", string(report.Regime),
	)
	return nil
}

func (g *LogGateway) TransmitPayment(ctx context.Context, message string) error {
	g.logger.InfoContext(ctx, "payment transmitted", "bytes", len(message))
	return nil
}

func (g *LogGateway) PublishLifecycleEvent(ctx context.Context, event model.LifecycleEvent) error {
	g.logger.InfoContext(ctx, "lifecycle event published",
		"event_id", event.ID,
		"trade_id", event.TradeID,
		"kind", string(event.Kind),
	)
	return nil
}

// MultiBus publishes to every bus and joins their errors.
type MultiBus []EventBus

func (m MultiBus) PublishLifecycleEvent(ctx context.Context, event model.LifecycleEvent) error {
	var errs []error
	for _, bus := range m {
		if err := bus.PublishLifecycleEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
