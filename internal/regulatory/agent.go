// Package regulatory determines which regimes a trade is reportable under,
// builds and validates the reports, and submits them to the trade
// repository. Submissions that keep failing are parked in a durable outbox
// and retried later; nothing is dropped.
package regulatory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/post-trade-engine/internal/audit"
	"github.com/atmx/post-trade-engine/internal/ids"
	"github.com/atmx/post-trade-engine/internal/metrics"
	"github.com/atmx/post-trade-engine/internal/model"
	"github.com/atmx/post-trade-engine/internal/store"
	"github.com/atmx/post-trade-engine/internal/transport"
)

const domain = "regulatory"

var ErrInvalidReport = errors.New("regulatory: report failed validation")

// ValidationError lists the mandatory fields a report is missing.
type ValidationError struct {
	ReportID      string
	Regime        model.Regime
	Missing       []string
	UnknownRegime bool
}

func (e *ValidationError) Error() string {
	if e.UnknownRegime {
		return fmt.Sprintf("regulatory: report %s has unknown regime %q", e.ReportID, e.Regime)
	}
	return fmt.Sprintf("regulatory: report %s (%s) missing fields: %s", e.ReportID, e.Regime, strings.Join(e.Missing, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidReport }

// Config tunes submission pacing and retries.
type Config struct {
	// MaxAttempts is the number of immediate transmissions before a report
	// is parked in the outbox.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// RatePerSecond paces transmissions. Zero means unlimited.
	RatePerSecond float64
	Burst         int

	// RetryDelay is the first delay before a parked report is retried. It
	// doubles with every failed retry up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = time.Hour
	}
}

// SubmissionSummary reports the outcome of draining the queue or the
// outbox.
type SubmissionSummary struct {
	Submitted []string `json:"submitted"`
	Parked    []string `json:"parked"`
}

// Agent owns the submission queue.
type Agent struct {
	cfg     Config
	repo    transport.TradeRepository
	archive store.Store
	outbox  Outbox
	limiter *rate.Limiter
	sink    audit.Sink
	clock   ids.Clock

	mu        sync.Mutex
	queue     []model.RegulatoryReport
	submitted []string
}

// NewAgent creates a regulatory agent. archive may be nil; a nil outbox
// falls back to an in-memory one.
func NewAgent(cfg Config, repo transport.TradeRepository, archive store.Store, outbox Outbox, sink audit.Sink, clock ids.Clock) *Agent {
	cfg.defaults()
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	if sink == nil {
		sink = audit.Discard
	}
	if clock == nil {
		clock = ids.SystemClock
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Agent{
		cfg:     cfg,
		repo:    repo,
		archive: archive,
		outbox:  outbox,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		sink:    sink,
		clock:   clock,
	}
}

// DetermineReportability returns the regimes a trade is reportable under.
func (a *Agent) DetermineReportability(ctx context.Context, product model.Product, buyer, seller model.Party) []model.Regime {
	regimes := DetermineReportability(product, buyer, seller)
	names := make([]string, len(regimes))
	for i, r := range regimes {
		names[i] = string(r)
	}
	a.sink.Emit(ctx, audit.New(domain, "reportability_determined", product.ID, "regimes", names))
	return regimes
}

// GenerateReport builds a report for one regime.
func (a *Agent) GenerateReport(product model.Product, regime model.Regime, buyer, seller model.Party, uti string) model.RegulatoryReport {
	at := a.clock()
	return model.RegulatoryReport{
		ID:          ids.Artifact("RPT"),
		TradeID:     product.ID,
		Regime:      regime,
		Fields:      reportFields(product, regime, buyer, seller, uti, at),
		GeneratedAt: at,
	}
}

// ValidateReport checks that every mandatory field of the report's regime is
// present and non-empty. Reports under unknown regimes are invalid.
func ValidateReport(report model.RegulatoryReport) error {
	if !KnownRegime(report.Regime) {
		return &ValidationError{ReportID: report.ID, Regime: report.Regime, UnknownRegime: true}
	}
	var missing []string
	for _, field := range mandatoryFields[report.Regime] {
		if report.Fields[field] == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{ReportID: report.ID, Regime: report.Regime, Missing: missing}
	}
	return nil
}

// QueueSubmission validates and archives a report, then queues it for the
// trade repository. Invalid reports are rejected and never queued.
func (a *Agent) QueueSubmission(ctx context.Context, report model.RegulatoryReport) error {
	if err := ValidateReport(report); err != nil {
		a.sink.Emit(ctx, audit.New(domain, "report_rejected", report.TradeID,
			"report_id", report.ID,
			"regime", string(report.Regime),
			"error", err.Error(),
		))
		return err
	}
	if a.archive != nil {
		if err := a.archive.InsertReport(ctx, &report); err != nil {
			return fmt.Errorf("archive report %s: %w", report.ID, err)
		}
	}

	a.mu.Lock()
	a.queue = append(a.queue, report)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "report_queued", report.TradeID,
		"report_id", report.ID,
		"regime", string(report.Regime),
	))
	return nil
}

// SubmitToTradeRepository drains the queue. Each report is retried with
// exponential backoff; reports that still fail are parked in the outbox.
// If a report cannot be parked it goes back on the queue.
func (a *Agent) SubmitToTradeRepository(ctx context.Context) (SubmissionSummary, error) {
	a.mu.Lock()
	batch := a.queue
	a.queue = nil
	a.mu.Unlock()

	var summary SubmissionSummary
	var errs []error
	for _, report := range batch {
		attempts, err := a.transmit(ctx, report)
		if err == nil {
			a.markSubmitted(ctx, report, attempts)
			summary.Submitted = append(summary.Submitted, report.ID)
			continue
		}
		if perr := a.park(ctx, report, attempts, err); perr != nil {
			a.mu.Lock()
			a.queue = append(a.queue, report)
			a.mu.Unlock()
			errs = append(errs, perr)
			continue
		}
		summary.Parked = append(summary.Parked, report.ID)
	}
	a.updateDepth()
	return summary, errors.Join(errs...)
}

// transmit sends one report, retrying up to MaxAttempts times.
func (a *Agent) transmit(ctx context.Context, report model.RegulatoryReport) (int, error) {
	if a.repo == nil {
		return 0, nil
	}
	var err error
	attempt := 0
	for attempt < a.cfg.MaxAttempts {
		attempt++
		if werr := a.limiter.Wait(ctx); werr != nil {
			return attempt, werr
		}
		err = a.repo.TransmitSubmission(ctx, report)
		if err == nil {
			metrics.SubmissionAttempts.WithLabelValues("success").Inc()
			return attempt, nil
		}
		metrics.SubmissionAttempts.WithLabelValues("failure").Inc()
		a.sink.Emit(ctx, audit.New(domain, "submission_attempt_failed", report.TradeID,
			"report_id", report.ID,
			"attempt", attempt,
			"error", err.Error(),
		))
		if attempt < a.cfg.MaxAttempts {
			if serr := sleepCtx(ctx, a.backoff(attempt)); serr != nil {
				return attempt, serr
			}
		}
	}
	return attempt, err
}

func (a *Agent) backoff(attempt int) time.Duration {
	d := a.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > a.cfg.MaxBackoff {
		return a.cfg.MaxBackoff
	}
	return d
}

func (a *Agent) park(ctx context.Context, report model.RegulatoryReport, attempts int, cause error) error {
	now := a.clock()
	rec := &OutboxRecord{
		Report:      report,
		Attempts:    attempts,
		NextRetryAt: now.Add(a.cfg.RetryDelay).UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
		LastError:   cause.Error(),
	}
	if err := a.outbox.Put(rec); err != nil {
		return fmt.Errorf("park report %s: %w", report.ID, err)
	}
	a.sink.Emit(ctx, audit.New(domain, "submission_parked", report.TradeID,
		"report_id", report.ID,
		"attempts", attempts,
		"next_retry_at", time.UnixMilli(rec.NextRetryAt).UTC(),
	))
	return nil
}

func (a *Agent) markSubmitted(ctx context.Context, report model.RegulatoryReport, attempts int) {
	a.mu.Lock()
	a.submitted = append(a.submitted, report.ID)
	a.mu.Unlock()

	a.sink.Emit(ctx, audit.New(domain, "report_submitted", report.TradeID,
		"report_id", report.ID,
		"regime", string(report.Regime),
		"attempts", attempts,
	))
}

// RetryPending re-offers every parked report due at now. Successful reports
// leave the outbox; failures are rescheduled with a doubled delay.
func (a *Agent) RetryPending(ctx context.Context, now time.Time) (SubmissionSummary, error) {
	due, err := a.outbox.ListDue(now, 0)
	if err != nil {
		return SubmissionSummary{}, fmt.Errorf("list due submissions: %w", err)
	}

	var summary SubmissionSummary
	var errs []error
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if werr := a.limiter.Wait(ctx); werr != nil {
			errs = append(errs, werr)
			break
		}

		var terr error
		if a.repo != nil {
			terr = a.repo.TransmitSubmission(ctx, rec.Report)
		}
		rec.Attempts++
		if terr == nil {
			metrics.SubmissionAttempts.WithLabelValues("success").Inc()
			if err := a.outbox.Delete(rec.Report.ID); err != nil {
				errs = append(errs, err)
			}
			a.markSubmitted(ctx, rec.Report, rec.Attempts)
			summary.Submitted = append(summary.Submitted, rec.Report.ID)
			continue
		}

		metrics.SubmissionAttempts.WithLabelValues("failure").Inc()
		rec.LastError = terr.Error()
		rec.UpdatedAt = now.UnixMilli()
		rec.NextRetryAt = now.Add(a.retryDelay(rec.Attempts - a.cfg.MaxAttempts)).UnixMilli()
		if err := a.outbox.Put(rec); err != nil {
			errs = append(errs, err)
		}
		summary.Parked = append(summary.Parked, rec.Report.ID)
	}
	a.updateDepth()
	return summary, errors.Join(errs...)
}

func (a *Agent) retryDelay(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	if retries > 16 {
		return a.cfg.MaxRetryDelay
	}
	d := a.cfg.RetryDelay << (retries - 1)
	if d <= 0 || d > a.cfg.MaxRetryDelay {
		return a.cfg.MaxRetryDelay
	}
	return d
}

func (a *Agent) updateDepth() {
	if n, err := a.outbox.Len(); err == nil {
		metrics.OutboxDepth.Set(float64(n))
	}
}

// Pending returns the reports waiting in the submission queue.
func (a *Agent) Pending() []model.RegulatoryReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.RegulatoryReport(nil), a.queue...)
}

// Submitted returns the ids of reports the repository accepted.
func (a *Agent) Submitted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.submitted...)
}

// Parked returns the number of reports waiting in the outbox.
func (a *Agent) Parked() (int, error) {
	return a.outbox.Len()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
