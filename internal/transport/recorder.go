package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/post-trade-engine/internal/model"
)

// Recorder captures everything handed to it. Used in tests and by the
// `run` command to print what a workflow emitted.
type Recorder struct {
	mu            sync.Mutex
	confirmations []model.ConfirmationDocument
	submissions   []model.RegulatoryReport
	payments      []string
	events        []model.LifecycleEvent
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) TransmitConfirmation(_ context.Context, doc model.ConfirmationDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations = append(r.confirmations, doc)
	return nil
}

func (r *Recorder) TransmitSubmission(_ context.Context, report model.RegulatoryReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions = append(r.submissions, report)
	return nil
}

func (r *Recorder) TransmitPayment(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments = append(r.payments, message)
	return nil
}

func (r *Recorder) PublishLifecycleEvent(_ context.Context, event model.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Confirmations() []model.ConfirmationDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConfirmationDocument(nil), r.confirmations...)
}

func (r *Recorder) Submissions() []model.RegulatoryReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RegulatoryReport(nil), r.submissions...)
}

func (r *Recorder) Payments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payments...)
}

func (r *Recorder) Events() []model.LifecycleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.LifecycleEvent(nil), r.events...)
}

// FlakyRepository fails the first Failures attempts for every report before
// delegating to Next. A negative Failures value fails forever.
type FlakyRepository struct {
	Failures int
	Next     TradeRepository

	mu       sync.Mutex
	attempts map[string]int
}

func NewFlakyRepository(failures int, next TradeRepository) *FlakyRepository {
	return &FlakyRepository{Failures: failures, Next: next, attempts: make(map[string]int)}
}

func (f *FlakyRepository) TransmitSubmission(ctx context.Context, report model.RegulatoryReport) error {
	f.mu.Lock()
	f.attempts[report.ID]++
	n := f.attempts[report.ID]
	f.mu.Unlock()

	if f.Failures < 0 || n <= f.Failures {
		return fmt.Errorf("%w: report %s attempt %d", ErrTransmissionFailed, report.ID, n)
	}
	if f.Next == nil {
		return nil
	}
	return f.Next.TransmitSubmission(ctx, report)
}

// Attempts returns how many times a report was offered.
func (f *FlakyRepository) Attempts(reportID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[reportID]
}
