// Package audit is the structured event sink every agent reports through.
// Production wiring logs events with slog; tests record and assert on them.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is one structured audit record.
type Event struct {
	Domain  string         `json:"domain"`
	Name    string         `json:"name"`
	TradeID string         `json:"trade_id,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	At      time.Time      `json:"at"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// New builds an event from alternating key/value pairs.
func New(domain, name, tradeID string, kv ...any) Event {
	e := Event{Domain: domain, Name: name, TradeID: tradeID, At: time.Now().UTC()}
	if len(kv) > 0 {
		e.Attrs = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			key, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Attrs[key] = kv[i+1]
		}
	}
	return e
}

// LogSink writes events through a slog logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := make([]slog.Attr, 0, len(e.Attrs)+2)
	attrs = append(attrs, slog.String("domain", e.Domain))
	if e.TradeID != "" {
		attrs = append(attrs, slog.String("trade_id", e.TradeID))
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, e.Name, attrs...)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) {}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Fanout emits to several sinks.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e Event) {
	for _, s := range f {
		s.Emit(ctx, e)
	}
}
