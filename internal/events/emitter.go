// Package events fans governance lifecycle events out to observability
// without putting the sink on the request path.
package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "policygov/governance"

// Event is one committed governance transition.
type Event struct {
	Type        string
	WorkspaceID string
	AgentID     string
	ActorID     string
	EntryID     string
	At          time.Time

	// Set when the audit details name them.
	PolicyID string
	Field    string
	Source   string
}

// Emitter queues events on a bounded channel. Emit never blocks; a full queue
// drops the event.
type Emitter struct {
	ch  chan Event
	log *slog.Logger

	emitted metric.Int64Counter
	dropped metric.Int64Counter

	droppedN atomic.Int64
}

// NewEmitter uses the global meter provider when meter is nil.
func NewEmitter(queueSize int, log *slog.Logger, meter metric.Meter) (*Emitter, error) {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	emitted, err := meter.Int64Counter("governance.events",
		metric.WithDescription("Governance events observed after commit"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("governance.events.dropped",
		metric.WithDescription("Governance events dropped because the queue was full"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &Emitter{
		ch:      make(chan Event, queueSize),
		log:     log,
		emitted: emitted,
		dropped: dropped,
	}, nil
}

func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
	default:
		e.droppedN.Add(1)
		e.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
	}
}

// Dropped is the number of events discarded since start.
func (e *Emitter) Dropped() int64 { return e.droppedN.Load() }

// Run drains the queue until ctx is done, then flushes what is left.
func (e *Emitter) Run(ctx context.Context) {
	for {
		select {
		case ev := <-e.ch:
			e.handle(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.ch:
					e.handle(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) handle(ctx context.Context, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("governance event sink panicked", slog.Any("panic", p), slog.String("event_type", ev.Type))
		}
	}()

	e.emitted.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
	level := slog.LevelInfo
	if ev.Type == "boundary_violation" {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("event_type", ev.Type),
		slog.String("workspace_id", ev.WorkspaceID),
		slog.String("agent_id", ev.AgentID),
		slog.String("actor_id", ev.ActorID),
		slog.String("audit_entry_id", ev.EntryID),
		slog.Time("at", ev.At),
	}
	if ev.PolicyID != "" {
		attrs = append(attrs, slog.String("policy_id", ev.PolicyID))
	}
	if ev.Field != "" {
		attrs = append(attrs, slog.String("field", ev.Field))
	}
	if ev.Source != "" {
		attrs = append(attrs, slog.String("source", ev.Source))
	}
	e.log.LogAttrs(ctx, level, "governance event", attrs...)
}

// Discard is an emitter target that ignores everything.
type Discard struct{}

func (Discard) Emit(Event) {}
