// Package events publishes escrow and refund lifecycle events to sinks
// without ever blocking or failing the caller.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowd/internal/idgen"
)

// Kind names a lifecycle event.
type Kind string

const (
	EscrowCreated   Kind = "escrow.created"
	EscrowReleased  Kind = "escrow.released"
	EscrowCancelled Kind = "escrow.cancelled"
	EscrowTimedOut  Kind = "escrow.timed_out"

	RefundRequested Kind = "refund.requested"
	RefundApproved  Kind = "refund.approved"
	RefundDenied    Kind = "refund.denied"
	RefundProcessed Kind = "refund.processed"
	RefundFailed    Kind = "refund.failed"
)

// Event is the envelope delivered to sinks.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Accounts  []string  `json:"accounts,omitempty"`
	Key       string    `json:"key,omitempty"`
	Payload   any       `json:"payload"`
}

// Subject is implemented by payloads that involve accounts. Sinks use it
// for filtering and partitioning.
type Subject interface {
	EventAccounts() []string
	EventKey() string
}

// Emitter is the publish side seen by domain services. Emit must return
// immediately.
type Emitter interface {
	Emit(kind Kind, payload any)
}

// Sink delivers events somewhere. Publish errors are logged and counted.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e *Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Kind, any) {}

var (
	emittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Events accepted for publishing by kind.",
	}, []string{"kind"})

	droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the dispatch buffer was full or closed.",
	})

	sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "events",
		Name:      "sink_errors_total",
		Help:      "Publish failures by sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(emittedTotal, droppedTotal, sinkErrors)
}

// Dispatcher buffers events and fans them out to sinks from a single worker.
// When the buffer is full new events are dropped.
type Dispatcher struct {
	sinks   []Sink
	queue   chan *Event
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher creates a dispatcher with the given buffer size.
func NewDispatcher(buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan *Event, buffer),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
}

// Emit enqueues an event. It never blocks.
func (d *Dispatcher) Emit(kind Kind, payload any) {
	e := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if s, ok := payload.(Subject); ok {
		e.Accounts = s.EventAccounts()
		e.Key = s.EventKey()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		droppedTotal.Inc()
		return
	}
	select {
	case d.queue <- e:
		emittedTotal.WithLabelValues(string(kind)).Inc()
	default:
		droppedTotal.Inc()
		d.logger.Warn("event buffer full, dropping event", "kind", kind)
	}
}

// Run delivers queued events until Close is called and the queue drains.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for e := range d.queue {
		d.deliver(e)
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(e *Event) {
	for _, s := range d.sinks {
		d.publish(s, e)
	}
}

func (d *Dispatcher) publish(s Sink, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			sinkErrors.WithLabelValues(s.Name()).Inc()
			d.logger.Error("panic in event sink", "sink", s.Name(), "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Publish(ctx, e); err != nil {
		sinkErrors.WithLabelValues(s.Name()).Inc()
		d.logger.Warn("event publish failed", "sink", s.Name(), "kind", e.Kind, "event_id", e.ID, "error", err)
	}
}
