// Package metrics carries per-call events and breaker transitions from the
// memory service to observability sinks without blocking the request path.
package metrics

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/pkg/types"
)

// Outcome classifies a finished service call.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeError       Outcome = "error"
)

// OutcomeOf maps a service error onto an outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case types.IsValidation(err):
		return OutcomeInvalid
	case types.IsTimeout(err):
		return OutcomeTimeout
	case types.IsNotFound(err):
		return OutcomeNotFound
	case types.IsUnavailable(err):
		return OutcomeUnavailable
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

// Event describes one service call.
type Event struct {
	Time         time.Time     `json:"time"`
	Operation    string        `json:"operation"`
	Backend      string        `json:"backend,omitempty"`
	Project      string        `json:"project,omitempty"`
	Latency      time.Duration `json:"latency"`
	Outcome      Outcome       `json:"outcome"`
	BreakerState string        `json:"breaker_state,omitempty"`
	Attempts     int           `json:"attempts"`
	Failover     bool          `json:"failover,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Sink consumes events. Methods are called from the dispatcher goroutine
// only, one at a time.
type Sink interface {
	Record(Event)
	Transition(breaker.Transition)
}

type item struct {
	event      *Event
	transition *breaker.Transition
}

// Dispatcher fans events out to sinks on a background goroutine. Emits
// never block: when the buffer is full the item is dropped and counted.
type Dispatcher struct {
	sinks []Sink
	ch    chan item
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher with the given buffer size (default
// 1024).
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{
		sinks: sinks,
		ch:    make(chan item, buffer),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for it := range d.ch {
		for _, s := range d.sinks {
			if it.event != nil {
				s.Record(*it.event)
			} else {
				s.Transition(*it.transition)
			}
		}
	}
}

func (d *Dispatcher) send(it item) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- it:
	default:
		d.dropped.Add(1)
	}
}

// Emit queues an event.
func (d *Dispatcher) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	d.send(item{event: &e})
}

// Transition queues a breaker transition. It is a breaker.Listener.
func (d *Dispatcher) Transition(t breaker.Transition) {
	d.send(item{transition: &t})
}

// Dropped returns the number of items discarded so far.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting items and waits until queued ones are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	<-d.done
	if n := d.dropped.Load(); n > 0 {
		log.Printf("metrics: %d events dropped", n)
	}
}

// LogSink writes events with the standard logger. Unless Verbose is set
// only failed calls and transitions are logged.
type LogSink struct {
	Verbose bool
}

// Record implements Sink.
func (s LogSink) Record(e Event) {
	if e.Outcome == OutcomeOK && !e.Failover && !s.Verbose {
		return
	}
	if e.Error != "" {
		log.Printf("metrics: op=%s project=%s backend=%s outcome=%s latency=%v attempts=%d error=%q",
			e.Operation, e.Project, e.Backend, e.Outcome, e.Latency, e.Attempts, e.Error)
		return
	}
	log.Printf("metrics: op=%s project=%s backend=%s outcome=%s latency=%v attempts=%d failover=%v",
		e.Operation, e.Project, e.Backend, e.Outcome, e.Latency, e.Attempts, e.Failover)
}

// Transition implements Sink.
func (s LogSink) Transition(t breaker.Transition) {
	log.Printf("metrics: breaker %s %s -> %s", t.Backend, t.From, t.To)
}
