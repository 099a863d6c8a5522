// Package breaker guards a single storage backend with a circuit breaker.
//
// The state machine comes from github.com/sony/gobreaker's two-step breaker.
// This package layers on top of it the pieces memvault needs: a slow-call
// rate trip condition, exponential cool-down between consecutive opens,
// health-check evidence, neutral outcomes for cancelled calls, and a
// snapshot for the backends report.
package breaker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/memvault/pkg/types"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state as its name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the names produced by String.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = StateClosed
	case "half-open":
		*s = StateHalfOpen
	case "open":
		*s = StateOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// Outcome classifies a finished call for the breaker.
type Outcome int

const (
	// Success is any answer from the backend, including not-found and
	// validation rejections.
	Success Outcome = iota
	// Failure is an unavailable error or a per-call timeout.
	Failure
	// Neutral is a call abandoned by the caller, e.g. a lost race or a
	// cancelled parent context. It is not evidence either way.
	Neutral
)

// Classify maps a backend call error onto an outcome. callerDone reports
// whether the caller's own context had already ended when the call returned.
func Classify(err error, callerDone bool) Outcome {
	switch {
	case err == nil:
		return Success
	case callerDone:
		return Neutral
	case types.IsValidation(err), types.IsNotFound(err):
		return Success
	default:
		return Failure
	}
}

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// SlowCallThreshold marks a call as slow when its latency exceeds it.
	SlowCallThreshold time.Duration `yaml:"slow_call_threshold"`

	// SlowCallRate opens the circuit when the share of slow calls in the
	// window exceeds it. Zero disables the slow-call condition.
	SlowCallRate float64 `yaml:"slow_call_rate"`

	// SlowCallWindow is the rolling window for the slow-call rate.
	SlowCallWindow time.Duration `yaml:"slow_call_window"`

	// SlowCallMinCalls is the minimum number of calls in the window before
	// the slow-call rate is considered.
	SlowCallMinCalls int `yaml:"slow_call_min_calls"`

	// CoolDown is how long the circuit stays open after the first trip.
	CoolDown time.Duration `yaml:"cool_down"`

	// BackoffMultiplier grows the cool-down on each consecutive reopen from
	// half-open. Values <= 1 keep the cool-down fixed.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// MaxCoolDown caps the grown cool-down. Zero means no cap.
	MaxCoolDown time.Duration `yaml:"max_cool_down"`

	// HalfOpenMaxCalls is the number of trial calls admitted in half-open.
	// All of them must succeed for the circuit to close.
	HalfOpenMaxCalls uint32 `yaml:"half_open_max_calls"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SlowCallThreshold: 2 * time.Second,
		SlowCallRate:      0.5,
		SlowCallWindow:    60 * time.Second,
		SlowCallMinCalls:  10,
		CoolDown:          60 * time.Second,
		BackoffMultiplier: 2,
		MaxCoolDown:       10 * time.Minute,
		HalfOpenMaxCalls:  1,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SlowCallThreshold <= 0 {
		c.SlowCallThreshold = d.SlowCallThreshold
	}
	if c.SlowCallWindow <= 0 {
		c.SlowCallWindow = d.SlowCallWindow
	}
	if c.SlowCallMinCalls <= 0 {
		c.SlowCallMinCalls = d.SlowCallMinCalls
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.SlowCallRate < 0 || c.SlowCallRate > 1 {
		return fmt.Errorf("slow_call_rate must be within [0, 1], got %v", c.SlowCallRate)
	}
	if c.BackoffMultiplier < 0 {
		return fmt.Errorf("backoff_multiplier must not be negative")
	}
	if c.MaxCoolDown > 0 && c.MaxCoolDown < c.CoolDown {
		return fmt.Errorf("max_cool_down (%s) is shorter than cool_down (%s)", c.MaxCoolDown, c.CoolDown)
	}
	return nil
}

// coolDown returns the open duration for the n-th consecutive open.
func (c Config) coolDown(n int) time.Duration {
	d := c.CoolDown
	if n > 1 && c.BackoffMultiplier > 1 {
		grown := float64(c.CoolDown) * math.Pow(c.BackoffMultiplier, float64(n-1))
		if grown > float64(math.MaxInt64) {
			grown = float64(math.MaxInt64)
		}
		d = time.Duration(grown)
	}
	if c.MaxCoolDown > 0 && d > c.MaxCoolDown {
		d = c.MaxCoolDown
	}
	return d
}

// Transition describes a state change.
type Transition struct {
	Backend string    `json:"backend"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
}

// Listener is notified of state changes. Listeners run on the goroutine
// that caused the transition, outside the breaker's locks.
type Listener func(Transition)

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Backend             string                   `json:"backend"`
	State               State                    `json:"state"`
	ConsecutiveFailures uint32                   `json:"consecutive_failures"`
	LastFailure         time.Time                `json:"last_failure,omitzero"`
	OpenUntil           time.Time                `json:"open_until,omitzero"`
	WindowCalls         int                      `json:"window_calls"`
	WindowSlowCalls     int                      `json:"window_slow_calls"`
	Calls               uint64                   `json:"calls"`
	Failures            uint64                   `json:"failures"`
	Rejections          uint64                   `json:"rejections"`
	Opens               uint64                   `json:"opens"`
	LastCheckOK         bool                     `json:"last_check_ok"`
	LastCheck           time.Time                `json:"last_check,omitzero"`
	TimeInState         map[string]time.Duration `json:"time_in_state"`
}

// Breaker is a circuit breaker for one backend. It is safe for concurrent
// use.
type Breaker struct {
	name string
	cfg  Config
	cb   *gobreaker.TwoStepCircuitBreaker

	// mu guards everything below. It is never held while calling into cb:
	// cb invokes onStateChange and readyToTrip under its own lock.
	mu               sync.Mutex
	openUntil        time.Time
	consecutiveOpens int
	neutralReopen    bool
	slowTrip         bool
	window           *slowWindow
	lastFailure      time.Time
	lastCheck        time.Time
	lastCheckOK      bool
	calls            uint64
	failures         uint64
	rejections       uint64
	opens            uint64
	state            State
	stateSince       time.Time
	timeIn           map[State]time.Duration
	listeners        []Listener
	pending          []Transition

	notifyMu sync.Mutex
	now      func() time.Time
}

// New creates a closed breaker for the named backend.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.WithDefaults()
	b := &Breaker{
		name:        name,
		cfg:         cfg,
		window:      newSlowWindow(cfg.SlowCallWindow, 10),
		lastCheckOK: true,
		timeIn:      make(map[State]time.Duration),
		now:         time.Now,
	}
	b.stateSince = b.now()
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:          name,
		MaxRequests:   cfg.HalfOpenMaxCalls,
		Interval:      0,
		Timeout:       cfg.CoolDown,
		ReadyToTrip:   b.readyToTrip,
		OnStateChange: b.onStateChange,
	})
	return b
}

// Name returns the backend name.
func (b *Breaker) Name() string { return b.name }

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// OnTransition registers a listener for state changes.
func (b *Breaker) OnTransition(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Breaker) readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slowTrip
}

func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	now := b.now()

	b.mu.Lock()
	b.timeIn[b.state] += now.Sub(b.stateSince)
	prev := b.state
	b.state = fromGobreaker(to)
	b.stateSince = now

	switch to {
	case gobreaker.StateOpen:
		b.opens++
		switch {
		case b.neutralReopen:
			if b.consecutiveOpens == 0 {
				b.consecutiveOpens = 1
			}
		case from == gobreaker.StateHalfOpen:
			b.consecutiveOpens++
		default:
			b.consecutiveOpens = 1
		}
		b.openUntil = now.Add(b.cfg.coolDown(b.consecutiveOpens))
		b.neutralReopen = false
		b.slowTrip = false
		b.window.reset()
	case gobreaker.StateClosed:
		b.consecutiveOpens = 0
		b.openUntil = time.Time{}
		b.window.reset()
	}
	b.pending = append(b.pending, Transition{Backend: b.name, From: prev, To: b.state, At: now})
	b.mu.Unlock()
}

// flush delivers queued transitions. A listener that calls back into the
// breaker finds notifyMu taken and leaves delivery to the outer flush.
func (b *Breaker) flush() {
	for {
		if !b.notifyMu.TryLock() {
			return
		}
		b.mu.Lock()
		pending := b.pending
		b.pending = nil
		listeners := append([]Listener(nil), b.listeners...)
		b.mu.Unlock()

		for _, t := range pending {
			for _, l := range listeners {
				l(t)
			}
		}
		b.notifyMu.Unlock()

		b.mu.Lock()
		more := len(b.pending) > 0
		b.mu.Unlock()
		if !more {
			return
		}
	}
}

// State returns the current state. An open circuit whose cool-down has
// elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	gated := b.now().Before(b.openUntil)
	b.mu.Unlock()
	if gated {
		return StateOpen
	}
	s := fromGobreaker(b.cb.State())
	b.flush()
	return s
}

// Permit is an admitted call. Exactly one Done must follow.
type Permit struct {
	b        *Breaker
	done     func(bool)
	start    time.Time
	halfOpen bool
	once     sync.Once
}

// Allow admits a call or rejects it with an error wrapping
// types.ErrCircuitOpen. Rejections are immediate.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	now := b.now()
	if now.Before(b.openUntil) {
		b.rejections++
		until := b.openUntil
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s until %s", types.ErrCircuitOpen, b.name, until.Format(time.RFC3339))
	}
	b.mu.Unlock()

	halfOpen := b.cb.State() == gobreaker.StateHalfOpen
	done, err := b.cb.Allow()
	b.flush()
	if err != nil {
		b.mu.Lock()
		b.rejections++
		b.mu.Unlock()
		if err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: %s half-open trial in progress", types.ErrCircuitOpen, b.name)
		}
		return nil, fmt.Errorf("%w: %s", types.ErrCircuitOpen, b.name)
	}

	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return &Permit{b: b, done: done, start: now, halfOpen: halfOpen}, nil
}

// Done records the outcome of the call. Latency is measured from Allow.
func (p *Permit) Done(outcome Outcome) {
	p.once.Do(func() {
		p.b.finish(p, outcome, p.b.now().Sub(p.start))
	})
}

func (b *Breaker) finish(p *Permit, outcome Outcome, latency time.Duration) {
	slow := latency > b.cfg.SlowCallThreshold
	now := b.now()

	switch outcome {
	case Neutral:
		if !p.halfOpen {
			return
		}
		// A trial slot must be released; gobreaker can only do that by
		// reopening. The cool-down does not grow for it.
		b.mu.Lock()
		b.neutralReopen = true
		b.mu.Unlock()
		p.done(false)

	case Failure:
		b.mu.Lock()
		b.failures++
		b.lastFailure = now
		if !p.halfOpen {
			b.window.record(now, slow)
		}
		b.mu.Unlock()
		p.done(false)

	default:
		if p.halfOpen {
			p.done(true)
			break
		}
		b.mu.Lock()
		b.window.record(now, slow)
		trip := slow && b.slowRateExceeded(now)
		if trip {
			b.slowTrip = true
		}
		b.mu.Unlock()
		p.done(!trip)
	}
	b.flush()
}

// slowRateExceeded must be called with mu held.
func (b *Breaker) slowRateExceeded(now time.Time) bool {
	if b.cfg.SlowCallRate <= 0 {
		return false
	}
	calls, slow := b.window.counts(now)
	if calls < b.cfg.SlowCallMinCalls {
		return false
	}
	return float64(slow)/float64(calls) > b.cfg.SlowCallRate
}

// RecordHealthCheck feeds a health-check result into the breaker. In closed
// state a failed check counts as one failure. Otherwise checks are only
// recorded; recovery still requires a successful trial call.
func (b *Breaker) RecordHealthCheck(ok bool) {
	b.mu.Lock()
	b.lastCheck = b.now()
	b.lastCheckOK = ok
	b.mu.Unlock()

	if ok || b.State() != StateClosed {
		return
	}
	done, err := b.cb.Allow()
	if err == nil {
		b.mu.Lock()
		b.failures++
		b.lastFailure = b.now()
		b.mu.Unlock()
		done(false)
	}
	b.flush()
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	counts := b.cb.Counts()
	b.flush()

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	calls, slow := b.window.counts(now)
	timeIn := make(map[string]time.Duration, 3)
	for s, d := range b.timeIn {
		timeIn[s.String()] = d
	}
	timeIn[b.state.String()] += now.Sub(b.stateSince)

	s := Snapshot{
		Backend:             b.name,
		State:               state,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		LastFailure:         b.lastFailure,
		WindowCalls:         calls,
		WindowSlowCalls:     slow,
		Calls:               b.calls,
		Failures:            b.failures,
		Rejections:          b.rejections,
		Opens:               b.opens,
		LastCheckOK:         b.lastCheckOK,
		LastCheck:           b.lastCheck,
		TimeInState:         timeIn,
	}
	if state == StateOpen {
		s.OpenUntil = b.openUntil
	}
	return s
}
