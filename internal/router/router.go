// Package router routes memory operations across registered backends.
//
// Candidates are ordered by preference rank, then name, so the same
// registrations and breaker states always pick the same backend. Each
// candidate's breaker is consulted before the call: open circuits are
// skipped without touching the backend. Failover is sequential so a write
// is never sent to two backends at once; read-only queries may optionally
// race closed candidates.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/internal/health"
	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// ErrRateLimited is the reason a candidate was skipped because its call
// budget was spent.
var ErrRateLimited = errors.New("backend rate limit exceeded")

// Options configures a Router.
type Options struct {
	// Breaker is the default breaker configuration for every backend.
	Breaker breaker.Config

	// CallTimeout bounds each individual backend call (default 5s).
	CallTimeout time.Duration

	// DemoteUnhealthy moves backends whose last health check failed behind
	// healthy ones, keeping rank order within each group.
	DemoteUnhealthy bool

	// RaceReads lets read-only queries race every closed candidate. The
	// first answer wins and the other calls are cancelled.
	RaceReads bool

	// RateLimit caps calls per second to each backend. Zero is unlimited.
	RateLimit float64

	// RateBurst is the limiter burst (default: RateLimit rounded up).
	RateBurst int

	// AffinityEntries sizes the id-to-backend cache (default 100000).
	// Negative disables it.
	AffinityEntries int64
}

// DefaultOptions returns the default router options.
func DefaultOptions() Options {
	return Options{
		Breaker:         breaker.DefaultConfig(),
		CallTimeout:     5 * time.Second,
		DemoteUnhealthy: true,
		AffinityEntries: 100_000,
	}
}

type member struct {
	desc    types.BackendDescriptor
	backend storage.Backend
	breaker *breaker.Breaker
	limiter *rate.Limiter
	healthy atomic.Bool
	checked  atomic.Bool
}

// Router owns the registered backends and their breakers.
type Router struct {
	opts     Options
	affinity *affinity

	mu        sync.RWMutex
	members   map[string]*member
	ordered   []*member
	listeners []breaker.Listener
}

// New creates an empty router.
func New(opts Options) (*Router, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	opts.Breaker = opts.Breaker.WithDefaults()
	if err := opts.Breaker.Validate(); err != nil {
		return nil, fmt.Errorf("router: breaker config: %w", err)
	}
	if opts.RateLimit < 0 {
		return nil, fmt.Errorf("router: rate limit must not be negative")
	}

	r := &Router{opts: opts, members: make(map[string]*member)}
	if opts.AffinityEntries >= 0 {
		entries := opts.AffinityEntries
		if entries == 0 {
			entries = 100_000
		}
		a, err := newAffinity(entries)
		if err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
		r.affinity = a
	}
	return r, nil
}

// Register adds a backend with the router's default breaker config.
func (r *Router) Register(desc types.BackendDescriptor, backend storage.Backend) error {
	return r.RegisterWithBreaker(desc, backend, r.opts.Breaker)
}

// RegisterWithBreaker adds a backend with its own breaker thresholds. The
// descriptor's capabilities must be a subset of what the adapter supports;
// an empty list takes the adapter's.
func (r *Router) RegisterWithBreaker(desc types.BackendDescriptor, backend storage.Backend, cfg breaker.Config) error {
	if backend == nil {
		return fmt.Errorf("%w: nil backend", types.ErrValidationFailed)
	}
	if desc.Name == "" {
		desc.Name = backend.Name()
	}
	supported := types.BackendDescriptor{Capabilities: backend.Capabilities()}
	if len(desc.Capabilities) == 0 {
		desc.Capabilities = append([]types.Capability(nil), supported.Capabilities...)
	}
	for _, c := range desc.Capabilities {
		if !supported.Has(c) {
			return fmt.Errorf("%w: backend %s does not support capability %s", types.ErrValidationFailed, desc.Name, c)
		}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: backend %s: %v", types.ErrValidationFailed, desc.Name, err)
	}

	m := &member{
		desc:    desc,
		backend: backend,
		breaker: breaker.New(desc.Name, cfg),
	}
	m.healthy.Store(true)
	if r.opts.RateLimit > 0 {
		burst := r.opts.RateBurst
		if burst <= 0 {
			burst = int(r.opts.RateLimit + 0.999)
		}
		m.limiter = rate.NewLimiter(rate.Limit(r.opts.RateLimit), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[desc.Name]; exists {
		return fmt.Errorf("%w: backend %s is already registered", types.ErrValidationFailed, desc.Name)
	}

	m.breaker.OnTransition(func(t breaker.Transition) {
		log.Printf("router: breaker %s: %s -> %s", t.Backend, t.From, t.To)
	})
	for _, l := range r.listeners {
		m.breaker.OnTransition(l)
	}

	r.members[desc.Name] = m
	r.ordered = append(r.ordered, m)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		a, b := r.ordered[i].desc, r.ordered[j].desc
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.Name < b.Name
	})
	return nil
}

// OnTransition registers a breaker listener on every current and future
// backend.
func (r *Router) OnTransition(l breaker.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
	for _, m := range r.ordered {
		m.breaker.OnTransition(l)
	}
}

// ObserveHealth records a check result. It is registered as a
// health.Listener.
func (r *Router) ObserveHealth(res health.Result) {
	r.mu.RLock()
	m, ok := r.members[res.Backend]
	r.mu.RUnlock()
	if !ok {
		return
	}
	m.healthy.Store(res.OK)
	m.checked.Store(true)
	m.breaker.RecordHealthCheck(res.OK)
}

// Backends returns the registered backends in preference order.
func (r *Router) Backends() []storage.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]storage.Backend, len(r.ordered))
	for i, m := range r.ordered {
		out[i] = m.backend
	}
	return out
}

// Breaker returns the breaker for the named backend.
func (r *Router) Breaker(name string) (*breaker.Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[name]
	if !ok {
		return nil, false
	}
	return m.breaker, true
}

// BackendStatus describes one backend for the status report.
type BackendStatus struct {
	types.BackendDescriptor
	Healthy bool             `json:"healthy"`
	Checked  bool             `json:"checked"`
	Breaker breaker.Snapshot `json:"breaker"`
}

// Snapshots returns the status of every backend in preference order.
func (r *Router) Snapshots() []BackendStatus {
	r.mu.RLock()
	members := append([]*member(nil), r.ordered...)
	r.mu.RUnlock()

	out := make([]BackendStatus, len(members))
	for i, m := range members {
		out[i] = BackendStatus{
			BackendDescriptor: m.desc,
			Healthy:           m.healthy.Load(),
			Checked:            m.checked.Load(),
			Breaker:           m.breaker.Snapshot(),
		}
	}
	return out
}

// Affinity returns the backend that last served id, if remembered.
func (r *Router) Affinity(id string) (string, bool) {
	return r.affinity.lookup(id)
}

// Remember records that backend holds id.
func (r *Router) Remember(id, backend string) {
	r.affinity.remember(id, backend)
}

// Forget drops the affinity entry for id.
func (r *Router) Forget(id string) {
	r.affinity.forget(id)
}

// Close releases the affinity cache. Backends are owned by the caller.
func (r *Router) Close() {
	r.affinity.close()
}

// Request describes one routed operation.
type Request struct {
	// Op names the operation in errors and logs.
	Op string

	// AnyOf restricts candidates to backends advertising at least one of
	// the capabilities, tried in the given order per backend. Empty means
	// every backend.
	AnyOf []types.Capability

	// Prefer names a backend to try first, e.g. from the affinity cache.
	Prefer string

	// ContinueOnNotFound moves on to the next candidate when a backend
	// reports the record missing.
	ContinueOnNotFound bool

	// Write marks operations whose outcome is ambiguous if abandoned.
	Write bool

	// Race allows racing candidates when the router has RaceReads set.
	// Only read-only operations may set it.
	Race bool
}

// Result reports which backend served a request.
type Result struct {
	Backend  string
	Attempts []types.Attempt
	// Failover is set when an earlier candidate was skipped or failed.
	Failover bool
}

// Call performs the operation against one backend. mode is the
// capability matched from Request.AnyOf, or empty.
type Call[T any] func(ctx context.Context, b storage.Backend, mode types.Capability) (T, error)

type candidate struct {
	m    *member
	mode types.Capability
}

func (r *Router) candidates(req Request) []candidate {
	r.mu.RLock()
	members := append([]*member(nil), r.ordered...)
	r.mu.RUnlock()

	var out []candidate
	for _, m := range members {
		if mode, ok := m.desc.FirstMatch(req.AnyOf); ok {
			out = append(out, candidate{m: m, mode: mode})
		}
	}

	if r.opts.DemoteUnhealthy {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].m.healthy.Load() && !out[j].m.healthy.Load()
		})
	}
	if req.Prefer != "" {
		for i, c := range out {
			if c.m.desc.Name == req.Prefer {
				copy(out[1:i+1], out[:i])
				out[0] = c
				break
			}
		}
	}
	return out
}

// Execute routes req, calling fn on candidates until one answers.
//
// A validation failure from a backend ends the walk at once. An
// unavailable backend, an open circuit, a spent rate budget or a per-call
// timeout moves on to the next candidate. When the candidates run out the
// error is a *types.RoutingError matching ErrAllBackendsUnavailable, or
// ErrNotFound if a reachable backend reported the record missing. If ctx
// ends first the error is a *types.TimeoutError.
func Execute[T any](ctx context.Context, r *Router, req Request, fn Call[T]) (T, Result, error) {
	var zero T
	cands := r.candidates(req)
	if len(cands) == 0 {
		err := &types.RoutingError{Op: req.Op, Kind: types.ErrAllBackendsUnavailable}
		if len(req.AnyOf) > 0 {
			return zero, Result{}, fmt.Errorf("%w (no backend supports %v)", err, req.AnyOf)
		}
		return zero, Result{}, fmt.Errorf("%w (no backends registered)", err)
	}
	if r.opts.RaceReads && req.Race && !req.Write {
		return race(ctx, r, req, cands, fn)
	}

	var (
		attempts  []types.Attempt
		notFound  bool
		ambiguous bool
	)
	for _, c := range cands {
		name := c.m.desc.Name
		if ctx.Err() != nil {
			return zero, Result{Attempts: attempts}, deadlineError(ctx, req, "", ambiguous)
		}

		permit, err := r.admit(c.m)
		if err != nil {
			attempts = append(attempts, types.Attempt{Backend: name, Skipped: true, Err: err})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		v, err := fn(callCtx, c.m.backend, c.mode)
		callTimedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err == nil {
			permit.Done(breaker.Success)
			attempts = append(attempts, types.Attempt{Backend: name})
			return v, Result{Backend: name, Attempts: attempts, Failover: len(attempts) > 1}, nil
		}

		if ctx.Err() != nil {
			permit.Done(breaker.Neutral)
			attempts = append(attempts, types.Attempt{Backend: name, Err: err})
			return zero, Result{Attempts: attempts}, deadlineError(ctx, req, name, ambiguous || req.Write)
		}

		if callTimedOut {
			err = fmt.Errorf("%w: %s %s: call timed out after %v", types.ErrBackendUnavailable, name, req.Op, r.opts.CallTimeout)
			ambiguous = ambiguous || req.Write
		}
		permit.Done(breaker.Classify(err, false))
		attempts = append(attempts, types.Attempt{Backend: name, Err: err})

		switch {
		case types.IsValidation(err):
			return zero, Result{Backend: name, Attempts: attempts}, err
		case types.IsNotFound(err):
			if !req.ContinueOnNotFound {
				return zero, Result{Backend: name, Attempts: attempts}, err
			}
			notFound = true
		default:
			log.Printf("router: %s on %s failed, trying next backend: %v", req.Op, name, err)
		}
	}

	kind := types.ErrAllBackendsUnavailable
	if notFound {
		kind = types.ErrNotFound
	}
	return zero, Result{Attempts: attempts}, &types.RoutingError{Op: req.Op, Kind: kind, Attempts: attempts}
}

// admit checks the rate budget, then the breaker.
func (r *Router) admit(m *member) (*breaker.Permit, error) {
	if m.limiter != nil && !m.limiter.Allow() {
		return nil, ErrRateLimited
	}
	return m.breaker.Allow()
}

func deadlineError(ctx context.Context, req Request, backend string, ambiguous bool) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.TimeoutError{Op: req.Op, Backend: backend, Ambiguous: ambiguous, Err: err}
	}
	return fmt.Errorf("%s: %w", req.Op, err)
}
