// Package engine provides the MemoryService, the single entry point for
// storing and retrieving memories across every configured backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/memvault/internal/metrics"
	"github.com/scrypster/memvault/internal/retry"
	"github.com/scrypster/memvault/internal/router"
	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// idempotencyNamespace seeds deterministic record ids for idempotent
// stores.
var idempotencyNamespace = uuid.MustParse("6f1c0d4e-8a3b-5e7f-9c21-4d5a6b7c8e90")

// Config holds MemoryService settings.
type Config struct {
	// RequestTimeout bounds a whole call when the caller's context has no
	// deadline (default 10s).
	RequestTimeout time.Duration

	// Retry applies to reads and to stores carrying an idempotency key.
	Retry retry.Config
}

// DefaultConfig returns the default service settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		Retry:          retry.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.Retry.MaxAttempts > 1 && c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry initial delay must be positive when retries are enabled")
	}
	return nil
}

// Emitter receives one event per service call. Implementations must not
// block; *metrics.Dispatcher is the production one.
type Emitter interface {
	Emit(metrics.Event)
}

// MemoryService is the façade over the router. It is safe for concurrent
// use; the only shared state lives in the router's per-backend breakers.
type MemoryService struct {
	router *router.Router
	config Config
	events Emitter
}

// NewMemoryService creates the service. events may be nil.
func NewMemoryService(r *router.Router, cfg Config, events Emitter) (*MemoryService, error) {
	if r == nil {
		return nil, fmt.Errorf("router is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &MemoryService{router: r, config: cfg, events: events}, nil
}

// StoreRequest is the input to Store.
type StoreRequest struct {
	Category     types.Category `json:"category"`
	Content      string         `json:"content"`
	Metadata     types.Metadata `json:"metadata,omitempty"`
	ProjectScope string         `json:"project_scope"`

	// IdempotencyKey makes the record id a function of (project, key), so
	// a retry after a timeout overwrites instead of duplicating.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// StoreResult reports where a record was stored.
type StoreResult struct {
	ID       string `json:"id"`
	Backend  string `json:"backend"`
	Failover bool   `json:"failover"`
}

// RetrieveRequest is the input to Retrieve.
type RetrieveRequest struct {
	Category     types.Category   `json:"category,omitempty"`
	QueryText    string           `json:"query,omitempty"`
	Metadata     types.Metadata   `json:"metadata,omitempty"`
	ProjectScope string           `json:"project_scope"`
	Limit        int              `json:"limit,omitempty"`
	Mode         types.Capability `json:"mode,omitempty"`
}

// RetrieveResult holds the records and the backend that served them.
type RetrieveResult struct {
	Records  []types.Record `json:"records"`
	Backend  string         `json:"backend"`
	Failover bool           `json:"failover"`
}

// RecordID derives the id Store assigns for an idempotency key.
func RecordID(projectScope, idempotencyKey string) string {
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(projectScope+"\x00"+idempotencyKey)).String()
}

// Store validates and writes a new record to the first available backend.
// With an idempotency key, a record already stored under the key is left
// as it is and its id returned.
func (s *MemoryService) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	start := time.Now()
	scope := strings.TrimSpace(req.ProjectScope)

	rec, err := newRecord(req, scope)
	if err != nil {
		s.emit("store", scope, start, router.Result{}, err)
		return nil, err
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	keyed := req.IdempotencyKey != ""
	var res router.Result
	err = s.run(ctx, "store", keyed, func(ctx context.Context) error {
		var err error
		if keyed {
			// A replayed key answers with the stored record, wherever it
			// landed, and never rewrites it.
			_, res, err = router.Execute(ctx, s.router, s.byID("store", rec.ID, false),
				func(ctx context.Context, b storage.Backend, _ types.Capability) (*types.Record, error) {
					return b.Read(ctx, rec.ID)
				})
			if !types.IsNotFound(err) {
				return err
			}
		}
		_, res, err = router.Execute(ctx, s.router, router.Request{Op: "store", Write: true},
			func(ctx context.Context, b storage.Backend, _ types.Capability) (string, error) {
				return b.Write(ctx, rec)
			})
		return err
	})
	s.emit("store", scope, start, res, err)
	if err != nil {
		return nil, err
	}

	s.router.Remember(rec.ID, res.Backend)
	return &StoreResult{ID: rec.ID, Backend: res.Backend, Failover: res.Failover}, nil
}

func newRecord(req StoreRequest, scope string) (*types.Record, error) {
	category, err := types.ParseCategory(string(req.Category))
	if err != nil {
		return nil, err
	}
	if scope == "" {
		return nil, fmt.Errorf("%w: project scope is required", types.ErrValidationFailed)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", types.ErrValidationFailed)
	}

	now := types.Now()
	rec := &types.Record{
		ID:           RecordID(scope, req.IdempotencyKey),
		ProjectScope: scope,
		Category:     category,
		Content:      req.Content,
		Metadata:     req.Metadata.Clone(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Retrieve lists or searches records in one project scope. A text query
// is routed only to backends with a search capability; Mode narrows that
// to one capability.
func (s *MemoryService) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResult, error) {
	start := time.Now()
	opts, anyOf, err := queryOptions(req)
	if err != nil {
		s.emit("retrieve", req.ProjectScope, start, router.Result{}, err)
		return nil, err
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var (
		records []types.Record
		res     router.Result
	)
	routed := router.Request{Op: "retrieve", AnyOf: anyOf, Race: true}
	err = s.run(ctx, "retrieve", true, func(ctx context.Context) error {
		var err error
		records, res, err = router.Execute(ctx, s.router, routed,
			func(ctx context.Context, b storage.Backend, mode types.Capability) ([]types.Record, error) {
				o := opts
				o.Mode = mode
				return b.Query(ctx, o)
			})
		return err
	})
	s.emit("retrieve", opts.ProjectScope, start, res, err)
	if err != nil {
		return nil, err
	}

	// Backends are trusted to filter, but scope isolation is enforced here
	// as well.
	out := make([]types.Record, 0, len(records))
	for i := range records {
		if opts.Matches(&records[i]) {
			out = append(out, records[i])
		}
	}
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return &RetrieveResult{Records: out, Backend: res.Backend, Failover: res.Failover}, nil
}

func queryOptions(req RetrieveRequest) (storage.QueryOptions, []types.Capability, error) {
	opts := storage.QueryOptions{
		ProjectScope: req.ProjectScope,
		Text:         req.QueryText,
		Metadata:     req.Metadata,
		Limit:        req.Limit,
	}
	if req.Category != "" {
		category, err := types.ParseCategory(string(req.Category))
		if err != nil {
			return opts, nil, err
		}
		opts.Category = category
	}
	if err := opts.Normalize(); err != nil {
		return opts, nil, err
	}

	if opts.Text == "" {
		return opts, nil, nil
	}
	if req.Mode == "" {
		return opts, types.SearchCapabilities, nil
	}
	mode, err := types.ParseCapability(string(req.Mode))
	if err != nil {
		return opts, nil, err
	}
	if mode != types.CapSemanticSearch && mode != types.CapFullText {
		return opts, nil, fmt.Errorf("%w: %s is not a search mode", types.ErrValidationFailed, mode)
	}
	return opts, []types.Capability{mode}, nil
}

// Get returns the record with the given id from the first backend that
// has it.
func (s *MemoryService) Get(ctx context.Context, id string) (*types.Record, error) {
	start := time.Now()
	if err := storage.ValidateID(id); err != nil {
		s.emit("get", "", start, router.Result{}, err)
		return nil, err
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var (
		rec *types.Record
		res router.Result
	)
	err := s.run(ctx, "get", true, func(ctx context.Context) error {
		var err error
		rec, res, err = router.Execute(ctx, s.router, s.byID("get", id, false),
			func(ctx context.Context, b storage.Backend, _ types.Capability) (*types.Record, error) {
				return b.Read(ctx, id)
			})
		return err
	})
	s.emit("get", scopeOf(rec), start, res, err)
	if err != nil {
		return nil, err
	}
	s.router.Remember(id, res.Backend)
	return rec, nil
}

// Update applies patch to the record on the first backend that has it.
// ID, project scope, category and creation time never change.
func (s *MemoryService) Update(ctx context.Context, id string, patch types.Patch) (*types.Record, error) {
	start := time.Now()
	err := storage.ValidateID(id)
	if err == nil {
		err = patch.Validate()
	}
	if err != nil {
		s.emit("update", "", start, router.Result{}, err)
		return nil, err
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	rec, res, err := router.Execute(ctx, s.router, s.byID("update", id, true),
		func(ctx context.Context, b storage.Backend, _ types.Capability) (*types.Record, error) {
			return b.Update(ctx, id, patch)
		})
	s.emit("update", scopeOf(rec), start, res, err)
	if err != nil {
		return nil, err
	}
	s.router.Remember(id, res.Backend)
	return rec, nil
}

// Delete removes the record from the first backend, in preference order,
// that has it.
func (s *MemoryService) Delete(ctx context.Context, id string) error {
	start := time.Now()
	if err := storage.ValidateID(id); err != nil {
		s.emit("delete", "", start, router.Result{}, err)
		return err
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	_, res, err := router.Execute(ctx, s.router, s.byID("delete", id, true),
		func(ctx context.Context, b storage.Backend, _ types.Capability) (struct{}, error) {
			return struct{}{}, b.Delete(ctx, id)
		})
	s.emit("delete", "", start, res, err)
	if err != nil {
		return err
	}
	s.router.Forget(id)
	return nil
}

// Backends reports every backend's descriptor, health and breaker state.
func (s *MemoryService) Backends() []router.BackendStatus {
	return s.router.Snapshots()
}

// byID builds a request that walks every backend looking for id, starting
// with the one that last served it.
func (s *MemoryService) byID(op, id string, write bool) router.Request {
	prefer, _ := s.router.Affinity(id)
	return router.Request{Op: op, Prefer: prefer, ContinueOnNotFound: true, Write: write}
}

func (s *MemoryService) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.RequestTimeout)
}

// run calls fn, retrying only when every backend was unavailable. A
// deadline that expires while waiting between attempts is a timeout.
func (s *MemoryService) run(ctx context.Context, op string, retryable bool, fn func(ctx context.Context) error) error {
	if !retryable || !s.config.Retry.Enabled() {
		return fn(ctx)
	}
	err := retry.Do(ctx, s.config.Retry, func(err error) bool {
		return errors.Is(err, types.ErrAllBackendsUnavailable)
	}, fn)
	if err != nil && !types.IsTimeout(err) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Keyed stores are the only retried writes; an earlier attempt may
		// have landed after its call timed out.
		return &types.TimeoutError{
			Op:        op,
			Ambiguous: op == "store",
			Err:       fmt.Errorf("%w (last attempt: %v)", ctx.Err(), err),
		}
	}
	return err
}

func (s *MemoryService) emit(op, project string, start time.Time, res router.Result, err error) {
	if s.events == nil {
		return
	}
	e := metrics.Event{
		Time:      start.UTC(),
		Operation: op,
		Backend:   res.Backend,
		Project:   project,
		Latency:   time.Since(start),
		Outcome:   metrics.OutcomeOf(err),
		Attempts:  len(res.Attempts),
		Failover:  res.Failover,
	}
	if res.Backend != "" {
		if b, ok := s.router.Breaker(res.Backend); ok {
			e.BreakerState = b.State().String()
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.events.Emit(e)
}

func scopeOf(r *types.Record) string {
	if r == nil {
		return ""
	}
	return r.ProjectScope
}
