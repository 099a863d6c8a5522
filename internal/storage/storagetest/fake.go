// Package storagetest provides a controllable in-memory backend and a
// conformance suite shared by every storage adapter's tests.
package storagetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// FakeBackend is an in-memory storage.Backend with failure and latency
// injection. Text queries match any query token contained in the content.
type FakeBackend struct {
	name string
	caps []types.Capability

	mu        sync.Mutex
	records   map[string]*types.Record
	failWith  error
	healthErr error
	latency   time.Duration
	calls     map[string]int
	closed    bool
}

var _ storage.Backend = (*FakeBackend)(nil)

// NewFakeBackend creates a fake with the given capabilities. With none it
// advertises key-value and full-text.
func NewFakeBackend(name string, caps ...types.Capability) *FakeBackend {
	if len(caps) == 0 {
		caps = []types.Capability{types.CapKeyValue, types.CapFullText}
	}
	return &FakeBackend{
		name:    name,
		caps:    caps,
		records: make(map[string]*types.Record),
		calls:   make(map[string]int),
	}
}

// Fail makes every subsequent operation return ErrBackendUnavailable and
// every health check fail.
func (f *FakeBackend) Fail() {
	f.SetFailure(types.ErrBackendUnavailable)
}

// SetFailure makes every subsequent operation return err. A nil err
// restores normal behaviour.
func (f *FakeBackend) SetFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
	f.healthErr = err
}

// Recover clears injected failures.
func (f *FakeBackend) Recover() {
	f.SetFailure(nil)
}

// SetHealthError makes only health checks fail.
func (f *FakeBackend) SetHealthError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

// SetLatency delays every operation, including health checks, by d.
func (f *FakeBackend) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// Seed stores a copy of r directly, bypassing injected failures.
func (f *FakeBackend) Seed(r *types.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.ID] = r.Clone()
}

// Has reports whether id is stored.
func (f *FakeBackend) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok
}

// Len returns the number of stored records.
func (f *FakeBackend) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// Calls returns how many data operations (excluding health checks) were
// attempted.
func (f *FakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for op, c := range f.calls {
		if op != "health" {
			n += c
		}
	}
	return n
}

// CallsFor returns how many times op was attempted.
func (f *FakeBackend) CallsFor(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes the call counters.
func (f *FakeBackend) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// Closed reports whether Close was called.
func (f *FakeBackend) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeBackend) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	latency, failWith := f.latency, f.failWith
	if op == "health" {
		failWith = f.healthErr
	}
	f.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return storage.Unavailable(f.name, op, ctx.Err())
		}
	}
	if failWith != nil {
		return storage.Unavailable(f.name, op, failWith)
	}
	return storage.Unavailable(f.name, op, ctx.Err())
}

// Name implements storage.Backend.
func (f *FakeBackend) Name() string { return f.name }

// Capabilities implements storage.Backend.
func (f *FakeBackend) Capabilities() []types.Capability { return f.caps }

// Write implements storage.Backend.
func (f *FakeBackend) Write(ctx context.Context, record *types.Record) (string, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}
	if err := f.enter(ctx, "write"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[record.ID]; !ok {
		f.records[record.ID] = record.Clone()
	}
	return record.ID, nil
}

// Read implements storage.Backend.
func (f *FakeBackend) Read(ctx context.Context, id string) (*types.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if err := f.enter(ctx, "read"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, storage.NotFound(id)
	}
	return r.Clone(), nil
}

// Query implements storage.Backend. Results are ordered by recency.
func (f *FakeBackend) Query(ctx context.Context, opts storage.QueryOptions) ([]types.Record, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	if err := f.enter(ctx, "query"); err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(opts.Text))

	f.mu.Lock()
	var out []types.Record
	for _, r := range f.records {
		if !opts.Matches(r) || !containsAny(strings.ToLower(r.Content), terms) {
			continue
		}
		out = append(out, *r.Clone())
	}
	f.mu.Unlock()

	storage.SortRecent(out)
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func containsAny(content string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	for _, t := range terms {
		if strings.Contains(content, t) {
			return true
		}
	}
	return false
}

// Update implements storage.Backend.
func (f *FakeBackend) Update(ctx context.Context, id string, patch types.Patch) (*types.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if err := f.enter(ctx, "update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, storage.NotFound(id)
	}
	patch.Apply(r, types.Now())
	return r.Clone(), nil
}

// Delete implements storage.Backend.
func (f *FakeBackend) Delete(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	if err := f.enter(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return storage.NotFound(id)
	}
	delete(f.records, id)
	return nil
}

// HealthCheck implements storage.Backend.
func (f *FakeBackend) HealthCheck(ctx context.Context) storage.HealthStatus {
	return storage.TimeCheck(ctx, func(ctx context.Context) error {
		return f.enter(ctx, "health")
	})
}

// Close implements storage.Backend.
func (f *FakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// NewRecord builds a valid record with a fresh id and current timestamps.
func NewRecord(project string, category types.Category, content string, meta types.Metadata) *types.Record {
	now := types.Now()
	return &types.Record{
		ID:           uuid.NewString(),
		ProjectScope: project,
		Category:     category,
		Content:      content,
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
