// Package chromem implements the memvault backend contract on chromem-go,
// a pure Go embedded vector database.
//
// Each project scope gets its own collection. Query ordering: with text,
// cosine similarity descending (only positive similarity), then id;
// without text, updated_at descending, then id.
package chromem

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/memvault/internal/embedding"
	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// Type is the backend type name used in configuration.
const Type = "chromem"

// Document metadata keys. User metadata is stored under metaPrefix so it
// can never collide with the reserved keys.
const (
	keyScope    = "_scope"
	keyCategory = "_category"
	keyCreated  = "_created_at"
	keyUpdated  = "_updated_at"
	metaPrefix  = "m."
)

// Options configures a chromem backend.
type Options struct {
	// Name is the registered backend name (default "chromem").
	Name string

	// Path persists collections to disk. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// MaxConns bounds concurrent operations (default 8).
	MaxConns int

	// Embedder produces document and query vectors (default HashEmbedder).
	Embedder embedding.Embedder
}

// ChromemStore implements storage.Backend on chromem-go.
type ChromemStore struct {
	name     string
	path     string
	db       *chromem.DB
	embedder embedding.Embedder
	slots    chan struct{}

	// mu orders mutations against queries: a query sizes nResults from
	// Count(), which a concurrent delete would invalidate.
	mu     sync.RWMutex
	closed atomic.Bool
}

var _ storage.Backend = (*ChromemStore)(nil)

// New creates a chromem-based store.
func New(opts Options) (*ChromemStore, error) {
	if opts.Name == "" {
		opts.Name = Type
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 8
	}
	if opts.Embedder == nil {
		opts.Embedder = embedding.NewHashEmbedder(0)
	}

	var db *chromem.DB
	if opts.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("chromem: open %s: %w", opts.Path, err)
		}
		log.Printf("chromem: %s loaded %d collections from %s", opts.Name, len(db.ListCollections()), opts.Path)
	} else {
		db = chromem.NewDB()
	}

	return &ChromemStore{
		name:     opts.Name,
		path:     opts.Path,
		db:       db,
		embedder: opts.Embedder,
		slots:    make(chan struct{}, opts.MaxConns),
	}, nil
}

// Name implements storage.Backend.
func (s *ChromemStore) Name() string { return s.name }

// Capabilities implements storage.Backend.
func (s *ChromemStore) Capabilities() []types.Capability {
	return []types.Capability{types.CapSemanticSearch, types.CapKeyValue}
}

// acquire takes one of the MaxConns operation slots.
func (s *ChromemStore) acquire(ctx context.Context, op string) (func(), error) {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, storage.Unavailable(s.name, op, ctx.Err())
	}
	if s.closed.Load() {
		<-s.slots
		return nil, storage.Unavailable(s.name, op, fmt.Errorf("store is closed"))
	}
	return func() { <-s.slots }, nil
}

func collectionName(scope string) string {
	return "project_" + scope
}

func (s *ChromemStore) collection(scope string) (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(collectionName(scope), nil, s.embedder.Embed)
	if err != nil {
		return nil, storage.Unavailable(s.name, "collection", err)
	}
	return col, nil
}

// Write stores the record with its content embedding. Writing an existing
// id replaces the document.
func (s *ChromemStore) Write(ctx context.Context, record *types.Record) (string, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}
	release, err := s.acquire(ctx, "write")
	if err != nil {
		return "", err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.find(ctx, record.ID); err == nil {
		return record.ID, nil
	} else if !types.IsNotFound(err) {
		return "", err
	}
	if err := s.put(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (s *ChromemStore) put(ctx context.Context, r *types.Record) error {
	col, err := s.collection(r.ProjectScope)
	if err != nil {
		return err
	}
	vec, err := s.embedder.Embed(ctx, r.Content)
	if err != nil {
		return storage.Unavailable(s.name, "embed", err)
	}
	doc := chromem.Document{
		ID:        r.ID,
		Content:   r.Content,
		Embedding: vec,
		Metadata:  encodeMetadata(r),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return storage.Unavailable(s.name, "write", err)
	}
	return nil
}

// Read looks the id up in every project collection.
func (s *ChromemStore) Read(ctx context.Context, id string) (*types.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, "read")
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, r, err := s.find(ctx, id)
	return r, err
}

// find returns the collection holding id and the decoded record.
func (s *ChromemStore) find(ctx context.Context, id string) (*chromem.Collection, *types.Record, error) {
	cols := s.db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, nil, storage.Unavailable(s.name, "read", err)
		}
		col := cols[name]
		// GetByID only fails for an empty or unknown id.
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		r, err := decodeDocument(doc.ID, doc.Content, doc.Metadata)
		if err != nil {
			return nil, nil, storage.Unavailable(s.name, "read", err)
		}
		return col, r, nil
	}
	return nil, nil, storage.NotFound(id)
}

// Query ranks by similarity to the query text, or lists by recency.
func (s *ChromemStore) Query(ctx context.Context, opts storage.QueryOptions) ([]types.Record, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, "query")
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.db.GetCollection(collectionName(opts.ProjectScope), s.embedder.Embed)
	if col == nil || col.Count() == 0 {
		return []types.Record{}, nil
	}

	var query []float32
	if opts.Text != "" {
		query, err = s.embedder.Embed(ctx, opts.Text)
		if err != nil {
			return nil, storage.Unavailable(s.name, "embed", err)
		}
	} else {
		query = listingVector(s.embedder.Dimensions())
	}

	// chromem requires nResults <= collection size, and every filter is
	// applied here so the whole collection is ranked.
	results, err := col.QueryEmbedding(ctx, query, col.Count(), nil, nil)
	if err != nil {
		return nil, storage.Unavailable(s.name, "query", err)
	}

	type scored struct {
		rec types.Record
		sim float32
	}
	var hits []scored
	for _, res := range results {
		if opts.Text != "" && !(res.Similarity > 0) {
			continue
		}
		r, err := decodeDocument(res.ID, res.Content, res.Metadata)
		if err != nil {
			log.Printf("chromem: %s skipping undecodable document %s: %v", s.name, res.ID, err)
			continue
		}
		if !opts.Matches(r) {
			continue
		}
		hits = append(hits, scored{rec: *r, sim: res.Similarity})
	}

	records := make([]types.Record, 0, len(hits))
	if opts.Text != "" {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].sim != hits[j].sim {
				return hits[i].sim > hits[j].sim
			}
			return hits[i].rec.ID < hits[j].rec.ID
		})
		for _, h := range hits {
			records = append(records, h.rec)
		}
	} else {
		for _, h := range hits {
			records = append(records, h.rec)
		}
		storage.SortRecent(records)
	}

	if len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records, nil
}

// listingVector is the query used for unranked listings; any non-zero
// vector returns every document once nResults equals the count.
func listingVector(dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = 1
	}
	return embedding.Normalize(v)
}

// Update applies the patch and re-embeds changed content.
func (s *ChromemStore) Update(ctx context.Context, id string, patch types.Patch) (*types.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, "update")
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, r, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(r, types.Now())
	if err := s.put(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes the document from its collection.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	release, err := s.acquire(ctx, "delete")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	col, _, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return storage.Unavailable(s.name, "delete", err)
	}
	return nil
}

// HealthCheck verifies an operation slot is obtainable and, for a
// persistent store, that the data directory is still present.
func (s *ChromemStore) HealthCheck(ctx context.Context) storage.HealthStatus {
	return storage.TimeCheck(ctx, func(ctx context.Context) error {
		release, err := s.acquire(ctx, "health")
		if err != nil {
			return err
		}
		defer release()
		if s.path != "" {
			if _, err := os.Stat(s.path); err != nil {
				return storage.Unavailable(s.name, "health", err)
			}
		}
		return nil
	})
}

// Close marks the store closed. Persistent documents are written on every
// mutation, so there is nothing to flush.
func (s *ChromemStore) Close() error {
	s.closed.Store(true)
	return nil
}

func encodeMetadata(r *types.Record) map[string]string {
	m := make(map[string]string, len(r.Metadata)+4)
	m[keyScope] = r.ProjectScope
	m[keyCategory] = string(r.Category)
	m[keyCreated] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	m[keyUpdated] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	for k, v := range r.Metadata {
		m[metaPrefix+k] = v
	}
	return m
}

func decodeDocument(id, content string, meta map[string]string) (*types.Record, error) {
	created, err := time.Parse(time.RFC3339Nano, meta[keyCreated])
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, meta[keyUpdated])
	if err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}

	r := &types.Record{
		ID:           id,
		ProjectScope: meta[keyScope],
		Category:     types.Category(meta[keyCategory]),
		Content:      content,
		CreatedAt:    created.UTC(),
		UpdatedAt:    updated.UTC(),
	}
	for k, v := range meta {
		if strings.HasPrefix(k, metaPrefix) {
			if r.Metadata == nil {
				r.Metadata = make(types.Metadata)
			}
			r.Metadata[strings.TrimPrefix(k, metaPrefix)] = v
		}
	}
	return r, nil
}
