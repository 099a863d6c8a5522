// Package redis implements the memvault backend contract on Redis as a
// key-value store.
//
// Records are JSON values under <namespace>:rec:<id>; each project scope has
// a sorted set <namespace>:proj:<scope> scored by updated_at. Only unranked
// listings are supported, ordered by updated_at descending, then id. With a
// TTL configured records expire on their own and the backend advertises the
// expiry capability; the TTL restarts on every mutation.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// Type is the backend type name used in configuration.
const Type = "redis"

// maxWatchRetries bounds optimistic-lock retries in Update.
const maxWatchRetries = 3

// Options configures a Redis backend.
type Options struct {
	// Name is the registered backend name (default "redis").
	Name string

	// URL is a redis:// URL, e.g. "redis://localhost:6379/0".
	URL string

	// MaxConns bounds the connection pool (default 10).
	MaxConns int

	// Namespace prefixes every key (default "memvault").
	Namespace string

	// TTL expires records after the duration. Zero keeps them forever.
	TTL time.Duration
}

// RedisStore implements storage.Backend on Redis.
type RedisStore struct {
	name      string
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

var _ storage.Backend = (*RedisStore)(nil)

// New creates a Redis store. The server is not contacted until the first
// call.
func New(opts Options) (*RedisStore, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("redis: URL is required")
	}
	redisOpt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}
	if opts.Name == "" {
		opts.Name = Type
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 10
	}
	if opts.Namespace == "" {
		opts.Namespace = "memvault"
	}
	redisOpt.PoolSize = opts.MaxConns

	return &RedisStore{
		name:      opts.Name,
		client:    redis.NewClient(redisOpt),
		namespace: opts.Namespace,
		ttl:       opts.TTL,
	}, nil
}

// Name implements storage.Backend.
func (s *RedisStore) Name() string { return s.name }

// Capabilities implements storage.Backend.
func (s *RedisStore) Capabilities() []types.Capability {
	if s.ttl > 0 {
		return []types.Capability{types.CapKeyValue, types.CapExpiry}
	}
	return []types.Capability{types.CapKeyValue}
}

func (s *RedisStore) recordKey(id string) string {
	return s.namespace + ":rec:" + id
}

func (s *RedisStore) scopeKey(scope string) string {
	return s.namespace + ":proj:" + scope
}

func score(r *types.Record) float64 {
	return float64(r.UpdatedAt.UnixMicro())
}

// Write stores the record and indexes it under its project scope.
func (s *RedisStore) Write(ctx context.Context, record *types.Record) (string, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("%w: encode record: %v", types.ErrValidationFailed, err)
	}

	key := s.recordKey(record.ID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.ZAdd(ctx, s.scopeKey(record.ProjectScope), &redis.Z{Score: score(record), Member: record.ID})
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return record.ID, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return "", storage.Unavailable(s.name, "write", err)
	}
	return "", storage.Unavailable(s.name, "write", fmt.Errorf("concurrent modification of %s", record.ID))
}

// Read returns the record with the given id.
func (s *RedisStore) Read(ctx context.Context, id string) (*types.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.NotFound(id)
		}
		return nil, storage.Unavailable(s.name, "read", err)
	}
	return s.decode(id, data)
}

func (s *RedisStore) decode(id string, data []byte) (*types.Record, error) {
	var r types.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, storage.Unavailable(s.name, "decode", fmt.Errorf("record %s: %w", id, err))
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// Query lists records in the scope. Text queries are rejected: this
// backend has no search capability and the router never sends it one.
//
// The scope index is read newest first in pages of Limit entries. A page
// widens only when entries are filtered out or have expired, so a plain
// listing costs one range read and one MGET of Limit keys.
func (s *RedisStore) Query(ctx context.Context, opts storage.QueryOptions) ([]types.Record, error) {
	if err := opts.Normalize(); err != nil {
		return nil, err
	}
	if opts.Text != "" {
		return nil, fmt.Errorf("%w: %s does not support text queries", types.ErrValidationFailed, s.name)
	}

	scopeKey := s.scopeKey(opts.ProjectScope)
	records := []types.Record{}
	var expired []interface{}
	// Entries scored like the Limit-th match are still read so ties on
	// updated_at resolve by id.
	var cutoff float64

	window := int64(opts.Limit)
	for start := int64(0); ; {
		page, err := s.client.ZRevRangeWithScores(ctx, scopeKey, start, start+window-1).Result()
		if err != nil {
			return nil, storage.Unavailable(s.name, "query", err)
		}
		if len(page) == 0 {
			break
		}

		keys := make([]string, len(page))
		for i, z := range page {
			keys[i] = s.recordKey(fmt.Sprint(z.Member))
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, storage.Unavailable(s.name, "query", err)
		}

		full := false
		for i, z := range page {
			if len(records) >= opts.Limit && z.Score < cutoff {
				full = true
				break
			}
			id := fmt.Sprint(z.Member)
			str, ok := values[i].(string)
			if !ok {
				// Expired or deleted underneath the index.
				expired = append(expired, id)
				continue
			}
			r, err := s.decode(id, []byte(str))
			if err != nil {
				return nil, err
			}
			if !opts.Matches(r) {
				continue
			}
			records = append(records, *r)
			if len(records) == opts.Limit {
				cutoff = z.Score
			}
		}
		if full || int64(len(page)) < window {
			break
		}
		start += window
		window *= 2
	}

	if len(expired) > 0 {
		// Best effort; a failure here only leaves stale index entries.
		_ = s.client.ZRem(ctx, scopeKey, expired...).Err()
	}

	storage.SortRecent(records)
	if len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records, nil
}

// Update applies the patch with an optimistic WATCH transaction.
func (s *RedisStore) Update(ctx context.Context, id string, patch types.Patch) (*types.Record, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	key := s.recordKey(id)
	var updated *types.Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return storage.NotFound(id)
			}
			return err
		}
		r, err := s.decode(id, data)
		if err != nil {
			return err
		}
		patch.Apply(r, types.Now())
		out, err := json.Marshal(r)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			pipe.ZAdd(ctx, s.scopeKey(r.ProjectScope), &redis.Z{Score: score(r), Member: id})
			return nil
		})
		if err == nil {
			updated = r
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, storage.Unavailable(s.name, "update", err)
	}
	return nil, storage.Unavailable(s.name, "update", fmt.Errorf("concurrent modification of %s", id))
}

// Delete removes the record and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	r, err := s.Read(ctx, id)
	if err != nil {
		return err
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.recordKey(id))
		pipe.ZRem(ctx, s.scopeKey(r.ProjectScope), id)
		return nil
	})
	if err != nil {
		return storage.Unavailable(s.name, "delete", err)
	}
	if deleted.Val() == 0 {
		return storage.NotFound(id)
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) storage.HealthStatus {
	return storage.TimeCheck(ctx, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

// Close closes the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
