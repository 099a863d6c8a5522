package router

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// affinity remembers which backend last served a record id. Entries are a
// hint only: admission may drop them and a stale entry just costs one
// extra call before the full walk.
type affinity struct {
	cache *ristretto.Cache
}

func newAffinity(maxEntries int64) (*affinity, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("affinity cache: %w", err)
	}
	return &affinity{cache: cache}, nil
}

func (a *affinity) lookup(id string) (string, bool) {
	if a == nil {
		return "", false
	}
	v, ok := a.cache.Get(id)
	if !ok {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}

func (a *affinity) remember(id, backend string) {
	if a == nil {
		return
	}
	a.cache.Set(id, backend, 1)
}

func (a *affinity) forget(id string) {
	if a == nil {
		return
	}
	a.cache.Del(id)
}

// wait blocks until buffered writes are applied.
func (a *affinity) wait() {
	if a == nil {
		return
	}
	a.cache.Wait()
}

func (a *affinity) close() {
	if a == nil {
		return
	}
	a.cache.Close()
}
