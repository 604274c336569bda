// Package memory provides the process-local record cache consulted before any
// store. Records are indexed under every key they carry.
package memory

import (
	"sync"
	"sync/atomic"

	"taxonmap/pkg/domain"
)

// entry is immutable once published; writers replace entries, never mutate them.
type entry struct {
	rec  domain.Record
	keys []domain.Key
}

// Cache maps canonical keys to merged records. Lookups never take a lock;
// Put and Clear serialize on mu so a merge-and-publish is atomic with respect
// to other writers and a reader only ever sees a complete entry.
type Cache struct {
	reg   *domain.Registry
	mu    sync.Mutex
	index sync.Map // domain.Key -> *entry
	size  atomic.Int64
}

// New returns an empty cache using reg for key identity.
func New(reg *domain.Registry) *Cache {
	if reg == nil {
		reg = domain.NewRegistry()
	}
	return &Cache{reg: reg}
}

// Get returns a copy of the record reachable from key.
func (c *Cache) Get(key domain.Key) (domain.Record, bool) {
	v, ok := c.index.Load(c.reg.Canonical(key))
	if !ok {
		return domain.Record{}, false
	}
	return v.(*entry).rec.Clone(), true
}

// Contains reports whether key resolves to a cached record.
func (c *Cache) Contains(key domain.Key) bool {
	_, ok := c.index.Load(c.reg.Canonical(key))
	return ok
}

// Put merges rec into every entry reachable from key or from any key rec
// carries, coalescing them into one entry registered under the union of their
// keys. key is kept as an alias even when rec does not carry it. On an
// identity conflict the cache is left untouched and the conflict returned.
func (c *Cache) Put(key domain.Key, rec domain.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lookup := make([]domain.Key, 0, 4)
	if key != (domain.Key{}) {
		lookup = append(lookup, c.reg.Canonical(key))
	}
	lookup = append(lookup, c.reg.RecordKeys(rec)...)
	if len(lookup) == 0 {
		return nil
	}

	var existing []*entry
	seen := make(map[*entry]struct{})
	for _, k := range lookup {
		v, ok := c.index.Load(k)
		if !ok {
			continue
		}
		e := v.(*entry)
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		existing = append(existing, e)
	}

	merged := rec.Normalized()
	if len(existing) == 0 && merged.Empty() {
		return nil
	}
	if len(existing) > 0 {
		merged = existing[0].rec
		for _, e := range existing[1:] {
			next, err := domain.Merge(merged, e.rec)
			if err != nil {
				return attribute(err, key)
			}
			merged = next
		}
		next, err := domain.Merge(merged, rec)
		if err != nil {
			return attribute(err, key)
		}
		merged = next
	}

	keySet := make(map[domain.Key]struct{}, len(lookup))
	var keys []domain.Key
	add := func(k domain.Key) {
		if _, ok := keySet[k]; ok {
			return
		}
		keySet[k] = struct{}{}
		keys = append(keys, k)
	}
	for _, e := range existing {
		for _, k := range e.keys {
			add(k)
		}
	}
	for _, k := range lookup {
		add(k)
	}
	for _, k := range c.reg.RecordKeys(merged) {
		add(k)
	}

	next := &entry{rec: merged.Clone(), keys: keys}
	for _, k := range keys {
		c.index.Store(k, next)
	}
	c.size.Add(int64(1 - len(existing)))
	return nil
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index.Range(func(k, _ any) bool {
		c.index.Delete(k)
		return true
	})
	c.size.Store(0)
}

// Len returns the number of distinct records held.
func (c *Cache) Len() int { return int(c.size.Load()) }

// Records returns a copy of every distinct cached record.
func (c *Cache) Records() []domain.Record {
	seen := make(map[*entry]struct{})
	var out []domain.Record
	c.index.Range(func(_, v any) bool {
		e := v.(*entry)
		if _, ok := seen[e]; ok {
			return true
		}
		seen[e] = struct{}{}
		out = append(out, e.rec.Clone())
		return true
	})
	return out
}

func attribute(err error, key domain.Key) error {
	if key == (domain.Key{}) {
		return err
	}
	if ce, ok := err.(*domain.ConflictError); ok {
		return ce.WithKey(key)
	}
	return err
}
