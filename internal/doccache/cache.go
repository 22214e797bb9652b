// Package doccache implements the content cache of §4.C: a mapping from
// node id to a shared, immutable document snapshot, sharded for concurrent
// access. Multiple node ids sourced from the same file always observe the
// same snapshot; submit() repoints every such key atomically.
package doccache

import (
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
)

const shardCount = 16

// Entry is an immutable snapshot of one file's contents, shared by every
// node id sourced from that file. Replacing a snapshot is a key-by-key
// atomic repoint (via the Pointer held in each shard), never an in-place
// mutation of Entry itself.
type Entry struct {
	Path    string
	Content string
}

type shard struct {
	mu   sync.RWMutex
	data map[string]*atomic.Pointer[Entry]
}

// Cache is the sharded id -> *Entry map.
type Cache struct {
	shards [shardCount]*shard

	invalidateMu sync.Mutex
	pending      map[string]struct{} // queued invalidations, drained by the watcher
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{pending: make(map[string]struct{})}
	for i := range c.shards {
		c.shards[i] = &shard{data: make(map[string]*atomic.Pointer[Entry])}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Submit (re)reads the file at path, builds a new Entry, then atomically
// repoints every key across all shards whose current entry has the same
// path (including id, if it's not already one of them) to the new entry.
// Readers between the old and new state observe either the old or new
// snapshot consistently per key, never a mix.
func (c *Cache) Submit(id, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c.SubmitContent(id, path, string(content))
	return nil
}

// SubmitContent is Submit with pre-read content, used by the indexer which
// already read the file once to compute the content hash (spec §4.D: "read
// the content once").
func (c *Cache) SubmitContent(id, path, content string) {
	entry := &Entry{Path: path, Content: content}

	for _, sh := range c.shards {
		sh.mu.RLock()
		var toRepoint []*atomic.Pointer[Entry]
		for _, ptr := range sh.data {
			if cur := ptr.Load(); cur != nil && cur.Path == path {
				toRepoint = append(toRepoint, ptr)
			}
		}
		sh.mu.RUnlock()
		for _, ptr := range toRepoint {
			ptr.Store(entry)
		}
	}

	sh := c.shardFor(id)
	sh.mu.Lock()
	ptr, ok := sh.data[id]
	if !ok {
		ptr = &atomic.Pointer[Entry]{}
		sh.data[id] = ptr
	}
	sh.mu.Unlock()
	ptr.Store(entry)
}

// Retrieve is a cheap, non-blocking lookup.
func (c *Cache) Retrieve(id string) (*Entry, bool) {
	sh := c.shardFor(id)
	sh.mu.RLock()
	ptr, ok := sh.data[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e := ptr.Load()
	return e, e != nil
}

// Invalidate records a pending invalidation; the queue is drained by the
// watcher's reconcile step (differ.ReconcileRemoval) via DrainInvalidations.
func (c *Cache) Invalidate(key string) {
	c.invalidateMu.Lock()
	defer c.invalidateMu.Unlock()
	c.pending[key] = struct{}{}
}

// DrainInvalidations returns and clears the queued invalidation keys.
func (c *Cache) DrainInvalidations() []string {
	c.invalidateMu.Lock()
	defer c.invalidateMu.Unlock()
	out := make([]string, 0, len(c.pending))
	for k := range c.pending {
		out = append(out, k)
		sh := c.shardFor(k)
		sh.mu.Lock()
		delete(sh.data, k)
		sh.mu.Unlock()
	}
	c.pending = make(map[string]struct{})
	return out
}

// Binding is one (id, entry) pair, the element type of Iter's snapshot.
type Binding struct {
	ID    string
	Entry *Entry
}

// Iter returns a snapshot of current bindings, safe to call concurrently
// with writers; it offers no guarantee that a specific key present at call
// time is included if it's concurrently removed.
func (c *Cache) Iter() []Binding {
	var out []Binding
	for _, sh := range c.shards {
		sh.mu.RLock()
		for id, ptr := range sh.data {
			if e := ptr.Load(); e != nil {
				out = append(out, Binding{ID: id, Entry: e})
			}
		}
		sh.mu.RUnlock()
	}
	return out
}
