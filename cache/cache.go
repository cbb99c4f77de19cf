// Package cache implements the five named caches of spec §4.8:
// revision-root-id, dag-node, dir-entries, pack-manifest, and fulltext.
// All five are optional — a nil *Caches (or a nil individual cache)
// behaves exactly like cold storage with every lookup missing — and all
// are safe to disable per-entry via Config.
//
// Cache failures never abort an operation by default; they are reported
// through a warning callback and swallowed, following the same "log and
// keep going" shape the rest of this codebase uses for recoverable I/O.
// Setting FailStop turns them into hard errors instead (spec §4.8).
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/svnfs/dirtree"
	"github.com/rcowham/svnfs/id"
	"github.com/rcowham/svnfs/rep"
	"github.com/rcowham/svnfs/tree"
)

// Config sizes and gates the five caches (spec §4.8, wired from
// package config's repository-creation defaults).
type Config struct {
	RevisionRootIDSize int
	DagNodeSize        int
	DirEntriesSize     int
	PackManifestSize   int
	FulltextSize       int
	FailStop           bool
}

// Caches bundles the five named caches for one open repository. The zero
// value has every cache disabled.
type Caches struct {
	revisionRootID *revisionRootIDCache
	dagNode        *lru[string, *tree.ParentPath]
	dirEntries     *lru[string, *dirtree.Directory]
	packManifest   *lru[int64, []int64]
	fulltext       *lru[string, []byte]

	failStop bool
	logger   *logrus.Logger
}

// New builds the five caches per cfg. A zero-sized entry disables that
// cache outright (Get always misses, Put is a no-op).
func New(cfg Config, logger *logrus.Logger) *Caches {
	if logger == nil {
		logger = logrus.New()
	}
	return &Caches{
		revisionRootID: newRevisionRootIDCache(cfg.RevisionRootIDSize),
		dagNode:        newLRU[string, *tree.ParentPath](cfg.DagNodeSize),
		dirEntries:     newLRU[string, *dirtree.Directory](cfg.DirEntriesSize),
		packManifest:   newLRU[int64, []int64](cfg.PackManifestSize),
		fulltext:       newLRU[string, []byte](cfg.FulltextSize),
		failStop:       cfg.FailStop,
		logger:         logger,
	}
}

// Warn reports a cache-layer problem per spec §4.8: swallowed by default,
// promoted to a returned error when FailStop is configured. Callers that
// hit a corrupt cache entry (e.g. a dir-entries blob that fails to
// deserialize) should evict it and route the error through Warn rather
// than propagating it unconditionally.
func (c *Caches) Warn(op string, err error) error {
	if err == nil {
		return nil
	}
	logger := logrus.StandardLogger()
	failStop := false
	if c != nil {
		failStop = c.failStop
		if c.logger != nil {
			logger = c.logger
		}
	}
	if !failStop {
		logger.WithError(err).Warnf("cache: %s", op)
		return nil
	}
	return err
}

// RevisionRootID returns the cached root node-revision ID for rev, if any.
func (c *Caches) RevisionRootID(rev int64) (id.ID, bool) {
	if c == nil {
		return id.ID{}, false
	}
	return c.revisionRootID.Get(rev)
}

// PutRevisionRootID records rootID as rev's root.
func (c *Caches) PutRevisionRootID(rev int64, rootID id.ID) {
	if c == nil {
		return
	}
	c.revisionRootID.Put(rev, rootID)
}

// DirEntries returns a clone of the cached directory listing for nodeID.
// A clone is returned (rather than the cached pointer) since dirtree's
// mutators are in-place and a caller mutating its copy must not corrupt
// the cache.
func (c *Caches) DirEntries(nodeID id.ID) (*dirtree.Directory, bool) {
	if c == nil {
		return nil, false
	}
	d, ok := c.dirEntries.Get(id.Unparse(nodeID))
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (c *Caches) PutDirEntries(nodeID id.ID, d *dirtree.Directory) {
	if c == nil {
		return
	}
	c.dirEntries.Put(id.Unparse(nodeID), d.Clone())
}

// PackManifest returns the cached array of revision-file offsets for a
// packed shard number.
func (c *Caches) PackManifest(shard int64) ([]int64, bool) {
	if c == nil {
		return nil, false
	}
	return c.packManifest.Get(shard)
}

func (c *Caches) PutPackManifest(shard int64, offsets []int64) {
	if c == nil {
		return
	}
	c.packManifest.Put(shard, offsets)
}

// Fulltext returns the cached expanded (post-delta-chain) contents for a
// representation key. Spec §4.8 allows this cache to also be backed by
// memcached; that wiring belongs to package config/repo's cache
// construction, not to this in-process LRU.
func (c *Caches) Fulltext(key rep.Key) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.fulltext.Get(key.String())
}

func (c *Caches) PutFulltext(key rep.Key, contents []byte) {
	if c == nil {
		return
	}
	c.fulltext.Put(key.String(), contents)
}

// NodeCache adapts the per-repo dag-node cache to tree.NodeCache, the
// seam tree.Resolve uses to memoize path resolutions against immutable
// revision roots (spec §4.8's "dag-node" cache: key is a rev-prefixed
// path, value is the resolved chain down to that path's node-revision).
func (c *Caches) NodeCache() tree.NodeCache { return (*nodeCacheAdapter)(c) }

type nodeCacheAdapter Caches

func (a *nodeCacheAdapter) Get(rev int64, path string) (*tree.ParentPath, bool) {
	c := (*Caches)(a)
	if c == nil {
		return nil, false
	}
	return c.dagNode.Get(dagKey(rev, path))
}

func (a *nodeCacheAdapter) Put(rev int64, path string, pp *tree.ParentPath) {
	c := (*Caches)(a)
	if c == nil {
		return
	}
	c.dagNode.Put(dagKey(rev, path), pp)
}

// RevisionRootIDCache maps a revision number directly to its root
// node-revision ID (spec §4.8). Unlike the other four it is not an LRU:
// it is small (one entry per committed revision) and is wiped wholesale
// on overflow rather than evicting individual entries, matching
// caching.c's svn_fs_fs__get_cache flags for this one table.
type revisionRootIDCache struct {
	mu      sync.Mutex
	entries map[int64]id.ID
	max     int
}

func newRevisionRootIDCache(max int) *revisionRootIDCache {
	if max <= 0 {
		return nil
	}
	return &revisionRootIDCache{entries: make(map[int64]id.ID), max: max}
}

func (c *revisionRootIDCache) Get(rev int64) (id.ID, bool) {
	if c == nil {
		return id.ID{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[rev]
	return v, ok
}

func (c *revisionRootIDCache) Put(rev int64, rootID id.ID) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = make(map[int64]id.ID)
	}
	c.entries[rev] = rootID
}

// lru is a generic, size-bounded, most-recently-used-first cache. A nil
// *lru (max <= 0 at construction) always misses and never stores, so
// every cache in Caches can be disabled uniformly.
type lru[K comparable, V any] struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key K
	val V
}

func newLRU[K comparable, V any](max int) *lru[K, V] {
	if max <= 0 {
		return nil
	}
	return &lru[K, V]{max: max, ll: list.New(), items: make(map[K]*list.Element)}
}

func (c *lru[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry[K, V]).val, true
}

func (c *lru[K, V]) Put(key K, val V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry[K, V]).val = val
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry[K, V]{key: key, val: val})
	c.items[key] = el
	if c.ll.Len() > c.max {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry[K, V]).key)
		}
	}
}

func (c *lru[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// dagKey is the dag-node cache's key: a revision-prefixed path, per
// spec §4.8's "rev-prefixed path" column.
func dagKey(rev int64, path string) string {
	return fmt.Sprintf("%d:%s", rev, path)
}

// TxnDagNodeCache is the §9 decision-1 transaction-scoped node cache:
// spec.md flags the transaction-root path-resolution cache as disabled
// pending a correct invalidation design, so this implementation always
// misses on Get and is a no-op on Put. It exists so callers can pass a
// uniform tree.NodeCache regardless of whether the root is a revision or
// a transaction, without branching on root.IsTxn() at every call site.
type TxnDagNodeCache struct{}

func (TxnDagNodeCache) Get(rev int64, path string) (*tree.ParentPath, bool) { return nil, false }
func (TxnDagNodeCache) Put(rev int64, path string, pp *tree.ParentPath)     {}
