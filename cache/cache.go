// Package cache is the client-side routing cache: an in-memory copy of
// shard map metadata and mappings keyed for point lookup. The cache is
// advisory; every consumer must tolerate stale entries and re-resolve
// through the authoritative store when a shard rejects a routed request.
package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cubefs/shardmap/metrics"
	"github.com/cubefs/shardmap/proto"
)

// Policy selects how AddOrUpdateMapping treats an existing entry.
type Policy uint8

const (
	// OverwriteExisting replaces the entry with the fresh snapshot and
	// resets its time to live. Used after an authoritative fetch.
	OverwriteExisting Policy = iota
	// UpdateTimeToLive keeps the cached snapshot and only extends its
	// time to live. Used after a successful routed call confirms the
	// entry is still good.
	UpdateTimeToLive
)

const (
	baseTimeToLive = 5 * time.Second
	maxTimeToLive  = 30 * time.Second
)

// Mapping is one cached mapping snapshot with freshness tracking.
type Mapping struct {
	Info         *proto.MappingInfo
	CreationTime time.Time
	TimeToLive   time.Duration
}

// HasTimeToLiveExpired reports whether the entry outlived its freshness
// window. A zero TimeToLive means the entry was never aged and is
// considered fresh.
func (m *Mapping) HasTimeToLiveExpired() bool {
	return m.TimeToLive > 0 && time.Since(m.CreationTime) >= m.TimeToLive
}

// CalculateNewTimeToLive returns the next freshness window for an entry
// that was just revalidated: doubled each time, capped.
func CalculateNewTimeToLive(current *Mapping) time.Duration {
	if current == nil || current.TimeToLive <= 0 {
		return baseTimeToLive
	}
	next := current.TimeToLive * 2
	if next > maxTimeToLive {
		return maxTimeToLive
	}
	return next
}

// Cache is the root of the cache tree, indexing shard maps by name and
// by id. Both indexes mutate together under the root write lock.
type Cache struct {
	mu     sync.RWMutex
	byName map[string]*ShardMap
	byID   map[uuid.UUID]*ShardMap
}

func New() *Cache {
	return &Cache{
		byName: make(map[string]*ShardMap),
		byID:   make(map[uuid.UUID]*ShardMap),
	}
}

// AddOrUpdateShardMap installs a fresh shard map snapshot. When the map
// is already cached, warm routing state carries over so a metadata
// refresh does not cold-start lookups.
func (c *Cache) AddOrUpdateShardMap(info *proto.ShardMapInfo) *ShardMap {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := newShardMap(info)
	if old, ok := c.byID[info.ID]; ok {
		entry.TransferStateFrom(old)
		delete(c.byName, old.Info().Name)
	}
	c.byName[info.Name] = entry
	c.byID[info.ID] = entry
	return entry
}

// RemoveShardMap evicts the shard map from both indexes.
func (c *Cache) RemoveShardMap(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	delete(c.byName, entry.Info().Name)
	metrics.CacheEntries.DeleteLabelValues(entry.Info().Name)
}

func (c *Cache) LookupByName(name string) (*ShardMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.byName[name]
	return entry, ok
}

func (c *Cache) LookupByID(id uuid.UUID) (*ShardMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.byID[id]
	return entry, ok
}

// Clear drops every cached shard map.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.byName {
		metrics.CacheEntries.DeleteLabelValues(name)
	}
	c.byName = make(map[string]*ShardMap)
	c.byID = make(map[uuid.UUID]*ShardMap)
}

// ShardMap is the cached state of one shard map: the metadata snapshot
// plus a mapper holding its cached mappings.
type ShardMap struct {
	mu     sync.RWMutex
	info   *proto.ShardMapInfo
	mapper mapper
}

func newShardMap(info *proto.ShardMapInfo) *ShardMap {
	sm := &ShardMap{info: info}
	if info.MapType == proto.MapTypeList {
		sm.mapper = newListMapper()
	} else {
		sm.mapper = newRangeMapper()
	}
	return sm
}

func (sm *ShardMap) Info() *proto.ShardMapInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.info
}

// AddOrUpdateMapping installs or refreshes one cached mapping per the
// given policy.
func (sm *ShardMap) AddOrUpdateMapping(info *proto.MappingInfo, policy Policy) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if policy == UpdateTimeToLive {
		if cur, ok := sm.mapper.lookupExact(info.MinValue); ok && cur.Info.ID == info.ID {
			cur.TimeToLive = CalculateNewTimeToLive(cur)
			cur.CreationTime = time.Now()
			return
		}
	}
	sm.mapper.add(&Mapping{Info: info, CreationTime: time.Now()})
	metrics.CacheEntries.WithLabelValues(sm.info.Name).Set(float64(sm.mapper.len()))
}

// RemoveMapping evicts the cached entry covering the mapping, if any.
func (sm *ShardMap) RemoveMapping(info *proto.MappingInfo) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.mapper.remove(info.MinValue)
	metrics.CacheEntries.WithLabelValues(sm.info.Name).Set(float64(sm.mapper.len()))
}

// LookupByKey finds the cached mapping covering the encoded key. The
// caller decides what to do with an expired entry.
func (sm *ShardMap) LookupByKey(encodedKey []byte) (*Mapping, bool) {
	sm.mu.RLock()
	m, ok := sm.mapper.lookup(encodedKey)
	sm.mu.RUnlock()
	if ok {
		metrics.CacheLookups.WithLabelValues(sm.info.Name, "hit").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(sm.info.Name, "miss").Inc()
	}
	return m, ok
}

// Clear drops every cached mapping but keeps the shard map entry.
func (sm *ShardMap) Clear() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.mapper.clear()
	metrics.CacheEntries.WithLabelValues(sm.info.Name).Set(0)
}

// TransferStateFrom adopts the mapper of a previous cache entry for the
// same shard map, preserving warm routing data across metadata updates.
// The donor keeps an empty mapper of its own: handles obtained before
// the refresh may still use it, and the two entries must never share a
// mapper across their separate locks.
func (sm *ShardMap) TransferStateFrom(old *ShardMap) {
	old.mu.Lock()
	defer old.mu.Unlock()
	sm.mapper = old.mapper
	if old.info.MapType == proto.MapTypeList {
		old.mapper = newListMapper()
	} else {
		old.mapper = newRangeMapper()
	}
}
