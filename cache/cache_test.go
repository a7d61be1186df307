package cache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/shardmap/keys"
	"github.com/cubefs/shardmap/proto"
)

func rangeMapInfo(name string) *proto.ShardMapInfo {
	return &proto.ShardMapInfo{
		ID:      uuid.New(),
		Name:    name,
		MapType: proto.MapTypeRange,
		KeyType: proto.ShardKeyTypeInt32,
	}
}

func listMapInfo(name string) *proto.ShardMapInfo {
	return &proto.ShardMapInfo{
		ID:      uuid.New(),
		Name:    name,
		MapType: proto.MapTypeList,
		KeyType: proto.ShardKeyTypeInt32,
	}
}

func rangeMappingInfo(mapID uuid.UUID, low, high int32) *proto.MappingInfo {
	return &proto.MappingInfo{
		ID:         uuid.New(),
		ShardMapID: mapID,
		MinValue:   keys.NewInt32(low).RawValue(),
		MaxValue:   keys.NewInt32(high).RawValue(),
		Status:     proto.MappingOnline,
	}
}

func TestCacheDualIndex(t *testing.T) {
	c := New()
	info := rangeMapInfo("orders")
	c.AddOrUpdateShardMap(info)

	byName, ok := c.LookupByName("orders")
	require.True(t, ok)
	byID, ok := c.LookupByID(info.ID)
	require.True(t, ok)
	require.Same(t, byName, byID)

	c.RemoveShardMap(info.ID)
	_, ok = c.LookupByName("orders")
	require.False(t, ok)
	_, ok = c.LookupByID(info.ID)
	require.False(t, ok)
}

func TestCacheRenamePreservesMappings(t *testing.T) {
	c := New()
	info := rangeMapInfo("orders")
	entry := c.AddOrUpdateShardMap(info)
	entry.AddOrUpdateMapping(rangeMappingInfo(info.ID, 0, 100), OverwriteExisting)

	renamed := *info
	renamed.Name = "orders_v2"
	fresh := c.AddOrUpdateShardMap(&renamed)

	// The old name is gone, the new one resolves, and the warm mapping
	// carried over.
	_, ok := c.LookupByName("orders")
	require.False(t, ok)
	got, ok := c.LookupByName("orders_v2")
	require.True(t, ok)
	require.Same(t, fresh, got)

	m, ok := fresh.LookupByKey(keys.NewInt32(50).RawValue())
	require.True(t, ok)
	require.Equal(t, keys.NewInt32(0).RawValue(), m.Info.MinValue)
}

func TestStaleHandleUsableAfterRefresh(t *testing.T) {
	c := New()
	info := rangeMapInfo("orders")
	stale := c.AddOrUpdateShardMap(info)
	stale.AddOrUpdateMapping(rangeMappingInfo(info.ID, 0, 100), OverwriteExisting)

	// A metadata refresh replaces the entry while the old handle is
	// still held by a concurrent lookup path.
	fresh := c.AddOrUpdateShardMap(info.Clone())

	// The warm mapping moved to the fresh entry.
	_, ok := fresh.LookupByKey(keys.NewInt32(50).RawValue())
	require.True(t, ok)

	// The pre-refresh handle keeps working; it just sees an empty,
	// detached mapper.
	_, ok = stale.LookupByKey(keys.NewInt32(50).RawValue())
	require.False(t, ok)
	extra := rangeMappingInfo(info.ID, 100, 200)
	stale.AddOrUpdateMapping(extra, OverwriteExisting)
	_, ok = stale.LookupByKey(keys.NewInt32(150).RawValue())
	require.True(t, ok)
	stale.RemoveMapping(extra)
	stale.Clear()

	// Writes through the stale handle never leak into the live entry.
	_, ok = fresh.LookupByKey(keys.NewInt32(150).RawValue())
	require.False(t, ok)
}

func TestRangeLookupBounds(t *testing.T) {
	info := rangeMapInfo("orders")
	sm := newShardMap(info)
	sm.AddOrUpdateMapping(rangeMappingInfo(info.ID, 0, 100), OverwriteExisting)

	for key, want := range map[int32]bool{-1: false, 0: true, 50: true, 99: true, 100: false} {
		_, ok := sm.LookupByKey(keys.NewInt32(key).RawValue())
		require.Equal(t, want, ok, "key %d", key)
	}

	// Unbounded upper range.
	open := &proto.MappingInfo{
		ID:         uuid.New(),
		ShardMapID: info.ID,
		MinValue:   keys.NewInt32(100).RawValue(),
		MaxValue:   nil,
	}
	sm.AddOrUpdateMapping(open, OverwriteExisting)
	m, ok := sm.LookupByKey(keys.NewInt32(1 << 20).RawValue())
	require.True(t, ok)
	require.Equal(t, open.ID, m.Info.ID)
}

func TestListLookupIsExact(t *testing.T) {
	info := listMapInfo("tenants")
	sm := newShardMap(info)
	point := &proto.MappingInfo{
		ID:         uuid.New(),
		ShardMapID: info.ID,
		MinValue:   keys.NewInt32(7).RawValue(),
	}
	sm.AddOrUpdateMapping(point, OverwriteExisting)

	_, ok := sm.LookupByKey(keys.NewInt32(7).RawValue())
	require.True(t, ok)
	_, ok = sm.LookupByKey(keys.NewInt32(8).RawValue())
	require.False(t, ok)
}

func TestRemoveMapping(t *testing.T) {
	info := rangeMapInfo("orders")
	sm := newShardMap(info)
	m := rangeMappingInfo(info.ID, 0, 100)
	sm.AddOrUpdateMapping(m, OverwriteExisting)
	sm.RemoveMapping(m)
	_, ok := sm.LookupByKey(keys.NewInt32(50).RawValue())
	require.False(t, ok)
}

func TestTimeToLivePolicy(t *testing.T) {
	info := rangeMapInfo("orders")
	sm := newShardMap(info)
	m := rangeMappingInfo(info.ID, 0, 100)
	key := keys.NewInt32(50).RawValue()

	// A fresh overwrite starts un-aged.
	sm.AddOrUpdateMapping(m, OverwriteExisting)
	cached, ok := sm.LookupByKey(key)
	require.True(t, ok)
	require.Zero(t, cached.TimeToLive)
	require.False(t, cached.HasTimeToLiveExpired())

	// Each revalidation doubles the window from the base, capped.
	sm.AddOrUpdateMapping(m, UpdateTimeToLive)
	cached, _ = sm.LookupByKey(key)
	require.Equal(t, baseTimeToLive, cached.TimeToLive)

	sm.AddOrUpdateMapping(m, UpdateTimeToLive)
	cached, _ = sm.LookupByKey(key)
	require.Equal(t, 2*baseTimeToLive, cached.TimeToLive)

	for i := 0; i < 8; i++ {
		sm.AddOrUpdateMapping(m, UpdateTimeToLive)
	}
	cached, _ = sm.LookupByKey(key)
	require.Equal(t, maxTimeToLive, cached.TimeToLive)

	// Backdating the entry past its window expires it.
	cached.CreationTime = time.Now().Add(-2 * maxTimeToLive)
	require.True(t, cached.HasTimeToLiveExpired())

	// UpdateTimeToLive for a different mapping id at the same low bound
	// replaces the entry instead of extending the stale one.
	other := rangeMappingInfo(info.ID, 0, 100)
	sm.AddOrUpdateMapping(other, UpdateTimeToLive)
	cached, _ = sm.LookupByKey(key)
	require.Equal(t, other.ID, cached.Info.ID)
	require.Zero(t, cached.TimeToLive)
}

func TestCalculateNewTimeToLive(t *testing.T) {
	require.Equal(t, baseTimeToLive, CalculateNewTimeToLive(nil))
	require.Equal(t, baseTimeToLive, CalculateNewTimeToLive(&Mapping{}))
	require.Equal(t, 8*time.Second, CalculateNewTimeToLive(&Mapping{TimeToLive: 4 * time.Second}))
	require.Equal(t, maxTimeToLive, CalculateNewTimeToLive(&Mapping{TimeToLive: 20 * time.Second}))
	require.Equal(t, maxTimeToLive, CalculateNewTimeToLive(&Mapping{TimeToLive: maxTimeToLive}))
}

func TestClear(t *testing.T) {
	c := New()
	info := rangeMapInfo("orders")
	entry := c.AddOrUpdateShardMap(info)
	entry.AddOrUpdateMapping(rangeMappingInfo(info.ID, 0, 100), OverwriteExisting)

	entry.Clear()
	_, ok := entry.LookupByKey(keys.NewInt32(50).RawValue())
	require.False(t, ok)
	_, ok = c.LookupByName("orders")
	require.True(t, ok)

	c.Clear()
	_, ok = c.LookupByName("orders")
	require.False(t, ok)
}
