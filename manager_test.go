package shardmap

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/keys"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
	"github.com/cubefs/shardmap/storage/kv"
	"github.com/cubefs/shardmap/storage/kvstore"
	"github.com/cubefs/shardmap/storeop"
)

// faultStore wraps a store, counting executed operations and injecting
// an error on a chosen op code for a bounded number of calls.
type faultStore struct {
	inner storage.Store

	mu     sync.Mutex
	target storage.OpCode
	remain int
	err    error
	counts map[storage.OpCode]int
}

func newFaultStore(inner storage.Store) *faultStore {
	return &faultStore{inner: inner, counts: make(map[storage.OpCode]int)}
}

func (f *faultStore) failNext(op storage.OpCode, times int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = op
	f.remain = times
	f.err = err
}

func (f *faultStore) count(op storage.OpCode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op]
}

func (f *faultStore) intercept(op storage.OpCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[op]++
	if op == f.target && f.remain != 0 {
		if f.remain > 0 {
			f.remain--
		}
		return f.err
	}
	return nil
}

func (f *faultStore) ConnectGlobal(ctx context.Context) (storage.Connection, error) {
	conn, err := f.inner.ConnectGlobal(ctx)
	if err != nil {
		return nil, err
	}
	return &faultConn{Connection: conn, store: f}, nil
}

func (f *faultStore) ConnectLocal(ctx context.Context, location proto.ShardLocation) (storage.Connection, error) {
	conn, err := f.inner.ConnectLocal(ctx, location)
	if err != nil {
		return nil, err
	}
	return &faultConn{Connection: conn, store: f}, nil
}

type faultConn struct {
	storage.Connection
	store *faultStore
}

func (c *faultConn) BeginScope(ctx context.Context, kind storage.ScopeKind) (storage.Scope, error) {
	scope, err := c.Connection.BeginScope(ctx, kind)
	if err != nil {
		return nil, err
	}
	return &faultScope{Scope: scope, store: c.store}, nil
}

type faultScope struct {
	storage.Scope
	store *faultStore
}

func (s *faultScope) Execute(ctx context.Context, op storage.OpCode, req *storage.Request) (*storage.Results, error) {
	if err := s.store.intercept(op); err != nil {
		return nil, err
	}
	return s.Scope.Execute(ctx, op, req)
}

func testRetry() storeop.RetryPolicy {
	return storeop.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newTestManager(t *testing.T) (*ShardMapManager, *faultStore) {
	t.Helper()
	ctx := context.Background()
	store, err := kv.NewStore(ctx, &kv.Config{Engine: kvstore.MemoryEngineType})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	fs := newFaultStore(store)
	mgr, err := CreateShardMapManager(ctx, &Config{Store: fs, Retry: testRetry()}, CreateModeKeepExisting)
	require.NoError(t, err)
	return mgr, fs
}

func location(server string) proto.ShardLocation {
	return proto.ShardLocation{Server: server, Database: "db"}
}

func TestManagerCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, err := kv.NewStore(ctx, &kv.Config{Engine: kvstore.MemoryEngineType})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	cfg := &Config{Store: store, Retry: testRetry()}

	_, err = GetShardMapManager(ctx, cfg)
	require.True(t, apierrors.IsCode(err, apierrors.CodeShardMapManagerStoreDoesNotExist))

	_, err = CreateShardMapManager(ctx, cfg, CreateModeKeepExisting)
	require.NoError(t, err)

	_, err = CreateShardMapManager(ctx, cfg, CreateModeKeepExisting)
	require.True(t, apierrors.IsCode(err, apierrors.CodeShardMapManagerStoreAlreadyExists))

	mgr, err := GetShardMapManager(ctx, cfg)
	require.NoError(t, err)

	// Replacing wipes the previous deployment.
	_, err = mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	mgr2, err := CreateShardMapManager(ctx, cfg, CreateModeReplaceExisting)
	require.NoError(t, err)
	_, found, err := mgr2.TryGetShardMap(ctx, "orders")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRangeMapEndToEnd(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)

	_, err = mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt64)
	require.True(t, apierrors.IsCode(err, apierrors.CodeShardMapExists))

	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)
	s2, err := smap.CreateShard(ctx, location("s2"))
	require.NoError(t, err)
	shards, err := smap.GetShards(ctx)
	require.NoError(t, err)
	require.Len(t, shards, 2)

	r, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
	require.NoError(t, err)
	m, err := smap.CreateRangeMapping(ctx, r, s1)
	require.NoError(t, err)
	require.Equal(t, proto.MappingOnline, m.Status())

	got, err := smap.GetMappingForKey(ctx, keys.NewInt32(60))
	require.NoError(t, err)
	require.True(t, got.Shard().Location().Equal(location("s1")))

	_, found, err := smap.TryGetMappingForKey(ctx, keys.NewInt32(100))
	require.NoError(t, err)
	require.False(t, found)

	// Split at 50 and confirm routing resolves the right half.
	halves, err := smap.SplitMapping(ctx, m, keys.NewInt32(50), uuid.Nil)
	require.NoError(t, err)
	require.True(t, halves[0].Range().Low().Equal(keys.NewInt32(0)))
	require.True(t, halves[1].Range().Low().Equal(keys.NewInt32(50)))

	got, err = smap.GetMappingForKey(ctx, keys.NewInt32(60))
	require.NoError(t, err)
	require.Equal(t, halves[1].ID(), got.ID())

	// Move the upper half to the second shard: offline, move, online.
	_, err = smap.MoveMapping(ctx, halves[1], s2)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingIsNotOffline))

	offline, err := smap.MarkMappingOffline(ctx, halves[1])
	require.NoError(t, err)
	moved, err := smap.MoveMapping(ctx, offline, s2)
	require.NoError(t, err)
	online, err := smap.MarkMappingOnline(ctx, moved)
	require.NoError(t, err)
	require.Equal(t, proto.MappingOnline, online.Status())

	got, err = smap.GetMappingForKey(ctx, keys.NewInt32(60))
	require.NoError(t, err)
	require.True(t, got.Shard().Location().Equal(location("s2")))

	perShard, err := smap.GetMappings(ctx, s1)
	require.NoError(t, err)
	require.Len(t, perShard, 1)

	locations, err := mgr.GetDistinctShardLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locations, 2)
}

func TestMergeMappings(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)
	s2, err := smap.CreateShard(ctx, location("s2"))
	require.NoError(t, err)

	mkRange := func(low, high int32) keys.Range {
		r, err := keys.NewRange(keys.NewInt32(low), keys.NewInt32(high))
		require.NoError(t, err)
		return r
	}
	left, err := smap.CreateRangeMapping(ctx, mkRange(0, 50), s1)
	require.NoError(t, err)
	right, err := smap.CreateRangeMapping(ctx, mkRange(50, 100), s1)
	require.NoError(t, err)
	far, err := smap.CreateRangeMapping(ctx, mkRange(200, 300), s1)
	require.NoError(t, err)
	other, err := smap.CreateRangeMapping(ctx, mkRange(100, 200), s2)
	require.NoError(t, err)

	_, err = smap.MergeMappings(ctx, left, far, uuid.Nil)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingsNotAdjacent))
	_, err = smap.MergeMappings(ctx, right, other, uuid.Nil)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingsNotAdjacent))

	merged, err := smap.MergeMappings(ctx, left, right, uuid.Nil)
	require.NoError(t, err)
	require.True(t, merged.Range().Equal(mkRange(0, 100)))

	got, err := smap.GetMappingForKey(ctx, keys.NewInt32(25))
	require.NoError(t, err)
	require.Equal(t, merged.ID(), got.ID())

	all, err := smap.GetMappings(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDeleteMappingRequiresOffline(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)
	r, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
	require.NoError(t, err)
	m, err := smap.CreateRangeMapping(ctx, r, s1)
	require.NoError(t, err)

	err = smap.DeleteMapping(ctx, m, uuid.Nil)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingIsNotOffline))

	offline, err := smap.MarkMappingOffline(ctx, m)
	require.NoError(t, err)
	require.NoError(t, smap.DeleteMapping(ctx, offline, uuid.Nil))

	_, found, err := smap.TryGetMappingForKey(ctx, keys.NewInt32(50))
	require.NoError(t, err)
	require.False(t, found)

	// The shard is empty again and can be dropped.
	require.NoError(t, smap.DeleteShard(ctx, s1))
	_, found, err = smap.TryGetShard(ctx, location("s1"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestMappingLockLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)
	r, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
	require.NoError(t, err)
	m, err := smap.CreateRangeMapping(ctx, r, s1)
	require.NoError(t, err)

	owner := uuid.New()
	intruder := uuid.New()
	require.NoError(t, smap.LockMapping(ctx, m, owner))

	got, err := smap.GetMappingLockOwner(ctx, m)
	require.NoError(t, err)
	require.Equal(t, owner, got)

	err = smap.LockMapping(ctx, m, intruder)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingLockOwnerIdDoesNotMatch))
	err = smap.UnlockMapping(ctx, m, intruder)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingLockOwnerIdDoesNotMatch))

	// The handle predates the lock, so it carries no owner id and cannot
	// modify the locked mapping.
	_, err = smap.MarkMappingOffline(ctx, m)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingLockOwnerIdDoesNotMatch))

	// A re-fetched handle carries the owner and may.
	fresh, err := smap.GetMappingForKey(ctx, keys.NewInt32(10))
	require.NoError(t, err)
	require.Equal(t, owner, fresh.LockOwnerID())
	offline, err := smap.MarkMappingOffline(ctx, fresh)
	require.NoError(t, err)

	err = smap.DeleteMapping(ctx, offline, uuid.Nil)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingLockOwnerIdDoesNotMatch))
	require.NoError(t, smap.DeleteMapping(ctx, offline, owner))

	// UnlockAll force-releases remaining locks.
	r2, err := keys.NewRange(keys.NewInt32(100), keys.NewInt32(200))
	require.NoError(t, err)
	m2, err := smap.CreateRangeMapping(ctx, r2, s1)
	require.NoError(t, err)
	require.NoError(t, smap.LockMapping(ctx, m2, intruder))
	require.NoError(t, smap.UnlockAllMappings(ctx))
	got, err = smap.GetMappingLockOwner(ctx, m2)
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, got)
}

func TestLookupServedFromCache(t *testing.T) {
	ctx := context.Background()
	mgr, fs := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)
	r, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
	require.NoError(t, err)
	_, err = smap.CreateRangeMapping(ctx, r, s1)
	require.NoError(t, err)

	// The creation already cached the mapping; repeated lookups must not
	// touch the store.
	before := fs.count(storage.OpFindMappingByKeyGlobal)
	for i := 0; i < 5; i++ {
		_, err := smap.GetMappingForKey(ctx, keys.NewInt32(42))
		require.NoError(t, err)
	}
	require.Equal(t, before, fs.count(storage.OpFindMappingByKeyGlobal))

	// After an eviction the next lookup goes back to the store, once.
	mgr.Cache().RemoveShardMap(smap.ID())
	_, err = smap.GetMappingForKey(ctx, keys.NewInt32(42))
	require.NoError(t, err)
	require.Equal(t, before+1, fs.count(storage.OpFindMappingByKeyGlobal))
}

func TestTransientEndFaultRetriesWholeOperation(t *testing.T) {
	ctx := context.Background()
	mgr, fs := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)

	fs.failNext(storage.OpMappingsGlobalEnd, 1, storage.NewTransientError(errors.New("connection reset")))

	r, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
	require.NoError(t, err)
	_, err = smap.CreateRangeMapping(ctx, r, s1)
	require.NoError(t, err)

	// The retry replayed the begin under the same operation id, so the
	// mapping exists exactly once and the pending log is clean.
	all, err := smap.GetMappings(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	undone, err := mgr.UndoPendingOperations(ctx)
	require.NoError(t, err)
	require.Zero(t, undone)
}

func TestPermanentEndFaultRollsBack(t *testing.T) {
	ctx := context.Background()
	mgr, fs := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)
	versionBefore := s1.Version()

	fs.failNext(storage.OpMappingsGlobalEnd, -1, errors.New("disk on fire"))

	r, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
	require.NoError(t, err)
	_, err = smap.CreateRangeMapping(ctx, r, s1)
	require.Error(t, err)
	fs.failNext(storage.OpInvalid, 0, nil)

	// Global state rolled back: no mappings, no pending operations, and
	// the shard version restored.
	all, err := smap.GetMappings(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, all)
	undone, err := mgr.UndoPendingOperations(ctx)
	require.NoError(t, err)
	require.Zero(t, undone)
	shard, err := smap.GetShard(ctx, location("s1"))
	require.NoError(t, err)
	require.Equal(t, versionBefore, shard.Version())

	// Local state rolled back too.
	res, err := mgr.Executor().ExecuteLocal(ctx, apierrors.CategoryShardMap, "inspect-local",
		location("s1"), storage.ReadOnly, storage.OpGetAllMappingsLocal,
		&storage.Request{ShardMapID: smap.ID()})
	require.NoError(t, err)
	require.Empty(t, res.Mappings)

	// The store is fully usable afterwards.
	_, err = smap.CreateRangeMapping(ctx, r, s1)
	require.NoError(t, err)
}

func TestShardCreateRollsBackOnPermanentFault(t *testing.T) {
	ctx := context.Background()
	mgr, fs := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)

	fs.failNext(storage.OpShardsGlobalEnd, -1, errors.New("permanent"))
	_, err = smap.CreateShard(ctx, location("s1"))
	require.Error(t, err)
	fs.failNext(storage.OpInvalid, 0, nil)

	shards, err := smap.GetShards(ctx)
	require.NoError(t, err)
	require.Empty(t, shards)
	res, err := mgr.Executor().ExecuteLocal(ctx, apierrors.CategoryShardMap, "inspect-local",
		location("s1"), storage.ReadOnly, storage.OpGetAllShardsLocal, &storage.Request{})
	require.NoError(t, err)
	require.Empty(t, res.Shards)

	_, err = smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)
}

func TestCrashRecoveryUndoesPendingOperations(t *testing.T) {
	ctx := context.Background()
	mgr, fs := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)

	// Simulate a crash between begin and end: the end fails with what
	// looks transient, every retry included, so the operation stays
	// pending in the log.
	fs.failNext(storage.OpMappingsGlobalEnd, -1, storage.NewTransientError(errors.New("crash")))
	r, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
	require.NoError(t, err)
	_, err = smap.CreateRangeMapping(ctx, r, s1)
	require.Error(t, err)
	fs.failNext(storage.OpInvalid, 0, nil)

	undone, err := mgr.UndoPendingOperations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, undone)

	all, err := smap.GetMappings(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, all)
	res, err := mgr.Executor().ExecuteLocal(ctx, apierrors.CategoryShardMap, "inspect-local",
		location("s1"), storage.ReadOnly, storage.OpGetAllMappingsLocal,
		&storage.Request{ShardMapID: smap.ID()})
	require.NoError(t, err)
	require.Empty(t, res.Mappings)
}

func TestListShardMapPointMappings(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	smap, err := mgr.CreateListShardMap(ctx, "tenants", proto.ShardKeyTypeInt64)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)

	m, err := smap.CreatePointMapping(ctx, keys.NewInt64(7), s1)
	require.NoError(t, err)

	// A second mapping for the same point collides.
	_, err = smap.CreatePointMapping(ctx, keys.NewInt64(7), s1)
	require.True(t, apierrors.IsCode(err, apierrors.CodeMappingRangeAlreadyMapped))

	got, err := smap.GetMappingForKey(ctx, keys.NewInt64(7))
	require.NoError(t, err)
	require.Equal(t, m.ID(), got.ID())
	_, found, err := smap.TryGetMappingForKey(ctx, keys.NewInt64(8))
	require.NoError(t, err)
	require.False(t, found)

	// Wrong key type is rejected before touching the store.
	_, err = smap.CreatePointMapping(ctx, keys.NewInt32(7), s1)
	require.True(t, apierrors.IsCode(err, apierrors.CodeShardKeyTypeMismatch))

	offline, err := smap.MarkMappingOffline(ctx, m)
	require.NoError(t, err)
	require.NoError(t, smap.DeleteMapping(ctx, offline, uuid.Nil))
}

func TestShardMapTypeMismatch(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	_, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)

	_, err = mgr.GetListShardMap(ctx, "orders")
	require.True(t, apierrors.IsCode(err, apierrors.CodeShardMapTypeMismatch))
	_, err = mgr.GetRangeShardMap(ctx, "orders")
	require.NoError(t, err)
}

func TestDeleteShardMap(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	s1, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)

	err = mgr.DeleteShardMap(ctx, smap.ShardMap)
	require.True(t, apierrors.IsCode(err, apierrors.CodeShardMapHasShards))

	require.NoError(t, smap.DeleteShard(ctx, s1))
	require.NoError(t, mgr.DeleteShardMap(ctx, smap.ShardMap))

	maps, err := mgr.GetShardMaps(ctx)
	require.NoError(t, err)
	require.Empty(t, maps)
}

func TestSplitPointMustFallInsideMapping(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)
	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	shard, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)
	r, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(100))
	require.NoError(t, err)
	m, err := smap.CreateRangeMapping(ctx, r, shard)
	require.NoError(t, err)

	// Boundary and out-of-range split points are rejected as such, not
	// as missing parameters.
	for _, at := range []int32{-1, 0, 100, 200} {
		_, err := smap.SplitMapping(ctx, m, keys.NewInt32(at), uuid.Nil)
		require.True(t, apierrors.IsCode(err, apierrors.CodeSplitPointOutOfRange), "split at %d", at)
	}

	halves, err := smap.SplitMapping(ctx, m, keys.NewInt32(50), uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, keys.NewInt32(50).RawValue(), halves[1].Range().Low().RawValue())
}

func TestRandomSplitMergeKeepsDisjoint(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	shard, err := smap.CreateShard(ctx, location("s1"))
	require.NoError(t, err)

	const span = int32(1 << 16)
	full, err := keys.NewRange(keys.NewInt32(0), keys.NewInt32(span))
	require.NoError(t, err)
	initial, err := smap.CreateRangeMapping(ctx, full, shard)
	require.NoError(t, err)

	type part struct {
		low, high int32
		m         *RangeMapping
	}
	parts := []part{{0, span, initial}}

	rnd := rand.New(rand.NewSource(1))
	for step := 0; step < 50; step++ {
		if len(parts) == 1 || rnd.Intn(2) == 0 {
			i := rnd.Intn(len(parts))
			p := parts[i]
			if p.high-p.low < 2 {
				continue
			}
			at := p.low + 1 + rnd.Int31n(p.high-p.low-1)
			halves, err := smap.SplitMapping(ctx, p.m, keys.NewInt32(at), uuid.Nil)
			require.NoError(t, err)
			parts = append(parts[:i], append([]part{
				{p.low, at, halves[0]},
				{at, p.high, halves[1]},
			}, parts[i+1:]...)...)
		} else {
			i := rnd.Intn(len(parts) - 1)
			left, right := parts[i], parts[i+1]
			merged, err := smap.MergeMappings(ctx, left.m, right.m, uuid.Nil)
			require.NoError(t, err)
			parts = append(parts[:i], append([]part{{left.low, right.high, merged}}, parts[i+2:]...)...)
		}

		mappings, err := smap.GetMappings(ctx, nil)
		require.NoError(t, err)
		require.Len(t, mappings, len(parts))
		for a := 0; a < len(mappings); a++ {
			for b := a + 1; b < len(mappings); b++ {
				overlap, err := mappings[a].Range().Intersects(mappings[b].Range())
				require.NoError(t, err)
				require.False(t, overlap)
			}
		}
	}

	// The surviving mappings still partition the original range exactly.
	var total int64
	for _, p := range parts {
		total += int64(p.high) - int64(p.low)
		want, err := keys.NewRange(keys.NewInt32(p.low), keys.NewInt32(p.high))
		require.NoError(t, err)
		require.True(t, p.m.Range().Equal(want))
	}
	require.Equal(t, int64(span), total)
}
