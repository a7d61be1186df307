package recovery

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	shardmap "github.com/cubefs/shardmap"
	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/keys"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
	"github.com/cubefs/shardmap/storage/kv"
	"github.com/cubefs/shardmap/storage/kvstore"
)

func enc(v int32) []byte { return keys.NewInt32(v).RawValue() }

func mappingAt(low, high int32, loc proto.ShardLocation) *proto.MappingInfo {
	return &proto.MappingInfo{
		ID:       uuid.New(),
		MinValue: enc(low),
		MaxValue: enc(high),
		Shard: &proto.ShardInfo{
			ID:       uuid.New(),
			Location: loc,
		},
	}
}

func TestDiffMappings(t *testing.T) {
	s1 := proto.ShardLocation{Server: "s1", Database: "db"}
	s2 := proto.ShardLocation{Server: "s2", Database: "db"}

	// Global: [0,50) on s1, [50,100) on s2. Local copy on s1 claims
	// [0,60). The overlap [50,60) exists on both sides but the global
	// store assigns it elsewhere, so it counts against the shard.
	global := []*proto.MappingInfo{
		mappingAt(0, 50, s1),
		mappingAt(50, 100, s2),
	}
	local := []*proto.MappingInfo{
		mappingAt(0, 60, s1),
	}

	diffs := diffMappings(global, local, s1)
	require.Len(t, diffs, 3)

	require.Equal(t, DifferenceBoth, diffs[0].Location)
	require.Equal(t, enc(0), diffs[0].MinValue)
	require.Equal(t, enc(50), diffs[0].MaxValue)

	require.Equal(t, DifferenceShardOnly, diffs[1].Location)
	require.Equal(t, enc(50), diffs[1].MinValue)
	require.Equal(t, enc(60), diffs[1].MaxValue)

	require.Equal(t, DifferenceShardMapOnly, diffs[2].Location)
	require.Equal(t, enc(60), diffs[2].MinValue)
	require.Equal(t, enc(100), diffs[2].MaxValue)
}

func TestDiffMappingsAgreement(t *testing.T) {
	s1 := proto.ShardLocation{Server: "s1", Database: "db"}
	global := []*proto.MappingInfo{mappingAt(0, 100, s1)}
	local := []*proto.MappingInfo{mappingAt(0, 100, s1)}

	diffs := diffMappings(global, local, s1)
	require.Len(t, diffs, 1)
	require.Equal(t, DifferenceBoth, diffs[0].Location)
}

func TestDiffMappingsUnboundedMax(t *testing.T) {
	s1 := proto.ShardLocation{Server: "s1", Database: "db"}
	// Global maps [0, +inf) to s1 but the local copy only claims [0,50).
	global := []*proto.MappingInfo{{
		ID:       uuid.New(),
		MinValue: enc(0),
		MaxValue: nil,
		Shard:    &proto.ShardInfo{ID: uuid.New(), Location: s1},
	}}
	local := []*proto.MappingInfo{mappingAt(0, 50, s1)}

	diffs := diffMappings(global, local, s1)
	require.Len(t, diffs, 2)
	require.Equal(t, DifferenceBoth, diffs[0].Location)
	require.Equal(t, enc(50), diffs[0].MaxValue)
	require.Equal(t, DifferenceShardMapOnly, diffs[1].Location)
	require.Equal(t, enc(50), diffs[1].MinValue)
	require.Nil(t, diffs[1].MaxValue)
}

func TestDiffMappingsEmptySides(t *testing.T) {
	s1 := proto.ShardLocation{Server: "s1", Database: "db"}

	require.Empty(t, diffMappings(nil, nil, s1))

	diffs := diffMappings([]*proto.MappingInfo{mappingAt(0, 50, s1)}, nil, s1)
	require.Len(t, diffs, 1)
	require.Equal(t, DifferenceShardMapOnly, diffs[0].Location)

	diffs = diffMappings(nil, []*proto.MappingInfo{mappingAt(0, 50, s1)}, s1)
	require.Len(t, diffs, 1)
	require.Equal(t, DifferenceShardOnly, diffs[0].Location)
}

func newTestSetup(t *testing.T) (*shardmap.ShardMapManager, *Manager) {
	t.Helper()
	ctx := context.Background()
	store, err := kv.NewStore(ctx, &kv.Config{Engine: kvstore.MemoryEngineType})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	mgr, err := shardmap.CreateShardMapManager(ctx, &shardmap.Config{Store: store}, shardmap.CreateModeKeepExisting)
	require.NoError(t, err)
	return mgr, NewManager(mgr.Executor())
}

func TestDetectAndRebuild(t *testing.T) {
	ctx := context.Background()
	mgr, rec := newTestSetup(t)

	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	loc1 := proto.ShardLocation{Server: "s1", Database: "db"}
	loc2 := proto.ShardLocation{Server: "s2", Database: "db"}
	s1, err := smap.CreateShard(ctx, loc1)
	require.NoError(t, err)
	s2, err := smap.CreateShard(ctx, loc2)
	require.NoError(t, err)

	mkRange := func(low, high int32) keys.Range {
		r, err := keys.NewRange(keys.NewInt32(low), keys.NewInt32(high))
		require.NoError(t, err)
		return r
	}
	_, err = smap.CreateRangeMapping(ctx, mkRange(0, 100), s1)
	require.NoError(t, err)
	_, err = smap.CreateRangeMapping(ctx, mkRange(100, 200), s2)
	require.NoError(t, err)

	// A healthy shard agrees with the global store on its own segments;
	// the other shard's segment shows as global-only.
	diffs, err := rec.DetectMappingDifferences(ctx, loc1, "orders")
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	require.Equal(t, DifferenceBoth, diffs[0].Location)
	require.Equal(t, DifferenceShardMapOnly, diffs[1].Location)

	// Corrupt the local copy: the shard now claims [0,150) instead of
	// its actual [0,100).
	res, err := mgr.Executor().ExecuteLocal(ctx, apierrors.CategoryRecovery, "read-local", loc1,
		storage.ReadOnly, storage.OpGetAllMappingsLocal, &storage.Request{ShardMapID: smap.ID()})
	require.NoError(t, err)
	require.Len(t, res.Mappings, 1)
	bogus := res.Mappings[0].Clone()
	bogus.ID = uuid.New()
	bogus.MaxValue = enc(150)
	_, err = mgr.Executor().ExecuteLocal(ctx, apierrors.CategoryRecovery, "corrupt-local", loc1,
		storage.ReadWrite, storage.OpReplaceMappingsLocal, &storage.Request{
			ShardMapID:     smap.ID(),
			RemoveMappings: res.Mappings,
			AddMappings:    []*proto.MappingInfo{bogus},
		})
	require.NoError(t, err)

	diffs, err = rec.DetectMappingDifferences(ctx, loc1, "orders")
	require.NoError(t, err)
	require.Len(t, diffs, 3)
	require.Equal(t, DifferenceBoth, diffs[0].Location)
	require.Equal(t, enc(100), diffs[0].MaxValue)
	require.Equal(t, DifferenceShardOnly, diffs[1].Location)
	require.Equal(t, enc(100), diffs[1].MinValue)
	require.Equal(t, enc(150), diffs[1].MaxValue)
	require.Equal(t, DifferenceShardMapOnly, diffs[2].Location)
	require.Equal(t, enc(150), diffs[2].MinValue)

	// Rebuild restores the local copy from the global truth.
	require.NoError(t, rec.RebuildMappingsOnShard(ctx, loc1, "orders"))
	diffs, err = rec.DetectMappingDifferences(ctx, loc1, "orders")
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	require.Equal(t, DifferenceBoth, diffs[0].Location)
	require.Equal(t, DifferenceShardMapOnly, diffs[1].Location)
}

func TestDetachAndReattachShard(t *testing.T) {
	ctx := context.Background()
	mgr, rec := newTestSetup(t)

	smap, err := mgr.CreateRangeShardMap(ctx, "orders", proto.ShardKeyTypeInt32)
	require.NoError(t, err)
	loc1 := proto.ShardLocation{Server: "s1", Database: "db"}
	loc2 := proto.ShardLocation{Server: "s2", Database: "db"}
	s1, err := smap.CreateShard(ctx, loc1)
	require.NoError(t, err)
	s2, err := smap.CreateShard(ctx, loc2)
	require.NoError(t, err)

	mkRange := func(low, high int32) keys.Range {
		r, err := keys.NewRange(keys.NewInt32(low), keys.NewInt32(high))
		require.NoError(t, err)
		return r
	}
	m1, err := smap.CreateRangeMapping(ctx, mkRange(0, 100), s1)
	require.NoError(t, err)
	_, err = smap.CreateRangeMapping(ctx, mkRange(100, 200), s2)
	require.NoError(t, err)

	// A locked mapping does not block the detach.
	require.NoError(t, smap.LockMapping(ctx, m1, uuid.New()))

	require.NoError(t, rec.DetachShard(ctx, loc1, "orders"))

	// The global store forgot the shard and its mapping.
	_, ok, err := smap.TryGetShard(ctx, loc1)
	require.NoError(t, err)
	require.False(t, ok)
	res, err := mgr.Executor().ExecuteGlobal(ctx, apierrors.CategoryRecovery, "read-global",
		storage.ReadOnly, storage.OpGetMappingsByRangeGlobal, &storage.Request{ShardMapID: smap.ID()})
	require.NoError(t, err)
	require.Len(t, res.Mappings, 1)

	// The shard's local copy is untouched.
	res, err = mgr.Executor().ExecuteLocal(ctx, apierrors.CategoryRecovery, "read-local", loc1,
		storage.ReadOnly, storage.OpGetAllMappingsLocal, &storage.Request{ShardMapID: smap.ID()})
	require.NoError(t, err)
	require.Len(t, res.Mappings, 1)

	// A location without a local shard record cannot be attached.
	err = rec.AttachShard(ctx, proto.ShardLocation{Server: "s3", Database: "db"}, "orders")
	require.True(t, apierrors.IsCode(err, apierrors.CodeShardDoesNotExist))

	// Reattaching restores the shard and its mapping from the local copy.
	require.NoError(t, rec.AttachShard(ctx, loc1, "orders"))
	_, ok, err = smap.TryGetShard(ctx, loc1)
	require.NoError(t, err)
	require.True(t, ok)
	res, err = mgr.Executor().ExecuteGlobal(ctx, apierrors.CategoryRecovery, "read-global",
		storage.ReadOnly, storage.OpGetMappingsByRangeGlobal, &storage.Request{ShardMapID: smap.ID()})
	require.NoError(t, err)
	require.Len(t, res.Mappings, 2)

	res, err = mgr.Executor().ExecuteGlobal(ctx, apierrors.CategoryRecovery, "read-oplog",
		storage.ReadOnly, storage.OpGetOperationLogEntries, &storage.Request{})
	require.NoError(t, err)
	require.Empty(t, res.LogEntries)
}
