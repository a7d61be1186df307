package shardmap

import (
	"context"

	"github.com/google/uuid"

	"github.com/cubefs/shardmap/cache"
	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/keys"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
	"github.com/cubefs/shardmap/storeop"
)

// Mapping operations shared by list and range shard maps. The public
// typed surfaces in listshardmap.go and rangeshardmap.go wrap these.

func (sm *ShardMap) checkKeyType(k keys.Key) error {
	if k.Type() != sm.info.KeyType {
		return apierrors.New(sm.category(), apierrors.CodeShardKeyTypeMismatch, "key",
			"key type %s does not match shard map key type %s", k.Type(), sm.info.KeyType)
	}
	return nil
}

func (sm *ShardMap) cacheEntry() *cache.ShardMap {
	entry, ok := sm.manager.cache.LookupByID(sm.info.ID)
	if !ok {
		entry = sm.manager.cache.AddOrUpdateShardMap(sm.info)
	}
	return entry
}

// lookupKey resolves the mapping covering key. With useCache, a fresh
// cached entry short-circuits the store; misses and expired entries
// fall through to an authoritative fetch, coalesced across concurrent
// callers for the same key.
func (sm *ShardMap) lookupKey(ctx context.Context, key keys.Key, useCache bool) (*proto.MappingInfo, error) {
	if err := sm.checkKeyType(key); err != nil {
		return nil, err
	}
	encoded := key.RawValue()
	if useCache {
		if cached, ok := sm.cacheEntry().LookupByKey(encoded); ok && !cached.HasTimeToLiveExpired() {
			return cached.Info, nil
		}
	}

	flightKey := sm.info.ID.String() + "/" + string(encoded)
	v, err, _ := sm.manager.group.Do(flightKey, func() (interface{}, error) {
		res, err := sm.manager.executor.ExecuteGlobal(ctx, sm.category(), "find-mapping-for-key",
			storage.ReadOnly, storage.OpFindMappingByKeyGlobal,
			&storage.Request{ShardMapID: sm.info.ID, Key: encoded})
		if err != nil {
			return nil, err
		}
		return res.Mappings[0], nil
	})
	if err != nil {
		return nil, err
	}
	info := v.(*proto.MappingInfo)
	sm.cacheEntry().AddOrUpdateMapping(info, cache.OverwriteExisting)
	return info, nil
}

// getMappings fetches mappings from the authoritative store, optionally
// restricted to an overlapping range and/or one shard. Results come
// back ordered by minimum key.
func (sm *ShardMap) getMappings(ctx context.Context, r *keys.Range, shard *Shard) ([]*proto.MappingInfo, error) {
	req := &storage.Request{ShardMapID: sm.info.ID}
	if r != nil {
		req.RangeSet = true
		req.RangeMin = r.Low().RawValue()
		req.RangeMax = r.High().RawValue()
	}
	if shard != nil {
		req.Shard = shard.info
	}
	res, err := sm.manager.executor.ExecuteGlobal(ctx, sm.category(), "get-mappings",
		storage.ReadOnly, storage.OpGetMappingsByRangeGlobal, req)
	if err != nil {
		return nil, err
	}
	return res.Mappings, nil
}

// addMapping creates one mapping covering [min, max) on the given
// shard, bumping the shard's structural version.
func (sm *ShardMap) addMapping(ctx context.Context, r keys.Range, shard *Shard, status proto.MappingStatus) (*proto.MappingInfo, error) {
	origShard := shard.info
	bumped := origShard.Clone()
	bumped.Version = uuid.New()

	info := &proto.MappingInfo{
		ID:         uuid.New(),
		ShardMapID: sm.info.ID,
		MinValue:   r.Low().RawValue(),
		MaxValue:   r.High().RawValue(),
		Status:     status,
		Shard:      bumped,
	}
	def := &storeop.Definition{
		Name:        "add-mapping",
		Category:    sm.category(),
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeAddMapping,
		BeginReq: &storage.Request{
			ShardMapID:  sm.info.ID,
			AddMappings: []*proto.MappingInfo{info},
			PrevShard:   origShard,
		},
		LocalSteps: []storeop.LocalStep{{
			Location: origShard.Location,
			Op:       storage.OpReplaceMappingsLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, AddMappings: []*proto.MappingInfo{info}},
		}, {
			Location: origShard.Location,
			Op:       storage.OpUpdateShardLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, Shard: bumped},
		}},
	}
	if err := sm.manager.executor.ExecuteTwoPhase(ctx, def); err != nil {
		return nil, err
	}
	sm.cacheEntry().AddOrUpdateMapping(info, cache.OverwriteExisting)
	return info, nil
}

// removeMapping deletes one offline mapping, honoring its lock owner.
func (sm *ShardMap) removeMapping(ctx context.Context, info *proto.MappingInfo, lockOwner uuid.UUID) error {
	if info.Status != proto.MappingOffline {
		return apierrors.New(sm.category(), apierrors.CodeMappingIsNotOffline, "remove-mapping",
			"mapping %s is online; mark it offline before removal", info.ID)
	}
	origShard := info.Shard
	bumped := origShard.Clone()
	bumped.Version = uuid.New()

	def := &storeop.Definition{
		Name:        "remove-mapping",
		Category:    sm.category(),
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeRemoveMapping,
		BeginReq: &storage.Request{
			ShardMapID:     sm.info.ID,
			RemoveMappings: []*proto.MappingInfo{info},
			Shard:          bumped,
			PrevShard:      origShard,
			LockOwnerID:    lockOwner,
		},
		LocalSteps: []storeop.LocalStep{{
			Location: origShard.Location,
			Op:       storage.OpReplaceMappingsLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, RemoveMappings: []*proto.MappingInfo{info}},
		}, {
			Location: origShard.Location,
			Op:       storage.OpUpdateShardLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, Shard: bumped},
		}},
	}
	if err := sm.manager.executor.ExecuteTwoPhase(ctx, def); err != nil {
		return err
	}
	sm.cacheEntry().RemoveMapping(info)
	return nil
}

// updateMapping atomically replaces cur with next (same identity,
// possibly different status or shard) so partial failure can never
// leave zero or two mappings for the range.
func (sm *ShardMap) updateMapping(ctx context.Context, cur, next *proto.MappingInfo, lockOwner uuid.UUID) (*proto.MappingInfo, error) {
	sourceShard := cur.Shard
	targetShard := next.Shard
	bumpedSource := sourceShard.Clone()
	bumpedSource.Version = uuid.New()

	applied := next.Clone()
	if targetShard.ID == sourceShard.ID {
		applied.Shard = bumpedSource
	} else {
		bumpedTarget := targetShard.Clone()
		bumpedTarget.Version = uuid.New()
		applied.Shard = bumpedTarget
	}

	beginReq := &storage.Request{
		ShardMapID:     sm.info.ID,
		RemoveMappings: []*proto.MappingInfo{cur},
		AddMappings:    []*proto.MappingInfo{applied},
		Shard:          bumpedSource,
		PrevShard:      targetShard,
		LockOwnerID:    lockOwner,
	}

	steps := []storeop.LocalStep{{
		Location: sourceShard.Location,
		Op:       storage.OpReplaceMappingsLocal,
		Req:      &storage.Request{ShardMapID: sm.info.ID, RemoveMappings: []*proto.MappingInfo{cur}},
	}, {
		Location: sourceShard.Location,
		Op:       storage.OpUpdateShardLocal,
		Req:      &storage.Request{ShardMapID: sm.info.ID, Shard: bumpedSource},
	}, {
		Location: applied.Shard.Location,
		Op:       storage.OpReplaceMappingsLocal,
		Req:      &storage.Request{ShardMapID: sm.info.ID, AddMappings: []*proto.MappingInfo{applied}},
	}}
	if applied.Shard.ID != sourceShard.ID {
		steps = append(steps, storeop.LocalStep{
			Location: applied.Shard.Location,
			Op:       storage.OpUpdateShardLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, Shard: applied.Shard},
		})
	}

	def := &storeop.Definition{
		Name:        "update-mapping",
		Category:    sm.category(),
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeUpdateMapping,
		BeginReq:    beginReq,
		LocalSteps:  steps,
	}
	if err := sm.manager.executor.ExecuteTwoPhase(ctx, def); err != nil {
		return nil, err
	}
	entry := sm.cacheEntry()
	entry.RemoveMapping(cur)
	entry.AddOrUpdateMapping(applied, cache.OverwriteExisting)
	return applied, nil
}

// replaceMappings atomically swaps removes for adds on one shard; split
// and merge build on this.
func (sm *ShardMap) replaceMappings(ctx context.Context, removes, adds []*proto.MappingInfo, shard *proto.ShardInfo, lockOwner uuid.UUID) error {
	bumped := shard.Clone()
	bumped.Version = uuid.New()
	for _, add := range adds {
		add.Shard = bumped
	}

	def := &storeop.Definition{
		Name:        "replace-mappings",
		Category:    sm.category(),
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeReplaceMappings,
		BeginReq: &storage.Request{
			ShardMapID:     sm.info.ID,
			RemoveMappings: removes,
			AddMappings:    adds,
			Shard:          bumped,
			PrevShard:      shard,
			LockOwnerID:    lockOwner,
		},
		LocalSteps: []storeop.LocalStep{{
			Location: shard.Location,
			Op:       storage.OpReplaceMappingsLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, RemoveMappings: removes, AddMappings: adds},
		}, {
			Location: shard.Location,
			Op:       storage.OpUpdateShardLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, Shard: bumped},
		}},
	}
	if err := sm.manager.executor.ExecuteTwoPhase(ctx, def); err != nil {
		return err
	}
	entry := sm.cacheEntry()
	for _, rm := range removes {
		entry.RemoveMapping(rm)
	}
	for _, add := range adds {
		entry.AddOrUpdateMapping(add, cache.OverwriteExisting)
	}
	return nil
}

func (sm *ShardMap) lockOrUnlock(ctx context.Context, mapping *proto.MappingInfo, owner uuid.UUID, op proto.LockOperation) error {
	req := &storage.Request{
		ShardMapID:  sm.info.ID,
		Mapping:     mapping,
		LockOwnerID: owner,
		LockOp:      op,
	}
	_, err := sm.manager.executor.ExecuteGlobal(ctx, sm.category(), "lock-or-unlock-mappings",
		storage.ReadWrite, storage.OpLockOrUnlockMappingsGlobal, req)
	if err != nil {
		return err
	}
	// The cached snapshot's lock owner is stale now; evict it.
	if mapping != nil {
		sm.cacheEntry().RemoveMapping(mapping)
	}
	return nil
}

// getMappingLockOwner reads the current lock owner of one mapping from
// the authoritative store.
func (sm *ShardMap) getMappingLockOwner(ctx context.Context, mapping *proto.MappingInfo) (uuid.UUID, error) {
	mappings, err := sm.getMappings(ctx, nil, nil)
	if err != nil {
		return uuid.Nil, err
	}
	for _, m := range mappings {
		if m.ID == mapping.ID {
			return m.LockOwnerID, nil
		}
	}
	return uuid.Nil, apierrors.New(sm.category(), apierrors.CodeMappingDoesNotExist,
		"get-mapping-lock-owner", "mapping %s does not exist", mapping.ID)
}
