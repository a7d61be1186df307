package shardmap

import (
	"context"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
	"github.com/cubefs/shardmap/storeop"
)

// Shard is a handle to one physical database registered in a shard map.
type Shard struct {
	info *proto.ShardInfo
}

func (s *Shard) ID() uuid.UUID { return s.info.ID }

func (s *Shard) Version() uuid.UUID { return s.info.Version }

func (s *Shard) Location() proto.ShardLocation { return s.info.Location }

func (s *Shard) Status() proto.ShardStatus { return s.info.Status }

// ShardMap is the common surface of list and range shard maps: shard
// CRUD and key lookup against the map's mappings.
type ShardMap struct {
	manager *ShardMapManager
	info    *proto.ShardMapInfo
}

func newShardMap(m *ShardMapManager, info *proto.ShardMapInfo) *ShardMap {
	return &ShardMap{manager: m, info: info}
}

func (sm *ShardMap) ID() uuid.UUID { return sm.info.ID }

func (sm *ShardMap) Name() string { return sm.info.Name }

func (sm *ShardMap) MapType() proto.MapType { return sm.info.MapType }

func (sm *ShardMap) KeyType() proto.ShardKeyType { return sm.info.KeyType }

func (sm *ShardMap) category() apierrors.Category {
	switch sm.info.MapType {
	case proto.MapTypeList:
		return apierrors.CategoryListShardMap
	case proto.MapTypeRange:
		return apierrors.CategoryRangeShardMap
	default:
		return apierrors.CategoryShardMap
	}
}

// CreateShard registers a new shard at location, deploying the local
// store schema first.
func (sm *ShardMap) CreateShard(ctx context.Context, location proto.ShardLocation) (*Shard, error) {
	if location.IsZero() {
		return nil, apierrors.New(sm.category(), apierrors.CodeMissingOperationParameters,
			"create-shard", "shard location is empty")
	}
	if err := sm.manager.ensureLocalStore(ctx, location); err != nil {
		return nil, err
	}

	info := &proto.ShardInfo{
		ID:         uuid.New(),
		Version:    uuid.New(),
		ShardMapID: sm.info.ID,
		Location:   location,
		Status:     proto.ShardOnline,
	}
	def := &storeop.Definition{
		Name:        "add-shard",
		Category:    sm.category(),
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeAddShard,
		BeginReq: &storage.Request{
			ShardMapID: sm.info.ID,
			ShardMap:   sm.info,
			Shard:      info,
		},
		LocalSteps: []storeop.LocalStep{{
			Location: location,
			Op:       storage.OpAddShardLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, ShardMap: sm.info, Shard: info},
		}},
	}
	if err := sm.manager.executor.ExecuteTwoPhase(ctx, def); err != nil {
		return nil, err
	}
	return &Shard{info: info}, nil
}

// DeleteShard removes a shard that no longer carries mappings.
func (sm *ShardMap) DeleteShard(ctx context.Context, shard *Shard) error {
	def := &storeop.Definition{
		Name:        "remove-shard",
		Category:    sm.category(),
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeRemoveShard,
		BeginReq: &storage.Request{
			ShardMapID: sm.info.ID,
			ShardMap:   sm.info,
			Shard:      shard.info,
			PrevShard:  shard.info,
		},
		LocalSteps: []storeop.LocalStep{{
			Location: shard.info.Location,
			Op:       storage.OpRemoveShardLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, Shard: shard.info},
		}},
	}
	return sm.manager.executor.ExecuteTwoPhase(ctx, def)
}

// UpdateShardStatus transitions a shard's administrative status and
// bumps its structural version.
func (sm *ShardMap) UpdateShardStatus(ctx context.Context, shard *Shard, status proto.ShardStatus) (*Shard, error) {
	updated := shard.info.Clone()
	updated.Status = status
	updated.Version = uuid.New()

	def := &storeop.Definition{
		Name:        "update-shard",
		Category:    sm.category(),
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeUpdateShard,
		BeginReq: &storage.Request{
			ShardMapID: sm.info.ID,
			Shard:      updated,
			PrevShard:  shard.info,
		},
		LocalSteps: []storeop.LocalStep{{
			Location: shard.info.Location,
			Op:       storage.OpUpdateShardLocal,
			Req:      &storage.Request{ShardMapID: sm.info.ID, Shard: updated},
		}},
	}
	if err := sm.manager.executor.ExecuteTwoPhase(ctx, def); err != nil {
		return nil, err
	}
	return &Shard{info: updated}, nil
}

// GetShard fetches the shard registered at location.
func (sm *ShardMap) GetShard(ctx context.Context, location proto.ShardLocation) (*Shard, error) {
	res, err := sm.manager.executor.ExecuteGlobal(ctx, sm.category(), "get-shard-by-location",
		storage.ReadOnly, storage.OpGetShardByLocationGlobal,
		&storage.Request{ShardMapID: sm.info.ID, Location: location})
	if err != nil {
		return nil, err
	}
	return &Shard{info: res.Shards[0]}, nil
}

// TryGetShard is GetShard with the not-found case returned as a boolean.
func (sm *ShardMap) TryGetShard(ctx context.Context, location proto.ShardLocation) (*Shard, bool, error) {
	shard, err := sm.GetShard(ctx, location)
	if err != nil {
		if apierrors.IsCode(err, apierrors.CodeShardDoesNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return shard, true, nil
}

// GetShards enumerates every shard of the map.
func (sm *ShardMap) GetShards(ctx context.Context) ([]*Shard, error) {
	res, err := sm.manager.executor.ExecuteGlobal(ctx, sm.category(), "get-shards",
		storage.ReadOnly, storage.OpGetAllShardsGlobal, &storage.Request{ShardMapID: sm.info.ID})
	if err != nil {
		return nil, err
	}
	shards := make([]*Shard, 0, len(res.Shards))
	for _, info := range res.Shards {
		shards = append(shards, &Shard{info: info})
	}
	return shards, nil
}
