package kv

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
	"github.com/cubefs/shardmap/storage/kvstore"
)

// Local stores are deliberately permissive: they replay decisions the
// global store already validated, so handlers here only check that the
// request is well formed.
func (s *scope) executeLocal(ctx context.Context, op storage.OpCode, req *storage.Request) (*storage.Results, error) {
	switch op {
	case storage.OpAddShardLocal:
		return s.handleAddShardLocal(ctx, req)
	case storage.OpRemoveShardLocal:
		return s.handleRemoveShardLocal(ctx, req)
	case storage.OpUpdateShardLocal:
		return s.handleUpdateShardLocal(ctx, req)
	case storage.OpReplaceMappingsLocal:
		return s.handleReplaceMappingsLocal(ctx, req)
	case storage.OpGetAllShardsLocal:
		return s.handleGetAllShardsLocal(ctx, req)
	case storage.OpGetAllMappingsLocal:
		return s.handleGetAllMappingsLocal(ctx, req)
	case storage.OpGetStoreVersion:
		return s.handleGetStoreVersion(ctx, req)
	case storage.OpApplyUpgradeStep:
		return s.handleApplyUpgradeStep(ctx, req)
	case storage.OpResetStore:
		return s.handleResetStore(ctx, req)
	default:
		return failureCode(proto.ResultUnexpectedStoreError), nil
	}
}

func (s *scope) handleAddShardLocal(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.Shard == nil || req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	if req.ShardMap != nil {
		if err := putJSON(s.batch, mapsCF, uuidKey(req.ShardMap.ID), req.ShardMap); err != nil {
			return nil, err
		}
		s.batch.Put(namesCF, []byte(req.ShardMap.Name), uuidKey(req.ShardMap.ID))
	}
	if err := putJSON(s.batch, shardsCF, shardKey(req.ShardMapID, req.Shard.ID), req.Shard); err != nil {
		return nil, err
	}
	return success(), nil
}

func (s *scope) handleRemoveShardLocal(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.Shard == nil || req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	s.batch.Delete(shardsCF, shardKey(req.ShardMapID, req.Shard.ID))
	prefix := uuidKey(req.ShardMapID)
	err := s.db.engine.Scan(ctx, mappingsCF, prefix, prefixEnd(prefix), func(key, value []byte) bool {
		s.batch.Delete(mappingsCF, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return nil, err
	}
	// Drop the shard map copy when its last local shard goes away.
	shards, err := s.listShards(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	remaining := 0
	for _, sh := range shards {
		if sh.ID != req.Shard.ID {
			remaining++
		}
	}
	if remaining == 0 {
		sm, err := s.getShardMap(ctx, req.ShardMapID)
		if err != nil {
			return nil, err
		}
		if sm != nil {
			s.batch.Delete(mapsCF, uuidKey(req.ShardMapID))
			s.batch.Delete(namesCF, []byte(sm.Name))
		}
	}
	return success(), nil
}

func (s *scope) handleUpdateShardLocal(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.Shard == nil || req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	if err := putJSON(s.batch, shardsCF, shardKey(req.ShardMapID, req.Shard.ID), req.Shard); err != nil {
		return nil, err
	}
	return success(), nil
}

func (s *scope) handleReplaceMappingsLocal(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	for _, rm := range req.RemoveMappings {
		s.batch.Delete(mappingsCF, mappingKey(req.ShardMapID, rm.MinValue))
	}
	for _, add := range req.AddMappings {
		if err := putJSON(s.batch, mappingsCF, mappingKey(req.ShardMapID, add.MinValue), add); err != nil {
			return nil, err
		}
	}
	return success(), nil
}

func (s *scope) handleGetAllShardsLocal(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	res := success()
	var walkErr error
	err := s.db.engine.Scan(ctx, mapsCF, nil, nil, func(key, value []byte) bool {
		sm := &proto.ShardMapInfo{}
		if walkErr = json.Unmarshal(value, sm); walkErr != nil {
			return false
		}
		res.ShardMaps = append(res.ShardMaps, sm)
		return true
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	err = s.db.engine.Scan(ctx, shardsCF, nil, nil, func(key, value []byte) bool {
		sh := &proto.ShardInfo{}
		if walkErr = json.Unmarshal(value, sh); walkErr != nil {
			return false
		}
		res.Shards = append(res.Shards, sh)
		return true
	})
	if err != nil {
		return nil, err
	}
	return res, walkErr
}

func (s *scope) handleGetAllMappingsLocal(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	res := success()
	if req.ShardMapID != uuid.Nil {
		mappings, err := s.listMappings(ctx, req.ShardMapID)
		if err != nil {
			return nil, err
		}
		for _, m := range mappings {
			if req.Shard != nil && (m.Shard == nil || m.Shard.ID != req.Shard.ID) {
				continue
			}
			res.Mappings = append(res.Mappings, m)
		}
		return res, nil
	}
	var walkErr error
	err := s.db.engine.Scan(ctx, mappingsCF, nil, nil, func(key, value []byte) bool {
		m := &proto.MappingInfo{}
		if walkErr = json.Unmarshal(value, m); walkErr != nil {
			return false
		}
		res.Mappings = append(res.Mappings, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return res, walkErr
}

func (s *scope) handleGetStoreVersion(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	res := success()
	// A store without a recorded version reports the zero version; callers
	// treat that as "not deployed yet".
	if _, err := getJSON(ctx, s.db.engine, sysCF, versionKey, &res.StoreVersion); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *scope) handleApplyUpgradeStep(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.Step == nil {
		return missingParameters(), nil
	}
	for _, cmd := range req.Step.Commands {
		cols, record := upgradeCommandColumns(cmd.Name)
		if record {
			if err := putJSON(s.batch, sysCF, versionKey, req.Step.Version); err != nil {
				return nil, err
			}
			continue
		}
		if cols == nil {
			return failureCode(proto.ResultUnexpectedStoreError), nil
		}
		// Column creation is structural and applied immediately; the
		// engines make it idempotent.
		for _, col := range cols {
			if err := s.db.engine.CreateColumn(col); err != nil {
				return nil, err
			}
		}
	}
	return success(), nil
}

func upgradeCommandColumns(name string) (cols []kvstore.CF, recordVersion bool) {
	switch name {
	case "record-version":
		return nil, true
	case "ensure-columns":
		return allColumns(), false
	case "ensure-core-columns":
		return []kvstore.CF{mapsCF, namesCF, shardsCF, sysCF}, false
	case "ensure-operation-log":
		return []kvstore.CF{oplogCF}, false
	case "ensure-schema-infos":
		return []kvstore.CF{schemasCF}, false
	case "ensure-local-mappings":
		return []kvstore.CF{mappingsCF}, false
	default:
		return nil, false
	}
}

func (s *scope) handleResetStore(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	for _, col := range allColumns() {
		err := s.db.engine.Scan(ctx, col, nil, nil, func(key, value []byte) bool {
			s.batch.Delete(col, append([]byte(nil), key...))
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return success(), nil
}
