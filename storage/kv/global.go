package kv

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
)

func (s *scope) executeGlobal(ctx context.Context, op storage.OpCode, req *storage.Request) (*storage.Results, error) {
	switch op {
	case storage.OpGetShardMapByName:
		return s.handleGetShardMapByName(ctx, req)
	case storage.OpGetAllShardMaps:
		return s.handleGetAllShardMaps(ctx, req)
	case storage.OpAddShardMapGlobal:
		return s.handleAddShardMap(ctx, req)
	case storage.OpRemoveShardMapGlobal:
		return s.handleRemoveShardMap(ctx, req)
	case storage.OpGetAllShardsGlobal:
		return s.handleGetAllShards(ctx, req)
	case storage.OpGetShardByLocationGlobal:
		return s.handleGetShardByLocation(ctx, req)
	case storage.OpGetAllDistinctLocationsGlobal:
		return s.handleGetAllDistinctLocations(ctx, req)
	case storage.OpFindMappingByKeyGlobal:
		return s.handleFindMappingByKey(ctx, req)
	case storage.OpGetMappingsByRangeGlobal:
		return s.handleGetMappingsByRange(ctx, req)
	case storage.OpLockOrUnlockMappingsGlobal:
		return s.handleLockOrUnlockMappings(ctx, req)
	case storage.OpShardsGlobalBegin:
		return s.handleShardsBegin(ctx, req)
	case storage.OpShardsGlobalEnd, storage.OpMappingsGlobalEnd:
		return s.handleOperationEnd(ctx, req)
	case storage.OpShardsGlobalUndo:
		return s.handleShardsUndo(ctx, req)
	case storage.OpMappingsGlobalBegin:
		return s.handleMappingsBegin(ctx, req)
	case storage.OpMappingsGlobalUndo:
		return s.handleMappingsUndo(ctx, req)
	case storage.OpGetOperationLogEntries:
		return s.handleGetOperationLogEntries(ctx, req)
	case storage.OpGetAllSchemaInfosGlobal:
		return s.handleGetAllSchemaInfos(ctx, req)
	case storage.OpFindSchemaInfoGlobal:
		return s.handleFindSchemaInfo(ctx, req)
	case storage.OpAddSchemaInfoGlobal:
		return s.handleAddSchemaInfo(ctx, req)
	case storage.OpUpdateSchemaInfoGlobal:
		return s.handleUpdateSchemaInfo(ctx, req)
	case storage.OpRemoveSchemaInfoGlobal:
		return s.handleRemoveSchemaInfo(ctx, req)
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

func (s *scope) handleGetShardMapByName(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.Name == "" {
		return missingParameters(), nil
	}
	idRaw, err := s.db.engine.Get(ctx, namesCF, []byte(req.Name))
	if err != nil {
		if isNotFound(err) {
			return failureCode(proto.ResultShardMapDoesNotExist), nil
		}
		return nil, err
	}
	id, err := uuid.FromBytes(idRaw)
	if err != nil {
		return nil, err
	}
	sm, err := s.getShardMap(ctx, id)
	if err != nil {
		return nil, err
	}
	if sm == nil {
		return failureCode(proto.ResultShardMapDoesNotExist), nil
	}
	res := success()
	res.ShardMaps = []*proto.ShardMapInfo{sm}
	return res, nil
}

func (s *scope) handleGetAllShardMaps(ctx context.Context, req *storage.Request) (*storage.Results, error) {
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
	return res, walkErr
}

func (s *scope) handleAddShardMap(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	sm := req.ShardMap
	if sm == nil || sm.Name == "" {
		return missingParameters(), nil
	}
	if _, err := s.db.engine.Get(ctx, namesCF, []byte(sm.Name)); err == nil {
		return failureCode(proto.ResultShardMapExists), nil
	} else if !isNotFound(err) {
		return nil, err
	}
	if err := putJSON(s.batch, mapsCF, uuidKey(sm.ID), sm); err != nil {
		return nil, err
	}
	s.batch.Put(namesCF, []byte(sm.Name), uuidKey(sm.ID))
	return success(), nil
}

func (s *scope) handleRemoveShardMap(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	sm := req.ShardMap
	if sm == nil {
		return missingParameters(), nil
	}
	existing, err := s.getShardMap(ctx, sm.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return failureCode(proto.ResultShardMapDoesNotExist), nil
	}
	shards, err := s.listShards(ctx, sm.ID)
	if err != nil {
		return nil, err
	}
	if len(shards) > 0 {
		return failureCode(proto.ResultShardMapHasShards), nil
	}
	s.batch.Delete(mapsCF, uuidKey(sm.ID))
	s.batch.Delete(namesCF, []byte(existing.Name))
	return success(), nil
}

func (s *scope) handleGetAllShards(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	sm, err := s.getShardMap(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	if sm == nil {
		return failureCode(proto.ResultShardMapDoesNotExist), nil
	}
	shards, err := s.listShards(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	res := success()
	res.Shards = shards
	return res, nil
}

func (s *scope) handleGetShardByLocation(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.ShardMapID == uuid.Nil || req.Location.IsZero() {
		return missingParameters(), nil
	}
	shards, err := s.listShards(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	for _, sh := range shards {
		if sh.Location.Equal(req.Location) {
			res := success()
			res.Shards = []*proto.ShardInfo{sh}
			return res, nil
		}
	}
	return failureCode(proto.ResultShardDoesNotExist), nil
}

func (s *scope) handleGetAllDistinctLocations(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	seen := make(map[string]struct{})
	res := success()
	var walkErr error
	err := s.db.engine.Scan(ctx, shardsCF, nil, nil, func(key, value []byte) bool {
		sh := &proto.ShardInfo{}
		if walkErr = json.Unmarshal(value, sh); walkErr != nil {
			return false
		}
		if _, ok := seen[sh.Location.String()]; !ok {
			seen[sh.Location.String()] = struct{}{}
			res.Locations = append(res.Locations, sh.Location)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return res, walkErr
}

func (s *scope) handleFindMappingByKey(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.ShardMapID == uuid.Nil || req.Key == nil {
		return missingParameters(), nil
	}
	sm, err := s.getShardMap(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	if sm == nil {
		return failureCode(proto.ResultShardMapDoesNotExist), nil
	}
	foundKey, foundValue, err := s.db.engine.FindLE(ctx, mappingsCF, mappingKey(req.ShardMapID, req.Key))
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if err == nil && bytes.HasPrefix(foundKey, req.ShardMapID[:]) {
		m := &proto.MappingInfo{}
		if err = json.Unmarshal(foundValue, m); err != nil {
			return nil, err
		}
		// Half-open range check against the upper boundary.
		if m.MaxValue == nil || encodedLess(req.Key, m.MaxValue) {
			res := success()
			res.Mappings = []*proto.MappingInfo{m}
			return res, nil
		}
	}
	return failureCode(proto.ResultMappingNotFoundForKey), nil
}

func (s *scope) handleGetMappingsByRange(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	sm, err := s.getShardMap(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	if sm == nil {
		return failureCode(proto.ResultShardMapDoesNotExist), nil
	}
	if req.Shard != nil {
		if existing, err := s.getShard(ctx, req.ShardMapID, req.Shard.ID); err != nil {
			return nil, err
		} else if existing == nil {
			return failureCode(proto.ResultShardDoesNotExist), nil
		}
	}
	mappings, err := s.listMappings(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	res := success()
	for _, m := range mappings {
		if req.RangeSet && !rangesIntersect(m.MinValue, m.MaxValue, req.RangeMin, req.RangeMax) {
			continue
		}
		if req.Shard != nil && (m.Shard == nil || m.Shard.ID != req.Shard.ID) {
			continue
		}
		res.Mappings = append(res.Mappings, m)
	}
	return res, nil
}

func (s *scope) handleLockOrUnlockMappings(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	if req.LockOp == proto.LockOperationUnlockAll {
		mappings, err := s.listMappings(ctx, req.ShardMapID)
		if err != nil {
			return nil, err
		}
		for _, m := range mappings {
			if m.LockOwnerID == uuid.Nil {
				continue
			}
			m.LockOwnerID = uuid.Nil
			if err := putJSON(s.batch, mappingsCF, mappingKey(req.ShardMapID, m.MinValue), m); err != nil {
				return nil, err
			}
		}
		return success(), nil
	}

	if req.Mapping == nil {
		return missingParameters(), nil
	}
	cur, code, err := s.findMappingByID(ctx, req.ShardMapID, req.Mapping)
	if err != nil || code != proto.ResultSuccess {
		return failureCode(code), err
	}
	switch req.LockOp {
	case proto.LockOperationLock:
		if cur.LockOwnerID != uuid.Nil && cur.LockOwnerID != req.LockOwnerID {
			return failureCode(proto.ResultMappingLockOwnerIdDoesNotMatch), nil
		}
		cur.LockOwnerID = req.LockOwnerID
	case proto.LockOperationUnlock:
		if cur.LockOwnerID != uuid.Nil && cur.LockOwnerID != req.LockOwnerID {
			return failureCode(proto.ResultMappingLockOwnerIdDoesNotMatch), nil
		}
		cur.LockOwnerID = uuid.Nil
	default:
		return missingParameters(), nil
	}
	if err := putJSON(s.batch, mappingsCF, mappingKey(req.ShardMapID, cur.MinValue), cur); err != nil {
		return nil, err
	}
	return success(), nil
}

// findMappingByID locates the stored row for the given mapping snapshot
// and verifies identity.
func (s *scope) findMappingByID(ctx context.Context, mapID uuid.UUID, m *proto.MappingInfo) (*proto.MappingInfo, proto.ResultCode, error) {
	cur := &proto.MappingInfo{}
	ok, err := getJSON(ctx, s.db.engine, mappingsCF, mappingKey(mapID, m.MinValue), cur)
	if err != nil {
		return nil, proto.ResultFailure, err
	}
	if !ok || cur.ID != m.ID {
		return nil, proto.ResultMappingDoesNotExist, nil
	}
	return cur, proto.ResultSuccess, nil
}

func (s *scope) handleShardsBegin(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.LogEntry == nil || req.Shard == nil || req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	if entry, err := s.getLogEntry(ctx, req.LogEntry.ID); err != nil {
		return nil, err
	} else if entry != nil {
		// Re-execution of a logged operation is a no-op at the global
		// store; the caller continues with the local steps.
		res := success()
		res.LogEntries = []*proto.OperationLogEntry{entry}
		return res, nil
	}
	sm, err := s.getShardMap(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	if sm == nil {
		return failureCode(proto.ResultShardMapDoesNotExist), nil
	}
	existing, err := s.getShard(ctx, req.ShardMapID, req.Shard.ID)
	if err != nil {
		return nil, err
	}

	switch req.LogEntry.OpCode {
	case proto.OperationCodeAddShard, proto.OperationCodeAttachShard:
		if existing != nil {
			return failureCode(proto.ResultShardExists), nil
		}
		shards, err := s.listShards(ctx, req.ShardMapID)
		if err != nil {
			return nil, err
		}
		for _, sh := range shards {
			if sh.Location.Equal(req.Shard.Location) {
				return failureCode(proto.ResultShardLocationExists), nil
			}
		}
		if err := putJSON(s.batch, shardsCF, shardKey(req.ShardMapID, req.Shard.ID), req.Shard); err != nil {
			return nil, err
		}
	case proto.OperationCodeRemoveShard:
		if existing == nil {
			return failureCode(proto.ResultShardDoesNotExist), nil
		}
		mappings, err := s.listMappings(ctx, req.ShardMapID)
		if err != nil {
			return nil, err
		}
		for _, m := range mappings {
			if m.Shard != nil && m.Shard.ID == req.Shard.ID {
				return failureCode(proto.ResultShardHasMappings), nil
			}
		}
		s.batch.Delete(shardsCF, shardKey(req.ShardMapID, req.Shard.ID))
	case proto.OperationCodeUpdateShard:
		if existing == nil {
			return failureCode(proto.ResultShardDoesNotExist), nil
		}
		if err := putJSON(s.batch, shardsCF, shardKey(req.ShardMapID, req.Shard.ID), req.Shard); err != nil {
			return nil, err
		}
	default:
		return missingParameters(), nil
	}

	if err := putJSON(s.batch, oplogCF, uuidKey(req.LogEntry.ID), req.LogEntry); err != nil {
		return nil, err
	}
	return success(), nil
}

func (s *scope) handleOperationEnd(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.OperationID == uuid.Nil {
		return missingParameters(), nil
	}
	s.batch.Delete(oplogCF, uuidKey(req.OperationID))
	return success(), nil
}

func (s *scope) handleShardsUndo(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.OperationID == uuid.Nil {
		return missingParameters(), nil
	}
	entry, err := s.getLogEntry(ctx, req.OperationID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return success(), nil
	}
	var begin storage.Request
	if err := json.Unmarshal(entry.Payload, &begin); err != nil {
		return nil, errors.Info(err, "json unmarshal operation payload failed")
	}
	switch entry.OpCode {
	case proto.OperationCodeAddShard, proto.OperationCodeAttachShard:
		s.batch.Delete(shardsCF, shardKey(begin.ShardMapID, begin.Shard.ID))
	case proto.OperationCodeRemoveShard:
		if err := putJSON(s.batch, shardsCF, shardKey(begin.ShardMapID, begin.Shard.ID), begin.PrevShard); err != nil {
			return nil, err
		}
	case proto.OperationCodeUpdateShard:
		if err := putJSON(s.batch, shardsCF, shardKey(begin.ShardMapID, begin.Shard.ID), begin.PrevShard); err != nil {
			return nil, err
		}
	}
	s.batch.Delete(oplogCF, uuidKey(req.OperationID))
	return success(), nil
}

func (s *scope) handleMappingsBegin(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.LogEntry == nil || req.ShardMapID == uuid.Nil {
		return missingParameters(), nil
	}
	if entry, err := s.getLogEntry(ctx, req.LogEntry.ID); err != nil {
		return nil, err
	} else if entry != nil {
		res := success()
		res.LogEntries = []*proto.OperationLogEntry{entry}
		return res, nil
	}
	sm, err := s.getShardMap(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	if sm == nil {
		return failureCode(proto.ResultShardMapDoesNotExist), nil
	}

	removedIDs := make(map[uuid.UUID]struct{}, len(req.RemoveMappings))
	for _, rm := range req.RemoveMappings {
		cur, code, err := s.findMappingByID(ctx, req.ShardMapID, rm)
		if err != nil || code != proto.ResultSuccess {
			return failureCode(code), err
		}
		if cur.LockOwnerID != uuid.Nil && cur.LockOwnerID != req.LockOwnerID {
			return failureCode(proto.ResultMappingLockOwnerIdDoesNotMatch), nil
		}
		removedIDs[cur.ID] = struct{}{}
	}

	existing, err := s.listMappings(ctx, req.ShardMapID)
	if err != nil {
		return nil, err
	}
	for _, add := range req.AddMappings {
		if add.Shard == nil {
			return missingParameters(), nil
		}
		if sh, err := s.getShard(ctx, req.ShardMapID, add.Shard.ID); err != nil {
			return nil, err
		} else if sh == nil {
			return failureCode(proto.ResultShardDoesNotExist), nil
		}
		for _, m := range existing {
			if _, gone := removedIDs[m.ID]; gone {
				continue
			}
			if rangesIntersect(m.MinValue, m.MaxValue, add.MinValue, add.MaxValue) {
				return failureCode(proto.ResultMappingRangeAlreadyMapped), nil
			}
		}
	}

	for _, rm := range req.RemoveMappings {
		s.batch.Delete(mappingsCF, mappingKey(req.ShardMapID, rm.MinValue))
	}
	for _, add := range req.AddMappings {
		if err := putJSON(s.batch, mappingsCF, mappingKey(req.ShardMapID, add.MinValue), add); err != nil {
			return nil, err
		}
		if add.Shard != nil {
			if err := putJSON(s.batch, shardsCF, shardKey(req.ShardMapID, add.Shard.ID), add.Shard); err != nil {
				return nil, err
			}
		}
	}
	if req.Shard != nil {
		if err := putJSON(s.batch, shardsCF, shardKey(req.ShardMapID, req.Shard.ID), req.Shard); err != nil {
			return nil, err
		}
	}

	if err := putJSON(s.batch, oplogCF, uuidKey(req.LogEntry.ID), req.LogEntry); err != nil {
		return nil, err
	}
	return success(), nil
}

func (s *scope) handleMappingsUndo(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.OperationID == uuid.Nil {
		return missingParameters(), nil
	}
	entry, err := s.getLogEntry(ctx, req.OperationID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return success(), nil
	}
	var begin storage.Request
	if err := json.Unmarshal(entry.Payload, &begin); err != nil {
		return nil, errors.Info(err, "json unmarshal operation payload failed")
	}
	for _, add := range begin.AddMappings {
		s.batch.Delete(mappingsCF, mappingKey(begin.ShardMapID, add.MinValue))
	}
	for _, rm := range begin.RemoveMappings {
		if err := putJSON(s.batch, mappingsCF, mappingKey(begin.ShardMapID, rm.MinValue), rm); err != nil {
			return nil, err
		}
		if rm.Shard != nil {
			if err := putJSON(s.batch, shardsCF, shardKey(begin.ShardMapID, rm.Shard.ID), rm.Shard); err != nil {
				return nil, err
			}
		}
	}
	if begin.PrevShard != nil {
		if err := putJSON(s.batch, shardsCF, shardKey(begin.ShardMapID, begin.PrevShard.ID), begin.PrevShard); err != nil {
			return nil, err
		}
	}
	s.batch.Delete(oplogCF, uuidKey(req.OperationID))
	return success(), nil
}

func (s *scope) handleGetOperationLogEntries(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	res := success()
	var walkErr error
	err := s.db.engine.Scan(ctx, oplogCF, nil, nil, func(key, value []byte) bool {
		entry := &proto.OperationLogEntry{}
		if walkErr = json.Unmarshal(value, entry); walkErr != nil {
			return false
		}
		res.LogEntries = append(res.LogEntries, entry)
		return true
	})
	if err != nil {
		return nil, err
	}
	return res, walkErr
}

func (s *scope) handleGetAllSchemaInfos(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	res := success()
	var walkErr error
	err := s.db.engine.Scan(ctx, schemasCF, nil, nil, func(key, value []byte) bool {
		si := &proto.SchemaInfo{}
		if walkErr = json.Unmarshal(value, si); walkErr != nil {
			return false
		}
		res.SchemaInfos = append(res.SchemaInfos, si)
		return true
	})
	if err != nil {
		return nil, err
	}
	return res, walkErr
}

func (s *scope) handleFindSchemaInfo(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.Name == "" {
		return missingParameters(), nil
	}
	si := &proto.SchemaInfo{}
	ok, err := getJSON(ctx, s.db.engine, schemasCF, []byte(req.Name), si)
	if err != nil {
		return nil, err
	}
	if !ok {
		return failureCode(proto.ResultSchemaInfoNameDoesNotExist), nil
	}
	res := success()
	res.SchemaInfos = []*proto.SchemaInfo{si}
	return res, nil
}

func (s *scope) handleAddSchemaInfo(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.SchemaInfo == nil || req.SchemaInfo.Name == "" {
		return missingParameters(), nil
	}
	if _, err := s.db.engine.Get(ctx, schemasCF, []byte(req.SchemaInfo.Name)); err == nil {
		return failureCode(proto.ResultSchemaInfoNameConflict), nil
	} else if !isNotFound(err) {
		return nil, err
	}
	if err := putJSON(s.batch, schemasCF, []byte(req.SchemaInfo.Name), req.SchemaInfo); err != nil {
		return nil, err
	}
	return success(), nil
}

func (s *scope) handleUpdateSchemaInfo(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.SchemaInfo == nil || req.SchemaInfo.Name == "" {
		return missingParameters(), nil
	}
	if _, err := s.db.engine.Get(ctx, schemasCF, []byte(req.SchemaInfo.Name)); err != nil {
		if isNotFound(err) {
			return failureCode(proto.ResultSchemaInfoNameDoesNotExist), nil
		}
		return nil, err
	}
	if err := putJSON(s.batch, schemasCF, []byte(req.SchemaInfo.Name), req.SchemaInfo); err != nil {
		return nil, err
	}
	return success(), nil
}

func (s *scope) handleRemoveSchemaInfo(ctx context.Context, req *storage.Request) (*storage.Results, error) {
	if req.Name == "" {
		return missingParameters(), nil
	}
	if _, err := s.db.engine.Get(ctx, schemasCF, []byte(req.Name)); err != nil {
		if isNotFound(err) {
			return failureCode(proto.ResultSchemaInfoNameDoesNotExist), nil
		}
		return nil, err
	}
	s.batch.Delete(schemasCF, []byte(req.Name))
	return success(), nil
}
