package kv

import (
	"context"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"

	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage/kvstore"
)

// Column families of one store database. Local stores use the same layout
// minus the global-only columns.
const (
	mapsCF     = kvstore.CF("shardmaps")
	namesCF    = kvstore.CF("shardmapnames")
	shardsCF   = kvstore.CF("shards")
	mappingsCF = kvstore.CF("mappings")
	schemasCF  = kvstore.CF("schemainfos")
	oplogCF    = kvstore.CF("operations")
	sysCF      = kvstore.CF("system")
)

var versionKey = []byte("store-version")

func allColumns() []kvstore.CF {
	return []kvstore.CF{mapsCF, namesCF, shardsCF, mappingsCF, schemasCF, oplogCF, sysCF}
}

func uuidKey(id uuid.UUID) []byte {
	return append([]byte(nil), id[:]...)
}

func shardKey(mapID, shardID uuid.UUID) []byte {
	key := make([]byte, 0, 32)
	key = append(key, mapID[:]...)
	key = append(key, shardID[:]...)
	return key
}

func mappingKey(mapID uuid.UUID, minValue []byte) []byte {
	key := make([]byte, 0, 16+len(minValue))
	key = append(key, mapID[:]...)
	key = append(key, minValue...)
	return key
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func isNotFound(err error) bool { return err == kvstore.ErrNotFound }

func putJSON(batch kvstore.WriteBatch, col kvstore.CF, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	batch.Put(col, key, data)
	return nil
}

func getJSON(ctx context.Context, engine kvstore.Store, col kvstore.CF, key []byte, v interface{}) (bool, error) {
	data, err := engine.Get(ctx, col, key)
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err = json.Unmarshal(data, v); err != nil {
		return false, errors.Info(err, "json unmarshal stored record failed")
	}
	return true, nil
}

func (s *scope) getShardMap(ctx context.Context, id uuid.UUID) (*proto.ShardMapInfo, error) {
	sm := &proto.ShardMapInfo{}
	ok, err := getJSON(ctx, s.db.engine, mapsCF, uuidKey(id), sm)
	if err != nil || !ok {
		return nil, err
	}
	return sm, nil
}

func (s *scope) getShard(ctx context.Context, mapID, shardID uuid.UUID) (*proto.ShardInfo, error) {
	sh := &proto.ShardInfo{}
	ok, err := getJSON(ctx, s.db.engine, shardsCF, shardKey(mapID, shardID), sh)
	if err != nil || !ok {
		return nil, err
	}
	return sh, nil
}

func (s *scope) listShards(ctx context.Context, mapID uuid.UUID) ([]*proto.ShardInfo, error) {
	var res []*proto.ShardInfo
	var walkErr error
	prefix := uuidKey(mapID)
	err := s.db.engine.Scan(ctx, shardsCF, prefix, prefixEnd(prefix), func(key, value []byte) bool {
		sh := &proto.ShardInfo{}
		if walkErr = json.Unmarshal(value, sh); walkErr != nil {
			return false
		}
		res = append(res, sh)
		return true
	})
	if err != nil {
		return nil, err
	}
	return res, walkErr
}

func (s *scope) listMappings(ctx context.Context, mapID uuid.UUID) ([]*proto.MappingInfo, error) {
	var res []*proto.MappingInfo
	var walkErr error
	prefix := uuidKey(mapID)
	err := s.db.engine.Scan(ctx, mappingsCF, prefix, prefixEnd(prefix), func(key, value []byte) bool {
		m := &proto.MappingInfo{}
		if walkErr = json.Unmarshal(value, m); walkErr != nil {
			return false
		}
		res = append(res, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return res, walkErr
}

func (s *scope) getLogEntry(ctx context.Context, id uuid.UUID) (*proto.OperationLogEntry, error) {
	entry := &proto.OperationLogEntry{}
	ok, err := getJSON(ctx, s.db.engine, oplogCF, uuidKey(id), entry)
	if err != nil || !ok {
		return nil, err
	}
	return entry, nil
}

// rangesIntersect tests overlap of two half-open encoded ranges, nil max
// meaning unbounded.
func rangesIntersect(aMin, aMax, bMin, bMax []byte) bool {
	return encodedLess(aMin, bMax) && encodedLess(bMin, aMax)
}

// encodedLess compares canonical key encodings, nil meaning the unbounded
// max sentinel.
func encodedLess(a, b []byte) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	return string(a) < string(b)
}
