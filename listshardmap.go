package shardmap

import (
	"context"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/keys"
	"github.com/cubefs/shardmap/proto"
)

// PointMapping associates a single key value with a shard.
type PointMapping struct {
	info *proto.MappingInfo
	key  keys.Key
}

func (m *PointMapping) ID() uuid.UUID { return m.info.ID }

func (m *PointMapping) Key() keys.Key { return m.key }

func (m *PointMapping) Status() proto.MappingStatus { return m.info.Status }

func (m *PointMapping) LockOwnerID() uuid.UUID { return m.info.LockOwnerID }

func (m *PointMapping) Shard() *Shard { return &Shard{info: m.info.Shard} }

// ListShardMap maps individual key values to shards.
type ListShardMap struct {
	*ShardMap
}

func (lsm *ListShardMap) newPointMapping(info *proto.MappingInfo) (*PointMapping, error) {
	key, err := keys.FromRawValue(lsm.info.KeyType, info.MinValue)
	if err != nil {
		return nil, err
	}
	return &PointMapping{info: info, key: key}, nil
}

// CreatePointMapping maps key to shard, online.
func (lsm *ListShardMap) CreatePointMapping(ctx context.Context, key keys.Key, shard *Shard) (*PointMapping, error) {
	return lsm.CreatePointMappingWithStatus(ctx, key, shard, proto.MappingOnline)
}

func (lsm *ListShardMap) CreatePointMappingWithStatus(ctx context.Context, key keys.Key, shard *Shard, status proto.MappingStatus) (*PointMapping, error) {
	if err := lsm.checkKeyType(key); err != nil {
		return nil, err
	}
	r, err := keys.NewPointRange(key)
	if err != nil {
		return nil, err
	}
	info, err := lsm.addMapping(ctx, r, shard, status)
	if err != nil {
		return nil, err
	}
	return &PointMapping{info: info, key: key}, nil
}

// GetMappingForKey resolves the mapping for key, consulting the cache
// first. Fails with MappingNotFoundForKey when no mapping covers key.
func (lsm *ListShardMap) GetMappingForKey(ctx context.Context, key keys.Key) (*PointMapping, error) {
	info, err := lsm.lookupKey(ctx, key, true)
	if err != nil {
		return nil, err
	}
	return lsm.newPointMapping(info)
}

// TryGetMappingForKey is GetMappingForKey with the not-found case
// returned as a boolean instead of an error.
func (lsm *ListShardMap) TryGetMappingForKey(ctx context.Context, key keys.Key) (*PointMapping, bool, error) {
	m, err := lsm.GetMappingForKey(ctx, key)
	if err != nil {
		if apierrors.IsCode(err, apierrors.CodeMappingNotFoundForKey) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return m, true, nil
}

// GetMappings enumerates the map's mappings ordered by key, optionally
// restricted to one shard.
func (lsm *ListShardMap) GetMappings(ctx context.Context, shard *Shard) ([]*PointMapping, error) {
	infos, err := lsm.getMappings(ctx, nil, shard)
	if err != nil {
		return nil, err
	}
	return lsm.wrapMappings(infos)
}

// GetMappingsForRange enumerates mappings whose keys fall inside r.
func (lsm *ListShardMap) GetMappingsForRange(ctx context.Context, r keys.Range, shard *Shard) ([]*PointMapping, error) {
	infos, err := lsm.getMappings(ctx, &r, shard)
	if err != nil {
		return nil, err
	}
	return lsm.wrapMappings(infos)
}

func (lsm *ListShardMap) wrapMappings(infos []*proto.MappingInfo) ([]*PointMapping, error) {
	mappings := make([]*PointMapping, 0, len(infos))
	for _, info := range infos {
		m, err := lsm.newPointMapping(info)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// MarkMappingOffline takes the mapping out of routing.
func (lsm *ListShardMap) MarkMappingOffline(ctx context.Context, m *PointMapping) (*PointMapping, error) {
	return lsm.setStatus(ctx, m, proto.MappingOffline)
}

// MarkMappingOnline returns the mapping to routing.
func (lsm *ListShardMap) MarkMappingOnline(ctx context.Context, m *PointMapping) (*PointMapping, error) {
	return lsm.setStatus(ctx, m, proto.MappingOnline)
}

func (lsm *ListShardMap) setStatus(ctx context.Context, m *PointMapping, status proto.MappingStatus) (*PointMapping, error) {
	next := m.info.Clone()
	next.Status = status
	applied, err := lsm.updateMapping(ctx, m.info, next, m.info.LockOwnerID)
	if err != nil {
		return nil, err
	}
	return &PointMapping{info: applied, key: m.key}, nil
}

// MoveMapping reassigns the mapping to another shard. The mapping must
// be offline.
func (lsm *ListShardMap) MoveMapping(ctx context.Context, m *PointMapping, target *Shard) (*PointMapping, error) {
	if m.info.Status != proto.MappingOffline {
		return nil, apierrors.New(lsm.category(), apierrors.CodeMappingIsNotOffline, "move-mapping",
			"mapping %s is online; mark it offline before moving", m.info.ID)
	}
	next := m.info.Clone()
	next.Shard = target.info
	applied, err := lsm.updateMapping(ctx, m.info, next, m.info.LockOwnerID)
	if err != nil {
		return nil, err
	}
	return &PointMapping{info: applied, key: m.key}, nil
}

// DeleteMapping removes an offline mapping; lockOwner must match the
// mapping's lock owner when locked.
func (lsm *ListShardMap) DeleteMapping(ctx context.Context, m *PointMapping, lockOwner uuid.UUID) error {
	return lsm.removeMapping(ctx, m.info, lockOwner)
}

// LockMapping takes the mapping's lock for owner.
func (lsm *ListShardMap) LockMapping(ctx context.Context, m *PointMapping, owner uuid.UUID) error {
	return lsm.lockOrUnlock(ctx, m.info, owner, proto.LockOperationLock)
}

// UnlockMapping releases the mapping's lock held by owner.
func (lsm *ListShardMap) UnlockMapping(ctx context.Context, m *PointMapping, owner uuid.UUID) error {
	return lsm.lockOrUnlock(ctx, m.info, owner, proto.LockOperationUnlock)
}

// UnlockAllMappings force-releases every lock in the map, bypassing
// ownership checks.
func (lsm *ListShardMap) UnlockAllMappings(ctx context.Context) error {
	return lsm.lockOrUnlock(ctx, nil, uuid.Nil, proto.LockOperationUnlockAll)
}

// GetMappingLockOwner reads the mapping's current lock owner from the
// authoritative store.
func (lsm *ListShardMap) GetMappingLockOwner(ctx context.Context, m *PointMapping) (uuid.UUID, error) {
	return lsm.getMappingLockOwner(ctx, m.info)
}
