package shardmap

import (
	"context"

	"github.com/google/uuid"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/keys"
	"github.com/cubefs/shardmap/proto"
)

// RangeMapping associates a half-open key range with a shard.
type RangeMapping struct {
	info *proto.MappingInfo
	r    keys.Range
}

func (m *RangeMapping) ID() uuid.UUID { return m.info.ID }

func (m *RangeMapping) Range() keys.Range { return m.r }

func (m *RangeMapping) Status() proto.MappingStatus { return m.info.Status }

func (m *RangeMapping) LockOwnerID() uuid.UUID { return m.info.LockOwnerID }

func (m *RangeMapping) Shard() *Shard { return &Shard{info: m.info.Shard} }

// RangeShardMap maps half-open key ranges to shards.
type RangeShardMap struct {
	*ShardMap
}

func (rsm *RangeShardMap) newRangeMapping(info *proto.MappingInfo) (*RangeMapping, error) {
	low, err := keys.FromRawValue(rsm.info.KeyType, info.MinValue)
	if err != nil {
		return nil, err
	}
	high, err := keys.FromRawValue(rsm.info.KeyType, info.MaxValue)
	if err != nil {
		return nil, err
	}
	r, err := keys.NewRange(low, high)
	if err != nil {
		return nil, err
	}
	return &RangeMapping{info: info, r: r}, nil
}

// CreateRangeMapping maps r to shard, online.
func (rsm *RangeShardMap) CreateRangeMapping(ctx context.Context, r keys.Range, shard *Shard) (*RangeMapping, error) {
	return rsm.CreateRangeMappingWithStatus(ctx, r, shard, proto.MappingOnline)
}

func (rsm *RangeShardMap) CreateRangeMappingWithStatus(ctx context.Context, r keys.Range, shard *Shard, status proto.MappingStatus) (*RangeMapping, error) {
	if err := rsm.checkKeyType(r.Low()); err != nil {
		return nil, err
	}
	info, err := rsm.addMapping(ctx, r, shard, status)
	if err != nil {
		return nil, err
	}
	return &RangeMapping{info: info, r: r}, nil
}

// GetMappingForKey resolves the mapping covering key, consulting the
// cache first. Fails with MappingNotFoundForKey when no range covers it.
func (rsm *RangeShardMap) GetMappingForKey(ctx context.Context, key keys.Key) (*RangeMapping, error) {
	info, err := rsm.lookupKey(ctx, key, true)
	if err != nil {
		return nil, err
	}
	return rsm.newRangeMapping(info)
}

// TryGetMappingForKey is GetMappingForKey with the not-found case
// returned as a boolean instead of an error.
func (rsm *RangeShardMap) TryGetMappingForKey(ctx context.Context, key keys.Key) (*RangeMapping, bool, error) {
	m, err := rsm.GetMappingForKey(ctx, key)
	if err != nil {
		if apierrors.IsCode(err, apierrors.CodeMappingNotFoundForKey) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return m, true, nil
}

// GetMappings enumerates the map's mappings ordered by low bound,
// optionally restricted to one shard.
func (rsm *RangeShardMap) GetMappings(ctx context.Context, shard *Shard) ([]*RangeMapping, error) {
	infos, err := rsm.getMappings(ctx, nil, shard)
	if err != nil {
		return nil, err
	}
	return rsm.wrapMappings(infos)
}

// GetMappingsForRange enumerates mappings overlapping r.
func (rsm *RangeShardMap) GetMappingsForRange(ctx context.Context, r keys.Range, shard *Shard) ([]*RangeMapping, error) {
	infos, err := rsm.getMappings(ctx, &r, shard)
	if err != nil {
		return nil, err
	}
	return rsm.wrapMappings(infos)
}

func (rsm *RangeShardMap) wrapMappings(infos []*proto.MappingInfo) ([]*RangeMapping, error) {
	mappings := make([]*RangeMapping, 0, len(infos))
	for _, info := range infos {
		m, err := rsm.newRangeMapping(info)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// MarkMappingOffline takes the mapping out of routing.
func (rsm *RangeShardMap) MarkMappingOffline(ctx context.Context, m *RangeMapping) (*RangeMapping, error) {
	return rsm.setStatus(ctx, m, proto.MappingOffline)
}

// MarkMappingOnline returns the mapping to routing.
func (rsm *RangeShardMap) MarkMappingOnline(ctx context.Context, m *RangeMapping) (*RangeMapping, error) {
	return rsm.setStatus(ctx, m, proto.MappingOnline)
}

func (rsm *RangeShardMap) setStatus(ctx context.Context, m *RangeMapping, status proto.MappingStatus) (*RangeMapping, error) {
	next := m.info.Clone()
	next.Status = status
	applied, err := rsm.updateMapping(ctx, m.info, next, m.info.LockOwnerID)
	if err != nil {
		return nil, err
	}
	return &RangeMapping{info: applied, r: m.r}, nil
}

// MoveMapping reassigns the mapping to another shard. The mapping must
// be offline.
func (rsm *RangeShardMap) MoveMapping(ctx context.Context, m *RangeMapping, target *Shard) (*RangeMapping, error) {
	if m.info.Status != proto.MappingOffline {
		return nil, apierrors.New(rsm.category(), apierrors.CodeMappingIsNotOffline, "move-mapping",
			"mapping %s is online; mark it offline before moving", m.info.ID)
	}
	next := m.info.Clone()
	next.Shard = target.info
	applied, err := rsm.updateMapping(ctx, m.info, next, m.info.LockOwnerID)
	if err != nil {
		return nil, err
	}
	return &RangeMapping{info: applied, r: m.r}, nil
}

// DeleteMapping removes an offline mapping; lockOwner must match the
// mapping's lock owner when locked.
func (rsm *RangeShardMap) DeleteMapping(ctx context.Context, m *RangeMapping, lockOwner uuid.UUID) error {
	return rsm.removeMapping(ctx, m.info, lockOwner)
}

// SplitMapping splits m at splitAt into two adjacent mappings on the
// same shard, committed atomically with the original's removal. splitAt
// must fall strictly inside the mapping's range.
func (rsm *RangeShardMap) SplitMapping(ctx context.Context, m *RangeMapping, splitAt keys.Key, lockOwner uuid.UUID) ([2]*RangeMapping, error) {
	var out [2]*RangeMapping
	if err := rsm.checkKeyType(splitAt); err != nil {
		return out, err
	}
	halves, err := m.r.Split(splitAt)
	if err != nil {
		return out, apierrors.New(rsm.category(), apierrors.CodeSplitPointOutOfRange, "split-mapping", "%v", err)
	}

	adds := make([]*proto.MappingInfo, 2)
	for i, half := range halves {
		adds[i] = &proto.MappingInfo{
			ID:          uuid.New(),
			ShardMapID:  rsm.info.ID,
			MinValue:    half.Low().RawValue(),
			MaxValue:    half.High().RawValue(),
			Status:      m.info.Status,
			LockOwnerID: m.info.LockOwnerID,
		}
	}
	if err := rsm.replaceMappings(ctx, []*proto.MappingInfo{m.info}, adds, m.info.Shard, lockOwner); err != nil {
		return out, err
	}
	for i := range adds {
		wrapped, err := rsm.newRangeMapping(adds[i])
		if err != nil {
			return out, err
		}
		out[i] = wrapped
	}
	return out, nil
}

// MergeMappings merges two exactly-adjacent mappings on the same shard
// and with the same status into one mapping covering both ranges.
func (rsm *RangeShardMap) MergeMappings(ctx context.Context, left, right *RangeMapping, lockOwner uuid.UUID) (*RangeMapping, error) {
	if !left.info.Shard.Location.Equal(right.info.Shard.Location) {
		return nil, apierrors.New(rsm.category(), apierrors.CodeMappingsNotAdjacent, "merge-mappings",
			"mappings live on different shards %s and %s", left.info.Shard.Location, right.info.Shard.Location)
	}
	if left.info.Status != right.info.Status {
		return nil, apierrors.New(rsm.category(), apierrors.CodeMappingsNotAdjacent, "merge-mappings",
			"mapping statuses differ: %s vs %s", left.info.Status, right.info.Status)
	}
	merged, err := left.r.Merge(right.r)
	if err != nil {
		return nil, apierrors.New(rsm.category(), apierrors.CodeMappingsNotAdjacent, "merge-mappings", "%v", err)
	}

	add := &proto.MappingInfo{
		ID:          uuid.New(),
		ShardMapID:  rsm.info.ID,
		MinValue:    merged.Low().RawValue(),
		MaxValue:    merged.High().RawValue(),
		Status:      left.info.Status,
		LockOwnerID: left.info.LockOwnerID,
	}
	removes := []*proto.MappingInfo{left.info, right.info}
	if err := rsm.replaceMappings(ctx, removes, []*proto.MappingInfo{add}, left.info.Shard, lockOwner); err != nil {
		return nil, err
	}
	return rsm.newRangeMapping(add)
}

// LockMapping takes the mapping's lock for owner.
func (rsm *RangeShardMap) LockMapping(ctx context.Context, m *RangeMapping, owner uuid.UUID) error {
	return rsm.lockOrUnlock(ctx, m.info, owner, proto.LockOperationLock)
}

// UnlockMapping releases the mapping's lock held by owner.
func (rsm *RangeShardMap) UnlockMapping(ctx context.Context, m *RangeMapping, owner uuid.UUID) error {
	return rsm.lockOrUnlock(ctx, m.info, owner, proto.LockOperationUnlock)
}

// UnlockAllMappings force-releases every lock in the map, bypassing
// ownership checks.
func (rsm *RangeShardMap) UnlockAllMappings(ctx context.Context) error {
	return rsm.lockOrUnlock(ctx, nil, uuid.Nil, proto.LockOperationUnlockAll)
}

// GetMappingLockOwner reads the mapping's current lock owner from the
// authoritative store.
func (rsm *RangeShardMap) GetMappingLockOwner(ctx context.Context, m *RangeMapping) (uuid.UUID, error) {
	return rsm.getMappingLockOwner(ctx, m.info)
}
