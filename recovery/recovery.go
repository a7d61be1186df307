// Package recovery compares the authoritative global shard map state
// against one shard's local copy and repairs divergence. It is the tool
// of last resort after a failed undo or a restored-from-backup shard.
package recovery

import (
	"bytes"
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
	"github.com/cubefs/shardmap/storeop"
)

// DifferenceLocation tags where the mapping covering a key segment
// exists.
type DifferenceLocation uint8

const (
	// DifferenceBoth: global store and shard agree the segment belongs
	// to this shard.
	DifferenceBoth DifferenceLocation = iota
	// DifferenceShardMapOnly: the global store maps the segment but the
	// shard's local copy does not claim it.
	DifferenceShardMapOnly
	// DifferenceShardOnly: the shard's local copy claims the segment but
	// the global store does not map it to this shard.
	DifferenceShardOnly
)

func (l DifferenceLocation) String() string {
	switch l {
	case DifferenceBoth:
		return "Both"
	case DifferenceShardMapOnly:
		return "ShardMapOnly"
	default:
		return "ShardOnly"
	}
}

// MappingDifference is one maximal key segment of the comparison,
// carrying the mappings on each side when present.
type MappingDifference struct {
	Location DifferenceLocation
	MinValue []byte
	MaxValue []byte // nil means unbounded
	Global   *proto.MappingInfo
	Local    *proto.MappingInfo
}

// Manager runs consistency comparison and repair against one store set.
type Manager struct {
	executor *storeop.Executor
}

func NewManager(executor *storeop.Executor) *Manager {
	return &Manager{executor: executor}
}

// DetectMappingDifferences partitions the key space of the named shard
// map into maximal segments tagged by where the covering mapping
// exists, comparing the global store against the local store at
// location.
func (m *Manager) DetectMappingDifferences(ctx context.Context, location proto.ShardLocation, shardMapName string) ([]MappingDifference, error) {
	res, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-shard-map",
		storage.ReadOnly, storage.OpGetShardMapByName, &storage.Request{Name: shardMapName})
	if err != nil {
		return nil, err
	}
	sm := res.ShardMaps[0]

	res, err = m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-global-mappings",
		storage.ReadOnly, storage.OpGetMappingsByRangeGlobal, &storage.Request{ShardMapID: sm.ID})
	if err != nil {
		return nil, err
	}
	global := res.Mappings

	res, err = m.executor.ExecuteLocal(ctx, apierrors.CategoryRecovery, "get-local-mappings", location,
		storage.ReadOnly, storage.OpGetAllMappingsLocal, &storage.Request{ShardMapID: sm.ID})
	if err != nil {
		return nil, err
	}
	local := res.Mappings

	return diffMappings(global, local, location), nil
}

// diffMappings is a linear sweep over two lists sorted by minimum key,
// emitting a segment at every boundary crossing. A segment present on
// both sides counts as Both only when the global side maps it to the
// probed shard; a global mapping pointing elsewhere does not validate
// the shard's local claim.
func diffMappings(global, local []*proto.MappingInfo, location proto.ShardLocation) []MappingDifference {
	var out []MappingDifference
	emit := func(loc DifferenceLocation, min, max []byte, g, l *proto.MappingInfo) {
		if max != nil && bytes.Compare(min, max) >= 0 {
			return
		}
		out = append(out, MappingDifference{Location: loc, MinValue: min, MaxValue: max, Global: g, Local: l})
	}

	i, j := 0, 0
	var pos []byte
	posSet := false
	advance := func(to []byte) {
		pos = to
		posSet = true
	}
	clip := func(min []byte) []byte {
		if posSet && bytes.Compare(pos, min) > 0 {
			return pos
		}
		return min
	}

	for i < len(global) || j < len(local) {
		switch {
		case i >= len(global):
			l := local[j]
			emit(DifferenceShardOnly, clip(l.MinValue), l.MaxValue, nil, l)
			advance(l.MaxValue)
			j++
		case j >= len(local):
			g := global[i]
			emit(DifferenceShardMapOnly, clip(g.MinValue), g.MaxValue, g, nil)
			advance(g.MaxValue)
			i++
		default:
			g, l := global[i], local[j]
			gMin, lMin := clip(g.MinValue), clip(l.MinValue)
			switch {
			case encodedLess(gMin, lMin):
				end := minBound(l.MinValue, g.MaxValue)
				emit(DifferenceShardMapOnly, gMin, end, g, nil)
				advance(end)
				if !encodedLess(end, g.MaxValue) {
					i++
				}
			case encodedLess(lMin, gMin):
				end := minBound(g.MinValue, l.MaxValue)
				emit(DifferenceShardOnly, lMin, end, nil, l)
				advance(end)
				if !encodedLess(end, l.MaxValue) {
					j++
				}
			default:
				end := minBound(g.MaxValue, l.MaxValue)
				loc := DifferenceBoth
				if g.Shard == nil || !g.Shard.Location.Equal(location) {
					loc = DifferenceShardOnly
				}
				emit(loc, gMin, end, g, l)
				advance(end)
				if !encodedLess(end, g.MaxValue) {
					i++
				}
				if !encodedLess(end, l.MaxValue) {
					j++
				}
			}
		}
	}
	return out
}

// encodedLess compares encoded key positions, nil meaning unbounded max.
func encodedLess(a, b []byte) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	return bytes.Compare(a, b) < 0
}

// minBound returns the smaller of two upper/lower bounds, nil meaning
// unbounded max.
func minBound(a, b []byte) []byte {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if bytes.Compare(a, b) <= 0 {
		return a
	}
	return b
}

// RebuildMappingsOnShard replaces the shard's local mapping copy for
// the named shard map with what the global store says the shard owns.
// The global store is taken as the source of truth. Refuses to run
// while interrupted operations are still pending.
func (m *Manager) RebuildMappingsOnShard(ctx context.Context, location proto.ShardLocation, shardMapName string) error {
	span := trace.SpanFromContextSafe(ctx)

	res, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-pending-operations",
		storage.ReadOnly, storage.OpGetOperationLogEntries, &storage.Request{})
	if err != nil {
		return err
	}
	if len(res.LogEntries) > 0 {
		return apierrors.New(apierrors.CategoryRecovery, apierrors.CodeRecoveryPendingOperation,
			"rebuild-mappings", "%d operations still pending; undo them before rebuilding", len(res.LogEntries))
	}

	res, err = m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-shard-map",
		storage.ReadOnly, storage.OpGetShardMapByName, &storage.Request{Name: shardMapName})
	if err != nil {
		return err
	}
	sm := res.ShardMaps[0]

	res, err = m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-global-mappings",
		storage.ReadOnly, storage.OpGetMappingsByRangeGlobal, &storage.Request{ShardMapID: sm.ID})
	if err != nil {
		return err
	}
	var owned []*proto.MappingInfo
	for _, mapping := range res.Mappings {
		if mapping.Shard != nil && mapping.Shard.Location.Equal(location) {
			owned = append(owned, mapping)
		}
	}

	res, err = m.executor.ExecuteLocal(ctx, apierrors.CategoryRecovery, "get-local-mappings", location,
		storage.ReadOnly, storage.OpGetAllMappingsLocal, &storage.Request{ShardMapID: sm.ID})
	if err != nil {
		return err
	}

	span.Infof("rebuilding %d local mappings (was %d) for shard map %q at %s",
		len(owned), len(res.Mappings), shardMapName, location)
	_, err = m.executor.ExecuteLocal(ctx, apierrors.CategoryRecovery, "replace-local-mappings", location,
		storage.ReadWrite, storage.OpReplaceMappingsLocal, &storage.Request{
			ShardMapID:     sm.ID,
			RemoveMappings: res.Mappings,
			AddMappings:    owned,
		})
	return err
}

// DetachShard removes the shard at location from the global store's
// record of the named shard map, together with every mapping pointing at
// it, without contacting the shard itself. Lock ownership on the
// mappings is overridden. The shard's local copy survives, so a shard
// restored later can be reattached with AttachShard.
func (m *Manager) DetachShard(ctx context.Context, location proto.ShardLocation, shardMapName string) error {
	span := trace.SpanFromContextSafe(ctx)

	res, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-shard-map",
		storage.ReadOnly, storage.OpGetShardMapByName, &storage.Request{Name: shardMapName})
	if err != nil {
		return err
	}
	sm := res.ShardMaps[0]

	res, err = m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-shard",
		storage.ReadOnly, storage.OpGetShardByLocationGlobal, &storage.Request{ShardMapID: sm.ID, Location: location})
	if err != nil {
		return err
	}
	shard := res.Shards[0]

	res, err = m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-shard-mappings",
		storage.ReadOnly, storage.OpGetMappingsByRangeGlobal, &storage.Request{ShardMapID: sm.ID, Shard: shard})
	if err != nil {
		return err
	}

	// Removals carry the lock owner they are removed under, so locked
	// mappings go in one operation per owner.
	byOwner := make(map[uuid.UUID][]*proto.MappingInfo)
	for _, mapping := range res.Mappings {
		byOwner[mapping.LockOwnerID] = append(byOwner[mapping.LockOwnerID], mapping)
	}
	for owner, group := range byOwner {
		if err := m.executor.ExecuteTwoPhase(ctx, &storeop.Definition{
			Name:        "detach-shard-mappings",
			Category:    apierrors.CategoryRecovery,
			OperationID: uuid.New(),
			OpCode:      proto.OperationCodeReplaceMappings,
			BeginReq: &storage.Request{
				ShardMapID:     sm.ID,
				RemoveMappings: group,
				LockOwnerID:    owner,
			},
		}); err != nil {
			return err
		}
	}

	span.Infof("detaching shard %s with %d mappings from shard map %q", location, len(res.Mappings), shardMapName)
	return m.executor.ExecuteTwoPhase(ctx, &storeop.Definition{
		Name:        "detach-shard",
		Category:    apierrors.CategoryRecovery,
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeRemoveShard,
		BeginReq:    &storage.Request{ShardMapID: sm.ID, Shard: shard, PrevShard: shard},
	})
}

// AttachShard re-registers a detached shard in the global store from the
// shard's own local copy, restoring both the shard record and its
// mappings. The global store only validates that the location and the
// key ranges are still free.
func (m *Manager) AttachShard(ctx context.Context, location proto.ShardLocation, shardMapName string) error {
	span := trace.SpanFromContextSafe(ctx)

	res, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryRecovery, "get-shard-map",
		storage.ReadOnly, storage.OpGetShardMapByName, &storage.Request{Name: shardMapName})
	if err != nil {
		return err
	}
	sm := res.ShardMaps[0]

	res, err = m.executor.ExecuteLocal(ctx, apierrors.CategoryRecovery, "get-local-shards", location,
		storage.ReadOnly, storage.OpGetAllShardsLocal, &storage.Request{ShardMapID: sm.ID})
	if err != nil {
		return err
	}
	var shard *proto.ShardInfo
	for _, sh := range res.Shards {
		if sh.Location.Equal(location) {
			shard = sh
			break
		}
	}
	if shard == nil {
		return apierrors.New(apierrors.CategoryRecovery, apierrors.CodeShardDoesNotExist,
			"attach-shard", "no local shard record for %s in shard map %q", location, shardMapName)
	}

	res, err = m.executor.ExecuteLocal(ctx, apierrors.CategoryRecovery, "get-local-mappings", location,
		storage.ReadOnly, storage.OpGetAllMappingsLocal, &storage.Request{ShardMapID: sm.ID})
	if err != nil {
		return err
	}
	local := res.Mappings

	attached := *shard
	attached.Version = uuid.New()
	if err := m.executor.ExecuteTwoPhase(ctx, &storeop.Definition{
		Name:        "attach-shard",
		Category:    apierrors.CategoryRecovery,
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeAttachShard,
		BeginReq:    &storage.Request{ShardMapID: sm.ID, Shard: &attached},
	}); err != nil {
		return err
	}
	if len(local) == 0 {
		return nil
	}

	add := make([]*proto.MappingInfo, 0, len(local))
	for _, mapping := range local {
		clone := *mapping
		clone.Shard = &attached
		add = append(add, &clone)
	}
	span.Infof("attaching shard %s with %d mappings to shard map %q", location, len(add), shardMapName)
	return m.executor.ExecuteTwoPhase(ctx, &storeop.Definition{
		Name:        "attach-shard-mappings",
		Category:    apierrors.CategoryRecovery,
		OperationID: uuid.New(),
		OpCode:      proto.OperationCodeReplaceMappings,
		BeginReq:    &storage.Request{ShardMapID: sm.ID, AddMappings: add},
	})
}
