package shardmap

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/shardmap/cache"
	apierrors "github.com/cubefs/shardmap/errors"
	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
	"github.com/cubefs/shardmap/storeop"
)

// CreateMode selects how CreateShardMapManager treats a store that was
// already deployed.
type CreateMode uint8

const (
	// CreateModeKeepExisting fails when the global store already holds
	// shard map manager state.
	CreateModeKeepExisting CreateMode = iota
	// CreateModeReplaceExisting wipes existing state and redeploys.
	CreateModeReplaceExisting
)

// Config configures a shard map manager.
type Config struct {
	Store storage.Store
	Retry storeop.RetryPolicy
	// ShouldRetry optionally widens the transient-fault classification.
	ShouldRetry func(error) bool
}

// ShardMapManager is the entry point of the library: it owns the cache,
// the lock registry and the operation executor, and hands out typed
// shard map handles.
type ShardMapManager struct {
	store    storage.Store
	executor *storeop.Executor
	cache    *cache.Cache
	locks    *LockRegistry
	group    singleflight.Group
	schemas  *SchemaInfoCollection

	mu             sync.Mutex
	localsUpgraded map[string]struct{}
}

func newManager(cfg *Config) *ShardMapManager {
	m := &ShardMapManager{
		store:          cfg.Store,
		cache:          cache.New(),
		locks:          NewLockRegistry(),
		localsUpgraded: make(map[string]struct{}),
	}
	m.executor = storeop.NewExecutor(&storeop.ExecutorConfig{
		Store:       cfg.Store,
		Retry:       cfg.Retry,
		ShouldRetry: cfg.ShouldRetry,
		OnFailure:   m.evictOnFailure,
	})
	m.schemas = &SchemaInfoCollection{manager: m}
	return m
}

// CreateShardMapManager deploys the shard map manager state onto the
// global store and returns a manager bound to it.
func CreateShardMapManager(ctx context.Context, cfg *Config, mode CreateMode) (*ShardMapManager, error) {
	span := trace.SpanFromContextSafe(ctx)
	m := newManager(cfg)

	version, err := m.globalVersion(ctx)
	if err != nil {
		return nil, err
	}
	if !version.IsZero() {
		if mode == CreateModeKeepExisting {
			return nil, apierrors.New(apierrors.CategoryShardMapManagerFactory,
				apierrors.CodeShardMapManagerStoreAlreadyExists, "create-manager",
				"global store already deployed at version %s", version)
		}
		span.Warnf("replacing existing shard map manager state at version %s", version)
		if _, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryShardMapManagerFactory, "reset-store",
			storage.ReadWrite, storage.OpResetStore, &storage.Request{}); err != nil {
			return nil, err
		}
	}
	if err := m.UpgradeGlobalStore(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// GetShardMapManager binds a manager to an already-deployed global
// store, validating the store version against what this client supports.
func GetShardMapManager(ctx context.Context, cfg *Config) (*ShardMapManager, error) {
	m := newManager(cfg)
	version, err := m.globalVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version.IsZero() {
		return nil, apierrors.New(apierrors.CategoryShardMapManagerFactory,
			apierrors.CodeShardMapManagerStoreDoesNotExist, "get-manager",
			"global store holds no shard map manager state")
	}
	if storage.GlobalCurrentVersion.Less(version) {
		return nil, apierrors.New(apierrors.CategoryShardMapManagerFactory,
			apierrors.CodeStoreVersionMismatch, "get-manager",
			"global store version %s is newer than supported %s", version, storage.GlobalCurrentVersion)
	}
	return m, nil
}

func (m *ShardMapManager) globalVersion(ctx context.Context) (storage.Version, error) {
	res, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryShardMapManagerFactory, "get-store-version",
		storage.ReadOnly, storage.OpGetStoreVersion, &storage.Request{})
	if err != nil {
		return storage.Version{}, err
	}
	return res.StoreVersion, nil
}

// UpgradeGlobalStore brings the global store to the latest supported
// schema version.
func (m *ShardMapManager) UpgradeGlobalStore(ctx context.Context) error {
	conn, err := m.store.ConnectGlobal(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return storage.ApplyUpgrade(ctx, conn, storage.GlobalCurrentVersion, storage.GlobalUpgradeSteps())
}

// UpgradeLocalStore brings one shard location's local store to the
// latest supported schema version.
func (m *ShardMapManager) UpgradeLocalStore(ctx context.Context, location proto.ShardLocation) error {
	conn, err := m.store.ConnectLocal(ctx, location)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := storage.ApplyUpgrade(ctx, conn, storage.LocalCurrentVersion, storage.LocalUpgradeSteps()); err != nil {
		return err
	}
	m.mu.Lock()
	m.localsUpgraded[location.String()] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *ShardMapManager) ensureLocalStore(ctx context.Context, location proto.ShardLocation) error {
	m.mu.Lock()
	_, ok := m.localsUpgraded[location.String()]
	m.mu.Unlock()
	if ok {
		return nil
	}
	return m.UpgradeLocalStore(ctx, location)
}

// UndoPendingOperations rolls back operations interrupted by a crash,
// restoring global/local consistency. Returns the number undone.
func (m *ShardMapManager) UndoPendingOperations(ctx context.Context) (int, error) {
	return m.executor.UndoPendingOperations(ctx)
}

// SchemaInfoCollection accesses the named schema descriptions stored
// alongside the shard maps.
func (m *ShardMapManager) SchemaInfoCollection() *SchemaInfoCollection {
	return m.schemas
}

// Cache eviction on classified store failures: a result code proving a
// cached entity is stale removes it before the typed error propagates,
// so a retry re-fetches fresh state.
func (m *ShardMapManager) evictOnFailure(op storage.OpCode, req *storage.Request, code proto.ResultCode) {
	switch code {
	case proto.ResultShardMapDoesNotExist:
		id := req.ShardMapID
		if id == uuid.Nil && req.ShardMap != nil {
			id = req.ShardMap.ID
		}
		if id != uuid.Nil {
			m.cache.RemoveShardMap(id)
		}
	case proto.ResultMappingDoesNotExist, proto.ResultMappingRangeAlreadyMapped,
		proto.ResultMappingLockOwnerIdDoesNotMatch:
		entry, ok := m.cache.LookupByID(req.ShardMapID)
		if !ok {
			return
		}
		if req.Mapping != nil {
			entry.RemoveMapping(req.Mapping)
		}
		for _, rm := range req.RemoveMappings {
			entry.RemoveMapping(rm)
		}
		for _, add := range req.AddMappings {
			entry.RemoveMapping(add)
		}
	}
}

// CreateListShardMap creates a list (point) shard map with the given
// name and key type.
func (m *ShardMapManager) CreateListShardMap(ctx context.Context, name string, keyType proto.ShardKeyType) (*ListShardMap, error) {
	sm, err := m.createShardMap(ctx, name, proto.MapTypeList, keyType)
	if err != nil {
		return nil, err
	}
	return &ListShardMap{ShardMap: sm}, nil
}

// CreateRangeShardMap creates a range shard map with the given name and
// key type.
func (m *ShardMapManager) CreateRangeShardMap(ctx context.Context, name string, keyType proto.ShardKeyType) (*RangeShardMap, error) {
	sm, err := m.createShardMap(ctx, name, proto.MapTypeRange, keyType)
	if err != nil {
		return nil, err
	}
	return &RangeShardMap{ShardMap: sm}, nil
}

func (m *ShardMapManager) createShardMap(ctx context.Context, name string, mapType proto.MapType, keyType proto.ShardKeyType) (*ShardMap, error) {
	if name == "" {
		return nil, apierrors.New(apierrors.CategoryShardMapManager, apierrors.CodeMissingOperationParameters,
			"create-shard-map", "shard map name is empty")
	}
	unlock := m.locks.Lock("name:" + name)
	defer unlock()

	info := &proto.ShardMapInfo{
		ID:      uuid.New(),
		Name:    name,
		MapType: mapType,
		KeyType: keyType,
	}
	_, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryShardMapManager, "add-shard-map",
		storage.ReadWrite, storage.OpAddShardMapGlobal, &storage.Request{ShardMap: info})
	if err != nil {
		return nil, err
	}
	m.cache.AddOrUpdateShardMap(info)
	return newShardMap(m, info), nil
}

// GetShardMap fetches the shard map with the given name from the global
// store.
func (m *ShardMapManager) GetShardMap(ctx context.Context, name string) (*ShardMap, error) {
	res, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryShardMapManager, "get-shard-map",
		storage.ReadOnly, storage.OpGetShardMapByName, &storage.Request{Name: name})
	if err != nil {
		return nil, err
	}
	info := res.ShardMaps[0]
	m.cache.AddOrUpdateShardMap(info)
	return newShardMap(m, info), nil
}

// TryGetShardMap is GetShardMap with the not-found case returned as a
// boolean instead of an error.
func (m *ShardMapManager) TryGetShardMap(ctx context.Context, name string) (*ShardMap, bool, error) {
	sm, err := m.GetShardMap(ctx, name)
	if err != nil {
		if apierrors.IsCode(err, apierrors.CodeShardMapDoesNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return sm, true, nil
}

// GetListShardMap fetches a shard map and requires it to be a list map.
func (m *ShardMapManager) GetListShardMap(ctx context.Context, name string) (*ListShardMap, error) {
	sm, err := m.GetShardMap(ctx, name)
	if err != nil {
		return nil, err
	}
	if sm.MapType() != proto.MapTypeList {
		return nil, apierrors.New(apierrors.CategoryShardMapManager, apierrors.CodeShardMapTypeMismatch,
			"get-list-shard-map", "shard map %q is a %s map", name, sm.MapType())
	}
	return &ListShardMap{ShardMap: sm}, nil
}

// GetRangeShardMap fetches a shard map and requires it to be a range map.
func (m *ShardMapManager) GetRangeShardMap(ctx context.Context, name string) (*RangeShardMap, error) {
	sm, err := m.GetShardMap(ctx, name)
	if err != nil {
		return nil, err
	}
	if sm.MapType() != proto.MapTypeRange {
		return nil, apierrors.New(apierrors.CategoryShardMapManager, apierrors.CodeShardMapTypeMismatch,
			"get-range-shard-map", "shard map %q is a %s map", name, sm.MapType())
	}
	return &RangeShardMap{ShardMap: sm}, nil
}

// GetShardMaps enumerates every shard map in the global store.
func (m *ShardMapManager) GetShardMaps(ctx context.Context) ([]*ShardMap, error) {
	res, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryShardMapManager, "get-shard-maps",
		storage.ReadOnly, storage.OpGetAllShardMaps, &storage.Request{})
	if err != nil {
		return nil, err
	}
	maps := make([]*ShardMap, 0, len(res.ShardMaps))
	for _, info := range res.ShardMaps {
		m.cache.AddOrUpdateShardMap(info)
		maps = append(maps, newShardMap(m, info))
	}
	return maps, nil
}

// DeleteShardMap removes an empty shard map.
func (m *ShardMapManager) DeleteShardMap(ctx context.Context, sm *ShardMap) error {
	unlock := m.locks.Lock("name:" + sm.Name())
	defer unlock()

	_, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryShardMapManager, "remove-shard-map",
		storage.ReadWrite, storage.OpRemoveShardMapGlobal, &storage.Request{ShardMap: sm.info, ShardMapID: sm.info.ID})
	if err != nil {
		return err
	}
	m.cache.RemoveShardMap(sm.info.ID)
	return nil
}

// GetDistinctShardLocations enumerates every shard location referenced
// by any shard map.
func (m *ShardMapManager) GetDistinctShardLocations(ctx context.Context) ([]proto.ShardLocation, error) {
	res, err := m.executor.ExecuteGlobal(ctx, apierrors.CategoryShardMapManager, "get-distinct-locations",
		storage.ReadOnly, storage.OpGetAllDistinctLocationsGlobal, &storage.Request{})
	if err != nil {
		return nil, err
	}
	return res.Locations, nil
}

// Cache returns the routing cache, exposed for advisory inspection.
func (m *ShardMapManager) Cache() *cache.Cache { return m.cache }

// Executor exposes the operation executor for the recovery tooling.
func (m *ShardMapManager) Executor() *storeop.Executor { return m.executor }
