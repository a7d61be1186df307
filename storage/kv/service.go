// Package kv implements the storage contract on top of an ordered
// key-value engine. Every store (the global store and each shard's local
// store) is one kvstore database; read-write scopes stage their mutations
// in a write batch committed atomically on Done(true).
package kv

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cubefs/shardmap/proto"
	"github.com/cubefs/shardmap/storage"
	"github.com/cubefs/shardmap/storage/kvstore"
)

// Config configures one kv-backed store set.
type Config struct {
	// Path is the root directory for persistent engines; each store opens
	// a database under it. Ignored by the memory engine.
	Path string `json:"path"`
	// Engine selects the kvstore backend.
	Engine kvstore.EngineType `json:"engine"`
	// RequestsPerSecond throttles store operations; 0 means unlimited.
	RequestsPerSecond float64 `json:"requests_per_second"`
}

type database struct {
	engine kvstore.Store
	global bool
	// mu emulates the transactional discipline: read-write scopes hold
	// the write lock from BeginScope to Done, read scopes hold the read
	// lock, so a reader never observes a half-applied batch.
	mu sync.RWMutex
}

// Store implements storage.Store over kvstore engines.
type Store struct {
	cfg     Config
	limiter *rate.Limiter

	mu     sync.Mutex
	global *database
	locals map[string]*database
	closed bool
}

// NewStore opens (or creates) the kv-backed store set.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Engine == "" {
		cfg.Engine = kvstore.MemoryEngineType
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	s := &Store{
		cfg:     *cfg,
		limiter: rate.NewLimiter(limit, 64),
		locals:  make(map[string]*database),
	}
	global, err := s.openDatabase(ctx, "global", true)
	if err != nil {
		return nil, err
	}
	s.global = global
	return s, nil
}

func (s *Store) openDatabase(ctx context.Context, name string, global bool) (*database, error) {
	path := ""
	if s.cfg.Engine != kvstore.MemoryEngineType {
		path = s.cfg.Path + "/" + name
	}
	engine, err := kvstore.NewKVStore(ctx, path, s.cfg.Engine, allColumns())
	if err != nil {
		return nil, err
	}
	return &database{engine: engine, global: global}, nil
}

func (s *Store) ConnectGlobal(ctx context.Context) (storage.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kvstore.ErrStoreClosed
	}
	return &conn{store: s, db: s.global}, nil
}

func (s *Store) ConnectLocal(ctx context.Context, location proto.ShardLocation) (storage.Connection, error) {
	if location.IsZero() {
		return nil, errors.New("kv: empty shard location")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kvstore.ErrStoreClosed
	}
	key := location.String()
	if db, ok := s.locals[key]; ok {
		return &conn{store: s, db: db}, nil
	}
	name := "local-" + sanitizeName(key)
	db, err := s.openDatabase(ctx, name, false)
	if err != nil {
		return nil, err
	}
	s.locals[key] = db
	return &conn{store: s, db: db}, nil
}

// Close releases every opened engine.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.global.engine.Close()
	for _, db := range s.locals {
		db.engine.Close()
	}
}

func sanitizeName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return r.Replace(name)
}

type conn struct {
	store *Store
	db    *database
}

func (c *conn) BeginScope(ctx context.Context, kind storage.ScopeKind) (storage.Scope, error) {
	switch kind {
	case storage.ReadWrite:
		c.db.mu.Lock()
	case storage.ReadOnly:
		c.db.mu.RLock()
	}
	return &scope{
		store: c.store,
		db:    c.db,
		kind:  kind,
		batch: c.db.engine.NewWriteBatch(),
	}, nil
}

func (c *conn) Close() error { return nil }

type scope struct {
	store    *Store
	db       *database
	kind     storage.ScopeKind
	batch    kvstore.WriteBatch
	finished bool
}

func (s *scope) Execute(ctx context.Context, op storage.OpCode, req *storage.Request) (*storage.Results, error) {
	if s.finished {
		return nil, errors.New("kv: scope already finished")
	}
	if req == nil {
		req = &storage.Request{}
	}
	if err := s.store.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if s.kind == storage.ReadOnly && opMutates(op) {
		return nil, errors.New("kv: mutating operation in read-only scope")
	}

	var (
		res *storage.Results
		err error
	)
	if s.db.global {
		res, err = s.executeGlobal(ctx, op, req)
	} else {
		res, err = s.executeLocal(ctx, op, req)
	}
	if err != nil {
		return nil, err
	}

	// Autocommit outside of read-write scopes.
	if s.kind == storage.NonTransactional && res.Code == proto.ResultSuccess {
		if err = s.db.engine.Write(ctx, s.batch); err != nil {
			return nil, err
		}
		s.batch.Close()
		s.batch = s.db.engine.NewWriteBatch()
	}
	return res, nil
}

func (s *scope) Done(commit bool) error {
	if s.finished {
		return nil
	}
	s.finished = true
	var err error
	if commit && s.kind == storage.ReadWrite {
		err = s.db.engine.Write(context.Background(), s.batch)
	}
	s.batch.Close()
	switch s.kind {
	case storage.ReadWrite:
		s.db.mu.Unlock()
	case storage.ReadOnly:
		s.db.mu.RUnlock()
	}
	return err
}

func opMutates(op storage.OpCode) bool {
	switch op {
	case storage.OpGetShardMapByName, storage.OpGetAllShardMaps,
		storage.OpGetAllShardsGlobal, storage.OpGetShardByLocationGlobal,
		storage.OpGetAllDistinctLocationsGlobal, storage.OpFindMappingByKeyGlobal,
		storage.OpGetMappingsByRangeGlobal, storage.OpGetOperationLogEntries,
		storage.OpGetAllSchemaInfosGlobal, storage.OpFindSchemaInfoGlobal,
		storage.OpGetStoreVersion, storage.OpGetAllShardsLocal,
		storage.OpGetAllMappingsLocal:
		return false
	default:
		return true
	}
}

func missingParameters() *storage.Results {
	return &storage.Results{Code: proto.ResultMissingParametersForStoredProcedure}
}

func success() *storage.Results {
	return &storage.Results{Code: proto.ResultSuccess}
}

func failureCode(code proto.ResultCode) *storage.Results {
	return &storage.Results{Code: code}
}
