// Package storage defines the abstract contract between the shard mapping
// runtime and its backing stores: one global store (GSM) holding the
// authoritative metadata and one local store (LSM) per shard location
// holding that shard's copy. Implementations live in subpackages.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/cubefs/shardmap/proto"
)

// ScopeKind selects the transactional discipline of a scope.
type ScopeKind uint8

const (
	// NonTransactional autocommits every operation.
	NonTransactional ScopeKind = iota
	// ReadOnly reads committed state, releasing row locks immediately.
	ReadOnly
	// ReadWrite stages writes and holds them until Done(true) commits or
	// Done(false) rolls back.
	ReadWrite
)

// OpCode names an operation the store knows how to execute.
type OpCode uint32

const (
	OpInvalid OpCode = iota

	// Global store operations.
	OpGetShardMapByName
	OpGetAllShardMaps
	OpAddShardMapGlobal
	OpRemoveShardMapGlobal
	OpGetAllShardsGlobal
	OpGetShardByLocationGlobal
	OpGetAllDistinctLocationsGlobal
	OpFindMappingByKeyGlobal
	OpGetMappingsByRangeGlobal
	OpLockOrUnlockMappingsGlobal
	OpShardsGlobalBegin
	OpShardsGlobalEnd
	OpShardsGlobalUndo
	OpMappingsGlobalBegin
	OpMappingsGlobalEnd
	OpMappingsGlobalUndo
	OpGetOperationLogEntries
	OpGetAllSchemaInfosGlobal
	OpFindSchemaInfoGlobal
	OpAddSchemaInfoGlobal
	OpUpdateSchemaInfoGlobal
	OpRemoveSchemaInfoGlobal

	// Operations valid against either store.
	OpGetStoreVersion
	OpApplyUpgradeStep
	OpResetStore

	// Local store operations.
	OpAddShardLocal
	OpRemoveShardLocal
	OpUpdateShardLocal
	OpReplaceMappingsLocal
	OpGetAllShardsLocal
	OpGetAllMappingsLocal
)

// Request is the single parameter bag for Execute. Operations read only
// the fields they document; missing required fields yield the
// MissingParametersForStoredProcedure result code.
type Request struct {
	OperationID uuid.UUID                `json:"operation_id,omitempty"`
	LogEntry    *proto.OperationLogEntry `json:"log_entry,omitempty"`

	ShardMap   *proto.ShardMapInfo `json:"shard_map,omitempty"`
	ShardMapID uuid.UUID           `json:"shard_map_id,omitempty"`
	Name       string              `json:"name,omitempty"`

	Shard     *proto.ShardInfo    `json:"shard,omitempty"`
	PrevShard *proto.ShardInfo    `json:"prev_shard,omitempty"`
	Location  proto.ShardLocation `json:"location,omitempty"`

	Key      []byte `json:"key,omitempty"`
	RangeSet bool   `json:"range_set,omitempty"`
	RangeMin []byte `json:"range_min,omitempty"`
	RangeMax []byte `json:"range_max,omitempty"`

	Mapping        *proto.MappingInfo   `json:"mapping,omitempty"`
	RemoveMappings []*proto.MappingInfo `json:"remove_mappings,omitempty"`
	AddMappings    []*proto.MappingInfo `json:"add_mappings,omitempty"`

	LockOwnerID uuid.UUID           `json:"lock_owner_id,omitempty"`
	LockOp      proto.LockOperation `json:"lock_op,omitempty"`

	SchemaInfo *proto.SchemaInfo `json:"schema_info,omitempty"`

	Step *UpgradeStep `json:"step,omitempty"`
}

// Results is the typed outcome of one Execute call.
type Results struct {
	Code         proto.ResultCode
	StoreVersion Version
	ShardMaps    []*proto.ShardMapInfo
	Shards       []*proto.ShardInfo
	Mappings     []*proto.MappingInfo
	Locations    []proto.ShardLocation
	SchemaInfos  []*proto.SchemaInfo
	LogEntries   []*proto.OperationLogEntry
}

// Scope executes operations under one transactional discipline. A
// ReadWrite scope must end with exactly one Done call; Done(false)
// discards staged writes.
type Scope interface {
	Execute(ctx context.Context, op OpCode, req *Request) (*Results, error)
	Done(commit bool) error
}

// Connection is a handle to one store (the global store or one shard's
// local store).
type Connection interface {
	BeginScope(ctx context.Context, kind ScopeKind) (Scope, error)
	Close() error
}

// Store hands out connections to the global store and to per-location
// local stores.
type Store interface {
	ConnectGlobal(ctx context.Context) (Connection, error)
	ConnectLocal(ctx context.Context, location proto.ShardLocation) (Connection, error)
}

// transientError wraps a store fault the caller may retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string        { return "transient store error: " + e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) TransientStore() bool { return true }

// NewTransientError marks err as a retryable store fault (deadlock,
// throttling, connection reset).
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or any wrapped error) was marked as a
// retryable store fault.
func IsTransient(err error) bool {
	for err != nil {
		if t, ok := err.(interface{ TransientStore() bool }); ok && t.TransientStore() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
