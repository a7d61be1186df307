package proto

import (
	"fmt"

	"github.com/google/uuid"
)

// ShardKeyType enumerates the supported shard key data types.
type ShardKeyType uint8

const (
	ShardKeyTypeNone ShardKeyType = iota
	ShardKeyTypeInt32
	ShardKeyTypeInt64
	ShardKeyTypeGUID
	ShardKeyTypeBinary
	ShardKeyTypeDateTime
)

func (t ShardKeyType) String() string {
	switch t {
	case ShardKeyTypeInt32:
		return "int32"
	case ShardKeyTypeInt64:
		return "int64"
	case ShardKeyTypeGUID:
		return "guid"
	case ShardKeyTypeBinary:
		return "binary"
	case ShardKeyTypeDateTime:
		return "datetime"
	default:
		return "none"
	}
}

// MapType distinguishes point (list) from range shard maps.
type MapType uint8

const (
	MapTypeNone MapType = iota
	MapTypeList
	MapTypeRange
)

func (t MapType) String() string {
	switch t {
	case MapTypeList:
		return "list"
	case MapTypeRange:
		return "range"
	default:
		return "none"
	}
}

// MappingStatus is the routing availability of one mapping.
type MappingStatus uint8

const (
	MappingOffline MappingStatus = 0
	MappingOnline  MappingStatus = 1
)

func (s MappingStatus) String() string {
	if s == MappingOnline {
		return "online"
	}
	return "offline"
}

// ShardStatus is the administrative state of a shard.
type ShardStatus uint8

const (
	ShardOffline ShardStatus = 0
	ShardOnline  ShardStatus = 1
)

// LockOperation selects the behavior of a lock-or-unlock mappings call.
type LockOperation uint8

const (
	LockOperationLock LockOperation = iota
	LockOperationUnlock
	LockOperationUnlockAll
)

// ShardLocation identifies the physical database a shard lives in.
type ShardLocation struct {
	Server   string `json:"server"`
	Database string `json:"database"`
}

func (l ShardLocation) String() string {
	return l.Server + "/" + l.Database
}

func (l ShardLocation) Equal(other ShardLocation) bool {
	return l.Server == other.Server && l.Database == other.Database
}

func (l ShardLocation) IsZero() bool {
	return l.Server == "" && l.Database == ""
}

// ShardMapInfo is the storage representation of a shard map.
type ShardMapInfo struct {
	ID      uuid.UUID    `json:"id"`
	Name    string       `json:"name"`
	MapType MapType      `json:"map_type"`
	KeyType ShardKeyType `json:"key_type"`
}

func (m *ShardMapInfo) Clone() *ShardMapInfo {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// ShardInfo is the storage representation of a shard. Version changes on
// every structural mutation touching the shard so stale local copies can
// be detected.
type ShardInfo struct {
	ID         uuid.UUID     `json:"id"`
	Version    uuid.UUID     `json:"version"`
	ShardMapID uuid.UUID     `json:"shard_map_id"`
	Location   ShardLocation `json:"location"`
	Status     ShardStatus   `json:"status"`
}

func (s *ShardInfo) Clone() *ShardInfo {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// MappingInfo is the storage representation of a point or range mapping.
// MinValue/MaxValue hold the canonical key encoding; a nil MaxValue means
// the range is unbounded above. A point mapping is stored as the half-open
// range [key, next(key)). LockOwnerID == uuid.Nil means unlocked.
type MappingInfo struct {
	ID          uuid.UUID     `json:"id"`
	ShardMapID  uuid.UUID     `json:"shard_map_id"`
	MinValue    []byte        `json:"min_value"`
	MaxValue    []byte        `json:"max_value"`
	Status      MappingStatus `json:"status"`
	LockOwnerID uuid.UUID     `json:"lock_owner_id"`
	Shard       *ShardInfo    `json:"shard"`
}

func (m *MappingInfo) Clone() *MappingInfo {
	if m == nil {
		return nil
	}
	c := *m
	c.MinValue = append([]byte(nil), m.MinValue...)
	if m.MaxValue != nil {
		c.MaxValue = append([]byte(nil), m.MaxValue...)
	}
	c.Shard = m.Shard.Clone()
	return &c
}

// ShardedTableInfo names one sharded table and its key column.
type ShardedTableInfo struct {
	SchemaName    string `json:"schema_name"`
	TableName     string `json:"table_name"`
	KeyColumnName string `json:"key_column_name"`
}

// ReferenceTableInfo names one reference table replicated to every shard.
type ReferenceTableInfo struct {
	SchemaName string `json:"schema_name"`
	TableName  string `json:"table_name"`
}

// SchemaInfo is a named collection of sharded and reference table
// descriptions attached to one shard map. The (schema, table) pair must be
// unique across both sets.
type SchemaInfo struct {
	Name            string               `json:"name"`
	ShardedTables   []ShardedTableInfo   `json:"sharded_tables"`
	ReferenceTables []ReferenceTableInfo `json:"reference_tables"`
}

func (s *SchemaInfo) containsTable(schema, table string) bool {
	for _, t := range s.ShardedTables {
		if t.SchemaName == schema && t.TableName == table {
			return true
		}
	}
	for _, t := range s.ReferenceTables {
		if t.SchemaName == schema && t.TableName == table {
			return true
		}
	}
	return false
}

// AddShardedTable appends info unless the (schema, table) pair is already
// present in either set.
func (s *SchemaInfo) AddShardedTable(info ShardedTableInfo) error {
	if s.containsTable(info.SchemaName, info.TableName) {
		return fmt.Errorf("table %s.%s already present in schema info %q", info.SchemaName, info.TableName, s.Name)
	}
	s.ShardedTables = append(s.ShardedTables, info)
	return nil
}

// AddReferenceTable appends info unless the (schema, table) pair is already
// present in either set.
func (s *SchemaInfo) AddReferenceTable(info ReferenceTableInfo) error {
	if s.containsTable(info.SchemaName, info.TableName) {
		return fmt.Errorf("table %s.%s already present in schema info %q", info.SchemaName, info.TableName, s.Name)
	}
	s.ReferenceTables = append(s.ReferenceTables, info)
	return nil
}

func (s *SchemaInfo) Clone() *SchemaInfo {
	if s == nil {
		return nil
	}
	c := &SchemaInfo{Name: s.Name}
	c.ShardedTables = append(c.ShardedTables, s.ShardedTables...)
	c.ReferenceTables = append(c.ReferenceTables, s.ReferenceTables...)
	return c
}

// OperationCode tags the kind of a persisted multi-store operation.
type OperationCode uint32

const (
	OperationCodeNone OperationCode = iota
	OperationCodeAddShard
	OperationCodeRemoveShard
	OperationCodeUpdateShard
	OperationCodeAddMapping
	OperationCodeRemoveMapping
	OperationCodeUpdateMapping
	OperationCodeReplaceMappings
	OperationCodeAttachShard
)

func (c OperationCode) String() string {
	switch c {
	case OperationCodeAddShard:
		return "AddShard"
	case OperationCodeRemoveShard:
		return "RemoveShard"
	case OperationCodeUpdateShard:
		return "UpdateShard"
	case OperationCodeAddMapping:
		return "AddMapping"
	case OperationCodeRemoveMapping:
		return "RemoveMapping"
	case OperationCodeUpdateMapping:
		return "UpdateMapping"
	case OperationCodeReplaceMappings:
		return "ReplaceMappings"
	case OperationCodeAttachShard:
		return "AttachShard"
	default:
		return "None"
	}
}

// OperationState records how far a persisted operation progressed, so a
// crashed operation can be resumed or undone by any later observer.
type OperationState uint8

const (
	OperationStatePending OperationState = iota
	OperationStateLocalSourceDone
	OperationStateLocalTargetDone
)

// OperationLogEntry is the pending-operation marker persisted in the
// global store for every multi-store operation. Payload holds the
// serialized operation request; the original shard versions allow undo to
// restore the pre-operation structural version.
type OperationLogEntry struct {
	ID                          uuid.UUID      `json:"id"`
	OpCode                      OperationCode  `json:"op_code"`
	State                       OperationState `json:"state"`
	Payload                     []byte         `json:"payload"`
	UndoStartState              OperationState `json:"undo_start_state"`
	OriginalShardVersionRemoves uuid.UUID      `json:"original_shard_version_removes"`
	OriginalShardVersionAdds    uuid.UUID      `json:"original_shard_version_adds"`
}
