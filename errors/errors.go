// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import (
	"errors"
	"fmt"
)

// Category identifies the api surface an error was raised from.
type Category uint8

const (
	CategoryGeneral Category = iota
	CategoryShardMapManager
	CategoryShardMapManagerFactory
	CategoryShardMap
	CategoryListShardMap
	CategoryRangeShardMap
	CategoryRecovery
	CategorySchemaInfoCollection
	CategoryStore
)

func (c Category) String() string {
	switch c {
	case CategoryShardMapManager:
		return "ShardMapManager"
	case CategoryShardMapManagerFactory:
		return "ShardMapManagerFactory"
	case CategoryShardMap:
		return "ShardMap"
	case CategoryListShardMap:
		return "ListShardMap"
	case CategoryRangeShardMap:
		return "RangeShardMap"
	case CategoryRecovery:
		return "Recovery"
	case CategorySchemaInfoCollection:
		return "SchemaInfoCollection"
	case CategoryStore:
		return "Store"
	default:
		return "General"
	}
}

// Code is the detailed reason of a shard management failure.
type Code uint32

const (
	CodeUnknown Code = iota
	CodeShardMapDoesNotExist
	CodeShardMapExists
	CodeShardMapHasShards
	CodeShardDoesNotExist
	CodeShardExists
	CodeShardLocationExists
	CodeShardHasMappings
	CodeMappingDoesNotExist
	CodeMappingIsNotOffline
	CodeMappingIsOffline
	CodeMappingLockOwnerIdDoesNotMatch
	CodeMappingRangeAlreadyMapped
	CodeMappingNotFoundForKey
	CodeMappingsNotAdjacent
	CodeSplitPointOutOfRange
	CodeShardKeyTypeMismatch
	CodeShardMapTypeMismatch
	CodeStorageOperationFailure
	CodeStoreVersionMismatch
	CodeMissingOperationParameters
	CodeShardMapManagerStoreAlreadyExists
	CodeShardMapManagerStoreDoesNotExist
	CodeSchemaInfoNameDoesNotExist
	CodeSchemaInfoNameConflict
	CodeSchemaInfoTableInfoAlreadyPresent
	CodeRecoveryPendingOperation
)

func (c Code) String() string {
	switch c {
	case CodeShardMapDoesNotExist:
		return "ShardMapDoesNotExist"
	case CodeShardMapExists:
		return "ShardMapExists"
	case CodeShardMapHasShards:
		return "ShardMapHasShards"
	case CodeShardDoesNotExist:
		return "ShardDoesNotExist"
	case CodeShardExists:
		return "ShardExists"
	case CodeShardLocationExists:
		return "ShardLocationExists"
	case CodeShardHasMappings:
		return "ShardHasMappings"
	case CodeMappingDoesNotExist:
		return "MappingDoesNotExist"
	case CodeMappingIsNotOffline:
		return "MappingIsNotOffline"
	case CodeMappingIsOffline:
		return "MappingIsOffline"
	case CodeMappingLockOwnerIdDoesNotMatch:
		return "MappingLockOwnerIdDoesNotMatch"
	case CodeMappingRangeAlreadyMapped:
		return "MappingRangeAlreadyMapped"
	case CodeMappingNotFoundForKey:
		return "MappingNotFoundForKey"
	case CodeMappingsNotAdjacent:
		return "MappingsNotAdjacent"
	case CodeSplitPointOutOfRange:
		return "SplitPointOutOfRange"
	case CodeShardKeyTypeMismatch:
		return "ShardKeyTypeMismatch"
	case CodeShardMapTypeMismatch:
		return "ShardMapTypeMismatch"
	case CodeStorageOperationFailure:
		return "StorageOperationFailure"
	case CodeStoreVersionMismatch:
		return "StoreVersionMismatch"
	case CodeMissingOperationParameters:
		return "MissingOperationParameters"
	case CodeShardMapManagerStoreAlreadyExists:
		return "ShardMapManagerStoreAlreadyExists"
	case CodeShardMapManagerStoreDoesNotExist:
		return "ShardMapManagerStoreDoesNotExist"
	case CodeSchemaInfoNameDoesNotExist:
		return "SchemaInfoNameDoesNotExist"
	case CodeSchemaInfoNameConflict:
		return "SchemaInfoNameConflict"
	case CodeSchemaInfoTableInfoAlreadyPresent:
		return "SchemaInfoTableInfoAlreadyPresent"
	case CodeRecoveryPendingOperation:
		return "RecoveryPendingOperation"
	default:
		return "Unknown"
	}
}

// Error is the single typed error surfaced by every shard management api.
// Callers can branch on Category and Code; Op and Location carry enough
// context to log the failure without re-deriving it from the call site.
type Error struct {
	Category Category
	Code     Code
	Op       string
	Location string
	Msg      string
}

func (e *Error) Error() string {
	s := fmt.Sprintf("shardmap: %s/%s", e.Category, e.Code)
	if e.Op != "" {
		s += " op=" + e.Op
	}
	if e.Location != "" {
		s += " location=" + e.Location
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is reports code equality so errors.Is comparisons against the code
// templates below work regardless of message content.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && (t.Category == CategoryGeneral || e.Category == t.Category)
}

// New builds a typed shard management error.
func New(category Category, code Code, op string, format string, args ...interface{}) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Op:       op,
		Msg:      fmt.Sprintf(format, args...),
	}
}

// WithLocation attaches the shard location the error originated from.
func (e *Error) WithLocation(location string) *Error {
	e.Location = location
	return e
}

// CodeOf extracts the Code from err, or CodeUnknown for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
