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

// Package kvstore is the ordered key-value engine backing the kv store
// service. Two engines are provided: a rocksdb engine for persistent
// deployments and a btree engine for tests and embedded use.
package kvstore

import (
	"context"
	"errors"
)

const defaultCF = CF("default")

var (
	ErrNotFound        = errors.New("kvstore: key not found")
	ErrEngineNotFound  = errors.New("kvstore: engine type not found")
	ErrUnknownColumn   = errors.New("kvstore: unknown column family")
	ErrStoreClosed     = errors.New("kvstore: store closed")
	ErrInvalidKeyRange = errors.New("kvstore: invalid key range")
)

type (
	// CF is a column family name.
	CF string

	// EngineType selects a backing engine.
	EngineType string

	// Store is an ordered kv store partitioned into column families.
	Store interface {
		CreateColumn(col CF) error
		HasColumn(col CF) bool
		// Get returns a copy of the value, or ErrNotFound.
		Get(ctx context.Context, col CF, key []byte) ([]byte, error)
		Set(ctx context.Context, col CF, key, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// FindLE returns the entry with the greatest key <= key, or
		// ErrNotFound when no such entry exists.
		FindLE(ctx context.Context, col CF, key []byte) ([]byte, []byte, error)
		// Scan walks entries with start <= key < end in ascending order.
		// A nil start begins at the first key; a nil end walks to the
		// last. The walk stops when fn returns false.
		Scan(ctx context.Context, col CF, start, end []byte, fn func(key, value []byte) bool) error
		NewWriteBatch() WriteBatch
		Write(ctx context.Context, batch WriteBatch) error
		Close()
	}

	// WriteBatch stages mutations applied atomically by Store.Write.
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Close()
	}
)

const (
	RocksdbEngineType = EngineType("rocksdb")
	MemoryEngineType  = EngineType("memory")
)

// NewKVStore opens a store of the given engine type with the given column
// families (the default column is always present).
func NewKVStore(ctx context.Context, path string, engine EngineType, cols []CF) (Store, error) {
	switch engine {
	case RocksdbEngineType:
		return newRocksdb(ctx, path, cols)
	case MemoryEngineType:
		return newMemory(cols), nil
	default:
		return nil, ErrEngineNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
