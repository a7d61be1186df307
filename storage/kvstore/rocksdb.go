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

package kvstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"

	rdb "github.com/tecbot/gorocksdb"
)

type rocksdb struct {
	path      string
	db        *rdb.DB
	opt       *rdb.Options
	readOpt   *rdb.ReadOptions
	writeOpt  *rdb.WriteOptions
	cfHandles map[CF]*rdb.ColumnFamilyHandle
	lock      sync.RWMutex
}

type rocksWriteBatch struct {
	s     *rocksdb
	batch *rdb.WriteBatch
}

func newRocksdb(ctx context.Context, path string, cols []CF) (Store, error) {
	if path == "" {
		return nil, errors.New("kvstore: rocksdb path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	opt := rdb.NewDefaultOptions()
	opt.SetCreateIfMissing(true)
	opt.SetCreateIfMissingColumnFamilies(true)

	all := make([]CF, 0, len(cols)+1)
	all = append(all, defaultCF)
	all = append(all, cols...)

	cfNames := make([]string, 0, len(all))
	cfOpts := make([]*rdb.Options, 0, len(all))
	for _, col := range all {
		cfNames = append(cfNames, col.String())
		cfOpts = append(cfOpts, opt)
	}

	db, cfhs, err := rdb.OpenDbColumnFamilies(opt, path, cfNames, cfOpts)
	if err != nil {
		return nil, err
	}
	cfhMap := make(map[CF]*rdb.ColumnFamilyHandle, len(all))
	for i, h := range cfhs {
		cfhMap[all[i]] = h
	}

	return &rocksdb{
		path:      path,
		db:        db,
		opt:       opt,
		readOpt:   rdb.NewDefaultReadOptions(),
		writeOpt:  rdb.NewDefaultWriteOptions(),
		cfHandles: cfhMap,
	}, nil
}

func (s *rocksdb) getColumnFamily(col CF) *rdb.ColumnFamilyHandle {
	s.lock.RLock()
	h := s.cfHandles[col]
	s.lock.RUnlock()
	return h
}

func (s *rocksdb) CreateColumn(col CF) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cfHandles[col] != nil {
		return nil
	}
	h, err := s.db.CreateColumnFamily(s.opt, col.String())
	if err != nil {
		return err
	}
	s.cfHandles[col] = h
	return nil
}

func (s *rocksdb) HasColumn(col CF) bool {
	return s.getColumnFamily(col) != nil
}

func (s *rocksdb) Get(ctx context.Context, col CF, key []byte) ([]byte, error) {
	cf := s.getColumnFamily(col)
	if cf == nil {
		return nil, ErrUnknownColumn
	}
	v, err := s.db.GetCF(s.readOpt, cf, key)
	if err != nil {
		return nil, err
	}
	defer v.Free()
	if !v.Exists() {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.Data()...), nil
}

func (s *rocksdb) Set(ctx context.Context, col CF, key, value []byte) error {
	cf := s.getColumnFamily(col)
	if cf == nil {
		return ErrUnknownColumn
	}
	return s.db.PutCF(s.writeOpt, cf, key, value)
}

func (s *rocksdb) Delete(ctx context.Context, col CF, key []byte) error {
	cf := s.getColumnFamily(col)
	if cf == nil {
		return ErrUnknownColumn
	}
	return s.db.DeleteCF(s.writeOpt, cf, key)
}

func (s *rocksdb) FindLE(ctx context.Context, col CF, key []byte) ([]byte, []byte, error) {
	cf := s.getColumnFamily(col)
	if cf == nil {
		return nil, nil, ErrUnknownColumn
	}
	it := s.db.NewIteratorCF(s.readOpt, cf)
	defer it.Close()
	it.SeekForPrev(key)
	if err := it.Err(); err != nil {
		return nil, nil, err
	}
	if !it.Valid() {
		return nil, nil, ErrNotFound
	}
	k := it.Key()
	v := it.Value()
	defer k.Free()
	defer v.Free()
	return append([]byte(nil), k.Data()...), append([]byte(nil), v.Data()...), nil
}

func (s *rocksdb) Scan(ctx context.Context, col CF, start, end []byte, fn func(key, value []byte) bool) error {
	cf := s.getColumnFamily(col)
	if cf == nil {
		return ErrUnknownColumn
	}
	it := s.db.NewIteratorCF(s.readOpt, cf)
	defer it.Close()
	if start == nil {
		it.SeekToFirst()
	} else {
		it.Seek(start)
	}
	for ; it.Valid(); it.Next() {
		k := it.Key()
		v := it.Value()
		key := append([]byte(nil), k.Data()...)
		value := append([]byte(nil), v.Data()...)
		k.Free()
		v.Free()
		if end != nil && bytes.Compare(key, end) >= 0 {
			return nil
		}
		if !fn(key, value) {
			return nil
		}
	}
	return it.Err()
}

func (s *rocksdb) NewWriteBatch() WriteBatch {
	return &rocksWriteBatch{s: s, batch: rdb.NewWriteBatch()}
}

func (s *rocksdb) Write(ctx context.Context, batch WriteBatch) error {
	b, ok := batch.(*rocksWriteBatch)
	if !ok {
		return ErrEngineNotFound
	}
	return s.db.Write(s.writeOpt, b.batch)
}

func (s *rocksdb) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, h := range s.cfHandles {
		h.Destroy()
	}
	s.db.Close()
}

func (w *rocksWriteBatch) Put(col CF, key, value []byte) {
	w.batch.PutCF(w.s.getColumnFamily(col), key, value)
}

func (w *rocksWriteBatch) Delete(col CF, key []byte) {
	w.batch.DeleteCF(w.s.getColumnFamily(col), key)
}

func (w *rocksWriteBatch) Close() {
	w.batch.Destroy()
}
