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
	"sync"

	"github.com/google/btree"
)

const memoryTreeDegree = 16

type memItem struct {
	key   []byte
	value []byte
}

func (i *memItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*memItem).key) < 0
}

type memBatchOp struct {
	col    CF
	key    []byte
	value  []byte
	delete bool
}

type memWriteBatch struct {
	ops []memBatchOp
}

func (b *memWriteBatch) Put(col CF, key, value []byte) {
	b.ops = append(b.ops, memBatchOp{
		col:   col,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *memWriteBatch) Delete(col CF, key []byte) {
	b.ops = append(b.ops, memBatchOp{
		col:    col,
		key:    append([]byte(nil), key...),
		delete: true,
	})
}

func (b *memWriteBatch) Close() {
	b.ops = nil
}

type memory struct {
	trees map[CF]*btree.BTree
	lock  sync.RWMutex
}

func newMemory(cols []CF) Store {
	m := &memory{trees: make(map[CF]*btree.BTree)}
	m.trees[defaultCF] = btree.New(memoryTreeDegree)
	for _, col := range cols {
		m.trees[col] = btree.New(memoryTreeDegree)
	}
	return m
}

func (m *memory) CreateColumn(col CF) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.trees[col]; !ok {
		m.trees[col] = btree.New(memoryTreeDegree)
	}
	return nil
}

func (m *memory) HasColumn(col CF) bool {
	m.lock.RLock()
	defer m.lock.RUnlock()
	_, ok := m.trees[col]
	return ok
}

func (m *memory) tree(col CF) (*btree.BTree, error) {
	t, ok := m.trees[col]
	if !ok {
		return nil, ErrUnknownColumn
	}
	return t, nil
}

func (m *memory) Get(ctx context.Context, col CF, key []byte) ([]byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	t, err := m.tree(col)
	if err != nil {
		return nil, err
	}
	item := t.Get(&memItem{key: key})
	if item == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.(*memItem).value...), nil
}

func (m *memory) Set(ctx context.Context, col CF, key, value []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	t, err := m.tree(col)
	if err != nil {
		return err
	}
	t.ReplaceOrInsert(&memItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (m *memory) Delete(ctx context.Context, col CF, key []byte) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	t, err := m.tree(col)
	if err != nil {
		return err
	}
	t.Delete(&memItem{key: key})
	return nil
}

func (m *memory) FindLE(ctx context.Context, col CF, key []byte) ([]byte, []byte, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	t, err := m.tree(col)
	if err != nil {
		return nil, nil, err
	}
	var found *memItem
	t.DescendLessOrEqual(&memItem{key: key}, func(i btree.Item) bool {
		found = i.(*memItem)
		return false
	})
	if found == nil {
		return nil, nil, ErrNotFound
	}
	return append([]byte(nil), found.key...), append([]byte(nil), found.value...), nil
}

func (m *memory) Scan(ctx context.Context, col CF, start, end []byte, fn func(key, value []byte) bool) error {
	m.lock.RLock()
	t, err := m.tree(col)
	if err != nil {
		m.lock.RUnlock()
		return err
	}
	// Copy out under the read lock so fn can mutate the store.
	var items []*memItem
	iter := func(i btree.Item) bool {
		item := i.(*memItem)
		if end != nil && bytes.Compare(item.key, end) >= 0 {
			return false
		}
		items = append(items, &memItem{
			key:   append([]byte(nil), item.key...),
			value: append([]byte(nil), item.value...),
		})
		return true
	}
	if start == nil {
		t.Ascend(iter)
	} else {
		t.AscendGreaterOrEqual(&memItem{key: start}, iter)
	}
	m.lock.RUnlock()

	for _, item := range items {
		if !fn(item.key, item.value) {
			return nil
		}
	}
	return nil
}

func (m *memory) NewWriteBatch() WriteBatch {
	return &memWriteBatch{}
}

func (m *memory) Write(ctx context.Context, batch WriteBatch) error {
	b, ok := batch.(*memWriteBatch)
	if !ok {
		return ErrEngineNotFound
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, op := range b.ops {
		t, err := m.tree(op.col)
		if err != nil {
			return err
		}
		if op.delete {
			t.Delete(&memItem{key: op.key})
			continue
		}
		t.ReplaceOrInsert(&memItem{key: op.key, value: op.value})
	}
	return nil
}

func (m *memory) Close() {}
