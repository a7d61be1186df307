package cache

import (
	"bytes"

	"github.com/google/btree"
)

// mapper indexes cached mappings by their encoded minimum value. The
// list variant answers exact point lookups, the range variant answers
// point-in-range lookups over half-open ranges.
type mapper interface {
	add(m *Mapping)
	remove(encodedMin []byte)
	lookup(encodedKey []byte) (*Mapping, bool)
	lookupExact(encodedMin []byte) (*Mapping, bool)
	clear()
	len() int
}

const mapperDegree = 16

type mapperItem struct {
	key     []byte
	mapping *Mapping
}

func (i *mapperItem) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*mapperItem).key) < 0
}

type listMapper struct {
	tree *btree.BTree
}

func newListMapper() *listMapper {
	return &listMapper{tree: btree.New(mapperDegree)}
}

func (lm *listMapper) add(m *Mapping) {
	lm.tree.ReplaceOrInsert(&mapperItem{key: m.Info.MinValue, mapping: m})
}

func (lm *listMapper) remove(encodedMin []byte) {
	lm.tree.Delete(&mapperItem{key: encodedMin})
}

// A list mapping covers exactly its point key, so lookup is an exact
// match on the encoded value.
func (lm *listMapper) lookup(encodedKey []byte) (*Mapping, bool) {
	return lm.lookupExact(encodedKey)
}

func (lm *listMapper) lookupExact(encodedMin []byte) (*Mapping, bool) {
	item := lm.tree.Get(&mapperItem{key: encodedMin})
	if item == nil {
		return nil, false
	}
	return item.(*mapperItem).mapping, true
}

func (lm *listMapper) clear() { lm.tree.Clear(false) }

func (lm *listMapper) len() int { return lm.tree.Len() }

type rangeMapper struct {
	tree *btree.BTree
}

func newRangeMapper() *rangeMapper {
	return &rangeMapper{tree: btree.New(mapperDegree)}
}

func (rm *rangeMapper) add(m *Mapping) {
	rm.tree.ReplaceOrInsert(&mapperItem{key: m.Info.MinValue, mapping: m})
}

func (rm *rangeMapper) remove(encodedMin []byte) {
	rm.tree.Delete(&mapperItem{key: encodedMin})
}

// lookup finds the range with the greatest low bound not above the key,
// then checks the key against the range's upper bound (nil meaning
// unbounded).
func (rm *rangeMapper) lookup(encodedKey []byte) (*Mapping, bool) {
	var found *Mapping
	rm.tree.DescendLessOrEqual(&mapperItem{key: encodedKey}, func(item btree.Item) bool {
		found = item.(*mapperItem).mapping
		return false
	})
	if found == nil {
		return nil, false
	}
	max := found.Info.MaxValue
	if max != nil && bytes.Compare(encodedKey, max) >= 0 {
		return nil, false
	}
	return found, true
}

func (rm *rangeMapper) lookupExact(encodedMin []byte) (*Mapping, bool) {
	item := rm.tree.Get(&mapperItem{key: encodedMin})
	if item == nil {
		return nil, false
	}
	return item.(*mapperItem).mapping, true
}

func (rm *rangeMapper) clear() { rm.tree.Clear(false) }

func (rm *rangeMapper) len() int { return rm.tree.Len() }
