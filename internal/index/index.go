// Package index implements the in-memory ordered index over live keys
// (spec §4.2): point lookup, insert, delete, and an ascending range scan,
// backed by github.com/tidwall/btree's generic B-tree so the tree
// mechanics themselves are never hand-rolled.
package index

import (
	"bytes"

	"github.com/tidwall/btree"
)

// Entry is one (key, value) pair as stored in the tree. Comparison is
// raw byte-wise lexicographic on Key, per spec §4.2 "Ordering".
type Entry struct {
	Key   []byte
	Value []byte
}

func less(a, b Entry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// Index is the B-tree-backed map of currently-live keys to their values.
type Index struct {
	tree *btree.BTreeG[Entry]
}

// New returns an empty Index.
func New() *Index {
	return &Index{tree: btree.NewBTreeG(less)}
}

// Get returns the value for key and whether it is present.
func (idx *Index) Get(key []byte) ([]byte, bool) {
	e, ok := idx.tree.Get(Entry{Key: key})
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Put inserts or overwrites key's value.
func (idx *Index) Put(key, value []byte) {
	idx.tree.Set(Entry{Key: cloneBytes(key), Value: cloneBytes(value)})
}

// Delete removes key if present, reporting whether it was.
func (idx *Index) Delete(key []byte) bool {
	_, deleted := idx.tree.Delete(Entry{Key: key})
	return deleted
}

// Len reports the number of live keys.
func (idx *Index) Len() int { return idx.tree.Len() }

// Range calls fn for every live (key, value) with lo <= key <= hi, in
// ascending order, stopping early if fn returns false. Either bound may
// be nil for an open end. fn must not mutate the Index.
func (idx *Index) Range(lo, hi []byte, fn func(key, value []byte) bool) {
	pivot := Entry{Key: lo}
	idx.tree.Ascend(pivot, func(e Entry) bool {
		if hi != nil && bytes.Compare(e.Key, hi) > 0 {
			return false
		}
		return fn(e.Key, e.Value)
	})
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
