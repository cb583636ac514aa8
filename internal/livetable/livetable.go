// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package livetable is a fixed-capacity row store keyed by a primary
// column, maintaining up to K materialized sort orders with LRU
// replacement of sort keys. It backs monitoring/GUI surfaces that need a
// bounded number of simultaneously-live sort views over the same rows
// (e.g. a table sortable by several columns in a UI, without re-sorting
// from scratch on every click).
//
// Each active sort key owns its own ordered tree (github.com/tidwall/btree)
// built from a comparator closure, rather than threading a single tree
// implementation through an ambient "current sort key" global — see
// DESIGN.md for why that technique, used by the C source this was
// distilled from, was dropped.
package livetable

import (
	"fmt"
	"iter"

	"github.com/erigontech/valcore/internal/xmath"
	"github.com/tidwall/btree"
)

// Direction is the ordering direction of one column within a SortKey.
type Direction int8

const (
	Unsorted Direction = iota
	Ascending
	Descending
)

// ColumnSort pins one column to a direction within a SortKey.
type ColumnSort struct {
	Column int
	Dir    Direction
}

// SortKey is a fixed-length (== column count) ordering specification.
// Columns with Dir == Unsorted are ignored when comparing rows; the first
// non-Unsorted column is the primary ordering, the next is the tie-break,
// and so on. Two SortKeys are considered the same sort order iff their
// non-Unsorted entries are equal in both column and direction, in order.
type SortKey []ColumnSort

func (k SortKey) normalize() string {
	s := ""
	for _, c := range k {
		if c.Dir == Unsorted {
			continue
		}
		s += fmt.Sprintf("%d:%d,", c.Column, c.Dir)
	}
	return s
}

// RowRef is a handle to a stored row: a pool slot plus a generation
// counter. A RowRef taken before a Remove/re-Upsert of the same primary
// key is detectably stale because the generation no longer matches.
type RowRef struct {
	idx uint32
	gen uint32
}

func (r RowRef) Valid() bool { return r.gen != 0 }

type slot[R any] struct {
	row  R
	gen  uint32
	used bool
}

type sortSlot[R any] struct {
	key           SortKey
	active        bool
	tree          *btree.BTreeG[uint32]
	activityTimer uint32
}

// CompareColumn compares column `col` of a and b, returning <0, 0 or >0.
// The table never interprets column contents itself; callers supply this.
type CompareColumn[R any] func(a, b R, col int) int

// PrimaryKey extracts the identity of a row.
type PrimaryKey[K comparable, R any] func(row R) K

// Table is a fixed-capacity, multi-sort-order row store.
type Table[K comparable, R any] struct {
	capacity int
	columns  int
	maxSorts int

	compareColumn CompareColumn[R]
	primaryKey    PrimaryKey[K, R]

	pool    []slot[R]
	free    []uint32
	byKey   map[K]uint32
	sorts   []sortSlot[R]
	clock   uint32
}

// Config configures a Table.
type Config[K comparable, R any] struct {
	Capacity      int
	Columns       int
	MaxSortKeys   int
	CompareColumn CompareColumn[R]
	PrimaryKey    PrimaryKey[K, R]
}

// New constructs a table. Capacity and MaxSortKeys must be >= 1: both are
// compile-time-fixed resource bounds in the source this models, so an
// invalid value here is a programmer error, not a runtime condition.
func New[K comparable, R any](cfg Config[K, R]) *Table[K, R] {
	if cfg.Capacity < 1 {
		panic("livetable: capacity must be >= 1")
	}
	if cfg.MaxSortKeys < 1 {
		panic("livetable: max sort keys must be >= 1")
	}
	if cfg.CompareColumn == nil || cfg.PrimaryKey == nil {
		panic("livetable: CompareColumn and PrimaryKey are required")
	}
	t := &Table[K, R]{
		capacity:      cfg.Capacity,
		columns:       cfg.Columns,
		maxSorts:      cfg.MaxSortKeys,
		compareColumn: cfg.CompareColumn,
		primaryKey:    cfg.PrimaryKey,
		pool:          make([]slot[R], cfg.Capacity),
		byKey:         make(map[K]uint32, cfg.Capacity),
		sorts:         make([]sortSlot[R], cfg.MaxSortKeys),
	}
	t.free = make([]uint32, cfg.Capacity)
	for i := range t.free {
		t.free[i] = uint32(cfg.Capacity - 1 - i)
	}
	return t
}

// tick advances the activity clock used for LRU-of-sort-key eviction,
// panicking on overflow: like every other resource bound in this package,
// clock exhaustion is a programmer/deployment error, not a condition to
// degrade gracefully under.
func (t *Table[K, R]) tick() uint32 {
	next, overflow := xmath.SafeAdd(t.clock, 1)
	if overflow {
		panic("livetable: activity clock overflowed")
	}
	t.clock = next
	return t.clock
}

// rowLess is the total order backing every sort key's tree: the sort key's
// pinned columns first, then the pool index as a final tie-break so that
// distinct rows never compare equal (duplicate-equal items would collapse
// in the tree).
func (t *Table[K, R]) rowLess(key SortKey, a, b uint32) bool {
	ra, rb := t.pool[a].row, t.pool[b].row
	for _, c := range key {
		if c.Dir == Unsorted {
			continue
		}
		cmp := t.compareColumn(ra, rb, c.Column)
		if c.Dir == Descending {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp < 0
		}
	}
	return a < b
}

// Upsert inserts a new row or replaces the row with the same primary key,
// refreshing it in every active sort order.
func (t *Table[K, R]) Upsert(row R) (RowRef, error) {
	pk := t.primaryKey(row)
	if idx, ok := t.byKey[pk]; ok {
		t.removeFromTrees(idx)
		t.pool[idx].row = row
		t.insertIntoTrees(idx)
		return RowRef{idx: idx, gen: t.pool[idx].gen}, nil
	}
	if len(t.free) == 0 {
		return RowRef{}, fmt.Errorf("livetable: capacity %d exhausted", t.capacity)
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.pool[idx].row = row
	t.pool[idx].gen++
	t.pool[idx].used = true
	t.byKey[pk] = idx
	t.insertIntoTrees(idx)
	return RowRef{idx: idx, gen: t.pool[idx].gen}, nil
}

// Remove deletes the row with the given primary key. Removing an unknown
// key is a no-op.
func (t *Table[K, R]) Remove(key K) {
	idx, ok := t.byKey[key]
	if !ok {
		return
	}
	t.removeFromTrees(idx)
	delete(t.byKey, key)
	t.pool[idx].used = false
	t.free = append(t.free, idx)
}

func (t *Table[K, R]) removeFromTrees(idx uint32) {
	for i := range t.sorts {
		s := &t.sorts[i]
		if !s.active {
			continue
		}
		s.tree.Delete(idx)
	}
}

func (t *Table[K, R]) insertIntoTrees(idx uint32) {
	now := t.tick()
	for i := range t.sorts {
		s := &t.sorts[i]
		if !s.active {
			continue
		}
		s.tree.Set(idx)
		s.activityTimer = now
	}
}

// DropSortKey evicts the named sort key immediately, if active. It is a
// no-op if the key is not currently materialized.
func (t *Table[K, R]) DropSortKey(key SortKey) {
	norm := key.normalize()
	for i := range t.sorts {
		if t.sorts[i].active && t.sorts[i].key.normalize() == norm {
			t.sorts[i] = sortSlot[R]{}
			return
		}
	}
}

// acquireSort returns the slot index backing `key`, creating or evicting
// one per the LRU-of-activity-timer policy described in spec.md §4.1.
func (t *Table[K, R]) acquireSort(key SortKey) int {
	norm := key.normalize()
	for i := range t.sorts {
		if t.sorts[i].active && t.sorts[i].key.normalize() == norm {
			return i
		}
	}

	freeSlot := -1
	for i := range t.sorts {
		if !t.sorts[i].active {
			freeSlot = i
			break
		}
	}
	if freeSlot == -1 {
		freeSlot = t.oldestSlot()
	}

	s := &t.sorts[freeSlot]
	*s = sortSlot[R]{key: key, active: true}
	less := func(a, b uint32) bool { return t.rowLess(key, a, b) }
	s.tree = btree.NewBTreeG[uint32](less)
	for idx := range t.pool {
		if t.pool[idx].used {
			s.tree.Set(uint32(idx))
		}
	}
	s.activityTimer = t.tick()
	return freeSlot
}

// oldestSlot finds the slot with the smallest activity timer, breaking
// ties by lowest slot index (both active slots are assumed, since this is
// only called when no free slot exists).
func (t *Table[K, R]) oldestSlot() int {
	best := 0
	for i := 1; i < len(t.sorts); i++ {
		if t.sorts[i].activityTimer < t.sorts[best].activityTimer {
			best = i
		}
	}
	return best
}

// Ascend returns an iterator over rows ordered by key, creating or
// evicting a materialized sort order as needed.
func (t *Table[K, R]) Ascend(key SortKey) iter.Seq[R] {
	i := t.acquireSort(key)
	s := &t.sorts[i]
	s.activityTimer = t.tick()
	return func(yield func(R) bool) {
		s.tree.Scan(func(idx uint32) bool {
			return yield(t.pool[idx].row)
		})
	}
}

// Len returns the number of currently-stored rows.
func (t *Table[K, R]) Len() int { return len(t.byKey) }

// Get returns the row for a primary key, if present.
func (t *Table[K, R]) Get(key K) (R, bool) {
	var zero R
	idx, ok := t.byKey[key]
	if !ok {
		return zero, false
	}
	return t.pool[idx].row, true
}
