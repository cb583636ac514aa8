// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package rdisp

import (
	"github.com/tidwall/btree"

	"github.com/erigontech/valcore/internal/xmath"
)

// edgeSlot is one per-account reference held by a transaction. It replaces
// the source's "terminal edge doubles as account backpointer" trick
// (flagged fragile in design notes §9) with an explicit account field.
type edgeSlot struct {
	account   AccountID
	isWrite   bool
	sibling   edge // circular ring of co-referencers of the same generation
	successor edge // edge whose owner's in-degree this slot decrements, or nullEdge
}

// readyItem orders a READY transaction in a block's ready-set by
// (score, compressedSlotIdx), the latter compared wrap-safe mod 2^9 per
// spec.md §4.3.7.
type readyItem struct {
	txn               txnIndex
	score             float64
	compressedSlotIdx uint16
}

// txnNode is the dense per-index transaction record.
type txnNode struct {
	state             txnState
	block             BlockTag
	inDegree          int
	score             float64
	compressedSlotIdx uint16
	payload           any
	edges             []edgeSlot
}

// block is one block's scheduling state: its place in the linear forest of
// blocks, its staging lane (or Unstaged), and its transaction pools.
type block struct {
	tag       BlockTag
	hasParent bool
	parent    BlockTag
	lane      int // Unstaged, or a regular lane index in [0, M)

	done bool

	pending    map[txnIndex]struct{}
	ready      *btree.BTreeG[readyItem]
	dispatched map[txnIndex]struct{}

	serializing        txnIndex
	serializingWaiters []txnIndex
}

func newBlock(tag BlockTag, parent BlockTag, hasParent bool, lane int) *block {
	return &block{
		tag:        tag,
		parent:     parent,
		hasParent:  hasParent,
		lane:       lane,
		pending:    make(map[txnIndex]struct{}),
		ready:      btree.NewBTreeG[readyItem](readyLess),
		dispatched: make(map[txnIndex]struct{}),
	}
}

func readyLess(a, b readyItem) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	if a.compressedSlotIdx != b.compressedSlotIdx {
		return xmath.WrapLess(a.compressedSlotIdx, b.compressedSlotIdx)
	}
	return a.txn < b.txn
}

// outstanding reports how many transactions of this block have not yet
// completed (PENDING + READY + DISPATCHED).
func (b *block) outstanding() int {
	return len(b.pending) + b.ready.Len() + len(b.dispatched)
}

func (b *block) drained() bool {
	return b.done && b.outstanding() == 0
}
