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

// Package reasm links partial block fragments ("FEC sets") into a forest
// by chained Merkle root, emitting fragments in causal order as soon as
// their ancestry back to the tree root is complete.
//
// The forest is a fixed-capacity arena of dense uint32 indices (never
// native pointers, per design notes on portability) partitioned into four
// keyed sets: ancestry, frontier, orphaned and subtree-roots. Every
// descriptor belongs to exactly one of the four.
package reasm

import (
	"fmt"

	"lukechampine.com/blake3"
)

// MerkleRoot identifies a FEC set and is the key of all four sets.
type MerkleRoot [32]byte

// HashMerkleRoot derives a FEC set's merkle root from its shred payloads by
// hashing them with BLAKE3, the primitive the wider snapshot/shred pipeline
// uses for content-addressed keys. Callers assemble the root before calling
// Insert; Reasm itself never hashes, only links already-keyed descriptors.
func HashMerkleRoot(shredPayloads ...[]byte) MerkleRoot {
	h := blake3.New(32, nil)
	for _, p := range shredPayloads {
		h.Write(p)
	}
	var out MerkleRoot
	copy(out[:], h.Sum(nil))
	return out
}

// Set names which of the four partitions a descriptor currently belongs to.
type Set uint8

const (
	SetNone Set = iota
	Ancestry
	Frontier
	Orphaned
	SubtreeRoot
)

func (s Set) String() string {
	switch s {
	case Ancestry:
		return "ancestry"
	case Frontier:
		return "frontier"
	case Orphaned:
		return "orphaned"
	case SubtreeRoot:
		return "subtree-root"
	default:
		return "none"
	}
}

const nullIdx = ^uint32(0)

type fecDescriptor struct {
	key, cmr                MerkleRoot
	slot                    uint64
	fecSetIdx               uint32
	parentOff               uint16
	dataCnt                 uint16
	dataComplete            bool
	slotComplete            bool
	parent, child, sibling  uint32
	set                     Set
}

// FEC is the public, by-value view of a descriptor returned by Query.
type FEC struct {
	MerkleRoot        MerkleRoot
	ChainedMerkleRoot MerkleRoot
	Slot              uint64
	FecSetIdx         uint32
	ParentOff         uint16
	DataCnt           uint16
	DataComplete      bool
	SlotComplete      bool
	Set               Set
}

func (d *fecDescriptor) view() FEC {
	return FEC{
		MerkleRoot:        d.key,
		ChainedMerkleRoot: d.cmr,
		Slot:              d.slot,
		FecSetIdx:         d.fecSetIdx,
		ParentOff:         d.parentOff,
		DataCnt:           d.dataCnt,
		DataComplete:      d.dataComplete,
		SlotComplete:      d.slotComplete,
		Set:               d.set,
	}
}

// Reasm is the FEC-set reassembly tree.
type Reasm struct {
	pool []fecDescriptor
	used int
	root uint32

	ancestry     map[MerkleRoot]uint32
	frontier     map[MerkleRoot]uint32
	orphaned     map[MerkleRoot]uint32
	subtreeRoots map[MerkleRoot]uint32

	out     []uint32
	outHead int
}

// New allocates a reassembly tree with room for fecMax descriptors.
func New(fecMax int) *Reasm {
	if fecMax < 1 {
		panic("reasm: fecMax must be >= 1")
	}
	return &Reasm{
		pool:         make([]fecDescriptor, fecMax),
		root:         nullIdx,
		ancestry:     make(map[MerkleRoot]uint32),
		frontier:     make(map[MerkleRoot]uint32),
		orphaned:     make(map[MerkleRoot]uint32),
		subtreeRoots: make(map[MerkleRoot]uint32),
	}
}

// Query looks up a descriptor by merkle root, searching ancestry, then
// frontier, then orphaned, then subtree-roots.
func (r *Reasm) Query(merkleRoot MerkleRoot) (FEC, bool) {
	if idx, ok := r.ancestry[merkleRoot]; ok {
		return r.pool[idx].view(), true
	}
	if idx, ok := r.frontier[merkleRoot]; ok {
		return r.pool[idx].view(), true
	}
	if idx, ok := r.orphaned[merkleRoot]; ok {
		return r.pool[idx].view(), true
	}
	if idx, ok := r.subtreeRoots[merkleRoot]; ok {
		return r.pool[idx].view(), true
	}
	return FEC{}, false
}

// Root returns the merkle root of the global tree root, if any insertion
// has happened yet.
func (r *Reasm) Root() (MerkleRoot, bool) {
	if r.root == nullIdx {
		return MerkleRoot{}, false
	}
	return r.pool[r.root].key, true
}

// SetKind reports which of the four partitions merkleRoot currently
// belongs to, if it has been inserted at all.
func (r *Reasm) SetKind(merkleRoot MerkleRoot) (Set, bool) {
	fec, ok := r.Query(merkleRoot)
	if !ok {
		return SetNone, false
	}
	return fec.Set, true
}

func (r *Reasm) link(parentIdx, childIdx uint32) {
	child := &r.pool[childIdx]
	parent := &r.pool[parentIdx]
	child.parent = parentIdx
	if parent.child == nullIdx {
		parent.child = childIdx
		return
	}
	cur := &r.pool[parent.child]
	for cur.sibling != nullIdx {
		cur = &r.pool[cur.sibling]
	}
	cur.sibling = childIdx
}

// Insert registers a new FEC set descriptor and links it into the forest.
// Pool exhaustion and duplicate-key insertion are programmer errors and
// panic, per the component's documented failure semantics: the caller is
// expected to have checked fd_reasm capacity and key uniqueness upstream.
func (r *Reasm) Insert(merkleRoot, chainedMerkleRoot MerkleRoot, slot uint64, fecSetIdx uint32, parentOff uint16, dataCnt uint16, dataComplete, slotComplete bool) FEC {
	if _, ok := r.Query(merkleRoot); ok {
		panic(fmt.Sprintf("reasm: duplicate key %x", merkleRoot))
	}
	if r.used >= len(r.pool) {
		panic("reasm: pool exhausted")
	}

	idx := uint32(r.used)
	r.used++
	d := &r.pool[idx]
	*d = fecDescriptor{
		key: merkleRoot, cmr: chainedMerkleRoot, slot: slot, fecSetIdx: fecSetIdx,
		parentOff: parentOff, dataCnt: dataCnt, dataComplete: dataComplete, slotComplete: slotComplete,
		parent: nullIdx, child: nullIdx, sibling: nullIdx,
	}

	if r.root == nullIdx {
		r.root = idx
		r.frontier[merkleRoot] = idx
		d.set = Frontier
		return d.view()
	}

	var parentIdx = nullIdx
	isLeaf := false
	isRoot := false

	switch {
	case indexExists(r.ancestry, chainedMerkleRoot):
		parentIdx = r.ancestry[chainedMerkleRoot]
		r.frontier[merkleRoot] = idx
		d.set = Frontier
		r.out = append(r.out, idx)
		isLeaf = true
	case indexExists(r.frontier, chainedMerkleRoot):
		parentIdx = r.frontier[chainedMerkleRoot]
		delete(r.frontier, chainedMerkleRoot)
		r.ancestry[chainedMerkleRoot] = parentIdx
		r.pool[parentIdx].set = Ancestry
		r.frontier[merkleRoot] = idx
		d.set = Frontier
		r.out = append(r.out, idx)
		isLeaf = true
	case indexExists(r.orphaned, chainedMerkleRoot):
		parentIdx = r.orphaned[chainedMerkleRoot]
		r.orphaned[merkleRoot] = idx
		d.set = Orphaned
	case indexExists(r.subtreeRoots, chainedMerkleRoot):
		parentIdx = r.subtreeRoots[chainedMerkleRoot]
		r.orphaned[merkleRoot] = idx
		d.set = Orphaned
	default:
		r.subtreeRoots[merkleRoot] = idx
		d.set = SubtreeRoot
		isRoot = true
	}

	if parentIdx != nullIdx {
		r.link(parentIdx, idx)
	}

	// Coalesce orphan subtrees chained directly off this node.
	roots := make([]uint32, 0, len(r.subtreeRoots))
	for _, i := range r.subtreeRoots {
		roots = append(roots, i)
	}
	for _, oi := range roots {
		orphanRoot := &r.pool[oi]
		if orphanRoot.cmr != merkleRoot {
			continue
		}
		r.link(idx, oi)
		if isRoot {
			delete(r.subtreeRoots, orphanRoot.key)
			r.orphaned[orphanRoot.key] = oi
			orphanRoot.set = Orphaned
		}
	}

	// Advance the frontier: BFS from this node if it connected, demoting
	// every visited node with children from frontier to ancestry and
	// promoting its children into the frontier.
	var bfs []uint32
	if isLeaf {
		bfs = append(bfs, idx)
	}
	for len(bfs) > 0 {
		pidx := bfs[0]
		bfs = bfs[1:]
		node := &r.pool[pidx]
		if node.child == nullIdx {
			continue
		}
		delete(r.frontier, node.key)
		r.ancestry[node.key] = pidx
		node.set = Ancestry

		ci := node.child
		for ci != nullIdx {
			child := &r.pool[ci]
			delete(r.subtreeRoots, child.key)
			delete(r.orphaned, child.key)
			r.frontier[child.key] = ci
			child.set = Frontier
			bfs = append(bfs, ci)
			r.out = append(r.out, ci)
			ci = child.sibling
		}
	}

	return d.view()
}

func indexExists(m map[MerkleRoot]uint32, k MerkleRoot) bool {
	_, ok := m[k]
	return ok
}

// TakeNextReady pops the next causally-ready descriptor, if any.
func (r *Reasm) TakeNextReady() (MerkleRoot, bool) {
	if r.outHead >= len(r.out) {
		return MerkleRoot{}, false
	}
	idx := r.out[r.outHead]
	r.outHead++
	return r.pool[idx].key, true
}

// Len reports how many descriptors have been inserted so far.
func (r *Reasm) Len() int { return r.used }
