// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

// Package rdisp builds a per-block DAG of account-conflict dependencies
// over a dense pool of transaction indices and dispatches ready
// transactions to external executors with maximum safe parallelism.
//
// The per-account conflict graph (account.go, block.go's edgeSlot) follows
// spec.md §4.3.2/§4.3.3 with one deliberate deviation from the source: the
// sibling ring never uses a terminal edge as an implicit account
// backpointer (design notes §9 call that "cute but fragile"); each edge
// slot instead carries its account id directly.
package rdisp

import (
	"fmt"

	"github.com/erigontech/erigon-lib/log/v3"
)

// Config fixes the resource bounds of a Dispatcher for its lifetime. The
// transaction pool is preallocated to Depth+1 entries and never grows;
// block, lane, account and per-transaction edge bookkeeping is allocated
// as it is used.
type Config struct {
	Depth           int // max live transactions at once; indices are [1, Depth]
	Lanes           int // M regular concurrency lanes
	MaxAccountEdges int // per-transaction account reference bound
}

// Dispatcher is RDISP: the public surface described in spec.md §4.3.1.
type Dispatcher struct {
	cfg Config

	txns     []txnNode
	freeTxns []txnIndex

	accounts *accountTable

	blocks map[BlockTag]*block
	lanes  [][]BlockTag // lanes[i] is the ordered chain of block tags in lane i

	clock uint64 // ticks compressedSlotIdx assignment

	guard reentrancyGuard
}

// New constructs a Dispatcher. All Config fields must be >= 1; this is a
// programmer error, not a runtime condition, since these are compile-time
// resource bounds in the source this models.
func New(cfg Config) *Dispatcher {
	if cfg.Depth < 1 || cfg.Lanes < 1 || cfg.MaxAccountEdges < 1 {
		panic("rdisp: Depth, Lanes and MaxAccountEdges must all be >= 1")
	}
	d := &Dispatcher{
		cfg:      cfg,
		txns:     make([]txnNode, cfg.Depth+1),
		accounts: newAccountTable(cfg.Depth),
		blocks:   make(map[BlockTag]*block),
		lanes:    make([][]BlockTag, cfg.Lanes),
	}
	d.freeTxns = make([]txnIndex, cfg.Depth)
	for i := range d.freeTxns {
		d.freeTxns[i] = txnIndex(cfg.Depth - i)
	}
	return d
}

// AddBlock registers a new block. laneHint is Unstaged or a lane index in
// [0, Lanes). Returns 0 on success, ErrCapacity or ErrDuplicateTag on
// failure, per spec.md §4.3.1.
func (d *Dispatcher) AddBlock(tag BlockTag, parent BlockTag, hasParent bool, laneHint int) int {
	if _, exists := d.blocks[tag]; exists {
		return ErrDuplicateTag
	}

	lane := laneHint
	if hasParent {
		if pb, ok := d.blocks[parent]; ok {
			lane = pb.lane
		}
	}
	if lane != Unstaged {
		if lane < 0 || lane >= d.cfg.Lanes {
			return ErrCapacity
		}
		if chain := d.lanes[lane]; len(chain) > 0 {
			tail := d.blocks[chain[len(chain)-1]]
			if !(hasParent && tail.tag == parent) {
				return ErrCapacity
			}
		}
	}

	b := newBlock(tag, parent, hasParent, lane)
	d.blocks[tag] = b
	if lane != Unstaged {
		d.lanes[lane] = append(d.lanes[lane], tag)
	}
	return 0
}

// RemoveBlock removes a DONE block with no outstanding transactions.
// Returns false if unknown, not done, or still has outstanding txns.
func (d *Dispatcher) RemoveBlock(tag BlockTag) bool {
	b, ok := d.blocks[tag]
	if !ok || !b.drained() {
		return false
	}
	d.detachFromLane(b)
	delete(d.blocks, tag)
	return true
}

// AbandonBlock marks a block DONE and drops its pending/ready bookkeeping
// immediately; dispatched transactions still free normally via
// CompleteTxn, after which the block is auto-released per spec.md §4.3.5.
func (d *Dispatcher) AbandonBlock(tag BlockTag) bool {
	b, ok := d.blocks[tag]
	if !ok {
		return false
	}
	b.done = true
	for txn := range b.pending {
		d.freeTxn(txn)
	}
	b.pending = make(map[txnIndex]struct{})
	for b.ready.Len() > 0 {
		item, _ := b.ready.Max()
		b.ready.Delete(item)
		d.freeTxn(item.txn)
	}
	d.maybeRelease(b)
	return true
}

// MarkBlockDone flags a block as DONE; pending/ready/dispatched txns still
// drain normally, but no new transaction may be added.
func (d *Dispatcher) MarkBlockDone(tag BlockTag) bool {
	b, ok := d.blocks[tag]
	if !ok {
		return false
	}
	b.done = true
	d.maybeRelease(b)
	return true
}

// PromoteBlock moves a block from Unstaged into regular lane newLane.
func (d *Dispatcher) PromoteBlock(tag BlockTag, newLane int) bool {
	b, ok := d.blocks[tag]
	if !ok || b.lane != Unstaged {
		return false
	}
	if newLane < 0 || newLane >= d.cfg.Lanes {
		return false
	}
	if chain := d.lanes[newLane]; len(chain) > 0 {
		tail := d.blocks[chain[len(chain)-1]]
		if !(b.hasParent && tail.tag == b.parent) {
			return false
		}
	}
	b.lane = newLane
	d.lanes[newLane] = append(d.lanes[newLane], tag)
	return true
}

// DemoteBlock moves an empty block from its lane back to Unstaged.
func (d *Dispatcher) DemoteBlock(tag BlockTag) bool {
	b, ok := d.blocks[tag]
	if !ok || b.lane == Unstaged {
		return false
	}
	if b.outstanding() != 0 {
		return false
	}
	d.detachFromLane(b)
	b.lane = Unstaged
	return true
}

func (d *Dispatcher) detachFromLane(b *block) {
	if b.lane == Unstaged {
		return
	}
	chain := d.lanes[b.lane]
	for i, t := range chain {
		if t == b.tag {
			d.lanes[b.lane] = append(chain[:i], chain[i+1:]...)
			break
		}
	}
}

// maybeRelease drops a block once it is DONE and fully drained, per
// spec.md §4.3.5's "a block is automatically released" invariant.
func (d *Dispatcher) maybeRelease(b *block) {
	if b.drained() {
		d.detachFromLane(b)
		delete(d.blocks, b.tag)
	}
}

func (d *Dispatcher) freeTxn(txn txnIndex) {
	node := &d.txns[txn]
	for _, e := range node.edges {
		d.accounts.release(e.account)
	}
	*node = txnNode{}
	d.freeTxns = append(d.freeTxns, txn)
}

// AddTxn registers a transaction into block tag. baseScore is combined with
// the EMA-smoothed reference count of every account the transaction touches
// (score = baseScore - ema_refs, spec.md §4.3.2/§8) so that transactions on
// hot accounts sink in the ready-set ordering relative to cold ones; each
// touched account's EMA is then advanced via nextEMA. Returns 0 on capacity
// exhaustion, unknown tag, or a DONE block; otherwise the nonzero index.
func (d *Dispatcher) AddTxn(tag BlockTag, accounts []AccountID, writes []bool, baseScore float64, serializing bool) txnIndex {
	b, ok := d.blocks[tag]
	if !ok || b.done {
		return noTxn
	}
	if len(d.freeTxns) == 0 {
		return noTxn
	}
	if len(accounts) > d.cfg.MaxAccountEdges {
		panic(fmt.Sprintf("rdisp: transaction touches %d accounts, exceeds MaxAccountEdges=%d", len(accounts), d.cfg.MaxAccountEdges))
	}

	idx := d.freeTxns[len(d.freeTxns)-1]
	d.freeTxns = d.freeTxns[:len(d.freeTxns)-1]
	d.clock++

	node := &d.txns[idx]
	*node = txnNode{
		state:             statePending,
		block:             tag,
		compressedSlotIdx: uint16(d.clock),
	}

	score := baseScore
	for i, acct := range accounts {
		isWrite := writes[i]
		score -= d.addAccess(idx, acct, isWrite)
	}
	node.score = score

	if serializing {
		node.inDegree += b.outstanding()
		b.serializing = idx
		b.serializingWaiters = nil
	} else if b.serializing != noTxn {
		node.inDegree++
		b.serializingWaiters = append(b.serializingWaiters, idx)
	}

	b.pending[idx] = struct{}{}
	d.settle(idx)
	return idx
}

// addAccess implements the per-account conflict table of spec.md §4.3.2 and
// returns acct's ema_refs as observed just before this touch, for AddTxn to
// subtract from baseScore. The account's EMA is then advanced by one
// reference via nextEMA.
func (d *Dispatcher) addAccess(txn txnIndex, acct AccountID, isWrite bool) float64 {
	rec, created := d.accounts.getOrCreate(acct)
	emaRefs := rec.emaRefs
	rec.emaRefs = nextEMA(rec.emaRefs, 1)
	rec.refCount++
	node := &d.txns[txn]

	slotIdx := len(node.edges)
	node.edges = append(node.edges, edgeSlot{account: acct, isWrite: isWrite, successor: nullEdge})
	newEdge := txnEdge(txn, uint8(slotIdx))
	node.edges[slotIdx].sibling = newEdge // singleton ring until joined

	if created {
		rec.lastRef = newEdge
		rec.lastWasWrite = isWrite
		rec.anyWriters = isWrite
		return emaRefs
	}

	switch {
	case !rec.anyWriters && !isWrite:
		// Clean reader ring, another reader: join it, no dependency.
		d.joinRing(rec.lastRef, newEdge)
		rec.lastRef = newEdge
	case !rec.anyWriters && isWrite:
		// Writer closes the clean reader ring: depends on every reader in it.
		n := d.closeRingOnto(rec.lastRef, newEdge)
		node.inDegree += n
		rec.lastRef = newEdge
		rec.lastWasWrite = true
		rec.anyWriters = true
	case rec.anyWriters && rec.lastWasWrite && !isWrite:
		// First reader after a writer: depends directly on that writer.
		d.setSuccessor(rec.lastRef, newEdge)
		node.inDegree++
		rec.lastRef = newEdge
		rec.lastWasWrite = false
	case rec.anyWriters && rec.lastWasWrite && isWrite:
		// Writer after a writer: depends directly on the previous one.
		d.setSuccessor(rec.lastRef, newEdge)
		node.inDegree++
		rec.lastRef = newEdge
		rec.lastWasWrite = true
	case rec.anyWriters && !rec.lastWasWrite && !isWrite:
		// Reader joins a growing post-writer reader generation; it still
		// depends on the upstream writer, resolved when that writer's
		// completion walks this ring.
		d.joinRing(rec.lastRef, newEdge)
		node.inDegree++
		rec.lastRef = newEdge
	default:
		// anyWriters && !lastWasWrite && isWrite: writer closes the
		// growing post-writer reader generation, depending on all of it.
		n := d.closeRingOnto(rec.lastRef, newEdge)
		node.inDegree += n
		rec.lastRef = newEdge
		rec.lastWasWrite = true
	}
	return emaRefs
}

func (d *Dispatcher) edgeSlotOf(e edge) *edgeSlot {
	return &d.txns[e.txnIdx()].edges[e.slot()]
}

// joinRing inserts newE into the circular sibling ring that head belongs to.
func (d *Dispatcher) joinRing(head, newE edge) {
	h := d.edgeSlotOf(head)
	n := d.edgeSlotOf(newE)
	n.sibling = h.sibling
	h.sibling = newE
}

// closeRingOnto sets every member of head's ring to depend on newE (used
// when a writer arrives after reads) and returns the ring size.
func (d *Dispatcher) closeRingOnto(head, newE edge) int {
	n := 0
	cur := head
	for {
		d.edgeSlotOf(cur).successor = newE
		cur = d.edgeSlotOf(cur).sibling
		n++
		if cur == head {
			break
		}
	}
	return n
}

func (d *Dispatcher) setSuccessor(target, newE edge) {
	d.edgeSlotOf(target).successor = newE
}

// settle transitions txn from PENDING to READY if its in-degree is zero.
// It resolves txn's own block rather than trusting a caller-supplied one,
// since a ring being decremented may span transactions from different
// blocks (the account table is shared across the whole Dispatcher).
func (d *Dispatcher) settle(txn txnIndex) {
	node := &d.txns[txn]
	if node.state != statePending || node.inDegree != 0 {
		return
	}
	b := d.blocks[node.block]
	delete(b.pending, txn)
	node.state = stateReady
	b.ready.Set(readyItem{txn: txn, score: node.score, compressedSlotIdx: node.compressedSlotIdx})
}

// GetNextReady returns a READY transaction from the block's head-of-lane
// ready set, preferring the highest score, transitioning it to DISPATCHED.
func (d *Dispatcher) GetNextReady(tag BlockTag) txnIndex {
	b, ok := d.blocks[tag]
	if !ok {
		return noTxn
	}
	if b.lane == Unstaged {
		return noTxn
	}
	chain := d.lanes[b.lane]
	if len(chain) == 0 || chain[0] != tag {
		return noTxn
	}
	if b.ready.Len() == 0 {
		return noTxn
	}
	item, _ := b.ready.Max()
	b.ready.Delete(item)
	node := &d.txns[item.txn]
	node.state = stateDispatched
	b.dispatched[item.txn] = struct{}{}
	return item.txn
}

// CompleteTxn moves txn from DISPATCHED to FREE, decrementing in-degrees on
// its dependents and possibly promoting them PENDING->READY. Only the
// cooperative thread driving this Dispatcher may call it; builds tagged
// "debug" assert that no call re-enters while another is in flight.
func (d *Dispatcher) CompleteTxn(txn txnIndex) {
	defer d.guard.enter()()

	if txn == noTxn || int(txn) >= len(d.txns) {
		return
	}
	node := &d.txns[txn]
	if node.state != stateDispatched {
		log.Warn("rdisp: complete_txn on transaction not in DISPATCHED state", "txn", txn, "state", node.state)
		return
	}

	b := d.blocks[node.block]
	delete(b.dispatched, txn)

	for _, e := range node.edges {
		if e.successor == nullEdge {
			continue
		}
		d.decrementRing(e.successor)
	}

	if b.serializing == txn {
		for _, w := range b.serializingWaiters {
			d.decrementAndSettle(w)
		}
		b.serializing = noTxn
		b.serializingWaiters = nil
	}

	d.freeTxn(txn)
	d.maybeRelease(b)
}

// decrementRing decrements the in-degree of head's owner and every sibling
// in its ring, settling each that reaches zero.
func (d *Dispatcher) decrementRing(head edge) {
	cur := head
	for {
		d.decrementAndSettle(cur.txnIdx())
		next := d.edgeSlotOf(cur).sibling
		if next == head {
			break
		}
		cur = next
	}
}

func (d *Dispatcher) decrementAndSettle(txn txnIndex) {
	node := &d.txns[txn]
	node.inDegree--
	d.settle(txn)
}

// LaneInfo reports which regular lanes are occupied and their head/tail
// block tags, per spec.md §4.3.1's staging_lane_info.
type LaneInfo struct {
	Occupied uint32
	Heads    []BlockTag
	Tails    []BlockTag
}

// StagingLaneInfo returns the current lane occupancy.
func (d *Dispatcher) StagingLaneInfo() LaneInfo {
	info := LaneInfo{Heads: make([]BlockTag, d.cfg.Lanes), Tails: make([]BlockTag, d.cfg.Lanes)}
	for i, chain := range d.lanes {
		if len(chain) == 0 {
			continue
		}
		info.Occupied |= 1 << uint(i)
		info.Heads[i] = chain[0]
		info.Tails[i] = chain[len(chain)-1]
	}
	return info
}

// Counts reports the FREE/PENDING+READY+DISPATCHED partition size, used by
// tests to check the invariant that it always sums to Depth.
func (d *Dispatcher) Counts() (free, pending, ready, dispatched int) {
	free = len(d.freeTxns)
	for _, b := range d.blocks {
		pending += len(b.pending)
		ready += b.ready.Len()
		dispatched += len(b.dispatched)
	}
	return
}
