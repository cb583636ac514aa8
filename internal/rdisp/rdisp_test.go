// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package rdisp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func acct(b byte) AccountID {
	var a AccountID
	a[0] = b
	return a
}

func newTestDispatcher(depth, lanes int) *Dispatcher {
	return New(Config{Depth: depth, Lanes: lanes, MaxAccountEdges: 8})
}

// TestSerialChain mirrors spec.md §8 scenario 2: three transactions
// writing "ABC"/"A"/"AF" in the same block must come out of
// get_next_ready strictly in insertion order, with READY empty between
// each until the previous is completed.
func TestSerialChain(t *testing.T) {
	d := newTestDispatcher(8, 2)
	require.Equal(t, 0, d.AddBlock(1, 0, false, 0))

	A, B, C, F := acct('A'), acct('B'), acct('C'), acct('F')

	t1 := d.AddTxn(1, []AccountID{A, B, C}, []bool{true, true, true}, 0, false)
	require.NotZero(t, t1)
	t2 := d.AddTxn(1, []AccountID{A}, []bool{true}, 0, false)
	require.NotZero(t, t2)
	t3 := d.AddTxn(1, []AccountID{A, F}, []bool{true, true}, 0, false)
	require.NotZero(t, t3)

	got := d.GetNextReady(1)
	require.Equal(t, t1, got)
	require.Zero(t, d.GetNextReady(1), "t2/t3 must stay PENDING until t1 completes")

	d.CompleteTxn(t1)
	got = d.GetNextReady(1)
	require.Equal(t, t2, got)
	require.Zero(t, d.GetNextReady(1))

	d.CompleteTxn(t2)
	got = d.GetNextReady(1)
	require.Equal(t, t3, got)

	d.CompleteTxn(t3)
	require.Zero(t, d.GetNextReady(1))
}

// TestIndependentSet mirrors spec.md §8 scenario 3: three transactions
// writing disjoint accounts are all immediately READY.
func TestIndependentSet(t *testing.T) {
	d := newTestDispatcher(8, 2)
	require.Equal(t, 0, d.AddBlock(1, 0, false, 0))

	A, B, C := acct('A'), acct('B'), acct('C')
	t1 := d.AddTxn(1, []AccountID{A}, []bool{true}, 0, false)
	t2 := d.AddTxn(1, []AccountID{B}, []bool{true}, 0, false)
	t3 := d.AddTxn(1, []AccountID{C}, []bool{true}, 0, false)

	seen := map[txnIndex]bool{}
	for i := 0; i < 3; i++ {
		got := d.GetNextReady(1)
		require.NotZero(t, got)
		seen[got] = true
	}
	require.True(t, seen[t1] && seen[t2] && seen[t3])
	require.Zero(t, d.GetNextReady(1))
}

// TestScoreReflectsAccountEMA exercises the decided RDISP score function of
// SPEC_FULL.md §9: score = baseScore - ema_refs, with ema_refs advanced by
// nextEMA on every touch. A transaction touching an account for the first
// time pays no penalty; a later transaction touching the same (by then
// retired-and-recycled) account is penalized by its recycled EMA.
func TestScoreReflectsAccountEMA(t *testing.T) {
	d := newTestDispatcher(8, 1)
	require.Equal(t, 0, d.AddBlock(1, 0, false, 0))
	A := acct('A')

	t1 := d.AddTxn(1, []AccountID{A}, []bool{true}, 10, false)
	require.Equal(t, 10.0, d.txns[t1].score, "first touch: ema_refs starts at zero")

	require.Equal(t, t1, d.GetNextReady(1))
	d.CompleteTxn(t1)

	wantEMA := nextEMA(0, 1)
	cached, ok := d.accounts.retired.Get(A)
	require.True(t, ok, "account retires into the recycle cache once its last reference drops")
	require.InDelta(t, wantEMA, cached, 1e-9)

	require.Equal(t, 0, d.AddBlock(2, 1, true, 0))
	t2 := d.AddTxn(2, []AccountID{A}, []bool{true}, 10, false)
	require.InDelta(t, 10-wantEMA, d.txns[t2].score, 1e-9, "second touch is penalized by the recycled EMA")
}

// TestLaneStaging mirrors spec.md §8 scenario 4.
func TestLaneStaging(t *testing.T) {
	d := newTestDispatcher(8, 4)
	require.Equal(t, 0, d.AddBlock(0, 0, false, 0))
	require.Equal(t, 0, d.AddBlock(1, 0, false, Unstaged))
	require.Equal(t, 0, d.AddBlock(2, 0, false, 2))

	info := d.StagingLaneInfo()
	require.Equal(t, uint32(0b0101), info.Occupied)

	require.True(t, d.PromoteBlock(1, 0) == false, "lane 0 already occupied by an unrelated block")
}

// TestPromoteIntoFreeLane checks the success path of promote_block.
func TestPromoteIntoFreeLane(t *testing.T) {
	d := newTestDispatcher(8, 4)
	require.Equal(t, 0, d.AddBlock(1, 0, false, Unstaged))
	require.True(t, d.PromoteBlock(1, 1))

	info := d.StagingLaneInfo()
	require.Equal(t, uint32(0b0010), info.Occupied)
	require.Equal(t, BlockTag(1), info.Heads[1])
}

// TestDepthInvariant checks FREE + PENDING + READY + DISPATCHED == depth
// across randomized add/complete sequences.
func TestDepthInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		const depth = 24
		d := newTestDispatcher(depth, 2)
		require.Equal(t, 0, d.AddBlock(1, 0, false, 0))

		var live []txnIndex
		accountPool := []AccountID{acct('A'), acct('B'), acct('C'), acct('D')}

		steps := rapid.IntRange(1, 80).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(rt, "dispatchOrComplete") {
				idx := rapid.IntRange(0, len(live)-1).Draw(rt, "which")
				txn := live[idx]
				if d.txns[txn].state == stateReady {
					d.GetNextReady(1)
				}
				if d.txns[txn].state == stateDispatched {
					d.CompleteTxn(txn)
					live = append(live[:idx], live[idx+1:]...)
				}
			} else {
				n := rapid.IntRange(1, 2).Draw(rt, "naccts")
				accs := make([]AccountID, n)
				writes := make([]bool, n)
				for j := 0; j < n; j++ {
					accs[j] = accountPool[rapid.IntRange(0, len(accountPool)-1).Draw(rt, "acct")]
					writes[j] = rapid.Bool().Draw(rt, "write")
				}
				txn := d.AddTxn(1, accs, writes, 0, false)
				if txn != noTxn {
					live = append(live, txn)
				}
			}

			free, pending, ready, dispatched := d.Counts()
			require.Equal(t, depth, free+pending+ready+dispatched)
		}
	})
}
