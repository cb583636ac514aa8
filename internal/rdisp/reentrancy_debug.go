// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

//go:build debug

package rdisp

// reentrancyGuard asserts that CompleteTxn never re-enters itself. It is
// compiled in only under the "debug" build tag so production callers pay
// nothing for a check that only matters for catching a programmer error in
// tests, per spec.md §4.3's "complete_txn is only safe to call from the
// same cooperative thread" contract.
type reentrancyGuard struct {
	active bool
}

func (g *reentrancyGuard) enter() func() {
	if g.active {
		panic("rdisp: reentrant call into CompleteTxn")
	}
	g.active = true
	return func() { g.active = false }
}
