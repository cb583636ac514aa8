// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package rdisp

import lru "github.com/hashicorp/golang-lru/v2"

// accountRecord is the per-account control block of spec.md §4.3.2. Unlike
// the C source, the sibling ring never doubles a terminal edge as the
// account backpointer (design notes §9 call that "cute but fragile"); each
// edge slot instead carries its account id explicitly (see edgeSlot.account
// in block.go), so accountRecord itself holds no edges, only the current
// generation's representative.
type accountRecord struct {
	lastRef    edge // representative edge of the current access generation
	lastWasWrite bool
	anyWriters bool
	refCount   int
	emaRefs    float64
}

const emaAlpha = 1.0 / 8

// nextEMA advances an account's reference-count EMA by one observation.
// Called from addAccess (rdisp.go) once per touch, with refsThisBlock=1:
// the account table is shared across the whole Dispatcher rather than
// scoped per block (design notes §9), so the smoothing runs continuously
// per access instead of batched at block boundaries.
func nextEMA(prev float64, refsThisBlock int) float64 {
	return prev*(1-emaAlpha) + float64(refsThisBlock)*emaAlpha
}

// accountTable owns every live accountRecord plus the recycle cache that
// preserves EMAs across an account's live/dead cycles.
type accountTable struct {
	live    map[AccountID]*accountRecord
	retired *lru.Cache[AccountID, float64]
}

func newAccountTable(depth int) *accountTable {
	cache, err := lru.New[AccountID, float64](depth)
	if err != nil {
		panic(err)
	}
	return &accountTable{
		live:    make(map[AccountID]*accountRecord),
		retired: cache,
	}
}

func (t *accountTable) getOrCreate(id AccountID) (*accountRecord, bool) {
	if r, ok := t.live[id]; ok {
		return r, false
	}
	ema := 0.0
	if v, ok := t.retired.Get(id); ok {
		ema = v
	}
	r := &accountRecord{emaRefs: ema}
	t.live[id] = r
	return r, true
}

// release decrements the account's live reference count; at zero the
// record is retired, preserving its EMA in the recycle cache.
func (t *accountTable) release(id AccountID) {
	r, ok := t.live[id]
	if !ok {
		return
	}
	r.refCount--
	if r.refCount <= 0 {
		delete(t.live, id)
		t.retired.Add(id, r.emaRefs)
	}
}
