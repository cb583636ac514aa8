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

// Package xmath holds small arithmetic helpers shared by rdisp and livetable:
// overflow-checked counters and wrap-safe modular comparison.
package xmath

import "math/bits"

// SafeAdd returns x+y and whether the addition overflowed.
func SafeAdd(x, y uint32) (uint32, bool) {
	sum, carryOut := bits.Add32(x, y, 0)
	return sum, carryOut != 0
}

// SlotSpanBits is the width of RDISP's compressed slot index: a block span
// of at most 2^SlotSpanBits is assumed by the wrap-safe comparison below.
const SlotSpanBits = 9
const slotSpanMod = 1 << SlotSpanBits
const slotSpanHalf = slotSpanMod / 2

// WrapLess reports whether a is ordered before b in a ring of size
// 2^SlotSpanBits, i.e. the signed distance from b to a (mod 2^SlotSpanBits)
// is negative. Used to compare RDISP's compressedSlotIdx across a block span
// that may itself have wrapped the counter.
func WrapLess(a, b uint16) bool {
	d := (uint32(a) - uint32(b)) & (slotSpanMod - 1)
	return d >= slotSpanHalf
}
