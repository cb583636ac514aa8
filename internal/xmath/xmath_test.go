// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package xmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeAdd(t *testing.T) {
	sum, overflow := SafeAdd(2, 3)
	require.Equal(t, uint32(5), sum)
	require.False(t, overflow)

	_, overflow = SafeAdd(math.MaxUint32, 1)
	require.True(t, overflow)
}

func TestWrapLess(t *testing.T) {
	require.True(t, WrapLess(1, 2))
	require.False(t, WrapLess(2, 1))

	// Near the wrap point of the 2^SlotSpanBits ring, the last index before
	// the wrap precedes the counter's next value (0 after wrapping).
	require.True(t, WrapLess(slotSpanMod-1, 0))
	require.False(t, WrapLess(0, slotSpanMod-1))
}
