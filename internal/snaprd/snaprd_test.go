// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package snaprd

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPeer(t *testing.T, last byte) Peer {
	t.Helper()
	addr := netip.AddrFrom4([4]byte{127, 0, 0, last})
	return Peer{Addr: addr, Port: 8080, BaseURL: fmt.Sprintf("http://127.0.0.%d:8080/full", last)}
}

// TestHappyPathNoIncremental mirrors spec.md §8 scenario 5: with no local
// snapshot available, SNAPRD waits for a peer, collects for its window,
// streams a full snapshot over HTTP, and shuts down once every consumer
// has acked and no incremental round is requested.
func TestHappyPathNoIncremental(t *testing.T) {
	c := NewController(Config{NConsumers: 2, CollectingPeersWindow: 10 * time.Millisecond}, t.TempDir()+"/full.seg")
	require.Equal(t, StateWaitingForPeers, c.State())

	now := time.Unix(1000, 0)
	c.OnPeerDiscovered(testPeer(t, 7), now)
	require.Equal(t, StateCollectingPeers, c.State())

	c.Tick(now) // before the deadline: no-op
	require.Equal(t, StateCollectingPeers, c.State())

	c.Tick(now.Add(time.Second))
	require.Equal(t, StateReadingFullURLHTTP, c.State())

	c.ResolvedURL("http://127.0.0.7:8080/full/obj")
	require.Equal(t, StateReadingFullHTTP, c.State())

	ems := c.FeedData([]byte("snapshot-bytes"))
	require.Len(t, ems, 1)
	require.True(t, ems[0].IsData)

	ems = c.EndOfPhase()
	require.Equal(t, []Emission{{Control: CtrlEOFFull}}, ems)
	require.Equal(t, StateFlushingFullHTTP, c.State())

	require.Nil(t, c.OnAck())
	require.Equal(t, StateFlushingFullHTTP, c.State(), "only one of two consumers acked")

	ems = c.OnAck()
	require.Equal(t, []Emission{{Control: CtrlShutdown}}, ems)
	require.Equal(t, StateShutdown, c.State())
}

// TestMalformedResetReturnsToCollecting mirrors spec.md §8 scenario 6: a
// MALFORMED report while reading a full HTTP snapshot forces a
// CTRL_RESET_FULL round; once every consumer acks the reset, the
// controller invalidates the peer and goes back to COLLECTING_PEERS
// rather than shutting down, since the retry budget hasn't been hit.
func TestMalformedResetReturnsToCollecting(t *testing.T) {
	c := NewController(Config{NConsumers: 2, CollectingPeersWindow: time.Millisecond, MaxRetries: 3}, t.TempDir()+"/full.seg")
	now := time.Unix(2000, 0)
	c.OnPeerDiscovered(testPeer(t, 9), now)
	c.Tick(now.Add(time.Second))
	require.Equal(t, StateReadingFullURLHTTP, c.State())
	c.ResolvedURL("http://127.0.0.9:8080/full/obj")
	c.FeedData([]byte("partial-garbage"))
	require.Equal(t, StateReadingFullHTTP, c.State())

	ems := c.OnMalformed()
	require.Equal(t, []Emission{{Control: CtrlResetFull}}, ems)
	require.Equal(t, StateFlushingFullHTTPReset, c.State())

	require.Nil(t, c.OnAck())
	ems = c.OnAck()
	require.Nil(t, ems, "retry budget not exhausted, no shutdown emitted")
	require.Equal(t, StateCollectingPeers, c.State())
	require.Equal(t, 1, c.retryCount)
}

// TestMaxRetriesShutsDown checks that repeated MALFORMED rounds eventually
// drive the controller to SHUTDOWN instead of looping forever.
func TestMaxRetriesShutsDown(t *testing.T) {
	c := NewController(Config{NConsumers: 1, CollectingPeersWindow: time.Millisecond, MaxRetries: 2}, t.TempDir()+"/full.seg")
	now := time.Unix(3000, 0)

	for i := 0; i < 2; i++ {
		c.OnPeerDiscovered(testPeer(t, byte(10+i)), now)
		c.Tick(now.Add(time.Second))
		require.Equal(t, StateReadingFullURLHTTP, c.State())
		c.ResolvedURL("http://peer/full/obj")
		c.FeedData([]byte("x"))

		ems := c.OnMalformed()
		require.Equal(t, CtrlResetFull, ems[0].Control)

		ems = c.OnAck()
		if i < 1 {
			require.Nil(t, ems)
			require.Equal(t, StateCollectingPeers, c.State())
		} else {
			require.Equal(t, []Emission{{Control: CtrlShutdown}}, ems)
			require.Equal(t, StateShutdown, c.State())
		}
	}
}

// TestFullThenIncremental checks the full-snapshot-then-incremental
// handoff: after the full snapshot flushes, the controller moves on to
// READING_INCREMENTAL_HTTP instead of shutting down when an incremental
// round is requested.
func TestFullThenIncremental(t *testing.T) {
	c := NewController(Config{NConsumers: 1, CollectingPeersWindow: time.Millisecond}, t.TempDir()+"/full.seg")
	c.SetNeedIncremental(true)
	now := time.Unix(4000, 0)
	c.OnPeerDiscovered(testPeer(t, 20), now)
	c.Tick(now.Add(time.Second))
	c.ResolvedURL("http://peer/full/obj")
	c.FeedData([]byte("full-bytes"))
	c.EndOfPhase()
	require.Equal(t, StateFlushingFullHTTP, c.State())

	ems := c.OnAck()
	require.Nil(t, ems)
	require.Equal(t, StateReadingIncrementalURLHTTP, c.State())

	c.ResolvedURL("http://peer/incr/obj")
	require.Equal(t, StateReadingIncrementalHTTP, c.State())
	c.FeedData([]byte("incr-bytes"))
	ems = c.EndOfPhase()
	require.Equal(t, []Emission{{Control: CtrlDone}}, ems)
	require.Equal(t, StateFlushingIncrementalHTTP, c.State())
}

func TestParseSnapshotFileName(t *testing.T) {
	full, err := ParseSnapshotFileName("snapshot-286480672-e3b0c44298.tar.zst")
	require.NoError(t, err)
	require.Equal(t, uint64(286480672), full.BaseSlot)
	require.False(t, full.HasIncremental)
	require.Equal(t, "e3b0c44298", full.Hash)

	incr, err := ParseSnapshotFileName("incremental-snapshot-286480672-286481337-9f86d08188.tar.zst")
	require.NoError(t, err)
	require.Equal(t, uint64(286480672), incr.BaseSlot)
	require.True(t, incr.HasIncremental)
	require.Equal(t, uint64(286481337), incr.IncrementalSlot)
}
