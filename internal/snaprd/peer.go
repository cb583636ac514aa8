// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package snaprd

import (
	"context"
	"net/http"
	"net/netip"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Peer is one candidate source for a snapshot download.
type Peer struct {
	Addr    netip.Addr
	Port    uint16
	BaseURL string
}

type peerLatency struct {
	peer      Peer
	latency   time.Duration
	failedAt  time.Time
	hasFailed bool
}

// peerTable tracks the candidate peer set and their last-observed HEAD
// latency, used to pick the peer SNAPRD reads a snapshot from.
type peerTable struct {
	mu    sync.Mutex
	byKey map[netip.Addr]*peerLatency
}

func newPeerTable() *peerTable {
	return &peerTable{byKey: make(map[netip.Addr]*peerLatency)}
}

func (t *peerTable) add(p Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byKey[p.Addr]; !ok {
		t.byKey[p.Addr] = &peerLatency{peer: p, latency: time.Hour}
	}
}

func (t *peerTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// Invalidate marks a peer as failed as of the given time, excluding it
// from BestPeer until probe results supersede the failure.
func (t *peerTable) Invalidate(addr netip.Addr, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pl, ok := t.byKey[addr]; ok {
		pl.hasFailed = true
		pl.failedAt = at
	}
}

// BestPeer returns the candidate with the lowest observed HEAD latency
// that has not recently failed, or false if none qualify.
func (t *peerTable) BestPeer() (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	candidates := make([]*peerLatency, 0, len(t.byKey))
	for _, pl := range t.byKey {
		if !pl.hasFailed {
			candidates = append(candidates, pl)
		}
	}
	if len(candidates) == 0 {
		return Peer{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].latency < candidates[j].latency })
	return candidates[0].peer, true
}

// probePeers issues a concurrent HEAD request to every peer's base URL and
// records the round-trip latency, bounding total wall time by ctx.
func (t *peerTable) probePeers(ctx context.Context, client *http.Client) error {
	t.mu.Lock()
	targets := make([]*peerLatency, 0, len(t.byKey))
	for _, pl := range t.byKey {
		targets = append(targets, pl)
	}
	t.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, pl := range targets {
		pl := pl
		g.Go(func() error {
			start := probeClock()
			req, err := http.NewRequestWithContext(gctx, http.MethodHead, pl.peer.BaseURL, nil)
			if err != nil {
				return nil
			}
			resp, err := client.Do(req)
			if err != nil {
				t.mu.Lock()
				pl.hasFailed = true
				t.mu.Unlock()
				return nil
			}
			resp.Body.Close()
			elapsed := probeClock().Sub(start)
			t.mu.Lock()
			pl.latency = elapsed
			pl.hasFailed = false
			t.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// probeClock is a seam so tests can avoid depending on wall-clock timing
// of real probes; production always uses time.Now.
var probeClock = time.Now
