// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package snaprd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/erigontech/erigon-lib/log/v3"
)

// Sink receives the Emission stream a Run loop produces and returns
// whether a prior frame was malformed, mirroring the upstream
// ACK/MALFORMED handshake of spec.md §6.
type Sink interface {
	Accept(Emission) (malformed bool)
}

// Run drives the Controller to completion against real file/HTTP I/O,
// generalizing the source's WaitForDownloader ticker-and-retry loop: a
// fixed 10-second sleep-then-continue becomes a proper backoff policy
// (http.go's defaultBackoff), and the ticker here exists solely to drive
// time-based transitions (the COLLECTING_PEERS window) rather than to
// poll a separate downloader process for completion.
func Run(ctx context.Context, c *Controller, sink Sink, localFullOpener func() (io.ReadCloser, error)) error {
	const checkInterval = 200 * time.Millisecond
	checkEvery := time.NewTicker(checkInterval)
	defer checkEvery.Stop()

	client := newHTTPClient()

	for {
		switch c.State() {
		case StateShutdown:
			return nil

		case StateWaitingForPeers, StateCollectingPeers, StateFlushingFullFile, StateFlushingFullFileReset,
			StateFlushingIncrementalFile, StateFlushingFullHTTP, StateFlushingFullHTTPReset, StateFlushingIncrementalHTTP:
			// These states advance only via OnAck/OnPeerDiscovered (driven by
			// the caller) or the COLLECTING_PEERS deadline, so block on the
			// ticker instead of busy-looping.
			select {
			case <-ctx.Done():
				log.Warn("[snaprd] shutting down on context cancellation")
				return ctx.Err()
			case now := <-checkEvery.C:
				for _, em := range c.Tick(now) {
					sink.Accept(em)
				}
			}
			continue

		case StateReadingFullURLHTTP, StateReadingIncrementalURLHTTP:
			url, err := resolveURL(ctx, client, c.chosenPeer.BaseURL)
			if err != nil {
				log.Error("[snaprd] resolving snapshot URL", "err", err)
				for _, em := range c.OnMalformed() {
					sink.Accept(em)
				}
				continue
			}
			c.ResolvedURL(url)

		case StateReadingFullHTTP, StateReadingIncrementalHTTP:
			malformed, err := streamHTTP(ctx, c, sink, client)
			if err != nil {
				log.Error("[snaprd] streaming snapshot over HTTP", "err", err)
			}
			if malformed || err != nil {
				for _, em := range c.OnMalformed() {
					sink.Accept(em)
				}
			}

		case StateReadingFullFile, StateReadingIncrementalFile:
			malformed, err := streamLocalFile(c, sink, localFullOpener)
			if err != nil {
				log.Error("[snaprd] streaming snapshot from local file", "err", err)
			}
			if malformed || err != nil {
				for _, em := range c.OnMalformed() {
					sink.Accept(em)
				}
			}

		default:
			panic(fmt.Sprintf("snaprd: Run: unreachable state %s", c.State()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// feedAndCheck forwards ems to sink and reports whether the consumer
// flagged any of them malformed.
func feedAndCheck(sink Sink, ems []Emission) bool {
	malformed := false
	for _, em := range ems {
		if sink.Accept(em) {
			malformed = true
		}
	}
	return malformed
}

func streamHTTP(ctx context.Context, c *Controller, sink Sink, client *http.Client) (bool, error) {
	body, err := openStream(ctx, client, c.resolvedURL, c.bo)
	if err != nil {
		return false, err
	}
	defer body.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if feedAndCheck(sink, c.FeedData(buf[:n])) {
				return true, nil
			}
		}
		if err == io.EOF {
			feedAndCheck(sink, c.EndOfPhase())
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("snaprd: reading snapshot stream: %w", err)
		}
	}
}

func streamLocalFile(c *Controller, sink Sink, open func() (io.ReadCloser, error)) (bool, error) {
	f, err := open()
	if err != nil {
		return false, err
	}
	defer f.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if feedAndCheck(sink, c.FeedData(buf[:n])) {
				return true, nil
			}
		}
		if err == io.EOF {
			feedAndCheck(sink, c.EndOfPhase())
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}
