// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.

package snaprd

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/gofrs/flock"
)

// writeBehind buffers incoming snapshot bytes into a fixed-size ring and
// write-behinds them to a "*-partial" temp file guarded by a file lock,
// renaming atomically into place once the stream completes.
type writeBehind struct {
	ring     []byte
	fill     int
	finalDst string
	partDst  string
	lock     *flock.Flock
	f        *os.File
	written  uint64
}

func newWriteBehind(finalDst string, ringSize int) *writeBehind {
	if ringSize < 1 {
		panic("snaprd: writeBehind ring size must be positive")
	}
	return &writeBehind{
		ring:     make([]byte, ringSize),
		finalDst: finalDst,
		partDst:  finalDst + "-partial",
	}
}

func (w *writeBehind) open() error {
	w.lock = flock.New(w.partDst + ".lock")
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("snaprd: locking %s: %w", w.partDst, err)
	}
	if !ok {
		return fmt.Errorf("snaprd: %s is already locked by another writer", w.partDst)
	}
	f, err := os.OpenFile(w.partDst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		w.lock.Unlock()
		return err
	}
	w.f = f
	return nil
}

// Write appends a chunk of snapshot data, spilling through the ring to the
// partial file whenever it fills, and returns a human-readable running
// total for progress logging.
func (w *writeBehind) Write(p []byte) (datasize.ByteSize, error) {
	if w.f == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	w.written += uint64(len(p))
	for len(p) > 0 {
		n := copy(w.ring[w.fill:], p)
		w.fill += n
		p = p[n:]
		if w.fill == len(w.ring) {
			if err := w.flush(); err != nil {
				return 0, err
			}
		}
	}
	return datasize.ByteSize(w.written), nil
}

func (w *writeBehind) flush() error {
	if w.fill == 0 {
		return nil
	}
	if _, err := w.f.Write(w.ring[:w.fill]); err != nil {
		return err
	}
	w.fill = 0
	return nil
}

// Reset discards any buffered bytes and starts the partial file over, used
// when a FLUSHING_FULL_*_RESET transition discards a malformed stream.
func (w *writeBehind) Reset() error {
	w.fill = 0
	w.written = 0
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			return err
		}
		w.f = nil
	}
	if w.lock != nil {
		w.lock.Unlock()
		w.lock = nil
	}
	return os.Remove(w.partDst)
}

// Commit flushes any remaining buffered bytes and atomically renames the
// partial file into its final destination.
func (w *writeBehind) Commit() error {
	if err := w.flush(); err != nil {
		return err
	}
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			return err
		}
		w.f = nil
	}
	if w.lock != nil {
		w.lock.Unlock()
		w.lock = nil
	}
	return os.Rename(w.partDst, w.finalDst)
}
