// Package reorder implements the reordering arena (C4): it restores
// byte-offset-ordered delivery of chunks produced by a parallelised sender
// or a lossy transport, with bounded memory and a staleness TTL.
package reorder

import (
	"sync"
	"time"
)

// DefaultHighWater is the default buffered-byte ceiling (128 MiB).
const DefaultHighWater = 128 * 1024 * 1024

// DefaultTTL is the default per-entry staleness window.
const DefaultTTL = 30 * time.Second

// DefaultSweepInterval is how often the background sweep removes stale
// entries.
const DefaultSweepInterval = 5 * time.Second

// evictTargetFraction is the fraction of HighWater the arena evicts down to
// once an overflow eviction starts, so a single push doesn't immediately
// re-trigger eviction on the next call.
const evictTargetFraction = 0.8

type entry struct {
	offset   uint64
	bytes    []byte
	insertTS time.Time
}

// Stats reports arena occupancy and lifetime counters for observability.
type Stats struct {
	BufferedBytes   uint64
	PendingEntries  int
	TotalProcessed  uint64
	EvictedOverflow uint64
	EvictedStale    uint64
}

// Arena restores in-order delivery of (offset, bytes) chunks. It is safe for
// concurrent use; Push is expected to be called from the receiver engine's
// single owning task, but the background sweep goroutine touches the same
// state under the same lock.
type Arena struct {
	highWater uint64
	ttl       time.Duration

	onEvict func(offset uint64, length int, reason string)

	mu              sync.Mutex
	nextExpected    uint64
	pending         map[uint64]*entry
	bufferedBytes   uint64
	totalProcessed  uint64
	evictedOverflow uint64
	evictedStale    uint64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Option configures an Arena at construction time.
type Option func(*Arena)

// WithHighWater overrides DefaultHighWater.
func WithHighWater(bytes uint64) Option {
	return func(a *Arena) { a.highWater = bytes }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(a *Arena) { a.ttl = ttl }
}

// WithEvictionLogger registers a callback invoked whenever an entry is
// evicted, either for overflow or staleness. reason is "overflow" or
// "stale". Passing nil disables logging.
func WithEvictionLogger(fn func(offset uint64, length int, reason string)) Option {
	return func(a *Arena) { a.onEvict = fn }
}

// New creates an Arena starting at next_expected_offset = 0.
func New(opts ...Option) *Arena {
	a := &Arena{
		highWater: DefaultHighWater,
		ttl:       DefaultTTL,
		pending:   make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Push inserts a chunk arriving at the given byte offset and returns the
// ordered_chunks this push makes available, draining as many consecutive
// pending entries as line up after it. A chunk at an offset strictly before
// next_expected_offset is a duplicate and is dropped; if it overlaps
// next_expected_offset, only its non-duplicate tail is kept.
func (a *Arena) Push(chunk []byte, offset uint64) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(chunk) == 0 {
		return nil
	}

	end := offset + uint64(len(chunk))
	if end <= a.nextExpected {
		return nil // fully duplicate
	}
	if offset < a.nextExpected {
		// Overlapping tail: drop the duplicate head, keep the rest.
		skip := a.nextExpected - offset
		chunk = chunk[skip:]
		offset = a.nextExpected
	}

	if offset == a.nextExpected {
		out := [][]byte{chunk}
		a.nextExpected += uint64(len(chunk))
		a.totalProcessed += uint64(len(chunk))
		out = append(out, a.drainLocked()...)
		return out
	}

	a.insertLocked(chunk, offset)
	return nil
}

func (a *Arena) insertLocked(chunk []byte, offset uint64) {
	a.pending[offset] = &entry{offset: offset, bytes: chunk, insertTS: time.Now()}
	a.bufferedBytes += uint64(len(chunk))

	if a.bufferedBytes > a.highWater {
		a.evictOverflowLocked()
	}
}

// drainLocked appends every pending entry that now lines up consecutively
// after next_expected_offset, advancing it each time.
func (a *Arena) drainLocked() [][]byte {
	var out [][]byte
	for {
		e, ok := a.pending[a.nextExpected]
		if !ok {
			break
		}
		delete(a.pending, a.nextExpected)
		a.bufferedBytes -= uint64(len(e.bytes))
		a.nextExpected += uint64(len(e.bytes))
		a.totalProcessed += uint64(len(e.bytes))
		out = append(out, e.bytes)
	}
	return out
}

// evictOverflowLocked evicts entries oldest-insertion-first until usage is
// at or below evictTargetFraction of HighWater.
func (a *Arena) evictOverflowLocked() {
	target := uint64(float64(a.highWater) * evictTargetFraction)
	for a.bufferedBytes > target && len(a.pending) > 0 {
		var oldestOffset uint64
		var oldestTS time.Time
		first := true
		for off, e := range a.pending {
			if first || e.insertTS.Before(oldestTS) {
				oldestOffset = off
				oldestTS = e.insertTS
				first = false
			}
		}
		e := a.pending[oldestOffset]
		delete(a.pending, oldestOffset)
		a.bufferedBytes -= uint64(len(e.bytes))
		a.evictedOverflow++
		if a.onEvict != nil {
			a.onEvict(e.offset, len(e.bytes), "overflow")
		}
	}
}

// SweepStale removes entries older than the arena's TTL and reports how
// many were removed. It is safe to call directly (e.g. from a test) or let
// StartBackgroundSweep drive it periodically.
func (a *Arena) SweepStale() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	removed := 0
	for off, e := range a.pending {
		if now.Sub(e.insertTS) > a.ttl {
			delete(a.pending, off)
			a.bufferedBytes -= uint64(len(e.bytes))
			a.evictedStale++
			removed++
			if a.onEvict != nil {
				a.onEvict(e.offset, len(e.bytes), "stale")
			}
		}
	}
	return removed
}

// StartBackgroundSweep launches a goroutine that calls SweepStale every
// DefaultSweepInterval until Stop is called. It is a no-op if already
// started.
func (a *Arena) StartBackgroundSweep() {
	a.sweepOnce.Do(func() {
		a.stopSweep = make(chan struct{})
		go func() {
			ticker := time.NewTicker(DefaultSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.SweepStale()
				case <-a.stopSweep:
					return
				}
			}
		}()
	})
}

// Stop halts the background sweep goroutine, if one was started.
func (a *Arena) Stop() {
	if a.stopSweep != nil {
		close(a.stopSweep)
	}
}

// Stats returns a snapshot of the arena's current occupancy and counters.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		BufferedBytes:   a.bufferedBytes,
		PendingEntries:  len(a.pending),
		TotalProcessed:  a.totalProcessed,
		EvictedOverflow: a.evictedOverflow,
		EvictedStale:    a.evictedStale,
	}
}

// NextExpectedOffset returns the arena's current delivery watermark.
func (a *Arena) NextExpectedOffset() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextExpected
}
