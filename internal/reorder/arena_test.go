package reorder

import (
	"bytes"
	"testing"
	"time"
)

func TestPushInOrderPassesThrough(t *testing.T) {
	a := New()
	out := a.Push([]byte("abc"), 0)
	if len(out) != 1 || !bytes.Equal(out[0], []byte("abc")) {
		t.Fatalf("Push() = %v, want single chunk abc", out)
	}
	if got := a.NextExpectedOffset(); got != 3 {
		t.Errorf("NextExpectedOffset() = %d, want 3", got)
	}
}

func TestPushOutOfOrderBuffersThenDrains(t *testing.T) {
	a := New()

	if out := a.Push([]byte("ghi"), 6); out != nil {
		t.Errorf("Push(offset=6) = %v, want nil (buffered)", out)
	}
	if out := a.Push([]byte("def"), 3); out != nil {
		t.Errorf("Push(offset=3) = %v, want nil (buffered)", out)
	}

	out := a.Push([]byte("abc"), 0)
	if len(out) != 3 {
		t.Fatalf("Push(offset=0) drained %d chunks, want 3", len(out))
	}
	want := []string{"abc", "def", "ghi"}
	for i, w := range want {
		if !bytes.Equal(out[i], []byte(w)) {
			t.Errorf("out[%d] = %q, want %q", i, out[i], w)
		}
	}
	if got := a.NextExpectedOffset(); got != 9 {
		t.Errorf("NextExpectedOffset() = %d, want 9", got)
	}
}

func TestPushDuplicateIsDropped(t *testing.T) {
	a := New()
	a.Push([]byte("abc"), 0)

	out := a.Push([]byte("abc"), 0)
	if out != nil {
		t.Errorf("Push() of duplicate = %v, want nil", out)
	}
	stats := a.Stats()
	if stats.PendingEntries != 0 {
		t.Errorf("PendingEntries = %d, want 0", stats.PendingEntries)
	}
}

func TestPushOverlappingHeadIsSplit(t *testing.T) {
	a := New()
	a.Push([]byte("abc"), 0) // next_expected now 3

	// offset=1, len=4 overlaps [1,5); next_expected=3 so head [1,3) is
	// duplicate, tail [3,5) = "de" should be kept and delivered.
	out := a.Push([]byte("bcde"), 1)
	if len(out) != 1 || !bytes.Equal(out[0], []byte("de")) {
		t.Fatalf("Push(overlap) = %v, want [de]", out)
	}
	if got := a.NextExpectedOffset(); got != 5 {
		t.Errorf("NextExpectedOffset() = %d, want 5", got)
	}
}

func TestOverflowEvictsOldestUntilBelowTarget(t *testing.T) {
	var evicted []uint64
	a := New(
		WithHighWater(10),
		WithEvictionLogger(func(offset uint64, length int, reason string) {
			if reason == "overflow" {
				evicted = append(evicted, offset)
			}
		}),
	)

	// Each push is out-of-order (gap never filled), buffering bytes.
	a.Push([]byte("12345"), 10) // 5 bytes, buffered=5
	a.Push([]byte("12345"), 20) // 5 bytes, buffered=10
	a.Push([]byte("12345"), 30) // 5 bytes -> buffered=15 > highWater(10), evict oldest first

	stats := a.Stats()
	if stats.BufferedBytes > 8 { // target = 0.8 * 10 = 8
		t.Errorf("BufferedBytes = %d, want <= 8 after eviction", stats.BufferedBytes)
	}
	if len(evicted) == 0 {
		t.Fatal("expected at least one overflow eviction")
	}
	if evicted[0] != 10 {
		t.Errorf("first evicted offset = %d, want 10 (oldest insertion)", evicted[0])
	}
}

func TestSweepStaleRemovesOldEntries(t *testing.T) {
	a := New(WithTTL(1 * time.Millisecond))
	a.Push([]byte("buffered"), 100) // out of order, never drained

	time.Sleep(5 * time.Millisecond)
	removed := a.SweepStale()
	if removed != 1 {
		t.Fatalf("SweepStale() removed %d, want 1", removed)
	}
	if stats := a.Stats(); stats.PendingEntries != 0 {
		t.Errorf("PendingEntries after sweep = %d, want 0", stats.PendingEntries)
	}
}

func TestReorderOverflowStaysWithinHighWater(t *testing.T) {
	// Spec scenario: push 200 chunks of 1 MiB each at strictly increasing
	// non-contiguous offsets, never filling the gap; arena stays <= 128 MiB.
	a := New() // default 128 MiB high water
	chunk := make([]byte, 1024*1024)

	for i := 0; i < 200; i++ {
		offset := uint64(i) * 2 * 1024 * 1024 // gap never filled
		a.Push(chunk, offset)
		if stats := a.Stats(); stats.BufferedBytes > DefaultHighWater {
			t.Fatalf("BufferedBytes = %d exceeds HighWater %d at i=%d", stats.BufferedBytes, DefaultHighWater, i)
		}
	}
}
