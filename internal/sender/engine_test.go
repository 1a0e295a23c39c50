package sender

import (
	"bytes"
	"testing"

	"github.com/driftmesh/xfer/internal/aead"
	"github.com/driftmesh/xfer/internal/crypto"
	"github.com/driftmesh/xfer/internal/slotpool"
	"github.com/driftmesh/xfer/internal/wire"
)

type memFile struct{ data []byte }

func (m *memFile) Size() int64 { return int64(len(m.data)) }
func (m *memFile) ReadAt(buf []byte, offset int64) (int, error) {
	n := copy(buf, m.data[offset:])
	return n, nil
}

func newTestPool() *slotpool.Pool {
	return slotpool.New(8, slotpool.MaxHeaderSize+256)
}

func TestProcessBatchEmitsPlainFramesInOrder(t *testing.T) {
	f := &memFile{data: []byte("abcdefghijklmnop")}
	e := New([]FileSource{f}, Config{Pool: newTestPool(), MaxChunkSize: 4})

	var allPayload []byte
	for {
		packets, err := e.ProcessBatch(10, nil)
		if err != nil {
			t.Fatalf("ProcessBatch() failed: %v", err)
		}
		if len(packets) == 0 {
			break
		}
		for _, p := range packets {
			if wire.IsEOS(p.View) {
				e.Release(p.SlotID)
				goto done
			}
			h, err := wire.ParsePlain(p.View)
			if err != nil {
				t.Fatalf("ParsePlain() failed: %v", err)
			}
			allPayload = append(allPayload, p.View[wire.PlainHeaderSize:]...)
			_ = h
			e.Release(p.SlotID)
		}
	}
done:
	if !bytes.Equal(allPayload, f.data) {
		t.Errorf("reassembled payload = %q, want %q", allPayload, f.data)
	}
	if got := e.TotalSent(); got != uint64(len(f.data)) {
		t.Errorf("TotalSent() = %d, want %d", got, len(f.data))
	}
}

func TestProcessBatchEmitsEOSAfterAllFiles(t *testing.T) {
	f := &memFile{data: []byte("xy")}
	e := New([]FileSource{f}, Config{Pool: newTestPool(), MaxChunkSize: 16})

	packets, err := e.ProcessBatch(10, nil)
	if err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("len(packets) = %d, want 2 (data + EOS)", len(packets))
	}
	if !wire.IsEOS(packets[1].View) {
		t.Error("second packet is not EOS")
	}

	// A further call after EOS returns nothing.
	more, err := e.ProcessBatch(10, nil)
	if err != nil {
		t.Fatalf("ProcessBatch() after EOS failed: %v", err)
	}
	if more != nil {
		t.Errorf("ProcessBatch() after EOS = %v, want nil", more)
	}
}

func TestProcessBatchAdvancesAcrossMultipleFiles(t *testing.T) {
	f1 := &memFile{data: []byte("first")}
	f2 := &memFile{data: []byte("second")}
	e := New([]FileSource{f1, f2}, Config{Pool: newTestPool(), MaxChunkSize: 64})

	packets, err := e.ProcessBatch(10, nil)
	if err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}
	// Expect one frame per file, then EOS.
	if len(packets) != 3 {
		t.Fatalf("len(packets) = %d, want 3", len(packets))
	}
	h0, _ := wire.ParsePlain(packets[0].View)
	h1, _ := wire.ParsePlain(packets[1].View)
	if h0.FileIndex != 0 || h1.FileIndex != 1 {
		t.Errorf("FileIndex sequence = %d,%d want 0,1", h0.FileIndex, h1.FileIndex)
	}
}

func TestProcessBatchEncryptsWhenSessionSet(t *testing.T) {
	keys := &crypto.SessionKeys{}
	for i := range keys.Key {
		keys.Key[i] = byte(i)
	}
	sess := aead.NewSession(keys)

	f := &memFile{data: []byte("secret payload")}
	e := New([]FileSource{f}, Config{Pool: newTestPool(), Session: sess, MaxChunkSize: 64})

	packets, err := e.ProcessBatch(10, nil)
	if err != nil {
		t.Fatalf("ProcessBatch() failed: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("len(packets) = %d, want 2", len(packets))
	}
	if !wire.IsEncrypted(packets[0].View) {
		t.Error("expected first packet to be encrypted")
	}

	h, err := wire.ParseEncryptedHeader(packets[0].View)
	if err != nil {
		t.Fatalf("ParseEncryptedHeader() failed: %v", err)
	}
	plaintext, err := sess.Decrypt(nil, h.Nonce, wire.Ciphertext(packets[0].View))
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	if !bytes.Equal(plaintext, f.data) {
		t.Errorf("decrypted = %q, want %q", plaintext, f.data)
	}
}

func TestCanRequestMoreRespectsWatermarksAndPause(t *testing.T) {
	e := New(nil, Config{Pool: newTestPool()})

	if !e.CanRequestMore(0) {
		t.Error("CanRequestMore(0) = false, want true")
	}
	if e.CanRequestMore(DefaultBufferHigh) {
		t.Error("CanRequestMore(BUFFER_HIGH) = true, want false")
	}
	if e.CanRequestMore(DefaultBufferLow) {
		t.Error("CanRequestMore(BUFFER_LOW) = true, want false (must drain below low)")
	}

	e.SetPeerPaused("peer-1", true)
	if e.CanRequestMore(0) {
		t.Error("CanRequestMore() with a paused peer = true, want false")
	}
	e.SetPeerPaused("peer-1", false)
	if !e.CanRequestMore(0) {
		t.Error("CanRequestMore() after unpausing = false, want true")
	}
}

func TestProcessBatchReturnsErrNoFreeSlotOnSaturation(t *testing.T) {
	f := &memFile{data: bytes.Repeat([]byte{1}, 1000)}
	pool := slotpool.New(1, slotpool.MaxHeaderSize+64)
	e := New([]FileSource{f}, Config{Pool: pool, MaxChunkSize: 32})

	// First batch acquires the single slot and never releases it from the
	// caller's perspective (simulating a slow transport).
	packets, err := e.ProcessBatch(1, nil)
	if err != nil {
		t.Fatalf("first ProcessBatch() failed: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("len(packets) = %d, want 1", len(packets))
	}

	if _, err := e.ProcessBatch(1, nil); err != ErrNoFreeSlot {
		t.Errorf("err = %v, want ErrNoFreeSlot", err)
	}
}
