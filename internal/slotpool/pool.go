// Package slotpool implements the slot pool (C3): a pre-allocated linear
// arena of fixed-size slots handed out to the producer as writable regions,
// then committed into framed packets without copying the payload.
//
// Each slot reserves internal/wire.EncryptedHeaderSize bytes as a header
// prefix so a plain or encrypted header can be written in front of payload
// bytes that were already placed by the producer, with no data movement.
package slotpool

import (
	"sync"

	"github.com/driftmesh/xfer/internal/aead"
	"github.com/driftmesh/xfer/internal/wire"
)

// DefaultSlotCount is the default arena size in slots.
const DefaultSlotCount = 256

// MaxHeaderSize is the number of bytes reserved at the front of every slot
// for a header written at commit time. Producer payload bytes always start
// at slot_start + MaxHeaderSize.
const MaxHeaderSize = wire.EncryptedHeaderSize

type state uint8

const (
	stateFree state = iota
	stateAcquired
	stateCommitted
)

type slot struct {
	state      state
	generation uint64

	// packetStart/packetLen describe the committed packet within the
	// slot's region of the arena; both are zero until commit.
	packetStart int
	packetLen   int
}

// Pool is a fixed-capacity arena of slots backed by one contiguous buffer.
// The owning engine task serialises all acquire/commit/release calls per
// spec's single-writer-until-commit invariant; Pool itself is safe for
// concurrent use so CPU-bound commit work (AEAD, CRC32) can run on worker
// goroutines that report back to the owning task.
type Pool struct {
	mu         sync.Mutex
	arena      []byte
	slotSize   int
	slots      []slot
	free       []int // stack of free slot indices
	totalBytes uint64
}

// New allocates a pool of slotCount slots, each slotSize bytes. slotSize
// must be at least MaxHeaderSize+1 to hold a header and any payload.
func New(slotCount, slotSize int) *Pool {
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}
	p := &Pool{
		arena:    make([]byte, slotCount*slotSize),
		slotSize: slotSize,
		slots:    make([]slot, slotCount),
		free:     make([]int, slotCount),
	}
	for i := 0; i < slotCount; i++ {
		p.free[i] = slotCount - 1 - i // pop from the end, so slot 0 is handed out first
	}
	return p
}

// Acquire returns a free slot in O(1): its id, a writable view of its data
// region (after the header reservation), and its generation. ok is false
// when the pool is saturated and the caller must wait for a Release.
func (p *Pool) Acquire() (slotID int, data []byte, generation uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, nil, 0, false
	}
	slotID = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[slotID]
	s.state = stateAcquired
	s.packetStart = 0
	s.packetLen = 0

	start := slotID * p.slotSize
	data = p.arena[start+MaxHeaderSize : start+p.slotSize]
	return slotID, data, s.generation, true
}

// AcquireBatch resolves n independent Acquire calls; the returned slice has
// one entry per successful acquisition and stops early once the pool is
// saturated (partial success is reported by its shorter length).
func (p *Pool) AcquireBatch(n int) []AcquiredSlot {
	out := make([]AcquiredSlot, 0, n)
	for i := 0; i < n; i++ {
		id, data, gen, ok := p.Acquire()
		if !ok {
			break
		}
		out = append(out, AcquiredSlot{ID: id, Data: data, Generation: gen})
	}
	return out
}

// AcquiredSlot is one element of an AcquireBatch result.
type AcquiredSlot struct {
	ID         int
	Data       []byte
	Generation uint64
}

// CommitPlain finalises a slot holding dataLen bytes of plaintext payload
// (already written into the slice returned by Acquire) as a plain frame. It
// writes the 22-byte plain header at slot_start+16..slot_start+38 so header
// and payload end up contiguous, and returns the committed packet length.
// A generation mismatch — the slot was released and reacquired since
// Acquire — returns 0 without mutating slot bytes.
func (p *Pool) CommitPlain(slotID int, dataLen int, generation uint64, fileIndex uint16, offset uint64, maxChunkSize uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.slots[slotID]
	if s.generation != generation || s.state != stateAcquired {
		return 0
	}

	start := slotID * p.slotSize
	payload := p.arena[start+MaxHeaderSize : start+MaxHeaderSize+dataLen]
	header := wire.EncodePlain(payload, fileIndex, offset, maxChunkSize)
	// header = [22-byte header][payload], but payload is already in place
	// at start+MaxHeaderSize; only the 22-byte header prefix needs to land
	// at start+16..start+38 (MaxHeaderSize-22 == 16).
	headerStart := start + MaxHeaderSize - wire.PlainHeaderSize
	copy(p.arena[headerStart:start+MaxHeaderSize], header[:wire.PlainHeaderSize])

	s.state = stateCommitted
	s.packetStart = headerStart
	s.packetLen = wire.PlainHeaderSize + dataLen
	p.totalBytes += uint64(s.packetLen)
	return s.packetLen
}

// CommitEncrypted finalises a slot by encrypting dataLen bytes of plaintext
// in place via sess.EncryptInPlace, then writing the 38-byte encrypted
// header at the very start of the slot's region. Like CommitPlain, a
// generation mismatch returns 0 without mutating slot bytes.
func (p *Pool) CommitEncrypted(slotID int, dataLen int, sess *aead.Session, generation uint64, fileIndex uint16, offset uint64, maxChunkSize uint32, aad []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.slots[slotID]
	if s.generation != generation || s.state != stateAcquired {
		return 0, nil
	}

	start := slotID * p.slotSize
	// The data region plus its trailing tag space: commit_encrypted seals
	// in place over [start+MaxHeaderSize .. start+MaxHeaderSize+dataLen],
	// with room for the 16-byte tag immediately after.
	sealRegion := p.arena[start+MaxHeaderSize : start+MaxHeaderSize+dataLen+wire.TagSize]
	_, nonce, err := sess.EncryptInPlace(aad, sealRegion, dataLen)
	if err != nil {
		return 0, err
	}

	header := wire.EncodeEncryptedHeader(fileIndex, offset, uint32(dataLen), nonce, maxChunkSize)
	copy(p.arena[start:start+wire.EncryptedHeaderSize], header)

	s.state = stateCommitted
	s.packetStart = start
	s.packetLen = wire.EncryptedHeaderSize + dataLen + wire.TagSize
	p.totalBytes += uint64(s.packetLen)
	return s.packetLen, nil
}

// PacketView returns the committed packet's bytes. The returned slice
// aliases the arena and is valid only until the slot is released; ok is
// false if the slot is not currently in the Committed state.
func (p *Pool) PacketView(slotID int) (view []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.slots[slotID]
	if s.state != stateCommitted {
		return nil, false
	}
	return p.arena[s.packetStart : s.packetStart+s.packetLen], true
}

// Release returns a slot to the free list, incrementing its generation so
// any handle retained past this call can never mutate the new tenant.
func (p *Pool) Release(slotID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &p.slots[slotID]
	if s.state == stateCommitted {
		p.totalBytes -= uint64(s.packetLen)
	}
	s.state = stateFree
	s.generation++
	s.packetStart = 0
	s.packetLen = 0
	p.free = append(p.free, slotID)
}

// ReleaseBatch releases every id in ids.
func (p *Pool) ReleaseBatch(ids []int) {
	for _, id := range ids {
		p.Release(id)
	}
}

// TotalBytes returns the sum of committed packet_len values across all
// slots, per the pool's accounting invariant.
func (p *Pool) TotalBytes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalBytes
}

// Available reports how many slots are currently free.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
