// Package sender implements the sender engine (C6): the reader state
// machine that packages file bytes into packets via the slot pool,
// encrypts them in place when a session key is set, and enforces
// send-buffer flow control across the current batch of peers.
package sender

import (
	"errors"
	"fmt"
	"sync"

	"github.com/driftmesh/xfer/internal/aead"
	"github.com/driftmesh/xfer/internal/fec"
	"github.com/driftmesh/xfer/internal/slotpool"
	"github.com/driftmesh/xfer/internal/wire"
)

// EOSFileIndex is emitted once all files have been fully read.
const EOSFileIndex = wire.EOSFileIndex

// Default flow-control watermarks (spec.md §6), on the maximum transport
// send buffer observed across peers in the current batch.
const (
	DefaultBufferLow  = 1 * 1024 * 1024
	DefaultBufferHigh = 4 * 1024 * 1024
)

// FileSource is one file in the ordered input list.
type FileSource interface {
	// Size returns the file's total byte length.
	Size() int64
	// ReadAt reads len(buf) bytes starting at offset, the same contract
	// as io.ReaderAt.
	ReadAt(buf []byte, offset int64) (int, error)
}

// Packet is a committed slot handed to the transport: the packet's bytes
// (a view into the slot pool, valid until Release is called) and the slot
// id needed to release it once the transport has sent it.
type Packet struct {
	SlotID int
	View   []byte
}

// ErrNoFreeSlot is returned by ProcessBatch when the slot pool is
// saturated; the caller should retry once a Release call frees a slot.
var ErrNoFreeSlot = errors.New("sender: no free slot, caller must retry after a release")

// Engine drives the reader state machine across an ordered list of files.
// It is not safe for concurrent use from multiple goroutines calling
// ProcessBatch simultaneously — spec.md's single-owning-task model applies.
type Engine struct {
	files        []FileSource
	pool         *slotpool.Pool
	session      *aead.Session // nil: packets are committed plain
	maxChunkSize uint32
	fec          *fec.SenderCoder // nil: chunks are committed as plain data frames

	mu           sync.Mutex
	fileIndex    int
	offsetInFile int64
	totalSent    uint64
	eosEmitted   bool
	pendingFEC   [][]byte // shard-record payloads awaiting a free slot
	fecSeq       uint64

	bufferLow, bufferHigh uint64
	paused                map[string]bool
}

// Config configures a new Engine.
type Config struct {
	Pool         *slotpool.Pool
	Session      *aead.Session // optional; nil means plain frames
	MaxChunkSize uint32        // default wire.DefaultMaxChunkSize
	BufferLow    uint64        // default DefaultBufferLow
	BufferHigh   uint64        // default DefaultBufferHigh
	// FEC, if set, routes every file's bytes through the C5 shard codec
	// instead of emitting them as plain per-chunk data frames: each block
	// becomes a set of K+M shard-record frames under wire.FECFileIndex.
	FEC *fec.SenderCoder
}

// New creates a sender engine over files, starting at file 0 offset 0.
func New(files []FileSource, cfg Config) *Engine {
	maxChunkSize := cfg.MaxChunkSize
	if maxChunkSize == 0 {
		maxChunkSize = wire.DefaultMaxChunkSize
	}
	bufferLow := cfg.BufferLow
	if bufferLow == 0 {
		bufferLow = DefaultBufferLow
	}
	bufferHigh := cfg.BufferHigh
	if bufferHigh == 0 {
		bufferHigh = DefaultBufferHigh
	}
	return &Engine{
		files:        files,
		pool:         cfg.Pool,
		session:      cfg.Session,
		maxChunkSize: maxChunkSize,
		fec:          cfg.FEC,
		bufferLow:    bufferLow,
		bufferHigh:   bufferHigh,
		paused:       make(map[string]bool),
	}
}

// SetPeerPaused records a per-peer PAUSE/RESUME edge received via the
// control channel (CONTROL{action}).
func (e *Engine) SetPeerPaused(peerID string, paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if paused {
		e.paused[peerID] = true
	} else {
		delete(e.paused, peerID)
	}
}

// CanRequestMore reports whether the engine may pull another batch,
// combining the buffer watermarks with the per-peer pause flags: true iff
// maxBuffered is below BUFFER_HIGH, below BUFFER_LOW (drain-below-low to
// exit pause), and no peer in the current batch is paused.
func (e *Engine) CanRequestMore(maxBuffered uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if maxBuffered >= e.bufferHigh || maxBuffered >= e.bufferLow {
		return false
	}
	return len(e.paused) == 0
}

// ProcessBatch reads and packages up to count packets. It returns fewer
// than count packets at EOS; a second call after EOS has been emitted
// returns (nil, nil). ErrNoFreeSlot signals the slot pool is saturated —
// the caller should retry once packets already produced have been sent and
// released.
func (e *Engine) ProcessBatch(count int, aad []byte) ([]Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.eosEmitted {
		return nil, nil
	}

	packets := make([]Packet, 0, count)
	for len(packets) < count {
		// Shard payloads already produced by a prior Submit/Flush take
		// priority, so a slot shortage never loses a shard: it stays
		// queued in pendingFEC for the next call.
		if len(e.pendingFEC) > 0 {
			pkt, err := e.commitFECLocked(e.pendingFEC[0], aad)
			if err != nil {
				return packets, err
			}
			e.pendingFEC = e.pendingFEC[1:]
			packets = append(packets, pkt)
			continue
		}

		if e.fileIndex >= len(e.files) {
			pkt, err := e.commitEOSLocked(aad)
			if err != nil {
				return packets, err
			}
			packets = append(packets, pkt)
			e.eosEmitted = true
			return packets, nil
		}

		f := e.files[e.fileIndex]
		if e.offsetInFile >= f.Size() {
			if e.fec != nil {
				shards, err := e.fec.Flush(uint16(e.fileIndex))
				if err != nil {
					return packets, fmt.Errorf("sender: fec flush file %d: %w", e.fileIndex, err)
				}
				e.pendingFEC = append(e.pendingFEC, shards...)
			}
			e.fileIndex++
			e.offsetInFile = 0
			continue
		}

		readable := int64(e.maxChunkSize)
		if remaining := f.Size() - e.offsetInFile; remaining < readable {
			readable = remaining
		}

		slotID, data, gen, ok := e.pool.Acquire()
		if !ok {
			return packets, ErrNoFreeSlot
		}

		n, err := f.ReadAt(data[:readable], e.offsetInFile)
		if err != nil {
			e.pool.Release(slotID)
			return packets, fmt.Errorf("sender: read file %d at offset %d: %w", e.fileIndex, e.offsetInFile, err)
		}

		if e.fec != nil {
			shards, err := e.fec.Submit(uint16(e.fileIndex), data[:n])
			e.pool.Release(slotID)
			if err != nil {
				return packets, fmt.Errorf("sender: fec submit file %d: %w", e.fileIndex, err)
			}
			e.pendingFEC = append(e.pendingFEC, shards...)
		} else {
			pkt, err := e.commitLocked(slotID, n, gen, uint16(e.fileIndex), uint64(e.offsetInFile), aad)
			if err != nil {
				e.pool.Release(slotID)
				return packets, err
			}
			packets = append(packets, pkt)
		}

		e.offsetInFile += int64(n)
		e.totalSent += uint64(n)
	}
	return packets, nil
}

// commitFECLocked copies a shard-record payload into a freshly acquired
// slot and commits it as a frame under wire.FECFileIndex, using an
// incrementing sequence number as its offset field (the shard record's own
// header, not the frame offset, carries the origin file/block addressing).
func (e *Engine) commitFECLocked(payload []byte, aad []byte) (Packet, error) {
	slotID, data, gen, ok := e.pool.Acquire()
	if !ok {
		return Packet{}, ErrNoFreeSlot
	}
	if len(payload) > len(data) {
		e.pool.Release(slotID)
		return Packet{}, fmt.Errorf("sender: fec shard record (%d bytes) exceeds slot capacity (%d)", len(payload), len(data))
	}
	n := copy(data, payload)

	pkt, err := e.commitLocked(slotID, n, gen, wire.FECFileIndex, e.fecSeq, aad)
	if err != nil {
		e.pool.Release(slotID)
		return Packet{}, err
	}
	e.fecSeq++
	return pkt, nil
}

func (e *Engine) commitLocked(slotID, dataLen int, generation uint64, fileIndex uint16, offset uint64, aad []byte) (Packet, error) {
	if e.session != nil {
		packetLen, err := e.pool.CommitEncrypted(slotID, dataLen, e.session, generation, fileIndex, offset, e.maxChunkSize, aad)
		if err != nil {
			return Packet{}, fmt.Errorf("sender: commit encrypted: %w", err)
		}
		if packetLen == 0 {
			return Packet{}, fmt.Errorf("sender: commit encrypted: generation mismatch on slot %d", slotID)
		}
	} else {
		packetLen := e.pool.CommitPlain(slotID, dataLen, generation, fileIndex, offset, e.maxChunkSize)
		if packetLen == 0 {
			return Packet{}, fmt.Errorf("sender: commit plain: generation mismatch on slot %d", slotID)
		}
	}
	view, ok := e.pool.PacketView(slotID)
	if !ok {
		return Packet{}, fmt.Errorf("sender: packet view unavailable for slot %d", slotID)
	}
	return Packet{SlotID: slotID, View: view}, nil
}

// commitEOSLocked commits the sentinel end-of-stream frame: file_index =
// 0xFFFF, empty payload. It uses the same aad as every data frame in this
// batch sequence, since an encrypted session authenticates the EOS frame
// exactly like any other.
func (e *Engine) commitEOSLocked(aad []byte) (Packet, error) {
	slotID, _, gen, ok := e.pool.Acquire()
	if !ok {
		return Packet{}, ErrNoFreeSlot
	}
	return e.commitLocked(slotID, 0, gen, EOSFileIndex, 0, aad)
}

// TotalSent returns the cumulative bytes read and committed so far.
func (e *Engine) TotalSent() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalSent
}

// Release returns a packet's slot to the pool once the transport has
// finished sending it.
func (e *Engine) Release(slotID int) {
	e.pool.Release(slotID)
}
