package fec

import "fmt"

// Shard is one encoded or received shard of a block, self-describing
// enough to travel as an independent wire frame and be reassembled out of
// order or with gaps.
type Shard struct {
	// BlockIndex is the zero-based index of this block within its file.
	BlockIndex uint64
	// BlockOffset is the absolute byte offset, within the file, of this
	// block's first data byte (shard index 0, byte 0).
	BlockOffset uint64
	// BlockSize is the number of real (unpadded) data bytes this block
	// carries; the last block of a file is typically shorter than
	// DataShards*ShardSize, with the remainder zero-padded before
	// encoding and trimmed back off after reconstruction.
	BlockSize uint32
	// ShardIndex is this shard's position, 0..DataShards+ParShards-1;
	// indices below DataShards carry data, the rest carry parity.
	ShardIndex uint16
	// DataShards and ParShards describe the (k, m) tuple this block was
	// encoded with, carried per-shard since AdaptivePolicy can change the
	// tuple between blocks of the same file.
	DataShards uint16
	ParShards  uint16
	// ShardBytes is this shard's payload, always ShardSize bytes (the
	// last block's shards are zero-padded to a full shard).
	ShardBytes []byte
}

// BlockEncoder accumulates a file's byte stream into fixed-size blocks and
// emits every block as a full set of K+M shards once filled, or on Flush
// for a trailing short block.
type BlockEncoder struct {
	shardSize  int
	buf        []byte
	blockIndex uint64
	byteOffset uint64
}

// NewBlockEncoder creates a block encoder with the given per-shard size.
func NewBlockEncoder(shardSize int) *BlockEncoder {
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}
	return &BlockEncoder{shardSize: shardSize}
}

// DefaultShardSize is half wire.DefaultMaxChunkSize, leaving room in a
// default-sized slot for the shard-record header (internal/fec/shardwire.go)
// wrapped around each shard's bytes.
const DefaultShardSize = 32 * 1024

// Submit appends data to the pending buffer and, for every tuple's worth
// of shard-size bytes now available, encodes and returns a complete block.
// tuple is resolved by the caller (typically from an AdaptivePolicy) once
// per block, since later blocks may pick a different (k, m).
func (b *BlockEncoder) Submit(data []byte, tuple Tuple) ([][]Shard, error) {
	b.buf = append(b.buf, data...)

	var blocks [][]Shard
	blockBytes := tuple.DataShards * b.shardSize
	for len(b.buf) >= blockBytes {
		block, err := b.encodeBlock(b.buf[:blockBytes], blockBytes, tuple)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
		b.buf = b.buf[blockBytes:]
	}
	return blocks, nil
}

// Flush encodes whatever is left in the pending buffer (zero-padded to a
// full block) as a final short block. It returns a nil slice if nothing is
// pending.
func (b *BlockEncoder) Flush(tuple Tuple) ([]Shard, error) {
	if len(b.buf) == 0 {
		return nil, nil
	}
	blockBytes := tuple.DataShards * b.shardSize
	padded := make([]byte, blockBytes)
	realSize := len(b.buf)
	copy(padded, b.buf)
	b.buf = nil
	return b.encodeBlock(padded, realSize, tuple)
}

func (b *BlockEncoder) encodeBlock(block []byte, realSize int, tuple Tuple) ([]Shard, error) {
	enc, err := NewEncoder(tuple.DataShards, tuple.ParityShards)
	if err != nil {
		return nil, err
	}
	rawShards, err := enc.Encode(block)
	if err != nil {
		return nil, err
	}

	out := make([]Shard, len(rawShards))
	for i, s := range rawShards {
		out[i] = Shard{
			BlockIndex:  b.blockIndex,
			BlockOffset: b.byteOffset,
			BlockSize:   uint32(realSize),
			ShardIndex:  uint16(i),
			DataShards:  uint16(tuple.DataShards),
			ParShards:   uint16(tuple.ParityShards),
			ShardBytes:  s,
		}
	}
	b.blockIndex++
	b.byteOffset += uint64(realSize)
	return out, nil
}

// pendingBlock collects shards for one in-flight block on the decode side.
type pendingBlock struct {
	shards    [][]byte
	have      int
	size      int // shard byte size inferred from the first shard seen
	dataN     int
	parN      int
	blockSize uint32
}

// BlockDecoder reassembles blocks from shards that may arrive out of order,
// interleaved with shards from other blocks, and with up to ParShards of a
// block's shards missing entirely.
type BlockDecoder struct {
	pending map[uint64]*pendingBlock
	done    map[uint64]struct{}
}

// NewBlockDecoder creates an empty block decoder.
func NewBlockDecoder() *BlockDecoder {
	return &BlockDecoder{pending: make(map[uint64]*pendingBlock), done: make(map[uint64]struct{})}
}

// Accept records one shard. Once DataShards of a block's shards have
// either arrived or been reconstructed, Accept returns the block's
// original bytes (trimmed to BlockSize) and its absolute byte offset;
// ok is false while the block is still incomplete, and for any shard of a
// block that has already been returned.
func (d *BlockDecoder) Accept(s Shard) (data []byte, offset uint64, ok bool, err error) {
	if _, resolved := d.done[s.BlockIndex]; resolved {
		return nil, 0, false, nil
	}
	pb, exists := d.pending[s.BlockIndex]
	if !exists {
		pb = &pendingBlock{
			shards:    make([][]byte, int(s.DataShards)+int(s.ParShards)),
			dataN:     int(s.DataShards),
			parN:      int(s.ParShards),
			blockSize: s.BlockSize,
		}
		d.pending[s.BlockIndex] = pb
	}
	if int(s.ShardIndex) >= len(pb.shards) {
		return nil, 0, false, fmt.Errorf("fec: shard index %d out of range for block %d", s.ShardIndex, s.BlockIndex)
	}
	if pb.shards[s.ShardIndex] == nil {
		pb.shards[s.ShardIndex] = s.ShardBytes
		pb.have++
		pb.size = len(s.ShardBytes)
	}

	if pb.have < pb.dataN {
		return nil, 0, false, nil
	}

	dec, err := NewDecoder(pb.dataN, pb.parN)
	if err != nil {
		return nil, 0, false, err
	}
	if err := dec.Reconstruct(pb.shards); err != nil {
		return nil, 0, false, err
	}
	block, err := dec.Join(pb.shards, int(pb.blockSize))
	if err != nil {
		return nil, 0, false, err
	}

	delete(d.pending, s.BlockIndex)
	d.done[s.BlockIndex] = struct{}{}
	return block, s.BlockOffset, true, nil
}

// Pending reports how many blocks are still incomplete, for diagnostics.
func (d *BlockDecoder) Pending() int { return len(d.pending) }
